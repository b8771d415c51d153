package types_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipstack/internal/types"
)

func TestDeque_AppendPopFirst(t *testing.T) {
	t.Parallel()

	var d types.Deque[int]

	d.Append(1)
	d.Append(2)
	d.Append(3)

	if got := d.Len(); got != 3 {
		t.Fatalf("d.Len() = %d, want 3", got)
	}

	for want := 1; want <= 3; want++ {
		item, ok := d.PopFirst()
		if !ok {
			t.Fatalf("d.PopFirst() returned ok=false, want true for value %d", want)
		}
		if item != want {
			t.Fatalf("d.PopFirst() = %d, want %d", item, want)
		}
	}

	if !d.IsEmpty() {
		t.Fatalf("d.IsEmpty() = false, want true")
	}
	if _, ok := d.PopFirst(); ok {
		t.Fatalf("d.PopFirst() on empty deque returned ok=true")
	}
}

func TestDeque_Drain(t *testing.T) {
	t.Parallel()

	var d types.Deque[string]
	if got := d.Drain(); got != nil {
		t.Fatalf("d.Drain() = %v, want nil", got)
	}

	d.Append("a")
	d.Append("b")
	if diff := cmp.Diff([]string{"a", "b"}, d.Drain()); diff != "" {
		t.Fatalf("d.Drain() mismatch (-want +got):\n%s", diff)
	}
	if !d.IsEmpty() {
		t.Fatalf("d.IsEmpty() = false after drain, want true")
	}
}

func TestCallbackManager(t *testing.T) {
	t.Parallel()

	var m types.CallbackManager[func() string]

	m.Add(func() string { return "first" })
	rm := m.Add(func() string { return "second" })
	m.Add(func() string { return "third" })

	collect := func() []string {
		var out []string
		for fn := range m.All() {
			out = append(out, fn())
		}
		return out
	}

	if diff := cmp.Diff([]string{"first", "second", "third"}, collect()); diff != "" {
		t.Fatalf("callbacks mismatch (-want +got):\n%s", diff)
	}

	rm()
	rm()
	if got := m.Len(); got != 2 {
		t.Fatalf("m.Len() = %d, want 2", got)
	}
	if diff := cmp.Diff([]string{"first", "third"}, collect()); diff != "" {
		t.Fatalf("callbacks mismatch (-want +got):\n%s", diff)
	}

	m.Clear()
	if got := m.Len(); got != 0 {
		t.Fatalf("m.Len() = %d after clear, want 0", got)
	}
	m.Add(func() string { return "again" })
	if diff := cmp.Diff([]string{"again"}, collect()); diff != "" {
		t.Fatalf("callbacks mismatch (-want +got):\n%s", diff)
	}
}
