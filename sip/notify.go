package sip

import (
	"sync/atomic"

	"github.com/ghettovoice/sipstack/internal/types"
)

// notifyQueue collects notifications produced under an object lock
// and runs them after the lock is released.
// Only one goroutine delivers at a time, so notifications never overtake each other.
type notifyQueue struct {
	pending    types.Deque[func()]
	delivering atomic.Bool
}

func (q *notifyQueue) emit(fn func()) { q.pending.Append(fn) }

func (q *notifyQueue) deliver() {
	for {
		if !q.delivering.CompareAndSwap(false, true) {
			return
		}
		for {
			fn, ok := q.pending.PopFirst()
			if !ok {
				break
			}
			fn()
		}
		q.delivering.Store(false)
		if q.pending.IsEmpty() {
			return
		}
	}
}
