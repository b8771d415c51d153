package sip_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipstack/sip"
)

func TestParseMessage_Request(t *testing.T) {
	t.Parallel()

	data := "INVITE sip:alice@example.com;transport=udp SIP/2.0\r\n" +
		"v: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK.abc;rport\r\n" +
		"Via: SIP/2.0/TCP proxy.example.com;branch=z9hG4bK.def,\r\n" +
		" SIP/2.0/UDP 10.0.0.9;branch=z9hG4bK.ghi\r\n" +
		"f: \"Bob\" <sip:bob@bob.voip.com>;tag=1928301774\r\n" +
		"t: <sip:alice@example.com>\r\n" +
		"i: a84b4c76e66710\r\n" +
		"CSeq: 314159 INVITE\r\n" +
		"Max-Forwards: 70\r\n" +
		"l: 4\r\n" +
		"\r\n" +
		"v=0\r\nextra"

	msg, err := sip.ParseMessage([]byte(data))
	if err != nil {
		t.Fatalf("sip.ParseMessage() error = %v, want nil", err)
	}
	req, ok := msg.(*sip.Request)
	if !ok {
		t.Fatalf("sip.ParseMessage() = %T, want *sip.Request", msg)
	}

	if req.Method != sip.RequestMethodInvite {
		t.Errorf("req.Method = %q, want %q", req.Method, sip.RequestMethodInvite)
	}
	if got, want := req.URI.String(), "sip:alice@example.com;transport=udp"; got != want {
		t.Errorf("req.URI = %q, want %q", got, want)
	}
	if got, want := string(req.Body), "v=0\r"; got != want {
		t.Errorf("req.Body = %q, want %q", got, want)
	}

	vias, err := req.Headers.Vias()
	if err != nil {
		t.Fatalf("req.Headers.Vias() error = %v, want nil", err)
	}
	branches := make([]string, 0, len(vias))
	for _, v := range vias {
		branches = append(branches, v.Branch())
	}
	if diff := cmp.Diff([]string{"z9hG4bK.abc", "z9hG4bK.def", "z9hG4bK.ghi"}, branches); diff != "" {
		t.Errorf("Via branches mismatch (-want +got):\n%s", diff)
	}

	if from, ok := req.Headers.From(); !ok || from.DisplayName != "Bob" || from.Tag() != "1928301774" {
		t.Errorf("req.Headers.From() = %v, %v, want Bob with tag 1928301774", from, ok)
	}
	if got := req.Headers.CallID(); got != "a84b4c76e66710" {
		t.Errorf("req.Headers.CallID() = %q, want %q", got, "a84b4c76e66710")
	}
	if cseq, ok := req.Headers.CSeq(); !ok || cseq != (sip.CSeq{Seq: 314159, Method: sip.RequestMethodInvite}) {
		t.Errorf("req.Headers.CSeq() = %v, %v, want 314159 INVITE", cseq, ok)
	}
	if mf, ok := req.Headers.MaxForwards(); !ok || mf != 70 {
		t.Errorf("req.Headers.MaxForwards() = %d, %v, want 70, true", mf, ok)
	}
	if err := req.Validate(); err != nil {
		t.Errorf("req.Validate() error = %v, want nil", err)
	}
}

func TestParseMessage_Response(t *testing.T) {
	t.Parallel()

	data := "SIP/2.0 180 Ringing\n" +
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK.abc\n" +
		"From: <sip:bob@bob.voip.com>;tag=1\n" +
		"To: <sip:alice@example.com>;tag=2\n" +
		"Call-ID: abc\n" +
		"CSeq: 1 INVITE\n" +
		"\n"

	msg, err := sip.ParseMessage([]byte(data))
	if err != nil {
		t.Fatalf("sip.ParseMessage() error = %v, want nil", err)
	}
	res, ok := msg.(*sip.Response)
	if !ok {
		t.Fatalf("sip.ParseMessage() = %T, want *sip.Response", msg)
	}
	if res.Status != sip.ResponseStatusRinging || res.Reason != "Ringing" {
		t.Errorf("status line = %d %q, want 180 %q", res.Status, res.Reason, "Ringing")
	}
	if res.Body != nil {
		t.Errorf("res.Body = %q, want nil", res.Body)
	}
	if to, _ := res.Headers.To(); to.Tag() != "2" {
		t.Errorf("To tag = %q, want %q", to.Tag(), "2")
	}

	// render and parse back
	again, err := sip.ParseMessage([]byte(res.String()))
	if err != nil {
		t.Fatalf("sip.ParseMessage(res.String()) error = %v, want nil", err)
	}
	if got := again.(*sip.Response).Headers.CallID(); got != "abc" {
		t.Errorf("re-parsed Call-ID = %q, want %q", got, "abc")
	}
}

func TestParseMessage_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		data string
	}{
		{"no terminator", "OPTIONS sip:a@b SIP/2.0\r\nCall-ID: x\r\n"},
		{"empty head", "\r\n\r\n"},
		{"bad request line", "OPTIONS sip:a@b\r\n\r\n"},
		{"bad status code", "SIP/2.0 99 Weird\r\n\r\n"},
		{"bad header line", "OPTIONS sip:a@b SIP/2.0\r\nno colon here\r\n\r\n"},
		{"bad uri", "OPTIONS nothing SIP/2.0\r\n\r\n"},
		{"bad content length", "OPTIONS sip:a@b SIP/2.0\r\nContent-Length: -1\r\n\r\n"},
		{"short body", "OPTIONS sip:a@b SIP/2.0\r\nContent-Length: 10\r\n\r\nabc"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			if _, err := sip.ParseMessage([]byte(c.data)); !errors.Is(err, sip.ErrMessageMalformed) {
				t.Errorf("sip.ParseMessage() error = %v, want %v", err, sip.ErrMessageMalformed)
			}
		})
	}
}

func TestParseURI(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want sip.URI
	}{
		{
			in:   "sip:alice@example.com",
			want: sip.URI{Scheme: "sip", User: "alice", Host: "example.com"},
		},
		{
			in: "SIPS:alice:secret@10.0.0.1:5061;transport=tcp;lr?subject=hi",
			want: sip.URI{
				Scheme:   "sips",
				User:     "alice",
				Password: "secret",
				Host:     "10.0.0.1",
				Port:     5061,
				Params:   sip.Params{{Name: "transport", Value: "tcp"}, {Name: "lr"}},
				Headers:  "subject=hi",
			},
		},
		{
			in:   "sip:[2001:db8::1]:5060",
			want: sip.URI{Scheme: "sip", Host: "2001:db8::1", Port: 5060},
		},
		{
			in:   "tel:+1-201-555-0123",
			want: sip.URI{Scheme: "tel", Opaque: "+1-201-555-0123"},
		},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			t.Parallel()

			got, err := sip.ParseURI(c.in)
			if err != nil {
				t.Fatalf("sip.ParseURI(%q) error = %v, want nil", c.in, err)
			}
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf("sip.ParseURI(%q) mismatch (-want +got):\n%s", c.in, diff)
			}
		})
	}

	for _, in := range []string{"", "sip:", "nocolon", "sip:host:0", "sip:host:70000", "sip:[::1", "sip:@"} {
		if _, err := sip.ParseURI(in); !errors.Is(err, sip.ErrMessageMalformed) {
			t.Errorf("sip.ParseURI(%q) error = %v, want %v", in, err, sip.ErrMessageMalformed)
		}
	}
}

func TestURI_Methods(t *testing.T) {
	t.Parallel()

	u, err := sip.ParseURI("sip:proxy.example.com;lr;method=INVITE;ttl=5;transport=tls?x=y")
	if err != nil {
		t.Fatalf("sip.ParseURI() error = %v, want nil", err)
	}
	if !u.IsLooseRouter() {
		t.Error("u.IsLooseRouter() = false, want true")
	}
	if got := u.Transport(); got != "TLS" {
		t.Errorf("u.Transport() = %q, want %q", got, "TLS")
	}
	if got, want := u.RequestURI().String(), "sip:proxy.example.com;transport=tls"; got != want {
		t.Errorf("u.RequestURI() = %q, want %q", got, want)
	}
	if u.IsIP() {
		t.Error("u.IsIP() = true, want false")
	}

	ip6, _ := sip.ParseURI("sip:[::1]:5060")
	if got, want := ip6.HostPort(), "[::1]:5060"; got != want {
		t.Errorf("ip6.HostPort() = %q, want %q", got, want)
	}
	if !ip6.IsIP() {
		t.Error("ip6.IsIP() = false, want true")
	}

	a, _ := sip.ParseURI("sip:alice@EXAMPLE.com;transport=UDP;foo=bar")
	b, _ := sip.ParseURI("sip:alice@example.com;transport=udp")
	if !a.Equal(b) {
		t.Errorf("%v.Equal(%v) = false, want true", a, b)
	}
	c, _ := sip.ParseURI("sip:alice@example.com")
	if a.Equal(c) {
		t.Errorf("%v.Equal(%v) = true, want false", a, c)
	}
}

func TestParseVia(t *testing.T) {
	t.Parallel()

	v, err := sip.ParseVia("SIP/2.0/udp 10.0.0.1:5060 ;branch=z9hG4bK.abc;received=192.0.2.1;rport=5070")
	if err != nil {
		t.Fatalf("sip.ParseVia() error = %v, want nil", err)
	}
	if v.Transport != "UDP" || v.SentBy() != "10.0.0.1:5060" {
		t.Errorf("via = %s %s, want UDP 10.0.0.1:5060", v.Transport, v.SentBy())
	}
	if v.Branch() != "z9hG4bK.abc" || v.Received() != "192.0.2.1" {
		t.Errorf("via params = %v, want branch and received", v.Params)
	}
	if port, ok := v.RPort(); !ok || port != 5070 {
		t.Errorf("v.RPort() = %d, %v, want 5070, true", port, ok)
	}
	if got, want := v.String(), "SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK.abc;received=192.0.2.1;rport=5070"; got != want {
		t.Errorf("v.String() = %q, want %q", got, want)
	}

	for _, in := range []string{"SIP/2.0 host", "SIP/2.0/UDP", "SIP/2.0/UDP host:abc"} {
		if _, err := sip.ParseVia(in); !errors.Is(err, sip.ErrMessageMalformed) {
			t.Errorf("sip.ParseVia(%q) error = %v, want %v", in, err, sip.ErrMessageMalformed)
		}
	}
}

func TestParseNameAddr(t *testing.T) {
	t.Parallel()

	a, err := sip.ParseNameAddr(`"Alice Liddell" <sip:alice@example.com;transport=tcp>;tag=abc;expires=60`)
	if err != nil {
		t.Fatalf("sip.ParseNameAddr() error = %v, want nil", err)
	}
	want := sip.NameAddr{
		DisplayName: "Alice Liddell",
		URI: sip.URI{
			Scheme: "sip",
			User:   "alice",
			Host:   "example.com",
			Params: sip.Params{{Name: "transport", Value: "tcp"}},
		},
		Params: sip.Params{{Name: "tag", Value: "abc"}, {Name: "expires", Value: "60"}},
	}
	if diff := cmp.Diff(want, a); diff != "" {
		t.Errorf("sip.ParseNameAddr() mismatch (-want +got):\n%s", diff)
	}

	// addr-spec parameters belong to the header
	b, err := sip.ParseNameAddr("sip:bob@example.com;tag=xyz")
	if err != nil {
		t.Fatalf("sip.ParseNameAddr() error = %v, want nil", err)
	}
	if b.Tag() != "xyz" || len(b.URI.Params) != 0 {
		t.Errorf("addr-spec tag = %q, URI params = %v, want xyz and none", b.Tag(), b.URI.Params)
	}
	if got, want := b.WithTag("").String(), "<sip:bob@example.com>"; got != want {
		t.Errorf("b.WithTag(\"\") = %q, want %q", got, want)
	}
	if b.Tag() != "xyz" {
		t.Error("WithTag modified the receiver")
	}

	for _, in := range []string{"<sip:alice@example.com", "<sip:alice@example.com> junk", "<bad>"} {
		if _, err := sip.ParseNameAddr(in); !errors.Is(err, sip.ErrMessageMalformed) {
			t.Errorf("sip.ParseNameAddr(%q) error = %v, want %v", in, err, sip.ErrMessageMalformed)
		}
	}
}

func TestCanonicalHeaderName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"v":                "Via",
		"I":                "Call-ID",
		"call-id":          "Call-ID",
		"CSEQ":             "CSeq",
		"max-forwards":     "Max-Forwards",
		" record-route ":   "Record-Route",
		"www-authenticate": "WWW-Authenticate",
		"x-custom-header":  "X-Custom-Header",
	}
	for in, want := range cases {
		if got := sip.CanonicalHeaderName(in); got != want {
			t.Errorf("sip.CanonicalHeaderName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHeaders(t *testing.T) {
	t.Parallel()

	var h sip.Headers
	h.Add("route", "<sip:p1.example.com;lr>, <sip:p2.example.com;lr>")
	h.Add("Route", `"Comma, Name" <sip:p3.example.com;lr>`)
	h.Add("Subject", "hello, world")
	h.Prepend("Via", "SIP/2.0/UDP 10.0.0.2;branch=z9hG4bK.2")
	h.Prepend("Via", "SIP/2.0/UDP 10.0.0.1;branch=z9hG4bK.1")

	if got := h.Values("Route"); len(got) != 3 {
		t.Errorf("h.Values(Route) = %q, want 3 values", got)
	}
	if diff := cmp.Diff([]string{"hello, world"}, h.Values("subject")); diff != "" {
		t.Errorf("h.Values(Subject) mismatch (-want +got):\n%s", diff)
	}
	if v, ok := h.TopVia(); !ok || v.Branch() != "z9hG4bK.1" {
		t.Errorf("h.TopVia() = %v, %v, want branch z9hG4bK.1", v, ok)
	}

	routes, err := h.Routes()
	if err != nil {
		t.Fatalf("h.Routes() error = %v, want nil", err)
	}
	hosts := make([]string, 0, len(routes))
	for _, r := range routes {
		hosts = append(hosts, r.URI.Host)
	}
	if diff := cmp.Diff([]string{"p1.example.com", "p2.example.com", "p3.example.com"}, hosts); diff != "" {
		t.Errorf("route hosts mismatch (-want +got):\n%s", diff)
	}

	clone := h.Clone()
	clone.Set("Subject", "changed")
	if h.Get("Subject") != "hello, world" {
		t.Error("modifying a clone changed the original headers")
	}

	h.Del("route")
	if h.Has("Route") {
		t.Error("h.Has(Route) = true after Del")
	}

	var names []string
	for hdr := range h.All() {
		names = append(names, hdr.Name)
	}
	if got, want := strings.Join(names, ","), "Subject,Via,Via"; got != want {
		t.Errorf("header order = %q, want %q", got, want)
	}
}
