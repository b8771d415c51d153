package sip

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"
)

//go:generate go tool mockgen -destination ../internal/sipmock/sipmock.go -package sipmock . Flow,Transport,HopResolver

// Flow is a bound network association used to exchange messages with a single
// remote endpoint: a UDP local/remote address pair or a TCP/TLS connection.
type Flow interface {
	// ID returns a unique flow identifier.
	ID() string
	// Transport returns the transport protocol in upper case, e.g. "UDP".
	Transport() string
	// IsReliable reports whether the transport guarantees delivery.
	IsReliable() bool
	// IsSecure reports whether the transport is encrypted.
	IsSecure() bool
	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort
	// SendRaw writes raw bytes to the flow. It is used for keep-alive framing.
	SendRaw(ctx context.Context, data []byte) error
}

// Transport is the facade used by the engine to send messages.
type Transport interface {
	// SendRequest sends the request over the flow. owner is the client transaction
	// the request belongs to, or nil for requests sent outside of transactions.
	SendRequest(ctx context.Context, flow Flow, req *Request, owner Transaction) error
	// SendResponse sends the response over the flow the request arrived on,
	// applying the RFC 3261 Section 18.2.2 rules.
	SendResponse(ctx context.Context, flow Flow, res *Response) error
	// GetOrCreateFlow returns a flow to the hop, creating it if needed.
	GetOrCreateFlow(ctx context.Context, hop Hop) (Flow, error)
}

// Hop is a resolved next hop for a request.
type Hop struct {
	Addr      netip.AddrPort
	Transport string
}

// IsReliable reports whether the hop transport is reliable.
func (h Hop) IsReliable() bool { return IsReliableTransport(h.Transport) }

func (h Hop) String() string { return h.Transport + " " + h.Addr.String() }

// LogValue implements [slog.LogValuer].
func (h Hop) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("transport", h.Transport),
		slog.String("addr", h.Addr.String()),
	)
}

// HopResolver resolves a target URI into an ordered list of hops (RFC 3263).
type HopResolver interface {
	ResolveHops(ctx context.Context, target URI) ([]Hop, error)
}

// IsReliableTransport reports whether the transport protocol is reliable.
func IsReliableTransport(proto string) bool {
	switch strings.ToUpper(proto) {
	case "UDP", "DTLS":
		return false
	}
	return true
}

func logFlow(f Flow) slog.Value {
	if f == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", f.ID()),
		slog.String("transport", f.Transport()),
		slog.String("local_addr", f.LocalAddr().String()),
		slog.String("remote_addr", f.RemoteAddr().String()),
	)
}
