// Package transport provides network transports for the SIP stack.
package transport

//go:generate errtrace -w .

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipstack/internal/errorutil"
	"github.com/ghettovoice/sipstack/internal/log"
	"github.com/ghettovoice/sipstack/sip"
)

const (
	// MaxMsgSize is the read buffer size, the max size of an IP packet.
	MaxMsgSize = 65535

	UDPDefaultPort uint16 = 5060

	udpProto   = "UDP"
	udpNetwork = "udp"
)

// ErrTransportClosed is returned by the operations of a closed transport.
const ErrTransportClosed errorutil.Error = "transport closed"

var noDeadline time.Time

var bytesBufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

func getBytesBuf() *bytes.Buffer {
	return bytesBufPool.Get().(*bytes.Buffer) //nolint:forcetypeassert
}

func freeBytesBuf(b *bytes.Buffer) {
	b.Reset()
	if b.Cap() > MaxMsgSize {
		return
	}
	bytesBufPool.Put(b)
}

// Options are the transport options.
type Options struct {
	// AdvertisedAddr is reported as the local address of flows, e.g. in Via and Contact.
	// If zero, the socket address is used, an unspecified socket IP is replaced by the loopback.
	AdvertisedAddr netip.AddrPort
	// Log is the logger. If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *Options) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// UDP is the UDP SIP transport. It implements [sip.Transport].
//
// All flows share the single socket of the transport, a flow is just a remote address.
type UDP struct {
	conn  net.PacketConn
	laddr netip.AddrPort
	log   *slog.Logger

	mu    sync.Mutex
	flows map[netip.AddrPort]*udpFlow

	serving atomic.Bool
	closing atomic.Bool
	done    chan struct{}
}

// ListenUDP binds a UDP socket to addr, e.g. "0.0.0.0:5060", and returns a transport using it.
func ListenUDP(ctx context.Context, addr string, opts *Options) (*UDP, error) {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, udpNetwork, addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tp, err := NewUDP(conn, opts)
	if err != nil {
		conn.Close()
		return nil, errtrace.Wrap(err)
	}
	return tp, nil
}

// NewUDP creates a transport on top of the packet connection.
// The transport takes ownership of conn.
func NewUDP(conn net.PacketConn, opts *Options) (*UDP, error) {
	if conn == nil {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("nil connection"))
	}
	laddr, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError(err))
	}
	if opts != nil && opts.AdvertisedAddr.IsValid() {
		laddr = opts.AdvertisedAddr
	} else if laddr.Addr().IsUnspecified() {
		loopback := netip.IPv6Loopback()
		if laddr.Addr().Unmap().Is4() {
			loopback = netip.AddrFrom4([4]byte{127, 0, 0, 1})
		}
		laddr = netip.AddrPortFrom(loopback, laddr.Port())
	}

	tp := &UDP{
		conn:  conn,
		laddr: laddr,
		flows: make(map[netip.AddrPort]*udpFlow),
		done:  make(chan struct{}),
	}
	tp.log = opts.log().With("transport", tp)
	return tp, nil
}

// LocalAddr returns the advertised local address.
func (tp *UDP) LocalAddr() netip.AddrPort { return tp.laddr }

// Serve reads datagrams and passes them to the handler until the transport is closed.
// It returns [ErrTransportClosed] after [UDP.Close].
func (tp *UDP) Serve(h sip.MessageHandler) error {
	if h == nil {
		return errtrace.Wrap(sip.NewInvalidArgumentError("nil message handler"))
	}
	if tp.closing.Load() {
		return errtrace.Wrap(ErrTransportClosed)
	}
	if !tp.serving.CompareAndSwap(false, true) {
		return errtrace.Wrap(sip.NewInvalidStateError("transport is already serving"))
	}
	defer close(tp.done)

	ctx := context.Background()
	buf := make([]byte, MaxMsgSize)
	for {
		num, addr, err := tp.conn.ReadFrom(buf)
		if err != nil {
			if tp.closing.Load() || errorutil.IsClosedErr(err) {
				return errtrace.Wrap(ErrTransportClosed)
			}
			if errorutil.IsTimeoutErr(err) {
				continue
			}
			return errtrace.Wrap(err)
		}

		raddr, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			tp.log.LogAttrs(ctx, slog.LevelWarn, "discarding datagram from unknown address",
				slog.Any("remote_addr", addr),
				slog.Any("error", err),
			)
			continue
		}
		raddr = netip.AddrPortFrom(raddr.Addr().Unmap(), raddr.Port())

		tp.log.LogAttrs(ctx, slog.LevelDebug, "datagram received",
			slog.Any("remote_addr", raddr),
			slog.Int("size", num),
		)
		// the handler parses and clones what it keeps, the buffer is reused
		h.OnMessageReceived(ctx, tp.flow(raddr), buf[:num])
	}
}

// Close closes the socket and waits for [UDP.Serve] to return.
func (tp *UDP) Close() error {
	if !tp.closing.CompareAndSwap(false, true) {
		return nil
	}
	err := tp.conn.Close()
	if tp.serving.Load() {
		<-tp.done
	}

	tp.mu.Lock()
	clear(tp.flows)
	tp.mu.Unlock()

	tp.log.LogAttrs(context.Background(), slog.LevelDebug, "transport closed")
	return errtrace.Wrap(err)
}

// Flow returns the flow to the remote address.
func (tp *UDP) Flow(raddr netip.AddrPort) sip.Flow { return tp.flow(raddr) }

func (tp *UDP) flow(raddr netip.AddrPort) *udpFlow {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if f, ok := tp.flows[raddr]; ok {
		return f
	}
	f := &udpFlow{tp: tp, raddr: raddr}
	if !tp.closing.Load() {
		tp.flows[raddr] = f
	}
	return f
}

// GetOrCreateFlow implements [sip.Transport].
func (tp *UDP) GetOrCreateFlow(_ context.Context, hop sip.Hop) (sip.Flow, error) {
	if tp.closing.Load() {
		return nil, errtrace.Wrap(ErrTransportClosed)
	}
	if hop.Transport != udpProto {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("unsupported transport %q", hop.Transport))
	}
	if !hop.Addr.IsValid() {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("invalid hop address %s", hop.Addr))
	}
	addr := hop.Addr
	if addr.Port() == 0 {
		addr = netip.AddrPortFrom(addr.Addr(), UDPDefaultPort)
	}
	return tp.flow(netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())), nil
}

// SendRequest implements [sip.Transport].
func (tp *UDP) SendRequest(ctx context.Context, flow sip.Flow, req *sip.Request, _ sip.Transaction) error {
	if req == nil {
		return errtrace.Wrap(sip.NewInvalidArgumentError("nil request"))
	}
	f, err := tp.ownFlow(flow)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tp.writeMsg(ctx, req, f.raddr))
}

// SendResponse implements [sip.Transport].
// The destination follows RFC 3261 Section 18.2.2 and RFC 3581 Section 4:
// maddr first, then received with rport, then the flow remote address.
func (tp *UDP) SendResponse(ctx context.Context, flow sip.Flow, res *sip.Response) error {
	if res == nil {
		return errtrace.Wrap(sip.NewInvalidArgumentError("nil response"))
	}
	f, err := tp.ownFlow(flow)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tp.writeMsg(ctx, res, responseAddr(res, f.raddr)))
}

func (tp *UDP) ownFlow(flow sip.Flow) (*udpFlow, error) {
	if tp.closing.Load() {
		return nil, errtrace.Wrap(ErrTransportClosed)
	}
	f, ok := flow.(*udpFlow)
	if !ok || f.tp != tp {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("flow %v does not belong to the transport", flow))
	}
	return f, nil
}

func responseAddr(res *sip.Response, def netip.AddrPort) netip.AddrPort {
	via, ok := res.Headers.TopVia()
	if !ok {
		return def
	}
	port := func() uint16 {
		if via.Port > 0 {
			return uint16(via.Port) //nolint:gosec
		}
		return UDPDefaultPort
	}
	if maddr, ok := via.Params.Get("maddr"); ok {
		if addr, err := netip.ParseAddr(maddr); err == nil {
			return netip.AddrPortFrom(addr, port())
		}
	}
	if recv := via.Received(); recv != "" {
		if addr, err := netip.ParseAddr(recv); err == nil {
			if rport, ok := via.RPort(); ok {
				return netip.AddrPortFrom(addr, uint16(rport)) //nolint:gosec
			}
			return netip.AddrPortFrom(addr, port())
		}
	}
	return def
}

func (tp *UDP) writeMsg(ctx context.Context, msg sip.Message, raddr netip.AddrPort) error {
	bb := getBytesBuf()
	defer freeBytesBuf(bb)

	if err := msg.Render(bb); err != nil {
		return errtrace.Wrap(err)
	}
	if err := tp.write(ctx, bb.Bytes(), raddr); err != nil {
		return errtrace.Wrap(err)
	}

	tp.log.LogAttrs(ctx, slog.LevelDebug, "message sent",
		slog.Any("message", msg),
		slog.Any("remote_addr", raddr),
	)
	return nil
}

func (tp *UDP) write(ctx context.Context, data []byte, raddr netip.AddrPort) error {
	if len(data) > MaxMsgSize {
		return errtrace.Wrap(sip.NewInvalidArgumentError("message size %d exceeds %d", len(data), MaxMsgSize))
	}
	if err := ctx.Err(); err != nil {
		return errtrace.Wrap(err)
	}
	if d, ok := ctx.Deadline(); ok {
		if err := tp.conn.SetWriteDeadline(d); err != nil {
			return errtrace.Wrap(err)
		}
		defer tp.conn.SetWriteDeadline(noDeadline) //nolint:errcheck
	}
	_, err := tp.conn.WriteTo(data, net.UDPAddrFromAddrPort(raddr))
	return errtrace.Wrap(err)
}

// LogValue implements [slog.LogValuer].
func (tp *UDP) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", fmt.Sprintf("%T", tp)),
		slog.String("ptr", fmt.Sprintf("%p", tp)),
		slog.Any("local_addr", tp.laddr),
	)
}

type udpFlow struct {
	tp    *UDP
	raddr netip.AddrPort
}

func (f *udpFlow) ID() string {
	return "udp:" + f.tp.laddr.String() + "-" + f.raddr.String()
}

func (*udpFlow) Transport() string { return udpProto }

func (*udpFlow) IsReliable() bool { return false }

func (*udpFlow) IsSecure() bool { return false }

func (f *udpFlow) LocalAddr() netip.AddrPort { return f.tp.laddr }

func (f *udpFlow) RemoteAddr() netip.AddrPort { return f.raddr }

func (f *udpFlow) SendRaw(ctx context.Context, data []byte) error {
	if f.tp.closing.Load() {
		return errtrace.Wrap(ErrTransportClosed)
	}
	return errtrace.Wrap(f.tp.write(ctx, data, f.raddr))
}

func (f *udpFlow) String() string { return f.ID() }

func (f *udpFlow) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", f.ID()),
		slog.String("remote_addr", f.raddr.String()),
	)
}
