package sip

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipstack/internal/log"
	"github.com/ghettovoice/sipstack/internal/types"
)

// MessageHandler receives raw inbound messages from a transport.
type MessageHandler interface {
	OnMessageReceived(ctx context.Context, flow Flow, data []byte)
}

// RequestEvent describes an inbound request passed to the application.
type RequestEvent struct {
	Request *Request
	Flow    Flow
	// Transaction is nil for ACK.
	Transaction ServerTransaction
	// Dialog is set for in-dialog requests.
	Dialog Dialog
}

// ResponseEvent describes an inbound response that matched no client transaction.
type ResponseEvent struct {
	Response *Response
	Flow     Flow
	// Dialog is set for responses matching a dialog, e.g. 2xx retransmissions.
	Dialog Dialog
}

type (
	StackRequestHandler  = func(ctx context.Context, e *RequestEvent)
	StackResponseHandler = func(ctx context.Context, e *ResponseEvent)
)

// StackOptions are the stack options.
type StackOptions struct {
	// UserAgent is added as User-Agent to created requests and as Server to created responses.
	UserAgent string
	// Timings are the transaction timings.
	Timings TimingConfig
	// HopResolver resolves request targets for request senders.
	// If nil, request senders can not be created.
	HopResolver HopResolver
	// Credentials are passed to the request senders.
	Credentials []Credentials
	// Log is the logger. If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *StackOptions) userAgent() string {
	if o == nil {
		return ""
	}
	return o.UserAgent
}

func (o *StackOptions) timings() TimingConfig {
	if o == nil {
		return TimingConfig{}
	}
	return o.Timings
}

func (o *StackOptions) resolver() HopResolver {
	if o == nil {
		return nil
	}
	return o.HopResolver
}

func (o *StackOptions) creds() []Credentials {
	if o == nil {
		return nil
	}
	return o.Credentials
}

func (o *StackOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Stack is the message ingress of the engine.
// It answers keep-alive pings, routes inbound messages to transactions, dialogs and the application,
// and holds the state shared by the requests sent by the stack, such as the CSeq counter.
type Stack struct {
	tp       Transport
	resolver HopResolver
	creds    []Credentials
	ua       string
	log      *slog.Logger
	txl      *TransactionLayer
	cseq     atomic.Uint32
	closing  atomic.Bool
	stats    msgStats

	onReq types.CallbackManager[StackRequestHandler]
	onRes types.CallbackManager[StackResponseHandler]
}

// NewStack creates a new [Stack] sending messages through the transport.
func NewStack(tp Transport, opts *StackOptions) (*Stack, error) {
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}

	s := &Stack{
		tp:       tp,
		resolver: opts.resolver(),
		creds:    opts.creds(),
		ua:       opts.userAgent(),
		log:      opts.log(),
	}
	txl, err := NewTransactionLayer(tp, &TransactionLayerOptions{
		Timings:          opts.timings(),
		NewRequestSender: s.NewRequestSender,
		Log:              s.log,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	s.txl = txl
	return s, nil
}

// TransactionLayer returns the stack transaction layer.
func (s *Stack) TransactionLayer() *TransactionLayer { return s.txl }

// ConsumeCSeq returns the next CSeq number for requests sent outside of dialogs.
func (s *Stack) ConsumeCSeq() uint32 { return s.cseq.Add(1) }

// OnRequestReceived registers a callback for requests not consumed by transactions or dialogs.
func (s *Stack) OnRequestReceived(fn StackRequestHandler) (cancel func()) { return s.onReq.Add(fn) }

// OnResponseReceived registers a callback for responses not matched to any client transaction.
func (s *Stack) OnResponseReceived(fn StackResponseHandler) (cancel func()) { return s.onRes.Add(fn) }

var (
	pingFrame = []byte("\r\n\r\n")
	pongFrame = []byte("\r\n")
)

// OnMessageReceived implements [MessageHandler].
// A "\r\n\r\n" ping is answered with a "\r\n" pong (RFC 5626 Section 4.4.1), pongs are ignored.
func (s *Stack) OnMessageReceived(ctx context.Context, flow Flow, data []byte) {
	switch {
	case bytes.Equal(data, pingFrame):
		s.stats.keepAlives.Add(1)
		if err := flow.SendRaw(ctx, pongFrame); err != nil {
			s.log.LogAttrs(ctx, slog.LevelWarn, "failed to send pong",
				slog.Any("flow", logFlow(flow)),
				slog.Any("error", err),
			)
		}
		return
	case bytes.Equal(data, pongFrame):
		return
	}

	msg, err := ParseMessage(data)
	if err != nil {
		s.stats.discarded.Add(1)
		s.log.LogAttrs(ctx, slog.LevelWarn, "discarding unparsable inbound message",
			slog.Any("flow", logFlow(flow)),
			slog.Any("error", err),
		)
		return
	}

	switch m := msg.(type) {
	case *Request:
		if err := m.Validate(); err != nil {
			s.stats.discarded.Add(1)
			s.log.LogAttrs(ctx, slog.LevelDebug, "discarding invalid inbound request",
				slog.Any("request", m),
				slog.Any("error", err),
			)
			s.respondStateless(ctx, flow, m, ResponseStatusBadRequest, "")
			return
		}
		s.stats.inReqs.Add(1)
		fixReceivedVia(m, flow)
		s.recvReq(ctx, flow, m)
	case *Response:
		if err := m.Validate(); err != nil {
			s.stats.discarded.Add(1)
			s.log.LogAttrs(ctx, slog.LevelDebug, "discarding invalid inbound response",
				slog.Any("response", m),
				slog.Any("error", err),
			)
			return
		}
		s.stats.inRess.Add(1)
		s.recvRes(ctx, flow, m)
	}
}

// Stats returns a snapshot of the stack counters.
func (s *Stack) Stats() StatsReport {
	return StatsReport{
		Time:         time.Now(),
		Messages:     s.stats.report(),
		Transactions: s.txl.Stats(),
		Dialogs:      uint64(len(s.txl.Dialogs())),
	}
}

// fixReceivedVia adds received and rport to the top Via as described in
// RFC 3261 Section 18.2.1 and RFC 3581 Section 4.
func fixReceivedVia(req *Request, flow Flow) {
	vias := req.Headers.Values("Via")
	if len(vias) == 0 {
		return
	}
	via, err := ParseVia(vias[0])
	if err != nil {
		return
	}
	remote := flow.RemoteAddr()
	if ip := remote.Addr().String(); via.Host != ip {
		via.Params = via.Params.Set("received", ip)
	}
	if v, ok := via.Params.Get("rport"); ok && v == "" {
		via.Params = via.Params.Set("rport", strconv.Itoa(int(remote.Port())))
	}
	vias[0] = via.String()
	req.Headers.Set("Via", vias...)
}

func (s *Stack) recvRes(ctx context.Context, flow Flow, res *Response) {
	if tx, ok := s.txl.MatchClientTransaction(res); ok {
		if err := tx.ProcessResponse(ctx, res); err != nil {
			s.log.LogAttrs(ctx, slog.LevelDebug, "discarding inbound response due to transaction error",
				slog.Any("response", res),
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
		}
		return
	}

	evt := &ResponseEvent{Response: res, Flow: flow}
	if dlg, ok := s.txl.MatchDialog(res); ok {
		evt.Dialog = dlg
		if handled, _ := dlg.ProcessResponse(ctx, res); handled {
			return
		}
	}

	if s.onRes.Len() == 0 {
		s.log.LogAttrs(ctx, slog.LevelDebug, "silently discarding stray inbound response", slog.Any("response", res))
		return
	}
	for fn := range s.onRes.All() {
		fn(ctx, evt)
	}
}

func (s *Stack) recvReq(ctx context.Context, flow Flow, req *Request) {
	if req.Method == RequestMethodCancel {
		s.recvCancel(ctx, flow, req)
		return
	}

	if tx, ok := s.txl.MatchServerTransaction(req); ok {
		if err := tx.ProcessRequest(ctx, req); err != nil {
			s.log.LogAttrs(ctx, slog.LevelDebug, "discarding inbound request due to transaction error",
				slog.Any("request", req),
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
		}
		return
	}

	dlg, inDialog := s.txl.MatchDialog(req)

	if req.Method == RequestMethodAck {
		evt := &RequestEvent{Request: req, Flow: flow}
		if inDialog {
			evt.Dialog = dlg
			if handled, _ := dlg.ProcessRequest(ctx, nil, req); handled {
				return
			}
		}
		s.passRequest(ctx, evt)
		return
	}

	if s.closing.Load() {
		s.respondStateless(ctx, flow, req, ResponseStatusServiceUnavailable, "")
		return
	}

	tx, err := s.txl.EnsureServerTransaction(ctx, flow, req)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "failed to create server transaction",
			slog.Any("request", req),
			slog.Any("error", err),
		)
		s.respondStateless(ctx, flow, req, ResponseStatusServerInternalError, "")
		return
	}

	evt := &RequestEvent{Request: req, Flow: flow, Transaction: tx}
	if to, _ := req.Headers.To(); to.Tag() != "" {
		if !inDialog {
			// RFC 3261 Section 12.2.2
			s.respond(ctx, tx, req, ResponseStatusCallTransactionDoesNotExist)
			return
		}
		evt.Dialog = dlg
		handled, err := dlg.ProcessRequest(ctx, tx, req)
		if err != nil {
			s.log.LogAttrs(ctx, slog.LevelDebug, "dialog failed to process request",
				slog.Any("request", req),
				slog.Any("dialog", dlg),
				slog.Any("error", err),
			)
			s.respond(ctx, tx, req, ResponseStatusCallTransactionDoesNotExist)
			return
		}
		if handled {
			return
		}
	}

	if !s.passRequest(ctx, evt) {
		s.respond(ctx, tx, req, ResponseStatusServiceUnavailable)
	}
}

// recvCancel answers CANCEL with 200 and the canceled INVITE with 487,
// or CANCEL with 481 if there is nothing to cancel (RFC 3261 Section 9.2).
func (s *Stack) recvCancel(ctx context.Context, flow Flow, cancel *Request) {
	if tx, ok := s.txl.MatchServerTransaction(cancel); ok {
		tx.ProcessRequest(ctx, cancel) //nolint:errcheck
		return
	}

	cancelTx, err := s.txl.CreateServerTransaction(ctx, flow, cancel)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "failed to create CANCEL server transaction",
			slog.Any("request", cancel),
			slog.Any("error", err),
		)
		s.respondStateless(ctx, flow, cancel, ResponseStatusServerInternalError, "")
		return
	}

	tx, ok := s.txl.MatchCancelToTransaction(cancel)
	if !ok {
		s.respond(ctx, cancelTx, cancel, ResponseStatusCallTransactionDoesNotExist)
		return
	}
	s.respond(ctx, cancelTx, cancel, ResponseStatusOK)

	if err := tx.Cancel(ctx); err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "canceled transaction already answered",
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
	}
}

func (s *Stack) passRequest(ctx context.Context, evt *RequestEvent) bool {
	if s.onReq.Len() == 0 {
		s.log.LogAttrs(ctx, slog.LevelWarn, "no request handlers registered", slog.Any("request", evt.Request))
		return false
	}
	for fn := range s.onReq.All() {
		fn(ctx, evt)
	}
	return true
}

func (s *Stack) respond(ctx context.Context, tx ServerTransaction, req *Request, status ResponseStatus) {
	res := s.CreateResponse(req, status, "")
	if err := tx.SendResponse(ctx, res); err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "failed to respond on inbound request",
			slog.Any("request", req),
			slog.Any("response", res),
			slog.Any("error", err),
		)
	}
}

// respondStateless responds to the request without creating a server transaction.
func (s *Stack) respondStateless(ctx context.Context, flow Flow, req *Request, status ResponseStatus, reason string) {
	if req.Method == RequestMethodAck {
		s.log.LogAttrs(ctx, slog.LevelDebug, "silently discard inbound ACK request", slog.Any("request", req))
		return
	}
	if _, ok := req.Headers.TopVia(); !ok {
		return
	}

	res := NewResponse(req, status, reason)
	if to, ok := res.Headers.To(); ok && to.Tag() == "" {
		res.Headers.Set("To", to.WithTag(stableStatelessToTag(req)).String())
	}
	if status == ResponseStatusServerInternalError || status == ResponseStatusServiceUnavailable {
		res.Headers.Set("Retry-After", "60")
	}
	if err := s.tp.SendResponse(ctx, flow, res); err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "failed to respond on inbound request",
			slog.Any("request", req),
			slog.Any("response", res),
			slog.Any("error", err),
		)
	}
}

// stableStatelessToTag returns the same To tag for retransmissions of the request.
func stableStatelessToTag(req *Request) string {
	from, _ := req.Headers.From()
	cseq, _ := req.Headers.CSeq()
	via, _ := req.Headers.TopVia()

	key := make([]byte, 0, 96)
	key = append(key, "uri="...)
	key = append(key, strings.ToLower(req.URI.String())...)
	key = append(key, "|via="...)
	key = append(key, strings.ToLower(via.String())...)
	key = append(key, "|callid="...)
	key = append(key, req.Headers.CallID()...)
	key = append(key, "|fromtag="...)
	key = append(key, from.Tag()...)
	key = append(key, "|cseq="...)
	key = strconv.AppendUint(key, uint64(cseq.Seq), 10)
	key = append(key, "|cseqm="...)
	key = append(key, strings.ToUpper(cseq.Method)...)

	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}

// CreateRequest creates an out-of-dialog request (RFC 3261 Section 8.1.1)
// with a new Call-ID, a From tag and the next stack CSeq number.
// Via is added by the request sender.
func (s *Stack) CreateRequest(method string, to, from NameAddr) *Request {
	req := NewRequest(method, to.URI.Clone())
	req.Headers.Set("To", to.WithTag("").String())
	req.Headers.Set("From", from.WithTag(GenerateTag()).String())
	req.Headers.Set("Call-ID", GenerateCallID(from.URI.Host))
	req.Headers.SetCSeq(CSeq{Seq: s.ConsumeCSeq(), Method: req.Method})
	req.Headers.Set("Max-Forwards", "70")
	if s.ua != "" {
		req.Headers.Set("User-Agent", s.ua)
	}
	return req
}

// CreateResponse creates a response to the request.
// Responses other than 100 Trying get a To tag if the request has none.
func (s *Stack) CreateResponse(req *Request, status ResponseStatus, reason string) *Response {
	res := NewResponse(req, status, reason)
	if status != ResponseStatusTrying {
		if to, ok := res.Headers.To(); ok && to.Tag() == "" {
			res.Headers.Set("To", to.WithTag(GenerateTag()).String())
		}
	}
	if s.ua != "" {
		res.Headers.Set("Server", s.ua)
	}
	return res
}

// NewRequestSender creates a request sender using the stack transaction layer, transport,
// hop resolver and credentials. flow is optional.
func (s *Stack) NewRequestSender(req *Request, flow Flow) (*RequestSender, error) {
	if s.resolver == nil {
		return nil, errtrace.Wrap(NewInvalidStateError("hop resolver is not configured"))
	}
	return errtrace.Wrap2(NewRequestSender(req, flow, &RequestSenderOptions{
		Creator:     s.txl,
		Transport:   s.tp,
		HopResolver: s.resolver,
		Credentials: s.creds,
		ConsumeCSeq: s.ConsumeCSeq,
		Log:         s.log,
	}))
}

// Close stops accepting new requests and closes the transaction layer, see [TransactionLayer.Close].
func (s *Stack) Close(ctx context.Context) error {
	s.closing.Store(true)
	return errtrace.Wrap(s.txl.Close(ctx))
}
