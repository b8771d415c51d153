package sip

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipstack/internal/log"
	"github.com/ghettovoice/sipstack/internal/types"
)

// RequestSenderState represents the state of a [RequestSender].
type RequestSenderState string

const (
	RequestSenderStateInitial   RequestSenderState = "initial"
	RequestSenderStateStarting  RequestSenderState = "starting"
	RequestSenderStateStarted   RequestSenderState = "started"
	RequestSenderStateCompleted RequestSenderState = "completed"
	RequestSenderStateDisposed  RequestSenderState = "disposed"
)

type (
	RequestSenderHandler         = func(ctx context.Context, s *RequestSender)
	RequestSenderResponseHandler = func(ctx context.Context, s *RequestSender, res *Response)
	RequestSenderErrorHandler    = func(ctx context.Context, s *RequestSender, err error)
)

// RequestSenderOptions are the request sender options.
type RequestSenderOptions struct {
	// Creator creates client transactions, usually the [TransactionLayer]. Required.
	Creator ClientTransactionCreator
	// Transport is used to open flows to the resolved hops. Required.
	Transport Transport
	// HopResolver resolves the request target into hops. Required.
	HopResolver HopResolver
	// Credentials are used to answer 401 and 407 challenges.
	Credentials []Credentials
	// ConsumeCSeq returns the CSeq number of an authorized request retry.
	// The retry CSeq is never lower than the request CSeq plus one.
	// If nil, the request CSeq is incremented.
	// Senders created by a dialog take the number from the dialog local sequence instead.
	ConsumeCSeq func() uint32
	// Log is the logger. If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *RequestSenderOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// RequestSender sends a request outside of any transaction retry logic of its own:
// it resolves the target hops (RFC 3263), sends the request through a new client transaction
// to each hop until one answers, retries with credentials on 401/407 challenges
// and reports exactly one final response.
//
// When all hops fail, a locally generated "408 Request Timeout" or "503 Transport error"
// response is reported, so the caller always receives a final response.
type RequestSender struct {
	creator  ClientTransactionCreator
	tp       Transport
	resolver HopResolver
	creds    []Credentials
	log      *slog.Logger
	ctx      context.Context

	mu       sync.Mutex
	nextCSeq func(prev uint32) uint32
	req      *Request
	flow     Flow
	state    RequestSenderState
	hops     []Hop
	tx       ClientTransaction

	onRes       types.CallbackManager[RequestSenderResponseHandler]
	onCompleted types.CallbackManager[RequestSenderHandler]
	onTranspErr types.CallbackManager[RequestSenderErrorHandler]
	onDisposed  types.CallbackManager[RequestSenderHandler]

	notifyQueue
}

// NewRequestSender creates a request sender for the request.
// The request must not carry Via headers, they are added per attempt.
// If flow is not nil, it is tried first before the resolved hops.
func NewRequestSender(req *Request, flow Flow, opts *RequestSenderOptions) (*RequestSender, error) {
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if req.Method == RequestMethodAck || req.Method == RequestMethodCancel {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	if opts == nil || opts.Creator == nil || opts.Transport == nil || opts.HopResolver == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("creator, transport and hop resolver are required"))
	}

	s := &RequestSender{
		creator:  opts.Creator,
		tp:       opts.Transport,
		resolver: opts.HopResolver,
		creds:    opts.Credentials,
		nextCSeq: nextCSeqFunc(opts.ConsumeCSeq),
		log:      opts.log(),
		req:      req.Clone(),
		flow:     flow,
		state:    RequestSenderStateInitial,
	}
	s.ctx = context.WithValue(context.Background(), senderCtxKey, s)
	return s, nil
}

const senderCtxKey ctxKey = "request_sender"

// RequestSenderFromContext returns the request sender stored in the context.
func RequestSenderFromContext(ctx context.Context) (*RequestSender, bool) {
	s, ok := ctx.Value(senderCtxKey).(*RequestSender)
	return s, ok
}

// LogValue implements [slog.LogValuer].
func (s *RequestSender) LogValue() slog.Value {
	if s == nil {
		return slog.Value{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slog.GroupValue(
		slog.String("method", s.req.Method),
		slog.String("target", s.req.URI.String()),
		slog.Any("state", s.state),
		slog.Int("hops_left", len(s.hops)),
	)
}

// Request returns the current request template.
// After an authorization retry it carries the credentials and the new CSeq.
func (s *RequestSender) Request() *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req.Clone()
}

// State returns the sender state.
func (s *RequestSender) State() RequestSenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transaction returns the client transaction of the current attempt, if any.
func (s *RequestSender) Transaction() ClientTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx
}

func nextCSeqFunc(consume func() uint32) func(prev uint32) uint32 {
	if consume == nil {
		return func(prev uint32) uint32 { return prev + 1 }
	}
	return func(prev uint32) uint32 { return max(consume(), prev+1) }
}

// bindCSeq makes auth retries take their CSeq from next, e.g. a dialog local sequence.
func (s *RequestSender) bindCSeq(next func(prev uint32) uint32) {
	s.mu.Lock()
	s.nextCSeq = next
	s.mu.Unlock()
}

// Credentials returns the credentials used to answer auth challenges.
func (s *RequestSender) Credentials() []Credentials { return slices.Clone(s.creds) }

// Start resolves the target hops and sends the request.
// Resolution runs on the calling goroutine, the request is sent without waiting for responses.
func (s *RequestSender) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != RequestSenderStateInitial {
		s.mu.Unlock()
		return errtrace.Wrap(NewInvalidStateError("request sender already started"))
	}
	s.state = RequestSenderStateStarting
	req, flow := s.req, s.flow
	s.mu.Unlock()

	s.log.LogAttrs(ctx, slog.LevelDebug, "request sender started", slog.Any("request_sender", s))

	hops, err := s.resolver.ResolveHops(ctx, requestTarget(req))
	if err == nil && len(hops) == 0 {
		err = ErrNoHops
	}

	s.mu.Lock()
	if s.state != RequestSenderStateStarting {
		s.mu.Unlock()
		return nil
	}
	s.state = RequestSenderStateStarted
	s.hops = hops
	if err != nil && flow == nil {
		s.reportTransportErrorUnsafe(newTransportError(err))
		s.completeUnsafe(ctx, NewResponse(req, ResponseStatusServiceUnavailable, "Transport error"))
		s.mu.Unlock()
		s.deliver()
		return nil
	}
	s.mu.Unlock()

	if flow != nil {
		if err := s.sendToFlow(ctx, flow); err != nil {
			s.attemptFailed(ctx, nil, err)
		}
		return nil
	}
	s.sendToNextHop(ctx, ResponseStatusServiceUnavailable)
	return nil
}

// requestTarget returns the URI the hops are resolved for: the top Route for loose routing,
// the Request-URI otherwise.
func requestTarget(req *Request) URI {
	if routes, err := req.Headers.Routes(); err == nil && len(routes) > 0 && routes[0].URI.IsLooseRouter() {
		return routes[0].URI
	}
	return req.URI
}

// sendToNextHop tries the remaining hops in order until a transaction is started.
// If the hops are exhausted, the sender completes with a local response with the given status.
func (s *RequestSender) sendToNextHop(ctx context.Context, status ResponseStatus) {
	for {
		s.mu.Lock()
		if s.state != RequestSenderStateStarted {
			s.mu.Unlock()
			return
		}
		if len(s.hops) == 0 {
			reason := ""
			if status == ResponseStatusServiceUnavailable {
				reason = "Transport error"
			}
			s.completeUnsafe(ctx, NewResponse(s.req, status, reason))
			s.mu.Unlock()
			s.deliver()
			return
		}
		hop := s.hops[0]
		s.hops = s.hops[1:]
		s.mu.Unlock()

		s.log.LogAttrs(ctx, slog.LevelDebug, "sending request to next hop",
			slog.Any("request_sender", s),
			slog.Any("hop", hop),
		)

		flow, err := s.tp.GetOrCreateFlow(ctx, hop)
		if err == nil {
			err = s.sendToFlow(ctx, flow)
		}
		if err == nil {
			return
		}

		s.mu.Lock()
		s.reportTransportErrorUnsafe(err)
		s.mu.Unlock()
		s.deliver()
		status = ResponseStatusServiceUnavailable
	}
}

// sendToFlow sends a copy of the current request template through a new client transaction.
// Each attempt gets a fresh top Via branch.
func (s *RequestSender) sendToFlow(ctx context.Context, flow Flow) error {
	s.mu.Lock()
	req := s.req.Clone()
	s.mu.Unlock()

	req.Headers.Prepend("Via", Via{
		Proto:     ProtoVer20,
		Transport: flow.Transport(),
		Host:      flow.LocalAddr().Addr().String(),
		Port:      int(flow.LocalAddr().Port()),
		Params:    Params{{Name: "branch", Value: GenerateBranch()}, {Name: "rport"}},
	}.String())

	if IsDialogEstablishingMethod(req.Method) && !req.Headers.Has("Contact") {
		user := ""
		if from, ok := req.Headers.From(); ok {
			user = from.URI.User
		}
		contact := URI{Scheme: "sip", User: user, Host: flow.LocalAddr().Addr().String(), Port: int(flow.LocalAddr().Port())}
		if t := flow.Transport(); t != "UDP" {
			contact.Params = contact.Params.Set("transport", strings.ToLower(t))
		}
		req.Headers.Set("Contact", NameAddr{URI: contact}.String())
	}

	tx, err := s.creator.CreateClientTransaction(ctx, flow, req)
	if err != nil {
		return errtrace.Wrap(err)
	}

	s.mu.Lock()
	if s.state != RequestSenderStateStarted {
		s.mu.Unlock()
		tx.Dispose()
		return nil
	}
	s.tx = tx
	s.mu.Unlock()

	tx.OnResponse(s.onTxResponse)
	tx.OnTimedOut(func(ctx context.Context, tx Transaction) {
		s.attemptFailed(ctx, tx, nil)
	})
	tx.OnTransportError(func(ctx context.Context, tx Transaction, err error) {
		s.attemptFailed(ctx, tx, err)
	})

	s.log.LogAttrs(ctx, slog.LevelDebug, "sending request",
		slog.Any("request_sender", s),
		slog.Any("transaction", tx),
	)

	return errtrace.Wrap(tx.Start(ctx))
}

// attemptFailed moves on to the next hop after a timeout (err is nil) or a transport error.
func (s *RequestSender) attemptFailed(ctx context.Context, tx Transaction, err error) {
	s.mu.Lock()
	if s.state != RequestSenderStateStarted || (tx != nil && Transaction(s.tx) != tx) {
		s.mu.Unlock()
		return
	}
	s.tx = nil
	status := ResponseStatusRequestTimeout
	if err != nil {
		status = ResponseStatusServiceUnavailable
		s.reportTransportErrorUnsafe(err)
	}
	s.mu.Unlock()
	s.deliver()

	s.sendToNextHop(ctx, status)
}

func (s *RequestSender) onTxResponse(ctx context.Context, tx ClientTransaction, res *Response) {
	s.mu.Lock()
	if s.state != RequestSenderStateStarted || s.tx != tx {
		s.mu.Unlock()
		return
	}

	if IsAuthChallenge(res) && len(s.creds) > 0 && !hasFailedAuthorization(tx.Request(), res) {
		retry := s.req.Clone()
		err := AuthorizeRequest(retry, res, s.creds)
		if err == nil {
			cseq, _ := retry.Headers.CSeq()
			cseq.Seq = s.nextCSeq(cseq.Seq)
			retry.Headers.SetCSeq(cseq)
			s.req = retry
			s.tx = nil
			s.mu.Unlock()

			s.log.LogAttrs(ctx, slog.LevelDebug, "retrying request with credentials",
				slog.Any("request_sender", s),
				slog.Any("response", res),
			)

			if err := s.sendToFlow(ctx, tx.Flow()); err != nil {
				s.attemptFailed(ctx, nil, err)
			}
			return
		}
		s.log.LogAttrs(ctx, slog.LevelDebug, "failed to authorize request",
			slog.String("method", s.req.Method),
			slog.Any("error", err),
		)
	}

	s.emitResponseUnsafe(res)
	if !res.Status.IsProvisional() {
		s.completeUnsafe(ctx, nil)
	}
	s.mu.Unlock()
	s.deliver()
}

func (s *RequestSender) emitResponseUnsafe(res *Response) {
	s.emit(func() {
		for fn := range s.onRes.All() {
			fn(s.ctx, s, res)
		}
	})
}

func (s *RequestSender) reportTransportErrorUnsafe(err error) {
	s.log.LogAttrs(s.ctx, slog.LevelWarn, "request sender transport error",
		slog.Any("request", s.req),
		slog.Any("error", err),
	)
	s.emit(func() {
		for fn := range s.onTranspErr.All() {
			fn(s.ctx, s, err)
		}
	})
}

// completeUnsafe reports the optional local response and completes the sender.
func (s *RequestSender) completeUnsafe(ctx context.Context, res *Response) {
	if res != nil {
		s.emitResponseUnsafe(res)
	}
	s.state = RequestSenderStateCompleted
	s.hops = nil

	s.log.LogAttrs(ctx, slog.LevelDebug, "request sender completed", slog.String("method", s.req.Method))

	s.emit(func() {
		for fn := range s.onCompleted.All() {
			fn(s.ctx, s)
		}
	})
}

// Cancel stops trying further hops and cancels the active transaction with CANCEL.
// The sender still completes with the final response to the canceled request.
func (s *RequestSender) Cancel(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case RequestSenderStateDisposed:
		s.mu.Unlock()
		return errtrace.Wrap(ErrDisposed)
	case RequestSenderStateInitial, RequestSenderStateStarting:
		s.completeUnsafe(ctx, nil)
		s.mu.Unlock()
		s.deliver()
		return nil
	}
	s.hops = nil
	tx := s.tx
	s.mu.Unlock()

	if tx == nil {
		return nil
	}
	// the transaction lock is taken outside of the sender lock,
	// responses to the transaction enter the sender while holding it
	return errtrace.Wrap(tx.Cancel(ctx))
}

// Dispose releases the sender. The active transaction keeps running to completion.
func (s *RequestSender) Dispose() {
	s.mu.Lock()
	if s.state == RequestSenderStateDisposed {
		s.mu.Unlock()
		return
	}
	s.state = RequestSenderStateDisposed
	s.hops = nil
	s.tx = nil
	s.emit(func() {
		for fn := range s.onDisposed.All() {
			fn(s.ctx, s)
		}
		s.onRes.Clear()
		s.onCompleted.Clear()
		s.onTranspErr.Clear()
		s.onDisposed.Clear()
	})
	s.mu.Unlock()
	s.deliver()
}

// OnResponse registers a callback called for each response, including the locally generated ones.
func (s *RequestSender) OnResponse(fn RequestSenderResponseHandler) (cancel func()) {
	return s.onRes.Add(fn)
}

// OnCompleted registers a callback called once the sender has reported its final response.
func (s *RequestSender) OnCompleted(fn RequestSenderHandler) (cancel func()) {
	return s.onCompleted.Add(fn)
}

// OnTransportError registers a callback called for each failed attempt to send the request.
func (s *RequestSender) OnTransportError(fn RequestSenderErrorHandler) (cancel func()) {
	return s.onTranspErr.Add(fn)
}

// OnDisposed registers a dispose callback.
func (s *RequestSender) OnDisposed(fn RequestSenderHandler) (cancel func()) {
	return s.onDisposed.Add(fn)
}
