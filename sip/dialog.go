package sip

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"
	"github.com/samber/lo"

	"github.com/ghettovoice/sipstack/internal/log"
	"github.com/ghettovoice/sipstack/internal/types"
)

// DialogState represents the state of a dialog.
type DialogState string

const (
	DialogStateEarly       DialogState = "early"
	DialogStateConfirmed   DialogState = "confirmed"
	DialogStateTerminating DialogState = "terminating"
	DialogStateTerminated  DialogState = "terminated"
	DialogStateDisposed    DialogState = "disposed"
)

// Dialog is a peer-to-peer SIP relationship identified by Call-ID, local and remote tags
// (RFC 3261 Section 12).
type Dialog interface {
	slog.LogValuer
	ID() DialogID
	CallID() string
	LocalTag() string
	RemoteTag() string
	// Method returns the method of the request that established the dialog.
	Method() string
	// IsUAC reports whether the dialog was established by a locally sent request.
	IsUAC() bool
	CreateTime() time.Time
	LocalURI() URI
	RemoteURI() URI
	LocalContact() URI
	// RemoteTarget returns the URI in-dialog requests are sent to. It is updated by target refresh requests.
	RemoteTarget() URI
	LocalSeq() uint32
	RemoteSeq() uint32
	RouteSet() []NameAddr
	IsSecure() bool
	RemoteAllow() []string
	RemoteSupported() []string
	Flow() Flow
	State() DialogState
	// Transactions returns the transactions currently bound to the dialog.
	Transactions() []Transaction
	// CreateRequest builds an in-dialog request as described in RFC 3261 Section 12.2.1.1.
	// The local sequence number is incremented for every method except ACK and CANCEL.
	CreateRequest(method string) (*Request, error)
	// CreateRequestSender creates a sender for the in-dialog request bound to the dialog flow.
	CreateRequestSender(req *Request) (*RequestSender, error)
	// ProcessRequest processes an in-dialog request. tx is nil for ACK.
	// It reports whether the request was consumed by the dialog.
	ProcessRequest(ctx context.Context, tx ServerTransaction, req *Request) (bool, error)
	// ProcessResponse processes a response that did not match any client transaction.
	ProcessResponse(ctx context.Context, res *Response) (bool, error)
	// Terminate terminates the dialog, sending BYE if sendBye is set and the dialog state allows it.
	Terminate(ctx context.Context, reason string, sendBye bool) error
	Dispose()
	OnStateChanged(fn DialogStateHandler) (cancel func())
	// OnRequestReceived registers a callback called for each in-dialog request not consumed by the dialog.
	OnRequestReceived(fn DialogRequestHandler) (cancel func())
	// OnTerminatedByRemoteParty registers a callback called when the remote party ends the dialog.
	OnTerminatedByRemoteParty(fn DialogRequestHandler) (cancel func())
	OnDisposed(fn DialogHandler) (cancel func())
}

type (
	DialogHandler        = func(ctx context.Context, dlg Dialog)
	DialogStateHandler   = func(ctx context.Context, dlg Dialog, from, to DialogState)
	DialogRequestHandler = func(ctx context.Context, dlg Dialog, tx ServerTransaction, req *Request)
)

const dlgCtxKey ctxKey = "dialog"

// DialogFromContext returns the dialog stored in the context.
func DialogFromContext(ctx context.Context) (Dialog, bool) {
	dlg, ok := ctx.Value(dlgCtxKey).(Dialog)
	return dlg, ok
}

// RequestSenderFactory creates a request sender for the request and the preferred flow.
type RequestSenderFactory = func(req *Request, flow Flow) (*RequestSender, error)

// DialogOptions are the dialog options.
type DialogOptions struct {
	// NewRequestSender creates senders for in-dialog requests such as BYE.
	// If nil, the dialog can not send requests by itself.
	NewRequestSender RequestSenderFactory
	// Log is the dialog logger. If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *DialogOptions) newSender() RequestSenderFactory {
	if o == nil {
		return nil
	}
	return o.NewRequestSender
}

func (o *DialogOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// NewDialog creates the dialog established by the transaction and its response.
// INVITE transactions create an [InviteDialog], REFER and SUBSCRIBE ones a [ReferDialog].
func NewDialog(tx Transaction, res *Response, opts *DialogOptions) (Dialog, error) {
	if tx == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transaction"))
	}
	switch tx.Method() {
	case RequestMethodInvite:
		return errtrace.Wrap2(NewInviteDialog(tx, res, opts))
	case RequestMethodRefer, RequestMethodSubscribe:
		return errtrace.Wrap2(NewReferDialog(tx, res, opts))
	default:
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
}

const (
	dlgEvtConfirm     = "confirm"
	dlgEvtTerminating = "terminating"
	dlgEvtTerminate   = "terminate"
	dlgEvtDispose     = "dispose"
)

// dialogHooks are implemented by each dialog kind.
type dialogHooks interface {
	Dialog
	// processRequestUnsafe runs the kind specific request handling and reports whether
	// the request was consumed.
	processRequestUnsafe(ctx context.Context, tx ServerTransaction, req *Request) bool
	terminateUnsafe(ctx context.Context, reason string, sendBye bool) error
}

// dialog implements the state shared by all dialog kinds.
// Locking and notification delivery follow the same rules as transactions.
type dialog struct {
	impl      dialogHooks
	id        DialogID
	method    string
	uac       bool
	created   time.Time
	localURI  URI
	remoteURI URI
	contact   URI
	secure    bool
	routeSet  []NameAddr
	allow     []string
	supported []string
	flow      Flow
	newSender RequestSenderFactory
	log       *slog.Logger
	ctx       context.Context

	mu        sync.Mutex
	fsm       *stateless.StateMachine
	localSeq  uint32
	remoteSeq uint32
	target    URI
	txs       []Transaction
	disposed  bool

	onState      types.CallbackManager[DialogStateHandler]
	onReq        types.CallbackManager[DialogRequestHandler]
	onRemoteTerm types.CallbackManager[DialogRequestHandler]
	onDisposed   types.CallbackManager[DialogHandler]

	notifyQueue
}

// newDialog initializes the dialog state from the establishing transaction and response:
// the UAS view (RFC 3261 Section 12.1.1) for server transactions,
// the UAC view (RFC 3261 Section 12.1.2) for client ones.
func newDialog(impl dialogHooks, tx Transaction, res *Response, opts *DialogOptions) (*dialog, error) {
	if tx == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transaction"))
	}
	if res == nil || !(res.Status.IsProvisional() || res.Status.IsSuccessful()) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("response must be 1xx or 2xx"))
	}
	if tx.Request().Method == RequestMethodInvite && res.Status == ResponseStatusTrying {
		return nil, errtrace.Wrap(NewInvalidArgumentError("100 Trying does not establish a dialog"))
	}

	req := tx.Request()
	reqFrom, _ := req.Headers.From()
	reqTo, _ := req.Headers.To()
	resTo, ok := res.Headers.To()
	if !ok || resTo.Tag() == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("response To tag is missing"))
	}

	d := &dialog{
		impl:      impl,
		method:    req.Method,
		uac:       tx.Type().IsClient(),
		created:   time.Now(),
		secure:    req.URI.IsSecure() && tx.Flow().IsSecure(),
		flow:      tx.Flow(),
		newSender: opts.newSender(),
		log:       opts.log(),
	}
	reqCSeq, _ := req.Headers.CSeq()

	if d.uac {
		rr, err := res.Headers.RecordRoutes()
		if err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError(err))
		}
		d.routeSet = lo.Reverse(rr)
		if c, ok := res.Headers.Contact(); ok {
			d.target = c.URI
		}
		d.localSeq = reqCSeq.Seq
		d.id = DialogID{CallID: req.Headers.CallID(), LocalTag: reqFrom.Tag(), RemoteTag: resTo.Tag()}
		d.localURI, d.remoteURI = reqFrom.URI, reqTo.URI
		if c, ok := req.Headers.Contact(); ok {
			d.contact = c.URI
		}
		d.allow, d.supported = res.Headers.Values("Allow"), res.Headers.Values("Supported")
	} else {
		rr, err := req.Headers.RecordRoutes()
		if err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError(err))
		}
		d.routeSet = rr
		if c, ok := req.Headers.Contact(); ok {
			d.target = c.URI
		}
		d.remoteSeq = reqCSeq.Seq
		d.id = DialogID{CallID: req.Headers.CallID(), LocalTag: resTo.Tag(), RemoteTag: reqFrom.Tag()}
		d.localURI, d.remoteURI = reqTo.URI, reqFrom.URI
		if c, ok := res.Headers.Contact(); ok {
			d.contact = c.URI
		}
		d.allow, d.supported = req.Headers.Values("Allow"), req.Headers.Values("Supported")
	}
	if d.target.IsZero() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("remote Contact is missing"))
	}
	d.ctx = context.WithValue(context.Background(), dlgCtxKey, Dialog(impl))
	d.txs = []Transaction{tx}
	return d, nil
}

func (d *dialog) initFSM(start DialogState) {
	d.fsm = stateless.NewStateMachine(start)
	d.fsm.OnTransitioned(d.onTransitioned)
	d.fsm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		return errtrace.Wrap(NewInvalidStateError(fmt.Sprintf("event %q is not allowed in state %q", trigger, state)))
	})

	d.fsm.Configure(DialogStateEarly).
		Permit(dlgEvtConfirm, DialogStateConfirmed).
		Permit(dlgEvtTerminating, DialogStateTerminating).
		Permit(dlgEvtTerminate, DialogStateTerminated)

	d.fsm.Configure(DialogStateConfirmed).
		Ignore(dlgEvtConfirm).
		Permit(dlgEvtTerminating, DialogStateTerminating).
		Permit(dlgEvtTerminate, DialogStateTerminated)

	d.fsm.Configure(DialogStateTerminating).
		Permit(dlgEvtConfirm, DialogStateConfirmed).
		Ignore(dlgEvtTerminating).
		Permit(dlgEvtTerminate, DialogStateTerminated)

	d.fsm.Configure(DialogStateTerminated).
		OnEntry(d.actTerminated).
		Ignore(dlgEvtConfirm).
		Ignore(dlgEvtTerminating).
		Ignore(dlgEvtTerminate).
		Permit(dlgEvtDispose, DialogStateDisposed)

	d.fsm.Configure(DialogStateDisposed).
		Ignore(dlgEvtConfirm).
		Ignore(dlgEvtTerminating).
		Ignore(dlgEvtTerminate).
		Ignore(dlgEvtDispose)
}

func (d *dialog) onTransitioned(ctx context.Context, t stateless.Transition) {
	from, _ := t.Source.(DialogState)
	to, _ := t.Destination.(DialogState)
	if from == to {
		return
	}

	d.log.LogAttrs(ctx, slog.LevelDebug, "dialog state changed",
		slog.Any("dialog", d.impl),
		slog.Any("from", from),
		slog.Any("to", to),
	)

	d.emit(func() {
		for fn := range d.onState.All() {
			fn(d.ctx, d.impl, from, to)
		}
	})

	// the disposed callbacks clear the tables, so they go after the state change
	if to == DialogStateDisposed {
		d.disposeUnsafe(ctx)
	}
}

func (d *dialog) actTerminated(ctx context.Context, _ ...any) error {
	d.fire(ctx, dlgEvtDispose) //nolint:errcheck
	return nil
}

func (d *dialog) disposeUnsafe(ctx context.Context) {
	d.disposed = true
	d.txs = nil

	d.log.LogAttrs(ctx, slog.LevelDebug, "dialog disposed", slog.Any("dialog", d.impl))

	d.emit(func() {
		for fn := range d.onDisposed.All() {
			fn(d.ctx, d.impl)
		}
		d.onState.Clear()
		d.onReq.Clear()
		d.onRemoteTerm.Clear()
		d.onDisposed.Clear()
	})
}

func (d *dialog) fire(ctx context.Context, evt string, args ...any) error {
	return errtrace.Wrap(d.fsm.FireCtx(ctx, evt, args...))
}

func (d *dialog) do(fn func() error) error {
	d.mu.Lock()
	err := fn()
	d.mu.Unlock()
	d.deliver()
	return errtrace.Wrap(err)
}

func (d *dialog) stateUnsafe() DialogState {
	return d.fsm.MustState().(DialogState) //nolint:forcetypeassert
}

// LogValue implements [slog.LogValuer].
func (d *dialog) LogValue() slog.Value {
	if d == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("id", d.id),
		slog.String("method", d.method),
		slog.Bool("uac", d.uac),
		slog.Any("state", d.State()),
	)
}

func (d *dialog) ID() DialogID          { return d.id }
func (d *dialog) CallID() string        { return d.id.CallID }
func (d *dialog) LocalTag() string      { return d.id.LocalTag }
func (d *dialog) RemoteTag() string     { return d.id.RemoteTag }
func (d *dialog) Method() string        { return d.method }
func (d *dialog) IsUAC() bool           { return d.uac }
func (d *dialog) CreateTime() time.Time { return d.created }
func (d *dialog) LocalURI() URI         { return d.localURI }
func (d *dialog) RemoteURI() URI        { return d.remoteURI }
func (d *dialog) LocalContact() URI     { return d.contact }
func (d *dialog) IsSecure() bool        { return d.secure }
func (d *dialog) Flow() Flow            { return d.flow }
func (d *dialog) RouteSet() []NameAddr  { return slices.Clone(d.routeSet) }
func (d *dialog) RemoteAllow() []string { return slices.Clone(d.allow) }

func (d *dialog) RemoteSupported() []string { return slices.Clone(d.supported) }

// State returns the current dialog state.
func (d *dialog) State() DialogState {
	if d.fsm == nil {
		return ""
	}
	return d.stateUnsafe()
}

// RemoteTarget returns the current remote target.
func (d *dialog) RemoteTarget() URI {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target
}

// LocalSeq returns the local CSeq number of the last sent request.
func (d *dialog) LocalSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localSeq
}

// RemoteSeq returns the CSeq number of the last accepted remote request.
func (d *dialog) RemoteSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteSeq
}

// Transactions returns a snapshot of the bound transactions.
func (d *dialog) Transactions() []Transaction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.txs)
}

// addTransaction binds the transaction to the dialog until the transaction is disposed.
func (d *dialog) addTransaction(tx Transaction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed || slices.Contains(d.txs, tx) {
		return
	}
	d.txs = append(d.txs, tx)
	tx.OnDisposed(d.removeTransaction)
}

func (d *dialog) removeTransaction(_ context.Context, tx Transaction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txs = slices.DeleteFunc(d.txs, func(t Transaction) bool { return t == tx })
}

// CreateRequest creates an in-dialog request.
func (d *dialog) CreateRequest(method string) (*Request, error) {
	var req *Request
	err := d.do(func() error {
		var err error
		req, err = d.createRequestUnsafe(method)
		return errtrace.Wrap(err)
	})
	return req, errtrace.Wrap(err)
}

func (d *dialog) createRequestUnsafe(method string) (*Request, error) {
	if d.disposed {
		return nil, errtrace.Wrap(ErrDisposed)
	}
	if method == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("empty method"))
	}

	req := NewRequest(method, d.target.Clone())
	if len(d.routeSet) > 0 {
		if first := d.routeSet[0]; first.URI.IsLooseRouter() {
			req.Headers.SetNameAddrs("Route", d.routeSet)
		} else {
			// strict router: the first route becomes the Request-URI, the remote target goes last
			req.URI = first.URI.RequestURI()
			routes := append(slices.Clone(d.routeSet[1:]), NameAddr{URI: d.target.Clone()})
			req.Headers.SetNameAddrs("Route", routes)
		}
	}

	req.Headers.Set("To", NameAddr{URI: d.remoteURI.Clone()}.WithTag(d.id.RemoteTag).String())
	req.Headers.Set("From", NameAddr{URI: d.localURI.Clone()}.WithTag(d.id.LocalTag).String())
	req.Headers.Set("Call-ID", d.id.CallID)

	if req.Method != RequestMethodAck && req.Method != RequestMethodCancel {
		d.localSeq++
	}
	req.Headers.SetCSeq(CSeq{Seq: d.localSeq, Method: req.Method})
	req.Headers.Set("Max-Forwards", "70")
	if !d.contact.IsZero() {
		req.Headers.Set("Contact", NameAddr{URI: d.contact.Clone()}.String())
	}
	return req, nil
}

// CreateRequestSender creates a request sender bound to the dialog flow.
func (d *dialog) CreateRequestSender(req *Request) (*RequestSender, error) {
	d.mu.Lock()
	state := d.stateUnsafe()
	d.mu.Unlock()

	if state == DialogStateTerminated || state == DialogStateDisposed {
		return nil, errtrace.Wrap(ErrDisposed)
	}
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if d.newSender == nil {
		return nil, errtrace.Wrap(NewInvalidStateError("request sender factory is not configured"))
	}
	sender, err := d.newSender(req, d.flow)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	sender.bindCSeq(d.nextLocalSeq)
	return sender, nil
}

// nextLocalSeq advances the local sequence past prev and returns it.
func (d *dialog) nextLocalSeq(prev uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localSeq = max(d.localSeq, prev) + 1
	return d.localSeq
}

// ProcessRequest applies the RFC 3261 Section 12.2.2 rules to the in-dialog request.
func (d *dialog) ProcessRequest(ctx context.Context, tx ServerTransaction, req *Request) (bool, error) {
	if req == nil {
		return false, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	cseq, ok := req.Headers.CSeq()
	if !ok {
		return false, errtrace.Wrap(NewInvalidArgumentError("missing CSeq"))
	}

	var handled bool
	err := d.do(func() error {
		if d.disposed {
			return errtrace.Wrap(ErrDisposed)
		}

		if d.remoteSeq != 0 && cseq.Seq < d.remoteSeq {
			d.log.LogAttrs(ctx, slog.LevelDebug, "out of order request rejected",
				slog.Any("dialog", d.impl),
				slog.Any("request", req),
				slog.Uint64("remote_seq", uint64(d.remoteSeq)),
			)
			if req.Method != RequestMethodAck {
				d.respond(ctx, tx, req, ResponseStatusServerInternalError, "Out of order request")
			}
			handled = true
			return nil
		}
		if req.Method != RequestMethodAck {
			d.remoteSeq = cseq.Seq
		}

		if IsTargetRefreshMethod(req.Method) {
			if c, ok := req.Headers.Contact(); ok {
				d.target = c.URI
			}
		}

		if tx != nil && !slices.Contains(d.txs, Transaction(tx)) {
			d.txs = append(d.txs, tx)
			tx.OnDisposed(d.removeTransaction)
		}

		handled = d.impl.processRequestUnsafe(ctx, tx, req)
		if !handled {
			d.emitRequest(tx, req)
		}
		return nil
	})
	return handled, errtrace.Wrap(err)
}

func (d *dialog) emitRequest(tx ServerTransaction, req *Request) {
	d.emit(func() {
		for fn := range d.onReq.All() {
			fn(d.ctx, d.impl, tx, req)
		}
	})
}

// respond queues a response to the request. It is sent after the dialog lock is released.
func (d *dialog) respond(ctx context.Context, tx ServerTransaction, req *Request, status ResponseStatus, reason string) {
	if tx == nil {
		return
	}
	res := NewResponse(req, status, reason)
	if to, ok := res.Headers.To(); ok && to.Tag() == "" {
		res.Headers.Set("To", to.WithTag(d.id.LocalTag).String())
	}
	ctx = context.WithoutCancel(ctx)
	d.emit(func() {
		if err := tx.SendResponse(ctx, res); err != nil {
			d.log.LogAttrs(ctx, slog.LevelWarn, "failed to send response",
				slog.Any("dialog", d.impl),
				slog.Any("response", res),
				slog.Any("error", err),
			)
		}
	})
}

// ProcessResponse processes a response not matched to any transaction.
func (d *dialog) ProcessResponse(_ context.Context, res *Response) (bool, error) {
	if res == nil {
		return false, errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}
	if d.IsDisposed() {
		return false, errtrace.Wrap(ErrDisposed)
	}
	return false, nil
}

// IsDisposed reports whether the dialog was disposed.
func (d *dialog) IsDisposed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disposed
}

// Terminate terminates the dialog.
func (d *dialog) Terminate(ctx context.Context, reason string, sendBye bool) error {
	return d.do(func() error {
		if d.disposed {
			return errtrace.Wrap(ErrDisposed)
		}
		return errtrace.Wrap(d.impl.terminateUnsafe(ctx, reason, sendBye))
	})
}

// terminateUnsafe is the default termination: BYE on confirmed dialogs, immediate termination otherwise.
func (d *dialog) terminateUnsafe(ctx context.Context, reason string, sendBye bool) error {
	switch d.stateUnsafe() {
	case DialogStateTerminating, DialogStateTerminated, DialogStateDisposed:
		return nil
	case DialogStateConfirmed:
		if sendBye {
			return errtrace.Wrap(d.sendByeUnsafe(ctx, reason))
		}
	}
	return errtrace.Wrap(d.fire(ctx, dlgEvtTerminate))
}

// sendByeUnsafe moves the dialog to the terminating state and queues sending of BYE.
// The dialog terminates once the BYE request completes, whatever the outcome.
func (d *dialog) sendByeUnsafe(ctx context.Context, reason string) error {
	if err := d.fire(ctx, dlgEvtTerminating); err != nil {
		return errtrace.Wrap(err)
	}

	bye, err := d.createRequestUnsafe(RequestMethodBye)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if reason != "" {
		bye.Headers.Set("Reason", `SIP ;text="`+reason+`"`)
	}

	ctx = context.WithoutCancel(ctx)
	d.emit(func() {
		sender, err := d.CreateRequestSender(bye)
		if err == nil {
			sender.OnCompleted(func(ctx context.Context, _ *RequestSender) {
				d.terminateNow(ctx)
			})
			err = sender.Start(ctx)
		}
		if err != nil {
			d.log.LogAttrs(ctx, slog.LevelWarn, "failed to send BYE",
				slog.Any("dialog", d.impl),
				slog.Any("error", err),
			)
			d.terminateNow(ctx)
		}
	})
	return nil
}

func (d *dialog) terminateNow(ctx context.Context) {
	d.do(func() error { //nolint:errcheck
		return errtrace.Wrap(d.fire(ctx, dlgEvtTerminate))
	})
}

// Dispose terminates the dialog without sending BYE.
func (d *dialog) Dispose() {
	d.do(func() error { //nolint:errcheck
		if d.disposed {
			return nil
		}
		return errtrace.Wrap(d.fire(d.ctx, dlgEvtTerminate))
	})
}

// OnStateChanged registers a state change callback.
func (d *dialog) OnStateChanged(fn DialogStateHandler) (cancel func()) { return d.onState.Add(fn) }

// OnRequestReceived registers an in-dialog request callback.
func (d *dialog) OnRequestReceived(fn DialogRequestHandler) (cancel func()) { return d.onReq.Add(fn) }

// OnTerminatedByRemoteParty registers a remote termination callback.
func (d *dialog) OnTerminatedByRemoteParty(fn DialogRequestHandler) (cancel func()) {
	return d.onRemoteTerm.Add(fn)
}

// OnDisposed registers a dispose callback.
func (d *dialog) OnDisposed(fn DialogHandler) (cancel func()) { return d.onDisposed.Add(fn) }
