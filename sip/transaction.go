package sip

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipstack/internal/log"
	"github.com/ghettovoice/sipstack/internal/timeutil"
	"github.com/ghettovoice/sipstack/internal/types"
)

// TransactionState represents the state of a transaction.
type TransactionState string

const (
	TransactionStateWaitingToStart TransactionState = "waiting_to_start"
	TransactionStateCalling        TransactionState = "calling"
	TransactionStateTrying         TransactionState = "trying"
	TransactionStateProceeding     TransactionState = "proceeding"
	TransactionStateAccepted       TransactionState = "accepted"
	TransactionStateCompleted      TransactionState = "completed"
	TransactionStateConfirmed      TransactionState = "confirmed"
	TransactionStateTerminated     TransactionState = "terminated"
)

// TransactionType is a transaction type.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

// IsClient reports whether the type is a client transaction type.
func (t TransactionType) IsClient() bool {
	return t == TransactionTypeClientInvite || t == TransactionTypeClientNonInvite
}

// IsInvite reports whether the type is an INVITE transaction type.
func (t TransactionType) IsInvite() bool {
	return t == TransactionTypeClientInvite || t == TransactionTypeServerInvite
}

// Transaction is the common interface of client and server transactions.
type Transaction interface {
	slog.LogValuer
	// ID returns the transaction identifier: the branch and method for client transactions,
	// the branch, sent-by and CANCEL flag for server transactions.
	ID() string
	Type() TransactionType
	// Method returns the method of the request that created the transaction.
	Method() string
	Branch() string
	CreateTime() time.Time
	Request() *Request
	// Flow returns the flow the transaction exchanges messages over.
	Flow() Flow
	State() TransactionState
	// Responses returns a snapshot of the received (client) or sent (server) responses.
	// At most 15 provisional responses are kept, final responses are always kept.
	Responses() []*Response
	LastProvisionalResponse() *Response
	FinalResponse() *Response
	// Context returns the transaction context. It carries the transaction,
	// see [TransactionFromContext].
	Context() context.Context
	// Terminate moves the transaction to the terminated state.
	Terminate(ctx context.Context) error
	// Dispose releases the transaction. It terminates the transaction if it is not terminated yet.
	// Dispose is idempotent.
	Dispose()
	IsDisposed() bool
	// OnStateChanged registers a callback called on each state change.
	OnStateChanged(fn TransactionStateHandler) (cancel func())
	// OnDisposed registers a callback called once the transaction is disposed.
	OnDisposed(fn TransactionHandler) (cancel func())
	// OnTransportError registers a callback called when a message could not be sent.
	OnTransportError(fn TransactionErrorHandler) (cancel func())
	// OnTransactionError registers a callback called on transaction level errors,
	// e.g. when an ACK for a server INVITE transaction never arrived.
	OnTransactionError(fn TransactionErrorHandler) (cancel func())
}

type (
	TransactionHandler      = func(ctx context.Context, tx Transaction)
	TransactionStateHandler = func(ctx context.Context, tx Transaction, from, to TransactionState)
	TransactionErrorHandler = func(ctx context.Context, tx Transaction, err error)
)

type ctxKey string

const txCtxKey ctxKey = "transaction"

// TransactionFromContext returns the transaction stored in the context.
func TransactionFromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(txCtxKey).(Transaction)
	return tx, ok
}

const maxProvisionalResponses = 15

var respType = reflect.TypeFor[*Response]()

const (
	txEvtStart      = "start"
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
	txEvtRecvAck    = "recv_ack"
	txEvtTranspErr  = "transport_error"
	txEvtTerminate  = "terminate"
)

// TransactionOptions are the common transaction options.
type TransactionOptions struct {
	// Timings is the SIP timing config. If zero, the RFC 3261 defaults are used.
	Timings TimingConfig
	// Log is the transaction logger. If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *TransactionOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *TransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// transact implements the state shared by all transaction types.
//
// All mutable state is guarded by mu. Public operations and timer callbacks
// take the lock, fire the FSM and queue user notifications;
// the notifications are delivered after the lock is released, in the order they were queued.
type transact struct {
	typ     TransactionType
	impl    Transaction
	id      string
	method  string
	branch  string
	created time.Time
	req     *Request
	flow    Flow
	tp      Transport
	timings TimingConfig
	log     *slog.Logger
	ctx     context.Context

	mu       sync.Mutex
	fsm      *stateless.StateMachine
	ress     []*Response
	numProv  int
	disposed bool
	timers   map[string]*timeutil.Timer

	onState     types.CallbackManager[TransactionStateHandler]
	onDisposed  types.CallbackManager[TransactionHandler]
	onTranspErr types.CallbackManager[TransactionErrorHandler]
	onTxErr     types.CallbackManager[TransactionErrorHandler]

	notifyQueue
}

func newTransact(
	typ TransactionType,
	impl Transaction,
	id string,
	req *Request,
	flow Flow,
	tp Transport,
	opts *TransactionOptions,
) *transact {
	via, _ := req.Headers.TopVia()
	return &transact{
		typ:     typ,
		impl:    impl,
		id:      id,
		method:  req.Method,
		branch:  via.Branch(),
		created: time.Now(),
		req:     req,
		flow:    flow,
		tp:      tp,
		timings: opts.timings(),
		log:     opts.log(),
		ctx:     context.WithValue(context.Background(), txCtxKey, impl),
		timers:  make(map[string]*timeutil.Timer),
	}
}

func (tx *transact) initFSM(start TransactionState) {
	tx.fsm = stateless.NewStateMachine(start)
	tx.fsm.OnTransitioned(tx.onTransitioned)
	tx.fsm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		return errtrace.Wrap(NewInvalidStateError(fmt.Sprintf("event %q is not allowed in state %q", trigger, state)))
	})

	tx.fsm.Configure(TransactionStateTerminated).
		Ignore(txEvtTerminate).
		Ignore(txEvtTranspErr)
}

func (tx *transact) onTransitioned(ctx context.Context, t stateless.Transition) {
	from, _ := t.Source.(TransactionState)
	to, _ := t.Destination.(TransactionState)
	if from == to {
		return
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction state changed",
		slog.Any("transaction", tx.impl),
		slog.Any("from", from),
		slog.Any("to", to),
	)

	tx.emit(func() {
		for fn := range tx.onState.All() {
			fn(tx.ctx, tx.impl, from, to)
		}
	})

	// disposal clears the callbacks, so it is queued after the state change
	if to == TransactionStateTerminated {
		tx.disposeUnsafe(ctx)
	}
}

// fire fires the event. It must be called with the lock held.
func (tx *transact) fire(ctx context.Context, evt string, args ...any) error {
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, evt, args...))
}

// mustFire fires the event from a timer callback, where an unhandled event is a programming error.
func (tx *transact) mustFire(ctx context.Context, evt string, args ...any) {
	if err := tx.fsm.FireCtx(ctx, evt, args...); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", evt, tx.stateUnsafe(), err))
	}
}

// do runs fn with the lock held and then delivers the queued notifications.
func (tx *transact) do(fn func() error) error {
	tx.mu.Lock()
	err := fn()
	tx.mu.Unlock()
	tx.deliver()
	return errtrace.Wrap(err)
}

func (tx *transact) emitTransportError(err error) {
	tx.log.LogAttrs(tx.ctx, slog.LevelWarn, "transaction transport error",
		slog.Any("transaction", tx.impl),
		slog.Any("error", err),
	)
	tx.emit(func() {
		for fn := range tx.onTranspErr.All() {
			fn(tx.ctx, tx.impl, err)
		}
	})
}

func (tx *transact) emitTransactionError(err error) {
	tx.log.LogAttrs(tx.ctx, slog.LevelWarn, "transaction error",
		slog.Any("transaction", tx.impl),
		slog.Any("error", err),
	)
	tx.emit(func() {
		for fn := range tx.onTxErr.All() {
			fn(tx.ctx, tx.impl, err)
		}
	})
}

// startTimer arms the named timer, replacing a running one.
// fn is called with the lock held and receives the elapsed duration.
// Must be called with the lock held.
func (tx *transact) startTimer(ctx context.Context, name string, d time.Duration, fn func(ctx context.Context, d time.Duration)) {
	if old := tx.timers[name]; old != nil {
		old.Stop()
	}

	var tmr *timeutil.Timer
	tmr = timeutil.AfterFunc(d, func() {
		tx.mu.Lock()
		if tx.timers[name] != tmr || tx.disposed {
			tx.mu.Unlock()
			return
		}
		delete(tx.timers, name)

		tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer "+name+" expired", slog.Any("transaction", tx.impl))

		fn(tx.ctx, d)
		tx.mu.Unlock()
		tx.deliver()
	})
	tx.timers[name] = tmr

	tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" started",
		slog.Any("transaction", tx.impl),
		slog.Time("expires_at", tmr.ExpiresAt()),
	)
}

func (tx *transact) stopTimer(ctx context.Context, name string) {
	tmr, ok := tx.timers[name]
	if !ok {
		return
	}
	delete(tx.timers, name)
	if tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" stopped", slog.Any("transaction", tx.impl))
	}
}

func (tx *transact) stopTimers(ctx context.Context) {
	for _, name := range slices.Sorted(maps.Keys(tx.timers)) {
		tx.stopTimer(ctx, name)
	}
}

func (tx *transact) hasTimer(name string) bool {
	_, ok := tx.timers[name]
	return ok
}

// addResponse stores the response. Must be called with the lock held.
func (tx *transact) addResponse(res *Response) {
	if res.Status.IsProvisional() {
		if tx.numProv >= maxProvisionalResponses {
			return
		}
		tx.numProv++
	}
	tx.ress = append(tx.ress, res)
}

func (tx *transact) finalResponseUnsafe() *Response {
	for _, res := range tx.ress {
		if res.Status.IsFinal() {
			return res
		}
	}
	return nil
}

func (tx *transact) lastResponseUnsafe() *Response {
	if len(tx.ress) == 0 {
		return nil
	}
	return tx.ress[len(tx.ress)-1]
}

func (tx *transact) stateUnsafe() TransactionState {
	if tx.fsm == nil {
		return ""
	}
	return tx.fsm.MustState().(TransactionState) //nolint:forcetypeassert
}

// LogValue implements [slog.LogValuer].
func (tx *transact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", tx.id),
		slog.Any("type", tx.typ),
		slog.Any("state", tx.State()),
		slog.Any("flow", logFlow(tx.flow)),
	)
}

// ID returns the transaction identifier.
func (tx *transact) ID() string { return tx.id }

// Type returns the transaction type.
func (tx *transact) Type() TransactionType { return tx.typ }

// Method returns the method of the transaction request.
func (tx *transact) Method() string { return tx.method }

// Branch returns the branch of the transaction request top Via.
func (tx *transact) Branch() string { return tx.branch }

// CreateTime returns the time the transaction was created.
func (tx *transact) CreateTime() time.Time { return tx.created }

// Request returns the request that created the transaction.
func (tx *transact) Request() *Request { return tx.req }

// Flow returns the transaction flow.
func (tx *transact) Flow() Flow { return tx.flow }

// Context returns the transaction context.
func (tx *transact) Context() context.Context { return tx.ctx }

// State returns the current transaction state.
func (tx *transact) State() TransactionState { return tx.stateUnsafe() }

// Responses returns a snapshot of the transaction responses.
func (tx *transact) Responses() []*Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return slices.Clone(tx.ress)
}

// LastProvisionalResponse returns the last stored provisional response.
func (tx *transact) LastProvisionalResponse() *Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for _, res := range slices.Backward(tx.ress) {
		if res.Status.IsProvisional() {
			return res
		}
	}
	return nil
}

// FinalResponse returns the first final response or nil.
func (tx *transact) FinalResponse() *Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.finalResponseUnsafe()
}

// IsDisposed reports whether the transaction was disposed.
func (tx *transact) IsDisposed() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.disposed
}

// Terminate moves the transaction to the terminated state.
func (tx *transact) Terminate(ctx context.Context) error {
	return tx.do(func() error {
		if tx.disposed {
			return nil
		}
		return errtrace.Wrap(tx.fire(ctx, txEvtTerminate))
	})
}

// Dispose terminates the transaction and releases its resources.
func (tx *transact) Dispose() {
	tx.do(func() error { //nolint:errcheck
		if tx.disposed {
			return nil
		}
		if tx.stateUnsafe() != TransactionStateTerminated {
			if err := tx.fire(tx.ctx, txEvtTerminate); err == nil {
				return nil
			}
		}
		tx.disposeUnsafe(tx.ctx)
		return nil
	})
}

func (tx *transact) disposeUnsafe(ctx context.Context) {
	if tx.disposed {
		return
	}
	tx.disposed = true
	tx.stopTimers(ctx)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction disposed", slog.Any("transaction", tx.impl))

	tx.emit(func() {
		for fn := range tx.onDisposed.All() {
			fn(tx.ctx, tx.impl)
		}
		tx.clearCallbacks()
	})
}

func (tx *transact) clearCallbacks() {
	tx.onState.Clear()
	tx.onDisposed.Clear()
	tx.onTranspErr.Clear()
	tx.onTxErr.Clear()
	if c, ok := tx.impl.(interface{ clearOwnCallbacks() }); ok {
		c.clearOwnCallbacks()
	}
}

// OnStateChanged registers a state change callback.
func (tx *transact) OnStateChanged(fn TransactionStateHandler) (cancel func()) {
	return tx.onState.Add(fn)
}

// OnDisposed registers a dispose callback.
func (tx *transact) OnDisposed(fn TransactionHandler) (cancel func()) {
	return tx.onDisposed.Add(fn)
}

// OnTransportError registers a transport error callback.
func (tx *transact) OnTransportError(fn TransactionErrorHandler) (cancel func()) {
	return tx.onTranspErr.Add(fn)
}

// OnTransactionError registers a transaction error callback.
func (tx *transact) OnTransactionError(fn TransactionErrorHandler) (cancel func()) {
	return tx.onTxErr.Add(fn)
}
