package sip

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipstack/internal/types"
)

// ClientTransaction represents a SIP client transaction (RFC 3261 Section 17.1).
type ClientTransaction interface {
	Transaction
	// Key returns the key used to match responses to the transaction.
	Key() ClientTransactionKey
	// Start sends the request and arms the transaction timers.
	Start(ctx context.Context) error
	// Cancel cancels an INVITE transaction by sending a CANCEL request.
	// If no provisional response has been received yet, the CANCEL is sent
	// once the first one arrives. A transaction that was never started is terminated.
	Cancel(ctx context.Context) error
	// ProcessResponse is called by the transaction layer for each matched response.
	ProcessResponse(ctx context.Context, res *Response) error
	// OnResponse registers a callback called for each response passed to the caller.
	OnResponse(fn ClientTransactionResponseHandler) (cancel func())
	// OnTimedOut registers a callback called when timer B or F fires.
	OnTimedOut(fn TransactionHandler) (cancel func())
	// OnCanceled registers a callback called once the CANCEL request is sent.
	OnCanceled(fn TransactionHandler) (cancel func())
}

type ClientTransactionResponseHandler = func(ctx context.Context, tx ClientTransaction, res *Response)

// ClientTransactionCreator creates and registers client transactions.
// [TransactionLayer] implements it.
type ClientTransactionCreator interface {
	CreateClientTransaction(ctx context.Context, flow Flow, req *Request) (ClientTransaction, error)
}

// ClientTransactionOptions are the client transaction options.
type ClientTransactionOptions struct {
	TransactionOptions
	// Creator is used to create the transaction that carries a CANCEL request.
	// If nil, an unregistered transaction is created with [NewClientTransaction].
	Creator ClientTransactionCreator
}

func (o *ClientTransactionOptions) txOpts() *TransactionOptions {
	if o == nil {
		return nil
	}
	return &o.TransactionOptions
}

func (o *ClientTransactionOptions) creator() ClientTransactionCreator {
	if o == nil {
		return nil
	}
	return o.Creator
}

// NewClientTransaction creates a client transaction for the request in the waiting to start state.
// The request must carry a Via with a branch.
func NewClientTransaction(req *Request, flow Flow, tp Transport, opts *ClientTransactionOptions) (ClientTransaction, error) {
	if req != nil && req.Method == RequestMethodInvite {
		return errtrace.Wrap2(NewInviteClientTransaction(req, flow, tp, opts))
	}
	return errtrace.Wrap2(NewNonInviteClientTransaction(req, flow, tp, opts))
}

type clientTransact struct {
	*transact
	key  ClientTransactionKey
	opts *ClientTransactionOptions

	canceling  bool
	cancelSent bool

	onRes      types.CallbackManager[ClientTransactionResponseHandler]
	onTimedOut types.CallbackManager[TransactionHandler]
	onCanceled types.CallbackManager[TransactionHandler]
}

func newClientTransact(
	typ TransactionType,
	impl ClientTransaction,
	req *Request,
	flow Flow,
	tp Transport,
	opts *ClientTransactionOptions,
) (*clientTransact, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if req.Method == RequestMethodAck {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	if flow == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid flow"))
	}
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}

	key, err := ClientTransactionKeyFromMessage(req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx := &clientTransact{key: key, opts: opts}
	tx.transact = newTransact(typ, impl, key.String(), req, flow, tp, opts.txOpts())
	return tx, nil
}

func (tx *clientTransact) clnTxImpl() ClientTransaction {
	return tx.impl.(ClientTransaction) //nolint:forcetypeassert
}

func (tx *clientTransact) initFSM(start TransactionState) {
	tx.transact.initFSM(start)

	tx.fsm.SetTriggerParameters(txEvtRecv1xx, respType)
	tx.fsm.SetTriggerParameters(txEvtRecv2xx, respType)
	tx.fsm.SetTriggerParameters(txEvtRecv300699, respType)

	tx.fsm.Configure(TransactionStateTerminated).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699)
}

// Key returns the transaction key.
func (tx *clientTransact) Key() ClientTransactionKey { return tx.key }

// Start starts the transaction.
func (tx *clientTransact) Start(ctx context.Context) error {
	return tx.do(func() error {
		if tx.disposed {
			return errtrace.Wrap(ErrDisposed)
		}
		if state := tx.stateUnsafe(); state != TransactionStateWaitingToStart {
			return errtrace.Wrap(NewInvalidStateError("transaction already started"))
		}

		tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction started", slog.Any("transaction", tx.impl))

		return errtrace.Wrap(tx.fire(ctx, txEvtStart))
	})
}

// ProcessResponse processes the response matched to the transaction.
func (tx *clientTransact) ProcessResponse(ctx context.Context, res *Response) error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}
	if key, err := ClientTransactionKeyFromMessage(res); err != nil || key != tx.key {
		return errtrace.Wrap(ErrMessageNotMatched)
	}

	return tx.do(func() error {
		if tx.disposed {
			return errtrace.Wrap(ErrDisposed)
		}
		if tx.stateUnsafe() == TransactionStateWaitingToStart {
			return errtrace.Wrap(NewInvalidStateError("transaction not started"))
		}

		tx.log.LogAttrs(ctx, slog.LevelDebug, "response received",
			slog.Any("transaction", tx.impl),
			slog.Any("response", res),
		)

		if res.Status.IsProvisional() && tx.canceling && !tx.cancelSent {
			tx.sendCancelUnsafe(ctx)
		}

		var evt string
		switch {
		case res.Status.IsProvisional():
			evt = txEvtRecv1xx
		case res.Status.IsSuccessful():
			evt = txEvtRecv2xx
		default:
			evt = txEvtRecv300699
		}
		return errtrace.Wrap(tx.fire(ctx, evt, res))
	})
}

// Cancel cancels the transaction.
func (tx *clientTransact) Cancel(ctx context.Context) error {
	return tx.do(func() error {
		if tx.disposed {
			return errtrace.Wrap(ErrDisposed)
		}

		switch tx.stateUnsafe() {
		case TransactionStateWaitingToStart:
			return errtrace.Wrap(tx.fire(ctx, txEvtTerminate))
		case TransactionStateAccepted, TransactionStateCompleted, TransactionStateTerminated:
			return nil
		}
		if tx.typ != TransactionTypeClientInvite {
			tx.log.LogAttrs(ctx, slog.LevelDebug, "non-INVITE transaction can not be canceled",
				slog.Any("transaction", tx.impl),
			)
			return nil
		}
		if tx.canceling || tx.finalResponseUnsafe() != nil {
			return nil
		}

		tx.canceling = true
		if len(tx.ress) == 0 {
			tx.log.LogAttrs(ctx, slog.LevelDebug, "CANCEL deferred until provisional response",
				slog.Any("transaction", tx.impl),
			)
			return nil
		}
		tx.sendCancelUnsafe(ctx)
		return nil
	})
}

// sendCancelUnsafe queues sending of the CANCEL request.
// The CANCEL transaction is created and started after the lock is released.
func (tx *clientTransact) sendCancelUnsafe(ctx context.Context) {
	tx.cancelSent = true

	cancelReq := newCancelRequest(tx.req)
	ctx = context.WithoutCancel(ctx)
	tx.emit(func() {
		var (
			cancelTx ClientTransaction
			err      error
		)
		if creator := tx.opts.creator(); creator != nil {
			cancelTx, err = creator.CreateClientTransaction(ctx, tx.flow, cancelReq)
		} else {
			cancelTx, err = NewClientTransaction(cancelReq, tx.flow, tx.tp, &ClientTransactionOptions{
				TransactionOptions: TransactionOptions{Timings: tx.timings, Log: tx.log},
			})
		}
		if err == nil {
			err = cancelTx.Start(ctx)
		}
		if err != nil {
			tx.log.LogAttrs(ctx, slog.LevelWarn, "failed to send CANCEL request",
				slog.Any("transaction", tx.impl),
				slog.Any("error", err),
			)
			return
		}

		tx.log.LogAttrs(ctx, slog.LevelDebug, "CANCEL request sent",
			slog.Any("transaction", tx.impl),
			slog.Any("cancel_transaction", cancelTx),
		)

		for fn := range tx.onCanceled.All() {
			fn(tx.ctx, tx.impl)
		}
	})
}

// newCancelRequest builds a CANCEL for the request as described in RFC 3261 Section 9.1.
func newCancelRequest(req *Request) *Request {
	cancel := NewRequest(RequestMethodCancel, req.URI.Clone())
	if vias := req.Headers.Values("Via"); len(vias) > 0 {
		cancel.Headers.Add("Via", vias[0])
	}
	for _, name := range []string{"Call-ID", "From", "To"} {
		cancel.Headers.Add(name, req.Headers.Get(name))
	}
	cseq, _ := req.Headers.CSeq()
	cancel.Headers.SetCSeq(CSeq{Seq: cseq.Seq, Method: RequestMethodCancel})
	for _, route := range req.Headers.Values("Route") {
		cancel.Headers.Add("Route", route)
	}
	cancel.Headers.Set("Max-Forwards", "70")
	return cancel
}

func (tx *clientTransact) sendReq(ctx context.Context, req *Request) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request",
		slog.Any("transaction", tx.impl),
		slog.Any("request", req),
	)

	if err := tx.tp.SendRequest(ctx, tx.flow, req, tx.impl); err != nil {
		return errtrace.Wrap(newTransportError(err))
	}
	return nil
}

// sendReqOrFail sends the request and moves the transaction
// to the terminated state if the transport fails.
func (tx *clientTransact) sendReqOrFail(ctx context.Context, req *Request) bool {
	if err := tx.sendReq(ctx, req); err != nil {
		tx.emitTransportError(err)
		tx.fire(ctx, txEvtTranspErr) //nolint:errcheck
		return false
	}
	return true
}

func (tx *clientTransact) emitTimedOut() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "transaction timed out", slog.Any("transaction", tx.impl))

	tx.emit(func() {
		for fn := range tx.onTimedOut.All() {
			fn(tx.ctx, tx.impl)
		}
	})
}

func (tx *clientTransact) actPassRes(_ context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	tx.addResponse(res)

	impl := tx.clnTxImpl()
	tx.emit(func() {
		for fn := range tx.onRes.All() {
			fn(tx.ctx, impl, res)
		}
	})
	return nil
}

// OnResponse registers a response callback.
func (tx *clientTransact) OnResponse(fn ClientTransactionResponseHandler) (cancel func()) {
	return tx.onRes.Add(fn)
}

// OnTimedOut registers a timeout callback.
func (tx *clientTransact) OnTimedOut(fn TransactionHandler) (cancel func()) {
	return tx.onTimedOut.Add(fn)
}

// OnCanceled registers a cancel callback.
func (tx *clientTransact) OnCanceled(fn TransactionHandler) (cancel func()) {
	return tx.onCanceled.Add(fn)
}

func (tx *clientTransact) clearOwnCallbacks() {
	tx.onRes.Clear()
	tx.onTimedOut.Clear()
	tx.onCanceled.Clear()
}
