package sip

import (
	"context"
	"log/slog"
	"reflect"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipstack/internal/types"
)

// ServerTransaction represents a SIP server transaction (RFC 3261 Section 17.2).
type ServerTransaction interface {
	Transaction
	// Key returns the key used to match requests to the transaction.
	Key() ServerTransactionKey
	// SendResponse sends the response and moves the transaction according to its class.
	// Responses that do not match the transaction request, provisional responses after the
	// proceeding state and any response after a final one (except 2xx retransmissions of an
	// accepted INVITE) are rejected.
	SendResponse(ctx context.Context, res *Response) error
	// ProcessRequest handles a request retransmission or an ACK matched to the transaction.
	ProcessRequest(ctx context.Context, req *Request) error
	// Cancel responds with 487 Request Terminated. It fails if a final response was already sent.
	// Non-INVITE transactions are not affected by CANCEL and are left as is.
	Cancel(ctx context.Context) error
	// OnAck registers a callback called for each ACK absorbed by an INVITE transaction.
	OnAck(fn ServerTransactionRequestHandler) (cancel func())
	// OnResponseSent registers a callback called for each response passed to the transport.
	OnResponseSent(fn ServerTransactionResponseHandler) (cancel func())
	// OnCanceled registers a callback called once the transaction is canceled.
	OnCanceled(fn TransactionHandler) (cancel func())
	// OnTimedOut registers a callback called when timer H fires.
	OnTimedOut(fn TransactionHandler) (cancel func())
}

type (
	ServerTransactionRequestHandler  = func(ctx context.Context, tx ServerTransaction, req *Request)
	ServerTransactionResponseHandler = func(ctx context.Context, tx ServerTransaction, res *Response)
)

// ServerTransactionOptions are the server transaction options.
type ServerTransactionOptions struct {
	TransactionOptions
}

func (o *ServerTransactionOptions) txOpts() *TransactionOptions {
	if o == nil {
		return nil
	}
	return &o.TransactionOptions
}

// NewServerTransaction creates a server transaction for the received request.
// The transaction starts immediately: INVITE transactions enter the proceeding state,
// non-INVITE ones the trying state.
func NewServerTransaction(req *Request, flow Flow, tp Transport, opts *ServerTransactionOptions) (ServerTransaction, error) {
	if req != nil && req.Method == RequestMethodInvite {
		return errtrace.Wrap2(NewInviteServerTransaction(req, flow, tp, opts))
	}
	return errtrace.Wrap2(NewNonInviteServerTransaction(req, flow, tp, opts))
}

var reqType = reflect.TypeFor[*Request]()

type serverTransact struct {
	*transact
	key     ServerTransactionKey
	lastRes *Response

	onAck      types.CallbackManager[ServerTransactionRequestHandler]
	onResSent  types.CallbackManager[ServerTransactionResponseHandler]
	onCanceled types.CallbackManager[TransactionHandler]
	onTimedOut types.CallbackManager[TransactionHandler]
}

func newServerTransact(
	typ TransactionType,
	impl ServerTransaction,
	req *Request,
	flow Flow,
	tp Transport,
	opts *ServerTransactionOptions,
) (*serverTransact, error) {
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

	key, err := ServerTransactionKeyFromMessage(req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx := &serverTransact{key: key}
	tx.transact = newTransact(typ, impl, key.String(), req, flow, tp, opts.txOpts())
	return tx, nil
}

func (tx *serverTransact) srvTxImpl() ServerTransaction {
	return tx.impl.(ServerTransaction) //nolint:forcetypeassert
}

func (tx *serverTransact) initFSM(start TransactionState) {
	tx.transact.initFSM(start)

	tx.fsm.SetTriggerParameters(txEvtSend1xx, respType)
	tx.fsm.SetTriggerParameters(txEvtSend2xx, respType)
	tx.fsm.SetTriggerParameters(txEvtSend300699, respType)
	tx.fsm.SetTriggerParameters(txEvtRecvReq, reqType)
	tx.fsm.SetTriggerParameters(txEvtRecvAck, reqType)

	tx.fsm.Configure(TransactionStateTerminated).
		Ignore(txEvtRecvReq).
		Ignore(txEvtRecvAck)
}

const txEvtRecvReq = "recv_req"

// Key returns the transaction key.
func (tx *serverTransact) Key() ServerTransactionKey { return tx.key }

// SendResponse sends the response.
func (tx *serverTransact) SendResponse(ctx context.Context, res *Response) error {
	if err := tx.matchResponse(res); err != nil {
		return errtrace.Wrap(err)
	}

	return tx.do(func() error {
		if tx.disposed {
			return errtrace.Wrap(ErrDisposed)
		}

		state := tx.stateUnsafe()
		if res.Status.IsProvisional() &&
			state != TransactionStateTrying && state != TransactionStateProceeding {
			return errtrace.Wrap(NewInvalidStateError("provisional response after final one"))
		}
		if tx.finalResponseUnsafe() != nil &&
			!(state == TransactionStateAccepted && res.Status.IsSuccessful()) {
			return errtrace.Wrap(NewInvalidStateError("final response already sent"))
		}

		var evt string
		switch {
		case res.Status.IsProvisional():
			evt = txEvtSend1xx
		case res.Status.IsSuccessful():
			evt = txEvtSend2xx
		default:
			evt = txEvtSend300699
		}
		return errtrace.Wrap(tx.fire(ctx, evt, res))
	})
}

func (tx *serverTransact) matchResponse(res *Response) error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	via, _ := res.Headers.TopVia()
	resCSeq, _ := res.Headers.CSeq()
	reqCSeq, _ := tx.req.Headers.CSeq()
	if via.Branch() != tx.branch || resCSeq != reqCSeq {
		return errtrace.Wrap(NewInvalidArgumentError(ErrMessageNotMatched))
	}
	return nil
}

// ProcessRequest processes the request matched to the transaction.
func (tx *serverTransact) ProcessRequest(ctx context.Context, req *Request) error {
	if req == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if key, err := ServerTransactionKeyFromMessage(req); err != nil || key != tx.key {
		return errtrace.Wrap(ErrMessageNotMatched)
	}

	evt := txEvtRecvReq
	if req.Method == RequestMethodAck {
		if tx.typ != TransactionTypeServerInvite {
			return errtrace.Wrap(ErrMessageNotMatched)
		}
		evt = txEvtRecvAck
	} else if req.Method != tx.method {
		return errtrace.Wrap(ErrMessageNotMatched)
	}

	return tx.do(func() error {
		if tx.disposed {
			return errtrace.Wrap(ErrDisposed)
		}

		tx.log.LogAttrs(ctx, slog.LevelDebug, "request received",
			slog.Any("transaction", tx.impl),
			slog.Any("request", req),
		)

		return errtrace.Wrap(tx.fire(ctx, evt, req))
	})
}

// Cancel cancels the transaction with 487 Request Terminated.
func (tx *serverTransact) Cancel(ctx context.Context) error {
	return tx.do(func() error {
		if tx.disposed {
			return errtrace.Wrap(ErrDisposed)
		}
		if !tx.typ.IsInvite() {
			// RFC 3261 Section 9.2
			tx.log.LogAttrs(ctx, slog.LevelDebug, "CANCEL ignored by non-INVITE transaction", slog.Any("transaction", tx.impl))
			return nil
		}
		if tx.finalResponseUnsafe() != nil {
			return errtrace.Wrap(NewInvalidStateError("final response already sent"))
		}

		res := NewResponse(tx.req, ResponseStatusRequestTerminated, "")
		tag := ""
		if tx.lastRes != nil {
			if to, ok := tx.lastRes.Headers.To(); ok {
				tag = to.Tag()
			}
		}
		if to, ok := res.Headers.To(); ok && to.Tag() == "" {
			if tag == "" {
				tag = GenerateTag()
			}
			res.Headers.Set("To", to.WithTag(tag).String())
		}

		if err := tx.fire(ctx, txEvtSend300699, res); err != nil {
			return errtrace.Wrap(err)
		}

		tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction canceled", slog.Any("transaction", tx.impl))

		tx.emit(func() {
			for fn := range tx.onCanceled.All() {
				fn(tx.ctx, tx.impl)
			}
		})
		return nil
	})
}

func (tx *serverTransact) sendRes(ctx context.Context, res *Response) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "send response",
		slog.Any("transaction", tx.impl),
		slog.Any("response", res),
	)

	if err := tx.tp.SendResponse(ctx, tx.flow, res); err != nil {
		return errtrace.Wrap(newTransportError(err))
	}
	return nil
}

func (tx *serverTransact) sendResOrFail(ctx context.Context, res *Response) bool {
	if err := tx.sendRes(ctx, res); err != nil {
		tx.emitTransportError(err)
		tx.fire(ctx, txEvtTranspErr) //nolint:errcheck
		return false
	}
	return true
}

// actSendRes stores and sends a response passed by the caller.
func (tx *serverTransact) actSendRes(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	tx.addResponse(res)
	tx.lastRes = res
	if !tx.sendResOrFail(ctx, res) {
		return nil
	}

	impl := tx.srvTxImpl()
	tx.emit(func() {
		for fn := range tx.onResSent.All() {
			fn(tx.ctx, impl, res)
		}
	})
	return nil
}

// actResendRes retransmits the last response actually sent.
func (tx *serverTransact) actResendRes(ctx context.Context, _ ...any) error {
	if tx.lastRes == nil {
		return nil
	}
	tx.sendResOrFail(ctx, tx.lastRes)
	return nil
}

func (tx *serverTransact) actPassAck(_ context.Context, args ...any) error {
	req := args[0].(*Request) //nolint:forcetypeassert

	impl := tx.srvTxImpl()
	tx.emit(func() {
		for fn := range tx.onAck.All() {
			fn(tx.ctx, impl, req)
		}
	})
	return nil
}

func (tx *serverTransact) emitTimedOut() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "transaction timed out", slog.Any("transaction", tx.impl))

	tx.emit(func() {
		for fn := range tx.onTimedOut.All() {
			fn(tx.ctx, tx.impl)
		}
	})
}

// OnAck registers an ACK callback.
func (tx *serverTransact) OnAck(fn ServerTransactionRequestHandler) (cancel func()) {
	return tx.onAck.Add(fn)
}

// OnResponseSent registers a sent response callback.
func (tx *serverTransact) OnResponseSent(fn ServerTransactionResponseHandler) (cancel func()) {
	return tx.onResSent.Add(fn)
}

// OnCanceled registers a cancel callback.
func (tx *serverTransact) OnCanceled(fn TransactionHandler) (cancel func()) {
	return tx.onCanceled.Add(fn)
}

// OnTimedOut registers a timeout callback.
func (tx *serverTransact) OnTimedOut(fn TransactionHandler) (cancel func()) {
	return tx.onTimedOut.Add(fn)
}

func (tx *serverTransact) clearOwnCallbacks() {
	tx.onAck.Clear()
	tx.onResSent.Clear()
	tx.onCanceled.Clear()
	tx.onTimedOut.Clear()
}
