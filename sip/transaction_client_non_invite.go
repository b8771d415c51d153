package sip

import (
	"context"
	"log/slog"
	"time"

	"braces.dev/errtrace"
)

// NonInviteClientTransaction is a non-INVITE client transaction as described in RFC 3261 Section 17.1.2.
type NonInviteClientTransaction struct {
	*clientTransact
}

// NewNonInviteClientTransaction creates a non-INVITE client transaction.
// The transaction stays in the waiting to start state until [NonInviteClientTransaction.Start] is called.
func NewNonInviteClientTransaction(
	req *Request,
	flow Flow,
	tp Transport,
	opts *ClientTransactionOptions,
) (*NonInviteClientTransaction, error) {
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if req.Method == RequestMethodInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(NonInviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientNonInvite, tx, req, flow, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx
	tx.initFSM(TransactionStateWaitingToStart)

	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "transaction created", slog.Any("transaction", tx))

	return tx, nil
}

const (
	txEvtTimerE = "timer_e"
	txEvtTimerF = "timer_f"
	txEvtTimerK = "timer_k"
)

func (tx *NonInviteClientTransaction) initFSM(start TransactionState) {
	tx.clientTransact.initFSM(start)

	tx.fsm.Configure(TransactionStateWaitingToStart).
		Permit(txEvtStart, TransactionStateTrying).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTrying).
		OnEntry(tx.actTrying).
		InternalTransition(txEvtTimerE, tx.actResend).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtRecv300699, tx.actPassRes).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Permit(txEvtTimerK, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)
}

func (tx *NonInviteClientTransaction) actTrying(ctx context.Context, _ ...any) error {
	if !tx.sendReqOrFail(ctx, tx.req) {
		return nil
	}

	if !tx.flow.IsReliable() {
		tx.startTimer(ctx, "E", tx.timings.TimeE(), tx.onTimerE)
	}
	tx.startTimer(ctx, "F", tx.timings.TimeF(), tx.onTimerF)
	return nil
}

func (tx *NonInviteClientTransaction) onTimerE(ctx context.Context, d time.Duration) {
	if tx.stateUnsafe() != TransactionStateTrying {
		return
	}
	tx.mustFire(ctx, txEvtTimerE, d)
}

func (tx *NonInviteClientTransaction) actResend(ctx context.Context, args ...any) error {
	if !tx.sendReqOrFail(ctx, tx.req) {
		return nil
	}
	d, _ := args[0].(time.Duration)
	tx.startTimer(ctx, "E", min(2*d, tx.timings.T2()), tx.onTimerE)
	return nil
}

func (tx *NonInviteClientTransaction) onTimerF(ctx context.Context, _ time.Duration) {
	if state := tx.stateUnsafe(); state != TransactionStateTrying && state != TransactionStateProceeding {
		return
	}
	tx.emitTimedOut()
	tx.mustFire(ctx, txEvtTimerF)
}

func (tx *NonInviteClientTransaction) actProceeding(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, "E")
	return nil
}

func (tx *NonInviteClientTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, "E")
	tx.stopTimer(ctx, "F")
	tx.startTimer(ctx, "K", unreliableOnly(tx.timings.TimeK(), tx.flow.IsReliable()), tx.onTimerK)
	return nil
}

func (tx *NonInviteClientTransaction) onTimerK(ctx context.Context, _ time.Duration) {
	if tx.stateUnsafe() != TransactionStateCompleted {
		return
	}
	tx.mustFire(ctx, txEvtTimerK)
}
