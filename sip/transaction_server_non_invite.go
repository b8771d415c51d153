package sip

import (
	"context"
	"log/slog"
	"time"

	"braces.dev/errtrace"
)

// NonInviteServerTransaction is a non-INVITE server transaction as described in RFC 3261 Section 17.2.2.
type NonInviteServerTransaction struct {
	*serverTransact
}

// NewNonInviteServerTransaction creates a non-INVITE server transaction in the trying state.
func NewNonInviteServerTransaction(
	req *Request,
	flow Flow,
	tp Transport,
	opts *ServerTransactionOptions,
) (*NonInviteServerTransaction, error) {
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if req.Method == RequestMethodInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(NonInviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerNonInvite, tx, req, flow, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx
	tx.initFSM(TransactionStateTrying)

	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "transaction created", slog.Any("transaction", tx))

	return tx, nil
}

const txEvtTimerJ = "timer_j"

func (tx *NonInviteServerTransaction) initFSM(start TransactionState) {
	tx.serverTransact.initFSM(start)

	tx.fsm.Configure(TransactionStateTrying).
		Ignore(txEvtRecvReq).
		Permit(txEvtSend1xx, TransactionStateProceeding).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtTimerJ, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)
}

func (tx *NonInviteServerTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.startTimer(ctx, "J", unreliableOnly(tx.timings.TimeJ(), tx.flow.IsReliable()), tx.onTimerJ)
	return nil
}

func (tx *NonInviteServerTransaction) onTimerJ(ctx context.Context, _ time.Duration) {
	if tx.stateUnsafe() != TransactionStateCompleted {
		return
	}
	tx.mustFire(ctx, txEvtTimerJ)
}
