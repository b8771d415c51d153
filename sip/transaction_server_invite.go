package sip

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"braces.dev/errtrace"
)

// InviteServerTransaction is an INVITE server transaction
// as described in RFC 3261 Section 17.2.1 with the RFC 6026 Accepted state.
type InviteServerTransaction struct {
	*serverTransact
}

// NewInviteServerTransaction creates an INVITE server transaction in the proceeding state.
// If no provisional response is sent within [TimingConfig.Time100], 100 Trying is sent automatically.
func NewInviteServerTransaction(
	req *Request,
	flow Flow,
	tp Transport,
	opts *ServerTransactionOptions,
) (*InviteServerTransaction, error) {
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if req.Method != RequestMethodInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(InviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerInvite, tx, req, flow, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx
	tx.initFSM(TransactionStateProceeding)

	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "transaction created", slog.Any("transaction", tx))

	tx.mu.Lock()
	tx.actProceeding(tx.ctx) //nolint:errcheck
	tx.mu.Unlock()

	return tx, nil
}

const (
	txEvtTimerG = "timer_g"
	txEvtTimerH = "timer_h"
	txEvtTimerI = "timer_i"
	txEvtTimerL = "timer_l"
)

func (tx *InviteServerTransaction) initFSM(start TransactionState) {
	tx.serverTransact.initFSM(start)

	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Ignore(txEvtRecvAck).
		Permit(txEvtSend2xx, TransactionStateAccepted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		InternalTransition(txEvtSend2xx, tx.actSendRes).
		InternalTransition(txEvtRecvAck, tx.actPassAck).
		Ignore(txEvtRecvReq).
		Permit(txEvtTimerL, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtTimerG, tx.actRetransmit).
		Permit(txEvtRecvAck, TransactionStateConfirmed).
		Permit(txEvtTimerH, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntry(tx.actConfirmed).
		OnEntryFrom(txEvtRecvAck, tx.actPassAck).
		Ignore(txEvtRecvAck).
		Ignore(txEvtRecvReq).
		Permit(txEvtTimerI, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)
}

func (tx *InviteServerTransaction) actProceeding(ctx context.Context, _ ...any) error {
	tx.startTimer(ctx, "100", tx.timings.Time100(), tx.onTimer100)
	return nil
}

func (tx *InviteServerTransaction) onTimer100(ctx context.Context, _ time.Duration) {
	if tx.stateUnsafe() != TransactionStateProceeding || tx.lastRes != nil {
		return
	}
	tx.mustFire(ctx, txEvtSend1xx, NewResponse(tx.req, ResponseStatusTrying, ""))
}

func (tx *InviteServerTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, "100")
	tx.startTimer(ctx, "L", tx.timings.TimeL(), tx.onTimerL)
	return nil
}

func (tx *InviteServerTransaction) onTimerL(ctx context.Context, _ time.Duration) {
	if tx.stateUnsafe() != TransactionStateAccepted {
		return
	}
	tx.mustFire(ctx, txEvtTimerL)
}

func (tx *InviteServerTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, "100")
	if !tx.flow.IsReliable() {
		tx.startTimer(ctx, "G", tx.timings.TimeG(), tx.onTimerG)
	}
	tx.startTimer(ctx, "H", tx.timings.TimeH(), tx.onTimerH)
	return nil
}

func (tx *InviteServerTransaction) onTimerG(ctx context.Context, d time.Duration) {
	if tx.stateUnsafe() != TransactionStateCompleted {
		return
	}
	tx.mustFire(ctx, txEvtTimerG, d)
}

func (tx *InviteServerTransaction) actRetransmit(ctx context.Context, args ...any) error {
	if !tx.sendResOrFail(ctx, tx.lastRes) {
		return nil
	}
	d, _ := args[0].(time.Duration)
	tx.startTimer(ctx, "G", min(2*d, tx.timings.T2()), tx.onTimerG)
	return nil
}

func (tx *InviteServerTransaction) onTimerH(ctx context.Context, _ time.Duration) {
	if tx.stateUnsafe() != TransactionStateCompleted {
		return
	}
	tx.emitTimedOut()
	tx.emitTransactionError(fmt.Errorf("%w: ACK not received", ErrTransactionTimedOut))
	tx.mustFire(ctx, txEvtTimerH)
}

func (tx *InviteServerTransaction) actConfirmed(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, "G")
	tx.stopTimer(ctx, "H")
	tx.startTimer(ctx, "I", unreliableOnly(tx.timings.TimeI(), tx.flow.IsReliable()), tx.onTimerI)
	return nil
}

func (tx *InviteServerTransaction) onTimerI(ctx context.Context, _ time.Duration) {
	if tx.stateUnsafe() != TransactionStateConfirmed {
		return
	}
	tx.mustFire(ctx, txEvtTimerI)
}
