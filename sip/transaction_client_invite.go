package sip

import (
	"context"
	"log/slog"
	"time"

	"braces.dev/errtrace"
)

// InviteClientTransaction is an INVITE client transaction
// as described in RFC 3261 Section 17.1.1 with the RFC 6026 Accepted state.
type InviteClientTransaction struct {
	*clientTransact
}

// NewInviteClientTransaction creates an INVITE client transaction.
// The transaction stays in the waiting to start state until [InviteClientTransaction.Start] is called.
func NewInviteClientTransaction(
	req *Request,
	flow Flow,
	tp Transport,
	opts *ClientTransactionOptions,
) (*InviteClientTransaction, error) {
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if req.Method != RequestMethodInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(InviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientInvite, tx, req, flow, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx
	tx.initFSM(TransactionStateWaitingToStart)

	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "transaction created", slog.Any("transaction", tx))

	return tx, nil
}

const (
	txEvtTimerA = "timer_a"
	txEvtTimerB = "timer_b"
	txEvtTimerD = "timer_d"
	txEvtTimerM = "timer_m"
)

func (tx *InviteClientTransaction) initFSM(start TransactionState) {
	tx.clientTransact.initFSM(start)

	tx.fsm.Configure(TransactionStateWaitingToStart).
		Permit(txEvtStart, TransactionStateCalling).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCalling).
		OnEntry(tx.actCalling).
		InternalTransition(txEvtTimerA, tx.actResend).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actPassResSendAck).
		InternalTransition(txEvtRecv300699, tx.actSendAck).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Permit(txEvtTimerD, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		InternalTransition(txEvtRecv2xx, tx.actPassRes).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv300699).
		Permit(txEvtTimerM, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)
}

func (tx *InviteClientTransaction) actCalling(ctx context.Context, _ ...any) error {
	if !tx.sendReqOrFail(ctx, tx.req) {
		return nil
	}

	if !tx.flow.IsReliable() {
		tx.startTimer(ctx, "A", tx.timings.TimeA(), tx.onTimerA)
	}
	tx.startTimer(ctx, "B", tx.timings.TimeB(), tx.onTimerB)
	return nil
}

func (tx *InviteClientTransaction) onTimerA(ctx context.Context, d time.Duration) {
	if tx.stateUnsafe() != TransactionStateCalling {
		return
	}
	tx.mustFire(ctx, txEvtTimerA, d)
}

func (tx *InviteClientTransaction) actResend(ctx context.Context, args ...any) error {
	if !tx.sendReqOrFail(ctx, tx.req) {
		return nil
	}
	d, _ := args[0].(time.Duration)
	tx.startTimer(ctx, "A", 2*d, tx.onTimerA)
	return nil
}

func (tx *InviteClientTransaction) onTimerB(ctx context.Context, _ time.Duration) {
	if tx.stateUnsafe() != TransactionStateCalling {
		return
	}
	tx.emitTimedOut()
	tx.mustFire(ctx, txEvtTimerB)
}

func (tx *InviteClientTransaction) actProceeding(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, "A")
	tx.stopTimer(ctx, "B")
	return nil
}

func (tx *InviteClientTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, "A")
	tx.stopTimer(ctx, "B")
	tx.startTimer(ctx, "D", unreliableOnly(tx.timings.TimeD(), tx.flow.IsReliable()), tx.onTimerD)
	return nil
}

func (tx *InviteClientTransaction) onTimerD(ctx context.Context, _ time.Duration) {
	if tx.stateUnsafe() != TransactionStateCompleted {
		return
	}
	tx.mustFire(ctx, txEvtTimerD)
}

func (tx *InviteClientTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, "A")
	tx.stopTimer(ctx, "B")
	tx.startTimer(ctx, "M", tx.timings.TimeM(), tx.onTimerM)
	return nil
}

func (tx *InviteClientTransaction) onTimerM(ctx context.Context, _ time.Duration) {
	if tx.stateUnsafe() != TransactionStateAccepted {
		return
	}
	tx.mustFire(ctx, txEvtTimerM)
}

func (tx *InviteClientTransaction) actPassResSendAck(ctx context.Context, args ...any) error {
	tx.actPassRes(ctx, args...) //nolint:errcheck
	tx.actSendAck(ctx, args...) //nolint:errcheck
	return nil
}

// actSendAck sends an ACK for each received non-2xx final response,
// including the retransmissions absorbed in the completed state.
func (tx *InviteClientTransaction) actSendAck(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	ack := newAckRequest(tx.req, res)
	if err := tx.sendReq(ctx, ack); err != nil {
		tx.emitTransportError(err)
		tx.fire(ctx, txEvtTranspErr) //nolint:errcheck
	}
	return nil
}

// newAckRequest builds the ACK for a non-2xx final response (RFC 3261 Section 17.1.1.3).
// Route is taken from the INVITE, or from the response when the INVITE had none.
func newAckRequest(req *Request, res *Response) *Request {
	ack := NewRequest(RequestMethodAck, req.URI.Clone())
	if vias := req.Headers.Values("Via"); len(vias) > 0 {
		ack.Headers.Add("Via", vias[0])
	}
	ack.Headers.Add("Call-ID", req.Headers.Get("Call-ID"))
	ack.Headers.Add("From", req.Headers.Get("From"))
	ack.Headers.Add("To", res.Headers.Get("To"))
	cseq, _ := req.Headers.CSeq()
	ack.Headers.SetCSeq(CSeq{Seq: cseq.Seq, Method: RequestMethodAck})

	// RFC 3261 Section 17.1.1.3: the ACK carries the INVITE Route headers, the response ones are a fallback
	routes := req.Headers.Values("Route")
	if len(routes) == 0 {
		routes = res.Headers.Values("Route")
	}
	for _, route := range routes {
		ack.Headers.Add("Route", route)
	}
	ack.Headers.Set("Max-Forwards", "70")
	return ack
}
