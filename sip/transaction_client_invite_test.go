package sip_test

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ghettovoice/sipstack/sip"
)

func newInviteClientTx(t *testing.T, proto string) (*sip.InviteClientTransaction, *stubTransport, *sip.Request) {
	t.Helper()

	tp := newStubTransport()
	flow := newStubFlow(proto, "127.0.0.1:5060", "127.0.0.2:5060")
	req := newInviteReq(t, proto, sip.GenerateBranch(), "127.0.0.1:5060")
	tx, err := sip.NewInviteClientTransaction(req, flow, tp, &sip.ClientTransactionOptions{
		TransactionOptions: sip.TransactionOptions{Timings: testTimings},
	})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	t.Cleanup(tx.Dispose)
	return tx, tp, req
}

func TestNewInviteClientTransaction_InvalidArgs(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	flow := newStubFlow("UDP", "127.0.0.1:5060", "127.0.0.2:5060")

	cases := []struct {
		name string
		req  *sip.Request
		flow sip.Flow
		tp   sip.Transport
	}{
		{"nil request", nil, flow, tp},
		{"non-INVITE request", newNonInviteReq(t, "UDP", "", ""), flow, tp},
		{"nil flow", newInviteReq(t, "UDP", "", ""), nil, tp},
		{"nil transport", newInviteReq(t, "UDP", "", ""), flow, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			_, err := sip.NewInviteClientTransaction(c.req, c.flow, c.tp, nil)
			if !errors.Is(err, sip.ErrInvalidArgument) {
				t.Errorf("sip.NewInviteClientTransaction() error = %v, want %v", err, sip.ErrInvalidArgument)
			}
		})
	}
}

func TestInviteClientTransaction_Accepted(t *testing.T) {
	t.Parallel()

	tx, tp, req := newInviteClientTx(t, "UDP")
	rec := recordStates(tx)

	var ress atomic.Int32
	tx.OnResponse(func(context.Context, sip.ClientTransaction, *sip.Response) { ress.Add(1) })

	if tx.State() != sip.TransactionStateWaitingToStart {
		t.Fatalf("tx.State() = %q, want %q", tx.State(), sip.TransactionStateWaitingToStart)
	}
	if err := tx.Start(t.Context()); err != nil {
		t.Fatalf("tx.Start() error = %v, want nil", err)
	}
	if err := tx.Start(t.Context()); !errors.Is(err, sip.ErrInvalidState) {
		t.Errorf("second tx.Start() error = %v, want %v", err, sip.ErrInvalidState)
	}

	call := tp.waitSendReq(t, 50*time.Millisecond)
	if call.req.Method != sip.RequestMethodInvite || call.owner != tx {
		t.Fatalf("sent request = %s by %v, want INVITE by tx", call.req.Method, call.owner)
	}

	if err := tx.ProcessResponse(t.Context(), newRes(t, req, sip.ResponseStatusRinging, "to-1")); err != nil {
		t.Fatalf("tx.ProcessResponse(180) error = %v, want nil", err)
	}
	if tx.State() != sip.TransactionStateProceeding {
		t.Fatalf("tx.State() = %q, want %q", tx.State(), sip.TransactionStateProceeding)
	}
	// no retransmissions in proceeding
	tp.drainSendReqs()
	tp.ensureNoSendReq(t, 30*time.Millisecond)

	ok := newRes(t, req, sip.ResponseStatusOK, "to-1")
	if err := tx.ProcessResponse(t.Context(), ok); err != nil {
		t.Fatalf("tx.ProcessResponse(200) error = %v, want nil", err)
	}
	if tx.State() != sip.TransactionStateAccepted {
		t.Fatalf("tx.State() = %q, want %q", tx.State(), sip.TransactionStateAccepted)
	}
	// 2xx retransmissions are passed up, ACK is not sent by the transaction
	if err := tx.ProcessResponse(t.Context(), ok); err != nil {
		t.Fatalf("tx.ProcessResponse(200) error = %v, want nil", err)
	}
	tp.ensureNoSendReq(t, 20*time.Millisecond)

	if got := ress.Load(); got != 3 {
		t.Errorf("OnResponse calls = %d, want 3", got)
	}
	if res := tx.FinalResponse(); res == nil || res.Status != sip.ResponseStatusOK {
		t.Errorf("tx.FinalResponse() = %v, want 200", res)
	}

	waitForTransactState(t, tx, sip.TransactionStateTerminated, time.Second)

	want := []sip.TransactionState{
		sip.TransactionStateCalling,
		sip.TransactionStateProceeding,
		sip.TransactionStateAccepted,
		sip.TransactionStateTerminated,
	}
	if got := rec.get(); !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if !tx.IsDisposed() {
		t.Error("tx.IsDisposed() = false, want true")
	}
}

func TestInviteClientTransaction_Completed(t *testing.T) {
	t.Parallel()

	tx, tp, req := newInviteClientTx(t, "UDP")

	var ress atomic.Int32
	tx.OnResponse(func(context.Context, sip.ClientTransaction, *sip.Response) { ress.Add(1) })

	if err := tx.Start(t.Context()); err != nil {
		t.Fatalf("tx.Start() error = %v, want nil", err)
	}
	tp.waitSendReq(t, 50*time.Millisecond)

	busy := newRes(t, req, sip.ResponseStatusBusyHere, "to-2")
	if err := tx.ProcessResponse(t.Context(), busy); err != nil {
		t.Fatalf("tx.ProcessResponse(486) error = %v, want nil", err)
	}
	if tx.State() != sip.TransactionStateCompleted {
		t.Fatalf("tx.State() = %q, want %q", tx.State(), sip.TransactionStateCompleted)
	}

	tp.drainSendReqs()
	// a retransmitted final response is acknowledged again but not passed up
	if err := tx.ProcessResponse(t.Context(), busy); err != nil {
		t.Fatalf("tx.ProcessResponse(486) error = %v, want nil", err)
	}
	ack := tp.waitSendReq(t, 50*time.Millisecond).req
	if ack.Method != sip.RequestMethodAck {
		t.Fatalf("sent request method = %s, want ACK", ack.Method)
	}
	if via, _ := ack.Headers.TopVia(); via.Branch() != tx.Branch() {
		t.Errorf("ACK branch = %q, want %q", via.Branch(), tx.Branch())
	}
	if to, _ := ack.Headers.To(); to.Tag() != "to-2" {
		t.Errorf("ACK To tag = %q, want %q", to.Tag(), "to-2")
	}
	if cseq, _ := ack.Headers.CSeq(); cseq.Seq != 1 || cseq.Method != sip.RequestMethodAck {
		t.Errorf("ACK CSeq = %v, want 1 ACK", cseq)
	}
	if got := ress.Load(); got != 1 {
		t.Errorf("OnResponse calls = %d, want 1", got)
	}

	waitForTransactState(t, tx, sip.TransactionStateTerminated, time.Second)
}

func TestInviteClientTransaction_AckRoute(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		reqRoutes []string
		resRoutes []string
		want      []string
	}{
		{"from INVITE", []string{"<sip:p1.example.com;lr>"}, []string{"<sip:other.example.com;lr>"}, []string{"<sip:p1.example.com;lr>"}},
		{"from response", nil, []string{"<sip:p2.example.com;lr>"}, []string{"<sip:p2.example.com;lr>"}},
		{"none", nil, nil, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			tp := newStubTransport()
			flow := newStubFlow("UDP", "127.0.0.1:5060", "127.0.0.2:5060")
			req := newInviteReq(t, "UDP", sip.GenerateBranch(), "127.0.0.1:5060")
			for _, r := range c.reqRoutes {
				req.Headers.Add("Route", r)
			}
			tx, err := sip.NewInviteClientTransaction(req, flow, tp, &sip.ClientTransactionOptions{
				TransactionOptions: sip.TransactionOptions{Timings: testTimings},
			})
			if err != nil {
				t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
			}
			t.Cleanup(tx.Dispose)
			if err := tx.Start(t.Context()); err != nil {
				t.Fatalf("tx.Start() error = %v, want nil", err)
			}
			tp.waitSendReq(t, 50*time.Millisecond)

			res := newRes(t, req, sip.ResponseStatusNotFound, "to-3")
			res.Headers.Del("Route")
			for _, r := range c.resRoutes {
				res.Headers.Add("Route", r)
			}
			if err := tx.ProcessResponse(t.Context(), res); err != nil {
				t.Fatalf("tx.ProcessResponse(404) error = %v, want nil", err)
			}

			var ack *sip.Request
			for ack == nil {
				if call := tp.waitSendReq(t, 50*time.Millisecond); call.req.Method == sip.RequestMethodAck {
					ack = call.req
				}
			}
			if got := ack.Headers.Values("Route"); !slices.Equal(got, c.want) {
				t.Errorf("ACK Route = %q, want %q", got, c.want)
			}
		})
	}
}

func TestInviteClientTransaction_TimerB(t *testing.T) {
	t.Parallel()

	tx, tp, _ := newInviteClientTx(t, "UDP")

	timedOut := make(chan struct{})
	tx.OnTimedOut(func(context.Context, sip.Transaction) { close(timedOut) })

	if err := tx.Start(t.Context()); err != nil {
		t.Fatalf("tx.Start() error = %v, want nil", err)
	}

	select {
	case <-timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("timer B did not fire")
	}
	waitForTransactState(t, tx, sip.TransactionStateTerminated, 100*time.Millisecond)

	// initial request plus timer A retransmissions 10, 20, 40, 80, 160, 320 ms
	if got := tp.requestCount(); got < 5 {
		t.Errorf("sent requests = %d, want at least 5", got)
	}
}

func TestInviteClientTransaction_Reliable(t *testing.T) {
	t.Parallel()

	tx, tp, _ := newInviteClientTx(t, "TCP")
	if err := tx.Start(t.Context()); err != nil {
		t.Fatalf("tx.Start() error = %v, want nil", err)
	}
	tp.waitSendReq(t, 50*time.Millisecond)
	tp.ensureNoSendReq(t, 60*time.Millisecond)
}

func TestInviteClientTransaction_TransportError(t *testing.T) {
	t.Parallel()

	tx, tp, _ := newInviteClientTx(t, "UDP")
	tp.setSendReqHook(func(sendReqCall, int) error { return errors.New("network is down") })

	var transpErr atomic.Value
	tx.OnTransportError(func(_ context.Context, _ sip.Transaction, err error) { transpErr.Store(err) })

	if err := tx.Start(t.Context()); err != nil {
		t.Fatalf("tx.Start() error = %v, want nil", err)
	}
	if tx.State() != sip.TransactionStateTerminated {
		t.Fatalf("tx.State() = %q, want %q", tx.State(), sip.TransactionStateTerminated)
	}
	if err, _ := transpErr.Load().(error); !errors.Is(err, sip.ErrTransportFailure) {
		t.Errorf("transport error = %v, want %v", err, sip.ErrTransportFailure)
	}
}

func TestInviteClientTransaction_Cancel(t *testing.T) {
	t.Parallel()

	tx, tp, req := newInviteClientTx(t, "UDP")

	canceled := make(chan struct{})
	tx.OnCanceled(func(context.Context, sip.Transaction) { close(canceled) })

	if err := tx.Start(t.Context()); err != nil {
		t.Fatalf("tx.Start() error = %v, want nil", err)
	}
	tp.waitSendReq(t, 50*time.Millisecond)

	// CANCEL waits for a provisional response
	if err := tx.Cancel(t.Context()); err != nil {
		t.Fatalf("tx.Cancel() error = %v, want nil", err)
	}
	select {
	case <-canceled:
		t.Fatal("CANCEL sent before provisional response")
	case <-time.After(20 * time.Millisecond):
	}

	if err := tx.ProcessResponse(t.Context(), newRes(t, req, sip.ResponseStatusTrying, "")); err != nil {
		t.Fatalf("tx.ProcessResponse(100) error = %v, want nil", err)
	}
	select {
	case <-canceled:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("CANCEL was not sent")
	}

	var cancelReq *sip.Request
	deadline := time.After(100 * time.Millisecond)
	for cancelReq == nil {
		select {
		case call := <-tp.sendReqCh:
			if call.req.Method == sip.RequestMethodCancel {
				cancelReq = call.req
			}
		case <-deadline:
			t.Fatal("CANCEL request not captured")
		}
	}
	if via, _ := cancelReq.Headers.TopVia(); via.Branch() != tx.Branch() {
		t.Errorf("CANCEL branch = %q, want %q", via.Branch(), tx.Branch())
	}
	if cseq, _ := cancelReq.Headers.CSeq(); cseq.Seq != 1 || cseq.Method != sip.RequestMethodCancel {
		t.Errorf("CANCEL CSeq = %v, want 1 CANCEL", cseq)
	}

	// a second Cancel is a no-op
	if err := tx.Cancel(t.Context()); err != nil {
		t.Fatalf("tx.Cancel() error = %v, want nil", err)
	}

	if err := tx.ProcessResponse(t.Context(), newRes(t, req, sip.ResponseStatusRequestTerminated, "to-3")); err != nil {
		t.Fatalf("tx.ProcessResponse(487) error = %v, want nil", err)
	}
	if tx.State() != sip.TransactionStateCompleted {
		t.Errorf("tx.State() = %q, want %q", tx.State(), sip.TransactionStateCompleted)
	}
}

func TestInviteClientTransaction_CancelNotStarted(t *testing.T) {
	t.Parallel()

	tx, tp, _ := newInviteClientTx(t, "UDP")
	if err := tx.Cancel(t.Context()); err != nil {
		t.Fatalf("tx.Cancel() error = %v, want nil", err)
	}
	if tx.State() != sip.TransactionStateTerminated {
		t.Errorf("tx.State() = %q, want %q", tx.State(), sip.TransactionStateTerminated)
	}
	tp.ensureNoSendReq(t, 20*time.Millisecond)
}

func TestInviteClientTransaction_ProcessResponse_NotMatched(t *testing.T) {
	t.Parallel()

	tx, _, _ := newInviteClientTx(t, "UDP")
	other := newInviteReq(t, "UDP", sip.GenerateBranch(), "")

	if err := tx.ProcessResponse(t.Context(), newRes(t, other, sip.ResponseStatusOK, "x")); !errors.Is(err, sip.ErrMessageNotMatched) {
		t.Errorf("tx.ProcessResponse() error = %v, want %v", err, sip.ErrMessageNotMatched)
	}
	if err := tx.ProcessResponse(t.Context(), newRes(t, tx.Request(), sip.ResponseStatusOK, "x")); !errors.Is(err, sip.ErrInvalidState) {
		t.Errorf("tx.ProcessResponse() before start error = %v, want %v", err, sip.ErrInvalidState)
	}
}
