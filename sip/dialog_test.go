package sip_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/mock/gomock"

	"github.com/ghettovoice/sipstack/internal/sipmock"
	"github.com/ghettovoice/sipstack/sip"
)

// newDialogTestLayer creates a layer whose dialogs send requests through the stub transport.
func newDialogTestLayer(t *testing.T) (*sip.TransactionLayer, *stubTransport) {
	t.Helper()
	return newDialogTestLayerWith(t, sip.RequestSenderOptions{})
}

// newDialogTestLayerWith is newDialogTestLayer with credentials and CSeq counter of dialog senders.
func newDialogTestLayerWith(t *testing.T, senderOpts sip.RequestSenderOptions) (*sip.TransactionLayer, *stubTransport) {
	t.Helper()

	ctrl := gomock.NewController(t)
	resolver := sipmock.NewMockHopResolver(ctrl)
	resolver.EXPECT().ResolveHops(gomock.Any(), gomock.Any()).Return(nil, sip.ErrNoHops).AnyTimes()

	tp := newStubTransport()
	var (
		txl *sip.TransactionLayer
		err error
	)
	txl, err = sip.NewTransactionLayer(tp, &sip.TransactionLayerOptions{
		Timings: testTimings,
		NewRequestSender: func(req *sip.Request, flow sip.Flow) (*sip.RequestSender, error) {
			return sip.NewRequestSender(req, flow, &sip.RequestSenderOptions{
				Creator:     txl,
				Transport:   tp,
				HopResolver: resolver,
				Credentials: senderOpts.Credentials,
				ConsumeCSeq: senderOpts.ConsumeCSeq,
			})
		},
	})
	if err != nil {
		t.Fatalf("sip.NewTransactionLayer() error = %v, want nil", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		txl.Close(ctx) //nolint:errcheck
	})
	return txl, tp
}

// newUASDialog receives an INVITE and creates the early dialog with a 180.
func newUASDialog(t *testing.T, txl *sip.TransactionLayer, tp *stubTransport) (sip.ServerTransaction, *sip.InviteDialog, *sip.Request) {
	t.Helper()

	flow := newStubFlow("UDP", "127.0.0.1:5060", "127.0.0.2:5060")
	invite := newInviteReq(t, "UDP", sip.GenerateBranch(), "127.0.0.2:5060")
	invite.Headers.Add("Record-Route", "<sip:p1.example.com;lr>")
	invite.Headers.Add("Record-Route", "<sip:p2.example.com;lr>")

	tx, err := txl.CreateServerTransaction(t.Context(), flow, invite)
	if err != nil {
		t.Fatalf("txl.CreateServerTransaction() error = %v, want nil", err)
	}
	ringing := newRes(t, invite, sip.ResponseStatusRinging, "uas-1")
	ringing.Headers.Set("Contact", "<sip:alice@127.0.0.1:5060>")
	dlg, err := txl.GetOrCreateDialog(tx, ringing)
	if err != nil {
		t.Fatalf("txl.GetOrCreateDialog() error = %v, want nil", err)
	}
	if err := tx.SendResponse(t.Context(), ringing); err != nil {
		t.Fatalf("tx.SendResponse(180) error = %v, want nil", err)
	}
	tp.waitSendRes(t, 50*time.Millisecond)
	return tx, dlg.(*sip.InviteDialog), invite //nolint:forcetypeassert
}

// newInDialogReq builds a request sent by the remote party of a UAS dialog.
func newInDialogReq(tb testing.TB, method string, seq uint32, toTag string) *sip.Request {
	tb.Helper()

	req := newNonInviteReq(tb, "UDP", sip.GenerateBranch(), "127.0.0.2:5060")
	req.Method = method
	req.Headers.SetCSeq(sip.CSeq{Seq: seq, Method: method})
	req.Headers.Set("To", "<sip:alice@alice.voip.com>;tag="+toTag)
	return req
}

// waitSendStatus waits for a response with the status,
// skipping others such as 100 Trying and retransmissions.
func waitSendStatus(tb testing.TB, tp *stubTransport, want sip.ResponseStatus) *sip.Response {
	tb.Helper()

	deadline := time.After(time.Second)
	for {
		select {
		case call := <-tp.sendResCh:
			if call.res.Status == want {
				return call.res
			}
		case <-deadline:
			tb.Fatalf("response %d was not sent", want)
			return nil
		}
	}
}

func waitForDialogState(tb testing.TB, dlg sip.Dialog, want sip.DialogState, timeout time.Duration) {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if dlg.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	tb.Fatalf("dialog state did not reach %q, got %q", want, dlg.State())
}

func routeURIs(tb testing.TB, req *sip.Request) []string {
	tb.Helper()

	routes, err := req.Headers.Routes()
	if err != nil {
		tb.Fatalf("req.Headers.Routes() error = %v", err)
	}
	out := make([]string, 0, len(routes))
	for _, r := range routes {
		out = append(out, r.URI.String())
	}
	return out
}

func TestNewDialog_InvalidArgs(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	flow := newStubFlow("UDP", "127.0.0.1:5060", "127.0.0.2:5060")
	invite := newInviteReq(t, "UDP", sip.GenerateBranch(), "")
	inviteTx, err := sip.NewInviteServerTransaction(invite, flow, tp, &sip.ServerTransactionOptions{
		TransactionOptions: sip.TransactionOptions{Timings: testTimings},
	})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}
	t.Cleanup(inviteTx.Dispose)

	info := newNonInviteReq(t, "UDP", sip.GenerateBranch(), "")
	infoTx, err := sip.NewNonInviteServerTransaction(info, flow, tp, nil)
	if err != nil {
		t.Fatalf("sip.NewNonInviteServerTransaction() error = %v, want nil", err)
	}
	t.Cleanup(infoTx.Dispose)

	noContact := newRes(t, invite, sip.ResponseStatusRinging, "uas-1")
	noReqContact := invite.Clone()
	noReqContact.Headers.Del("Contact")

	cases := []struct {
		name string
		tx   sip.Transaction
		res  *sip.Response
	}{
		{"nil transaction", nil, newRes(t, invite, sip.ResponseStatusOK, "uas-1")},
		{"nil response", inviteTx, nil},
		{"100 Trying", inviteTx, newRes(t, invite, sip.ResponseStatusTrying, "uas-1")},
		{"final failure", inviteTx, newRes(t, invite, sip.ResponseStatusBusyHere, "uas-1")},
		{"missing To tag", inviteTx, newRes(t, invite, sip.ResponseStatusRinging, "")},
		{"INFO transaction", infoTx, newRes(t, info, sip.ResponseStatusOK, "uas-1")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			if _, err := sip.NewDialog(c.tx, c.res, nil); !errors.Is(err, sip.ErrInvalidArgument) {
				t.Errorf("sip.NewDialog() error = %v, want %v", err, sip.ErrInvalidArgument)
			}
		})
	}

	// the UAS remote target comes from the request Contact
	tx, err := sip.NewInviteServerTransaction(noReqContact, flow, tp, nil)
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}
	t.Cleanup(tx.Dispose)
	if _, err := sip.NewInviteDialog(tx, noContact, nil); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Errorf("sip.NewInviteDialog() without Contact error = %v, want %v", err, sip.ErrInvalidArgument)
	}
}

func TestInviteDialog_UAS(t *testing.T) {
	t.Parallel()

	txl, tp := newDialogTestLayer(t)
	tx, dlg, invite := newUASDialog(t, txl, tp)

	if dlg.IsUAC() {
		t.Error("dlg.IsUAC() = true, want false")
	}
	wantID := sip.DialogID{CallID: "call-1234@bob.voip.com", LocalTag: "uas-1", RemoteTag: "from-1234"}
	if diff := cmp.Diff(wantID, dlg.ID()); diff != "" {
		t.Errorf("dlg.ID() mismatch (-want +got):\n%s", diff)
	}
	if got := dlg.RemoteTarget().String(); got != "sip:bob@127.0.0.2:5060" {
		t.Errorf("dlg.RemoteTarget() = %q, want %q", got, "sip:bob@127.0.0.2:5060")
	}
	if dlg.RemoteSeq() != 1 || dlg.LocalSeq() != 0 {
		t.Errorf("dlg seq = local %d remote %d, want local 0 remote 1", dlg.LocalSeq(), dlg.RemoteSeq())
	}
	if dlg.State() != sip.DialogStateEarly {
		t.Fatalf("dlg.State() = %q, want %q", dlg.State(), sip.DialogStateEarly)
	}

	ok := newRes(t, invite, sip.ResponseStatusOK, "uas-1")
	ok.Headers.Set("Contact", "<sip:alice@127.0.0.1:5060>")
	if err := tx.SendResponse(t.Context(), ok); err != nil {
		t.Fatalf("tx.SendResponse(200) error = %v, want nil", err)
	}
	tp.waitSendRes(t, 50*time.Millisecond)
	if dlg.State() != sip.DialogStateEarly {
		t.Fatalf("dlg.State() before ACK = %q, want %q", dlg.State(), sip.DialogStateEarly)
	}

	handled, err := dlg.ProcessRequest(t.Context(), nil, newAckReq(t, invite, ok))
	if err != nil {
		t.Fatalf("dlg.ProcessRequest(ACK) error = %v, want nil", err)
	}
	if handled {
		t.Error("dlg.ProcessRequest(ACK) handled = true, want false")
	}
	if dlg.State() != sip.DialogStateConfirmed {
		t.Fatalf("dlg.State() = %q, want %q", dlg.State(), sip.DialogStateConfirmed)
	}

	info, err := dlg.CreateRequest(sip.RequestMethodInfo)
	if err != nil {
		t.Fatalf("dlg.CreateRequest(INFO) error = %v, want nil", err)
	}
	if got := info.URI.String(); got != "sip:bob@127.0.0.2:5060" {
		t.Errorf("INFO Request-URI = %q, want %q", got, "sip:bob@127.0.0.2:5060")
	}
	if diff := cmp.Diff([]string{"sip:p1.example.com;lr", "sip:p2.example.com;lr"}, routeURIs(t, info)); diff != "" {
		t.Errorf("INFO Route mismatch (-want +got):\n%s", diff)
	}
	if cseq, _ := info.Headers.CSeq(); cseq != (sip.CSeq{Seq: 1, Method: sip.RequestMethodInfo}) {
		t.Errorf("INFO CSeq = %v, want 1 INFO", cseq)
	}
	from, _ := info.Headers.From()
	to, _ := info.Headers.To()
	if from.Tag() != "uas-1" || to.Tag() != "from-1234" {
		t.Errorf("INFO tags = from %q to %q, want from %q to %q", from.Tag(), to.Tag(), "uas-1", "from-1234")
	}
	if info.Headers.CallID() != "call-1234@bob.voip.com" {
		t.Errorf("INFO Call-ID = %q, want %q", info.Headers.CallID(), "call-1234@bob.voip.com")
	}

	ack, err := dlg.CreateRequest(sip.RequestMethodAck)
	if err != nil {
		t.Fatalf("dlg.CreateRequest(ACK) error = %v, want nil", err)
	}
	if cseq, _ := ack.Headers.CSeq(); cseq.Seq != 1 {
		t.Errorf("ACK CSeq = %d, want 1", cseq.Seq)
	}
	if dlg.LocalSeq() != 1 {
		t.Errorf("dlg.LocalSeq() = %d, want 1", dlg.LocalSeq())
	}
}

func TestInviteDialog_ProcessRequest_Order(t *testing.T) {
	t.Parallel()

	txl, tp := newDialogTestLayer(t)
	_, dlg, _ := newUASDialog(t, txl, tp)
	flow := newStubFlow("UDP", "127.0.0.1:5060", "127.0.0.2:5060")

	var received atomic.Int32
	dlg.OnRequestReceived(func(ctx context.Context, d sip.Dialog, _ sip.ServerTransaction, _ *sip.Request) {
		if got, ok := sip.DialogFromContext(ctx); !ok || got != d {
			t.Errorf("sip.DialogFromContext() = %v, %v, want %v, true", got, ok, d)
		}
		received.Add(1)
	})

	info := newInDialogReq(t, sip.RequestMethodInfo, 3, "uas-1")
	tx, err := txl.CreateServerTransaction(t.Context(), flow, info)
	if err != nil {
		t.Fatalf("txl.CreateServerTransaction() error = %v, want nil", err)
	}
	handled, err := dlg.ProcessRequest(t.Context(), tx, info)
	if err != nil || handled {
		t.Fatalf("dlg.ProcessRequest(INFO 3) = %v, %v, want false, nil", handled, err)
	}
	if got := received.Load(); got != 1 {
		t.Errorf("OnRequestReceived calls = %d, want 1", got)
	}
	if dlg.RemoteSeq() != 3 {
		t.Errorf("dlg.RemoteSeq() = %d, want 3", dlg.RemoteSeq())
	}

	old := newInDialogReq(t, sip.RequestMethodInfo, 2, "uas-1")
	oldTx, err := txl.CreateServerTransaction(t.Context(), flow, old)
	if err != nil {
		t.Fatalf("txl.CreateServerTransaction() error = %v, want nil", err)
	}
	handled, err = dlg.ProcessRequest(t.Context(), oldTx, old)
	if err != nil || !handled {
		t.Fatalf("dlg.ProcessRequest(INFO 2) = %v, %v, want true, nil", handled, err)
	}
	waitSendStatus(t, tp, sip.ResponseStatusServerInternalError)
	if got := received.Load(); got != 1 {
		t.Errorf("OnRequestReceived calls = %d, want 1", got)
	}
	if dlg.RemoteSeq() != 3 {
		t.Errorf("dlg.RemoteSeq() = %d, want 3", dlg.RemoteSeq())
	}
}

func TestInviteDialog_RemoteBye(t *testing.T) {
	t.Parallel()

	txl, tp := newDialogTestLayer(t)
	tx, dlg, invite := newUASDialog(t, txl, tp)
	flow := newStubFlow("UDP", "127.0.0.1:5060", "127.0.0.2:5060")

	ok := newRes(t, invite, sip.ResponseStatusOK, "uas-1")
	if err := tx.SendResponse(t.Context(), ok); err != nil {
		t.Fatalf("tx.SendResponse(200) error = %v, want nil", err)
	}
	tp.waitSendRes(t, 50*time.Millisecond)
	if _, err := dlg.ProcessRequest(t.Context(), nil, newAckReq(t, invite, ok)); err != nil {
		t.Fatalf("dlg.ProcessRequest(ACK) error = %v, want nil", err)
	}

	var (
		mu     sync.Mutex
		states []sip.DialogState
	)
	dlg.OnStateChanged(func(_ context.Context, _ sip.Dialog, _, to sip.DialogState) {
		mu.Lock()
		states = append(states, to)
		mu.Unlock()
	})
	var byRemote atomic.Bool
	dlg.OnTerminatedByRemoteParty(func(context.Context, sip.Dialog, sip.ServerTransaction, *sip.Request) {
		byRemote.Store(true)
	})

	bye := newInDialogReq(t, sip.RequestMethodBye, 2, "uas-1")
	byeTx, err := txl.CreateServerTransaction(t.Context(), flow, bye)
	if err != nil {
		t.Fatalf("txl.CreateServerTransaction() error = %v, want nil", err)
	}
	handled, err := dlg.ProcessRequest(t.Context(), byeTx, bye)
	if err != nil || !handled {
		t.Fatalf("dlg.ProcessRequest(BYE) = %v, %v, want true, nil", handled, err)
	}
	waitSendStatus(t, tp, sip.ResponseStatusOK)

	waitForDialogState(t, dlg, sip.DialogStateDisposed, 100*time.Millisecond)
	if !byRemote.Load() {
		t.Error("OnTerminatedByRemoteParty was not called")
	}
	if !dlg.IsTerminatedByRemoteParty() {
		t.Error("dlg.IsTerminatedByRemoteParty() = false, want true")
	}
	mu.Lock()
	got := slices.Clone(states)
	mu.Unlock()
	if want := []sip.DialogState{sip.DialogStateTerminated, sip.DialogStateDisposed}; !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if _, ok := txl.MatchDialog(bye); ok {
		t.Error("terminated dialog is still registered")
	}
	if _, err := dlg.CreateRequest(sip.RequestMethodInfo); !errors.Is(err, sip.ErrDisposed) {
		t.Errorf("dlg.CreateRequest() after dispose error = %v, want %v", err, sip.ErrDisposed)
	}
}

func TestInviteDialog_PendingInvite(t *testing.T) {
	t.Parallel()

	txl, tp := newDialogTestLayer(t)
	_, dlg, _ := newUASDialog(t, txl, tp)
	flow := newStubFlow("UDP", "127.0.0.1:5060", "127.0.0.2:5060")

	if !dlg.HasPendingInvite() {
		t.Fatal("dlg.HasPendingInvite() = false, want true")
	}

	reinvite := newInviteReq(t, "UDP", sip.GenerateBranch(), "127.0.0.2:5060")
	reinvite.Headers.SetCSeq(sip.CSeq{Seq: 2, Method: sip.RequestMethodInvite})
	reinvite.Headers.Set("To", "<sip:alice@alice.voip.com>;tag=uas-1")
	reTx, err := txl.CreateServerTransaction(t.Context(), flow, reinvite)
	if err != nil {
		t.Fatalf("txl.CreateServerTransaction() error = %v, want nil", err)
	}
	handled, err := dlg.ProcessRequest(t.Context(), reTx, reinvite)
	if err != nil || !handled {
		t.Fatalf("dlg.ProcessRequest(re-INVITE) = %v, %v, want true, nil", handled, err)
	}
	waitSendStatus(t, tp, sip.ResponseStatusRequestPending)

	subscribe := newInDialogReq(t, sip.RequestMethodSubscribe, 3, "uas-1")
	subTx, err := txl.CreateServerTransaction(t.Context(), flow, subscribe)
	if err != nil {
		t.Fatalf("txl.CreateServerTransaction() error = %v, want nil", err)
	}
	handled, err = dlg.ProcessRequest(t.Context(), subTx, subscribe)
	if err != nil || !handled {
		t.Fatalf("dlg.ProcessRequest(SUBSCRIBE) = %v, %v, want true, nil", handled, err)
	}
	waitSendStatus(t, tp, sip.ResponseStatusDecline)
}

func TestInviteDialog_UAC_StrictRoute(t *testing.T) {
	t.Parallel()

	tp := newStubTransport()
	flow := newStubFlow("UDP", "127.0.0.1:5060", "127.0.0.2:5060")
	invite := newInviteReq(t, "UDP", sip.GenerateBranch(), "127.0.0.1:5060")
	tx, err := sip.NewInviteClientTransaction(invite, flow, tp, nil)
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	t.Cleanup(tx.Dispose)

	ok := newRes(t, invite, sip.ResponseStatusOK, "uas-2")
	ok.Headers.Set("Contact", "<sip:alice@10.0.0.1:5070>")
	ok.Headers.Add("Record-Route", "<sip:p2.example.com;lr>")
	ok.Headers.Add("Record-Route", "<sip:p1.example.com>")

	dlg, err := sip.NewInviteDialog(tx, ok, nil)
	if err != nil {
		t.Fatalf("sip.NewInviteDialog() error = %v, want nil", err)
	}
	t.Cleanup(dlg.Dispose)

	if !dlg.IsUAC() || dlg.State() != sip.DialogStateConfirmed {
		t.Fatalf("dlg = uac %v state %q, want uac true state %q", dlg.IsUAC(), dlg.State(), sip.DialogStateConfirmed)
	}
	if dlg.LocalTag() != "from-1234" || dlg.RemoteTag() != "uas-2" {
		t.Errorf("dlg tags = local %q remote %q, want local %q remote %q", dlg.LocalTag(), dlg.RemoteTag(), "from-1234", "uas-2")
	}

	bye, err := dlg.CreateRequest(sip.RequestMethodBye)
	if err != nil {
		t.Fatalf("dlg.CreateRequest(BYE) error = %v, want nil", err)
	}
	if got := bye.URI.String(); got != "sip:p1.example.com" {
		t.Errorf("BYE Request-URI = %q, want %q", got, "sip:p1.example.com")
	}
	if diff := cmp.Diff([]string{"sip:p2.example.com;lr", "sip:alice@10.0.0.1:5070"}, routeURIs(t, bye)); diff != "" {
		t.Errorf("BYE Route mismatch (-want +got):\n%s", diff)
	}
	if cseq, _ := bye.Headers.CSeq(); cseq != (sip.CSeq{Seq: 2, Method: sip.RequestMethodBye}) {
		t.Errorf("BYE CSeq = %v, want 2 BYE", cseq)
	}

	if _, err := dlg.CreateRequestSender(bye); !errors.Is(err, sip.ErrInvalidState) {
		t.Errorf("dlg.CreateRequestSender() without factory error = %v, want %v", err, sip.ErrInvalidState)
	}
}

func TestInviteDialog_UAC_Terminate(t *testing.T) {
	t.Parallel()

	txl, tp := newDialogTestLayer(t)
	flow := newStubFlow("UDP", "127.0.0.1:5060", "127.0.0.2:5060")
	invite := newInviteReq(t, "UDP", sip.GenerateBranch(), "127.0.0.1:5060")

	tx, err := txl.CreateClientTransaction(t.Context(), flow, invite)
	if err != nil {
		t.Fatalf("txl.CreateClientTransaction() error = %v, want nil", err)
	}
	if err := tx.Start(t.Context()); err != nil {
		t.Fatalf("tx.Start() error = %v, want nil", err)
	}

	ringing := newRes(t, invite, sip.ResponseStatusRinging, "uas-3")
	ringing.Headers.Set("Contact", "<sip:alice@127.0.0.2:5060>")
	if err := tx.ProcessResponse(t.Context(), ringing); err != nil {
		t.Fatalf("tx.ProcessResponse(180) error = %v, want nil", err)
	}
	dlg, err := txl.GetOrCreateDialog(tx, ringing)
	if err != nil {
		t.Fatalf("txl.GetOrCreateDialog() error = %v, want nil", err)
	}
	if dlg.State() != sip.DialogStateEarly {
		t.Fatalf("dlg.State() = %q, want %q", dlg.State(), sip.DialogStateEarly)
	}

	// 2xx of another fork does not confirm the dialog
	forked := newRes(t, invite, sip.ResponseStatusOK, "uas-other")
	forked.Headers.Set("Contact", "<sip:carol@127.0.0.3:5060>")
	if err := tx.ProcessResponse(t.Context(), forked); err != nil {
		t.Fatalf("tx.ProcessResponse(200 fork) error = %v, want nil", err)
	}
	if dlg.State() != sip.DialogStateEarly {
		t.Fatalf("dlg.State() after fork 2xx = %q, want %q", dlg.State(), sip.DialogStateEarly)
	}

	ok := newRes(t, invite, sip.ResponseStatusOK, "uas-3")
	ok.Headers.Set("Contact", "<sip:alice@127.0.0.2:5080>")
	if err := tx.ProcessResponse(t.Context(), ok); err != nil {
		t.Fatalf("tx.ProcessResponse(200) error = %v, want nil", err)
	}
	if dlg.State() != sip.DialogStateConfirmed {
		t.Fatalf("dlg.State() = %q, want %q", dlg.State(), sip.DialogStateConfirmed)
	}
	if got := dlg.RemoteTarget().String(); got != "sip:alice@127.0.0.2:5080" {
		t.Errorf("dlg.RemoteTarget() = %q, want %q", got, "sip:alice@127.0.0.2:5080")
	}
	tp.drainSendReqs()

	if err := dlg.Terminate(t.Context(), "done", true); err != nil {
		t.Fatalf("dlg.Terminate() error = %v, want nil", err)
	}
	if dlg.State() != sip.DialogStateTerminating {
		t.Fatalf("dlg.State() = %q, want %q", dlg.State(), sip.DialogStateTerminating)
	}

	call := tp.waitSendReq(t, 100*time.Millisecond)
	bye := call.req
	if bye.Method != sip.RequestMethodBye {
		t.Fatalf("sent request method = %q, want BYE", bye.Method)
	}
	if call.flow != flow {
		t.Errorf("BYE sent over flow %v, want dialog flow %v", call.flow.ID(), flow.ID())
	}
	if got := bye.Headers.Get("Reason"); !strings.Contains(got, `text="done"`) {
		t.Errorf("BYE Reason = %q, want text=\"done\"", got)
	}
	if cseq, _ := bye.Headers.CSeq(); cseq != (sip.CSeq{Seq: 2, Method: sip.RequestMethodBye}) {
		t.Errorf("BYE CSeq = %v, want 2 BYE", cseq)
	}

	byeRes := newRes(t, bye, sip.ResponseStatusOK, "")
	byeTx, found := txl.MatchClientTransaction(byeRes)
	if !found {
		t.Fatal("BYE client transaction is not registered")
	}
	if err := byeTx.ProcessResponse(t.Context(), byeRes); err != nil {
		t.Fatalf("byeTx.ProcessResponse(200) error = %v, want nil", err)
	}
	waitForDialogState(t, dlg, sip.DialogStateDisposed, 100*time.Millisecond)

	// terminating twice is a no-op, disposed dialogs refuse
	if err := dlg.Terminate(t.Context(), "", true); !errors.Is(err, sip.ErrDisposed) {
		t.Errorf("dlg.Terminate() after dispose error = %v, want %v", err, sip.ErrDisposed)
	}
}

func TestInviteDialog_AuthorizedRequestCSeq(t *testing.T) {
	t.Parallel()

	txl, tp := newDialogTestLayerWith(t, sip.RequestSenderOptions{
		Credentials: []sip.Credentials{{Realm: "example.com", Username: "bob", Password: "secret"}},
		ConsumeCSeq: func() uint32 { return 1 },
	})
	flow := newStubFlow("UDP", "127.0.0.1:5060", "127.0.0.2:5060")
	invite := newInviteReq(t, "UDP", sip.GenerateBranch(), "127.0.0.1:5060")

	tx, err := txl.CreateClientTransaction(t.Context(), flow, invite)
	if err != nil {
		t.Fatalf("txl.CreateClientTransaction() error = %v, want nil", err)
	}
	if err := tx.Start(t.Context()); err != nil {
		t.Fatalf("tx.Start() error = %v, want nil", err)
	}
	ok := newRes(t, invite, sip.ResponseStatusOK, "uas-5")
	ok.Headers.Set("Contact", "<sip:alice@127.0.0.2:5060>")
	if err := tx.ProcessResponse(t.Context(), ok); err != nil {
		t.Fatalf("tx.ProcessResponse(200) error = %v, want nil", err)
	}
	dlg, err := txl.GetOrCreateDialog(tx, ok)
	if err != nil {
		t.Fatalf("txl.GetOrCreateDialog() error = %v, want nil", err)
	}
	tp.drainSendReqs()

	// move the local sequence ahead of the counter
	for range 5 {
		if _, err := dlg.CreateRequest(sip.RequestMethodInfo); err != nil {
			t.Fatalf("dlg.CreateRequest(INFO) error = %v, want nil", err)
		}
	}
	bye, err := dlg.CreateRequest(sip.RequestMethodBye)
	if err != nil {
		t.Fatalf("dlg.CreateRequest(BYE) error = %v, want nil", err)
	}
	orig, _ := bye.Headers.CSeq()
	sender, err := dlg.CreateRequestSender(bye)
	if err != nil {
		t.Fatalf("dlg.CreateRequestSender() error = %v, want nil", err)
	}
	t.Cleanup(sender.Dispose)
	if err := sender.Start(t.Context()); err != nil {
		t.Fatalf("sender.Start() error = %v, want nil", err)
	}

	first := tp.waitSendReq(t, 50*time.Millisecond).req
	challenge := newRes(t, first, sip.ResponseStatusUnauthorized, "uas-5")
	challenge.Headers.Set("WWW-Authenticate", `Digest realm="example.com", nonce="abc123", algorithm=MD5`)
	byeTx, found := txl.MatchClientTransaction(challenge)
	if !found {
		t.Fatal("txl.MatchClientTransaction() ok = false, want true")
	}
	if err := byeTx.ProcessResponse(t.Context(), challenge); err != nil {
		t.Fatalf("byeTx.ProcessResponse(401) error = %v, want nil", err)
	}

	retry := tp.waitSendReq(t, 50*time.Millisecond).req
	if !retry.Headers.Has("Authorization") {
		t.Fatal("retried BYE has no Authorization header")
	}
	got, _ := retry.Headers.CSeq()
	if got != (sip.CSeq{Seq: orig.Seq + 1, Method: sip.RequestMethodBye}) {
		t.Errorf("retried BYE CSeq = %v, want %d BYE", got, orig.Seq+1)
	}
	if dlg.LocalSeq() != got.Seq {
		t.Errorf("dlg.LocalSeq() = %d, want %d", dlg.LocalSeq(), got.Seq)
	}
	next, err := dlg.CreateRequest(sip.RequestMethodInfo)
	if err != nil {
		t.Fatalf("dlg.CreateRequest(INFO) error = %v, want nil", err)
	}
	if cseq, _ := next.Headers.CSeq(); cseq.Seq <= got.Seq {
		t.Errorf("next in-dialog CSeq = %d, want greater than %d", cseq.Seq, got.Seq)
	}
}

func TestInviteDialog_UAS_TerminateEarly(t *testing.T) {
	t.Parallel()

	txl, tp := newDialogTestLayer(t)
	tx, dlg, _ := newUASDialog(t, txl, tp)

	if err := dlg.Terminate(t.Context(), "", true); err != nil {
		t.Fatalf("dlg.Terminate() error = %v, want nil", err)
	}
	waitSendStatus(t, tp, sip.ResponseStatusRequestTimeout)
	waitForDialogState(t, dlg, sip.DialogStateDisposed, 100*time.Millisecond)
	if tx.State() != sip.TransactionStateCompleted {
		t.Errorf("tx.State() = %q, want %q", tx.State(), sip.TransactionStateCompleted)
	}
	tp.ensureNoSendReq(t, 20*time.Millisecond)
}

func TestInviteDialog_UAS_AckTimeout(t *testing.T) {
	t.Parallel()

	txl, tp := newDialogTestLayer(t)
	tx, dlg, invite := newUASDialog(t, txl, tp)

	ok := newRes(t, invite, sip.ResponseStatusOK, "uas-1")
	if err := tx.SendResponse(t.Context(), ok); err != nil {
		t.Fatalf("tx.SendResponse(200) error = %v, want nil", err)
	}

	// timer L ends the transaction, the dialog is confirmed and closed with BYE
	bye := tp.waitSendReq(t, 2*time.Second).req
	if bye.Method != sip.RequestMethodBye {
		t.Fatalf("sent request method = %q, want BYE", bye.Method)
	}
	if got := bye.Headers.Get("Reason"); !strings.Contains(got, "ACK was not received") {
		t.Errorf("BYE Reason = %q, want ACK timeout reason", got)
	}
	if dlg.State() != sip.DialogStateTerminating {
		t.Errorf("dlg.State() = %q, want %q", dlg.State(), sip.DialogStateTerminating)
	}
}

func TestReferDialog(t *testing.T) {
	t.Parallel()

	txl, tp := newDialogTestLayer(t)
	flow := newStubFlow("UDP", "127.0.0.1:5060", "127.0.0.2:5060")

	refer := newNonInviteReq(t, "UDP", sip.GenerateBranch(), "127.0.0.1:5060")
	refer.Method = sip.RequestMethodRefer
	refer.Headers.SetCSeq(sip.CSeq{Seq: 1, Method: sip.RequestMethodRefer})
	refer.Headers.Set("Contact", "<sip:bob@127.0.0.1:5060>")
	refer.Headers.Set("Refer-To", "<sip:carol@carol.voip.com>")

	tx, err := txl.CreateClientTransaction(t.Context(), flow, refer)
	if err != nil {
		t.Fatalf("txl.CreateClientTransaction() error = %v, want nil", err)
	}
	if err := tx.Start(t.Context()); err != nil {
		t.Fatalf("tx.Start() error = %v, want nil", err)
	}
	tp.waitSendReq(t, 50*time.Millisecond)

	accepted := newRes(t, refer, sip.ResponseStatusAccepted, "uas-r")
	accepted.Headers.Set("Contact", "<sip:alice@127.0.0.2:5060>")
	dlg, err := txl.GetOrCreateDialog(tx, accepted)
	if err != nil {
		t.Fatalf("txl.GetOrCreateDialog() error = %v, want nil", err)
	}
	if _, ok := dlg.(*sip.ReferDialog); !ok {
		t.Fatalf("dialog type = %T, want *sip.ReferDialog", dlg)
	}
	if dlg.State() != sip.DialogStateConfirmed {
		t.Fatalf("dlg.State() = %q, want %q", dlg.State(), sip.DialogStateConfirmed)
	}
	if err := tx.ProcessResponse(t.Context(), accepted); err != nil {
		t.Fatalf("tx.ProcessResponse(202) error = %v, want nil", err)
	}

	var notifies atomic.Int32
	dlg.OnRequestReceived(func(context.Context, sip.Dialog, sip.ServerTransaction, *sip.Request) {
		notifies.Add(1)
	})

	newNotify := func(seq uint32, state string) *sip.Request {
		req := newNonInviteReq(t, "UDP", sip.GenerateBranch(), "127.0.0.2:5060")
		req.Method = sip.RequestMethodNotify
		req.Headers.SetCSeq(sip.CSeq{Seq: seq, Method: sip.RequestMethodNotify})
		req.Headers.Set("From", "<sip:alice@alice.voip.com>;tag=uas-r")
		req.Headers.Set("To", "<sip:bob@bob.voip.com>;tag=from-1234")
		req.Headers.Set("Event", "refer")
		req.Headers.Set("Subscription-State", state)
		return req
	}

	active := newNotify(1, "active;expires=60")
	if got, ok := txl.MatchDialog(active); !ok || got != dlg {
		t.Fatalf("txl.MatchDialog(NOTIFY) = %v, %v, want dlg, true", got, ok)
	}
	activeTx, err := txl.CreateServerTransaction(t.Context(), flow, active)
	if err != nil {
		t.Fatalf("txl.CreateServerTransaction() error = %v, want nil", err)
	}
	handled, err := dlg.ProcessRequest(t.Context(), activeTx, active)
	if err != nil || handled {
		t.Fatalf("dlg.ProcessRequest(NOTIFY active) = %v, %v, want false, nil", handled, err)
	}

	final := newNotify(2, "terminated;reason=noresource")
	finalTx, err := txl.CreateServerTransaction(t.Context(), flow, final)
	if err != nil {
		t.Fatalf("txl.CreateServerTransaction() error = %v, want nil", err)
	}
	handled, err = dlg.ProcessRequest(t.Context(), finalTx, final)
	if err != nil || !handled {
		t.Fatalf("dlg.ProcessRequest(NOTIFY terminated) = %v, %v, want true, nil", handled, err)
	}
	if got := notifies.Load(); got != 2 {
		t.Errorf("OnRequestReceived calls = %d, want 2", got)
	}
	waitForDialogState(t, dlg, sip.DialogStateDisposed, 100*time.Millisecond)
}
