package sip

import (
	"context"
	"log/slog"
	"slices"

	"braces.dev/errtrace"
	"github.com/samber/lo"
)

// InviteDialog is a dialog established by INVITE.
//
// The dialog tracks the INVITE transaction that created it. While the dialog is early,
// losing this transaction terminates the dialog, or, when a 2xx was sent and the ACK never
// arrived, confirms the dialog and immediately ends it with BYE.
type InviteDialog struct {
	*dialog
	active     Transaction
	remoteTerm bool
	byeSent    bool
	reason     string
}

const inviteAckTimeoutReason = "ACK was not received for initial INVITE 2xx response"

// NewInviteDialog creates the dialog established by the INVITE transaction and its 1xx or 2xx response.
// Dialogs created by 2xx on the UAC side start confirmed, all others start early.
func NewInviteDialog(tx Transaction, res *Response, opts *DialogOptions) (*InviteDialog, error) {
	if tx == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transaction"))
	}
	if tx.Method() != RequestMethodInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	dlg := new(InviteDialog)
	base, err := newDialog(dlg, tx, res, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	dlg.dialog = base

	start := DialogStateEarly
	if dlg.uac && res.Status.IsSuccessful() {
		start = DialogStateConfirmed
	}
	dlg.initFSM(start)
	dlg.active = tx

	dlg.log.LogAttrs(dlg.ctx, slog.LevelDebug, "dialog created", slog.Any("dialog", dlg))

	if clnTx, ok := tx.(ClientTransaction); ok {
		clnTx.OnResponse(dlg.onInviteResponse)
	}
	tx.OnStateChanged(dlg.onInviteStateChanged)
	tx.OnDisposed(dlg.removeTransaction)
	return dlg, nil
}

// onInviteResponse confirms an early UAC dialog on 2xx carrying the dialog remote tag.
// 2xx from other forks and failure responses leave the dialog to the transaction termination handler.
func (d *InviteDialog) onInviteResponse(ctx context.Context, _ ClientTransaction, res *Response) {
	if !res.Status.IsSuccessful() {
		return
	}
	to, _ := res.Headers.To()
	if to.Tag() != d.id.RemoteTag {
		return
	}

	d.do(func() error { //nolint:errcheck
		if d.stateUnsafe() != DialogStateEarly {
			return nil
		}
		// RFC 3261 Section 12.1.2: the route set and the target are recomputed from 2xx
		if rr, err := res.Headers.RecordRoutes(); err == nil {
			d.routeSet = lo.Reverse(rr)
		}
		if c, ok := res.Headers.Contact(); ok {
			d.target = c.URI
		}
		return errtrace.Wrap(d.fire(ctx, dlgEvtConfirm))
	})
}

func (d *InviteDialog) onInviteStateChanged(ctx context.Context, tx Transaction, _, to TransactionState) {
	if to != TransactionStateTerminated {
		return
	}

	final := tx.FinalResponse()
	d.do(func() error { //nolint:errcheck
		if d.active != tx {
			return nil
		}
		d.active = nil

		switch d.stateUnsafe() {
		case DialogStateEarly:
			if final != nil && final.Status.IsSuccessful() && !d.uac {
				if err := d.fire(ctx, dlgEvtConfirm); err != nil {
					return errtrace.Wrap(err)
				}
				return errtrace.Wrap(d.terminateUnsafe(ctx, inviteAckTimeoutReason, true))
			}
			return errtrace.Wrap(d.fire(ctx, dlgEvtTerminate))
		case DialogStateTerminating:
			if d.byeSent {
				return nil
			}
			// early UAS waiting for the ACK before BYE
			if final == nil || !final.Status.IsSuccessful() {
				return errtrace.Wrap(d.fire(ctx, dlgEvtTerminate))
			}
			if err := d.fire(ctx, dlgEvtConfirm); err != nil {
				return errtrace.Wrap(err)
			}
			return errtrace.Wrap(d.terminateUnsafe(ctx, d.reason, true))
		}
		return nil
	})
}

// HasPendingInvite reports whether an INVITE transaction bound to the dialog is still in progress.
func (d *InviteDialog) HasPendingInvite() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasPendingInviteUnsafe(nil)
}

func (d *InviteDialog) hasPendingInviteUnsafe(except Transaction) bool {
	return slices.ContainsFunc(d.txs, func(tx Transaction) bool {
		if tx == except || tx.Method() != RequestMethodInvite {
			return false
		}
		switch tx.State() {
		case TransactionStateCalling, TransactionStateProceeding:
			return true
		}
		return false
	})
}

// IsTerminatedByRemoteParty reports whether the dialog was ended by a BYE from the remote party.
func (d *InviteDialog) IsTerminatedByRemoteParty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteTerm
}

func (d *InviteDialog) processRequestUnsafe(ctx context.Context, tx ServerTransaction, req *Request) bool {
	switch req.Method {
	case RequestMethodAck:
		switch d.stateUnsafe() {
		case DialogStateEarly:
			d.fire(ctx, dlgEvtConfirm) //nolint:errcheck
		case DialogStateTerminating:
			if !d.byeSent {
				d.fire(ctx, dlgEvtConfirm)             //nolint:errcheck
				d.terminateUnsafe(ctx, d.reason, true) //nolint:errcheck
			}
		}
		return false
	case RequestMethodBye:
		d.respond(ctx, tx, req, ResponseStatusOK, "")
		d.remoteTerm = true
		d.emit(func() {
			for fn := range d.onRemoteTerm.All() {
				fn(d.ctx, d, tx, req)
			}
		})
		d.fire(ctx, dlgEvtTerminate) //nolint:errcheck
		return true
	case RequestMethodInvite:
		if d.hasPendingInviteUnsafe(tx) {
			d.respond(ctx, tx, req, ResponseStatusRequestPending, "")
			return true
		}
		return false
	}
	if IsDialogEstablishingMethod(req.Method) {
		// RFC 5057 Section 5.6
		d.respond(ctx, tx, req, ResponseStatusDecline, "")
		return true
	}
	return false
}

// ProcessResponse confirms an early UAC dialog on a 2xx retransmission arriving
// after the INVITE transaction was gone.
func (d *InviteDialog) ProcessResponse(ctx context.Context, res *Response) (bool, error) {
	if res == nil {
		return false, errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}
	cseq, _ := res.Headers.CSeq()

	var handled bool
	err := d.do(func() error {
		if d.disposed {
			return errtrace.Wrap(ErrDisposed)
		}
		if !d.uac || cseq.Method != RequestMethodInvite || !res.Status.IsSuccessful() {
			return nil
		}
		handled = true
		if d.stateUnsafe() == DialogStateEarly {
			return errtrace.Wrap(d.fire(ctx, dlgEvtConfirm))
		}
		return nil
	})
	return handled, errtrace.Wrap(err)
}

func (d *InviteDialog) terminateUnsafe(ctx context.Context, reason string, sendBye bool) error {
	state := d.stateUnsafe()
	switch state {
	case DialogStateTerminating, DialogStateTerminated, DialogStateDisposed:
		return nil
	}
	if reason != "" {
		d.reason = reason
	}
	if !sendBye {
		return errtrace.Wrap(d.fire(ctx, dlgEvtTerminate))
	}

	if state == DialogStateConfirmed || d.uac {
		d.byeSent = true
		return errtrace.Wrap(d.sendByeUnsafe(ctx, reason))
	}

	// early UAS: reject the own INVITE if it is still unanswered,
	// otherwise wait for the ACK or the transaction timeout
	if srvTx, ok := d.active.(ServerTransaction); ok && srvTx.FinalResponse() == nil {
		req := srvTx.Request()
		d.respond(ctx, srvTx, req, ResponseStatusRequestTimeout, "")
		return errtrace.Wrap(d.fire(ctx, dlgEvtTerminate))
	}
	return errtrace.Wrap(d.fire(ctx, dlgEvtTerminating))
}
