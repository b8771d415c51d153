package sip

import (
	"context"
	"log/slog"
	"strings"

	"braces.dev/errtrace"
)

// ReferDialog is a subscription dialog established by REFER (RFC 3515) or SUBSCRIBE (RFC 6665).
// It terminates after a NOTIFY with "Subscription-State: terminated" or a BYE.
type ReferDialog struct {
	*dialog
}

// NewReferDialog creates the dialog established by the REFER or SUBSCRIBE transaction and its response.
func NewReferDialog(tx Transaction, res *Response, opts *DialogOptions) (*ReferDialog, error) {
	if tx == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transaction"))
	}
	if m := tx.Method(); m != RequestMethodRefer && m != RequestMethodSubscribe {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	dlg := new(ReferDialog)
	base, err := newDialog(dlg, tx, res, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	dlg.dialog = base

	start := DialogStateEarly
	if res.Status.IsSuccessful() {
		start = DialogStateConfirmed
	}
	dlg.initFSM(start)

	dlg.log.LogAttrs(dlg.ctx, slog.LevelDebug, "dialog created", slog.Any("dialog", dlg))

	if clnTx, ok := tx.(ClientTransaction); ok {
		clnTx.OnResponse(dlg.onResponse)
	}
	tx.OnDisposed(dlg.removeTransaction)
	return dlg, nil
}

func (d *ReferDialog) onResponse(ctx context.Context, _ ClientTransaction, res *Response) {
	if res.Status.IsProvisional() {
		return
	}
	to, _ := res.Headers.To()

	d.do(func() error { //nolint:errcheck
		if d.stateUnsafe() != DialogStateEarly {
			return nil
		}
		if res.Status.IsSuccessful() && to.Tag() == d.id.RemoteTag {
			return errtrace.Wrap(d.fire(ctx, dlgEvtConfirm))
		}
		return errtrace.Wrap(d.fire(ctx, dlgEvtTerminate))
	})
}

func (d *ReferDialog) processRequestUnsafe(ctx context.Context, tx ServerTransaction, req *Request) bool {
	switch req.Method {
	case RequestMethodNotify:
		if d.stateUnsafe() == DialogStateEarly {
			// RFC 6665 Section 4.1.2.4: NOTIFY may arrive before the 2xx
			d.fire(ctx, dlgEvtConfirm) //nolint:errcheck
		}
		if !isSubscriptionTerminated(req) {
			return false
		}
		d.emitRequest(tx, req)
		d.fire(ctx, dlgEvtTerminate) //nolint:errcheck
		return true
	case RequestMethodBye:
		d.respond(ctx, tx, req, ResponseStatusOK, "")
		d.emit(func() {
			for fn := range d.onRemoteTerm.All() {
				fn(d.ctx, d, tx, req)
			}
		})
		d.fire(ctx, dlgEvtTerminate) //nolint:errcheck
		return true
	case RequestMethodInvite:
		d.respond(ctx, tx, req, ResponseStatusDecline, "")
		return true
	}
	return false
}

func isSubscriptionTerminated(req *Request) bool {
	state, _, _ := strings.Cut(req.Headers.Get("Subscription-State"), ";")
	return strings.EqualFold(strings.TrimSpace(state), "terminated")
}
