package main

import (
	"context"
	"log/slog"
	"time"

	"braces.dev/errtrace"
	"github.com/spf13/cobra"

	"github.com/ghettovoice/sipstack/internal/log"
	"github.com/ghettovoice/sipstack/sip"
)

func newServeCmd(f *rootFlags) *cobra.Command {
	var ringFor time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer OPTIONS and INVITE requests until interrupted",
		Long: "serve answers OPTIONS with 200, rings on INVITE and answers it with 200 " +
			"establishing a dialog, and ends dialogs on BYE.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := startAgent(cmd.Context(), f)
			if err != nil {
				return errtrace.Wrap(err)
			}
			defer a.close(64 * f.t1)

			srv := &server{stack: a.stack, contact: sip.URI{
				Scheme: "sip",
				Host:   a.tp.LocalAddr().Addr().String(),
				Port:   int(a.tp.LocalAddr().Port()),
			}, ringFor: ringFor}
			a.stack.OnRequestReceived(srv.onRequest)

			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().DurationVar(&ringFor, "ring", time.Second, "time between 180 Ringing and 200 OK")
	return cmd
}

type server struct {
	stack   *sip.Stack
	contact sip.URI
	ringFor time.Duration
}

const allowed = "INVITE, ACK, CANCEL, BYE, OPTIONS"

func (s *server) onRequest(ctx context.Context, e *sip.RequestEvent) {
	logger := log.Default()
	if e.Transaction == nil {
		// ACK outside of a dialog or to a 2xx already confirmed
		logger.LogAttrs(ctx, slog.LevelDebug, "ACK received", slog.Any("request", e.Request))
		return
	}

	switch e.Request.Method {
	case sip.RequestMethodOptions:
		res := s.stack.CreateResponse(e.Request, sip.ResponseStatusOK, "")
		res.Headers.Set("Allow", allowed)
		s.send(ctx, e.Transaction, res)
	case sip.RequestMethodInvite:
		if e.Dialog != nil {
			// re-INVITE, accept as is
			res := s.stack.CreateResponse(e.Request, sip.ResponseStatusOK, "")
			res.Headers.Set("To", e.Request.Headers.Get("To"))
			res.Headers.Set("Contact", sip.NameAddr{URI: s.contact}.String())
			s.send(ctx, e.Transaction, res)
			return
		}
		go s.answer(ctx, e.Transaction)
	default:
		res := s.stack.CreateResponse(e.Request, sip.ResponseStatusMethodNotAllowed, "")
		res.Headers.Set("Allow", allowed)
		s.send(ctx, e.Transaction, res)
	}
}

// answer rings and then accepts the INVITE, the dialog is created on 180.
func (s *server) answer(ctx context.Context, tx sip.ServerTransaction) {
	logger := log.Default()
	req := tx.Request()

	ringing := s.stack.CreateResponse(req, sip.ResponseStatusRinging, "")
	ringing.Headers.Set("Contact", sip.NameAddr{URI: s.contact}.String())
	dlg, err := s.stack.TransactionLayer().GetOrCreateDialog(tx, ringing)
	if err != nil {
		logger.LogAttrs(ctx, slog.LevelWarn, "failed to create dialog", slog.Any("error", err))
		s.send(ctx, tx, s.stack.CreateResponse(req, sip.ResponseStatusServerInternalError, ""))
		return
	}
	dlg.OnStateChanged(func(ctx context.Context, dlg sip.Dialog, from, to sip.DialogState) {
		logger.LogAttrs(ctx, slog.LevelInfo, "dialog state changed",
			slog.Any("dialog", dlg),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
	})
	dlg.OnTerminatedByRemoteParty(func(ctx context.Context, dlg sip.Dialog, _ sip.ServerTransaction, req *sip.Request) {
		logger.LogAttrs(ctx, slog.LevelInfo, "dialog ended by remote party",
			slog.Any("dialog", dlg),
			slog.String("method", req.Method),
		)
	})
	s.send(ctx, tx, ringing)

	select {
	case <-time.After(s.ringFor):
	case <-ctx.Done():
		return
	}
	if st := tx.State(); st != sip.TransactionStateProceeding {
		// canceled meanwhile
		return
	}

	ok := s.stack.CreateResponse(req, sip.ResponseStatusOK, "")
	ok.Headers.Set("To", ringing.Headers.Get("To"))
	ok.Headers.Set("Contact", sip.NameAddr{URI: s.contact}.String())
	ok.Headers.Set("Allow", allowed)
	s.send(ctx, tx, ok)
}

func (*server) send(ctx context.Context, tx sip.ServerTransaction, res *sip.Response) {
	if err := tx.SendResponse(ctx, res); err != nil {
		log.Default().LogAttrs(ctx, slog.LevelWarn, "failed to send response",
			slog.Any("response", res),
			slog.Any("error", err),
		)
	}
}
