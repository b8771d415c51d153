package main

import (
	"context"
	"fmt"
	"time"

	"braces.dev/errtrace"
	"github.com/spf13/cobra"

	"github.com/ghettovoice/sipstack/sip"
)

func newPingCmd(f *rootFlags) *cobra.Command {
	var from string

	cmd := &cobra.Command{
		Use:   "ping <uri>",
		Short: "Send OPTIONS to the URI and print the final response status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := sip.ParseNameAddr(args[0])
			if err != nil {
				return errtrace.Wrap(err)
			}
			fromAddr, err := sip.ParseNameAddr(from)
			if err != nil {
				return errtrace.Wrap(err)
			}

			a, err := startAgent(cmd.Context(), f)
			if err != nil {
				return errtrace.Wrap(err)
			}
			defer a.close(2 * f.t4)

			res, err := ping(cmd.Context(), a.stack, a.stack.CreateRequest(sip.RequestMethodOptions, to, fromAddr))
			if err != nil {
				return errtrace.Wrap(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", res.Status, res.Reason)
			if !res.Status.IsSuccessful() {
				return errtrace.Wrap(fmt.Errorf("request failed with %d %s", res.Status, res.Reason))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "sip:sipstack@localhost", "From URI")
	return cmd
}

func ping(ctx context.Context, stack *sip.Stack, req *sip.Request) (*sip.Response, error) {
	sender, err := stack.NewRequestSender(req, nil)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	defer sender.Dispose()

	done := make(chan *sip.Response, 1)
	sender.OnResponse(func(_ context.Context, _ *sip.RequestSender, res *sip.Response) {
		if res.Status.IsFinal() {
			select {
			case done <- res:
			default:
			}
		}
	})
	if err := sender.Start(ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}

	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return nil, errtrace.Wrap(ctx.Err())
	case <-time.After(time.Minute):
		return nil, errtrace.Wrap(sip.ErrTransactionTimedOut)
	}
}
