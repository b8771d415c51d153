// Command sipstack is a small SIP user agent built on the sipstack packages.
//
// Usage:
//
//	sipstack ping sip:bob@example.com
//	sipstack serve --listen 0.0.0.0:5060
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
