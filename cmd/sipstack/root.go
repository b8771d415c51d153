package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"braces.dev/errtrace"
	"github.com/spf13/cobra"

	"github.com/ghettovoice/sipstack/dns"
	"github.com/ghettovoice/sipstack/internal/log"
	"github.com/ghettovoice/sipstack/sip"
	"github.com/ghettovoice/sipstack/transport"
)

type rootFlags struct {
	listen    string
	advertise string
	t1, t2    time.Duration
	t4        time.Duration
	logFormat string
	logLevel  string
	userAgent string
	user      string
	password  string
	realm     string
}

func newRootCmd() *cobra.Command {
	var f rootFlags

	cmd := &cobra.Command{
		Use:           "sipstack",
		Short:         "sipstack is a small SIP user agent",
		Long:          "sipstack sends and answers SIP requests over UDP using RFC 3261 transactions and dialogs.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), f.logFormat, f.logLevel)
			if err != nil {
				return errtrace.Wrap(err)
			}
			log.SetDefault(logger)
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&f.listen, "listen", "0.0.0.0:0", "local UDP address to bind")
	pf.StringVar(&f.advertise, "advertise", "", "address put into Via and Contact, defaults to the bound address")
	pf.DurationVar(&f.t1, "t1", sip.T1, "RFC 3261 timer T1")
	pf.DurationVar(&f.t2, "t2", sip.T2, "RFC 3261 timer T2")
	pf.DurationVar(&f.t4, "t4", sip.T4, "RFC 3261 timer T4")
	pf.StringVar(&f.logFormat, "log-format", "console", "log format: console, dev or none")
	pf.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	pf.StringVar(&f.userAgent, "user-agent", "sipstack", "User-Agent and Server header value")
	pf.StringVar(&f.user, "user", "", "digest auth username")
	pf.StringVar(&f.password, "password", "", "digest auth password")
	pf.StringVar(&f.realm, "realm", "", "digest auth realm, empty matches any realm")

	cmd.AddCommand(newPingCmd(&f), newServeCmd(&f))
	return cmd
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("invalid log level %q: %w", level, err))
	}
	switch format {
	case "console":
		return log.Console(w, lvl), nil
	case "dev":
		return log.Dev(w, lvl), nil
	case "none":
		return log.Noop, nil
	default:
		return nil, errtrace.Wrap(fmt.Errorf("unknown log format %q", format))
	}
}

// agent is a stack bound to a UDP transport.
type agent struct {
	stack  *sip.Stack
	tp     *transport.UDP
	served chan error
}

func startAgent(ctx context.Context, f *rootFlags) (*agent, error) {
	opts := &transport.Options{Log: log.Default()}
	if f.advertise != "" {
		addr, err := netip.ParseAddrPort(f.advertise)
		if err != nil {
			return nil, errtrace.Wrap(fmt.Errorf("invalid advertised address: %w", err))
		}
		opts.AdvertisedAddr = addr
	}
	tp, err := transport.ListenUDP(ctx, f.listen, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	var creds []sip.Credentials
	if f.user != "" {
		creds = append(creds, sip.Credentials{Realm: f.realm, Username: f.user, Password: f.password})
	}
	stack, err := sip.NewStack(tp, &sip.StackOptions{
		UserAgent: f.userAgent,
		Timings:   sip.NewTimings(f.t1, f.t2, f.t4, 0, 0),
		HopResolver: dns.NewHopResolver(&dns.HopResolverOptions{
			Transports: []string{"UDP"},
			Logger:     log.Default(),
		}),
		Credentials: creds,
		Log:         log.Default(),
	})
	if err != nil {
		tp.Close()
		return nil, errtrace.Wrap(err)
	}

	a := &agent{stack: stack, tp: tp, served: make(chan error, 1)}
	go func() { a.served <- tp.Serve(stack) }()
	log.Default().LogAttrs(ctx, slog.LevelInfo, "listening", slog.Any("local_addr", tp.LocalAddr()))
	return a, nil
}

func (a *agent) close(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.stack.Close(ctx); err != nil {
		log.Default().LogAttrs(ctx, slog.LevelWarn, "stack close failed", slog.Any("error", err))
	}
	a.tp.Close() //nolint:errcheck
	<-a.served
}
