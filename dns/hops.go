package dns

import (
	"cmp"
	"context"
	"log/slog"
	"net/netip"
	"slices"
	"strings"

	"braces.dev/errtrace"
	"github.com/samber/lo"

	"github.com/ghettovoice/sipstack/internal/errorutil"
	"github.com/ghettovoice/sipstack/internal/log"
	"github.com/ghettovoice/sipstack/sip"
)

// Default SIP ports.
const (
	DefaultPort    uint16 = 5060
	DefaultTLSPort uint16 = 5061
)

// HopResolverOptions are the options of [HopResolver].
type HopResolverOptions struct {
	// Lookuper performs DNS queries.
	// If nil, [DefaultResolver] is used.
	Lookuper Lookuper
	// Transports lists the transports the client supports in preference order.
	// If empty, UDP, TCP and TLS are assumed.
	Transports []string
	// Logger is used for debug output.
	// If nil, [log.Default] is used.
	Logger *slog.Logger
}

func (o *HopResolverOptions) lookuper() Lookuper {
	if o == nil || o.Lookuper == nil {
		return DefaultResolver()
	}
	return o.Lookuper
}

func (o *HopResolverOptions) transports() []string {
	if o == nil || len(o.Transports) == 0 {
		return []string{"UDP", "TCP", "TLS"}
	}
	return lo.Map(o.Transports, func(tp string, _ int) string { return strings.ToUpper(tp) })
}

func (o *HopResolverOptions) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// HopResolver locates SIP servers as described in RFC 3263 Section 4.
// It implements [sip.HopResolver].
type HopResolver struct {
	lookup     Lookuper
	transports []string
	log        *slog.Logger
}

// NewHopResolver creates a new hop resolver.
func NewHopResolver(opts *HopResolverOptions) *HopResolver {
	return &HopResolver{
		lookup:     opts.lookuper(),
		transports: opts.transports(),
		log:        opts.logger(),
	}
}

var _ sip.HopResolver = (*HopResolver)(nil)

// ResolveHops returns the ordered list of hops to try for the target URI.
//
// Numeric hosts and explicit ports skip NAPTR and SRV queries. An explicit transport
// parameter skips the NAPTR query. Without NAPTR results SRV records of every supported
// transport are queried, and A/AAAA records of the host are the last resort.
func (r *HopResolver) ResolveHops(ctx context.Context, target sip.URI) ([]sip.Hop, error) {
	if !target.IsSIP() {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("unsupported URI scheme %q", target.Scheme))
	}

	host := target.Host
	if maddr, ok := target.Params.Get("maddr"); ok && maddr != "" {
		host = maddr
	}
	tp := target.Transport()
	if tp != "" && !r.supports(tp) {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(sip.ErrNoHops, "transport %s is not supported", tp))
	}

	hops, err := r.resolve(ctx, host, tp, uint16(target.Port), target.IsSecure()) //nolint:gosec
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	hops = lo.Uniq(hops)
	if len(hops) == 0 {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(sip.ErrNoHops, "no hops found for %s", target))
	}

	r.log.LogAttrs(ctx, slog.LevelDebug, "hops resolved",
		slog.String("target", target.String()),
		slog.Any("hops", hops),
	)
	return hops, nil
}

func (r *HopResolver) resolve(ctx context.Context, host, tp string, port uint16, secure bool) ([]sip.Hop, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		tp = r.fallbackTransport(tp, secure)
		return []sip.Hop{{Addr: netip.AddrPortFrom(addr.Unmap(), orPort(port, tp)), Transport: tp}}, nil
	}

	if port != 0 {
		tp = r.fallbackTransport(tp, secure)
		return errtrace.Wrap2(r.lookupHost(ctx, host, port, tp))
	}

	var hops []sip.Hop
	if tp == "" {
		hops = r.lookupNAPTR(ctx, host, secure)
		if len(hops) == 0 {
			for _, t := range r.transports {
				if secure && t != "TLS" {
					continue
				}
				hops = append(hops, r.lookupSRV(ctx, host, t)...)
			}
		}
	} else {
		hops = r.lookupSRV(ctx, host, tp)
	}
	if len(hops) > 0 {
		return hops, nil
	}

	tp = r.fallbackTransport(tp, secure)
	return errtrace.Wrap2(r.lookupHost(ctx, host, orPort(0, tp), tp))
}

func (r *HopResolver) lookupNAPTR(ctx context.Context, host string, secure bool) []sip.Hop {
	recs, err := r.lookup.LookupNAPTR(ctx, host)
	if err != nil {
		r.log.LogAttrs(ctx, slog.LevelDebug, "NAPTR lookup failed", slog.String("host", host), slog.Any("error", err))
		return nil
	}

	var hops []sip.Hop
	for _, rec := range recs {
		tp, ok := rec.SIPTransport()
		if !ok || !r.supports(tp) || (secure && tp != "TLS") {
			continue
		}
		srvs, err := r.lookup.LookupSRV(ctx, "", "", rec.SRVName())
		if err != nil {
			r.log.LogAttrs(ctx, slog.LevelDebug, "SRV lookup failed",
				slog.String("name", rec.Replacement),
				slog.Any("error", err),
			)
			continue
		}
		hops = append(hops, r.srvHops(ctx, srvs, tp)...)
	}
	return hops
}

func (r *HopResolver) lookupSRV(ctx context.Context, host, tp string) []sip.Hop {
	service, proto := "sip", "udp"
	switch tp {
	case "TCP":
		proto = "tcp"
	case "TLS":
		service, proto = "sips", "tcp"
	case "SCTP":
		proto = "sctp"
	}
	srvs, err := r.lookup.LookupSRV(ctx, service, proto, host)
	if err != nil {
		r.log.LogAttrs(ctx, slog.LevelDebug, "SRV lookup failed",
			slog.String("host", host),
			slog.String("transport", tp),
			slog.Any("error", err),
		)
		return nil
	}
	return r.srvHops(ctx, srvs, tp)
}

func (r *HopResolver) srvHops(ctx context.Context, srvs []*SRV, tp string) []sip.Hop {
	// the resolver already randomized records of equal priority by weight
	srvs = slices.Clone(srvs)
	slices.SortStableFunc(srvs, func(a, b *SRV) int { return cmp.Compare(a.Priority, b.Priority) })

	var hops []sip.Hop
	for _, srv := range srvs {
		if srv.Target == "." {
			continue
		}
		hs, err := r.lookupHost(ctx, strings.TrimSuffix(srv.Target, "."), srv.Port, tp)
		if err != nil {
			continue
		}
		hops = append(hops, hs...)
	}
	return hops
}

func (r *HopResolver) lookupHost(ctx context.Context, host string, port uint16, tp string) ([]sip.Hop, error) {
	ips, err := r.lookup.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(sip.ErrNoHops, err))
	}
	hops := make([]sip.Hop, 0, len(ips))
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		if ap := netip.AddrPortFrom(addr.Unmap(), port); ap.IsValid() {
			hops = append(hops, sip.Hop{Addr: ap, Transport: tp})
		}
	}
	return hops, nil
}

func (r *HopResolver) supports(tp string) bool { return slices.Contains(r.transports, tp) }

func (r *HopResolver) fallbackTransport(tp string, secure bool) string {
	switch {
	case tp != "":
		return tp
	case secure:
		return "TLS"
	case r.supports("UDP"):
		return "UDP"
	default:
		return r.transports[0]
	}
}

func orPort(port uint16, tp string) uint16 {
	switch {
	case port != 0:
		return port
	case tp == "TLS":
		return DefaultTLSPort
	default:
		return DefaultPort
	}
}
