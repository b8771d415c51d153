package dns

//go:generate errtrace -w .

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
	"github.com/samber/lo"
)

// Lookuper is the set of DNS queries needed for RFC 3263 hop resolution.
// [Resolver] implements it.
type Lookuper interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
	LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error)
	LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error)
}

// Resolver answers A/AAAA and SRV queries with the embedded net.Resolver
// and NAPTR queries with github.com/miekg/dns.
type Resolver struct {
	net.Resolver

	// NameServers are the NAPTR servers, "host" or "host:port", tried in order.
	// If empty, the servers of ResolvConf are used.
	NameServers []string
	// ResolvConf is the resolver config path, /etc/resolv.conf if empty.
	ResolvConf string
	// Timeout is the NAPTR query timeout per server, 5 seconds if zero.
	Timeout time.Duration
}

// LookupIP looks up host addresses, IPv4 addresses are returned in 4-byte form.
func (r *Resolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	ips, err := r.Resolver.LookupIP(ctx, network, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	for i, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			ips[i] = ip4
		}
	}
	return ips, nil
}

// SRV is a single SRV record.
type SRV = net.SRV

// LookupSRV looks up _service._proto.host records sorted by priority and randomized by weight.
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	_, srvs, err := r.Resolver.LookupSRV(ctx, service, proto, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return srvs, nil
}

// NAPTR is a NAPTR record (RFC 3403) as used by RFC 3263 server location.
type NAPTR struct {
	// Order is the processing order, lower first.
	Order uint16
	// Preference orders records of equal Order, lower first.
	Preference uint16
	// Flags is "s" when Replacement names SRV records.
	Flags string
	// Service is e.g. "SIP+D2U", "SIP+D2T", "SIPS+D2T" or "SIP+D2S".
	Service string
	Regexp  string
	// Replacement is the next domain name to query.
	Replacement string
}

var sipServices = map[string]string{
	"SIP+D2U":  "UDP",
	"SIP+D2T":  "TCP",
	"SIPS+D2T": "TLS",
	"SIP+D2S":  "SCTP",
}

// SIPTransport returns the SIP transport of a record pointing to SRV records.
// Records of other services or with other flags report false.
func (rec *NAPTR) SIPTransport() (string, bool) {
	if !strings.EqualFold(rec.Flags, "s") {
		return "", false
	}
	tp, ok := sipServices[strings.ToUpper(rec.Service)]
	return tp, ok
}

// SRVName returns the SRV domain name of the record without the trailing dot.
func (rec *NAPTR) SRVName() string { return strings.TrimSuffix(rec.Replacement, ".") }

// LookupNAPTR queries NAPTR records of the host sorted by order and preference.
// Name servers are tried in turn until one answers.
func (r *Resolver) LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	servers, err := r.nameservers()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(host), dns.TypeNAPTR)
	client := &dns.Client{Timeout: r.timeout()}

	var errs []error
	for _, srv := range servers {
		res, _, err := client.ExchangeContext(ctx, q, srv)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", srv, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return errtrace.Wrap2(naptrAnswer(host, res))
	}
	return nil, errtrace.Wrap(&net.DNSError{
		Err:       errors.Join(errs...).Error(),
		Name:      host,
		Server:    strings.Join(servers, ","),
		IsTimeout: ctx.Err() != nil,
	})
}

func naptrAnswer(host string, res *dns.Msg) ([]*NAPTR, error) {
	if res.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[res.Rcode],
			Name:       host,
			IsNotFound: res.Rcode == dns.RcodeNameError,
		})
	}

	var recs []*NAPTR
	for _, ans := range res.Answer {
		if rr, ok := ans.(*dns.NAPTR); ok {
			recs = append(recs, &NAPTR{
				Order:       rr.Order,
				Preference:  rr.Preference,
				Flags:       rr.Flags,
				Service:     rr.Service,
				Regexp:      rr.Regexp,
				Replacement: rr.Replacement,
			})
		}
	}
	slices.SortStableFunc(recs, func(a, b *NAPTR) int {
		return cmp.Or(cmp.Compare(a.Order, b.Order), cmp.Compare(a.Preference, b.Preference))
	})
	return recs, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameservers() ([]string, error) {
	if len(r.NameServers) > 0 {
		return lo.Map(r.NameServers, func(srv string, _ int) string {
			if _, _, err := net.SplitHostPort(srv); err != nil {
				return net.JoinHostPort(srv, "53")
			}
			return srv
		}), nil
	}

	conf, err := dns.ClientConfigFromFile(r.resolvConf())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return nil, errtrace.Wrap(&net.DNSError{Err: "no DNS servers configured", Name: r.resolvConf()})
	}
	return lo.Map(conf.Servers, func(srv string, _ int) string { return net.JoinHostPort(srv, conf.Port) }), nil
}

func (r *Resolver) resolvConf() string {
	if r.ResolvConf != "" {
		return r.ResolvConf
	}
	return "/etc/resolv.conf"
}

var defResolver = &Resolver{}

// DefaultResolver returns the resolver used when no [Lookuper] is configured.
func DefaultResolver() *Resolver { return defResolver }
