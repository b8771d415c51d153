package sip

import (
	"net"
	"strconv"
	"strings"

	"braces.dev/errtrace"
)

// URI is a SIP or SIPS URI (RFC 3261 Section 19.1).
// URIs with other schemes keep everything after the colon in Opaque.
type URI struct {
	Scheme   string
	User     string
	Password string
	Host     string
	Port     int
	Params   Params
	Headers  string
	Opaque   string
}

// ParseURI parses a SIP, SIPS or opaque absolute URI.
func ParseURI(s string) (URI, error) {
	s = strings.TrimSpace(s)
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || scheme == "" || rest == "" {
		return URI{}, errtrace.Wrap(newMalformedError("invalid URI %q", s))
	}

	u := URI{Scheme: strings.ToLower(scheme)}
	if u.Scheme != "sip" && u.Scheme != "sips" {
		u.Opaque = rest
		return u, nil
	}

	if i := strings.IndexByte(rest, '?'); i >= 0 {
		u.Headers = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		userinfo := rest[:i]
		rest = rest[i+1:]
		u.User, u.Password, _ = strings.Cut(userinfo, ":")
	}
	hostport, params, _ := strings.Cut(rest, ";")
	if params != "" {
		u.Params = parseParams(params, ';')
	}

	host, port, err := splitHostPort(hostport)
	if err != nil {
		return URI{}, errtrace.Wrap(newMalformedError("invalid URI %q: %v", s, err))
	}
	u.Host, u.Port = host, port
	return u, nil
}

func splitHostPort(hostport string) (string, int, error) {
	if hostport == "" {
		return "", 0, errtrace.Wrap(newMalformedError("empty host"))
	}
	if strings.HasPrefix(hostport, "[") {
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return "", 0, errtrace.Wrap(newMalformedError("invalid IPv6 reference %q", hostport))
		}
		host, rest := hostport[1:end], hostport[end+1:]
		if rest == "" {
			return host, 0, nil
		}
		if !strings.HasPrefix(rest, ":") {
			return "", 0, errtrace.Wrap(newMalformedError("invalid host %q", hostport))
		}
		port, err := parsePort(rest[1:])
		return host, port, errtrace.Wrap(err)
	}
	host, p, ok := strings.Cut(hostport, ":")
	if !ok {
		return host, 0, nil
	}
	port, err := parsePort(p)
	return host, port, errtrace.Wrap(err)
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return 0, errtrace.Wrap(newMalformedError("invalid port %q", s))
	}
	return port, nil
}

// IsSIP reports whether u is a SIP or SIPS URI.
func (u URI) IsSIP() bool { return u.Scheme == "sip" || u.Scheme == "sips" }

// IsSecure reports whether u is a SIPS URI.
func (u URI) IsSecure() bool { return u.Scheme == "sips" }

// IsLooseRouter reports whether u carries the "lr" parameter.
func (u URI) IsLooseRouter() bool { return u.Params.Has("lr") }

// IsZero reports whether u is the zero value.
func (u URI) IsZero() bool { return u.Scheme == "" }

// HostPort returns the host and the optional port as "host[:port]".
func (u URI) HostPort() string {
	host := u.Host
	if strings.IndexByte(host, ':') >= 0 {
		host = "[" + host + "]"
	}
	if u.Port == 0 {
		return host
	}
	return host + ":" + strconv.Itoa(u.Port)
}

// Transport returns the value of the "transport" parameter in upper case.
func (u URI) Transport() string {
	v, _ := u.Params.Get("transport")
	return strings.ToUpper(v)
}

// RequestURI returns a copy of u without the parameters that are not
// allowed in a Request-URI (RFC 3261 Section 19.1.1, Table 1).
func (u URI) RequestURI() URI {
	out := u.Clone()
	out.Params = out.Params.Del("method").Del("ttl").Del("lr")
	out.Headers = ""
	return out
}

// Clone returns a deep copy of u.
func (u URI) Clone() URI {
	u.Params = u.Params.Clone()
	return u
}

// Equal compares two URIs with the RFC 3261 Section 19.1.4 rules
// reduced to the components used by the stack.
func (u URI) Equal(o URI) bool {
	if u.Scheme != o.Scheme {
		return false
	}
	if !u.IsSIP() {
		return u.Opaque == o.Opaque
	}
	if u.User != o.User || !strings.EqualFold(u.Host, o.Host) || u.Port != o.Port {
		return false
	}
	for _, name := range []string{"transport", "user", "method", "maddr", "ttl"} {
		v1, ok1 := u.Params.Get(name)
		v2, ok2 := o.Params.Get(name)
		if ok1 != ok2 || !strings.EqualFold(v1, v2) {
			return false
		}
	}
	return true
}

func (u URI) String() string {
	var sb strings.Builder
	sb.WriteString(u.Scheme)
	sb.WriteByte(':')
	if !u.IsSIP() {
		sb.WriteString(u.Opaque)
		return sb.String()
	}
	if u.User != "" {
		sb.WriteString(u.User)
		if u.Password != "" {
			sb.WriteByte(':')
			sb.WriteString(u.Password)
		}
		sb.WriteByte('@')
	}
	sb.WriteString(u.HostPort())
	u.Params.writeTo(&sb, ';')
	if u.Headers != "" {
		sb.WriteByte('?')
		sb.WriteString(u.Headers)
	}
	return sb.String()
}

// IsIP reports whether the host part is an IP address literal.
func (u URI) IsIP() bool { return net.ParseIP(u.Host) != nil }
