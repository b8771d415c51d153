package sip

import (
	"iter"
	"slices"
	"strconv"
	"strings"

	"braces.dev/errtrace"
)

// Header is a single raw header field.
type Header struct {
	Name, Value string
}

// Headers is an ordered list of header fields.
// Names are stored in canonical form, see [CanonicalHeaderName].
// The zero value is an empty header list ready to use.
type Headers struct {
	list []Header
}

var compactHeaderNames = map[string]string{
	"a": "Accept-Contact",
	"b": "Referred-By",
	"c": "Content-Type",
	"e": "Content-Encoding",
	"f": "From",
	"i": "Call-ID",
	"k": "Supported",
	"l": "Content-Length",
	"m": "Contact",
	"o": "Event",
	"r": "Refer-To",
	"s": "Subject",
	"t": "To",
	"u": "Allow-Events",
	"v": "Via",
}

var knownHeaderNames = map[string]string{
	"call-id":             "Call-ID",
	"cseq":                "CSeq",
	"www-authenticate":    "WWW-Authenticate",
	"mime-version":        "MIME-Version",
	"rseq":                "RSeq",
	"rack":                "RAck",
	"sip-etag":            "SIP-ETag",
	"sip-if-match":        "SIP-If-Match",
	"proxy-authenticate":  "Proxy-Authenticate",
	"proxy-authorization": "Proxy-Authorization",
}

// CanonicalHeaderName returns the canonical form of a header name.
// Compact forms are expanded ("v" → "Via").
func CanonicalHeaderName(name string) string {
	name = strings.TrimSpace(name)
	if len(name) == 1 {
		if full, ok := compactHeaderNames[strings.ToLower(name)]; ok {
			return full
		}
	}
	lower := strings.ToLower(name)
	if known, ok := knownHeaderNames[lower]; ok {
		return known
	}
	b := []byte(lower)
	upper := true
	for i, c := range b {
		if upper && 'a' <= c && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
		upper = c == '-'
	}
	return string(b)
}

// headers whose comma separated values are split by [Headers.Values]
var listHeaders = map[string]bool{
	"Via":          true,
	"Route":        true,
	"Record-Route": true,
	"Contact":      true,
	"Allow":        true,
	"Supported":    true,
	"Require":      true,
}

// Len returns the number of header fields.
func (h *Headers) Len() int { return len(h.list) }

// All iterates over the header fields in order.
func (h *Headers) All() iter.Seq[Header] { return slices.Values(h.list) }

// Get returns the first value of the named header or an empty string.
func (h *Headers) Get(name string) string {
	if vs := h.Values(name); len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Has reports whether the named header is present.
func (h *Headers) Has(name string) bool {
	name = CanonicalHeaderName(name)
	return slices.ContainsFunc(h.list, func(hdr Header) bool { return hdr.Name == name })
}

// Values returns all values of the named header in order.
// Comma separated values of list headers such as Via or Route are split.
func (h *Headers) Values(name string) []string {
	name = CanonicalHeaderName(name)
	var vs []string
	for _, hdr := range h.list {
		if hdr.Name != name {
			continue
		}
		if !listHeaders[name] {
			vs = append(vs, hdr.Value)
			continue
		}
		for _, v := range splitQuoted(hdr.Value, ',') {
			if v = strings.TrimSpace(v); v != "" {
				vs = append(vs, v)
			}
		}
	}
	return vs
}

// Add appends a header field.
func (h *Headers) Add(name, value string) {
	h.list = append(h.list, Header{CanonicalHeaderName(name), value})
}

// Prepend inserts a header field before all other fields with the same name,
// or at the end if there are none.
func (h *Headers) Prepend(name, value string) {
	name = CanonicalHeaderName(name)
	i := slices.IndexFunc(h.list, func(hdr Header) bool { return hdr.Name == name })
	if i < 0 {
		h.list = append(h.list, Header{name, value})
		return
	}
	h.list = slices.Insert(h.list, i, Header{name, value})
}

// Set replaces all fields of the named header with the given values.
// The first value takes the position of the first replaced field.
func (h *Headers) Set(name string, values ...string) {
	name = CanonicalHeaderName(name)
	i := slices.IndexFunc(h.list, func(hdr Header) bool { return hdr.Name == name })
	h.Del(name)
	if len(values) == 0 {
		return
	}
	if i < 0 || i > len(h.list) {
		i = len(h.list)
	}
	hdrs := make([]Header, len(values))
	for j, v := range values {
		hdrs[j] = Header{name, v}
	}
	h.list = slices.Insert(h.list, i, hdrs...)
}

// Del removes all fields of the named header.
func (h *Headers) Del(name string) {
	name = CanonicalHeaderName(name)
	h.list = slices.DeleteFunc(h.list, func(hdr Header) bool { return hdr.Name == name })
}

// Clone returns a deep copy of h.
func (h *Headers) Clone() Headers {
	return Headers{list: slices.Clone(h.list)}
}

// Vias returns the parsed Via stack, top-most first.
func (h *Headers) Vias() ([]Via, error) {
	vals := h.Values("Via")
	vias := make([]Via, 0, len(vals))
	for _, v := range vals {
		via, err := ParseVia(v)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		vias = append(vias, via)
	}
	return vias, nil
}

// TopVia returns the top-most Via header.
func (h *Headers) TopVia() (Via, bool) {
	v := h.Get("Via")
	if v == "" {
		return Via{}, false
	}
	via, err := ParseVia(v)
	return via, err == nil
}

// CSeq returns the parsed CSeq header.
func (h *Headers) CSeq() (CSeq, bool) {
	c, err := ParseCSeq(h.Get("CSeq"))
	return c, err == nil
}

// SetCSeq replaces the CSeq header.
func (h *Headers) SetCSeq(c CSeq) { h.Set("CSeq", c.String()) }

// From returns the parsed From header.
func (h *Headers) From() (NameAddr, bool) { return h.nameAddr("From") }

// To returns the parsed To header.
func (h *Headers) To() (NameAddr, bool) { return h.nameAddr("To") }

// Contact returns the first parsed Contact header.
func (h *Headers) Contact() (NameAddr, bool) { return h.nameAddr("Contact") }

func (h *Headers) nameAddr(name string) (NameAddr, bool) {
	v := h.Get(name)
	if v == "" {
		return NameAddr{}, false
	}
	a, err := ParseNameAddr(v)
	return a, err == nil
}

// CallID returns the Call-ID header value.
func (h *Headers) CallID() string { return strings.TrimSpace(h.Get("Call-ID")) }

// Routes returns the parsed Route header values in order.
func (h *Headers) Routes() ([]NameAddr, error) { return h.nameAddrs("Route") }

// RecordRoutes returns the parsed Record-Route header values in order.
func (h *Headers) RecordRoutes() ([]NameAddr, error) { return h.nameAddrs("Record-Route") }

func (h *Headers) nameAddrs(name string) ([]NameAddr, error) {
	vals := h.Values(name)
	if len(vals) == 0 {
		return nil, nil
	}
	out := make([]NameAddr, 0, len(vals))
	for _, v := range vals {
		a, err := ParseNameAddr(v)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		out = append(out, a)
	}
	return out, nil
}

// SetNameAddrs replaces the named header with one field per address.
func (h *Headers) SetNameAddrs(name string, addrs []NameAddr) {
	vals := make([]string, len(addrs))
	for i, a := range addrs {
		vals[i] = a.String()
	}
	h.Set(name, vals...)
}

// MaxForwards returns the Max-Forwards header value.
func (h *Headers) MaxForwards() (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(h.Get("Max-Forwards")))
	return n, err == nil
}

// MagicCookie is the RFC 3261 branch prefix.
const MagicCookie = "z9hG4bK"

// Via is a single Via header value.
type Via struct {
	Proto     string
	Transport string
	Host      string
	Port      int
	Params    Params
}

// ParseVia parses a single Via header value "SIP/2.0/UDP host:port;params".
func ParseVia(s string) (Via, error) {
	s = strings.TrimSpace(s)
	proto, rest, ok := strings.Cut(s, " ")
	if !ok {
		proto, rest, ok = strings.Cut(s, "\t")
	}
	parts := strings.Split(proto, "/")
	if !ok || len(parts) != 3 {
		return Via{}, errtrace.Wrap(newMalformedError("invalid Via %q", s))
	}

	hostport, params, _ := strings.Cut(strings.TrimSpace(rest), ";")
	host, port, err := splitHostPort(strings.TrimSpace(hostport))
	if err != nil {
		return Via{}, errtrace.Wrap(newMalformedError("invalid Via %q: %v", s, err))
	}
	return Via{
		Proto:     strings.TrimSpace(parts[0]) + "/" + strings.TrimSpace(parts[1]),
		Transport: strings.ToUpper(strings.TrimSpace(parts[2])),
		Host:      host,
		Port:      port,
		Params:    parseParams(params, ';'),
	}, nil
}

// Branch returns the branch parameter.
func (v Via) Branch() string {
	b, _ := v.Params.Get("branch")
	return b
}

// SentBy returns "host[:port]" of the Via.
func (v Via) SentBy() string {
	return URI{Scheme: "sip", Host: v.Host, Port: v.Port}.HostPort()
}

// Received returns the received parameter.
func (v Via) Received() string {
	r, _ := v.Params.Get("received")
	return r
}

// RPort returns the rport parameter value. ok is false if the parameter is absent or empty.
func (v Via) RPort() (port int, ok bool) {
	s, _ := v.Params.Get("rport")
	p, err := strconv.Atoi(s)
	return p, err == nil && p > 0
}

func (v Via) String() string {
	var sb strings.Builder
	proto := v.Proto
	if proto == "" {
		proto = "SIP/2.0"
	}
	sb.WriteString(proto)
	sb.WriteByte('/')
	sb.WriteString(v.Transport)
	sb.WriteByte(' ')
	sb.WriteString(v.SentBy())
	v.Params.writeTo(&sb, ';')
	return sb.String()
}

// CSeq is the CSeq header value.
type CSeq struct {
	Seq    uint32
	Method string
}

// ParseCSeq parses "314159 INVITE".
func ParseCSeq(s string) (CSeq, error) {
	num, method, ok := strings.Cut(strings.TrimSpace(s), " ")
	if !ok {
		return CSeq{}, errtrace.Wrap(newMalformedError("invalid CSeq %q", s))
	}
	seq, err := strconv.ParseUint(num, 10, 32)
	if err != nil {
		return CSeq{}, errtrace.Wrap(newMalformedError("invalid CSeq %q", s))
	}
	return CSeq{uint32(seq), strings.ToUpper(strings.TrimSpace(method))}, nil
}

func (c CSeq) String() string { return strconv.FormatUint(uint64(c.Seq), 10) + " " + c.Method }

// NameAddr is a name-addr or addr-spec header value with header parameters,
// as used by From, To, Contact, Route and Record-Route.
type NameAddr struct {
	DisplayName string
	URI         URI
	Params      Params
}

// ParseNameAddr parses `"Display" <uri>;params` and `uri;params` forms.
func ParseNameAddr(s string) (NameAddr, error) {
	s = strings.TrimSpace(s)
	var (
		a    NameAddr
		rest string
	)
	if lt := strings.IndexByte(s, '<'); lt >= 0 {
		gt := strings.IndexByte(s[lt:], '>')
		if gt < 0 {
			return NameAddr{}, errtrace.Wrap(newMalformedError("invalid address %q", s))
		}
		a.DisplayName = strings.Trim(strings.TrimSpace(s[:lt]), `"`)
		u, err := ParseURI(s[lt+1 : lt+gt])
		if err != nil {
			return NameAddr{}, errtrace.Wrap(err)
		}
		a.URI = u
		rest = s[lt+gt+1:]
	} else {
		// in addr-spec form the parameters belong to the header, not to the URI
		spec, params, _ := strings.Cut(s, ";")
		u, err := ParseURI(spec)
		if err != nil {
			return NameAddr{}, errtrace.Wrap(err)
		}
		a.URI = u
		if params != "" {
			rest = ";" + params
		}
	}
	rest = strings.TrimSpace(rest)
	if rest != "" {
		if rest[0] != ';' {
			return NameAddr{}, errtrace.Wrap(newMalformedError("invalid address %q", s))
		}
		a.Params = parseParams(rest[1:], ';')
	}
	return a, nil
}

// Tag returns the tag parameter.
func (a NameAddr) Tag() string {
	t, _ := a.Params.Get("tag")
	return t
}

// WithTag returns a copy of a with the tag parameter set.
func (a NameAddr) WithTag(tag string) NameAddr {
	a = a.Clone()
	if tag == "" {
		a.Params = a.Params.Del("tag")
		return a
	}
	a.Params = a.Params.Set("tag", tag)
	return a
}

// Clone returns a deep copy of a.
func (a NameAddr) Clone() NameAddr {
	a.URI = a.URI.Clone()
	a.Params = a.Params.Clone()
	return a
}

func (a NameAddr) String() string {
	var sb strings.Builder
	if a.DisplayName != "" {
		sb.WriteByte('"')
		sb.WriteString(a.DisplayName)
		sb.WriteString(`" `)
	}
	sb.WriteByte('<')
	sb.WriteString(a.URI.String())
	sb.WriteByte('>')
	a.Params.writeTo(&sb, ';')
	return sb.String()
}
