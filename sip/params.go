package sip

import "strings"

// Param is a single ";name=value" parameter. Value is empty for flag parameters.
type Param struct {
	Name, Value string
}

// Params is an ordered list of header or URI parameters.
// Names are matched case-insensitively.
type Params []Param

// Get returns the value of the named parameter and whether it is present.
func (ps Params) Get(name string) (string, bool) {
	for _, p := range ps {
		if strings.EqualFold(p.Name, name) {
			return p.Value, true
		}
	}
	return "", false
}

// Has reports whether the named parameter is present.
func (ps Params) Has(name string) bool {
	_, ok := ps.Get(name)
	return ok
}

// Set returns a copy of ps with the named parameter set to value.
func (ps Params) Set(name, value string) Params {
	out := ps.Clone()
	for i := range out {
		if strings.EqualFold(out[i].Name, name) {
			out[i].Value = value
			return out
		}
	}
	return append(out, Param{name, value})
}

// Del returns a copy of ps without the named parameter.
func (ps Params) Del(name string) Params {
	out := make(Params, 0, len(ps))
	for _, p := range ps {
		if !strings.EqualFold(p.Name, name) {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep copy of ps.
func (ps Params) Clone() Params {
	if ps == nil {
		return nil
	}
	return append(make(Params, 0, len(ps)+1), ps...)
}

func (ps Params) writeTo(sb *strings.Builder, sep byte) {
	for _, p := range ps {
		sb.WriteByte(sep)
		sb.WriteString(p.Name)
		if p.Value != "" {
			sb.WriteByte('=')
			sb.WriteString(p.Value)
		}
	}
}

// parseParams parses "name=value;name2;name3=value3" into Params.
func parseParams(s string, sep byte) Params {
	var ps Params
	for _, part := range splitQuoted(s, sep) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		ps = append(ps, Param{strings.TrimSpace(name), strings.TrimSpace(value)})
	}
	return ps
}

// splitQuoted splits s on sep outside of double quotes and angle brackets.
func splitQuoted(s string, sep byte) []string {
	var (
		parts   []string
		start   int
		quoted  bool
		escaped bool
		angle   int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case quoted && c == '\\':
			escaped = true
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '<':
			angle++
		case c == '>' && angle > 0:
			angle--
		case c == sep && angle == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
