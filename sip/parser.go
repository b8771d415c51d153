package sip

import (
	"bytes"
	"strconv"
	"strings"

	"braces.dev/errtrace"
)

// ParseMessage parses a single complete SIP message, for example a UDP datagram
// or a frame cut from a stream by the transport.
//
// Header values are kept raw; typed accessors of [Headers] parse them on demand.
// When Content-Length is present the body is truncated to it; a body shorter than
// Content-Length is an error.
func ParseMessage(data []byte) (Message, error) {
	head, body, ok := cutHead(data)
	if !ok {
		return nil, errtrace.Wrap(newMalformedError("missing header terminator"))
	}

	lines := unfoldLines(head)
	if len(lines) == 0 || lines[0] == "" {
		return nil, errtrace.Wrap(newMalformedError("missing start line"))
	}

	var (
		msg  Message
		hdrs *Headers
	)
	if strings.HasPrefix(lines[0], "SIP/") {
		res, err := parseStatusLine(lines[0])
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		msg, hdrs = res, &res.Headers
	} else {
		req, err := parseRequestLine(lines[0])
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		msg, hdrs = req, &req.Headers
	}

	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, errtrace.Wrap(newMalformedError("invalid header line %q", line))
		}
		hdrs.Add(name, strings.TrimSpace(value))
	}

	if cl := hdrs.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			return nil, errtrace.Wrap(newMalformedError("invalid Content-Length %q", cl))
		}
		if n > len(body) {
			return nil, errtrace.Wrap(newMalformedError("body is shorter than Content-Length %d", n))
		}
		body = body[:n]
	}
	if len(body) > 0 {
		body = bytes.Clone(body)
	} else {
		body = nil
	}

	switch m := msg.(type) {
	case *Request:
		m.Body = body
	case *Response:
		m.Body = body
	}
	return msg, nil
}

func cutHead(data []byte) (head, body []byte, ok bool) {
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return data[:i], data[i+4:], true
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return data[:i], data[i+2:], true
	}
	return nil, nil, false
}

// unfoldLines splits the head into lines joining folded continuation lines.
func unfoldLines(head []byte) []string {
	raw := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if l == "" {
			continue
		}
		if (l[0] == ' ' || l[0] == '\t') && len(lines) > 1 {
			lines[len(lines)-1] += " " + strings.TrimSpace(l)
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

func parseRequestLine(line string) (*Request, error) {
	parts := strings.Fields(line)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "SIP/") {
		return nil, errtrace.Wrap(newMalformedError("invalid request line %q", line))
	}
	u, err := ParseURI(parts[1])
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &Request{Method: strings.ToUpper(parts[0]), URI: u, Proto: parts[2]}, nil
}

func parseStatusLine(line string) (*Response, error) {
	proto, rest, _ := strings.Cut(line, " ")
	code, reason, _ := strings.Cut(rest, " ")
	status, err := strconv.Atoi(code)
	if err != nil || !ResponseStatus(status).IsValid() {
		return nil, errtrace.Wrap(newMalformedError("invalid status line %q", line))
	}
	return &Response{Proto: proto, Status: ResponseStatus(status), Reason: strings.TrimSpace(reason)}, nil
}
