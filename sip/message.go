package sip

import (
	"bytes"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipstack/internal/errorutil"
)

// Request methods.
const (
	RequestMethodAck       = "ACK"
	RequestMethodBye       = "BYE"
	RequestMethodCancel    = "CANCEL"
	RequestMethodInfo      = "INFO"
	RequestMethodInvite    = "INVITE"
	RequestMethodMessage   = "MESSAGE"
	RequestMethodNotify    = "NOTIFY"
	RequestMethodOptions   = "OPTIONS"
	RequestMethodPrack     = "PRACK"
	RequestMethodRefer     = "REFER"
	RequestMethodRegister  = "REGISTER"
	RequestMethodSubscribe = "SUBSCRIBE"
	RequestMethodUpdate    = "UPDATE"
)

// ProtoVer20 is the only supported protocol version.
const ProtoVer20 = "SIP/2.0"

// IsTargetRefreshMethod reports whether requests with the method update the
// remote target of a dialog.
func IsTargetRefreshMethod(method string) bool {
	switch method {
	case RequestMethodInvite, RequestMethodUpdate, RequestMethodSubscribe, RequestMethodNotify, RequestMethodRefer:
		return true
	}
	return false
}

// IsDialogEstablishingMethod reports whether requests with the method can create a dialog.
func IsDialogEstablishingMethod(method string) bool {
	switch method {
	case RequestMethodInvite, RequestMethodRefer, RequestMethodSubscribe:
		return true
	}
	return false
}

// Message is a SIP request or response.
type Message interface {
	slog.LogValuer
	// MessageHeaders returns a pointer to the header list of the message.
	MessageHeaders() *Headers
	// Render writes the wire representation of the message to w.
	Render(w io.Writer) error
	String() string
	Validate() error
	CloneMessage() Message
}

// Request is a SIP request.
type Request struct {
	Method  string
	URI     URI
	Proto   string
	Headers Headers
	Body    []byte
}

// NewRequest creates a request with an empty header list.
func NewRequest(method string, uri URI) *Request {
	return &Request{Method: strings.ToUpper(method), URI: uri, Proto: ProtoVer20}
}

// MessageHeaders implements [Message].
func (r *Request) MessageHeaders() *Headers { return &r.Headers }

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	return &Request{
		Method:  r.Method,
		URI:     r.URI.Clone(),
		Proto:   r.Proto,
		Headers: r.Headers.Clone(),
		Body:    slices.Clone(r.Body),
	}
}

// CloneMessage implements [Message].
func (r *Request) CloneMessage() Message { return r.Clone() }

// Validate checks the mandatory header fields of RFC 3261 Section 8.1.1.
func (r *Request) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidArgumentError("nil request"))
	}

	var errs []error
	if r.Method == "" {
		errs = append(errs, errorutil.Error("missing method"))
	}
	if r.URI.IsZero() {
		errs = append(errs, errorutil.Error("missing Request-URI"))
	}
	errs = append(errs, validateCommonHeaders(&r.Headers)...)
	if cseq, ok := r.Headers.CSeq(); ok && cseq.Method != r.Method {
		errs = append(errs, errorutil.Error("CSeq method does not match request method"))
	}
	if _, ok := r.Headers.MaxForwards(); !ok && r.Headers.Has("Max-Forwards") {
		errs = append(errs, errorutil.Error("invalid Max-Forwards"))
	}
	if err := errorutil.JoinPrefix("invalid request:", errs...); err != nil {
		return errtrace.Wrap(newMalformedError(err))
	}
	return nil
}

func validateCommonHeaders(h *Headers) []error {
	var errs []error
	via, ok := h.TopVia()
	if !ok {
		errs = append(errs, errorutil.Error("missing or invalid Via"))
	} else if via.Branch() == "" {
		errs = append(errs, errorutil.Error("missing Via branch"))
	}
	if _, ok := h.From(); !ok {
		errs = append(errs, errorutil.Error("missing or invalid From"))
	}
	if _, ok := h.To(); !ok {
		errs = append(errs, errorutil.Error("missing or invalid To"))
	}
	if h.CallID() == "" {
		errs = append(errs, errorutil.Error("missing Call-ID"))
	}
	if _, ok := h.CSeq(); !ok {
		errs = append(errs, errorutil.Error("missing or invalid CSeq"))
	}
	return errs
}

// Render implements [Message].
func (r *Request) Render(w io.Writer) error {
	var sb strings.Builder
	sb.WriteString(r.Method)
	sb.WriteByte(' ')
	sb.WriteString(r.URI.String())
	sb.WriteByte(' ')
	sb.WriteString(orProto(r.Proto))
	sb.WriteString("\r\n")
	return errtrace.Wrap(renderMessage(w, &sb, &r.Headers, r.Body))
}

func (r *Request) String() string {
	if r == nil {
		return "<nil>"
	}
	var buf bytes.Buffer
	r.Render(&buf) //nolint:errcheck
	return buf.String()
}

// LogValue implements [slog.LogValuer].
func (r *Request) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	cseq, _ := r.Headers.CSeq()
	via, _ := r.Headers.TopVia()
	return slog.GroupValue(
		slog.String("method", r.Method),
		slog.String("uri", r.URI.String()),
		slog.String("call_id", r.Headers.CallID()),
		slog.String("cseq", cseq.String()),
		slog.String("branch", via.Branch()),
	)
}

// Response is a SIP response.
type Response struct {
	Proto   string
	Status  ResponseStatus
	Reason  string
	Headers Headers
	Body    []byte
}

// NewResponse creates a response to req as described in RFC 3261 Section 8.2.6.
// Via, From, To, Call-ID and CSeq are copied from the request.
// An empty reason is replaced with the default reason phrase.
func NewResponse(req *Request, status ResponseStatus, reason string) *Response {
	if reason == "" {
		reason = status.Reason()
	}
	res := &Response{Proto: ProtoVer20, Status: status, Reason: reason}
	for _, name := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		for _, v := range req.Headers.Values(name) {
			res.Headers.Add(name, v)
		}
	}
	if status == ResponseStatusTrying {
		if ts := req.Headers.Get("Timestamp"); ts != "" {
			res.Headers.Add("Timestamp", ts)
		}
	}
	return res
}

// MessageHeaders implements [Message].
func (r *Response) MessageHeaders() *Headers { return &r.Headers }

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		Proto:   r.Proto,
		Status:  r.Status,
		Reason:  r.Reason,
		Headers: r.Headers.Clone(),
		Body:    slices.Clone(r.Body),
	}
}

// CloneMessage implements [Message].
func (r *Response) CloneMessage() Message { return r.Clone() }

// Validate checks the mandatory header fields of a response.
func (r *Response) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidArgumentError("nil response"))
	}

	var errs []error
	if !r.Status.IsValid() {
		errs = append(errs, errorutil.Error("invalid status code"))
	}
	errs = append(errs, validateCommonHeaders(&r.Headers)...)
	if err := errorutil.JoinPrefix("invalid response:", errs...); err != nil {
		return errtrace.Wrap(newMalformedError(err))
	}
	return nil
}

// Render implements [Message].
func (r *Response) Render(w io.Writer) error {
	var sb strings.Builder
	sb.WriteString(orProto(r.Proto))
	sb.WriteByte(' ')
	sb.WriteString(strconv.Itoa(int(r.Status)))
	sb.WriteByte(' ')
	sb.WriteString(r.Reason)
	sb.WriteString("\r\n")
	return errtrace.Wrap(renderMessage(w, &sb, &r.Headers, r.Body))
}

func (r *Response) String() string {
	if r == nil {
		return "<nil>"
	}
	var buf bytes.Buffer
	r.Render(&buf) //nolint:errcheck
	return buf.String()
}

// LogValue implements [slog.LogValuer].
func (r *Response) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	cseq, _ := r.Headers.CSeq()
	via, _ := r.Headers.TopVia()
	return slog.GroupValue(
		slog.Int("status", int(r.Status)),
		slog.String("reason", r.Reason),
		slog.String("call_id", r.Headers.CallID()),
		slog.String("cseq", cseq.String()),
		slog.String("branch", via.Branch()),
	)
}

func orProto(p string) string {
	if p == "" {
		return ProtoVer20
	}
	return p
}

func renderMessage(w io.Writer, sb *strings.Builder, hdrs *Headers, body []byte) error {
	for hdr := range hdrs.All() {
		if hdr.Name == "Content-Length" {
			continue
		}
		sb.WriteString(hdr.Name)
		sb.WriteString(": ")
		sb.WriteString(hdr.Value)
		sb.WriteString("\r\n")
	}
	sb.WriteString("Content-Length: ")
	sb.WriteString(strconv.Itoa(len(body)))
	sb.WriteString("\r\n\r\n")
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return errtrace.Wrap(err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return errtrace.Wrap(err)
		}
	}
	return nil
}
