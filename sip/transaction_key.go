package sip

import (
	"log/slog"
	"strings"

	"braces.dev/errtrace"
)

// ClientTransactionKey identifies a client transaction.
// Responses are matched by the branch of the top Via and the CSeq method
// (RFC 3261 Section 17.1.3).
type ClientTransactionKey struct {
	Branch string
	Method string
}

// ClientTransactionKeyFromMessage builds the client transaction key of a request or response.
func ClientTransactionKeyFromMessage(msg Message) (ClientTransactionKey, error) {
	hdrs := msg.MessageHeaders()
	via, ok := hdrs.TopVia()
	if !ok || via.Branch() == "" {
		return ClientTransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("missing Via branch"))
	}
	cseq, ok := hdrs.CSeq()
	if !ok {
		return ClientTransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("missing CSeq"))
	}
	method := cseq.Method
	// an ACK for a non-2xx final response belongs to the INVITE transaction
	if method == RequestMethodAck {
		method = RequestMethodInvite
	}
	return ClientTransactionKey{via.Branch(), method}, nil
}

// IsValid reports whether both key fields are set.
func (k ClientTransactionKey) IsValid() bool { return k.Branch != "" && k.Method != "" }

func (k ClientTransactionKey) String() string { return k.Branch + "-" + k.Method }

// LogValue implements [slog.LogValuer].
func (k ClientTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(slog.String("branch", k.Branch), slog.String("method", k.Method))
}

// ServerTransactionKey identifies a server transaction.
// Requests are matched by the branch and sent-by of the top Via
// (RFC 3261 Section 17.2.3). CANCEL creates its own transaction with the same branch,
// so it is distinguished by the Cancel flag; ACK folds into the INVITE transaction.
type ServerTransactionKey struct {
	Branch string
	SentBy string
	Cancel bool
}

// ServerTransactionKeyFromMessage builds the server transaction key of a request or response.
func ServerTransactionKeyFromMessage(msg Message) (ServerTransactionKey, error) {
	hdrs := msg.MessageHeaders()
	via, ok := hdrs.TopVia()
	if !ok || via.Branch() == "" {
		return ServerTransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("missing Via branch"))
	}
	cseq, ok := hdrs.CSeq()
	if !ok {
		return ServerTransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("missing CSeq"))
	}
	return ServerTransactionKey{
		Branch: via.Branch(),
		SentBy: strings.ToLower(via.SentBy()),
		Cancel: cseq.Method == RequestMethodCancel,
	}, nil
}

// IsValid reports whether the branch and sent-by are set.
func (k ServerTransactionKey) IsValid() bool { return k.Branch != "" && k.SentBy != "" }

func (k ServerTransactionKey) String() string {
	s := k.Branch + "-" + k.SentBy
	if k.Cancel {
		s += "-" + RequestMethodCancel
	}
	return s
}

// LogValue implements [slog.LogValuer].
func (k ServerTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("branch", k.Branch),
		slog.String("sent_by", k.SentBy),
		slog.Bool("cancel", k.Cancel),
	)
}

// DialogID identifies a dialog (RFC 3261 Section 12).
type DialogID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// IsValid reports whether all dialog ID components are set.
func (id DialogID) IsValid() bool { return id.CallID != "" && id.LocalTag != "" && id.RemoteTag != "" }

func (id DialogID) String() string { return id.CallID + "-" + id.LocalTag + "-" + id.RemoteTag }

// LogValue implements [slog.LogValuer].
func (id DialogID) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", id.CallID),
		slog.String("local_tag", id.LocalTag),
		slog.String("remote_tag", id.RemoteTag),
	)
}

// DialogIDFromMessage builds the dialog ID of an in-dialog message.
// For a message received by the UAS side (local is the To tag) pass asUAS true.
func DialogIDFromMessage(msg Message, asUAS bool) (DialogID, bool) {
	hdrs := msg.MessageHeaders()
	from, ok1 := hdrs.From()
	to, ok2 := hdrs.To()
	if !ok1 || !ok2 {
		return DialogID{}, false
	}
	id := DialogID{CallID: hdrs.CallID(), LocalTag: from.Tag(), RemoteTag: to.Tag()}
	if asUAS {
		id.LocalTag, id.RemoteTag = id.RemoteTag, id.LocalTag
	}
	return id, id.IsValid()
}
