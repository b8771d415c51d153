package sip

import (
	"errors"
	"testing"

	"github.com/icholy/digest"
)

func newAuthTestRequest(t *testing.T) *Request {
	t.Helper()
	uri, err := ParseURI("sip:bob@example.com")
	if err != nil {
		t.Fatalf("ParseURI() error = %v", err)
	}
	req := NewRequest(RequestMethodInvite, uri)
	req.Headers.Add("Via", "SIP/2.0/UDP 127.0.0.1:5060;branch=z9hG4bKauth")
	req.Headers.Add("From", "<sip:alice@example.com>;tag=a1")
	req.Headers.Add("To", "<sip:bob@example.com>")
	req.Headers.Add("Call-ID", "auth-call")
	req.Headers.Add("CSeq", "1 INVITE")
	req.Headers.Add("Max-Forwards", "70")
	return req
}

func TestAuthorizeRequest(t *testing.T) {
	t.Parallel()

	req := newAuthTestRequest(t)
	res := NewResponse(req, ResponseStatusProxyAuthenticationRequired, "")
	res.Headers.Add("Proxy-Authenticate", `Digest realm="Example.com", nonce="abc", algorithm=MD5`)

	creds := []Credentials{{Realm: "example.com", Username: "alice", Password: "secret"}}
	if err := AuthorizeRequest(req, res, creds); err != nil {
		t.Fatalf("AuthorizeRequest() error = %v, want nil", err)
	}

	vals := req.Headers.Values("Proxy-Authorization")
	if len(vals) != 1 {
		t.Fatalf("Proxy-Authorization count = %d, want 1", len(vals))
	}
	cred, err := digest.ParseCredentials(vals[0])
	if err != nil {
		t.Fatalf("digest.ParseCredentials() error = %v", err)
	}
	if cred.Username != "alice" || cred.Realm != "Example.com" || cred.URI != "sip:bob@example.com" {
		t.Errorf("credentials = %+v, want alice@Example.com for sip:bob@example.com", cred)
	}

	if !hasFailedAuthorization(req, res) {
		t.Error("hasFailedAuthorization() = false, want true after realm was used")
	}

	// second authorization for the same realm replaces the previous one
	res.Headers.Set("Proxy-Authenticate", `Digest realm="example.com", nonce="def", algorithm=MD5`)
	if err := AuthorizeRequest(req, res, creds); err != nil {
		t.Fatalf("AuthorizeRequest() error = %v, want nil", err)
	}
	if got := len(req.Headers.Values("Proxy-Authorization")); got != 1 {
		t.Errorf("Proxy-Authorization count = %d, want 1", got)
	}
}

func TestAuthorizeRequest_MissingRealm(t *testing.T) {
	t.Parallel()

	req := newAuthTestRequest(t)
	res := NewResponse(req, ResponseStatusUnauthorized, "")
	res.Headers.Add("WWW-Authenticate", `Digest realm="a.example.com", nonce="1"`)
	res.Headers.Add("WWW-Authenticate", `Digest realm="b.example.com", nonce="2"`)

	err := AuthorizeRequest(req, res, []Credentials{{Realm: "a.example.com", Username: "u", Password: "p"}})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("AuthorizeRequest() error = %v, want %v", err, ErrNotAuthorized)
	}
	if req.Headers.Has("Authorization") {
		t.Error("request was modified on failure")
	}
	if hasFailedAuthorization(req, res) {
		t.Error("hasFailedAuthorization() = true, want false without credentials")
	}
}
