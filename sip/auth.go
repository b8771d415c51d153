package sip

import (
	"fmt"
	"strings"

	"braces.dev/errtrace"
	"github.com/icholy/digest"
	"github.com/samber/lo"
)

// Credentials are the digest credentials of a user in a realm.
type Credentials struct {
	Realm    string
	Username string
	Password string
}

// challenge header -> authorization header
var authHeaders = [...][2]string{
	{"WWW-Authenticate", "Authorization"},
	{"Proxy-Authenticate", "Proxy-Authorization"},
}

// IsAuthChallenge reports whether the response is a 401 or 407 challenge.
func IsAuthChallenge(res *Response) bool {
	return res != nil &&
		(res.Status == ResponseStatusUnauthorized || res.Status == ResponseStatusProxyAuthenticationRequired)
}

// AuthorizeRequest answers every digest challenge of the 401/407 response
// by adding Authorization or Proxy-Authorization headers to the request (RFC 3261 Section 22.2).
// Credentials are selected by realm, case-insensitively; previous credentials for the same realm are replaced.
// If any challenge realm has no credentials, [ErrNotAuthorized] is returned and req is not modified.
func AuthorizeRequest(req *Request, res *Response, creds []Credentials) error {
	if req == nil || !IsAuthChallenge(res) {
		return errtrace.Wrap(NewInvalidArgumentError("invalid request or challenge response"))
	}

	hdrs := req.Headers.Clone()
	var n int
	for _, names := range authHeaders {
		for _, v := range res.Headers.Values(names[0]) {
			chal, err := digest.ParseChallenge(v)
			if err != nil {
				return errtrace.Wrap(newMalformedError("invalid %s: %v", names[0], err))
			}
			cred, ok := lo.Find(creds, func(c Credentials) bool { return strings.EqualFold(c.Realm, chal.Realm) })
			if !ok {
				return errtrace.Wrap(fmt.Errorf("%w: no credentials for realm %q", ErrNotAuthorized, chal.Realm))
			}

			dc, err := digest.Digest(chal, digest.Options{
				Method:   req.Method,
				URI:      req.URI.String(),
				Username: cred.Username,
				Password: cred.Password,
				Count:    1,
			})
			if err != nil {
				return errtrace.Wrap(fmt.Errorf("%w: %w", ErrNotAuthorized, err))
			}

			kept := lo.Reject(hdrs.Values(names[1]), func(v string, _ int) bool {
				return strings.EqualFold(authRealm(v), chal.Realm)
			})
			hdrs.Set(names[1], append(kept, dc.String())...)
			n++
		}
	}
	if n == 0 {
		return errtrace.Wrap(fmt.Errorf("%w: response has no challenges", ErrNotAuthorized))
	}
	req.Headers = hdrs
	return nil
}

// hasFailedAuthorization reports whether the request already carried credentials
// for a realm challenged again by the response.
func hasFailedAuthorization(req *Request, res *Response) bool {
	for _, names := range authHeaders {
		used := lo.Map(req.Headers.Values(names[1]), func(v string, _ int) string {
			return strings.ToLower(authRealm(v))
		})
		if len(used) == 0 {
			continue
		}
		for _, v := range res.Headers.Values(names[0]) {
			chal, err := digest.ParseChallenge(v)
			if err != nil {
				continue
			}
			if lo.Contains(used, strings.ToLower(chal.Realm)) {
				return true
			}
		}
	}
	return false
}

func authRealm(v string) string {
	c, err := digest.ParseCredentials(v)
	if err != nil {
		return ""
	}
	return c.Realm
}
