package sip

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateBranch returns a new RFC 3261 compliant branch parameter value.
func GenerateBranch() string {
	return MagicCookie + "." + uuid.NewString()
}

// GenerateTag returns a new random From/To tag.
func GenerateTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// GenerateCallID returns a new globally unique Call-ID, optionally qualified with host.
func GenerateCallID(host string) string {
	id := uuid.NewString()
	if host == "" {
		return id
	}
	return id + "@" + host
}
