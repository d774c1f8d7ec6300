// Package auth builds and parses registry bearer tokens.
//
// A token is the credential codec applied to "name:digest:millis", sent as
// "Bearer <hex>". It carries no authority of its own: verification decodes
// it and compares the embedded digest against the identity's stored one, so
// changing a password invalidates every outstanding token for that user.
// The issue instant is carried but not bounded by a freshness window.
package auth

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/npmvault/npmvault/internal/common"
	"github.com/npmvault/npmvault/internal/cryptox"
)

var bearerRe = regexp.MustCompile(`^Bearer (.+)$`)

// Claims are the fields recovered from a bearer token.
type Claims struct {
	Name     string
	Digest   string
	IssuedAt time.Time
}

// IssueToken mints a bearer token for the identity's current credential
// digest, stamped with the given issue instant.
func IssueToken(codec *cryptox.Codec, name, digest string, issuedAt time.Time) string {
	payload := fmt.Sprintf("%s:%s:%d", name, digest, issuedAt.UnixMilli())
	return codec.EncryptString(payload)
}

// ParseToken recovers Claims from an Authorization header value. Any kind
// of malformation (missing Bearer scheme, undecryptable payload, wrong field
// count, non-numeric instant) fails with common.ErrInvalidToken.
func ParseToken(codec *cryptox.Codec, authorization string) (*Claims, error) {
	m := bearerRe.FindStringSubmatch(authorization)
	if m == nil {
		return nil, fmt.Errorf("%w: missing bearer scheme", common.ErrInvalidToken)
	}

	payload, err := codec.DecryptString(m[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrInvalidToken, err)
	}

	parts := strings.SplitN(payload, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: malformed payload", common.ErrInvalidToken)
	}

	millis, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed issue instant", common.ErrInvalidToken)
	}

	return &Claims{
		Name:     parts[0],
		Digest:   parts[1],
		IssuedAt: time.UnixMilli(millis),
	}, nil
}
