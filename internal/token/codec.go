// Package token reads access tokens issued by the detection service.
//
// Tokens are decoded, never verified: the client has no signing key and
// treats the issuing service as authoritative. Every privileged request
// sends the token back to that service, which performs the real check.
// Nothing here should be read as a security decision.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cast"

	"vehicle-monitor/internal/domain/auth"
)

var (
	ErrMalformedToken  = errors.New("malformed token")
	ErrInvalidEncoding = errors.New("invalid token encoding")
)

// Codec decodes compact header.payload.signature tokens.
type Codec struct {
	parser *jwt.Parser
}

func NewCodec() *Codec {
	return &Codec{
		parser: jwt.NewParser(jwt.WithPaddingAllowed()),
	}
}

// Decode extracts claims from the payload segment of token. The header and
// signature segments only need to be present.
func (c *Codec) Decode(token string) (*auth.Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}
	for i, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("%w: segment %d is empty", ErrMalformedToken, i+1)
		}
	}

	// Accept both alphabets: DecodeSegment wants the URL-safe one.
	segment := strings.NewReplacer("+", "-", "/", "_").Replace(parts[1])
	payload, err := c.parser.DecodeSegment(segment)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not base64url: %v", ErrInvalidEncoding, err)
	}

	var mc jwt.MapClaims
	if err := json.Unmarshal(payload, &mc); err != nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object: %v", ErrInvalidEncoding, err)
	}
	if mc == nil {
		return nil, fmt.Errorf("%w: payload is empty", ErrInvalidEncoding)
	}

	return claimsFromMap(mc)
}

func claimsFromMap(mc jwt.MapClaims) (*auth.Claims, error) {
	claims := &auth.Claims{
		Subject:        firstString(mc, "sub", "id", "identity"),
		Email:          firstString(mc, "email"),
		IssuerProvider: firstString(mc, "auth_provider", "provider"),
		FirstName:      firstString(mc, "firstName"),
		LastName:       firstString(mc, "lastName"),
		Picture:        firstString(mc, "picture"),
	}

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: exp claim: %v", ErrInvalidEncoding, err)
	}
	if exp != nil {
		t := exp.Time
		claims.ExpiresAt = &t
	}

	return claims, nil
}

// firstString returns the first key that holds a non-empty scalar. The
// service has issued numeric subjects, so numbers are rendered as text.
func firstString(mc jwt.MapClaims, keys ...string) string {
	for _, key := range keys {
		v, ok := mc[key]
		if !ok || v == nil {
			continue
		}
		s, err := cast.ToStringE(v)
		if err != nil || s == "" {
			continue
		}
		return s
	}
	return ""
}

// IsExpired reports whether claims carry an exp that is at or before now.
func IsExpired(claims *auth.Claims, now time.Time) bool {
	return claims != nil && claims.ExpiresAt != nil && !now.Before(*claims.ExpiresAt)
}
