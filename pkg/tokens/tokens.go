package tokens

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"git.sr.ht/~jakintosh/sessionkit/pkg/fault"
	"github.com/golang-jwt/jwt/v5"
)

// Token type discriminators carried in the "type" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
	TypeCSRF    = "csrf"
)

var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenInvalid   = errors.New("token invalid")
	ErrTokenMalformed = errors.New("token malformed")
	ErrWrongType      = errors.New("token has wrong type")
	ErrNoExpiry       = errors.New("token has no expiry")
)

// Claims is the payload shared by every token this package handles.
type Claims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// CSRFToken is a decoded anti-forgery token.
type CSRFToken struct {
	Value     string
	ExpiresAt time.Time
}

func peek(raw string) (*Claims, error) {
	claims := new(Claims)
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, errors.Join(ErrTokenMalformed, err)
	}
	return claims, nil
}

// DecodeCSRF reads a CSRF token's payload without checking its signature.
// The payload must declare type "csrf" and carry an expiry.
func DecodeCSRF(raw string) (CSRFToken, error) {
	claims, err := peek(raw)
	if err != nil {
		return CSRFToken{}, fault.New(fault.ValidationError, "tokens.csrf", err)
	}
	if claims.Type != TypeCSRF {
		return CSRFToken{}, fault.New(fault.ValidationError, "tokens.csrf", ErrWrongType)
	}
	if claims.ExpiresAt == nil {
		return CSRFToken{}, fault.New(fault.ValidationError, "tokens.csrf", ErrNoExpiry)
	}
	return CSRFToken{Value: raw, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// PeekExpiry returns the "exp" claim of a JWT without verifying it. Opaque
// or expiry-less tokens report ok=false.
func PeekExpiry(raw string) (time.Time, bool) {
	claims, err := peek(raw)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Fingerprint is a short, non-reversible label for a token, safe to log.
func Fingerprint(raw string) string {
	if raw == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:4])
}
