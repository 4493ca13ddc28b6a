package tokens

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer signs and verifies ES256 tokens. Create one with NewIssuer.
type Issuer struct {
	signingKey   *ecdsa.PrivateKey
	issuerDomain string
	now          func() time.Time
}

// GenerateKey returns a fresh P-256 key. It panics if the system random
// source fails.
func GenerateKey() *ecdsa.PrivateKey {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(fmt.Sprintf("tokens: failed to generate key: %v", err))
	}
	return key
}

func NewIssuer(
	signingKey *ecdsa.PrivateKey,
	issuerDomain string,
) (*Issuer, error) {
	if signingKey == nil {
		return nil, errors.New("signing key is required")
	}
	return &Issuer{
		signingKey:   signingKey,
		issuerDomain: issuerDomain,
		now:          time.Now,
	}, nil
}

// SetClock replaces the issuer's time source.
func (i *Issuer) SetClock(now func() time.Time) {
	i.now = now
}

func (i *Issuer) Domain() string { return i.issuerDomain }

func (i *Issuer) IssueAccess(subject string, lifetime time.Duration) (string, time.Time, error) {
	return i.issue(TypeAccess, subject, lifetime)
}

func (i *Issuer) IssueRefresh(subject string, lifetime time.Duration) (string, time.Time, error) {
	return i.issue(TypeRefresh, subject, lifetime)
}

func (i *Issuer) IssueCSRF(lifetime time.Duration) (string, time.Time, error) {
	return i.issue(TypeCSRF, "", lifetime)
}

func (i *Issuer) issue(
	typ string,
	subject string,
	lifetime time.Duration,
) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(lifetime)
	claims := Claims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuerDomain,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(i.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign %s token: %w", typ, err)
	}
	return signed, exp, nil
}

// Verify checks signature, issuer, expiry and type. Expired tokens report
// ErrTokenExpired; everything else reports ErrTokenInvalid.
func (i *Issuer) Verify(raw string, typ string) (*Claims, error) {
	claims := new(Claims)
	_, err := jwt.ParseWithClaims(
		raw,
		claims,
		func(*jwt.Token) (any, error) { return &i.signingKey.PublicKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(i.issuerDomain),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	case claims.Type != typ:
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, ErrWrongType)
	}
	return claims, nil
}
