package store

import (
	"context"
	"strconv"
	"time"

	"git.sr.ht/~jakintosh/sessionkit/pkg/fault"
	"github.com/rs/zerolog"
)

// TokenBundle is the persisted access/refresh pair. ExpiresAt is the access
// token's expiry when known.
type TokenBundle struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// StoredCredentials support "remember me" and biometric re-authentication.
type StoredCredentials struct {
	UserID       string
	Email        string
	RefreshToken string
}

// Credentials composes a KV into bundle-level operations.
type Credentials struct {
	kv  KV
	now func() time.Time
	log zerolog.Logger
}

type CredentialsOption func(*Credentials)

func WithClock(now func() time.Time) CredentialsOption {
	return func(c *Credentials) { c.now = now }
}

func WithLogger(log zerolog.Logger) CredentialsOption {
	return func(c *Credentials) { c.log = log }
}

func NewCredentials(kv KV, opts ...CredentialsOption) *Credentials {
	c := &Credentials{
		kv:  kv,
		now: time.Now,
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// KV exposes the underlying capability.
func (c *Credentials) KV() KV { return c.kv }

// StoreTokenBundle writes the access token, then the refresh token, then the
// expiry and last-login time. If the refresh token write fails the access
// token is removed again; the expiry and last-login writes are best-effort.
func (c *Credentials) StoreTokenBundle(ctx context.Context, b TokenBundle) error {
	if b.AccessToken == "" || b.RefreshToken == "" {
		return fault.Newf(fault.ValidationError, "store.bundle", "token bundle needs both tokens")
	}

	if err := c.kv.Set(ctx, KeyAccessToken, b.AccessToken); err != nil {
		return err
	}
	if err := c.kv.Set(ctx, KeyRefreshToken, b.RefreshToken); err != nil {
		if rbErr := c.kv.Remove(ctx, KeyAccessToken); rbErr != nil {
			c.log.Error().Err(rbErr).Msg("couldn't roll back access token after failed bundle write")
		}
		return err
	}

	if b.ExpiresAt.IsZero() {
		c.bestEffortRemove(ctx, KeyExpiresAt)
	} else {
		c.bestEffortSet(ctx, KeyExpiresAt, formatTime(b.ExpiresAt))
	}
	c.bestEffortSet(ctx, KeyLastLogin, formatTime(c.now()))
	return nil
}

// ReadTokenBundle returns nil unless both tokens are present.
func (c *Credentials) ReadTokenBundle(ctx context.Context) (*TokenBundle, error) {
	access, ok, err := c.kv.Get(ctx, KeyAccessToken)
	if err != nil {
		return nil, err
	}
	if !ok || access == "" {
		return nil, nil
	}
	refresh, ok, err := c.kv.Get(ctx, KeyRefreshToken)
	if err != nil {
		return nil, err
	}
	if !ok || refresh == "" {
		return nil, nil
	}

	bundle := &TokenBundle{AccessToken: access, RefreshToken: refresh}
	if raw, ok, err := c.kv.Get(ctx, KeyExpiresAt); err == nil && ok {
		if t, ok := parseTime(raw); ok {
			bundle.ExpiresAt = t
		}
	}
	return bundle, nil
}

// ClearTokenBundle removes the bundle keys; failures are logged, never returned.
func (c *Credentials) ClearTokenBundle(ctx context.Context) {
	c.bestEffortRemove(ctx, KeyAccessToken)
	c.bestEffortRemove(ctx, KeyRefreshToken)
	c.bestEffortRemove(ctx, KeyExpiresAt)
}

func (c *Credentials) StoreCredentials(ctx context.Context, sc StoredCredentials) error {
	if sc.UserID == "" || sc.Email == "" || sc.RefreshToken == "" {
		return fault.Newf(fault.ValidationError, "store.credentials", "stored credentials need user id, email and refresh token")
	}
	writes := []struct {
		key   Key
		value string
	}{
		{KeyUserID, sc.UserID},
		{KeyEmail, sc.Email},
		{KeyCredentialRefresh, sc.RefreshToken},
	}
	for i, w := range writes {
		if err := c.kv.Set(ctx, w.key, w.value); err != nil {
			for _, done := range writes[:i] {
				c.bestEffortRemove(ctx, done.key)
			}
			return err
		}
	}
	return nil
}

// ReadCredentials returns nil unless all three fields are present.
func (c *Credentials) ReadCredentials(ctx context.Context) (*StoredCredentials, error) {
	var sc StoredCredentials
	fields := []struct {
		key Key
		dst *string
	}{
		{KeyUserID, &sc.UserID},
		{KeyEmail, &sc.Email},
		{KeyCredentialRefresh, &sc.RefreshToken},
	}
	for _, f := range fields {
		v, ok, err := c.kv.Get(ctx, f.key)
		if err != nil {
			return nil, err
		}
		if !ok || v == "" {
			return nil, nil
		}
		*f.dst = v
	}
	return &sc, nil
}

func (c *Credentials) ClearCredentials(ctx context.Context) {
	c.bestEffortRemove(ctx, KeyUserID)
	c.bestEffortRemove(ctx, KeyEmail)
	c.bestEffortRemove(ctx, KeyCredentialRefresh)
}

// SyncCredentialRefresh points the stored credentials at a rotated refresh
// token. It does nothing when no credentials are stored.
func (c *Credentials) SyncCredentialRefresh(ctx context.Context, refreshToken string) error {
	sc, err := c.ReadCredentials(ctx)
	if err != nil || sc == nil {
		return err
	}
	if sc.RefreshToken == refreshToken {
		return nil
	}
	return c.kv.Set(ctx, KeyCredentialRefresh, refreshToken)
}

func (c *Credentials) SetBiometricEnabled(ctx context.Context, enabled bool) error {
	if !enabled {
		return c.kv.Remove(ctx, KeyBiometric)
	}
	return c.kv.Set(ctx, KeyBiometric, strconv.FormatBool(true))
}

func (c *Credentials) BiometricEnabled(ctx context.Context) (bool, error) {
	v, ok, err := c.kv.Get(ctx, KeyBiometric)
	if err != nil || !ok {
		return false, err
	}
	enabled, _ := strconv.ParseBool(v)
	return enabled, nil
}

func (c *Credentials) LastLogin(ctx context.Context) (time.Time, bool, error) {
	v, ok, err := c.kv.Get(ctx, KeyLastLogin)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, ok := parseTime(v)
	return t, ok, nil
}

// ClearAll removes every known key. It never fails; removing an absent key
// is not an error and backend failures are only logged.
func (c *Credentials) ClearAll(ctx context.Context) {
	for _, k := range Keys() {
		c.bestEffortRemove(ctx, k)
	}
}

func (c *Credentials) bestEffortSet(ctx context.Context, key Key, value string) {
	if err := c.kv.Set(ctx, key, value); err != nil {
		c.log.Warn().Err(err).Str("key", key.String()).Msg("best-effort credential write failed")
	}
}

func (c *Credentials) bestEffortRemove(ctx context.Context, key Key) {
	if err := c.kv.Remove(ctx, key); err != nil {
		c.log.Warn().Err(err).Str("key", key.String()).Msg("credential delete failed")
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
