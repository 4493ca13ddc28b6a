package session

import (
	"context"

	"git.sr.ht/~jakintosh/sessionkit/pkg/api"
	"git.sr.ht/~jakintosh/sessionkit/pkg/fault"
	"git.sr.ht/~jakintosh/sessionkit/pkg/store"
	"git.sr.ht/~jakintosh/sessionkit/pkg/tokens"
)

type LoginOptions struct {
	// Remember keeps user id, email and refresh token for Resume.
	Remember bool
	// Biometric enables Resume. It implies Remember.
	Biometric bool
}

// Login authenticates with the backend and replaces any current session.
// If the new tokens cannot be stored, the login fails and nothing is kept.
func (m *Manager) Login(
	ctx context.Context,
	creds api.Credentials,
	opts LoginOptions,
) (
	*Session,
	error,
) {
	res, err := m.backend.Login(ctx, creds)
	if err != nil {
		m.log.Info().Err(err).Str("email", creds.Email).Msg("login failed")
		return nil, err
	}

	m.writeMu.Lock()
	m.mu.Lock()
	m.gen++
	m.session = nil
	m.mu.Unlock()

	err = m.storeLogin(ctx, res, opts)
	if err == nil {
		m.mu.Lock()
		m.session = &Session{
			User:         res.User,
			AccessToken:  res.Tokens.AccessToken,
			RefreshToken: res.Tokens.RefreshToken,
			ExpiresAt:    res.Tokens.ExpiresAt,
		}
		m.mu.Unlock()
	} else {
		m.creds.ClearAll(context.WithoutCancel(ctx))
	}
	m.writeMu.Unlock()

	if err != nil {
		m.log.Error().Err(err).Msg("could not store login")
		m.metrics.SetAuthenticated(false)
		m.notify()
		return nil, err
	}
	m.log.Info().Str("user", res.User.ID).Msg("logged in")
	m.metrics.SetAuthenticated(true)
	m.notify()
	return m.Session(), nil
}

func (m *Manager) storeLogin(ctx context.Context, res *api.LoginResult, opts LoginOptions) error {
	err := m.creds.StoreTokenBundle(ctx, store.TokenBundle{
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
		ExpiresAt:    res.Tokens.ExpiresAt,
	})
	if err != nil {
		return err
	}

	if !opts.Remember && !opts.Biometric {
		m.creds.ClearCredentials(ctx)
		if err := m.creds.SetBiometricEnabled(ctx, false); err != nil {
			m.log.Warn().Err(err).Msg("failed to clear biometric flag")
		}
		return nil
	}

	err = m.creds.StoreCredentials(ctx, store.StoredCredentials{
		UserID:       res.User.ID,
		Email:        res.User.Email,
		RefreshToken: res.Tokens.RefreshToken,
	})
	if err != nil {
		return err
	}
	return m.creds.SetBiometricEnabled(ctx, opts.Biometric)
}

// Logout ends the session. Local state is always cleared; the backend is
// told on a best-effort basis, bounded by the logout timeout. Logging out
// without a session is a no-op that still leaves storage empty.
func (m *Manager) Logout(ctx context.Context) {
	m.writeMu.Lock()
	m.mu.Lock()
	sess := m.session
	m.gen++
	m.session = nil
	m.mu.Unlock()

	var access, refresh string
	if sess != nil {
		access, refresh = sess.AccessToken, sess.RefreshToken
	} else if bundle, err := m.creds.ReadTokenBundle(ctx); err == nil && bundle != nil {
		access, refresh = bundle.AccessToken, bundle.RefreshToken
	}
	m.creds.ClearAll(context.WithoutCancel(ctx))
	m.writeMu.Unlock()

	m.metrics.SetAuthenticated(false)
	m.notify()

	if access == "" && refresh == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.logoutTimeout)
	defer cancel()
	if err := m.backend.Logout(ctx, access, refresh); err != nil {
		m.log.Warn().Err(err).Msg("server logout failed, local session cleared anyway")
		return
	}
	m.log.Info().Str("refresh", tokens.Fingerprint(refresh)).Msg("logged out")
}

// Resume re-authenticates from remembered credentials when biometric resume
// is enabled: the remembered refresh token is exchanged and the identity
// confirmed. Rejected credentials are purged.
func (m *Manager) Resume(ctx context.Context) (*Session, error) {
	enabled, err := m.creds.BiometricEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, fault.New(fault.Unauthorized, "session.resume", ErrResumeDisabled)
	}
	stored, err := m.creds.ReadCredentials(ctx)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fault.New(fault.Unauthorized, "session.resume", ErrNothingStored)
	}

	m.mu.RLock()
	gen := m.gen
	m.mu.RUnlock()
	ch := m.flights.DoChan("resume\x00"+stored.RefreshToken, func() (any, error) {
		return m.initialize(context.WithoutCancel(ctx), gen, newResumeRun(stored.RefreshToken))
	})
	sess, err := awaitSession(ctx, "session.resume", ch)
	if sess != nil && sess.User.ID != stored.UserID {
		m.log.Warn().
			Str("remembered", stored.UserID).
			Str("resumed", sess.User.ID).
			Msg("resumed session belongs to a different user")
	}
	return sess, err
}
