package session

import (
	"context"
	"time"

	"git.sr.ht/~jakintosh/sessionkit/pkg/tokens"
	"golang.org/x/oauth2"
)

// HandleStoreChange reconciles the session with the credential store after
// another process changed it. A cleared store signs this process out
// locally; a pair rotated elsewhere is adopted once both of its tokens
// have been written.
func (m *Manager) HandleStoreChange(ctx context.Context) {
	m.writeMu.Lock()
	bundle, err := m.creds.ReadTokenBundle(ctx)
	if err != nil {
		m.writeMu.Unlock()
		m.log.Warn().Err(err).Msg("credential store unreadable after change")
		return
	}

	m.mu.Lock()
	sess := m.session
	changed, torn := false, false
	switch {
	case sess == nil:
	case bundle == nil:
		m.gen++
		m.session = nil
		changed = true
	case bundle.AccessToken == sess.AccessToken && bundle.RefreshToken == sess.RefreshToken:
	case bundle.AccessToken == sess.AccessToken || bundle.RefreshToken == sess.RefreshToken:
		// a rotation always replaces both; the writer is still mid-bundle
		torn = true
	default:
		sess.AccessToken = bundle.AccessToken
		sess.RefreshToken = bundle.RefreshToken
		sess.ExpiresAt = bundle.ExpiresAt
		if exp, ok := tokens.PeekExpiry(bundle.AccessToken); ok {
			sess.ExpiresAt = exp
		}
		changed = true
	}
	signedOut := changed && m.session == nil
	m.mu.Unlock()
	m.writeMu.Unlock()

	if torn {
		m.log.Debug().Msg("ignoring partially written token bundle")
		return
	}
	if !changed {
		return
	}
	if signedOut {
		m.log.Info().Msg("credentials cleared elsewhere, signed out")
		m.metrics.SetAuthenticated(false)
	} else {
		m.log.Debug().Msg("adopted tokens refreshed elsewhere")
	}
	m.notify()
}

// refreshLeeway is how early TokenSource refreshes ahead of expiry.
const refreshLeeway = 30 * time.Second

// TokenSource exposes the session as an oauth2.TokenSource, refreshing
// the access token shortly before it expires.
func (m *Manager) TokenSource() oauth2.TokenSource {
	return &tokenSource{m: m}
}

type tokenSource struct {
	m *Manager
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	sess := ts.m.Session()
	if sess == nil {
		return nil, ErrNoSession
	}
	if !sess.ExpiresAt.IsZero() && !ts.m.now().Before(sess.ExpiresAt.Add(-refreshLeeway)) {
		refreshed, err := ts.m.RefreshAfter(context.Background(), sess.AccessToken)
		if err != nil {
			return nil, err
		}
		sess = refreshed
	}
	return &oauth2.Token{
		AccessToken:  sess.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: sess.RefreshToken,
		Expiry:       sess.ExpiresAt,
	}, nil
}
