package session

import (
	"context"

	"git.sr.ht/~jakintosh/sessionkit/pkg/api"
	"git.sr.ht/~jakintosh/sessionkit/pkg/fault"
	"git.sr.ht/~jakintosh/sessionkit/pkg/store"
	"git.sr.ht/~jakintosh/sessionkit/pkg/tokens"
)

// Refresh exchanges the session's refresh token for a new pair. Concurrent
// callers share one exchange. A rejected refresh token ends the session.
func (m *Manager) Refresh(ctx context.Context) (*Session, error) {
	m.mu.RLock()
	sess, gen := m.session, m.gen
	m.mu.RUnlock()
	if sess == nil {
		return nil, fault.New(fault.Unauthorized, "session.refresh", ErrNoSession)
	}
	return m.refreshFrom(ctx, gen, sess.RefreshToken)
}

// RefreshAfter refreshes because rejected was refused by a server. If the
// session has already moved past rejected, the current session is returned
// without another exchange.
func (m *Manager) RefreshAfter(ctx context.Context, rejected string) (*Session, error) {
	m.mu.RLock()
	sess, gen := m.session, m.gen
	m.mu.RUnlock()
	if sess == nil {
		return nil, fault.New(fault.Unauthorized, "session.refresh", ErrNoSession)
	}
	if sess.AccessToken != rejected {
		return m.Session(), nil
	}
	refreshed, err := m.refreshFrom(ctx, gen, sess.RefreshToken)
	if err != nil {
		// lost the race to an exchange that already rotated the pair
		if cur := m.Session(); cur != nil && cur.AccessToken != rejected {
			return cur, nil
		}
	}
	return refreshed, err
}

func (m *Manager) refreshFrom(ctx context.Context, gen uint64, refresh string) (*Session, error) {
	ch := m.flights.DoChan("refresh\x00"+refresh, func() (any, error) {
		return m.doExchange(context.WithoutCancel(ctx), gen, refresh)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			if fault.IsAuth(res.Err) || fault.Is(res.Err, fault.StorageError) {
				m.endSession(ctx, gen, refresh, res.Err)
			}
			return nil, res.Err
		}
	case <-ctx.Done():
		return nil, abandoned("session.refresh", ctx.Err())
	}
	sess := m.Session()
	if sess == nil {
		return nil, fault.New(fault.Unauthorized, "session.refresh", ErrNoSession)
	}
	return sess, nil
}

// exchange is the machine's refresh step. It shares in-flight exchanges
// with Refresh.
func (m *Manager) exchange(ctx context.Context, gen uint64, refresh string) (*api.TokenPair, error) {
	v, err, _ := m.flights.Do("refresh\x00"+refresh, func() (any, error) {
		return m.doExchange(ctx, gen, refresh)
	})
	if err != nil {
		return nil, err
	}
	return v.(*api.TokenPair), nil
}

func (m *Manager) doExchange(ctx context.Context, gen uint64, refresh string) (*api.TokenPair, error) {
	start := m.now()
	pair, err := m.backend.Refresh(ctx, refresh)
	m.metrics.Refresh(err, m.now().Sub(start))
	if err != nil {
		m.log.Info().Err(err).Str("refresh", tokens.Fingerprint(refresh)).Msg("token refresh failed")
		return nil, err
	}
	if err := m.persist(ctx, gen, refresh, pair); err != nil {
		return nil, err
	}
	m.notify()
	m.log.Debug().
		Str("refresh", tokens.Fingerprint(pair.RefreshToken)).
		Time("expires_at", pair.ExpiresAt).
		Msg("token refreshed")
	return pair, nil
}

// persist stores a refreshed pair, keeps the remembered credentials on the
// same refresh token and moves the live session onto the pair.
func (m *Manager) persist(ctx context.Context, gen uint64, old string, pair *api.TokenPair) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	current := m.gen == gen
	m.mu.RUnlock()
	if !current {
		m.log.Debug().Msg("not persisting refresh of a superseded session")
		return superseded("session.refresh")
	}

	err := m.creds.StoreTokenBundle(ctx, store.TokenBundle{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
	})
	if err != nil {
		m.log.Error().Err(err).Msg("failed to persist refreshed tokens")
		return err
	}
	if err := m.creds.SyncCredentialRefresh(ctx, pair.RefreshToken); err != nil {
		m.log.Warn().Err(err).Msg("failed to sync remembered credentials")
	}

	m.mu.Lock()
	if m.session != nil && m.session.RefreshToken == old {
		m.session.AccessToken = pair.AccessToken
		m.session.RefreshToken = pair.RefreshToken
		m.session.ExpiresAt = pair.ExpiresAt
	}
	m.mu.Unlock()
	return nil
}

// endSession signs out locally after the session's refresh token proved
// unusable.
func (m *Manager) endSession(ctx context.Context, gen uint64, refresh string, cause error) {
	m.writeMu.Lock()
	m.mu.Lock()
	owned := m.gen == gen && m.session != nil && m.session.RefreshToken == refresh
	if owned {
		m.gen++
		m.session = nil
	}
	m.mu.Unlock()
	if owned {
		m.creds.ClearAll(context.WithoutCancel(ctx))
	}
	m.writeMu.Unlock()

	if owned {
		m.log.Info().Err(cause).Msg("session ended after failed refresh")
		m.metrics.SetAuthenticated(false)
		m.notify()
	}
}
