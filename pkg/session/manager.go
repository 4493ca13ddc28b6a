package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.sr.ht/~jakintosh/sessionkit/internal/metrics"
	"git.sr.ht/~jakintosh/sessionkit/pkg/api"
	"git.sr.ht/~jakintosh/sessionkit/pkg/fault"
	"git.sr.ht/~jakintosh/sessionkit/pkg/store"
	"git.sr.ht/~jakintosh/sessionkit/pkg/tokens"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const DefaultLogoutTimeout = 5 * time.Second

var (
	ErrNoSession      = errors.New("no active session")
	ErrSuperseded     = errors.New("session changed during the operation")
	ErrResumeDisabled = errors.New("resume is not enabled")
	ErrNothingStored  = errors.New("no stored credentials")
)

// Backend is the slice of the identity API the manager drives. *api.Client
// implements it.
type Backend interface {
	Login(ctx context.Context, creds api.Credentials) (*api.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (*api.TokenPair, error)
	Me(ctx context.Context, accessToken string) (*api.User, error)
	Logout(ctx context.Context, accessToken string, refreshToken string) error
}

// Session is an authenticated user together with its current tokens.
type Session struct {
	User         api.User
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Manager owns the session of one security context: it validates and
// refreshes stored tokens, logs in and out, and publishes the bearer token
// for outgoing requests.
type Manager struct {
	backend       Backend
	creds         *store.Credentials
	log           zerolog.Logger
	now           func() time.Time
	metrics       *metrics.Metrics
	logoutTimeout time.Duration
	observe       func(from State, to State)

	// writeMu serializes credential writes against generation changes, so a
	// superseded operation can never write after Login or Logout.
	writeMu sync.Mutex

	mu        sync.RWMutex
	gen       uint64
	initSeq   uint64
	session   *Session
	pending   int
	listeners map[int]func(Status)
	nextID    int

	flights singleflight.Group
}

type Option func(*Manager)

func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogoutTimeout bounds the server side of Logout.
func WithLogoutTimeout(d time.Duration) Option {
	return func(m *Manager) { m.logoutTimeout = d }
}

// WithTransitionHook observes every step of the initialization machine.
func WithTransitionHook(fn func(from State, to State)) Option {
	return func(m *Manager) { m.observe = fn }
}

func NewManager(
	backend Backend,
	creds *store.Credentials,
	opts ...Option,
) *Manager {
	m := &Manager{
		backend:       backend,
		creds:         creds,
		log:           zerolog.Nop(),
		now:           time.Now,
		logoutTimeout: DefaultLogoutTimeout,
		listeners:     make(map[int]func(Status)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize restores the session from the credential store. A nil
// session with a nil error means there was nothing to restore. Storage
// failures count as not authenticated. Callers arriving while a run is in
// flight share its outcome.
func (m *Manager) Initialize(ctx context.Context) (*Session, error) {
	return m.joinInit(ctx, func(ctx context.Context) (*run, error) {
		bundle, err := m.creds.ReadTokenBundle(ctx)
		if err != nil {
			return nil, err
		}
		if bundle == nil {
			return newRun("", ""), nil
		}
		return newRun(bundle.AccessToken, bundle.RefreshToken), nil
	})
}

// InitializeWith validates the given pair, refreshing it at most once.
//
// On an auth failure the refresh token is exchanged and the identity fetch
// is retried once with the new access token. If that also fails, or the
// refresh does, the stored credentials are purged. Any other failure leaves
// storage untouched and returns the error. A call made while another
// initialization is running joins that run instead of starting one.
func (m *Manager) InitializeWith(
	ctx context.Context,
	accessToken string,
	refreshToken string,
) (
	*Session,
	error,
) {
	return m.joinInit(ctx, func(context.Context) (*run, error) {
		return newRun(accessToken, refreshToken), nil
	})
}

// joinInit runs at most one initialization per generation. Login and
// Logout start a new generation, so a run begun after them is not merged
// with one they superseded.
func (m *Manager) joinInit(ctx context.Context, start func(context.Context) (*run, error)) (*Session, error) {
	m.mu.RLock()
	gen := m.gen
	m.mu.RUnlock()

	ch := m.flights.DoChan(fmt.Sprintf("init\x00%d", gen), func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		r, err := start(ctx)
		if err != nil {
			return nil, m.unreadable(ctx, gen, err)
		}
		return m.initialize(ctx, gen, r)
	})
	return awaitSession(ctx, "session.initialize", ch)
}

// unreadable signs out locally when the credential store cannot be read.
func (m *Manager) unreadable(ctx context.Context, gen uint64, err error) error {
	m.log.Warn().Err(err).Msg("credential store unreadable, treating as signed out")
	m.metrics.SessionInit(metrics.OutcomeNoCredentials)

	m.writeMu.Lock()
	m.mu.Lock()
	cleared := m.gen == gen && m.session != nil
	if cleared {
		m.session = nil
	}
	m.mu.Unlock()
	m.writeMu.Unlock()

	if cleared {
		m.metrics.SetAuthenticated(false)
		m.notify()
	}
	return err
}

func (m *Manager) initialize(ctx context.Context, gen uint64, r *run) (*Session, error) {
	m.mu.Lock()
	m.initSeq++
	seq := m.initSeq
	m.pending++
	m.mu.Unlock()
	m.notify()

	mc := &machine{
		identity: m.backend.Me,
		exchange: func(ctx context.Context, refresh string) (*api.TokenPair, error) {
			return m.exchange(ctx, gen, refresh)
		},
		log:     m.log,
		observe: m.observe,
	}
	r = mc.drive(ctx, r)

	sess, err := m.finish(ctx, gen, seq, r)
	m.mu.Lock()
	m.pending--
	m.mu.Unlock()
	m.notify()
	return sess, err
}

// finish applies a terminal run, unless Login, Logout or a newer
// initialization happened meanwhile. A run overtaken by Login or Logout
// reports the session they left behind.
func (m *Manager) finish(ctx context.Context, gen uint64, seq uint64, r *run) (*Session, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	sameGen := m.gen == gen
	current := sameGen && m.initSeq == seq
	if current && r.state == Valid {
		sess := &Session{User: *r.user, AccessToken: r.access, RefreshToken: r.refresh}
		if r.pair != nil {
			sess.ExpiresAt = r.pair.ExpiresAt
		} else if exp, ok := tokens.PeekExpiry(r.access); ok {
			sess.ExpiresAt = exp
		}
		m.session = sess
	} else if current {
		m.session = nil
	}
	m.mu.Unlock()

	if !current {
		m.log.Debug().Str("state", r.state.String()).Msg("discarding superseded initialization")
		if !sameGen {
			return m.Session(), nil
		}
		return nil, superseded("session.initialize")
	}

	switch {
	case r.state == Valid:
		m.log.Info().Str("user", r.user.ID).Bool("refreshed", r.pair != nil).Msg("session valid")
		m.metrics.SessionInit(metrics.OutcomeValid)
		m.metrics.SetAuthenticated(true)
		return m.Session(), nil

	case r.err == nil:
		m.metrics.SessionInit(metrics.OutcomeNoCredentials)
		m.metrics.SetAuthenticated(false)
		return nil, nil

	case r.purge:
		m.log.Info().Err(r.err).Msg("session invalid, purging credentials")
		m.creds.ClearAll(ctx)
		m.metrics.SessionInit(metrics.OutcomeInvalid)
		m.metrics.SetAuthenticated(false)
		return nil, r.err

	default:
		m.log.Warn().Err(r.err).Msg("session could not be validated, credentials kept")
		m.metrics.SessionInit(metrics.OutcomeUndetermined)
		m.metrics.SetAuthenticated(false)
		return nil, r.err
	}
}

// State reports the consumer-facing session status.
func (m *Manager) State() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	switch {
	case m.pending > 0:
		return Authenticating
	case m.session == nil:
		return Unauthenticated
	case !m.session.ExpiresAt.IsZero() && !m.now().Before(m.session.ExpiresAt):
		return Expired
	default:
		return Authenticated
	}
}

// Session returns a copy of the current session, or nil.
func (m *Manager) Session() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil
	}
	sess := *m.session
	sess.User.Roles = append([]string(nil), m.session.User.Roles...)
	return &sess
}

func (m *Manager) User() *api.User {
	if sess := m.Session(); sess != nil {
		return &sess.User
	}
	return nil
}

// Bearer is the access token to attach to outgoing requests, "" when
// signed out.
func (m *Manager) Bearer() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.AccessToken
}

// OnChange registers fn to be called after every status change. The
// returned function unregisters it.
func (m *Manager) OnChange(fn func(Status)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) notify() {
	m.mu.RLock()
	status := m.statusLocked()
	fns := make([]func(Status), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(status)
	}
}

func awaitSession(ctx context.Context, op string, ch <-chan singleflight.Result) (*Session, error) {
	select {
	case res := <-ch:
		sess, _ := res.Val.(*Session)
		return sess, res.Err
	case <-ctx.Done():
		return nil, abandoned(op, ctx.Err())
	}
}

// superseded reports work overtaken by a newer change to the session.
func superseded(op string) error {
	return fault.New(fault.Unauthorized, op, ErrSuperseded)
}

// abandoned classifies a caller giving up on shared work.
func abandoned(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.New(fault.Timeout, op, err)
	}
	return fault.New(fault.NetworkError, op, err)
}
