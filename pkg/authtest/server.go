package authtest

import (
	"crypto/ecdsa"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/sessionkit/pkg/api"
	"git.sr.ht/~jakintosh/sessionkit/pkg/fault"
	"git.sr.ht/~jakintosh/sessionkit/pkg/tokens"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Server is an in-memory identity and RBAC backend. It is safe for
// concurrent use.
type Server struct {
	mu sync.Mutex

	issuer          *tokens.Issuer
	router          *mux.Router
	log             zerolog.Logger
	now             func() time.Time
	accessLifetime  time.Duration
	refreshLifetime time.Duration
	csrfLifetime    time.Duration
	omitExpiresIn   bool

	users       map[string]*user // by email
	usersByID   map[string]*user
	roles       map[string][]api.Permission
	access      map[string]accessState // issued access token -> state
	refresh     map[string]string      // live refresh token -> user id
	csrf        map[string]bool        // issued csrf tokens still honoured
	calls       map[Endpoint]int
	failures    map[Endpoint][]fault.Kind
	latency     map[Endpoint]time.Duration
	lastRequest map[Endpoint]*http.Request
}

type accessState struct {
	userID  string
	expired bool
}

type Option func(*Server)

func WithSigningKey(key *ecdsa.PrivateKey) Option {
	return func(s *Server) {
		issuer, err := tokens.NewIssuer(key, s.issuer.Domain())
		if err == nil {
			s.issuer = issuer
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithClock sets the time source used for issuing and verifying tokens.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func WithAccessLifetime(d time.Duration) Option {
	return func(s *Server) { s.accessLifetime = d }
}

func WithRefreshLifetime(d time.Duration) Option {
	return func(s *Server) { s.refreshLifetime = d }
}

func WithCSRFLifetime(d time.Duration) Option {
	return func(s *Server) { s.csrfLifetime = d }
}

// WithoutExpiresIn drops "expiresIn" from token responses so clients have to
// read the expiry from the access token itself.
func WithoutExpiresIn() Option {
	return func(s *Server) { s.omitExpiresIn = true }
}

func New(opts ...Option) *Server {
	issuer, _ := tokens.NewIssuer(sharedKey(), DefaultIssuerDomain)
	s := &Server{
		issuer:          issuer,
		log:             zerolog.Nop(),
		now:             time.Now,
		accessLifetime:  defaultAccessLifetime,
		refreshLifetime: defaultRefreshLifetime,
		csrfLifetime:    defaultCSRFLifetime,
		users:           make(map[string]*user),
		usersByID:       make(map[string]*user),
		roles:           make(map[string][]api.Permission),
		access:          make(map[string]accessState),
		refresh:         make(map[string]string),
		csrf:            make(map[string]bool),
		calls:           make(map[Endpoint]int),
		failures:        make(map[Endpoint][]fault.Kind),
		latency:         make(map[Endpoint]time.Duration),
		lastRequest:     make(map[Endpoint]*http.Request),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.issuer.SetClock(func() time.Time { return s.now() })
	s.router = mux.NewRouter()
	s.buildRouter(s.router)
	return s
}

// Start serves s on a local listener until the test ends and returns the
// server together with its base URL.
func Start(t testing.TB, opts ...Option) (*Server, string) {
	t.Helper()
	s := New(opts...)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts.URL
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Issuer() *tokens.Issuer { return s.issuer }

func (s *Server) buildRouter(r *mux.Router) {
	r.HandleFunc(api.PathLogin, s.wrap(EndpointLogin, s.handleLogin)).Methods(http.MethodPost)
	r.HandleFunc(api.PathRefresh, s.wrap(EndpointRefresh, s.handleRefresh)).Methods(http.MethodPost)
	r.HandleFunc(api.PathMe, s.wrap(EndpointMe, s.handleMe)).Methods(http.MethodGet)
	r.HandleFunc(api.PathLogout, s.wrap(EndpointLogout, s.handleLogout)).Methods(http.MethodPost)
	r.HandleFunc(api.PathCSRFToken, s.wrap(EndpointCSRF, s.handleCSRF)).Methods(http.MethodGet)
	r.HandleFunc(api.PathPermissionCheck, s.wrap(EndpointCheck, s.handleCheck)).Methods(http.MethodPost)
	r.HandleFunc(api.PathUserPermissions, s.wrap(EndpointPermissions, s.handlePermissions)).Methods(http.MethodGet)
	r.HandleFunc(PathItems, s.wrap(EndpointItems, s.handleItems))
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		returnJson(map[string]string{"status": "ok"}, w)
	})
}

// wrap counts the call, applies latency and serves a scripted failure
// before handing over to h.
func (s *Server) wrap(e Endpoint, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[e]++
		s.lastRequest[e] = r.Clone(r.Context())
		delay := s.latency[e]
		var injected fault.Kind
		if queue := s.failures[e]; len(queue) > 0 {
			injected = queue[0]
			s.failures[e] = queue[1:]
		}
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if injected != "" {
			s.log.Debug().Str("endpoint", string(e)).Str("kind", string(injected)).Msg("injected failure")
			writeFault(w, injected)
			return
		}
		h(w, r)
	}
}

//
// test controls

// FailNext makes the next n calls to e fail with a response of the given
// kind. NetworkError and Timeout break the connection.
func (s *Server) FailNext(e Endpoint, kind fault.Kind, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures[e] = append(s.failures[e], kind)
	}
}

// SetLatency delays every call to e by d.
func (s *Server) SetLatency(e Endpoint, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency[e] = d
}

func (s *Server) Calls(e Endpoint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[e]
}

func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.calls)
}

// LastRequest returns a copy of the most recent request to e, or nil.
func (s *Server) LastRequest(e Endpoint) *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRequest[e]
}

// ExpireAccessTokens makes every access token issued so far report
// TOKEN_EXPIRED.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, st := range s.access {
		st.expired = true
		s.access[tok] = st
	}
}

// RevokeRefreshTokens invalidates every live refresh token.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.refresh)
}

// RevokeCSRF invalidates every CSRF token issued so far.
func (s *Server) RevokeCSRF() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.csrf)
}

// LiveRefreshTokens reports how many refresh tokens are currently honoured.
func (s *Server) LiveRefreshTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refresh)
}

// IssueTokens mints a live pair for email as if the user had logged in.
func (s *Server) IssueTokens(email string) (api.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return api.TokenPair{}, ErrUnknownUser
	}
	resp, err := s.issuePairLocked(u)
	if err != nil {
		return api.TokenPair{}, err
	}
	return api.TokenPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    s.now().Add(s.accessLifetime),
	}, nil
}

func (s *Server) issuePairLocked(u *user) (*api.TokenResponse, error) {
	access, _, err := s.issuer.IssueAccess(u.id, s.accessLifetime)
	if err != nil {
		return nil, err
	}
	refresh, _, err := s.issuer.IssueRefresh(u.id, s.refreshLifetime)
	if err != nil {
		return nil, err
	}
	s.access[access] = accessState{userID: u.id}
	s.refresh[refresh] = u.id
	resp := &api.TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
	}
	if !s.omitExpiresIn {
		resp.ExpiresIn = int64(s.accessLifetime / time.Second)
	}
	return resp, nil
}
