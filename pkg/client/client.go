package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"time"

	"git.sr.ht/~jakintosh/sessionkit/internal/metrics"
	"git.sr.ht/~jakintosh/sessionkit/pkg/api"
	"git.sr.ht/~jakintosh/sessionkit/pkg/csrf"
	"git.sr.ht/~jakintosh/sessionkit/pkg/fault"
	"git.sr.ht/~jakintosh/sessionkit/pkg/permission"
	"git.sr.ht/~jakintosh/sessionkit/pkg/session"
	"git.sr.ht/~jakintosh/sessionkit/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const DefaultTimeout = 30 * time.Second

var ErrNoBaseURL = errors.New("base url is required")

// Config describes a security context. Only BaseURL is required.
type Config struct {
	BaseURL string

	// Store holds credentials across restarts. Nil keeps them in memory.
	// A *store.FileStore is watched for changes made by other processes.
	Store store.KV

	// HTTPClient carries every request. Nil builds one with a cookie jar
	// and Timeout.
	HTTPClient *http.Client
	Timeout    time.Duration

	CSRFBuffer     time.Duration
	CSRFHeader     string
	ExemptPrefixes []string

	// PermissionRate throttles authoritative permission checks when > 0.
	PermissionRate  rate.Limit
	PermissionBurst int

	LogoutTimeout time.Duration
	Logger        zerolog.Logger
	Registerer    prometheus.Registerer
	Clock         func() time.Time
}

// Client is the security context of an application: one session, one CSRF
// cache and one permission cache sharing one HTTP client.
type Client struct {
	log     zerolog.Logger
	http    *http.Client
	api     *api.Client
	creds   *store.Credentials
	session *session.Manager
	csrf    *csrf.Cache
	perms   *permission.Cache
	metrics *metrics.Metrics

	stopWatch   context.CancelFunc
	unsubscribe func()
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemoryStore()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		httpClient = &http.Client{Jar: jar, Timeout: cfg.Timeout}
	}

	c := &Client{
		log:     cfg.Logger,
		http:    httpClient,
		metrics: metrics.New(cfg.Registerer),
	}

	apiClient, err := api.New(cfg.BaseURL,
		api.WithHTTPClient(httpClient),
		api.WithLogger(cfg.Logger),
		api.WithClock(cfg.Clock),
	)
	if err != nil {
		return nil, err
	}
	c.api = apiClient

	c.creds = store.NewCredentials(cfg.Store,
		store.WithClock(cfg.Clock),
		store.WithLogger(cfg.Logger),
	)

	sessionOpts := []session.Option{
		session.WithLogger(cfg.Logger),
		session.WithClock(cfg.Clock),
		session.WithMetrics(c.metrics),
	}
	if cfg.LogoutTimeout > 0 {
		sessionOpts = append(sessionOpts, session.WithLogoutTimeout(cfg.LogoutTimeout))
	}
	c.session = session.NewManager(apiClient, c.creds, sessionOpts...)

	csrfOpts := []csrf.Option{
		csrf.WithLogger(cfg.Logger),
		csrf.WithClock(cfg.Clock),
		csrf.WithMetrics(c.metrics),
	}
	if cfg.CSRFBuffer > 0 {
		csrfOpts = append(csrfOpts, csrf.WithBuffer(cfg.CSRFBuffer))
	}
	if cfg.CSRFHeader != "" {
		csrfOpts = append(csrfOpts, csrf.WithHeader(cfg.CSRFHeader))
	}
	if cfg.ExemptPrefixes != nil {
		csrfOpts = append(csrfOpts, csrf.WithExemptPrefixes(cfg.ExemptPrefixes...))
	}
	c.csrf = csrf.New(c.fetchCSRF, csrfOpts...)

	permOpts := []permission.Option{
		permission.WithLogger(cfg.Logger),
		permission.WithClock(cfg.Clock),
		permission.WithMetrics(c.metrics),
	}
	if cfg.PermissionRate > 0 {
		permOpts = append(permOpts, permission.WithRateLimit(cfg.PermissionRate, max(cfg.PermissionBurst, 1)))
	}
	c.perms = permission.New(authority{c}, c.userID, permOpts...)

	c.unsubscribe = c.session.OnChange(c.sessionChanged)

	if fs, ok := cfg.Store.(*store.FileStore); ok {
		ctx, cancel := context.WithCancel(context.Background())
		onChange := func([]store.Key) { c.session.HandleStoreChange(ctx) }
		if err := fs.Watch(ctx, cfg.Logger, onChange); err != nil {
			cancel()
			return nil, err
		}
		c.stopWatch = cancel
	}
	return c, nil
}

// Close stops watching the credential store. It does not sign out.
func (c *Client) Close() error {
	if c.stopWatch != nil {
		c.stopWatch()
	}
	c.unsubscribe()
	return nil
}

// Initialize restores a stored session and, when that succeeds, preloads
// the user's permissions.
func (c *Client) Initialize(ctx context.Context) (*session.Session, error) {
	sess, err := c.session.Initialize(ctx)
	if err != nil || sess == nil {
		return sess, err
	}
	c.preloadPermissions(ctx)
	return sess, nil
}

func (c *Client) Login(
	ctx context.Context,
	email string,
	password string,
	opts session.LoginOptions,
) (
	*session.Session,
	error,
) {
	sess, err := c.session.Login(ctx, api.Credentials{Email: email, Password: password}, opts)
	if err != nil {
		return nil, err
	}
	c.preloadPermissions(ctx)
	return sess, nil
}

func (c *Client) Resume(ctx context.Context) (*session.Session, error) {
	sess, err := c.session.Resume(ctx)
	if err != nil || sess == nil {
		return sess, err
	}
	c.preloadPermissions(ctx)
	return sess, nil
}

// Logout signs out locally and on the server. It never fails.
func (c *Client) Logout(ctx context.Context) {
	c.session.Logout(ctx)
}

func (c *Client) Authenticated() bool {
	return c.session.State() == session.Authenticated
}

func (c *Client) User() *api.User { return c.session.User() }

// Can asks whether the current user may perform action on resource,
// answering from the permission cache when it can.
func (c *Client) Can(
	ctx context.Context,
	resource string,
	action string,
	scope ...permission.Scope,
) (
	bool,
	error,
) {
	return c.perms.CheckAccess(ctx, resource, action, scope...)
}

// HasPermission answers from the cached permission snapshot only.
func (c *Client) HasPermission(resource string, action string) bool {
	return c.perms.HasPermissionCached(resource, action)
}

func (c *Client) HasRole(role string) bool {
	return c.perms.HasRoleCached(role)
}

func (c *Client) RefreshPermissions(ctx context.Context) error {
	return c.perms.Refresh(ctx)
}

// CSRFHeader returns the header name and a valid token to send with a
// state-changing request.
func (c *Client) CSRFHeader(ctx context.Context) (string, string, error) {
	token, err := c.csrf.GetValidToken(ctx)
	if err != nil {
		return "", "", err
	}
	return c.csrf.Header(), token, nil
}

func (c *Client) Session() *session.Manager { return c.session }

func (c *Client) CSRF() *csrf.Cache { return c.csrf }

func (c *Client) Permissions() *permission.Cache { return c.perms }

func (c *Client) Credentials() *store.Credentials { return c.creds }

func (c *Client) API() *api.Client { return c.api }

func (c *Client) preloadPermissions(ctx context.Context) {
	if err := c.perms.LoadSnapshot(ctx); err != nil {
		c.log.Warn().Err(err).Msg("could not preload permissions")
	}
}

// sessionChanged drops per-session caches once nobody is signed in.
func (c *Client) sessionChanged(status session.Status) {
	if status != session.Unauthenticated {
		return
	}
	c.perms.Clear()
	c.csrf.Invalidate()
}

func (c *Client) userID() string {
	if u := c.session.User(); u != nil {
		return u.ID
	}
	return ""
}

// fetchCSRF works signed out too: the token pairs with a cookie, and the
// bearer is only attached when there is one.
func (c *Client) fetchCSRF(ctx context.Context) (string, error) {
	if c.session.Bearer() == "" {
		return c.api.CSRFToken(ctx, "")
	}
	return withBearer(ctx, c, func(bearer string) (string, error) {
		return c.api.CSRFToken(ctx, bearer)
	})
}

// withBearer runs call with the current access token. If the token is
// rejected, the session is refreshed once and call retried once.
func withBearer[T any](ctx context.Context, c *Client, call func(bearer string) (T, error)) (T, error) {
	bearer := c.session.Bearer()
	if bearer == "" {
		var zero T
		return zero, fault.New(fault.Unauthorized, "client.call", session.ErrNoSession)
	}
	out, err := call(bearer)
	if !fault.IsAuth(err) {
		return out, err
	}
	sess, rerr := c.session.RefreshAfter(ctx, bearer)
	if rerr != nil {
		var zero T
		return zero, rerr
	}
	c.metrics.Retry()
	return call(sess.AccessToken)
}

// authority answers permission misses from the backend as the current user.
type authority struct {
	c *Client
}

func (a authority) Check(ctx context.Context, check api.PermissionCheck) (*api.Decision, error) {
	return withBearer(ctx, a.c, func(bearer string) (*api.Decision, error) {
		return a.c.api.CheckPermission(ctx, bearer, check)
	})
}

func (a authority) Permissions(ctx context.Context, userID string) (*api.UserPermissions, error) {
	return withBearer(ctx, a.c, func(bearer string) (*api.UserPermissions, error) {
		return a.c.api.UserPermissions(ctx, bearer, userID)
	})
}
