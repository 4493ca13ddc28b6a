package csrf

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"git.sr.ht/~jakintosh/sessionkit/internal/metrics"
	"git.sr.ht/~jakintosh/sessionkit/pkg/fault"
	"git.sr.ht/~jakintosh/sessionkit/pkg/tokens"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultBuffer = 5 * time.Minute
	DefaultHeader = "X-CSRF-Token"
)

// DefaultExemptPrefixes are path prefixes that never need a token.
var DefaultExemptPrefixes = []string{
	"/health",
	"/healthz",
	"/docs",
	"/openapi",
	"/webhooks",
}

var ErrNoFetcher = errors.New("no csrf fetcher configured")

// FetchFunc retrieves a fresh token from the issuing endpoint.
type FetchFunc func(ctx context.Context) (string, error)

// Cache holds one anti-forgery token and refreshes it before it comes within
// the buffer of its expiry. Concurrent callers share a single fetch.
type Cache struct {
	fetch   FetchFunc
	buffer  time.Duration
	header  string
	exempt  []string
	now     func() time.Time
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	token *tokens.CSRFToken
	gen   uint64

	group singleflight.Group
}

type Option func(*Cache)

func WithBuffer(d time.Duration) Option {
	return func(c *Cache) { c.buffer = d }
}

func WithHeader(name string) Option {
	return func(c *Cache) { c.header = name }
}

// WithExemptPrefixes replaces the default exemption list.
func WithExemptPrefixes(prefixes ...string) Option {
	return func(c *Cache) { c.exempt = prefixes }
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Cache) { c.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

func New(fetch FetchFunc, opts ...Option) *Cache {
	c := &Cache{
		fetch:  fetch,
		buffer: DefaultBuffer,
		header: DefaultHeader,
		exempt: DefaultExemptPrefixes,
		now:    time.Now,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Header() string { return c.header }

// Token returns the cached token, whether or not it is still usable.
func (c *Cache) Token() (tokens.CSRFToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == nil {
		return tokens.CSRFToken{}, false
	}
	return *c.token, true
}

// GetValidToken returns a token that is at least the buffer away from
// expiring, fetching a new one when needed. Fetch failures are returned.
func (c *Cache) GetValidToken(ctx context.Context) (string, error) {
	if raw, ok := c.cached(); ok {
		return raw, nil
	}

	ch := c.group.DoChan("csrf", func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", abandoned("csrf.get", ctx.Err())
	}
}

// Invalidate drops the cached token. A fetch already in flight will not
// repopulate the cache.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = nil
	c.gen++
}

// RequiresProtection reports whether a request needs a CSRF header:
// mutating methods on any path except the root and the exempt prefixes.
func (c *Cache) RequiresProtection(path string, method string) bool {
	switch strings.ToUpper(method) {
	case "POST", "PUT", "PATCH", "DELETE":
	default:
		return false
	}
	if path == "" || path == "/" {
		return false
	}
	for _, prefix := range c.exempt {
		if path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
			return false
		}
	}
	return true
}

func (c *Cache) cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == nil {
		return "", false
	}
	if !c.now().Before(c.token.ExpiresAt.Add(-c.buffer)) {
		return "", false
	}
	return c.token.Value, true
}

func (c *Cache) refresh(ctx context.Context) (string, error) {
	if c.fetch == nil {
		return "", fault.New(fault.ValidationError, "csrf.fetch", ErrNoFetcher)
	}
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	tok, err := c.fetchDecoded(ctx)
	c.metrics.CSRFFetch(err)
	if err != nil {
		c.log.Warn().Err(err).Msg("csrf token fetch failed")
		return "", fmt.Errorf("csrf: %w", err)
	}
	c.store(gen, tok)

	// nothing better to hand out; the next call fetches again
	if remaining := tok.ExpiresAt.Sub(c.now()); remaining <= c.buffer {
		c.log.Warn().
			Dur("remaining", remaining).
			Dur("buffer", c.buffer).
			Msg("fresh csrf token already inside expiry buffer")
	}
	c.log.Debug().Str("token", tokens.Fingerprint(tok.Value)).Msg("csrf token refreshed")
	return tok.Value, nil
}

func (c *Cache) fetchDecoded(ctx context.Context) (tokens.CSRFToken, error) {
	raw, err := c.fetch(ctx)
	if err != nil {
		return tokens.CSRFToken{}, err
	}
	return tokens.DecodeCSRF(raw)
}

func (c *Cache) store(gen uint64, tok tokens.CSRFToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.token = &tok
}

func abandoned(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.New(fault.Timeout, op, err)
	}
	return fault.New(fault.NetworkError, op, err)
}
