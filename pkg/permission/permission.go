package permission

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"git.sr.ht/~jakintosh/sessionkit/internal/metrics"
	"git.sr.ht/~jakintosh/sessionkit/pkg/api"
	"git.sr.ht/~jakintosh/sessionkit/pkg/fault"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// TTL bounds how long a decision or a role snapshot is served.
const TTL = 5 * time.Minute

var (
	ErrNoUser      = errors.New("no authenticated user")
	ErrEmptyAnswer = errors.New("authority returned no answer")
)

// Authority answers permission questions authoritatively.
type Authority interface {
	Check(ctx context.Context, check api.PermissionCheck) (*api.Decision, error)
	Permissions(ctx context.Context, userID string) (*api.UserPermissions, error)
}

// Scope narrows a check to an organization and optionally a group.
type Scope struct {
	OrganizationID string
	GroupID        string
}

type key struct {
	userID   string
	resource string
	action   string
	orgID    string
	groupID  string
}

func (k key) String() string {
	return strings.Join([]string{k.userID, k.resource, k.action, k.orgID, k.groupID}, "\x00")
}

type entry struct {
	allowed bool
	at      time.Time
}

type snapshot struct {
	userID string
	perms  api.UserPermissions
	at     time.Time
}

// Cache memoizes authorization decisions for TTL. Expired entries are
// dropped when read; nothing sweeps in the background.
type Cache struct {
	authority Authority
	user      func() string
	limiter   *rate.Limiter
	now       func() time.Time
	log       zerolog.Logger
	metrics   *metrics.Metrics

	mu       sync.RWMutex
	entries  map[key]entry
	snapshot *snapshot
	gen      uint64

	group singleflight.Group
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Cache) { c.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithRateLimit throttles authoritative checks to r per second with the
// given burst. Cache hits are never throttled.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Cache) { c.limiter = rate.NewLimiter(r, burst) }
}

// New returns a cache asking authority on misses. user reports the current
// user id, "" when nobody is signed in.
func New(
	authority Authority,
	user func() string,
	opts ...Option,
) *Cache {
	c := &Cache{
		authority: authority,
		user:      user,
		now:       time.Now,
		log:       zerolog.Nop(),
		entries:   make(map[key]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckAccess decides whether the current user may perform action on
// resource. A 403 from the authority is a cached denial; any other failure
// is returned.
func (c *Cache) CheckAccess(
	ctx context.Context,
	resource string,
	action string,
	scope ...Scope,
) (
	bool,
	error,
) {
	userID := c.user()
	if userID == "" {
		return false, fault.New(fault.Unauthorized, "permission.check", ErrNoUser)
	}
	return c.CheckAccessFor(ctx, userID, resource, action, scope...)
}

// CheckAccessFor is CheckAccess for an explicit user.
func (c *Cache) CheckAccessFor(
	ctx context.Context,
	userID string,
	resource string,
	action string,
	scope ...Scope,
) (
	bool,
	error,
) {
	k := key{userID: userID, resource: resource, action: action}
	if len(scope) > 0 {
		k.orgID = scope[0].OrganizationID
		k.groupID = scope[0].GroupID
	}

	if allowed, ok := c.lookup(k); ok {
		c.metrics.PermissionLookup(true)
		return allowed, nil
	}
	c.metrics.PermissionLookup(false)

	ch := c.group.DoChan(k.String(), func() (any, error) {
		return c.authoritative(context.WithoutCancel(ctx), k)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, fault.New(fault.Timeout, "permission.check", ctx.Err())
		}
		return false, fault.New(fault.NetworkError, "permission.check", ctx.Err())
	}
}

func (c *Cache) lookup(k key) (bool, bool) {
	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if !ok {
		return false, false
	}
	if c.now().Sub(e.at) < TTL {
		return e.allowed, true
	}

	c.mu.Lock()
	if cur, ok := c.entries[k]; ok && cur == e {
		delete(c.entries, k)
	}
	c.mu.Unlock()
	return false, false
}

func (c *Cache) authoritative(ctx context.Context, k key) (bool, error) {
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return false, fault.New(fault.Timeout, "permission.check", err)
		}
	}

	decision, err := c.authority.Check(ctx, api.PermissionCheck{
		UserID:         k.userID,
		Resource:       k.resource,
		Action:         k.action,
		OrganizationID: k.orgID,
		GroupID:        k.groupID,
	})
	if err == nil && decision == nil {
		err = fault.New(fault.ServerError, "permission.check", ErrEmptyAnswer)
	}
	var allowed bool
	switch {
	case fault.Is(err, fault.Forbidden):
		c.log.Debug().Str("resource", k.resource).Str("action", k.action).Msg("permission check forbidden")
	case err != nil:
		c.log.Warn().Err(err).Str("resource", k.resource).Str("action", k.action).Msg("permission check failed")
		return false, err
	default:
		allowed = decision.Allowed
	}

	c.mu.Lock()
	if c.gen == gen {
		c.entries[k] = entry{allowed: allowed, at: c.now()}
	}
	c.mu.Unlock()
	return allowed, nil
}

// Len reports the number of cached decisions, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops every decision and the role snapshot. Checks in flight do not
// repopulate the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	c.snapshot = nil
	c.gen++
}
