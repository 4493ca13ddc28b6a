package permission_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/sessionkit/internal/testutil"
	"git.sr.ht/~jakintosh/sessionkit/pkg/api"
	"git.sr.ht/~jakintosh/sessionkit/pkg/fault"
	"git.sr.ht/~jakintosh/sessionkit/pkg/permission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type authority struct {
	mu          sync.Mutex
	allow       map[string]bool
	err         error
	checks      atomic.Int32
	snapshots   atomic.Int32
	release     chan struct{}
	lastCheck   api.PermissionCheck
	permissions api.UserPermissions
}

func (a *authority) Check(ctx context.Context, check api.PermissionCheck) (*api.Decision, error) {
	a.checks.Add(1)
	if a.release != nil {
		<-a.release
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastCheck = check
	if a.err != nil {
		return nil, a.err
	}
	return &api.Decision{Allowed: a.allow[check.Resource+":"+check.Action]}, nil
}

func (a *authority) Permissions(ctx context.Context, userID string) (*api.UserPermissions, error) {
	a.snapshots.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	perms := a.permissions
	return &perms, nil
}

func (a *authority) setErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

func newCache(user *string, opts ...permission.Option) (*permission.Cache, *authority, *testutil.Clock) {
	clock := testutil.NewClock(epoch)
	auth := &authority{
		allow: map[string]bool{"doc:read": true},
		permissions: api.UserPermissions{
			Roles:       []string{"editor"},
			Permissions: []api.Permission{{Resource: "doc", Action: "read"}, {Resource: "report", Action: "*"}},
		},
	}
	opts = append([]permission.Option{permission.WithClock(clock.Now)}, opts...)
	cache := permission.New(auth, func() string { return *user }, opts...)
	return cache, auth, clock
}

func TestCheckAccess_TTL(t *testing.T) {
	user := "u1"
	cache, auth, clock := newCache(&user)
	ctx := context.Background()

	allowed, err := cache.CheckAccess(ctx, "doc", "read")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.EqualValues(t, 1, auth.checks.Load())

	// inside the TTL: no network
	clock.Advance(permission.TTL - time.Second)
	for j := 0; j < 5; j++ {
		allowed, err = cache.CheckAccess(ctx, "doc", "read")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	assert.EqualValues(t, 1, auth.checks.Load())

	// past the TTL: exactly one more call
	clock.Advance(time.Second)
	for j := 0; j < 3; j++ {
		_, err = cache.CheckAccess(ctx, "doc", "read")
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, auth.checks.Load())
}

func TestCheckAccess_KeyIncludesScopeAndUser(t *testing.T) {
	user := "u1"
	cache, auth, _ := newCache(&user)
	ctx := context.Background()

	_, err := cache.CheckAccess(ctx, "doc", "read")
	require.NoError(t, err)
	_, err = cache.CheckAccess(ctx, "doc", "read", permission.Scope{OrganizationID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, "acme", auth.lastCheck.OrganizationID)
	_, err = cache.CheckAccess(ctx, "doc", "read", permission.Scope{OrganizationID: "acme", GroupID: "g1"})
	require.NoError(t, err)
	assert.Equal(t, "g1", auth.lastCheck.GroupID)
	_, err = cache.CheckAccess(ctx, "doc", "write")
	require.NoError(t, err)

	user = "u2"
	_, err = cache.CheckAccess(ctx, "doc", "read")
	require.NoError(t, err)
	assert.Equal(t, "u2", auth.lastCheck.UserID)

	assert.EqualValues(t, 5, auth.checks.Load())
	assert.Equal(t, 5, cache.Len())
}

func TestCheckAccess_ForbiddenIsCachedDenial(t *testing.T) {
	user := "u1"
	cache, auth, _ := newCache(&user)
	auth.setErr(fault.New(fault.Forbidden, "api.check", nil))
	ctx := context.Background()

	allowed, err := cache.CheckAccess(ctx, "doc", "read")
	require.NoError(t, err)
	assert.False(t, allowed)

	auth.setErr(nil)
	allowed, err = cache.CheckAccess(ctx, "doc", "read")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.EqualValues(t, 1, auth.checks.Load())
}

func TestCheckAccess_OtherErrorsRethrown(t *testing.T) {
	user := "u1"
	cache, auth, _ := newCache(&user)
	ctx := context.Background()

	for _, kind := range []fault.Kind{fault.ServerError, fault.NetworkError, fault.Timeout, fault.Unauthorized} {
		auth.setErr(fault.New(kind, "api.check", errors.New("boom")))
		_, err := cache.CheckAccess(ctx, "doc", "read")
		assert.Equal(t, kind, fault.KindOf(err))
	}
	assert.Equal(t, 0, cache.Len())

	auth.setErr(nil)
	allowed, err := cache.CheckAccess(ctx, "doc", "read")
	require.NoError(t, err)
	assert.True(t, allowed)
}

type silentAuthority struct{}

func (silentAuthority) Check(context.Context, api.PermissionCheck) (*api.Decision, error) {
	return nil, nil
}

func (silentAuthority) Permissions(context.Context, string) (*api.UserPermissions, error) {
	return nil, nil
}

func TestCheckAccess_EmptyAnswerIsServerError(t *testing.T) {
	cache := permission.New(silentAuthority{}, func() string { return "u1" })
	ctx := context.Background()

	allowed, err := cache.CheckAccess(ctx, "doc", "read")
	assert.False(t, allowed)
	assert.Equal(t, fault.ServerError, fault.KindOf(err))
	assert.ErrorIs(t, err, permission.ErrEmptyAnswer)
	assert.Equal(t, 0, cache.Len())

	err = cache.LoadSnapshot(ctx)
	assert.ErrorIs(t, err, permission.ErrEmptyAnswer)
	assert.False(t, cache.HasRoleCached("editor"))
}

func TestCheckAccess_NoUser(t *testing.T) {
	user := ""
	cache, auth, _ := newCache(&user)

	allowed, err := cache.CheckAccess(context.Background(), "doc", "read")
	assert.False(t, allowed)
	assert.Equal(t, fault.Unauthorized, fault.KindOf(err))
	assert.ErrorIs(t, err, permission.ErrNoUser)
	assert.EqualValues(t, 0, auth.checks.Load())
}

func TestCheckAccess_ConcurrentMissesShareCall(t *testing.T) {
	user := "u1"
	cache, auth, _ := newCache(&user)
	auth.release = make(chan struct{})

	var wg sync.WaitGroup
	for j := 0; j < 10; j++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed, err := cache.CheckAccess(context.Background(), "doc", "read")
			assert.NoError(t, err)
			assert.True(t, allowed)
		}()
	}
	require.Eventually(t, func() bool { return auth.checks.Load() == 1 }, time.Second, time.Millisecond)
	close(auth.release)
	wg.Wait()
	assert.EqualValues(t, 1, auth.checks.Load())
}

func TestCheckAccess_RateLimited(t *testing.T) {
	user := "u1"
	cache, auth, _ := newCache(&user, permission.WithRateLimit(rate.Limit(0), 2))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := cache.CheckAccess(ctx, "doc", "read")
	require.NoError(t, err)
	_, err = cache.CheckAccess(ctx, "doc", "write")
	require.NoError(t, err)

	// burst spent and no refill: the third distinct check cannot proceed
	_, err = cache.CheckAccess(ctx, "doc", "delete")
	require.Error(t, err)
	assert.EqualValues(t, 2, auth.checks.Load())

	// hits are not throttled
	allowed, err := cache.CheckAccess(context.Background(), "doc", "read")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestSnapshot_CachedChecks(t *testing.T) {
	user := "u1"
	cache, auth, clock := newCache(&user)

	assert.False(t, cache.HasPermissionCached("doc", "read"))
	assert.False(t, cache.HasRoleCached("editor"))

	require.NoError(t, cache.LoadSnapshot(context.Background()))
	assert.True(t, cache.HasPermissionCached("doc", "read"))
	assert.False(t, cache.HasPermissionCached("doc", "write"))
	assert.True(t, cache.HasPermissionCached("report", "export"))
	assert.True(t, cache.HasRoleCached("editor"))
	assert.False(t, cache.HasRoleCached("admin"))
	assert.EqualValues(t, 0, auth.checks.Load())

	// stale after the TTL
	clock.Advance(permission.TTL)
	assert.False(t, cache.HasPermissionCached("doc", "read"))
	assert.False(t, cache.HasRoleCached("editor"))
	_, ok := cache.Snapshot()
	assert.False(t, ok)
}

func TestSnapshot_IgnoredForOtherUser(t *testing.T) {
	user := "u1"
	cache, _, _ := newCache(&user)
	require.NoError(t, cache.LoadSnapshot(context.Background()))

	user = "u2"
	assert.False(t, cache.HasRoleCached("editor"))
}

func TestRefresh_ClearsDecisionsAndReloads(t *testing.T) {
	user := "u1"
	cache, auth, _ := newCache(&user)
	ctx := context.Background()

	_, err := cache.CheckAccess(ctx, "doc", "read")
	require.NoError(t, err)
	require.NoError(t, cache.LoadSnapshot(ctx))

	auth.mu.Lock()
	auth.allow["doc:read"] = false
	auth.permissions = api.UserPermissions{Roles: []string{"viewer"}}
	auth.mu.Unlock()

	require.NoError(t, cache.Refresh(ctx))
	assert.EqualValues(t, 2, auth.snapshots.Load())
	assert.True(t, cache.HasRoleCached("viewer"))
	assert.False(t, cache.HasRoleCached("editor"))

	allowed, err := cache.CheckAccess(ctx, "doc", "read")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.EqualValues(t, 2, auth.checks.Load())
}

func TestRefresh_FailureLeavesNoSnapshot(t *testing.T) {
	user := "u1"
	cache, auth, _ := newCache(&user)
	require.NoError(t, cache.LoadSnapshot(context.Background()))

	auth.setErr(fault.New(fault.ServerError, "api.permissions", nil))
	err := cache.Refresh(context.Background())
	assert.Equal(t, fault.ServerError, fault.KindOf(err))
	assert.False(t, cache.HasRoleCached("editor"))
}

func TestClear_InFlightCheckNotCached(t *testing.T) {
	user := "u1"
	cache, auth, _ := newCache(&user)
	auth.release = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cache.CheckAccess(context.Background(), "doc", "read")
	}()
	require.Eventually(t, func() bool { return auth.checks.Load() == 1 }, time.Second, time.Millisecond)
	cache.Clear()
	close(auth.release)
	<-done

	assert.Equal(t, 0, cache.Len())
}
