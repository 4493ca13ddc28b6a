package permission

import (
	"context"
	"slices"

	"git.sr.ht/~jakintosh/sessionkit/pkg/api"
	"git.sr.ht/~jakintosh/sessionkit/pkg/fault"
)

// LoadSnapshot fetches the current user's roles and permissions, which back
// HasPermissionCached and HasRoleCached.
func (c *Cache) LoadSnapshot(ctx context.Context) error {
	userID := c.user()
	if userID == "" {
		return fault.New(fault.Unauthorized, "permission.snapshot", ErrNoUser)
	}

	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	ch := c.group.DoChan("snapshot\x00"+userID, func() (any, error) {
		return c.authority.Permissions(context.WithoutCancel(ctx), userID)
	})
	var perms *api.UserPermissions
	select {
	case res := <-ch:
		if res.Err != nil {
			c.log.Warn().Err(res.Err).Msg("role snapshot fetch failed")
			return res.Err
		}
		perms, _ = res.Val.(*api.UserPermissions)
		if perms == nil {
			return fault.New(fault.ServerError, "permission.snapshot", ErrEmptyAnswer)
		}
	case <-ctx.Done():
		return fault.New(fault.NetworkError, "permission.snapshot", ctx.Err())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return nil
	}
	c.snapshot = &snapshot{userID: userID, perms: *perms, at: c.now()}
	c.log.Debug().
		Int("roles", len(perms.Roles)).
		Int("permissions", len(perms.Permissions)).
		Msg("role snapshot loaded")
	return nil
}

// Refresh drops every cached decision and reloads the role snapshot.
func (c *Cache) Refresh(ctx context.Context) error {
	c.Clear()
	return c.LoadSnapshot(ctx)
}

// HasPermissionCached answers from the last snapshot only. It reports false
// when there is no fresh snapshot for the current user.
func (c *Cache) HasPermissionCached(resource string, action string) bool {
	snap, ok := c.fresh()
	if !ok {
		return false
	}
	for _, p := range snap.perms.Permissions {
		if (p.Resource == "*" || p.Resource == resource) &&
			(p.Action == "*" || p.Action == action) {
			return true
		}
	}
	return false
}

func (c *Cache) HasRoleCached(role string) bool {
	snap, ok := c.fresh()
	if !ok {
		return false
	}
	return slices.Contains(snap.perms.Roles, role)
}

// Snapshot returns the last fresh snapshot for the current user.
func (c *Cache) Snapshot() (api.UserPermissions, bool) {
	snap, ok := c.fresh()
	if !ok {
		return api.UserPermissions{}, false
	}
	return snap.perms, true
}

func (c *Cache) fresh() (*snapshot, bool) {
	userID := c.user()
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := c.snapshot
	if snap == nil || userID == "" || snap.userID != userID {
		return nil, false
	}
	if c.now().Sub(snap.at) >= TTL {
		return nil, false
	}
	return snap, true
}
