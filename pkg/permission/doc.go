// Package permission caches authorization decisions for five minutes.
//
// CheckAccess is authoritative: a miss asks the backend, keyed by user,
// resource, action and optional organization and group. A 403 counts as a
// denial; every other failure is returned so that an outage is never read as
// allow or deny.
//
// HasPermissionCached and HasRoleCached never touch the network. They read
// the last role snapshot (see LoadSnapshot and Refresh) and report false
// once it is older than the TTL.
package permission
