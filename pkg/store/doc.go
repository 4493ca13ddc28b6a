// Package store persists the session's credentials: the access/refresh token
// bundle, the "remember me" credentials used for biometric re-authentication,
// and a handful of flags.
//
// Persistence is a pluggable key-value capability ([KV]) with four backends:
//
//   - [MemoryStore]: process-local, for tests and short-lived tools
//   - [FileStore]: one encrypted file per key in a private directory
//   - [SQLStore]: a single SQLite table (see [OpenSQLite])
//   - [RedisStore]: a shared Redis instance
//
// [Credentials] composes a KV into the higher-level operations the session
// layer needs. Writing a token bundle is all-or-nothing: if the refresh token
// cannot be written, the access token written just before it is removed again,
// so a reader never observes half a bundle.
//
// Every backend failure surfaces as a [fault.StorageError]. Callers are
// expected to treat it as "not authenticated".
package store
