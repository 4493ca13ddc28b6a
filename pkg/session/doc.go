/*
Package session owns the lifecycle of an authenticated session: restoring it
from stored tokens, refreshing it, logging in and out.

Initialization is an explicit state machine:

	NoCredentials ──────────────────────────────> Invalid
	Validating ──ok──> Valid
	Validating ──auth failure──> Refreshing ──ok──> Validating (retry) ──> Valid | Invalid
	                             Refreshing ──fail──> Invalid (purge)
	Validating ──other failure──> Invalid (credentials kept)

A run records whether it has refreshed and whether it has retried, and the
transition function refuses a second edge of either kind. One
initialization performs at most one refresh and one retried identity fetch.

Concurrent callers of Initialize, Refresh and Resume share in-flight work.
A caller whose context ends stops waiting; the shared work completes and
applies its result unless Login or Logout happened in the meantime.

Every successful refresh stores the new pair and then moves the remembered
credentials (see LoginOptions) onto the new refresh token.
*/
package session
