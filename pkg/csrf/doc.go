/*
Package csrf caches the anti-forgery token required on mutating requests.

The token's expiry is read from its own payload (no signature check; the
server is the authority). A cached token is handed out only while it is more
than the buffer (default five minutes) away from expiring; otherwise a new
one is fetched first, and concurrent callers wait on that one fetch.

	cache := csrf.New(func(ctx context.Context) (string, error) {
	    return apiClient.CSRFToken(ctx, "")
	})
	httpClient.Transport = cache.Transport(httpClient.Transport)

POST, PUT, PATCH and DELETE need a token, except on the root path and under
the exempt prefixes (/health, /healthz, /docs, /openapi, /webhooks). A 403
answer with code CSRF_INVALID drops the cached token.
*/
package csrf
