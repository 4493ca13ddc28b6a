package authtest

import "time"

// Endpoint names a stub route for call counting and failure scripting.
type Endpoint string

const (
	EndpointLogin       Endpoint = "login"
	EndpointRefresh     Endpoint = "refresh"
	EndpointMe          Endpoint = "me"
	EndpointLogout      Endpoint = "logout"
	EndpointCSRF        Endpoint = "csrf"
	EndpointCheck       Endpoint = "check"
	EndpointPermissions Endpoint = "permissions"
	EndpointItems       Endpoint = "items"
)

// PathItems is a protected resource: GET needs a bearer token, mutating
// methods also need a live CSRF token.
const PathItems = "/api/items"

const (
	DefaultIssuerDomain = "authtest.local"
	CSRFHeader          = "X-CSRF-Token"
	CSRFCookieName      = "csrf_token"
	AdminRole           = "admin"
)

const (
	defaultAccessLifetime  = 30 * time.Minute
	defaultRefreshLifetime = 72 * time.Hour
	defaultCSRFLifetime    = time.Hour
)
