package client

import (
	"context"
	"net/http"

	"git.sr.ht/~jakintosh/sessionkit/pkg/api"
	"git.sr.ht/~jakintosh/sessionkit/pkg/permission"
)

// Verifier answers who is signed in and what they may do.
// Consuming code should depend on this interface rather than *Client
// to enable testing with fake implementations.
type Verifier interface {
	Authenticated() bool
	User() *api.User
	Can(ctx context.Context, resource string, action string, scope ...permission.Scope) (bool, error)
	HasPermission(resource string, action string) bool
}

// Doer sends authenticated, CSRF-protected requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SecurityContext is everything an application needs from the session
// layer.
type SecurityContext interface {
	Verifier
	Doer
	Logout(ctx context.Context)
}

// Compile-time check that *Client implements the interfaces.
var _ Verifier = (*Client)(nil)
var _ Doer = (*Client)(nil)
var _ SecurityContext = (*Client)(nil)
var _ api.Doer = (*Client)(nil)
