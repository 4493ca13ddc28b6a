// Package authtest provides an in-memory identity and RBAC backend for
// exercising session code without a real server.
//
// The server speaks the same JSON contract as the production backend
// (login, refresh with rotation, me, logout, csrf-token, permission checks)
// and adds controls tests need: call counters, scripted failures, and
// forced expiry.
//
// # Basic Usage
//
//	func TestLogin(t *testing.T) {
//	    srv, url := authtest.Start(t)
//	    srv.MustAddUser("alice@example.com", "pw", "editor")
//	    srv.DefineRole("editor", api.Permission{Resource: "doc", Action: "write"})
//
//	    c, _ := api.New(url)
//	    res, err := c.Login(ctx, api.Credentials{Email: "alice@example.com", Password: "pw"})
//	    ...
//	}
//
// # Scripting Failures
//
// FailNext queues failures for an endpoint. Auth kinds answer 401 with the
// matching code, Forbidden answers 403, ServerError answers 500 and
// NetworkError breaks the connection:
//
//	srv.FailNext(authtest.EndpointMe, fault.TokenExpired, 1)
//	srv.FailNext(authtest.EndpointRefresh, fault.ServerError, 2)
//
// ExpireAccessTokens makes every access token issued so far report
// TOKEN_EXPIRED, which is the usual way to drive a refresh.
package authtest
