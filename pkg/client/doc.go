// Package client provides the security context of an application: the
// object that owns the user's session and makes authenticated requests on
// its behalf.
//
// A Client wires the pieces of sessionkit together around one HTTP client:
// the credential store, the session manager, the CSRF token cache and the
// permission cache. Build one per application and pass it to the code that
// needs it.
//
// # Quick Start
//
//	kv, err := store.NewFileStore(dir, secret)
//	if err != nil {
//	    return err
//	}
//	sc, err := client.New(client.Config{
//	    BaseURL: "https://auth.example.com",
//	    Store:   kv,
//	    Logger:  log,
//	})
//	if err != nil {
//	    return err
//	}
//	defer sc.Close()
//
//	// restore the session saved by a previous run
//	if _, err := sc.Initialize(ctx); err != nil {
//	    log.Warn().Err(err).Msg("could not restore session")
//	}
//	if !sc.Authenticated() {
//	    _, err = sc.Login(ctx, email, password, session.LoginOptions{Remember: true})
//	}
//
// # Making Requests
//
// Do attaches the bearer token to every request and a CSRF token to
// POST, PUT, PATCH and DELETE requests outside the exempt paths. When the
// server answers 401, the session is refreshed once (shared with any other
// request that hit the same 401) and the request is retried once:
//
//	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
//	resp, err := sc.Do(req)
//
// HTTPClient returns an *http.Client routed through Do for libraries that
// want one.
//
// # Permissions
//
// Can asks the backend on a cache miss and remembers the answer for five
// minutes. HasPermission and HasRole answer from the snapshot loaded at
// login without any network call:
//
//	ok, err := sc.Can(ctx, "invoice", "approve", permission.Scope{OrganizationID: org})
//	if sc.HasRole("admin") { ... }
//
// # Cross-Process Logout
//
// When the store is a *store.FileStore, the Client watches its directory.
// Another process logging out signs this one out too, and tokens refreshed
// elsewhere are adopted.
//
// # Testing
//
// For testability, depend on the Verifier or SecurityContext interface
// rather than *Client. Package authtest provides a backend to run a real
// Client against.
package client
