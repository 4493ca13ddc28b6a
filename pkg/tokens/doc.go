// Package tokens reads and mints the JWTs that move between the session layer
// and the identity backend.
//
// The session layer never verifies signatures: the backend is the authority
// on whether a token is valid. It only peeks at payloads, to learn when an
// access token or a CSRF token expires:
//
//	csrf, err := tokens.DecodeCSRF(raw)
//	if err != nil {
//	    // payload malformed or not a CSRF token (fault.ValidationError)
//	}
//	refreshAt := csrf.ExpiresAt.Add(-5 * time.Minute)
//
//	if exp, ok := tokens.PeekExpiry(accessToken); ok {
//	    // exp is the access token's "exp" claim
//	}
//
// # Issuing (stub servers)
//
// [Issuer] signs ES256 tokens of each type and verifies them again. It backs
// the authtest stub backend and is not used by the client side:
//
//	issuer, _ := tokens.NewIssuer(tokens.GenerateKey(), "auth.example.com")
//	access, exp, _ := issuer.IssueAccess("alice", 30*time.Minute)
//	claims, err := issuer.Verify(access, tokens.TypeAccess)
//	if errors.Is(err, tokens.ErrTokenExpired) {
//	    // ...
//	}
package tokens
