/*
Package api is a typed client for the identity and authorization backend.

	c, err := api.New("https://auth.example.com", api.WithHTTPClient(httpClient))
	res, err := c.Login(ctx, api.Credentials{Email: "a@b.c", Password: "pw"})
	user, err := c.Me(ctx, res.Tokens.AccessToken)

Every failure is a *fault.Error, classified from the HTTP status and the
"code" field of the JSON error body:

	401 + TOKEN_EXPIRED   fault.TokenExpired
	401 + INVALID_TOKEN   fault.InvalidToken
	401                   fault.Unauthorized
	403                   fault.Forbidden
	400, 422              fault.ValidationError
	other non-2xx         fault.ServerError
	deadline, timeouts    fault.Timeout
	other transport       fault.NetworkError

Each request carries a fresh X-Request-ID header.
*/
package api
