package client

import (
	"net/http"
)

// Do sends req with the session's bearer token and, for state-changing
// requests, a CSRF token. A 401 triggers one shared refresh and a single
// retry of a replayable request.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	bearer := c.session.Bearer()
	resp, err := c.send(req, bearer)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || bearer == "" {
		return resp, err
	}

	retry, ok := rewind(req)
	if !ok {
		return resp, nil
	}
	sess, err := c.session.RefreshAfter(ctx, bearer)
	if err != nil {
		c.log.Debug().Err(err).Msg("refresh after 401 failed")
		return resp, nil
	}
	resp.Body.Close()
	c.metrics.Retry()
	return c.send(retry, sess.AccessToken)
}

// HTTPClient returns an *http.Client whose requests go through Do.
func (c *Client) HTTPClient() *http.Client {
	return &http.Client{Transport: roundTripper{c}}
}

func (c *Client) send(req *http.Request, bearer string) (*http.Response, error) {
	out := req.Clone(req.Context())
	if bearer != "" {
		out.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.csrf.FetchWithProtection(req.Context(), c.http, out)
}

type roundTripper struct {
	c *Client
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt.c.Do(req)
}

// rewind returns a copy of req with a fresh body, or false when the body
// cannot be read again.
func rewind(req *http.Request) (*http.Request, bool) {
	if req.Body == nil || req.Body == http.NoBody {
		return req.Clone(req.Context()), true
	}
	if req.GetBody == nil {
		return nil, false
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	out := req.Clone(req.Context())
	out.Body = body
	return out, true
}
