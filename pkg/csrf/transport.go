package csrf

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"git.sr.ht/~jakintosh/sessionkit/pkg/api"
)

// Protect sets the CSRF header on req when the request needs one.
func (c *Cache) Protect(req *http.Request) error {
	if !c.RequiresProtection(req.URL.Path, req.Method) {
		return nil
	}
	token, err := c.GetValidToken(req.Context())
	if err != nil {
		return err
	}
	req.Header.Set(c.header, token)
	return nil
}

// FetchWithProtection sends req through d with a CSRF header when needed.
// If the server rejects the token, the cache is invalidated and a replayable
// request is sent once more with a fresh token.
func (c *Cache) FetchWithProtection(
	ctx context.Context,
	d api.Doer,
	req *http.Request,
) (
	*http.Response,
	error,
) {
	req = req.WithContext(ctx)
	if err := c.Protect(req); err != nil {
		return nil, err
	}
	resp, err := d.Do(req)
	if err != nil || !c.rejected(resp) {
		return resp, err
	}

	retry, ok := replay(req)
	if !ok {
		return resp, nil
	}
	resp.Body.Close()
	if err := c.Protect(retry); err != nil {
		return nil, err
	}
	return d.Do(retry)
}

// Transport wraps base so that every outgoing request is protected. A nil
// base means http.DefaultTransport.
func (c *Cache) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &transport{cache: c, base: base}
}

type transport struct {
	cache *Cache
	base  http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.cache.RequiresProtection(req.URL.Path, req.Method) {
		return t.base.RoundTrip(req)
	}
	out := req.Clone(req.Context())
	if err := t.cache.Protect(out); err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}
	resp, err := t.base.RoundTrip(out)
	if err == nil {
		t.cache.rejected(resp)
	}
	return resp, err
}

// rejected reports whether resp refuses the CSRF token, invalidating the
// cache if so. The body stays readable.
func (c *Cache) rejected(resp *http.Response) bool {
	if resp.StatusCode != http.StatusForbidden {
		return false
	}
	buf, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(buf))
	if err != nil {
		return false
	}

	var body api.ErrorResponse
	if json.Unmarshal(buf, &body) != nil || body.Code != api.CodeCSRFInvalid {
		return false
	}
	c.log.Debug().Msg("server rejected csrf token")
	c.Invalidate()
	return true
}

func replay(req *http.Request) (*http.Request, bool) {
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
