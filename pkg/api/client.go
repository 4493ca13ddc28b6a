package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"git.sr.ht/~jakintosh/sessionkit/pkg/fault"
	"git.sr.ht/~jakintosh/sessionkit/pkg/tokens"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const RequestIDHeader = "X-Request-ID"

var (
	ErrBadResponse = errors.New("invalid response")
	ErrBadBaseURL  = errors.New("invalid base url")
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client talks to the identity and authorization backend. It holds no
// session state: every authenticated call takes its bearer token explicitly.
type Client struct {
	baseURL string
	http    Doer
	log     zerolog.Logger
	now     func() time.Time
}

type Option func(*Client)

func WithHTTPClient(d Doer) Option {
	return func(c *Client) { c.http = d }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func New(
	baseURL string,
	opts ...Option,
) (
	*Client,
	error,
) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrBadBaseURL, baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    http.DefaultClient,
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

// Login exchanges credentials for a user and a fresh token pair.
func (c *Client) Login(ctx context.Context, creds Credentials) (*LoginResult, error) {
	var resp TokenResponse
	if err := c.call(ctx, "api.login", http.MethodPost, PathLogin, "", creds, &resp); err != nil {
		return nil, err
	}
	if resp.User == nil {
		return nil, fault.New(fault.ServerError, "api.login", fmt.Errorf("%w: missing user", ErrBadResponse))
	}
	pair, err := c.tokenPair("api.login", resp)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: *resp.User, Tokens: *pair}, nil
}

// Refresh exchanges a refresh token for a new pair. The backend rotates
// refresh tokens, so the old one must not be reused after success.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	var resp TokenResponse
	req := RefreshRequest{RefreshToken: refreshToken}
	if err := c.call(ctx, "api.refresh", http.MethodPost, PathRefresh, "", req, &resp); err != nil {
		return nil, err
	}
	return c.tokenPair("api.refresh", resp)
}

// Me fetches the identity behind an access token.
func (c *Client) Me(ctx context.Context, accessToken string) (*User, error) {
	var resp MeResponse
	if err := c.call(ctx, "api.me", http.MethodGet, PathMe, accessToken, nil, &resp); err != nil {
		return nil, err
	}
	if resp.User.ID == "" {
		return nil, fault.New(fault.ServerError, "api.me", fmt.Errorf("%w: missing user", ErrBadResponse))
	}
	return &resp.User, nil
}

func (c *Client) Logout(ctx context.Context, accessToken string, refreshToken string) error {
	req := LogoutRequest{RefreshToken: refreshToken}
	return c.call(ctx, "api.logout", http.MethodPost, PathLogout, accessToken, req, nil)
}

// CSRFToken fetches a fresh anti-forgery token. The response also sets a
// cookie, so the Doer should carry a cookie jar.
func (c *Client) CSRFToken(ctx context.Context, accessToken string) (string, error) {
	var resp CSRFResponse
	if err := c.call(ctx, "api.csrf", http.MethodGet, PathCSRFToken, accessToken, nil, &resp); err != nil {
		return "", err
	}
	if resp.CSRFToken == "" {
		return "", fault.New(fault.ServerError, "api.csrf", fmt.Errorf("%w: empty csrf_token", ErrBadResponse))
	}
	return resp.CSRFToken, nil
}

func (c *Client) CheckPermission(
	ctx context.Context,
	accessToken string,
	check PermissionCheck,
) (
	*Decision,
	error,
) {
	var resp Decision
	err := c.call(ctx, "api.check", http.MethodPost, PathPermissionCheck, accessToken, check, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) UserPermissions(
	ctx context.Context,
	accessToken string,
	userID string,
) (
	*UserPermissions,
	error,
) {
	var resp UserPermissions
	path := strings.Replace(PathUserPermissions, "{id}", url.PathEscape(userID), 1)
	if err := c.call(ctx, "api.permissions", http.MethodGet, path, accessToken, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) tokenPair(op string, resp TokenResponse) (*TokenPair, error) {
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		return nil, fault.New(fault.ServerError, op, fmt.Errorf("%w: missing token", ErrBadResponse))
	}
	pair := &TokenPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}
	if resp.ExpiresIn > 0 {
		pair.ExpiresAt = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	} else if exp, ok := tokens.PeekExpiry(resp.AccessToken); ok {
		pair.ExpiresAt = exp
	}
	return pair, nil
}

func (c *Client) call(
	ctx context.Context,
	op string,
	method string,
	path string,
	bearer string,
	in any,
	out any,
) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fault.New(fault.ValidationError, op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fault.New(fault.ValidationError, op, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, requestID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		kind := transportKind(err)
		c.log.Debug().
			Err(err).
			Str("op", op).
			Str("request_id", requestID).
			Str("kind", string(kind)).
			Msg("backend unreachable")
		return fault.New(kind, op, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("op", op).
		Str("request_id", requestID).
		Int("status", resp.StatusCode).
		Dur("elapsed", c.now().Sub(start)).
		Msg("backend call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classify(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &fault.Error{
			Kind:   fault.ServerError,
			Op:     op,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%w: %v", ErrBadResponse, err),
		}
	}
	return nil
}

func transportKind(err error) fault.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fault.Timeout
	}
	return fault.NetworkError
}
