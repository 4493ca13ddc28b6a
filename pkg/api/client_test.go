package api_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/sessionkit/pkg/api"
	"git.sr.ht/~jakintosh/sessionkit/pkg/authtest"
	"git.sr.ht/~jakintosh/sessionkit/pkg/fault"
	"git.sr.ht/~jakintosh/sessionkit/pkg/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "alice@example.com"
	testPassword = "correct horse"
)

func setup(t *testing.T, opts ...authtest.Option) (*authtest.Server, *api.Client) {
	t.Helper()
	srv, url := authtest.Start(t, opts...)
	srv.MustAddUser(testEmail, testPassword, "editor")
	srv.DefineRole("editor",
		api.Permission{Resource: "doc", Action: "read"},
		api.Permission{Resource: "doc", Action: "write"},
	)
	c, err := api.New(url)
	require.NoError(t, err)
	return srv, c
}

func login(t *testing.T, c *api.Client) *api.LoginResult {
	t.Helper()
	res, err := c.Login(context.Background(), api.Credentials{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	return res
}

func TestNew_RejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "not a url", "/relative"} {
		_, err := api.New(raw)
		assert.ErrorIs(t, err, api.ErrBadBaseURL, "input %q", raw)
	}
}

func TestLogin_Success(t *testing.T) {
	_, c := setup(t)
	res := login(t, c)

	assert.Equal(t, testEmail, res.User.Email)
	assert.NotEmpty(t, res.User.ID)
	assert.Equal(t, []string{"editor"}, res.User.Roles)
	assert.NotEmpty(t, res.Tokens.AccessToken)
	assert.NotEmpty(t, res.Tokens.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), res.Tokens.ExpiresAt, 5*time.Second)
}

func TestLogin_ExpiryFromTokenWhenOmitted(t *testing.T) {
	_, c := setup(t, authtest.WithoutExpiresIn())
	res := login(t, c)

	exp, ok := tokens.PeekExpiry(res.Tokens.AccessToken)
	require.True(t, ok)
	assert.Equal(t, exp, res.Tokens.ExpiresAt)
}

func TestLogin_WrongPassword(t *testing.T) {
	_, c := setup(t)
	_, err := c.Login(context.Background(), api.Credentials{Email: testEmail, Password: "nope"})

	require.Error(t, err)
	assert.Equal(t, fault.Unauthorized, fault.KindOf(err))
	assert.Equal(t, api.CodeUnauthorized, api.ErrorCode(err))
}

func TestLogin_MissingFields(t *testing.T) {
	_, c := setup(t)
	_, err := c.Login(context.Background(), api.Credentials{Email: testEmail})
	assert.Equal(t, fault.ValidationError, fault.KindOf(err))
}

func TestMe(t *testing.T) {
	_, c := setup(t)
	res := login(t, c)

	user, err := c.Me(context.Background(), res.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, user.ID)
}

func TestMe_Classification(t *testing.T) {
	srv, c := setup(t)
	res := login(t, c)
	ctx := context.Background()

	_, err := c.Me(ctx, "")
	assert.Equal(t, fault.Unauthorized, fault.KindOf(err))

	_, err = c.Me(ctx, "garbage")
	assert.Equal(t, fault.InvalidToken, fault.KindOf(err))

	srv.ExpireAccessTokens()
	_, err = c.Me(ctx, res.Tokens.AccessToken)
	assert.Equal(t, fault.TokenExpired, fault.KindOf(err))
	assert.True(t, fault.IsAuth(err))
}

func TestMe_InjectedFailures(t *testing.T) {
	srv, c := setup(t)
	res := login(t, c)
	ctx := context.Background()

	cases := []fault.Kind{
		fault.TokenExpired,
		fault.InvalidToken,
		fault.Unauthorized,
		fault.Forbidden,
		fault.ValidationError,
		fault.ServerError,
		fault.NetworkError,
	}
	for _, kind := range cases {
		srv.FailNext(authtest.EndpointMe, kind, 1)
		_, err := c.Me(ctx, res.Tokens.AccessToken)
		assert.Equal(t, kind, fault.KindOf(err), "injected %s", kind)
	}

	_, err := c.Me(ctx, res.Tokens.AccessToken)
	assert.NoError(t, err)
}

func TestRefresh_Rotates(t *testing.T) {
	srv, c := setup(t)
	res := login(t, c)
	ctx := context.Background()

	pair, err := c.Refresh(ctx, res.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, res.Tokens.RefreshToken, pair.RefreshToken)
	assert.NotEqual(t, res.Tokens.AccessToken, pair.AccessToken)
	assert.Equal(t, 1, srv.LiveRefreshTokens())

	// the old refresh token was consumed
	_, err = c.Refresh(ctx, res.Tokens.RefreshToken)
	assert.Equal(t, fault.InvalidToken, fault.KindOf(err))
}

func TestRefresh_Expired(t *testing.T) {
	_, c := setup(t, authtest.WithRefreshLifetime(-time.Minute))
	res := login(t, c)

	_, err := c.Refresh(context.Background(), res.Tokens.RefreshToken)
	assert.Equal(t, fault.TokenExpired, fault.KindOf(err))
}

func TestLogout_RevokesRefresh(t *testing.T) {
	srv, c := setup(t)
	res := login(t, c)
	ctx := context.Background()

	require.NoError(t, c.Logout(ctx, res.Tokens.AccessToken, res.Tokens.RefreshToken))
	assert.Equal(t, 0, srv.LiveRefreshTokens())

	// logging out twice is harmless
	require.NoError(t, c.Logout(ctx, "", ""))
}

func TestCSRFToken(t *testing.T) {
	_, c := setup(t)
	raw, err := c.CSRFToken(context.Background(), "")
	require.NoError(t, err)

	tok, err := tokens.DecodeCSRF(raw)
	require.NoError(t, err)
	assert.True(t, tok.ExpiresAt.After(time.Now()))
}

func TestCheckPermission(t *testing.T) {
	srv, c := setup(t)
	res := login(t, c)
	ctx := context.Background()

	d, err := c.CheckPermission(ctx, res.Tokens.AccessToken, api.PermissionCheck{
		UserID: res.User.ID, Resource: "doc", Action: "write",
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "editor", d.MatchedRole)

	d, err = c.CheckPermission(ctx, res.Tokens.AccessToken, api.PermissionCheck{
		UserID: res.User.ID, Resource: "doc", Action: "delete",
	})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.NotEmpty(t, d.Reason)

	// scoped assignment only applies inside its organization
	srv.DefineRole("org-admin", api.Permission{Resource: "*", Action: "*"})
	require.NoError(t, srv.Assign(testEmail, "org-admin", authtest.Scope{OrganizationID: "acme"}))
	d, err = c.CheckPermission(ctx, res.Tokens.AccessToken, api.PermissionCheck{
		UserID: res.User.ID, Resource: "billing", Action: "read", OrganizationID: "acme",
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = c.CheckPermission(ctx, res.Tokens.AccessToken, api.PermissionCheck{
		UserID: res.User.ID, Resource: "billing", Action: "read", OrganizationID: "other",
	})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestCheckPermission_OtherUserForbidden(t *testing.T) {
	srv, c := setup(t)
	res := login(t, c)
	bob := srv.MustAddUser("bob@example.com", "pw")

	_, err := c.CheckPermission(context.Background(), res.Tokens.AccessToken, api.PermissionCheck{
		UserID: bob.ID, Resource: "doc", Action: "read",
	})
	assert.Equal(t, fault.Forbidden, fault.KindOf(err))
	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusForbidden, fe.Status)
}

func TestUserPermissions(t *testing.T) {
	_, c := setup(t)
	res := login(t, c)

	perms, err := c.UserPermissions(context.Background(), res.Tokens.AccessToken, res.User.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"editor"}, perms.Roles)
	assert.ElementsMatch(t, []api.Permission{
		{Resource: "doc", Action: "read"},
		{Resource: "doc", Action: "write"},
	}, perms.Permissions)
}

func TestRequestID(t *testing.T) {
	srv, c := setup(t)
	login(t, c)
	first := srv.LastRequest(authtest.EndpointLogin).Header.Get(api.RequestIDHeader)
	login(t, c)
	second := srv.LastRequest(authtest.EndpointLogin).Header.Get(api.RequestIDHeader)

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}

func TestTransport_Timeout(t *testing.T) {
	srv, c := setup(t)
	srv.SetLatency(authtest.EndpointCSRF, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.CSRFToken(ctx, "")
	assert.Equal(t, fault.Timeout, fault.KindOf(err))
}

func TestTransport_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, err := api.New(url)
	require.NoError(t, err)
	_, err = c.Me(context.Background(), "x")
	assert.Equal(t, fault.NetworkError, fault.KindOf(err))
}

func TestServerError_BadJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer ts.Close()

	c, err := api.New(ts.URL)
	require.NoError(t, err)
	_, err = c.Me(context.Background(), "x")
	assert.Equal(t, fault.ServerError, fault.KindOf(err))
	assert.ErrorIs(t, err, api.ErrBadResponse)
}

func TestKindForStatus(t *testing.T) {
	assert.Equal(t, fault.TokenExpired, api.KindForStatus(401, api.CodeTokenExpired))
	assert.Equal(t, fault.InvalidToken, api.KindForStatus(401, api.CodeInvalidToken))
	assert.Equal(t, fault.Unauthorized, api.KindForStatus(401, "whatever"))
	assert.Equal(t, fault.Forbidden, api.KindForStatus(403, api.CodeCSRFInvalid))
	assert.Equal(t, fault.ValidationError, api.KindForStatus(400, ""))
	assert.Equal(t, fault.ValidationError, api.KindForStatus(422, ""))
	assert.Equal(t, fault.ServerError, api.KindForStatus(503, ""))
}
