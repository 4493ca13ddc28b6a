package authtest_test

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"git.sr.ht/~jakintosh/sessionkit/pkg/api"
	"git.sr.ht/~jakintosh/sessionkit/pkg/authtest"
	"git.sr.ht/~jakintosh/sessionkit/pkg/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*authtest.Server, string, *api.Client) {
	t.Helper()
	srv, url := authtest.Start(t)
	srv.MustAddUser("alice@example.com", "pw", "editor")
	c, err := api.New(url)
	require.NoError(t, err)
	return srv, url, c
}

func login(t *testing.T, c *api.Client) *api.LoginResult {
	t.Helper()
	res, err := c.Login(context.Background(), api.Credentials{Email: "alice@example.com", Password: "pw"})
	require.NoError(t, err)
	return res
}

func do(t *testing.T, method string, url string, access string, csrf string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader("{}"))
	require.NoError(t, err)
	if access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	}
	if csrf != "" {
		req.Header.Set(authtest.CSRFHeader, csrf)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	_, url, _ := setup(t)
	resp := do(t, http.MethodGet, url+"/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFailNext_ConsumesQueueInOrder(t *testing.T) {
	srv, _, c := setup(t)
	res := login(t, c)
	ctx := context.Background()

	srv.FailNext(authtest.EndpointMe, fault.ServerError, 1)
	srv.FailNext(authtest.EndpointMe, fault.Forbidden, 1)

	_, err := c.Me(ctx, res.Tokens.AccessToken)
	assert.Equal(t, fault.ServerError, fault.KindOf(err))
	_, err = c.Me(ctx, res.Tokens.AccessToken)
	assert.Equal(t, fault.Forbidden, fault.KindOf(err))
	_, err = c.Me(ctx, res.Tokens.AccessToken)
	assert.NoError(t, err)
	assert.Equal(t, 3, srv.Calls(authtest.EndpointMe))

	srv.ResetCalls()
	assert.Equal(t, 0, srv.Calls(authtest.EndpointMe))
}

func TestRefresh_SingleUse(t *testing.T) {
	srv, _, c := setup(t)
	res := login(t, c)
	ctx := context.Background()
	require.Equal(t, 1, srv.LiveRefreshTokens())

	_, err := c.Refresh(ctx, res.Tokens.RefreshToken)
	require.NoError(t, err)
	_, err = c.Refresh(ctx, res.Tokens.RefreshToken)
	assert.Equal(t, fault.InvalidToken, fault.KindOf(err))
	assert.Equal(t, 1, srv.LiveRefreshTokens())
}

func TestExpireAccessTokens(t *testing.T) {
	srv, _, c := setup(t)
	res := login(t, c)
	srv.ExpireAccessTokens()

	_, err := c.Me(context.Background(), res.Tokens.AccessToken)
	assert.Equal(t, fault.TokenExpired, fault.KindOf(err))
	assert.Equal(t, api.CodeTokenExpired, api.ErrorCode(err))

	// tokens issued afterwards are unaffected
	fresh := login(t, c)
	_, err = c.Me(context.Background(), fresh.Tokens.AccessToken)
	assert.NoError(t, err)
}

func TestItems_RequiresCSRFForMutations(t *testing.T) {
	srv, url, c := setup(t)
	res := login(t, c)
	access := res.Tokens.AccessToken
	items := url + authtest.PathItems

	assert.Equal(t, http.StatusUnauthorized, do(t, http.MethodGet, items, "", "").StatusCode)
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, items, access, "").StatusCode)

	resp := do(t, http.MethodPost, items, access, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, api.CodeCSRFInvalid, api.DecodeError(resp).Code)

	token, err := c.CSRFToken(context.Background(), access)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, do(t, http.MethodPost, items, access, token).StatusCode)
	assert.Equal(t, http.StatusOK, do(t, http.MethodDelete, items, access, token).StatusCode)

	srv.RevokeCSRF()
	assert.Equal(t, http.StatusForbidden, do(t, http.MethodPut, items, access, token).StatusCode)
}

func TestCSRF_SetsCookie(t *testing.T) {
	_, url, c := setup(t)
	res := login(t, c)

	resp := do(t, http.MethodGet, url+api.PathCSRFToken, res.Tokens.AccessToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var found bool
	for _, ck := range resp.Cookies() {
		if ck.Name == authtest.CSRFCookieName {
			found = true
			assert.True(t, ck.HttpOnly)
			assert.NotEmpty(t, ck.Value)
		}
	}
	assert.True(t, found)
}

func TestAssign_Scoped(t *testing.T) {
	srv, _, c := setup(t)
	srv.DefineRole("editor", api.Permission{Resource: "doc", Action: "write"})
	srv.DefineRole("auditor", api.Permission{Resource: "*", Action: "read"})
	require.NoError(t, srv.Assign("alice@example.com", "auditor", authtest.Scope{OrganizationID: "org-1", GroupID: "g-1"}))
	res := login(t, c)
	ctx := context.Background()

	check := func(resource, action, org, group string) bool {
		t.Helper()
		d, err := c.CheckPermission(ctx, res.Tokens.AccessToken, api.PermissionCheck{
			UserID:         res.User.ID,
			Resource:       resource,
			Action:         action,
			OrganizationID: org,
			GroupID:        group,
		})
		require.NoError(t, err)
		return d.Allowed
	}

	assert.True(t, check("doc", "write", "", ""))
	assert.True(t, check("doc", "write", "org-2", ""))
	assert.True(t, check("invoice", "read", "org-1", "g-1"))
	assert.False(t, check("invoice", "read", "org-1", "g-2"))
	assert.False(t, check("invoice", "read", "", ""))

	require.NoError(t, srv.Unassign("alice@example.com", "editor"))
	assert.False(t, check("doc", "write", "", ""))
	assert.ErrorIs(t, srv.Unassign("bob@example.com", "editor"), authtest.ErrUnknownUser)
}

func TestIssueTokens(t *testing.T) {
	srv, _, c := setup(t)

	pair, err := srv.IssueTokens("alice@example.com")
	require.NoError(t, err)
	u, err := c.Me(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)

	_, err = srv.IssueTokens("nobody@example.com")
	assert.ErrorIs(t, err, authtest.ErrUnknownUser)
}

func TestLastRequest(t *testing.T) {
	srv, _, c := setup(t)
	assert.Nil(t, srv.LastRequest(authtest.EndpointLogin))

	login(t, c)
	req := srv.LastRequest(authtest.EndpointLogin)
	require.NotNil(t, req)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.NotEmpty(t, req.Header.Get(api.RequestIDHeader))
}
