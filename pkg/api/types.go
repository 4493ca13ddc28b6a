package api

import "time"

// Backend routes.
const (
	PathLogin           = "/auth/login"
	PathRefresh         = "/auth/refresh"
	PathMe              = "/auth/me"
	PathLogout          = "/auth/logout"
	PathCSRFToken       = "/csrf-token"
	PathPermissionCheck = "/rbac/permissions/check"
	PathUserPermissions = "/rbac/users/{id}/permissions"
)

// Error codes carried in the body of a failed response.
const (
	CodeTokenExpired = "TOKEN_EXPIRED"
	CodeInvalidToken = "INVALID_TOKEN"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeCSRFInvalid  = "CSRF_INVALID"
	CodeValidation   = "VALIDATION_ERROR"
	CodeServerError  = "SERVER_ERROR"
)

type User struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenPair is an access/refresh pair as returned by login and refresh.
// ExpiresAt is the access token's expiry, zero when unknown.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type LoginResult struct {
	User   User
	Tokens TokenPair
}

// PermissionCheck asks whether UserID may perform Action on Resource,
// optionally scoped to an organization or group.
type PermissionCheck struct {
	UserID         string `json:"userId"`
	Resource       string `json:"resource"`
	Action         string `json:"action"`
	OrganizationID string `json:"organizationId,omitempty"`
	GroupID        string `json:"groupId,omitempty"`
}

type Decision struct {
	Allowed     bool   `json:"allowed"`
	MatchedRole string `json:"matchedRole,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type Permission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

type UserPermissions struct {
	Roles       []string     `json:"roles"`
	Permissions []Permission `json:"permissions"`
}

//
// wire types

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}

type TokenResponse struct {
	User         *User  `json:"user,omitempty"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

type MeResponse struct {
	User User `json:"user"`
}

type CSRFResponse struct {
	CSRFToken string `json:"csrf_token"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
