package store

import "fmt"

// Key enumerates every value this package persists. Backends refuse anything
// outside this set, which keeps ClearAll exhaustive.
type Key int

const (
	KeyAccessToken Key = iota + 1
	KeyRefreshToken
	KeyExpiresAt
	KeyLastLogin
	KeyUserID
	KeyEmail
	KeyCredentialRefresh
	KeyBiometric
)

const namespace = "sessionkit"

var keyNames = map[Key]string{
	KeyAccessToken:       "access_token",
	KeyRefreshToken:      "refresh_token",
	KeyExpiresAt:         "expires_at",
	KeyLastLogin:         "last_login",
	KeyUserID:            "user_id",
	KeyEmail:             "email",
	KeyCredentialRefresh: "credential_refresh_token",
	KeyBiometric:         "biometric_enabled",
}

// Keys returns every known key in declaration order.
func Keys() []Key {
	return []Key{
		KeyAccessToken,
		KeyRefreshToken,
		KeyExpiresAt,
		KeyLastLogin,
		KeyUserID,
		KeyEmail,
		KeyCredentialRefresh,
		KeyBiometric,
	}
}

func (k Key) Valid() bool {
	_, ok := keyNames[k]
	return ok
}

// String returns the namespaced storage name, e.g. "sessionkit.access_token".
func (k Key) String() string {
	name, ok := keyNames[k]
	if !ok {
		return fmt.Sprintf("%s.unknown(%d)", namespace, int(k))
	}
	return namespace + "." + name
}

// ParseKey maps a namespaced storage name back to its Key.
func ParseKey(name string) (Key, bool) {
	for _, k := range Keys() {
		if k.String() == name {
			return k, true
		}
	}
	return 0, false
}
