package authtest

import (
	"crypto/ecdsa"
	"errors"
	"slices"
	"sync"

	"git.sr.ht/~jakintosh/sessionkit/pkg/api"
	"git.sr.ht/~jakintosh/sessionkit/pkg/tokens"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var ErrUnknownUser = errors.New("unknown user")

var (
	sharedTestKey     *ecdsa.PrivateKey
	sharedTestKeyOnce sync.Once
)

// sharedKey returns a process-wide signing key; generating a P-256 key per
// server would dominate test time.
func sharedKey() *ecdsa.PrivateKey {
	sharedTestKeyOnce.Do(func() {
		sharedTestKey = tokens.GenerateKey()
	})
	return sharedTestKey
}

// Scope narrows a role assignment to an organization and optionally a group
// within it. The zero Scope is global.
type Scope struct {
	OrganizationID string
	GroupID        string
}

func (sc Scope) covers(org, group string) bool {
	if sc.OrganizationID == "" {
		return true
	}
	if sc.OrganizationID != org {
		return false
	}
	return sc.GroupID == "" || sc.GroupID == group
}

type assignment struct {
	role  string
	scope Scope
}

type user struct {
	id          string
	email       string
	name        string
	hash        []byte
	assignments []assignment
}

func (u *user) roleNames() []string {
	var names []string
	for _, a := range u.assignments {
		if !slices.Contains(names, a.role) {
			names = append(names, a.role)
		}
	}
	return names
}

func (u *user) toAPI() api.User {
	return api.User{
		ID:    u.id,
		Email: u.email,
		Name:  u.name,
		Roles: u.roleNames(),
	}
}

// AddUser registers a user with global roles and returns it.
func (s *Server) AddUser(
	email string,
	password string,
	roles ...string,
) (
	api.User,
	error,
) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return api.User{}, err
	}
	u := &user{
		id:    uuid.NewString(),
		email: email,
		name:  email,
		hash:  hash,
	}
	for _, r := range roles {
		u.assignments = append(u.assignments, assignment{role: r})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[email] = u
	s.usersByID[u.id] = u
	return u.toAPI(), nil
}

// MustAddUser is AddUser for test setup.
func (s *Server) MustAddUser(email string, password string, roles ...string) api.User {
	u, err := s.AddUser(email, password, roles...)
	if err != nil {
		panic(err)
	}
	return u
}

// DefineRole sets the permissions granted by role. Action or Resource "*"
// matches anything.
func (s *Server) DefineRole(role string, perms ...api.Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[role] = perms
}

// Assign gives the user a role within scope.
func (s *Server) Assign(email string, role string, scope Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return ErrUnknownUser
	}
	u.assignments = append(u.assignments, assignment{role: role, scope: scope})
	return nil
}

// Unassign removes every assignment of role from the user.
func (s *Server) Unassign(email string, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return ErrUnknownUser
	}
	u.assignments = slices.DeleteFunc(u.assignments, func(a assignment) bool {
		return a.role == role
	})
	return nil
}

func (s *Server) authenticate(email string, password string) (*user, error) {
	s.mu.Lock()
	u, ok := s.users[email]
	s.mu.Unlock()
	if !ok {
		return nil, ErrUnknownUser
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		return nil, errors.New("secret does not match")
	}
	return u, nil
}

func grants(perms []api.Permission, resource string, action string) bool {
	for _, p := range perms {
		if (p.Resource == "*" || p.Resource == resource) &&
			(p.Action == "*" || p.Action == action) {
			return true
		}
	}
	return false
}

// decideLocked evaluates a check against u's assignments.
func (s *Server) decideLocked(u *user, check api.PermissionCheck) api.Decision {
	for _, a := range u.assignments {
		if !a.scope.covers(check.OrganizationID, check.GroupID) {
			continue
		}
		if grants(s.roles[a.role], check.Resource, check.Action) {
			return api.Decision{Allowed: true, MatchedRole: a.role}
		}
	}
	return api.Decision{Allowed: false, Reason: "no role grants " + check.Resource + ":" + check.Action}
}

func (s *Server) permissionsLocked(u *user) api.UserPermissions {
	out := api.UserPermissions{
		Roles:       u.roleNames(),
		Permissions: []api.Permission{},
	}
	for _, role := range out.Roles {
		for _, p := range s.roles[role] {
			if !slices.Contains(out.Permissions, p) {
				out.Permissions = append(out.Permissions, p)
			}
		}
	}
	if out.Roles == nil {
		out.Roles = []string{}
	}
	return out
}
