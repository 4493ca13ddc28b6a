package authtest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"git.sr.ht/~jakintosh/sessionkit/pkg/api"
	"git.sr.ht/~jakintosh/sessionkit/pkg/fault"
	"git.sr.ht/~jakintosh/sessionkit/pkg/tokens"
	"github.com/gorilla/mux"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req api.Credentials
	if ok := decodeRequest(&req, w, r); !ok {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, api.CodeValidation, "email and password are required")
		return
	}

	u, err := s.authenticate(req.Email, req.Password)
	if err != nil {
		s.log.Debug().Str("email", req.Email).Err(err).Msg("login rejected")
		writeError(w, http.StatusUnauthorized, api.CodeUnauthorized, "invalid credentials")
		return
	}

	s.mu.Lock()
	resp, err := s.issuePairLocked(u)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, api.CodeServerError, err.Error())
		return
	}
	apiUser := u.toAPI()
	resp.User = &apiUser
	returnJson(resp, w)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req api.RefreshRequest
	if ok := decodeRequest(&req, w, r); !ok {
		return
	}

	// read the token in the request
	claims, err := s.issuer.Verify(req.RefreshToken, tokens.TypeRefresh)
	if err != nil {
		writeTokenError(w, err)
		return
	}

	// consume it; refresh tokens are single use
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.refresh[req.RefreshToken]
	if !ok || userID != claims.Subject {
		writeError(w, http.StatusUnauthorized, api.CodeInvalidToken, "refresh token not recognised")
		return
	}
	delete(s.refresh, req.RefreshToken)

	u, ok := s.usersByID[userID]
	if !ok {
		writeError(w, http.StatusUnauthorized, api.CodeInvalidToken, "unknown subject")
		return
	}
	resp, err := s.issuePairLocked(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, api.CodeServerError, err.Error())
		return
	}
	returnJson(resp, w)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, ok := s.bearerUser(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	resp := api.MeResponse{User: u.toAPI()}
	s.mu.Unlock()
	returnJson(resp, w)
}

// handleLogout always succeeds; whatever tokens it is given stop working.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req api.LogoutRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	if req.RefreshToken != "" {
		delete(s.refresh, req.RefreshToken)
	}
	if bearer := bearerToken(r); bearer != "" {
		delete(s.access, bearer)
	}
	s.mu.Unlock()

	returnJson(struct{}{}, w)
}

func (s *Server) handleCSRF(w http.ResponseWriter, r *http.Request) {
	token, exp, err := s.issuer.IssueCSRF(s.csrfLifetime)
	if err != nil {
		writeError(w, http.StatusInternalServerError, api.CodeServerError, err.Error())
		return
	}
	s.mu.Lock()
	s.csrf[token] = true
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Path:     "/",
		Value:    token,
		Expires:  exp,
		SameSite: http.SameSiteStrictMode,
		HttpOnly: true,
	})
	returnJson(api.CSRFResponse{CSRFToken: token}, w)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.bearerUser(w, r)
	if !ok {
		return
	}
	var req api.PermissionCheck
	if ok := decodeRequest(&req, w, r); !ok {
		return
	}
	if req.UserID == "" || req.Resource == "" || req.Action == "" {
		writeError(w, http.StatusUnprocessableEntity, api.CodeValidation, "userId, resource and action are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mayInspectLocked(caller, req.UserID) {
		writeError(w, http.StatusForbidden, api.CodeForbidden, "cannot inspect another user")
		return
	}
	subject, ok := s.usersByID[req.UserID]
	if !ok {
		returnJson(api.Decision{Allowed: false, Reason: "unknown user"}, w)
		return
	}
	returnJson(s.decideLocked(subject, req), w)
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.bearerUser(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mayInspectLocked(caller, id) {
		writeError(w, http.StatusForbidden, api.CodeForbidden, "cannot inspect another user")
		return
	}
	subject, ok := s.usersByID[id]
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown user")
		return
	}
	returnJson(s.permissionsLocked(subject), w)
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.bearerUser(w, r); !ok {
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		token := r.Header.Get(CSRFHeader)
		s.mu.Lock()
		live := s.csrf[token]
		s.mu.Unlock()
		if !live {
			writeError(w, http.StatusForbidden, api.CodeCSRFInvalid, "missing or revoked csrf token")
			return
		}
		if _, err := s.issuer.Verify(token, tokens.TypeCSRF); err != nil {
			writeError(w, http.StatusForbidden, api.CodeCSRFInvalid, "csrf token expired")
			return
		}
	}
	returnJson(map[string]string{"method": r.Method}, w)
}

func (s *Server) mayInspectLocked(caller *user, userID string) bool {
	if caller.id == userID {
		return true
	}
	for _, a := range caller.assignments {
		if a.role == AdminRole && a.scope == (Scope{}) {
			return true
		}
	}
	return false
}

// bearerUser resolves the request's access token, writing the 401 itself
// when it cannot.
func (s *Server) bearerUser(w http.ResponseWriter, r *http.Request) (*user, bool) {
	raw := bearerToken(r)
	if raw == "" {
		writeError(w, http.StatusUnauthorized, api.CodeUnauthorized, "missing bearer token")
		return nil, false
	}
	if _, err := s.issuer.Verify(raw, tokens.TypeAccess); err != nil {
		writeTokenError(w, err)
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.access[raw]
	switch {
	case !ok:
		writeError(w, http.StatusUnauthorized, api.CodeInvalidToken, "access token not recognised")
		return nil, false
	case st.expired:
		writeError(w, http.StatusUnauthorized, api.CodeTokenExpired, "access token expired")
		return nil, false
	}
	u, ok := s.usersByID[st.userID]
	if !ok {
		writeError(w, http.StatusUnauthorized, api.CodeInvalidToken, "unknown subject")
		return nil, false
	}
	return u, true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

//
// response helpers

func decodeRequest[T any](req *T, w http.ResponseWriter, r *http.Request) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, api.CodeValidation, "bad json request")
		return false
	}
	return true
}

func returnJson(data any, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, code string, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Code: code, Message: msg})
}

func writeTokenError(w http.ResponseWriter, err error) {
	if errors.Is(err, tokens.ErrTokenExpired) {
		writeError(w, http.StatusUnauthorized, api.CodeTokenExpired, "token expired")
		return
	}
	writeError(w, http.StatusUnauthorized, api.CodeInvalidToken, "token invalid")
}

// writeFault renders kind the way a real backend would fail with it.
func writeFault(w http.ResponseWriter, kind fault.Kind) {
	switch kind {
	case fault.TokenExpired:
		writeError(w, http.StatusUnauthorized, api.CodeTokenExpired, "injected")
	case fault.InvalidToken:
		writeError(w, http.StatusUnauthorized, api.CodeInvalidToken, "injected")
	case fault.Unauthorized:
		writeError(w, http.StatusUnauthorized, api.CodeUnauthorized, "injected")
	case fault.Forbidden:
		writeError(w, http.StatusForbidden, api.CodeForbidden, "injected")
	case fault.ValidationError:
		writeError(w, http.StatusUnprocessableEntity, api.CodeValidation, "injected")
	case fault.NetworkError, fault.Timeout:
		breakConnection(w)
	default:
		writeError(w, http.StatusInternalServerError, api.CodeServerError, "injected")
	}
}

// breakConnection answers with bytes that are not HTTP. Unlike an aborted
// handler this is never retried transparently by the client transport.
func breakConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic(http.ErrAbortHandler)
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	defer conn.Close()
	_, _ = buf.WriteString("BROKEN\r\n\r\n")
	_ = buf.Flush()
}
