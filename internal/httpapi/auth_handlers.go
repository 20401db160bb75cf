package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Ernest01982/tuktukadmin/internal/audit"
	"github.com/Ernest01982/tuktukadmin/internal/auth"
	"github.com/Ernest01982/tuktukadmin/internal/authflow"
	"github.com/Ernest01982/tuktukadmin/internal/backend"
	"github.com/Ernest01982/tuktukadmin/internal/gate"
)

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// sessionResponse never carries tokens; only sign-in hands one out.
type sessionResponse struct {
	Authenticated bool          `json:"authenticated"`
	UserID        string        `json:"user_id,omitempty"`
	Email         string        `json:"email,omitempty"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
	Loading       bool          `json:"loading"`
	IsAdmin       bool          `json:"is_admin"`
	Decision      gate.Decision `json:"decision"`
	Message       string        `json:"message,omitempty"`
}

type signInResponse struct {
	sessionResponse
	AccessToken string `json:"access_token,omitempty"`
	TokenType   string `json:"token_type,omitempty"`
}

func newSessionResponse(st authflow.State) sessionResponse {
	d := st.Decision()
	resp := sessionResponse{
		Loading:  st.Loading,
		IsAdmin:  st.IsAdmin,
		Decision: d,
		Message:  d.Message(),
	}
	if sess := st.Session; sess != nil {
		resp.Authenticated = true
		resp.UserID = sess.UserID
		resp.Email = sess.Email
		if !sess.ExpiresAt.IsZero() {
			exp := sess.ExpiresAt.UTC()
			resp.ExpiresAt = &exp
		}
	}
	return resp
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(a.auth.State()))
}

func (a *API) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.settleTimeout)
	defer cancel()
	updates := a.auth.Watch(ctx)

	if err := a.auth.SignIn(ctx, email, req.Password); err != nil {
		var authErr *backend.AuthError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, r, http.StatusGatewayTimeout, "sign-in timed out")
		case errors.As(err, &authErr):
			writeError(w, r, http.StatusUnauthorized, signInMessage(authErr))
		default:
			writeError(w, r, http.StatusBadGateway, "sign-in failed")
		}
		return
	}

	st := a.settle(updates)
	resp := signInResponse{sessionResponse: newSessionResponse(st)}
	if st.Session != nil {
		_ = audit.LogEvent(auth.ContextWithUser(r.Context(), st.Session.UserID), "auth.signin", map[string]any{
			"email":    st.Session.Email,
			"is_admin": st.IsAdmin,
		})
		resp.AccessToken = st.Session.AccessToken
		resp.TokenType = "bearer"
	}
	writeJSON(w, http.StatusOK, resp)
}

// settle waits until the admin check for the new session has landed or
// updates closes.
func (a *API) settle(updates <-chan authflow.State) authflow.State {
	st := a.auth.State()
	for st.Session == nil || !st.Resolved {
		if _, ok := <-updates; !ok {
			break
		}
		st = a.auth.State()
	}
	return st
}

func signInMessage(err *backend.AuthError) string {
	switch {
	case errors.Is(err, backend.ErrInvalidCredentials):
		return "Invalid login credentials"
	case errors.Is(err, auth.ErrInactiveUser):
		return "Account is not active"
	default:
		return err.Error()
	}
}

func (a *API) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	ctx := r.Context()
	if st := a.auth.State(); st.Session != nil {
		// Only the holder of the active session may end it.
		if _, err := a.authenticate(r, st); err != nil {
			a.rejectUnauthenticated(w, r, err)
			return
		}
		ctx = auth.ContextWithUser(ctx, st.Session.UserID)
	}
	a.auth.SignOut(ctx)
	_ = audit.LogEvent(ctx, "auth.signout", nil)
	writeJSON(w, http.StatusOK, newSessionResponse(a.auth.State()))
}
