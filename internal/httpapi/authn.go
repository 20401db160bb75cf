package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/Ernest01982/tuktukadmin/internal/auth"
	"github.com/Ernest01982/tuktukadmin/internal/authflow"
	"github.com/Ernest01982/tuktukadmin/internal/gate"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// TokenVerifier validates access tokens handed out at sign-in.
// *auth.Signer satisfies it.
type TokenVerifier interface {
	Parse(token string) (*auth.Claims, error)
}

var errSessionMismatch = errors.New("token does not belong to the active session")

// authenticate binds the request to the console's active session. The bearer
// token must verify and name the session's user. Without a verifier the token
// must equal the session's access token.
func (a *API) authenticate(r *http.Request, st authflow.State) (string, error) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		return "", err
	}
	sess := st.Session
	if sess == nil {
		return "", errSessionMismatch
	}
	if a.tokens == nil {
		if subtle.ConstantTimeCompare([]byte(token), []byte(sess.AccessToken)) != 1 {
			return "", auth.ErrInvalidToken
		}
		return token, nil
	}
	claims, err := a.tokens.Parse(token)
	if err != nil {
		return "", err
	}
	if claims.Subject != sess.UserID {
		return "", errSessionMismatch
	}
	return token, nil
}

func (a *API) rejectUnauthenticated(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="`+serviceName+`"`)
	payload := map[string]any{
		"error":    gate.Unauthenticated.Message(),
		"decision": gate.Unauthenticated,
	}
	if err != nil {
		payload["reason"] = err.Error()
	}
	writeErrorPayload(w, r, http.StatusUnauthorized, payload)
}

// requireAdmin serves next only when the caller holds the active session and
// the gate decides Authorized.
func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		st := a.auth.State()
		d := st.Decision()
		if d == gate.Loading {
			w.Header().Set("Retry-After", "1")
			writeErrorPayload(w, r, d.HTTPStatus(), map[string]any{
				"error":    d.Message(),
				"decision": d,
			})
			return
		}
		token, err := a.authenticate(r, st)
		if err != nil {
			a.rejectUnauthenticated(w, r, err)
			return
		}
		if d != gate.Authorized {
			writeErrorPayload(w, r, d.HTTPStatus(), map[string]any{
				"error":    d.Message(),
				"decision": d,
			})
			return
		}
		ctx := auth.ContextWithUser(r.Context(), st.Session.UserID)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// callerDecision re-evaluates the gate for the user bound to ctx. A session
// that changed hands counts as signed out.
func (a *API) callerDecision(ctx context.Context) gate.Decision {
	st := a.auth.State()
	userID, _ := auth.UserIDFromContext(ctx)
	if st.Session != nil && st.Session.UserID != userID {
		return gate.Unauthenticated
	}
	return st.Decision()
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
