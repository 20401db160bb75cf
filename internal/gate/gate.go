// Package gate decides what a protected view may render. Decide is pure.
package gate

import "net/http"

// Decision is one of the four render states of a protected region.
type Decision int

const (
	Loading Decision = iota
	Unauthenticated
	Unauthorized
	Authorized
)

// Input is everything a decision depends on.
type Input struct {
	Ready      bool
	HasSession bool
	IsAdmin    bool
}

// Decide maps the auth state to a render state.
func Decide(in Input) Decision {
	switch {
	case !in.Ready:
		return Loading
	case !in.HasSession:
		return Unauthenticated
	case !in.IsAdmin:
		return Unauthorized
	default:
		return Authorized
	}
}

func (d Decision) String() string {
	switch d {
	case Loading:
		return "loading"
	case Unauthenticated:
		return "unauthenticated"
	case Unauthorized:
		return "unauthorized"
	case Authorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// Message is the text shown in place of protected content.
func (d Decision) Message() string {
	switch d {
	case Loading:
		return "Loading…"
	case Unauthenticated:
		return "Please sign in as an admin."
	case Unauthorized:
		return "Access denied. Admins only."
	default:
		return ""
	}
}

// HTTPStatus maps the decision onto a response code.
func (d Decision) HTTPStatus() int {
	switch d {
	case Loading:
		return http.StatusServiceUnavailable
	case Unauthenticated:
		return http.StatusUnauthorized
	case Unauthorized:
		return http.StatusForbidden
	default:
		return http.StatusOK
	}
}

// MarshalText renders the decision by name in JSON.
func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
