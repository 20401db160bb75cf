package backend

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials = errors.New("backend: invalid login credentials")
	ErrNoSession          = errors.New("backend: no active session")
	ErrNotFound           = errors.New("backend: not found")
	ErrInvalidQuery       = errors.New("backend: invalid query")
	ErrUnknownFunction    = errors.New("backend: unknown function")
	ErrConflict           = errors.New("backend: conflict")
)

// AuthError is a credential or session failure surfaced to the sign-in caller.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "auth: " + e.Op + " failed"
	}
	return fmt.Sprintf("auth: %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// AuthorizationLookupError is swallowed by the privilege resolver and collapses to false.
type AuthorizationLookupError struct {
	UserID string
	Err    error
}

func (e *AuthorizationLookupError) Error() string {
	return fmt.Sprintf("authorization lookup for %s: %v", e.UserID, e.Err)
}

func (e *AuthorizationLookupError) Unwrap() error { return e.Err }

// FetchError is a failed table read; views render its message and stay interactive.
type FetchError struct {
	Table string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Table, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SubscriptionError reports a change feed that could not be opened or dropped.
type SubscriptionError struct {
	Table string
	Err   error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe %s: %v", e.Table, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
