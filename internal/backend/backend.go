// Package backend describes the capability surface the console consumes from its
// managed backend: authentication sessions, authorization lookups, table
// queries, RPCs, remote functions and content-free change feeds.
//
// Implementations live in the memory and postgres subpackages. A Client is
// constructed once per process and injected into the session, privilege and
// realtime layers.
package backend

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Session is the authenticated identity plus its validity window. Sessions are
// replaced wholesale, never mutated in place.
type Session struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Identity is the key privilege resolution is derived from; "" means no session.
func (s *Session) Identity() string {
	if s == nil {
		return ""
	}
	return s.UserID
}

// Expired reports whether the access token is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone returns a copy so callers never share a session value.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// AuthEvent names a session transition pushed by the backend.
type AuthEvent string

const (
	EventInitialSession AuthEvent = "INITIAL_SESSION"
	EventSignedIn       AuthEvent = "SIGNED_IN"
	EventSignedOut      AuthEvent = "SIGNED_OUT"
	EventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
)

// SessionHandler receives every auth event with the new session (nil when absent).
type SessionHandler func(event AuthEvent, session *Session)

// Subscription is a release handle. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

type funcSubscription struct {
	once sync.Once
	fn   func()
}

func (s *funcSubscription) Unsubscribe() {
	s.once.Do(func() {
		if s.fn != nil {
			s.fn()
		}
	})
}

// NewSubscription wraps fn so it runs at most once.
func NewSubscription(fn func()) Subscription {
	return &funcSubscription{fn: fn}
}

// AuthClient is the session half of the backend.
type AuthClient interface {
	GetSession(ctx context.Context) (*Session, error)
	OnSessionChange(handler SessionHandler) Subscription
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context) error
}

// Authorizer answers whether userID holds the admin role. A false result with a
// nil error covers the "absent" answer.
type Authorizer interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// Querier returns the rows matching q as a JSON array.
type Querier interface {
	Query(ctx context.Context, q Query) (json.RawMessage, error)
}

// Inserter appends a row to table.
type Inserter interface {
	Insert(ctx context.Context, table string, row map[string]any) error
}

// RPCCaller invokes a named backend procedure with named arguments.
type RPCCaller interface {
	RPC(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error)
}

// ChangeFeed pushes a content-free signal whenever table changes under mask.
type ChangeFeed interface {
	SubscribeTableChanges(table string, mask EventMask, handler func(Change)) (Subscription, error)
}

// FunctionInvoker calls a serverless function with a JSON body.
type FunctionInvoker interface {
	Invoke(ctx context.Context, name string, body any) (json.RawMessage, error)
}

// Client is the full capability surface.
type Client interface {
	AuthClient
	Authorizer
	Querier
	Inserter
	RPCCaller
	ChangeFeed
	FunctionInvoker
}

// ChangeType is the mutation kind carried by a change notification.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// EventMask selects which change types a subscription receives.
type EventMask string

const (
	MaskAll    EventMask = "*"
	MaskInsert EventMask = "INSERT"
	MaskUpdate EventMask = "UPDATE"
	MaskDelete EventMask = "DELETE"
)

// Matches reports whether t passes the mask. An empty mask behaves like MaskAll.
func (m EventMask) Matches(t ChangeType) bool {
	switch m {
	case "", MaskAll:
		return true
	default:
		return string(m) == string(t)
	}
}

// Change is a change-feed signal. Consumers must not treat it as a patch.
type Change struct {
	Table string     `json:"table"`
	Type  ChangeType `json:"type"`
}
