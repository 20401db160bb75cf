package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Ernest01982/tuktukadmin/internal/auth"
	"github.com/Ernest01982/tuktukadmin/internal/backend"
)

// GetSession implements backend.AuthClient.
func (b *Backend) GetSession(ctx context.Context) (*backend.Session, error) {
	b.mu.Lock()
	hook := b.getSessionHook
	b.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil && b.session.Expired(b.now()) {
		b.session = nil
	}
	return b.session.Clone(), nil
}

// OnSessionChange implements backend.AuthClient.
func (b *Backend) OnSessionChange(handler backend.SessionHandler) backend.Subscription {
	b.mu.Lock()
	id := b.nextHandler
	b.nextHandler++
	b.handlers[id] = handler
	b.mu.Unlock()

	return backend.NewSubscription(func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	})
}

// SignInWithPassword implements backend.AuthClient. Handlers are notified
// synchronously before it returns.
func (b *Backend) SignInWithPassword(ctx context.Context, email, password string) (*backend.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &backend.AuthError{Op: "sign in", Err: err}
	}
	email = strings.TrimSpace(strings.ToLower(email))

	b.mu.Lock()
	u, ok := b.users[email]
	b.mu.Unlock()
	if !ok || password == "" {
		return nil, &backend.AuthError{Op: "sign in", Err: backend.ErrInvalidCredentials}
	}
	if !u.active {
		return nil, &backend.AuthError{Op: "sign in", Err: auth.ErrInactiveUser}
	}
	if err := auth.VerifyPassword(u.passwordHash, password); err != nil {
		return nil, &backend.AuthError{Op: "sign in", Err: backend.ErrInvalidCredentials}
	}

	sess, err := b.issue(u.id, u.email)
	if err != nil {
		return nil, &backend.AuthError{Op: "sign in", Err: err}
	}
	b.setSession(backend.EventSignedIn, sess)
	return sess.Clone(), nil
}

// SignOut implements backend.AuthClient.
func (b *Backend) SignOut(ctx context.Context) error {
	b.mu.Lock()
	hook := b.signOutHook
	b.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return &backend.AuthError{Op: "sign out", Err: err}
		}
	}
	b.setSession(backend.EventSignedOut, nil)
	return nil
}

// RefreshSession rotates the access token of the current session and emits
// TOKEN_REFRESHED. It returns backend.ErrNoSession when signed out.
func (b *Backend) RefreshSession() (*backend.Session, error) {
	b.mu.Lock()
	cur := b.session
	b.mu.Unlock()
	if cur == nil {
		return nil, backend.ErrNoSession
	}
	sess, err := b.issue(cur.UserID, cur.Email)
	if err != nil {
		return nil, err
	}
	b.setSession(backend.EventTokenRefreshed, sess)
	return sess.Clone(), nil
}

// RestoreSession seeds the stored session without emitting an event, like a
// session persisted by a previous process.
func (b *Backend) RestoreSession(email string) (*backend.Session, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	b.mu.Lock()
	u, ok := b.users[email]
	b.mu.Unlock()
	if !ok {
		return nil, backend.ErrNotFound
	}
	sess, err := b.issue(u.id, u.email)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.session = sess
	b.mu.Unlock()
	return sess.Clone(), nil
}

func (b *Backend) issue(userID, email string) (*backend.Session, error) {
	sess := &backend.Session{
		UserID:       userID,
		Email:        email,
		AccessToken:  uuid.NewString(),
		RefreshToken: uuid.NewString(),
		ExpiresAt:    b.now().Add(b.accessTTL),
	}
	if b.signer != nil {
		access, expiresAt, err := b.signer.Issue(userID, email, b.accessTTL)
		if err != nil {
			return nil, fmt.Errorf("issue access token: %w", err)
		}
		sess.AccessToken = access
		sess.ExpiresAt = expiresAt
	}
	return sess, nil
}

// setSession stores sess and notifies handlers outside the lock.
func (b *Backend) setSession(event backend.AuthEvent, sess *backend.Session) {
	b.mu.Lock()
	b.session = sess
	handlers := make([]backend.SessionHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(event, sess.Clone())
	}
}
