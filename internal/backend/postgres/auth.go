package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Ernest01982/tuktukadmin/internal/auth"
	"github.com/Ernest01982/tuktukadmin/internal/backend"
	"github.com/Ernest01982/tuktukadmin/internal/sessioncache"
)

const refreshMargin = time.Minute

// GetSession returns the current session. On first use it restores a cached
// session, refreshing it when the access token has expired.
func (b *Backend) GetSession(ctx context.Context) (*backend.Session, error) {
	b.mu.Lock()
	sess := b.session
	restored := b.restored
	b.restored = true
	b.mu.Unlock()

	if sess == nil && !restored && b.cache != nil {
		cached, err := b.cache.Load(ctx, b.cacheKey)
		switch {
		case errors.Is(err, sessioncache.ErrMiss):
		case err != nil:
			b.logger.Warn("session cache load failed", zap.Error(err))
		default:
			b.mu.Lock()
			if b.session == nil {
				b.session = cached
			}
			sess = b.session
			b.mu.Unlock()
		}
	}

	if sess != nil && sess.Expired(b.now()) {
		refreshed, err := b.refresh(ctx, sess, false)
		if err != nil {
			b.logger.Info("stored session could not be refreshed", zap.Error(err))
			b.setSession(ctx, "", nil)
			return nil, nil
		}
		return refreshed, nil
	}
	return sess.Clone(), nil
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

// SignInWithPassword verifies the password against auth_users and issues a
// new session.
func (b *Backend) SignInWithPassword(ctx context.Context, email, password string) (*backend.Session, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, &backend.AuthError{Op: "sign in", Err: backend.ErrInvalidCredentials}
	}

	var (
		userID, storedEmail, hash, status string
	)
	err := b.db.QueryRowContext(ctx,
		`select id, email, password_hash, status from auth_users where lower(email) = $1`, email,
	).Scan(&userID, &storedEmail, &hash, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &backend.AuthError{Op: "sign in", Err: backend.ErrInvalidCredentials}
	}
	if err != nil {
		return nil, &backend.AuthError{Op: "sign in", Err: err}
	}
	if status != "active" {
		return nil, &backend.AuthError{Op: "sign in", Err: auth.ErrInactiveUser}
	}
	if err := auth.VerifyPassword(hash, password); err != nil {
		return nil, &backend.AuthError{Op: "sign in", Err: backend.ErrInvalidCredentials}
	}

	sess, err := b.issue(ctx, userID, storedEmail)
	if err != nil {
		return nil, &backend.AuthError{Op: "sign in", Err: err}
	}
	b.setSession(ctx, backend.EventSignedIn, sess)
	return sess.Clone(), nil
}

// SignOut revokes the refresh token and clears the session. The local session
// is cleared even when the revoke fails.
func (b *Backend) SignOut(ctx context.Context) error {
	b.mu.Lock()
	sess := b.session
	b.mu.Unlock()

	var revokeErr error
	if sess != nil && sess.RefreshToken != "" {
		_, revokeErr = b.db.ExecContext(ctx,
			`update auth_refresh_tokens set revoked_at = now() where token_hash = $1 and revoked_at is null`,
			auth.HashRefreshToken(sess.RefreshToken))
	}
	b.setSession(ctx, backend.EventSignedOut, nil)
	if revokeErr != nil {
		return &backend.AuthError{Op: "sign out", Err: revokeErr}
	}
	return nil
}

// IsAdmin implements backend.Authorizer through the is_admin(uid) function.
func (b *Backend) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var admin sql.NullBool
	if err := b.db.QueryRowContext(ctx, `select is_admin($1)`, userID).Scan(&admin); err != nil {
		return false, err
	}
	return admin.Valid && admin.Bool, nil
}

// Refresh rotates the current session's tokens and emits TOKEN_REFRESHED.
func (b *Backend) Refresh(ctx context.Context) (*backend.Session, error) {
	b.mu.Lock()
	sess := b.session
	b.mu.Unlock()
	if sess == nil {
		return nil, backend.ErrNoSession
	}
	return b.refresh(ctx, sess, true)
}

func (b *Backend) refresh(ctx context.Context, sess *backend.Session, notify bool) (*backend.Session, error) {
	if sess.RefreshToken == "" {
		return nil, &backend.AuthError{Op: "refresh", Err: backend.ErrNoSession}
	}
	var userID string
	err := b.db.QueryRowContext(ctx,
		`update auth_refresh_tokens set revoked_at = now()
		 where token_hash = $1 and revoked_at is null and expires_at > now()
		 returning user_id`,
		auth.HashRefreshToken(sess.RefreshToken),
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &backend.AuthError{Op: "refresh", Err: backend.ErrNoSession}
	}
	if err != nil {
		return nil, &backend.AuthError{Op: "refresh", Err: err}
	}

	var email, status string
	if err := b.db.QueryRowContext(ctx,
		`select email, status from auth_users where id = $1`, userID,
	).Scan(&email, &status); err != nil {
		return nil, &backend.AuthError{Op: "refresh", Err: err}
	}
	if status != "active" {
		return nil, &backend.AuthError{Op: "refresh", Err: auth.ErrInactiveUser}
	}

	next, err := b.issue(ctx, userID, email)
	if err != nil {
		return nil, &backend.AuthError{Op: "refresh", Err: err}
	}
	event := backend.EventTokenRefreshed
	if !notify {
		event = ""
	}
	b.setSession(ctx, event, next)
	return next.Clone(), nil
}

// AutoRefresh rotates the session shortly before its access token expires
// until ctx ends.
func (b *Backend) AutoRefresh(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		b.mu.Lock()
		sess := b.session
		b.mu.Unlock()
		if sess == nil || sess.ExpiresAt.Sub(b.now()) > refreshMargin {
			continue
		}
		if _, err := b.refresh(ctx, sess, true); err != nil {
			b.logger.Warn("session refresh failed; signing out", zap.Error(err))
			b.setSession(ctx, backend.EventSignedOut, nil)
		}
	}
}

func (b *Backend) issue(ctx context.Context, userID, email string) (*backend.Session, error) {
	access, expiresAt, err := b.signer.Issue(userID, email, b.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := auth.NewRefreshToken()
	if err != nil {
		return nil, err
	}
	if _, err := b.db.ExecContext(ctx,
		`insert into auth_refresh_tokens(token_hash, user_id, expires_at) values($1,$2,$3)`,
		auth.HashRefreshToken(refresh), userID, b.now().Add(b.refreshTTL).UTC(),
	); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}
	return &backend.Session{
		UserID:       userID,
		Email:        email,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	}, nil
}

// setSession stores sess, mirrors it to the cache and notifies handlers when
// event is set.
func (b *Backend) setSession(ctx context.Context, event backend.AuthEvent, sess *backend.Session) {
	b.mu.Lock()
	b.session = sess
	handlers := make([]backend.SessionHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	if b.cache != nil {
		cctx := context.WithoutCancel(ctx)
		if err := b.cache.Save(cctx, b.cacheKey, sess, b.refreshTTL); err != nil {
			b.logger.Warn("session cache write failed", zap.Error(err))
		}
	}
	if event == "" {
		return
	}
	for _, h := range handlers {
		h(event, sess.Clone())
	}
}
