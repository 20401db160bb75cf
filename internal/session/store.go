// Package session holds the console's current authentication session. It is the
// single source of truth for "am I signed in".
package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ernest01982/tuktukadmin/internal/backend"
	"github.com/Ernest01982/tuktukadmin/internal/obs"
)

const signOutTimeout = 10 * time.Second

// Ticket orders observations of the backend session. A later ticket always wins.
type Ticket uint64

// Store holds the current session and the loading flag.
type Store struct {
	client backend.AuthClient
	logger *zap.Logger

	mu       sync.Mutex
	current  *backend.Session
	loading  bool
	observed Ticket
	applied  Ticket
	onCommit []func(*backend.Session)

	background sync.WaitGroup
}

// NewStore returns a Store in the loading state.
func NewStore(client backend.AuthClient, logger *zap.Logger) *Store {
	return &Store{
		client:  client,
		logger:  obs.Or(logger).Named("session"),
		loading: true,
	}
}

// OnCommit registers fn to run, outside the lock, after every applied write.
func (s *Store) OnCommit(fn func(*backend.Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCommit = append(s.onCommit, fn)
}

// Begin takes an observation ticket. Take it before reading the backend so any
// event observed while the read is in flight supersedes the read's result.
func (s *Store) Begin() Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observed++
	return s.observed
}

// Commit applies sess unless a later observation was already applied.
func (s *Store) Commit(t Ticket, sess *backend.Session) bool {
	s.mu.Lock()
	if t < s.applied {
		s.mu.Unlock()
		s.logger.Debug("dropping superseded session observation",
			zap.Uint64("ticket", uint64(t)), zap.Uint64("applied", uint64(s.applied)))
		return false
	}
	s.applied = t
	s.current = sess.Clone()
	hooks := slices.Clone(s.onCommit)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(sess.Clone())
	}
	return true
}

// Set observes and applies sess in one step.
func (s *Store) Set(sess *backend.Session) {
	s.Commit(s.Begin(), sess)
}

// Current returns a copy of the current session, nil when signed out.
func (s *Store) Current() *backend.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// Loading reports whether the initial load is still in progress.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// MarkLoaded clears the loading flag. It never reverts.
func (s *Store) MarkLoaded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
}

// SignIn authenticates with the backend. On success the backend's session-change
// event, not this call, updates the store.
func (s *Store) SignIn(ctx context.Context, email, password string) error {
	_, err := s.client.SignInWithPassword(ctx, email, password)
	if err == nil {
		return nil
	}
	var authErr *backend.AuthError
	if errors.As(err, &authErr) {
		return err
	}
	return &backend.AuthError{Op: "sign in", Err: err}
}

// SignOut clears the session immediately and invalidates it on the backend in
// the background. Failures of the remote call are logged, never returned.
func (s *Store) SignOut(ctx context.Context) {
	s.Set(nil)

	bg := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(bg, signOutTimeout)
		defer cancel()
		if err := s.client.SignOut(ctx); err != nil {
			s.logger.Warn("backend sign-out failed", zap.Error(err))
		}
	}()
}

// Wait blocks until background sign-out calls finish.
func (s *Store) Wait() {
	s.background.Wait()
}
