// Package authflow sequences the console's authentication lifecycle: the
// initial session load, the admin check paired with it, and the recompute of
// that check on every later session change.
//
// All state transitions run as tasks on one serial queue. Authorization
// lookups run off the queue and post their result back, so a slow lookup never
// stalls session-change handling.
package authflow

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/Ernest01982/tuktukadmin/internal/backend"
	"github.com/Ernest01982/tuktukadmin/internal/gate"
	"github.com/Ernest01982/tuktukadmin/internal/obs"
	"github.com/Ernest01982/tuktukadmin/internal/session"
	"github.com/Ernest01982/tuktukadmin/internal/stream"
)

// ErrClosed is returned by operations on a controller after Close.
var ErrClosed = errors.New("authflow: controller closed")

// PrivilegeResolver derives the admin flag for a session. It must not fail.
type PrivilegeResolver interface {
	Resolve(ctx context.Context, sess *backend.Session) bool
}

// State is a consistent view of the auth lifecycle. Resolved is true once the
// admin check for the current identity has landed.
type State struct {
	Session  *backend.Session `json:"session,omitempty"`
	Loading  bool             `json:"loading"`
	IsAdmin  bool             `json:"is_admin"`
	Resolved bool             `json:"resolved"`
}

// Decision evaluates the access gate for s.
func (s State) Decision() gate.Decision {
	return gate.Decide(gate.Input{
		Ready:      !s.Loading,
		HasSession: s.Session != nil,
		IsAdmin:    s.IsAdmin,
	})
}

// Controller owns the session subscription and the admin flag.
type Controller struct {
	client   backend.AuthClient
	store    *session.Store
	resolver PrivilegeResolver
	logger   *zap.Logger

	queue *taskQueue
	hub   *stream.Hub[State]
	ready chan struct{}

	mu            sync.Mutex
	started       bool
	closed        bool
	sub           backend.Subscription
	cancel        context.CancelFunc
	admin         bool
	adminFor      string
	adminSet      bool
	lastRequested string

	lookups   sync.WaitGroup
	closeOnce sync.Once
}

// New wires a controller over client, store and resolver. Nothing happens
// until Start.
func New(client backend.AuthClient, store *session.Store, resolver PrivilegeResolver, logger *zap.Logger) *Controller {
	c := &Controller{
		client:   client,
		store:    store,
		resolver: resolver,
		logger:   obs.Or(logger).Named("authflow"),
		queue:    newTaskQueue(),
		hub:      stream.New[State](0),
		ready:    make(chan struct{}),
	}
	store.OnCommit(c.sessionCommitted)
	return c
}

// Start begins the initial load and subscribes to session changes. The
// controller runs until Close or until ctx ends.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	obs.SetAuthReady(false)
	go c.queue.run(loopCtx)

	// Subscribe before the initial load so no change between GetSession and
	// registration is missed; tickets order the overlap.
	sub := c.client.OnSessionChange(func(event backend.AuthEvent, sess *backend.Session) {
		c.logger.Debug("session change", zap.String("event", string(event)), zap.Bool("present", sess != nil))
		c.store.Set(sess)
	})

	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.sub = sub
	}
	c.mu.Unlock()
	if closed {
		sub.Unsubscribe()
		return ErrClosed
	}

	c.queue.post(c.bootstrap)
	return nil
}

// bootstrap loads the initial session and resolves its admin flag before
// declaring the controller ready.
func (c *Controller) bootstrap(ctx context.Context) {
	ticket := c.store.Begin()
	sess, err := c.client.GetSession(ctx)
	if err != nil {
		c.logger.Warn("initial session load failed; starting signed out", zap.Error(err))
		sess = nil
	}
	c.store.Commit(ticket, sess)

	// A change event may have landed while the load was in flight; resolve
	// whatever the store now holds.
	cur := c.store.Current()
	identity := cur.Identity()
	c.mu.Lock()
	c.lastRequested = identity
	c.mu.Unlock()

	admin := c.resolver.Resolve(ctx, cur)
	c.commitAdmin(identity, admin)

	c.store.MarkLoaded()
	close(c.ready)
	obs.SetAuthReady(true)
	c.logger.Info("auth ready", zap.Bool("signed_in", cur != nil), zap.Bool("admin", admin))
	c.publish()
}

// sessionCommitted runs after every applied session write. The recompute is
// posted as its own task, never run inside the caller.
func (c *Controller) sessionCommitted(sess *backend.Session) {
	c.publish()
	c.queue.post(func(ctx context.Context) { c.recompute(ctx, sess) })
}

func (c *Controller) recompute(ctx context.Context, sess *backend.Session) {
	identity := sess.Identity()
	c.mu.Lock()
	if identity == c.lastRequested {
		c.mu.Unlock()
		return
	}
	c.lastRequested = identity
	c.mu.Unlock()

	c.lookups.Add(1)
	go func() {
		defer c.lookups.Done()
		admin := c.resolver.Resolve(ctx, sess)
		c.queue.post(func(context.Context) {
			c.mu.Lock()
			current := c.lastRequested == identity
			c.mu.Unlock()
			if !current {
				c.logger.Debug("dropping superseded admin check", zap.Bool("signed_in", identity != ""))
				return
			}
			c.commitAdmin(identity, admin)
			c.publish()
		})
	}()
}

func (c *Controller) commitAdmin(identity string, admin bool) {
	c.mu.Lock()
	c.admin = admin
	c.adminFor = identity
	c.adminSet = true
	c.mu.Unlock()
}

// State returns the current lifecycle state. The admin flag only reads true
// once ready and only for the identity it was resolved for.
func (c *Controller) State() State {
	sess := c.store.Current()
	loading := c.store.Loading()
	c.mu.Lock()
	resolved := c.adminSet && c.adminFor == sess.Identity()
	admin := resolved && c.admin
	c.mu.Unlock()
	return State{
		Session:  sess,
		Loading:  loading,
		IsAdmin:  admin && !loading && sess != nil,
		Resolved: resolved && !loading,
	}
}

func (c *Controller) publish() {
	c.hub.Publish(c.State())
}

// Watch streams state changes until ctx ends.
func (c *Controller) Watch(ctx context.Context) <-chan State {
	return c.hub.Subscribe(ctx)
}

// Ready is closed once the initial load and its admin check have completed.
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

// WaitReady blocks until the controller is ready or ctx ends.
func (c *Controller) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SignIn authenticates through the session store.
func (c *Controller) SignIn(ctx context.Context, email, password string) error {
	return c.store.SignIn(ctx, email, password)
}

// SignOut clears the session locally and signs out remotely in the background.
func (c *Controller) SignOut(ctx context.Context) {
	c.store.SignOut(ctx)
}

// Close releases the session subscription, stops the task queue and waits for
// in-flight lookups and background sign-outs.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		sub := c.sub
		c.sub = nil
		cancel := c.cancel
		started := c.started
		c.mu.Unlock()

		if sub != nil {
			sub.Unsubscribe()
		}
		if cancel != nil {
			cancel()
		}
		if started {
			<-c.queue.done
		}
		c.lookups.Wait()
		c.store.Wait()
	})
}
