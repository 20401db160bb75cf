// Package realtime mirrors a bounded, ordered page of a backend table and keeps
// it fresh from the table's change feed.
//
// Notifications are treated as signals only. Every notification triggers a full
// re-fetch of the page; rows are never patched locally because the server's
// ordering and limit cannot be reproduced incrementally.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ernest01982/tuktukadmin/internal/backend"
	"github.com/Ernest01982/tuktukadmin/internal/obs"
	"github.com/Ernest01982/tuktukadmin/internal/stream"
)

// Loader fetches the authoritative page.
type Loader[T any] func(ctx context.Context) ([]T, error)

// QueryLoader loads the rows of query through q.
func QueryLoader[T any](q backend.Querier, query backend.Query) Loader[T] {
	return func(ctx context.Context) ([]T, error) {
		return backend.Select[T](ctx, q, query)
	}
}

// Snapshot is the mirrored page plus the last fetch error, if any.
type Snapshot[T any] struct {
	Rows        []T       `json:"rows"`
	Err         string    `json:"error,omitempty"`
	RefreshedAt time.Time `json:"refreshed_at,omitempty"`
}

type config struct {
	name   string
	mask   backend.EventMask
	guard  bool
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Synchronizer.
type Option func(*config)

// WithName labels logs and metrics. It defaults to the table name.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithMask narrows the change feed. The default receives every change type.
func WithMask(mask backend.EventMask) Option {
	return func(c *config) { c.mask = mask }
}

// WithSequenceGuard discards a refresh result when a refresh started after it
// has already been applied. Without it the last refresh to complete wins.
func WithSequenceGuard() Option {
	return func(c *config) { c.guard = true }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithClock overrides the clock used for RefreshedAt.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// Synchronizer keeps a snapshot of one table in step with its change feed.
type Synchronizer[T any] struct {
	feed  backend.ChangeFeed
	table string
	load  Loader[T]
	cfg   config
	log   *zap.Logger
	hub   *stream.Hub[Snapshot[T]]

	mu          sync.Mutex
	rows        []T
	errMsg      string
	refreshedAt time.Time
	active      bool
	sub         backend.Subscription
	cancel      context.CancelFunc
	gen         uint64
	started     uint64
	applied     uint64

	inflight sync.WaitGroup
}

// New returns an inactive synchronizer for table.
func New[T any](feed backend.ChangeFeed, table string, load Loader[T], opts ...Option) *Synchronizer[T] {
	cfg := config{name: table, mask: backend.MaskAll, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Synchronizer[T]{
		feed:  feed,
		table: table,
		load:  load,
		cfg:   cfg,
		log:   obs.Or(cfg.logger).Named("realtime").With(zap.String("collection", cfg.name)),
		hub:   stream.New[Snapshot[T]](0),
		rows:  []T{},
	}
}

// Activate fetches the initial page and opens the change subscription. A fetch
// failure is recorded in the snapshot, not returned. Activating an active
// synchronizer first closes its current subscription.
func (s *Synchronizer[T]) Activate(ctx context.Context) error {
	s.Deactivate()

	actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.active = true
	s.cancel = cancel
	s.mu.Unlock()

	s.refresh(ctx, gen)

	sub, err := s.feed.SubscribeTableChanges(s.table, s.cfg.mask, func(ch backend.Change) {
		obs.ObserveNotification(ch.Table)
		s.trigger(actx, gen, ch)
	})
	if err != nil {
		s.Deactivate()
		var subErr *backend.SubscriptionError
		if !errors.As(err, &subErr) {
			err = &backend.SubscriptionError{Table: s.table, Err: err}
		}
		s.log.Warn("change subscription failed", zap.Error(err))
		return err
	}

	s.mu.Lock()
	if s.gen != gen || !s.active {
		s.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()
	s.log.Debug("activated", zap.String("table", s.table), zap.String("mask", string(s.cfg.mask)))
	return nil
}

// Deactivate closes the subscription before returning. Refreshes still in
// flight are abandoned and their results discarded.
func (s *Synchronizer[T]) Deactivate() {
	s.mu.Lock()
	if !s.active && s.sub == nil {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.gen++
	sub := s.sub
	s.sub = nil
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	s.log.Debug("deactivated")
}

// Active reports whether a subscription is open.
func (s *Synchronizer[T]) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Synchronizer[T]) trigger(ctx context.Context, gen uint64, ch backend.Change) {
	s.mu.Lock()
	live := s.active && s.gen == gen
	if live {
		s.inflight.Add(1)
	}
	s.mu.Unlock()
	if !live {
		return
	}
	s.log.Debug("change received", zap.String("type", string(ch.Type)))
	go func() {
		defer s.inflight.Done()
		s.refresh(ctx, gen)
	}()
}

// Refresh re-fetches the page now and returns the fetch error, if any.
func (s *Synchronizer[T]) Refresh(ctx context.Context) error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	return s.refresh(ctx, gen)
}

func (s *Synchronizer[T]) refresh(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	s.started++
	seq := s.started
	s.mu.Unlock()

	rows, err := s.load(ctx)
	obs.ObserveRefresh(s.cfg.name, err)
	if err != nil {
		var fetchErr *backend.FetchError
		if !errors.As(err, &fetchErr) {
			err = &backend.FetchError{Table: s.table, Err: err}
		}
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return err
	}
	if s.cfg.guard && seq < s.applied {
		s.mu.Unlock()
		s.log.Debug("dropping out-of-order refresh", zap.Uint64("seq", seq))
		return err
	}
	s.applied = seq
	if err != nil {
		s.errMsg = err.Error()
	} else {
		if rows == nil {
			rows = []T{}
		}
		s.rows = rows
		s.errMsg = ""
		s.refreshedAt = s.cfg.now()
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("refresh failed", zap.Error(err))
	}
	s.hub.Publish(snap)
	return err
}

// Snapshot returns a copy of the current page.
func (s *Synchronizer[T]) Snapshot() Snapshot[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Synchronizer[T]) snapshotLocked() Snapshot[T] {
	rows := make([]T, len(s.rows))
	copy(rows, s.rows)
	return Snapshot[T]{Rows: rows, Err: s.errMsg, RefreshedAt: s.refreshedAt}
}

// Watch streams a snapshot after every applied refresh until ctx ends.
func (s *Synchronizer[T]) Watch(ctx context.Context) <-chan Snapshot[T] {
	return s.hub.Subscribe(ctx)
}

// Wait blocks until notification-triggered refreshes have finished.
func (s *Synchronizer[T]) Wait() {
	s.inflight.Wait()
}
