package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/Ernest01982/tuktukadmin/internal/backend"
	"github.com/Ernest01982/tuktukadmin/internal/obs"
	"github.com/Ernest01982/tuktukadmin/internal/stream"
)

const (
	DefaultChannel    = "table_changes"
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

var errNoListener = errors.New("change listener is not configured")

type notificationConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// Listener holds one dedicated connection on LISTEN and fans notifications out
// to table subscriptions. A dropped connection is re-established with capped
// exponential backoff.
type Listener struct {
	channel    string
	dial       func(ctx context.Context) (notificationConn, error)
	logger     *zap.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
	hub        *stream.Hub[backend.Change]

	mu        sync.Mutex
	tables    map[string]int
	connected bool
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithChannel overrides the notification channel.
func WithChannel(name string) ListenerOption {
	return func(l *Listener) {
		if name != "" {
			l.channel = name
		}
	}
}

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(initial, ceiling time.Duration) ListenerOption {
	return func(l *Listener) {
		if initial > 0 {
			l.minBackoff = initial
		}
		if ceiling >= l.minBackoff {
			l.maxBackoff = ceiling
		}
	}
}

// WithListenerLogger sets the logger.
func WithListenerLogger(logger *zap.Logger) ListenerOption {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewListener returns a listener that connects to dsn when Run is called.
func NewListener(dsn string, opts ...ListenerOption) *Listener {
	l := &Listener{
		channel: DefaultChannel,
		dial: func(ctx context.Context) (notificationConn, error) {
			return pgx.Connect(ctx, dsn)
		},
		logger:     obs.Logger(),
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		hub:        stream.New[backend.Change](64),
		tables:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.Named("listener")
	return l
}

// Connected reports whether the LISTEN connection is currently up.
func (l *Listener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Run listens until ctx ends.
func (l *Listener) Run(ctx context.Context) error {
	delay := l.minBackoff
	resync := false
	for {
		connected, err := l.listen(ctx, resync)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			delay = l.minBackoff
			resync = true
		}
		l.logger.Warn("change feed disconnected; reconnecting",
			zap.Error(&backend.SubscriptionError{Table: l.channel, Err: err}),
			zap.Duration("backoff", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = nextBackoff(delay, l.maxBackoff)
	}
}

// listen runs one connection. It reports whether LISTEN succeeded.
func (l *Listener) listen(ctx context.Context, resync bool) (bool, error) {
	conn, err := l.dial(ctx)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
		l.setConnected(false)
	}()

	if _, err := conn.Exec(ctx, "listen "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return false, fmt.Errorf("listen: %w", err)
	}
	l.setConnected(true)
	l.logger.Info("listening for table changes", zap.String("channel", l.channel))
	if resync {
		// Changes made while disconnected were never delivered.
		l.resync()
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return true, err
		}
		change, err := decodeNotification(n.Payload)
		if err != nil {
			l.logger.Warn("ignoring malformed notification", zap.Error(err))
			continue
		}
		l.hub.Publish(change)
	}
}

func (l *Listener) setConnected(v bool) {
	l.mu.Lock()
	l.connected = v
	l.mu.Unlock()
}

func (l *Listener) resync() {
	l.mu.Lock()
	tables := make([]string, 0, len(l.tables))
	for t := range l.tables {
		tables = append(tables, t)
	}
	l.mu.Unlock()
	for _, t := range tables {
		l.hub.Publish(backend.Change{Table: t, Type: backend.ChangeUpdate})
	}
}

// SubscribeTableChanges implements backend.ChangeFeed.
func (l *Listener) SubscribeTableChanges(table string, mask backend.EventMask, handler func(backend.Change)) (backend.Subscription, error) {
	if !backend.ValidIdentifier(table) {
		return nil, &backend.SubscriptionError{Table: table, Err: backend.ErrInvalidQuery}
	}
	if handler == nil {
		return nil, &backend.SubscriptionError{Table: table, Err: errors.New("nil handler")}
	}

	l.mu.Lock()
	l.tables[table]++
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	ch := l.hub.Subscribe(ctx)
	go func() {
		for change := range ch {
			if change.Table != table || !mask.Matches(change.Type) {
				continue
			}
			handler(change)
		}
	}()

	return backend.NewSubscription(func() {
		cancel()
		l.mu.Lock()
		if l.tables[table]--; l.tables[table] <= 0 {
			delete(l.tables, table)
		}
		l.mu.Unlock()
	}), nil
}

// SubscribeTableChanges implements backend.ChangeFeed through the configured
// listener.
func (b *Backend) SubscribeTableChanges(table string, mask backend.EventMask, handler func(backend.Change)) (backend.Subscription, error) {
	if b.listener == nil {
		return nil, &backend.SubscriptionError{Table: table, Err: errNoListener}
	}
	return b.listener.SubscribeTableChanges(table, mask, handler)
}

func decodeNotification(payload string) (backend.Change, error) {
	var change backend.Change
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return backend.Change{}, fmt.Errorf("decode notification: %w", err)
	}
	change.Type = backend.ChangeType(strings.ToUpper(string(change.Type)))
	if !backend.ValidIdentifier(change.Table) {
		return backend.Change{}, fmt.Errorf("decode notification: bad table %q", change.Table)
	}
	switch change.Type {
	case backend.ChangeInsert, backend.ChangeUpdate, backend.ChangeDelete:
	default:
		return backend.Change{}, fmt.Errorf("decode notification: bad type %q", change.Type)
	}
	return change, nil
}

func nextBackoff(cur, ceiling time.Duration) time.Duration {
	next := cur * 2
	if next > ceiling {
		return ceiling
	}
	return next
}
