package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/Ernest01982/tuktukadmin/internal/backend"
)

type fakeConn struct {
	notes  chan *pgconn.Notification
	mu     sync.Mutex
	execs  []string
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{notes: make(chan *pgconn.Notification, 8)}
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n, ok := <-c.notes:
		if !ok {
			return nil, errors.New("unexpected EOF")
		}
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func notify(table, typ string) *pgconn.Notification {
	return &pgconn.Notification{Channel: DefaultChannel, Payload: `{"table":"` + table + `","type":"` + typ + `"}`}
}

func TestListenerDispatchesAndReconnects(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	var (
		mu    sync.Mutex
		dials int
	)
	l := NewListener("", WithBackoff(time.Millisecond, 5*time.Millisecond), WithListenerLogger(zap.NewNop()))
	l.dial = func(ctx context.Context) (notificationConn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		switch dials {
		case 1:
			return nil, errors.New("connection refused")
		case 2:
			return first, nil
		default:
			return second, nil
		}
	}

	got := make(chan backend.Change, 8)
	sub, err := l.SubscribeTableChanges("rides", backend.MaskAll, func(c backend.Change) { got <- c })
	if err != nil {
		t.Fatalf("SubscribeTableChanges: %v", err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	first.notes <- notify("profiles", "insert")
	first.notes <- notify("rides", "insert")
	select {
	case c := <-got:
		if c.Table != "rides" || c.Type != backend.ChangeInsert {
			t.Fatalf("unexpected change %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}

	// Drop the connection; the listener reconnects and asks subscribers to resync.
	close(first.notes)
	select {
	case c := <-got:
		if c.Table != "rides" || c.Type != backend.ChangeUpdate {
			t.Fatalf("unexpected resync change %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no resync after reconnect")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if !first.closed || len(first.execs) != 1 || first.execs[0] != `listen "table_changes"` {
		t.Fatalf("unexpected first conn state closed=%v execs=%v", first.closed, first.execs)
	}
}

func TestListenerMaskFiltersChanges(t *testing.T) {
	l := NewListener("", WithListenerLogger(zap.NewNop()))
	got := make(chan backend.Change, 4)
	sub, err := l.SubscribeTableChanges("rides", backend.MaskDelete, func(c backend.Change) { got <- c })
	if err != nil {
		t.Fatalf("SubscribeTableChanges: %v", err)
	}

	l.hub.Publish(backend.Change{Table: "rides", Type: backend.ChangeInsert})
	l.hub.Publish(backend.Change{Table: "rides", Type: backend.ChangeDelete})
	select {
	case c := <-got:
		if c.Type != backend.ChangeDelete {
			t.Fatalf("unexpected change %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}

	sub.Unsubscribe()
	l.mu.Lock()
	n := len(l.tables)
	l.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected table registry cleared, got %d", n)
	}
}

func TestDecodeNotification(t *testing.T) {
	c, err := decodeNotification(`{"table":"rides","type":"update"}`)
	if err != nil || c.Table != "rides" || c.Type != backend.ChangeUpdate {
		t.Fatalf("decode = %+v, %v", c, err)
	}
	for _, payload := range []string{`not json`, `{"table":"rides","type":"truncate"}`, `{"table":"Rides;","type":"insert"}`} {
		if _, err := decodeNotification(payload); err == nil {
			t.Fatalf("expected error for %s", payload)
		}
	}
}

func TestNextBackoffCaps(t *testing.T) {
	d := 500 * time.Millisecond
	var seen []time.Duration
	for i := 0; i < 8; i++ {
		d = nextBackoff(d, 30*time.Second)
		seen = append(seen, d)
	}
	if seen[0] != time.Second || seen[len(seen)-1] != 30*time.Second {
		t.Fatalf("unexpected backoff sequence %v", seen)
	}
}
