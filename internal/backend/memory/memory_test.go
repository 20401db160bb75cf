package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Ernest01982/tuktukadmin/internal/backend"
)

type ride struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	RequestedAt time.Time `json:"requested_at"`
}

func TestSignInEmitsEventAndReturnsSession(t *testing.T) {
	b := New()
	uid, err := b.AddUser("admin@example.com", "pw", true)
	if err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	var events []backend.AuthEvent
	sub := b.OnSessionChange(func(ev backend.AuthEvent, s *backend.Session) {
		events = append(events, ev)
	})
	defer sub.Unsubscribe()

	sess, err := b.SignInWithPassword(context.Background(), "Admin@Example.com", "pw")
	if err != nil {
		t.Fatalf("SignInWithPassword: %v", err)
	}
	if sess.UserID != uid {
		t.Fatalf("unexpected user %s", sess.UserID)
	}
	if len(events) != 1 || events[0] != backend.EventSignedIn {
		t.Fatalf("unexpected events: %v", events)
	}

	got, err := b.GetSession(context.Background())
	if err != nil || got.Identity() != uid {
		t.Fatalf("GetSession = %+v, %v", got, err)
	}
}

func TestSignInRejectsBadPassword(t *testing.T) {
	b := New()
	if _, err := b.AddUser("a@example.com", "pw", false); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	_, err := b.SignInWithPassword(context.Background(), "a@example.com", "nope")
	var authErr *backend.AuthError
	if !errors.As(err, &authErr) || !errors.Is(err, backend.ErrInvalidCredentials) {
		t.Fatalf("expected AuthError wrapping ErrInvalidCredentials, got %v", err)
	}
}

func TestUnsubscribeStopsSessionEvents(t *testing.T) {
	b := New()
	if _, err := b.AddUser("a@example.com", "pw", false); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	calls := 0
	sub := b.OnSessionChange(func(backend.AuthEvent, *backend.Session) { calls++ })
	sub.Unsubscribe()
	if b.HandlerCount() != 0 {
		t.Fatalf("handler still registered")
	}
	if _, err := b.SignInWithPassword(context.Background(), "a@example.com", "pw"); err != nil {
		t.Fatalf("SignInWithPassword: %v", err)
	}
	if calls != 0 {
		t.Fatalf("handler called after unsubscribe")
	}
}

func TestExpiredSessionIsAbsent(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	b := New(WithClock(func() time.Time { return clock() }), WithAccessTTL(time.Minute))
	if _, err := b.AddUser("a@example.com", "pw", false); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if _, err := b.RestoreSession("a@example.com"); err != nil {
		t.Fatalf("RestoreSession: %v", err)
	}
	later := now.Add(2 * time.Minute)
	clock = func() time.Time { return later }
	got, err := b.GetSession(context.Background())
	if err != nil || got != nil {
		t.Fatalf("expected absent session, got %+v, %v", got, err)
	}
}

func TestQueryOrdersAndLimits(t *testing.T) {
	b := New()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		if err := b.Insert(ctx, "rides", map[string]any{
			"id":           fmt.Sprintf("r%02d", i),
			"status":       "requested",
			"requested_at": base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	q := backend.From("rides").Select("id", "status", "requested_at").OrderBy("requested_at", true).WithLimit(50)
	rows, err := backend.Select[ride](ctx, b, q)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(rows) != 50 {
		t.Fatalf("expected 50 rows, got %d", len(rows))
	}
	if rows[0].ID != "r59" || rows[49].ID != "r10" {
		t.Fatalf("unexpected order: first=%s last=%s", rows[0].ID, rows[49].ID)
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].RequestedAt.After(rows[i-1].RequestedAt) {
			t.Fatalf("rows not descending at %d", i)
		}
	}
}

func TestQueryOrdersByUnselectedColumn(t *testing.T) {
	b := New()
	ctx := context.Background()
	_ = b.Insert(ctx, "profiles", map[string]any{"id": "old", "role": "driver", "created_at": time.Unix(100, 0)})
	_ = b.Insert(ctx, "profiles", map[string]any{"id": "new", "role": "driver", "created_at": time.Unix(200, 0)})
	_ = b.Insert(ctx, "profiles", map[string]any{"id": "rider", "role": "rider", "created_at": time.Unix(300, 0)})

	raw, err := b.Query(ctx, backend.From("profiles").Select("id").Eq("role", "driver").OrderBy("created_at", true))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 2 || rows[0]["id"] != "new" || rows[1]["id"] != "old" {
		t.Fatalf("unexpected rows: %v", rows)
	}
	if _, ok := rows[0]["created_at"]; ok {
		t.Fatalf("projection leaked created_at: %v", rows[0])
	}
}

func TestQueryOffsetPastEnd(t *testing.T) {
	b := New()
	_ = b.Insert(context.Background(), "error_logs", map[string]any{"message": "x"})
	rows, err := backend.Select[map[string]any](context.Background(), b, backend.From("error_logs").Range(50, 99))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty page, got %v", rows)
	}
}

func TestChangeFeedRespectsTableAndMask(t *testing.T) {
	b := New()
	var inserts, all atomic.Int32
	subInsert, err := b.SubscribeTableChanges("rides", backend.MaskInsert, func(backend.Change) { inserts.Add(1) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer subInsert.Unsubscribe()
	subAll, err := b.SubscribeTableChanges("rides", backend.MaskAll, func(backend.Change) { all.Add(1) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer subAll.Unsubscribe()

	ctx := context.Background()
	_ = b.Insert(ctx, "rides", map[string]any{"id": "r1", "status": "requested"})
	_ = b.Update(ctx, "rides", "r1", map[string]any{"status": "completed"})
	_ = b.Insert(ctx, "profiles", map[string]any{"id": "p1"})

	waitFor(t, func() bool { return all.Load() == 2 && inserts.Load() == 1 })
}

func TestChangeFeedUnsubscribe(t *testing.T) {
	b := New()
	sub, err := b.SubscribeTableChanges("rides", backend.MaskAll, func(backend.Change) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, func() bool { return b.FeedSubscribers() == 1 })
	sub.Unsubscribe()
	waitFor(t, func() bool { return b.FeedSubscribers() == 0 })
}

func TestIsAdminRPC(t *testing.T) {
	b := New()
	uid, _ := b.AddUser("a@example.com", "pw", true)
	ok, err := backend.Call[bool](context.Background(), b, "is_admin", map[string]any{"uid": uid})
	if err != nil || !ok {
		t.Fatalf("is_admin = %v, %v", ok, err)
	}
	if _, err := b.RPC(context.Background(), "drop_everything", nil); !errors.Is(err, backend.ErrUnknownFunction) {
		t.Fatalf("expected ErrUnknownFunction, got %v", err)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	b := New()
	ctx := context.Background()
	for _, key := range []string{"AIza-1", "AIza-2"} {
		if _, err := b.RPC(ctx, "set_app_setting", map[string]any{"p_key": "maps.google", "p_value": map[string]any{"apiKey": key}}); err != nil {
			t.Fatalf("set_app_setting: %v", err)
		}
	}
	got, err := backend.Call[map[string]string](ctx, b, "get_app_setting", map[string]any{"p_key": "maps.google"})
	if err != nil {
		t.Fatalf("get_app_setting: %v", err)
	}
	if got["apiKey"] != "AIza-2" {
		t.Fatalf("unexpected setting: %v", got)
	}
}

func TestCreateDriverFunction(t *testing.T) {
	b := New()
	ctx := context.Background()
	raw, err := b.Invoke(ctx, "create-driver", map[string]string{
		"email": "driver@example.com", "password": "pw", "full_name": "Dee", "plate": "CA 123",
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var resp struct {
		Success bool   `json:"success"`
		UserID  string `json:"user_id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || !resp.Success || resp.UserID == "" {
		t.Fatalf("unexpected response %s (%v)", raw, err)
	}
	if len(b.rowsOf("profiles")) != 1 || len(b.rowsOf("vehicles")) != 1 {
		t.Fatalf("expected profile and vehicle rows")
	}

	if _, err := b.Invoke(ctx, "create-driver", map[string]string{"email": "x@example.com"}); err == nil {
		t.Fatal("expected missing password error")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
