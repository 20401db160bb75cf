package backend

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type stubQuerier struct {
	raw json.RawMessage
	err error
	got Query
}

func (s *stubQuerier) Query(_ context.Context, q Query) (json.RawMessage, error) {
	s.got = q
	return s.raw, s.err
}

func TestQueryBuilderDoesNotAlias(t *testing.T) {
	base := From("rides").OrderBy("requested_at", true)
	a := base.Eq("status", "requested")
	b := base.Eq("status", "completed")
	if len(base.Filters) != 0 {
		t.Fatalf("base query mutated: %+v", base.Filters)
	}
	if a.Filters[0].Value != "requested" || b.Filters[0].Value != "completed" {
		t.Fatalf("filters aliased: %+v %+v", a.Filters, b.Filters)
	}
}

func TestQueryValidate(t *testing.T) {
	if err := From("rides").Select("id", "status").WithLimit(50).Validate(); err != nil {
		t.Fatalf("valid query rejected: %v", err)
	}
	cases := []Query{
		From("rides; drop table rides"),
		From("rides").Select("id, 1"),
		From("rides").Eq("Status", "x"),
		From("rides").OrderBy("requested_at desc", false),
		From("rides").WithLimit(-1),
	}
	for _, q := range cases {
		if err := q.Validate(); !errors.Is(err, ErrInvalidQuery) {
			t.Fatalf("expected ErrInvalidQuery for %+v, got %v", q, err)
		}
	}
}

func TestRange(t *testing.T) {
	q := From("error_logs").Range(50, 99)
	if q.Offset != 50 || q.Limit != 50 {
		t.Fatalf("unexpected range: offset=%d limit=%d", q.Offset, q.Limit)
	}
}

func TestSelectDecodesRows(t *testing.T) {
	type row struct {
		ID string `json:"id"`
	}
	q := &stubQuerier{raw: json.RawMessage(`[{"id":"a"},{"id":"b"}]`)}
	rows, err := Select[row](context.Background(), q, From("rides"))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(rows) != 2 || rows[1].ID != "b" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestSelectEmptyIsNonNil(t *testing.T) {
	rows, err := Select[map[string]any](context.Background(), &stubQuerier{raw: json.RawMessage(`[]`)}, From("rides"))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if rows == nil || len(rows) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", rows)
	}
}

func TestSelectWrapsFetchError(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := Select[map[string]any](context.Background(), &stubQuerier{err: boom}, From("rides"))
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Table != "rides" {
		t.Fatalf("expected FetchError for rides, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
}

func TestSessionIdentityAndExpiry(t *testing.T) {
	var absent *Session
	if absent.Identity() != "" {
		t.Fatal("absent session must have empty identity")
	}
	now := time.Now()
	s := &Session{UserID: "u1", ExpiresAt: now.Add(time.Minute)}
	if s.Identity() != "u1" || s.Expired(now) {
		t.Fatalf("unexpected identity/expiry for %+v", s)
	}
	if !s.Expired(now.Add(2 * time.Minute)) {
		t.Fatal("expected expired session")
	}
	cp := s.Clone()
	cp.UserID = "u2"
	if s.UserID != "u1" {
		t.Fatal("Clone shares state")
	}
}

func TestEventMask(t *testing.T) {
	if !MaskAll.Matches(ChangeDelete) || !EventMask("").Matches(ChangeInsert) {
		t.Fatal("all mask should match every change")
	}
	if MaskInsert.Matches(ChangeUpdate) {
		t.Fatal("insert mask matched update")
	}
}

func TestSubscriptionRunsOnce(t *testing.T) {
	n := 0
	sub := NewSubscription(func() { n++ })
	sub.Unsubscribe()
	sub.Unsubscribe()
	if n != 1 {
		t.Fatalf("expected single release, got %d", n)
	}
}
