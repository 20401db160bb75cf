package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/Ernest01982/tuktukadmin/internal/backend"
)

// Query implements backend.Querier.
func (b *Backend) Query(ctx context.Context, q backend.Query) (json.RawMessage, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	hook := b.queryHook
	b.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, q); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	src := b.tables[q.Table]
	rows := make([]map[string]any, 0, len(src))
	for _, row := range src {
		if matches(row, q.Filters) {
			rows = append(rows, project(row, nil))
		}
	}
	b.mu.Unlock()

	sortRows(rows, q.Order)
	if q.Offset > 0 {
		if q.Offset >= len(rows) {
			rows = rows[:0]
		} else {
			rows = rows[q.Offset:]
		}
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	if len(q.Columns) > 0 {
		for i, row := range rows {
			rows[i] = project(row, q.Columns)
		}
	}
	return json.Marshal(rows)
}

// Insert implements backend.Inserter. Missing id and created_at are filled in.
func (b *Backend) Insert(ctx context.Context, table string, row map[string]any) error {
	if !backend.ValidIdentifier(table) {
		return fmt.Errorf("%w: table %q", backend.ErrInvalidQuery, table)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := make(map[string]any, len(row)+2)
	for k, v := range row {
		if !backend.ValidIdentifier(k) {
			return fmt.Errorf("%w: column %q", backend.ErrInvalidQuery, k)
		}
		cp[k] = v
	}
	if _, ok := cp["id"]; !ok {
		cp["id"] = uuid.NewString()
	}
	if _, ok := cp["created_at"]; !ok {
		cp["created_at"] = b.now().UTC()
	}

	b.mu.Lock()
	b.tables[table] = append(b.tables[table], cp)
	b.mu.Unlock()

	b.feed.Publish(backend.Change{Table: table, Type: backend.ChangeInsert})
	return nil
}

// Update merges patch into the row whose id equals id.
func (b *Backend) Update(ctx context.Context, table string, id any, patch map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	var found bool
	for _, row := range b.tables[table] {
		if compareValues(row["id"], id) == 0 {
			for k, v := range patch {
				row[k] = v
			}
			found = true
			break
		}
	}
	b.mu.Unlock()
	if !found {
		return backend.ErrNotFound
	}
	b.feed.Publish(backend.Change{Table: table, Type: backend.ChangeUpdate})
	return nil
}

// Delete removes the row whose id equals id.
func (b *Backend) Delete(ctx context.Context, table string, id any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	rows := b.tables[table]
	idx := -1
	for i, row := range rows {
		if compareValues(row["id"], id) == 0 {
			idx = i
			break
		}
	}
	if idx >= 0 {
		b.tables[table] = append(rows[:idx:idx], rows[idx+1:]...)
	}
	b.mu.Unlock()
	if idx < 0 {
		return backend.ErrNotFound
	}
	b.feed.Publish(backend.Change{Table: table, Type: backend.ChangeDelete})
	return nil
}

// SubscribeTableChanges implements backend.ChangeFeed. Handlers run on a
// dedicated goroutine per subscription.
func (b *Backend) SubscribeTableChanges(table string, mask backend.EventMask, handler func(backend.Change)) (backend.Subscription, error) {
	if !backend.ValidIdentifier(table) {
		return nil, &backend.SubscriptionError{Table: table, Err: backend.ErrInvalidQuery}
	}
	if handler == nil {
		return nil, &backend.SubscriptionError{Table: table, Err: fmt.Errorf("nil handler")}
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch := b.feed.Subscribe(ctx)
	go func() {
		for change := range ch {
			if change.Table != table || !mask.Matches(change.Type) {
				continue
			}
			handler(change)
		}
	}()
	return backend.NewSubscription(cancel), nil
}

// rowsOf returns a copy of table for built-in procedures.
func (b *Backend) rowsOf(table string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, 0, len(b.tables[table]))
	for _, row := range b.tables[table] {
		out = append(out, project(row, nil))
	}
	return out
}

func matches(row map[string]any, filters []backend.Filter) bool {
	for _, f := range filters {
		if compareValues(row[f.Column], f.Value) != 0 {
			return false
		}
	}
	return true
}

func project(row map[string]any, columns []string) map[string]any {
	if len(columns) == 0 {
		cp := make(map[string]any, len(row))
		for k, v := range row {
			cp[k] = v
		}
		return cp
	}
	out := make(map[string]any, len(columns))
	for _, c := range columns {
		if c == "*" {
			for k, v := range row {
				out[k] = v
			}
			continue
		}
		out[c] = row[c]
	}
	return out
}
