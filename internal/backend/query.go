package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidIdentifier reports whether name is a safe lower-case SQL identifier.
func ValidIdentifier(name string) bool {
	return identRe.MatchString(name)
}

// Filter is an equality predicate.
type Filter struct {
	Column string
	Value  any
}

// Order sorts by Column; Descending flips the direction.
type Order struct {
	Column     string
	Descending bool
}

// Query selects rows from Table. The zero Limit means unbounded.
type Query struct {
	Table   string
	Columns []string
	Filters []Filter
	Order   []Order
	Limit   int
	Offset  int
}

// From starts a query on table.
func From(table string) Query {
	return Query{Table: table}
}

// Select restricts the returned columns.
func (q Query) Select(columns ...string) Query {
	q.Columns = append([]string(nil), columns...)
	return q
}

// Eq adds an equality filter.
func (q Query) Eq(column string, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Column: column, Value: value})
	return q
}

// OrderBy appends a sort key.
func (q Query) OrderBy(column string, descending bool) Query {
	q.Order = append(append([]Order(nil), q.Order...), Order{Column: column, Descending: descending})
	return q
}

// WithLimit bounds the number of rows.
func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

// Range selects rows [from, to] inclusive, like a page request.
func (q Query) Range(from, to int) Query {
	q.Offset = from
	q.Limit = to - from + 1
	return q
}

// Validate checks identifiers and bounds.
func (q Query) Validate() error {
	if !ValidIdentifier(q.Table) {
		return fmt.Errorf("%w: table %q", ErrInvalidQuery, q.Table)
	}
	for _, c := range q.Columns {
		if c == "*" {
			continue
		}
		if !ValidIdentifier(c) {
			return fmt.Errorf("%w: column %q", ErrInvalidQuery, c)
		}
	}
	for _, f := range q.Filters {
		if !ValidIdentifier(f.Column) {
			return fmt.Errorf("%w: filter column %q", ErrInvalidQuery, f.Column)
		}
	}
	for _, o := range q.Order {
		if !ValidIdentifier(o.Column) {
			return fmt.Errorf("%w: order column %q", ErrInvalidQuery, o.Column)
		}
	}
	if q.Limit < 0 || q.Offset < 0 {
		return fmt.Errorf("%w: negative limit or offset", ErrInvalidQuery)
	}
	return nil
}

// Select runs query and decodes the rows into T. Failures are reported as *FetchError.
// An empty result is an empty, non-nil slice.
func Select[T any](ctx context.Context, q Querier, query Query) ([]T, error) {
	raw, err := q.Query(ctx, query)
	if err != nil {
		return nil, &FetchError{Table: query.Table, Err: err}
	}
	out := make([]T, 0)
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &FetchError{Table: query.Table, Err: fmt.Errorf("decode rows: %w", err)}
	}
	return out, nil
}

// Call invokes an RPC and decodes its JSON result into T.
func Call[T any](ctx context.Context, c RPCCaller, fn string, args map[string]any) (T, error) {
	var out T
	raw, err := c.RPC(ctx, fn, args)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", fn, err)
	}
	return out, nil
}
