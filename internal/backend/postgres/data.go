package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Ernest01982/tuktukadmin/internal/backend"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Query implements backend.Querier. Rows are aggregated server-side into one
// JSON array in query order.
func (b *Backend) Query(ctx context.Context, q backend.Query) (json.RawMessage, error) {
	stmt, args, err := buildSelect(q)
	if err != nil {
		return nil, err
	}
	var raw []byte
	if err := b.db.QueryRowContext(ctx, stmt, args...).Scan(&raw); err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func buildSelect(q backend.Query) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	cols := "*"
	if len(q.Columns) > 0 {
		cols = strings.Join(q.Columns, ", ")
	}

	var order []string
	for _, o := range q.Order {
		dir := "asc"
		if o.Descending {
			dir = "desc"
		}
		order = append(order, o.Column+" "+dir)
	}
	over := ""
	if len(order) > 0 {
		over = "order by " + strings.Join(order, ", ")
	}

	var (
		sb   strings.Builder
		args []any
	)
	fmt.Fprintf(&sb, "select %s, row_number() over (%s) as _ord from %s", cols, over, q.Table)
	for i, f := range q.Filters {
		if i == 0 {
			sb.WriteString(" where ")
		} else {
			sb.WriteString(" and ")
		}
		args = append(args, f.Value)
		fmt.Fprintf(&sb, "%s = $%d", f.Column, len(args))
	}
	if over != "" {
		sb.WriteString(" " + over)
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sb.WriteString(" limit $" + strconv.Itoa(len(args)))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		sb.WriteString(" offset $" + strconv.Itoa(len(args)))
	}

	stmt := "select coalesce(jsonb_agg(to_jsonb(t) - '_ord' order by t._ord), '[]'::jsonb) from (" + sb.String() + ") t"
	return stmt, args, nil
}

// RPC implements backend.RPCCaller using named-argument notation.
func (b *Backend) RPC(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error) {
	stmt, params, err := buildCall(fn, args)
	if err != nil {
		return nil, err
	}
	var raw []byte
	if err := b.db.QueryRowContext(ctx, stmt, params...).Scan(&raw); err != nil {
		return nil, fmt.Errorf("rpc %s: %w", fn, err)
	}
	if raw == nil {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(raw), nil
}

func buildCall(fn string, args map[string]any) (string, []any, error) {
	if !backend.ValidIdentifier(fn) {
		return "", nil, fmt.Errorf("%w: function %q", backend.ErrInvalidQuery, fn)
	}
	names := make([]string, 0, len(args))
	for name := range args {
		if !backend.ValidIdentifier(name) {
			return "", nil, fmt.Errorf("%w: argument %q", backend.ErrInvalidQuery, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	params := make([]any, 0, len(names))
	for i, name := range names {
		v, err := sqlValue(args[name])
		if err != nil {
			return "", nil, fmt.Errorf("argument %s: %w", name, err)
		}
		params = append(params, v)
		parts = append(parts, fmt.Sprintf("%s => $%d", name, i+1))
	}
	return fmt.Sprintf("select to_jsonb(%s(%s))", fn, strings.Join(parts, ", ")), params, nil
}

// Insert implements backend.Inserter.
func (b *Backend) Insert(ctx context.Context, table string, row map[string]any) error {
	stmt, params, err := buildInsert(table, row)
	if err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, stmt, params...); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return fmt.Errorf("insert %s: %w: %s", table, backend.ErrConflict, pgErr.ConstraintName)
			case pgErrForeignKeyViolation:
				return fmt.Errorf("insert %s: %w: %s", table, backend.ErrNotFound, pgErr.ConstraintName)
			}
		}
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func buildInsert(table string, row map[string]any) (string, []any, error) {
	if !backend.ValidIdentifier(table) {
		return "", nil, fmt.Errorf("%w: table %q", backend.ErrInvalidQuery, table)
	}
	if len(row) == 0 {
		return "", nil, fmt.Errorf("%w: empty row", backend.ErrInvalidQuery)
	}
	cols := make([]string, 0, len(row))
	for col := range row {
		if !backend.ValidIdentifier(col) {
			return "", nil, fmt.Errorf("%w: column %q", backend.ErrInvalidQuery, col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	params := make([]any, len(cols))
	for i, col := range cols {
		v, err := sqlValue(row[col])
		if err != nil {
			return "", nil, fmt.Errorf("column %s: %w", col, err)
		}
		params[i] = v
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	stmt := fmt.Sprintf("insert into %s(%s) values(%s)", table, strings.Join(cols, ", "), strings.Join(placeholders, ","))
	return stmt, params, nil
}

// sqlValue passes scalars through and encodes composite values as JSON text.
func sqlValue(v any) (any, error) {
	switch v := v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, time.Time, []byte:
		return v, nil
	case *string:
		if v == nil {
			return nil, nil
		}
		return *v, nil
	case json.RawMessage:
		return string(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	}
}
