// Package memory is an in-process backend. It serves the demo mode of the
// console and gives tests a controllable collaborator: every network-bound
// call can be delayed or failed through hooks.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Ernest01982/tuktukadmin/internal/auth"
	"github.com/Ernest01982/tuktukadmin/internal/backend"
	"github.com/Ernest01982/tuktukadmin/internal/stream"
)

const defaultAccessTTL = time.Hour

// RPCFunc implements a named procedure.
type RPCFunc func(ctx context.Context, b *Backend, args map[string]any) (any, error)

// FunctionFunc implements a remote function.
type FunctionFunc func(ctx context.Context, b *Backend, body json.RawMessage) (any, error)

type user struct {
	id           string
	email        string
	passwordHash string
	active       bool
}

// Backend is an in-memory backend.Client.
type Backend struct {
	mu        sync.Mutex
	now       func() time.Time
	accessTTL time.Duration
	signer    *auth.Signer

	users  map[string]*user // keyed by lower-case email
	admins map[string]bool
	tables map[string][]map[string]any

	rpcs      map[string]RPCFunc
	functions map[string]FunctionFunc

	session     *backend.Session
	handlers    map[int]backend.SessionHandler
	nextHandler int

	feed *stream.Hub[backend.Change]

	getSessionHook func(ctx context.Context) error
	adminLookup    func(ctx context.Context, userID string) (bool, error)
	queryHook      func(ctx context.Context, q backend.Query) error
	signOutHook    func(ctx context.Context) error
}

var _ backend.Client = (*Backend)(nil)

// Option configures Backend behavior.
type Option func(*Backend)

// WithClock overrides time source.
func WithClock(fn func() time.Time) Option {
	return func(b *Backend) {
		if fn != nil {
			b.now = fn
		}
	}
}

// WithAccessTTL sets the lifetime of issued sessions.
func WithAccessTTL(ttl time.Duration) Option {
	return func(b *Backend) {
		if ttl > 0 {
			b.accessTTL = ttl
		}
	}
}

// WithSigner makes issued access tokens signed JWTs instead of opaque ids.
func WithSigner(signer *auth.Signer) Option {
	return func(b *Backend) {
		b.signer = signer
	}
}

// New constructs an empty backend with the console's built-in RPCs and functions.
func New(opts ...Option) *Backend {
	b := &Backend{
		now:       time.Now,
		accessTTL: defaultAccessTTL,
		users:     make(map[string]*user),
		admins:    make(map[string]bool),
		tables:    make(map[string][]map[string]any),
		rpcs:      make(map[string]RPCFunc),
		functions: make(map[string]FunctionFunc),
		handlers:  make(map[int]backend.SessionHandler),
		feed:      stream.New[backend.Change](64),
	}
	for _, opt := range opts {
		opt(b)
	}
	registerBuiltins(b)
	return b
}

// AddUser registers a password user and returns its id.
func (b *Backend) AddUser(email, password string, admin bool) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return "", auth.ErrInvalidInput
	}
	hash, err := auth.HashPassword(password, bcrypt.MinCost)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.users[email]; exists {
		return "", fmt.Errorf("user %s already exists", email)
	}
	b.users[email] = &user{id: id, email: email, passwordHash: hash, active: true}
	if admin {
		b.admins[id] = true
	}
	return id, nil
}

// SetAdmin grants or revokes the admin role.
func (b *Backend) SetAdmin(userID string, admin bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if admin {
		b.admins[userID] = true
		return
	}
	delete(b.admins, userID)
}

// RegisterRPC installs or replaces a procedure.
func (b *Backend) RegisterRPC(name string, fn RPCFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rpcs[name] = fn
}

// RegisterFunction installs or replaces a remote function.
func (b *Backend) RegisterFunction(name string, fn FunctionFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.functions[name] = fn
}

// SetGetSessionHook runs before every GetSession; a non-nil error fails the call.
func (b *Backend) SetGetSessionHook(fn func(ctx context.Context) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getSessionHook = fn
}

// SetAdminLookup overrides IsAdmin.
func (b *Backend) SetAdminLookup(fn func(ctx context.Context, userID string) (bool, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adminLookup = fn
}

// SetQueryHook runs before every Query; it may block or fail the call.
func (b *Backend) SetQueryHook(fn func(ctx context.Context, q backend.Query) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queryHook = fn
}

// SetSignOutHook runs before SignOut; an error leaves the backend session untouched.
func (b *Backend) SetSignOutHook(fn func(ctx context.Context) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signOutHook = fn
}

// HandlerCount reports registered session-change handlers.
func (b *Backend) HandlerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

// FeedSubscribers reports open change-feed subscriptions.
func (b *Backend) FeedSubscribers() int {
	return b.feed.Len()
}

func (b *Backend) lookup(key string, table map[string]RPCFunc) (RPCFunc, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn, ok := table[key]
	return fn, ok
}

// RPC implements backend.RPCCaller.
func (b *Backend) RPC(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error) {
	if !backend.ValidIdentifier(fn) {
		return nil, fmt.Errorf("%w: %q", backend.ErrUnknownFunction, fn)
	}
	impl, ok := b.lookup(fn, b.rpcs)
	if !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrUnknownFunction, fn)
	}
	out, err := impl(ctx, b, args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// Invoke implements backend.FunctionInvoker.
func (b *Backend) Invoke(ctx context.Context, name string, body any) (json.RawMessage, error) {
	b.mu.Lock()
	impl, ok := b.functions[name]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrUnknownFunction, name)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", name, err)
	}
	out, err := impl(ctx, b, raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// IsAdmin implements backend.Authorizer.
func (b *Backend) IsAdmin(ctx context.Context, userID string) (bool, error) {
	b.mu.Lock()
	hook := b.adminLookup
	admin := b.admins[userID]
	b.mu.Unlock()
	if hook != nil {
		return hook(ctx, userID)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return admin, nil
}

// sortRows orders rows by the given keys; ties keep insertion order.
func sortRows(rows []map[string]any, order []backend.Order) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range order {
			c := compareValues(rows[i][o.Column], rows[j][o.Column])
			if c == 0 {
				continue
			}
			if o.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// compareValues orders nil first, then by the natural order of the dynamic type.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			default:
				return 1
			}
		}
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
