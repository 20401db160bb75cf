// Package postgres implements the console backend on PostgreSQL: password
// sign-in against auth_users with JWT access tokens, JSON row queries, named
// procedure calls, LISTEN/NOTIFY change feeds and HTTP-invoked functions.
package postgres

import (
	"database/sql"
	"net/http"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/Ernest01982/tuktukadmin/internal/auth"
	"github.com/Ernest01982/tuktukadmin/internal/backend"
	"github.com/Ernest01982/tuktukadmin/internal/obs"
	"github.com/Ernest01982/tuktukadmin/internal/sessioncache"
)

const (
	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 30 * 24 * time.Hour
	defaultCacheKey   = "console"
)

var _ backend.Client = (*Backend)(nil)

// Open returns a pooled database handle using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// Backend is the PostgreSQL implementation of backend.Client.
type Backend struct {
	db     *sql.DB
	signer *auth.Signer
	logger *zap.Logger
	now    func() time.Time

	accessTTL  time.Duration
	refreshTTL time.Duration

	cache    sessioncache.Cache
	cacheKey string

	functionsURL string
	httpClient   *http.Client

	listener *Listener

	mu          sync.Mutex
	session     *backend.Session
	restored    bool
	handlers    map[int]backend.SessionHandler
	nextHandler int
}

// Option configures a Backend.
type Option func(*Backend)

// WithTTL sets access and refresh token lifetimes.
func WithTTL(access, refresh time.Duration) Option {
	return func(b *Backend) {
		if access > 0 {
			b.accessTTL = access
		}
		if refresh > 0 {
			b.refreshTTL = refresh
		}
	}
}

// WithSessionCache persists the session under key so it survives restarts.
func WithSessionCache(cache sessioncache.Cache, key string) Option {
	return func(b *Backend) {
		b.cache = cache
		if key != "" {
			b.cacheKey = key
		}
	}
}

// WithFunctions enables Invoke against baseURL. A nil client selects a client
// with a 30s timeout.
func WithFunctions(baseURL string, client *http.Client) Option {
	return func(b *Backend) {
		b.functionsURL = strings.TrimRight(baseURL, "/")
		if client != nil {
			b.httpClient = client
		}
	}
}

// WithListener routes SubscribeTableChanges through l.
func WithListener(l *Listener) Option {
	return func(b *Backend) { b.listener = l }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(b *Backend) {
		if fn != nil {
			b.now = fn
		}
	}
}

// New returns a Backend over db. Tokens are signed with signer.
func New(db *sql.DB, signer *auth.Signer, opts ...Option) *Backend {
	b := &Backend{
		db:         db,
		signer:     signer,
		logger:     obs.Logger(),
		now:        time.Now,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		cacheKey:   defaultCacheKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		handlers:   make(map[int]backend.SessionHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("postgres")
	return b
}

// DB exposes the underlying handle for migrations and health checks.
func (b *Backend) DB() *sql.DB { return b.db }

// Close closes the database handle.
func (b *Backend) Close() error { return b.db.Close() }
