package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Ernest01982/tuktukadmin/internal/authflow"
	"github.com/Ernest01982/tuktukadmin/internal/console"
	"github.com/Ernest01982/tuktukadmin/internal/obs"
	"github.com/Ernest01982/tuktukadmin/internal/realtime"
	"github.com/Ernest01982/tuktukadmin/internal/rides"
)

const serviceName = "tuktuk-console"

// AuthState is the auth lifecycle the API gates on.
type AuthState interface {
	State() authflow.State
	Ready() <-chan struct{}
	Watch(ctx context.Context) <-chan authflow.State
	SignIn(ctx context.Context, email, password string) error
	SignOut(ctx context.Context)
}

// RideFeed is the live rides collection.
type RideFeed interface {
	Snapshot() realtime.Snapshot[rides.Ride]
	Watch(ctx context.Context) <-chan realtime.Snapshot[rides.Ride]
}

// Options configures the API. Auth is required; Rides and Console may be nil,
// in which case their routes answer 503.
type Options struct {
	Auth    AuthState
	Rides   RideFeed
	Console *console.Service
	// Tokens verifies bearer tokens on admin routes. When nil the bearer must
	// equal the active session's access token.
	Tokens  TokenVerifier
	Version string
	Logger  *zap.Logger

	RateBurst  int
	RatePerSec float64
	// SettleTimeout bounds how long sign-in waits for the admin check.
	SettleTimeout time.Duration
}

// API is the console's HTTP layer.
type API struct {
	mux     *http.ServeMux
	auth    AuthState
	rides   RideFeed
	console *console.Service
	tokens  TokenVerifier
	version string
	logger  *zap.Logger

	rateBurst     int
	ratePerSec    float64
	settleTimeout time.Duration
	now           func() time.Time
}

func New(opts Options) *API {
	a := &API{
		mux:           http.NewServeMux(),
		auth:          opts.Auth,
		rides:         opts.Rides,
		console:       opts.Console,
		tokens:        opts.Tokens,
		version:       opts.Version,
		logger:        obs.Or(opts.Logger),
		rateBurst:     opts.RateBurst,
		ratePerSec:    opts.RatePerSec,
		settleTimeout: opts.SettleTimeout,
		now:           time.Now,
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 200
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 100
	}
	if a.settleTimeout <= 0 {
		a.settleTimeout = 5 * time.Second
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	// auth lifecycle
	a.mux.HandleFunc("/v1/auth/session", a.handleSession)
	a.mux.HandleFunc("/v1/auth/signin", a.handleSignIn)
	a.mux.HandleFunc("/v1/auth/signout", a.handleSignOut)

	// admin console
	a.mux.Handle("/v1/rides", a.requireAdmin(http.HandlerFunc(a.handleRides)))
	a.mux.Handle("/v1/rides/stream", a.requireAdmin(http.HandlerFunc(a.handleRideStream)))
	a.mux.Handle("/v1/dashboard", a.requireAdmin(http.HandlerFunc(a.handleDashboard)))
	a.mux.Handle("/v1/drivers", a.requireAdmin(http.HandlerFunc(a.handleDrivers)))
	a.mux.Handle("/v1/errors", a.requireAdmin(http.HandlerFunc(a.handleErrors)))
	a.mux.Handle("/v1/settings/maps", a.requireAdmin(http.HandlerFunc(a.handleMapsSettings)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})

	return a
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(a.logger)(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) ready() bool {
	select {
	case <-a.auth.Ready():
		return true
	default:
		return false
	}
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if !a.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  "auth lifecycle is still loading",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
