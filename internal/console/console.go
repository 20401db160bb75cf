// Package console implements the admin pages beyond the live rides view:
// dashboard metrics, driver management, client error logs and map settings.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Ernest01982/tuktukadmin/internal/audit"
	"github.com/Ernest01982/tuktukadmin/internal/auth"
	"github.com/Ernest01982/tuktukadmin/internal/backend"
	"github.com/Ernest01982/tuktukadmin/internal/obs"
)

const (
	DriverLimit     = 100
	ErrorPageSize   = 50
	MapsSettingsKey = "maps.google"
	minPasswordLen  = 6
)

// Backend is the part of the backend the console pages use.
type Backend interface {
	backend.Querier
	backend.Inserter
	backend.RPCCaller
	backend.FunctionInvoker
}

// SessionSource exposes the signed-in session, nil when signed out.
type SessionSource interface {
	Current() *backend.Session
}

// Service runs the console page operations.
type Service struct {
	backend  Backend
	sessions SessionSource
	logger   *zap.Logger
}

// New returns a Service.
func New(be Backend, sessions SessionSource, logger *zap.Logger) *Service {
	return &Service{backend: be, sessions: sessions, logger: obs.Or(logger).Named("console")}
}

// Metrics is the dashboard summary.
type Metrics struct {
	TS            time.Time      `json:"ts"`
	RidesLast24h  int            `json:"rides_last_24h"`
	ActiveDrivers int            `json:"active_drivers"`
	RidesByStatus map[string]int `json:"rides_by_status"`
	ErrorsLast24h int            `json:"errors_last_24h"`
}

// DashboardMetrics calls admin_dashboard_metrics.
func (s *Service) DashboardMetrics(ctx context.Context) (Metrics, error) {
	m, err := backend.Call[Metrics](ctx, s.backend, "admin_dashboard_metrics", nil)
	if err != nil {
		return Metrics{}, &backend.FetchError{Table: "admin_dashboard_metrics", Err: err}
	}
	if m.RidesByStatus == nil {
		m.RidesByStatus = map[string]int{}
	}
	return m, nil
}

// Driver is a driver profile row.
type Driver struct {
	ID       string  `json:"id"`
	FullName *string `json:"full_name"`
	Phone    *string `json:"phone"`
	Email    *string `json:"email"`
	BGCheck  string  `json:"bg_check"`
	IsActive bool    `json:"is_active"`
}

// ListDrivers returns the newest driver profiles.
func (s *Service) ListDrivers(ctx context.Context) ([]Driver, error) {
	q := backend.From("profiles").
		Select("id", "full_name", "phone", "email", "bg_check", "is_active").
		Eq("role", "driver").
		OrderBy("created_at", true).
		WithLimit(DriverLimit)
	return backend.Select[Driver](ctx, s.backend, q)
}

// CreateDriverRequest is the body of the create-driver function.
type CreateDriverRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
	Make     string `json:"make"`
	Model    string `json:"model"`
	Year     string `json:"year"`
	Color    string `json:"color"`
	Plate    string `json:"plate"`
}

// Validate checks the fields the function requires.
func (r *CreateDriverRequest) Validate() error {
	r.Email = strings.TrimSpace(strings.ToLower(r.Email))
	r.FullName = strings.TrimSpace(r.FullName)
	r.Phone = strings.TrimSpace(r.Phone)
	if r.Email == "" || r.Password == "" {
		return fmt.Errorf("%w: email and password are required", auth.ErrInvalidInput)
	}
	at := strings.IndexByte(r.Email, '@')
	if at <= 0 || at == len(r.Email)-1 {
		return fmt.Errorf("%w: email is malformed", auth.ErrInvalidInput)
	}
	if len(r.Password) < minPasswordLen {
		return fmt.Errorf("%w: password must be at least %d characters", auth.ErrInvalidInput, minPasswordLen)
	}
	if r.Year != "" {
		if _, err := strconv.Atoi(r.Year); err != nil {
			return fmt.Errorf("%w: year must be a number", auth.ErrInvalidInput)
		}
	}
	return nil
}

// CreateDriverResult is the function's answer.
type CreateDriverResult struct {
	Success bool   `json:"success"`
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// CreateDriver validates req and invokes the create-driver function.
func (s *Service) CreateDriver(ctx context.Context, req CreateDriverRequest) (CreateDriverResult, error) {
	if err := req.Validate(); err != nil {
		return CreateDriverResult{}, err
	}
	raw, err := s.backend.Invoke(ctx, "create-driver", req)
	if err != nil {
		return CreateDriverResult{}, fmt.Errorf("create driver: %w", err)
	}
	var res CreateDriverResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return CreateDriverResult{}, fmt.Errorf("create driver: decode response: %w", err)
	}
	_ = audit.LogEvent(s.withUser(ctx), "driver.create", map[string]any{
		"driver_id": res.UserID,
		"email":     req.Email,
	})
	return res, nil
}

// RowID accepts numeric and string row ids.
type RowID string

func (id *RowID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = RowID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = RowID(n.String())
	return nil
}

// ErrorLog is a row of error_logs.
type ErrorLog struct {
	ID        RowID           `json:"id"`
	UserID    *string         `json:"user_id"`
	Context   *string         `json:"context"`
	Location  *string         `json:"location"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details"`
	CreatedAt time.Time       `json:"created_at"`
}

// ErrorLogs returns page (from 0) of the newest error log entries.
func (s *Service) ErrorLogs(ctx context.Context, page int) ([]ErrorLog, error) {
	if page < 0 {
		return nil, fmt.Errorf("%w: page must not be negative", auth.ErrInvalidInput)
	}
	from := page * ErrorPageSize
	q := backend.From("error_logs").
		OrderBy("created_at", true).
		Range(from, from+ErrorPageSize-1)
	return backend.Select[ErrorLog](ctx, s.backend, q)
}

// ClientError is an error reported by a console client.
type ClientError struct {
	Context  string `json:"context"`
	Location string `json:"location"`
	Message  string `json:"message"`
	Details  any    `json:"details,omitempty"`
}

// LogClientError stores e in error_logs, attributed to the signed-in user.
func (s *Service) LogClientError(ctx context.Context, e ClientError) error {
	if strings.TrimSpace(e.Message) == "" {
		return fmt.Errorf("%w: message is required", auth.ErrInvalidInput)
	}
	var userID any
	if sess := s.sessions.Current(); sess != nil {
		userID = sess.UserID
	}
	row := map[string]any{
		"user_id":  userID,
		"context":  nullable(e.Context),
		"location": nullable(e.Location),
		"message":  e.Message,
		"details":  e.Details,
	}
	if err := s.backend.Insert(ctx, "error_logs", row); err != nil {
		s.logger.Warn("client error not recorded", zap.Error(err))
		return err
	}
	return nil
}

// MapsSettings holds the map provider configuration.
type MapsSettings struct {
	APIKey string `json:"apiKey"`
}

// MapsSettings loads the stored settings. Missing settings are empty.
func (s *Service) MapsSettings(ctx context.Context) (MapsSettings, error) {
	got, err := backend.Call[*MapsSettings](ctx, s.backend, "get_app_setting", map[string]any{"p_key": MapsSettingsKey})
	if err != nil {
		return MapsSettings{}, err
	}
	if got == nil {
		return MapsSettings{}, nil
	}
	return *got, nil
}

// SaveMapsSettings stores settings.
func (s *Service) SaveMapsSettings(ctx context.Context, settings MapsSettings) error {
	settings.APIKey = strings.TrimSpace(settings.APIKey)
	if _, err := s.backend.RPC(ctx, "set_app_setting", map[string]any{
		"p_key":   MapsSettingsKey,
		"p_value": settings,
	}); err != nil {
		return err
	}
	_ = audit.LogEvent(s.withUser(ctx), "settings.maps.save", map[string]any{"configured": settings.APIKey != ""})
	return nil
}

func (s *Service) withUser(ctx context.Context) context.Context {
	if _, ok := auth.UserIDFromContext(ctx); ok {
		return ctx
	}
	if sess := s.sessions.Current(); sess != nil {
		return auth.ContextWithUser(ctx, sess.UserID)
	}
	return ctx
}

func nullable(s string) any {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return s
}

// IsInvalidInput reports whether err is a validation failure.
func IsInvalidInput(err error) bool {
	return errors.Is(err, auth.ErrInvalidInput)
}
