package console

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ernest01982/tuktukadmin/internal/auth"
	"github.com/Ernest01982/tuktukadmin/internal/backend"
	"github.com/Ernest01982/tuktukadmin/internal/backend/memory"
)

type staticSession struct{ sess *backend.Session }

func (s staticSession) Current() *backend.Session { return s.sess.Clone() }

// tickingClock advances one second per reading so inserts get distinct times.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newService(t *testing.T, sess *backend.Session) (*Service, *memory.Backend) {
	t.Helper()
	b := memory.New(memory.WithClock(tickingClock()))
	return New(b, staticSession{sess: sess}, zap.NewNop()), b
}

func TestCreateDriverAndList(t *testing.T) {
	svc, b := newService(t, &backend.Session{UserID: "admin-1"})
	ctx := context.Background()

	res, err := svc.CreateDriver(ctx, CreateDriverRequest{
		Email: " Driver@TukTuk.test ", Password: "secret1", FullName: "Ama Mensah",
		Make: "Bajaj", Model: "RE", Year: "2021", Plate: "GR-1234-21",
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotEmpty(t, res.UserID)

	_, err = svc.CreateDriver(ctx, CreateDriverRequest{Email: "second@tuktuk.test", Password: "secret2"})
	require.NoError(t, err)
	require.NoError(t, b.Insert(ctx, "profiles", map[string]any{"role": "admin", "email": "boss@tuktuk.test"}))

	drivers, err := svc.ListDrivers(ctx)
	require.NoError(t, err)
	require.Len(t, drivers, 2)
	require.Equal(t, "second@tuktuk.test", *drivers[0].Email)
	require.Nil(t, drivers[0].FullName)
	require.Equal(t, "Ama Mensah", *drivers[1].FullName)
	require.Equal(t, "pending", drivers[1].BGCheck)
	require.True(t, drivers[1].IsActive)
}

func TestCreateDriverValidation(t *testing.T) {
	svc, _ := newService(t, nil)
	cases := []CreateDriverRequest{
		{Email: "", Password: "secret1"},
		{Email: "a@b.c", Password: ""},
		{Email: "not-an-email", Password: "secret1"},
		{Email: "a@b.c", Password: "123"},
		{Email: "a@b.c", Password: "secret1", Year: "twenty"},
	}
	for _, req := range cases {
		_, err := svc.CreateDriver(context.Background(), req)
		require.Truef(t, IsInvalidInput(err), "expected invalid input for %+v, got %v", req, err)
	}
}

func TestErrorLogsPaging(t *testing.T) {
	svc, _ := newService(t, &backend.Session{UserID: "admin-1"})
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		require.NoError(t, svc.LogClientError(ctx, ClientError{
			Context: "rides", Location: "RidesPage", Message: fmt.Sprintf("boom %d", i),
		}))
	}

	first, err := svc.ErrorLogs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, first, ErrorPageSize)
	require.Equal(t, "boom 59", first[0].Message)
	require.Equal(t, "admin-1", *first[0].UserID)

	second, err := svc.ErrorLogs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, second, 10)
	require.Equal(t, "boom 0", second[len(second)-1].Message)

	_, err = svc.ErrorLogs(ctx, -1)
	require.True(t, errors.Is(err, auth.ErrInvalidInput))
}

func TestLogClientErrorWithoutSession(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()
	require.NoError(t, svc.LogClientError(ctx, ClientError{Message: "render failed", Details: map[string]any{"code": 7}}))
	require.True(t, IsInvalidInput(svc.LogClientError(ctx, ClientError{Message: " "})))

	rows, err := svc.ErrorLogs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Nil(t, rows[0].UserID)
	require.Nil(t, rows[0].Context)
	require.JSONEq(t, `{"code":7}`, string(rows[0].Details))
}

func TestMapsSettingsRoundTrip(t *testing.T) {
	svc, _ := newService(t, &backend.Session{UserID: "admin-1"})
	ctx := context.Background()

	got, err := svc.MapsSettings(ctx)
	require.NoError(t, err)
	require.Empty(t, got.APIKey)

	require.NoError(t, svc.SaveMapsSettings(ctx, MapsSettings{APIKey: " AIza-test "}))
	got, err = svc.MapsSettings(ctx)
	require.NoError(t, err)
	require.Equal(t, "AIza-test", got.APIKey)

	require.NoError(t, svc.SaveMapsSettings(ctx, MapsSettings{APIKey: "AIza-next"}))
	got, err = svc.MapsSettings(ctx)
	require.NoError(t, err)
	require.Equal(t, "AIza-next", got.APIKey)
}

func TestDashboardMetrics(t *testing.T) {
	svc, b := newService(t, &backend.Session{UserID: "admin-1"})
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, b.Insert(ctx, "rides", map[string]any{"status": "completed", "requested_at": now}))
	require.NoError(t, b.Insert(ctx, "rides", map[string]any{"status": "requested", "requested_at": now}))
	require.NoError(t, b.Insert(ctx, "profiles", map[string]any{"role": "driver", "is_active": true}))

	m, err := svc.DashboardMetrics(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, m.ActiveDrivers)
	require.Equal(t, 1, m.RidesByStatus["completed"])
	require.Equal(t, 1, m.RidesByStatus["requested"])
}

func TestRowIDAcceptsNumbers(t *testing.T) {
	var id RowID
	require.NoError(t, id.UnmarshalJSON([]byte(`42`)))
	require.Equal(t, RowID("42"), id)
	require.NoError(t, id.UnmarshalJSON([]byte(`"abc"`)))
	require.Equal(t, RowID("abc"), id)
}
