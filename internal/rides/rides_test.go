package rides

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Ernest01982/tuktukadmin/internal/backend/memory"
)

func seed(t *testing.T, b *memory.Backend, n int, base time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		row := map[string]any{
			"id":           fmt.Sprintf("ride-%02d", i),
			"rider_id":     "rider-1",
			"driver_id":    nil,
			"status":       "requested",
			"requested_at": base.Add(time.Duration(i) * time.Minute),
			"updated_at":   base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, b.Insert(context.Background(), Table, row))
	}
}

func TestViewReturnsNewestFifty(t *testing.T) {
	b := memory.New()
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	seed(t, b, 60, base)

	v := NewView(b, 0)
	t.Cleanup(v.Deactivate)
	require.NoError(t, v.Activate(context.Background()))

	rows := v.Snapshot().Rows
	require.Len(t, rows, DefaultLimit)
	require.Equal(t, "ride-59", rows[0].ID)
	require.Equal(t, "ride-10", rows[len(rows)-1].ID)
	for i := 1; i < len(rows); i++ {
		require.True(t, rows[i-1].RequestedAt.After(rows[i].RequestedAt), "rows out of order at %d", i)
	}
	require.Nil(t, rows[0].DriverID)
}

func TestViewPicksUpNewRide(t *testing.T) {
	b := memory.New()
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	seed(t, b, 3, base)

	v := NewView(b, 10)
	t.Cleanup(v.Deactivate)
	require.NoError(t, v.Activate(context.Background()))
	require.Len(t, v.Snapshot().Rows, 3)

	driver := "driver-7"
	require.NoError(t, b.Insert(context.Background(), Table, map[string]any{
		"id":           "ride-new",
		"rider_id":     "rider-2",
		"driver_id":    driver,
		"status":       "accepted",
		"requested_at": base.Add(time.Hour),
	}))
	require.Eventually(t, func() bool {
		rows := v.Snapshot().Rows
		return len(rows) == 4 && rows[0].ID == "ride-new"
	}, 2*time.Second, 5*time.Millisecond)

	first := v.Snapshot().Rows[0]
	require.NotNil(t, first.DriverID)
	require.Equal(t, driver, *first.DriverID)
	require.Nil(t, first.UpdatedAt)
}

func TestQueryDefaultsLimit(t *testing.T) {
	q := Query(-1)
	require.Equal(t, DefaultLimit, q.Limit)
	require.NoError(t, q.Validate())
	require.Len(t, q.Order, 1)
	require.True(t, q.Order[0].Descending)
}
