// Package rides is the live rides page: the 50 most recently requested rides,
// re-fetched on every change to the rides table.
package rides

import (
	"time"

	"github.com/Ernest01982/tuktukadmin/internal/backend"
	"github.com/Ernest01982/tuktukadmin/internal/realtime"
)

const (
	Table        = "rides"
	DefaultLimit = 50
)

// Ride mirrors one row of the rides table.
type Ride struct {
	ID          string     `json:"id"`
	RiderID     string     `json:"rider_id"`
	DriverID    *string    `json:"driver_id"`
	Status      string     `json:"status"`
	RequestedAt time.Time  `json:"requested_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
}

// Source is the part of the backend the rides view needs.
type Source interface {
	backend.Querier
	backend.ChangeFeed
}

// Query selects the newest limit rides. limit <= 0 selects DefaultLimit.
func Query(limit int) backend.Query {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return backend.From(Table).
		Select("id", "rider_id", "driver_id", "status", "requested_at", "updated_at").
		OrderBy("requested_at", true).
		WithLimit(limit)
}

// View is the synchronizer behind the rides page.
type View = realtime.Synchronizer[Ride]

// NewView returns an inactive rides view over src.
func NewView(src Source, limit int, opts ...realtime.Option) *View {
	opts = append([]realtime.Option{realtime.WithName(Table), realtime.WithMask(backend.MaskAll)}, opts...)
	return realtime.New[Ride](src, Table, realtime.QueryLoader[Ride](src, Query(limit)), opts...)
}
