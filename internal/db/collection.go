package db

import (
	"context"
	"errors"

	"github.com/ukydev/transit-ingestion/internal/models"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// BusResolver maps fleet numbers to durable bus ids. Unknown fleet numbers
// are absent from the returned map.
type BusResolver interface {
	ResolveBuses(ctx context.Context, fleetNumbers []string) (map[string]int64, error)
}

// TelemetryWriter inserts telemetry rows as one unit. Rows colliding with an
// existing (bus_id, recorded_at) pair are ignored, not reported as errors.
type TelemetryWriter interface {
	InsertTelemetry(ctx context.Context, records []models.TelemetryRecord) error
}

// TelemetryStore is the persistence boundary consumed by the bulk writer.
type TelemetryStore interface {
	BusResolver
	TelemetryWriter
}

// TrafficStore persists traffic snapshots. InsertTrafficSnapshot sets ID and
// timestamps on s.
type TrafficStore interface {
	InsertTrafficSnapshot(ctx context.Context, s *models.TrafficSnapshot) error
}

// ReadStore defines the lookups behind the read-only API.
type ReadStore interface {
	ListRoutes(ctx context.Context) ([]models.Route, error)
	GetRoute(ctx context.Context, id int64) (*models.Route, error)
	ListBuses(ctx context.Context, routeID int64) ([]models.Bus, error)
	GetBus(ctx context.Context, id int64) (*models.Bus, error)
	ListTelemetry(ctx context.Context, busID int64, limit int) ([]models.TelemetryRecord, error)
	LatestPositions(ctx context.Context) ([]models.LatestPosition, error)
	ListTrafficSnapshots(ctx context.Context, limit int) ([]models.TrafficSnapshot, error)
	LatestTrafficSnapshot(ctx context.Context) (*models.TrafficSnapshot, error)
	ListPredictions(ctx context.Context, routeID int64, limit int) ([]models.Prediction, error)
}

// SeedStore creates reference data. Create methods set ID and timestamps.
type SeedStore interface {
	Reset(ctx context.Context) error
	CreateRoute(ctx context.Context, r *models.Route) error
	CreateBus(ctx context.Context, b *models.Bus) error
	CreatePrediction(ctx context.Context, p *models.Prediction) error
}

// Store is implemented by every backend.
type Store interface {
	TelemetryStore
	TrafficStore
	ReadStore
	SeedStore
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// DistinctFleetNumbers returns each fleet number of events once, in first-seen
// order.
func DistinctFleetNumbers(events []models.GPSEvent) []string {
	seen := make(map[string]struct{}, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		if _, ok := seen[e.FleetNumber]; ok {
			continue
		}
		seen[e.FleetNumber] = struct{}{}
		out = append(out, e.FleetNumber)
	}
	return out
}
