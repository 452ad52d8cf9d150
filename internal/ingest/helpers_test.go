package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/ukydev/transit-ingestion/internal/models"
)

// MockPersister is a mock implementation of Persister
type MockPersister struct {
	mock.Mock
}

func (m *MockPersister) Persist(ctx context.Context, events []models.GPSEvent) (PersistResult, error) {
	args := m.Called(ctx, events)
	return args.Get(0).(PersistResult), args.Error(1)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type telemetryKey struct {
	busID      int64
	recordedAt int64
}

// memStore is an in-memory TelemetryStore honoring the
// (bus_id, recorded_at) uniqueness rule.
type memStore struct {
	mu        sync.Mutex
	buses     map[string]int64
	rows      map[telemetryKey]models.TelemetryRecord
	failWrite error
	lookups   int
	inserts   int
}

func newMemStore(fleets ...string) *memStore {
	s := &memStore{
		buses: make(map[string]int64),
		rows:  make(map[telemetryKey]models.TelemetryRecord),
	}
	for i, f := range fleets {
		s.buses[f] = int64(i + 1)
	}
	return s
}

func (s *memStore) ResolveBuses(_ context.Context, fleetNumbers []string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	out := make(map[string]int64)
	for _, f := range fleetNumbers {
		if id, ok := s.buses[f]; ok {
			out[f] = id
		}
	}
	return out, nil
}

func (s *memStore) InsertTelemetry(_ context.Context, records []models.TelemetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite != nil {
		return s.failWrite
	}
	s.inserts++
	for _, r := range records {
		k := telemetryKey{busID: r.BusID, recordedAt: r.RecordedAt.UnixNano()}
		if _, exists := s.rows[k]; exists {
			continue
		}
		s.rows[k] = r
	}
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

var errStoreDown = errors.New("connection refused")

func gpsEvent(fleet string, offset time.Duration) models.GPSEvent {
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	return models.GPSEvent{
		FleetNumber: fleet,
		Latitude:    37.7749,
		Longitude:   -122.4194,
		RecordedAt:  base.Add(offset),
	}
}

func gpsEvents(fleet string, n int) []models.GPSEvent {
	out := make([]models.GPSEvent, n)
	for i := range out {
		out[i] = gpsEvent(fleet, time.Duration(i)*time.Second)
	}
	return out
}

func fleetName(i int) string {
	return fmt.Sprintf("BUS-%03d", i)
}
