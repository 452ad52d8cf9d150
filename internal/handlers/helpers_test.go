package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/transit-ingestion/internal/ingest"
	"github.com/ukydev/transit-ingestion/internal/models"
)

// MockAccumulator is a mock implementation of Accumulator
type MockAccumulator struct {
	mock.Mock
}

func (m *MockAccumulator) Add(ctx context.Context, e models.GPSEvent) (ingest.Result, error) {
	args := m.Called(ctx, e)
	return args.Get(0).(ingest.Result), args.Error(1)
}

func (m *MockAccumulator) FlushAll(ctx context.Context) ingest.FlushReport {
	args := m.Called(ctx)
	return args.Get(0).(ingest.FlushReport)
}

func (m *MockAccumulator) Stats() []ingest.BatchStats {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]ingest.BatchStats)
}

func (m *MockAccumulator) BatchSize() int {
	return m.Called().Int(0)
}

func (m *MockAccumulator) BatchTimeout() time.Duration {
	return m.Called().Get(0).(time.Duration)
}

// MockReadStore is a mock implementation of db.ReadStore
type MockReadStore struct {
	mock.Mock
}

func (m *MockReadStore) ListRoutes(ctx context.Context) ([]models.Route, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Route), args.Error(1)
}

func (m *MockReadStore) GetRoute(ctx context.Context, id int64) (*models.Route, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Route), args.Error(1)
}

func (m *MockReadStore) ListBuses(ctx context.Context, routeID int64) ([]models.Bus, error) {
	args := m.Called(ctx, routeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Bus), args.Error(1)
}

func (m *MockReadStore) GetBus(ctx context.Context, id int64) (*models.Bus, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Bus), args.Error(1)
}

func (m *MockReadStore) ListTelemetry(ctx context.Context, busID int64, limit int) ([]models.TelemetryRecord, error) {
	args := m.Called(ctx, busID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.TelemetryRecord), args.Error(1)
}

func (m *MockReadStore) LatestPositions(ctx context.Context) ([]models.LatestPosition, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.LatestPosition), args.Error(1)
}

func (m *MockReadStore) ListTrafficSnapshots(ctx context.Context, limit int) ([]models.TrafficSnapshot, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.TrafficSnapshot), args.Error(1)
}

func (m *MockReadStore) LatestTrafficSnapshot(ctx context.Context) (*models.TrafficSnapshot, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TrafficSnapshot), args.Error(1)
}

func (m *MockReadStore) ListPredictions(ctx context.Context, routeID int64, limit int) ([]models.Prediction, error) {
	args := m.Called(ctx, routeID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Prediction), args.Error(1)
}

// MockPoller is a mock implementation of Poller
type MockPoller struct {
	mock.Mock
}

func (m *MockPoller) PollOnce(ctx context.Context) (*models.TrafficSnapshot, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TrafficSnapshot), args.Error(1)
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) APIError {
	t.Helper()
	var e APIError
	decodeBody(t, w, &e)
	return e
}
