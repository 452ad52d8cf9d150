package db

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/ukydev/transit-ingestion/internal/models"
)

func TestBuildTelemetryInsert(t *testing.T) {
	heading := 90
	records := []models.TelemetryRecord{
		{BusID: 1, RecordedAt: time.Unix(0, 0), Latitude: 1, Longitude: 2, Heading: &heading},
		{BusID: 2, RecordedAt: time.Unix(60, 0), Latitude: 3, Longitude: 4},
	}
	query, args := buildTelemetryInsert(records)

	assert.Contains(t, query, "($1, $2, $3, $4, $5, $6, $7), ($8, $9, $10, $11, $12, $13, $14)")
	assert.True(t, strings.HasSuffix(query, "ON CONFLICT ON CONSTRAINT uq_telemetry_bus_recorded_at DO NOTHING"))
	assert.Len(t, args, 14)
	assert.Equal(t, int64(2), args[7])
}

func TestDistinctFleetNumbers(t *testing.T) {
	events := []models.GPSEvent{
		{FleetNumber: "BUS-2"},
		{FleetNumber: "BUS-1"},
		{FleetNumber: "BUS-2"},
	}
	assert.Equal(t, []string{"BUS-2", "BUS-1"}, DistinctFleetNumbers(events))
	assert.Empty(t, DistinctFleetNumbers(nil))
}

func TestNullHelpers(t *testing.T) {
	v := 4.5
	assert.True(t, nullFloat(&v).Valid)
	assert.False(t, nullFloat(nil).Valid)
	assert.Nil(t, intPtr(nullInt(nil)))
	n := 7
	assert.Equal(t, 7, *intPtr(nullInt(&n)))
}

// Integration test (requires running PostgreSQL)
func TestPostgresStore_Integration(t *testing.T) {
	dsn := os.Getenv("INGESTION_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("INGESTION_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := ConnectPostgres(ctx, dsn)
	if err != nil {
		t.Skipf("failed to connect: %v, skipping integration test", err)
	}
	defer store.Close(context.Background())

	exerciseStore(t, ctx, store)
}
