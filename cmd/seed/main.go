package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/transit-ingestion/internal/auth"
	"github.com/ukydev/transit-ingestion/internal/config"
	"github.com/ukydev/transit-ingestion/internal/db"
	"github.com/ukydev/transit-ingestion/internal/logging"
	"github.com/ukydev/transit-ingestion/internal/models"
)

// Store is what seeding writes through.
type Store interface {
	db.SeedStore
	db.TelemetryWriter
	db.TrafficStore
}

// Summary counts what Seed created.
type Summary struct {
	Routes      int
	Buses       int
	Telemetry   int
	Snapshots   int
	Predictions int
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }
func int64Ptr(v int64) *int64     { return &v }

// Seed wipes the store and writes the local development data set. Times are
// relative to now.
func Seed(ctx context.Context, store Store, now time.Time) (Summary, error) {
	var sum Summary
	if err := store.Reset(ctx); err != nil {
		return sum, fmt.Errorf("reset: %w", err)
	}

	downtown := &models.Route{Code: "R1", Name: "Downtown Loop", Origin: "Union Station", Destination: "Hillcrest", IsActive: true}
	airport := &models.Route{Code: "AX", Name: "Airport Express", Origin: "Central Terminal", Destination: "North Airport", IsActive: true}
	for _, r := range []*models.Route{downtown, airport} {
		if err := store.CreateRoute(ctx, r); err != nil {
			return sum, fmt.Errorf("create route %s: %w", r.Code, err)
		}
		sum.Routes++
	}

	bus1001 := &models.Bus{FleetNumber: "BUS-1001", RouteID: downtown.ID, Capacity: 60, Status: models.BusInService}
	bus1002 := &models.Bus{FleetNumber: "BUS-1002", RouteID: downtown.ID}
	bus2001 := &models.Bus{FleetNumber: "BUS-2001", RouteID: airport.ID, Status: models.BusMaintenance}
	for _, b := range []*models.Bus{bus1001, bus1002, bus2001} {
		if err := store.CreateBus(ctx, b); err != nil {
			return sum, fmt.Errorf("create bus %s: %w", b.FleetNumber, err)
		}
		sum.Buses++
	}

	records := []models.TelemetryRecord{
		{
			BusID: bus1001.ID, RecordedAt: now.Add(-10 * time.Minute),
			Latitude: 40.7128, Longitude: -74.006,
			SpeedKph: floatPtr(32.5), Heading: intPtr(180), PassengerLoad: intPtr(24),
		},
		{
			BusID: bus1001.ID, RecordedAt: now.Add(-5 * time.Minute),
			Latitude: 40.706, Longitude: -74.009,
			SpeedKph: floatPtr(28.1), Heading: intPtr(175), PassengerLoad: intPtr(27),
		},
		{
			BusID: bus1002.ID, RecordedAt: now.Add(-6 * time.Minute),
			Latitude: 40.721, Longitude: -74.002,
			SpeedKph: floatPtr(35.0), Heading: intPtr(5), PassengerLoad: intPtr(18),
		},
	}
	if err := store.InsertTelemetry(ctx, records); err != nil {
		return sum, fmt.Errorf("insert telemetry: %w", err)
	}
	sum.Telemetry = len(records)

	snapshot := &models.TrafficSnapshot{
		Source:          "DOT Feed",
		CapturedAt:      now.Add(-15 * time.Minute),
		CongestionIndex: 68,
		IncidentCount:   2,
		AverageSpeedKph: floatPtr(33.2),
		Payload:         map[string]interface{}{"note": "Two-lane closure near Hillcrest"},
	}
	if err := store.InsertTrafficSnapshot(ctx, snapshot); err != nil {
		return sum, fmt.Errorf("insert traffic snapshot: %w", err)
	}
	sum.Snapshots++

	prediction := &models.Prediction{
		RouteID:                 downtown.ID,
		TrafficSnapshotID:       int64Ptr(snapshot.ID),
		TargetArrival:           now.Add(25 * time.Minute),
		EstimatedHeadwayMinutes: intPtr(12),
		TravelTimeMinutes:       intPtr(47),
		Confidence:              floatPtr(0.78),
		Notes:                   "Expect lingering delays due to construction",
	}
	if err := store.CreatePrediction(ctx, prediction); err != nil {
		return sum, fmt.Errorf("create prediction: %w", err)
	}
	sum.Predictions++

	return sum, nil
}

// printAPIKey writes a new ingest key and the hash to configure for it.
func printAPIKey(key string) error {
	if key == "" {
		var err error
		if key, err = auth.GenerateAPIKey(); err != nil {
			return err
		}
	}
	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return err
	}
	fmt.Printf("api key: %s\n%sINGEST_API_KEY_HASH=%s\n", key, config.EnvPrefix, hash)
	return nil
}

func main() {
	hashKey := flag.Bool("hash-key", false, "print an ingest API key and its bcrypt hash, then exit")
	key := flag.String("key", "", "key to hash with -hash-key (generated when empty)")
	flag.Parse()

	if *hashKey {
		if err := printAPIKey(*key); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if err := logging.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.WithError(err).Fatal("Failed to configure logging")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, err := db.Open(ctx, db.Options{
		Driver:      cfg.StoreDriver,
		DatabaseURL: cfg.DatabaseURL,
		MongoURI:    cfg.MongoURI,
		MongoDB:     cfg.MongoDB,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to store")
	}
	defer store.Close(context.Background())

	sum, err := Seed(ctx, store, time.Now().UTC())
	if err != nil {
		log.WithError(err).Fatal("Seeding failed")
	}
	log.WithFields(log.Fields{
		"driver":      cfg.StoreDriver,
		"routes":      sum.Routes,
		"buses":       sum.Buses,
		"telemetry":   sum.Telemetry,
		"snapshots":   sum.Snapshots,
		"predictions": sum.Predictions,
	}).Info("Seed data written")
}
