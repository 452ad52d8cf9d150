package ingest

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/transit-ingestion/internal/db"
	"github.com/ukydev/transit-ingestion/internal/models"
)

// PersistResult counts the events of one batch. Accepted events were handed
// to the store; rows that already existed are included because the store
// ignores them silently. Skipped events had no registered bus.
type PersistResult struct {
	Accepted int `json:"accepted"`
	Skipped  int `json:"skipped"`
}

// Writer is the Persister backed by a telemetry store.
type Writer struct {
	store db.TelemetryStore
}

// NewWriter returns a Writer over store.
func NewWriter(store db.TelemetryStore) *Writer {
	return &Writer{store: store}
}

// Persist resolves every distinct fleet number with one lookup, drops events
// for unknown fleets and inserts the rest in one transaction.
func (w *Writer) Persist(ctx context.Context, events []models.GPSEvent) (PersistResult, error) {
	var res PersistResult
	if len(events) == 0 {
		return res, nil
	}

	busIDs, err := w.store.ResolveBuses(ctx, db.DistinctFleetNumbers(events))
	if err != nil {
		return res, fmt.Errorf("resolve fleet numbers: %w", err)
	}

	records := make([]models.TelemetryRecord, 0, len(events))
	unknown := make(map[string]int)
	for _, e := range events {
		busID, ok := busIDs[e.FleetNumber]
		if !ok {
			unknown[e.FleetNumber]++
			continue
		}
		records = append(records, models.NewTelemetryRecord(busID, e))
	}
	for fleet, n := range unknown {
		log.WithFields(log.Fields{
			"fleet_number": fleet,
			"events":       n,
		}).Warn("skipping telemetry for unknown fleet number")
		res.Skipped += n
	}

	if len(records) == 0 {
		return res, nil
	}
	if err := w.store.InsertTelemetry(ctx, records); err != nil {
		return PersistResult{}, fmt.Errorf("bulk insert telemetry: %w", err)
	}
	res.Accepted = len(records)
	return res, nil
}
