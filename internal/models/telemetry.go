package models

import (
	"time"
)

// TelemetryRecord is a persisted GPS reading for a registered bus.
// At most one record exists per (BusID, RecordedAt).
type TelemetryRecord struct {
	ID            int64     `bson:"-" json:"id,omitempty"`
	BusID         int64     `bson:"bus_id" json:"bus_id"`
	RecordedAt    time.Time `bson:"recorded_at" json:"recorded_at"`
	Latitude      float64   `bson:"latitude" json:"latitude"`
	Longitude     float64   `bson:"longitude" json:"longitude"`
	SpeedKph      *float64  `bson:"speed_kph,omitempty" json:"speed_kph,omitempty"`
	Heading       *int      `bson:"heading,omitempty" json:"heading,omitempty"`
	PassengerLoad *int      `bson:"passenger_load,omitempty" json:"passenger_load,omitempty"`
}

// RecordedAtPrecision is the timestamp resolution shared by every store.
// BSON datetimes cannot hold anything finer.
const RecordedAtPrecision = time.Millisecond

// NewTelemetryRecord builds the durable row for an event whose fleet number
// resolved to busID.
func NewTelemetryRecord(busID int64, e GPSEvent) TelemetryRecord {
	return TelemetryRecord{
		BusID:         busID,
		RecordedAt:    e.RecordedAt.Truncate(RecordedAtPrecision),
		Latitude:      e.Latitude,
		Longitude:     e.Longitude,
		SpeedKph:      e.SpeedKph,
		Heading:       e.Heading,
		PassengerLoad: e.PassengerLoad,
	}
}

// LatestPosition is the most recent telemetry row for a bus, joined with the
// identifiers a feed consumer needs.
type LatestPosition struct {
	BusID       int64           `json:"bus_id"`
	FleetNumber string          `json:"fleet_number"`
	RouteCode   string          `json:"route_code"`
	Record      TelemetryRecord `json:"record"`
}
