package models

import (
	"time"
)

// Prediction is an arrival estimate for a route, optionally derived from a
// traffic snapshot.
type Prediction struct {
	ID                      int64     `bson:"_id" json:"id"`
	RouteID                 int64     `bson:"route_id" json:"route_id"`
	TrafficSnapshotID       *int64    `bson:"traffic_snapshot_id,omitempty" json:"traffic_snapshot_id,omitempty"`
	TargetArrival           time.Time `bson:"target_arrival" json:"target_arrival"`
	EstimatedHeadwayMinutes *int      `bson:"estimated_headway_minutes,omitempty" json:"estimated_headway_minutes,omitempty"`
	TravelTimeMinutes       *int      `bson:"travel_time_minutes,omitempty" json:"travel_time_minutes,omitempty"`
	Confidence              *float64  `bson:"confidence,omitempty" json:"confidence,omitempty"`
	Notes                   string    `bson:"notes,omitempty" json:"notes,omitempty"`
	CreatedAt               time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt               time.Time `bson:"updated_at" json:"updated_at"`
}
