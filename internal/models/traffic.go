package models

import (
	"time"
)

// TrafficData is a validated reading from the external traffic API.
type TrafficData struct {
	Source          string                 `json:"source" validate:"required,min=1,max=64"`
	CapturedAt      *time.Time             `json:"captured_at" validate:"required"`
	CongestionIndex *int                   `json:"congestion_index" validate:"required,gte=0,lte=100"`
	IncidentCount   *int                   `json:"incident_count" validate:"required,gte=0"`
	AverageSpeedKph *float64               `json:"average_speed_kph,omitempty" validate:"omitempty,gte=0,lte=200"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
}

// TrafficSnapshot is a persisted traffic reading.
type TrafficSnapshot struct {
	ID              int64                  `bson:"_id" json:"id"`
	Source          string                 `bson:"source" json:"source"`
	CapturedAt      time.Time              `bson:"captured_at" json:"captured_at"`
	CongestionIndex int                    `bson:"congestion_index" json:"congestion_index"`
	IncidentCount   int                    `bson:"incident_count" json:"incident_count"`
	AverageSpeedKph *float64               `bson:"average_speed_kph,omitempty" json:"average_speed_kph,omitempty"`
	Payload         map[string]interface{} `bson:"payload,omitempty" json:"payload,omitempty"`
	CreatedAt       time.Time              `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time              `bson:"updated_at" json:"updated_at"`
}

// Snapshot converts validated traffic data into a row ready for insertion.
func (d TrafficData) Snapshot() TrafficSnapshot {
	s := TrafficSnapshot{
		Source:          d.Source,
		AverageSpeedKph: d.AverageSpeedKph,
		Payload:         d.Payload,
	}
	if d.CapturedAt != nil {
		s.CapturedAt = *d.CapturedAt
	}
	if d.CongestionIndex != nil {
		s.CongestionIndex = *d.CongestionIndex
	}
	if d.IncidentCount != nil {
		s.IncidentCount = *d.IncidentCount
	}
	return s
}
