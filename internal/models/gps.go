package models

import (
	"errors"
	"time"
)

// ErrRecordedAtFormat rejects recorded_at values that are not RFC 3339
// timestamps carrying a zone designator.
var ErrRecordedAtFormat = errors.New("must be an RFC 3339 timestamp with a time zone")

// GPSEventPayload is the wire shape of an inbound GPS event. Pointer fields
// distinguish "missing" from zero so the validator can enforce presence.
type GPSEventPayload struct {
	FleetNumber   string   `json:"fleet_number" validate:"required,min=1,max=32"`
	Latitude      *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude     *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
	RecordedAt    *string  `json:"recorded_at" validate:"required"`
	SpeedKph      *float64 `json:"speed_kph,omitempty" validate:"omitempty,gte=0,lte=200"`
	Heading       *int     `json:"heading,omitempty" validate:"omitempty,gte=0,lte=359"`
	PassengerLoad *int     `json:"passenger_load,omitempty" validate:"omitempty,gte=0"`
}

// GPSEvent is a validated telemetry event. Values are copied on construction
// and never mutated afterwards.
type GPSEvent struct {
	FleetNumber   string    `json:"fleet_number"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	RecordedAt    time.Time `json:"recorded_at"`
	SpeedKph      *float64  `json:"speed_kph,omitempty"`
	Heading       *int      `json:"heading,omitempty"`
	PassengerLoad *int      `json:"passenger_load,omitempty"`
}

// ParseRecordedAt parses an RFC 3339 timestamp. Values without a zone are
// rejected rather than assumed to be UTC.
func ParseRecordedAt(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, ErrRecordedAtFormat
	}
	return t, nil
}

// Event converts an already validated payload into an immutable GPSEvent.
// It fails only when recorded_at does not parse.
func (p GPSEventPayload) Event() (GPSEvent, error) {
	e := GPSEvent{
		FleetNumber:   p.FleetNumber,
		SpeedKph:      copyFloat(p.SpeedKph),
		Heading:       copyInt(p.Heading),
		PassengerLoad: copyInt(p.PassengerLoad),
	}
	if p.Latitude != nil {
		e.Latitude = *p.Latitude
	}
	if p.Longitude != nil {
		e.Longitude = *p.Longitude
	}
	if p.RecordedAt != nil {
		t, err := ParseRecordedAt(*p.RecordedAt)
		if err != nil {
			return GPSEvent{}, err
		}
		e.RecordedAt = t
	}
	return e, nil
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
