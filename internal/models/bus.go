package models

import (
	"time"
)

// BusStatus is the operational state of a bus.
type BusStatus string

const (
	BusInService    BusStatus = "in_service"
	BusMaintenance  BusStatus = "maintenance"
	BusOutOfService BusStatus = "out_of_service"
)

// Bus is a registered vehicle. FleetNumber is unique and is the key GPS
// events are batched and resolved by.
type Bus struct {
	ID            int64      `bson:"_id" json:"id"`
	FleetNumber   string     `bson:"fleet_number" json:"fleet_number"`
	RouteID       int64      `bson:"route_id" json:"route_id"`
	Capacity      int        `bson:"capacity" json:"capacity"`
	Status        BusStatus  `bson:"status" json:"status"`
	LastServiceAt *time.Time `bson:"last_service_at,omitempty" json:"last_service_at,omitempty"`
	CreatedAt     time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at" json:"updated_at"`
}

// IsValidBusStatus reports whether s is one of the known statuses.
func IsValidBusStatus(s BusStatus) bool {
	switch s {
	case BusInService, BusMaintenance, BusOutOfService:
		return true
	default:
		return false
	}
}
