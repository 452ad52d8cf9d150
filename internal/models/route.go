package models

import (
	"time"
)

// Route is a scheduled bus line. Each bus belongs to exactly one route.
type Route struct {
	ID          int64     `bson:"_id" json:"id"`
	Code        string    `bson:"code" json:"code"`
	Name        string    `bson:"name" json:"name"`
	Origin      string    `bson:"origin" json:"origin"`
	Destination string    `bson:"destination" json:"destination"`
	IsActive    bool      `bson:"is_active" json:"is_active"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at" json:"updated_at"`
}
