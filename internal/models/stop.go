package models

import (
	"strings"
	"time"
)

// EntityType names a table that can be populated through the offline queue.
// Sync action types use the same values.
type EntityType string

const (
	EntityStop    EntityType = "stop"
	EntityPerson  EntityType = "person"
	EntityVehicle EntityType = "vehicle"
)

// Stop origins.
const (
	OriginOnline  = "online"
	OriginOffline = "offline"
)

// StopInput is the POST /stops payload and the payload of a "stop" sync action.
// client_key is optional; the Idempotency-Key header takes precedence when both are sent.
type StopInput struct {
	OccurredAt time.Time `json:"occurred_at" binding:"required"`
	Latitude   *float64  `json:"latitude,omitempty" binding:"omitempty,gte=-90,lte=90"`
	Longitude  *float64  `json:"longitude,omitempty" binding:"omitempty,gte=-180,lte=180"`
	Address    string    `json:"address,omitempty" binding:"max=500"`
	Notes      string    `json:"notes,omitempty"`
	ClientKey  string    `json:"client_key,omitempty" binding:"max=100"`
	PersonIDs  []int64   `json:"person_ids,omitempty" binding:"max=100,dive,gt=0"`
	VehicleIDs []int64   `json:"vehicle_ids,omitempty" binding:"max=50,dive,gt=0"`
}

// Normalize trims free text and stores the timestamp in UTC.
func (in *StopInput) Normalize() {
	in.Address = strings.TrimSpace(in.Address)
	in.Notes = strings.TrimSpace(in.Notes)
	in.ClientKey = strings.TrimSpace(in.ClientKey)
	in.OccurredAt = in.OccurredAt.UTC()
}

// Stop is a persisted field stop.
type Stop struct {
	ID         int64     `json:"id"`
	UnitID     string    `json:"unit_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Latitude   *float64  `json:"latitude,omitempty"`
	Longitude  *float64  `json:"longitude,omitempty"`
	Address    string    `json:"address,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	Origin     string    `json:"origin"`
	ClientKey  string    `json:"client_key,omitempty"`
	PersonIDs  []int64   `json:"person_ids"`
	VehicleIDs []int64   `json:"vehicle_ids"`
	CreatedAt  time.Time `json:"created_at"`
}

// StopParticipants is the slice of a stop needed to replay it into the relationship graph.
type StopParticipants struct {
	StopID     int64
	OccurredAt time.Time
	PersonIDs  []int64
}

// CreateResponse is returned by the online create endpoints.
// Duplicate indicates idempotent success (the entity already existed).
type CreateResponse struct {
	ID        int64      `json:"id"`
	Type      EntityType `json:"type"`
	Duplicate bool       `json:"duplicate"`
}
