package models

import (
	"strings"
	"time"
)

// VehicleInput is the POST /vehicles payload and the payload of a "vehicle" sync action.
type VehicleInput struct {
	Plate     string `json:"plate" binding:"required,min=5,max=10,alphanum"`
	Model     string `json:"model,omitempty" binding:"max=100"`
	Color     string `json:"color,omitempty" binding:"max=50"`
	Year      *int   `json:"year,omitempty" binding:"omitempty,gte=1900,lte=2100"`
	Kind      string `json:"kind,omitempty" binding:"max=50"`
	Notes     string `json:"notes,omitempty"`
	ClientKey string `json:"client_key,omitempty" binding:"max=100"`
}

// Normalize upper-cases the plate and strips separators so "abc-1d23" and "ABC1D23" collide.
func (in *VehicleInput) Normalize() {
	in.Plate = NormalizePlate(in.Plate)
	in.Model = strings.TrimSpace(in.Model)
	in.Color = strings.TrimSpace(in.Color)
	in.Kind = strings.TrimSpace(in.Kind)
	in.Notes = strings.TrimSpace(in.Notes)
	in.ClientKey = strings.TrimSpace(in.ClientKey)
}

// NormalizePlate removes spaces and dashes and upper-cases a license plate.
func NormalizePlate(plate string) string {
	plate = strings.ToUpper(strings.TrimSpace(plate))
	return strings.NewReplacer("-", "", " ", "").Replace(plate)
}

// Vehicle is a vehicle that can be attached to stops.
type Vehicle struct {
	ID        int64     `json:"id"`
	UnitID    string    `json:"unit_id"`
	Plate     string    `json:"plate"`
	Model     string    `json:"model,omitempty"`
	Color     string    `json:"color,omitempty"`
	Year      *int      `json:"year,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	ClientKey string    `json:"client_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
