package models

import (
	"strings"
	"time"
)

// PersonInput is the POST /people payload and the payload of a "person" sync action.
type PersonInput struct {
	Name      string `json:"name" binding:"required,max=300"`
	Nickname  string `json:"nickname,omitempty" binding:"max=100"`
	BirthDate string `json:"birth_date,omitempty" binding:"omitempty,datetime=2006-01-02"`
	Notes     string `json:"notes,omitempty"`
	ClientKey string `json:"client_key,omitempty" binding:"max=100"`
}

func (in *PersonInput) Normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Nickname = strings.TrimSpace(in.Nickname)
	in.BirthDate = strings.TrimSpace(in.BirthDate)
	in.Notes = strings.TrimSpace(in.Notes)
	in.ClientKey = strings.TrimSpace(in.ClientKey)
}

// Person is a participant that can co-occur in stops.
type Person struct {
	ID        int64     `json:"id"`
	UnitID    string    `json:"unit_id"`
	Name      string    `json:"name"`
	Nickname  string    `json:"nickname,omitempty"`
	BirthDate string    `json:"birth_date,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	ClientKey string    `json:"client_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
