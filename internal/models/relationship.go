package models

import "time"

// RelationshipEdge is the stored association between two people.
// PersonA is always lower than PersonB.
type RelationshipEdge struct {
	PersonA     int64     `json:"person_a_id"`
	PersonB     int64     `json:"person_b_id"`
	Frequency   int       `json:"frequency"`
	FirstStopID int64     `json:"first_stop_id"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastStopID  int64     `json:"last_stop_id"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Relationship is an edge seen from one person: PersonID is the other participant.
type Relationship struct {
	PersonID    int64     `json:"person_id"`
	Name        string    `json:"name"`
	Frequency   int       `json:"frequency"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	LastStopID  int64     `json:"last_stop_id"`
}
