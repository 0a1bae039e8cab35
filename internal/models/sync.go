package models

import "encoding/json"

// SyncStatus is the per-item outcome of a sync batch.
type SyncStatus string

const (
	StatusApplied        SyncStatus = "applied"
	StatusAlreadyApplied SyncStatus = "already-applied"
	StatusRejected       SyncStatus = "rejected"
)

// SyncItem is one action recorded on a device while offline.
type SyncItem struct {
	ClientKey  string          `json:"client_idempotency_key"`
	ActionType EntityType      `json:"action_type"`
	Payload    json.RawMessage `json:"payload"`
}

// SyncResult reports what happened to one SyncItem. Results are aligned with the request items.
type SyncResult struct {
	ClientKey  string     `json:"client_idempotency_key"`
	Status     SyncStatus `json:"status"`
	ServerID   *int64     `json:"server_id,omitempty"`
	EntityType EntityType `json:"entity_type,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`
}

// SyncBatchRequest is the POST /sync/batch payload.
// Devices are expected to chunk larger queues.
type SyncBatchRequest struct {
	Items []SyncItem `json:"items" binding:"required,max=500"`
}

// SyncBatchResponse is returned by POST /sync/batch.
type SyncBatchResponse struct {
	Results []SyncResult `json:"results"`
}

// AuditEntry records a mutation made on behalf of a unit.
type AuditEntry struct {
	UnitID     string
	Action     string
	Resource   EntityType
	ResourceID int64
	Details    map[string]any
}
