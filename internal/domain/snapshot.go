package domain

import (
	"encoding/json"
	"time"
)

// Snapshot is the materialized key-value view for one (platform, identity,
// owner) triple: the fold of every accepted patch in chain order.
type Snapshot struct {
	Platform        string          `json:"platform"`
	Identity        string          `json:"identity"`
	OwnerKey        []byte          `json:"owner_key"`
	Content         json.RawMessage `json:"content"`
	ArchivalReceipt string          `json:"archival_receipt,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
