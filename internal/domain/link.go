package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ChainLink is one signed patch record in an owner's chain.
type ChainLink struct {
	// ID is assigned by the store on insert. It grows monotonically per store
	// but says nothing about ordering across owners.
	ID uint64 `json:"id"`

	// UUID is chosen by the client and must be unique across all owners.
	UUID uuid.UUID `json:"uuid"`

	// OwnerKey is the uncompressed secp256k1 public key of the chain owner.
	OwnerKey []byte `json:"owner_key"`

	// Platform and Identity name the external account the patch applies to.
	Platform string `json:"platform"`
	Identity string `json:"identity"`

	// Patch is an RFC 7396 merge-patch document.
	Patch json.RawMessage `json:"patch"`

	// PreviousID points at the owner's tail at the time this link was begun,
	// nil for the first link.
	PreviousID *uint64 `json:"previous_id,omitempty"`

	// Signature is the 65-byte r‖s‖v signature over SignaturePayload.
	Signature []byte `json:"signature"`

	// SignaturePayload is the exact string that was signed. It is kept
	// verbatim so old links verify even if payload rendering changes.
	SignaturePayload string `json:"signature_payload"`

	// CreatedAt is supplied by the client and is part of the signed payload.
	CreatedAt time.Time `json:"created_at"`

	UpdatedAt time.Time `json:"updated_at"`

	// ArchivalReceipt is the external archive id, empty until an upload succeeds.
	ArchivalReceipt string `json:"archival_receipt,omitempty"`
}

// IsFirst reports whether the link starts its owner's chain.
func (l *ChainLink) IsFirst() bool {
	return l.PreviousID == nil
}
