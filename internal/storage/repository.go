package storage

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"kvchain/internal/domain"
)

// LinkStore holds chain links. Owner keys are always the 65-byte
// uncompressed serialization.
type LinkStore interface {
	// InsertLink assigns link.ID and link.UpdatedAt and stores the link.
	// It fails with domain.ErrDuplicateUUID when the uuid exists for any
	// owner, and with domain.ErrChainForked when the store enforces unique
	// predecessors and (owner, previous) is taken.
	InsertLink(ctx context.Context, link *domain.ChainLink) error

	// FindLinkByID returns domain.ErrNotFound when no link has the id.
	FindLinkByID(ctx context.Context, id uint64) (*domain.ChainLink, error)

	// FindLinkByUUID returns domain.ErrNotFound when no link has the uuid.
	FindLinkByUUID(ctx context.Context, id uuid.UUID) (*domain.ChainLink, error)

	// FindTailLink returns the most recently inserted link of owner, or nil
	// when the owner has no chain yet.
	FindTailLink(ctx context.Context, owner []byte) (*domain.ChainLink, error)

	// FindLinksByOwner returns owner's links in insertion order.
	FindLinksByOwner(ctx context.Context, owner []byte) ([]domain.ChainLink, error)

	// FindLinksByIdentity returns every owner's links for a platform
	// identity, in insertion order.
	FindLinksByIdentity(ctx context.Context, platform, identity string) ([]domain.ChainLink, error)

	// SetLinkArchivalReceipt is the only mutation allowed on a stored link.
	SetLinkArchivalReceipt(ctx context.Context, id uint64, receipt string) error
}

// SnapshotStore holds materialized key-value snapshots.
type SnapshotStore interface {
	// PatchSnapshot replaces the content of the triple's snapshot with
	// apply(current content) atomically, creating the snapshot from {} when
	// it does not exist. Errors returned by apply are passed through as is.
	PatchSnapshot(ctx context.Context, owner []byte, platform, identity string, apply func(content json.RawMessage) (json.RawMessage, error)) (*domain.Snapshot, error)

	// FindSnapshot returns domain.ErrNotFound when the triple has no snapshot.
	FindSnapshot(ctx context.Context, owner []byte, platform, identity string) (*domain.Snapshot, error)

	// SetSnapshotArchivalReceipt changes only the receipt of a snapshot and
	// returns domain.ErrNotFound when the triple has no snapshot.
	SetSnapshotArchivalReceipt(ctx context.Context, owner []byte, platform, identity, receipt string) error

	FindSnapshotsByOwner(ctx context.Context, owner []byte) ([]domain.Snapshot, error)
	FindSnapshotsByIdentity(ctx context.Context, platform, identity string) ([]domain.Snapshot, error)
}

// Repository is the record store behind the chain and the projector.
// Implementations wrap engine failures in domain.ErrStorage.
type Repository interface {
	LinkStore
	SnapshotStore

	// Close gracefully shuts down the repository connection.
	Close() error
}
