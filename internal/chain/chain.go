// Package chain builds, validates and stores the per-owner chain of signed
// patch links.
//
// A link moves through Draft → Signed → Validated → Persisted and, later
// and independently, Archived. Nothing moves a link backwards.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"kvchain/internal/crypto"
	"kvchain/internal/domain"
	"kvchain/internal/payload"
	"kvchain/internal/storage"
)

// Chain is the linking logic over a LinkStore.
type Chain struct {
	store storage.LinkStore
	log   logrus.FieldLogger
	now   func() time.Time
}

func New(store storage.LinkStore, logger logrus.FieldLogger) *Chain {
	return &Chain{
		store: store,
		log:   logger.WithField("component", "chain"),
		now:   time.Now,
	}
}

// BeginNewLink drafts the next link for owner. PreviousID points at the
// current tail, or is nil when the owner has no chain yet. The draft gets
// a fresh uuid, an empty patch and no signature.
func (c *Chain) BeginNewLink(ctx context.Context, owner *crypto.Verifier) (*domain.ChainLink, error) {
	tail, err := c.store.FindTailLink(ctx, owner.Uncompressed())
	if err != nil {
		return nil, fmt.Errorf("begin link: %w", err)
	}

	draft := &domain.ChainLink{
		UUID:      uuid.New(),
		OwnerKey:  owner.Uncompressed(),
		Patch:     json.RawMessage("{}"),
		CreatedAt: c.now().UTC().Truncate(time.Second),
	}
	if tail != nil {
		prev := tail.ID
		draft.PreviousID = &prev
	}

	c.log.WithFields(logrus.Fields{
		"owner":       owner.CompressedHex(),
		"uuid":        draft.UUID,
		"previous_id": draft.PreviousID,
	}).Debug("Drafted new link")
	return draft, nil
}

// RenderPayload renders the canonical payload for draft, embedding the
// previous link's signature when there is one.
func (c *Chain) RenderPayload(ctx context.Context, draft *domain.ChainLink) (string, error) {
	owner, err := crypto.ParsePublicKey(draft.OwnerKey)
	if err != nil {
		return "", fmt.Errorf("render payload: %w", err)
	}

	fields := payload.Fields{
		UUID:      draft.UUID,
		Owner:     owner,
		Platform:  draft.Platform,
		Identity:  draft.Identity,
		Patch:     draft.Patch,
		CreatedAt: draft.CreatedAt,
	}
	if draft.PreviousID != nil {
		prev, err := c.store.FindLinkByID(ctx, *draft.PreviousID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return "", fmt.Errorf("%w: previous link %d vanished", domain.ErrStorage, *draft.PreviousID)
			}
			return "", fmt.Errorf("render payload: %w", err)
		}
		fields.PreviousSignature = prev.Signature
	}

	out, err := payload.Build(fields)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	}
	return out, nil
}

// Persist stores draft. It does not validate; callers run Validate first.
func (c *Chain) Persist(ctx context.Context, draft *domain.ChainLink) (*domain.ChainLink, error) {
	if err := c.store.InsertLink(ctx, draft); err != nil {
		return nil, fmt.Errorf("persist link: %w", err)
	}
	return draft, nil
}

// AttachArchivalReceipt records the archive id of a persisted link.
func (c *Chain) AttachArchivalReceipt(ctx context.Context, link *domain.ChainLink, receipt string) error {
	if err := c.store.SetLinkArchivalReceipt(ctx, link.ID, receipt); err != nil {
		return fmt.Errorf("attach archival receipt: %w", err)
	}
	link.ArchivalReceipt = receipt
	return nil
}

// FindTail returns the owner's latest link, or nil for a fresh owner.
func (c *Chain) FindTail(ctx context.Context, owner *crypto.Verifier) (*domain.ChainLink, error) {
	return c.store.FindTailLink(ctx, owner.Uncompressed())
}

func (c *Chain) FindByID(ctx context.Context, id uint64) (*domain.ChainLink, error) {
	return c.store.FindLinkByID(ctx, id)
}

func (c *Chain) FindByUUID(ctx context.Context, id uuid.UUID) (*domain.ChainLink, error) {
	return c.store.FindLinkByUUID(ctx, id)
}

// FindAllFor returns every owner's links for a platform identity.
func (c *Chain) FindAllFor(ctx context.Context, platform, identity string) ([]domain.ChainLink, error) {
	return c.store.FindLinksByIdentity(ctx, platform, identity)
}

func (c *Chain) FindAllByOwner(ctx context.Context, owner *crypto.Verifier) ([]domain.ChainLink, error) {
	return c.store.FindLinksByOwner(ctx, owner.Uncompressed())
}
