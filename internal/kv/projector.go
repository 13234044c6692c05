package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"kvchain/internal/crypto"
	"kvchain/internal/domain"
	"kvchain/internal/storage"
)

// Projector keeps snapshots in step with persisted links.
type Projector struct {
	store storage.SnapshotStore
	log   logrus.FieldLogger
}

func NewProjector(store storage.SnapshotStore, logger logrus.FieldLogger) *Projector {
	return &Projector{
		store: store,
		log:   logger.WithField("component", "projector"),
	}
}

// ApplyPatch merges patch into the snapshot of (owner, platform, identity),
// creating the snapshot as {} first when needed. The read, merge and write
// happen in one store transaction.
func (p *Projector) ApplyPatch(ctx context.Context, owner *crypto.Verifier, platform, identity string, patch json.RawMessage) (*domain.Snapshot, error) {
	log := p.log.WithFields(logrus.Fields{
		"owner":    owner.CompressedHex(),
		"platform": platform,
		"identity": identity,
	})

	snap, err := p.store.PatchSnapshot(ctx, owner.Uncompressed(), platform, identity, func(content json.RawMessage) (json.RawMessage, error) {
		merged, err := MergePatch(content, patch)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
		}
		return merged, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRequest) {
			return nil, err
		}
		return nil, fmt.Errorf("apply patch: %w", err)
	}
	log.Debug("Snapshot patched")
	return snap, nil
}

// AttachReceipt records the archive id of the link that last touched the
// snapshot of (owner, platform, identity). Content is left untouched.
func (p *Projector) AttachReceipt(ctx context.Context, owner *crypto.Verifier, platform, identity, receipt string) error {
	if err := p.store.SetSnapshotArchivalReceipt(ctx, owner.Uncompressed(), platform, identity, receipt); err != nil {
		return fmt.Errorf("attach snapshot receipt: %w", err)
	}
	return nil
}

func (p *Projector) FindByOwner(ctx context.Context, owner *crypto.Verifier) ([]domain.Snapshot, error) {
	return p.store.FindSnapshotsByOwner(ctx, owner.Uncompressed())
}

func (p *Projector) FindByIdentity(ctx context.Context, platform, identity string) ([]domain.Snapshot, error) {
	return p.store.FindSnapshotsByIdentity(ctx, platform, identity)
}

// Drift is a snapshot whose stored content differs from the fold of its
// links' patches.
type Drift struct {
	Platform string          `json:"platform"`
	Identity string          `json:"identity"`
	Stored   json.RawMessage `json:"stored"`
	Folded   json.RawMessage `json:"folded"`
}

// Check refolds links, one owner's chain in insertion order, per
// (platform, identity) and compares each result with the stored snapshot.
func (p *Projector) Check(ctx context.Context, owner *crypto.Verifier, links []domain.ChainLink) ([]Drift, error) {
	type pair struct{ platform, identity string }
	var order []pair
	patches := make(map[pair][]json.RawMessage)
	for _, l := range links {
		k := pair{l.Platform, l.Identity}
		if _, ok := patches[k]; !ok {
			order = append(order, k)
		}
		patches[k] = append(patches[k], l.Patch)
	}

	var drifts []Drift
	for _, k := range order {
		folded, err := Fold(patches[k]...)
		if err != nil {
			return nil, fmt.Errorf("check %s/%s: %w", k.platform, k.identity, err)
		}
		var stored json.RawMessage
		snap, err := p.store.FindSnapshot(ctx, owner.Uncompressed(), k.platform, k.identity)
		switch {
		case err == nil:
			if stored, err = canonical(snap.Content); err != nil {
				return nil, fmt.Errorf("check %s/%s: %w", k.platform, k.identity, err)
			}
		case !errors.Is(err, domain.ErrNotFound):
			return nil, err
		}
		if !bytes.Equal(stored, folded) {
			drifts = append(drifts, Drift{Platform: k.platform, Identity: k.identity, Stored: stored, Folded: folded})
		}
	}
	if len(drifts) > 0 {
		p.log.WithFields(logrus.Fields{"owner": owner.CompressedHex(), "drifts": len(drifts)}).Warn("Snapshots differ from their chain")
	}
	return drifts, nil
}
