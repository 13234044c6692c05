// Package service runs the request flows on top of the chain: issuing
// payloads to sign, accepting signed links and answering queries.
package service

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"kvchain/internal/archive"
	"kvchain/internal/chain"
	"kvchain/internal/crypto"
	"kvchain/internal/domain"
	"kvchain/internal/kv"
	"kvchain/internal/payload"
	"kvchain/internal/proof"
)

// Service wires the chain, the projector, the proof gate and the archive.
type Service struct {
	chain     *chain.Chain
	projector *kv.Projector
	auth      proof.Authorizer
	sink      archive.Sink
	locks     *chain.OwnerLocks
	log       logrus.FieldLogger

	archiveTimeout time.Duration
}

type Option func(*Service)

// WithOwnerLocks serializes Upload per owner from tail lookup to snapshot
// update.
func WithOwnerLocks(locks *chain.OwnerLocks) Option {
	return func(s *Service) {
		s.locks = locks
	}
}

// WithArchiveTimeout bounds how long Upload waits for the archive sink.
// The upload is answered once the bound passes, without a receipt.
func WithArchiveTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.archiveTimeout = d
	}
}

func New(c *chain.Chain, p *kv.Projector, auth proof.Authorizer, sink archive.Sink, logger logrus.FieldLogger, options ...Option) *Service {
	if sink == nil {
		sink = archive.NopSink{}
	}
	s := &Service{
		chain:     c,
		projector: p,
		auth:      auth,
		sink:      sink,
		log:       logger.WithField("component", "service"),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Payload drafts the next link for the requesting owner and returns the
// canonical payload the owner has to sign.
func (s *Service) Payload(ctx context.Context, req PayloadRequest) (*PayloadResponse, error) {
	owner, err := parseOwner(req.Avatar, req.Persona)
	if err != nil {
		return nil, err
	}
	patch, err := parsePatch(req.Patch)
	if err != nil {
		return nil, err
	}
	if err := requireBinding(req.Platform, req.Identity); err != nil {
		return nil, err
	}
	if err := s.auth.CanBind(ctx, owner, req.Platform, req.Identity); err != nil {
		return nil, err
	}

	draft, err := s.chain.BeginNewLink(ctx, owner)
	if err != nil {
		return nil, err
	}
	draft.Platform = req.Platform
	draft.Identity = req.Identity
	draft.Patch = patch

	body, err := s.chain.RenderPayload(ctx, draft)
	if err != nil {
		return nil, err
	}
	return &PayloadResponse{
		UUID:        draft.UUID.String(),
		SignPayload: body,
		CreatedAt:   draft.CreatedAt.Unix(),
	}, nil
}

// Upload accepts a signed link, appends it to the owner's chain and
// applies its patch. Archiving runs afterwards and never fails the upload.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*QueryResponse, error) {
	owner, err := parseOwner(req.Avatar, req.Persona)
	if err != nil {
		return nil, err
	}
	patch, err := parsePatch(req.Patch)
	if err != nil {
		return nil, err
	}
	if err := requireBinding(req.Platform, req.Identity); err != nil {
		return nil, err
	}
	linkUUID, err := uuid.Parse(req.UUID)
	if err != nil {
		return nil, fmt.Errorf("%w: uuid: %v", domain.ErrInvalidRequest, err)
	}
	if req.CreatedAt <= 0 {
		return nil, fmt.Errorf("%w: created_at is required", domain.ErrInvalidRequest)
	}
	sig, err := decodeSignature(req.Signature)
	if err != nil {
		return nil, err
	}
	if err := s.auth.CanBind(ctx, owner, req.Platform, req.Identity); err != nil {
		return nil, err
	}

	link, err := s.appendLink(ctx, owner, func(draft *domain.ChainLink) {
		draft.UUID = linkUUID
		draft.CreatedAt = time.Unix(req.CreatedAt, 0).UTC()
		draft.Platform = req.Platform
		draft.Identity = req.Identity
		draft.Patch = patch
		draft.Signature = sig
	})
	if err != nil {
		return nil, err
	}

	s.archive(ctx, owner, link)
	return s.QueryByOwner(ctx, owner.Hex())
}

// appendLink runs begin, render, validate, persist and patch, under the
// owner's lock when one is configured.
func (s *Service) appendLink(ctx context.Context, owner *crypto.Verifier, fill func(*domain.ChainLink)) (*domain.ChainLink, error) {
	if s.locks != nil {
		unlock := s.locks.Lock(owner.Uncompressed())
		defer unlock()
	}

	draft, err := s.chain.BeginNewLink(ctx, owner)
	if err != nil {
		return nil, err
	}
	fill(draft)

	body, err := s.chain.RenderPayload(ctx, draft)
	if err != nil {
		return nil, err
	}
	draft.SignaturePayload = body

	log := s.log.WithFields(logrus.Fields{
		"owner":    owner.CompressedHex(),
		"uuid":     draft.UUID,
		"platform": draft.Platform,
		"identity": draft.Identity,
	})
	if err := chain.Validate(draft); err != nil {
		log.WithError(err).Info("Rejected link with bad signature")
		return nil, err
	}

	link, err := s.chain.Persist(ctx, draft)
	if err != nil {
		return nil, err
	}
	if _, err := s.projector.ApplyPatch(ctx, owner, link.Platform, link.Identity, link.Patch); err != nil {
		log.WithError(err).WithField("link_id", link.ID).Error("Link persisted but snapshot not patched")
		return nil, err
	}
	log.WithField("link_id", link.ID).Info("Link appended")
	return link, nil
}

func (s *Service) archive(ctx context.Context, owner *crypto.Verifier, link *domain.ChainLink) {
	log := s.log.WithFields(logrus.Fields{"link_id": link.ID, "uuid": link.UUID})
	if s.archiveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.archiveTimeout)
		defer cancel()
	}

	var prev *domain.ChainLink
	if link.PreviousID != nil {
		var err error
		if prev, err = s.chain.FindByID(ctx, *link.PreviousID); err != nil {
			log.WithError(err).Warn("Archive skipped: previous link unavailable")
			return
		}
	}
	doc, err := archive.NewDocument(link, prev)
	if err != nil {
		log.WithError(err).Warn("Archive skipped")
		return
	}
	receipt, err := s.sink.Upload(ctx, doc)
	if err != nil {
		log.WithError(err).Warn("Archive upload failed")
		return
	}
	if receipt == "" {
		return
	}
	if err := s.chain.AttachArchivalReceipt(ctx, link, receipt); err != nil {
		log.WithError(err).Warn("Failed to attach receipt to link")
		return
	}
	if err := s.projector.AttachReceipt(ctx, owner, link.Platform, link.Identity, receipt); err != nil {
		log.WithError(err).Warn("Failed to attach receipt to snapshot")
	}
}

// QueryByOwner returns all snapshots of the owner given as hex.
func (s *Service) QueryByOwner(ctx context.Context, ownerHex string) (*QueryResponse, error) {
	owner, err := parseOwner(ownerHex, "")
	if err != nil {
		return nil, err
	}
	snaps, err := s.projector.FindByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	resp := &QueryResponse{
		Persona: owner.String(),
		Avatar:  owner.String(),
		Proofs:  make([]QueryProof, 0, len(snaps)),
	}
	for _, snap := range snaps {
		resp.Proofs = append(resp.Proofs, QueryProof{
			Platform:        snap.Platform,
			Identity:        snap.Identity,
			Content:         snap.Content,
			ArchivalReceipt: snap.ArchivalReceipt,
		})
	}
	return resp, nil
}

func (s *Service) QueryByIdentity(ctx context.Context, platform, identity string) (*IdentityResponse, error) {
	if err := requireBinding(platform, identity); err != nil {
		return nil, err
	}
	snaps, err := s.projector.FindByIdentity(ctx, platform, identity)
	if err != nil {
		return nil, err
	}
	resp := &IdentityResponse{Values: make([]IdentityValue, 0, len(snaps))}
	for _, snap := range snaps {
		owner, err := crypto.ParsePublicKey(snap.OwnerKey)
		if err != nil {
			return nil, fmt.Errorf("%w: stored owner key: %w", domain.ErrStorage, err)
		}
		resp.Values = append(resp.Values, IdentityValue{Avatar: owner.String(), Content: snap.Content})
	}
	return resp, nil
}

// Audit re-verifies an owner's chain and its snapshots.
func (s *Service) Audit(ctx context.Context, ownerHex string) (*chain.AuditReport, []kv.Drift, error) {
	owner, err := parseOwner(ownerHex, "")
	if err != nil {
		return nil, nil, err
	}
	report, err := s.chain.Audit(ctx, owner)
	if err != nil {
		return nil, nil, err
	}
	links, err := s.chain.FindAllByOwner(ctx, owner)
	if err != nil {
		return nil, nil, err
	}
	drifts, err := s.projector.Check(ctx, owner, links)
	if err != nil {
		return nil, nil, err
	}
	return report, drifts, nil
}

func parseOwner(avatar, persona string) (*crypto.Verifier, error) {
	raw := avatar
	if raw == "" {
		raw = persona
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: avatar is required", domain.ErrInvalidRequest)
	}
	owner, err := crypto.ParsePublicKeyHex(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: avatar: %w", domain.ErrInvalidRequest, err)
	}
	return owner, nil
}

// parsePatch normalizes a request patch, which must be a JSON object.
func parsePatch(raw json.RawMessage) (json.RawMessage, error) {
	patch, err := payload.Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: patch: %v", domain.ErrInvalidRequest, err)
	}
	if len(patch) == 0 || patch[0] != '{' {
		return nil, fmt.Errorf("%w: patch must be a JSON object", domain.ErrInvalidRequest)
	}
	return patch, nil
}

func requireBinding(platform, identity string) error {
	if platform == "" || identity == "" {
		return fmt.Errorf("%w: platform and identity are required", domain.ErrInvalidRequest)
	}
	return nil
}

func decodeSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: signature is required", domain.ErrInvalidRequest)
	}
	var (
		sig []byte
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		sig, err = hex.DecodeString(s[2:])
	} else {
		sig, err = base64.StdEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", domain.ErrInvalidRequest, err)
	}
	return sig, nil
}

// IsRejection reports whether err is the caller's fault rather than an
// internal failure.
func IsRejection(err error) bool {
	for _, target := range []error{
		domain.ErrInvalidRequest,
		domain.ErrSignatureValidation,
		domain.ErrAuthorization,
		domain.ErrDuplicateUUID,
		domain.ErrChainForked,
		crypto.ErrInvalidKeyEncoding,
		crypto.ErrInvalidSignatureLength,
		crypto.ErrInvalidRecoveryID,
		crypto.ErrInvalidSignature,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
