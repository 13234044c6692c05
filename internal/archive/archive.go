// Package archive pushes persisted links to a permanent document store and
// returns the store's receipt id.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"kvchain/internal/crypto"
	"kvchain/internal/domain"
)

// Document is what gets archived for one link.
type Document struct {
	Avatar            string          `json:"avatar"`
	UUID              uuid.UUID       `json:"uuid"`
	Persona           []byte          `json:"persona"`
	Platform          string          `json:"platform"`
	Identity          string          `json:"identity"`
	Patch             json.RawMessage `json:"patch"`
	Signature         []byte          `json:"signature"`
	CreatedAt         time.Time       `json:"created_at"`
	SignaturePayload  string          `json:"signature_payload"`
	PreviousUUID      *uuid.UUID      `json:"previous_uuid"`
	PreviousArchiveID string          `json:"previous_archive_id"`
}

// NewDocument builds the archive document of link. prev is link's
// predecessor, nil for the first link of a chain.
func NewDocument(link, prev *domain.ChainLink) (Document, error) {
	owner, err := crypto.ParsePublicKey(link.OwnerKey)
	if err != nil {
		return Document{}, fmt.Errorf("archive document: %w", err)
	}
	doc := Document{
		Avatar:           owner.String(),
		UUID:             link.UUID,
		Persona:          owner.Uncompressed(),
		Platform:         link.Platform,
		Identity:         link.Identity,
		Patch:            link.Patch,
		Signature:        link.Signature,
		CreatedAt:        link.CreatedAt,
		SignaturePayload: link.SignaturePayload,
	}
	if prev != nil {
		id := prev.UUID
		doc.PreviousUUID = &id
		doc.PreviousArchiveID = prev.ArchivalReceipt
	}
	return doc, nil
}

// Sink stores documents. Upload returns the receipt id, or an error
// wrapping domain.ErrArchive.
type Sink interface {
	Upload(ctx context.Context, doc Document) (string, error)
}

// NopSink archives nothing and returns an empty receipt.
type NopSink struct{}

func (NopSink) Upload(context.Context, Document) (string, error) {
	return "", nil
}

// HTTPSink POSTs documents as JSON to an archive gateway that answers
// with {"id": "..."}.
type HTTPSink struct {
	url  string
	http *http.Client
	log  logrus.FieldLogger
}

func NewHTTPSink(url string, timeout time.Duration, logger logrus.FieldLogger) *HTTPSink {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSink{
		url:  strings.TrimRight(url, "/"),
		http: &http.Client{Timeout: timeout},
		log:  logger.WithField("component", "archive"),
	}
}

func (s *HTTPSink) Upload(ctx context.Context, doc Document) (string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("%w: marshal document: %w", domain.ErrArchive, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrArchive, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrArchive, err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %w", domain.ErrArchive, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d: %s", domain.ErrArchive, res.StatusCode, strings.TrimSpace(string(resBody)))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resBody, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", domain.ErrArchive, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: empty receipt", domain.ErrArchive)
	}

	s.log.WithFields(logrus.Fields{"uuid": doc.UUID, "receipt": out.ID}).Info("Link archived")
	return out.ID, nil
}
