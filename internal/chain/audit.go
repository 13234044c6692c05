package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"kvchain/internal/crypto"
	"kvchain/internal/domain"
)

// ErrBrokenLink marks a link whose signature or back reference does not
// hold up during an audit.
var ErrBrokenLink = errors.New("broken chain link")

// AuditReport is the result of walking an owner's chain from its tail.
type AuditReport struct {
	// Walked is the number of links reached from the tail.
	Walked int

	// Detached lists owner links the walk never reached, i.e. forks.
	Detached []uint64

	// Failure is the first link that did not verify, nil if all did.
	Failure *AuditFailure
}

type AuditFailure struct {
	LinkID uint64
	Err    error
}

func (r *AuditReport) OK() bool {
	return r.Failure == nil
}

// Audit re-verifies owner's chain transitively: every link's own signature
// and that its signed "previous" equals its predecessor's signature. Insert
// time validation only checks the former.
func (c *Chain) Audit(ctx context.Context, owner *crypto.Verifier) (*AuditReport, error) {
	all, err := c.FindAllByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	byID := make(map[uint64]*domain.ChainLink, len(all))
	for i := range all {
		byID[all[i].ID] = &all[i]
	}

	report := &AuditReport{}
	if len(all) == 0 {
		return report, nil
	}

	visited := make(map[uint64]bool, len(all))
	link := &all[len(all)-1]
	for link != nil {
		if visited[link.ID] {
			report.Failure = &AuditFailure{LinkID: link.ID, Err: fmt.Errorf("%w: cycle", ErrBrokenLink)}
			break
		}
		visited[link.ID] = true
		report.Walked++

		var prev *domain.ChainLink
		if link.PreviousID != nil {
			prev = byID[*link.PreviousID]
			if prev == nil {
				report.Failure = &AuditFailure{LinkID: link.ID, Err: fmt.Errorf("%w: previous link %d not found", ErrBrokenLink, *link.PreviousID)}
				break
			}
		}
		if err := auditLink(link, prev); err != nil {
			report.Failure = &AuditFailure{LinkID: link.ID, Err: err}
			break
		}
		link = prev
	}

	for _, l := range all {
		if !visited[l.ID] {
			report.Detached = append(report.Detached, l.ID)
		}
	}

	log := c.log.WithField("owner", owner.CompressedHex())
	if report.OK() {
		log.WithField("walked", report.Walked).Info("Chain audit passed")
	} else {
		log.WithError(report.Failure.Err).WithField("link_id", report.Failure.LinkID).Warn("Chain audit failed")
	}
	return report, nil
}

func auditLink(link, prev *domain.ChainLink) error {
	if err := Validate(link); err != nil {
		return err
	}

	var signed struct {
		Previous *string `json:"previous"`
	}
	if err := json.Unmarshal([]byte(link.SignaturePayload), &signed); err != nil {
		return fmt.Errorf("%w: unreadable payload: %v", ErrBrokenLink, err)
	}
	switch {
	case prev == nil && signed.Previous != nil:
		return fmt.Errorf("%w: first link signs a previous signature", ErrBrokenLink)
	case prev != nil && signed.Previous == nil:
		return fmt.Errorf("%w: payload does not reference link %d", ErrBrokenLink, prev.ID)
	case prev != nil && *signed.Previous != base64.StdEncoding.EncodeToString(prev.Signature):
		return fmt.Errorf("%w: payload previous does not match link %d", ErrBrokenLink, prev.ID)
	}
	return nil
}
