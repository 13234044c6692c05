package chain

import (
	"fmt"

	"kvchain/internal/crypto"
	"kvchain/internal/domain"
)

// Validate checks that link.Signature was made by link.OwnerKey over
// link.SignaturePayload. The stored payload is trusted as-is, so it must be
// the exact string RenderPayload returned when the link was signed. Every
// signature failure wraps domain.ErrSignatureValidation; the crypto cause
// stays reachable through errors.Is.
func Validate(link *domain.ChainLink) error {
	owner, err := crypto.ParsePublicKey(link.OwnerKey)
	if err != nil {
		return fmt.Errorf("validate link: %w", err)
	}
	recovered, err := crypto.RecoverPersonal(link.Signature, link.SignaturePayload)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSignatureValidation, err)
	}
	if !recovered.Equal(owner) {
		return fmt.Errorf("%w: public key mismatch", domain.ErrSignatureValidation)
	}
	return nil
}
