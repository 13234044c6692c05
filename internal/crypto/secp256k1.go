package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

const (
	// SignatureLength is the size of an r‖s‖v personal signature.
	SignatureLength = 65

	// PublicKeyLenCompressed and PublicKeyLenUncompressed are the two
	// accepted owner key encodings.
	PublicKeyLenCompressed   = 33
	PublicKeyLenUncompressed = 65

	personalMessagePrefix = "\x19Ethereum Signed Message:\n"

	// btcec compact signatures carry the recovery id in a leading header
	// byte offset by 27.
	compactHeaderOffset = 27
)

var (
	ErrInvalidKeyEncoding     = errors.New("invalid public key encoding")
	ErrInvalidPrivateKey      = errors.New("invalid private key")
	ErrInvalidSignatureLength = errors.New("invalid signature length")
	ErrInvalidRecoveryID      = errors.New("invalid recovery id")
	ErrInvalidSignature       = errors.New("invalid signature")
)

// Verifier holds a secp256k1 public key. It can check signatures but
// never produce them.
type Verifier struct {
	pub *btcec.PublicKey
}

// ParsePublicKey accepts a 33-byte compressed or 65-byte uncompressed key.
func ParsePublicKey(b []byte) (*Verifier, error) {
	switch {
	case len(b) == PublicKeyLenCompressed && (b[0] == 0x02 || b[0] == 0x03):
	case len(b) == PublicKeyLenUncompressed && b[0] == 0x04:
	default:
		return nil, fmt.Errorf("%w: unexpected %d-byte key", ErrInvalidKeyEncoding, len(b))
	}
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
	}
	return &Verifier{pub: pub}, nil
}

// ParsePublicKeyHex parses a hex encoded key, with or without a 0x prefix.
func ParsePublicKeyHex(s string) (*Verifier, error) {
	b, err := hex.DecodeString(strip0x(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
	}
	return ParsePublicKey(b)
}

// Uncompressed returns the 65-byte serialization, the canonical stored form.
func (v *Verifier) Uncompressed() []byte {
	return v.pub.SerializeUncompressed()
}

func (v *Verifier) Compressed() []byte {
	return v.pub.SerializeCompressed()
}

// Hex is the uncompressed key in hex without a 0x prefix.
func (v *Verifier) Hex() string {
	return hex.EncodeToString(v.Uncompressed())
}

// CompressedHex is the compressed key in hex without a 0x prefix.
func (v *Verifier) CompressedHex() string {
	return hex.EncodeToString(v.Compressed())
}

func (v *Verifier) String() string {
	return "0x" + v.Hex()
}

func (v *Verifier) Equal(other *Verifier) bool {
	if v == nil || other == nil {
		return v == other
	}
	return v.pub.IsEqual(other.pub)
}

// Signer is a Verifier that also holds the private key. Only tooling and
// tests construct one; the server never holds owner private keys.
type Signer struct {
	Verifier
	priv *btcec.PrivateKey
}

func GenerateSigner() (*Signer, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	return &Signer{Verifier: Verifier{pub: priv.PubKey()}, priv: priv}, nil
}

// SignerFromBytes loads a 32-byte private key.
func SignerFromBytes(b []byte) (*Signer, error) {
	if len(b) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: unexpected %d-byte key", ErrInvalidPrivateKey, len(b))
	}
	priv, pub := btcec.PrivKeyFromBytes(b)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("%w: zero scalar", ErrInvalidPrivateKey)
	}
	return &Signer{Verifier: Verifier{pub: pub}, priv: priv}, nil
}

func SignerFromHex(s string) (*Signer, error) {
	b, err := hex.DecodeString(strip0x(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return SignerFromBytes(b)
}

// Public returns the verify-only half of the key pair.
func (s *Signer) Public() *Verifier {
	return &s.Verifier
}

func (s *Signer) PrivateKeyHex() string {
	return hex.EncodeToString(s.priv.Serialize())
}

// PersonalSign signs message with the personal-sign framing and returns a
// 65-byte r‖s‖v signature with v in {0,1}.
func (s *Signer) PersonalSign(message string) ([]byte, error) {
	return s.HashedSign(personalMessage(message))
}

// HashedSign signs keccak256(message) without any framing.
func (s *Signer) HashedSign(message string) ([]byte, error) {
	compact, err := ecdsa.SignCompact(s.priv, Keccak256([]byte(message)), false)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if len(compact) != SignatureLength {
		return nil, fmt.Errorf("%w: got %d bytes from signer", ErrInvalidSignatureLength, len(compact))
	}
	sig := make([]byte, SignatureLength)
	copy(sig, compact[1:])
	sig[64] = compact[0] - compactHeaderOffset
	return sig, nil
}

// RecoverPersonal recovers the public key that produced signature over the
// personal-sign framing of message. The recovery byte may be 0/1 or 27/28.
func RecoverPersonal(signature []byte, message string) (*Verifier, error) {
	if len(signature) != SignatureLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignatureLength, SignatureLength, len(signature))
	}
	recoveryID, err := normalizeRecoveryID(signature[64])
	if err != nil {
		return nil, err
	}

	compact := make([]byte, SignatureLength)
	compact[0] = compactHeaderOffset + recoveryID
	copy(compact[1:], signature[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, Keccak256([]byte(personalMessage(message))))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return &Verifier{pub: pub}, nil
}

func normalizeRecoveryID(v byte) (byte, error) {
	if v == 27 || v == 28 {
		v -= 27
	}
	if v != 0 && v != 1 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidRecoveryID, v)
	}
	return v, nil
}

// personalMessage applies the "\x19Ethereum Signed Message:\n<len>" framing;
// len is the byte length of message in decimal.
func personalMessage(message string) string {
	return personalMessagePrefix + strconv.Itoa(len(message)) + message
}

func strip0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:]
	}
	return s
}
