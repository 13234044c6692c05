package crypto

import "golang.org/x/crypto/sha3"

// Keccak256 is the legacy (pre-FIPS) Keccak-256 used by Ethereum signing.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, b := range data {
		h.Write(b)
	}
	return h.Sum(nil)
}
