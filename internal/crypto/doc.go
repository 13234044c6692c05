// Package crypto implements the secp256k1 key handling behind chain links:
// owner key parsing, Ethereum style personal-sign signatures and public key
// recovery from r‖s‖v signatures.
//
// Keys come in two capabilities. A Verifier only holds the public key. A
// Signer embeds a Verifier and adds the private key; Signer.Public hands
// out the verify-only half.
package crypto
