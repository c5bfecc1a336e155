// Package vaultcrypto provides the token vault's single cryptographic
// primitive: AES-256-GCM encryption of refresh/offline tokens at rest, plus
// a SHA-256 fingerprint used for deduplication checks.
//
// Adapted from dex's pkg/crypto.Encrypt/Decrypt, generalized so the IV is a
// caller-supplied, separately-stored field (the vault keeps ciphertext and
// IV in distinct columns) rather than a value prepended to the ciphertext.
package vaultcrypto

import (
	"crypto/rand"
	"errors"
)

// RandBytes returns n cryptographically random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	got, err := rand.Read(b)
	if err != nil {
		return nil, err
	}
	if n != got {
		return nil, errors.New("unable to generate enough random data")
	}
	return b, nil
}
