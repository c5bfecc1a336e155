package vaultcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	// KeySize is the required length, in bytes, of the symmetric encryption key.
	KeySize = 32

	// IVSize is the length, in bytes, of the initialization vector stored
	// alongside every encrypted token.
	IVSize = 16
)

// ErrDecryptionFailed is returned whenever the GCM tag fails to verify,
// whether due to key mismatch, a corrupted ciphertext, or tampering. Callers
// must treat it as terminal: retrying will never succeed.
var ErrDecryptionFailed = fmt.Errorf("decryption_failed")

// LoadKey validates and decodes a 64-character hex-encoded 32-byte symmetric
// key, as read from AUTH_MANAGER_TOKEN_VAULT_ENCRYPTION_KEY. An absent or
// wrong-length key is a fatal configuration error: the vault cannot start
// without it.
func LoadKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must decode to %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// NewIV returns a fresh, CSPRNG-derived initialization vector. Every write
// that changes ciphertext must mint a new one; IVs are never reused with the
// same key.
func NewIV() ([]byte, error) {
	return RandBytes(IVSize)
}

// Encrypt seals plaintext under key using AES-256-GCM with the given IV. The
// return value is ciphertext concatenated with the 16-byte GCM
// authentication tag, matching the wire shape the vault persists
// (hex-encoded) in the encryptedToken column.
func Encrypt(plaintext, key, iv []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", IVSize, len(iv))
	}
	return gcm.Seal(nil, iv, plaintext, nil), nil
}

// Decrypt opens a ciphertext||tag blob produced by Encrypt using the same
// key and IV. Any mismatch between the authentication tag and the computed
// one - wrong key, flipped bit, truncated blob - surfaces as
// ErrDecryptionFailed and doubles as a tamper signal; the caller must not
// retry.
func Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", IVSize, len(iv))
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// EncryptToHex is a convenience wrapper returning the hex-encoded ciphertext
// the vault stores directly in its encryptedToken column.
func EncryptToHex(plaintext string, key, iv []byte) (string, error) {
	ct, err := Encrypt([]byte(plaintext), key, iv)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ct), nil
}

// DecryptFromHex is the inverse of EncryptToHex.
func DecryptFromHex(hexCiphertext string, key, iv []byte) (string, error) {
	ct, err := hex.DecodeString(hexCiphertext)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	pt, err := Decrypt(ct, key, iv)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, aes.KeySizeError(len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, IVSize)
}

// Hash returns the lowercase hex-encoded SHA-256 digest of plaintext. It is
// used only for equality checks across vault entries (duplicate-token-hash
// detection) and is never sent off-box.
func Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
