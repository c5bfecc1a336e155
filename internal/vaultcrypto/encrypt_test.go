package vaultcrypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := RandBytes(KeySize)
	require.NoError(t, err)
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)
	iv, err := NewIV()
	require.NoError(t, err)

	plaintext := []byte("super-secret-refresh-token")
	ciphertext, err := Encrypt(plaintext, key, iv)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	got, err := Decrypt(ciphertext, key, iv)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestEncryptToHexRoundTrip(t *testing.T) {
	key := testKey(t)
	iv, err := NewIV()
	require.NoError(t, err)

	hexCT, err := EncryptToHex("offline-token-value", key, iv)
	require.NoError(t, err)

	got, err := DecryptFromHex(hexCT, key, iv)
	require.NoError(t, err)
	require.Equal(t, "offline-token-value", got)
}

func TestDecryptFailsOnWrongKey(t *testing.T) {
	key := testKey(t)
	other := testKey(t)
	iv, err := NewIV()
	require.NoError(t, err)

	ciphertext, err := Encrypt([]byte("payload"), key, iv)
	require.NoError(t, err)

	_, err = Decrypt(ciphertext, other, iv)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptFailsOnTamperedCiphertext(t *testing.T) {
	key := testKey(t)
	iv, err := NewIV()
	require.NoError(t, err)

	ciphertext, err := Encrypt([]byte("payload"), key, iv)
	require.NoError(t, err)
	ciphertext[0] ^= 0xFF

	_, err = Decrypt(ciphertext, key, iv)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptFailsOnWrongIV(t *testing.T) {
	key := testKey(t)
	iv, err := NewIV()
	require.NoError(t, err)
	otherIV, err := NewIV()
	require.NoError(t, err)

	ciphertext, err := Encrypt([]byte("payload"), key, iv)
	require.NoError(t, err)

	_, err = Decrypt(ciphertext, key, otherIV)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestEncryptRejectsWrongKeySize(t *testing.T) {
	iv, err := NewIV()
	require.NoError(t, err)

	_, err = Encrypt([]byte("payload"), []byte("too-short"), iv)
	require.Error(t, err)
}

func TestLoadKeyValidatesLengthAndEncoding(t *testing.T) {
	key := testKey(t)
	encoded := hex.EncodeToString(key)

	loaded, err := LoadKey(encoded)
	require.NoError(t, err)
	require.Equal(t, key, loaded)

	_, err = LoadKey("not-hex")
	require.Error(t, err)

	_, err = LoadKey("aabb")
	require.Error(t, err)
}

func TestHashIsDeterministicAndDistinguishing(t *testing.T) {
	h1 := Hash("token-a")
	h2 := Hash("token-a")
	h3 := Hash("token-b")

	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, h3)
	require.Len(t, h1, 64)
}
