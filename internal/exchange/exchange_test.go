package exchange

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bilalesi/auth-vault/internal/idp"
	"github.com/bilalesi/auth-vault/internal/obslog"
	"github.com/bilalesi/auth-vault/internal/vault"
	"github.com/bilalesi/auth-vault/internal/vault/sqlstore"
	"github.com/bilalesi/auth-vault/internal/vaultcrypto"
	"github.com/bilalesi/auth-vault/internal/vaulterr"
)

func testLogger() obslog.Logger {
	return obslog.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTestStorage(t *testing.T) vault.Storage {
	t.Helper()
	sqlite := &sqlstore.SQLite3{File: ":memory:"}
	c, err := sqlite.Open(testLogger())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	key := make([]byte, vaultcrypto.KeySize)
	return sqlstore.New(c, key)
}

type fakeIdPClient struct {
	resp      *idp.TokenResponse
	err       error
	refreshed []string

	offlineResp      *idp.TokenResponse
	offlineErr       error
	offlineRequested []string
}

func (f *fakeIdPClient) RefreshAccessToken(ctx context.Context, refreshToken string) (*idp.TokenResponse, error) {
	f.refreshed = append(f.refreshed, refreshToken)
	return f.resp, f.err
}

func (f *fakeIdPClient) RequestOfflineToken(ctx context.Context, refreshToken string) (*idp.TokenResponse, error) {
	f.offlineRequested = append(f.offlineRequested, refreshToken)
	return f.offlineResp, f.offlineErr
}

func TestExchangeOffline(t *testing.T) {
	storage := newTestStorage(t)
	entry, err := storage.Create(context.Background(), vault.CreateParams{
		UserID:         "user-1",
		Token:          "refresh-old",
		TokenType:      vault.TokenTypeOffline,
		SessionStateID: "sess-1",
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	idpClient := &fakeIdPClient{resp: &idp.TokenResponse{
		AccessToken:  "at-1",
		ExpiresIn:    300,
		RefreshToken: "refresh-new",
	}}
	key := make([]byte, vaultcrypto.KeySize)
	engine := New(storage, idpClient, key, 10*24*time.Hour, time.Hour, testLogger())

	result, err := engine.Exchange(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if result.AccessToken != "at-1" || result.ExpiresIn != 300 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(idpClient.refreshed) != 1 || idpClient.refreshed[0] != "refresh-old" {
		t.Fatalf("expected the stored plaintext to be sent upstream, got %+v", idpClient.refreshed)
	}

	updated, err := storage.Retrieve(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if updated.ID != entry.ID {
		t.Fatalf("expected rotation to preserve the persistent id, got %q", updated.ID)
	}
	if updated.Metadata["updatedAt"] == nil {
		t.Fatal("expected updatedAt to be set in metadata after rotation")
	}

	plaintext, err := vaultcrypto.DecryptFromHex(updated.EncryptedToken, key, mustDecodeHex(t, updated.IV))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plaintext != "refresh-new" {
		t.Fatalf("expected the rotated ciphertext to decrypt to the new refresh token, got %q", plaintext)
	}
	if wantExpiry := time.Now().Add(10 * 24 * time.Hour); updated.ExpiresAt.Before(wantExpiry.Add(-time.Minute)) {
		t.Fatalf("expected rotation to extend expiry to ~%v, got %v", wantExpiry, updated.ExpiresAt)
	}
}

func TestExchangeRefreshEntryRotatesUnderSessionID(t *testing.T) {
	storage := newTestStorage(t)
	id, err := storage.UpsertRefreshToken(context.Background(), vault.UpsertRefreshParams{
		UserID:         "user-1",
		Token:          "refresh-old",
		SessionStateID: "sess-1",
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	idpClient := &fakeIdPClient{resp: &idp.TokenResponse{
		AccessToken:  "at-1",
		ExpiresIn:    300,
		RefreshToken: "refresh-new",
	}}
	key := make([]byte, vaultcrypto.KeySize)
	engine := New(storage, idpClient, key, 10*24*time.Hour, time.Hour, testLogger())

	if _, err := engine.Exchange(context.Background(), id); err != nil {
		t.Fatalf("exchange: %v", err)
	}

	again, err := storage.UpsertRefreshToken(context.Background(), vault.UpsertRefreshParams{
		UserID:         "user-1",
		Token:          "irrelevant",
		SessionStateID: "sess-1",
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if again != id {
		t.Fatalf("expected rotation to preserve the session's single refresh entry id, got %q vs %q", again, id)
	}
}

func TestExchangeNoRotationWhenIdPOmitsRefreshToken(t *testing.T) {
	storage := newTestStorage(t)
	entry, err := storage.Create(context.Background(), vault.CreateParams{
		UserID:         "user-1",
		Token:          "refresh-old",
		TokenType:      vault.TokenTypeOffline,
		SessionStateID: "sess-1",
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	idpClient := &fakeIdPClient{resp: &idp.TokenResponse{AccessToken: "at-1", ExpiresIn: 300}}
	key := make([]byte, vaultcrypto.KeySize)
	engine := New(storage, idpClient, key, 10*24*time.Hour, time.Hour, testLogger())

	if _, err := engine.Exchange(context.Background(), entry.ID); err != nil {
		t.Fatalf("exchange: %v", err)
	}

	unchanged, err := storage.Retrieve(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if unchanged.EncryptedToken != entry.EncryptedToken || unchanged.IV != entry.IV {
		t.Fatal("expected no rotation when the idp response carries no refresh_token")
	}
}

func TestExchangeUnknownIDIsTokenNotFound(t *testing.T) {
	storage := newTestStorage(t)
	idpClient := &fakeIdPClient{}
	key := make([]byte, vaultcrypto.KeySize)
	engine := New(storage, idpClient, key, 10*24*time.Hour, time.Hour, testLogger())

	_, err := engine.Exchange(context.Background(), "does-not-exist")
	if vaulterr.CodeOf(err) != vaulterr.CodeTokenNotFound {
		t.Fatalf("expected token_not_found, got %v", vaulterr.CodeOf(err))
	}
}

func TestExchangeRejectsPendingEntry(t *testing.T) {
	storage := newTestStorage(t)
	entry, err := storage.Create(context.Background(), vault.CreateParams{
		UserID:         "user-1",
		TokenType:      vault.TokenTypeOffline,
		SessionStateID: "sess-1",
		ExpiresAt:      time.Now().Add(time.Hour),
		Status:         vault.StatusPending,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	idpClient := &fakeIdPClient{}
	key := make([]byte, vaultcrypto.KeySize)
	engine := New(storage, idpClient, key, 10*24*time.Hour, time.Hour, testLogger())

	_, err = engine.Exchange(context.Background(), entry.ID)
	if vaulterr.CodeOf(err) != vaulterr.CodeTokenNotFound {
		t.Fatalf("expected token_not_found for a pending entry, got %v", vaulterr.CodeOf(err))
	}
}

func TestExchangeExpiredEntryIsTokenNotFound(t *testing.T) {
	storage := newTestStorage(t)
	entry, err := storage.Create(context.Background(), vault.CreateParams{
		UserID:         "user-1",
		Token:          "refresh-old",
		TokenType:      vault.TokenTypeOffline,
		SessionStateID: "sess-1",
		ExpiresAt:      time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	idpClient := &fakeIdPClient{}
	key := make([]byte, vaultcrypto.KeySize)
	engine := New(storage, idpClient, key, 10*24*time.Hour, time.Hour, testLogger())

	_, err = engine.Exchange(context.Background(), entry.ID)
	if vaulterr.CodeOf(err) != vaulterr.CodeTokenNotFound {
		t.Fatalf("expected token_not_found for an already-expired entry, got %v", vaulterr.CodeOf(err))
	}
}

func TestMintOfflineFromRefreshCreatesOfflineEntry(t *testing.T) {
	storage := newTestStorage(t)
	id, err := storage.UpsertRefreshToken(context.Background(), vault.UpsertRefreshParams{
		UserID:         "user-1",
		Token:          "refresh-old",
		SessionStateID: "sess-1",
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	idpClient := &fakeIdPClient{offlineResp: &idp.TokenResponse{RefreshToken: "offline-new"}}
	key := make([]byte, vaultcrypto.KeySize)
	engine := New(storage, idpClient, key, 10*24*time.Hour, time.Hour, testLogger())

	offlineEntry, err := engine.MintOfflineFromRefresh(context.Background(), id, "user-1")
	if err != nil {
		t.Fatalf("mint offline from refresh: %v", err)
	}
	if offlineEntry.TokenType != vault.TokenTypeOffline {
		t.Fatalf("expected an offline entry, got %s", offlineEntry.TokenType)
	}
	if offlineEntry.SessionStateID != "sess-1" {
		t.Fatalf("expected the new entry to carry over the session id, got %q", offlineEntry.SessionStateID)
	}
	if len(idpClient.offlineRequested) != 1 || idpClient.offlineRequested[0] != "refresh-old" {
		t.Fatalf("expected the stored plaintext to be sent upstream, got %+v", idpClient.offlineRequested)
	}

	plaintext, err := vaultcrypto.DecryptFromHex(offlineEntry.EncryptedToken, key, mustDecodeHex(t, offlineEntry.IV))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plaintext != "offline-new" {
		t.Fatalf("expected the new offline entry to hold the idp's token, got %q", plaintext)
	}
}

func TestMintOfflineFromRefreshWrongOwnerIsUnauthorized(t *testing.T) {
	storage := newTestStorage(t)
	id, err := storage.UpsertRefreshToken(context.Background(), vault.UpsertRefreshParams{
		UserID:         "user-1",
		Token:          "refresh-old",
		SessionStateID: "sess-1",
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	idpClient := &fakeIdPClient{}
	key := make([]byte, vaultcrypto.KeySize)
	engine := New(storage, idpClient, key, 10*24*time.Hour, time.Hour, testLogger())

	_, err = engine.MintOfflineFromRefresh(context.Background(), id, "someone-else")
	if vaulterr.CodeOf(err) != vaulterr.CodeUnauthorized {
		t.Fatalf("expected unauthorized, got %v", vaulterr.CodeOf(err))
	}
}

func TestMintOfflineFromRefreshNoElevationIsNoRefreshToken(t *testing.T) {
	storage := newTestStorage(t)
	id, err := storage.UpsertRefreshToken(context.Background(), vault.UpsertRefreshParams{
		UserID:         "user-1",
		Token:          "refresh-old",
		SessionStateID: "sess-1",
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	idpClient := &fakeIdPClient{offlineResp: &idp.TokenResponse{AccessToken: "at-only"}}
	key := make([]byte, vaultcrypto.KeySize)
	engine := New(storage, idpClient, key, 10*24*time.Hour, time.Hour, testLogger())

	_, err = engine.MintOfflineFromRefresh(context.Background(), id, "user-1")
	if vaulterr.CodeOf(err) != vaulterr.CodeNoRefreshToken {
		t.Fatalf("expected no_refresh_token, got %v", vaulterr.CodeOf(err))
	}
}

func TestMintOfflineFromRefreshOfflineEntryIsTokenNotFound(t *testing.T) {
	storage := newTestStorage(t)
	entry, err := storage.Create(context.Background(), vault.CreateParams{
		UserID:         "user-1",
		Token:          "off-1",
		TokenType:      vault.TokenTypeOffline,
		SessionStateID: "sess-1",
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	idpClient := &fakeIdPClient{}
	key := make([]byte, vaultcrypto.KeySize)
	engine := New(storage, idpClient, key, 10*24*time.Hour, time.Hour, testLogger())

	_, err = engine.MintOfflineFromRefresh(context.Background(), entry.ID, "user-1")
	if vaulterr.CodeOf(err) != vaulterr.CodeTokenNotFound {
		t.Fatalf("expected token_not_found for a non-refresh entry, got %v", vaulterr.CodeOf(err))
	}
}

func mustDecodeHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("decode hex: %v", err)
	}
	return b
}
