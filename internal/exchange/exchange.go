// Package exchange implements the access-token exchange & rotation engine:
// given a persistent vault id, it decrypts the stored refresh token, asks
// the IdP for a fresh access token, and rotates the stored refresh token in
// place when the IdP mints a new one. Grounded on dex's refresh-token
// handler (server/token_responses.go's refreshWithRefreshToken path): fetch
// the stored token, call the upstream grant, persist what comes back under
// the same caller-visible id.
package exchange

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/bilalesi/auth-vault/internal/idp"
	"github.com/bilalesi/auth-vault/internal/obslog"
	"github.com/bilalesi/auth-vault/internal/vault"
	"github.com/bilalesi/auth-vault/internal/vaultcrypto"
	"github.com/bilalesi/auth-vault/internal/vaulterr"
)

// IdPClient is the subset of idp.Client the exchange engine depends on.
type IdPClient interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*idp.TokenResponse, error)
	RequestOfflineToken(ctx context.Context, refreshToken string) (*idp.TokenResponse, error)
}

// Engine exchanges persistent vault ids for fresh access tokens.
type Engine struct {
	storage    vault.Storage
	idpClient  IdPClient
	key        []byte
	offlineTTL time.Duration
	refreshTTL time.Duration
	logger     obslog.Logger
}

// New returns an Engine. offlineTTL and refreshTTL bound the lifetime a
// rotated entry is given depending on its TokenType.
func New(storage vault.Storage, idpClient IdPClient, key []byte, offlineTTL, refreshTTL time.Duration, logger obslog.Logger) *Engine {
	return &Engine{
		storage:    storage,
		idpClient:  idpClient,
		key:        key,
		offlineTTL: offlineTTL,
		refreshTTL: refreshTTL,
		logger:     logger,
	}
}

// Result is what Exchange returns to the HTTP layer. The refresh token
// itself never appears here.
type Result struct {
	AccessToken string
	ExpiresIn   int
}

// Exchange retrieves the entry for id, decrypts its stored token, and calls
// the IdP's refresh-token grant. If the IdP mints a new refresh token, it is
// persisted in place under the same id before this returns.
func (e *Engine) Exchange(ctx context.Context, id string) (*Result, error) {
	entry, err := e.storage.Retrieve(ctx, id)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.CodeStorageError, "retrieve entry", err)
	}
	if entry == nil {
		// Retrieve deletes expired rows before returning, so an expired id is
		// indistinguishable here from one that never existed; both map to
		// token_not_found rather than token_expired.
		return nil, vaulterr.New(vaulterr.CodeTokenNotFound, "no entry for this id")
	}
	if entry.Status != vault.StatusActive {
		return nil, vaulterr.New(vaulterr.CodeTokenNotFound, "entry is "+string(entry.Status)+", not active")
	}

	iv, err := hex.DecodeString(entry.IV)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.CodeDecryptionFailed, "decode stored iv", err)
	}
	plaintext, err := vaultcrypto.DecryptFromHex(entry.EncryptedToken, e.key, iv)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.CodeDecryptionFailed, "decrypt stored token", err)
	}

	tr, err := e.idpClient.RefreshAccessToken(ctx, plaintext)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.CodeKeycloakError, "refresh access token", err)
	}

	if tr.RefreshToken != "" {
		if err := e.rotate(ctx, entry, tr); err != nil {
			return nil, err
		}
	}

	return &Result{AccessToken: tr.AccessToken, ExpiresIn: tr.ExpiresIn}, nil
}

// rotate persists the IdP's newly-minted refresh token under entry's
// caller-visible id: UpsertRefreshToken for sign-in-bound entries (keyed on
// session), UpdateOfflineTokenByID for offline entries (keyed on id), so
// external callers never have to re-learn a handle after a rotation.
func (e *Engine) rotate(ctx context.Context, entry *vault.Entry, tr *idp.TokenResponse) error {
	ttl := e.refreshTTL
	if entry.TokenType == vault.TokenTypeOffline {
		ttl = e.offlineTTL
	}
	expiresAt := time.Now().Add(ttl)
	metadata := mergeUpdatedAt(entry.Metadata)

	if entry.TokenType == vault.TokenTypeOffline {
		if _, err := e.storage.UpdateOfflineTokenByID(ctx, vault.UpdateOfflineParams{
			PersistentTokenID: entry.ID,
			Token:             tr.RefreshToken,
			Status:            vault.StatusActive,
			SessionStateID:    entry.SessionStateID,
			ExpiresAt:         expiresAt,
		}); err != nil {
			return vaulterr.Wrap(vaulterr.CodeStorageError, "rotate offline token", err)
		}
		return nil
	}

	if _, err := e.storage.UpsertRefreshToken(ctx, vault.UpsertRefreshParams{
		UserID:         entry.UserID,
		Token:          tr.RefreshToken,
		SessionStateID: entry.SessionStateID,
		ExpiresAt:      expiresAt,
		Metadata:       metadata,
	}); err != nil {
		return vaulterr.Wrap(vaulterr.CodeStorageError, "rotate refresh token", err)
	}
	return nil
}

// MintOfflineFromRefresh elevates an existing sign-in-bound refresh entry to
// offline access without a consent redirect, for realms that grant scope
// elevation silently. It fails the way RequestOfflineToken fails: the caller
// falls back to the full consent flow (C5) when this does not carry a
// refresh_token.
func (e *Engine) MintOfflineFromRefresh(ctx context.Context, refreshEntryID, callerUserID string) (*vault.Entry, error) {
	entry, err := e.storage.Retrieve(ctx, refreshEntryID)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.CodeStorageError, "retrieve entry", err)
	}
	if entry == nil || entry.TokenType != vault.TokenTypeRefresh {
		return nil, vaulterr.New(vaulterr.CodeTokenNotFound, "no refresh entry for this id")
	}
	if entry.UserID != callerUserID {
		return nil, vaulterr.New(vaulterr.CodeUnauthorized, "entry does not belong to the caller")
	}

	iv, err := hex.DecodeString(entry.IV)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.CodeDecryptionFailed, "decode stored iv", err)
	}
	plaintext, err := vaultcrypto.DecryptFromHex(entry.EncryptedToken, e.key, iv)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.CodeDecryptionFailed, "decrypt stored token", err)
	}

	tr, err := e.idpClient.RequestOfflineToken(ctx, plaintext)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.CodeKeycloakError, "request offline token", err)
	}
	if tr.RefreshToken == "" {
		return nil, vaulterr.New(vaulterr.CodeNoRefreshToken, "idp did not elevate to offline access silently")
	}

	offlineEntry, err := e.storage.Create(ctx, vault.CreateParams{
		UserID:         entry.UserID,
		Token:          tr.RefreshToken,
		TokenType:      vault.TokenTypeOffline,
		SessionStateID: entry.SessionStateID,
		ExpiresAt:      time.Now().Add(e.offlineTTL),
		Status:         vault.StatusActive,
	})
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.CodeStorageError, "create offline entry", err)
	}
	return offlineEntry, nil
}

func mergeUpdatedAt(metadata map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		merged[k] = v
	}
	merged["updatedAt"] = time.Now().UTC().Format(time.RFC3339)
	return merged
}
