// Package revoke implements the revocation coordinator: tearing down a
// single offline token (considering same-session co-tenancy before touching
// the upstream IdP session; token hashes are not compared) and the whole-user
// invalidate sweep. Grounded on dex's refresh-token revocation handler
// (server/handlers.go's handleInvalidateRefreshToken-style delete-then-notify
// shape), generalized to a second, upstream-session-aware variant.
package revoke

import (
	"context"
	"encoding/hex"

	"github.com/bilalesi/auth-vault/internal/obslog"
	"github.com/bilalesi/auth-vault/internal/vault"
	"github.com/bilalesi/auth-vault/internal/vaultcrypto"
	"github.com/bilalesi/auth-vault/internal/vaulterr"
)

// IdPClient is the subset of idp.Client the revocation coordinator depends on.
type IdPClient interface {
	Revoke(ctx context.Context, token string) error
	RevokeSession(ctx context.Context, sessionID string) error
}

// Coordinator revokes vault entries and, where appropriate, the IdP-side
// session or token backing them.
type Coordinator struct {
	storage   vault.Storage
	idpClient IdPClient
	key       []byte
	logger    obslog.Logger
}

// New returns a Coordinator.
func New(storage vault.Storage, idpClient IdPClient, key []byte, logger obslog.Logger) *Coordinator {
	return &Coordinator{storage: storage, idpClient: idpClient, key: key, logger: logger}
}

// TokenResult is what RevokeToken returns to the HTTP layer.
type TokenResult struct {
	Success               bool
	SessionRevoked        bool
	TokensWithSameSession int
}

// RevokeToken deletes the offline entry for id, owned by callerUserID, and
// tears down the upstream IdP session when it is the last offline entry
// sharing that session. The vault delete happens before the IdP side
// effect, so a crash mid-operation leaves the vault in the tighter state.
func (c *Coordinator) RevokeToken(ctx context.Context, id, callerUserID string) (*TokenResult, error) {
	entry, err := c.storage.Retrieve(ctx, id)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.CodeStorageError, "retrieve entry", err)
	}
	if entry == nil {
		return nil, vaulterr.New(vaulterr.CodeTokenNotFound, "no entry for this id")
	}
	if entry.UserID != callerUserID {
		return nil, vaulterr.New(vaulterr.CodeUnauthorized, "entry does not belong to the caller")
	}
	if entry.TokenType != vault.TokenTypeOffline {
		return nil, vaulterr.New(vaulterr.CodeInvalidTokenType, "only offline tokens may be revoked this way")
	}
	if entry.EncryptedToken == "" || entry.SessionStateID == "" {
		return nil, vaulterr.New(vaulterr.CodeInvalidTokenType, "entry has no ciphertext or session to revoke")
	}

	otherSameSession, err := c.storage.RetrieveAllBySessionStateID(ctx, entry.SessionStateID, entry.ID, vault.TokenTypeOffline)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.CodeStorageError, "check session co-tenancy", err)
	}

	if err := c.storage.Delete(ctx, entry.ID); err != nil {
		return nil, vaulterr.Wrap(vaulterr.CodeStorageError, "delete entry", err)
	}

	result := &TokenResult{Success: true, TokensWithSameSession: len(otherSameSession)}
	if len(otherSameSession) == 0 {
		if err := c.idpClient.RevokeSession(ctx, entry.SessionStateID); err != nil {
			c.logger.Warnf("revoke: session revoke failed for %s: %v", entry.SessionStateID, err)
		} else {
			result.SessionRevoked = true
		}
	}
	return result, nil
}

// InvalidateUser revokes and deletes every vault entry owned by userID.
// Each entry is best-effort revoked at the IdP and then deleted regardless
// of whether the IdP call succeeded; one entry's IdP failure never blocks
// the sweep over the rest.
func (c *Coordinator) InvalidateUser(ctx context.Context, userID string) (int, error) {
	entries, err := c.storage.ListByUserID(ctx, userID)
	if err != nil {
		return 0, vaulterr.Wrap(vaulterr.CodeStorageError, "list entries", err)
	}

	for _, entry := range entries {
		if entry.EncryptedToken != "" {
			if iv, decErr := hex.DecodeString(entry.IV); decErr == nil {
				if plaintext, plainErr := vaultcrypto.DecryptFromHex(entry.EncryptedToken, c.key, iv); plainErr == nil {
					if revokeErr := c.idpClient.Revoke(ctx, plaintext); revokeErr != nil {
						c.logger.Warnf("revoke: idp revoke failed for entry %s: %v", entry.ID, revokeErr)
					}
				} else {
					c.logger.Warnf("revoke: decrypt failed for entry %s: %v", entry.ID, plainErr)
				}
			}
		}
		if err := c.storage.Delete(ctx, entry.ID); err != nil {
			c.logger.Errorf("revoke: delete failed for entry %s: %v", entry.ID, err)
		}
	}
	return len(entries), nil
}
