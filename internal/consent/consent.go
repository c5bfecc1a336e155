// Package consent implements the offline-access consent state machine: it
// pre-creates a pending vault entry, mints the IdP redirect, and reconciles
// the returned authorization code with that entry on callback. Grounded on
// dex's AuthRequest flow (server/authorizationhandlers.go): create a
// pending record before redirecting, reconcile it on return, generalized
// from dex's own-protocol auth code to brokering a third-party IdP's code
// on the caller's behalf.
package consent

import (
	"context"
	"time"

	"github.com/bilalesi/auth-vault/internal/idp"
	"github.com/bilalesi/auth-vault/internal/obslog"
	"github.com/bilalesi/auth-vault/internal/vault"
	"github.com/bilalesi/auth-vault/internal/vaulterr"
)

// IdPClient is the subset of idp.Client the consent flow depends on.
type IdPClient interface {
	AuthCodeURL(redirectURI, state string, forceConsent bool) string
	ExchangeAuthorizationCode(ctx context.Context, code, redirectURI string) (*idp.TokenResponse, error)
}

// Coordinator drives the consent state machine.
type Coordinator struct {
	storage     vault.Storage
	idpClient   IdPClient
	redirectURL string
	offlineTTL  time.Duration
	logger      obslog.Logger
}

// New returns a Coordinator. redirectURL is the fixed callback URL
// registered with the IdP; offlineTTL bounds how long a Pending entry may
// wait for its callback before read-time eviction reclaims it.
func New(storage vault.Storage, idpClient IdPClient, redirectURL string, offlineTTL time.Duration, logger obslog.Logger) *Coordinator {
	return &Coordinator{
		storage:     storage,
		idpClient:   idpClient,
		redirectURL: redirectURL,
		offlineTTL:  offlineTTL,
		logger:      logger,
	}
}

// BeginResult is what BeginConsent returns to the HTTP layer.
type BeginResult struct {
	ConsentURL string
	EntryID    string
}

// BeginConsent creates a Pending offline entry, mints a state token over
// it, and returns the fully-qualified IdP authorization URL the caller
// should redirect the browser to.
func (c *Coordinator) BeginConsent(ctx context.Context, userID, sessionStateID, taskID string, forceConsent bool) (*BeginResult, error) {
	metadata := map[string]interface{}{}
	if taskID != "" {
		metadata["taskId"] = taskID
	}
	entry, err := c.storage.Create(ctx, vault.CreateParams{
		UserID:         userID,
		TokenType:      vault.TokenTypeOffline,
		SessionStateID: sessionStateID,
		ExpiresAt:      time.Now().Add(c.offlineTTL),
		Status:         vault.StatusPending,
		Metadata:       metadata,
	})
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.CodeStorageError, "create pending entry", err)
	}

	state := vault.EncodeStateToken(vault.StateToken{UserID: userID, SessionStateID: sessionStateID})
	if err := c.storage.UpdateAckState(ctx, entry.ID, state); err != nil {
		return nil, vaulterr.Wrap(vaulterr.CodeStorageError, "index ack state", err)
	}

	return &BeginResult{
		ConsentURL: c.idpClient.AuthCodeURL(c.redirectURL, state, forceConsent),
		EntryID:    entry.ID,
	}, nil
}

// HandleCallback reconciles the IdP's redirect back to our callback: it
// resolves the pending entry from the state token, exchanges the
// authorization code, and promotes the entry to Active or Failed.
//
// Repeated callbacks for the same ackState are idempotent: once the entry
// has left Pending, a second callback is a no-op rather than a downgrade.
func (c *Coordinator) HandleCallback(ctx context.Context, code, state, idpError string) error {
	if _, err := vault.ParseStateToken(state); err != nil {
		return vaulterr.Wrap(vaulterr.CodeInvalidRequest, "malformed state token", err)
	}

	entry, err := c.storage.GetByAckState(ctx, state)
	if err != nil {
		return vaulterr.Wrap(vaulterr.CodeStorageError, "look up entry by ack state", err)
	}
	if entry == nil {
		return vaulterr.New(vaulterr.CodeTokenNotFound, "no pending entry for this ack state")
	}

	if entry.Status != vault.StatusPending {
		// Already reconciled by an earlier callback for this ackState.
		return nil
	}

	if idpError != "" {
		if _, err := c.storage.UpdateOfflineTokenByID(ctx, vault.UpdateOfflineParams{
			PersistentTokenID: entry.ID,
			Status:            vault.StatusFailed,
		}); err != nil {
			return vaulterr.Wrap(vaulterr.CodeStorageError, "mark entry failed", err)
		}
		return vaulterr.New(vaulterr.CodeKeycloakError, "idp returned an error: "+idpError)
	}

	tr, err := c.idpClient.ExchangeAuthorizationCode(ctx, code, c.redirectURL)
	if err != nil || tr.RefreshToken == "" {
		if _, updateErr := c.storage.UpdateOfflineTokenByID(ctx, vault.UpdateOfflineParams{
			PersistentTokenID: entry.ID,
			Status:            vault.StatusFailed,
		}); updateErr != nil {
			c.logger.Errorf("consent: mark entry %s failed: %v", entry.ID, updateErr)
		}
		if err != nil {
			return vaulterr.Wrap(vaulterr.CodeKeycloakError, "exchange authorization code", err)
		}
		return vaulterr.New(vaulterr.CodeKeycloakError, "idp response missing refresh_token")
	}

	if _, err := c.storage.UpdateOfflineTokenByID(ctx, vault.UpdateOfflineParams{
		PersistentTokenID: entry.ID,
		Token:             tr.RefreshToken,
		Status:            vault.StatusActive,
		SessionStateID:    tr.SessionState,
	}); err != nil {
		return vaulterr.Wrap(vaulterr.CodeStorageError, "activate entry", err)
	}
	return nil
}
