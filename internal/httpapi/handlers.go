package httpapi

import (
	"net/http"
	"net/url"
	"time"

	"github.com/bilalesi/auth-vault/internal/revoke"
	"github.com/bilalesi/auth-vault/internal/vaulterr"
)

// handleValidateToken is a pure probe: reaching this handler at all already
// means requireAuth accepted the bearer token.
func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleRefreshTokenID returns the caller's sign-in-bound refresh entry id,
// the stable handle external systems exchange for access tokens.
func (s *Server) handleRefreshTokenID(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	entry, err := s.storage.GetUserRefreshTokenBySessionID(r.Context(), identity.SessionID)
	if err != nil {
		writeError(w, vaulterr.Wrap(vaulterr.CodeStorageError, "look up refresh entry", err))
		return
	}
	if entry == nil {
		writeError(w, vaulterr.New(vaulterr.CodeTokenNotFound, "no refresh entry for this session"))
		return
	}

	writeJSON(w, http.StatusOK, struct {
		PersistentTokenID string    `json:"persistentTokenId"`
		ExpiresAt         time.Time `json:"expiresAt"`
	}{entry.ID, entry.ExpiresAt})
}

// handleAccessToken exchanges a persistent id (refresh or offline) for a
// fresh access token via the rotation engine.
func (s *Server) handleAccessToken(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, vaulterr.New(vaulterr.CodeInvalidTokenID, "query parameter id is required"))
		return
	}

	result, err := s.exchange.Exchange(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int    `json:"expiresIn"`
	}{result.AccessToken, result.ExpiresIn})
}

// handleOfflineConsent starts the consent redirect flow, stashing task_id
// (when present) on the pending entry's metadata.
func (s *Server) handleOfflineConsent(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	taskID := r.URL.Query().Get("task_id")
	forceConsent := r.URL.Query().Get("force_consent") == "true"

	result, err := s.consent.BeginConsent(r.Context(), identity.UserID, identity.SessionID, taskID, forceConsent)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		ConsentURL        string `json:"consentUrl"`
		PersistentTokenID string `json:"persistentTokenId"`
		StateToken        string `json:"stateToken"`
		Message           string `json:"message"`
	}{result.ConsentURL, result.EntryID, consentURLState(result.ConsentURL), "redirect the browser to consentUrl to continue"})
}

// handleOfflineCallback is the IdP's registered redirect target. It has no
// bearer auth of its own: the minted state token is the authentication.
func (s *Server) handleOfflineCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	idpError := r.URL.Query().Get("error")

	err := s.consent.HandleCallback(r.Context(), code, state, idpError)
	if s.CallbackSuccessURL == "" {
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}

	status := "activated"
	if err != nil {
		status = "failed"
	}
	http.Redirect(w, r, s.CallbackSuccessURL+"?status="+status, http.StatusFound)
}

// handleOfflineTokenIDGet returns the persistent id of the newest offline
// entry bound to the caller's current session.
func (s *Server) handleOfflineTokenIDGet(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	id, err := s.storage.RetrieveUserPersistentIDBySession(r.Context(), identity.SessionID)
	if err != nil {
		writeError(w, vaulterr.Wrap(vaulterr.CodeStorageError, "look up offline entry by session", err))
		return
	}
	if id == "" {
		writeError(w, vaulterr.New(vaulterr.CodeTokenNotFound, "no offline entry for this session"))
		return
	}

	writeJSON(w, http.StatusOK, struct {
		PersistentTokenID string `json:"persistentTokenId"`
		SessionID         string `json:"sessionId"`
	}{id, identity.SessionID})
}

// handleOfflineTokenIDPost silently elevates the caller's existing
// sign-in-bound refresh entry to offline access, skipping the consent
// redirect. Callers whose realm requires a fresh consent screen see this
// fail with no_refresh_token and must fall back to POST /offline-consent.
func (s *Server) handleOfflineTokenIDPost(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	refreshEntry, err := s.storage.GetUserRefreshTokenBySessionID(r.Context(), identity.SessionID)
	if err != nil {
		writeError(w, vaulterr.Wrap(vaulterr.CodeStorageError, "look up refresh entry", err))
		return
	}
	if refreshEntry == nil {
		writeError(w, vaulterr.New(vaulterr.CodeTokenNotFound, "no refresh entry for this session"))
		return
	}

	offlineEntry, err := s.exchange.MintOfflineFromRefresh(r.Context(), refreshEntry.ID, identity.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		PersistentTokenID string `json:"persistentTokenId"`
		SessionID         string `json:"sessionId"`
	}{offlineEntry.ID, offlineEntry.SessionStateID})
}

// handleOfflineTokenIDDelete revokes a single offline token, per §4.7.
func (s *Server) handleOfflineTokenIDDelete(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, vaulterr.New(vaulterr.CodeInvalidTokenID, "query parameter id is required"))
		return
	}

	result, err := s.revoke.RevokeToken(r.Context(), id, identity.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Success bool   `json:"success"`
		Revoked bool   `json:"revoked"`
		Message string `json:"message"`
	}{result.Success, result.SessionRevoked, revokeMessage(result)})
}

// handleInvalidate revokes every token owned by the caller, per §4.7's
// whole-user variant.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	if _, err := s.revoke.InvalidateUser(r.Context(), identity.UserID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
	}{true})
}

func revokeMessage(result *revoke.TokenResult) string {
	if result.SessionRevoked {
		return "token and session revoked"
	}
	if result.TokensWithSameSession > 0 {
		return "token revoked; session kept alive by other offline tokens"
	}
	return "token revoked"
}

// consentURLState pulls the state parameter back out of a freshly-minted
// consent URL so the response body can echo it without the caller having
// to parse it out of consentUrl themselves.
func consentURLState(consentURL string) string {
	u, err := url.Parse(consentURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("state")
}
