// Package httpapi wires the authenticator, consent coordinator, exchange
// engine, and revocation coordinator onto the service's HTTP surface.
// Grounded on dex's server.NewServer router construction
// (server/server.go): a gorilla/mux router built from a flat table of
// path/handler pairs, generalized from dex's OIDC protocol endpoints to the
// vault's own contract.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/bilalesi/auth-vault/internal/consent"
	"github.com/bilalesi/auth-vault/internal/exchange"
	"github.com/bilalesi/auth-vault/internal/obslog"
	"github.com/bilalesi/auth-vault/internal/revoke"
	"github.com/bilalesi/auth-vault/internal/vault"
)

// Authenticator is the subset of authn.Authenticator the HTTP layer
// depends on.
type Authenticator interface {
	Authenticate(r *http.Request) *vault.ValidationResult
}

// Server holds every component the HTTP surface dispatches to. Nothing here
// is an in-memory cache of vault state; every handler reads through to
// storage or the IdP.
type Server struct {
	authenticator Authenticator
	consent       *consent.Coordinator
	exchange      *exchange.Engine
	revoke        *revoke.Coordinator
	storage       vault.Storage
	logger        obslog.Logger

	// CallbackSuccessURL is where the browser is redirected after
	// handleOfflineCallback resolves the entry to Active or Failed; the
	// outcome is appended as a `status` query parameter.
	CallbackSuccessURL string
}

// New returns a Server ready to be mounted with NewRouter.
func New(authenticator Authenticator, consentCoordinator *consent.Coordinator, exchangeEngine *exchange.Engine, revokeCoordinator *revoke.Coordinator, storage vault.Storage, logger obslog.Logger) *Server {
	return &Server{
		authenticator: authenticator,
		consent:       consentCoordinator,
		exchange:      exchangeEngine,
		revoke:        revokeCoordinator,
		storage:       storage,
		logger:        logger,
	}
}

// NewRouter builds the mux.Router exposing every endpoint in the service's
// stable HTTP contract.
func NewRouter(s *Server) *mux.Router {
	r := mux.NewRouter().SkipClean(true)
	r.NotFoundHandler = http.NotFoundHandler()

	r.Handle("/validate-token", s.requireAuth(s.handleValidateToken)).Methods(http.MethodGet)
	r.Handle("/refresh-token-id", s.requireAuth(s.handleRefreshTokenID)).Methods(http.MethodGet)
	r.Handle("/access-token", s.requireAuth(s.handleAccessToken)).Methods(http.MethodGet)
	r.Handle("/offline-consent", s.requireAuth(s.handleOfflineConsent)).Methods(http.MethodPost)
	r.HandleFunc("/offline-callback", s.handleOfflineCallback).Methods(http.MethodGet)
	r.Handle("/offline-token-id", s.requireAuth(s.handleOfflineTokenIDGet)).Methods(http.MethodGet)
	r.Handle("/offline-token-id", s.requireAuth(s.handleOfflineTokenIDPost)).Methods(http.MethodPost)
	r.Handle("/offline-token-id", s.requireAuth(s.handleOfflineTokenIDDelete)).Methods(http.MethodDelete)
	r.Handle("/invalidate", s.requireAuth(s.handleInvalidate)).Methods(http.MethodPost)

	return r
}
