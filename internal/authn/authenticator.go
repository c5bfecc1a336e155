// Package authn extracts and validates the bearer token on inbound
// requests, adapted from dex's clientTokenMiddleware
// (server/auth_middleware.go): the same extract-then-verify shape,
// generalized from local JWT/key verification to a call against the
// external identity provider's introspection endpoint.
package authn

import (
	"context"
	"net/http"
	"strings"

	"github.com/bilalesi/auth-vault/internal/idp"
	"github.com/bilalesi/auth-vault/internal/vault"
	"github.com/bilalesi/auth-vault/internal/vaulterr"
)

// Introspector is the subset of idp.Client the authenticator depends on.
type Introspector interface {
	Introspect(ctx context.Context, accessToken string) (*idp.IntrospectionResponse, error)
}

// Authenticator validates inbound Bearer tokens against the identity
// provider and yields the caller's identity.
type Authenticator struct {
	introspector Introspector
}

// New returns an Authenticator backed by introspector.
func New(introspector Introspector) *Authenticator {
	return &Authenticator{introspector: introspector}
}

// ExtractBearerToken splits an Authorization header value into its bearer
// token, requiring exactly two space-separated parts with the first
// literally equal to "Bearer".
func ExtractBearerToken(header string) (string, error) {
	parts := strings.Split(header, " ")
	if len(parts) != 2 {
		return "", vaulterr.New(vaulterr.CodeMissingBearerToken, "authorization header must be \"Bearer <token>\"")
	}
	if parts[0] != "Bearer" {
		return "", vaulterr.New(vaulterr.CodeMissingBearerToken, "authorization scheme must be Bearer")
	}
	if parts[1] == "" {
		return "", vaulterr.New(vaulterr.CodeMissingBearerToken, "bearer token must not be empty")
	}
	return parts[1], nil
}

// Authenticate extracts the bearer token from r and introspects it at the
// identity provider. It never returns a nil ValidationResult: Invalid
// results carry a machine-readable Reason rather than a Go error, so
// callers cannot accidentally treat an unauthenticated request as 2xx by
// forgetting to check an error return.
func (a *Authenticator) Authenticate(r *http.Request) *vault.ValidationResult {
	token, err := ExtractBearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return &vault.ValidationResult{Valid: false, Reason: string(vaulterr.CodeOf(err))}
	}

	ir, err := a.introspector.Introspect(r.Context(), token)
	if err != nil {
		if vaulterr.CodeOf(err) == vaulterr.CodeTokenNotActive {
			return &vault.ValidationResult{Valid: false, Reason: string(vaulterr.CodeTokenNotActive)}
		}
		return &vault.ValidationResult{Valid: false, Reason: string(vaulterr.CodeTokenIntrospectFailed)}
	}

	return &vault.ValidationResult{
		Valid:       true,
		UserID:      ir.Sub,
		SessionID:   ir.Sid,
		AccessToken: token,
	}
}
