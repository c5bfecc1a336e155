package httpapi

import (
	"context"
	"net/http"

	"github.com/bilalesi/auth-vault/internal/vault"
	"github.com/bilalesi/auth-vault/internal/vaulterr"
)

type identityContextKey struct{}

// requireAuth authenticates the inbound request and rejects it outright
// when the result is Invalid; handlers behind this middleware can assume
// identityFromContext always succeeds.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := s.authenticator.Authenticate(r)
		if !result.Valid {
			writeError(w, vaulterr.New(vaulterr.Code(result.Reason), "authentication failed"))
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey{}, result)
		next(w, r.WithContext(ctx))
	})
}

// identityFromContext returns the caller's validated identity. Only valid
// behind requireAuth.
func identityFromContext(ctx context.Context) *vault.ValidationResult {
	result, _ := ctx.Value(identityContextKey{}).(*vault.ValidationResult)
	return result
}
