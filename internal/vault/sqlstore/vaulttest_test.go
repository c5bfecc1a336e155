package sqlstore

import (
	"testing"

	"github.com/bilalesi/auth-vault/internal/vault"
	"github.com/bilalesi/auth-vault/internal/vault/vaulttest"
)

func TestConformance(t *testing.T) {
	vaulttest.RunTests(t, func() vault.Storage {
		return openTestStore(t)
	})
}
