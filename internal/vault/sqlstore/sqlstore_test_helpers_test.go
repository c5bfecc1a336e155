package sqlstore

import (
	"io"
	"log/slog"
	"testing"

	"github.com/bilalesi/auth-vault/internal/obslog"
	"github.com/bilalesi/auth-vault/internal/vaultcrypto"
)

func testLogger() obslog.Logger {
	return obslog.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// openTestStore opens a fresh in-memory SQLite-backed Store for a single
// test, with a random encryption key.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	sqlite := &SQLite3{File: ":memory:"}
	c, err := sqlite.Open(testLogger())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { c.db.Close() })

	key := make([]byte, vaultcrypto.KeySize)
	return New(c, key)
}
