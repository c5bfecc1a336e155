package rediskv

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/bilalesi/auth-vault/internal/obslog"
	"github.com/bilalesi/auth-vault/internal/vault"
	"github.com/bilalesi/auth-vault/internal/vaultcrypto"
)

func TestKeyNaming(t *testing.T) {
	if got, want := entryKey("abc"), "token:abc"; got != want {
		t.Errorf("entryKey: got %q want %q", got, want)
	}
	if got, want := userSetKey("u1"), "user:u1:tokens"; got != want {
		t.Errorf("userSetKey: got %q want %q", got, want)
	}
	if got, want := sessionSetKey("s1"), "session:s1:entries"; got != want {
		t.Errorf("sessionSetKey: got %q want %q", got, want)
	}
	if got, want := ackStateKey("ack1"), "ackstate:ack1"; got != want {
		t.Errorf("ackStateKey: got %q want %q", got, want)
	}
	if got, want := hashSetKey("h1"), "hash:h1"; got != want {
		t.Errorf("hashSetKey: got %q want %q", got, want)
	}
}

func TestTTLForClampsToOneSecond(t *testing.T) {
	if got := ttlFor(time.Now().Add(-time.Hour)); got != time.Second {
		t.Errorf("expected 1s floor for an already-expired time, got %v", got)
	}
	if got := ttlFor(time.Now().Add(time.Hour)); got < 59*time.Minute {
		t.Errorf("expected ~1h TTL to pass through, got %v", got)
	}
}

func TestMarshalUnmarshalEntryRoundTrip(t *testing.T) {
	e := &vault.Entry{
		ID:             "id-1",
		UserID:         "user-1",
		TokenType:      vault.TokenTypeOffline,
		EncryptedToken: "deadbeef",
		IV:             "cafebabe",
		TokenHash:      "hash",
		SessionStateID: "sess-1",
		CreatedAt:      time.Now().Truncate(time.Second),
		ExpiresAt:      time.Now().Add(time.Hour).Truncate(time.Second),
		Status:         vault.StatusActive,
		Metadata:       map[string]interface{}{"k": "v"},
	}

	raw, err := marshalEntry(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := unmarshalEntry(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != e.ID || got.UserID != e.UserID || got.EncryptedToken != e.EncryptedToken {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
	if got.Metadata["k"] != "v" {
		t.Fatalf("expected metadata to round trip, got %+v", got.Metadata)
	}
}

// testEnv is the environment variable gating the live-Redis test: opening a
// Store requires a reachable server, so this suite is skipped by default.
const testEnv = "AUTH_VAULT_TEST_REDIS_ADDR"

func newTestStore(t *testing.T) *Store {
	addr := os.Getenv(testEnv)
	if addr == "" {
		t.Skipf("test environment variable %q not set, skipping", testEnv)
	}

	cfg := &Config{Addrs: []string{addr}}
	key := make([]byte, vaultcrypto.KeySize)
	s := cfg.open(obslog.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), key)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLiveRedisCreateRetrieveDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	e, err := s.Create(ctx, vault.CreateParams{
		UserID:    "user-1",
		Token:     "tok",
		TokenType: vault.TokenTypeRefresh,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Retrieve(ctx, e.ID)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got == nil || got.EncryptedToken != e.EncryptedToken {
		t.Fatalf("expected round trip, got %+v", got)
	}

	if err := s.Delete(ctx, e.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, err := s.Retrieve(ctx, e.ID); err != nil || got != nil {
		t.Fatalf("expected deleted entry to be gone, got %+v, err %v", got, err)
	}
}

func TestLiveRedisUpsertRefreshTokenDedup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id1, err := s.UpsertRefreshToken(ctx, vault.UpsertRefreshParams{
		UserID:         "user-1",
		Token:          "first",
		SessionStateID: "session-live-1",
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("upsert insert: %v", err)
	}
	id2, err := s.UpsertRefreshToken(ctx, vault.UpsertRefreshParams{
		UserID:         "user-1",
		Token:          "second",
		SessionStateID: "session-live-1",
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("upsert update: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same id across upserts for one session, got %s != %s", id1, id2)
	}
	_ = s.Delete(ctx, id1)
}
