package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bilalesi/auth-vault/internal/vault"
)

func TestCreateAndRetrieveRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	e, err := s.Create(ctx, vault.CreateParams{
		UserID:         "user-1",
		Token:          "super-secret-refresh-token",
		TokenType:      vault.TokenTypeRefresh,
		SessionStateID: "session-1",
		ExpiresAt:      time.Now().Add(time.Hour),
		Metadata:       map[string]interface{}{"source": "test"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.EncryptedToken == "" || e.IV == "" || e.TokenHash == "" {
		t.Fatalf("expected encrypted token/iv/hash to be populated, got %+v", e)
	}

	got, err := s.Retrieve(ctx, e.ID)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got == nil {
		t.Fatal("expected entry, got nil")
	}
	if got.UserID != e.UserID || got.EncryptedToken != e.EncryptedToken || got.IV != e.IV {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
	if got.Metadata["source"] != "test" {
		t.Fatalf("expected metadata to round trip, got %+v", got.Metadata)
	}
}

func TestRetrieveUnknownIDReturnsNilNil(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	got, err := s.Retrieve(ctx, "does-not-exist")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestRetrieveExpiredEntryIsLazilyDeleted(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	e, err := s.Create(ctx, vault.CreateParams{
		UserID:    "user-1",
		Token:     "tok",
		TokenType: vault.TokenTypeRefresh,
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Retrieve(ctx, e.ID)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got != nil {
		t.Fatalf("expected expired entry to read as a miss, got %+v", got)
	}

	var count int
	if err := s.QueryRow(`select count(*) from auth_vault where id = $1`, e.ID).Scan(&count); err != nil {
		t.Fatalf("query after lazy delete: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected expired row to be deleted on read, found %d", count)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	e, err := s.Create(ctx, vault.CreateParams{
		UserID:    "user-1",
		Token:     "tok",
		TokenType: vault.TokenTypeRefresh,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.Delete(ctx, e.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, e.ID); err != nil {
		t.Fatalf("second delete should be a no-op, got: %v", err)
	}

	got, err := s.Retrieve(ctx, e.ID)
	if err != nil {
		t.Fatalf("retrieve after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected entry gone, got %+v", got)
	}
}

func TestUpsertRefreshTokenInsertsThenUpdates(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id1, err := s.UpsertRefreshToken(ctx, vault.UpsertRefreshParams{
		UserID:         "user-1",
		Token:          "first-token",
		SessionStateID: "session-1",
		ExpiresAt:      time.Now().Add(time.Hour),
		Metadata:       map[string]interface{}{"a": "1"},
	})
	if err != nil {
		t.Fatalf("upsert insert: %v", err)
	}

	id2, err := s.UpsertRefreshToken(ctx, vault.UpsertRefreshParams{
		UserID:         "user-1",
		Token:          "second-token",
		SessionStateID: "session-1",
		ExpiresAt:      time.Now().Add(2 * time.Hour),
		Metadata:       map[string]interface{}{"b": "2"},
	})
	if err != nil {
		t.Fatalf("upsert update: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same entry id across upserts for one session, got %s != %s", id1, id2)
	}

	got, err := s.GetUserRefreshTokenBySessionID(ctx, "session-1")
	if err != nil {
		t.Fatalf("get by session: %v", err)
	}
	if got == nil {
		t.Fatal("expected entry")
	}
	if got.Metadata["a"] != "1" || got.Metadata["b"] != "2" {
		t.Fatalf("expected merged metadata, got %+v", got.Metadata)
	}
}

func TestUpdateOfflineTokenByIDTransitionsStatusAndReencrypts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	e, err := s.Create(ctx, vault.CreateParams{
		UserID:    "user-1",
		Token:     "initial",
		TokenType: vault.TokenTypeOffline,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := s.UpdateOfflineTokenByID(ctx, vault.UpdateOfflineParams{
		PersistentTokenID: e.ID,
		Token:             "rotated",
		Status:            vault.StatusActive,
		SessionStateID:    "session-2",
	})
	if err != nil {
		t.Fatalf("update offline: %v", err)
	}
	if updated.EncryptedToken == e.EncryptedToken {
		t.Fatal("expected a fresh ciphertext after rotation")
	}
	if updated.SessionStateID != "session-2" {
		t.Fatalf("expected session state id to update, got %s", updated.SessionStateID)
	}
	if updated.Metadata["status"] != string(vault.StatusActive) {
		t.Fatalf("expected status recorded in metadata, got %+v", updated.Metadata)
	}
}

func TestUpdateOfflineTokenByIDUnknownIDReturnsErrNotFound(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.UpdateOfflineTokenByID(ctx, vault.UpdateOfflineParams{
		PersistentTokenID: "does-not-exist",
		Status:            vault.StatusFailed,
	})
	if !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown persistent token id, got %v", err)
	}
}

func TestGetAndUpdateAckState(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	e, err := s.Create(ctx, vault.CreateParams{
		UserID:    "user-1",
		Token:     "tok",
		TokenType: vault.TokenTypeOffline,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.UpdateAckState(ctx, e.ID, "ack-1"); err != nil {
		t.Fatalf("update ack state: %v", err)
	}

	got, err := s.GetByAckState(ctx, "ack-1")
	if err != nil {
		t.Fatalf("get by ack state: %v", err)
	}
	if got == nil || got.ID != e.ID {
		t.Fatalf("expected entry %s, got %+v", e.ID, got)
	}
}

func TestUpdateAckStateUnknownIDReturnsErrNotFound(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	err := s.UpdateAckState(ctx, "does-not-exist", "ack-x")
	if !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetrieveDuplicateTokenHash(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	e1, err := s.Create(ctx, vault.CreateParams{
		UserID: "user-1", Token: "shared-secret", TokenType: vault.TokenTypeRefresh,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create e1: %v", err)
	}
	e2, err := s.Create(ctx, vault.CreateParams{
		UserID: "user-2", Token: "shared-secret", TokenType: vault.TokenTypeRefresh,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create e2: %v", err)
	}

	dup, err := s.RetrieveDuplicateTokenHash(ctx, e1.TokenHash, e1.ID)
	if err != nil {
		t.Fatalf("retrieve duplicate: %v", err)
	}
	if !dup {
		t.Fatal("expected a duplicate hash to be reported")
	}

	dup, err = s.RetrieveDuplicateTokenHash(ctx, e2.TokenHash, e2.ID)
	if err != nil {
		t.Fatalf("retrieve duplicate self-excluded: %v", err)
	}
	if !dup {
		t.Fatal("expected e1 to still count as a duplicate when excluding e2")
	}
}

func TestRetrieveAllBySessionStateIDFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	refresh, err := s.Create(ctx, vault.CreateParams{
		UserID: "user-1", Token: "r", TokenType: vault.TokenTypeRefresh,
		SessionStateID: "session-1", ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create refresh: %v", err)
	}
	offline, err := s.Create(ctx, vault.CreateParams{
		UserID: "user-1", Token: "o", TokenType: vault.TokenTypeOffline,
		SessionStateID: "session-1", ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create offline: %v", err)
	}

	all, err := s.RetrieveAllBySessionStateID(ctx, "session-1", "", "")
	if err != nil {
		t.Fatalf("retrieve all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}

	onlyOffline, err := s.RetrieveAllBySessionStateID(ctx, "session-1", "", vault.TokenTypeOffline)
	if err != nil {
		t.Fatalf("retrieve filtered: %v", err)
	}
	if len(onlyOffline) != 1 || onlyOffline[0].ID != offline.ID {
		t.Fatalf("expected only the offline entry, got %+v", onlyOffline)
	}

	excludingRefresh, err := s.RetrieveAllBySessionStateID(ctx, "session-1", refresh.ID, "")
	if err != nil {
		t.Fatalf("retrieve excluding: %v", err)
	}
	if len(excludingRefresh) != 1 || excludingRefresh[0].ID != offline.ID {
		t.Fatalf("expected only the non-excluded entry, got %+v", excludingRefresh)
	}
}

func TestListByUserID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.Create(ctx, vault.CreateParams{
		UserID: "user-1", Token: "a", TokenType: vault.TokenTypeRefresh,
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := s.Create(ctx, vault.CreateParams{
		UserID: "user-1", Token: "b", TokenType: vault.TokenTypeOffline,
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("create b: %v", err)
	}
	if _, err := s.Create(ctx, vault.CreateParams{
		UserID: "user-2", Token: "c", TokenType: vault.TokenTypeRefresh,
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("create c: %v", err)
	}

	entries, err := s.ListByUserID(ctx, "user-1")
	if err != nil {
		t.Fatalf("list by user id: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for user-1, got %d", len(entries))
	}
}

func TestRetrieveUserPersistentIDBySession(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.RetrieveUserPersistentIDBySession(ctx, "no-such-session")
	if err != nil {
		t.Fatalf("retrieve persistent id: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty id for unknown session, got %q", id)
	}

	e, err := s.Create(ctx, vault.CreateParams{
		UserID: "user-1", Token: "o", TokenType: vault.TokenTypeOffline,
		SessionStateID: "session-1", ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create offline: %v", err)
	}

	id, err = s.RetrieveUserPersistentIDBySession(ctx, "session-1")
	if err != nil {
		t.Fatalf("retrieve persistent id: %v", err)
	}
	if id != e.ID {
		t.Fatalf("expected %s, got %s", e.ID, id)
	}
}
