// Package vaulttest provides a backend-agnostic conformance suite for
// vault.Storage, adapted from dex's storage/conformance: the same
// run-each-subtest-against-a-fresh-instance shape, generalized from dex's
// per-object-type CRUD tests to the vault's single Entry type and its
// invariants (duplicate-ack-state rejection, at-most-one-refresh-per-session,
// lazy expiry).
package vaulttest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bilalesi/auth-vault/internal/vault"
)

var neverExpire = time.Now().Add(time.Hour * 24 * 365 * 100)

type subTest struct {
	name string
	run  func(t *testing.T, s vault.Storage)
}

// RunTests runs the conformance suite against a storage. newStorage must
// return an initialized, empty backend; it is called once per subtest, and
// the returned Storage is closed when that subtest ends.
func RunTests(t *testing.T, newStorage func() vault.Storage) {
	tests := []subTest{
		{"CreateRetrieveDelete", testCreateRetrieveDelete},
		{"RetrieveUnknownIsNilNil", testRetrieveUnknownIsNilNil},
		{"RetrieveEnforcesExpiry", testRetrieveEnforcesExpiry},
		{"RefreshTokenLookups", testRefreshTokenLookups},
		{"UpsertRefreshTokenPreservesID", testUpsertRefreshTokenPreservesID},
		{"OfflineTokenLifecycle", testOfflineTokenLifecycle},
		{"AckStateUniqueness", testAckStateUniqueness},
		{"AckStateNotFoundOnUnknownID", testAckStateNotFoundOnUnknownID},
		{"DuplicateTokenHash", testDuplicateTokenHash},
		{"RetrieveAllBySessionStateID", testRetrieveAllBySessionStateID},
		{"ListByUserID", testListByUserID},
		{"GarbageCollect", testGarbageCollect},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newStorage()
			defer s.Close()
			test.run(t, s)
		})
	}
}

func testCreateRetrieveDelete(t *testing.T, s vault.Storage) {
	ctx := context.Background()

	e, err := s.Create(ctx, vault.CreateParams{
		UserID:         "user-1",
		Token:          "refresh-token-plaintext",
		TokenType:      vault.TokenTypeRefresh,
		SessionStateID: "session-1",
		ExpiresAt:      neverExpire,
		Metadata:       map[string]interface{}{"client": "task-a"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// A newly created Active entry always has ciphertext, IV, and hash populated.
	if e.Status != vault.StatusActive {
		t.Fatalf("expected new entry to be Active, got %s", e.Status)
	}
	if e.EncryptedToken == "" || e.IV == "" || e.TokenHash == "" {
		t.Fatalf("active entry missing ciphertext/iv/hash: %+v", e)
	}

	got, err := s.Retrieve(ctx, e.ID)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got == nil {
		t.Fatal("expected entry, got nil")
	}
	if got.ID != e.ID || got.UserID != e.UserID || got.EncryptedToken != e.EncryptedToken {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
	if got.Metadata["client"] != "task-a" {
		t.Fatalf("expected metadata to round trip, got %+v", got.Metadata)
	}

	if err := s.Delete(ctx, e.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, e.ID); err != nil {
		t.Fatalf("delete is not idempotent: %v", err)
	}

	got, err = s.Retrieve(ctx, e.ID)
	if err != nil {
		t.Fatalf("retrieve after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected entry gone after delete, got %+v", got)
	}
}

func testRetrieveUnknownIsNilNil(t *testing.T, s vault.Storage) {
	got, err := s.Retrieve(context.Background(), "no-such-id")
	if err != nil {
		t.Fatalf("retrieve unknown id: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func testRetrieveEnforcesExpiry(t *testing.T, s vault.Storage) {
	ctx := context.Background()

	e, err := s.Create(ctx, vault.CreateParams{
		UserID:    "user-1",
		Token:     "expired-token",
		TokenType: vault.TokenTypeRefresh,
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// A read on an expired entry is a miss, regardless of backend.
	got, err := s.Retrieve(ctx, e.ID)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got != nil {
		t.Fatalf("expected expired entry to read as a miss, got %+v", got)
	}
}

func testRefreshTokenLookups(t *testing.T, s vault.Storage) {
	ctx := context.Background()

	e, err := s.Create(ctx, vault.CreateParams{
		UserID:         "user-1",
		Token:          "refresh-token",
		TokenType:      vault.TokenTypeRefresh,
		SessionStateID: "session-1",
		ExpiresAt:      neverExpire,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	byID, err := s.GetUserRefreshTokenByID(ctx, e.ID)
	if err != nil || byID == nil || byID.ID != e.ID {
		t.Fatalf("get by id: got %+v, err %v", byID, err)
	}

	byUser, err := s.GetUserRefreshTokenByUserID(ctx, "user-1")
	if err != nil || byUser == nil || byUser.ID != e.ID {
		t.Fatalf("get by user id: got %+v, err %v", byUser, err)
	}

	bySession, err := s.GetUserRefreshTokenBySessionID(ctx, "session-1")
	if err != nil || bySession == nil || bySession.ID != e.ID {
		t.Fatalf("get by session id: got %+v, err %v", bySession, err)
	}

	// An offline entry must never surface through the refresh lookups.
	offline, err := s.Create(ctx, vault.CreateParams{
		UserID:         "user-2",
		Token:          "offline-token",
		TokenType:      vault.TokenTypeOffline,
		SessionStateID: "session-2",
		ExpiresAt:      neverExpire,
	})
	if err != nil {
		t.Fatalf("create offline: %v", err)
	}
	if got, err := s.GetUserRefreshTokenByID(ctx, offline.ID); err != nil || got != nil {
		t.Fatalf("expected offline entry to be invisible to refresh lookup, got %+v, err %v", got, err)
	}
}

func testUpsertRefreshTokenPreservesID(t *testing.T, s vault.Storage) {
	ctx := context.Background()

	// At most one refresh entry may exist per session; upsert must overwrite
	// rather than accumulate a second row.
	id1, err := s.UpsertRefreshToken(ctx, vault.UpsertRefreshParams{
		UserID:         "user-1",
		Token:          "first-token",
		SessionStateID: "session-upsert",
		ExpiresAt:      neverExpire,
		Metadata:       map[string]interface{}{"a": "1"},
	})
	if err != nil {
		t.Fatalf("upsert insert: %v", err)
	}

	id2, err := s.UpsertRefreshToken(ctx, vault.UpsertRefreshParams{
		UserID:         "user-1",
		Token:          "second-token",
		SessionStateID: "session-upsert",
		ExpiresAt:      neverExpire,
		Metadata:       map[string]interface{}{"b": "2"},
	})
	if err != nil {
		t.Fatalf("upsert update: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected one entry id across upserts for a session, got %s != %s", id1, id2)
	}

	got, err := s.GetUserRefreshTokenBySessionID(ctx, "session-upsert")
	if err != nil {
		t.Fatalf("get by session: %v", err)
	}
	if got == nil {
		t.Fatal("expected an entry")
	}
	if got.Metadata["a"] != "1" || got.Metadata["b"] != "2" {
		t.Fatalf("expected merged metadata across upserts, got %+v", got.Metadata)
	}

	all, err := s.RetrieveAllBySessionStateID(ctx, "session-upsert", "", vault.TokenTypeRefresh)
	if err != nil {
		t.Fatalf("retrieve all by session: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one refresh entry for the session, got %d", len(all))
	}
}

func testAckStateUniqueness(t *testing.T, s vault.Storage) {
	ctx := context.Background()

	e1, err := s.Create(ctx, vault.CreateParams{
		UserID: "user-1", Token: "t1", TokenType: vault.TokenTypeOffline, ExpiresAt: neverExpire,
	})
	if err != nil {
		t.Fatalf("create e1: %v", err)
	}
	e2, err := s.Create(ctx, vault.CreateParams{
		UserID: "user-2", Token: "t2", TokenType: vault.TokenTypeOffline, ExpiresAt: neverExpire,
	})
	if err != nil {
		t.Fatalf("create e2: %v", err)
	}

	if err := s.UpdateAckState(ctx, e1.ID, "ack-shared"); err != nil {
		t.Fatalf("update ack state e1: %v", err)
	}

	// A second entry claiming the same ackState must be rejected.
	if err := s.UpdateAckState(ctx, e2.ID, "ack-shared"); err == nil {
		t.Fatal("expected a collision error when two entries claim the same ack state")
	}

	got, err := s.GetByAckState(ctx, "ack-shared")
	if err != nil {
		t.Fatalf("get by ack state: %v", err)
	}
	if got == nil || got.ID != e1.ID {
		t.Fatalf("expected ack state to resolve to the first claimant, got %+v", got)
	}
}

func testAckStateNotFoundOnUnknownID(t *testing.T, s vault.Storage) {
	err := s.UpdateAckState(context.Background(), "no-such-id", "ack-x")
	if !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating ack state for an unknown id, got %v", err)
	}
}

func testDuplicateTokenHash(t *testing.T, s vault.Storage) {
	ctx := context.Background()

	e1, err := s.Create(ctx, vault.CreateParams{
		UserID: "user-1", Token: "shared-secret", TokenType: vault.TokenTypeRefresh, ExpiresAt: neverExpire,
	})
	if err != nil {
		t.Fatalf("create e1: %v", err)
	}
	e2, err := s.Create(ctx, vault.CreateParams{
		UserID: "user-2", Token: "shared-secret", TokenType: vault.TokenTypeRefresh, ExpiresAt: neverExpire,
	})
	if err != nil {
		t.Fatalf("create e2: %v", err)
	}

	dup, err := s.RetrieveDuplicateTokenHash(ctx, e1.TokenHash, e1.ID)
	if err != nil {
		t.Fatalf("retrieve duplicate: %v", err)
	}
	if !dup {
		t.Fatal("expected e2 to register as a duplicate of e1's hash")
	}

	unique, err := s.RetrieveDuplicateTokenHash(ctx, "no-such-hash", e2.ID)
	if err != nil {
		t.Fatalf("retrieve unique: %v", err)
	}
	if unique {
		t.Fatal("expected no duplicate for an unused hash")
	}
}

func testRetrieveAllBySessionStateID(t *testing.T, s vault.Storage) {
	ctx := context.Background()

	refresh, err := s.Create(ctx, vault.CreateParams{
		UserID: "user-1", Token: "r", TokenType: vault.TokenTypeRefresh,
		SessionStateID: "session-shared", ExpiresAt: neverExpire,
	})
	if err != nil {
		t.Fatalf("create refresh: %v", err)
	}
	offline, err := s.Create(ctx, vault.CreateParams{
		UserID: "user-1", Token: "o", TokenType: vault.TokenTypeOffline,
		SessionStateID: "session-shared", ExpiresAt: neverExpire,
	})
	if err != nil {
		t.Fatalf("create offline: %v", err)
	}

	all, err := s.RetrieveAllBySessionStateID(ctx, "session-shared", "", "")
	if err != nil {
		t.Fatalf("retrieve all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries sharing the session, got %d", len(all))
	}

	onlyOffline, err := s.RetrieveAllBySessionStateID(ctx, "session-shared", "", vault.TokenTypeOffline)
	if err != nil {
		t.Fatalf("retrieve filtered: %v", err)
	}
	if len(onlyOffline) != 1 || onlyOffline[0].ID != offline.ID {
		t.Fatalf("expected only the offline entry, got %+v", onlyOffline)
	}

	excludingRefresh, err := s.RetrieveAllBySessionStateID(ctx, "session-shared", refresh.ID, "")
	if err != nil {
		t.Fatalf("retrieve excluding: %v", err)
	}
	if len(excludingRefresh) != 1 || excludingRefresh[0].ID != offline.ID {
		t.Fatalf("expected only the non-excluded entry, got %+v", excludingRefresh)
	}

	persistentID, err := s.RetrieveUserPersistentIDBySession(ctx, "session-shared")
	if err != nil {
		t.Fatalf("retrieve persistent id by session: %v", err)
	}
	if persistentID != offline.ID {
		t.Fatalf("expected persistent id %s, got %s", offline.ID, persistentID)
	}
}

func testListByUserID(t *testing.T, s vault.Storage) {
	ctx := context.Background()

	if _, err := s.Create(ctx, vault.CreateParams{
		UserID: "user-1", Token: "a", TokenType: vault.TokenTypeRefresh, ExpiresAt: neverExpire,
	}); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := s.Create(ctx, vault.CreateParams{
		UserID: "user-1", Token: "b", TokenType: vault.TokenTypeOffline, ExpiresAt: neverExpire,
	}); err != nil {
		t.Fatalf("create b: %v", err)
	}
	if _, err := s.Create(ctx, vault.CreateParams{
		UserID: "user-2", Token: "c", TokenType: vault.TokenTypeRefresh, ExpiresAt: neverExpire,
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

func testOfflineTokenLifecycle(t *testing.T, s vault.Storage) {
	ctx := context.Background()

	e, err := s.Create(ctx, vault.CreateParams{
		UserID: "user-1", Token: "initial", TokenType: vault.TokenTypeOffline, ExpiresAt: neverExpire,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := s.UpdateOfflineTokenByID(ctx, vault.UpdateOfflineParams{
		PersistentTokenID: e.ID,
		Token:             "rotated",
		Status:            vault.StatusActive,
		SessionStateID:    "session-new",
	})
	if err != nil {
		t.Fatalf("update offline: %v", err)
	}
	if updated.EncryptedToken == e.EncryptedToken {
		t.Fatal("rotation must mint a fresh ciphertext/IV")
	}
	if updated.IV == e.IV {
		t.Fatal("rotation reused the previous IV")
	}
	if updated.SessionStateID != "session-new" {
		t.Fatalf("expected session state id to move with rotation, got %s", updated.SessionStateID)
	}

	extended := time.Now().Add(30 * 24 * time.Hour)
	reExpired, err := s.UpdateOfflineTokenByID(ctx, vault.UpdateOfflineParams{
		PersistentTokenID: e.ID,
		Token:             "rotated-again",
		Status:            vault.StatusActive,
		ExpiresAt:         extended,
	})
	if err != nil {
		t.Fatalf("update offline with new expiry: %v", err)
	}
	if d := reExpired.ExpiresAt.Sub(extended); d < -time.Second || d > time.Second {
		t.Fatalf("expected rotation to extend expiry to ~%v, got %v", extended, reExpired.ExpiresAt)
	}

	if _, err := s.UpdateOfflineTokenByID(ctx, vault.UpdateOfflineParams{
		PersistentTokenID: "no-such-id",
		Status:            vault.StatusFailed,
	}); err == nil {
		t.Fatal("expected an error rotating an unknown persistent token id")
	}
}

func testGarbageCollect(t *testing.T, s vault.Storage) {
	ctx := context.Background()

	expired, err := s.Create(ctx, vault.CreateParams{
		UserID: "user-1", Token: "expired", TokenType: vault.TokenTypeRefresh,
		ExpiresAt: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("create expired: %v", err)
	}
	live, err := s.Create(ctx, vault.CreateParams{
		UserID: "user-2", Token: "live", TokenType: vault.TokenTypeRefresh, ExpiresAt: neverExpire,
	})
	if err != nil {
		t.Fatalf("create live: %v", err)
	}

	// GarbageCollect may be a no-op for backends with native TTL; either
	// way a read of the expired entry must be a miss and the live one intact.
	if _, err := s.GarbageCollect(ctx, time.Now()); err != nil {
		t.Fatalf("garbage collect: %v", err)
	}
	if got, err := s.Retrieve(ctx, expired.ID); err != nil || got != nil {
		t.Fatalf("expected expired entry to read as a miss after GC, got %+v, err %v", got, err)
	}
	if got, err := s.GetUserRefreshTokenByUserID(ctx, "user-2"); err != nil || got == nil || got.ID != live.ID {
		t.Fatalf("expected live entry to survive GC, got %+v, err %v", got, err)
	}
}
