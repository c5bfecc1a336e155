package rediskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redisv8 "github.com/go-redis/redis/v8"

	"github.com/bilalesi/auth-vault/internal/obslog"
	"github.com/bilalesi/auth-vault/internal/vault"
	"github.com/bilalesi/auth-vault/internal/vaultcrypto"
)

const defaultStorageTimeout = 5 * time.Second

// Store is the vault's Redis-backed Storage. Every entry is kept under
// entryKey(id) with a TTL matching its ExpiresAt, so native key expiry does
// most of the expiry enforcement; the secondary indexes below (sorted sets, sets, and
// single-value pointer keys) exist purely to support the lookups
// Storage requires beyond get-by-id, and are pruned lazily whenever a scan
// finds a member whose primary key has already expired.
type Store struct {
	db     redisv8.UniversalClient
	logger obslog.Logger
	key    []byte
}

var _ vault.Storage = (*Store)(nil)

func entryKey(id string) string         { return "token:" + id }
func userSetKey(userID string) string   { return "user:" + userID + ":tokens" }
func sessionSetKey(sessID string) string { return "session:" + sessID + ":entries" }
func ackStateKey(ackState string) string { return "ackstate:" + ackState }
func hashSetKey(tokenHash string) string { return "hash:" + tokenHash }

func (s *Store) Close() error {
	return s.db.Close()
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultStorageTimeout)
}

// ttlFor clamps the TTL passed to Redis to at least one second: a zero or
// negative TTL would make SET's EX option either reject the call or expire
// the key before the write is even visible to other callers.
func ttlFor(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func marshalEntry(e *vault.Entry) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	return string(b), nil
}

func unmarshalEntry(raw string) (*vault.Entry, error) {
	var e vault.Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &e, nil
}

func (s *Store) putEntry(ctx context.Context, e *vault.Entry) error {
	raw, err := marshalEntry(e)
	if err != nil {
		return err
	}
	return s.db.Set(ctx, entryKey(e.ID), raw, ttlFor(e.ExpiresAt)).Err()
}

func (s *Store) getEntry(ctx context.Context, id string) (*vault.Entry, error) {
	raw, err := s.db.Get(ctx, entryKey(id)).Result()
	if errors.Is(err, redisv8.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	e, err := unmarshalEntry(raw)
	if err != nil {
		return nil, err
	}
	if !e.ExpiresAt.After(time.Now()) {
		_, _ = s.db.Del(ctx, entryKey(id)).Result()
		return nil, nil
	}
	return e, nil
}

// indexEntry adds id to every secondary index an entry participates in.
func (s *Store) indexEntry(ctx context.Context, e *vault.Entry) error {
	score := float64(e.CreatedAt.UnixNano())
	pipe := s.db.TxPipeline()
	pipe.ZAdd(ctx, userSetKey(e.UserID), &redisv8.Z{Score: score, Member: e.ID})
	if e.SessionStateID != "" {
		pipe.ZAdd(ctx, sessionSetKey(e.SessionStateID), &redisv8.Z{Score: score, Member: e.ID})
	}
	if e.TokenHash != "" {
		pipe.SAdd(ctx, hashSetKey(e.TokenHash), e.ID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) unindexEntry(ctx context.Context, e *vault.Entry) error {
	pipe := s.db.TxPipeline()
	pipe.ZRem(ctx, userSetKey(e.UserID), e.ID)
	if e.SessionStateID != "" {
		pipe.ZRem(ctx, sessionSetKey(e.SessionStateID), e.ID)
	}
	if e.TokenHash != "" {
		pipe.SRem(ctx, hashSetKey(e.TokenHash), e.ID)
	}
	if e.AckState != "" {
		pipe.Del(ctx, ackStateKey(e.AckState))
	}
	_, err := pipe.Exec(ctx)
	return err
}

// entriesForIDs fetches every id in order, dropping (and best-effort pruning
// from staleIndex, if given) any id whose primary key has already expired.
func (s *Store) entriesForIDs(ctx context.Context, ids []string, staleIndex string) ([]*vault.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = entryKey(id)
	}

	vals, err := s.db.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget entries: %w", err)
	}

	var entries []*vault.Entry
	var stale []string
	for i, v := range vals {
		if v == nil {
			stale = append(stale, ids[i])
			continue
		}
		raw, ok := v.(string)
		if !ok {
			continue
		}
		e, err := unmarshalEntry(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if staleIndex != "" && len(stale) > 0 {
		args := make([]interface{}, len(stale))
		for i, id := range stale {
			args[i] = id
		}
		_, _ = s.db.ZRem(ctx, staleIndex, args...).Result()
	}

	return entries, nil
}

func (s *Store) Create(ctx context.Context, p vault.CreateParams) (*vault.Entry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	status := p.Status
	if status == "" {
		status = vault.StatusActive
	}

	var encryptedToken, ivHex, hash string
	if p.Token != "" {
		iv, err := vaultcrypto.NewIV()
		if err != nil {
			return nil, err
		}
		encryptedToken, err = vaultcrypto.EncryptToHex(p.Token, s.key, iv)
		if err != nil {
			return nil, err
		}
		ivHex = hexEncode(iv)
		hash = vaultcrypto.Hash(p.Token)
	}

	e := &vault.Entry{
		ID:             vault.NewEntryID(),
		UserID:         p.UserID,
		TokenType:      p.TokenType,
		EncryptedToken: encryptedToken,
		IV:             ivHex,
		TokenHash:      hash,
		SessionStateID: p.SessionStateID,
		CreatedAt:      time.Now(),
		ExpiresAt:      p.ExpiresAt,
		Status:         status,
		Metadata:       p.Metadata,
	}

	if err := s.putEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("create entry: %w", err)
	}
	if err := s.indexEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("index entry: %w", err)
	}
	return e, nil
}

func (s *Store) Retrieve(ctx context.Context, id string) (*vault.Entry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return s.getEntry(ctx, id)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	e, err := s.getEntry(ctx, id)
	if err != nil {
		return err
	}
	if e == nil {
		// Already gone (or never existed); idempotent.
		_, _ = s.db.Del(ctx, entryKey(id)).Result()
		return nil
	}
	if err := s.db.Del(ctx, entryKey(id)).Err(); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return s.unindexEntry(ctx, e)
}

func (s *Store) getRefreshFromIDs(ctx context.Context, ids []string) (*vault.Entry, error) {
	entries, err := s.entriesForIDs(ctx, ids, "")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.TokenType == vault.TokenTypeRefresh {
			return e, nil
		}
	}
	return nil, nil
}

func (s *Store) GetUserRefreshTokenByID(ctx context.Context, id string) (*vault.Entry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	e, err := s.getEntry(ctx, id)
	if err != nil || e == nil || e.TokenType != vault.TokenTypeRefresh {
		return nil, err
	}
	return e, nil
}

func (s *Store) GetUserRefreshTokenByUserID(ctx context.Context, userID string) (*vault.Entry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	ids, err := s.db.ZRevRange(ctx, userSetKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get refresh by user: %w", err)
	}
	return s.getRefreshFromIDs(ctx, ids)
}

func (s *Store) GetUserRefreshTokenBySessionID(ctx context.Context, sessionStateID string) (*vault.Entry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	ids, err := s.db.ZRevRange(ctx, sessionSetKey(sessionStateID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get refresh by session: %w", err)
	}
	return s.getRefreshFromIDs(ctx, ids)
}

func (s *Store) UpdateOfflineTokenByID(ctx context.Context, p vault.UpdateOfflineParams) (*vault.Entry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	e, err := s.getEntry(ctx, p.PersistentTokenID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, vault.ErrNotFound
	}

	oldSession := e.SessionStateID

	if e.Metadata == nil {
		e.Metadata = map[string]interface{}{}
	}
	e.Metadata["status"] = string(p.Status)

	if p.Token != "" {
		iv, err := vaultcrypto.NewIV()
		if err != nil {
			return nil, err
		}
		encryptedToken, err := vaultcrypto.EncryptToHex(p.Token, s.key, iv)
		if err != nil {
			return nil, err
		}
		e.EncryptedToken = encryptedToken
		e.IV = hexEncode(iv)
		e.TokenHash = vaultcrypto.Hash(p.Token)
		e.Metadata["tokenActivatedAt"] = time.Now().Format(time.RFC3339)
	}
	e.Status = p.Status
	if p.SessionStateID != "" {
		e.SessionStateID = p.SessionStateID
	}
	if !p.ExpiresAt.IsZero() {
		e.ExpiresAt = p.ExpiresAt
	}

	if err := s.putEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("update offline token: %w", err)
	}

	if oldSession != e.SessionStateID {
		if oldSession != "" {
			_, _ = s.db.ZRem(ctx, sessionSetKey(oldSession), e.ID).Result()
		}
		if e.SessionStateID != "" {
			_, _ = s.db.ZAdd(ctx, sessionSetKey(e.SessionStateID), &redisv8.Z{
				Score: float64(e.CreatedAt.UnixNano()), Member: e.ID,
			}).Result()
		}
	}
	if p.Token != "" {
		_, _ = s.db.SAdd(ctx, hashSetKey(e.TokenHash), e.ID).Result()
	}

	return e, nil
}

func (s *Store) UpsertRefreshToken(ctx context.Context, p vault.UpsertRefreshParams) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	existing, err := func() (*vault.Entry, error) {
		ids, err := s.db.ZRevRange(ctx, sessionSetKey(p.SessionStateID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("lookup existing refresh entry: %w", err)
		}
		return s.getRefreshFromIDs(ctx, ids)
	}()
	if err != nil {
		return "", err
	}

	iv, err := vaultcrypto.NewIV()
	if err != nil {
		return "", err
	}
	encryptedToken, err := vaultcrypto.EncryptToHex(p.Token, s.key, iv)
	if err != nil {
		return "", err
	}
	tokenHash := vaultcrypto.Hash(p.Token)

	if existing == nil {
		e := &vault.Entry{
			ID:             vault.NewEntryID(),
			UserID:         p.UserID,
			TokenType:      vault.TokenTypeRefresh,
			EncryptedToken: encryptedToken,
			IV:             hexEncode(iv),
			TokenHash:      tokenHash,
			SessionStateID: p.SessionStateID,
			CreatedAt:      time.Now(),
			ExpiresAt:      p.ExpiresAt,
			Status:         vault.StatusActive,
			Metadata:       p.Metadata,
		}
		if err := s.putEntry(ctx, e); err != nil {
			return "", fmt.Errorf("upsert refresh token (insert): %w", err)
		}
		if err := s.indexEntry(ctx, e); err != nil {
			return "", fmt.Errorf("index refresh token: %w", err)
		}
		return e.ID, nil
	}

	if existing.Metadata == nil {
		existing.Metadata = map[string]interface{}{}
	}
	for k, v := range p.Metadata {
		existing.Metadata[k] = v
	}
	existing.EncryptedToken = encryptedToken
	existing.IV = hexEncode(iv)
	existing.TokenHash = tokenHash
	existing.ExpiresAt = p.ExpiresAt
	existing.UserID = p.UserID

	if err := s.putEntry(ctx, existing); err != nil {
		return "", fmt.Errorf("upsert refresh token (update): %w", err)
	}
	_, _ = s.db.SAdd(ctx, hashSetKey(tokenHash), existing.ID).Result()
	return existing.ID, nil
}

func (s *Store) RetrieveUserPersistentIDBySession(ctx context.Context, sessionStateID string) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	ids, err := s.db.ZRevRange(ctx, sessionSetKey(sessionStateID), 0, -1).Result()
	if err != nil {
		return "", fmt.Errorf("retrieve persistent id by session: %w", err)
	}
	entries, err := s.entriesForIDs(ctx, ids, sessionSetKey(sessionStateID))
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.TokenType == vault.TokenTypeOffline {
			return e.ID, nil
		}
	}
	return "", nil
}

func (s *Store) RetrieveAllBySessionStateID(ctx context.Context, sessionStateID, excludeID string, tokenType vault.TokenType) ([]*vault.Entry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	ids, err := s.db.ZRevRange(ctx, sessionSetKey(sessionStateID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("retrieve all by session: %w", err)
	}
	entries, err := s.entriesForIDs(ctx, ids, sessionSetKey(sessionStateID))
	if err != nil {
		return nil, err
	}

	var out []*vault.Entry
	for _, e := range entries {
		if excludeID != "" && e.ID == excludeID {
			continue
		}
		if tokenType != "" && e.TokenType != tokenType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) RetrieveDuplicateTokenHash(ctx context.Context, hash, excludeID string) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	ids, err := s.db.SMembers(ctx, hashSetKey(hash)).Result()
	if err != nil {
		return false, fmt.Errorf("retrieve duplicate token hash: %w", err)
	}

	for _, id := range ids {
		if id == excludeID {
			continue
		}
		e, err := s.getEntry(ctx, id)
		if err != nil {
			return false, err
		}
		if e == nil {
			_, _ = s.db.SRem(ctx, hashSetKey(hash), id).Result()
			continue
		}
		return true, nil
	}
	return false, nil
}

func (s *Store) GetByAckState(ctx context.Context, ackState string) (*vault.Entry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	id, err := s.db.Get(ctx, ackStateKey(ackState)).Result()
	if errors.Is(err, redisv8.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get by ack state: %w", err)
	}

	e, err := s.getEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		_, _ = s.db.Del(ctx, ackStateKey(ackState)).Result()
		return nil, nil
	}
	return e, nil
}

func (s *Store) UpdateAckState(ctx context.Context, id, ackState string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	e, err := s.getEntry(ctx, id)
	if err != nil {
		return err
	}
	if e == nil {
		return vault.ErrNotFound
	}

	ttl := ttlFor(e.ExpiresAt)
	ok, err := s.db.SetNX(ctx, ackStateKey(ackState), id, ttl).Result()
	if err != nil {
		return fmt.Errorf("update ack state: %w", err)
	}
	if !ok {
		owner, err := s.db.Get(ctx, ackStateKey(ackState)).Result()
		if err != nil {
			return fmt.Errorf("update ack state: %w", err)
		}
		if owner != id {
			return fmt.Errorf("ack state already in use by another entry")
		}
	}

	if e.AckState != "" && e.AckState != ackState {
		_, _ = s.db.Del(ctx, ackStateKey(e.AckState)).Result()
	}
	e.AckState = ackState
	return s.putEntry(ctx, e)
}

func (s *Store) ListByUserID(ctx context.Context, userID string) ([]*vault.Entry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	ids, err := s.db.ZRevRange(ctx, userSetKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list by user id: %w", err)
	}
	return s.entriesForIDs(ctx, ids, userSetKey(userID))
}

// GarbageCollect is a no-op: every entry key carries its own TTL, so Redis
// itself expires entries without a sweep. Stale secondary-index members are
// pruned lazily whenever a scan touches them.
func (s *Store) GarbageCollect(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0x0F]
	}
	return string(out)
}
