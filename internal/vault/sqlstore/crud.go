package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bilalesi/auth-vault/internal/vault"
	"github.com/bilalesi/auth-vault/internal/vaultcrypto"
)

// encoder wraps a value in a JSON marshaler the database/sql package calls
// automatically on Exec/Query argument binding.
func encoder(i interface{}) driver.Valuer {
	return jsonEncoder{i}
}

// decoder wraps a value in a JSON unmarshaler usable with Scan().
func decoder(i interface{}) sql.Scanner {
	return jsonDecoder{i}
}

type jsonEncoder struct{ i interface{} }

func (j jsonEncoder) Value() (driver.Value, error) {
	b, err := json.Marshal(j.i)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return b, nil
}

type jsonDecoder struct{ i interface{} }

func (j jsonDecoder) Scan(dest interface{}) error {
	if dest == nil {
		return errors.New("nil value")
	}
	b, ok := dest.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte got %T", dest)
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, j.i); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

var _ vault.Storage = (*Store)(nil)

// Store adapts a *conn to vault.Storage, encrypting/decrypting token
// plaintext at the boundary with a process-wide key, the same way the
// contract requires.
type Store struct {
	*conn
	key []byte
}

// New wraps an opened *conn with the vault's encryption key.
func New(c *conn, key []byte) *Store {
	return &Store{conn: c, key: key}
}

const entryColumns = `id, user_id, token_type, encrypted_token, iv, token_hash,
	session_state_id, created_at, expires_at, status, task_id, ack_state, metadata`

func scanEntry(row scanner) (*vault.Entry, error) {
	var e vault.Entry
	e.Metadata = map[string]interface{}{}
	if err := row.Scan(
		&e.ID, &e.UserID, &e.TokenType, &e.EncryptedToken, &e.IV, &e.TokenHash,
		&e.SessionStateID, &e.CreatedAt, &e.ExpiresAt, &e.Status, &e.TaskID, &e.AckState, decoder(&e.Metadata),
	); err != nil {
		return nil, err
	}
	return &e, nil
}

// Abstract row vs rows for scanEntry.
type scanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) Create(ctx context.Context, p vault.CreateParams) (*vault.Entry, error) {
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
		CreatedAt:      now(),
		ExpiresAt:      p.ExpiresAt,
		Status:         status,
		Metadata:       p.Metadata,
	}

	_, err := s.Exec(`
		insert into auth_vault (`+entryColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, e.ID, e.UserID, e.TokenType, e.EncryptedToken, e.IV, e.TokenHash,
		e.SessionStateID, e.CreatedAt, e.ExpiresAt, e.Status, e.TaskID, e.AckState, encoder(e.Metadata))
	if err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}
	return e, nil
}

func (s *Store) Retrieve(ctx context.Context, id string) (*vault.Entry, error) {
	row := s.QueryRow(`select `+entryColumns+` from auth_vault where id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve entry: %w", err)
	}

	if !e.ExpiresAt.After(now()) {
		_, _ = s.Exec(`delete from auth_vault where id = $1`, id)
		return nil, nil
	}
	return e, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.Exec(`delete from auth_vault where id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

func (s *Store) getRefreshBy(column, value string) (*vault.Entry, error) {
	row := s.QueryRow(`select `+entryColumns+` from auth_vault where `+column+` = $1 and token_type = $2`,
		value, vault.TokenTypeRefresh)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get refresh token by %s: %w", column, err)
	}
	return e, nil
}

func (s *Store) GetUserRefreshTokenByID(ctx context.Context, id string) (*vault.Entry, error) {
	return s.getRefreshBy("id", id)
}

func (s *Store) GetUserRefreshTokenByUserID(ctx context.Context, userID string) (*vault.Entry, error) {
	return s.getRefreshBy("user_id", userID)
}

func (s *Store) GetUserRefreshTokenBySessionID(ctx context.Context, sessionStateID string) (*vault.Entry, error) {
	return s.getRefreshBy("session_state_id", sessionStateID)
}

func (s *Store) UpdateOfflineTokenByID(ctx context.Context, p vault.UpdateOfflineParams) (*vault.Entry, error) {
	var updated *vault.Entry
	err := s.ExecTx(func(tx *trans) error {
		row := tx.QueryRow(`select `+entryColumns+` from auth_vault where id = $1`, p.PersistentTokenID)
		e, err := scanEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			return vault.ErrNotFound
		}
		if err != nil {
			return err
		}

		if e.Metadata == nil {
			e.Metadata = map[string]interface{}{}
		}
		e.Metadata["status"] = string(p.Status)

		if p.Token != "" {
			iv, err := vaultcrypto.NewIV()
			if err != nil {
				return err
			}
			encryptedToken, err := vaultcrypto.EncryptToHex(p.Token, s.key, iv)
			if err != nil {
				return err
			}
			e.EncryptedToken = encryptedToken
			e.IV = hexEncode(iv)
			e.TokenHash = vaultcrypto.Hash(p.Token)
			e.Metadata["tokenActivatedAt"] = now().Format(time.RFC3339)
		}
		e.Status = p.Status
		if p.SessionStateID != "" {
			e.SessionStateID = p.SessionStateID
		}
		if !p.ExpiresAt.IsZero() {
			e.ExpiresAt = p.ExpiresAt
		}

		metadataJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`
			update auth_vault set encrypted_token = $1, iv = $2, token_hash = $3,
				session_state_id = $4, status = $5, metadata = $6, expires_at = $7
			where id = $8
		`, e.EncryptedToken, e.IV, e.TokenHash, e.SessionStateID, e.Status, metadataJSON, e.ExpiresAt, e.ID)
		if err != nil {
			return err
		}
		updated = e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update offline token: %w", err)
	}
	return updated, nil
}

func (s *Store) UpsertRefreshToken(ctx context.Context, p vault.UpsertRefreshParams) (string, error) {
	iv, err := vaultcrypto.NewIV()
	if err != nil {
		return "", err
	}
	encryptedToken, err := vaultcrypto.EncryptToHex(p.Token, s.key, iv)
	if err != nil {
		return "", err
	}
	tokenHash := vaultcrypto.Hash(p.Token)

	var id string
	err = s.ExecTx(func(tx *trans) error {
		row := tx.QueryRow(`
			select id, metadata from auth_vault
			where session_state_id = $1 and token_type = $2
		`, p.SessionStateID, vault.TokenTypeRefresh)

		var existingID string
		var existingMetadata []byte
		scanErr := row.Scan(&existingID, &existingMetadata)
		switch {
		case errors.Is(scanErr, sql.ErrNoRows):
			id = vault.NewEntryID()
			metadataJSON, err := json.Marshal(p.Metadata)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`
				insert into auth_vault (`+entryColumns+`)
				values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			`, id, p.UserID, vault.TokenTypeRefresh, encryptedToken, hexEncode(iv), tokenHash,
				p.SessionStateID, now(), p.ExpiresAt, vault.StatusActive, "", "", metadataJSON)
			return err
		case scanErr != nil:
			return scanErr
		default:
			id = existingID
			merged := map[string]interface{}{}
			if len(existingMetadata) > 0 {
				_ = json.Unmarshal(existingMetadata, &merged)
			}
			for k, v := range p.Metadata {
				merged[k] = v
			}
			metadataJSON, err := json.Marshal(merged)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`
				update auth_vault set encrypted_token = $1, iv = $2, token_hash = $3,
					expires_at = $4, metadata = $5, user_id = $6
				where id = $7
			`, encryptedToken, hexEncode(iv), tokenHash, p.ExpiresAt, metadataJSON, p.UserID, id)
			return err
		}
	})
	if err != nil {
		return "", fmt.Errorf("upsert refresh token: %w", err)
	}
	return id, nil
}

func (s *Store) RetrieveUserPersistentIDBySession(ctx context.Context, sessionStateID string) (string, error) {
	row := s.QueryRow(`
		select id from auth_vault
		where session_state_id = $1 and token_type = $2
		order by created_at desc limit 1
	`, sessionStateID, vault.TokenTypeOffline)

	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("retrieve persistent id by session: %w", err)
	}
	return id, nil
}

func (s *Store) RetrieveAllBySessionStateID(ctx context.Context, sessionStateID, excludeID string, tokenType vault.TokenType) ([]*vault.Entry, error) {
	query := `select ` + entryColumns + ` from auth_vault where session_state_id = $1`
	args := []interface{}{sessionStateID}

	if excludeID != "" {
		query += fmt.Sprintf(` and id != $%d`, len(args)+1)
		args = append(args, excludeID)
	}
	if tokenType != "" {
		query += fmt.Sprintf(` and token_type = $%d`, len(args)+1)
		args = append(args, tokenType)
	}
	query += ` order by created_at desc`

	rows, err := s.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("retrieve all by session: %w", err)
	}
	defer rows.Close()

	var entries []*vault.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) RetrieveDuplicateTokenHash(ctx context.Context, hash, excludeID string) (bool, error) {
	row := s.QueryRow(`select count(*) from auth_vault where token_hash = $1 and id != $2`, hash, excludeID)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("retrieve duplicate token hash: %w", err)
	}
	return count > 0, nil
}

func (s *Store) GetByAckState(ctx context.Context, ackState string) (*vault.Entry, error) {
	row := s.QueryRow(`select `+entryColumns+` from auth_vault where ack_state = $1`, ackState)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get by ack state: %w", err)
	}
	return e, nil
}

func (s *Store) UpdateAckState(ctx context.Context, id, ackState string) error {
	res, err := s.Exec(`update auth_vault set ack_state = $1 where id = $2`, ackState, id)
	if err != nil {
		if s.isUniqueViolation != nil && s.isUniqueViolation(err) {
			return fmt.Errorf("ack state already in use: %w", err)
		}
		return fmt.Errorf("update ack state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return vault.ErrNotFound
	}
	return nil
}

func (s *Store) ListByUserID(ctx context.Context, userID string) ([]*vault.Entry, error) {
	rows, err := s.Query(`select `+entryColumns+` from auth_vault where user_id = $1 order by token_type desc, created_at desc`, userID)
	if err != nil {
		return nil, fmt.Errorf("list by user id: %w", err)
	}
	defer rows.Close()

	var entries []*vault.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) GarbageCollect(ctx context.Context, t time.Time) (int64, error) {
	r, err := s.Exec(`delete from auth_vault where expires_at < $1`, t)
	if err != nil {
		return 0, fmt.Errorf("garbage collect: %w", err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
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

var now = time.Now
