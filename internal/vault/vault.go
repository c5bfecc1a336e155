// Package vault defines the token vault's core entity, its storage
// contract, and the value types (state tokens, validation results) that
// flow between the consent state machine, the exchange engine, and the
// revocation coordinator.
//
// Adapted from dex's storage.Storage: the same "small strict interface with
// two interchangeable implementations" shape, generalized from dex's
// AuthRequest/Client/RefreshToken/etc. object model to a single Entry type.
package vault

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by storage backends when an operation that
// requires an existing row (UpdateAckState, UpdateOfflineTokenByID) finds
// none. Lookups by id, user, session, or ack-state return (nil, nil) instead
// on a clean miss.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "vault: entry not found" }

// TokenType distinguishes a sign-in-bound refresh token from an
// offline-access token minted through the consent flow.
type TokenType string

const (
	TokenTypeRefresh TokenType = "refresh"
	TokenTypeOffline TokenType = "offline"
)

// Status tracks an offline entry through the consent state machine. It is
// meaningless (Active from creation) for refresh entries.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusFailed  Status = "failed"
	StatusNone    Status = "none"
)

// Entry is the vault's single persisted entity: either a refresh token tied
// to a sign-in session, or an offline token carried through the consent
// flow. Field semantics match §3.1: ciphertext and IV are nullable only
// while Status is Pending.
type Entry struct {
	ID             string
	UserID         string
	TokenType      TokenType
	EncryptedToken string // hex(ciphertext || tag); empty while Pending
	IV             string // hex(16-byte IV); empty while Pending
	TokenHash      string // hex(sha256(plaintext)); empty while Pending
	SessionStateID string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Status         Status
	TaskID         string
	AckState       string
	Metadata       map[string]interface{}
}

// NewEntryID returns a fresh 128-bit persistent token id (UUID v4), the
// opaque handle exposed to callers.
func NewEntryID() string {
	return uuid.NewString()
}

// StateToken is the opaque payload minted into the OAuth `state` parameter
// and returned verbatim by the IdP on callback, per §3.2. This
// implementation fixes on the {userId, sessionStateId} shape; the legacy
// {userId, taskId, persistentTokenId} shape is rejected on parse.
type StateToken struct {
	UserID         string
	SessionStateID string
}

// ValidationResult is the request authenticator's output descriptor, per
// §3.3: either Valid with an identity, or Invalid with a reason. Callers
// MUST branch on Valid before treating a request as authenticated.
type ValidationResult struct {
	Valid       bool
	UserID      string
	SessionID   string
	AccessToken string
	Reason      string
}

// CreateParams are the inputs to Storage.Create. Status defaults to Active
// when the zero value; the consent state machine sets it to Pending to
// create a placeholder entry before the IdP exchange has produced any
// plaintext to encrypt.
type CreateParams struct {
	UserID         string
	Token          string
	TokenType      TokenType
	SessionStateID string
	ExpiresAt      time.Time
	Status         Status
	Metadata       map[string]interface{}
}

// UpdateOfflineParams are the inputs to Storage.UpdateOfflineTokenByID.
// Token is optional: when empty, the entry transitions Status only (used on
// the Failed path, where no new ciphertext exists).
type UpdateOfflineParams struct {
	PersistentTokenID string
	Token             string
	Status            Status
	SessionStateID    string
	ExpiresAt         time.Time
}

// UpsertRefreshParams are the inputs to Storage.UpsertRefreshToken.
type UpsertRefreshParams struct {
	UserID         string
	Token          string
	SessionStateID string
	ExpiresAt      time.Time
	Metadata       map[string]interface{}
}

// Storage is the vault's storage contract. Implementations (internal/vault/
// sqlstore, internal/vault/rediskv) must be safe for concurrent callers and
// backend-agnostic to the caller: every operation here is defined purely in
// terms of Entry and the value types above, never in terms of SQL rows or
// Redis keys.
type Storage interface {
	// Create inserts a new entry, encrypting Token and computing its hash
	// before persistence when Token is non-empty. A Pending entry (used by
	// the consent flow before any plaintext exists) may be created with an
	// empty Token; its ciphertext/IV/hash stay empty until a later
	// UpdateOfflineTokenByID call. Returns the new entry.
	Create(ctx context.Context, p CreateParams) (*Entry, error)

	// Retrieve returns the entry for id, or (nil, nil) on a clean miss. An
	// expired entry is deleted best-effort and reported as a miss.
	Retrieve(ctx context.Context, id string) (*Entry, error)

	// Delete idempotently removes the entry for id.
	Delete(ctx context.Context, id string) error

	// GetUserRefreshTokenByID returns the refresh entry with this id, or
	// (nil, nil) if it does not exist or is not a refresh entry.
	GetUserRefreshTokenByID(ctx context.Context, id string) (*Entry, error)

	// GetUserRefreshTokenByUserID returns the refresh entry for userID, or
	// (nil, nil).
	GetUserRefreshTokenByUserID(ctx context.Context, userID string) (*Entry, error)

	// GetUserRefreshTokenBySessionID returns the refresh entry for
	// sessionStateID, or (nil, nil).
	GetUserRefreshTokenBySessionID(ctx context.Context, sessionStateID string) (*Entry, error)

	// UpdateOfflineTokenByID transitions an offline entry's status. When
	// Token is non-empty it re-encrypts with a fresh IV and refreshes the
	// hash; metadata is merged with {tokenActivatedAt, status} without
	// discarding existing keys.
	UpdateOfflineTokenByID(ctx context.Context, p UpdateOfflineParams) (*Entry, error)

	// UpsertRefreshToken overwrites the existing (sessionStateID,
	// tokenType=refresh) entry's ciphertext/IV/metadata if one exists,
	// otherwise inserts a new Refresh entry. Returns the entry's id. Must
	// preserve at most one refresh entry per session.
	UpsertRefreshToken(ctx context.Context, p UpsertRefreshParams) (string, error)

	// RetrieveUserPersistentIDBySession returns the newest Offline entry id
	// for sessionStateID (ordered createdAt DESC), or "" if none.
	RetrieveUserPersistentIDBySession(ctx context.Context, sessionStateID string) (string, error)

	// RetrieveAllBySessionStateID returns all entries sharing
	// sessionStateID, ordered createdAt DESC, optionally excluding excludeID
	// and/or restricted to tokenType.
	RetrieveAllBySessionStateID(ctx context.Context, sessionStateID, excludeID string, tokenType TokenType) ([]*Entry, error)

	// RetrieveDuplicateTokenHash reports whether any entry other than
	// excludeID carries hash.
	RetrieveDuplicateTokenHash(ctx context.Context, hash, excludeID string) (bool, error)

	// GetByAckState returns the entry indexed under ackState, or (nil, nil).
	GetByAckState(ctx context.Context, ackState string) (*Entry, error)

	// UpdateAckState indexes id under ackState for callback reconciliation.
	UpdateAckState(ctx context.Context, id, ackState string) error

	// ListByUserID returns every entry owned by userID, used by the
	// whole-user invalidate operation.
	ListByUserID(ctx context.Context, userID string) ([]*Entry, error)

	// GarbageCollect deletes every entry whose ExpiresAt has passed.
	// Backends with native TTL support may implement this as a no-op.
	GarbageCollect(ctx context.Context, now time.Time) (int64, error)

	// Close releases any held resources (connection pools, clients).
	Close() error
}
