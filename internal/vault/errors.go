package vault

import (
	"errors"

	"github.com/bilalesi/auth-vault/internal/vaulterr"
)

// WrapStorageError turns a low-level backend error into a storage_error
// carrying operation/context metadata, per §4.8; an error wrapping
// ErrNotFound becomes token_not_found instead. A nil err returns nil so
// callers can write `return vault.WrapStorageError(op, id, err)` unconditionally
// at a function's tail without an extra branch.
func WrapStorageError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return vaulterr.New(vaulterr.CodeTokenNotFound, "entry not found").
			WithDetails(map[string]interface{}{"operation": op, "id": id})
	}
	return vaulterr.Wrap(vaulterr.CodeStorageError, "storage operation failed", err).
		WithDetails(map[string]interface{}{"operation": op, "id": id})
}
