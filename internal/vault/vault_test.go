package vault

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewEntryIDIsAUUID(t *testing.T) {
	id := NewEntryID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
}

func TestNewEntryIDIsUnique(t *testing.T) {
	require.NotEqual(t, NewEntryID(), NewEntryID())
}
