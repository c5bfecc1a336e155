//go:build !cgo

// This is a stub for the no-CGO compilation (CGO_ENABLED=0).

package sqlstore

import (
	"fmt"

	"github.com/bilalesi/auth-vault/internal/obslog"
)

type SQLite3 struct {
	File string
}

func (s *SQLite3) Open(logger obslog.Logger) (*conn, error) {
	return nil, fmt.Errorf("binary was compiled with CGO_ENABLED=0, go-sqlite3 requires cgo to work")
}
