//go:build cgo

package sqlstore

import (
	"database/sql"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/bilalesi/auth-vault/internal/obslog"
)

// SQLite3 backs the conformance test suite so it can run without a live
// Postgres instance.
type SQLite3 struct {
	File string
}

func (s *SQLite3) Open(logger obslog.Logger) (*conn, error) {
	db, err := sql.Open("sqlite3", s.File)
	if err != nil {
		return nil, err
	}

	// Only one connection; concurrent callers wait rather than corrupt the file.
	db.SetMaxOpenConns(1)

	isUniqueViolation := func(err error) bool {
		sqlErr, ok := err.(sqlite3.Error)
		return ok && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}

	c := &conn{db: db, flavor: flavorSQLite3, logger: logger, isUniqueViolation: isUniqueViolation}
	if _, err := c.migrate(); err != nil {
		return nil, fmt.Errorf("failed to perform migrations: %w", err)
	}
	return c, nil
}
