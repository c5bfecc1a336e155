// Package sqlstore is the relational implementation of vault.Storage,
// adapted from dex's storage/sql: the same flavor/conn/migration shape,
// narrowed to Postgres (the production backend) plus SQLite (used by the
// conformance suite so tests don't require a live database).
package sqlstore

import (
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/bilalesi/auth-vault/internal/obslog"
	"github.com/bilalesi/auth-vault/internal/vault"
)

const pgErrUniqueViolation = "23505" // unique_violation

const (
	pgSSLDisable    = "disable"
	pgSSLVerifyFull = "verify-full"
)

// Postgres holds the options for opening a Postgres-backed vault.Storage.
type Postgres struct {
	Database string
	User     string
	Password string
	Host     string
	Port     uint16

	ConnectionTimeout int // seconds
	MaxOpenConns      int // default: 10
	MaxIdleConns      int // default: 10

	SSLMode string // "", "disable", "require", "verify-ca", "verify-full"
}

// Open creates a vault.Storage implementation backed by Postgres, running
// migrations before returning. key is the process-wide symmetric encryption
// key applied at the Store boundary.
func (p *Postgres) Open(logger obslog.Logger, key []byte) (vault.Storage, error) {
	c, err := p.open(logger)
	if err != nil {
		return nil, err
	}
	return New(c, key), nil
}

var strEsc = regexp.MustCompile(`([\\'])`)

func dataSourceStr(str string) string {
	return "'" + strEsc.ReplaceAllString(str, `\$1`) + "'"
}

// createDataSourceName builds a libpq connection string from the struct
// fields, quoting each value defensively.
func (p *Postgres) createDataSourceName() string {
	var parameters []string
	addParam := func(key, val string) {
		parameters = append(parameters, fmt.Sprintf("%s=%s", key, val))
	}

	addParam("connect_timeout", strconv.Itoa(p.ConnectionTimeout))

	host, port, err := net.SplitHostPort(p.Host)
	if err != nil {
		host = p.Host
		if p.Port != 0 {
			port = strconv.Itoa(int(p.Port))
		}
	}
	if host != "" {
		addParam("host", dataSourceStr(host))
	}
	if port != "" {
		addParam("port", port)
	}
	if p.User != "" {
		addParam("user", dataSourceStr(p.User))
	}
	if p.Password != "" {
		addParam("password", dataSourceStr(p.Password))
	}
	if p.Database != "" {
		addParam("dbname", dataSourceStr(p.Database))
	}

	mode := p.SSLMode
	if mode == "" {
		mode = pgSSLVerifyFull
	}
	addParam("sslmode", dataSourceStr(mode))

	return strings.Join(parameters, " ")
}

func (p *Postgres) open(logger obslog.Logger) (*conn, error) {
	db, err := sql.Open("postgres", p.createDataSourceName())
	if err != nil {
		return nil, errors.Wrap(err, "unable to open postgres connection")
	}

	if p.MaxOpenConns == 0 {
		db.SetMaxOpenConns(10)
	} else {
		db.SetMaxOpenConns(p.MaxOpenConns)
	}
	if p.MaxIdleConns == 0 {
		db.SetMaxIdleConns(10)
	} else {
		db.SetMaxIdleConns(p.MaxIdleConns)
	}

	isUniqueViolation := func(err error) bool {
		pqErr, ok := err.(*pq.Error)
		return ok && pqErr.Code == pgErrUniqueViolation
	}

	c := &conn{db: db, flavor: flavorPostgres, logger: logger, isUniqueViolation: isUniqueViolation}
	if _, err := c.migrate(); err != nil {
		return nil, errors.Wrap(err, "unable to perform migrations")
	}
	return c, nil
}
