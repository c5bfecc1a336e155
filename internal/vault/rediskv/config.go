// Package rediskv is the key-value implementation of vault.Storage,
// adapted from dex's storage/redis: the same UniversalClient-over-Sentinel
// shape, generalized from dex's per-object-type key prefixes to the vault's
// single Entry type plus a handful of secondary index sets/sorted-sets.
package rediskv

import (
	redisv8 "github.com/go-redis/redis/v8"

	"github.com/bilalesi/auth-vault/internal/obslog"
	"github.com/bilalesi/auth-vault/internal/vault"
)

// Config holds the options for opening a Redis-backed vault.Storage.
type Config struct {
	Addrs            []string `json:"addrs"`
	Password         string   `json:"password"`
	SentinelPassword string   `json:"sentinel_password"`
	MasterName       string   `json:"master_name"`
	DB               int      `json:"db"`
}

// Open creates a vault.Storage implementation backed by Redis. Unlike the
// relational backend there is no migration step: the key layout is created
// lazily as entries are written, and expiry is enforced natively via key
// TTLs rather than a GarbageCollect sweep.
func (c *Config) Open(logger obslog.Logger, key []byte) (vault.Storage, error) {
	return c.open(logger, key), nil
}

func (c *Config) open(logger obslog.Logger, key []byte) *Store {
	opts := &redisv8.UniversalOptions{
		Addrs:            c.Addrs,
		Password:         c.Password,
		SentinelPassword: c.SentinelPassword,
		MasterName:       c.MasterName,
		DB:               c.DB,
	}
	return &Store{
		db:     redisv8.NewUniversalClient(opts),
		logger: logger,
		key:    key,
	}
}
