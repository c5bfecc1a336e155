package sqlstore

import (
	"database/sql"
	"fmt"
)

func (c *conn) migrate() (int, error) {
	_, err := c.Exec(`
		create table if not exists migrations (
			num integer not null,
			at timestamptz not null
		);
	`)
	if err != nil {
		return 0, fmt.Errorf("creating migration table: %w", err)
	}

	i := 0
	for {
		done := false
		err := c.ExecTx(func(tx *trans) error {
			var (
				num sql.NullInt64
				n   int
			)
			if err := tx.QueryRow(`select max(num) from migrations;`).Scan(&num); err != nil {
				return fmt.Errorf("select max migration: %w", err)
			}
			if num.Valid {
				n = int(num.Int64)
			}
			if n >= len(migrations) {
				done = true
				return nil
			}

			migrationNum := n + 1
			m := migrations[n]
			if _, err := tx.Exec(m.stmt); err != nil {
				return fmt.Errorf("migration %d failed: %w", migrationNum, err)
			}

			q := `insert into migrations (num, at) values ($1, now());`
			if _, err := tx.Exec(q, migrationNum); err != nil {
				return fmt.Errorf("update migration table: %w", err)
			}
			return nil
		})
		if err != nil {
			return i, err
		}
		if done {
			break
		}
		i++
	}

	return i, nil
}

type migration struct {
	stmt string
}

// migrations is the vault's schema history, run sequentially and
// transactionally at boot. All flavors share the same statements; the
// SQLite flavor rewrites type/keyword differences via its query replacers.
var migrations = []migration{
	{
		stmt: `
			create table auth_vault (
				id text not null primary key,
				user_id text not null,
				token_type text not null,
				encrypted_token text not null default '',
				iv text not null default '',
				token_hash text not null default '',
				session_state_id text not null default '',
				created_at timestamptz not null,
				expires_at timestamptz not null,
				status text not null,
				task_id text not null default '',
				ack_state text not null default '',
				metadata bytea not null default '{}'
			);

			create index auth_vault_user_type_idx on auth_vault (user_id, token_type desc);
			create index auth_vault_session_idx on auth_vault (session_state_id);
			create index auth_vault_hash_idx on auth_vault (token_hash);
			create unique index auth_vault_ack_state_idx on auth_vault (ack_state) where ack_state <> '';
		`,
	},
}
