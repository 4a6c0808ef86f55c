package auditdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	register(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE audit_events (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			ts           INTEGER NOT NULL,
			event_type   TEXT NOT NULL,
			origin       INTEGER NOT NULL DEFAULT 0,
			destination  INTEGER NOT NULL DEFAULT 0,
			broken_node  INTEGER NOT NULL DEFAULT 0,
			from_user    INTEGER NOT NULL DEFAULT 0,
			to_user      INTEGER NOT NULL DEFAULT 0,
			packet_id    INTEGER NOT NULL DEFAULT 0
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return fmt.Errorf("create audit_events table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX audit_events_ts_idx ON audit_events(ts)`); err != nil {
		return fmt.Errorf("create audit_events_ts_idx index: %w", err)
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP INDEX audit_events_ts_idx`); err != nil {
		return fmt.Errorf("drop audit_events_ts_idx index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE audit_events`); err != nil {
		return fmt.Errorf("drop audit_events table: %w", err)
	}
	return nil
}
