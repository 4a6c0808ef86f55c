package auditdb

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

// step is one registered schema change: apply moves the database forward
// one version, revert undoes it.
type step struct {
	label  string
	apply  func(context.Context, *sqlx.Tx) error
	revert func(context.Context, *sqlx.Tx) error
}

var steps = map[uint64]step{}

// register adds a migration step keyed by the numeric prefix of the
// calling file's name (e.g. "001_init_db.go" registers version 1).
func register(apply, revert func(context.Context, *sqlx.Tx) error) {
	_, file, _, ok := runtime.Caller(1)
	if !ok {
		panic("auditdb: migration registration has no caller file")
	}
	base := path.Base(strings.ReplaceAll(file, `\`, `/`))

	prefix, _, ok := strings.Cut(base, "_")
	if !ok {
		panic("auditdb: migration filename " + base + " is missing a version prefix")
	}
	version, err := strconv.ParseUint(prefix, 10, 64)
	if err != nil {
		panic("auditdb: migration filename " + base + " has a non-numeric version: " + err.Error())
	}
	if version == 0 {
		panic("auditdb: migration version 0 is reserved for an empty database")
	}
	steps[version] = step{label: strings.TrimSuffix(base, ".go"), apply: apply, revert: revert}
}

// Version reports the schema version currently stored in the database
// alongside the highest version any registered migration can reach.
// Callers should compare the two before trusting the schema.
func (db *DB) Version() (current, required uint64, err error) {
	if err = db.x.Get(&current, `PRAGMA user_version`); err != nil {
		return 0, 0, fmt.Errorf("auditdb: read schema version: %w", err)
	}
	for v := range steps {
		if v > required {
			required = v
		}
	}
	return current, required, nil
}

// MigrateUp applies every registered step between the database's current
// version and to, in order, inside a single transaction.
func (db *DB) MigrateUp(ctx context.Context, to uint64) error {
	tx, err := db.x.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("auditdb: begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	var from uint64
	if err := tx.GetContext(ctx, &from, `PRAGMA user_version`); err != nil {
		return fmt.Errorf("auditdb: read schema version: %w", err)
	}
	if to < from {
		return fmt.Errorf("auditdb: cannot migrate down from %d to %d", from, to)
	}

	haveFrom, haveTo := from == 0, to == 0
	var pending []uint64
	for v := range steps {
		switch v {
		case from:
			haveFrom = true
		case to:
			haveTo = true
		}
		if v > from && v <= to {
			pending = append(pending, v)
		}
	}
	if !haveFrom {
		return fmt.Errorf("auditdb: schema version %d has no registered migration", from)
	}
	if !haveTo {
		return fmt.Errorf("auditdb: target schema version %d is not registered", to)
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	for _, v := range pending {
		if err := steps[v].apply(ctx, tx); err != nil {
			return fmt.Errorf("auditdb: apply migration %d (%s): %w", v, steps[v].label, err)
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, to)); err != nil {
		return fmt.Errorf("auditdb: write schema version: %w", err)
	}
	return tx.Commit()
}
