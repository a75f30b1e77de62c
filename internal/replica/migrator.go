// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package replica

import (
	"context"
	"database/sql"

	"github.com/juju/errors"

	coredatabase "github.com/juju/zerocache/core/database"
	"github.com/juju/zerocache/core/logger"
)

const (
	// ErrResetRequired signals that the replica file cannot be
	// migrated in place and must be rebuilt from upstream. Raised when
	// the file records a schema version this binary does not know, or
	// skipped one it requires.
	ErrResetRequired = errors.ConstError("replica reset required")
)

// Migrator applies the ordered schema history to a replica file.
type Migrator struct {
	runner  coredatabase.TxnRunner
	patches []Patch
	logger  logger.Logger
}

// NewMigrator returns a migrator over the canonical schema history.
func NewMigrator(runner coredatabase.TxnRunner, logger logger.Logger) *Migrator {
	return &Migrator{
		runner:  runner,
		patches: Schema(),
		logger:  logger,
	}
}

// Ensure brings the replica file to the current schema version,
// applying any missing trailing migrations. A version gap or an
// unknown version means the file was written by an incompatible
// binary: the caller must reset the replica and start over.
func (m *Migrator) Ensure(ctx context.Context) error {
	return m.runner.StdTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS "_zero.schemaVersions" (
    "version" INTEGER PRIMARY KEY,
    "at"      DATETIME NOT NULL DEFAULT (STRFTIME('%Y-%m-%d %H:%M:%f', 'NOW', 'utc'))
);`); err != nil {
			return errors.Trace(err)
		}

		applied, err := m.appliedVersions(ctx, tx)
		if err != nil {
			return errors.Trace(err)
		}

		// The applied set must be a prefix of the known history.
		for i, version := range applied {
			if i >= len(m.patches) || version != m.patches[i].Version {
				m.logger.Errorf(ctx, "replica has schema version %d, history knows %d versions",
					version, len(m.patches))
				return errors.Annotatef(ErrResetRequired, "unexpected schema version %d", version)
			}
		}

		for _, patch := range m.patches[len(applied):] {
			m.logger.Infof(ctx, "applying replica schema version %d", patch.Version)
			if err := patch.Apply(ctx, tx); err != nil {
				return errors.Trace(err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO "_zero.schemaVersions" ("version") VALUES (?);`,
				patch.Version); err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	})
}

func (m *Migrator) appliedVersions(ctx context.Context, tx *sql.Tx) ([]int, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT "version" FROM "_zero.schemaVersions" ORDER BY "version";`)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Trace(err)
		}
		versions = append(versions, v)
	}
	return versions, errors.Trace(rows.Err())
}
