// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package replica owns the local replica file: its schema, the
// ordered migrations that evolve it, and the statement surface the
// rest of the engine uses to read and write it. All replica tables
// live under the "_zero." prefix so they never collide with
// replicated user tables.
package replica

import (
	"context"
	"database/sql"

	"github.com/juju/errors"
)

// Patch is one schema migration step. Patches are applied in version
// order, each inside its own transaction.
type Patch struct {
	Version int
	Apply   func(ctx context.Context, tx *sql.Tx) error
}

// MakePatch returns a patch that runs the given statements.
func MakePatch(version int, stmts ...string) Patch {
	return Patch{
		Version: version,
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			for _, stmt := range stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return errors.Annotatef(err, "applying schema patch %d", version)
				}
			}
			return nil
		},
	}
}

// Schema returns the ordered migration history of the replica file.
// Never reorder or edit an existing patch; append a new version.
func Schema() []Patch {
	return []Patch{
		MakePatch(1, `
CREATE TABLE "_zero.clients" (
    "clientGroupID" TEXT NOT NULL,
    "clientID"      TEXT NOT NULL,
    "patchVersion"  TEXT NOT NULL,
    "deleted"       INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY ("clientGroupID", "clientID")
);`),
		MakePatch(2, `
CREATE TABLE "_zero.changeLog2" (
    "stateVersion" TEXT NOT NULL,
    "tableName"    TEXT NOT NULL,
    "rowKey"       TEXT NOT NULL,
    "op"           TEXT NOT NULL,
    "row"          TEXT,
    PRIMARY KEY ("stateVersion", "tableName", "rowKey")
);`, `
CREATE INDEX "idx_zero_changeLog2_stateVersion"
ON "_zero.changeLog2" ("stateVersion");`),
		MakePatch(3, `
CREATE TABLE "_zero.column_metadata" (
    "tableName"  TEXT NOT NULL,
    "columnName" TEXT NOT NULL,
    "metadata"   TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY ("tableName", "columnName")
);`),
		MakePatch(4, `
CREATE TABLE "_zero.tableMetadata" (
    "tableName" TEXT PRIMARY KEY,
    "metadata"  TEXT
);`),
		MakePatch(5, `
CREATE TABLE "_zero.runtime_events" (
    "id"    INTEGER PRIMARY KEY AUTOINCREMENT,
    "event" TEXT NOT NULL,
    "at"    DATETIME NOT NULL DEFAULT (STRFTIME('%Y-%m-%d %H:%M:%f', 'NOW', 'utc'))
);`, `
CREATE TABLE "_zero.versionHistory" (
    "lock"         INTEGER PRIMARY KEY CHECK ("lock" = 1),
    "stateVersion" TEXT NOT NULL,
    "at"           DATETIME NOT NULL DEFAULT (STRFTIME('%Y-%m-%d %H:%M:%f', 'NOW', 'utc'))
);`),
		// Version 6 shipped as a placeholder; the metadata population
		// it was meant to perform happens in version 8.
		MakePatch(6),
		MakePatch(7, `
ALTER TABLE "_zero.column_metadata" ADD COLUMN "backfill" TEXT;`),
		MakePatch(8, `
INSERT INTO "_zero.tableMetadata" ("tableName", "metadata")
SELECT DISTINCT "tableName", '{"rowKey":{}}'
FROM "_zero.column_metadata"
WHERE "tableName" NOT IN (SELECT "tableName" FROM "_zero.tableMetadata");`, `
UPDATE "_zero.tableMetadata"
SET "metadata" = '{"rowKey":{}}'
WHERE "metadata" IS NULL;`),
	}
}
