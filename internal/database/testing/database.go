// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing provides database fixtures for tests that need a
// real SQLite file.
package testing

import (
	"database/sql"
	"path/filepath"

	"github.com/juju/tc"

	"github.com/juju/zerocache/internal/database"
)

// NewTestDB opens a fresh replica file in the test's temporary
// directory. The handle is closed when the test completes.
func NewTestDB(c *tc.C) *sql.DB {
	db, err := database.Open(filepath.Join(c.MkDir(), "replica.db"))
	c.Assert(err, tc.ErrorIsNil)
	c.Cleanup(func() {
		c.Check(db.Close(), tc.ErrorIsNil)
	})
	return db
}

// NewTestTxnRunner opens a fresh replica file and binds it to a
// retrying transaction runner.
func NewTestTxnRunner(c *tc.C) *database.TxnRunner {
	runner := database.NewTxnRunner(NewTestDB(c))
	return runner
}
