// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package replica_test

import (
	"context"
	"database/sql"
	stdtesting "testing"

	"github.com/juju/errors"
	"github.com/juju/tc"

	databasetesting "github.com/juju/zerocache/internal/database/testing"
	loggertesting "github.com/juju/zerocache/internal/logger/testing"
	"github.com/juju/zerocache/internal/replica"
)

type migratorSuite struct{}

func TestMigratorSuite(t *stdtesting.T) {
	tc.Run(t, &migratorSuite{})
}

func (s *migratorSuite) TestEnsureFreshFile(c *tc.C) {
	runner := databasetesting.NewTestTxnRunner(c)
	m := replica.NewMigrator(runner, loggertesting.WrapCheckLog(c))

	err := m.Ensure(context.Background())
	c.Assert(err, tc.ErrorIsNil)

	c.Check(s.appliedVersions(c, runner), tc.DeepEquals, []int{1, 2, 3, 4, 5, 6, 7, 8})

	for _, table := range []string{
		"_zero.clients",
		"_zero.changeLog2",
		"_zero.column_metadata",
		"_zero.tableMetadata",
		"_zero.runtime_events",
		"_zero.versionHistory",
	} {
		c.Check(s.tableExists(c, runner, table), tc.IsTrue, tc.Commentf("table %q", table))
	}
}

func (s *migratorSuite) TestEnsureIdempotent(c *tc.C) {
	runner := databasetesting.NewTestTxnRunner(c)
	m := replica.NewMigrator(runner, loggertesting.WrapCheckLog(c))

	c.Assert(m.Ensure(context.Background()), tc.ErrorIsNil)
	c.Assert(m.Ensure(context.Background()), tc.ErrorIsNil)

	c.Check(s.appliedVersions(c, runner), tc.DeepEquals, []int{1, 2, 3, 4, 5, 6, 7, 8})
}

func (s *migratorSuite) TestEnsureUnknownVersion(c *tc.C) {
	runner := databasetesting.NewTestTxnRunner(c)
	m := replica.NewMigrator(runner, loggertesting.WrapCheckLog(c))
	c.Assert(m.Ensure(context.Background()), tc.ErrorIsNil)

	// A newer binary wrote a version this one does not know.
	err := runner.StdTxn(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO "_zero.schemaVersions" ("version") VALUES (99);`)
		return errors.Trace(err)
	})
	c.Assert(err, tc.ErrorIsNil)

	err = m.Ensure(context.Background())
	c.Assert(err, tc.ErrorIs, replica.ErrResetRequired)
}

func (s *migratorSuite) TestEnsureVersionGap(c *tc.C) {
	runner := databasetesting.NewTestTxnRunner(c)
	m := replica.NewMigrator(runner, loggertesting.WrapCheckLog(c))
	c.Assert(m.Ensure(context.Background()), tc.ErrorIsNil)

	err := runner.StdTxn(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM "_zero.schemaVersions" WHERE "version" = 2;`)
		return errors.Trace(err)
	})
	c.Assert(err, tc.ErrorIsNil)

	err = m.Ensure(context.Background())
	c.Assert(err, tc.ErrorIs, replica.ErrResetRequired)
}

func (s *migratorSuite) TestMetadataPopulation(c *tc.C) {
	runner := databasetesting.NewTestTxnRunner(c)

	// Bring the file to version 7 by hand, with column metadata that
	// predates the tableMetadata population patch.
	err := runner.StdTxn(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE "_zero.schemaVersions" (
    "version" INTEGER PRIMARY KEY,
    "at"      DATETIME NOT NULL DEFAULT (STRFTIME('%Y-%m-%d %H:%M:%f', 'NOW', 'utc'))
);`); err != nil {
			return errors.Trace(err)
		}
		for _, patch := range replica.Schema()[:7] {
			if err := patch.Apply(ctx, tx); err != nil {
				return errors.Trace(err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO "_zero.schemaVersions" ("version") VALUES (?);`, patch.Version); err != nil {
				return errors.Trace(err)
			}
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO "_zero.column_metadata" ("tableName", "columnName") VALUES ('public.issue', 'title');`)
		return errors.Trace(err)
	})
	c.Assert(err, tc.ErrorIsNil)

	m := replica.NewMigrator(runner, loggertesting.WrapCheckLog(c))
	c.Assert(m.Ensure(context.Background()), tc.ErrorIsNil)

	var metadata string
	err = runner.StdTxn(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT "metadata" FROM "_zero.tableMetadata" WHERE "tableName" = 'public.issue';`)
		return errors.Trace(row.Scan(&metadata))
	})
	c.Assert(err, tc.ErrorIsNil)
	c.Check(metadata, tc.Equals, `{"rowKey":{}}`)
}

func (s *migratorSuite) appliedVersions(c *tc.C, runner interface {
	StdTxn(context.Context, func(context.Context, *sql.Tx) error) error
}) []int {
	var versions []int
	err := runner.StdTxn(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT "version" FROM "_zero.schemaVersions" ORDER BY "version";`)
		if err != nil {
			return errors.Trace(err)
		}
		defer rows.Close()
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				return errors.Trace(err)
			}
			versions = append(versions, v)
		}
		return errors.Trace(rows.Err())
	})
	c.Assert(err, tc.ErrorIsNil)
	return versions
}

func (s *migratorSuite) tableExists(c *tc.C, runner interface {
	StdTxn(context.Context, func(context.Context, *sql.Tx) error) error
}, name string) bool {
	var n int
	err := runner.StdTxn(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?;`, name)
		return errors.Trace(row.Scan(&n))
	})
	c.Assert(err, tc.ErrorIsNil)
	return n == 1
}
