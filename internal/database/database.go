// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package database opens the replica file and binds it to a retrying
// transaction runner. The replica is a single-writer SQLite database:
// the replication manager opens it read-write, syncer workers open
// read-only snapshots.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"

	"github.com/juju/zerocache/internal/database/txn"
)

const (
	// busyTimeout bounds how long SQLite itself blocks on a lock
	// before reporting busy; the txn runner retries above that.
	busyTimeout = 5 * time.Second
)

// Open opens the replica file at path for writing, creating it if it
// does not exist. WAL journalling keeps readers unblocked while the
// writer commits.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_fk":           {"1"},
		"_journal":      {"WAL"},
		"_synchronous":  {"NORMAL"},
		"_busy_timeout": {fmt.Sprint(busyTimeout.Milliseconds())},
	}.Encode())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Annotatef(err, "opening replica at %q", path)
	}
	// A single connection serializes writers at the pool, keeping
	// busy errors out of the hot path.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Annotatef(err, "opening replica at %q", path)
	}
	return db, nil
}

// OpenSnapshot opens the replica file read-only. WAL snapshots give
// the reader a stable view without blocking the writer.
func OpenSnapshot(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"mode":          {"ro"},
		"_fk":           {"1"},
		"_journal":      {"WAL"},
		"_busy_timeout": {fmt.Sprint(busyTimeout.Milliseconds())},
	}.Encode())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Annotatef(err, "opening replica snapshot at %q", path)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Annotatef(err, "opening replica snapshot at %q", path)
	}
	return db, nil
}

// NewTxnRunner binds db to a retrying transaction runner, satisfying
// core/database.TxnRunner.
func NewTxnRunner(db *sql.DB, opts ...txn.Option) *TxnRunner {
	return &TxnRunner{
		db:     sqlair.NewDB(db),
		runner: txn.NewRetryingTxnRunner(opts...),
	}
}

// TxnRunner runs transactions against one database handle.
type TxnRunner struct {
	db     *sqlair.DB
	runner *txn.RetryingTxnRunner
}

// Txn executes fn inside a sqlair transaction with retry semantics.
func (r *TxnRunner) Txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error {
	return errors.Trace(r.runner.Txn(ctx, r.db, fn))
}

// StdTxn executes fn inside a database/sql transaction with retry
// semantics.
func (r *TxnRunner) StdTxn(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	return errors.Trace(r.runner.StdTxn(ctx, r.db.PlainDB(), fn))
}

// Close closes the underlying database handle.
func (r *TxnRunner) Close() error {
	return errors.Trace(r.db.PlainDB().Close())
}
