// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"context"
	"os"

	"github.com/juju/errors"

	"github.com/juju/zerocache/core/logger"
	"github.com/juju/zerocache/internal/replica"
)

// Prepare opens the replica file read-write and brings it to the
// current schema version. A file written by an incompatible binary
// cannot be migrated in place: it is removed together with its WAL
// sidecars and rebuilt empty, so replication starts over from
// upstream. reset reports whether that happened.
func Prepare(ctx context.Context, path string, logger logger.Logger) (runner *TxnRunner, reset bool, err error) {
	runner, err = openRunner(path)
	if err != nil {
		return nil, false, errors.Trace(err)
	}

	err = replica.NewMigrator(runner, logger).Ensure(ctx)
	if errors.Is(err, replica.ErrResetRequired) {
		logger.Warningf(ctx, "replica at %q cannot be migrated, resetting: %v", path, err)
		_ = runner.Close()
		if err := Remove(path); err != nil {
			return nil, false, errors.Trace(err)
		}
		runner, err = openRunner(path)
		if err != nil {
			return nil, false, errors.Trace(err)
		}
		if err := replica.NewMigrator(runner, logger).Ensure(ctx); err != nil {
			_ = runner.Close()
			return nil, false, errors.Annotate(err, "migrating reset replica")
		}
		return runner, true, nil
	}
	if err != nil {
		_ = runner.Close()
		return nil, false, errors.Annotate(err, "migrating replica")
	}
	return runner, false, nil
}

// Remove deletes the replica file and its WAL sidecars. Missing files
// are not an error.
func Remove(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Annotatef(err, "removing %q", p)
		}
	}
	return nil
}

func openRunner(path string) (*TxnRunner, error) {
	db, err := Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewTxnRunner(db), nil
}
