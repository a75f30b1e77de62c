// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package database defines the transaction-running surface shared by
// everything that touches the replica file.
package database

import (
	"context"
	"database/sql"

	"github.com/canonical/sqlair"
)

// TxnRunner defines an interface for running transactions against the
// replica database.
type TxnRunner interface {
	// Txn executes the input function against the database, using
	// the sqlair package. Retry semantics are applied automatically on
	// transient failures. This is the function that almost all
	// consumers should use.
	Txn(context.Context, func(context.Context, *sqlair.TX) error) error

	// StdTxn executes the input function against the database, within
	// a transaction that depends on the input context. Retry semantics
	// are applied automatically on transient failures.
	StdTxn(context.Context, func(context.Context, *sql.Tx) error) error
}
