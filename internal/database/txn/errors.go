// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package txn

import (
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// IsErrRetryable returns true if the given error might be transient
// and the interaction can be safely retried.
func IsErrRetryable(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return true
		}
	}
	if errors.Is(err, sqlite3.ErrBusy) || errors.Is(err, sqlite3.ErrLocked) {
		return true
	}

	msg := err.Error()
	for _, s := range []string{
		"database is locked",
		"cannot start a transaction within a transaction",
		"bad connection",
		"checkpoint in progress",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
