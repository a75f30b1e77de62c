// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package txn_test

import (
	stdtesting "testing"

	"github.com/juju/errors"
	"github.com/juju/tc"
	"github.com/mattn/go-sqlite3"

	"github.com/juju/zerocache/internal/database/txn"
)

type isErrRetryableSuite struct{}

func TestIsErrRetryableSuite(t *stdtesting.T) {
	tc.Run(t, &isErrRetryableSuite{})
}

func (s *isErrRetryableSuite) TestIsErrRetryable(c *tc.C) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{{
		name:     "nil error",
		err:      nil,
		expected: false,
	}, {
		name:     "sqlite3 busy error",
		err:      sqlite3.ErrBusy,
		expected: true,
	}, {
		name:     "sqlite3 locked error",
		err:      sqlite3.Error{Code: sqlite3.ErrLocked},
		expected: true,
	}, {
		name:     "wrapped busy error",
		err:      errors.Annotate(sqlite3.Error{Code: sqlite3.ErrBusy}, "writing change log"),
		expected: true,
	}, {
		name:     "database is locked",
		err:      errors.Errorf("database is locked"),
		expected: true,
	}, {
		name:     "cannot start a transaction within a transaction",
		err:      errors.Errorf("cannot start a transaction within a transaction"),
		expected: true,
	}, {
		name:     "bad connection",
		err:      errors.Errorf("bad connection"),
		expected: true,
	}, {
		name:     "checkpoint in progress",
		err:      errors.Errorf("checkpoint in progress"),
		expected: true,
	}, {
		name:     "ordinary error",
		err:      errors.Errorf("boom"),
		expected: false,
	}}

	for i, test := range tests {
		c.Logf("test %d: %s", i, test.name)
		c.Check(txn.IsErrRetryable(test.err), tc.Equals, test.expected)
	}
}
