// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pushprocessor executes custom mutations on the user's API
// server. Its last-mutation-id protocol is the ordering contract the
// pusher relies on: per client, mutation IDs are applied contiguously
// from 1, exactly once.
package pushprocessor

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	"github.com/juju/errors"

	coredatabase "github.com/juju/zerocache/core/database"
	"github.com/juju/zerocache/core/logger"
	"github.com/juju/zerocache/core/protocol"
)

// Tx wraps the mutation transaction, letting a mutator schedule work
// for after a successful commit.
type Tx struct {
	*sql.Tx

	after []func(ctx context.Context) error
}

// AfterCommit schedules f to run once the mutation's transaction has
// committed. In synchronous mode Process waits for f before
// returning; otherwise f is tracked so Close can wait for it.
func (t *Tx) AfterCommit(f func(ctx context.Context) error) {
	t.after = append(t.after, f)
}

// MutatorFunc applies one named mutation inside its transaction.
type MutatorFunc func(ctx context.Context, tx *Tx, m protocol.Mutation) error

// Config holds the processor dependencies.
type Config struct {
	Runner   coredatabase.TxnRunner
	Mutators map[string]MutatorFunc
	Logger   logger.Logger

	// Async defers post-commit tasks instead of awaiting them inside
	// Process.
	Async bool
}

// Validate returns an error if the config is incomplete.
func (c Config) Validate() error {
	if c.Runner == nil {
		return errors.NotValidf("nil Runner")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Processor applies pushes against the user's database.
type Processor struct {
	cfg Config

	// pending tracks async post-commit tasks for Close.
	pending sync.WaitGroup
}

// NewProcessor returns a processor over the given runner.
func NewProcessor(cfg Config) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Processor{cfg: cfg}, nil
}

// EnsureSchema creates the client bookkeeping table.
func (p *Processor) EnsureSchema(ctx context.Context) error {
	return errors.Trace(p.cfg.Runner.StdTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS "clients" (
    "clientGroupID"  TEXT NOT NULL,
    "clientID"       TEXT NOT NULL,
    "lastMutationID" INTEGER NOT NULL,
    PRIMARY KEY ("clientGroupID", "clientID")
);`)
		return errors.Trace(err)
	}))
}

// Process applies a push's mutations sequentially and returns the
// response to send back to the cache.
func (p *Processor) Process(ctx context.Context, push protocol.PushBody) protocol.PushResult {
	if push.PushVersion != protocol.PushVersion {
		return protocol.PushResult{Err: &protocol.PushErrorResponse{
			Error:       protocol.PushErrorUnsupportedPushVersion,
			MutationIDs: mutationIDs(push.Mutations),
		}}
	}

	resp := &protocol.PushResponseBody{}
	for _, m := range push.Mutations {
		result, fatal := p.applyMutation(ctx, push.ClientGroupID, m)
		resp.Mutations = append(resp.Mutations, protocol.MutationResult{
			ID:     protocol.MutationID{ClientID: m.ClientID, ID: m.ID},
			Result: result,
		})
		if fatal {
			break
		}
	}
	return protocol.PushResult{Response: resp}
}

// applyMutation runs one mutation's transaction. A fatal result stops
// the remaining mutations in the push.
func (p *Processor) applyMutation(ctx context.Context, groupID string, m protocol.Mutation) (protocol.MutationResultData, bool) {
	var (
		result protocol.MutationResultData
		fatal  bool
		after  []func(ctx context.Context) error
	)
	err := p.cfg.Runner.StdTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		lmid, err := p.incrementLMID(ctx, tx, groupID, m.ClientID)
		if err != nil {
			return errors.Trace(err)
		}

		switch {
		case m.ID < lmid:
			// Already applied. Abort so the increment is undone.
			result = protocol.MutationResultData{Error: protocol.MutationAlreadyProcessed}
			return errAbort
		case m.ID > lmid:
			// A mutation was lost in between. Stop the push; the
			// client must reconnect and replay.
			result = protocol.MutationResultData{Error: protocol.MutationOutOfOrder}
			fatal = true
			return errAbort
		}

		mutator, ok := p.cfg.Mutators[m.Name]
		if !ok {
			return errors.Errorf("unknown mutation %q", m.Name)
		}
		wrapped := &Tx{Tx: tx}
		if err := mutator(ctx, wrapped, m); err != nil {
			return errors.Trace(err)
		}
		after = wrapped.after
		return nil
	})

	switch {
	case err == nil:
		p.runAfterCommit(ctx, after)
		return result, fatal
	case errors.Is(err, errAbort):
		return result, fatal
	default:
		// The mutator failed and the transaction rolled back, but the
		// last-mutation-id must still advance or the client would
		// resend the mutation forever.
		p.cfg.Logger.Warningf(ctx, "mutation %s/%d %q failed: %v", m.ClientID, m.ID, m.Name, err)
		if lmidErr := p.replayLMID(ctx, groupID, m.ClientID); lmidErr != nil {
			p.cfg.Logger.Errorf(ctx, "advancing last-mutation-id for %s/%d: %v", m.ClientID, m.ID, lmidErr)
		}
		details, _ := json.Marshal(err.Error())
		return protocol.MutationResultData{
			Error:   protocol.MutationAppError,
			Details: details,
		}, false
	}
}

// errAbort rolls back a transaction whose outcome is already decided.
var errAbort = errors.ConstError("abort mutation transaction")

// incrementLMID bumps the client's last-mutation-id, starting it at 1
// for a new client, and returns the new value.
func (p *Processor) incrementLMID(ctx context.Context, tx *sql.Tx, groupID, clientID string) (int64, error) {
	row := tx.QueryRowContext(ctx, `
INSERT INTO "clients" ("clientGroupID", "clientID", "lastMutationID")
VALUES (?, ?, 1)
ON CONFLICT ("clientGroupID", "clientID") DO UPDATE SET
    "lastMutationID" = "lastMutationID" + 1
RETURNING "lastMutationID";`, groupID, clientID)
	var lmid int64
	if err := row.Scan(&lmid); err != nil {
		return 0, errors.Trace(err)
	}
	return lmid, nil
}

// replayLMID re-applies the increment in a fresh transaction after a
// mutator failure, with no mutator dispatch.
func (p *Processor) replayLMID(ctx context.Context, groupID, clientID string) error {
	return errors.Trace(p.cfg.Runner.StdTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := p.incrementLMID(ctx, tx, groupID, clientID)
		return errors.Trace(err)
	}))
}

func (p *Processor) runAfterCommit(ctx context.Context, tasks []func(ctx context.Context) error) {
	if !p.cfg.Async {
		for _, task := range tasks {
			if err := task(ctx); err != nil {
				p.cfg.Logger.Warningf(ctx, "post-commit task failed: %v", err)
			}
		}
		return
	}
	for _, task := range tasks {
		task := task
		p.pending.Add(1)
		go func() {
			defer p.pending.Done()
			if err := task(context.Background()); err != nil {
				p.cfg.Logger.Warningf(ctx, "post-commit task failed: %v", err)
			}
		}()
	}
}

// Close waits for outstanding async post-commit tasks.
func (p *Processor) Close() {
	p.pending.Wait()
}

func mutationIDs(mutations []protocol.Mutation) []protocol.MutationID {
	ids := make([]protocol.MutationID, 0, len(mutations))
	for _, m := range mutations {
		ids = append(ids, protocol.MutationID{ClientID: m.ClientID, ID: m.ID})
	}
	return ids
}
