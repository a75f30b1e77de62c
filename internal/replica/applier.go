// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package replica

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"

	"github.com/juju/zerocache/core/changestream"
	"github.com/juju/zerocache/core/logger"
)

// ApplierStore is the replica surface the applier writes through.
type ApplierStore interface {
	AppendChanges(ctx context.Context, entries []ChangeEntry) error
	SetWatermark(ctx context.Context, watermark string) error
	UpsertTableMetadata(ctx context.Context, table changestream.TableID, metadata changestream.TableMetadata) error
	TableMetadata(ctx context.Context, table changestream.TableID) (changestream.TableMetadata, error)
	RenameTable(ctx context.Context, old, new changestream.TableID) error
	DropTable(ctx context.Context, table changestream.TableID) error
	SetColumnBackfill(ctx context.Context, table changestream.TableID, column string, ref changestream.ColumnRef) error
	ClearColumnBackfill(ctx context.Context, table changestream.TableID, columns []string) error
}

// MessageSource is the consumer side of the multiplexed change
// stream.
type MessageSource interface {
	Next(ctx context.Context) (changestream.Message, bool, error)
}

// Applier drains the multiplexed change stream into the replica file:
// row changes become change-log entries stamped with the transaction
// watermark, schema changes maintain the table and column metadata,
// and every commit advances the replica watermark.
type Applier struct {
	store  ApplierStore
	logger logger.Logger

	// metadata caches row key definitions per table. Entries are
	// dropped whenever the stream rewrites a table's metadata.
	metadata map[changestream.TableID]changestream.TableMetadata

	// Open transaction state.
	txWatermark string
	entries     []ChangeEntry
}

// NewApplier returns an applier writing through store.
func NewApplier(store ApplierStore, logger logger.Logger) *Applier {
	return &Applier{
		store:    store,
		logger:   logger,
		metadata: make(map[changestream.TableID]changestream.TableMetadata),
	}
}

// Run applies messages until the source ends. The source ending
// without error is a clean stop; any apply failure is fatal, since a
// partially applied transaction must not be committed.
func (a *Applier) Run(ctx context.Context, src MessageSource) error {
	for {
		msg, ok, err := src.Next(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if !ok {
			a.logger.Infof(ctx, "change stream ended")
			return nil
		}
		if err := a.Apply(ctx, msg); err != nil {
			return errors.Trace(err)
		}
	}
}

// Apply handles a single message.
func (a *Applier) Apply(ctx context.Context, msg changestream.Message) error {
	switch m := msg.(type) {
	case changestream.Begin:
		if a.txWatermark != "" {
			return errors.Errorf("begin at %q inside open transaction %q", m.CommitWatermark, a.txWatermark)
		}
		a.txWatermark = m.CommitWatermark
		a.entries = a.entries[:0]
		return nil

	case changestream.Commit:
		if a.txWatermark == "" {
			return errors.Errorf("commit at %q outside transaction", m.Watermark)
		}
		if len(a.entries) > 0 {
			for i := range a.entries {
				a.entries[i].StateVersion = m.Watermark
			}
			if err := a.store.AppendChanges(ctx, a.entries); err != nil {
				return errors.Annotate(err, "appending change log")
			}
		}
		a.txWatermark = ""
		a.entries = nil
		return errors.Annotate(a.store.SetWatermark(ctx, m.Watermark), "advancing watermark")

	case changestream.Rollback:
		a.txWatermark = ""
		a.entries = nil
		return nil

	case changestream.Status:
		if a.txWatermark != "" {
			return errors.Errorf("status at %q inside transaction", m.Watermark)
		}
		return errors.Annotate(a.store.SetWatermark(ctx, m.Watermark), "advancing watermark")

	case changestream.Data:
		if a.txWatermark == "" {
			return errors.Errorf("data change %q outside transaction", m.Change.Tag())
		}
		return errors.Trace(a.applyChange(ctx, m.Change))

	default:
		return errors.Errorf("unknown message kind %q", msg.MessageKind())
	}
}

func (a *Applier) applyChange(ctx context.Context, change changestream.Change) error {
	switch c := change.(type) {
	case changestream.Insert:
		key, err := a.rowKey(ctx, c.Table, c.Row)
		if err != nil {
			return errors.Trace(err)
		}
		a.append(c.Table, key, OpSet, c.Row)
		return nil

	case changestream.Update:
		// A row key change is modelled as delete-old plus insert-new,
		// which is what makes stale backfill snapshots detectable.
		if c.KeyChanged() {
			oldKey, err := encodeKey(c.OldKey)
			if err != nil {
				return errors.Trace(err)
			}
			a.append(c.Table, oldKey, OpDelete, nil)
		}
		key, err := a.rowKey(ctx, c.Table, c.Row)
		if err != nil {
			return errors.Trace(err)
		}
		a.append(c.Table, key, OpSet, c.Row)
		return nil

	case changestream.Delete:
		key, err := encodeKey(c.Key)
		if err != nil {
			return errors.Trace(err)
		}
		a.append(c.Table, key, OpDelete, nil)
		return nil

	case changestream.Truncate:
		for _, table := range c.Tables {
			a.append(table, "", OpTruncate, nil)
		}
		return nil

	case changestream.CreateTable:
		a.metadata[c.Table.TableID] = c.Table.Metadata
		if err := a.store.UpsertTableMetadata(ctx, c.Table.TableID, c.Table.Metadata); err != nil {
			return errors.Trace(err)
		}
		for column, ref := range c.Backfill {
			if err := a.store.SetColumnBackfill(ctx, c.Table.TableID, column, ref); err != nil {
				return errors.Trace(err)
			}
		}
		return nil

	case changestream.DropTable:
		delete(a.metadata, c.Table)
		return errors.Trace(a.store.DropTable(ctx, c.Table))

	case changestream.RenameTable:
		delete(a.metadata, c.Old)
		delete(a.metadata, c.New)
		return errors.Trace(a.store.RenameTable(ctx, c.Old, c.New))

	case changestream.UpdateTableMetadata:
		a.metadata[c.Table] = c.Metadata
		return errors.Trace(a.store.UpsertTableMetadata(ctx, c.Table, c.Metadata))

	case changestream.AddColumn:
		if c.Backfill != nil {
			return errors.Trace(a.store.SetColumnBackfill(ctx, c.Table, c.Name, *c.Backfill))
		}
		return nil

	case changestream.DropColumn:
		return errors.Trace(a.store.ClearColumnBackfill(ctx, c.Table, []string{c.Name}))

	case changestream.UpdateColumn:
		if !c.Renamed() {
			return nil
		}
		// Any pending marker under the old name is rewritten by the
		// backfill manager's request bookkeeping; here only the stale
		// marker needs clearing.
		return errors.Trace(a.store.ClearColumnBackfill(ctx, c.Table, []string{c.Old}))

	case changestream.CreateIndex, changestream.DropIndex, changestream.Relation:
		return nil

	case changestream.Backfill:
		for _, values := range c.RowValues {
			row := make(map[string]any, len(c.Columns))
			for i, column := range c.Columns {
				if i < len(values) {
					row[column] = values[i]
				}
			}
			key := make(map[string]any, len(c.KeyColumns))
			for _, column := range c.KeyColumns {
				key[column] = row[column]
			}
			encoded, err := encodeKey(key)
			if err != nil {
				return errors.Trace(err)
			}
			a.append(c.Table, encoded, OpSet, row)
		}
		return nil

	case changestream.BackfillCompleted:
		return errors.Trace(a.store.ClearColumnBackfill(ctx, c.Table, c.Columns))

	default:
		return errors.Errorf("unknown change tag %q", change.Tag())
	}
}

func (a *Applier) append(table changestream.TableID, rowKey string, op ChangeOp, row map[string]any) {
	entry := ChangeEntry{
		Table:  table.String(),
		RowKey: rowKey,
		Op:     op,
	}
	if row != nil {
		if data, err := json.Marshal(row); err == nil {
			entry.Row = string(data)
		}
	}
	a.entries = append(a.entries, entry)
}

// rowKey extracts and encodes the row's key columns per the table's
// replication metadata.
func (a *Applier) rowKey(ctx context.Context, table changestream.TableID, row map[string]any) (string, error) {
	metadata, cached := a.metadata[table]
	if !cached {
		var err error
		metadata, err = a.store.TableMetadata(ctx, table)
		if err != nil {
			return "", errors.Annotatef(err, "row key metadata for %s", table.String())
		}
		a.metadata[table] = metadata
	}
	key := make(map[string]any, len(metadata.RowKey))
	for column := range metadata.RowKey {
		key[column] = row[column]
	}
	return encodeKey(key)
}

func encodeKey(key map[string]any) (string, error) {
	data, err := json.Marshal(key)
	if err != nil {
		return "", errors.Annotate(err, "encoding row key")
	}
	return string(data), nil
}
