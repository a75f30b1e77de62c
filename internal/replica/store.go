// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	"github.com/juju/zerocache/core/changestream"
	coredatabase "github.com/juju/zerocache/core/database"
)

// ChangeOp is the operation recorded for one change-log row.
type ChangeOp string

const (
	OpSet      ChangeOp = "s"
	OpDelete   ChangeOp = "d"
	OpTruncate ChangeOp = "t"
)

// ChangeEntry is one row of the replica change log.
type ChangeEntry struct {
	StateVersion string
	Table        string
	RowKey       string
	Op           ChangeOp
	Row          string
}

// Client is one row of the client bookkeeping table.
type Client struct {
	ClientGroupID string
	ClientID      string
	PatchVersion  string
	Deleted       bool
}

type dbClient struct {
	ClientGroupID string `db:"clientGroupID"`
	ClientID      string `db:"clientID"`
	PatchVersion  string `db:"patchVersion"`
	Deleted       bool   `db:"deleted"`
}

type dbChange struct {
	StateVersion string         `db:"stateVersion"`
	TableName    string         `db:"tableName"`
	RowKey       string         `db:"rowKey"`
	Op           string         `db:"op"`
	Row          sql.NullString `db:"row"`
}

type dbColumnMetadata struct {
	TableName  string         `db:"tableName"`
	ColumnName string         `db:"columnName"`
	Metadata   string         `db:"metadata"`
	Backfill   sql.NullString `db:"backfill"`
}

type dbTableMetadata struct {
	TableName string         `db:"tableName"`
	Metadata  sql.NullString `db:"metadata"`
}

type dbStateVersion struct {
	StateVersion string `db:"stateVersion"`
}

type dbEvent struct {
	Event string `db:"event"`
}

// tableMetadataBlob is the JSON shape of the per-table metadata
// column.
type tableMetadataBlob struct {
	RowKey map[string]any `json:"rowKey"`
}

// Store is the statement surface over the replica file.
type Store struct {
	runner coredatabase.TxnRunner
}

// NewStore returns a store over the given runner.
func NewStore(runner coredatabase.TxnRunner) *Store {
	return &Store{runner: runner}
}

// Watermark returns the replica's current state version, or the empty
// string for a freshly reset file.
func (s *Store) Watermark(ctx context.Context) (string, error) {
	stmt, err := sqlair.Prepare(`
SELECT &dbStateVersion.*
FROM "_zero.versionHistory"`, dbStateVersion{})
	if err != nil {
		return "", errors.Annotate(err, "preparing watermark statement")
	}

	var version dbStateVersion
	err = s.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, stmt).Get(&version)
	})
	if errors.Is(err, sqlair.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Trace(err)
	}
	return version.StateVersion, nil
}

// SetWatermark records the replica's state version.
func (s *Store) SetWatermark(ctx context.Context, watermark string) error {
	stmt, err := sqlair.Prepare(`
INSERT INTO "_zero.versionHistory" ("lock", stateVersion)
VALUES (1, $dbStateVersion.stateVersion)
ON CONFLICT ("lock") DO UPDATE SET
    stateVersion = excluded.stateVersion,
    at = STRFTIME('%Y-%m-%d %H:%M:%f', 'NOW', 'utc')`, dbStateVersion{})
	if err != nil {
		return errors.Annotate(err, "preparing set watermark statement")
	}

	return errors.Trace(s.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, stmt, dbStateVersion{StateVersion: watermark}).Run()
	}))
}

// PendingBackfills returns one request per table that still has
// columns marked for backfill, carrying the table's row key metadata.
func (s *Store) PendingBackfills(ctx context.Context) ([]changestream.BackfillRequest, error) {
	columnStmt, err := sqlair.Prepare(`
SELECT &dbColumnMetadata.*
FROM "_zero.column_metadata"
WHERE backfill IS NOT NULL
ORDER BY tableName, columnName`, dbColumnMetadata{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing pending backfills statement")
	}
	metadataStmt, err := sqlair.Prepare(`
SELECT &dbTableMetadata.*
FROM "_zero.tableMetadata"`, dbTableMetadata{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing table metadata statement")
	}

	var (
		columns []dbColumnMetadata
		tables  []dbTableMetadata
	)
	err = s.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		if err := tx.Query(ctx, columnStmt).GetAll(&columns); err != nil && !errors.Is(err, sqlair.ErrNoRows) {
			return errors.Trace(err)
		}
		if err := tx.Query(ctx, metadataStmt).GetAll(&tables); err != nil && !errors.Is(err, sqlair.ErrNoRows) {
			return errors.Trace(err)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	metadata := make(map[string]changestream.TableMetadata, len(tables))
	for _, t := range tables {
		var blob tableMetadataBlob
		if t.Metadata.Valid && t.Metadata.String != "" {
			if err := json.Unmarshal([]byte(t.Metadata.String), &blob); err != nil {
				return nil, errors.Annotatef(err, "table %q metadata", t.TableName)
			}
		}
		metadata[t.TableName] = changestream.TableMetadata{RowKey: blob.RowKey}
	}

	requests := make(map[string]changestream.BackfillRequest)
	var order []string
	for _, col := range columns {
		id, err := strconv.ParseInt(col.Backfill.String, 10, 64)
		if err != nil {
			return nil, errors.Annotatef(err, "column %s.%s backfill id %q",
				col.TableName, col.ColumnName, col.Backfill.String)
		}
		req, ok := requests[col.TableName]
		if !ok {
			req = changestream.BackfillRequest{
				Table: changestream.TableSpec{
					TableID:  parseTableName(col.TableName),
					Metadata: metadata[col.TableName],
				},
				Columns: make(map[string]changestream.ColumnRef),
			}
			order = append(order, col.TableName)
		}
		req.Columns[col.ColumnName] = changestream.ColumnRef{ID: id}
		requests[col.TableName] = req
	}

	out := make([]changestream.BackfillRequest, 0, len(order))
	for _, name := range order {
		out = append(out, requests[name])
	}
	return out, nil
}

// SetColumnBackfill records that a column needs historical data
// loaded, identified by its upstream column id.
func (s *Store) SetColumnBackfill(ctx context.Context, table changestream.TableID, column string, ref changestream.ColumnRef) error {
	stmt, err := sqlair.Prepare(`
INSERT INTO "_zero.column_metadata" (tableName, columnName, backfill)
VALUES ($dbColumnMetadata.tableName, $dbColumnMetadata.columnName, $dbColumnMetadata.backfill)
ON CONFLICT (tableName, columnName) DO UPDATE SET
    backfill = excluded.backfill`, dbColumnMetadata{})
	if err != nil {
		return errors.Annotate(err, "preparing set column backfill statement")
	}

	row := dbColumnMetadata{
		TableName:  table.String(),
		ColumnName: column,
		Backfill:   sql.NullString{String: strconv.FormatInt(ref.ID, 10), Valid: true},
	}
	return errors.Trace(s.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, stmt, row).Run()
	}))
}

// ClearColumnBackfill marks the given columns as fully loaded.
func (s *Store) ClearColumnBackfill(ctx context.Context, table changestream.TableID, columns []string) error {
	stmt, err := sqlair.Prepare(`
UPDATE "_zero.column_metadata"
SET backfill = NULL
WHERE tableName = $dbColumnMetadata.tableName
AND columnName = $dbColumnMetadata.columnName`, dbColumnMetadata{})
	if err != nil {
		return errors.Annotate(err, "preparing clear column backfill statement")
	}

	return errors.Trace(s.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		for _, column := range columns {
			row := dbColumnMetadata{TableName: table.String(), ColumnName: column}
			if err := tx.Query(ctx, stmt, row).Run(); err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	}))
}

// UpsertTableMetadata replaces a table's replication metadata.
func (s *Store) UpsertTableMetadata(ctx context.Context, table changestream.TableID, metadata changestream.TableMetadata) error {
	blob, err := json.Marshal(tableMetadataBlob{RowKey: metadata.RowKey})
	if err != nil {
		return errors.Trace(err)
	}

	stmt, err := sqlair.Prepare(`
INSERT INTO "_zero.tableMetadata" (tableName, metadata)
VALUES ($dbTableMetadata.tableName, $dbTableMetadata.metadata)
ON CONFLICT (tableName) DO UPDATE SET
    metadata = excluded.metadata`, dbTableMetadata{})
	if err != nil {
		return errors.Annotate(err, "preparing upsert table metadata statement")
	}

	row := dbTableMetadata{
		TableName: table.String(),
		Metadata:  sql.NullString{String: string(blob), Valid: true},
	}
	return errors.Trace(s.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, stmt, row).Run()
	}))
}

// TableMetadata returns a table's replication metadata. Missing
// tables report no row key.
func (s *Store) TableMetadata(ctx context.Context, table changestream.TableID) (changestream.TableMetadata, error) {
	stmt, err := sqlair.Prepare(`
SELECT &dbTableMetadata.*
FROM "_zero.tableMetadata"
WHERE tableName = $dbTableMetadata.tableName`, dbTableMetadata{})
	if err != nil {
		return changestream.TableMetadata{}, errors.Annotate(err, "preparing table metadata statement")
	}

	row := dbTableMetadata{TableName: table.String()}
	err = s.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, stmt, row).Get(&row)
	})
	if errors.Is(err, sqlair.ErrNoRows) {
		return changestream.TableMetadata{}, nil
	}
	if err != nil {
		return changestream.TableMetadata{}, errors.Trace(err)
	}

	var blob tableMetadataBlob
	if row.Metadata.Valid && row.Metadata.String != "" {
		if err := json.Unmarshal([]byte(row.Metadata.String), &blob); err != nil {
			return changestream.TableMetadata{}, errors.Annotatef(err, "table %q metadata", table.String())
		}
	}
	return changestream.TableMetadata{RowKey: blob.RowKey}, nil
}

// RenameTable re-keys a table's metadata and column rows.
func (s *Store) RenameTable(ctx context.Context, old, new changestream.TableID) error {
	type rename struct {
		Old string `db:"old"`
		New string `db:"new"`
	}
	tableStmt, err := sqlair.Prepare(`
UPDATE "_zero.tableMetadata"
SET tableName = $rename.new
WHERE tableName = $rename.old`, rename{})
	if err != nil {
		return errors.Annotate(err, "preparing rename table statement")
	}
	columnStmt, err := sqlair.Prepare(`
UPDATE "_zero.column_metadata"
SET tableName = $rename.new
WHERE tableName = $rename.old`, rename{})
	if err != nil {
		return errors.Annotate(err, "preparing rename table columns statement")
	}

	args := rename{Old: old.String(), New: new.String()}
	return errors.Trace(s.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		if err := tx.Query(ctx, tableStmt, args).Run(); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(tx.Query(ctx, columnStmt, args).Run())
	}))
}

// DropTable removes a table's metadata and column rows.
func (s *Store) DropTable(ctx context.Context, table changestream.TableID) error {
	tableStmt, err := sqlair.Prepare(`
DELETE FROM "_zero.tableMetadata"
WHERE tableName = $dbTableMetadata.tableName`, dbTableMetadata{})
	if err != nil {
		return errors.Annotate(err, "preparing drop table statement")
	}
	columnStmt, err := sqlair.Prepare(`
DELETE FROM "_zero.column_metadata"
WHERE tableName = $dbColumnMetadata.tableName`, dbColumnMetadata{})
	if err != nil {
		return errors.Annotate(err, "preparing drop table columns statement")
	}

	return errors.Trace(s.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		if err := tx.Query(ctx, tableStmt, dbTableMetadata{TableName: table.String()}).Run(); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(tx.Query(ctx, columnStmt, dbColumnMetadata{TableName: table.String()}).Run())
	}))
}

// AppendChanges writes change-log entries. Re-writing the same
// (version, table, key) replaces the earlier entry, collapsing
// repeated writes within a transaction.
func (s *Store) AppendChanges(ctx context.Context, entries []ChangeEntry) error {
	stmt, err := sqlair.Prepare(`
INSERT OR REPLACE INTO "_zero.changeLog2" (stateVersion, tableName, rowKey, op, row)
VALUES ($dbChange.*)`, dbChange{})
	if err != nil {
		return errors.Annotate(err, "preparing append changes statement")
	}

	return errors.Trace(s.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		for _, entry := range entries {
			row := dbChange{
				StateVersion: entry.StateVersion,
				TableName:    entry.Table,
				RowKey:       entry.RowKey,
				Op:           string(entry.Op),
				Row:          sql.NullString{String: entry.Row, Valid: entry.Row != ""},
			}
			if err := tx.Query(ctx, stmt, row).Run(); err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	}))
}

// ChangesSince returns all change-log entries strictly after the
// given state version, in version order.
func (s *Store) ChangesSince(ctx context.Context, stateVersion string) ([]ChangeEntry, error) {
	stmt, err := sqlair.Prepare(`
SELECT &dbChange.*
FROM "_zero.changeLog2"
WHERE stateVersion > $dbChange.stateVersion
ORDER BY stateVersion, tableName, rowKey`, dbChange{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing changes since statement")
	}

	var rows []dbChange
	err = s.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, dbChange{StateVersion: stateVersion}).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	entries := make([]ChangeEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, ChangeEntry{
			StateVersion: row.StateVersion,
			Table:        row.TableName,
			RowKey:       row.RowKey,
			Op:           ChangeOp(row.Op),
			Row:          row.Row.String,
		})
	}
	return entries, nil
}

// PruneChanges drops change-log entries at or below the given state
// version, once every consumer has acknowledged it.
func (s *Store) PruneChanges(ctx context.Context, stateVersion string) error {
	stmt, err := sqlair.Prepare(`
DELETE FROM "_zero.changeLog2"
WHERE stateVersion <= $dbChange.stateVersion`, dbChange{})
	if err != nil {
		return errors.Annotate(err, "preparing prune changes statement")
	}

	return errors.Trace(s.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, stmt, dbChange{StateVersion: stateVersion}).Run()
	}))
}

// UpsertClient records a client's patch version.
func (s *Store) UpsertClient(ctx context.Context, client Client) error {
	stmt, err := sqlair.Prepare(`
INSERT INTO "_zero.clients" (clientGroupID, clientID, patchVersion, deleted)
VALUES ($dbClient.*)
ON CONFLICT (clientGroupID, clientID) DO UPDATE SET
    patchVersion = excluded.patchVersion,
    deleted = excluded.deleted`, dbClient{})
	if err != nil {
		return errors.Annotate(err, "preparing upsert client statement")
	}

	row := dbClient{
		ClientGroupID: client.ClientGroupID,
		ClientID:      client.ClientID,
		PatchVersion:  client.PatchVersion,
		Deleted:       client.Deleted,
	}
	return errors.Trace(s.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, stmt, row).Run()
	}))
}

// DeleteClients removes the given clients from the bookkeeping table.
func (s *Store) DeleteClients(ctx context.Context, clientGroupID string, clientIDs []string) error {
	stmt, err := sqlair.Prepare(`
DELETE FROM "_zero.clients"
WHERE clientGroupID = $dbClient.clientGroupID
AND clientID = $dbClient.clientID`, dbClient{})
	if err != nil {
		return errors.Annotate(err, "preparing delete clients statement")
	}

	return errors.Trace(s.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		for _, id := range clientIDs {
			row := dbClient{ClientGroupID: clientGroupID, ClientID: id}
			if err := tx.Query(ctx, stmt, row).Run(); err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	}))
}

// Clients returns all clients in a client group.
func (s *Store) Clients(ctx context.Context, clientGroupID string) ([]Client, error) {
	stmt, err := sqlair.Prepare(`
SELECT &dbClient.*
FROM "_zero.clients"
WHERE clientGroupID = $dbClient.clientGroupID
ORDER BY clientID`, dbClient{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing clients statement")
	}

	var rows []dbClient
	err = s.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, dbClient{ClientGroupID: clientGroupID}).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	clients := make([]Client, 0, len(rows))
	for _, row := range rows {
		clients = append(clients, Client{
			ClientGroupID: row.ClientGroupID,
			ClientID:      row.ClientID,
			PatchVersion:  row.PatchVersion,
			Deleted:       row.Deleted,
		})
	}
	return clients, nil
}

// RecordRuntimeEvent appends an operational event, such as a reset
// reason, to the runtime event log.
func (s *Store) RecordRuntimeEvent(ctx context.Context, event string) error {
	stmt, err := sqlair.Prepare(`
INSERT INTO "_zero.runtime_events" (event)
VALUES ($dbEvent.event)`, dbEvent{})
	if err != nil {
		return errors.Annotate(err, "preparing record runtime event statement")
	}

	return errors.Trace(s.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, stmt, dbEvent{Event: event}).Run()
	}))
}

// parseTableName splits a stored "schema.name" table identifier.
func parseTableName(name string) changestream.TableID {
	schema, table, ok := strings.Cut(name, ".")
	if !ok {
		return changestream.TableID{Schema: "public", Name: name}
	}
	return changestream.TableID{Schema: schema, Name: table}
}
