// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package changestream defines the messages that flow from the change
// source and the backfill producer, through the multiplexer, to the
// replica writer. The message set is a closed union: consumers are
// expected to switch exhaustively over the concrete types.
package changestream

// Kind discriminates the top level message union.
type Kind string

const (
	KindBegin    Kind = "begin"
	KindCommit   Kind = "commit"
	KindData     Kind = "data"
	KindStatus   Kind = "status"
	KindRollback Kind = "rollback"
)

// Message is one entry in the change stream. Between a Begin and its
// matching Commit only Data messages appear; Status may appear
// anywhere outside a transaction.
type Message interface {
	// MessageKind returns the kind tag for the message.
	MessageKind() Kind
}

// Begin opens a transaction. The commit watermark, when already known
// to the producer, is carried so that downstream consumers can size
// their version stamps before the commit arrives.
type Begin struct {
	// CommitWatermark is the watermark the closing commit will carry.
	CommitWatermark string
}

// MessageKind is part of the Message interface.
func (Begin) MessageKind() Kind { return KindBegin }

// Commit closes a transaction at a watermark. The watermark is never
// less than that of the begin it closes, and commit watermarks
// strictly increase over the life of the stream.
type Commit struct {
	Watermark string
}

// MessageKind is part of the Message interface.
func (Commit) MessageKind() Kind { return KindCommit }

// Rollback abandons the open transaction.
type Rollback struct{}

// MessageKind is part of the Message interface.
func (Rollback) MessageKind() Kind { return KindRollback }

// Status reports the stream position outside of any transaction.
type Status struct {
	Watermark string

	// Ack indicates the status must be acknowledged downstream.
	// Unacked statuses are delivered to listeners but withheld from
	// the downstream subscription to reduce churn.
	Ack bool
}

// MessageKind is part of the Message interface.
func (Status) MessageKind() Kind { return KindStatus }

// Data carries a single change within a transaction.
type Data struct {
	Change Change
}

// MessageKind is part of the Message interface.
func (Data) MessageKind() Kind { return KindData }

// ChangeTag discriminates the data change union.
type ChangeTag string

const (
	TagInsert              ChangeTag = "insert"
	TagUpdate              ChangeTag = "update"
	TagDelete              ChangeTag = "delete"
	TagTruncate            ChangeTag = "truncate"
	TagCreateTable         ChangeTag = "create-table"
	TagDropTable           ChangeTag = "drop-table"
	TagRenameTable         ChangeTag = "rename-table"
	TagUpdateTableMetadata ChangeTag = "update-table-metadata"
	TagAddColumn           ChangeTag = "add-column"
	TagDropColumn          ChangeTag = "drop-column"
	TagUpdateColumn        ChangeTag = "update-column"
	TagCreateIndex         ChangeTag = "create-index"
	TagDropIndex           ChangeTag = "drop-index"
	TagBackfill            ChangeTag = "backfill"
	TagBackfillCompleted   ChangeTag = "backfill-completed"
	TagRelation            ChangeTag = "relation"
)

// Change is the payload of a Data message.
type Change interface {
	// Tag returns the tag for the change.
	Tag() ChangeTag
}

// TableID identifies a table by schema and name.
type TableID struct {
	Schema string
	Name   string
}

// String implements Stringer.
func (t TableID) String() string {
	return t.Schema + "." + t.Name
}

// TableMetadata is the replication level metadata tracked per table.
type TableMetadata struct {
	// RowKey maps the columns identifying a row for change tracking
	// to their declared values. The map may be empty, which marks a
	// table without a usable row key; such a table can only be
	// backfilled once a key has been declared.
	RowKey map[string]any
}

// HasRowKey reports whether the table has any row key columns.
func (m TableMetadata) HasRowKey() bool {
	return len(m.RowKey) > 0
}

// TableSpec is a table identity together with its metadata.
type TableSpec struct {
	TableID
	Metadata TableMetadata
}

// ColumnRef identifies a column by its upstream column id, which is
// stable across renames.
type ColumnRef struct {
	ID int64
}

// Insert is a new row.
type Insert struct {
	Table TableID
	Row   map[string]any
}

// Tag is part of the Change interface.
func (Insert) Tag() ChangeTag { return TagInsert }

// Update is a changed row. When the change altered any row key column
// the previous key is carried in OldKey, and the replica models the
// change as delete-old plus insert-new.
type Update struct {
	Table TableID
	Row   map[string]any

	// OldKey is nil unless a row key column changed.
	OldKey map[string]any
}

// Tag is part of the Change interface.
func (Update) Tag() ChangeTag { return TagUpdate }

// KeyChanged reports whether the update moved the row to a new key.
func (u Update) KeyChanged() bool {
	return len(u.OldKey) > 0
}

// Delete removes a row by key.
type Delete struct {
	Table TableID
	Key   map[string]any
}

// Tag is part of the Change interface.
func (Delete) Tag() ChangeTag { return TagDelete }

// Truncate removes all rows from the named tables.
type Truncate struct {
	Tables []TableID
}

// Tag is part of the Change interface.
func (Truncate) Tag() ChangeTag { return TagTruncate }

// CreateTable introduces a newly published table. The Backfill map,
// when non empty, names the columns whose historical data must be
// loaded.
type CreateTable struct {
	Table    TableSpec
	Backfill map[string]ColumnRef
}

// Tag is part of the Change interface.
func (CreateTable) Tag() ChangeTag { return TagCreateTable }

// DropTable removes a table.
type DropTable struct {
	Table TableID
}

// Tag is part of the Change interface.
func (DropTable) Tag() ChangeTag { return TagDropTable }

// RenameTable renames a table.
type RenameTable struct {
	Old TableID
	New TableID
}

// Tag is part of the Change interface.
func (RenameTable) Tag() ChangeTag { return TagRenameTable }

// UpdateTableMetadata replaces a table's replication metadata,
// typically because the row key definition changed.
type UpdateTableMetadata struct {
	Table    TableID
	Metadata TableMetadata
}

// Tag is part of the Change interface.
func (UpdateTableMetadata) Tag() ChangeTag { return TagUpdateTableMetadata }

// AddColumn adds a column. Backfill is non nil when the column's
// historical data must be loaded.
type AddColumn struct {
	Table    TableID
	Name     string
	Backfill *ColumnRef
}

// Tag is part of the Change interface.
func (AddColumn) Tag() ChangeTag { return TagAddColumn }

// DropColumn removes a column.
type DropColumn struct {
	Table TableID
	Name  string
}

// Tag is part of the Change interface.
func (DropColumn) Tag() ChangeTag { return TagDropColumn }

// UpdateColumn alters a column, renaming it when Old and New differ.
type UpdateColumn struct {
	Table TableID
	Old   string
	New   string
}

// Tag is part of the Change interface.
func (UpdateColumn) Tag() ChangeTag { return TagUpdateColumn }

// Renamed reports whether the column changed name.
func (u UpdateColumn) Renamed() bool {
	return u.Old != u.New
}

// CreateIndex creates an index.
type CreateIndex struct {
	Table TableID
	Name  string
}

// Tag is part of the Change interface.
func (CreateIndex) Tag() ChangeTag { return TagCreateIndex }

// DropIndex drops an index.
type DropIndex struct {
	Table TableID
	Name  string
}

// Tag is part of the Change interface.
func (DropIndex) Tag() ChangeTag { return TagDropIndex }

// Relation describes the shape of a table at the head of a backfill
// stream, ahead of any row data.
type Relation struct {
	Table      TableID
	Columns    []string
	KeyColumns []string
}

// Tag is part of the Change interface.
func (Relation) Tag() ChangeTag { return TagRelation }

// Backfill carries a batch of historical rows for a table at a
// snapshot watermark.
type Backfill struct {
	Table TableID

	// Watermark is the snapshot watermark the rows were read at.
	Watermark string

	Columns    []string
	KeyColumns []string
	RowValues  [][]any
}

// Tag is part of the Change interface.
func (Backfill) Tag() ChangeTag { return TagBackfill }

// BackfillCompleted closes a backfill stream for a table, naming the
// columns that were loaded and the snapshot watermark they are valid
// at.
type BackfillCompleted struct {
	Table      TableID
	Watermark  string
	Columns    []string
	KeyColumns []string
}

// Tag is part of the Change interface.
func (BackfillCompleted) Tag() ChangeTag { return TagBackfillCompleted }
