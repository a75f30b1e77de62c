// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changestream

import (
	"encoding/json"

	"github.com/juju/errors"
)

// The wire form of a message is a tagged array [kind, body], with
// data messages nesting their change as [kind, [tag, change]]. The
// form mirrors the client protocol framing so both streams can share
// tooling.

type wireBegin struct {
	CommitWatermark string `json:"commitWatermark,omitempty"`
}

type wireCommit struct {
	Watermark string `json:"watermark"`
}

type wireStatus struct {
	Watermark string `json:"watermark"`
	Ack       bool   `json:"ack,omitempty"`
}

type wireTable struct {
	Schema   string          `json:"schema"`
	Name     string          `json:"name"`
	Metadata *wireMetadata   `json:"metadata,omitempty"`
	Backfill map[string]int64 `json:"backfill,omitempty"`
}

type wireMetadata struct {
	RowKey map[string]any `json:"rowKey"`
}

type wireChange struct {
	Table      *wireTable       `json:"table,omitempty"`
	Tables     []wireTable      `json:"tables,omitempty"`
	Old        *wireTable       `json:"old,omitempty"`
	New        *wireTable       `json:"new,omitempty"`
	Row        map[string]any   `json:"row,omitempty"`
	OldKey     map[string]any   `json:"oldKey,omitempty"`
	Key        map[string]any   `json:"key,omitempty"`
	Column     string           `json:"column,omitempty"`
	OldColumn  string           `json:"oldColumn,omitempty"`
	NewColumn  string           `json:"newColumn,omitempty"`
	Name       string           `json:"name,omitempty"`
	BackfillID *int64           `json:"backfillID,omitempty"`
	Watermark  string           `json:"watermark,omitempty"`
	Columns    []string         `json:"columns,omitempty"`
	KeyColumns []string         `json:"keyColumns,omitempty"`
	RowValues  [][]any          `json:"rowValues,omitempty"`
}

// EncodeMessage renders a message in its wire form.
func EncodeMessage(msg Message) ([]byte, error) {
	var body any
	switch m := msg.(type) {
	case Begin:
		body = wireBegin{CommitWatermark: m.CommitWatermark}
	case Commit:
		body = wireCommit{Watermark: m.Watermark}
	case Rollback:
		body = struct{}{}
	case Status:
		body = wireStatus{Watermark: m.Watermark, Ack: m.Ack}
	case Data:
		change, err := encodeChange(m.Change)
		if err != nil {
			return nil, errors.Trace(err)
		}
		body = change
	default:
		return nil, errors.Errorf("unknown message kind %q", msg.MessageKind())
	}
	data, err := json.Marshal([]any{msg.MessageKind(), body})
	return data, errors.Trace(err)
}

func encodeChange(change Change) (any, error) {
	w := wireChange{}
	switch c := change.(type) {
	case Insert:
		w.Table = tableRef(c.Table)
		w.Row = c.Row
	case Update:
		w.Table = tableRef(c.Table)
		w.Row = c.Row
		w.OldKey = c.OldKey
	case Delete:
		w.Table = tableRef(c.Table)
		w.Key = c.Key
	case Truncate:
		for _, t := range c.Tables {
			w.Tables = append(w.Tables, *tableRef(t))
		}
	case CreateTable:
		w.Table = tableSpec(c.Table)
		w.Table.Backfill = columnRefs(c.Backfill)
	case DropTable:
		w.Table = tableRef(c.Table)
	case RenameTable:
		w.Old = tableRef(c.Old)
		w.New = tableRef(c.New)
	case UpdateTableMetadata:
		w.Table = tableRef(c.Table)
		w.Table.Metadata = &wireMetadata{RowKey: c.Metadata.RowKey}
	case AddColumn:
		w.Table = tableRef(c.Table)
		w.Column = c.Name
		if c.Backfill != nil {
			id := c.Backfill.ID
			w.BackfillID = &id
		}
	case DropColumn:
		w.Table = tableRef(c.Table)
		w.Column = c.Name
	case UpdateColumn:
		w.Table = tableRef(c.Table)
		w.OldColumn = c.Old
		w.NewColumn = c.New
	case CreateIndex:
		w.Table = tableRef(c.Table)
		w.Name = c.Name
	case DropIndex:
		w.Table = tableRef(c.Table)
		w.Name = c.Name
	case Relation:
		w.Table = tableRef(c.Table)
		w.Columns = c.Columns
		w.KeyColumns = c.KeyColumns
	case Backfill:
		w.Table = tableRef(c.Table)
		w.Watermark = c.Watermark
		w.Columns = c.Columns
		w.KeyColumns = c.KeyColumns
		w.RowValues = c.RowValues
	case BackfillCompleted:
		w.Table = tableRef(c.Table)
		w.Watermark = c.Watermark
		w.Columns = c.Columns
		w.KeyColumns = c.KeyColumns
	default:
		return nil, errors.Errorf("unknown change tag %q", change.Tag())
	}
	return []any{change.Tag(), w}, nil
}

func tableRef(t TableID) *wireTable {
	return &wireTable{Schema: t.Schema, Name: t.Name}
}

func tableSpec(t TableSpec) *wireTable {
	w := tableRef(t.TableID)
	w.Metadata = &wireMetadata{RowKey: t.Metadata.RowKey}
	return w
}

func columnRefs(columns map[string]ColumnRef) map[string]int64 {
	if len(columns) == 0 {
		return nil
	}
	out := make(map[string]int64, len(columns))
	for name, ref := range columns {
		out[name] = ref.ID
	}
	return out
}

// DecodeMessage parses a wire form message.
func DecodeMessage(data []byte) (Message, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, errors.Annotate(err, "decoding change message")
	}
	if len(parts) < 1 || len(parts) > 2 {
		return nil, errors.Errorf("expected [kind, body], got %d elements", len(parts))
	}
	var kind Kind
	if err := json.Unmarshal(parts[0], &kind); err != nil {
		return nil, errors.Annotate(err, "decoding message kind")
	}
	var body json.RawMessage
	if len(parts) == 2 {
		body = parts[1]
	}

	switch kind {
	case KindBegin:
		var w wireBegin
		if err := unmarshalBody(body, &w); err != nil {
			return nil, errors.Trace(err)
		}
		return Begin{CommitWatermark: w.CommitWatermark}, nil
	case KindCommit:
		var w wireCommit
		if err := unmarshalBody(body, &w); err != nil {
			return nil, errors.Trace(err)
		}
		return Commit{Watermark: w.Watermark}, nil
	case KindRollback:
		return Rollback{}, nil
	case KindStatus:
		var w wireStatus
		if err := unmarshalBody(body, &w); err != nil {
			return nil, errors.Trace(err)
		}
		return Status{Watermark: w.Watermark, Ack: w.Ack}, nil
	case KindData:
		change, err := decodeChange(body)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return Data{Change: change}, nil
	default:
		return nil, errors.Errorf("unknown message kind %q", kind)
	}
}

func decodeChange(data []byte) (Change, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, errors.Annotate(err, "decoding change")
	}
	if len(parts) != 2 {
		return nil, errors.Errorf("expected [tag, change], got %d elements", len(parts))
	}
	var tag ChangeTag
	if err := json.Unmarshal(parts[0], &tag); err != nil {
		return nil, errors.Annotate(err, "decoding change tag")
	}
	var w wireChange
	if err := json.Unmarshal(parts[1], &w); err != nil {
		return nil, errors.Annotate(err, "decoding change body")
	}

	switch tag {
	case TagInsert:
		return Insert{Table: tableID(w.Table), Row: w.Row}, nil
	case TagUpdate:
		return Update{Table: tableID(w.Table), Row: w.Row, OldKey: w.OldKey}, nil
	case TagDelete:
		return Delete{Table: tableID(w.Table), Key: w.Key}, nil
	case TagTruncate:
		var tables []TableID
		for _, t := range w.Tables {
			tables = append(tables, TableID{Schema: t.Schema, Name: t.Name})
		}
		return Truncate{Tables: tables}, nil
	case TagCreateTable:
		spec := TableSpec{TableID: tableID(w.Table)}
		if w.Table != nil && w.Table.Metadata != nil {
			spec.Metadata = TableMetadata{RowKey: w.Table.Metadata.RowKey}
		}
		var backfill map[string]ColumnRef
		if w.Table != nil && len(w.Table.Backfill) > 0 {
			backfill = make(map[string]ColumnRef, len(w.Table.Backfill))
			for name, id := range w.Table.Backfill {
				backfill[name] = ColumnRef{ID: id}
			}
		}
		return CreateTable{Table: spec, Backfill: backfill}, nil
	case TagDropTable:
		return DropTable{Table: tableID(w.Table)}, nil
	case TagRenameTable:
		return RenameTable{Old: tableID(w.Old), New: tableID(w.New)}, nil
	case TagUpdateTableMetadata:
		change := UpdateTableMetadata{Table: tableID(w.Table)}
		if w.Table != nil && w.Table.Metadata != nil {
			change.Metadata = TableMetadata{RowKey: w.Table.Metadata.RowKey}
		}
		return change, nil
	case TagAddColumn:
		change := AddColumn{Table: tableID(w.Table), Name: w.Column}
		if w.BackfillID != nil {
			change.Backfill = &ColumnRef{ID: *w.BackfillID}
		}
		return change, nil
	case TagDropColumn:
		return DropColumn{Table: tableID(w.Table), Name: w.Column}, nil
	case TagUpdateColumn:
		return UpdateColumn{Table: tableID(w.Table), Old: w.OldColumn, New: w.NewColumn}, nil
	case TagCreateIndex:
		return CreateIndex{Table: tableID(w.Table), Name: w.Name}, nil
	case TagDropIndex:
		return DropIndex{Table: tableID(w.Table), Name: w.Name}, nil
	case TagRelation:
		return Relation{Table: tableID(w.Table), Columns: w.Columns, KeyColumns: w.KeyColumns}, nil
	case TagBackfill:
		return Backfill{
			Table:      tableID(w.Table),
			Watermark:  w.Watermark,
			Columns:    w.Columns,
			KeyColumns: w.KeyColumns,
			RowValues:  w.RowValues,
		}, nil
	case TagBackfillCompleted:
		return BackfillCompleted{
			Table:      tableID(w.Table),
			Watermark:  w.Watermark,
			Columns:    w.Columns,
			KeyColumns: w.KeyColumns,
		}, nil
	default:
		return nil, errors.Errorf("unknown change tag %q", tag)
	}
}

func tableID(t *wireTable) TableID {
	if t == nil {
		return TableID{}
	}
	return TableID{Schema: t.Schema, Name: t.Name}
}

func unmarshalBody(data []byte, into any) error {
	if len(data) == 0 {
		return nil
	}
	return errors.Trace(json.Unmarshal(data, into))
}
