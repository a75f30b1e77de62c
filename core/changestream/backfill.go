// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changestream

// BackfillRequest names a table and the set of columns whose
// historical data must be loaded. The identity of a request is the
// table's (schema, name) pair.
type BackfillRequest struct {
	Table   TableSpec
	Columns map[string]ColumnRef
}

// Clone returns a deep enough copy of the request for the caller to
// mutate the column set without aliasing the original.
func (r BackfillRequest) Clone() BackfillRequest {
	columns := make(map[string]ColumnRef, len(r.Columns))
	for name, ref := range r.Columns {
		columns[name] = ref
	}
	return BackfillRequest{Table: r.Table, Columns: columns}
}

// ColumnNames returns the requested column names in unspecified
// order.
func (r BackfillRequest) ColumnNames() []string {
	names := make([]string, 0, len(r.Columns))
	for name := range r.Columns {
		names = append(names, name)
	}
	return names
}
