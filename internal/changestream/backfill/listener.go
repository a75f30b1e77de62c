// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backfill

import (
	"context"

	"github.com/juju/zerocache/core/changestream"
)

// OnChange implements mux.Listener. Every message on the multiplexer
// flows through here, including the manager's own backfill
// transactions; schema changes rewrite the required set and invalidate
// the running backfill where needed.
func (m *Manager) OnChange(ctx context.Context, msg changestream.Message) {
	switch msg := msg.(type) {
	case changestream.Begin:
		m.mu.Lock()
		m.currentTxWatermark = msg.CommitWatermark
		m.mu.Unlock()

	case changestream.Commit:
		m.mu.Lock()
		m.currentTxWatermark = ""
		m.mu.Unlock()
		m.advanceStatusWatermark(msg.Watermark)
		m.checkAndStartBackfill(ctx)

	case changestream.Rollback:
		m.mu.Lock()
		m.currentTxWatermark = ""
		m.mu.Unlock()

	case changestream.Status:
		m.advanceStatusWatermark(msg.Watermark)

	case changestream.Data:
		m.onDataChange(ctx, msg.Change)
	}
}

func (m *Manager) onDataChange(ctx context.Context, change changestream.Change) {
	switch change := change.(type) {
	case changestream.CreateTable:
		if len(change.Backfill) == 0 {
			return
		}
		columns := make(map[string]changestream.ColumnRef, len(change.Backfill))
		for name, ref := range change.Backfill {
			columns[name] = ref
		}
		m.mu.Lock()
		m.required[change.Table.TableID] = changestream.BackfillRequest{
			Table:   change.Table,
			Columns: columns,
		}
		m.mu.Unlock()

	case changestream.AddColumn:
		if change.Backfill == nil {
			return
		}
		m.mu.Lock()
		if req, ok := m.required[change.Table]; ok {
			req.Columns[change.Name] = *change.Backfill
		} else {
			m.required[change.Table] = changestream.BackfillRequest{
				Table: changestream.TableSpec{TableID: change.Table},
				Columns: map[string]changestream.ColumnRef{
					change.Name: *change.Backfill,
				},
			}
		}
		m.mu.Unlock()
		// A running backfill of the same table is left alone: the new
		// column streams in a followup once the current one completes.

	case changestream.DropColumn:
		m.mu.Lock()
		if req, ok := m.required[change.Table]; ok {
			delete(req.Columns, change.Name)
			if len(req.Columns) == 0 {
				delete(m.required, change.Table)
			}
		}
		cancel := m.running != nil &&
			m.running.request.Table.TableID == change.Table &&
			hasColumn(m.running.request, change.Name)
		m.mu.Unlock()
		if cancel {
			m.cancelRunning("column " + change.Name + " dropped")
		}

	case changestream.UpdateColumn:
		if !change.Renamed() {
			return
		}
		m.mu.Lock()
		if req, ok := m.required[change.Table]; ok {
			if ref, tracked := req.Columns[change.Old]; tracked {
				delete(req.Columns, change.Old)
				req.Columns[change.New] = ref
			}
		}
		cancel := m.running != nil &&
			m.running.request.Table.TableID == change.Table &&
			hasColumn(m.running.request, change.Old)
		m.mu.Unlock()
		if cancel {
			m.cancelRunning("column " + change.Old + " renamed to " + change.New)
		}

	case changestream.RenameTable:
		m.mu.Lock()
		if req, ok := m.required[change.Old]; ok {
			delete(m.required, change.Old)
			req.Table.TableID = change.New
			m.required[change.New] = req
		}
		cancel := m.running != nil && m.running.request.Table.TableID == change.Old
		m.mu.Unlock()
		if cancel {
			m.cancelRunning("table renamed to " + change.New.String())
		}

	case changestream.UpdateTableMetadata:
		m.mu.Lock()
		if req, ok := m.required[change.Table]; ok {
			req.Table.Metadata = change.Metadata
			m.required[change.Table] = req
		}
		cancel := m.running != nil && m.running.request.Table.TableID == change.Table
		m.mu.Unlock()
		if cancel {
			m.cancelRunning("metadata of " + change.Table.String() + " updated")
		}

	case changestream.DropTable:
		m.mu.Lock()
		delete(m.required, change.Table)
		cancel := m.running != nil && m.running.request.Table.TableID == change.Table
		m.mu.Unlock()
		if cancel {
			m.cancelRunning("table " + change.Table.String() + " dropped")
		}

	case changestream.Update:
		if !change.KeyChanged() {
			return
		}
		// A row key change is modelled as delete-old plus insert-new
		// in the change log. A backfill snapshot predating this
		// transaction never saw the new row, so its floor is raised;
		// the driver cancels on the next stale batch it sees.
		m.mu.Lock()
		if m.running != nil && m.currentTxWatermark != "" {
			m.running.minWatermark = m.currentTxWatermark
		}
		m.mu.Unlock()

	case changestream.BackfillCompleted:
		m.mu.Lock()
		if req, ok := m.required[change.Table]; ok {
			for _, name := range change.Columns {
				delete(req.Columns, name)
			}
			for _, name := range change.KeyColumns {
				delete(req.Columns, name)
			}
			if len(req.Columns) == 0 {
				delete(m.required, change.Table)
			}
		}
		if m.running != nil && m.running.request.Table.TableID == change.Table {
			m.running = nil
		}
		m.mu.Unlock()
	}
}

func hasColumn(req changestream.BackfillRequest, name string) bool {
	_, ok := req.Columns[name]
	return ok
}
