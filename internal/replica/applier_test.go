// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package replica_test

import (
	"context"
	stdtesting "testing"

	"github.com/juju/errors"
	"github.com/juju/tc"

	"github.com/juju/zerocache/core/changestream"
	loggertesting "github.com/juju/zerocache/internal/logger/testing"
	"github.com/juju/zerocache/internal/replica"
)

type applierSuite struct {
	store   *recordingStore
	applier *replica.Applier
}

func TestApplierSuite(t *stdtesting.T) {
	tc.Run(t, &applierSuite{})
}

func (s *applierSuite) SetUpTest(c *tc.C) {
	s.store = &recordingStore{
		metadata: map[changestream.TableID]changestream.TableMetadata{
			{Schema: "app", Name: "issue"}: {RowKey: map[string]any{"id": nil}},
		},
	}
	s.applier = replica.NewApplier(s.store, loggertesting.WrapCheckLog(c))
}

func (s *applierSuite) apply(c *tc.C, msgs ...changestream.Message) {
	for _, msg := range msgs {
		c.Assert(s.applier.Apply(context.Background(), msg), tc.ErrorIsNil)
	}
}

func (s *applierSuite) TestCommitWritesEntriesAndWatermark(c *tc.C) {
	s.apply(c,
		changestream.Begin{CommitWatermark: "130"},
		changestream.Data{Change: changestream.Insert{
			Table: changestream.TableID{Schema: "app", Name: "issue"},
			Row:   map[string]any{"id": float64(1), "title": "one"},
		}},
		changestream.Data{Change: changestream.Delete{
			Table: changestream.TableID{Schema: "app", Name: "issue"},
			Key:   map[string]any{"id": float64(2)},
		}},
		changestream.Commit{Watermark: "130"},
	)

	c.Assert(s.store.appended, tc.HasLen, 2)
	set := s.store.appended[0]
	c.Check(set.StateVersion, tc.Equals, "130")
	c.Check(set.Table, tc.Equals, "app.issue")
	c.Check(set.Op, tc.Equals, replica.OpSet)
	c.Check(set.RowKey, tc.Equals, `{"id":1}`)
	c.Check(set.Row, tc.Contains, `"title":"one"`)

	del := s.store.appended[1]
	c.Check(del.Op, tc.Equals, replica.OpDelete)
	c.Check(del.RowKey, tc.Equals, `{"id":2}`)
	c.Check(del.Row, tc.Equals, "")

	c.Check(s.store.watermarks, tc.DeepEquals, []string{"130"})
}

func (s *applierSuite) TestKeyChangeBecomesDeletePlusSet(c *tc.C) {
	s.apply(c,
		changestream.Begin{CommitWatermark: "131"},
		changestream.Data{Change: changestream.Update{
			Table:  changestream.TableID{Schema: "app", Name: "issue"},
			Row:    map[string]any{"id": float64(9), "title": "moved"},
			OldKey: map[string]any{"id": float64(3)},
		}},
		changestream.Commit{Watermark: "131"},
	)

	c.Assert(s.store.appended, tc.HasLen, 2)
	c.Check(s.store.appended[0].Op, tc.Equals, replica.OpDelete)
	c.Check(s.store.appended[0].RowKey, tc.Equals, `{"id":3}`)
	c.Check(s.store.appended[1].Op, tc.Equals, replica.OpSet)
	c.Check(s.store.appended[1].RowKey, tc.Equals, `{"id":9}`)
}

func (s *applierSuite) TestRollbackDiscardsBufferedEntries(c *tc.C) {
	s.apply(c,
		changestream.Begin{CommitWatermark: "132"},
		changestream.Data{Change: changestream.Insert{
			Table: changestream.TableID{Schema: "app", Name: "issue"},
			Row:   map[string]any{"id": float64(1)},
		}},
		changestream.Rollback{},
	)

	c.Check(s.store.appended, tc.HasLen, 0)
	c.Check(s.store.watermarks, tc.HasLen, 0)
}

func (s *applierSuite) TestAckedStatusAdvancesWatermarkWithoutEntries(c *tc.C) {
	s.apply(c, changestream.Status{Watermark: "133", Ack: true})

	c.Check(s.store.appended, tc.HasLen, 0)
	c.Check(s.store.watermarks, tc.DeepEquals, []string{"133"})
}

func (s *applierSuite) TestSchemaChangesMaintainMetadata(c *tc.C) {
	comment := changestream.TableID{Schema: "app", Name: "comment"}
	s.apply(c,
		changestream.Begin{CommitWatermark: "134"},
		changestream.Data{Change: changestream.CreateTable{
			Table: changestream.TableSpec{
				TableID:  comment,
				Metadata: changestream.TableMetadata{RowKey: map[string]any{"id": nil}},
			},
			Backfill: map[string]changestream.ColumnRef{"body": {ID: 11}},
		}},
		changestream.Data{Change: changestream.AddColumn{
			Table:    comment,
			Name:     "author",
			Backfill: &changestream.ColumnRef{ID: 12},
		}},
		changestream.Data{Change: changestream.DropColumn{
			Table: comment,
			Name:  "author",
		}},
		changestream.Commit{Watermark: "134"},
	)

	c.Check(s.store.metadata[comment].HasRowKey(), tc.IsTrue)
	c.Check(s.store.backfills, tc.DeepEquals, []string{
		"set app.comment.body", "set app.comment.author", "clear app.comment.author",
	})
}

func (s *applierSuite) TestRenameAndDropTable(c *tc.C) {
	issue := changestream.TableID{Schema: "app", Name: "issue"}
	ticket := changestream.TableID{Schema: "app", Name: "ticket"}
	s.apply(c,
		changestream.Begin{CommitWatermark: "135"},
		changestream.Data{Change: changestream.RenameTable{Old: issue, New: ticket}},
		changestream.Data{Change: changestream.DropTable{Table: ticket}},
		changestream.Commit{Watermark: "135"},
	)

	c.Check(s.store.renames, tc.DeepEquals, []string{"app.issue->app.ticket"})
	c.Check(s.store.drops, tc.DeepEquals, []string{"app.ticket"})
}

func (s *applierSuite) TestBackfillRowsAppendAtSnapshotVersion(c *tc.C) {
	s.apply(c,
		changestream.Begin{CommitWatermark: "136"},
		changestream.Data{Change: changestream.Backfill{
			Table:      changestream.TableID{Schema: "app", Name: "issue"},
			Watermark:  "120",
			Columns:    []string{"id", "title"},
			KeyColumns: []string{"id"},
			RowValues:  [][]any{{float64(1), "one"}, {float64(2), "two"}},
		}},
		changestream.Data{Change: changestream.BackfillCompleted{
			Table:   changestream.TableID{Schema: "app", Name: "issue"},
			Columns: []string{"title"},
		}},
		changestream.Commit{Watermark: "136"},
	)

	c.Assert(s.store.appended, tc.HasLen, 2)
	c.Check(s.store.appended[0].RowKey, tc.Equals, `{"id":1}`)
	c.Check(s.store.appended[0].StateVersion, tc.Equals, "136")
	c.Check(s.store.backfills, tc.DeepEquals, []string{"clear app.issue.title"})
}

func (s *applierSuite) TestCommitOutsideTransactionRejected(c *tc.C) {
	err := s.applier.Apply(context.Background(), changestream.Commit{Watermark: "137"})
	c.Check(err, tc.ErrorMatches, `commit at "137" outside transaction`)
}

func (s *applierSuite) TestRunDrainsSourceUntilEnd(c *tc.C) {
	src := &scriptedSource{msgs: []changestream.Message{
		changestream.Begin{CommitWatermark: "138"},
		changestream.Data{Change: changestream.Insert{
			Table: changestream.TableID{Schema: "app", Name: "issue"},
			Row:   map[string]any{"id": float64(5)},
		}},
		changestream.Commit{Watermark: "138"},
	}}

	err := s.applier.Run(context.Background(), src)
	c.Assert(err, tc.ErrorIsNil)
	c.Check(s.store.watermarks, tc.DeepEquals, []string{"138"})
}

func (s *applierSuite) TestRunStopsOnStoreFailure(c *tc.C) {
	s.store.failAppend = errors.New("disk full")
	src := &scriptedSource{msgs: []changestream.Message{
		changestream.Begin{CommitWatermark: "139"},
		changestream.Data{Change: changestream.Insert{
			Table: changestream.TableID{Schema: "app", Name: "issue"},
			Row:   map[string]any{"id": float64(6)},
		}},
		changestream.Commit{Watermark: "139"},
	}}

	err := s.applier.Run(context.Background(), src)
	c.Check(err, tc.ErrorMatches, `appending change log: disk full`)
	c.Check(s.store.watermarks, tc.HasLen, 0)
}

type scriptedSource struct {
	msgs []changestream.Message
}

func (s *scriptedSource) Next(ctx context.Context) (changestream.Message, bool, error) {
	if len(s.msgs) == 0 {
		return nil, false, nil
	}
	msg := s.msgs[0]
	s.msgs = s.msgs[1:]
	return msg, true, nil
}

type recordingStore struct {
	appended   []replica.ChangeEntry
	watermarks []string
	metadata   map[changestream.TableID]changestream.TableMetadata
	backfills  []string
	renames    []string
	drops      []string
	failAppend error
}

func (r *recordingStore) AppendChanges(ctx context.Context, entries []replica.ChangeEntry) error {
	if r.failAppend != nil {
		return r.failAppend
	}
	r.appended = append(r.appended, entries...)
	return nil
}

func (r *recordingStore) SetWatermark(ctx context.Context, watermark string) error {
	r.watermarks = append(r.watermarks, watermark)
	return nil
}

func (r *recordingStore) UpsertTableMetadata(ctx context.Context, table changestream.TableID, metadata changestream.TableMetadata) error {
	r.metadata[table] = metadata
	return nil
}

func (r *recordingStore) TableMetadata(ctx context.Context, table changestream.TableID) (changestream.TableMetadata, error) {
	metadata, ok := r.metadata[table]
	if !ok {
		return changestream.TableMetadata{}, errors.NotFoundf("table %q", table.String())
	}
	return metadata, nil
}

func (r *recordingStore) RenameTable(ctx context.Context, old, new changestream.TableID) error {
	r.renames = append(r.renames, old.String()+"->"+new.String())
	return nil
}

func (r *recordingStore) DropTable(ctx context.Context, table changestream.TableID) error {
	r.drops = append(r.drops, table.String())
	return nil
}

func (r *recordingStore) SetColumnBackfill(ctx context.Context, table changestream.TableID, column string, ref changestream.ColumnRef) error {
	r.backfills = append(r.backfills, "set "+table.String()+"."+column)
	return nil
}

func (r *recordingStore) ClearColumnBackfill(ctx context.Context, table changestream.TableID, columns []string) error {
	for _, column := range columns {
		r.backfills = append(r.backfills, "clear "+table.String()+"."+column)
	}
	return nil
}
