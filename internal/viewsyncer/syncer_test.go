// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package viewsyncer

import (
	"context"
	"encoding/json"
	"sync"
	stdtesting "testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/tc"
	"go.uber.org/goleak"

	"github.com/juju/zerocache/core/protocol"
	loggertesting "github.com/juju/zerocache/internal/logger/testing"
	"github.com/juju/zerocache/internal/replica"
)

const longWait = 10 * time.Second

type syncerSuite struct{}

func TestSyncerSuite(t *stdtesting.T) {
	defer goleak.VerifyNone(t)
	tc.Run(t, &syncerSuite{})
}

type fakeStore struct {
	mu        sync.Mutex
	watermark string
	changes   []replica.ChangeEntry
	clients   []replica.Client
	deleted   []string
}

func (s *fakeStore) Watermark(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark, nil
}

func (s *fakeStore) advance(wm string, changes ...replica.ChangeEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermark = wm
	s.changes = append(s.changes, changes...)
}

func (s *fakeStore) ChangesSince(ctx context.Context, stateVersion string) ([]replica.ChangeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []replica.ChangeEntry
	for _, e := range s.changes {
		if e.StateVersion > stateVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertClient(ctx context.Context, client replica.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = append(s.clients, client)
	return nil
}

func (s *fakeStore) DeleteClients(ctx context.Context, clientGroupID string, clientIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(clientIDs) == 0 {
		s.deleted = append(s.deleted, clientGroupID+"/*")
		return nil
	}
	for _, id := range clientIDs {
		s.deleted = append(s.deleted, clientGroupID+"/"+id)
	}
	return nil
}

func (s *syncerSuite) newSyncer(c *tc.C, store *fakeStore) (*Syncer, *testclock.Clock) {
	clk := testclock.NewClock(time.Time{})
	syncer, err := New(Config{
		Store:  store,
		Clock:  clk,
		Logger: loggertesting.WrapCheckLog(c),
	})
	c.Assert(err, tc.ErrorIsNil)
	return syncer, clk
}

func params() protocol.ConnectParams {
	return protocol.ConnectParams{
		ClientID:      "c1",
		ClientGroupID: "g1",
		BaseCookie:    "100",
	}
}

func decode(c *tc.C, data []byte) (string, json.RawMessage) {
	tag, body, err := protocol.DecodeTagged(data)
	c.Assert(err, tc.ErrorIsNil)
	return tag, body
}

func (s *syncerSuite) TestInitConnectionRegistersClient(c *tc.C) {
	store := &fakeStore{watermark: "100"}
	syncer, _ := s.newSyncer(c, store)

	d, err := syncer.InitConnection(context.Background(), params(), protocol.InitConnectionBody{})
	c.Assert(err, tc.ErrorIsNil)
	defer d.Cancel()

	c.Assert(store.clients, tc.HasLen, 1)
	c.Check(store.clients[0].ClientID, tc.Equals, "c1")
	c.Check(store.clients[0].PatchVersion, tc.Equals, "100")
}

func (s *syncerSuite) TestPokeCycleOnAdvance(c *tc.C) {
	store := &fakeStore{watermark: "100"}
	syncer, _ := s.newSyncer(c, store)

	d, err := syncer.InitConnection(context.Background(), params(), protocol.InitConnectionBody{})
	c.Assert(err, tc.ErrorIsNil)
	defer d.Cancel()

	store.advance("110", replica.ChangeEntry{
		StateVersion: "110",
		Table:        "app.issue",
		RowKey:       `{"id":1}`,
		Op:           replica.OpSet,
		Row:          `{"id":1,"title":"hi"}`,
	})

	type result struct {
		data []byte
		ok   bool
		err  error
	}
	results := make(chan result, 4)
	go func() {
		for i := 0; i < 3; i++ {
			data, ok, err := d.Next(context.Background())
			results <- result{data, ok, err}
		}
	}()

	var tags []string
	var bodies []json.RawMessage
	for i := 0; i < 3; i++ {
		select {
		case r := <-results:
			c.Assert(r.err, tc.ErrorIsNil)
			c.Assert(r.ok, tc.IsTrue)
			tag, body := decode(c, r.data)
			tags = append(tags, tag)
			bodies = append(bodies, body)
		case <-time.After(longWait):
			c.Fatalf("timed out waiting for poke message %d", i)
		}
	}
	c.Check(tags, tc.DeepEquals, []string{
		protocol.MsgPokeStart, protocol.MsgPokePart, protocol.MsgPokeEnd,
	})

	var start protocol.PokeStartBody
	c.Assert(json.Unmarshal(bodies[0], &start), tc.ErrorIsNil)
	c.Check(start.BaseCookie, tc.Equals, "100")

	var end protocol.PokeEndBody
	c.Assert(json.Unmarshal(bodies[2], &end), tc.ErrorIsNil)
	c.Check(end.Cookie, tc.Equals, "110")
	c.Check(end.PokeID, tc.Equals, start.PokeID)
}

func (s *syncerSuite) TestEmptyAdvanceSkipsPokePart(c *tc.C) {
	store := &fakeStore{watermark: "110"}
	syncer, _ := s.newSyncer(c, store)

	// Client is behind but the change log has been pruned: the poke
	// carries no parts, only the new cookie.
	d, err := syncer.InitConnection(context.Background(), params(), protocol.InitConnectionBody{})
	c.Assert(err, tc.ErrorIsNil)
	defer d.Cancel()

	data, ok, err := d.Next(context.Background())
	c.Assert(err, tc.ErrorIsNil)
	c.Assert(ok, tc.IsTrue)
	tag, _ := decode(c, data)
	c.Check(tag, tc.Equals, protocol.MsgPokeStart)

	data, ok, err = d.Next(context.Background())
	c.Assert(err, tc.ErrorIsNil)
	c.Assert(ok, tc.IsTrue)
	tag, _ = decode(c, data)
	c.Check(tag, tc.Equals, protocol.MsgPokeEnd)
}

func (s *syncerSuite) TestCancelEndsSequence(c *tc.C) {
	store := &fakeStore{watermark: "100"}
	syncer, _ := s.newSyncer(c, store)

	d, err := syncer.InitConnection(context.Background(), params(), protocol.InitConnectionBody{})
	c.Assert(err, tc.ErrorIsNil)

	d.Cancel()
	_, ok, err := d.Next(context.Background())
	c.Check(err, tc.ErrorIsNil)
	c.Check(ok, tc.IsFalse)
}

// fakeTransformer scripts the get-queries endpoint.
type fakeTransformer struct {
	mu       sync.Mutex
	requests [][]protocol.TransformRequest
	err      error
}

func (f *fakeTransformer) Transform(ctx context.Context, reqs []protocol.TransformRequest) ([]protocol.TransformedQuery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, reqs)
	if f.err != nil {
		return nil, f.err
	}
	results := make([]protocol.TransformedQuery, 0, len(reqs))
	for _, req := range reqs {
		results = append(results, protocol.TransformedQuery{
			ID: req.ID, Name: req.Name, AST: json.RawMessage(`{"table":"issue"}`),
		})
	}
	return results, nil
}

func (s *syncerSuite) newSyncerWithTransformer(c *tc.C, store *fakeStore, tf *fakeTransformer) *Syncer {
	syncer, err := New(Config{
		Store:       store,
		Clock:       testclock.NewClock(time.Time{}),
		Logger:      loggertesting.WrapCheckLog(c),
		Transformer: tf,
	})
	c.Assert(err, tc.ErrorIsNil)
	return syncer
}

func (s *syncerSuite) TestDesiredQueriesExpandedOnInit(c *tc.C) {
	store := &fakeStore{watermark: "100"}
	tf := &fakeTransformer{}
	syncer := s.newSyncerWithTransformer(c, store, tf)

	patch := json.RawMessage(`[{"op":"put","hash":"h1","name":"issues","args":[1]}]`)
	d, err := syncer.InitConnection(context.Background(), params(), protocol.InitConnectionBody{
		DesiredQueriesPatch: patch,
	})
	c.Assert(err, tc.ErrorIsNil)
	defer d.Cancel()

	c.Assert(tf.requests, tc.HasLen, 1)
	c.Check(tf.requests[0], tc.DeepEquals, []protocol.TransformRequest{{
		ID: "h1", Name: "issues", Args: json.RawMessage(`[1]`),
	}})

	queries := syncer.TransformedQueries("g1")
	c.Assert(queries, tc.HasLen, 1)
	c.Check(queries[0].ID, tc.Equals, "h1")
	c.Check(string(queries[0].AST), tc.Equals, `{"table":"issue"}`)
}

func (s *syncerSuite) TestChangeDesiredQueriesPatchesSet(c *tc.C) {
	store := &fakeStore{watermark: "100"}
	tf := &fakeTransformer{}
	syncer := s.newSyncerWithTransformer(c, store, tf)

	err := syncer.ChangeDesiredQueries(context.Background(), params(), protocol.ChangeDesiredQueriesBody{
		DesiredQueriesPatch: json.RawMessage(
			`[{"op":"put","hash":"h1","name":"issues"},{"op":"put","hash":"h2","name":"labels"}]`),
	})
	c.Assert(err, tc.ErrorIsNil)
	c.Check(syncer.TransformedQueries("g1"), tc.HasLen, 2)

	// A del drops only its entry; no transform call is made for it.
	err = syncer.ChangeDesiredQueries(context.Background(), params(), protocol.ChangeDesiredQueriesBody{
		DesiredQueriesPatch: json.RawMessage(`[{"op":"del","hash":"h1"}]`),
	})
	c.Assert(err, tc.ErrorIsNil)
	c.Assert(tf.requests, tc.HasLen, 1)

	queries := syncer.TransformedQueries("g1")
	c.Assert(queries, tc.HasLen, 1)
	c.Check(queries[0].ID, tc.Equals, "h2")
}

func (s *syncerSuite) TestTransformFailureSurfaces(c *tc.C) {
	store := &fakeStore{watermark: "100"}
	tf := &fakeTransformer{err: protocol.NewError(protocol.TransformFailed, "endpoint unreachable")}
	syncer := s.newSyncerWithTransformer(c, store, tf)

	err := syncer.ChangeDesiredQueries(context.Background(), params(), protocol.ChangeDesiredQueriesBody{
		DesiredQueriesPatch: json.RawMessage(`[{"op":"put","hash":"h1","name":"issues"}]`),
	})
	body, ok := protocol.BodyOf(err)
	c.Assert(ok, tc.IsTrue)
	c.Check(body.Kind, tc.Equals, protocol.TransformFailed)

	// The failed patch left no partial state behind.
	c.Check(syncer.TransformedQueries("g1"), tc.HasLen, 0)
}

func (s *syncerSuite) TestDeleteClients(c *tc.C) {
	store := &fakeStore{watermark: "100"}
	syncer, _ := s.newSyncer(c, store)

	err := syncer.DeleteClients(context.Background(), params(), protocol.DeleteClientsBody{
		ClientIDs:      []string{"c2"},
		ClientGroupIDs: []string{"g9"},
	})
	c.Assert(err, tc.ErrorIsNil)
	c.Check(store.deleted, tc.DeepEquals, []string{"g1/c2", "g9/*"})
}
