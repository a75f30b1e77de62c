// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package viewsyncer answers the query traffic of connected clients
// from a read-only snapshot of the replica. Each connection gets a
// lazy downstream of poke cycles: one cycle to catch the client up
// from its base cookie, then one for every replica advance observed
// by polling the watermark. Query transformation and incremental view
// maintenance live behind the user's API server; this syncer ships
// the change-log rows the replica has already stamped.
package viewsyncer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/zerocache/core/logger"
	"github.com/juju/zerocache/core/protocol"
	"github.com/juju/zerocache/internal/replica"
)

// defaultPollInterval paces the watermark poll when no client traffic
// forces a read anyway.
const defaultPollInterval = 250 * time.Millisecond

// Store is the replica surface the syncer reads and the client
// bookkeeping it writes.
type Store interface {
	Watermark(ctx context.Context) (string, error)
	ChangesSince(ctx context.Context, stateVersion string) ([]replica.ChangeEntry, error)
	UpsertClient(ctx context.Context, client replica.Client) error
	DeleteClients(ctx context.Context, clientGroupID string, clientIDs []string) error
}

// QueryTransformer expands named queries into authorized ASTs through
// the user's get-queries endpoint.
type QueryTransformer interface {
	Transform(ctx context.Context, reqs []protocol.TransformRequest) ([]protocol.TransformedQuery, error)
}

// Config holds the syncer dependencies.
type Config struct {
	Store  Store
	Clock  clock.Clock
	Logger logger.Logger

	// Transformer expands desired-query patches. Nil leaves patches
	// stored but unexpanded.
	Transformer QueryTransformer

	// PollInterval overrides the watermark poll pace. Zero means the
	// default.
	PollInterval time.Duration
}

// Validate returns an error if the config is incomplete.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Syncer serves the view traffic for one syncer worker.
type Syncer struct {
	cfg Config

	mu sync.Mutex
	// desired holds the latest desired-queries patch per client group.
	desired map[string]json.RawMessage
	// queries holds the transformed result per group and query hash,
	// maintained by applying desired-query patches through the
	// transformer.
	queries map[string]map[string]protocol.TransformedQuery
}

// New returns a syncer reading from the given store.
func New(cfg Config) (*Syncer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Syncer{
		cfg:     cfg,
		desired: make(map[string]json.RawMessage),
		queries: make(map[string]map[string]protocol.TransformedQuery),
	}, nil
}

// InitConnection registers the client and returns its poke stream.
func (s *Syncer) InitConnection(ctx context.Context, params protocol.ConnectParams, body protocol.InitConnectionBody) (*Downstream, error) {
	if len(body.DesiredQueriesPatch) > 0 {
		if err := s.applyDesiredQueries(ctx, params.ClientGroupID, body.DesiredQueriesPatch); err != nil {
			return nil, errors.Trace(err)
		}
	}

	if err := s.cfg.Store.UpsertClient(ctx, replica.Client{
		ClientGroupID: params.ClientGroupID,
		ClientID:      params.ClientID,
		PatchVersion:  params.BaseCookie,
	}); err != nil {
		return nil, errors.Annotatef(err, "registering client %q", params.ClientID)
	}

	dctx, cancel := context.WithCancel(context.Background())
	d := &Downstream{
		syncer: s,
		params: params,
		cookie: params.BaseCookie,
		ctx:    dctx,
		cancel: cancel,
	}
	return d, nil
}

// ChangeDesiredQueries applies the group's desired-queries patch.
func (s *Syncer) ChangeDesiredQueries(ctx context.Context, params protocol.ConnectParams, body protocol.ChangeDesiredQueriesBody) error {
	return errors.Trace(s.applyDesiredQueries(ctx, params.ClientGroupID, body.DesiredQueriesPatch))
}

// desiredQueryOp is one entry of a desired-queries patch.
type desiredQueryOp struct {
	Op   string          `json:"op"`
	Hash string          `json:"hash"`
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

// applyDesiredQueries records the patch and keeps the group's
// transformed query set current: puts are expanded through the
// get-queries endpoint, dels drop their entry, clear empties the set.
// A transformer failure leaves the previous set intact and propagates
// to the caller.
func (s *Syncer) applyDesiredQueries(ctx context.Context, clientGroupID string, patch json.RawMessage) error {
	s.mu.Lock()
	s.desired[clientGroupID] = patch
	s.mu.Unlock()

	if s.cfg.Transformer == nil {
		return nil
	}

	var ops []desiredQueryOp
	if err := json.Unmarshal(patch, &ops); err != nil {
		return protocol.NewError(protocol.InvalidMessage, "decoding desired queries patch: %s", err.Error())
	}

	var puts []protocol.TransformRequest
	var dels []string
	var cleared bool
	for _, op := range ops {
		switch op.Op {
		case "put":
			puts = append(puts, protocol.TransformRequest{
				ID:   op.Hash,
				Name: op.Name,
				Args: op.Args,
			})
		case "del":
			dels = append(dels, op.Hash)
		case "clear":
			cleared = true
		}
	}

	var transformed []protocol.TransformedQuery
	if len(puts) > 0 {
		var err error
		if transformed, err = s.cfg.Transformer.Transform(ctx, puts); err != nil {
			return errors.Trace(err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	queries := s.queries[clientGroupID]
	if queries == nil || cleared {
		queries = make(map[string]protocol.TransformedQuery)
		s.queries[clientGroupID] = queries
	}
	for _, hash := range dels {
		delete(queries, hash)
	}
	for _, q := range transformed {
		queries[q.ID] = q
	}
	return nil
}

// TransformedQueries returns the group's current transformed query
// set.
func (s *Syncer) TransformedQueries(clientGroupID string) []protocol.TransformedQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.TransformedQuery, 0, len(s.queries[clientGroupID]))
	for _, q := range s.queries[clientGroupID] {
		out = append(out, q)
	}
	return out
}

// DeleteClients drops dead client bookkeeping.
func (s *Syncer) DeleteClients(ctx context.Context, params protocol.ConnectParams, body protocol.DeleteClientsBody) error {
	if len(body.ClientIDs) > 0 {
		if err := s.cfg.Store.DeleteClients(ctx, params.ClientGroupID, body.ClientIDs); err != nil {
			return errors.Trace(err)
		}
	}
	for _, groupID := range body.ClientGroupIDs {
		if err := s.cfg.Store.DeleteClients(ctx, groupID, nil); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Downstream is one connection's lazy poke sequence. Next blocks until
// the replica has advanced past the cookie the client is at, then
// delivers one message of the resulting poke cycle per call.
type Downstream struct {
	syncer *Syncer
	params protocol.ConnectParams

	ctx    context.Context
	cancel context.CancelFunc

	// cookie is the replica position the client has been poked to.
	cookie string

	// pending holds the encoded remainder of the current poke cycle.
	pending [][]byte
}

// Next implements server.Downstream.
func (d *Downstream) Next(ctx context.Context) ([]byte, bool, error) {
	if len(d.pending) > 0 {
		msg := d.pending[0]
		d.pending = d.pending[1:]
		return msg, true, nil
	}

	for {
		if err := d.ctx.Err(); err != nil {
			return nil, false, nil
		}

		wm, err := d.syncer.cfg.Store.Watermark(ctx)
		if err != nil {
			return nil, false, errors.Annotate(err, "reading replica watermark")
		}
		if wm != d.cookie {
			cycle, err := d.buildPoke(ctx, wm)
			if err != nil {
				return nil, false, errors.Trace(err)
			}
			d.cookie = wm
			d.pending = cycle[1:]
			return cycle[0], true, nil
		}

		select {
		case <-d.syncer.cfg.Clock.After(d.syncer.cfg.PollInterval):
		case <-d.ctx.Done():
			return nil, false, nil
		case <-ctx.Done():
			return nil, false, errors.Trace(ctx.Err())
		}
	}
}

// Cancel implements server.Downstream.
func (d *Downstream) Cancel() {
	d.cancel()
}

// buildPoke renders one complete poke cycle advancing the client from
// its cookie to wm.
func (d *Downstream) buildPoke(ctx context.Context, wm string) ([][]byte, error) {
	pokeID := uuid.NewString()

	changes, err := d.syncer.cfg.Store.ChangesSince(ctx, d.cookie)
	if err != nil {
		return nil, errors.Annotate(err, "reading change log")
	}

	var cycle [][]byte
	add := func(tag string, body any) error {
		data, err := protocol.EncodeTagged(tag, body)
		if err != nil {
			return errors.Trace(err)
		}
		cycle = append(cycle, data)
		return nil
	}

	if err := add(protocol.MsgPokeStart, protocol.PokeStartBody{
		PokeID:     pokeID,
		BaseCookie: d.cookie,
	}); err != nil {
		return nil, err
	}
	if len(changes) > 0 {
		patch, err := json.Marshal(changes)
		if err != nil {
			return nil, errors.Annotate(err, "encoding rows patch")
		}
		if err := add(protocol.MsgPokePart, protocol.PokePartBody{
			PokeID:    pokeID,
			RowsPatch: patch,
		}); err != nil {
			return nil, err
		}
	}
	if err := add(protocol.MsgPokeEnd, protocol.PokeEndBody{
		PokeID: pokeID,
		Cookie: wm,
	}); err != nil {
		return nil, err
	}
	return cycle, nil
}
