// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package source

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/juju/zerocache/core/changestream"
	"github.com/juju/zerocache/internal/changestream/backfill"
)

// backfillRequest is the frame sent to the upstream to open a
// backfill stream.
type backfillRequest struct {
	Table   wireTableRef     `json:"table"`
	Columns map[string]int64 `json:"columns"`
}

type wireTableRef struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
}

// BackfillStreamer returns a streamer reading historical rows from
// the same upstream endpoint. Each invocation dials a fresh
// subscription lazily, on the first Next; dial failures surface there
// so the manager's retry policy covers them.
func (s *WebSocket) BackfillStreamer() backfill.Streamer {
	return func(ctx context.Context, req changestream.BackfillRequest) backfill.Iterator {
		return &backfillIterator{source: s, req: req}
	}
}

type backfillIterator struct {
	source *WebSocket
	req    changestream.BackfillRequest

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// Next implements backfill.Iterator.
func (i *backfillIterator) Next(ctx context.Context) (changestream.Change, bool, error) {
	conn, err := i.dial(ctx)
	if err != nil {
		return nil, false, errors.Trace(err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, false, nil
		}
		return nil, false, errors.Annotate(err, "reading backfill stream")
	}
	msg, err := changestream.DecodeMessage(data)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	d, ok := msg.(changestream.Data)
	if !ok {
		return nil, false, errors.Errorf("backfill stream sent %q, want data", msg.MessageKind())
	}
	return d.Change, true, nil
}

// dial opens the subscription and sends the request frame.
func (i *backfillIterator) dial(ctx context.Context) (*websocket.Conn, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil, errors.Errorf("backfill stream closed")
	}
	if i.conn != nil {
		return i.conn, nil
	}

	req := backfillRequest{
		Table: wireTableRef{
			Schema: i.req.Table.Schema,
			Name:   i.req.Table.Name,
		},
		Columns: make(map[string]int64, len(i.req.Columns)),
	}
	for name, ref := range i.req.Columns {
		req.Columns[name] = ref.ID
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Annotate(err, "encoding backfill request")
	}

	conn, err := i.source.dial(ctx, map[string]string{
		"backfill": i.req.Table.String(),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return nil, errors.Annotate(err, "sending backfill request")
	}
	i.conn = conn
	return conn, nil
}

// Close implements io.Closer; the backfill manager calls it once the
// sequence is abandoned or exhausted.
func (i *backfillIterator) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	if i.conn == nil {
		return nil
	}
	conn := i.conn
	i.conn = nil
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), closeDeadline())
	return errors.Trace(conn.Close())
}
