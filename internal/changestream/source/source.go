// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package source connects the replication manager to an upstream
// change-source endpoint over a websocket. Each frame on the socket is
// one change-stream message in its wire form; the subscription is
// resumed from a watermark carried as a query parameter.
package source

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/juju/zerocache/core/changestream"
	"github.com/juju/zerocache/core/logger"
	"github.com/juju/zerocache/internal/changestream/stream"
)

// dialTimeout bounds the websocket handshake.
const dialTimeout = 30 * time.Second

// WebSocket is a stream.Source dialing a fixed upstream endpoint.
type WebSocket struct {
	uri    string
	header http.Header
	logger logger.Logger
}

// NewWebSocket returns a source for the given ws:// or wss:// URI.
// The header, which may be nil, is sent with the handshake and
// typically carries credentials.
func NewWebSocket(uri string, header http.Header, logger logger.Logger) (*WebSocket, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, errors.Annotatef(err, "parsing change source URI %q", uri)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.Errorf("change source URI %q is not a websocket endpoint", uri)
	}
	return &WebSocket{uri: uri, header: header, logger: logger}, nil
}

// Open implements stream.Source.
func (s *WebSocket) Open(ctx context.Context, afterWatermark string) (stream.Iterator, error) {
	conn, err := s.dial(ctx, map[string]string{"watermark": afterWatermark})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &iterator{conn: conn}, nil
}

// dial opens a websocket to the endpoint with the given query
// parameters added.
func (s *WebSocket) dial(ctx context.Context, query map[string]string) (*websocket.Conn, error) {
	u, err := url.Parse(s.uri)
	if err != nil {
		return nil, errors.Trace(err)
	}
	q := u.Query()
	for key, value := range query {
		q.Set(key, value)
	}
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), s.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Annotatef(err, "dialing change source %q", u.Host)
	}
	return conn, nil
}

type iterator struct {
	conn *websocket.Conn
}

// Next implements stream.Iterator. A normal close from the upstream
// ends the sequence; everything else is an error the stream retries.
func (i *iterator) Next(ctx context.Context) (changestream.Message, bool, error) {
	// Reads unblock when the iterator is closed, which is how the
	// stream cancels a pending Next.
	if deadline, ok := ctx.Deadline(); ok {
		if err := i.conn.SetReadDeadline(deadline); err != nil {
			return nil, false, errors.Trace(err)
		}
	}
	_, data, err := i.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, false, nil
		}
		return nil, false, errors.Annotate(err, "reading change source")
	}
	msg, err := changestream.DecodeMessage(data)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	return msg, true, nil
}

// Close implements stream.Iterator.
func (i *iterator) Close() error {
	_ = i.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), closeDeadline())
	return errors.Trace(i.conn.Close())
}

func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}
