// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package server owns the client-facing half of a syncer worker: the
// per-socket connection state machine, the client-group registry, and
// the public dispatcher that hands sockets off to workers.
package server

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/zerocache/core/logger"
	"github.com/juju/zerocache/core/protocol"
	"github.com/juju/zerocache/internal/pusher"
)

// ViewSyncer answers a connection's query traffic.
type ViewSyncer interface {
	// InitConnection registers the client's desired queries and
	// returns the lazy client-bound message sequence.
	InitConnection(ctx context.Context, params protocol.ConnectParams, body protocol.InitConnectionBody) (Downstream, error)

	// ChangeDesiredQueries applies a query patch mid-connection.
	ChangeDesiredQueries(ctx context.Context, params protocol.ConnectParams, body protocol.ChangeDesiredQueriesBody) error

	// DeleteClients removes dead client state.
	DeleteClients(ctx context.Context, params protocol.ConnectParams, body protocol.DeleteClientsBody) error
}

// Downstream is a lazy sequence of encoded client-bound messages.
type Downstream interface {
	// Next blocks for the next message. ok is false once the sequence
	// is exhausted.
	Next(ctx context.Context) (data []byte, ok bool, err error)

	// Cancel releases the sequence early.
	Cancel()
}

// Pusher queues mutations for forwarding to the user's API server.
type Pusher interface {
	Enqueue(ctx context.Context, req pusher.Request) error
}

type connState int

const (
	stateNew connState = iota
	stateAwaitingInit
	stateActive
	stateClosing
	stateClosed
)

// Warm frame shape. The padding opens intermediary congestion windows
// before the first poke.
const (
	warmFrameCount = 3
	warmFrameSize  = 8 * 1024
)

// ConnectionConfig holds a connection's dependencies.
type ConnectionConfig struct {
	WS     *websocket.Conn
	Params protocol.ConnectParams

	// InitConnection optionally carries the packed init-connection
	// message from the subprotocol header.
	InitConnection json.RawMessage

	// AuthToken is the raw token from the subprotocol header.
	AuthToken string

	Syncer    ViewSyncer
	Pusher    Pusher
	Inspector *Inspector
	OnClose   func()

	Clock  clock.Clock
	Logger logger.Logger

	// SendWarmFrames pads the connection after connect.
	SendWarmFrames bool
}

// Validate returns an error if the config is incomplete.
func (c ConnectionConfig) Validate() error {
	if c.WS == nil {
		return errors.NotValidf("nil WS")
	}
	if c.Syncer == nil {
		return errors.NotValidf("nil Syncer")
	}
	if c.Pusher == nil {
		return errors.NotValidf("nil Pusher")
	}
	if c.Inspector == nil {
		return errors.NotValidf("nil Inspector")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Connection is the state machine of one client websocket. Handlers
// run on the single read loop, so per-connection state needs no
// locking beyond the write and push mutexes.
type Connection struct {
	cfg ConnectionConfig

	// sendMu serializes socket writes between the read loop, the
	// downstream pump and the pusher fan-out.
	sendMu sync.Mutex

	// pushMu holds mutation dispatch order per the connection.
	pushMu sync.Mutex

	mu          sync.Mutex
	state       connState
	downstream  Downstream
	userPushURL string

	done chan struct{}
}

// NewConnection wraps an upgraded websocket.
func NewConnection(cfg ConnectionConfig) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Connection{
		cfg:  cfg,
		done: make(chan struct{}),
	}, nil
}

// Run drives the connection until the socket closes. It owns the read
// loop; everything the client sends is handled here, in order.
func (c *Connection) Run(ctx context.Context) {
	if !c.init(ctx) {
		return
	}

	// The packed init-connection message from the subprotocol header
	// is treated as the first inbound message.
	if len(c.cfg.InitConnection) > 0 {
		c.handleInitConnection(ctx, c.cfg.InitConnection)
	}

	for {
		_, data, err := c.cfg.WS.ReadMessage()
		if err != nil {
			c.cfg.Logger.Debugf(ctx, "read on %q ended: %v", c.cfg.Params.ClientID, err)
			c.Close()
			return
		}
		c.handle(ctx, data)
		if c.closed() {
			return
		}
	}
}

// Done reports connection teardown.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// init validates the protocol version and greets the client.
func (c *Connection) init(ctx context.Context) bool {
	c.setState(stateAwaitingInit)

	v := c.cfg.Params.ProtocolVersion
	if v < protocol.MinServerSupportedVersion || v > protocol.CurrentProtocolVersion {
		c.closeWithThrown(ctx, protocol.NewError(protocol.VersionNotSupported,
			"protocol version %d is not supported (server speaks %d through %d)",
			v, protocol.MinServerSupportedVersion, protocol.CurrentProtocolVersion))
		return false
	}

	c.send(ctx, protocol.MsgConnected, protocol.ConnectedBody{
		WSID:      c.cfg.Params.WSID,
		Timestamp: c.cfg.Clock.Now().UnixMilli(),
	})
	if c.cfg.SendWarmFrames {
		c.sendWarmFrames(ctx)
	}
	return !c.closed()
}

func (c *Connection) handle(ctx context.Context, data []byte) {
	tag, body, err := protocol.DecodeTagged(data)
	if err != nil {
		c.closeWithThrown(ctx, protocol.NewError(protocol.InvalidMessage, "%s", err.Error()))
		return
	}

	switch tag {
	case protocol.MsgPing:
		c.send(ctx, protocol.MsgPong, protocol.PongBody{})

	case protocol.MsgPush:
		c.handlePush(ctx, body)

	case protocol.MsgChangeDesiredQueries:
		var req protocol.ChangeDesiredQueriesBody
		if err := json.Unmarshal(body, &req); err != nil {
			c.closeWithThrown(ctx, protocol.NewError(protocol.InvalidMessage, "%s", err.Error()))
			return
		}
		if err := c.cfg.Syncer.ChangeDesiredQueries(ctx, c.cfg.Params, req); err != nil {
			c.closeWithThrown(ctx, err)
		}

	case protocol.MsgDeleteClients:
		var req protocol.DeleteClientsBody
		if err := json.Unmarshal(body, &req); err != nil {
			c.closeWithThrown(ctx, protocol.NewError(protocol.InvalidMessage, "%s", err.Error()))
			return
		}
		if err := c.cfg.Syncer.DeleteClients(ctx, c.cfg.Params, req); err != nil {
			c.closeWithThrown(ctx, err)
		}

	case protocol.MsgInitConnection:
		c.handleInitConnection(ctx, body)

	case protocol.MsgInspect:
		c.handleInspect(ctx, body)

	default:
		c.closeWithThrown(ctx, protocol.NewError(protocol.InvalidMessage,
			"unknown message %q", tag))
	}
}

func (c *Connection) handlePush(ctx context.Context, body json.RawMessage) {
	var push protocol.PushBody
	if err := json.Unmarshal(body, &push); err != nil {
		c.closeWithThrown(ctx, protocol.NewError(protocol.InvalidMessage, "%s", err.Error()))
		return
	}
	if push.ClientGroupID != c.cfg.Params.ClientGroupID {
		c.closeWithThrown(ctx, protocol.NewError(protocol.InvalidPush,
			"push for client group %q on a connection bound to %q",
			push.ClientGroupID, c.cfg.Params.ClientGroupID))
		return
	}

	c.pushMu.Lock()
	defer c.pushMu.Unlock()

	err := c.cfg.Pusher.Enqueue(ctx, pusher.Request{
		ClientID:      c.cfg.Params.ClientID,
		Client:        c,
		JWT:           c.cfg.AuthToken,
		Cookie:        c.cfg.Params.BaseCookie,
		SchemaVersion: c.cfg.Params.SchemaVersion,
		Push:          push,
		UserPushURL:   c.currentUserPushURL(),
	})
	if err != nil {
		// A refused push is an error message, not a dead connection.
		body, ok := protocol.BodyOf(err)
		if !ok {
			body = protocol.InternalBody(err)
		}
		c.SendError(ctx, body)
	}
}

// handleInspect serves the debugging side channel. Authentication is
// worker wide per client group: presenting a connection token on any
// socket in the group unlocks inspect ops for the whole group.
func (c *Connection) handleInspect(ctx context.Context, body json.RawMessage) {
	var req protocol.InspectBody
	if err := json.Unmarshal(body, &req); err != nil {
		c.closeWithThrown(ctx, protocol.NewError(protocol.InvalidMessage, "%s", err.Error()))
		return
	}

	switch req.Op {
	case "authenticate":
		authenticated := c.cfg.AuthToken != ""
		if authenticated {
			c.cfg.Inspector.Authenticate(c.cfg.Params.ClientGroupID)
		}
		c.send(ctx, protocol.MsgInspect, protocol.InspectResponseBody{
			ID: req.ID, Value: authenticated,
		})

	case "version":
		if !c.inspectAllowed(ctx) {
			return
		}
		c.send(ctx, protocol.MsgInspect, protocol.InspectResponseBody{
			ID: req.ID, Value: protocol.CurrentProtocolVersion,
		})

	default:
		c.closeWithThrown(ctx, protocol.NewError(protocol.InvalidMessage,
			"unknown inspect op %q", req.Op))
	}
}

func (c *Connection) inspectAllowed(ctx context.Context) bool {
	if c.cfg.Inspector.Authenticated(c.cfg.Params.ClientGroupID) {
		return true
	}
	c.closeWithThrown(ctx, protocol.NewError(protocol.Unauthorized,
		"inspect requires authentication"))
	return false
}

func (c *Connection) handleInitConnection(ctx context.Context, body json.RawMessage) {
	var req protocol.InitConnectionBody
	if err := json.Unmarshal(body, &req); err != nil {
		c.closeWithThrown(ctx, protocol.NewError(protocol.InvalidMessage, "%s", err.Error()))
		return
	}

	c.mu.Lock()
	if req.UserPushParams != nil {
		c.userPushURL = req.UserPushParams.URL
	}
	c.mu.Unlock()

	downstream, err := c.cfg.Syncer.InitConnection(ctx, c.cfg.Params, req)
	if err != nil {
		c.closeWithThrown(ctx, err)
		return
	}

	c.mu.Lock()
	if c.state == stateClosing || c.state == stateClosed {
		c.mu.Unlock()
		downstream.Cancel()
		return
	}
	c.state = stateActive
	c.downstream = downstream
	c.mu.Unlock()

	go c.pump(ctx, downstream)
}

// pump copies the downstream sequence to the socket until it is
// exhausted or fails, then closes the connection.
func (c *Connection) pump(ctx context.Context, downstream Downstream) {
	for {
		data, ok, err := downstream.Next(ctx)
		if err != nil {
			c.closeWithThrown(ctx, err)
			return
		}
		if !ok {
			c.Close()
			return
		}
		if !c.sendRaw(ctx, data) {
			return
		}
	}
}

func (c *Connection) currentUserPushURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userPushURL
}

// SendPushResponse implements pusher.Client.
func (c *Connection) SendPushResponse(ctx context.Context, resp protocol.PushResponseBody) {
	c.send(ctx, protocol.MsgPushResponse, resp)
}

// SendError implements pusher.Client.
func (c *Connection) SendError(ctx context.Context, body protocol.ErrorBody) {
	c.send(ctx, protocol.MsgError, body)
}

// Fail implements pusher.Client: deliver the error, then drop the
// connection.
func (c *Connection) Fail(ctx context.Context, body protocol.ErrorBody) {
	c.send(ctx, protocol.MsgError, body)
	c.Close()
}

func (c *Connection) send(ctx context.Context, tag string, body any) bool {
	data, err := protocol.EncodeTagged(tag, body)
	if err != nil {
		c.cfg.Logger.Errorf(ctx, "encoding %q message: %v", tag, err)
		return false
	}
	return c.sendRaw(ctx, data)
}

func (c *Connection) sendRaw(ctx context.Context, data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.cfg.WS.WriteMessage(websocket.TextMessage, data); err != nil {
		c.cfg.Logger.Debugf(ctx, "write on %q failed: %v", c.cfg.Params.ClientID, err)
		c.Close()
		return false
	}
	return true
}

func (c *Connection) sendWarmFrames(ctx context.Context) {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	for i := 0; i < warmFrameCount; i++ {
		payload := make([]byte, warmFrameSize)
		for j := range payload {
			payload[j] = letters[rand.Intn(len(letters))]
		}
		if !c.send(ctx, protocol.MsgWarm, protocol.WarmBody{Payload: string(payload)}) {
			return
		}
	}
}

// closeWithThrown maps an escaped error onto the wire and closes the
// connection, logging at the level the error asks for.
func (c *Connection) closeWithThrown(ctx context.Context, err error) {
	body, ok := protocol.BodyOf(err)
	if !ok {
		body = protocol.InternalBody(err)
	}
	level := logger.LevelFromError(err, logger.ERROR)
	c.cfg.Logger.Logf(ctx, level, "closing %q: %v", c.cfg.Params.ClientID, err)

	c.send(ctx, protocol.MsgError, body)
	c.Close()
}

// Close tears the connection down. Safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	downstream := c.downstream
	c.downstream = nil
	c.mu.Unlock()

	if downstream != nil {
		downstream.Cancel()
	}
	if c.cfg.OnClose != nil {
		c.cfg.OnClose()
	}
	_ = c.cfg.WS.Close()
	close(c.done)
}

func (c *Connection) setState(s connState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Connection) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateClosed
}
