// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/zerocache/core/logger"
	"github.com/juju/zerocache/core/protocol"
)

// WorkerConfig holds the syncer worker's connection dependencies.
type WorkerConfig struct {
	Registry *Registry
	Syncer   ViewSyncer
	Clock    clock.Clock
	Logger   logger.Logger

	SendWarmFrames bool
}

// Validate returns an error if the config is incomplete.
func (c WorkerConfig) Validate() error {
	if c.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if c.Syncer == nil {
		return errors.NotValidf("nil Syncer")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Worker terminates client websockets inside a syncer worker. It
// serves the same connect route as the dispatcher, for reconstructed
// handoff requests and for single process deployments.
type Worker struct {
	cfg      WorkerConfig
	router   *mux.Router
	upgrader websocket.Upgrader

	// inspector is the worker's authenticated-group state for the
	// inspect side channel, shared by every connection it serves.
	inspector *Inspector
}

// NewWorker returns a worker handler.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		inspector: NewInspector(),
	}
	w.router = mux.NewRouter()
	w.router.HandleFunc("/sync/v{version:[0-9]+}/connect", w.handleConnect)
	return w, nil
}

// ServeHTTP implements http.Handler.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.router.ServeHTTP(rw, r)
}

func (w *Worker) handleConnect(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	version, err := strconv.Atoi(mux.Vars(r)["version"])
	if err != nil {
		http.Error(rw, "bad protocol version", http.StatusBadRequest)
		return
	}
	params, err := protocol.ParseConnectParams(r.URL.Query(), version)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	initConnection, authToken, err := protocol.DecodeSecProtocol(r.Header.Get("Sec-WebSocket-Protocol"))
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	// Echo the subprotocol back so strict clients accept the upgrade.
	var header http.Header
	if sec := r.Header.Get("Sec-WebSocket-Protocol"); sec != "" {
		header = http.Header{"Sec-WebSocket-Protocol": []string{sec}}
	}
	ws, err := w.upgrader.Upgrade(rw, r, header)
	if err != nil {
		w.cfg.Logger.Warningf(ctx, "upgrade for %q failed: %v", r.RemoteAddr, err)
		return
	}

	_, pushService, err := w.cfg.Registry.Connect(ctx, params.ClientGroupID, params.UserID, authToken)
	if err != nil {
		// Auth refusals travel as an error message on the fresh
		// socket, then the socket closes.
		w.refuse(ws, err)
		return
	}

	conn, err := NewConnection(ConnectionConfig{
		WS:             ws,
		Params:         params,
		InitConnection: initConnection,
		AuthToken:      authToken,
		Syncer:         w.cfg.Syncer,
		Pusher:         pushService,
		Inspector:      w.inspector,
		OnClose: func() {
			w.cfg.Registry.Disconnect(params.ClientGroupID)
		},
		Clock:          w.cfg.Clock,
		Logger:         w.cfg.Logger,
		SendWarmFrames: w.cfg.SendWarmFrames,
	})
	if err != nil {
		w.cfg.Registry.Disconnect(params.ClientGroupID)
		w.cfg.Logger.Errorf(ctx, "building connection for %q: %v", params.ClientID, err)
		_ = ws.Close()
		return
	}
	// The request context dies with this handler, but the websocket
	// outlives the upgrade: run against a fresh context and block
	// until the connection ends.
	conn.Run(context.Background())
}

func (w *Worker) refuse(ws *websocket.Conn, cause error) {
	body, ok := protocol.BodyOf(cause)
	if !ok {
		body = protocol.InternalBody(cause)
	}
	if data, err := protocol.EncodeTagged(protocol.MsgError, body); err == nil {
		_ = ws.WriteMessage(websocket.TextMessage, data)
	}
	_ = ws.Close()
}
