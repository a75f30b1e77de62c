// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/juju/zerocache/core/logger"
	"github.com/juju/zerocache/core/protocol"
)

// HandoffProducer transfers an upgrade request's socket to a syncer
// worker. Implementations hijack the response writer on success.
type HandoffProducer interface {
	Handoff(w http.ResponseWriter, r *http.Request, protocolVersion int) error
}

// Dispatcher accepts public upgrade requests and hands the sockets to
// workers. It performs no sync work itself.
type Dispatcher struct {
	router   *mux.Router
	producer HandoffProducer
	logger   logger.Logger

	upgrader websocket.Upgrader
}

// NewDispatcher routes the public connect endpoint to the producer.
func NewDispatcher(producer HandoffProducer, logger logger.Logger) *Dispatcher {
	d := &Dispatcher{
		producer: producer,
		logger:   logger,
		upgrader: websocket.Upgrader{
			// The dispatcher never answers cross-origin policy itself;
			// the worker re-checks on the reconstructed request.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	d.router = mux.NewRouter()
	d.router.HandleFunc("/sync/v{version:[0-9]+}/connect", d.handleConnect)
	d.router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	return d
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.router.ServeHTTP(w, r)
}

func (d *Dispatcher) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	version, err := strconv.Atoi(mux.Vars(r)["version"])
	if err != nil {
		http.Error(w, "bad protocol version", http.StatusBadRequest)
		return
	}

	if err := d.producer.Handoff(w, r, version); err != nil {
		d.logger.Warningf(ctx, "handoff for %q failed: %v", r.RemoteAddr, err)
		d.refuse(w, r, err)
	}
}

// refuse completes the upgrade on the dispatcher itself and closes
// the socket with a protocol error, so the client sees a clean
// websocket-level refusal rather than a hung TCP connection.
func (d *Dispatcher) refuse(w http.ResponseWriter, r *http.Request, cause error) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warningf(r.Context(), "refusal upgrade for %q failed: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	reason := protocol.TruncateCloseReason(errors.Cause(cause).Error())
	deadline := time.Now().Add(5 * time.Second)
	if err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseProtocolError, reason),
		deadline); err != nil {
		d.logger.Debugf(r.Context(), "writing close frame to %q: %v", r.RemoteAddr, err)
	}
}
