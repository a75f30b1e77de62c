// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/juju/errors"

	"github.com/juju/zerocache/core/logger"
	"github.com/juju/zerocache/internal/handoff"
)

// SocketProducer hands accepted client sockets to syncer workers over
// their handoff pipes, round robin. It implements HandoffProducer for
// the dispatcher.
type SocketProducer struct {
	logger logger.Logger

	mu      sync.Mutex
	workers []*net.UnixConn
	next    int
}

// NewSocketProducer returns a producer distributing sockets across the
// given worker pipes.
func NewSocketProducer(workers []*net.UnixConn, logger logger.Logger) *SocketProducer {
	return &SocketProducer{
		logger:  logger,
		workers: workers,
	}
}

// Handoff implements HandoffProducer. Failures before the socket is
// hijacked are returned so the dispatcher can refuse the upgrade
// itself; after the hijack the socket is ours to close.
func (p *SocketProducer) Handoff(w http.ResponseWriter, r *http.Request, protocolVersion int) error {
	p.mu.Lock()
	if len(p.workers) == 0 {
		p.mu.Unlock()
		return errors.New("no syncer worker available")
	}
	worker := p.workers[p.next%len(p.workers)]
	p.next++
	p.mu.Unlock()

	hj, ok := w.(http.Hijacker)
	if !ok {
		return errors.New("connection cannot be hijacked")
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		return errors.Annotate(err, "hijacking upgrade socket")
	}
	defer conn.Close()

	// Bytes the server already buffered must travel with the socket so
	// the worker sees an unbroken stream.
	var head []byte
	if n := brw.Reader.Buffered(); n > 0 {
		head, err = brw.Reader.Peek(n)
		if err != nil {
			return errors.Annotate(err, "draining buffered upgrade bytes")
		}
	}

	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return errors.Errorf("expected TCP socket, got %T", conn)
	}
	file, err := tcp.File()
	if err != nil {
		return errors.Annotate(err, "duplicating socket descriptor")
	}
	defer file.Close()

	frame := handoff.Frame{
		Message: handoff.SerializeRequest(r),
		Head:    head,
	}
	if err := handoff.Send(worker, frame, file); err != nil {
		return errors.Annotatef(err, "handing off %q", r.RemoteAddr)
	}
	return nil
}

// ServeHandoffs receives sockets from the dispatcher end of pipe and
// serves each reconstructed upgrade request on handler. It returns
// when the pipe closes.
func ServeHandoffs(pipe *net.UnixConn, handler http.Handler, logger logger.Logger) error {
	for {
		frame, file, err := handoff.Receive(pipe)
		if err != nil {
			return errors.Annotate(err, "receiving handoff")
		}
		sock, err := net.FileConn(file)
		file.Close()
		if err != nil {
			logger.Errorf(context.Background(), "reopening handoff socket: %v", err)
			continue
		}
		go serveHandoff(frame, sock, handler, logger)
	}
}

func serveHandoff(frame handoff.Frame, sock net.Conn, handler http.Handler, logger logger.Logger) {
	req, err := frame.Message.Request()
	if err != nil {
		logger.Errorf(context.Background(), "rebuilding handoff request: %v", err)
		sock.Close()
		return
	}
	conn := frame.Conn(sock)
	rw := &rawResponseWriter{conn: conn, header: http.Header{}}
	handler.ServeHTTP(rw, req)
	if !rw.hijacked {
		_ = rw.flush()
		conn.Close()
	}
}

// rawResponseWriter adapts a bare socket to the http.ResponseWriter
// and http.Hijacker surfaces the websocket upgrader needs. Non-upgrade
// responses, the error paths, are written as plain HTTP/1.1.
type rawResponseWriter struct {
	conn     net.Conn
	header   http.Header
	status   int
	wrote    bool
	hijacked bool
	bw       *bufio.Writer
}

// Header implements http.ResponseWriter.
func (w *rawResponseWriter) Header() http.Header {
	return w.header
}

// WriteHeader implements http.ResponseWriter.
func (w *rawResponseWriter) WriteHeader(status int) {
	if w.wrote || w.hijacked {
		return
	}
	w.wrote = true
	w.status = status
	w.bw = bufio.NewWriter(w.conn)
	fmt.Fprintf(w.bw, "HTTP/1.1 %03d %s\r\n", status, http.StatusText(status))
	w.header.Set("Connection", "close")
	_ = w.header.Write(w.bw)
	_, _ = io.WriteString(w.bw, "\r\n")
}

// Write implements http.ResponseWriter.
func (w *rawResponseWriter) Write(p []byte) (int, error) {
	if w.hijacked {
		return 0, http.ErrHijacked
	}
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.bw.Write(p)
}

// Hijack implements http.Hijacker.
func (w *rawResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if w.wrote {
		return nil, nil, errors.New("response already written")
	}
	w.hijacked = true
	return w.conn, bufio.NewReadWriter(bufio.NewReader(w.conn), bufio.NewWriter(w.conn)), nil
}

func (w *rawResponseWriter) flush() error {
	if w.bw == nil {
		return nil
	}
	return w.bw.Flush()
}
