// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package handoff moves an accepted client socket from the dispatcher
// process to a syncer worker. The file descriptor travels as
// SCM_RIGHTS ancillary data on a unix domain socket, alongside a
// framed JSON payload describing the upgrade request and any bytes
// already buffered from the wire.
package handoff

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// Pair returns a connected unix socket pair for handoffs between the
// dispatcher and one syncer worker.
func Pair() (*net.UnixConn, *net.UnixConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, errors.Annotate(err, "creating handoff socket pair")
	}
	left, err := connFromFD(fds[0])
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, errors.Trace(err)
	}
	right, err := connFromFD(fds[1])
	if err != nil {
		left.Close()
		return nil, nil, errors.Trace(err)
	}
	return left, right, nil
}

func connFromFD(fd int) (*net.UnixConn, error) {
	file := os.NewFile(uintptr(fd), "handoff-pair")
	defer file.Close()
	conn, err := net.FileConn(file)
	if err != nil {
		return nil, errors.Annotate(err, "adopting handoff descriptor")
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, errors.Errorf("handoff descriptor is %T, not a unix socket", conn)
	}
	return uc, nil
}

// SerializedRequest is the subset of the upgrade request the worker
// needs to complete the WebSocket handshake.
type SerializedRequest struct {
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	Proto      string      `json:"proto"`
	Header     http.Header `json:"headers"`
	Host       string      `json:"host"`
	RemoteAddr string      `json:"remoteAddr"`
}

// Frame is the structured half of a handoff.
type Frame struct {
	// Message carries the serialized upgrade request.
	Message SerializedRequest `json:"message"`

	// Head holds bytes already read from the socket, typically the
	// tail of the TLS or HTTP buffer, which must be replayed before
	// reading from the descriptor.
	Head []byte `json:"head,omitempty"`

	// Payload is routing information private to the receiving worker.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SerializeRequest captures an upgrade request for transfer.
func SerializeRequest(r *http.Request) SerializedRequest {
	return SerializedRequest{
		Method:     r.Method,
		URL:        r.URL.String(),
		Proto:      r.Proto,
		Header:     r.Header,
		Host:       r.Host,
		RemoteAddr: r.RemoteAddr,
	}
}

// Request rebuilds an http.Request the upgrader can act on.
func (s SerializedRequest) Request() (*http.Request, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, errors.Annotate(err, "parsing handoff URL")
	}
	req := &http.Request{
		Method:     s.Method,
		URL:        u,
		Proto:      s.Proto,
		Header:     s.Header,
		Host:       s.Host,
		RemoteAddr: s.RemoteAddr,
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	return req, nil
}

// maxFrameSize bounds the JSON half of a handoff. Anything larger is
// a protocol violation between our own processes.
const maxFrameSize = 1 << 20

// Send transfers the socket's descriptor and frame to the worker on
// the other end of conn. The caller keeps ownership of file and
// closes it once Send returns: the receiving process holds its own
// duplicate after a successful transfer.
func Send(conn *net.UnixConn, frame Frame, file *os.File) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return errors.Annotate(err, "encoding handoff frame")
	}
	if len(data) > maxFrameSize {
		return errors.Errorf("handoff frame too large (%d bytes)", len(data))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))

	rights := unix.UnixRights(int(file.Fd()))
	if _, _, err := conn.WriteMsgUnix(header[:], rights, nil); err != nil {
		return errors.Annotate(err, "sending handoff descriptor")
	}
	if _, err := conn.Write(data); err != nil {
		return errors.Annotate(err, "sending handoff frame")
	}
	return nil
}

// Receive accepts one handoff, returning the frame and the
// transferred socket as a file. The caller owns the file.
func Receive(conn *net.UnixConn) (Frame, *os.File, error) {
	var (
		header [4]byte
		oob    [64]byte
	)
	n, oobn, _, _, err := conn.ReadMsgUnix(header[:], oob[:])
	if err != nil {
		return Frame{}, nil, errors.Annotate(err, "receiving handoff descriptor")
	}
	if n < len(header) {
		if _, err := io.ReadFull(conn, header[n:]); err != nil {
			return Frame{}, nil, errors.Annotate(err, "receiving handoff header")
		}
	}

	file, err := parseRights(oob[:oobn])
	if err != nil {
		return Frame{}, nil, errors.Trace(err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		file.Close()
		return Frame{}, nil, errors.Errorf("handoff frame too large (%d bytes)", size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(conn, data); err != nil {
		file.Close()
		return Frame{}, nil, errors.Annotate(err, "receiving handoff frame")
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		file.Close()
		return Frame{}, nil, errors.Annotate(err, "decoding handoff frame")
	}
	return frame, file, nil
}

func parseRights(oob []byte) (*os.File, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, errors.Annotate(err, "parsing control message")
	}
	if len(msgs) != 1 {
		return nil, errors.Errorf("expected one control message, got %d", len(msgs))
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return nil, errors.Annotate(err, "parsing descriptor rights")
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return nil, errors.Errorf("expected one descriptor, got %d", len(fds))
	}
	return os.NewFile(uintptr(fds[0]), "handoff-socket"), nil
}

// Conn stitches the replayed head bytes back in front of the
// transferred socket so the worker sees an unbroken byte stream.
func (f Frame) Conn(sock net.Conn) net.Conn {
	if len(f.Head) == 0 {
		return sock
	}
	return &headConn{
		Conn:   sock,
		reader: io.MultiReader(bytes.NewReader(f.Head), sock),
	}
}

type headConn struct {
	net.Conn
	reader io.Reader
}

func (c *headConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}
