// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package protocol

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// ConnectParams are the query parameters of a websocket connect
// request.
type ConnectParams struct {
	ClientID        string
	ClientGroupID   string
	Timestamp       int64
	LastMutationID  int64
	ProtocolVersion int

	// Optional.
	SchemaVersion string
	BaseCookie    string
	WSID          string
	UserID        string
	DebugPerf     bool
}

// ParseConnectParams validates and extracts the connect parameters
// from a request query. The protocol version arrives on the URL path
// rather than the query, so it is supplied separately.
func ParseConnectParams(q url.Values, protocolVersion int) (ConnectParams, error) {
	p := ConnectParams{
		ClientID:        q.Get("clientID"),
		ClientGroupID:   q.Get("clientGroupID"),
		ProtocolVersion: protocolVersion,
		SchemaVersion:   q.Get("schemaVersion"),
		BaseCookie:      q.Get("baseCookie"),
		WSID:            q.Get("wsid"),
		UserID:          q.Get("userID"),
	}
	if p.ClientID == "" {
		return ConnectParams{}, errors.New("missing clientID parameter")
	}
	if p.ClientGroupID == "" {
		return ConnectParams{}, errors.New("missing clientGroupID parameter")
	}

	var err error
	if p.Timestamp, err = requiredInt(q, "ts"); err != nil {
		return ConnectParams{}, errors.Trace(err)
	}
	if p.LastMutationID, err = requiredInt(q, "lmid"); err != nil {
		return ConnectParams{}, errors.Trace(err)
	}

	switch debugPerf := q.Get("debugPerf"); debugPerf {
	case "", "false":
	case "true":
		p.DebugPerf = true
	default:
		return ConnectParams{}, errors.Errorf("invalid debugPerf parameter %q", debugPerf)
	}
	return p, nil
}

func requiredInt(q url.Values, name string) (int64, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, errors.Errorf("missing %s parameter", name)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Errorf("invalid %s parameter %q", name, raw)
	}
	return n, nil
}

// Sec-WebSocket-Protocol carries a packed init-connection message and
// an optional auth token, each percent encoded so they survive header
// tokenisation.

// EncodeSecProtocol packs an init-connection message and auth token
// into a subprotocol header value.
func EncodeSecProtocol(initConnection json.RawMessage, authToken string) string {
	parts := []string{url.QueryEscape(string(initConnection))}
	if authToken != "" {
		parts = append(parts, url.QueryEscape(authToken))
	}
	return strings.Join(parts, ", ")
}

// DecodeSecProtocol unpacks the subprotocol header value.
func DecodeSecProtocol(header string) (initConnection json.RawMessage, authToken string, err error) {
	if header == "" {
		return nil, "", nil
	}
	parts := strings.Split(header, ",")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
	}
	if len(parts) > 2 {
		return nil, "", errors.Errorf("expected at most 2 subprotocol values, got %d", len(parts))
	}
	unpacked, err := url.QueryUnescape(parts[0])
	if err != nil {
		return nil, "", errors.Annotate(err, "decoding init connection subprotocol")
	}
	if unpacked != "" {
		if !json.Valid([]byte(unpacked)) {
			return nil, "", errors.New("init connection subprotocol is not valid JSON")
		}
		initConnection = json.RawMessage(unpacked)
	}
	if len(parts) == 2 {
		if authToken, err = url.QueryUnescape(parts[1]); err != nil {
			return nil, "", errors.Annotate(err, "decoding auth token subprotocol")
		}
	}
	return initConnection, authToken, nil
}
