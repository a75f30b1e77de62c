// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package protocol defines the wire protocol spoken over client
// websockets and to the user's API server. Messages are JSON arrays
// tagged with a message name, mirroring the client library's framing.
package protocol

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/juju/errors"
)

const (
	// MinServerSupportedVersion is the oldest protocol version the
	// server will accept on a connection.
	MinServerSupportedVersion = 2

	// CurrentProtocolVersion is the protocol version the server
	// speaks.
	CurrentProtocolVersion = 6
)

// MaxCloseReasonBytes is the websocket limit on control frame reason
// strings: a close payload is at most 125 bytes, two of which hold
// the status code.
const MaxCloseReasonBytes = 123

// Tagged message names, client bound.
const (
	MsgConnected    = "connected"
	MsgPong         = "pong"
	MsgPokeStart    = "pokeStart"
	MsgPokePart     = "pokePart"
	MsgPokeEnd      = "pokeEnd"
	MsgPushResponse = "pushResponse"
	MsgError        = "error"
	MsgWarm         = "warm"
)

// Tagged message names, client sent.
const (
	MsgInitConnection       = "initConnection"
	MsgPing                 = "ping"
	MsgPush                 = "push"
	MsgChangeDesiredQueries = "changeDesiredQueries"
	MsgDeleteClients        = "deleteClients"
	MsgInspect              = "inspect"
)

// EncodeTagged renders a [tag, body] message.
func EncodeTagged(tag string, body any) ([]byte, error) {
	data, err := json.Marshal([]any{tag, body})
	return data, errors.Trace(err)
}

// DecodeTagged splits a [tag, body] message, leaving the body raw for
// the caller to decode once the tag is known.
func DecodeTagged(data []byte) (string, json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, errors.Annotate(err, "decoding tagged message")
	}
	if len(parts) < 1 || len(parts) > 2 {
		return "", nil, errors.Errorf("expected [tag, body], got %d elements", len(parts))
	}
	var tag string
	if err := json.Unmarshal(parts[0], &tag); err != nil {
		return "", nil, errors.Annotate(err, "decoding message tag")
	}
	var body json.RawMessage
	if len(parts) == 2 {
		body = parts[1]
	}
	return tag, body, nil
}

// ConnectedBody is the first message sent on a healthy connection.
type ConnectedBody struct {
	WSID      string `json:"wsid"`
	Timestamp int64  `json:"timestamp"`
}

// PongBody is the reply to a ping.
type PongBody struct{}

// PingBody is the client keepalive.
type PingBody struct{}

// InitConnectionBody carries the client's initial desired query set
// and optional mutation forwarding overrides. The desired queries are
// opaque here; they are forwarded to the view syncer untouched.
type InitConnectionBody struct {
	DesiredQueriesPatch json.RawMessage `json:"desiredQueriesPatch,omitempty"`
	ClientSchema        json.RawMessage `json:"clientSchema,omitempty"`
	UserPushParams      *UserPushParams `json:"userPushParams,omitempty"`
}

// UserPushParams lets a client redirect its mutations to a
// non-default push endpoint. The URL must match the configured
// allow list.
type UserPushParams struct {
	URL string `json:"url,omitempty"`
}

// ChangeDesiredQueriesBody is forwarded verbatim to the view syncer.
type ChangeDesiredQueriesBody struct {
	DesiredQueriesPatch json.RawMessage `json:"desiredQueriesPatch"`
}

// DeleteClientsBody asks for dead client state to be cleaned up.
type DeleteClientsBody struct {
	ClientIDs      []string `json:"clientIDs,omitempty"`
	ClientGroupIDs []string `json:"clientGroupIDs,omitempty"`
}

// PokeStartBody opens an incremental view update. The base cookie
// names the client state the parts patch against.
type PokeStartBody struct {
	PokeID     string `json:"pokeID"`
	BaseCookie string `json:"baseCookie,omitempty"`
}

// PokePartBody carries one batch of row patches within a poke.
type PokePartBody struct {
	PokeID     string          `json:"pokeID"`
	RowsPatch  json.RawMessage `json:"rowsPatch,omitempty"`
	LastMutIDs map[string]int  `json:"lastMutationIDChanges,omitempty"`
}

// PokeEndBody closes a poke at a new cookie.
type PokeEndBody struct {
	PokeID string `json:"pokeID"`
	Cookie string `json:"cookie"`
}

// InspectBody is the authenticated debugging side channel.
type InspectBody struct {
	Op    string          `json:"op"`
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value,omitempty"`
}

// InspectResponseBody answers an inspect op, echoing its id. The
// response travels under the same tag as the request.
type InspectResponseBody struct {
	ID    string `json:"id"`
	Value any    `json:"value,omitempty"`
}

// WarmBody pads the connection after connect so intermediaries open
// their congestion windows ahead of the first poke.
type WarmBody struct {
	Payload string `json:"payload"`
}

// TruncateCloseReason clamps reason to MaxCloseReasonBytes without
// splitting a UTF-8 sequence.
func TruncateCloseReason(reason string) string {
	if len(reason) <= MaxCloseReasonBytes {
		return reason
	}
	truncated := reason[:MaxCloseReasonBytes]
	for len(truncated) > 0 && !utf8.ValidString(truncated) {
		truncated = truncated[:len(truncated)-1]
	}
	return truncated
}
