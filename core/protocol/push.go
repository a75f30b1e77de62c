// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package protocol

import (
	"encoding/json"

	"github.com/juju/errors"
)

// PushVersion is the version of the push body layout sent to the
// user's API server.
const PushVersion = 1

// MutationID identifies one mutation within a client group.
type MutationID struct {
	ClientID string `json:"clientID"`
	ID       int64  `json:"id"`
}

// Mutation is a single custom mutation. Per client, IDs are
// contiguous and strictly increasing from 1.
type Mutation struct {
	Type      string          `json:"type"`
	ClientID  string          `json:"clientID"`
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args"`
	Timestamp int64           `json:"timestamp"`
}

// MutationType is the only mutation type carried by pushes.
const MutationType = "custom"

// PushBody is the client push message and, with the group's
// mutations combined, the body POSTed to the user's push endpoint.
type PushBody struct {
	ClientGroupID string     `json:"clientGroupID"`
	Mutations     []Mutation `json:"mutations"`
	PushVersion   int        `json:"pushVersion"`
	SchemaVersion string     `json:"schemaVersion,omitempty"`
	Timestamp     int64      `json:"timestamp"`
	RequestID     string     `json:"requestID"`
}

// Mutation result error codes returned by the push processor.
const (
	// MutationOutOfOrder reports a mutation ID ahead of the stored
	// last-mutation-id; processing stops at the first occurrence.
	MutationOutOfOrder = "oooMutation"

	// MutationAlreadyProcessed reports a mutation ID at or below the
	// stored last-mutation-id; the mutation is skipped silently.
	MutationAlreadyProcessed = "alreadyProcessed"

	// MutationAppError reports that the user's mutator implementation
	// failed; the last-mutation-id still advances.
	MutationAppError = "app"
)

// MutationResultData is the outcome of one mutation: empty on
// success, or an error code with optional details.
type MutationResultData struct {
	Error   string          `json:"error,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// MutationResult pairs a mutation identity with its outcome.
type MutationResult struct {
	ID     MutationID         `json:"id"`
	Result MutationResultData `json:"result"`
}

// PushResponseBody is the success shape of the push endpoint
// response.
type PushResponseBody struct {
	Mutations []MutationResult `json:"mutations"`
}

// Top level push error codes.
const (
	PushErrorUnsupportedPushVersion   = "unsupportedPushVersion"
	PushErrorUnsupportedSchemaVersion = "unsupportedSchemaVersion"
	PushErrorForClient                = "forClient"
)

// PushErrorResponse is the failure shape of the push endpoint
// response.
type PushErrorResponse struct {
	Error       string          `json:"error"`
	MutationIDs []MutationID    `json:"mutationIDs,omitempty"`
	Cause       *ErrorBody      `json:"cause,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// PushResult holds either a parsed push response or a top level push
// error, never both.
type PushResult struct {
	Response *PushResponseBody
	Err      *PushErrorResponse
}

// ParsePushResult decodes the body returned by the push endpoint.
func ParsePushResult(data []byte) (PushResult, error) {
	var probe struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return PushResult{}, errors.Annotate(err, "decoding push response")
	}
	if probe.Error != nil {
		var perr PushErrorResponse
		if err := json.Unmarshal(data, &perr); err != nil {
			return PushResult{}, errors.Annotate(err, "decoding push error response")
		}
		return PushResult{Err: &perr}, nil
	}
	var resp PushResponseBody
	if err := json.Unmarshal(data, &resp); err != nil {
		return PushResult{}, errors.Annotate(err, "decoding push response body")
	}
	return PushResult{Response: &resp}, nil
}

// Transform endpoint tags.
const (
	MsgTransform       = "transform"
	MsgTransformed     = "transformed"
	MsgTransformFailed = "transformFailed"
)

// TransformRequest asks the user's API server to expand one named
// query into an authorized AST.
type TransformRequest struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// TransformedQuery is the per query result: an AST on success, an
// error code otherwise.
type TransformedQuery struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	AST     json.RawMessage `json:"ast,omitempty"`
	Error   string          `json:"error,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}
