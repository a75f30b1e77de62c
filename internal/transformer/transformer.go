// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package transformer expands named client queries into authorized
// ASTs through the user's get-queries endpoint. The endpoint speaks
// the same header and reserved-parameter conventions as the push
// endpoint; per-query failures travel inside the response, while an
// unreachable or misbehaving endpoint surfaces as TransformFailed.
package transformer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/zerocache/core/logger"
	"github.com/juju/zerocache/core/protocol"
)

// Config holds the client dependencies.
type Config struct {
	// URL is the get-queries endpoint.
	URL string

	// APIKey, when set, is sent as X-Api-Key on every call.
	APIKey string

	// AppID and Schema are appended to the URL as reserved query
	// parameters.
	AppID  string
	Schema string

	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     logger.Logger
}

// Validate returns an error if the config is incomplete.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.NotValidf("empty URL")
	}
	if c.HTTPClient == nil {
		return errors.NotValidf("nil HTTPClient")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Client calls the user's get-queries endpoint.
type Client struct {
	cfg    Config
	target string
}

// New returns a transformer client.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	target, err := transformTarget(cfg.URL, cfg.Schema, cfg.AppID)
	if err != nil {
		return nil, errors.Annotatef(err, "invalid get-queries URL %q", cfg.URL)
	}
	return &Client{cfg: cfg, target: target}, nil
}

// Transform POSTs the batch of named queries and returns one result
// per query. The returned error carries a TransformFailed body when
// the endpoint itself failed; per-query errors come back inside the
// results.
func (c *Client) Transform(ctx context.Context, reqs []protocol.TransformRequest) ([]protocol.TransformedQuery, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	payload, err := protocol.EncodeTagged(protocol.MsgTransform, reqs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.target, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Trace(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("X-Api-Key", c.cfg.APIKey)
	}

	start := c.cfg.Clock.Now()
	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		c.cfg.Logger.Warningf(ctx, "get-queries call to %q failed: %v", c.cfg.URL, err)
		return nil, protocol.NewError(protocol.TransformFailed, "get-queries endpoint unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.cfg.Logger.Warningf(ctx, "get-queries call to %q returned status %d", c.cfg.URL, resp.StatusCode)
		return nil, protocol.NewError(protocol.TransformFailed, "%s", http.StatusText(resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, protocol.NewError(protocol.TransformFailed, "reading get-queries response")
	}
	tag, body, err := protocol.DecodeTagged(data)
	if err != nil {
		return nil, protocol.NewError(protocol.TransformFailed, "unparseable get-queries response")
	}

	switch tag {
	case protocol.MsgTransformed:
		var results []protocol.TransformedQuery
		if err := json.Unmarshal(body, &results); err != nil {
			return nil, protocol.NewError(protocol.TransformFailed, "unparseable transformed queries")
		}
		c.cfg.Logger.Debugf(ctx, "transformed %d queries in %v",
			len(reqs), c.cfg.Clock.Now().Sub(start))
		return results, nil

	case protocol.MsgTransformFailed:
		var errBody protocol.ErrorBody
		if err := json.Unmarshal(body, &errBody); err != nil {
			return nil, protocol.NewError(protocol.TransformFailed, "unparseable transformFailed body")
		}
		return nil, protocol.WithBody(errBody)

	default:
		return nil, protocol.NewError(protocol.TransformFailed,
			"unexpected get-queries response %q", tag)
	}
}

// transformTarget appends the reserved schema and appID query
// parameters.
func transformTarget(raw, schema, appID string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("schema", schema)
	q.Set("appID", appID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
