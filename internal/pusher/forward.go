// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pusher

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/juju/zerocache/core/logger"
	"github.com/juju/zerocache/core/protocol"
)

// combinedPush is one HTTP call's worth of mutations, merged from a
// drained batch. Mutations keep their per-client arrival order.
type combinedPush struct {
	url           string
	jwt           string
	cookie        string
	schemaVersion string
	clientGroupID string
	mutations     []protocol.Mutation

	// clients holds the downstream handle of every client with a
	// mutation in this push, in first-seen order.
	clientOrder []string
	clients     map[string]Client
}

type combineKey struct {
	url           string
	jwt           string
	cookie        string
	schemaVersion string
	pushVersion   int
}

// combine groups a drained batch by endpoint and credentials. The
// cookie joins the key only when cookies are forwarded: a combined
// call carries one Cookie header, so tasks with different cookies must
// not share a call. Within a client the JWT, schema version and push
// version must not change between pushes; a mismatch is a programming
// error upstream of the queue and is logged before the task is split
// into its own push.
func combine(ctx context.Context, log logger.Logger, batch []task, forwardCookies bool) []*combinedPush {
	var order []combineKey
	groups := make(map[combineKey]*combinedPush)
	seen := make(map[string]combineKey)

	for _, t := range batch {
		key := combineKey{
			url:           t.url,
			jwt:           t.req.JWT,
			schemaVersion: t.req.SchemaVersion,
			pushVersion:   t.req.Push.PushVersion,
		}
		if forwardCookies {
			key.cookie = t.req.Cookie
		}
		if prev, ok := seen[t.req.ClientID]; ok && prev != key {
			log.Errorf(ctx, "client %q changed push credentials mid-queue", t.req.ClientID)
		}
		seen[t.req.ClientID] = key

		cp, ok := groups[key]
		if !ok {
			cp = &combinedPush{
				url:           t.url,
				jwt:           t.req.JWT,
				cookie:        t.req.Cookie,
				schemaVersion: t.req.SchemaVersion,
				clientGroupID: t.req.Push.ClientGroupID,
				clients:       make(map[string]Client),
			}
			groups[key] = cp
			order = append(order, key)
		}
		cp.mutations = append(cp.mutations, t.req.Push.Mutations...)
		if _, ok := cp.clients[t.req.ClientID]; !ok {
			cp.clientOrder = append(cp.clientOrder, t.req.ClientID)
			cp.clients[t.req.ClientID] = t.req.Client
		}
	}

	out := make([]*combinedPush, 0, len(order))
	for _, key := range order {
		out = append(out, groups[key])
	}
	return out
}

// forward issues one HTTP POST for a combined push and fans the
// response out to the affected clients.
func (s *Service) forward(ctx context.Context, cp *combinedPush) {
	s.cfg.Metrics.PushCallsInc()
	s.cfg.Metrics.PushMutationsAdd(len(cp.mutations))

	body := protocol.PushBody{
		ClientGroupID: cp.clientGroupID,
		Mutations:     cp.mutations,
		PushVersion:   protocol.PushVersion,
		SchemaVersion: cp.schemaVersion,
		Timestamp:     s.cfg.Clock.Now().UnixMilli(),
		RequestID:     uuid.NewString(),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		s.failAll(ctx, cp, protocol.InternalBody(err))
		return
	}

	target, err := pushTarget(cp.url, s.cfg.Schema, s.cfg.AppID)
	if err != nil {
		s.cfg.Logger.Errorf(ctx, "invalid push URL %q: %v", cp.url, err)
		s.sendErrorAll(ctx, cp, protocol.ErrorBody{
			Kind:    protocol.PushFailed,
			Message: "invalid push URL",
			Origin:  protocol.OriginCache,
		})
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		s.sendErrorAll(ctx, cp, protocol.InternalBody(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", s.cfg.APIKey)
	}
	if cp.jwt != "" {
		req.Header.Set("Authorization", "Bearer "+cp.jwt)
	}
	if s.cfg.ForwardCookies && cp.cookie != "" {
		req.Header.Set("Cookie", cp.cookie)
	}

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		s.cfg.Metrics.PushFailuresInc()
		s.cfg.Logger.Warningf(ctx, "push to %q failed: %v", cp.url, err)
		s.sendErrorAll(ctx, cp, protocol.ErrorBody{
			Kind:    protocol.PushFailed,
			Message: "push endpoint unreachable",
			Origin:  protocol.OriginCache,
		})
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		s.failAll(ctx, cp, protocol.ErrorBody{
			Kind:    protocol.AuthInvalidated,
			Message: "push endpoint rejected the credentials",
			Origin:  protocol.OriginCache,
		})
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.cfg.Metrics.PushFailuresInc()
		s.cfg.Logger.Warningf(ctx, "push to %q returned status %d", cp.url, resp.StatusCode)
		s.sendErrorAll(ctx, cp, protocol.ErrorBody{
			Kind:    protocol.PushFailed,
			Message: http.StatusText(resp.StatusCode),
			Origin:  protocol.OriginCache,
		})
		return
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		s.cfg.Metrics.PushFailuresInc()
		s.sendErrorAll(ctx, cp, protocol.ErrorBody{
			Kind:    protocol.PushFailed,
			Message: "reading push response",
			Origin:  protocol.OriginCache,
		})
		return
	}
	result, err := protocol.ParsePushResult(data)
	if err != nil {
		s.cfg.Metrics.PushFailuresInc()
		s.cfg.Logger.Warningf(ctx, "push response from %q unparseable: %v", cp.url, err)
		s.sendErrorAll(ctx, cp, protocol.ErrorBody{
			Kind:    protocol.PushFailed,
			Message: "unparseable push response",
			Origin:  protocol.OriginCache,
		})
		return
	}

	if result.Err != nil {
		s.fanOutError(ctx, cp, result.Err)
		return
	}
	s.fanOutResults(ctx, cp, result.Response)
}

// fanOutError routes a top level push error to every affected client.
func (s *Service) fanOutError(ctx context.Context, cp *combinedPush, perr *protocol.PushErrorResponse) {
	switch perr.Error {
	case protocol.PushErrorUnsupportedPushVersion, protocol.PushErrorUnsupportedSchemaVersion:
		s.failAll(ctx, cp, protocol.ErrorBody{
			Kind:    protocol.InvalidPush,
			Message: perr.Error,
			Origin:  protocol.OriginServer,
		})
	case protocol.PushErrorForClient:
		body := protocol.ErrorBody{
			Kind:    protocol.PushFailed,
			Message: perr.Error,
			Origin:  protocol.OriginServer,
		}
		if perr.Cause != nil {
			body = *perr.Cause
		}
		s.failAll(ctx, cp, body)
	default:
		s.sendErrorAll(ctx, cp, protocol.ErrorBody{
			Kind:    protocol.PushFailed,
			Message: perr.Error,
			Origin:  protocol.OriginServer,
		})
	}
}

// fanOutResults dispatches per-mutation results to their clients. A
// client whose results contain an out of order error receives the
// successful prefix as a pushResponse and is then disconnected.
func (s *Service) fanOutResults(ctx context.Context, cp *combinedPush, resp *protocol.PushResponseBody) {
	byClient := make(map[string][]protocol.MutationResult)
	for _, res := range resp.Mutations {
		byClient[res.ID.ClientID] = append(byClient[res.ID.ClientID], res)
	}

	for _, clientID := range cp.clientOrder {
		client := cp.clients[clientID]
		results := byClient[clientID]

		ooo := -1
		for i, res := range results {
			if res.Result.Error == protocol.MutationOutOfOrder {
				ooo = i
				break
			}
		}
		if ooo < 0 {
			client.SendPushResponse(ctx, protocol.PushResponseBody{Mutations: results})
			continue
		}

		if ooo > 0 {
			client.SendPushResponse(ctx, protocol.PushResponseBody{Mutations: results[:ooo]})
		}
		for _, res := range results[ooo+1:] {
			s.cfg.Logger.Infof(ctx, "client %q: dropping result for mutation %d after out of order error",
				clientID, res.ID.ID)
		}
		client.Fail(ctx, protocol.ErrorBody{
			Kind:    protocol.InvalidPush,
			Message: "mutation was out of order",
			Origin:  protocol.OriginCache,
		})
	}
}

func (s *Service) sendErrorAll(ctx context.Context, cp *combinedPush, body protocol.ErrorBody) {
	for _, clientID := range cp.clientOrder {
		cp.clients[clientID].SendError(ctx, body)
	}
}

func (s *Service) failAll(ctx context.Context, cp *combinedPush, body protocol.ErrorBody) {
	for _, clientID := range cp.clientOrder {
		cp.clients[clientID].Fail(ctx, body)
	}
}

// pushTarget appends the reserved schema and appID query parameters.
func pushTarget(raw, schema, appID string) (string, error) {
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
