// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pusher_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	stdtesting "testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/tc"

	"github.com/juju/zerocache/core/protocol"
	loggertesting "github.com/juju/zerocache/internal/logger/testing"
	"github.com/juju/zerocache/internal/pusher"
	"github.com/juju/zerocache/internal/urlmatch"
)

const testTimeout = 5 * time.Second

type pusherSuite struct{}

func TestPusherSuite(t *stdtesting.T) {
	tc.Run(t, &pusherSuite{})
}

func (s *pusherSuite) TestCombineWhileCallInFlight(c *tc.C) {
	// The first call blocks until released, so the remaining pushes
	// pile up in the queue and are combined into a single second call.
	started := make(chan struct{})
	release := make(chan struct{})
	srv := newPushServer(c, func(calls int) {
		if calls == 1 {
			close(started)
			<-release
		}
	})
	defer srv.Close()

	svc := s.newService(c, srv, nil)

	client1 := newFakeClient()
	client2 := newFakeClient()

	ctx := context.Background()
	c.Assert(svc.Enqueue(ctx, pusher.Request{
		ClientID: "c1", Client: client1, JWT: "jwt-1",
		Push: mkPush("g1", "c1", 1),
	}), tc.ErrorIsNil)

	select {
	case <-started:
	case <-time.After(testTimeout):
		c.Fatal("timed out waiting for first push call")
	}

	for id := int64(2); id <= 4; id++ {
		c.Assert(svc.Enqueue(ctx, pusher.Request{
			ClientID: "c1", Client: client1, JWT: "jwt-1",
			Push: mkPush("g1", "c1", id),
		}), tc.ErrorIsNil)
	}
	c.Assert(svc.Enqueue(ctx, pusher.Request{
		ClientID: "c2", Client: client2, JWT: "jwt-1",
		Push: mkPush("g1", "c2", 1),
	}), tc.ErrorIsNil)

	close(release)

	bodies := srv.waitForCalls(c, 2)
	c.Check(bodies[0].Mutations, tc.HasLen, 1)

	second := bodies[1]
	c.Assert(second.Mutations, tc.HasLen, 4)
	c.Check(second.ClientGroupID, tc.Equals, "g1")
	var c1IDs, c2IDs []int64
	for _, m := range second.Mutations {
		switch m.ClientID {
		case "c1":
			c1IDs = append(c1IDs, m.ID)
		case "c2":
			c2IDs = append(c2IDs, m.ID)
		}
	}
	c.Check(c1IDs, tc.DeepEquals, []int64{2, 3, 4})
	c.Check(c2IDs, tc.DeepEquals, []int64{1})

	// No third call happens.
	time.Sleep(50 * time.Millisecond)
	c.Check(srv.callCount(), tc.Equals, 2)

	// Both clients got their results.
	client1.waitForResponses(c, 2)
	client2.waitForResponses(c, 1)
}

func (s *pusherSuite) TestCombineSplitsOnCookie(c *tc.C) {
	// With cookie forwarding on, queued pushes carrying different
	// cookies must not share a combined call: one call carries one
	// Cookie header.
	started := make(chan struct{})
	release := make(chan struct{})
	srv := newPushServer(c, func(calls int) {
		if calls == 1 {
			close(started)
			<-release
		}
	})
	defer srv.Close()

	svc := s.newService(c, srv, func(cfg *pusher.Config) {
		cfg.ForwardCookies = true
	})

	client1 := newFakeClient()
	client2 := newFakeClient()

	ctx := context.Background()
	c.Assert(svc.Enqueue(ctx, pusher.Request{
		ClientID: "c1", Client: client1, Cookie: "sid=a",
		Push: mkPush("g1", "c1", 1),
	}), tc.ErrorIsNil)

	select {
	case <-started:
	case <-time.After(testTimeout):
		c.Fatal("timed out waiting for first push call")
	}

	c.Assert(svc.Enqueue(ctx, pusher.Request{
		ClientID: "c1", Client: client1, Cookie: "sid=a",
		Push: mkPush("g1", "c1", 2),
	}), tc.ErrorIsNil)
	c.Assert(svc.Enqueue(ctx, pusher.Request{
		ClientID: "c2", Client: client2, Cookie: "sid=b",
		Push: mkPush("g1", "c2", 1),
	}), tc.ErrorIsNil)

	close(release)

	bodies := srv.waitForCalls(c, 3)
	c.Check(bodies[1].Mutations, tc.HasLen, 1)
	c.Check(bodies[1].Mutations[0].ClientID, tc.Equals, "c1")
	c.Check(bodies[2].Mutations, tc.HasLen, 1)
	c.Check(bodies[2].Mutations[0].ClientID, tc.Equals, "c2")

	reqs := srv.requests(c)
	c.Check(reqs[1].Header.Get("Cookie"), tc.Equals, "sid=a")
	c.Check(reqs[2].Header.Get("Cookie"), tc.Equals, "sid=b")

	client1.waitForResponses(c, 2)
	client2.waitForResponses(c, 1)
}

func (s *pusherSuite) TestOutOfOrderMutation(c *tc.C) {
	srv := newPushServer(c, nil)
	defer srv.Close()
	srv.respond = func(body protocol.PushBody) any {
		return protocol.PushResponseBody{Mutations: []protocol.MutationResult{{
			ID: protocol.MutationID{ClientID: "c1", ID: 1},
		}, {
			ID:     protocol.MutationID{ClientID: "c1", ID: 2},
			Result: protocol.MutationResultData{Error: protocol.MutationOutOfOrder},
		}, {
			ID: protocol.MutationID{ClientID: "c1", ID: 3},
		}}}
	}

	svc := s.newService(c, srv, nil)
	client := newFakeClient()
	c.Assert(svc.Enqueue(context.Background(), pusher.Request{
		ClientID: "c1", Client: client,
		Push: mkPush("g1", "c1", 1, 2, 3),
	}), tc.ErrorIsNil)

	responses := client.waitForResponses(c, 1)
	c.Assert(responses[0].Mutations, tc.HasLen, 1)
	c.Check(responses[0].Mutations[0].ID, tc.Equals, protocol.MutationID{ClientID: "c1", ID: 1})

	failures := client.waitForFailures(c, 1)
	c.Check(failures[0].Kind, tc.Equals, protocol.InvalidPush)
	c.Check(failures[0].Message, tc.Equals, "mutation was out of order")
}

func (s *pusherSuite) TestUnauthorizedTerminatesConnection(c *tc.C) {
	srv := newPushServer(c, nil)
	defer srv.Close()
	srv.status = http.StatusUnauthorized

	svc := s.newService(c, srv, nil)
	client := newFakeClient()
	c.Assert(svc.Enqueue(context.Background(), pusher.Request{
		ClientID: "c1", Client: client,
		Push: mkPush("g1", "c1", 1),
	}), tc.ErrorIsNil)

	failures := client.waitForFailures(c, 1)
	c.Check(failures[0].Kind, tc.Equals, protocol.AuthInvalidated)
	c.Check(client.responseCount(), tc.Equals, 0)
}

func (s *pusherSuite) TestServerErrorKeepsConnection(c *tc.C) {
	srv := newPushServer(c, nil)
	defer srv.Close()
	srv.status = http.StatusBadGateway

	svc := s.newService(c, srv, nil)
	client := newFakeClient()
	c.Assert(svc.Enqueue(context.Background(), pusher.Request{
		ClientID: "c1", Client: client,
		Push: mkPush("g1", "c1", 1),
	}), tc.ErrorIsNil)

	sent := client.waitForErrors(c, 1)
	c.Check(sent[0].Kind, tc.Equals, protocol.PushFailed)
	c.Check(client.failureCount(), tc.Equals, 0)
}

func (s *pusherSuite) TestTopLevelErrors(c *tc.C) {
	cause := protocol.ErrorBody{
		Kind:    protocol.MutationRateLimited,
		Message: "slow down",
		Origin:  protocol.OriginServer,
	}
	tests := []struct {
		name         string
		response     protocol.PushErrorResponse
		expectFailed bool
		expectKind   protocol.ErrorKind
	}{{
		name:         "unsupported push version",
		response:     protocol.PushErrorResponse{Error: protocol.PushErrorUnsupportedPushVersion},
		expectFailed: true,
		expectKind:   protocol.InvalidPush,
	}, {
		name:         "unsupported schema version",
		response:     protocol.PushErrorResponse{Error: protocol.PushErrorUnsupportedSchemaVersion},
		expectFailed: true,
		expectKind:   protocol.InvalidPush,
	}, {
		name:         "for client carries its cause",
		response:     protocol.PushErrorResponse{Error: protocol.PushErrorForClient, Cause: &cause},
		expectFailed: true,
		expectKind:   protocol.MutationRateLimited,
	}, {
		name:         "anything else stays on the stream",
		response:     protocol.PushErrorResponse{Error: "http"},
		expectFailed: false,
		expectKind:   protocol.PushFailed,
	}}

	for i, test := range tests {
		c.Logf("test %d: %s", i, test.name)

		srv := newPushServer(c, nil)
		srv.respond = func(protocol.PushBody) any { return test.response }

		svc := s.newService(c, srv, nil)
		client := newFakeClient()
		c.Assert(svc.Enqueue(context.Background(), pusher.Request{
			ClientID: "c1", Client: client,
			Push: mkPush("g1", "c1", 1),
		}), tc.ErrorIsNil)

		if test.expectFailed {
			failures := client.waitForFailures(c, 1)
			c.Check(failures[0].Kind, tc.Equals, test.expectKind)
		} else {
			sent := client.waitForErrors(c, 1)
			c.Check(sent[0].Kind, tc.Equals, test.expectKind)
			c.Check(client.failureCount(), tc.Equals, 0)
		}
		srv.Close()
	}
}

func (s *pusherSuite) TestRequestShape(c *tc.C) {
	srv := newPushServer(c, nil)
	defer srv.Close()

	svc := s.newService(c, srv, func(cfg *pusher.Config) {
		cfg.APIKey = "key-1"
		cfg.AppID = "app-1"
		cfg.Schema = "zero_0"
		cfg.ForwardCookies = true
	})

	client := newFakeClient()
	c.Assert(svc.Enqueue(context.Background(), pusher.Request{
		ClientID: "c1", Client: client,
		JWT:    "jwt-1",
		Cookie: "sid=abc",
		Push:   mkPush("g1", "c1", 1),
	}), tc.ErrorIsNil)

	srv.waitForCalls(c, 1)
	req := srv.requests(c)[0]
	c.Check(req.Header.Get("Content-Type"), tc.Equals, "application/json")
	c.Check(req.Header.Get("X-Api-Key"), tc.Equals, "key-1")
	c.Check(req.Header.Get("Authorization"), tc.Equals, "Bearer jwt-1")
	c.Check(req.Header.Get("Cookie"), tc.Equals, "sid=abc")
	c.Check(req.URL.Query().Get("schema"), tc.Equals, "zero_0")
	c.Check(req.URL.Query().Get("appID"), tc.Equals, "app-1")
}

func (s *pusherSuite) TestUserPushURLDisallowed(c *tc.C) {
	srv := newPushServer(c, nil)
	defer srv.Close()

	svc := s.newService(c, srv, nil)
	client := newFakeClient()

	err := svc.Enqueue(context.Background(), pusher.Request{
		ClientID: "c1", Client: client,
		Push:        mkPush("g1", "c1", 1, 2),
		UserPushURL: "https://evil.example.com/push",
	})
	body, ok := protocol.BodyOf(err)
	c.Assert(ok, tc.IsTrue)
	c.Check(body.Kind, tc.Equals, protocol.PushFailed)
	c.Check(body.MutationIDs, tc.DeepEquals, []protocol.MutationID{
		{ClientID: "c1", ID: 1},
		{ClientID: "c1", ID: 2},
	})

	time.Sleep(50 * time.Millisecond)
	c.Check(srv.callCount(), tc.Equals, 0)
}

func (s *pusherSuite) TestUserPushURLAllowed(c *tc.C) {
	srv := newPushServer(c, nil)
	defer srv.Close()

	matcher, err := urlmatch.Compile([]string{"/.*/"})
	c.Assert(err, tc.ErrorIsNil)

	svc := s.newService(c, srv, func(cfg *pusher.Config) {
		cfg.PushURL = "https://unreachable.example.com/push"
		cfg.AllowedUserPushURLs = matcher
	})
	client := newFakeClient()
	c.Assert(svc.Enqueue(context.Background(), pusher.Request{
		ClientID: "c1", Client: client,
		Push:        mkPush("g1", "c1", 1),
		UserPushURL: srv.URL,
	}), tc.ErrorIsNil)

	srv.waitForCalls(c, 1)
}

func (s *pusherSuite) TestStopOnLastUnref(c *tc.C) {
	srv := newPushServer(c, nil)
	defer srv.Close()

	svc, err := pusher.NewService(s.config(c, srv, nil))
	c.Assert(err, tc.ErrorIsNil)

	svc.Ref()
	svc.Ref()
	svc.Unref()
	select {
	case <-svc.Done():
		c.Fatal("service stopped with live references")
	case <-time.After(50 * time.Millisecond):
	}

	svc.Unref()
	select {
	case <-svc.Done():
	case <-time.After(testTimeout):
		c.Fatal("timed out waiting for service stop")
	}

	err = svc.Enqueue(context.Background(), pusher.Request{
		ClientID: "c1", Client: newFakeClient(),
		Push: mkPush("g1", "c1", 1),
	})
	c.Assert(err, tc.ErrorMatches, "push service stopped")
}

func (s *pusherSuite) config(c *tc.C, srv *pushServer, mutate func(*pusher.Config)) pusher.Config {
	cfg := pusher.Config{
		PushURL:    srv.URL,
		HTTPClient: &http.Client{},
		Clock:      clock.WallClock,
		Logger:     loggertesting.WrapCheckLog(c),
		Metrics:    &fakeMetrics{},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return cfg
}

func (s *pusherSuite) newService(c *tc.C, srv *pushServer, mutate func(*pusher.Config)) *pusher.Service {
	svc, err := pusher.NewService(s.config(c, srv, mutate))
	c.Assert(err, tc.ErrorIsNil)
	svc.Ref()
	c.Cleanup(func() {
		svc.Unref()
		select {
		case <-svc.Done():
		case <-time.After(testTimeout):
			c.Errorf("timed out waiting for push service stop")
		}
	})
	return svc
}

func mkPush(groupID, clientID string, ids ...int64) protocol.PushBody {
	body := protocol.PushBody{
		ClientGroupID: groupID,
		PushVersion:   protocol.PushVersion,
	}
	for _, id := range ids {
		body.Mutations = append(body.Mutations, protocol.Mutation{
			Type:     protocol.MutationType,
			ClientID: clientID,
			ID:       id,
			Name:     "doThing",
			Args:     json.RawMessage(`{}`),
		})
	}
	return body
}

// pushServer is a scripted push endpoint.
type pushServer struct {
	*httptest.Server

	status  int
	respond func(protocol.PushBody) any

	mu   sync.Mutex
	got  []protocol.PushBody
	reqs []*http.Request
}

func newPushServer(c *tc.C, gate func(calls int)) *pushServer {
	srv := &pushServer{status: http.StatusOK}
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body protocol.PushBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			c.Errorf("bad push body: %v", err)
		}
		srv.mu.Lock()
		srv.got = append(srv.got, body)
		srv.reqs = append(srv.reqs, r)
		calls := len(srv.got)
		srv.mu.Unlock()

		if gate != nil {
			gate(calls)
		}

		if srv.status != http.StatusOK {
			w.WriteHeader(srv.status)
			return
		}
		response := any(protocol.PushResponseBody{Mutations: results(body)})
		if srv.respond != nil {
			response = srv.respond(body)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}))
	return srv
}

// results acknowledges every mutation in the push.
func results(body protocol.PushBody) []protocol.MutationResult {
	var out []protocol.MutationResult
	for _, m := range body.Mutations {
		out = append(out, protocol.MutationResult{
			ID: protocol.MutationID{ClientID: m.ClientID, ID: m.ID},
		})
	}
	return out
}

func (p *pushServer) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.got)
}

func (p *pushServer) waitForCalls(c *tc.C, n int) []protocol.PushBody {
	deadline := time.After(testTimeout)
	for {
		p.mu.Lock()
		if len(p.got) >= n {
			bodies := append([]protocol.PushBody(nil), p.got...)
			p.mu.Unlock()
			return bodies
		}
		p.mu.Unlock()
		select {
		case <-deadline:
			c.Fatalf("timed out waiting for %d push calls", n)
		case <-time.After(time.Millisecond):
		}
	}
}

func (p *pushServer) requests(c *tc.C) []*http.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*http.Request(nil), p.reqs...)
}

// fakeClient records everything fanned out to one client.
type fakeClient struct {
	mu        sync.Mutex
	responses []protocol.PushResponseBody
	errors    []protocol.ErrorBody
	failures  []protocol.ErrorBody
}

func newFakeClient() *fakeClient {
	return &fakeClient{}
}

func (f *fakeClient) SendPushResponse(ctx context.Context, resp protocol.PushResponseBody) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
}

func (f *fakeClient) SendError(ctx context.Context, body protocol.ErrorBody) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, body)
}

func (f *fakeClient) Fail(ctx context.Context, body protocol.ErrorBody) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, body)
}

func (f *fakeClient) responseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.responses)
}

func (f *fakeClient) failureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failures)
}

func (f *fakeClient) waitForResponses(c *tc.C, n int) []protocol.PushResponseBody {
	f.wait(c, func() int { return len(f.responses) }, n, "push responses")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.PushResponseBody(nil), f.responses...)
}

func (f *fakeClient) waitForErrors(c *tc.C, n int) []protocol.ErrorBody {
	f.wait(c, func() int { return len(f.errors) }, n, "errors")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.ErrorBody(nil), f.errors...)
}

func (f *fakeClient) waitForFailures(c *tc.C, n int) []protocol.ErrorBody {
	f.wait(c, func() int { return len(f.failures) }, n, "failures")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.ErrorBody(nil), f.failures...)
}

func (f *fakeClient) wait(c *tc.C, count func() int, n int, what string) {
	deadline := time.After(testTimeout)
	for {
		f.mu.Lock()
		enough := count() >= n
		f.mu.Unlock()
		if enough {
			return
		}
		select {
		case <-deadline:
			c.Fatalf("timed out waiting for %d %s", n, what)
		case <-time.After(time.Millisecond):
		}
	}
}

// fakeMetrics satisfies the pusher metrics interface.
type fakeMetrics struct {
	mu        sync.Mutex
	calls     int
	mutations int
	failures  int
}

func (f *fakeMetrics) PushCallsInc() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

func (f *fakeMetrics) PushMutationsAdd(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations += n
}

func (f *fakeMetrics) PushFailuresInc() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures++
}
