// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pusher forwards custom mutations to the user's push
// endpoint. One service exists per client group, shared by every
// connection in the group and reference counted so the worker loop
// stops when the last connection goes away.
package pusher

import (
	"context"
	"net/http"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/collections/deque"
	"github.com/juju/errors"

	"github.com/juju/zerocache/core/logger"
	"github.com/juju/zerocache/core/protocol"
	"github.com/juju/zerocache/internal/urlmatch"
)

// Client is the downstream half of one connected client, used to fan
// push responses and errors back out.
type Client interface {
	// SendPushResponse streams mutation results to the client.
	SendPushResponse(ctx context.Context, resp protocol.PushResponseBody)

	// SendError delivers an error message without terminating the
	// connection.
	SendError(ctx context.Context, body protocol.ErrorBody)

	// Fail terminates the client's connection with the given error.
	Fail(ctx context.Context, body protocol.ErrorBody)
}

// MetricsCollector holds the pusher's metrics.
type MetricsCollector interface {
	PushCallsInc()
	PushMutationsAdd(n int)
	PushFailuresInc()
}

// Request is one client push handed to the service.
type Request struct {
	ClientID      string
	Client        Client
	JWT           string
	Cookie        string
	SchemaVersion string
	Push          protocol.PushBody

	// UserPushURL overrides the configured push endpoint for this
	// client. It must match the allow list.
	UserPushURL string
}

// Config holds the service dependencies.
type Config struct {
	// PushURL is the default push endpoint.
	PushURL string

	// AllowedUserPushURLs vets per-client URL overrides. Nil means no
	// overrides are allowed.
	AllowedUserPushURLs *urlmatch.Matcher

	// APIKey, when set, is sent as X-Api-Key on every push.
	APIKey string

	// AppID and Schema are appended to the push URL as reserved query
	// parameters.
	AppID  string
	Schema string

	// ForwardCookies controls whether the client's cookie header is
	// forwarded to the push endpoint.
	ForwardCookies bool

	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     logger.Logger
	Metrics    MetricsCollector
}

// Validate returns an error if the config is incomplete.
func (c Config) Validate() error {
	if c.PushURL == "" {
		return errors.NotValidf("empty PushURL")
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
	if c.Metrics == nil {
		return errors.NotValidf("nil Metrics")
	}
	return nil
}

// task is one queue element. A task with stop set is the sentinel
// that terminates the worker loop.
type task struct {
	stop bool
	req  Request
	url  string
}

// Service owns the push queue and its single worker loop.
type Service struct {
	cfg Config

	ctx       context.Context
	ctxCancel context.CancelFunc

	mu      sync.Mutex
	queue   *deque.Deque
	refs    int
	stopped bool

	signal chan struct{}
	done   chan struct{}
}

// NewService starts a push service for one client group.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:       cfg,
		ctx:       ctx,
		ctxCancel: cancel,
		queue:     deque.New(),
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

// Enqueue queues a client push for forwarding. The push URL is
// resolved here, before batching, so a disallowed override fails the
// mutations immediately instead of poisoning a combined push.
func (s *Service) Enqueue(ctx context.Context, req Request) error {
	url := s.cfg.PushURL
	if req.UserPushURL != "" {
		if s.cfg.AllowedUserPushURLs == nil || !s.cfg.AllowedUserPushURLs.Match(req.UserPushURL) {
			ids := make([]protocol.MutationID, 0, len(req.Push.Mutations))
			for _, m := range req.Push.Mutations {
				ids = append(ids, protocol.MutationID{ClientID: m.ClientID, ID: m.ID})
			}
			err := protocol.NewError(protocol.PushFailed, "push URL is not allowed")
			err.Body.MutationIDs = ids
			return err
		}
		url = req.UserPushURL
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.Errorf("push service stopped")
	}
	s.queue.PushBack(task{req: req, url: url})
	s.wake()
	return nil
}

// Ref records a new connection sharing this service.
func (s *Service) Ref() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
}

// Unref drops a connection's reference. The last unref stops the
// worker loop once the queue has drained.
func (s *Service) Unref() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	if s.refs > 0 || s.stopped {
		return
	}
	s.stopped = true
	s.queue.PushBack(task{stop: true})
	s.wake()
}

// Done reports loop termination.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Service) loop() {
	defer close(s.done)
	defer s.ctxCancel()

	for {
		<-s.signal

		for {
			batch, stop := s.drain()
			if len(batch) > 0 {
				s.process(batch)
			}
			if stop {
				return
			}
			if len(batch) == 0 {
				break
			}
		}
	}
}

// drain pops every task already enqueued, stopping at a sentinel.
func (s *Service) drain() ([]task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []task
	for {
		item, ok := s.queue.PopFront()
		if !ok {
			return batch, false
		}
		t := item.(task)
		if t.stop {
			return batch, true
		}
		batch = append(batch, t)
	}
}

// process combines a drained batch and forwards each combined push.
func (s *Service) process(batch []task) {
	for _, cp := range combine(s.ctx, s.cfg.Logger, batch, s.cfg.ForwardCookies) {
		s.forward(s.ctx, cp)
	}
}
