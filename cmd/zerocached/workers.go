// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/tomb.v2"

	corelogger "github.com/juju/zerocache/core/logger"
	"github.com/juju/zerocache/core/protocol"
	"github.com/juju/zerocache/internal/auth"
	"github.com/juju/zerocache/internal/changestream/backfill"
	"github.com/juju/zerocache/internal/changestream/mux"
	"github.com/juju/zerocache/internal/changestream/source"
	"github.com/juju/zerocache/internal/changestream/stream"
	"github.com/juju/zerocache/internal/database"
	"github.com/juju/zerocache/internal/handoff"
	"github.com/juju/zerocache/internal/metrics"
	"github.com/juju/zerocache/internal/procmanager"
	"github.com/juju/zerocache/internal/pusher"
	"github.com/juju/zerocache/internal/replica"
	"github.com/juju/zerocache/internal/server"
	"github.com/juju/zerocache/internal/transformer"
	"github.com/juju/zerocache/internal/urlmatch"
	"github.com/juju/zerocache/internal/viewsyncer"
)

// shutdownTimeout bounds an HTTP server's graceful shutdown.
const shutdownTimeout = 10 * time.Second

// buildProcesses composes the deployment: one dispatcher, N syncer
// workers joined to it by handoff socket pairs, the replication
// manager, and optionally a metrics endpoint.
func buildProcesses(cfg Config, clk clock.Clock, collector *metrics.Collector, logger corelogger.Logger) ([]procmanager.Process, error) {
	dispatchEnds := make([]*net.UnixConn, cfg.SyncerCount)
	workerEnds := make([]*net.UnixConn, cfg.SyncerCount)
	for i := range dispatchEnds {
		left, right, err := handoff.Pair()
		if err != nil {
			return nil, errors.Trace(err)
		}
		dispatchEnds[i] = left
		workerEnds[i] = right
	}

	var validator auth.TokenValidator
	if cfg.Auth.JWTSecret != "" {
		validator = auth.HS256Validator([]byte(cfg.Auth.JWTSecret), clk)
	}
	allowed, err := urlmatch.Compile(cfg.Push.AllowedUserURLs)
	if err != nil {
		return nil, errors.Trace(err)
	}

	processes := []procmanager.Process{{
		Name:       "dispatcher",
		UserFacing: true,
		Start: func(ctx context.Context) (worker.Worker, error) {
			producer := server.NewSocketProducer(dispatchEnds, logger)
			dispatcher := server.NewDispatcher(producer, logger)
			return newHTTPWorker(cfg.Addr, dispatcher)
		},
	}}

	for i := 0; i < cfg.SyncerCount; i++ {
		pipe := workerEnds[i]
		processes = append(processes, procmanager.Process{
			Name:       fmt.Sprintf("syncer-%d", i),
			UserFacing: true,
			Start: func(ctx context.Context) (worker.Worker, error) {
				handler, err := buildSyncer(cfg, validator, allowed, clk, collector, logger)
				if err != nil {
					return nil, errors.Trace(err)
				}
				return newHandoffWorker(pipe, handler, logger), nil
			},
		})
	}

	processes = append(processes, procmanager.Process{
		Name: "replication-manager",
		Start: func(ctx context.Context) (worker.Worker, error) {
			return newReplicationWorker(cfg, clk, collector, logger)
		},
	})

	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		if err := registry.Register(collector); err != nil {
			return nil, errors.Annotate(err, "registering metrics")
		}
		processes = append(processes, procmanager.Process{
			Name: "metrics",
			Start: func(ctx context.Context) (worker.Worker, error) {
				handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
				return newHTTPWorker(cfg.MetricsAddr, handler)
			},
		})
	}

	return processes, nil
}

// buildSyncer assembles the handler one syncer worker serves: a view
// syncer over a read-only replica snapshot, and a registry minting one
// push service per client group.
func buildSyncer(cfg Config, validator auth.TokenValidator, allowed *urlmatch.Matcher, clk clock.Clock, collector *metrics.Collector, logger corelogger.Logger) (http.Handler, error) {
	db, err := database.OpenSnapshot(cfg.ReplicaFile)
	if err != nil {
		return nil, errors.Annotate(err, "opening replica snapshot")
	}
	store := replica.NewStore(database.NewTxnRunner(db))

	transform, err := transformer.New(transformer.Config{
		URL:        cfg.Push.GetQueriesURL,
		APIKey:     cfg.Push.APIKey,
		AppID:      cfg.Push.AppID,
		Schema:     cfg.Push.Schema,
		HTTPClient: &http.Client{},
		Clock:      clk,
		Logger:     logger,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	syncer, err := viewsyncer.New(viewsyncer.Config{
		Store:       store,
		Clock:       clk,
		Logger:      logger,
		Transformer: transform,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	newPusher := func(clientGroupID string) (*pusher.Service, error) {
		return pusher.NewService(pusher.Config{
			PushURL:             cfg.Push.URL,
			AllowedUserPushURLs: allowed,
			APIKey:              cfg.Push.APIKey,
			AppID:               cfg.Push.AppID,
			Schema:              cfg.Push.Schema,
			ForwardCookies:      cfg.Push.ForwardCookies,
			HTTPClient:          &http.Client{},
			Clock:               clk,
			Logger:              logger,
			Metrics:             collector,
		})
	}
	registry := server.NewRegistry(newPusher, validator, logger)

	return server.NewWorker(server.WorkerConfig{
		Registry:       registry,
		Syncer:         syncerAdapter{syncer},
		Clock:          clk,
		Logger:         logger,
		SendWarmFrames: cfg.SendWarmFrames,
	})
}

// syncerAdapter lifts the concrete downstream to the connection's
// interface.
type syncerAdapter struct {
	*viewsyncer.Syncer
}

func (a syncerAdapter) InitConnection(ctx context.Context, params protocol.ConnectParams, body protocol.InitConnectionBody) (server.Downstream, error) {
	d, err := a.Syncer.InitConnection(ctx, params, body)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return d, nil
}

// httpWorker runs an HTTP server as a worker. Kill shuts the server
// down gracefully.
type httpWorker struct {
	tomb tomb.Tomb
	srv  *http.Server
}

func newHTTPWorker(addr string, handler http.Handler) (worker.Worker, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "listening on %q", addr)
	}
	w := &httpWorker{
		srv: &http.Server{Handler: handler},
	}
	w.tomb.Go(func() error {
		served := make(chan error, 1)
		go func() {
			served <- w.srv.Serve(listener)
		}()
		select {
		case <-w.tomb.Dying():
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = w.srv.Shutdown(ctx)
			<-served
			return tomb.ErrDying
		case err := <-served:
			return errors.Trace(err)
		}
	})
	return w, nil
}

// Kill implements worker.Worker.
func (w *httpWorker) Kill() {
	w.tomb.Kill(nil)
}

// Wait implements worker.Worker.
func (w *httpWorker) Wait() error {
	return w.tomb.Wait()
}

// handoffWorker serves handed-off upgrade requests from one pipe.
type handoffWorker struct {
	tomb tomb.Tomb
	pipe *net.UnixConn
}

func newHandoffWorker(pipe *net.UnixConn, handler http.Handler, logger corelogger.Logger) worker.Worker {
	w := &handoffWorker{pipe: pipe}
	w.tomb.Go(func() error {
		served := make(chan error, 1)
		go func() {
			served <- server.ServeHandoffs(pipe, handler, logger)
		}()
		select {
		case <-w.tomb.Dying():
			// Closing the pipe unblocks the receive loop.
			pipe.Close()
			<-served
			return tomb.ErrDying
		case err := <-served:
			return errors.Trace(err)
		}
	})
	return w
}

// Kill implements worker.Worker.
func (w *handoffWorker) Kill() {
	w.tomb.Kill(nil)
}

// Wait implements worker.Worker.
func (w *handoffWorker) Wait() error {
	return w.tomb.Wait()
}

// replicationWorker owns the replica file: it holds the exclusive
// lock, runs migrations, pumps the upstream change stream and the
// backfill manager through the multiplexer, and applies the merged
// sequence to the replica.
type replicationWorker struct {
	tomb tomb.Tomb
}

func newReplicationWorker(cfg Config, clk clock.Clock, collector *metrics.Collector, logger corelogger.Logger) (worker.Worker, error) {
	lock, err := replica.AcquireLock(cfg.ReplicaFile, clk, time.Duration(cfg.LockTimeout))
	if err != nil {
		return nil, errors.Annotate(err, "locking replica")
	}

	w := &replicationWorker{}
	w.tomb.Go(func() error {
		defer lock.Release()

		ctx := w.tomb.Context(context.Background())

		// An incompatible file is reset in place; the change stream
		// then replays everything from a zero watermark.
		runner, reset, err := database.Prepare(ctx, cfg.ReplicaFile, logger)
		if err != nil {
			return errors.Annotate(err, "preparing replica")
		}
		defer runner.Close()

		store := replica.NewStore(runner)
		if reset {
			_ = store.RecordRuntimeEvent(ctx, "replica reset: incompatible schema")
		}
		watermark, err := store.Watermark(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		pending, err := store.PendingBackfills(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		_ = store.RecordRuntimeEvent(ctx, "replication started at "+watermark)

		upstream, err := source.NewWebSocket(cfg.UpstreamURI, nil, logger)
		if err != nil {
			return errors.Trace(err)
		}

		m := mux.New(watermark, clk, collector, logger)
		src := m.AsSource()

		stream.New(upstream, m, clk, logger).Run(watermark)
		backfill.NewManager(m, upstream.BackfillStreamer(), clk, collector, logger).
			Run(ctx, watermark, pending)

		// Cancelling the source tears the producers down with it.
		err = replica.NewApplier(store, logger).Run(ctx, src)
		src.Cancel()
		if w.tomb.Err() != tomb.ErrStillAlive && errors.Is(err, context.Canceled) {
			_ = store.RecordRuntimeEvent(context.Background(), "replication stopped")
			return tomb.ErrDying
		}
		return errors.Trace(err)
	})
	return w, nil
}

// Kill implements worker.Worker.
func (w *replicationWorker) Kill() {
	w.tomb.Kill(nil)
}

// Wait implements worker.Worker.
func (w *replicationWorker) Wait() error {
	return w.tomb.Wait()
}
