// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package procmanager supervises the long-lived workers of a
// zero-cache deployment: the dispatcher, the syncer workers and the
// replication manager. A signal drains the deployment gracefully,
// user-facing workers first; an unexpected worker exit or a SIGQUIT
// tears everything down at once.
package procmanager

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"

	"github.com/juju/zerocache/core/logger"
	internalworker "github.com/juju/zerocache/internal/worker"
)

// TopicDrain is published on the hub when a graceful drain begins,
// before any worker is stopped. Subscribers should stop accepting new
// work when they see it.
const TopicDrain = "lifecycle.drain"

// DrainEvent is the payload published on TopicDrain.
type DrainEvent struct {
	// Signal names the signal that triggered the drain.
	Signal string
}

const defaultDrainTimeout = 30 * time.Second

// ErrForcedShutdown is reported by Wait after a forceful shutdown.
const ErrForcedShutdown = errors.ConstError("forced shutdown")

// Process describes one supervised worker.
type Process struct {
	// Name identifies the process in logs and reports.
	Name string

	// UserFacing marks processes that accept client connections.
	// They drain before the supporting processes.
	UserFacing bool

	// Start builds the process worker.
	Start func(ctx context.Context) (worker.Worker, error)
}

// Config holds the manager's dependencies.
type Config struct {
	Processes []Process
	Hub       *pubsub.SimpleHub
	Clock     clock.Clock
	Logger    logger.Logger

	// Signals overrides the process signal source, for tests. When
	// nil the manager listens for SIGINT, SIGTERM and SIGQUIT.
	Signals <-chan os.Signal

	// DrainTimeout bounds how long a draining worker may take before
	// the manager moves on. Defaults to 30s.
	DrainTimeout time.Duration
}

// Validate returns an error if the config is incomplete.
func (c Config) Validate() error {
	if len(c.Processes) == 0 {
		return errors.NotValidf("no processes")
	}
	seen := make(map[string]bool)
	for _, p := range c.Processes {
		if p.Name == "" {
			return errors.NotValidf("unnamed process")
		}
		if p.Start == nil {
			return errors.NotValidf("process %q without start", p.Name)
		}
		if seen[p.Name] {
			return errors.NotValidf("duplicate process %q", p.Name)
		}
		seen[p.Name] = true
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Manager supervises a set of processes. It implements worker.Worker;
// Kill requests a graceful drain.
type Manager struct {
	tomb   tomb.Tomb
	cfg    Config
	runner *worker.Runner
}

// NewManager starts every configured process and begins watching for
// signals.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}

	runner, err := worker.NewRunner(worker.RunnerParams{
		Name: "procmanager",
		// A worker death is never restarted in place: the deployment
		// shuts down as a group and the outer supervisor restarts it.
		IsFatal: func(err error) bool { return true },
		Clock:   cfg.Clock,
		Logger:  internalworker.WrapLogger(cfg.Logger),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	m := &Manager{
		cfg:    cfg,
		runner: runner,
	}
	for _, p := range cfg.Processes {
		if err := runner.StartWorker(context.Background(), p.Name, p.Start); err != nil {
			worker.Stop(runner)
			return nil, errors.Annotatef(err, "starting %q", p.Name)
		}
	}
	m.tomb.Go(m.loop)
	return m, nil
}

// Kill begins a graceful drain.
func (m *Manager) Kill() {
	m.tomb.Kill(nil)
}

// Wait waits for the supervised processes to stop. It returns nil
// after a clean drain.
func (m *Manager) Wait() error {
	return m.tomb.Wait()
}

// Report returns the runner's view of the supervised processes.
func (m *Manager) Report() map[string]any {
	return m.runner.Report()
}

func (m *Manager) loop() error {
	defer worker.Stop(m.runner)

	signals := m.cfg.Signals
	if signals == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
		defer signal.Stop(ch)
		signals = ch
	}

	// The runner dies when any worker exits, expectedly or not.
	runnerDead := make(chan error, 1)
	go func() {
		runnerDead <- m.runner.Wait()
	}()

	ctx := m.tomb.Context(context.Background())

	select {
	case <-m.tomb.Dying():
		m.drain(ctx, "shutdown requested")
		return tomb.ErrDying

	case sig := <-signals:
		switch sig {
		case syscall.SIGINT, syscall.SIGTERM:
			m.drain(ctx, sig.String())
			return nil
		default:
			m.cfg.Logger.Warningf(ctx, "forceful shutdown on %v", sig)
			return errors.Annotatef(ErrForcedShutdown, "signal %v", sig)
		}

	case err := <-runnerDead:
		m.cfg.Logger.Errorf(ctx, "worker exited unexpectedly: %v", err)
		if err == nil {
			err = ErrForcedShutdown
		}
		return errors.Trace(err)
	}
}

// drain stops the processes in two waves: user-facing first, then the
// rest. A slow or failing worker does not block its peers.
func (m *Manager) drain(ctx context.Context, reason string) {
	m.cfg.Logger.Infof(ctx, "draining: %s", reason)

	if m.cfg.Hub != nil {
		done := m.cfg.Hub.Publish(TopicDrain, DrainEvent{Signal: reason})
		select {
		case <-pubsub.Wait(done):
		case <-m.cfg.Clock.After(m.cfg.DrainTimeout):
			m.cfg.Logger.Warningf(ctx, "drain subscribers did not complete in time")
		}
	}

	abort := make(chan struct{})
	timer := m.cfg.Clock.AfterFunc(m.cfg.DrainTimeout, func() { close(abort) })
	defer timer.Stop()

	m.stopWave(ctx, abort, true)
	m.stopWave(ctx, abort, false)
}

func (m *Manager) stopWave(ctx context.Context, abort <-chan struct{}, userFacing bool) {
	var wg sync.WaitGroup
	for _, p := range m.cfg.Processes {
		if p.UserFacing != userFacing {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := m.runner.StopAndRemoveWorker(name, abort); err != nil {
				m.cfg.Logger.Warningf(ctx, "stopping %q: %v", name, err)
			}
		}(p.Name)
	}
	wg.Wait()
}
