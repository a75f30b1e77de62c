// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// zerocached runs a zero-cache deployment in one process: a public
// dispatcher, a set of syncer workers fed over socket handoffs, and
// the replication manager that owns the replica file.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"

	internallogger "github.com/juju/zerocache/internal/logger"
	"github.com/juju/zerocache/internal/metrics"
	"github.com/juju/zerocache/internal/procmanager"
)

func main() {
	os.Exit(Main(os.Args))
}

// Main runs the daemon and returns its exit code.
func Main(args []string) int {
	flags := gnuflag.NewFlagSetWithFlagKnownAs("zerocached", gnuflag.ContinueOnError, "option")
	var (
		configPath    string
		loggingConfig string
	)
	flags.StringVar(&configPath, "config", "", "path to the zerocached configuration file")
	flags.StringVar(&loggingConfig, "logging-config", "", "override the configured logging levels")
	if err := flags.Parse(true, args[1:]); err != nil {
		if err == gnuflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "zerocached: --config is required")
		return 2
	}

	cfg, err := ParseConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zerocached: %v\n", err)
		return 1
	}
	if loggingConfig != "" {
		cfg.LoggingConfig = loggingConfig
	}
	if err := loggo.ConfigureLoggers(cfg.LoggingConfig); err != nil {
		fmt.Fprintf(os.Stderr, "zerocached: configuring logging: %v\n", err)
		return 1
	}
	logger := internallogger.GetLogger("zerocache")

	collector := metrics.NewMetricsCollector()
	processes, err := buildProcesses(cfg, clock.WallClock, collector, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zerocached: %v\n", err)
		return 1
	}

	manager, err := procmanager.NewManager(procmanager.Config{
		Processes:    processes,
		Hub:          pubsub.NewSimpleHub(nil),
		Clock:        clock.WallClock,
		Logger:       logger,
		DrainTimeout: time.Duration(cfg.DrainTimeout),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "zerocached: %v\n", err)
		return 1
	}
	if err := manager.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "zerocached: %v\n", err)
		return 1
	}
	return 0
}
