// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/juju/zerocache/internal/urlmatch"
)

// Duration decodes yaml values like "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return errors.Trace(err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Annotatef(err, "parsing duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the zerocached configuration file.
type Config struct {
	// Addr is the public listen address of the dispatcher.
	Addr string `yaml:"addr"`

	// MetricsAddr, when set, serves Prometheus metrics.
	MetricsAddr string `yaml:"metrics-addr"`

	// ReplicaFile is the path of the SQLite replica.
	ReplicaFile string `yaml:"replica-file"`

	// UpstreamURI is the ws:// or wss:// change source endpoint.
	UpstreamURI string `yaml:"upstream-uri"`

	// SyncerCount is the number of syncer workers. Zero means one per
	// CPU.
	SyncerCount int `yaml:"syncer-count"`

	Push PushConfig `yaml:"push"`
	Auth AuthConfig `yaml:"auth"`

	// SendWarmFrames pads fresh connections to open intermediary
	// congestion windows.
	SendWarmFrames bool `yaml:"send-warm-frames"`

	// DrainTimeout bounds a graceful shutdown.
	DrainTimeout Duration `yaml:"drain-timeout"`

	// LockTimeout bounds the wait for the replica file lock.
	LockTimeout Duration `yaml:"lock-timeout"`

	// LoggingConfig is a loggo specification, e.g. "<root>=INFO".
	LoggingConfig string `yaml:"logging-config"`
}

// PushConfig configures mutation forwarding.
type PushConfig struct {
	// URL is the user's push endpoint.
	URL string `yaml:"url"`

	// GetQueriesURL is the user's get-queries endpoint. Empty falls
	// back to the push URL.
	GetQueriesURL string `yaml:"get-queries-url"`

	// APIKey, when set, is sent as X-Api-Key on every push.
	APIKey string `yaml:"api-key"`

	// AppID and Schema are appended to the push URL as reserved query
	// parameters.
	AppID  string `yaml:"app-id"`
	Schema string `yaml:"schema"`

	// ForwardCookies forwards the client's cookie header to the push
	// endpoint.
	ForwardCookies bool `yaml:"forward-cookies"`

	// AllowedUserURLs vets per-client push URL overrides. Entries are
	// literal URLs or /regex/ patterns.
	AllowedUserURLs []string `yaml:"allowed-user-urls"`
}

// AuthConfig configures client token validation.
type AuthConfig struct {
	// JWTSecret, when set, enables HS256 token validation. Empty runs
	// the deployment open, for development.
	JWTSecret string `yaml:"jwt-secret"`
}

const (
	defaultAddr         = ":4848"
	defaultDrainTimeout = 30 * time.Second
	defaultLockTimeout  = time.Minute
	defaultLogging      = "<root>=INFO"
)

// ParseConfig reads and validates the configuration file at path.
func ParseConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotate(err, "reading config")
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Annotate(err, "parsing config")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = defaultAddr
	}
	if c.SyncerCount <= 0 {
		c.SyncerCount = runtime.NumCPU()
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = Duration(defaultDrainTimeout)
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = Duration(defaultLockTimeout)
	}
	if c.LoggingConfig == "" {
		c.LoggingConfig = defaultLogging
	}
	if c.Push.GetQueriesURL == "" {
		c.Push.GetQueriesURL = c.Push.URL
	}
}

// Validate returns an error if the config cannot run a deployment.
func (c Config) Validate() error {
	if c.ReplicaFile == "" {
		return errors.NotValidf("empty replica-file")
	}
	if c.UpstreamURI == "" {
		return errors.NotValidf("empty upstream-uri")
	}
	u, err := url.Parse(c.UpstreamURI)
	if err != nil {
		return errors.Annotate(err, "parsing upstream-uri")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.NotValidf("upstream-uri scheme %q", u.Scheme)
	}
	if c.Push.URL == "" {
		return errors.NotValidf("empty push.url")
	}
	if _, err := urlmatch.Compile(c.Push.AllowedUserURLs); err != nil {
		return errors.Annotate(err, "push.allowed-user-urls")
	}
	return nil
}
