// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/parcelworks/dispatch/dispatch"
)

// Config is the configuration for the dispatch agent.
type Config struct {
	// HTTPAddr is the host:port the HTTP server binds to.
	HTTPAddr string

	// LogLevel is the level of the logs to put out.
	LogLevel string

	// LogJson enables log output in JSON format.
	LogJson bool

	// LogFile is a path to a file the agent logs to in addition to
	// stderr. The file is rotated in place.
	LogFile string

	// EnableDebug is used to enable debugging HTTP endpoints.
	EnableDebug bool

	// CronSecret is the shared secret the cron endpoints authenticate
	// against. Empty disables the cron endpoints entirely: an
	// unauthenticated sweep trigger is worse than none.
	CronSecret string

	// DisableCron leaves the embedded periodic runner off. Operators that
	// drive sweeps through the cron endpoints from an external scheduler
	// set this so a sweep never runs twice from two drivers.
	DisableCron bool

	// EventBufferSize overrides the event broker replay buffer size.
	EventBufferSize int

	// PolicyCacheTTL overrides the merged policy cache lifetime.
	PolicyCacheTTL time.Duration

	// DevMode is set by the -dev CLI flag.
	DevMode bool

	// Version information is set at compilation time.
	Revision          string
	Version           string
	VersionPrerelease string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:        "127.0.0.1:4656",
		LogLevel:        "INFO",
		EventBufferSize: dispatch.DefaultEventBufferSize,
		PolicyCacheTTL:  dispatch.DefaultPolicyCacheTTL,
	}
}

// DevConfig is a Config that is used for dev mode of the agent. The store
// is seeded with a demo tenant and the periodic runner is left on.
func DevConfig() *Config {
	conf := DefaultConfig()
	conf.LogLevel = "DEBUG"
	conf.EnableDebug = true
	conf.DevMode = true
	return conf
}

// Merge merges two configurations, with values from b taking precedence
// over values from c.
func (c *Config) Merge(b *Config) *Config {
	result := *c

	if b.HTTPAddr != "" {
		result.HTTPAddr = b.HTTPAddr
	}
	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.LogJson {
		result.LogJson = true
	}
	if b.LogFile != "" {
		result.LogFile = b.LogFile
	}
	if b.EnableDebug {
		result.EnableDebug = true
	}
	if b.CronSecret != "" {
		result.CronSecret = b.CronSecret
	}
	if b.DisableCron {
		result.DisableCron = true
	}
	if b.EventBufferSize != 0 {
		result.EventBufferSize = b.EventBufferSize
	}
	if b.PolicyCacheTTL != 0 {
		result.PolicyCacheTTL = b.PolicyCacheTTL
	}
	if b.DevMode {
		result.DevMode = true
	}
	if b.Revision != "" {
		result.Revision = b.Revision
	}
	if b.Version != "" {
		result.Version = b.Version
	}
	if b.VersionPrerelease != "" {
		result.VersionPrerelease = b.VersionPrerelease
	}

	return &result
}

// EnvConfig builds a Config from DISPATCH_* environment variables. It is
// merged between the defaults and the command line, so flags win.
func EnvConfig() (*Config, error) {
	conf := &Config{
		HTTPAddr:   os.Getenv("DISPATCH_HTTP_ADDR"),
		LogLevel:   os.Getenv("DISPATCH_LOG_LEVEL"),
		LogFile:    os.Getenv("DISPATCH_LOG_FILE"),
		CronSecret: os.Getenv("DISPATCH_CRON_SECRET"),
	}

	if raw := os.Getenv("DISPATCH_EVENT_BUFFER_SIZE"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_EVENT_BUFFER_SIZE %q: %w", raw, err)
		}
		conf.EventBufferSize = size
	}
	if raw := os.Getenv("DISPATCH_POLICY_CACHE_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_POLICY_CACHE_TTL %q: %w", raw, err)
		}
		conf.PolicyCacheTTL = ttl
	}

	return conf, nil
}

// Validate checks a fully merged configuration for values the agent cannot
// start with.
func (c *Config) Validate() error {
	var mErr multierror.Error

	if c.HTTPAddr == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing HTTP address"))
	}
	switch c.LogLevel {
	case "TRACE", "DEBUG", "INFO", "WARN", "ERROR":
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid log level %q", c.LogLevel))
	}
	if c.EventBufferSize < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("event buffer size must not be negative"))
	}
	if c.PolicyCacheTTL < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("policy cache TTL must not be negative"))
	}

	return mErr.ErrorOrNil()
}
