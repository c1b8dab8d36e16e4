// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/parcelworks/dispatch/dispatch/notify"
)

const (
	// DefaultEventBufferSize is how many commits the event broker keeps
	// replayable for late subscribers.
	DefaultEventBufferSize = 100

	// DefaultPolicyCacheTTL bounds how stale a cached merged policy may be
	// when a settings write bypassed the invalidation path, for example a
	// direct store restore.
	DefaultPolicyCacheTTL = 5 * time.Minute
)

// Config is used to configure the dispatch server.
type Config struct {
	// Logger is the root logger. Subsystems derive named loggers from it.
	Logger hclog.Logger

	// EnableEventBroker wires the state store change publisher so agents can
	// stream commits. Disabled stores still enforce every invariant; they
	// just have nobody to tell.
	EnableEventBroker bool

	// EventBufferSize configures the broker's replay buffer.
	EventBufferSize int64

	// PolicyCacheTTL caps the lifetime of cached merged policies.
	PolicyCacheTTL time.Duration

	// Pusher is the push transport handed to the notifier. Nil disables the
	// push leg; inbox rows are written regardless.
	Pusher notify.Pusher

	// CronDisabled leaves the embedded periodic runner off at start. Agents
	// that rely on an external cron caller set this and drive the sweeps
	// through the cron endpoints instead.
	CronDisabled bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		EnableEventBroker: true,
		EventBufferSize:   DefaultEventBufferSize,
		PolicyCacheTTL:    DefaultPolicyCacheTTL,
		Pusher:            notify.NoopPusher{},
	}
}
