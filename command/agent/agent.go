// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/parcelworks/dispatch/dispatch"
)

// Agent is a long running process that wires a dispatch server to its HTTP
// surface and telemetry.
type Agent struct {
	config    *Config
	logger    hclog.Logger
	InmemSink *metrics.InmemSink

	server  *dispatch.Server
	devSeed *DevSeed

	startTime time.Time

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewAgent is used to create a new agent with the given configuration.
func NewAgent(config *Config, logger hclog.Logger, inmem *metrics.InmemSink) (*Agent, error) {
	a := &Agent{
		config:     config,
		logger:     logger.Named("agent"),
		InmemSink:  inmem,
		startTime:  time.Now(),
		shutdownCh: make(chan struct{}),
	}

	if err := a.setupServer(); err != nil {
		return nil, err
	}

	if config.DevMode {
		seed, err := seedDevData(a.server)
		if err != nil {
			return nil, fmt.Errorf("failed to seed dev data: %w", err)
		}
		a.devSeed = seed
		a.logger.Info("seeded development tenant",
			"organization_id", seed.OrganizationID,
			"manager_id", seed.ManagerID,
			"week_start", seed.WeekStart)
	}

	return a, nil
}

// DevSeed returns the demo tenant IDs in dev mode, nil otherwise.
func (a *Agent) DevSeed() *DevSeed {
	return a.devSeed
}

// setupServer builds the embedded dispatch server from the agent config.
func (a *Agent) setupServer() error {
	conf := dispatch.DefaultConfig()
	conf.Logger = a.logger
	conf.CronDisabled = a.config.DisableCron
	if a.config.EventBufferSize > 0 {
		conf.EventBufferSize = int64(a.config.EventBufferSize)
	}
	if a.config.PolicyCacheTTL > 0 {
		conf.PolicyCacheTTL = a.config.PolicyCacheTTL
	}

	server, err := dispatch.NewServer(conf)
	if err != nil {
		return fmt.Errorf("server setup failed: %w", err)
	}
	a.server = server
	return nil
}

// Server returns the embedded dispatch server.
func (a *Agent) Server() *dispatch.Server {
	return a.server
}

// Stats returns runtime information about the agent for the health and
// status endpoints.
func (a *Agent) Stats() map[string]string {
	return map[string]string{
		"version":    a.config.Version,
		"revision":   a.config.Revision,
		"start_time": a.startTime.UTC().Format(time.RFC3339),
		"cron":       fmt.Sprintf("%t", !a.config.DisableCron),
	}
}

// Shutdown is used to terminate the agent.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if a.shutdown {
		return nil
	}

	a.logger.Info("requesting shutdown")
	if a.server != nil {
		if err := a.server.Shutdown(); err != nil {
			a.logger.Error("server shutdown failed", "error", err)
		}
	}

	a.logger.Info("shutdown complete")
	a.shutdown = true
	close(a.shutdownCh)
	return nil
}

// ShutdownCh returns a channel closed when the agent is fully stopped.
func (a *Agent) ShutdownCh() <-chan struct{} {
	return a.shutdownCh
}
