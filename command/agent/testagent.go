// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"fmt"
	"net/http"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	testing "github.com/mitchellh/go-testing-interface"

	"github.com/parcelworks/dispatch/helper/testlog"
)

// TestAgent is a running agent bound to a random localhost port, for HTTP
// tests. All fields are public so they can be inspected.
type TestAgent struct {
	T testing.T

	Config *Config
	Agent  *Agent
	Server *HTTPServer
}

// NewTestAgent starts a TestAgent. The callback may mutate the config
// before the agent starts. Callers must Shutdown when done.
func NewTestAgent(t testing.T, cb func(*Config)) *TestAgent {
	config := DevConfig()
	config.HTTPAddr = "127.0.0.1:0"
	if cb != nil {
		cb(config)
	}

	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	agent, err := NewAgent(config, testlog.HCLogger(t), inm)
	if err != nil {
		t.Fatalf("failed to start test agent: %v", err)
	}

	srv, err := NewHTTPServer(agent, config)
	if err != nil {
		agent.Shutdown()
		t.Fatalf("failed to start test http server: %v", err)
	}

	return &TestAgent{
		T:      t,
		Config: config,
		Agent:  agent,
		Server: srv,
	}
}

// Shutdown stops the test agent.
func (a *TestAgent) Shutdown() {
	a.Server.Shutdown()
	a.Agent.Shutdown()
}

// URL returns the address of an agent endpoint for client-style tests.
func (a *TestAgent) URL(path string) string {
	return fmt.Sprintf("http://%s%s", a.Server.Addr, path)
}

// DevRequest returns a request scoped to the dev tenant with the given
// actor, which may be empty for system calls.
func (a *TestAgent) DevRequest(method, path, actor string) (*http.Request, error) {
	req, err := http.NewRequest(method, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerOrganization, a.Agent.DevSeed().OrganizationID)
	if actor != "" {
		req.Header.Set(headerActor, actor)
	}
	return req, nil
}
