// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"net/http"
)

// agentHealthResponse is the body of the health endpoint, shaped for load
// balancer checks and the status CLI command.
type agentHealthResponse struct {
	Ok    bool              `json:"ok"`
	Stats map[string]string `json:"stats"`
}

// AgentHealthRequest reports whether the embedded server is serving.
func (s *HTTPServer) AgentHealthRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	if s.agent.Server().IsShutdown() {
		return nil, CodedError(500, "agent is shutting down")
	}

	return &agentHealthResponse{
		Ok:    true,
		Stats: s.agent.Stats(),
	}, nil
}
