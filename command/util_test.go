// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"testing"

	"github.com/parcelworks/dispatch/command/agent"
)

// testServer starts an in-process agent for CLI tests and returns it with
// its base URL.
func testServer(t *testing.T, cb func(*agent.Config)) (*agent.TestAgent, string) {
	a := agent.NewTestAgent(t, cb)
	t.Cleanup(a.Shutdown)
	return a, a.URL("")
}
