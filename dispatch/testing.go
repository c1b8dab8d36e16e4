// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	testing "github.com/mitchellh/go-testing-interface"

	"github.com/parcelworks/dispatch/helper/testlog"
)

// TestServer returns a running server with the periodic runner off, so
// tests drive the sweeps directly at instants they choose.
func TestServer(t testing.T, cb func(*Config)) (*Server, func()) {
	config := DefaultConfig()
	config.Logger = testlog.HCLogger(t)
	config.CronDisabled = true
	if cb != nil {
		cb(config)
	}

	s, err := NewServer(config)
	if err != nil {
		t.Fatalf("failed to start test server: %v", err)
	}
	return s, func() { _ = s.Shutdown() }
}
