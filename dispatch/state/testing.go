// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	testing "github.com/mitchellh/go-testing-interface"

	"github.com/parcelworks/dispatch/helper/testlog"
)

func TestStateStore(t testing.T) *StateStore {
	config := &StateStoreConfig{
		Logger: testlog.HCLogger(t),
	}
	state, err := NewStateStore(config)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if state == nil {
		t.Fatalf("missing state")
	}
	return state
}

// TestStateStorePublisher wires the event broker in so stream tests can
// subscribe to commits.
func TestStateStorePublisher(t testing.T) *StateStore {
	config := &StateStoreConfig{
		Logger:          testlog.HCLogger(t),
		EnablePublisher: true,
		EventBufferSize: 100,
	}
	state, err := NewStateStore(config)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if state == nil {
		t.Fatalf("missing state")
	}
	return state
}
