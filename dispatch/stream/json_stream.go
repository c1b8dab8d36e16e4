// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

var (
	// JsonHeartbeat is an empty JSON object to send as a heartbeat.
	// Avoids creating many heartbeat instances.
	JsonHeartbeat = &structs.EventJson{Data: []byte("{}")}
)

// JsonStream is used to send newline delimited JSON and heartbeats to a
// destination (out channel).
type JsonStream struct {
	// ctx is a passed in context used to notify the json stream
	// when it should terminate.
	ctx context.Context

	outCh chan *structs.EventJson

	// heartbeatTick fires on the interval heartbeat messages are sent to
	// keep a connection open.
	heartbeatTick *time.Ticker
}

// NewJsonStream creates a new json stream that will output json frames to
// the returned output channel. The constructor starts a goroutine to begin
// heartbeating on its set interval and sends an initial heartbeat to
// notify the client about the successful connection initialization.
func NewJsonStream(ctx context.Context, heartbeat time.Duration) *JsonStream {
	s := &JsonStream{
		ctx:           ctx,
		outCh:         make(chan *structs.EventJson, 10),
		heartbeatTick: time.NewTicker(heartbeat),
	}

	s.outCh <- JsonHeartbeat

	go s.heartbeat()

	return s
}

func (n *JsonStream) OutCh() chan *structs.EventJson {
	return n.outCh
}

func (n *JsonStream) heartbeat() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.heartbeatTick.C:
			select {
			case <-n.ctx.Done():
				return
			case n.outCh <- JsonHeartbeat:
			}
		}
	}
}

// Send encodes an object into a JSON frame. An error is returned if json
// encoding fails or if the stream is no longer running.
func (n *JsonStream) Send(v interface{}) error {
	if n.ctx.Err() != nil {
		return n.ctx.Err()
	}

	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("error marshaling json for stream: %w", err)
	}

	select {
	case <-n.ctx.Done():
		return fmt.Errorf("error sending value: %w", n.ctx.Err())
	case n.outCh <- &structs.EventJson{Data: buf}:
		return nil
	}
}
