// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

const (
	DefaultEventBufferSize = 100
)

type EventBrokerCfg struct {
	EventBufferSize int64
	Logger          hclog.Logger
}

// EventBroker fans state store change events out to subscribers. Appends
// happen on a single goroutine fed by publishCh so the store commit path
// never blocks on slow readers.
type EventBroker struct {
	// mu protects subscriptions
	mu            sync.Mutex
	subscriptions *subscriptions

	// publishCh decouples publishing from the store commit path.
	publishCh chan *structs.Events

	logger hclog.Logger

	eventBuf *eventBuffer
}

// NewEventBroker returns an EventBroker for publishing change events. A
// goroutine is run in the background to append published events to the
// buffer. Cancelling the context shuts the goroutine down and closes every
// subscription.
func NewEventBroker(ctx context.Context, cfg EventBrokerCfg) *EventBroker {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.EventBufferSize == 0 {
		cfg.EventBufferSize = DefaultEventBufferSize
	}

	buffer := newEventBuffer(cfg.EventBufferSize)
	e := &EventBroker{
		logger:    cfg.Logger.Named("event_broker"),
		eventBuf:  buffer,
		publishCh: make(chan *structs.Events, 64),
		subscriptions: &subscriptions{
			byOrg: make(map[string]map[*SubscribeRequest]*Subscription),
		},
	}

	go e.handleUpdates(ctx)

	return e
}

// Len returns the current length of the event buffer.
func (e *EventBroker) Len() int {
	return e.eventBuf.Len()
}

// Publish events to all subscribers of the event topic.
func (e *EventBroker) Publish(events *structs.Events) {
	if len(events.Events) == 0 {
		return
	}
	metrics.IncrCounter([]string{"dispatch", "event_broker", "published"}, float32(len(events.Events)))
	e.publishCh <- events
}

// Subscribe returns a new Subscription for the given request. The
// subscription starts on an empty item pointing at the requested position,
// so the subscriber can call Next immediately.
//
// The stream resumes at the requested index, or as close to it as the
// buffer still retains unless StartExactlyAtIndex is set.
func (e *EventBroker) Subscribe(req *SubscribeRequest) (*Subscription, error) {
	if req.OrganizationID == "" {
		return nil, fmt.Errorf("subscription requires an organization")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var head *bufferItem
	var offset int
	if req.Index != 0 {
		head, offset = e.eventBuf.StartAtClosest(req.Index)
	} else {
		head = e.eventBuf.Head()
	}
	if offset > 0 && req.StartExactlyAtIndex {
		return nil, fmt.Errorf("requested index not in buffer")
	} else if offset > 0 {
		e.logger.Debug("requested index no longer in buffer", "requested", int(req.Index), "closest", int(head.Events.Index))
	}

	start := newBufferItem(&structs.Events{Index: head.Events.Index})
	start.link.next.Store(head)
	close(start.link.nextCh)

	sub := newSubscription(req, start, e.subscriptions.unsubscribeFn(req))

	e.subscriptions.add(req, sub)
	return sub, nil
}

// CloseAll closes all subscriptions.
func (e *EventBroker) CloseAll() {
	e.subscriptions.closeAll()
}

// CloseOrganization closes every subscription scoped to the organization.
func (e *EventBroker) CloseOrganization(orgID string) {
	e.subscriptions.closeByOrg(orgID)
}

func (e *EventBroker) handleUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.subscriptions.closeAll()
			return
		case update := <-e.publishCh:
			e.eventBuf.Append(update)
		}
	}
}

// subscriptions tracks active subscriptions keyed by organization, then by
// request pointer so a single subscription can be dropped precisely.
type subscriptions struct {
	mu    sync.RWMutex
	byOrg map[string]map[*SubscribeRequest]*Subscription
}

func (s *subscriptions) add(req *SubscribeRequest, sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orgSubs, ok := s.byOrg[req.OrganizationID]
	if !ok {
		orgSubs = make(map[*SubscribeRequest]*Subscription)
		s.byOrg[req.OrganizationID] = orgSubs
	}
	orgSubs[req] = sub
}

func (s *subscriptions) closeByOrg(orgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.byOrg[orgID] {
		sub.forceClose()
	}
	delete(s.byOrg, orgID)
}

// unsubscribeFn returns an idempotent func to free the request's
// subscription resources. Callers do not hold the broker lock, so the
// returned func takes it.
func (s *subscriptions) unsubscribeFn(req *SubscribeRequest) func() {
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		orgSubs, ok := s.byOrg[req.OrganizationID]
		if !ok {
			return
		}

		sub, ok := orgSubs[req]
		if !ok {
			return
		}

		sub.forceClose()
		delete(orgSubs, req)

		if len(orgSubs) == 0 {
			delete(s.byOrg, req.OrganizationID)
		}
	}
}

func (s *subscriptions) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, orgSubs := range s.byOrg {
		for _, sub := range orgSubs {
			sub.forceClose()
		}
	}
	s.byOrg = make(map[string]map[*SubscribeRequest]*Subscription)
}
