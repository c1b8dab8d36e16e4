// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package stream

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

const (
	// subscriptionStateOpen is the default state of a subscription. An open
	// subscription may receive new events.
	subscriptionStateOpen uint32 = 0

	// subscriptionStateClosed indicates that the subscription was closed by
	// the broker and will not receive new events. The subscriber must issue
	// a new Subscribe request.
	subscriptionStateClosed uint32 = 1
)

// ErrSubscriptionClosed signals the subscription was closed server side.
// The client should Unsubscribe, then re-Subscribe.
var ErrSubscriptionClosed = errors.New("subscription closed by server, client should resubscribe")

type Subscription struct {
	// state must be accessed atomically. 0 means open, 1 means closed.
	state uint32

	req *SubscribeRequest

	// currentItem stores the buffer item we are on. It is mutated by calls
	// to Next.
	currentItem *bufferItem

	// forceClosed is closed when forceClose is called. It is used by
	// EventBroker to cancel Next().
	forceClosed chan struct{}

	// unsub is set by the broker and frees resources when the subscription
	// is no longer needed. Safe for concurrent calls and idempotent.
	unsub func()
}

// SubscribeRequest scopes a subscription. OrganizationID is mandatory: a
// subscriber only ever receives its own tenant's events. Topics maps topic
// to entity keys, with TopicAll and the "*" key as wildcards.
type SubscribeRequest struct {
	// OrganizationID scopes delivery to one tenant.
	OrganizationID string

	// Index resumes the stream from a past commit index when it is still
	// retained.
	Index uint64

	Topics map[structs.Topic][]string

	// StartExactlyAtIndex requires the stream to begin exactly at Index
	// instead of the closest retained item.
	StartExactlyAtIndex bool
}

func newSubscription(req *SubscribeRequest, item *bufferItem, unsub func()) *Subscription {
	return &Subscription{
		forceClosed: make(chan struct{}),
		req:         req,
		currentItem: item,
		unsub:       unsub,
	}
}

func (s *Subscription) Next(ctx context.Context) (structs.Events, error) {
	if atomic.LoadUint32(&s.state) == subscriptionStateClosed {
		return structs.Events{}, ErrSubscriptionClosed
	}

	for {
		next, err := s.currentItem.Next(ctx, s.forceClosed)
		switch {
		case err != nil && atomic.LoadUint32(&s.state) == subscriptionStateClosed:
			return structs.Events{}, ErrSubscriptionClosed
		case err != nil:
			return structs.Events{}, err
		}
		s.currentItem = next

		events := filter(s.req, next.Events.Events)
		if len(events) == 0 {
			continue
		}
		return structs.Events{Index: next.Events.Index, Events: events}, nil
	}
}

func (s *Subscription) NextNoBlock() ([]structs.Event, error) {
	if atomic.LoadUint32(&s.state) == subscriptionStateClosed {
		return nil, ErrSubscriptionClosed
	}

	for {
		next := s.currentItem.NextNoBlock()
		if next == nil {
			return nil, nil
		}
		s.currentItem = next

		events := filter(s.req, next.Events.Events)
		if len(events) == 0 {
			continue
		}
		return events, nil
	}
}

func (s *Subscription) Unsubscribe() {
	s.unsub()
}

func (s *Subscription) forceClose() {
	if atomic.CompareAndSwapUint32(&s.state, subscriptionStateOpen, subscriptionStateClosed) {
		close(s.forceClosed)
	}
}

// filter trims events to those matching the subscription's organization and
// topic keys.
func filter(req *SubscribeRequest, events []structs.Event) []structs.Event {
	if len(events) == 0 {
		return nil
	}

	allTopicKeys := req.Topics[structs.TopicAll]

	var result []structs.Event

	for _, event := range events {
		// Tenant isolation comes first; no topic wildcard crosses it.
		if event.OrganizationID != "" && event.OrganizationID != req.OrganizationID {
			continue
		}

		if len(allTopicKeys) == 1 && allTopicKeys[0] == string(structs.TopicAll) {
			result = append(result, event)
			continue
		}

		keys := allTopicKeys
		if topicKeys, ok := req.Topics[event.Topic]; ok {
			keys = append(keys, topicKeys...)
		}

		for _, key := range keys {
			if key == string(structs.TopicAll) || key == event.Key {
				result = append(result, event)
				break
			}
		}
	}

	return result
}
