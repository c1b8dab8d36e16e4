// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// eventBuffer is a single-writer, multiple-reader, fixed-length concurrent
// buffer of events that have been published. The buffer is a linked list
// with atomically updated pointers; readers following the chain never
// block writers, and a reader that falls off the retained window gets an
// error instead of silently stale data.
type eventBuffer struct {
	size *int64

	head atomic.Value
	tail atomic.Value

	maxSize int64
}

// newEventBuffer initializes a buffer that retains at most size events.
func newEventBuffer(size int64) *eventBuffer {
	zero := int64(0)
	b := &eventBuffer{
		maxSize: size,
		size:    &zero,
	}

	item := newBufferItem(&structs.Events{Index: 0, Events: nil})

	b.head.Store(item)
	b.tail.Store(item)

	return b
}

// Append a set of events from the publisher. It must always be called by
// the same goroutine.
func (b *eventBuffer) Append(events *structs.Events) {
	b.appendItem(newBufferItem(events))
}

func (b *eventBuffer) appendItem(item *bufferItem) {
	// Store the next item to the old tail
	oldTail := b.Tail()
	oldTail.link.next.Store(item)

	// Update the tail to the new item
	b.tail.Store(item)

	atomic.AddInt64(b.size, int64(len(item.Events.Events)))

	// Advance Head until we are under allowable size
	for atomic.LoadInt64(b.size) > b.maxSize {
		b.advanceHead()
	}

	// notify waiters next event is available
	close(oldTail.link.nextCh)
}

func newSentinelItem() *bufferItem {
	return newBufferItem(&structs.Events{})
}

// advanceHead drops the current head item and notifies readers holding it
// by closing droppedCh, so a slow reader learns it lost events rather than
// resuming with a gap.
func (b *eventBuffer) advanceHead() {
	old := b.Head()

	next := old.link.next.Load()
	if next == nil {
		next = newSentinelItem()
	}

	close(old.link.droppedCh)

	b.head.Store(next)

	// If the old head is the tail, move the tail along too so the buffer
	// stays consistent when it empties out.
	if old == b.Tail() {
		b.tail.Store(next)
	}

	rmCount := len(old.Events.Events)
	atomic.AddInt64(b.size, -int64(rmCount))
}

// Head returns the current head of the buffer. It always exists but may be
// a sentinel empty item if the buffer is empty.
func (b *eventBuffer) Head() *bufferItem {
	return b.head.Load().(*bufferItem)
}

// Tail returns the current tail of the buffer. It always exists but may be
// a sentinel empty item if the buffer is empty.
func (b *eventBuffer) Tail() *bufferItem {
	return b.tail.Load().(*bufferItem)
}

// StartAtClosest returns the item closest to the requested index, along
// with the distance between the requested index and the one returned.
func (b *eventBuffer) StartAtClosest(index uint64) (*bufferItem, int) {
	item := b.Head()
	if index < item.Events.Index {
		return item, int(item.Events.Index) - int(index)
	}
	if item.Events.Index == index {
		return item, 0
	}

	for {
		prev := item
		item = item.NextNoBlock()
		if item == nil {
			return prev, int(index) - int(prev.Events.Index)
		}
		if index < item.Events.Index {
			return item, int(item.Events.Index) - int(index)
		}
		if index == item.Events.Index {
			return item, 0
		}
	}
}

// Len returns the current length of the buffer.
func (b *eventBuffer) Len() int {
	return int(atomic.LoadInt64(b.size))
}

// bufferItem represents the events published by one store transaction.
//
// Holding a pointer to an item retains every event published since, so
// subscribers must not keep items after delivering them. Subscribers must
// not mutate the item or the events inside as they are shared between all
// readers.
type bufferItem struct {
	// Events for one commit index. May be nil on the sentinel item readers
	// wait on before the first publish.
	Events *structs.Events

	// Err terminates the buffer; readers see it when they try to advance.
	Err error

	// link holds the next pointer and wait channels. The indirection lets
	// items be spliced without dragging one item's wait state into another.
	link *bufferLink

	createdAt time.Time
}

type bufferLink struct {
	// next is written exactly once by the single publisher and is always
	// set by the time nextCh is closed.
	next atomic.Value

	// nextCh is closed when the next event is published. It must never be
	// reassigned, only closed.
	nextCh chan struct{}

	// droppedCh is closed when the item falls out of the buffer.
	droppedCh chan struct{}
}

func newBufferItem(events *structs.Events) *bufferItem {
	return &bufferItem{
		link: &bufferLink{
			nextCh:    make(chan struct{}),
			droppedCh: make(chan struct{}),
		},
		Events:    events,
		createdAt: time.Now(),
	}
}

// Next returns the next item in the buffer, blocking until it is published
// or the context or subscription is closed.
func (i *bufferItem) Next(ctx context.Context, forceClose <-chan struct{}) (*bufferItem, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-forceClose:
		return nil, fmt.Errorf("subscription closed")
	case <-i.link.nextCh:
	}

	// A reader that fell off the retained window must resubscribe. This
	// check has to come after the select above to avoid a random pick
	// between nextCh and droppedCh when both are ready.
	select {
	case <-i.link.droppedCh:
		return nil, fmt.Errorf("event dropped from buffer")
	default:
	}

	nextRaw := i.link.next.Load()
	if nextRaw == nil {
		return nil, errors.New("invalid next item")
	}
	next := nextRaw.(*bufferItem)
	if next.Err != nil {
		return nil, next.Err
	}
	return next, nil
}

// NextNoBlock returns the next item or nil if the reader has caught up.
func (i *bufferItem) NextNoBlock() *bufferItem {
	nextRaw := i.link.next.Load()
	if nextRaw == nil {
		return nil
	}
	return nextRaw.(*bufferItem)
}
