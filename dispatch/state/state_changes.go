// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"github.com/hashicorp/go-memdb"

	"github.com/parcelworks/dispatch/dispatch/stream"
	"github.com/parcelworks/dispatch/dispatch/structs"
)

// ReadTxn is implemented by memdb.Txn to perform read operations.
type ReadTxn interface {
	Get(table, index string, args ...interface{}) (memdb.ResultIterator, error)
	First(table, index string, args ...interface{}) (interface{}, error)
	FirstWatch(table, index string, args ...interface{}) (<-chan struct{}, interface{}, error)
	Abort()
}

// Changes wraps a memdb.Changes to include the index at which these changes
// were made.
type Changes struct {
	// Index is the latest index at the time these changes were committed.
	Index   uint64
	Changes memdb.Changes
}

// changeTrackerDB is a thin wrapper around memdb.DB which enables
// TrackChanges on all write transactions. When the transaction is committed
// the changes are sent to the EventBroker which will create and emit change
// events.
type changeTrackerDB struct {
	memdb          *memdb.MemDB
	publisher      *stream.EventBroker
	processChanges changeProcessor
}

func NewChangeTrackerDB(db *memdb.MemDB, publisher *stream.EventBroker, changesFn changeProcessor) *changeTrackerDB {
	return &changeTrackerDB{
		memdb:          db,
		publisher:      publisher,
		processChanges: changesFn,
	}
}

type changeProcessor func(ReadTxn, Changes) *structs.Events

func noOpProcessChanges(ReadTxn, Changes) *structs.Events { return nil }

// ReadTxn returns a read-only transaction which behaves exactly the same as
// memdb.Txn.
func (c *changeTrackerDB) ReadTxn() *txn {
	return &txn{Txn: c.memdb.Txn(false)}
}

// WriteTxn returns a wrapped memdb.Txn suitable for writes to the state
// store. It tracks changes and publishes events for them when Commit is
// called.
//
// The idx argument must be the commit index the mutation happens at. All
// writes through one store serialize on memdb's single writer, so the index
// is also the ordering of the published events.
func (c *changeTrackerDB) WriteTxn(idx uint64) *txn {
	t := &txn{
		Txn:     c.memdb.Txn(true),
		Index:   idx,
		publish: c.publish,
	}
	t.Txn.TrackChanges()
	return t
}

func (c *changeTrackerDB) publish(changes Changes) (*structs.Events, error) {
	readOnlyTx := c.memdb.Txn(false)
	defer readOnlyTx.Abort()

	events := c.processChanges(readOnlyTx, changes)
	if events != nil {
		c.publisher.Publish(events)
	}

	return events, nil
}

// WriteTxnRestore returns a wrapped RW transaction that does NOT have
// change tracking enabled. It is only for restores, where the whole
// contents of the store are replaced and per-row events would be noise.
// The zero index reflects that a restore does not occur at one index.
func (c *changeTrackerDB) WriteTxnRestore() *txn {
	return &txn{
		Txn:   c.memdb.Txn(true),
		Index: 0,
	}
}

// txn wraps a memdb.Txn to capture changes and send them to the
// EventBroker.
//
// This can not be done with txn.Defer because the callback passed to Defer
// is invoked after commit completes, and because the callback can not
// return an error. Any errors from the callback would be lost, which would
// result in a missing change event even though the state store had changed.
type txn struct {
	*memdb.Txn

	// Index is the commit index of the write. Zero for read-only or
	// restore transactions. It is passed along to subscribers as part of a
	// change event.
	Index   uint64
	publish func(changes Changes) (*structs.Events, error)
}

// Commit first pushes changes to the EventBroker, then calls Commit on the
// underlying transaction.
//
// Note that this function, unlike memdb.Txn, returns an error which must be
// checked by the caller. A non-nil error indicates that a commit failed and
// was not applied.
func (tx *txn) Commit() error {
	// publish may be nil on read-only or restore transactions; changes are
	// also empty there, so there is nothing to publish.
	if tx.publish != nil {
		changes := Changes{
			Index:   tx.Index,
			Changes: tx.Txn.Changes(),
		}
		_, err := tx.publish(changes)
		if err != nil {
			return err
		}
	}

	tx.Txn.Commit()
	return nil
}
