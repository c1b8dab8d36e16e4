// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"

	"github.com/parcelworks/dispatch/dispatch/stream"
)

// StateStoreConfig is used to configure a new state store
type StateStoreConfig struct {
	// Logger is used to output the state store's logs
	Logger hclog.Logger

	// EnablePublisher is used to enable or disable the event publisher
	EnablePublisher bool

	// EventBufferSize configures the amount of events to hold in memory
	EventBufferSize int64
}

// IndexEntry is used with the "index" table for tracking the latest commit
// index a table was written at.
type IndexEntry struct {
	Key   string
	Value uint64
}

// StateStore holds all dispatch state: tenants, drivers, routes, the
// assignment ledger, bid markets, health records and the audit trail.
//
// Every write is a single memdb transaction. The store relies on memdb's
// single-writer property for race safety: invariants such as one live
// assignment per driver per day and one open bid window per assignment are
// re-verified inside the write transaction, so two racing callers cannot
// both commit a conflicting write.
type StateStore struct {
	logger hclog.Logger
	db     *changeTrackerDB

	// config is the passed in configuration
	config *StateStoreConfig

	// nextIndex is the next commit index to hand out. Guarded by indexLock;
	// writers allocate an index before opening their transaction.
	nextIndex uint64
	indexLock sync.Mutex

	// abandonCh is used to signal watchers that this state store has been
	// abandoned (usually during a restore).
	abandonCh chan struct{}

	// stopEventBroker calls the cancel func for the event broker's context.
	stopEventBroker func()
}

// NewStateStore is used to create a new state store
func NewStateStore(config *StateStoreConfig) (*StateStore, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %v", err)
	}

	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}

	s := &StateStore{
		logger:    config.Logger.Named("state_store"),
		config:    config,
		nextIndex: 1,
		abandonCh: make(chan struct{}),
	}

	if config.EnablePublisher {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopEventBroker = cancel

		broker := stream.NewEventBroker(ctx, stream.EventBrokerCfg{
			EventBufferSize: config.EventBufferSize,
			Logger:          config.Logger,
		})
		s.db = NewChangeTrackerDB(db, broker, eventsFromChanges)
	} else {
		s.db = NewChangeTrackerDB(db, nil, noOpProcessChanges)
		s.stopEventBroker = func() {}
	}

	return s, nil
}

// EventBroker returns the event broker, or an error when the store was
// built without a publisher.
func (s *StateStore) EventBroker() (*stream.EventBroker, error) {
	if s.db.publisher == nil {
		return nil, fmt.Errorf("state store does not have an event broker")
	}
	return s.db.publisher, nil
}

// Config returns the state store configuration.
func (s *StateStore) Config() *StateStoreConfig {
	return s.config
}

// NextIndex allocates the commit index for a write. Indexes are strictly
// increasing across the store's lifetime.
func (s *StateStore) NextIndex() uint64 {
	s.indexLock.Lock()
	defer s.indexLock.Unlock()
	idx := s.nextIndex
	s.nextIndex++
	return idx
}

// Abandon is used to signal that the given state store has been abandoned.
// Readers live across a restore should refresh from the replacement store.
func (s *StateStore) Abandon() {
	s.StopEventBroker()
	close(s.abandonCh)
}

// AbandonCh returns a channel you can wait on to know if the state store
// was abandoned.
func (s *StateStore) AbandonCh() <-chan struct{} {
	return s.abandonCh
}

// StopEventBroker calls the cancel func for the state stores event
// publisher. It should be called during server shutdown.
func (s *StateStore) StopEventBroker() {
	s.stopEventBroker()
}

// Index returns the latest commit index of a table.
func (s *StateStore) Index(name string) (uint64, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	out, err := txn.First(tableIndex, indexID, name)
	if err != nil {
		return 0, err
	}
	if out == nil {
		return 0, nil
	}
	return out.(*IndexEntry).Value, nil
}

// LatestIndex returns the greatest index value for all indexed tables.
func (s *StateStore) LatestIndex() (uint64, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	iter, err := txn.Get(tableIndex, indexID)
	if err != nil {
		return 0, err
	}

	var max uint64
	for {
		raw := iter.Next()
		if raw == nil {
			break
		}
		idx := raw.(*IndexEntry)
		if idx.Value > max {
			max = idx.Value
		}
	}
	return max, nil
}

// bumpIndex records that a table was written at the given index. Writers
// commit in memdb lock order, not index allocation order, so a table index
// never moves backwards.
func bumpIndex(txn *txn, table string, index uint64) error {
	existing, err := txn.First(tableIndex, indexID, table)
	if err != nil {
		return fmt.Errorf("index lookup failed: %v", err)
	}
	if existing != nil && existing.(*IndexEntry).Value >= index {
		return nil
	}
	if err := txn.Insert(tableIndex, &IndexEntry{table, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}
	return nil
}
