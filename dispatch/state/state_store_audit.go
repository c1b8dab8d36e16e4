// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"fmt"
	"strconv"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/parcelworks/dispatch/dispatch/structs"
	"github.com/parcelworks/dispatch/helper/uuid"
)

// appendAuditTxn writes one audit row inside the caller's transaction. A
// failed append aborts the enclosing write; the audit trail is never allowed
// to fall behind the state it describes.
func appendAuditTxn(txn *txn, index uint64, log *structs.AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.Generate()
	}
	log.CreateIndex = index
	if log.CreateTime == 0 {
		log.CreateTime = time.Now().UnixNano()
	}

	if err := log.Validate(); err != nil {
		return fmt.Errorf("invalid audit log: %v", err)
	}
	if err := txn.Insert(TableAuditLogs, log); err != nil {
		return fmt.Errorf("audit log insert failed: %v", err)
	}
	return bumpIndex(txn, TableAuditLogs, index)
}

// AppendAuditLog writes one audit row in its own transaction. Most audit
// rows ride along inside the mutation that caused them; this is for the few
// standalone records such as schedule generation summaries.
func (s *StateStore) AppendAuditLog(index uint64, log *structs.AuditLog) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	if err := appendAuditTxn(txn, index, log); err != nil {
		return err
	}
	return txn.Commit()
}

// AuditLogsByEntity returns the audit rows for one entity, oldest first.
func (s *StateStore) AuditLogsByEntity(ws memdb.WatchSet, entityType, entityID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableAuditLogs, indexEntity, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("audit log lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// AuditLogsByOrganization returns all audit rows for a tenant.
func (s *StateStore) AuditLogsByOrganization(ws memdb.WatchSet, orgID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableAuditLogs, indexOrg, orgID)
	if err != nil {
		return nil, fmt.Errorf("audit log lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// AuditLogsByUser returns the audit rows concerning one driver. This is the
// durable event history behind health scoring: assignment rows are recycled
// by the bid market, audit rows are not.
func (s *StateStore) AuditLogsByUser(ws memdb.WatchSet, userID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableAuditLogs, indexUser, userID)
	if err != nil {
		return nil, fmt.Errorf("audit log lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// UserEventCounts is the fold of one driver's audit rows over a time range.
type UserEventCounts struct {
	Confirms    int
	Arrivals    int
	Completions int
	EarlyCancel int
	LateCancel  int
	AutoDrops   int
	NoShows     int

	// HighDeliveries counts completions whose recorded delivery ratio met
	// the threshold the fold was given.
	HighDeliveries int

	// BidWins counts bid-window wins of any mode; UrgentWins counts the
	// instant and emergency subset.
	BidWins    int
	UrgentWins int
}

// Total sums the lifecycle events. Bid wins are excluded: winning a slot
// says nothing about showing up for it.
func (c *UserEventCounts) Total() int {
	return c.Confirms + c.Arrivals + c.Completions + c.EarlyCancel +
		c.LateCancel + c.AutoDrops + c.NoShows
}

// UserEventCounts folds a driver's audit rows into event counts over
// [since, until). Zero times mean unbounded. highDelivery is the adjusted
// delivery ratio at or above which a completion counts as a high delivery.
func (s *StateStore) UserEventCounts(userID string, since, until time.Time, highDelivery float64) (*UserEventCounts, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	return userEventCountsTxn(txn, userID, since, until, highDelivery)
}

func userEventCountsTxn(txn ReadTxn, userID string, since, until time.Time, highDelivery float64) (*UserEventCounts, error) {
	iter, err := txn.Get(TableAuditLogs, indexUser, userID)
	if err != nil {
		return nil, fmt.Errorf("audit log lookup failed: %v", err)
	}

	counts := &UserEventCounts{}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		log := raw.(*structs.AuditLog)
		at := time.Unix(0, log.CreateTime)
		if !since.IsZero() && at.Before(since) {
			continue
		}
		if !until.IsZero() && !at.Before(until) {
			continue
		}

		switch log.Action {
		case structs.AuditActionConfirm:
			counts.Confirms++
		case structs.AuditActionArrive:
			counts.Arrivals++
		case structs.AuditActionComplete:
			counts.Completions++
			if ratio, err := strconv.ParseFloat(log.Detail[structs.AuditDetailDeliveryRatio], 64); err == nil && ratio >= highDelivery {
				counts.HighDeliveries++
			}
		case structs.AuditActionCancel:
			switch log.Detail[structs.AuditDetailCancelType] {
			case structs.CancelTypeLate:
				counts.LateCancel++
			default:
				counts.EarlyCancel++
			}
		case structs.AuditActionAutoDrop:
			counts.AutoDrops++
		case structs.AuditActionNoShowDetected:
			counts.NoShows++
		case structs.AuditActionAssign, structs.AuditActionInstantAssign:
			counts.BidWins++
			switch log.Detail[structs.AuditDetailWindowMode] {
			case structs.BidWindowModeInstant, structs.BidWindowModeEmergency:
				counts.UrgentWins++
			}
		}
	}
	return counts, nil
}
