// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"fmt"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/parcelworks/dispatch/dispatch/structs"
	"github.com/parcelworks/dispatch/helper/uuid"
)

// CreateBidWindow opens a bid window over an assignment's slot. The slot is
// vacated in the same transaction: whoever held it is recorded in the audit
// trail and the assignment becomes a clean unfilled row the window can
// refill. A second open window on the same assignment loses with a
// UniqueViolationError naming the open-window constraint, which callers
// treat as "already exists", not a failure.
func (s *StateStore) CreateBidWindow(index uint64, w *structs.BidWindow, actorType, actorID string, now time.Time) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	if err := createBidWindowTxn(txn, index, w, actorType, actorID, now); err != nil {
		return err
	}
	return txn.Commit()
}

func createBidWindowTxn(txn *txn, index uint64, w *structs.BidWindow, actorType, actorID string, now time.Time) error {
	raw, err := txn.First(TableAssignments, indexID, w.AssignmentID)
	if err != nil {
		return fmt.Errorf("assignment lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErrUnknownAssignment(w.AssignmentID)
	}
	existing := raw.(*structs.Assignment)
	if w.OrganizationID == "" {
		w.OrganizationID = existing.OrganizationID
	}
	if existing.OrganizationID != w.OrganizationID {
		return structs.ErrPermissionDenied
	}

	openIter, err := txn.Get(TableBidWindows, indexAssignment, existing.ID)
	if err != nil {
		return fmt.Errorf("bid window lookup failed: %v", err)
	}
	for rawW := openIter.Next(); rawW != nil; rawW = openIter.Next() {
		if rawW.(*structs.BidWindow).Status == structs.BidWindowStatusOpen {
			return structs.NewUniqueViolationError(structs.ConstraintOpenWindowPerAssignment)
		}
	}

	// The slot row is recycled: the vacating driver's history lives in the
	// audit trail, not on the assignment.
	if existing.Status != structs.AssignmentStatusUnfilled || existing.UserID != "" {
		vacated := existing.UserID
		a := existing.Copy()
		a.UserID = ""
		a.Status = structs.AssignmentStatusUnfilled
		a.AssignedBy = ""
		a.AssignedAt = nil
		a.ConfirmedAt = nil
		a.CancelledAt = nil
		a.CancelType = ""
		a.ModifyIndex = index
		a.ModifyTime = now.UnixNano()
		if err := txn.Insert(TableAssignments, a); err != nil {
			return fmt.Errorf("assignment insert failed: %v", err)
		}
		if err := bumpIndex(txn, TableAssignments, index); err != nil {
			return err
		}

		err = appendAuditTxn(txn, index, &structs.AuditLog{
			OrganizationID: a.OrganizationID,
			EntityType:     structs.AuditEntityAssignment,
			EntityID:       a.ID,
			Action:         structs.AuditActionUnfilled,
			UserID:         vacated,
			ActorType:      actorType,
			ActorID:        actorID,
			Detail: map[string]string{
				structs.AuditDetailReason:    "bid_window_opened",
				structs.AuditDetailTrigger:   w.Trigger,
				structs.AuditDetailRouteID:   a.RouteID,
				structs.AuditDetailShiftDate: a.ShiftDate,
			},
		})
		if err != nil {
			return err
		}
	}

	if w.ID == "" {
		w.ID = uuid.Generate()
	}
	w.RouteID = existing.RouteID
	w.ShiftDate = existing.ShiftDate
	if w.Status == "" {
		w.Status = structs.BidWindowStatusOpen
	}
	if err := w.Validate(); err != nil {
		return fmt.Errorf("invalid bid window: %v", err)
	}
	w.CreateIndex = index
	w.ModifyIndex = index
	if w.CreateTime == 0 {
		w.CreateTime = now.UnixNano()
	}
	w.ModifyTime = w.CreateTime

	if err := txn.Insert(TableBidWindows, w); err != nil {
		return fmt.Errorf("bid window insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableBidWindows, index); err != nil {
		return err
	}

	return appendAuditTxn(txn, index, &structs.AuditLog{
		OrganizationID: w.OrganizationID,
		EntityType:     structs.AuditEntityBidWindow,
		EntityID:       w.ID,
		Action:         structs.AuditActionWindowOpened,
		ActorType:      actorType,
		ActorID:        actorID,
		Detail: map[string]string{
			structs.AuditDetailWindowMode: w.Mode,
			structs.AuditDetailTrigger:    w.Trigger,
			structs.AuditDetailRouteID:    w.RouteID,
			structs.AuditDetailShiftDate:  w.ShiftDate,
		},
	})
}

// BidWindowByID returns the window with the given ID, or nil when it does
// not exist.
func (s *StateStore) BidWindowByID(ws memdb.WatchSet, windowID string) (*structs.BidWindow, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableBidWindows, indexID, windowID)
	if err != nil {
		return nil, fmt.Errorf("bid window lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.BidWindow), nil
	}
	return nil, nil
}

// OpenBidWindowForAssignment returns the assignment's open window, or nil
// when the slot is not on the market.
func (s *StateStore) OpenBidWindowForAssignment(ws memdb.WatchSet, assignmentID string) (*structs.BidWindow, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	iter, err := txn.Get(TableBidWindows, indexAssignment, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("bid window lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		w := raw.(*structs.BidWindow)
		if w.Status == structs.BidWindowStatusOpen {
			return w, nil
		}
	}
	return nil, nil
}

// BidWindowsByOrganization returns an iterator over a tenant's windows.
func (s *StateStore) BidWindowsByOrganization(ws memdb.WatchSet, orgID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableBidWindows, indexOrg, orgID)
	if err != nil {
		return nil, fmt.Errorf("bid window lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// OpenBidWindowsByOrganization returns an iterator over a tenant's open
// windows.
func (s *StateStore) OpenBidWindowsByOrganization(ws memdb.WatchSet, orgID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableBidWindows, indexOrgStatus, orgID, structs.BidWindowStatusOpen)
	if err != nil {
		return nil, fmt.Errorf("bid window lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// ExpiredBidWindows returns the open windows of a tenant whose closing
// instant has passed. The resolution sweep walks these; re-running the
// sweep over an already-resolved window is harmless because resolution
// re-verifies the status.
func (s *StateStore) ExpiredBidWindows(ws memdb.WatchSet, orgID string, now time.Time) ([]*structs.BidWindow, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	iter, err := txn.Get(TableBidWindows, indexOrgStatus, orgID, structs.BidWindowStatusOpen)
	if err != nil {
		return nil, fmt.Errorf("bid window lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	var out []*structs.BidWindow
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		w := raw.(*structs.BidWindow)
		if !now.Before(w.ClosesAt) {
			out = append(out, w)
		}
	}
	return out, nil
}

// PlaceBid records a driver's claim on an open window. Placing a second bid
// on the same window is a no-op; the first bid's placement time keeps its
// tiebreak value. Returns whether a new bid was written.
func (s *StateStore) PlaceBid(index uint64, bid *structs.Bid, now time.Time) (bool, error) {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	raw, err := txn.First(TableBidWindows, indexID, bid.WindowID)
	if err != nil {
		return false, fmt.Errorf("bid window lookup failed: %v", err)
	}
	if raw == nil {
		return false, structs.NewErrUnknownBidWindow(bid.WindowID)
	}
	w := raw.(*structs.BidWindow)
	if bid.OrganizationID == "" {
		bid.OrganizationID = w.OrganizationID
	}
	if w.OrganizationID != bid.OrganizationID {
		return false, structs.ErrPermissionDenied
	}
	if w.Status != structs.BidWindowStatusOpen {
		return false, structs.ErrStateChanged
	}

	existing, err := txn.First(TableBids, indexWindowUser, bid.WindowID, bid.UserID)
	if err != nil {
		return false, fmt.Errorf("bid lookup failed: %v", err)
	}
	if existing != nil {
		return false, nil
	}

	if bid.ID == "" {
		bid.ID = uuid.Generate()
	}
	if bid.Status == "" {
		bid.Status = structs.BidStatusPending
	}
	if err := bid.Validate(); err != nil {
		return false, fmt.Errorf("invalid bid: %v", err)
	}
	bid.CreateIndex = index
	bid.ModifyIndex = index
	if bid.CreateTime == 0 {
		bid.CreateTime = now.UnixNano()
	}
	bid.ModifyTime = bid.CreateTime

	if err := txn.Insert(TableBids, bid); err != nil {
		return false, fmt.Errorf("bid insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableBids, index); err != nil {
		return false, err
	}

	err = appendAuditTxn(txn, index, &structs.AuditLog{
		OrganizationID: w.OrganizationID,
		EntityType:     structs.AuditEntityBidWindow,
		EntityID:       w.ID,
		Action:         structs.AuditActionBidPlaced,
		UserID:         bid.UserID,
		ActorType:      structs.ActorTypeUser,
		ActorID:        bid.UserID,
		Detail: map[string]string{
			structs.AuditDetailWindowMode: w.Mode,
			structs.AuditDetailRouteID:    w.RouteID,
			structs.AuditDetailShiftDate:  w.ShiftDate,
		},
	})
	if err != nil {
		return false, err
	}
	return true, txn.Commit()
}

// BidsByWindow returns an iterator over a window's bids.
func (s *StateStore) BidsByWindow(ws memdb.WatchSet, windowID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableBids, indexWindow, windowID)
	if err != nil {
		return nil, fmt.Errorf("bid lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// BidsByUser returns an iterator over a driver's bids.
func (s *StateStore) BidsByUser(ws memdb.WatchSet, userID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableBids, indexUser, userID)
	if err != nil {
		return nil, fmt.Errorf("bid lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// PendingBidsByWindow returns a window's unresolved bids.
func (s *StateStore) PendingBidsByWindow(ws memdb.WatchSet, windowID string) ([]*structs.Bid, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	iter, err := txn.Get(TableBids, indexWindow, windowID)
	if err != nil {
		return nil, fmt.Errorf("bid lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	var out []*structs.Bid
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		b := raw.(*structs.Bid)
		if b.Status == structs.BidStatusPending {
			out = append(out, b)
		}
	}
	return out, nil
}

// ResolveBidWindow awards an open window's slot to the chosen winner. The
// caller scores and orders the candidates; the store re-verifies the window
// is still open, re-checks the winner's same-day exclusivity, stamps every
// bid and rewires the assignment in one transaction. A same-day conflict
// that appeared since scoring loses with a UniqueViolationError so the
// caller can retry with its next candidate.
func (s *StateStore) ResolveBidWindow(index uint64, orgID, windowID, winnerID string, scores map[string]float64, actorType, actorID string, now time.Time) error {
	if winnerID == "" {
		return fmt.Errorf("missing winner; winnerless windows close instead")
	}

	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	w, err := s.lockedBidWindow(txn, orgID, windowID)
	if err != nil {
		return err
	}
	if w.Status != structs.BidWindowStatusOpen {
		return structs.ErrStateChanged
	}

	raw, err := txn.First(TableAssignments, indexID, w.AssignmentID)
	if err != nil {
		return fmt.Errorf("assignment lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErrUnknownAssignment(w.AssignmentID)
	}
	existing := raw.(*structs.Assignment)
	if existing.Status != structs.AssignmentStatusUnfilled {
		return structs.ErrStateChanged
	}

	conflict, err := occupiedSlotConflictTxn(txn, winnerID, existing.ShiftDate, existing.ID)
	if err != nil {
		return err
	}
	if conflict {
		return structs.NewUniqueViolationError(structs.ConstraintActiveUserDate)
	}

	a := existing.Copy()
	a.UserID = winnerID
	a.Status = structs.AssignmentStatusScheduled
	a.AssignedBy = structs.AssignedByBid
	a.AssignedAt = &now
	// The winner claimed the slot; there is no separate confirmation step
	// for bid wins, and an unconfirmed row past the deadline would go
	// straight back to the auto-drop sweep.
	a.ConfirmedAt = &now
	a.ModifyIndex = index
	a.ModifyTime = now.UnixNano()
	if err := txn.Insert(TableAssignments, a); err != nil {
		return fmt.Errorf("assignment insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableAssignments, index); err != nil {
		return err
	}

	updated := w.Copy()
	updated.Status = structs.BidWindowStatusResolved
	updated.WinnerID = winnerID
	updated.ResolvedAt = &now
	updated.ModifyIndex = index
	updated.ModifyTime = now.UnixNano()
	if err := txn.Insert(TableBidWindows, updated); err != nil {
		return fmt.Errorf("bid window insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableBidWindows, index); err != nil {
		return err
	}

	if err := settleBidsTxn(txn, index, w.ID, winnerID, scores, now); err != nil {
		return err
	}

	err = appendAuditTxn(txn, index, &structs.AuditLog{
		OrganizationID: a.OrganizationID,
		EntityType:     structs.AuditEntityAssignment,
		EntityID:       a.ID,
		Action:         structs.AuditActionAssign,
		UserID:         winnerID,
		ActorType:      actorType,
		ActorID:        actorID,
		Detail: map[string]string{
			structs.AuditDetailWindowMode: w.Mode,
			structs.AuditDetailBefore:     fmt.Sprintf("%s,null", existing.Status),
			structs.AuditDetailAfter:      fmt.Sprintf("%s,%s,%s", a.Status, winnerID, a.AssignedBy),
			structs.AuditDetailRouteID:    a.RouteID,
			structs.AuditDetailShiftDate:  a.ShiftDate,
		},
	})
	if err != nil {
		return err
	}
	err = appendAuditTxn(txn, index, &structs.AuditLog{
		OrganizationID: w.OrganizationID,
		EntityType:     structs.AuditEntityBidWindow,
		EntityID:       w.ID,
		Action:         structs.AuditActionWindowResolved,
		UserID:         winnerID,
		ActorType:      actorType,
		ActorID:        actorID,
		Detail: map[string]string{
			structs.AuditDetailWindowMode: w.Mode,
		},
	})
	if err != nil {
		return err
	}

	if err := recomputeDriverMetricsTxn(txn, index, winnerID); err != nil {
		return err
	}
	return txn.Commit()
}

// settleBidsTxn stamps every bid of a window at resolution: the winner won,
// everyone else lost, scores and the resolution instant recorded on all.
// An empty winner settles every bid as lost.
func settleBidsTxn(txn *txn, index uint64, windowID, winnerID string, scores map[string]float64, now time.Time) error {
	iter, err := txn.Get(TableBids, indexWindow, windowID)
	if err != nil {
		return fmt.Errorf("bid lookup failed: %v", err)
	}

	dirty := false
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		b := raw.(*structs.Bid)
		if b.Status != structs.BidStatusPending {
			continue
		}
		updated := b.Copy()
		if b.UserID == winnerID && winnerID != "" {
			updated.Status = structs.BidStatusWon
		} else {
			updated.Status = structs.BidStatusLost
		}
		if score, ok := scores[b.UserID]; ok {
			updated.Score = &score
		}
		updated.ResolvedAt = &now
		updated.ModifyIndex = index
		updated.ModifyTime = now.UnixNano()
		if err := txn.Insert(TableBids, updated); err != nil {
			return fmt.Errorf("bid insert failed: %v", err)
		}
		dirty = true
	}
	if dirty {
		return bumpIndex(txn, TableBids, index)
	}
	return nil
}

// CloseBidWindow finalizes an open window without a winner. Pending bids
// all settle as lost; the assignment stays unfilled.
func (s *StateStore) CloseBidWindow(index uint64, orgID, windowID string, reason string, now time.Time) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	w, err := s.lockedBidWindow(txn, orgID, windowID)
	if err != nil {
		return err
	}
	if w.Status != structs.BidWindowStatusOpen {
		return structs.ErrStateChanged
	}

	updated := w.Copy()
	updated.Status = structs.BidWindowStatusClosed
	updated.ResolvedAt = &now
	updated.ModifyIndex = index
	updated.ModifyTime = now.UnixNano()
	if err := txn.Insert(TableBidWindows, updated); err != nil {
		return fmt.Errorf("bid window insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableBidWindows, index); err != nil {
		return err
	}

	if err := settleBidsTxn(txn, index, w.ID, "", nil, now); err != nil {
		return err
	}

	err = appendAuditTxn(txn, index, &structs.AuditLog{
		OrganizationID: w.OrganizationID,
		EntityType:     structs.AuditEntityBidWindow,
		EntityID:       w.ID,
		Action:         structs.AuditActionWindowClosed,
		ActorType:      structs.ActorTypeSystem,
		ActorID:        structs.ActorSystem,
		Detail: map[string]string{
			structs.AuditDetailWindowMode: w.Mode,
			structs.AuditDetailReason:     reason,
		},
	})
	if err != nil {
		return err
	}
	return txn.Commit()
}

// TransitionWindowToInstant converts an expired competitive window into an
// instant one closing at shift start. Only open competitive windows
// transition; anything else reports ErrStateChanged.
func (s *StateStore) TransitionWindowToInstant(index uint64, orgID, windowID string, closesAt, now time.Time) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	w, err := s.lockedBidWindow(txn, orgID, windowID)
	if err != nil {
		return err
	}
	if w.Status != structs.BidWindowStatusOpen || w.Mode != structs.BidWindowModeCompetitive {
		return structs.ErrStateChanged
	}

	updated := w.Copy()
	updated.Mode = structs.BidWindowModeInstant
	updated.ClosesAt = closesAt
	updated.ModifyIndex = index
	updated.ModifyTime = now.UnixNano()
	if err := txn.Insert(TableBidWindows, updated); err != nil {
		return fmt.Errorf("bid window insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableBidWindows, index); err != nil {
		return err
	}

	err = appendAuditTxn(txn, index, &structs.AuditLog{
		OrganizationID: w.OrganizationID,
		EntityType:     structs.AuditEntityBidWindow,
		EntityID:       w.ID,
		Action:         structs.AuditActionWindowInstant,
		ActorType:      structs.ActorTypeSystem,
		ActorID:        structs.ActorSystem,
		Detail: map[string]string{
			structs.AuditDetailBefore: structs.BidWindowModeCompetitive,
			structs.AuditDetailAfter:  structs.BidWindowModeInstant,
		},
	})
	if err != nil {
		return err
	}
	return txn.Commit()
}

// InstantAssign awards a first-come window to the calling driver. Exactly
// one caller wins a given window: the open-status re-check serializes
// racing claims and the loser reports ErrStateChanged. A driver already
// holding a slot on the date loses with a UniqueViolationError instead.
func (s *StateStore) InstantAssign(index uint64, orgID, windowID, userID string, now time.Time) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	w, err := s.lockedBidWindow(txn, orgID, windowID)
	if err != nil {
		return err
	}
	if w.Status != structs.BidWindowStatusOpen || !w.FirstComeFirstServed() {
		return structs.ErrStateChanged
	}

	raw, err := txn.First(TableAssignments, indexID, w.AssignmentID)
	if err != nil {
		return fmt.Errorf("assignment lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErrUnknownAssignment(w.AssignmentID)
	}
	existing := raw.(*structs.Assignment)
	if existing.Status != structs.AssignmentStatusUnfilled {
		return structs.ErrStateChanged
	}

	user, err := userByIDTxn(txn, nil, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return structs.NewErrUnknownDriver(userID)
	}
	if user.OrganizationID != w.OrganizationID {
		return structs.ErrPermissionDenied
	}

	conflict, err := occupiedSlotConflictTxn(txn, userID, existing.ShiftDate, existing.ID)
	if err != nil {
		return err
	}
	if conflict {
		return structs.NewUniqueViolationError(structs.ConstraintActiveUserDate)
	}

	// A pending bid from before a competitive-to-instant transition is
	// reused as the winning bid rather than doubled.
	var bid *structs.Bid
	existingBid, err := txn.First(TableBids, indexWindowUser, w.ID, userID)
	if err != nil {
		return fmt.Errorf("bid lookup failed: %v", err)
	}
	if existingBid != nil {
		bid = existingBid.(*structs.Bid).Copy()
	} else {
		bid = &structs.Bid{
			ID:             uuid.Generate(),
			OrganizationID: w.OrganizationID,
			WindowID:       w.ID,
			UserID:         userID,
			CreateIndex:    index,
			CreateTime:     now.UnixNano(),
		}
	}
	bid.Status = structs.BidStatusWon
	bid.ResolvedAt = &now
	bid.ModifyIndex = index
	bid.ModifyTime = now.UnixNano()
	if err := txn.Insert(TableBids, bid); err != nil {
		return fmt.Errorf("bid insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableBids, index); err != nil {
		return err
	}
	if err := settleBidsTxn(txn, index, w.ID, userID, nil, now); err != nil {
		return err
	}

	a := existing.Copy()
	a.UserID = userID
	a.Status = structs.AssignmentStatusScheduled
	a.AssignedBy = structs.AssignedByBid
	a.AssignedAt = &now
	a.ConfirmedAt = &now
	a.ModifyIndex = index
	a.ModifyTime = now.UnixNano()
	if err := txn.Insert(TableAssignments, a); err != nil {
		return fmt.Errorf("assignment insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableAssignments, index); err != nil {
		return err
	}

	// A shift row left over from the previous holder's partial day would
	// poison the new holder's arrival; drop it.
	staleShift, err := txn.First(TableShifts, indexID, a.ID)
	if err != nil {
		return fmt.Errorf("shift lookup failed: %v", err)
	}
	if staleShift != nil {
		if err := txn.Delete(TableShifts, staleShift); err != nil {
			return fmt.Errorf("shift delete failed: %v", err)
		}
		if err := bumpIndex(txn, TableShifts, index); err != nil {
			return err
		}
	}

	updated := w.Copy()
	updated.Status = structs.BidWindowStatusResolved
	updated.WinnerID = userID
	updated.ResolvedAt = &now
	updated.ModifyIndex = index
	updated.ModifyTime = now.UnixNano()
	if err := txn.Insert(TableBidWindows, updated); err != nil {
		return fmt.Errorf("bid window insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableBidWindows, index); err != nil {
		return err
	}

	err = appendAuditTxn(txn, index, &structs.AuditLog{
		OrganizationID: a.OrganizationID,
		EntityType:     structs.AuditEntityAssignment,
		EntityID:       a.ID,
		Action:         structs.AuditActionInstantAssign,
		UserID:         userID,
		ActorType:      structs.ActorTypeUser,
		ActorID:        userID,
		Detail: map[string]string{
			structs.AuditDetailWindowMode: w.Mode,
			structs.AuditDetailBefore:     fmt.Sprintf("%s,null", existing.Status),
			structs.AuditDetailAfter:      fmt.Sprintf("%s,%s,%s", a.Status, userID, a.AssignedBy),
			structs.AuditDetailRouteID:    a.RouteID,
			structs.AuditDetailShiftDate:  a.ShiftDate,
		},
	})
	if err != nil {
		return err
	}
	err = appendAuditTxn(txn, index, &structs.AuditLog{
		OrganizationID: w.OrganizationID,
		EntityType:     structs.AuditEntityBidWindow,
		EntityID:       w.ID,
		Action:         structs.AuditActionWindowResolved,
		UserID:         userID,
		ActorType:      structs.ActorTypeUser,
		ActorID:        userID,
		Detail: map[string]string{
			structs.AuditDetailWindowMode: w.Mode,
		},
	})
	if err != nil {
		return err
	}

	if err := recomputeDriverMetricsTxn(txn, index, userID); err != nil {
		return err
	}
	return txn.Commit()
}

// ManualAssign fills an unfilled slot by manager decision. Any open window
// on the slot resolves winnerless in the same transaction and its pending
// bids settle as lost.
func (s *StateStore) ManualAssign(index uint64, orgID, assignmentID, userID, actorID string, now time.Time) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	existing, err := s.lockedAssignment(txn, orgID, assignmentID)
	if err != nil {
		return err
	}
	if existing.Status != structs.AssignmentStatusUnfilled {
		return structs.ErrStateChanged
	}

	user, err := userByIDTxn(txn, nil, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return structs.NewErrUnknownDriver(userID)
	}
	if user.OrganizationID != existing.OrganizationID {
		return structs.ErrPermissionDenied
	}

	conflict, err := occupiedSlotConflictTxn(txn, userID, existing.ShiftDate, existing.ID)
	if err != nil {
		return err
	}
	if conflict {
		return structs.NewUniqueViolationError(structs.ConstraintActiveUserDate)
	}

	a := existing.Copy()
	a.UserID = userID
	a.Status = structs.AssignmentStatusScheduled
	a.AssignedBy = structs.AssignedByManager
	a.AssignedAt = &now
	// The manager vouches for the driver; a separate confirmation pass
	// would dead-end any slot filled after the confirmation deadline.
	a.ConfirmedAt = &now
	a.ModifyIndex = index
	a.ModifyTime = now.UnixNano()
	if err := txn.Insert(TableAssignments, a); err != nil {
		return fmt.Errorf("assignment insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableAssignments, index); err != nil {
		return err
	}

	iter, err := txn.Get(TableBidWindows, indexAssignment, a.ID)
	if err != nil {
		return fmt.Errorf("bid window lookup failed: %v", err)
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		w := raw.(*structs.BidWindow)
		if w.Status != structs.BidWindowStatusOpen {
			continue
		}
		updated := w.Copy()
		updated.Status = structs.BidWindowStatusResolved
		updated.ResolvedAt = &now
		updated.ModifyIndex = index
		updated.ModifyTime = now.UnixNano()
		if err := txn.Insert(TableBidWindows, updated); err != nil {
			return fmt.Errorf("bid window insert failed: %v", err)
		}
		if err := bumpIndex(txn, TableBidWindows, index); err != nil {
			return err
		}
		if err := settleBidsTxn(txn, index, w.ID, "", nil, now); err != nil {
			return err
		}
		err = appendAuditTxn(txn, index, &structs.AuditLog{
			OrganizationID: w.OrganizationID,
			EntityType:     structs.AuditEntityBidWindow,
			EntityID:       w.ID,
			Action:         structs.AuditActionWindowResolved,
			ActorType:      structs.ActorTypeUser,
			ActorID:        actorID,
			Detail: map[string]string{
				structs.AuditDetailWindowMode: w.Mode,
				structs.AuditDetailReason:     "manual_assign",
			},
		})
		if err != nil {
			return err
		}
	}

	err = appendAuditTxn(txn, index, &structs.AuditLog{
		OrganizationID: a.OrganizationID,
		EntityType:     structs.AuditEntityAssignment,
		EntityID:       a.ID,
		Action:         structs.AuditActionManualAssign,
		UserID:         userID,
		ActorType:      structs.ActorTypeUser,
		ActorID:        actorID,
		Detail: map[string]string{
			structs.AuditDetailBefore:    fmt.Sprintf("%s,null", existing.Status),
			structs.AuditDetailAfter:     fmt.Sprintf("%s,%s,%s", a.Status, userID, a.AssignedBy),
			structs.AuditDetailRouteID:   a.RouteID,
			structs.AuditDetailShiftDate: a.ShiftDate,
		},
	})
	if err != nil {
		return err
	}
	return txn.Commit()
}

// lockedBidWindow loads a window for update inside a write transaction,
// enforcing the tenant boundary.
func (s *StateStore) lockedBidWindow(txn *txn, orgID, windowID string) (*structs.BidWindow, error) {
	raw, err := txn.First(TableBidWindows, indexID, windowID)
	if err != nil {
		return nil, fmt.Errorf("bid window lookup failed: %v", err)
	}
	if raw == nil {
		return nil, structs.NewErrUnknownBidWindow(windowID)
	}

	w := raw.(*structs.BidWindow)
	if orgID != "" && w.OrganizationID != orgID {
		return nil, structs.ErrPermissionDenied
	}
	return w, nil
}
