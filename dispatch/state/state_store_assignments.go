// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"fmt"
	"strconv"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// UpsertAssignment is used to insert or update a single assignment.
func (s *StateStore) UpsertAssignment(index uint64, a *structs.Assignment) error {
	return s.UpsertAssignments(index, []*structs.Assignment{a})
}

// UpsertAssignments inserts or updates a batch of assignments in one
// transaction, the way the schedule generator writes a week. Every insert
// re-verifies the one-live-assignment-per-driver-per-date constraint, so a
// racing writer loses with a UniqueViolationError instead of double-booking
// the driver.
func (s *StateStore) UpsertAssignments(index uint64, assignments []*structs.Assignment) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	for _, a := range assignments {
		if err := s.upsertAssignmentTxn(txn, index, a); err != nil {
			return err
		}
	}
	return txn.Commit()
}

func (s *StateStore) upsertAssignmentTxn(txn *txn, index uint64, a *structs.Assignment) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid assignment: %v", err)
	}

	if a.OccupiesSlot() {
		conflict, err := occupiedSlotConflictTxn(txn, a.UserID, a.ShiftDate, a.ID)
		if err != nil {
			return err
		}
		if conflict {
			return structs.NewUniqueViolationError(structs.ConstraintActiveUserDate)
		}
	}

	existingRaw, err := txn.First(TableAssignments, indexID, a.ID)
	if err != nil {
		return fmt.Errorf("assignment lookup failed: %v", err)
	}

	now := time.Now().UnixNano()
	if existingRaw != nil {
		existing := existingRaw.(*structs.Assignment)
		if existing.OrganizationID != a.OrganizationID {
			return structs.ErrPermissionDenied
		}
		a.CreateIndex = existing.CreateIndex
		a.CreateTime = existing.CreateTime
		a.ModifyIndex = index
		a.ModifyTime = now
	} else {
		a.CreateIndex = index
		a.ModifyIndex = index
		if a.CreateTime == 0 {
			a.CreateTime = now
		}
		a.ModifyTime = a.CreateTime
	}

	if err := txn.Insert(TableAssignments, a); err != nil {
		return fmt.Errorf("assignment insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableAssignments, index); err != nil {
		return err
	}

	if existingRaw == nil {
		return appendAuditTxn(txn, index, &structs.AuditLog{
			OrganizationID: a.OrganizationID,
			EntityType:     structs.AuditEntityAssignment,
			EntityID:       a.ID,
			Action:         structs.AuditActionCreate,
			UserID:         a.UserID,
			ActorType:      structs.ActorTypeSystem,
			ActorID:        structs.ActorSystem,
			Detail: map[string]string{
				structs.AuditDetailRouteID:   a.RouteID,
				structs.AuditDetailShiftDate: a.ShiftDate,
				"assigned_by":                a.AssignedBy,
				"status":                     a.Status,
			},
		})
	}
	return nil
}

// occupiedSlotConflictTxn reports whether another assignment already holds
// the driver's (user, date) slot.
func occupiedSlotConflictTxn(txn ReadTxn, userID, date, excludeID string) (bool, error) {
	iter, err := txn.Get(TableAssignments, indexUserDate, userID, date)
	if err != nil {
		return false, fmt.Errorf("assignment lookup failed: %v", err)
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		other := raw.(*structs.Assignment)
		if other.ID != excludeID && other.OccupiesSlot() {
			return true, nil
		}
	}
	return false, nil
}

// AssignmentByID returns the assignment with the given ID, or nil when it
// does not exist.
func (s *StateStore) AssignmentByID(ws memdb.WatchSet, assignmentID string) (*structs.Assignment, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	return assignmentByIDTxn(txn, ws, assignmentID)
}

func assignmentByIDTxn(txn ReadTxn, ws memdb.WatchSet, assignmentID string) (*structs.Assignment, error) {
	watchCh, existing, err := txn.FirstWatch(TableAssignments, indexID, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("assignment lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Assignment), nil
	}
	return nil, nil
}

// AssignmentsByOrganization returns an iterator over a tenant's
// assignments.
func (s *StateStore) AssignmentsByOrganization(ws memdb.WatchSet, orgID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableAssignments, indexOrg, orgID)
	if err != nil {
		return nil, fmt.Errorf("assignment lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// AssignmentsByUser returns an iterator over a driver's assignments,
// cancelled ones included.
func (s *StateStore) AssignmentsByUser(ws memdb.WatchSet, userID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableAssignments, indexUser, userID)
	if err != nil {
		return nil, fmt.Errorf("assignment lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// AssignmentsByUserDate returns a driver's assignments on one date.
func (s *StateStore) AssignmentsByUserDate(ws memdb.WatchSet, userID, date string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableAssignments, indexUserDate, userID, date)
	if err != nil {
		return nil, fmt.Errorf("assignment lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// AssignmentsByRouteDate returns the assignments for one route on one date.
// More than one row means the slot was cancelled and regenerated.
func (s *StateStore) AssignmentsByRouteDate(ws memdb.WatchSet, routeID, date string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableAssignments, indexRouteDate, routeID, date)
	if err != nil {
		return nil, fmt.Errorf("assignment lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// AssignmentsByOrganizationDate returns a tenant's assignments on one date.
func (s *StateStore) AssignmentsByOrganizationDate(ws memdb.WatchSet, orgID, date string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableAssignments, indexOrgDate, orgID, date)
	if err != nil {
		return nil, fmt.Errorf("assignment lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// UserWeeklyAssignmentCount counts the slots a driver holds in the
// Monday-anchored week starting at weekStart. Cancelled assignments do not
// count against the cap.
func (s *StateStore) UserWeeklyAssignmentCount(userID, weekStart string) (int, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	return userWeeklyAssignmentCountTxn(txn, userID, weekStart)
}

func userWeeklyAssignmentCountTxn(txn ReadTxn, userID, weekStart string) (int, error) {
	weekEnd, err := structs.AddDays(weekStart, 7)
	if err != nil {
		return 0, err
	}

	iter, err := txn.Get(TableAssignments, indexUser, userID)
	if err != nil {
		return 0, fmt.Errorf("assignment lookup failed: %v", err)
	}

	count := 0
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		a := raw.(*structs.Assignment)
		if a.ShiftDate >= weekStart && a.ShiftDate < weekEnd && a.OccupiesSlot() {
			count++
		}
	}
	return count, nil
}

// ConfirmAssignment records the driver confirming their slot. The window
// and deadline policy is the caller's business; the store guards the state:
// confirming a non-scheduled or already-confirmed assignment reports
// ErrStateChanged, matching a guarded update that affected zero rows.
func (s *StateStore) ConfirmAssignment(index uint64, orgID, assignmentID string, now time.Time) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	existing, err := s.lockedAssignment(txn, orgID, assignmentID)
	if err != nil {
		return err
	}
	if existing.Status != structs.AssignmentStatusScheduled || existing.Confirmed() {
		return structs.ErrStateChanged
	}

	a := existing.Copy()
	a.ConfirmedAt = &now
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
		Action:         structs.AuditActionConfirm,
		UserID:         a.UserID,
		ActorType:      structs.ActorTypeUser,
		ActorID:        a.UserID,
		Detail: map[string]string{
			structs.AuditDetailRouteID:   a.RouteID,
			structs.AuditDetailShiftDate: a.ShiftDate,
		},
	})
	if err != nil {
		return err
	}

	if err := recomputeDriverMetricsTxn(txn, index, a.UserID); err != nil {
		return err
	}
	return txn.Commit()
}

// CancelAssignment cancels a scheduled assignment. The caller classifies the
// cancellation as early or late against the confirmation deadline; late
// cancellations count into the driver's rolling hard-stop window.
func (s *StateStore) CancelAssignment(index uint64, orgID, assignmentID, cancelType string, now time.Time, actorType, actorID string) error {
	switch cancelType {
	case structs.CancelTypeEarly, structs.CancelTypeLate:
	default:
		return fmt.Errorf("invalid cancel type %q", cancelType)
	}

	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	existing, err := s.lockedAssignment(txn, orgID, assignmentID)
	if err != nil {
		return err
	}
	if existing.Status != structs.AssignmentStatusScheduled {
		return structs.ErrStateChanged
	}

	a := existing.Copy()
	a.Status = structs.AssignmentStatusCancelled
	a.CancelledAt = &now
	a.CancelType = cancelType
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
		Action:         structs.AuditActionCancel,
		UserID:         a.UserID,
		ActorType:      actorType,
		ActorID:        actorID,
		Detail: map[string]string{
			structs.AuditDetailCancelType: cancelType,
			structs.AuditDetailRouteID:    a.RouteID,
			structs.AuditDetailShiftDate:  a.ShiftDate,
		},
	})
	if err != nil {
		return err
	}

	if err := recomputeDriverMetricsTxn(txn, index, a.UserID); err != nil {
		return err
	}
	return txn.Commit()
}

// AutoDropAssignment converts a stale unconfirmed assignment to a
// cancelled auto-drop. A driver who confirmed since the sweep selected the
// row wins the race and the drop reports ErrStateChanged.
func (s *StateStore) AutoDropAssignment(index uint64, orgID, assignmentID string, now time.Time) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	existing, err := s.lockedAssignment(txn, orgID, assignmentID)
	if err != nil {
		return err
	}
	if existing.Status != structs.AssignmentStatusScheduled || existing.Confirmed() {
		return structs.ErrStateChanged
	}

	a := existing.Copy()
	a.Status = structs.AssignmentStatusCancelled
	a.CancelledAt = &now
	a.CancelType = structs.CancelTypeAutoDrop
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
		Action:         structs.AuditActionAutoDrop,
		UserID:         a.UserID,
		ActorType:      structs.ActorTypeSystem,
		ActorID:        structs.ActorSystem,
		Detail: map[string]string{
			structs.AuditDetailRouteID:   a.RouteID,
			structs.AuditDetailShiftDate: a.ShiftDate,
		},
	})
	if err != nil {
		return err
	}

	if err := recomputeDriverMetricsTxn(txn, index, a.UserID); err != nil {
		return err
	}
	return txn.Commit()
}

// RecordNoShow handles one no-show in a single transaction: it vacates the
// slot behind the prepared emergency window, hard-stops the driver's health
// state and rebuilds their metrics. The open-window uniqueness guard makes
// the sweep re-runnable; a second call for the same assignment loses with a
// UniqueViolationError and changes nothing.
func (s *StateStore) RecordNoShow(index uint64, orgID, assignmentID string, window *structs.BidWindow, now time.Time) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	existing, err := s.lockedAssignment(txn, orgID, assignmentID)
	if err != nil {
		return err
	}
	if existing.Status != structs.AssignmentStatusScheduled || !existing.Confirmed() {
		return structs.ErrStateChanged
	}

	shiftRaw, err := txn.First(TableShifts, indexID, existing.ID)
	if err != nil {
		return fmt.Errorf("shift lookup failed: %v", err)
	}
	if shiftRaw != nil && shiftRaw.(*structs.Shift).ArrivedAt != nil {
		return structs.ErrStateChanged
	}

	driverID := existing.UserID

	err = appendAuditTxn(txn, index, &structs.AuditLog{
		OrganizationID: existing.OrganizationID,
		EntityType:     structs.AuditEntityAssignment,
		EntityID:       existing.ID,
		Action:         structs.AuditActionNoShowDetected,
		UserID:         driverID,
		ActorType:      structs.ActorTypeSystem,
		ActorID:        structs.ActorSystem,
		Detail: map[string]string{
			structs.AuditDetailRouteID:   existing.RouteID,
			structs.AuditDetailShiftDate: existing.ShiftDate,
		},
	})
	if err != nil {
		return err
	}

	if err := createBidWindowTxn(txn, index, window, structs.ActorTypeSystem, structs.ActorSystem, now); err != nil {
		return err
	}
	if err := applyHardStopTxn(txn, index, existing.OrganizationID, driverID, structs.HardStopReasonNoShow, now); err != nil {
		return err
	}
	if err := recomputeDriverMetricsTxn(txn, index, driverID); err != nil {
		return err
	}
	return txn.Commit()
}

// ArriveShift records the driver checking in at the warehouse and activates
// the assignment. The execution record is created here; it advances only
// forward from this point.
func (s *StateStore) ArriveShift(index uint64, orgID, assignmentID string, now time.Time) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	existing, err := s.lockedAssignment(txn, orgID, assignmentID)
	if err != nil {
		return err
	}
	if existing.Status != structs.AssignmentStatusScheduled || !existing.Confirmed() {
		return structs.ErrStateChanged
	}

	shiftRaw, err := txn.First(TableShifts, indexID, existing.ID)
	if err != nil {
		return fmt.Errorf("shift lookup failed: %v", err)
	}
	if shiftRaw != nil && shiftRaw.(*structs.Shift).ArrivedAt != nil {
		return structs.ErrStateChanged
	}

	shift := &structs.Shift{
		AssignmentID:   existing.ID,
		OrganizationID: existing.OrganizationID,
		UserID:         existing.UserID,
		ArrivedAt:      &now,
		CreateIndex:    index,
		ModifyIndex:    index,
	}
	if err := txn.Insert(TableShifts, shift); err != nil {
		return fmt.Errorf("shift insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableShifts, index); err != nil {
		return err
	}

	a := existing.Copy()
	a.Status = structs.AssignmentStatusActive
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
		Action:         structs.AuditActionArrive,
		UserID:         a.UserID,
		ActorType:      structs.ActorTypeUser,
		ActorID:        a.UserID,
		Detail: map[string]string{
			structs.AuditDetailRouteID:   a.RouteID,
			structs.AuditDetailShiftDate: a.ShiftDate,
		},
	})
	if err != nil {
		return err
	}
	return txn.Commit()
}

// StartShift records the load count and the route getting under way.
func (s *StateStore) StartShift(index uint64, orgID, assignmentID string, parcelsStart int, now time.Time) error {
	if parcelsStart < 0 {
		return fmt.Errorf("parcel count must not be negative, got %d", parcelsStart)
	}

	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	existing, err := s.lockedAssignment(txn, orgID, assignmentID)
	if err != nil {
		return err
	}
	if existing.Status != structs.AssignmentStatusActive {
		return structs.ErrStateChanged
	}

	shiftRaw, err := txn.First(TableShifts, indexID, existing.ID)
	if err != nil {
		return fmt.Errorf("shift lookup failed: %v", err)
	}
	if shiftRaw == nil {
		return structs.ErrStateChanged
	}
	shift := shiftRaw.(*structs.Shift)
	if shift.Progress() != structs.ShiftProgressArrived {
		return structs.ErrStateChanged
	}

	updated := shift.Copy()
	updated.StartedAt = &now
	updated.ParcelsStart = parcelsStart
	updated.ModifyIndex = index
	if err := txn.Insert(TableShifts, updated); err != nil {
		return fmt.Errorf("shift insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableShifts, index); err != nil {
		return err
	}

	err = appendAuditTxn(txn, index, &structs.AuditLog{
		OrganizationID: existing.OrganizationID,
		EntityType:     structs.AuditEntityAssignment,
		EntityID:       existing.ID,
		Action:         structs.AuditActionStart,
		UserID:         existing.UserID,
		ActorType:      structs.ActorTypeUser,
		ActorID:        existing.UserID,
		Detail: map[string]string{
			"parcels_start":              strconv.Itoa(parcelsStart),
			structs.AuditDetailRouteID:   existing.RouteID,
			structs.AuditDetailShiftDate: existing.ShiftDate,
		},
	})
	if err != nil {
		return err
	}
	return txn.Commit()
}

// CompleteShift records the route outcome, completes the assignment, bumps
// the driver's route familiarity and rebuilds their metrics, all in one
// transaction.
func (s *StateStore) CompleteShift(index uint64, orgID, assignmentID string, delivered, returned, excepted int, notes string, now time.Time) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	existing, err := s.lockedAssignment(txn, orgID, assignmentID)
	if err != nil {
		return err
	}
	if existing.Status != structs.AssignmentStatusActive {
		return structs.ErrStateChanged
	}

	shiftRaw, err := txn.First(TableShifts, indexID, existing.ID)
	if err != nil {
		return fmt.Errorf("shift lookup failed: %v", err)
	}
	if shiftRaw == nil {
		return structs.ErrStateChanged
	}
	shift := shiftRaw.(*structs.Shift)
	if shift.Progress() != structs.ShiftProgressStarted {
		return structs.ErrStateChanged
	}

	updated := shift.Copy()
	updated.CompletedAt = &now
	updated.ParcelsDelivered = delivered
	updated.ParcelsReturned = returned
	updated.ExceptedReturns = excepted
	updated.ExceptionNotes = notes
	updated.ModifyIndex = index
	if err := updated.Validate(); err != nil {
		return fmt.Errorf("invalid shift outcome: %v", err)
	}
	if err := txn.Insert(TableShifts, updated); err != nil {
		return fmt.Errorf("shift insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableShifts, index); err != nil {
		return err
	}

	a := existing.Copy()
	a.Status = structs.AssignmentStatusCompleted
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
		Action:         structs.AuditActionComplete,
		UserID:         a.UserID,
		ActorType:      structs.ActorTypeUser,
		ActorID:        a.UserID,
		Detail: map[string]string{
			structs.AuditDetailDeliveryRatio: strconv.FormatFloat(updated.DeliveryRatio(), 'f', 4, 64),
			structs.AuditDetailRouteID:       a.RouteID,
			structs.AuditDetailShiftDate:     a.ShiftDate,
		},
	})
	if err != nil {
		return err
	}

	if err := incrementRouteCompletionTxn(txn, index, a.OrganizationID, a.UserID, a.RouteID, now); err != nil {
		return err
	}
	if err := recomputeDriverMetricsTxn(txn, index, a.UserID); err != nil {
		return err
	}
	return txn.Commit()
}

// CorrectShiftReturns is the manager's corrective edit of a completed
// shift's excepted returns. Everything downstream of the delivery ratio is
// rebuilt in the same transaction.
func (s *StateStore) CorrectShiftReturns(index uint64, orgID, assignmentID string, excepted int, notes, actorID string) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	existing, err := s.lockedAssignment(txn, orgID, assignmentID)
	if err != nil {
		return err
	}
	if existing.Status != structs.AssignmentStatusCompleted {
		return structs.ErrStateChanged
	}

	shiftRaw, err := txn.First(TableShifts, indexID, existing.ID)
	if err != nil {
		return fmt.Errorf("shift lookup failed: %v", err)
	}
	if shiftRaw == nil {
		return structs.ErrStateChanged
	}

	updated := shiftRaw.(*structs.Shift).Copy()
	updated.ExceptedReturns = excepted
	updated.ExceptionNotes = notes
	updated.ModifyIndex = index
	if err := updated.Validate(); err != nil {
		return fmt.Errorf("invalid shift correction: %v", err)
	}
	if err := txn.Insert(TableShifts, updated); err != nil {
		return fmt.Errorf("shift insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableShifts, index); err != nil {
		return err
	}

	err = appendAuditTxn(txn, index, &structs.AuditLog{
		OrganizationID: existing.OrganizationID,
		EntityType:     structs.AuditEntityAssignment,
		EntityID:       existing.ID,
		Action:         structs.AuditActionCorrectShift,
		UserID:         existing.UserID,
		ActorType:      structs.ActorTypeUser,
		ActorID:        actorID,
		Detail: map[string]string{
			structs.AuditDetailDeliveryRatio: strconv.FormatFloat(updated.DeliveryRatio(), 'f', 4, 64),
		},
	})
	if err != nil {
		return err
	}

	if err := recomputeDriverMetricsTxn(txn, index, existing.UserID); err != nil {
		return err
	}
	return txn.Commit()
}

// ShiftByAssignment returns the execution record of an assignment, or nil
// when the driver has not arrived.
func (s *StateStore) ShiftByAssignment(ws memdb.WatchSet, assignmentID string) (*structs.Shift, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableShifts, indexID, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("shift lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Shift), nil
	}
	return nil, nil
}

// ShiftsByUser returns an iterator over a driver's execution records.
func (s *StateStore) ShiftsByUser(ws memdb.WatchSet, userID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableShifts, indexUser, userID)
	if err != nil {
		return nil, fmt.Errorf("shift lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// lockedAssignment loads an assignment for update inside a write
// transaction, enforcing the tenant boundary.
func (s *StateStore) lockedAssignment(txn *txn, orgID, assignmentID string) (*structs.Assignment, error) {
	raw, err := txn.First(TableAssignments, indexID, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("assignment lookup failed: %v", err)
	}
	if raw == nil {
		return nil, structs.NewErrUnknownAssignment(assignmentID)
	}

	a := raw.(*structs.Assignment)
	if orgID != "" && a.OrganizationID != orgID {
		return nil, structs.ErrPermissionDenied
	}
	return a, nil
}
