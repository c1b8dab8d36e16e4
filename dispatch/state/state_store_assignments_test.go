// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"testing"
	"time"

	"github.com/parcelworks/dispatch/ci"
	"github.com/parcelworks/dispatch/dispatch/mock"
	"github.com/parcelworks/dispatch/dispatch/structs"
	"github.com/shoenig/test/must"
)

func TestStateStore_UpsertAssignments(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	_, route, driver := seedTenant(t, store)

	a1 := mock.Assignment(route, driver.ID, "2026-08-24")
	a2 := mock.UnfilledAssignment(route, "2026-08-25")
	must.NoError(t, store.UpsertAssignments(1000, []*structs.Assignment{a1, a2}))

	out, err := store.AssignmentByID(nil, a1.ID)
	must.NoError(t, err)
	must.NotNil(t, out)
	must.Eq(t, structs.AssignmentStatusScheduled, out.Status)
	must.Eq(t, uint64(1000), out.CreateIndex)
	must.Eq(t, uint64(1000), out.ModifyIndex)

	// Every new row gets a creation audit record.
	log := singleAudit(t, store, structs.AuditEntityAssignment, a1.ID, structs.AuditActionCreate)
	must.Eq(t, driver.ID, log.UserID)
	must.Eq(t, "2026-08-24", log.Detail[structs.AuditDetailShiftDate])

	iter, err := store.AssignmentsByOrganizationDate(nil, route.OrganizationID, "2026-08-25")
	must.NoError(t, err)
	var dates []string
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		dates = append(dates, raw.(*structs.Assignment).ShiftDate)
	}
	must.Eq(t, []string{"2026-08-25"}, dates)

	// Rewriting a row is not a second creation.
	again := out.Copy()
	must.NoError(t, store.UpsertAssignment(1001, again))
	logs := entityAudit(t, store, structs.AuditEntityAssignment, a1.ID)
	must.Len(t, 1, logs[structs.AuditActionCreate])
}

func TestStateStore_UpsertAssignment_SlotConflict(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	_, route, driver := seedTenant(t, store)

	first := mock.Assignment(route, driver.ID, "2026-08-24")
	must.NoError(t, store.UpsertAssignment(1000, first))

	route2 := mock.Route(&structs.Warehouse{ID: route.WarehouseID, OrganizationID: route.OrganizationID})
	second := mock.Assignment(route2, driver.ID, "2026-08-24")
	err := store.UpsertAssignment(1001, second)
	constraint, ok := structs.IsUniqueViolation(err)
	must.True(t, ok)
	must.Eq(t, structs.ConstraintActiveUserDate, constraint)

	// A cancelled row releases the slot.
	must.NoError(t, store.CancelAssignment(1002, route.OrganizationID, first.ID,
		structs.CancelTypeEarly, time.Now().UTC(), structs.ActorTypeUser, driver.ID))
	must.NoError(t, store.UpsertAssignment(1003, second))
}

func TestStateStore_UpsertAssignment_TenantBoundary(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	_, route, driver := seedTenant(t, store)

	a := mock.Assignment(route, driver.ID, "2026-08-24")
	must.NoError(t, store.UpsertAssignment(1000, a))

	moved := a.Copy()
	moved.OrganizationID = "other-org"
	err := store.UpsertAssignment(1001, moved)
	must.ErrorIs(t, err, structs.ErrPermissionDenied)
}

func TestStateStore_UserWeeklyAssignmentCount(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	_, route, driver := seedTenant(t, store)

	// Monday 2026-08-24 anchors the week.
	for i, date := range []string{"2026-08-24", "2026-08-26", "2026-08-29"} {
		a := mock.Assignment(route, driver.ID, date)
		must.NoError(t, store.UpsertAssignment(uint64(1000+i), a))
	}

	// A cancelled shift and a next-week shift do not count.
	dropped := mock.Assignment(route, driver.ID, "2026-08-27")
	must.NoError(t, store.UpsertAssignment(1003, dropped))
	must.NoError(t, store.CancelAssignment(1004, route.OrganizationID, dropped.ID,
		structs.CancelTypeEarly, time.Now().UTC(), structs.ActorTypeUser, driver.ID))

	nextWeek := mock.Assignment(route, driver.ID, "2026-08-31")
	must.NoError(t, store.UpsertAssignment(1005, nextWeek))

	count, err := store.UserWeeklyAssignmentCount(driver.ID, "2026-08-24")
	must.NoError(t, err)
	must.Eq(t, 3, count)
}

func TestStateStore_ConfirmAssignment(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	org, route, driver := seedTenant(t, store)

	a := mock.Assignment(route, driver.ID, "2026-08-24")
	must.NoError(t, store.UpsertAssignment(1000, a))

	now := time.Date(2026, 8, 20, 15, 0, 0, 0, time.UTC)
	must.NoError(t, store.ConfirmAssignment(1001, org.ID, a.ID, now))

	out, err := store.AssignmentByID(nil, a.ID)
	must.NoError(t, err)
	must.True(t, out.Confirmed())
	must.Eq(t, now, *out.ConfirmedAt)

	log := singleAudit(t, store, structs.AuditEntityAssignment, a.ID, structs.AuditActionConfirm)
	must.Eq(t, driver.ID, log.ActorID)
	must.Eq(t, structs.ActorTypeUser, log.ActorType)

	metrics, err := store.DriverMetricsByUser(nil, driver.ID)
	must.NoError(t, err)
	must.Eq(t, 1, metrics.ConfirmedShifts)

	// Confirming twice reports the state change.
	err = store.ConfirmAssignment(1002, org.ID, a.ID, now)
	must.ErrorIs(t, err, structs.ErrStateChanged)

	err = store.ConfirmAssignment(1003, org.ID, "does-not-exist", now)
	must.True(t, structs.IsErrUnknown(err))

	err = store.ConfirmAssignment(1004, "other-org", a.ID, now)
	must.ErrorIs(t, err, structs.ErrPermissionDenied)
}

func TestStateStore_CancelAssignment(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	org, route, driver := seedTenant(t, store)

	a := mock.Assignment(route, driver.ID, "2026-08-24")
	must.NoError(t, store.UpsertAssignment(1000, a))

	err := store.CancelAssignment(1001, org.ID, a.ID, "whenever", time.Now().UTC(),
		structs.ActorTypeUser, driver.ID)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "invalid cancel type")

	now := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	must.NoError(t, store.CancelAssignment(1002, org.ID, a.ID, structs.CancelTypeLate, now,
		structs.ActorTypeUser, driver.ID))

	out, err := store.AssignmentByID(nil, a.ID)
	must.NoError(t, err)
	must.Eq(t, structs.AssignmentStatusCancelled, out.Status)
	must.Eq(t, structs.CancelTypeLate, out.CancelType)
	must.NotNil(t, out.CancelledAt)

	log := singleAudit(t, store, structs.AuditEntityAssignment, a.ID, structs.AuditActionCancel)
	must.Eq(t, structs.CancelTypeLate, log.Detail[structs.AuditDetailCancelType])

	// A late cancel counts as a missed shift.
	metrics, err := store.DriverMetricsByUser(nil, driver.ID)
	must.NoError(t, err)
	must.Eq(t, 1, metrics.TotalShifts)
	must.Eq(t, 0, metrics.CompletedShifts)
	must.Eq(t, float64(0), metrics.AttendanceRate)

	// Cancelling a cancelled assignment reports the state change.
	err = store.CancelAssignment(1003, org.ID, a.ID, structs.CancelTypeEarly, now,
		structs.ActorTypeUser, driver.ID)
	must.ErrorIs(t, err, structs.ErrStateChanged)
}

func TestStateStore_AutoDropAssignment(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	org, route, driver := seedTenant(t, store)

	a := mock.Assignment(route, driver.ID, "2026-08-24")
	must.NoError(t, store.UpsertAssignment(1000, a))

	now := time.Date(2026, 8, 22, 7, 5, 0, 0, time.UTC)
	must.NoError(t, store.AutoDropAssignment(1001, org.ID, a.ID, now))

	out, err := store.AssignmentByID(nil, a.ID)
	must.NoError(t, err)
	must.Eq(t, structs.AssignmentStatusCancelled, out.Status)
	must.Eq(t, structs.CancelTypeAutoDrop, out.CancelType)

	log := singleAudit(t, store, structs.AuditEntityAssignment, a.ID, structs.AuditActionAutoDrop)
	must.Eq(t, structs.ActorSystem, log.ActorID)

	metrics, err := store.DriverMetricsByUser(nil, driver.ID)
	must.NoError(t, err)
	must.Eq(t, 1, metrics.TotalShifts)

	// A driver who confirmed since the sweep selected the row wins the race.
	b := mock.Assignment(route, driver.ID, "2026-08-25")
	must.NoError(t, store.UpsertAssignment(1002, b))
	must.NoError(t, store.ConfirmAssignment(1003, org.ID, b.ID, now))
	err = store.AutoDropAssignment(1004, org.ID, b.ID, now)
	must.ErrorIs(t, err, structs.ErrStateChanged)
}

func TestStateStore_ShiftLifecycle(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	org, route, driver := seedTenant(t, store)

	a := mock.Assignment(route, driver.ID, "2026-08-24")
	must.NoError(t, store.UpsertAssignment(1000, a))

	confirmAt := time.Date(2026, 8, 22, 18, 0, 0, 0, time.UTC)
	must.NoError(t, store.ConfirmAssignment(1001, org.ID, a.ID, confirmAt))

	arriveAt := time.Date(2026, 8, 24, 11, 45, 0, 0, time.UTC)
	must.NoError(t, store.ArriveShift(1002, org.ID, a.ID, arriveAt))

	out, err := store.AssignmentByID(nil, a.ID)
	must.NoError(t, err)
	must.Eq(t, structs.AssignmentStatusActive, out.Status)

	shift, err := store.ShiftByAssignment(nil, a.ID)
	must.NoError(t, err)
	must.NotNil(t, shift)
	must.Eq(t, structs.ShiftProgressArrived, shift.Progress())
	must.Eq(t, driver.ID, shift.UserID)

	startAt := arriveAt.Add(30 * time.Minute)
	must.NoError(t, store.StartShift(1003, org.ID, a.ID, 80, startAt))

	shift, err = store.ShiftByAssignment(nil, a.ID)
	must.NoError(t, err)
	must.Eq(t, structs.ShiftProgressStarted, shift.Progress())
	must.Eq(t, 80, shift.ParcelsStart)

	doneAt := startAt.Add(8 * time.Hour)
	must.NoError(t, store.CompleteShift(1004, org.ID, a.ID, 75, 5, 2, "two refused at door", doneAt))

	out, err = store.AssignmentByID(nil, a.ID)
	must.NoError(t, err)
	must.Eq(t, structs.AssignmentStatusCompleted, out.Status)

	shift, err = store.ShiftByAssignment(nil, a.ID)
	must.NoError(t, err)
	must.Eq(t, structs.ShiftProgressCompleted, shift.Progress())
	must.Eq(t, 0.9625, shift.DeliveryRatio())

	log := singleAudit(t, store, structs.AuditEntityAssignment, a.ID, structs.AuditActionComplete)
	must.Eq(t, "0.9625", log.Detail[structs.AuditDetailDeliveryRatio])

	// Completion feeds familiarity and the reliability rollup.
	rc, err := store.RouteCompletionByUserRoute(nil, driver.ID, route.ID)
	must.NoError(t, err)
	must.NotNil(t, rc)
	must.Eq(t, 1, rc.CompletionCount)

	metrics, err := store.DriverMetricsByUser(nil, driver.ID)
	must.NoError(t, err)
	must.Eq(t, 1, metrics.TotalShifts)
	must.Eq(t, 1, metrics.CompletedShifts)
	must.Eq(t, float64(1), metrics.AttendanceRate)
	must.Eq(t, 0.9625, metrics.CompletionRate)
	must.Eq(t, float64(75), metrics.AvgParcelsDelivered)
}

func TestStateStore_ArriveShift_Guards(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	org, route, driver := seedTenant(t, store)
	now := time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)

	// Arrival requires a confirmed slot.
	a := mock.Assignment(route, driver.ID, "2026-08-24")
	must.NoError(t, store.UpsertAssignment(1000, a))
	err := store.ArriveShift(1001, org.ID, a.ID, now)
	must.ErrorIs(t, err, structs.ErrStateChanged)

	must.NoError(t, store.ConfirmAssignment(1002, org.ID, a.ID, now))
	must.NoError(t, store.ArriveShift(1003, org.ID, a.ID, now))

	// A second arrival is refused even though the memdb row is rebuilt.
	err = store.ArriveShift(1004, org.ID, a.ID, now)
	must.ErrorIs(t, err, structs.ErrStateChanged)
}

func TestStateStore_StartShift_Guards(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	org, route, driver := seedTenant(t, store)
	now := time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)

	a := mock.Assignment(route, driver.ID, "2026-08-24")
	must.NoError(t, store.UpsertAssignment(1000, a))
	must.NoError(t, store.ConfirmAssignment(1001, org.ID, a.ID, now))

	err := store.StartShift(1002, org.ID, a.ID, -1, now)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "must not be negative")

	// Starting before arrival is refused.
	err = store.StartShift(1003, org.ID, a.ID, 80, now)
	must.ErrorIs(t, err, structs.ErrStateChanged)

	must.NoError(t, store.ArriveShift(1004, org.ID, a.ID, now))
	must.NoError(t, store.StartShift(1005, org.ID, a.ID, 80, now))

	err = store.StartShift(1006, org.ID, a.ID, 80, now)
	must.ErrorIs(t, err, structs.ErrStateChanged)
}

func TestStateStore_CompleteShift_InvalidOutcome(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	org, route, driver := seedTenant(t, store)
	now := time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)

	a := mock.Assignment(route, driver.ID, "2026-08-24")
	must.NoError(t, store.UpsertAssignment(1000, a))
	must.NoError(t, store.ConfirmAssignment(1001, org.ID, a.ID, now))
	must.NoError(t, store.ArriveShift(1002, org.ID, a.ID, now))
	must.NoError(t, store.StartShift(1003, org.ID, a.ID, 50, now))

	// More returns than the starting load cannot be recorded.
	err := store.CompleteShift(1004, org.ID, a.ID, 10, 60, 0, "", now)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "invalid shift outcome")

	// The failed write left the shift startable.
	shift, err := store.ShiftByAssignment(nil, a.ID)
	must.NoError(t, err)
	must.Eq(t, structs.ShiftProgressStarted, shift.Progress())
}

func TestStateStore_CorrectShiftReturns(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	org, route, driver := seedTenant(t, store)
	manager := mock.Manager(org.ID)
	must.NoError(t, store.UpsertUser(999, manager))

	now := time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)
	a := mock.Assignment(route, driver.ID, "2026-08-24")
	must.NoError(t, store.UpsertAssignment(1000, a))
	must.NoError(t, store.ConfirmAssignment(1001, org.ID, a.ID, now))

	// Correction only applies to completed shifts.
	err := store.CorrectShiftReturns(1002, org.ID, a.ID, 3, "", manager.ID)
	must.ErrorIs(t, err, structs.ErrStateChanged)

	must.NoError(t, store.ArriveShift(1003, org.ID, a.ID, now))
	must.NoError(t, store.StartShift(1004, org.ID, a.ID, 100, now))
	must.NoError(t, store.CompleteShift(1005, org.ID, a.ID, 90, 10, 0, "", now))

	metrics, err := store.DriverMetricsByUser(nil, driver.ID)
	must.NoError(t, err)
	must.Eq(t, 0.9, metrics.CompletionRate)

	must.NoError(t, store.CorrectShiftReturns(1006, org.ID, a.ID, 10, "weather exception", manager.ID))

	shift, err := store.ShiftByAssignment(nil, a.ID)
	must.NoError(t, err)
	must.Eq(t, 10, shift.ExceptedReturns)
	must.Eq(t, float64(1), shift.DeliveryRatio())

	// The rollup rebuilds off the corrected ratio in the same transaction.
	metrics, err = store.DriverMetricsByUser(nil, driver.ID)
	must.NoError(t, err)
	must.Eq(t, float64(1), metrics.CompletionRate)

	log := singleAudit(t, store, structs.AuditEntityAssignment, a.ID, structs.AuditActionCorrectShift)
	must.Eq(t, manager.ID, log.ActorID)
	must.Eq(t, "1.0000", log.Detail[structs.AuditDetailDeliveryRatio])
}

func TestStateStore_RecordNoShow(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	org, route, driver := seedTenant(t, store)

	a := mock.Assignment(route, driver.ID, "2026-08-24")
	must.NoError(t, store.UpsertAssignment(1000, a))

	now := time.Date(2026, 8, 24, 13, 10, 0, 0, time.UTC)

	// The sweep only fires on confirmed slots; an unconfirmed one belongs to
	// the auto-drop path.
	window := func() *structs.BidWindow {
		return &structs.BidWindow{
			AssignmentID: a.ID,
			Mode:         structs.BidWindowModeEmergency,
			Trigger:      structs.WindowTriggerNoShow,
			OpensAt:      now,
			ClosesAt:     now.Add(4 * time.Hour),
			BonusPercent: 20,
		}
	}
	err := store.RecordNoShow(1001, org.ID, a.ID, window(), now)
	must.ErrorIs(t, err, structs.ErrStateChanged)

	must.NoError(t, store.ConfirmAssignment(1002, org.ID, a.ID, now.Add(-40*time.Hour)))
	must.NoError(t, store.RecordNoShow(1003, org.ID, a.ID, window(), now))

	// The slot is vacated and back on the market.
	out, err := store.AssignmentByID(nil, a.ID)
	must.NoError(t, err)
	must.Eq(t, structs.AssignmentStatusUnfilled, out.Status)
	must.Eq(t, "", out.UserID)
	must.Nil(t, out.ConfirmedAt)

	w, err := store.OpenBidWindowForAssignment(nil, a.ID)
	must.NoError(t, err)
	must.NotNil(t, w)
	must.Eq(t, structs.BidWindowModeEmergency, w.Mode)
	must.Eq(t, route.ID, w.RouteID)

	// The no-show belongs to the vacated driver even though the row is clean.
	log := singleAudit(t, store, structs.AuditEntityAssignment, a.ID, structs.AuditActionNoShowDetected)
	must.Eq(t, driver.ID, log.UserID)

	health, err := store.HealthStateByUser(nil, driver.ID)
	must.NoError(t, err)
	must.NotNil(t, health)
	must.False(t, health.PoolEligible)
	must.True(t, health.RequiresManagerIntervention)
	must.Eq(t, 0, health.Score)

	metrics, err := store.DriverMetricsByUser(nil, driver.ID)
	must.NoError(t, err)
	must.Eq(t, 1, metrics.NoShows)

	// Re-running the sweep loses against the open-window guard.
	err = store.RecordNoShow(1004, org.ID, a.ID, window(), now)
	constraint, ok := structs.IsUniqueViolation(err)
	must.True(t, ok)
	must.Eq(t, structs.ConstraintOpenWindowPerAssignment, constraint)
}

func TestStateStore_RecordNoShow_ArrivedDriver(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	org, route, driver := seedTenant(t, store)
	now := time.Date(2026, 8, 24, 13, 10, 0, 0, time.UTC)

	a := mock.Assignment(route, driver.ID, "2026-08-24")
	must.NoError(t, store.UpsertAssignment(1000, a))
	must.NoError(t, store.ConfirmAssignment(1001, org.ID, a.ID, now.Add(-40*time.Hour)))
	must.NoError(t, store.ArriveShift(1002, org.ID, a.ID, now.Add(-time.Hour)))

	window := &structs.BidWindow{
		AssignmentID: a.ID,
		Mode:         structs.BidWindowModeEmergency,
		Trigger:      structs.WindowTriggerNoShow,
		OpensAt:      now,
		ClosesAt:     now.Add(4 * time.Hour),
		BonusPercent: 20,
	}
	err := store.RecordNoShow(1003, org.ID, a.ID, window, now)
	must.ErrorIs(t, err, structs.ErrStateChanged)
}
