// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"testing"
	"time"

	"github.com/parcelworks/dispatch/ci"
	"github.com/shoenig/test/must"
)

func testAssignment() *Assignment {
	return &Assignment{
		ID:             "a7f2e1d0-9f41-8a36-5c2b-d1e0f9a8b7c6",
		OrganizationID: "org-1",
		WarehouseID:    "wh-1",
		RouteID:        "route-1",
		UserID:         "user-1",
		ShiftDate:      "2026-08-28",
		Status:         AssignmentStatusScheduled,
		AssignedBy:     AssignedByAlgorithm,
	}
}

func TestAssignment_Validate(t *testing.T) {
	ci.Parallel(t)

	must.NoError(t, testAssignment().Validate())

	a := testAssignment()
	a.Status = "parked"
	must.Error(t, a.Validate())

	a = testAssignment()
	a.UserID = ""
	must.Error(t, a.Validate())

	a = testAssignment()
	a.Status = AssignmentStatusUnfilled
	a.AssignedBy = ""
	must.Error(t, a.Validate()) // unfilled must not carry a user
	a.UserID = ""
	must.NoError(t, a.Validate())

	a = testAssignment()
	a.ShiftDate = "28/08/2026"
	must.Error(t, a.Validate())

	a = testAssignment()
	a.CancelType = CancelTypeLate
	must.Error(t, a.Validate()) // cancel type without cancelled time
	now := time.Now()
	a.CancelledAt = &now
	a.Status = AssignmentStatusCancelled
	must.NoError(t, a.Validate())
}

func TestAssignment_Live(t *testing.T) {
	ci.Parallel(t)

	a := testAssignment()
	must.True(t, a.Live())
	a.Status = AssignmentStatusActive
	must.True(t, a.Live())
	a.Status = AssignmentStatusCompleted
	must.False(t, a.Live())
	must.True(t, a.TerminalStatus())
	a.Status = AssignmentStatusCancelled
	must.False(t, a.Live())
	a.Status = AssignmentStatusUnfilled
	must.False(t, a.Live())
}

func TestAssignment_OccupiesSlot(t *testing.T) {
	ci.Parallel(t)

	a := testAssignment()
	must.True(t, a.OccupiesSlot())
	a.Status = AssignmentStatusActive
	must.True(t, a.OccupiesSlot())

	// A completed assignment still holds the slot: one shift per driver
	// per date.
	a.Status = AssignmentStatusCompleted
	must.True(t, a.OccupiesSlot())

	a.Status = AssignmentStatusCancelled
	must.False(t, a.OccupiesSlot())

	a.Status = AssignmentStatusUnfilled
	a.UserID = ""
	must.False(t, a.OccupiesSlot())
}

func TestAssignment_Copy(t *testing.T) {
	ci.Parallel(t)

	a := testAssignment()
	now := time.Now()
	a.ConfirmedAt = &now

	c := a.Copy()
	must.Eq(t, a, c)

	*c.ConfirmedAt = now.Add(time.Hour)
	must.NotEq(t, a.ConfirmedAt, c.ConfirmedAt)
}

func TestShift_Progress(t *testing.T) {
	ci.Parallel(t)

	now := time.Now()

	var s *Shift
	must.Eq(t, ShiftProgressPending, s.Progress())

	s = &Shift{AssignmentID: "a1"}
	must.Eq(t, ShiftProgressPending, s.Progress())

	s.ArrivedAt = &now
	must.Eq(t, ShiftProgressArrived, s.Progress())

	s.StartedAt = &now
	must.Eq(t, ShiftProgressStarted, s.Progress())

	s.CompletedAt = &now
	must.Eq(t, ShiftProgressCompleted, s.Progress())
}

func TestShift_DeliveryRatio(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name  string
		shift *Shift
		want  float64
	}{
		{"nil shift", nil, 1},
		{"nothing due", &Shift{}, 1},
		{"full delivery", &Shift{ParcelsStart: 100, ParcelsDelivered: 100}, 1},
		{"partial", &Shift{ParcelsStart: 100, ParcelsDelivered: 95, ParcelsReturned: 5}, 0.95},
		{
			// Excepted returns shrink the denominator instead of counting
			// against the driver.
			"excepted returns",
			&Shift{ParcelsStart: 100, ParcelsDelivered: 95, ParcelsReturned: 5, ExceptedReturns: 5},
			1,
		},
		{"all excepted", &Shift{ParcelsStart: 5, ParcelsReturned: 5, ExceptedReturns: 5}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			must.Eq(t, tc.want, tc.shift.DeliveryRatio())
		})
	}
}

func TestShift_Validate(t *testing.T) {
	ci.Parallel(t)

	now := time.Now()

	s := &Shift{
		AssignmentID:   "a1",
		OrganizationID: "org-1",
		UserID:         "user-1",
		ArrivedAt:      &now,
	}
	must.NoError(t, s.Validate())

	s.StartedAt = &now
	s.ArrivedAt = nil
	must.Error(t, s.Validate()) // started without arrival

	s.ArrivedAt = &now
	s.CompletedAt = &now
	s.StartedAt = nil
	must.Error(t, s.Validate()) // completed without start

	s.StartedAt = &now
	s.ParcelsReturned = 2
	s.ExceptedReturns = 3
	must.Error(t, s.Validate()) // excepted exceeds returned
}

func testActionContext(z *TenantZone, t *testing.T, date string) ActionContext {
	t.Helper()

	p := DefaultDispatchPolicy()
	opens, err := p.ConfirmationOpensAt(z, date)
	must.NoError(t, err)
	deadline, err := p.ConfirmationDeadline(z, date)
	must.NoError(t, err)
	dayStart, err := z.LocalDateTime(date, 0, 0)
	must.NoError(t, err)
	end, err := z.EndOfDay(date)
	must.NoError(t, err)
	arrival, err := p.ArrivalDeadline(z, date, nil)
	must.NoError(t, err)

	return ActionContext{
		ConfirmationOpensAt:  opens,
		ConfirmationDeadline: deadline,
		ShiftDayStart:        dayStart,
		ShiftDayEnd:          end,
		ArrivalDeadline:      arrival,
	}
}

func TestAllowedActions(t *testing.T) {
	ci.Parallel(t)

	z, err := LoadTenantZone(DefaultTimeZone)
	must.NoError(t, err)

	const date = "2026-08-28"
	actx := testActionContext(z, t, date)
	confirmed := time.Now()

	cases := []struct {
		name   string
		mutate func(*Assignment)
		shift  *Shift
		now    time.Time
		want   []string
	}{
		{
			name: "before window opens only cancel",
			now:  actx.ConfirmationOpensAt.Add(-time.Hour),
			want: []string{ActionCancel},
		},
		{
			name: "window open and unconfirmed",
			now:  actx.ConfirmationOpensAt.Add(time.Hour),
			want: []string{ActionConfirm, ActionCancel},
		},
		{
			name:   "window open but already confirmed",
			mutate: func(a *Assignment) { a.ConfirmedAt = &confirmed },
			now:    actx.ConfirmationOpensAt.Add(time.Hour),
			want:   []string{ActionCancel},
		},
		{
			name: "past deadline unconfirmed",
			now:  actx.ConfirmationDeadline.Add(time.Minute),
			want: []string{ActionCancel},
		},
		{
			// Cancellation closes at midnight of the shift date; arrival
			// opens then for confirmed drivers.
			name:   "shift morning confirmed",
			mutate: func(a *Assignment) { a.ConfirmedAt = &confirmed },
			now:    actx.ArrivalDeadline.Add(-time.Hour),
			want:   []string{ActionArrive},
		},
		{
			name: "shift morning unconfirmed",
			now:  actx.ArrivalDeadline.Add(-time.Hour),
			want: nil,
		},
		{
			name:   "past arrival deadline",
			mutate: func(a *Assignment) { a.ConfirmedAt = &confirmed },
			now:    actx.ArrivalDeadline.Add(time.Minute),
			want:   nil,
		},
		{
			name:   "already arrived",
			mutate: func(a *Assignment) { a.ConfirmedAt = &confirmed },
			shift:  &Shift{AssignmentID: "a1", ArrivedAt: &confirmed},
			now:    actx.ArrivalDeadline.Add(-time.Hour),
			want:   nil,
		},
		{
			name:   "active arrived",
			mutate: func(a *Assignment) { a.Status = AssignmentStatusActive },
			shift:  &Shift{AssignmentID: "a1", ArrivedAt: &confirmed},
			now:    actx.ShiftDayStart.Add(8 * time.Hour),
			want:   []string{ActionStart},
		},
		{
			name:   "active started",
			mutate: func(a *Assignment) { a.Status = AssignmentStatusActive },
			shift:  &Shift{AssignmentID: "a1", ArrivedAt: &confirmed, StartedAt: &confirmed},
			now:    actx.ShiftDayStart.Add(10 * time.Hour),
			want:   []string{ActionComplete},
		},
		{
			name:   "completed is terminal",
			mutate: func(a *Assignment) { a.Status = AssignmentStatusCompleted },
			now:    actx.ShiftDayStart,
			want:   nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := testAssignment()
			a.ShiftDate = date
			if tc.mutate != nil {
				tc.mutate(a)
			}
			c := actx
			c.Now = tc.now
			must.Eq(t, tc.want, AllowedActions(a, tc.shift, c))
		})
	}
}
