// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"testing"
	"time"

	"github.com/parcelworks/dispatch/ci"
	"github.com/shoenig/test/must"
)

func testBidWindow() *BidWindow {
	opens := time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC)
	return &BidWindow{
		ID:             "w1",
		OrganizationID: "org-1",
		AssignmentID:   "a1",
		RouteID:        "route-1",
		ShiftDate:      "2026-08-28",
		Mode:           BidWindowModeCompetitive,
		Trigger:        WindowTriggerCancellation,
		Status:         BidWindowStatusOpen,
		OpensAt:        opens,
		ClosesAt:       opens.Add(44 * time.Hour),
	}
}

func TestBidWindow_Validate(t *testing.T) {
	ci.Parallel(t)

	must.NoError(t, testBidWindow().Validate())

	w := testBidWindow()
	w.Mode = "silent"
	must.Error(t, w.Validate())

	w = testBidWindow()
	w.Trigger = "boredom"
	must.Error(t, w.Validate())

	w = testBidWindow()
	w.Mode = BidWindowModeEmergency
	must.Error(t, w.Validate()) // emergency without bonus
	w.BonusPercent = 20
	must.NoError(t, w.Validate())

	w = testBidWindow()
	w.BonusPercent = 20
	must.Error(t, w.Validate()) // bonus outside emergency

	w = testBidWindow()
	w.ClosesAt = w.OpensAt
	must.Error(t, w.Validate())
}

func TestBidWindow_Open(t *testing.T) {
	ci.Parallel(t)

	w := testBidWindow()
	must.True(t, w.Open(w.OpensAt.Add(time.Hour)))
	must.False(t, w.Open(w.ClosesAt))
	must.False(t, w.Open(w.ClosesAt.Add(time.Hour)))

	w.Status = BidWindowStatusResolved
	must.False(t, w.Open(w.OpensAt.Add(time.Hour)))
}

func TestBidWindow_FirstComeFirstServed(t *testing.T) {
	ci.Parallel(t)

	w := testBidWindow()
	must.False(t, w.FirstComeFirstServed())
	w.Mode = BidWindowModeInstant
	must.True(t, w.FirstComeFirstServed())
	w.Mode = BidWindowModeEmergency
	must.True(t, w.FirstComeFirstServed())
}

func TestPlanBidWindow(t *testing.T) {
	ci.Parallel(t)

	p := DefaultDispatchPolicy()
	start := time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC)
	eod := time.Date(2026, 8, 29, 4, 0, 0, 0, time.UTC)

	cases := []struct {
		name         string
		mode         string
		trigger      string
		now          time.Time
		wantMode     string
		wantClosesAt time.Time
	}{
		{"days out", "", WindowTriggerCancellation, start.Add(-72 * time.Hour), BidWindowModeCompetitive, start.Add(-24 * time.Hour)},
		{"exactly at cutoff", "", WindowTriggerCancellation, start.Add(-24 * time.Hour), BidWindowModeInstant, start},
		{"inside cutoff", "", WindowTriggerCancellation, start.Add(-23 * time.Hour), BidWindowModeInstant, start},
		{"auto drop outside cutoff", "", WindowTriggerAutoDrop, start.Add(-47 * time.Hour), BidWindowModeInstant, start},
		{"instant requested days out", BidWindowModeInstant, WindowTriggerManager, start.Add(-96 * time.Hour), BidWindowModeInstant, start},
		{"no show before start", "", WindowTriggerNoShow, start.Add(-2 * time.Hour), BidWindowModeEmergency, start},
		{"no show after start", "", WindowTriggerNoShow, start.Add(time.Hour), BidWindowModeEmergency, eod},
		{"emergency requested days out", BidWindowModeEmergency, WindowTriggerManager, start.Add(-72 * time.Hour), BidWindowModeEmergency, start},
		{"manager days out", "", WindowTriggerManager, start.Add(-96 * time.Hour), BidWindowModeCompetitive, start.Add(-24 * time.Hour)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := PlanBidWindow(p, tc.mode, tc.trigger, false, tc.now, start, eod)
			must.NoError(t, err)
			must.Eq(t, tc.wantMode, plan.Mode)
			must.Eq(t, tc.wantClosesAt, plan.ClosesAt)
		})
	}

	t.Run("past shift refused", func(t *testing.T) {
		_, err := PlanBidWindow(p, "", WindowTriggerManager, false, start.Add(time.Hour), start, eod)
		must.Error(t, err)
		reason, ok := IsPolicyRejection(err)
		must.True(t, ok)
		must.Eq(t, ReasonShiftInPast, reason)
	})

	t.Run("past shift allowed", func(t *testing.T) {
		plan, err := PlanBidWindow(p, "", WindowTriggerManager, true, start.Add(time.Hour), start, eod)
		must.NoError(t, err)
		must.Eq(t, BidWindowModeInstant, plan.Mode)
		must.Eq(t, eod, plan.ClosesAt)
	})

	t.Run("invalid mode", func(t *testing.T) {
		_, err := PlanBidWindow(p, "silent", WindowTriggerManager, false, start.Add(-72*time.Hour), start, eod)
		must.Error(t, err)
	})
}

func TestBid_Validate(t *testing.T) {
	ci.Parallel(t)

	b := &Bid{
		ID:             "b1",
		OrganizationID: "org-1",
		WindowID:       "w1",
		UserID:         "user-1",
		Status:         BidStatusPending,
	}
	must.NoError(t, b.Validate())

	b.Status = "maybe"
	must.Error(t, b.Validate())

	b.Status = BidStatusPending
	b.UserID = ""
	must.Error(t, b.Validate())
}
