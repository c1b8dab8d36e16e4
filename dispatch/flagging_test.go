// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/parcelworks/dispatch/ci"
	"github.com/parcelworks/dispatch/dispatch/mock"
	"github.com/parcelworks/dispatch/dispatch/structs"
)

func TestFlagging_Decision(t *testing.T) {
	ci.Parallel(t)

	now := time.Now().UTC()
	recent := now.Add(-3 * 24 * time.Hour)
	lapsed := now.Add(-8 * 24 * time.Hour)

	driver := func(flagged bool, cap int, warningAt *time.Time) *structs.User {
		u := mock.Driver("org1")
		u.Flagged = flagged
		u.WeeklyCap = cap
		u.FlagWarningAt = warningAt
		return u
	}
	metrics := func(total int, attendance float64) *structs.DriverMetrics {
		return &structs.DriverMetrics{TotalShifts: total, AttendanceRate: attendance}
	}

	policy := structs.DefaultDispatchPolicy()

	cases := []struct {
		name    string
		policy  *structs.DispatchPolicy
		user    *structs.User
		metrics *structs.DriverMetrics
		expect  *structs.UserFlagUpdate
	}{
		{
			name: "no record", policy: policy,
			user: driver(false, 4, nil), metrics: nil,
			expect: nil,
		},
		{
			name: "zero shifts", policy: policy,
			user: driver(false, 4, nil), metrics: metrics(0, 0),
			expect: nil,
		},
		{
			name: "entry keeps cap", policy: policy,
			user: driver(false, 4, nil), metrics: metrics(5, 0.6),
			expect: &structs.UserFlagUpdate{Flagged: true, WeeklyCap: 4, WarningAt: &now},
		},
		{
			name: "within grace", policy: policy,
			user: driver(true, 4, &recent), metrics: metrics(5, 0.6),
			expect: nil,
		},
		{
			name: "grace elapsed reduces cap", policy: policy,
			user: driver(true, 4, &lapsed), metrics: metrics(5, 0.6),
			expect: &structs.UserFlagUpdate{Flagged: true, WeeklyCap: 3, WarningAt: &lapsed},
		},
		{
			name: "already reduced", policy: policy,
			user: driver(true, 3, &lapsed), metrics: metrics(5, 0.6),
			expect: nil,
		},
		{
			name: "reduction floors at minimum",
			policy: func() *structs.DispatchPolicy {
				p := structs.DefaultDispatchPolicy()
				p.WeeklyCapBase = 2
				return p
			}(),
			user: driver(true, 2, &lapsed), metrics: metrics(5, 0.6),
			expect: &structs.UserFlagUpdate{Flagged: true, WeeklyCap: 1, WarningAt: &lapsed},
		},
		{
			name: "recovery restores base", policy: policy,
			user: driver(true, 3, &lapsed), metrics: metrics(10, 0.9),
			expect: &structs.UserFlagUpdate{Flagged: false, WeeklyCap: 4, WarningAt: nil},
		},
		{
			name: "recovery restores reward", policy: policy,
			user: driver(true, 3, &lapsed), metrics: metrics(25, 0.96),
			expect: &structs.UserFlagUpdate{Flagged: false, WeeklyCap: 6, WarningAt: nil},
		},
		{
			name: "reward raise without flag", policy: policy,
			user: driver(false, 4, nil), metrics: metrics(25, 0.98),
			expect: &structs.UserFlagUpdate{Flagged: false, WeeklyCap: 6, WarningAt: nil},
		},
		{
			name: "steady record", policy: policy,
			user: driver(false, 4, nil), metrics: metrics(15, 0.85),
			expect: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := flagDecision(tc.policy, tc.user, tc.metrics, now)
			if tc.expect == nil {
				must.Nil(t, got)
				return
			}
			must.NotNil(t, got)
			must.Eq(t, tc.user.ID, got.UserID)
			must.Eq(t, tc.expect.Flagged, got.Flagged)
			must.Eq(t, tc.expect.WeeklyCap, got.WeeklyCap)
			if tc.expect.WarningAt == nil {
				must.Nil(t, got.WarningAt)
			} else {
				must.NotNil(t, got.WarningAt)
				must.True(t, got.WarningAt.Equal(*tc.expect.WarningAt))
			}
		})
	}
}

func TestFlagging_Sweep(t *testing.T) {
	ci.Parallel(t)

	s, tt, cleanup := testServerTenant(t, nil)
	defer cleanup()

	now := time.Now().UTC()

	// tt.driver earns the flag: one auto-drop on record, nothing else.
	miss := mock.Assignment(tt.route, tt.driver.ID, tt.date(t, 1))
	must.NoError(t, s.State().UpsertAssignment(110, miss))
	must.NoError(t, s.State().AutoDropAssignment(111, tt.org.ID, miss.ID, now))

	// A driver flagged over a week ago whose attendance never recovered
	// loses a slot of cap.
	lapsed := addDriver(t, s, tt, 112)
	route2 := mock.Route(tt.warehouse)
	must.NoError(t, s.State().UpsertRoute(113, route2))
	miss2 := mock.Assignment(route2, lapsed.ID, tt.date(t, 1))
	must.NoError(t, s.State().UpsertAssignment(114, miss2))
	must.NoError(t, s.State().AutoDropAssignment(115, tt.org.ID, miss2.ID, now))
	warnedAt := now.Add(-8 * 24 * time.Hour)
	must.NoError(t, s.State().UpdateUserFlag(116, tt.org.ID, &structs.UserFlagUpdate{
		UserID:    lapsed.ID,
		Flagged:   true,
		WarningAt: &warnedAt,
		WeeklyCap: 4,
		ActorType: structs.ActorTypeSystem,
		ActorID:   structs.ActorSystem,
	}))

	// A driver flagged with no shift record at all recovers.
	ghost := addDriver(t, s, tt, 117)
	must.NoError(t, s.State().UpdateUserFlag(118, tt.org.ID, &structs.UserFlagUpdate{
		UserID:    ghost.ID,
		Flagged:   true,
		WarningAt: &now,
		WeeklyCap: 3,
		ActorType: structs.ActorTypeSystem,
		ActorID:   structs.ActorSystem,
	}))

	counts, err := s.evaluateDriverFlags(t.Context(), now)
	must.NoError(t, err)
	must.Eq(t, 3, counts["evaluated"])
	must.Eq(t, 1, counts["flagged"])
	must.Eq(t, 1, counts["reduced"])
	must.Eq(t, 1, counts["unflagged"])
	must.Eq(t, 0, counts["errors"])

	flaggedUser, err := s.State().UserByID(nil, tt.driver.ID)
	must.NoError(t, err)
	must.True(t, flaggedUser.Flagged)
	must.Eq(t, 4, flaggedUser.WeeklyCap)
	must.NotNil(t, flaggedUser.FlagWarningAt)
	must.Len(t, 1, inbox(t, s, tt.driver.ID)[structs.NotificationWarning])

	reducedUser, err := s.State().UserByID(nil, lapsed.ID)
	must.NoError(t, err)
	must.True(t, reducedUser.Flagged)
	must.Eq(t, 3, reducedUser.WeeklyCap)

	clearedUser, err := s.State().UserByID(nil, ghost.ID)
	must.NoError(t, err)
	must.False(t, clearedUser.Flagged)
	must.Eq(t, 4, clearedUser.WeeklyCap)
	must.Nil(t, clearedUser.FlagWarningAt)

	// Stable state: a second pass changes nothing and sends no second
	// warning.
	counts, err = s.evaluateDriverFlags(t.Context(), now)
	must.NoError(t, err)
	must.Eq(t, 3, counts["evaluated"])
	must.Eq(t, 0, counts["flagged"])
	must.Eq(t, 0, counts["reduced"])
	must.Eq(t, 0, counts["unflagged"])
	must.Len(t, 1, inbox(t, s, tt.driver.ID)[structs.NotificationWarning])
}
