// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"testing"
	"time"

	"github.com/parcelworks/dispatch/ci"
	"github.com/parcelworks/dispatch/helper/pointer"
	"github.com/shoenig/test/must"
)

func TestDispatchPolicy_Defaults(t *testing.T) {
	ci.Parallel(t)

	p := DefaultDispatchPolicy()
	must.NoError(t, p.Validate())
	must.Eq(t, 7, p.ShiftStartHour)
	must.Eq(t, 4, p.WeeklyCapBase)
	must.Eq(t, 6, p.WeeklyCapReward)
	must.Eq(t, -20, p.Points.LateCancel)
}

func TestDispatchPolicy_Validate(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name   string
		mutate func(*DispatchPolicy)
	}{
		{"bad shift start hour", func(p *DispatchPolicy) { p.ShiftStartHour = 24 }},
		{"deadline before window opens", func(p *DispatchPolicy) { p.ConfirmationDeadlineHours = 24 * 7 }},
		{"deadline under a day", func(p *DispatchPolicy) { p.ConfirmationDeadlineHours = 12 }},
		{"reward cap under base", func(p *DispatchPolicy) { p.WeeklyCapReward = 2 }},
		{"zero minimum cap", func(p *DispatchPolicy) { p.WeeklyCapMin = 0 }},
		{"unknown zone", func(p *DispatchPolicy) { p.TimeZone = "Mars/Olympus" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultDispatchPolicy()
			tc.mutate(p)
			must.Error(t, p.Validate())
		})
	}
}

func TestDispatchPolicy_Merge(t *testing.T) {
	ci.Parallel(t)

	base := DefaultDispatchPolicy()
	merged := base.Merge(&OrganizationSettings{
		TimeZone:               pointer.Of("America/Vancouver"),
		ConfirmationWindowDays: pointer.Of(10),
		InstantModeCutoffHours: pointer.Of(12),
		WeeklyCapBase:          pointer.Of(5),
	})

	must.Eq(t, "America/Vancouver", merged.TimeZone)
	must.Eq(t, 10, merged.ConfirmationWindowDays)
	must.Eq(t, 12*time.Hour, merged.InstantModeCutoff)
	must.Eq(t, 5, merged.WeeklyCapBase)

	// Untouched knobs keep their defaults and the receiver is unchanged.
	must.Eq(t, 48, merged.ConfirmationDeadlineHours)
	must.Eq(t, DefaultTimeZone, base.TimeZone)
	must.Eq(t, 4, base.WeeklyCapBase)

	must.Eq(t, base, base.Merge(nil))
}

func TestDispatchPolicy_ConfirmationWindow(t *testing.T) {
	ci.Parallel(t)

	p := DefaultDispatchPolicy()
	z, err := p.Zone()
	must.NoError(t, err)

	// Shift on Friday 2026-08-28: the window opens the prior Friday at
	// 07:00 and closes Wednesday at 07:00, all tenant-local.
	opens, err := p.ConfirmationOpensAt(z, "2026-08-28")
	must.NoError(t, err)
	deadline, err := p.ConfirmationDeadline(z, "2026-08-28")
	must.NoError(t, err)
	start, err := p.ShiftStartAt(z, "2026-08-28")
	must.NoError(t, err)

	wantOpens, err := z.LocalDateTime("2026-08-21", 7, 0)
	must.NoError(t, err)
	wantDeadline, err := z.LocalDateTime("2026-08-26", 7, 0)
	must.NoError(t, err)

	must.Eq(t, wantOpens, opens)
	must.Eq(t, wantDeadline, deadline)
	must.True(t, opens.Before(deadline))
	must.True(t, deadline.Before(start))
}

func TestDispatchPolicy_ArrivalDeadline(t *testing.T) {
	ci.Parallel(t)

	p := DefaultDispatchPolicy()
	z, err := p.Zone()
	must.NoError(t, err)

	// Route start time wins over the policy hour.
	route := &Route{StartTime: "09:30"}
	at, err := p.ArrivalDeadline(z, "2026-08-28", route)
	must.NoError(t, err)
	want, err := z.LocalDateTime("2026-08-28", 9, 30)
	must.NoError(t, err)
	must.Eq(t, want, at)

	// Without a route the policy hour applies.
	at, err = p.ArrivalDeadline(z, "2026-08-28", nil)
	must.NoError(t, err)
	want, err = z.LocalDateTime("2026-08-28", 9, 0)
	must.NoError(t, err)
	must.Eq(t, want, at)
}

func TestDispatchPolicy_AttendanceThreshold(t *testing.T) {
	ci.Parallel(t)

	p := DefaultDispatchPolicy()
	must.Eq(t, 0.8, p.AttendanceThreshold(0))
	must.Eq(t, 0.8, p.AttendanceThreshold(9))
	must.Eq(t, 0.7, p.AttendanceThreshold(10))
	must.Eq(t, 0.7, p.AttendanceThreshold(250))
}

func TestDispatchPolicy_RewardCapEligible(t *testing.T) {
	ci.Parallel(t)

	p := DefaultDispatchPolicy()

	must.True(t, p.RewardCapEligible(&DriverMetrics{TotalShifts: 20, AttendanceRate: 0.95}))
	must.False(t, p.RewardCapEligible(&DriverMetrics{TotalShifts: 19, AttendanceRate: 1.0}))
	must.False(t, p.RewardCapEligible(&DriverMetrics{TotalShifts: 40, AttendanceRate: 0.94}))
	must.False(t, p.RewardCapEligible(nil))
}

func TestDispatchPolicy_CalculateBidScoreParts(t *testing.T) {
	ci.Parallel(t)

	p := DefaultDispatchPolicy()

	parts := p.CalculateBidScoreParts(BidScoreInput{
		HealthScore:      80,
		FamiliarityCount: 12,
		TenureMonths:     6,
		PreferredRoute:   true,
	})
	must.Eq(t, 40.0, parts.Health)
	must.Eq(t, 24.0, parts.Familiarity)
	must.Eq(t, 3.0, parts.Tenure)
	must.Eq(t, 5.0, parts.Preferred)
	must.Eq(t, 72.0, parts.Total)

	// Components saturate at their caps.
	capped := p.CalculateBidScoreParts(BidScoreInput{
		HealthScore:      400,
		FamiliarityCount: 90,
		TenureMonths:     120,
	})
	must.Eq(t, 50.0, capped.Health)
	must.Eq(t, 40.0, capped.Familiarity)
	must.Eq(t, 12.0, capped.Tenure)
	must.Eq(t, 0.0, capped.Preferred)

	// Pure: same input, same parts.
	again := p.CalculateBidScoreParts(BidScoreInput{
		HealthScore:      80,
		FamiliarityCount: 12,
		TenureMonths:     6,
		PreferredRoute:   true,
	})
	must.Eq(t, parts, again)
}

func TestEffectiveScore(t *testing.T) {
	ci.Parallel(t)

	p := DefaultDispatchPolicy()

	must.Eq(t, 80, EffectiveScore(p, 80, false))
	must.Eq(t, 49, EffectiveScore(p, 80, true))
	must.Eq(t, 30, EffectiveScore(p, 30, true))
	must.Eq(t, 0, EffectiveScore(p, -40, false))
	must.Eq(t, 100, EffectiveScore(p, 250, false))
}
