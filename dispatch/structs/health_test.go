// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"testing"
	"time"

	"github.com/parcelworks/dispatch/ci"
	"github.com/shoenig/test/must"
)

func TestDriverHealthState_HardStopAndReinstate(t *testing.T) {
	ci.Parallel(t)

	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h := NewDriverHealthState("user-1", "org-1", created)
	must.NoError(t, h.Validate())
	must.True(t, h.PoolEligible)
	must.Eq(t, 1, h.NextMilestoneStars)

	h.Score = 62
	h.Stars = 3
	h.StreakWeeks = 9

	stopAt := created.Add(20 * 24 * time.Hour)
	h.ApplyHardStop(stopAt)
	must.Eq(t, 0, h.Score)
	must.Eq(t, 0, h.Stars)
	must.Eq(t, 0, h.StreakWeeks)
	must.False(t, h.PoolEligible)
	must.True(t, h.RequiresManagerIntervention)
	must.Eq(t, stopAt, h.LastScoreResetAt)

	// Reinstatement restores eligibility but not the streak.
	back := stopAt.Add(48 * time.Hour)
	h.Reinstate(back)
	must.True(t, h.PoolEligible)
	must.False(t, h.RequiresManagerIntervention)
	must.NotNil(t, h.ReinstatedAt)
	must.Eq(t, 0, h.Stars)
	must.Eq(t, stopAt, h.LastScoreResetAt)
}

func TestDriverHealthState_Validate(t *testing.T) {
	ci.Parallel(t)

	h := NewDriverHealthState("user-1", "org-1", time.Now())
	must.NoError(t, h.Validate())

	h.Score = 120
	must.Error(t, h.Validate())

	h.Score = 50
	h.LastEvaluatedDate = "yesterday"
	must.Error(t, h.Validate())
}

func TestDriverHealthSnapshot_Copy(t *testing.T) {
	ci.Parallel(t)

	s := &DriverHealthSnapshot{
		UserID:         "user-1",
		OrganizationID: "org-1",
		Date:           "2026-08-25",
		Score:          49,
		HardStop:       true,
		Reasons:        []string{HardStopReasonNoShow},
	}
	must.NoError(t, s.Validate())

	c := s.Copy()
	must.Eq(t, s, c)
	c.Reasons[0] = "other"
	must.Eq(t, HardStopReasonNoShow, s.Reasons[0])
}

func TestClampScore(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, 0, ClampScore(-30))
	must.Eq(t, 0, ClampScore(0))
	must.Eq(t, 73, ClampScore(73))
	must.Eq(t, 100, ClampScore(180))
}
