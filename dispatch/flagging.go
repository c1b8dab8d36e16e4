// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"time"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// evaluateDriverFlags reconciles every driver's flag state and weekly cap
// against their attendance record. Drivers below threshold gain the flag
// and a warning; flagged drivers whose grace period ran out lose one slot
// of weekly cap; recovered drivers are unflagged and restored to the cap
// their record earns. The sweep runs after the daily health evaluation so
// it reads freshly recomputed metrics.
func (s *Server) evaluateDriverFlags(ctx context.Context, now time.Time) (map[string]int, error) {
	counts := map[string]int{
		"evaluated": 0,
		"flagged":   0,
		"unflagged": 0,
		"reduced":   0,
		"errors":    0,
	}
	orgs, err := s.organizationIDs()
	if err != nil {
		return counts, err
	}

	for _, orgID := range orgs {
		policy, _, err := s.policyAndZone(orgID)
		if err != nil {
			s.logger.Error("flag sweep skipping organization", "org_id", orgID, "error", err)
			counts["errors"]++
			continue
		}
		iter, err := s.store.UsersByOrganization(nil, orgID)
		if err != nil {
			counts["errors"]++
			continue
		}

		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			if err := ctx.Err(); err != nil {
				return counts, err
			}
			user := raw.(*structs.User)
			if !user.IsDriver() {
				continue
			}
			counts["evaluated"]++

			m, err := s.store.DriverMetricsByUser(nil, user.ID)
			if err != nil {
				counts["errors"]++
				continue
			}
			update := flagDecision(policy, user, m, now)
			if update == nil {
				continue
			}

			if err := s.store.UpdateUserFlag(s.store.NextIndex(), orgID, update); err != nil {
				s.logger.Error("flag update failed", "user_id", user.ID, "error", err)
				counts["errors"]++
				continue
			}

			switch {
			case update.Flagged && !user.Flagged:
				counts["flagged"]++
				s.logger.Info("driver flagged for attendance",
					"user_id", user.ID, "org_id", orgID, "weekly_cap", update.WeeklyCap)
				s.notifyUser(orgID, user.ID, structs.NotificationWarning, nil)
			case !update.Flagged && user.Flagged:
				counts["unflagged"]++
				s.logger.Info("driver flag cleared",
					"user_id", user.ID, "org_id", orgID, "weekly_cap", update.WeeklyCap)
			case update.WeeklyCap < user.WeeklyCap:
				counts["reduced"]++
				s.logger.Info("flagged driver weekly cap reduced",
					"user_id", user.ID, "org_id", orgID, "weekly_cap", update.WeeklyCap)
			}
		}
	}
	return counts, nil
}

// flagDecision computes the flag state and weekly cap a driver's record
// entitles them to and returns the update that gets there, or nil when the
// stored state already matches.
//
// A driver with no completed or missed shifts is never flagged. Entering
// the flag keeps the current cap through the grace period; once the grace
// period has elapsed with the flag still on, the cap drops one below base,
// floored at the policy minimum. Leaving the flag restores the earned cap,
// rewarded or base.
func flagDecision(policy *structs.DispatchPolicy, user *structs.User, m *structs.DriverMetrics, now time.Time) *structs.UserFlagUpdate {
	shouldFlag := false
	if m != nil && m.TotalShifts > 0 {
		shouldFlag = m.AttendanceRate < policy.AttendanceThreshold(m.TotalShifts)
	}

	earned := policy.WeeklyCapBase
	if policy.RewardCapEligible(m) {
		earned = policy.WeeklyCapReward
	}

	weeklyCap := earned
	warningAt := user.FlagWarningAt
	switch {
	case shouldFlag && !user.Flagged:
		warningAt = &now
		weeklyCap = user.WeeklyCap
	case shouldFlag && user.Flagged:
		weeklyCap = user.WeeklyCap
		if warningAt != nil {
			grace := time.Duration(policy.FlagGracePeriodDays) * 24 * time.Hour
			if !now.Before(warningAt.Add(grace)) {
				weeklyCap = policy.WeeklyCapBase - 1
				if weeklyCap < policy.WeeklyCapMin {
					weeklyCap = policy.WeeklyCapMin
				}
			}
		}
	case !shouldFlag && user.Flagged:
		warningAt = nil
	}

	if shouldFlag == user.Flagged && weeklyCap == user.WeeklyCap {
		return nil
	}
	return &structs.UserFlagUpdate{
		UserID:    user.ID,
		Flagged:   shouldFlag,
		WarningAt: warningAt,
		WeeklyCap: weeklyCap,
		ActorType: structs.ActorTypeSystem,
		ActorID:   structs.ActorSystem,
	}
}
