// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package health

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// evaluateDriverWeek scores one driver's closed week and persists the
// streak outcome. The week's events come from the audit fold: cancelled
// and dropped assignment rows are recycled by the bid market, so the
// durable history is the only complete record of what happened.
func (e *Evaluator) evaluateDriverWeek(ctx context.Context, driver *structs.User, p *structs.DispatchPolicy, zone *structs.TenantZone, weekStart string, now time.Time) (weekOutcome, error) {
	weekEnd, err := structs.AddDays(weekStart, 7)
	if err != nil {
		return weekOutcomeSkipped, err
	}
	startT, err := zone.LocalDateTime(weekStart, 0, 0)
	if err != nil {
		return weekOutcomeSkipped, err
	}
	endT, err := zone.LocalDateTime(weekEnd, 0, 0)
	if err != nil {
		return weekOutcomeSkipped, err
	}

	week, err := e.state.UserEventCounts(driver.ID, startT, endT, p.HighDeliveryThreshold)
	if err != nil {
		return weekOutcomeSkipped, err
	}
	// A week without lifecycle events writes nothing, so a gated driver
	// who sat out is not re-reset every Monday.
	if week.Total() == 0 {
		return weekOutcomeSkipped, nil
	}

	health, err := e.state.HealthStateByUser(nil, driver.ID)
	if err != nil {
		return weekOutcomeSkipped, err
	}

	window, err := e.state.UserEventCounts(driver.ID, e.hardStopSince(p, health, now), time.Time{}, p.HighDeliveryThreshold)
	if err != nil {
		return weekOutcomeSkipped, err
	}
	var reasons []string
	if window.NoShows > 0 {
		reasons = append(reasons, structs.HardStopReasonNoShow)
	}
	if window.LateCancel >= p.LateCancelThreshold {
		reasons = append(reasons, structs.HardStopReasonLateCancels)
	}
	hardStop := len(reasons) > 0

	qualifying := false
	if !hardStop && week.Completions > 0 &&
		week.NoShows == 0 && week.LateCancel == 0 && week.AutoDrops == 0 {
		ratio, err := e.weekCompletionRatio(driver.ID, weekStart, weekEnd)
		if err != nil {
			return weekOutcomeSkipped, err
		}
		qualifying = ratio >= p.QualifyingCompletionRate
	}

	hadStreak := health != nil && (health.Stars > 0 || health.StreakWeeks > 0)

	err = e.state.PersistWeeklyHealthEvaluation(e.state.NextIndex(), driver.OrganizationID, driver.ID,
		weekStart, qualifying, hardStop, p.MaxStars, now)
	if err != nil {
		return weekOutcomeSkipped, err
	}

	switch {
	case hardStop:
		if hadStreak {
			e.sendStreakReset(ctx, driver, weekStart, reasons)
		}
		return weekOutcomeReset, nil
	case qualifying:
		e.sendStreakAdvanced(ctx, driver, p, health, weekStart)
		return weekOutcomeQualified, nil
	default:
		return weekOutcomeNeutral, nil
	}
}

// sendStreakAdvanced congratulates a qualifying week and, on reaching the
// top of the ladder, unlocks the bonus notice. prev is the health record
// from before the week was persisted.
func (e *Evaluator) sendStreakAdvanced(ctx context.Context, driver *structs.User, p *structs.DispatchPolicy, prev *structs.DriverHealthState, weekStart string) {
	prevStars, streak := 0, 1
	if prev != nil {
		prevStars = prev.Stars
		streak = prev.StreakWeeks + 1
	}
	stars := prevStars + 1
	if stars > p.MaxStars {
		stars = p.MaxStars
	}

	_, err := e.notifier.Send(ctx, &structs.Notification{
		OrganizationID: driver.OrganizationID,
		UserID:         driver.ID,
		Type:           structs.NotificationStreakAdvanced,
		DedupeKey:      fmt.Sprintf("%s:%s", structs.NotificationStreakAdvanced, weekStart),
		Data: map[string]string{
			"weeks":      strconv.Itoa(streak),
			"stars":      strconv.Itoa(stars),
			"week_start": weekStart,
		},
	})
	if err != nil {
		e.logger.Error("streak advance send failed", "user_id", driver.ID, "error", err)
	}

	if prevStars < p.MaxStars && stars == p.MaxStars {
		_, err = e.notifier.Send(ctx, &structs.Notification{
			OrganizationID: driver.OrganizationID,
			UserID:         driver.ID,
			Type:           structs.NotificationBonusEligible,
			DedupeKey:      fmt.Sprintf("%s:%s", structs.NotificationBonusEligible, weekStart),
			Data: map[string]string{
				"stars":      strconv.Itoa(stars),
				"week_start": weekStart,
			},
		})
		if err != nil {
			e.logger.Error("bonus eligible send failed", "user_id", driver.ID, "error", err)
		}
	}
}

// weekCompletionRatio aggregates the adjusted delivery ratio across the
// driver's completed shifts in [weekStart, weekEnd). Completed assignments
// are never recycled, so the rows are the full record. A week whose shifts
// carried no parcels rates perfect rather than failing the driver on
// missing data.
func (e *Evaluator) weekCompletionRatio(userID, weekStart, weekEnd string) (float64, error) {
	iter, err := e.state.AssignmentsByUser(nil, userID)
	if err != nil {
		return 0, err
	}

	var started, adjusted int
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		a := raw.(*structs.Assignment)
		if a.Status != structs.AssignmentStatusCompleted ||
			a.ShiftDate < weekStart || a.ShiftDate >= weekEnd {
			continue
		}
		shift, err := e.state.ShiftByAssignment(nil, a.ID)
		if err != nil {
			return 0, err
		}
		if shift == nil {
			continue
		}
		started += shift.ParcelsStart
		adjusted += shift.ParcelsStart - shift.ParcelsReturned + shift.ExceptedReturns
	}

	if started == 0 {
		return 1, nil
	}
	ratio := float64(adjusted) / float64(started)
	if ratio > 1 {
		ratio = 1
	}
	return ratio, nil
}
