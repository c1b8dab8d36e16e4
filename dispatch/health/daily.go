// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package health

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/parcelworks/dispatch/dispatch/state"
	"github.com/parcelworks/dispatch/dispatch/structs"
)

// ContributionScore multiplies a driver's event counts by the policy point
// table and clamps the sum to the score range. Bid pickups split into
// competitive and urgent: an instant or emergency win scores as urgent
// only.
func ContributionScore(p *structs.DispatchPolicy, c *state.UserEventCounts) int {
	pts := p.Points
	sum := c.Confirms*pts.ConfirmedOnTime +
		c.Arrivals*pts.ArrivedOnTime +
		c.Completions*pts.CompletedShift +
		c.HighDeliveries*pts.HighDelivery +
		(c.BidWins-c.UrgentWins)*pts.BidPickup +
		c.UrgentWins*pts.UrgentPickup +
		c.AutoDrops*pts.AutoDrop +
		c.LateCancel*pts.LateCancel
	return structs.ClampScore(sum)
}

// dailyOutcome reports what one driver's daily evaluation did.
type dailyOutcome struct {
	eval            *structs.DailyHealthEvaluation
	hardStopApplied bool
	correctiveSent  bool
}

// evaluateDriverDay computes and persists one driver's evaluation for the
// date. A stale-anchor rejection from the store means a hard-stop landed
// between the read and the write; the evaluation recomputes once against
// the fresh anchor. Returns nil for drivers with no history to evaluate.
func (e *Evaluator) evaluateDriverDay(ctx context.Context, driver *structs.User, p *structs.DispatchPolicy, date string, now time.Time) (*dailyOutcome, error) {
	eval, health, err := e.computeDaily(driver, p, date, now)
	if err != nil {
		return nil, err
	}
	if eval == nil {
		return nil, nil
	}

	err = e.state.PersistDailyHealthEvaluation(e.state.NextIndex(), eval, now)
	if structs.IsErrStateChanged(err) {
		metrics.IncrCounter([]string{"dispatch", "health", "daily_retry"}, 1)
		eval, health, err = e.computeDaily(driver, p, date, now)
		if err != nil {
			return nil, err
		}
		if eval == nil {
			return nil, nil
		}
		err = e.state.PersistDailyHealthEvaluation(e.state.NextIndex(), eval, now)
	}
	if err != nil {
		return nil, err
	}

	out := &dailyOutcome{eval: eval, hardStopApplied: eval.ApplyHardStop}
	if eval.ApplyHardStop {
		metrics.IncrCounter([]string{"dispatch", "health", "hard_stop"}, 1)
		e.logger.Info("hard stop applied", "user_id", driver.ID, "reasons", eval.Reasons)
		if health != nil && (health.Stars > 0 || health.StreakWeeks > 0) {
			e.sendStreakReset(ctx, driver, date, eval.Reasons)
		}
	}

	sent, err := e.maybeCorrective(ctx, driver, p, health, date, now)
	if err != nil {
		return nil, err
	}
	out.correctiveSent = sent
	return out, nil
}

// computeDaily builds the evaluation for one driver without writing
// anything: contributions since the last score reset, the rolling
// hard-stop window, and the effective score. A nil evaluation means the
// driver has no history at all.
func (e *Evaluator) computeDaily(driver *structs.User, p *structs.DispatchPolicy, date string, now time.Time) (*structs.DailyHealthEvaluation, *structs.DriverHealthState, error) {
	health, err := e.state.HealthStateByUser(nil, driver.ID)
	if err != nil {
		return nil, nil, err
	}

	var resetAt time.Time
	if health != nil {
		resetAt = health.LastScoreResetAt
	}
	contrib, err := e.state.UserEventCounts(driver.ID, resetAt, time.Time{}, p.HighDeliveryThreshold)
	if err != nil {
		return nil, nil, err
	}
	if health == nil && contrib.Total() == 0 && contrib.BidWins == 0 {
		return nil, nil, nil
	}

	window, err := e.state.UserEventCounts(driver.ID, e.hardStopSince(p, health, now), time.Time{}, p.HighDeliveryThreshold)
	if err != nil {
		return nil, nil, err
	}

	var reasons []string
	if window.NoShows > 0 {
		reasons = append(reasons, structs.HardStopReasonNoShow)
	}
	if window.LateCancel >= p.LateCancelThreshold {
		reasons = append(reasons, structs.HardStopReasonLateCancels)
	}
	hardStop := len(reasons) > 0

	eval := &structs.DailyHealthEvaluation{
		UserID:          driver.ID,
		OrganizationID:  driver.OrganizationID,
		Date:            date,
		Score:           structs.EffectiveScore(p, ContributionScore(p, contrib), hardStop),
		HardStop:        hardStop,
		ApplyHardStop:   hardStop && (health == nil || health.PoolEligible),
		Reasons:         reasons,
		ExpectedResetAt: resetAt,
	}
	return eval, health, nil
}

// hardStopSince anchors the rolling hard-stop window. A manager
// reinstatement forgives the events before it, so the window never reaches
// back past the last reinstatement.
func (e *Evaluator) hardStopSince(p *structs.DispatchPolicy, health *structs.DriverHealthState, now time.Time) time.Time {
	since := now.AddDate(0, 0, -p.LateCancelRollingDays)
	if health != nil && health.ReinstatedAt != nil && health.ReinstatedAt.After(since) {
		since = *health.ReinstatedAt
	}
	return since
}

// maybeCorrective sends the completion warning when the driver's
// completion rate sits below the corrective threshold. The health record's
// corrective anchor suppresses repeats inside the recovery window; the
// dated dedupe key keeps a same-day re-run quiet even if marking the
// anchor failed.
func (e *Evaluator) maybeCorrective(ctx context.Context, driver *structs.User, p *structs.DispatchPolicy, health *structs.DriverHealthState, date string, now time.Time) (bool, error) {
	m, err := e.state.DriverMetricsByUser(nil, driver.ID)
	if err != nil {
		return false, err
	}
	if m == nil || m.CompletionRate >= p.CorrectiveCompletionThreshold {
		return false, nil
	}
	if health != nil && health.LastCorrectiveAt != nil &&
		now.Sub(*health.LastCorrectiveAt) < time.Duration(p.CorrectiveRecoveryDays)*24*time.Hour {
		return false, nil
	}

	sent, err := e.notifier.Send(ctx, &structs.Notification{
		OrganizationID: driver.OrganizationID,
		UserID:         driver.ID,
		Type:           structs.NotificationCorrectiveWarning,
		DedupeKey:      fmt.Sprintf("%s:%s", structs.NotificationCorrectiveWarning, date),
		Data: map[string]string{
			"threshold": strconv.FormatFloat(p.CorrectiveCompletionThreshold, 'f', 2, 64),
			"rate":      strconv.FormatFloat(m.CompletionRate, 'f', 4, 64),
			"date":      date,
		},
	})
	if err != nil {
		e.logger.Error("corrective warning send failed", "user_id", driver.ID, "error", err)
		return false, nil
	}
	if !sent {
		return false, nil
	}
	if err := e.state.MarkCorrectiveSent(e.state.NextIndex(), driver.OrganizationID, driver.ID, now); err != nil {
		return false, err
	}
	return true, nil
}

// sendStreakReset tells the driver their streak died. Send failures only
// log: the state reset has already committed.
func (e *Evaluator) sendStreakReset(ctx context.Context, driver *structs.User, date string, reasons []string) {
	_, err := e.notifier.Send(ctx, &structs.Notification{
		OrganizationID: driver.OrganizationID,
		UserID:         driver.ID,
		Type:           structs.NotificationStreakReset,
		DedupeKey:      fmt.Sprintf("%s:%s", structs.NotificationStreakReset, date),
		Data: map[string]string{
			"reason": strings.ReplaceAll(strings.Join(reasons, ", "), "_", " "),
			"date":   date,
		},
	})
	if err != nil {
		e.logger.Error("streak reset send failed", "user_id", driver.ID, "error", err)
	}
}
