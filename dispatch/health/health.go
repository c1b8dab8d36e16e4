// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package health evaluates driver reliability. The daily run recomputes
// each driver's additive score from durable audit history and detects
// hard-stop conditions; the weekly run advances or resets the star streak
// for the week just closed. Both runs fan out over an organization's
// drivers with bounded concurrency and never let one driver's failure stop
// the batch.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/parcelworks/dispatch/dispatch/notify"
	"github.com/parcelworks/dispatch/dispatch/state"
	"github.com/parcelworks/dispatch/dispatch/structs"
)

// evalRate and evalBurst bound how fast the batch runners hit the state
// store, so an evaluation sweep cannot starve request traffic.
const (
	evalRate  = rate.Limit(200)
	evalBurst = 25
)

// Evaluator runs the daily and weekly health evaluations, one organization
// at a time.
type Evaluator struct {
	logger   hclog.Logger
	state    *state.StateStore
	notifier *notify.Notifier
	limiter  *rate.Limiter
}

func NewEvaluator(logger hclog.Logger, store *state.StateStore, notifier *notify.Notifier) *Evaluator {
	return &Evaluator{
		logger:   logger.Named("health"),
		state:    store,
		notifier: notifier,
		limiter:  rate.NewLimiter(evalRate, evalBurst),
	}
}

// DailyResult summarizes one organization's daily evaluation run.
type DailyResult struct {
	OrganizationID string
	Date           string

	Evaluated  int
	HardStops  int
	Corrective int
	Skipped    int
	Errors     []string
}

// WeeklyResult summarizes one organization's weekly evaluation run.
type WeeklyResult struct {
	OrganizationID string
	WeekStart      string

	Evaluated int
	Qualified int
	Resets    int
	Skipped   int
	Errors    []string
}

// weekOutcome is what one driver's weekly evaluation concluded.
type weekOutcome int

const (
	weekOutcomeSkipped weekOutcome = iota
	weekOutcomeNeutral
	weekOutcomeQualified
	weekOutcomeReset
)

// RunDaily evaluates every driver in the organization for the tenant-local
// date of now: recomputed score, hard-stop detection, the day's snapshot,
// and the corrective completion warning. Per-driver failures are collected
// in the result, never fatal to the run.
func (e *Evaluator) RunDaily(ctx context.Context, orgID string, now time.Time) (*DailyResult, error) {
	defer metrics.MeasureSince([]string{"dispatch", "health", "run_daily"}, time.Now())

	policy, err := e.state.DispatchPolicyByOrganization(nil, orgID)
	if err != nil {
		return nil, err
	}
	zone, err := policy.Zone()
	if err != nil {
		return nil, err
	}
	drivers, err := e.orgDrivers(orgID)
	if err != nil {
		return nil, err
	}

	res := &DailyResult{OrganizationID: orgID, Date: zone.Today(now)}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(policy.PerformanceCheckBatchSize)
	for _, driver := range drivers {
		g.Go(func() error {
			if err := e.limiter.Wait(ctx); err != nil {
				mu.Lock()
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", driver.ID, err))
				mu.Unlock()
				return nil
			}
			out, err := e.evaluateDriverDay(ctx, driver, policy, res.Date, now)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", driver.ID, err))
			case out == nil:
				res.Skipped++
			default:
				res.Evaluated++
				if out.hardStopApplied {
					res.HardStops++
				}
				if out.correctiveSent {
					res.Corrective++
				}
			}
			return nil
		})
	}
	// The closures report through res and never return an error.
	_ = g.Wait()

	metrics.IncrCounter([]string{"dispatch", "health", "daily_evaluated"}, float32(res.Evaluated))
	e.logger.Info("daily evaluation complete", "org_id", orgID, "date", res.Date,
		"evaluated", res.Evaluated, "hard_stops", res.HardStops,
		"corrective", res.Corrective, "skipped", res.Skipped, "errors", len(res.Errors))
	return res, nil
}

// RunWeekly scores the week that closed before now for every driver in the
// organization, advancing or resetting the star ladder.
func (e *Evaluator) RunWeekly(ctx context.Context, orgID string, now time.Time) (*WeeklyResult, error) {
	defer metrics.MeasureSince([]string{"dispatch", "health", "run_weekly"}, time.Now())

	policy, err := e.state.DispatchPolicyByOrganization(nil, orgID)
	if err != nil {
		return nil, err
	}
	zone, err := policy.Zone()
	if err != nil {
		return nil, err
	}
	thisWeek, err := zone.WeekStart(zone.Today(now))
	if err != nil {
		return nil, err
	}
	weekStart, err := structs.AddDays(thisWeek, -7)
	if err != nil {
		return nil, err
	}
	drivers, err := e.orgDrivers(orgID)
	if err != nil {
		return nil, err
	}

	res := &WeeklyResult{OrganizationID: orgID, WeekStart: weekStart}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(policy.PerformanceCheckBatchSize)
	for _, driver := range drivers {
		g.Go(func() error {
			if err := e.limiter.Wait(ctx); err != nil {
				mu.Lock()
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", driver.ID, err))
				mu.Unlock()
				return nil
			}
			out, err := e.evaluateDriverWeek(ctx, driver, policy, zone, weekStart, now)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", driver.ID, err))
			case out == weekOutcomeSkipped:
				res.Skipped++
			default:
				res.Evaluated++
				switch out {
				case weekOutcomeQualified:
					res.Qualified++
				case weekOutcomeReset:
					res.Resets++
				}
			}
			return nil
		})
	}
	// The closures report through res and never return an error.
	_ = g.Wait()

	metrics.IncrCounter([]string{"dispatch", "health", "weekly_evaluated"}, float32(res.Evaluated))
	e.logger.Info("weekly evaluation complete", "org_id", orgID, "week_start", weekStart,
		"evaluated", res.Evaluated, "qualified", res.Qualified,
		"resets", res.Resets, "skipped", res.Skipped, "errors", len(res.Errors))
	return res, nil
}

// orgDrivers returns the organization's drivers, flagged ones included:
// flagging is a parallel attendance track and does not pause health
// scoring.
func (e *Evaluator) orgDrivers(orgID string) ([]*structs.User, error) {
	iter, err := e.state.UsersByOrganization(nil, orgID)
	if err != nil {
		return nil, err
	}

	var drivers []*structs.User
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		user := raw.(*structs.User)
		if user.IsDriver() {
			drivers = append(drivers, user)
		}
	}
	return drivers, nil
}
