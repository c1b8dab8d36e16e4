// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package scheduler generates the weekly route schedule for an
// organization. Generation is deterministic: the same store state always
// yields the same assignments, and existing coverage is never touched, so
// the week can be re-generated at any point without scrambling it.
package scheduler

import (
	"fmt"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/hashicorp/go-set/v3"

	"github.com/parcelworks/dispatch/dispatch/state"
	"github.com/parcelworks/dispatch/dispatch/structs"
	"github.com/parcelworks/dispatch/helper/pointer"
	"github.com/parcelworks/dispatch/helper/uuid"
)

// WeekScheduler fills one organization week at a time. An instance is safe
// for sequential reuse; runs share nothing.
type WeekScheduler struct {
	logger hclog.Logger
	state  *state.StateStore
}

func NewWeekScheduler(logger hclog.Logger, store *state.StateStore) *WeekScheduler {
	return &WeekScheduler{
		logger: logger.Named("scheduler"),
		state:  store,
	}
}

// WeekResult reports one generation pass over a week.
type WeekResult struct {
	OrganizationID string
	WeekStart      string

	// Created counts slots filled with a driver this pass.
	Created int

	// Unfilled counts slots written without a driver for the bid market to
	// pick up.
	Unfilled int

	// Skipped counts (route, date) pairs that already held a non-cancelled
	// assignment.
	Skipped int

	// Errors holds one entry per (route, date) pair that failed to write.
	// A failed pair never aborts the rest of the week.
	Errors []string
}

// weekRun carries the working state of a single generation pass.
type weekRun struct {
	orgID     string
	weekStart string
	days      []string
	routes    []*structs.Route

	candidates []*candidate

	// covered holds route/date pairs that already have a non-cancelled
	// row; busy holds user/date pairs a driver cannot double-book.
	covered *set.Set[string]
	busy    *set.Set[string]

	// tally counts each driver's non-cancelled assignments in the week,
	// seeded from existing coverage and bumped as slots fill.
	tally map[string]int

	result *WeekResult
}

func pairKey(a, b string) string {
	return a + "/" + b
}

// Generate fills every (route, date) slot of the organization's week that
// does not already hold a non-cancelled assignment. The week is normalized
// to the Monday of the given date. Slots with no eligible candidate are
// written unfilled so the bid market can take over.
func (w *WeekScheduler) Generate(orgID, date string, now time.Time) (*WeekResult, error) {
	defer metrics.MeasureSince([]string{"dispatch", "scheduler", "generate"}, time.Now())

	org, err := w.state.OrganizationByID(nil, orgID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, structs.NewErrUnknownOrganization(orgID)
	}
	zone, err := org.Zone()
	if err != nil {
		return nil, err
	}
	weekStart, err := zone.WeekStart(date)
	if err != nil {
		return nil, err
	}

	run, err := w.newRun(orgID, weekStart)
	if err != nil {
		return nil, err
	}
	w.fill(run, now)

	w.logger.Info("week generated", "org_id", orgID, "week_start", weekStart,
		"created", run.result.Created, "unfilled", run.result.Unfilled,
		"skipped", run.result.Skipped, "errors", len(run.result.Errors))
	return run.result, nil
}

func (w *WeekScheduler) newRun(orgID, weekStart string) (*weekRun, error) {
	run := &weekRun{
		orgID:     orgID,
		weekStart: weekStart,
		covered:   set.New[string](0),
		busy:      set.New[string](0),
		tally:     make(map[string]int),
		result:    &WeekResult{OrganizationID: orgID, WeekStart: weekStart},
	}

	for i := 0; i < 7; i++ {
		day, err := structs.AddDays(weekStart, i)
		if err != nil {
			return nil, err
		}
		run.days = append(run.days, day)
	}

	iter, err := w.state.RoutesByOrganization(nil, orgID)
	if err != nil {
		return nil, err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		run.routes = append(run.routes, raw.(*structs.Route))
	}

	if err := w.loadCandidates(run); err != nil {
		return nil, err
	}
	if err := w.loadCoverage(run); err != nil {
		return nil, err
	}
	return run, nil
}

// loadCandidates gathers the drivers the week may draw from: driver role,
// not flagged, not gated out of the pool by a health hard-stop, and with
// declared preferences to match against.
func (w *WeekScheduler) loadCandidates(run *weekRun) error {
	iter, err := w.state.UsersByOrganization(nil, run.orgID)
	if err != nil {
		return err
	}

	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		user := raw.(*structs.User)
		if !user.IsDriver() || user.Flagged {
			continue
		}

		health, err := w.state.HealthStateByUser(nil, user.ID)
		if err != nil {
			return err
		}
		if health != nil && !health.PoolEligible {
			continue
		}

		prefs, err := w.state.DriverPreferencesByUser(nil, user.ID)
		if err != nil {
			return err
		}
		if prefs == nil {
			continue
		}

		m, err := w.state.DriverMetricsByUser(nil, user.ID)
		if err != nil {
			return err
		}

		c := &candidate{
			user:        user,
			preferences: prefs,
			metrics:     m,
			familiarity: make(map[string]int),
		}

		compIter, err := w.state.RouteCompletionsByUser(nil, user.ID)
		if err != nil {
			return err
		}
		for rawComp := compIter.Next(); rawComp != nil; rawComp = compIter.Next() {
			rc := rawComp.(*structs.RouteCompletion)
			c.familiarity[rc.RouteID] = rc.CompletionCount
		}

		run.candidates = append(run.candidates, c)
	}
	return nil
}

// loadCoverage seeds the run from the week's existing non-cancelled rows:
// their (route, date) pairs stay untouched, and their drivers' weekly
// tallies and busy dates count against further eligibility.
func (w *WeekScheduler) loadCoverage(run *weekRun) error {
	for _, day := range run.days {
		iter, err := w.state.AssignmentsByOrganizationDate(nil, run.orgID, day)
		if err != nil {
			return err
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			a := raw.(*structs.Assignment)
			if a.Status == structs.AssignmentStatusCancelled {
				continue
			}
			run.covered.Insert(pairKey(a.RouteID, a.ShiftDate))
			if a.UserID != "" {
				run.tally[a.UserID]++
				run.busy.Insert(pairKey(a.UserID, a.ShiftDate))
			}
		}
	}
	return nil
}

func (w *WeekScheduler) fill(run *weekRun, now time.Time) {
	for _, day := range run.days {
		dow, err := structs.DayOfWeek(day)
		if err != nil {
			run.result.Errors = append(run.result.Errors, fmt.Sprintf("%s: %v", day, err))
			continue
		}
		for _, route := range run.routes {
			w.fillSlot(run, route, day, dow, now)
		}
	}
}

// fillSlot writes one (route, date) slot: the top ranked candidate when one
// exists, an unfilled row otherwise. Losing a uniqueness race on the
// winning driver falls through to the next candidate instead of leaving a
// hole.
func (w *WeekScheduler) fillSlot(run *weekRun, route *structs.Route, day string, dow time.Weekday, now time.Time) {
	if run.covered.Contains(pairKey(route.ID, day)) {
		run.result.Skipped++
		return
	}

	for _, c := range rankCandidates(run, route, day, dow) {
		a := w.newAssignment(route, day)
		a.UserID = c.user.ID
		a.Status = structs.AssignmentStatusScheduled
		a.AssignedAt = pointer.Of(now)

		err := w.state.UpsertAssignment(w.state.NextIndex(), a)
		if err == nil {
			run.covered.Insert(pairKey(route.ID, day))
			run.busy.Insert(pairKey(c.user.ID, day))
			run.tally[c.user.ID]++
			run.result.Created++
			return
		}
		if _, ok := structs.IsUniqueViolation(err); ok {
			// The driver picked up this date through another writer since
			// the run loaded coverage. Take the next candidate.
			run.busy.Insert(pairKey(c.user.ID, day))
			continue
		}
		run.result.Errors = append(run.result.Errors, fmt.Sprintf("%s on %s: %v", route.Name, day, err))
		return
	}

	a := w.newAssignment(route, day)
	a.Status = structs.AssignmentStatusUnfilled
	if err := w.state.UpsertAssignment(w.state.NextIndex(), a); err != nil {
		run.result.Errors = append(run.result.Errors, fmt.Sprintf("%s on %s: %v", route.Name, day, err))
		return
	}
	run.covered.Insert(pairKey(route.ID, day))
	run.result.Unfilled++
}

func (w *WeekScheduler) newAssignment(route *structs.Route, day string) *structs.Assignment {
	return &structs.Assignment{
		ID:             uuid.Generate(),
		OrganizationID: route.OrganizationID,
		WarehouseID:    route.WarehouseID,
		RouteID:        route.ID,
		ShiftDate:      day,
		AssignedBy:     structs.AssignedByAlgorithm,
	}
}
