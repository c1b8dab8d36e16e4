// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/cronexpr"
	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
)

// Cron job names. The cron endpoints address jobs by these names, so they
// are part of the API surface.
const (
	JobCloseBidWindows   = "close_bid_windows"
	JobDetectNoShows     = "detect_no_shows"
	JobShiftReminders    = "shift_reminders"
	JobAutoDrop          = "auto_drop_unconfirmed"
	JobDailyHealth       = "daily_health"
	JobWeeklyHealth      = "weekly_health"
	JobNotificationPrune = "notification_prune"
	JobOrphanOrgPrune    = "orphan_org_prune"
)

// notificationRetention is how long inbox rows survive before the prune
// job removes them.
const notificationRetention = 90 * 24 * time.Hour

// orphanOrgRetention is how long an empty tenant survives before the prune
// job treats it as abandoned setup debris.
const orphanOrgRetention = 30 * 24 * time.Hour

// sweepFn is the common shape of one periodic sweep. Sweeps take the
// invocation instant rather than reading the clock so a forced run can be
// replayed at a chosen time in tests.
type sweepFn func(ctx context.Context, now time.Time) (map[string]int, error)

// CronResult is the outcome of one cron job invocation.
type CronResult struct {
	Job     string
	Started time.Time
	Elapsed time.Duration

	// Counts is the job's own accounting: rows processed, state changes
	// made, errors swallowed. Keys are job-specific.
	Counts map[string]int
}

// cronJob is one registered sweep and its schedule state.
type cronJob struct {
	name     string
	schedule string
	expr     *cronexpr.Expression

	run sweepFn

	// next is the pending launch instant. Only the run loop touches it.
	next time.Time
}

// PeriodicRunner drives the background sweeps on cron schedules. Servers
// that own their scheduling enable it at start; deployments with an
// external scheduler leave it disabled and call the cron endpoints
// instead. Schedules fire in UTC; the sweeps themselves convert to each
// tenant's wall clock.
type PeriodicRunner struct {
	srv    *Server
	logger hclog.Logger

	jobs map[string]*cronJob

	enabled bool
	stopFn  context.CancelFunc
	l       sync.Mutex
}

func NewPeriodicRunner(srv *Server) *PeriodicRunner {
	p := &PeriodicRunner{
		srv:    srv,
		logger: srv.logger.Named("periodic"),
		jobs:   make(map[string]*cronJob),
	}
	p.register(JobCloseBidWindows, "*/5 * * * *", srv.closeExpiredBidWindows)
	p.register(JobDetectNoShows, "*/10 * * * *", srv.detectNoShows)
	p.register(JobShiftReminders, "0 * * * *", srv.sendShiftReminders)
	p.register(JobAutoDrop, "*/30 * * * *", srv.autoDropUnconfirmed)
	p.register(JobDailyHealth, "15 2 * * *", srv.runDailyHealth)
	p.register(JobWeeklyHealth, "0 3 * * 1", srv.runWeeklyHealth)
	p.register(JobNotificationPrune, "30 4 * * *", srv.pruneNotifications)
	p.register(JobOrphanOrgPrune, "45 4 * * *", srv.pruneOrphanOrganizations)
	return p
}

func (p *PeriodicRunner) register(name, schedule string, run sweepFn) {
	p.jobs[name] = &cronJob{
		name:     name,
		schedule: schedule,
		expr:     cronexpr.MustParse(schedule),
		run:      run,
	}
}

// Jobs returns the registered job names, sorted.
func (p *PeriodicRunner) Jobs() []string {
	names := make([]string, 0, len(p.jobs))
	for name := range p.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetEnabled starts or stops the scheduling loop. It is idempotent in
// either direction.
func (p *PeriodicRunner) SetEnabled(enabled bool) {
	p.l.Lock()
	defer p.l.Unlock()
	wasRunning := p.enabled
	p.enabled = enabled

	if !enabled && wasRunning {
		p.stopFn()
	} else if enabled && !wasRunning {
		ctx, cancel := context.WithCancel(context.Background())
		p.stopFn = cancel
		go p.run(ctx)
	}
}

// ForceRun runs one job immediately, outside its schedule. The job's
// regular schedule is unaffected. On a sweep error the partial result is
// returned alongside it.
func (p *PeriodicRunner) ForceRun(ctx context.Context, name string) (*CronResult, error) {
	job, ok := p.jobs[name]
	if !ok {
		return nil, fmt.Errorf("unknown cron job %q", name)
	}
	return p.runJob(ctx, job, time.Now().UTC())
}

// run is the scheduling loop. It sleeps until the earliest pending launch,
// fires every job that came due, and goes back to sleep.
func (p *PeriodicRunner) run(ctx context.Context) {
	now := time.Now().UTC()
	for _, job := range p.jobs {
		job.next = job.expr.Next(now)
	}

	for {
		job := p.nextLaunch()
		wait := time.Until(job.next)
		if job.next.IsZero() {
			// An expression with no future match. The fixed schedules
			// always have one; recheck lazily rather than spin.
			wait = time.Minute
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		now := time.Now().UTC()
		for _, due := range p.jobs {
			if due.next.IsZero() || due.next.After(now) {
				continue
			}
			res, err := p.runJob(ctx, due, now)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Error("periodic job failed", "job", due.name, "error", err)
			} else {
				p.logger.Debug("periodic job complete",
					"job", due.name, "elapsed", res.Elapsed, "counts", fmt.Sprintf("%v", res.Counts))
			}
			due.next = due.expr.Next(now)
		}
	}
}

// nextLaunch returns the job with the earliest pending launch.
func (p *PeriodicRunner) nextLaunch() *cronJob {
	var next *cronJob
	for _, job := range p.jobs {
		if job.next.IsZero() {
			continue
		}
		if next == nil || job.next.Before(next.next) {
			next = job
		}
	}
	if next == nil {
		// Every schedule exhausted; pick any job so the loop keeps a
		// timer to re-evaluate on.
		for _, job := range p.jobs {
			return job
		}
	}
	return next
}

func (p *PeriodicRunner) runJob(ctx context.Context, job *cronJob, now time.Time) (*CronResult, error) {
	defer metrics.MeasureSince([]string{"dispatch", "periodic", job.name}, time.Now())

	start := time.Now()
	counts, err := job.run(ctx, now)
	res := &CronResult{
		Job:     job.name,
		Started: now,
		Elapsed: time.Since(start),
		Counts:  counts,
	}
	return res, err
}

// runDailyHealth runs the daily evaluator for every organization, then
// reconciles driver flags against the freshly recomputed metrics.
func (s *Server) runDailyHealth(ctx context.Context, now time.Time) (map[string]int, error) {
	counts := map[string]int{
		"evaluated":  0,
		"hard_stops": 0,
		"corrective": 0,
		"skipped":    0,
		"errors":     0,
	}
	orgs, err := s.organizationIDs()
	if err != nil {
		return counts, err
	}

	for _, orgID := range orgs {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		res, err := s.evaluator.RunDaily(ctx, orgID, now)
		if err != nil {
			s.logger.Error("daily health evaluation failed", "org_id", orgID, "error", err)
			counts["errors"]++
			continue
		}
		counts["evaluated"] += res.Evaluated
		counts["hard_stops"] += res.HardStops
		counts["corrective"] += res.Corrective
		counts["skipped"] += res.Skipped
		counts["errors"] += len(res.Errors)
	}

	flags, err := s.evaluateDriverFlags(ctx, now)
	if err != nil {
		return counts, err
	}
	counts["flagged"] = flags["flagged"]
	counts["unflagged"] = flags["unflagged"]
	counts["cap_reduced"] = flags["reduced"]
	counts["errors"] += flags["errors"]
	return counts, nil
}

// runWeeklyHealth scores the closed week for every organization's drivers.
func (s *Server) runWeeklyHealth(ctx context.Context, now time.Time) (map[string]int, error) {
	counts := map[string]int{
		"evaluated": 0,
		"qualified": 0,
		"resets":    0,
		"skipped":   0,
		"errors":    0,
	}
	orgs, err := s.organizationIDs()
	if err != nil {
		return counts, err
	}

	for _, orgID := range orgs {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		res, err := s.evaluator.RunWeekly(ctx, orgID, now)
		if err != nil {
			s.logger.Error("weekly health evaluation failed", "org_id", orgID, "error", err)
			counts["errors"]++
			continue
		}
		counts["evaluated"] += res.Evaluated
		counts["qualified"] += res.Qualified
		counts["resets"] += res.Resets
		counts["skipped"] += res.Skipped
		counts["errors"] += len(res.Errors)
	}
	return counts, nil
}

// pruneNotifications removes inbox rows past the retention window.
func (s *Server) pruneNotifications(ctx context.Context, now time.Time) (map[string]int, error) {
	counts := map[string]int{
		"pruned": 0,
		"errors": 0,
	}
	orgs, err := s.organizationIDs()
	if err != nil {
		return counts, err
	}

	cutoff := now.Add(-notificationRetention)
	for _, orgID := range orgs {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		n, err := s.store.PruneNotifications(s.store.NextIndex(), orgID, cutoff)
		if err != nil {
			s.logger.Error("notification prune failed", "org_id", orgID, "error", err)
			counts["errors"]++
			continue
		}
		counts["pruned"] += n
	}
	return counts, nil
}

// pruneOrphanOrganizations removes tenants that never got members.
func (s *Server) pruneOrphanOrganizations(ctx context.Context, now time.Time) (map[string]int, error) {
	counts := map[string]int{"pruned": 0}
	n, err := s.store.PruneOrphanOrganizations(s.store.NextIndex(), now.Add(-orphanOrgRetention))
	if err != nil {
		return counts, err
	}
	counts["pruned"] = n
	return counts, nil
}
