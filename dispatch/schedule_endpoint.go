// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/parcelworks/dispatch/dispatch/state"
	"github.com/parcelworks/dispatch/dispatch/structs"
)

// Schedule endpoint triggers weekly schedule generation.
type Schedule struct {
	srv *Server
}

// Generate fills the week containing args.Date for the organization. The
// generator skips covered slots, so re-running an already generated week
// is safe and reports zero creations. Drivers holding shifts in the week
// are told it is posted, once per week each.
func (s *Schedule) Generate(args *structs.ScheduleGenerateRequest, reply *structs.ScheduleGenerateResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "schedule", "generate"}, time.Now())

	if args.Date == "" {
		return fmt.Errorf("missing date")
	}
	if _, err := s.srv.resolveManager(args.OrganizationID, args.ActorID); err != nil {
		return err
	}

	res, err := s.srv.weekScheduler.Generate(args.OrganizationID, args.Date, s.srv.now())
	if err != nil {
		return err
	}

	reply.WeekStart = res.WeekStart
	reply.Created = res.Created
	reply.Skipped = res.Skipped
	reply.Unfilled = res.Unfilled
	reply.Errors = res.Errors
	reply.Notified = s.srv.announceWeek(args.OrganizationID, res.WeekStart)

	index, err := s.srv.store.Index(state.TableAssignments)
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// announceWeek tells each driver holding a non-cancelled shift in the week
// that the schedule is posted. Deduped per driver and week, so announcing
// after a re-generation only reaches drivers the first pass missed.
func (s *Server) announceWeek(orgID, weekStart string) int {
	notified := 0
	seen := make(map[string]struct{})
	for i := 0; i < 7; i++ {
		day, err := structs.AddDays(weekStart, i)
		if err != nil {
			s.logger.Error("week announcement failed", "org_id", orgID, "week_start", weekStart, "error", err)
			return notified
		}
		iter, err := s.store.AssignmentsByOrganizationDate(nil, orgID, day)
		if err != nil {
			s.logger.Error("week announcement failed", "org_id", orgID, "date", day, "error", err)
			continue
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			a := raw.(*structs.Assignment)
			if a.UserID == "" || a.Status == structs.AssignmentStatusCancelled {
				continue
			}
			if _, ok := seen[a.UserID]; ok {
				continue
			}
			seen[a.UserID] = struct{}{}

			key := fmt.Sprintf("%s:%s", structs.NotificationScheduleLocked, weekStart)
			if s.notifyUserKeyed(orgID, a.UserID, structs.NotificationScheduleLocked, key,
				map[string]string{"date": weekStart}) {
				notified++
			}
		}
	}
	return notified
}
