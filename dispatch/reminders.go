// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// confirmationReminderLeadDays is how many days before the shift date the
// confirmation nudge goes out. The confirmation deadline sits two days
// before the shift, so three days out gives the driver a full day to act.
const confirmationReminderLeadDays = 3

// sendShiftReminders runs the reminder sweep. Three cohorts, each
// deduplicated per driver and shift date so hourly reruns stay silent:
// confirmed drivers working today get the day-of reminder, unconfirmed
// rows still scheduled today get a final warning, and unconfirmed rows
// approaching their deadline get the confirmation nudge.
func (s *Server) sendShiftReminders(ctx context.Context, now time.Time) (map[string]int, error) {
	counts := map[string]int{
		"reminded":      0,
		"confirmations": 0,
		"stale":         0,
		"errors":        0,
	}
	orgs, err := s.organizationIDs()
	if err != nil {
		return counts, err
	}

	for _, orgID := range orgs {
		_, zone, err := s.policyAndZone(orgID)
		if err != nil {
			counts["errors"]++
			s.logger.Error("reminder sweep policy load failed", "org_id", orgID, "error", err)
			continue
		}
		today := zone.Today(now)

		iter, err := s.store.AssignmentsByOrganizationDate(nil, orgID, today)
		if err != nil {
			counts["errors"]++
			s.logger.Error("reminder sweep scan failed", "org_id", orgID, "error", err)
			continue
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			if err := ctx.Err(); err != nil {
				return counts, err
			}
			a := raw.(*structs.Assignment)
			if a.Status != structs.AssignmentStatusScheduled || a.UserID == "" {
				continue
			}

			if a.Confirmed() {
				sent := s.notifyUserKeyed(a.OrganizationID, a.UserID, structs.NotificationShiftReminder,
					fmt.Sprintf("%s:%s", structs.NotificationShiftReminder, today),
					map[string]string{
						"assignment_id": a.ID,
						"route":         s.routeName(a.RouteID),
						"date":          a.ShiftDate,
						"time":          s.routeStartDisplay(a.RouteID),
					})
				if sent {
					counts["reminded"]++
				}
				continue
			}

			sent := s.notifyUserKeyed(a.OrganizationID, a.UserID, structs.NotificationStaleShiftReminder,
				fmt.Sprintf("%s:%s", structs.NotificationStaleShiftReminder, today),
				map[string]string{
					"assignment_id": a.ID,
					"route":         s.routeName(a.RouteID),
					"date":          a.ShiftDate,
				})
			if sent {
				counts["stale"]++
			}
		}

		target, err := structs.AddDays(today, confirmationReminderLeadDays)
		if err != nil {
			counts["errors"]++
			continue
		}
		ahead, err := s.store.AssignmentsByOrganizationDate(nil, orgID, target)
		if err != nil {
			counts["errors"]++
			s.logger.Error("reminder sweep scan failed", "org_id", orgID, "error", err)
			continue
		}
		for raw := ahead.Next(); raw != nil; raw = ahead.Next() {
			if err := ctx.Err(); err != nil {
				return counts, err
			}
			a := raw.(*structs.Assignment)
			if a.Status != structs.AssignmentStatusScheduled || a.Confirmed() || a.UserID == "" {
				continue
			}
			sent := s.notifyUserKeyed(a.OrganizationID, a.UserID, structs.NotificationConfirmReminder,
				fmt.Sprintf("%s:%s", structs.NotificationConfirmReminder, target),
				map[string]string{
					"assignment_id": a.ID,
					"route":         s.routeName(a.RouteID),
					"date":          a.ShiftDate,
				})
			if sent {
				counts["confirmations"]++
			}
		}
	}
	return counts, nil
}

// routeStartDisplay renders the route's departure time for notification
// copy.
func (s *Server) routeStartDisplay(routeID string) string {
	route, err := s.store.RouteByID(nil, routeID)
	if err != nil || route == nil {
		return structs.DefaultRouteStartTime
	}
	hour, minute := route.StartTimeParts()
	return fmt.Sprintf("%02d:%02d", hour, minute)
}
