// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// detectNoShows sweeps today's confirmed assignments whose driver never
// arrived by the route's start time. Each hit hard-stops the driver,
// reopens the slot as an emergency window, alerts the route's manager and
// fans the emergency out to drivers who could still cover it. The store
// transaction is re-runnable, so overlapping sweep runs converge.
func (s *Server) detectNoShows(ctx context.Context, now time.Time) (map[string]int, error) {
	counts := map[string]int{
		"processed": 0,
		"detected":  0,
		"errors":    0,
	}
	orgs, err := s.organizationIDs()
	if err != nil {
		return counts, err
	}

	for _, orgID := range orgs {
		policy, zone, err := s.policyAndZone(orgID)
		if err != nil {
			counts["errors"]++
			s.logger.Error("no-show sweep policy load failed", "org_id", orgID, "error", err)
			continue
		}
		today := zone.Today(now)

		iter, err := s.store.AssignmentsByOrganizationDate(nil, orgID, today)
		if err != nil {
			counts["errors"]++
			s.logger.Error("no-show sweep scan failed", "org_id", orgID, "error", err)
			continue
		}

		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			if err := ctx.Err(); err != nil {
				return counts, err
			}
			a := raw.(*structs.Assignment)
			if a.Status != structs.AssignmentStatusScheduled || !a.Confirmed() {
				continue
			}

			route, err := s.store.RouteByID(nil, a.RouteID)
			if err != nil {
				counts["errors"]++
				continue
			}
			deadline, err := policy.ArrivalDeadline(zone, today, route)
			if err != nil {
				counts["errors"]++
				continue
			}
			if now.Before(deadline) {
				continue
			}

			// An open window means a prior run or a manager already
			// reopened this slot.
			open, err := s.store.OpenBidWindowForAssignment(nil, a.ID)
			if err != nil {
				counts["errors"]++
				continue
			}
			if open != nil {
				continue
			}

			counts["processed"]++
			if err := s.recordNoShow(a, policy, zone, now); err != nil {
				counts["errors"]++
				s.logger.Error("no-show handling failed", "assignment_id", a.ID, "error", err)
				continue
			}
			counts["detected"]++
		}
	}
	return counts, nil
}

// recordNoShow handles one no-show: the store transaction vacates the slot
// behind an emergency window and hard-stops the driver, then the alerts go
// out. A concurrent run losing the open-window race counts as already
// handled.
func (s *Server) recordNoShow(a *structs.Assignment, policy *structs.DispatchPolicy, zone *structs.TenantZone, now time.Time) error {
	shiftStart, err := policy.ShiftStartAt(zone, a.ShiftDate)
	if err != nil {
		return err
	}
	endOfToday, err := zone.EndOfDay(zone.Today(now))
	if err != nil {
		return err
	}
	plan, err := structs.PlanBidWindow(policy, "", structs.WindowTriggerNoShow, true, now, shiftStart, endOfToday)
	if err != nil {
		return err
	}

	driverID := a.UserID
	window := &structs.BidWindow{
		OrganizationID: a.OrganizationID,
		AssignmentID:   a.ID,
		RouteID:        a.RouteID,
		ShiftDate:      a.ShiftDate,
		Mode:           plan.Mode,
		Trigger:        structs.WindowTriggerNoShow,
		Status:         structs.BidWindowStatusOpen,
		BonusPercent:   policy.EmergencyBonusPercent,
		OpensAt:        now,
		ClosesAt:       plan.ClosesAt,
	}

	index := s.store.NextIndex()
	if err := s.store.RecordNoShow(index, a.OrganizationID, a.ID, window, now); err != nil {
		if _, ok := structs.IsUniqueViolation(err); ok {
			return nil
		}
		if structs.IsErrStateChanged(err) {
			return nil
		}
		return err
	}

	driverName := driverID
	if driver, err := s.store.UserByID(nil, driverID); err == nil && driver != nil {
		driverName = driver.Name
	}
	s.alertRouteManagers(a.OrganizationID, a.RouteID, structs.NotificationDriverNoShow,
		fmt.Sprintf("%s:%s", structs.NotificationDriverNoShow, a.ID),
		map[string]string{
			"assignment_id": a.ID,
			"driver":        driverName,
			"route":         s.routeName(a.RouteID),
			"date":          a.ShiftDate,
		})
	s.notifyWindowOpened(window, zone)
	return nil
}
