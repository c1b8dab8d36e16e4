// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"time"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// autoDropUnconfirmed sweeps scheduled assignments that sailed past their
// confirmation deadline without a confirmation. Each one is cancelled as
// an auto-drop, the slot reopens as an instant window and the driver is
// told their shift was released. A driver confirming mid-sweep wins the
// race and keeps the shift.
func (s *Server) autoDropUnconfirmed(ctx context.Context, now time.Time) (map[string]int, error) {
	counts := map[string]int{
		"processed": 0,
		"dropped":   0,
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
			s.logger.Error("auto-drop sweep policy load failed", "org_id", orgID, "error", err)
			continue
		}

		iter, err := s.store.AssignmentsByOrganization(nil, orgID)
		if err != nil {
			counts["errors"]++
			s.logger.Error("auto-drop sweep scan failed", "org_id", orgID, "error", err)
			continue
		}

		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			if err := ctx.Err(); err != nil {
				return counts, err
			}
			a := raw.(*structs.Assignment)
			if a.Status != structs.AssignmentStatusScheduled || a.Confirmed() || a.UserID == "" {
				continue
			}
			deadline, err := policy.ConfirmationDeadline(zone, a.ShiftDate)
			if err != nil {
				counts["errors"]++
				continue
			}
			if now.Before(deadline) {
				continue
			}

			counts["processed"]++
			dropped, err := s.autoDropOne(a, now)
			if err != nil {
				counts["errors"]++
				s.logger.Error("auto-drop failed", "assignment_id", a.ID, "error", err)
				continue
			}
			if dropped {
				counts["dropped"]++
			}
		}
	}
	return counts, nil
}

// autoDropOne cancels one stale assignment and reopens its slot. The
// replacement window comes second so a crash between the two leaves a
// cancelled row the next sweep can still reopen through createBidWindow.
func (s *Server) autoDropOne(a *structs.Assignment, now time.Time) (bool, error) {
	driverID := a.UserID

	index := s.store.NextIndex()
	if err := s.store.AutoDropAssignment(index, a.OrganizationID, a.ID, now); err != nil {
		if structs.IsErrStateChanged(err) {
			return false, nil
		}
		return false, err
	}

	s.notifyUser(a.OrganizationID, driverID, structs.NotificationShiftAutoDropped, map[string]string{
		"assignment_id": a.ID,
		"route":         s.routeName(a.RouteID),
		"date":          a.ShiftDate,
	})

	_, _, _, err := s.openReplacementWindow(a, "", structs.WindowTriggerAutoDrop, structs.ActorTypeSystem, structs.ActorSystem, now)
	if err != nil {
		// The drop itself committed. A shift already in the past gets no
		// replacement window; anything else is a real failure.
		if reason, ok := structs.IsPolicyRejection(err); ok && reason == structs.ReasonShiftInPast {
			s.logger.Debug("auto-dropped shift already in the past, no window opened", "assignment_id", a.ID)
			return true, nil
		}
		return true, err
	}
	return true, nil
}
