// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// ManualAssign fills an unfilled slot with a driver of the manager's
// choosing, bypassing the bid market. Any open window on the slot resolves
// winnerless in the same store transaction. The pool-eligibility gate does
// not apply here; a manager placing a driver by hand is the intervention
// that gate exists to force.
func (b *BidWindow) ManualAssign(args *structs.ManualAssignRequest, reply *structs.AssignmentUpdateResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "bid_window", "manual_assign"}, time.Now())

	if args.AssignmentID == "" {
		return fmt.Errorf("missing assignment ID")
	}
	if args.UserID == "" {
		return fmt.Errorf("missing user ID")
	}
	actor, err := b.srv.resolveManager(args.OrganizationID, args.ActorID)
	if err != nil {
		return err
	}
	out, err := b.srv.assignmentForOrg(args.OrganizationID, args.AssignmentID)
	if err != nil {
		return err
	}
	if err := b.srv.canManagerAccessWarehouse(actor, out.WarehouseID); err != nil {
		return err
	}

	target, err := b.srv.store.UserByID(nil, args.UserID)
	if err != nil {
		return err
	}
	if target == nil || target.OrganizationID != args.OrganizationID || !target.IsDriver() {
		return structs.NewErrUnknownDriver(args.UserID)
	}
	if target.Flagged {
		return structs.NewPolicyRejection(structs.ReasonDriverFlagged, "driver is flagged")
	}

	_, zone, err := b.srv.policyAndZone(args.OrganizationID)
	if err != nil {
		return err
	}
	weekStart, err := zone.WeekStart(out.ShiftDate)
	if err != nil {
		return err
	}
	count, err := b.srv.store.UserWeeklyAssignmentCount(target.ID, weekStart)
	if err != nil {
		return err
	}
	if count >= target.WeeklyCap {
		return structs.NewPolicyRejection(structs.ReasonWeeklyCapReached, "driver is at their weekly cap")
	}

	index := b.srv.store.NextIndex()
	if err := b.srv.store.ManualAssign(index, args.OrganizationID, args.AssignmentID, target.ID, actor.ID, b.srv.now()); err != nil {
		if constraint, ok := structs.IsUniqueViolation(err); ok && constraint == structs.ConstraintActiveUserDate {
			return structs.NewPolicyRejection(structs.ReasonSameDayConflict, "driver already has a shift on this date")
		}
		if structs.IsErrStateChanged(err) {
			return structs.NewPolicyRejection(structs.ReasonWrongStatus, "slot is not unfilled")
		}
		return err
	}
	reply.Index = index

	b.srv.notifyUser(args.OrganizationID, target.ID, structs.NotificationAssignmentConfirmed, map[string]string{
		"assignment_id": out.ID,
		"route":         b.srv.routeName(out.RouteID),
		"date":          out.ShiftDate,
	})
	return nil
}
