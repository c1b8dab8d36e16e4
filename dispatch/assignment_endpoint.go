// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"fmt"
	"sort"
	"time"

	memdb "github.com/hashicorp/go-memdb"
	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/parcelworks/dispatch/dispatch/state"
	"github.com/parcelworks/dispatch/dispatch/structs"
)

// Assignment endpoint is used for manipulating assignments through their
// lifecycle: confirm, cancel, arrive, start, complete, plus the manager's
// return correction and the read views.
type Assignment struct {
	srv *Server
}

// Confirm is used by the holding driver to confirm a scheduled assignment
// inside the confirmation window.
func (a *Assignment) Confirm(args *structs.AssignmentConfirmRequest, reply *structs.AssignmentUpdateResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "assignment", "confirm"}, time.Now())

	_, out, err := a.ownedAssignment(args.OrganizationID, args.ActorID, args.AssignmentID)
	if err != nil {
		return err
	}

	policy, zone, err := a.srv.policyAndZone(args.OrganizationID)
	if err != nil {
		return err
	}
	now := a.srv.now()

	if out.Status != structs.AssignmentStatusScheduled {
		return structs.NewPolicyRejection(structs.ReasonWrongStatus, "assignment is no longer scheduled")
	}
	if out.Confirmed() {
		return structs.NewPolicyRejection(structs.ReasonAlreadyConfirmed, "assignment already confirmed")
	}
	opensAt, err := policy.ConfirmationOpensAt(zone, out.ShiftDate)
	if err != nil {
		return err
	}
	deadline, err := policy.ConfirmationDeadline(zone, out.ShiftDate)
	if err != nil {
		return err
	}
	if now.Before(opensAt) {
		return structs.NewPolicyRejection(structs.ReasonConfirmWindowNotOpen, "confirmation window is not open yet")
	}
	if !now.Before(deadline) {
		return structs.NewPolicyRejection(structs.ReasonConfirmDeadlinePassed, "confirmation deadline has passed")
	}

	index := a.srv.store.NextIndex()
	if err := a.srv.store.ConfirmAssignment(index, args.OrganizationID, args.AssignmentID, now); err != nil {
		if structs.IsErrStateChanged(err) {
			return structs.NewPolicyRejection(structs.ReasonAlreadyConfirmed, "assignment already confirmed")
		}
		return err
	}
	reply.Index = index

	a.srv.notifyAssignment(out, structs.NotificationAssignmentConfirmed, nil)
	return nil
}

// Cancel is used by the holding driver, or a manager of the warehouse, to
// cancel a scheduled assignment before its shift date. The vacated slot is
// reopened to the pool through a replacement bid window.
func (a *Assignment) Cancel(args *structs.AssignmentCancelRequest, reply *structs.AssignmentCancelResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "assignment", "cancel"}, time.Now())

	if args.AssignmentID == "" {
		return fmt.Errorf("missing assignment ID")
	}
	actor, err := a.srv.resolveActor(args.OrganizationID, args.ActorID)
	if err != nil {
		return err
	}
	out, err := a.srv.assignmentForOrg(args.OrganizationID, args.AssignmentID)
	if err != nil {
		return err
	}
	if actor.ID != out.UserID {
		if err := a.srv.canManagerAccessWarehouse(actor, out.WarehouseID); err != nil {
			return err
		}
	}

	policy, zone, err := a.srv.policyAndZone(args.OrganizationID)
	if err != nil {
		return err
	}
	now := a.srv.now()

	if out.Status != structs.AssignmentStatusScheduled {
		return structs.NewPolicyRejection(structs.ReasonWrongStatus, "assignment is no longer scheduled")
	}
	dayStart, err := zone.LocalDateTime(out.ShiftDate, 0, 0)
	if err != nil {
		return err
	}
	if !now.Before(dayStart) {
		return structs.NewPolicyRejection(structs.ReasonShiftInPast, "shift can no longer be cancelled")
	}

	deadline, err := policy.ConfirmationDeadline(zone, out.ShiftDate)
	if err != nil {
		return err
	}
	cancelType := structs.CancelTypeEarly
	if !now.Before(deadline) {
		cancelType = structs.CancelTypeLate
	}

	actorType, actorID := args.Actor()
	index := a.srv.store.NextIndex()
	if err := a.srv.store.CancelAssignment(index, args.OrganizationID, args.AssignmentID, cancelType, now, actorType, actorID); err != nil {
		if structs.IsErrStateChanged(err) {
			return structs.NewPolicyRejection(structs.ReasonWrongStatus, "assignment already cancelled")
		}
		return err
	}
	reply.CancelType = cancelType
	reply.Index = index

	if actor.ID != out.UserID {
		a.srv.notifyAssignment(out, structs.NotificationShiftCancelled, nil)
	}

	window, opened, _, err := a.srv.openReplacementWindow(out, "", structs.WindowTriggerCancellation, actorType, actorID, now)
	if err != nil {
		return err
	}
	reply.WindowOpened = opened
	if window != nil {
		reply.WindowID = window.ID
	}
	return nil
}

// Arrive is used by the holding driver checking in at the warehouse on the
// shift date, before the route's start time.
func (a *Assignment) Arrive(args *structs.AssignmentArriveRequest, reply *structs.AssignmentUpdateResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "assignment", "arrive"}, time.Now())

	_, out, err := a.ownedAssignment(args.OrganizationID, args.ActorID, args.AssignmentID)
	if err != nil {
		return err
	}

	policy, zone, err := a.srv.policyAndZone(args.OrganizationID)
	if err != nil {
		return err
	}
	now := a.srv.now()

	if out.Status != structs.AssignmentStatusScheduled {
		return structs.NewPolicyRejection(structs.ReasonWrongStatus, "assignment is no longer scheduled")
	}
	if !out.Confirmed() {
		return structs.NewPolicyRejection(structs.ReasonNotConfirmed, "confirm the shift before arriving")
	}
	if zone.Today(now) != out.ShiftDate {
		return structs.NewPolicyRejection(structs.ReasonShiftNotToday, "shift is not today")
	}
	route, err := a.srv.store.RouteByID(nil, out.RouteID)
	if err != nil {
		return err
	}
	arrivalDeadline, err := policy.ArrivalDeadline(zone, out.ShiftDate, route)
	if err != nil {
		return err
	}
	if !now.Before(arrivalDeadline) {
		return structs.NewPolicyRejection(structs.ReasonArrivalDeadlinePassed, "arrival window has closed")
	}

	index := a.srv.store.NextIndex()
	if err := a.srv.store.ArriveShift(index, args.OrganizationID, args.AssignmentID, now); err != nil {
		if structs.IsErrStateChanged(err) {
			return structs.NewPolicyRejection(structs.ReasonWrongStatus, "assignment state changed")
		}
		return err
	}
	reply.Index = index
	return nil
}

// Start is used by the holding driver recording the loaded parcel count
// and getting the route under way.
func (a *Assignment) Start(args *structs.AssignmentStartRequest, reply *structs.AssignmentUpdateResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "assignment", "start"}, time.Now())

	_, out, err := a.ownedAssignment(args.OrganizationID, args.ActorID, args.AssignmentID)
	if err != nil {
		return err
	}
	if out.Status != structs.AssignmentStatusActive {
		return structs.NewPolicyRejection(structs.ReasonWrongStatus, "arrive at the warehouse before starting")
	}

	index := a.srv.store.NextIndex()
	if err := a.srv.store.StartShift(index, args.OrganizationID, args.AssignmentID, args.ParcelsStart, a.srv.now()); err != nil {
		if structs.IsErrStateChanged(err) {
			return structs.NewPolicyRejection(structs.ReasonWrongStatus, "shift is not ready to start")
		}
		return err
	}
	reply.Index = index
	return nil
}

// Complete is used by the holding driver recording the route outcome.
func (a *Assignment) Complete(args *structs.AssignmentCompleteRequest, reply *structs.AssignmentUpdateResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "assignment", "complete"}, time.Now())

	_, out, err := a.ownedAssignment(args.OrganizationID, args.ActorID, args.AssignmentID)
	if err != nil {
		return err
	}
	if out.Status != structs.AssignmentStatusActive {
		return structs.NewPolicyRejection(structs.ReasonWrongStatus, "shift is not in progress")
	}

	index := a.srv.store.NextIndex()
	err = a.srv.store.CompleteShift(index, args.OrganizationID, args.AssignmentID,
		args.ParcelsDelivered, args.ParcelsReturned, args.ExceptedReturns, args.Notes, a.srv.now())
	if err != nil {
		if structs.IsErrStateChanged(err) {
			return structs.NewPolicyRejection(structs.ReasonWrongStatus, "shift is not in progress")
		}
		return err
	}
	reply.Index = index
	return nil
}

// CorrectReturns is the manager's corrective edit of a completed shift's
// excepted returns. The driver is told their numbers were adjusted.
func (a *Assignment) CorrectReturns(args *structs.ShiftCorrectionRequest, reply *structs.AssignmentUpdateResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "assignment", "correct_returns"}, time.Now())

	if args.AssignmentID == "" {
		return fmt.Errorf("missing assignment ID")
	}
	actor, err := a.srv.resolveActor(args.OrganizationID, args.ActorID)
	if err != nil {
		return err
	}
	out, err := a.srv.assignmentForOrg(args.OrganizationID, args.AssignmentID)
	if err != nil {
		return err
	}
	if err := a.srv.canManagerAccessWarehouse(actor, out.WarehouseID); err != nil {
		return err
	}

	index := a.srv.store.NextIndex()
	if err := a.srv.store.CorrectShiftReturns(index, args.OrganizationID, args.AssignmentID, args.ExceptedReturns, args.Notes, actor.ID); err != nil {
		if structs.IsErrStateChanged(err) {
			return structs.NewPolicyRejection(structs.ReasonWrongStatus, "shift is not completed")
		}
		return err
	}
	reply.Index = index

	a.srv.notifyAssignment(out, structs.NotificationReturnException, map[string]string{
		"count": fmt.Sprintf("%d", args.ExceptedReturns),
	})
	return nil
}

// List returns a tenant's assignments, optionally filtered by driver or
// shift date. Drivers see only their own.
func (a *Assignment) List(args *structs.AssignmentListRequest, reply *structs.AssignmentListResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "assignment", "list"}, time.Now())

	actor, err := a.srv.resolveActor(args.OrganizationID, args.ActorID)
	if err != nil {
		return err
	}
	if actor.IsDriver() {
		if args.UserID == "" {
			args.UserID = actor.ID
		} else if args.UserID != actor.ID {
			return structs.ErrPermissionDenied
		}
	}

	var iter memdb.ResultIterator
	switch {
	case args.UserID != "":
		iter, err = a.srv.store.AssignmentsByUser(nil, args.UserID)
	case args.Date != "":
		iter, err = a.srv.store.AssignmentsByOrganizationDate(nil, args.OrganizationID, args.Date)
	default:
		iter, err = a.srv.store.AssignmentsByOrganization(nil, args.OrganizationID)
	}
	if err != nil {
		return err
	}

	var stubs []*structs.AssignmentListStub
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out := raw.(*structs.Assignment)
		if out.OrganizationID != args.OrganizationID {
			continue
		}
		if args.Date != "" && out.ShiftDate != args.Date {
			continue
		}
		stubs = append(stubs, out.Stub())
	}
	sort.Slice(stubs, func(i, j int) bool {
		if stubs[i].ShiftDate != stubs[j].ShiftDate {
			return stubs[i].ShiftDate < stubs[j].ShiftDate
		}
		if stubs[i].RouteID != stubs[j].RouteID {
			return stubs[i].RouteID < stubs[j].RouteID
		}
		return stubs[i].ID < stubs[j].ID
	})
	reply.Assignments = stubs

	index, err := a.srv.store.Index(state.TableAssignments)
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// Detail returns the merged view of one assignment: the row, its execution
// record, its route, any open window over its slot and the actions legal
// at this instant.
func (a *Assignment) Detail(args *structs.AssignmentSpecificRequest, reply *structs.SingleAssignmentResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "assignment", "detail"}, time.Now())

	if args.AssignmentID == "" {
		return fmt.Errorf("missing assignment ID")
	}
	actor, err := a.srv.resolveActor(args.OrganizationID, args.ActorID)
	if err != nil {
		return err
	}
	out, err := a.srv.assignmentForOrg(args.OrganizationID, args.AssignmentID)
	if err != nil {
		return err
	}
	if actor.IsDriver() && out.UserID != actor.ID {
		return structs.ErrPermissionDenied
	}

	shift, err := a.srv.store.ShiftByAssignment(nil, out.ID)
	if err != nil {
		return err
	}
	route, err := a.srv.store.RouteByID(nil, out.RouteID)
	if err != nil {
		return err
	}
	window, err := a.srv.store.OpenBidWindowForAssignment(nil, out.ID)
	if err != nil {
		return err
	}

	actx, err := a.srv.actionContext(args.OrganizationID, out.ShiftDate, route, a.srv.now())
	if err != nil {
		return err
	}

	reply.Assignment = out
	reply.Shift = shift
	reply.Route = route
	if window != nil {
		reply.OpenWindow = window.Stub()
	}
	reply.AllowedActions = structs.AllowedActions(out, shift, actx)
	reply.Index = out.ModifyIndex
	return nil
}

// ownedAssignment resolves the acting driver and their assignment in one
// step, the prologue every driver lifecycle action shares.
func (a *Assignment) ownedAssignment(orgID, actorID, assignmentID string) (*structs.User, *structs.Assignment, error) {
	if assignmentID == "" {
		return nil, nil, fmt.Errorf("missing assignment ID")
	}
	actor, err := a.srv.resolveActor(orgID, actorID)
	if err != nil {
		return nil, nil, err
	}
	out, err := a.srv.assignmentForOrg(orgID, assignmentID)
	if err != nil {
		return nil, nil, err
	}
	if out.UserID != actor.ID {
		return nil, nil, structs.ErrPermissionDenied
	}
	return actor, out, nil
}

// assignmentForOrg loads an assignment and enforces the tenant boundary.
// Cross-tenant reads report unknown, not forbidden, so IDs cannot be
// probed across organizations.
func (s *Server) assignmentForOrg(orgID, assignmentID string) (*structs.Assignment, error) {
	out, err := s.store.AssignmentByID(nil, assignmentID)
	if err != nil {
		return nil, err
	}
	if out == nil || out.OrganizationID != orgID {
		return nil, structs.NewErrUnknownAssignment(assignmentID)
	}
	return out, nil
}

// actionContext resolves the deadline instants AllowedActions evaluates
// against for a shift date.
func (s *Server) actionContext(orgID, date string, route *structs.Route, now time.Time) (structs.ActionContext, error) {
	policy, zone, err := s.policyAndZone(orgID)
	if err != nil {
		return structs.ActionContext{}, err
	}
	opensAt, err := policy.ConfirmationOpensAt(zone, date)
	if err != nil {
		return structs.ActionContext{}, err
	}
	deadline, err := policy.ConfirmationDeadline(zone, date)
	if err != nil {
		return structs.ActionContext{}, err
	}
	dayStart, err := zone.LocalDateTime(date, 0, 0)
	if err != nil {
		return structs.ActionContext{}, err
	}
	dayEnd, err := zone.EndOfDay(date)
	if err != nil {
		return structs.ActionContext{}, err
	}
	arrival, err := policy.ArrivalDeadline(zone, date, route)
	if err != nil {
		return structs.ActionContext{}, err
	}
	return structs.ActionContext{
		Now:                  now,
		ConfirmationOpensAt:  opensAt,
		ConfirmationDeadline: deadline,
		ShiftDayStart:        dayStart,
		ShiftDayEnd:          dayEnd,
		ArrivalDeadline:      arrival,
	}, nil
}

// notifyAssignment sends a best-effort notification about an assignment to
// its driver, with the standard routing identifiers filled in.
func (s *Server) notifyAssignment(a *structs.Assignment, typ string, extra map[string]string) {
	if a.UserID == "" {
		return
	}
	data := map[string]string{
		"assignment_id": a.ID,
		"date":          a.ShiftDate,
		"route":         s.routeName(a.RouteID),
	}
	for k, v := range extra {
		data[k] = v
	}
	s.notifyUser(a.OrganizationID, a.UserID, typ, data)
}
