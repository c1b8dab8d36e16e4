// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// InstantAssign claims a first-come window for the acting driver. The
// store serializes racing claims; exactly one caller wins and the rest
// get a clean already-assigned refusal.
func (b *BidWindow) InstantAssign(args *structs.InstantAssignRequest, reply *structs.InstantAssignResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "bid_window", "instant_assign"}, time.Now())

	if args.WindowID == "" {
		return fmt.Errorf("missing window ID")
	}
	actor, err := b.srv.resolveActor(args.OrganizationID, args.ActorID)
	if err != nil {
		return err
	}
	if !actor.IsDriver() {
		return structs.ErrPermissionDenied
	}
	window, err := b.srv.windowForOrg(args.OrganizationID, args.WindowID)
	if err != nil {
		return err
	}

	now := b.srv.now()
	if !window.Open(now) {
		return structs.NewPolicyRejection(structs.ReasonWindowNotOpen, "window is closed")
	}
	if !window.FirstComeFirstServed() {
		return structs.NewPolicyRejection(structs.ReasonWrongStatus, "window collects bids; place a bid instead")
	}
	if err := b.srv.claimEligibility(actor, window.ShiftDate); err != nil {
		return err
	}

	index, err := b.srv.instantClaim(window, actor, now)
	if err != nil {
		return err
	}
	reply.AssignmentID = window.AssignmentID
	reply.ShiftDate = window.ShiftDate
	reply.Index = index
	return nil
}

// instantClaim runs the store-side first-come award and translates its
// race outcomes into policy rejections. The winner is told they got the
// route.
func (s *Server) instantClaim(window *structs.BidWindow, actor *structs.User, now time.Time) (uint64, error) {
	index := s.store.NextIndex()
	if err := s.store.InstantAssign(index, window.OrganizationID, window.ID, actor.ID, now); err != nil {
		if constraint, ok := structs.IsUniqueViolation(err); ok && constraint == structs.ConstraintActiveUserDate {
			return 0, structs.NewPolicyRejection(structs.ReasonSameDayConflict, "you already have a shift on this date")
		}
		if structs.IsErrStateChanged(err) {
			return 0, structs.NewPolicyRejection(structs.ReasonAlreadyAssigned, "route already assigned")
		}
		return 0, err
	}

	s.notifyUser(window.OrganizationID, actor.ID, structs.NotificationBidWon, map[string]string{
		"window_id":     window.ID,
		"assignment_id": window.AssignmentID,
		"route":         s.routeName(window.RouteID),
		"date":          window.ShiftDate,
	})
	return index, nil
}
