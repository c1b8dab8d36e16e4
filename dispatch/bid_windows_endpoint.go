// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	memdb "github.com/hashicorp/go-memdb"
	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/parcelworks/dispatch/dispatch/state"
	"github.com/parcelworks/dispatch/dispatch/structs"
)

// BidWindow endpoint opens windows over vacated slots, takes bids and
// serves the window views. Resolution and the first-come claim paths live
// in their own files.
type BidWindow struct {
	srv *Server
}

// Create opens a bid window over an assignment by manager request. Opening
// a window vacates the slot, so a scheduled assignment loses its driver
// here; that is the point of the operation, not a side effect. If a window
// is already open the existing one is returned instead of an error.
func (b *BidWindow) Create(args *structs.BidWindowCreateRequest, reply *structs.BidWindowCreateResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "bid_window", "create"}, time.Now())

	if args.AssignmentID == "" {
		return fmt.Errorf("missing assignment ID")
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
	switch out.Status {
	case structs.AssignmentStatusScheduled, structs.AssignmentStatusUnfilled:
	default:
		return structs.NewPolicyRejection(structs.ReasonWrongStatus, "assignment cannot be reopened")
	}

	actorType, actorID := args.Actor()
	window, opened, notified, err := b.srv.openReplacementWindow(out, args.Mode, structs.WindowTriggerManager, actorType, actorID, b.srv.now())
	if err != nil {
		return err
	}

	reply.Window = window
	reply.AlreadyOpen = !opened
	reply.Notified = notified
	reply.Index = window.ModifyIndex
	return nil
}

// PlaceBid registers the acting driver's claim on an open window. On
// competitive windows the bid is collected for scoring at close; on
// first-come windows the first eligible claim wins the slot on the spot.
func (b *BidWindow) PlaceBid(args *structs.BidPlaceRequest, reply *structs.BidPlaceResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "bid_window", "place_bid"}, time.Now())

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
		return structs.NewPolicyRejection(structs.ReasonWindowNotOpen, "bidding is closed")
	}
	if err := b.srv.claimEligibility(actor, window.ShiftDate); err != nil {
		return err
	}

	if window.FirstComeFirstServed() {
		index, err := b.srv.instantClaim(window, actor, now)
		if err != nil {
			return err
		}
		reply.Won = true
		reply.Written = true
		reply.AssignmentID = window.AssignmentID
		reply.ClosesAt = window.ClosesAt
		reply.Index = index
		return nil
	}

	bid := &structs.Bid{
		OrganizationID: args.OrganizationID,
		WindowID:       window.ID,
		UserID:         actor.ID,
	}
	index := b.srv.store.NextIndex()
	written, err := b.srv.store.PlaceBid(index, bid, now)
	if err != nil {
		return err
	}
	reply.Written = written
	reply.ClosesAt = window.ClosesAt
	reply.Index = index
	return nil
}

// List returns a tenant's bid windows, newest closing first filtered to
// open ones when asked. Drivers use the open filter to browse claimable
// slots.
func (b *BidWindow) List(args *structs.BidWindowListRequest, reply *structs.BidWindowListResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "bid_window", "list"}, time.Now())

	if _, err := b.srv.resolveActor(args.OrganizationID, args.ActorID); err != nil {
		return err
	}

	var iter memdb.ResultIterator
	var err error
	if args.OpenOnly {
		iter, err = b.srv.store.OpenBidWindowsByOrganization(nil, args.OrganizationID)
	} else {
		iter, err = b.srv.store.BidWindowsByOrganization(nil, args.OrganizationID)
	}
	if err != nil {
		return err
	}

	now := b.srv.now()
	var stubs []*structs.BidWindowListStub
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		window := raw.(*structs.BidWindow)
		if args.OpenOnly && !window.Open(now) {
			continue
		}
		stubs = append(stubs, window.Stub())
	}
	sort.Slice(stubs, func(i, j int) bool {
		if !stubs[i].ClosesAt.Equal(stubs[j].ClosesAt) {
			return stubs[i].ClosesAt.Before(stubs[j].ClosesAt)
		}
		return stubs[i].ID < stubs[j].ID
	})
	reply.Windows = stubs

	index, err := b.srv.store.Index(state.TableBidWindows)
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// Detail returns one window with its bids. Drivers see only their own bid;
// the full slate is manager material.
func (b *BidWindow) Detail(args *structs.BidWindowSpecificRequest, reply *structs.SingleBidWindowResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "bid_window", "detail"}, time.Now())

	if args.WindowID == "" {
		return fmt.Errorf("missing window ID")
	}
	actor, err := b.srv.resolveActor(args.OrganizationID, args.ActorID)
	if err != nil {
		return err
	}
	window, err := b.srv.windowForOrg(args.OrganizationID, args.WindowID)
	if err != nil {
		return err
	}

	iter, err := b.srv.store.BidsByWindow(nil, window.ID)
	if err != nil {
		return err
	}
	var bids []*structs.Bid
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		bid := raw.(*structs.Bid)
		if actor.IsDriver() && bid.UserID != actor.ID {
			continue
		}
		bids = append(bids, bid)
	}
	sort.Slice(bids, func(i, j int) bool {
		if bids[i].CreateTime != bids[j].CreateTime {
			return bids[i].CreateTime < bids[j].CreateTime
		}
		return bids[i].ID < bids[j].ID
	})

	reply.Window = window
	reply.Bids = bids
	reply.Index = window.ModifyIndex
	return nil
}

// windowForOrg loads a bid window and enforces the tenant boundary the
// same way assignmentForOrg does.
func (s *Server) windowForOrg(orgID, windowID string) (*structs.BidWindow, error) {
	window, err := s.store.BidWindowByID(nil, windowID)
	if err != nil {
		return nil, err
	}
	if window == nil || window.OrganizationID != orgID {
		return nil, structs.NewErrUnknownBidWindow(windowID)
	}
	return window, nil
}

// claimEligibility applies the driver-side gate on claiming a slot:
// flagged accounts, drivers rotated out of the pool and drivers at their
// weekly cap are all refused. Slot availability races are not checked
// here; the store settles those.
func (s *Server) claimEligibility(actor *structs.User, shiftDate string) error {
	if actor.Flagged {
		return structs.NewPolicyRejection(structs.ReasonDriverFlagged, "flagged accounts cannot claim shifts")
	}
	health, err := s.store.HealthStateByUser(nil, actor.ID)
	if err != nil {
		return err
	}
	if health != nil && !health.PoolEligible {
		return structs.NewPolicyRejection(structs.ReasonPoolIneligible, "standing is too low to claim shifts")
	}

	_, zone, err := s.policyAndZone(actor.OrganizationID)
	if err != nil {
		return err
	}
	weekStart, err := zone.WeekStart(shiftDate)
	if err != nil {
		return err
	}
	count, err := s.store.UserWeeklyAssignmentCount(actor.ID, weekStart)
	if err != nil {
		return err
	}
	if count >= actor.WeeklyCap {
		return structs.NewPolicyRejection(structs.ReasonWeeklyCapReached, "weekly shift cap reached")
	}

	conflict, err := s.sameDayConflict(actor.ID, shiftDate)
	if err != nil {
		return err
	}
	if conflict {
		return structs.NewPolicyRejection(structs.ReasonSameDayConflict, "you already have a shift on this date")
	}
	return nil
}

// sameDayConflict reports whether the driver already holds a live
// assignment on the date.
func (s *Server) sameDayConflict(userID, date string) (bool, error) {
	iter, err := s.store.AssignmentsByUserDate(nil, userID, date)
	if err != nil {
		return false, err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if raw.(*structs.Assignment).Status != structs.AssignmentStatusCancelled {
			return true, nil
		}
	}
	return false, nil
}

// openReplacementWindow opens a bid window over an assignment's slot and
// fans the opening out to eligible drivers. When a window is already open
// the existing one is returned with opened false; concurrent openers
// converge on the same window instead of failing.
func (s *Server) openReplacementWindow(a *structs.Assignment, requestedMode, trigger, actorType, actorID string, now time.Time) (*structs.BidWindow, bool, int, error) {
	policy, zone, err := s.policyAndZone(a.OrganizationID)
	if err != nil {
		return nil, false, 0, err
	}
	shiftStart, err := policy.ShiftStartAt(zone, a.ShiftDate)
	if err != nil {
		return nil, false, 0, err
	}
	endOfToday, err := zone.EndOfDay(zone.Today(now))
	if err != nil {
		return nil, false, 0, err
	}

	allowPast := trigger == structs.WindowTriggerNoShow
	plan, err := structs.PlanBidWindow(policy, requestedMode, trigger, allowPast, now, shiftStart, endOfToday)
	if err != nil {
		return nil, false, 0, err
	}

	window := &structs.BidWindow{
		OrganizationID: a.OrganizationID,
		AssignmentID:   a.ID,
		RouteID:        a.RouteID,
		ShiftDate:      a.ShiftDate,
		Mode:           plan.Mode,
		Trigger:        trigger,
		Status:         structs.BidWindowStatusOpen,
		OpensAt:        now,
		ClosesAt:       plan.ClosesAt,
	}
	if plan.Mode == structs.BidWindowModeEmergency {
		window.BonusPercent = policy.EmergencyBonusPercent
	}

	index := s.store.NextIndex()
	if err := s.store.CreateBidWindow(index, window, actorType, actorID, now); err != nil {
		if constraint, ok := structs.IsUniqueViolation(err); ok && constraint == structs.ConstraintOpenWindowPerAssignment {
			existing, lookupErr := s.store.OpenBidWindowForAssignment(nil, a.ID)
			if lookupErr != nil {
				return nil, false, 0, lookupErr
			}
			if existing != nil {
				return existing, false, 0, nil
			}
		}
		return nil, false, 0, err
	}

	notified := s.notifyWindowOpened(window, zone)
	return window, true, notified, nil
}

// notifyWindowOpened fans a window opening out to the drivers who could
// take the slot: drivers in the organization who are not flagged and have
// room under their weekly cap. Emergency openings also skip anyone already
// holding a shift that date. Returns how many notifications went out;
// failures are logged per recipient and do not stop the fan-out.
func (s *Server) notifyWindowOpened(w *structs.BidWindow, zone *structs.TenantZone) int {
	typ := structs.NotificationBidOpen
	if w.Mode == structs.BidWindowModeEmergency {
		typ = structs.NotificationEmergencyRoute
	}
	weekStart, err := zone.WeekStart(w.ShiftDate)
	if err != nil {
		s.logger.Error("window fan-out skipped", "window_id", w.ID, "error", err)
		return 0
	}

	iter, err := s.store.UsersByOrganization(nil, w.OrganizationID)
	if err != nil {
		s.logger.Error("window fan-out skipped", "window_id", w.ID, "error", err)
		return 0
	}

	data := map[string]string{
		"window_id": w.ID,
		"route":     s.routeName(w.RouteID),
		"date":      w.ShiftDate,
		"mode":      w.Mode,
	}
	if w.BonusPercent > 0 {
		data["bonus"] = fmt.Sprintf("%d", w.BonusPercent)
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	notified := 0
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		user := raw.(*structs.User)
		if !user.IsDriver() || user.Flagged {
			continue
		}
		count, err := s.store.UserWeeklyAssignmentCount(user.ID, weekStart)
		if err != nil {
			s.logger.Error("window fan-out count failed", "window_id", w.ID, "user_id", user.ID, "error", err)
			continue
		}
		if count >= user.WeeklyCap {
			continue
		}
		if w.Mode == structs.BidWindowModeEmergency {
			conflict, err := s.sameDayConflict(user.ID, w.ShiftDate)
			if err != nil || conflict {
				continue
			}
		}

		// Keyed per window and mode: sweep reruns stay silent, but a
		// competitive window falling back to instant re-notifies once.
		sent, err := s.notifier.Send(ctx, &structs.Notification{
			OrganizationID: w.OrganizationID,
			UserID:         user.ID,
			Type:           typ,
			DedupeKey:      fmt.Sprintf("%s:%s:%s", typ, w.ID, w.Mode),
			Data:           data,
		})
		if err != nil {
			s.logger.Error("window fan-out send failed", "window_id", w.ID, "user_id", user.ID, "error", err)
			continue
		}
		if sent {
			notified++
		}
	}
	return notified
}
