// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// Resolve settles an open window on demand. The resolution sweep runs the
// same path on expired windows; a manager calling this early simply closes
// bidding ahead of the clock.
func (b *BidWindow) Resolve(args *structs.BidWindowResolveRequest, reply *structs.BidWindowResolveResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "bid_window", "resolve"}, time.Now())

	if args.WindowID == "" {
		return fmt.Errorf("missing window ID")
	}
	if _, err := b.srv.resolveManager(args.OrganizationID, args.ActorID); err != nil {
		return err
	}

	actorType, actorID := args.Actor()
	outcome, winnerID, err := b.srv.resolveWindow(args.OrganizationID, args.WindowID, actorType, actorID, b.srv.now())
	if err != nil {
		return err
	}
	reply.Outcome = outcome
	reply.WinnerID = winnerID

	window, err := b.srv.store.BidWindowByID(nil, args.WindowID)
	if err != nil {
		return err
	}
	if window != nil {
		reply.Index = window.ModifyIndex
	}
	return nil
}

// windowCandidate pairs a pending bid with its computed score.
type windowCandidate struct {
	bid   *structs.Bid
	parts structs.BidScoreParts
}

// resolveWindow settles one window: score the pending bids, award the best
// conflict-free bidder, or finalize without a winner. Race losses inside
// the store read as not_open rather than failures; whoever won the race
// already settled the window.
func (s *Server) resolveWindow(orgID, windowID, actorType, actorID string, now time.Time) (outcome, winnerID string, err error) {
	w, err := s.windowForOrg(orgID, windowID)
	if err != nil {
		return "", "", err
	}
	if w.Status != structs.BidWindowStatusOpen {
		return structs.WindowOutcomeNotOpen, "", nil
	}

	policy, zone, err := s.policyAndZone(orgID)
	if err != nil {
		return "", "", err
	}

	pending, err := s.store.PendingBidsByWindow(nil, w.ID)
	if err != nil {
		return "", "", err
	}
	if len(pending) == 0 {
		outcome, err := s.finalizeWinnerless(w, policy, zone, now)
		return outcome, "", err
	}

	candidates, scores, err := s.scoreWindowBids(policy, w, pending, now)
	if err != nil {
		return "", "", err
	}

	for _, c := range candidates {
		conflict, err := s.sameDayConflict(c.bid.UserID, w.ShiftDate)
		if err != nil {
			return "", "", err
		}
		if conflict {
			continue
		}

		index := s.store.NextIndex()
		err = s.store.ResolveBidWindow(index, orgID, w.ID, c.bid.UserID, scores, actorType, actorID, now)
		if err != nil {
			if constraint, ok := structs.IsUniqueViolation(err); ok && constraint == structs.ConstraintActiveUserDate {
				// The candidate picked up a same-day shift since scoring.
				// Fall through to the next one.
				continue
			}
			if structs.IsErrStateChanged(err) {
				return structs.WindowOutcomeNotOpen, "", nil
			}
			return "", "", err
		}

		s.notifyBidOutcomes(w, c.bid.UserID, pending)
		return structs.WindowOutcomeResolved, c.bid.UserID, nil
	}

	// Every bidder already works this date. The window finalizes the same
	// way it would with no bids at all.
	outcome, err = s.finalizeWinnerless(w, policy, zone, now)
	return outcome, "", err
}

// scoreWindowBids computes the deterministic ranking of a window's pending
// bids: score descending, earlier bid placement breaking ties, bid ID as
// the final tiebreak. The score map carries every bidder's total for the
// settlement write.
func (s *Server) scoreWindowBids(policy *structs.DispatchPolicy, w *structs.BidWindow, bids []*structs.Bid, now time.Time) ([]*windowCandidate, map[string]float64, error) {
	candidates := make([]*windowCandidate, 0, len(bids))
	scores := make(map[string]float64, len(bids))
	for _, bid := range bids {
		user, err := s.store.UserByID(nil, bid.UserID)
		if err != nil {
			return nil, nil, err
		}
		if user == nil {
			continue
		}
		health, err := s.store.HealthStateByUser(nil, bid.UserID)
		if err != nil {
			return nil, nil, err
		}
		completion, err := s.store.RouteCompletionByUserRoute(nil, bid.UserID, w.RouteID)
		if err != nil {
			return nil, nil, err
		}
		prefs, err := s.store.DriverPreferencesByUser(nil, bid.UserID)
		if err != nil {
			return nil, nil, err
		}

		in := structs.BidScoreInput{
			TenureMonths:   user.TenureMonths(now),
			PreferredRoute: prefs.WantsRoute(w.RouteID),
		}
		if health != nil {
			in.HealthScore = health.Score
		}
		if completion != nil {
			in.FamiliarityCount = completion.CompletionCount
		}
		parts := policy.CalculateBidScoreParts(in)
		candidates = append(candidates, &windowCandidate{bid: bid, parts: parts})
		scores[bid.UserID] = parts.Total
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.parts.Total != b.parts.Total {
			return a.parts.Total > b.parts.Total
		}
		if a.bid.CreateTime != b.bid.CreateTime {
			return a.bid.CreateTime < b.bid.CreateTime
		}
		return a.bid.ID < b.bid.ID
	})
	return candidates, scores, nil
}

// finalizeWinnerless settles an open window that found no usable bidder.
// Expired competitive windows get one more chance as instant windows while
// the shift is still ahead; everything else closes, and first-come closes
// raise the unfilled-route alert since no further fallback exists.
func (s *Server) finalizeWinnerless(w *structs.BidWindow, policy *structs.DispatchPolicy, zone *structs.TenantZone, now time.Time) (string, error) {
	if w.Mode == structs.BidWindowModeCompetitive {
		shiftStart, err := policy.ShiftStartAt(zone, w.ShiftDate)
		if err != nil {
			return "", err
		}
		if shiftStart.After(now) {
			index := s.store.NextIndex()
			if err := s.store.TransitionWindowToInstant(index, w.OrganizationID, w.ID, shiftStart, now); err != nil {
				if structs.IsErrStateChanged(err) {
					return structs.WindowOutcomeNotOpen, nil
				}
				return "", err
			}
			instant := w.Copy()
			instant.Mode = structs.BidWindowModeInstant
			instant.ClosesAt = shiftStart
			s.notifyWindowOpened(instant, zone)
			return structs.WindowOutcomeTransitioned, nil
		}

		index := s.store.NextIndex()
		if err := s.store.CloseBidWindow(index, w.OrganizationID, w.ID, "shift_passed", now); err != nil {
			if structs.IsErrStateChanged(err) {
				return structs.WindowOutcomeNotOpen, nil
			}
			return "", err
		}
		return structs.WindowOutcomeNotOpen, nil
	}

	index := s.store.NextIndex()
	if err := s.store.CloseBidWindow(index, w.OrganizationID, w.ID, "no_bids", now); err != nil {
		if structs.IsErrStateChanged(err) {
			return structs.WindowOutcomeNotOpen, nil
		}
		return "", err
	}
	s.alertRouteUnfilled(w)
	return structs.WindowOutcomeNoBids, nil
}

// notifyBidOutcomes tells the winner and every settled loser how the
// window came out.
func (s *Server) notifyBidOutcomes(w *structs.BidWindow, winnerID string, bids []*structs.Bid) {
	data := map[string]string{
		"window_id":     w.ID,
		"assignment_id": w.AssignmentID,
		"route":         s.routeName(w.RouteID),
		"date":          w.ShiftDate,
	}
	s.notifyUser(w.OrganizationID, winnerID, structs.NotificationBidWon, data)
	for _, bid := range bids {
		if bid.UserID == winnerID {
			continue
		}
		s.notifyUser(w.OrganizationID, bid.UserID, structs.NotificationBidLost, data)
	}
}

// alertRouteUnfilled raises the unfilled-route alert for a window that
// closed with nobody to run the shift.
func (s *Server) alertRouteUnfilled(w *structs.BidWindow) {
	s.alertRouteManagers(w.OrganizationID, w.RouteID, structs.NotificationRouteUnfilled,
		fmt.Sprintf("%s:%s", structs.NotificationRouteUnfilled, w.ID),
		map[string]string{
			"window_id":     w.ID,
			"assignment_id": w.AssignmentID,
			"route":         s.routeName(w.RouteID),
			"date":          w.ShiftDate,
		})
}

// alertRouteManagers sends a route-scoped alert to the route's named
// manager when one is set, and to every manager of the organization
// otherwise.
func (s *Server) alertRouteManagers(orgID, routeID, typ, dedupe string, data map[string]string) {
	route, err := s.store.RouteByID(nil, routeID)
	if err != nil {
		s.logger.Error("route alert lookup failed", "route_id", routeID, "type", typ, "error", err)
		return
	}
	manager, err := s.routeManager(route)
	if err != nil {
		s.logger.Error("route alert manager lookup failed", "route_id", routeID, "type", typ, "error", err)
		return
	}
	if manager == nil {
		s.notifyManagers(orgID, typ, dedupe, data)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	_, err = s.notifier.Send(ctx, &structs.Notification{
		OrganizationID: orgID,
		UserID:         manager.ID,
		Type:           typ,
		DedupeKey:      dedupe,
		Data:           data,
	})
	if err != nil {
		s.logger.Error("route alert send failed", "route_id", routeID, "type", typ, "error", err)
	}
}

// closeExpiredBidWindows is the resolution sweep: every open window whose
// closing instant has passed gets resolved, across all organizations.
func (s *Server) closeExpiredBidWindows(ctx context.Context, now time.Time) (map[string]int, error) {
	counts := map[string]int{
		"processed":    0,
		"resolved":     0,
		"transitioned": 0,
		"closed":       0,
		"errors":       0,
	}
	orgs, err := s.organizationIDs()
	if err != nil {
		return counts, err
	}
	for _, orgID := range orgs {
		expired, err := s.store.ExpiredBidWindows(nil, orgID, now)
		if err != nil {
			counts["errors"]++
			s.logger.Error("expired window scan failed", "org_id", orgID, "error", err)
			continue
		}
		for _, w := range expired {
			if err := s.sweepLimiter.Wait(ctx); err != nil {
				return counts, err
			}
			counts["processed"]++
			outcome, winnerID, err := s.resolveWindow(orgID, w.ID, structs.ActorTypeSystem, structs.ActorSystem, now)
			if err != nil {
				counts["errors"]++
				s.logger.Error("window resolution failed", "window_id", w.ID, "error", err)
				continue
			}
			switch outcome {
			case structs.WindowOutcomeResolved:
				counts["resolved"]++
				s.logger.Debug("bid window resolved", "window_id", w.ID, "winner_id", winnerID)
			case structs.WindowOutcomeTransitioned:
				counts["transitioned"]++
			case structs.WindowOutcomeNoBids:
				counts["closed"]++
			}
		}
	}
	return counts, nil
}
