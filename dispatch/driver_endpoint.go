// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// Driver endpoint serves the merged driver profile and the driver-facing
// writes: the standing weekly preference declaration and the manager's
// reinstatement of a gated driver.
type Driver struct {
	srv *Server
}

// Profile returns one driver's merged dashboard view: the user record,
// preferences, lifetime metrics, live health state and per-route
// familiarity. Drivers can only read their own; managers can read any
// driver in the organization.
func (d *Driver) Profile(args *structs.DriverSpecificRequest, reply *structs.DriverProfileResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "driver", "profile"}, time.Now())

	userID, err := d.srv.resolveDriverScope(args.OrganizationID, args.ActorID, args.UserID)
	if err != nil {
		return err
	}

	user, err := d.srv.store.UserByID(nil, userID)
	if err != nil {
		return err
	}
	if user == nil || user.OrganizationID != args.OrganizationID || !user.IsDriver() {
		return structs.NewErrUnknownDriver(userID)
	}

	prefs, err := d.srv.store.DriverPreferencesByUser(nil, userID)
	if err != nil {
		return err
	}
	m, err := d.srv.store.DriverMetricsByUser(nil, userID)
	if err != nil {
		return err
	}
	healthState, err := d.srv.store.HealthStateByUser(nil, userID)
	if err != nil {
		return err
	}
	compIter, err := d.srv.store.RouteCompletionsByUser(nil, userID)
	if err != nil {
		return err
	}
	var completions []*structs.RouteCompletion
	for raw := compIter.Next(); raw != nil; raw = compIter.Next() {
		completions = append(completions, raw.(*structs.RouteCompletion))
	}

	reply.User = user
	reply.Preferences = prefs
	reply.Metrics = m
	reply.Health = healthState
	reply.RouteCompletions = completions

	// The profile spans several tables; report the newest piece.
	reply.Index = user.ModifyIndex
	if prefs != nil && prefs.ModifyIndex > reply.Index {
		reply.Index = prefs.ModifyIndex
	}
	if m != nil && m.ModifyIndex > reply.Index {
		reply.Index = m.ModifyIndex
	}
	if healthState != nil && healthState.ModifyIndex > reply.Index {
		reply.Index = healthState.ModifyIndex
	}
	for _, rc := range completions {
		if rc.ModifyIndex > reply.Index {
			reply.Index = rc.ModifyIndex
		}
	}
	return nil
}

// UpdatePreferences replaces the driver's standing weekly declaration.
// Drivers write their own; managers can write any driver's.
func (d *Driver) UpdatePreferences(args *structs.DriverPreferencesUpdateRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "driver", "update_preferences"}, time.Now())

	if args.Preferences == nil {
		return fmt.Errorf("missing preferences")
	}
	actor, err := d.srv.resolveActor(args.OrganizationID, args.ActorID)
	if err != nil {
		return err
	}

	prefs := args.Preferences.Copy()
	if prefs.UserID == "" {
		prefs.UserID = actor.ID
	}
	if actor.IsDriver() && prefs.UserID != actor.ID {
		return structs.ErrPermissionDenied
	}
	prefs.OrganizationID = args.OrganizationID

	if err := prefs.Validate(); err != nil {
		return fmt.Errorf("invalid preferences: %v", err)
	}

	index := d.srv.store.NextIndex()
	if err := d.srv.store.UpsertDriverPreferences(index, prefs); err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// Reinstate clears a hard-stopped driver's intervention gate and returns
// them to the bidding pool. Manager only.
func (d *Driver) Reinstate(args *structs.DriverReinstateRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "driver", "reinstate"}, time.Now())

	if args.UserID == "" {
		return fmt.Errorf("missing user ID")
	}
	actor, err := d.srv.resolveManager(args.OrganizationID, args.ActorID)
	if err != nil {
		return err
	}

	index := d.srv.store.NextIndex()
	err = d.srv.store.ReinstateDriver(index, args.OrganizationID, args.UserID, actor.ID, d.srv.now())
	if err != nil {
		if structs.IsErrStateChanged(err) {
			return structs.NewPolicyRejection(structs.ReasonWrongStatus, "driver is not awaiting reinstatement")
		}
		return err
	}
	reply.Index = index
	return nil
}
