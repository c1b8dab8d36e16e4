// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"sort"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/parcelworks/dispatch/dispatch/state"
	"github.com/parcelworks/dispatch/dispatch/structs"
)

// Health endpoint serves driver health reads. Drivers see their own
// record; managers see any driver in the organization.
type Health struct {
	srv *Server
}

// State returns one driver's live health state. A driver with no health
// activity yet has no row; the reply carries a nil state, which readers
// treat as a clean record.
func (h *Health) State(args *structs.HealthStateRequest, reply *structs.HealthStateResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "health", "state"}, time.Now())

	userID, err := h.srv.resolveDriverScope(args.OrganizationID, args.ActorID, args.UserID)
	if err != nil {
		return err
	}

	healthState, err := h.srv.store.HealthStateByUser(nil, userID)
	if err != nil {
		return err
	}
	if healthState != nil && healthState.OrganizationID != args.OrganizationID {
		return structs.NewErrUnknownDriver(userID)
	}
	reply.Health = healthState

	if healthState != nil {
		reply.Index = healthState.ModifyIndex
		return nil
	}
	index, err := h.srv.store.Index(state.TableHealthStates)
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// Snapshots returns a driver's daily health snapshots, newest first,
// bounded by Limit when positive.
func (h *Health) Snapshots(args *structs.HealthSnapshotsRequest, reply *structs.HealthSnapshotsResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "health", "snapshots"}, time.Now())

	userID, err := h.srv.resolveDriverScope(args.OrganizationID, args.ActorID, args.UserID)
	if err != nil {
		return err
	}

	iter, err := h.srv.store.HealthSnapshotsByUser(nil, userID)
	if err != nil {
		return err
	}
	out := make([]*structs.DriverHealthSnapshot, 0, 16)
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		snap := raw.(*structs.DriverHealthSnapshot)
		if snap.OrganizationID != args.OrganizationID {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Date > out[j].Date
	})
	if args.Limit > 0 && len(out) > args.Limit {
		out = out[:args.Limit]
	}
	reply.Snapshots = out

	index, err := h.srv.store.Index(state.TableHealthSnapshots)
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}
