// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"testing"
	"time"

	"github.com/parcelworks/dispatch/ci"
	"github.com/shoenig/test/must"
)

func TestOrganization_Validate(t *testing.T) {
	ci.Parallel(t)

	org := &Organization{ID: "org-1", Name: "Acme Final Mile", TimeZone: "America/Toronto"}
	must.NoError(t, org.Validate())

	org.TimeZone = "Nowhere/Special"
	must.Error(t, org.Validate())

	org = &Organization{ID: "org-1", TimeZone: "America/Toronto"}
	must.Error(t, org.Validate())
}

func TestUser_Validate(t *testing.T) {
	ci.Parallel(t)

	u := &User{
		ID:             "user-1",
		OrganizationID: "org-1",
		Name:           "Sam Driver",
		Role:           UserRoleDriver,
		WeeklyCap:      4,
	}
	must.NoError(t, u.Validate())
	must.True(t, u.IsDriver())

	u.Role = "dispatcher"
	must.Error(t, u.Validate())

	// Managers carry no weekly cap.
	u.Role = UserRoleManager
	u.WeeklyCap = 0
	must.NoError(t, u.Validate())
	must.False(t, u.IsDriver())

	u.Role = UserRoleDriver
	must.Error(t, u.Validate())
}

func TestUser_TenureMonths(t *testing.T) {
	ci.Parallel(t)

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	u := &User{CreateTime: now.Add(-90 * 24 * time.Hour).UnixNano()}
	must.Eq(t, 3.0, u.TenureMonths(now))

	u = &User{CreateTime: now.UnixNano()}
	must.Eq(t, 0.0, u.TenureMonths(now))

	// A future create time never yields negative tenure.
	u = &User{CreateTime: now.Add(24 * time.Hour).UnixNano()}
	must.Eq(t, 0.0, u.TenureMonths(now))
}

func TestRoute_Canonicalize(t *testing.T) {
	ci.Parallel(t)

	r := &Route{
		ID:             "route-1",
		WarehouseID:    "wh-1",
		OrganizationID: "org-1",
		Name:           "Downtown East",
	}
	r.Canonicalize()
	must.Eq(t, DefaultRouteStartTime, r.StartTime)
	must.NoError(t, r.Validate())

	r.StartTime = "08:15"
	r.Canonicalize()
	must.Eq(t, "08:15", r.StartTime)

	hour, minute := r.StartTimeParts()
	must.Eq(t, 8, hour)
	must.Eq(t, 15, minute)
}

func TestRoute_Validate(t *testing.T) {
	ci.Parallel(t)

	r := &Route{
		ID:             "route-1",
		WarehouseID:    "wh-1",
		OrganizationID: "org-1",
		Name:           "Downtown East",
		StartTime:      "25:00",
	}
	must.Error(t, r.Validate())

	r.StartTime = "9:00"
	must.Error(t, r.Validate())

	r.StartTime = "09:00"
	must.NoError(t, r.Validate())
}

func TestDriverPreferences(t *testing.T) {
	ci.Parallel(t)

	p := &DriverPreferences{
		UserID:          "user-1",
		OrganizationID:  "org-1",
		PreferredDays:   []time.Weekday{time.Monday, time.Wednesday, time.Friday},
		PreferredRoutes: []string{"route-1", "route-2"},
	}
	must.NoError(t, p.Validate())

	must.True(t, p.WantsDay(time.Monday))
	must.False(t, p.WantsDay(time.Tuesday))
	must.True(t, p.WantsRoute("route-2"))
	must.False(t, p.WantsRoute("route-9"))

	// Empty preferences match nothing rather than everything; the
	// generator only places drivers on days they asked for.
	empty := &DriverPreferences{UserID: "user-1", OrganizationID: "org-1"}
	must.False(t, empty.WantsDay(time.Monday))
	must.False(t, empty.WantsRoute("route-1"))

	p.PreferredRoutes = []string{"r1", "r2", "r3", "r4"}
	must.Error(t, p.Validate())
}

func TestWriteRequest_Actor(t *testing.T) {
	ci.Parallel(t)

	w := &WriteRequest{OrganizationID: "org-1", ActorID: "user-1"}
	actorType, actorID := w.Actor()
	must.Eq(t, ActorTypeUser, actorType)
	must.Eq(t, "user-1", actorID)

	w = &WriteRequest{OrganizationID: "org-1"}
	actorType, actorID = w.Actor()
	must.Eq(t, ActorTypeSystem, actorType)
	must.Eq(t, ActorSystem, actorID)
}
