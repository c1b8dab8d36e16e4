// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/parcelworks/dispatch/ci"
	"github.com/parcelworks/dispatch/dispatch/mock"
	"github.com/parcelworks/dispatch/dispatch/structs"
)

func TestDriver_Profile(t *testing.T) {
	ci.Parallel(t)

	s, tt, cleanup := testServerTenant(t, nil)
	defer cleanup()

	// A brand-new driver has a bare profile.
	var reply structs.DriverProfileResponse
	err := s.Driver().Profile(&structs.DriverSpecificRequest{
		QueryOptions: structs.QueryOptions{OrganizationID: tt.org.ID, ActorID: tt.driver.ID},
	}, &reply)
	must.NoError(t, err)
	must.Eq(t, tt.driver.ID, reply.User.ID)
	must.Nil(t, reply.Preferences)
	must.Nil(t, reply.Metrics)
	must.Nil(t, reply.Health)
	must.Len(t, 0, reply.RouteCompletions)
	must.Eq(t, tt.driver.ModifyIndex, reply.Index)

	must.NoError(t, s.State().UpsertDriverPreferences(120, mock.Preferences(tt.driver, tt.route.ID)))
	must.NoError(t, s.State().UpsertRouteCompletion(121, mock.RouteCompletion(tt.driver, tt.route.ID, 3)))
	must.NoError(t, s.State().UpsertDriverHealthState(122, mock.HealthState(tt.driver)))

	err = s.Driver().Profile(&structs.DriverSpecificRequest{
		QueryOptions: structs.QueryOptions{OrganizationID: tt.org.ID, ActorID: tt.driver.ID},
	}, &reply)
	must.NoError(t, err)
	must.NotNil(t, reply.Preferences)
	must.NotNil(t, reply.Health)
	must.Len(t, 1, reply.RouteCompletions)
	must.Eq(t, 3, reply.RouteCompletions[0].CompletionCount)
	must.Eq(t, 122, reply.Index)
}

func TestDriver_Profile_Scope(t *testing.T) {
	ci.Parallel(t)

	s, tt, cleanup := testServerTenant(t, nil)
	defer cleanup()

	other := addDriver(t, s, tt, 110)

	// Drivers cannot read each other.
	var reply structs.DriverProfileResponse
	err := s.Driver().Profile(&structs.DriverSpecificRequest{
		UserID:       other.ID,
		QueryOptions: structs.QueryOptions{OrganizationID: tt.org.ID, ActorID: tt.driver.ID},
	}, &reply)
	must.ErrorIs(t, err, structs.ErrPermissionDenied)

	err = s.Driver().Profile(&structs.DriverSpecificRequest{
		UserID:       other.ID,
		QueryOptions: structs.QueryOptions{OrganizationID: tt.org.ID, ActorID: tt.manager.ID},
	}, &reply)
	must.NoError(t, err)
	must.Eq(t, other.ID, reply.User.ID)

	// A manager is not a driver; there is no profile to serve.
	err = s.Driver().Profile(&structs.DriverSpecificRequest{
		UserID:       tt.manager.ID,
		QueryOptions: structs.QueryOptions{OrganizationID: tt.org.ID, ActorID: tt.manager.ID},
	}, &reply)
	must.True(t, structs.IsErrUnknown(err))
}

func TestDriver_UpdatePreferences(t *testing.T) {
	ci.Parallel(t)

	s, tt, cleanup := testServerTenant(t, nil)
	defer cleanup()

	other := addDriver(t, s, tt, 110)

	var reply structs.GenericResponse
	err := s.Driver().UpdatePreferences(&structs.DriverPreferencesUpdateRequest{
		WriteRequest: structs.WriteRequest{OrganizationID: tt.org.ID, ActorID: tt.driver.ID},
	}, &reply)
	must.ErrorContains(t, err, "missing preferences")

	// An empty UserID writes the actor's own declaration.
	prefs := mock.Preferences(tt.driver, tt.route.ID)
	prefs.UserID = ""
	err = s.Driver().UpdatePreferences(&structs.DriverPreferencesUpdateRequest{
		Preferences:  prefs,
		WriteRequest: structs.WriteRequest{OrganizationID: tt.org.ID, ActorID: tt.driver.ID},
	}, &reply)
	must.NoError(t, err)

	stored, err := s.State().DriverPreferencesByUser(nil, tt.driver.ID)
	must.NoError(t, err)
	must.NotNil(t, stored)
	must.Eq(t, []string{tt.route.ID}, stored.PreferredRoutes)

	err = s.Driver().UpdatePreferences(&structs.DriverPreferencesUpdateRequest{
		Preferences:  mock.Preferences(other, tt.route.ID),
		WriteRequest: structs.WriteRequest{OrganizationID: tt.org.ID, ActorID: tt.driver.ID},
	}, &reply)
	must.ErrorIs(t, err, structs.ErrPermissionDenied)

	err = s.Driver().UpdatePreferences(&structs.DriverPreferencesUpdateRequest{
		Preferences:  mock.Preferences(other, tt.route.ID),
		WriteRequest: structs.WriteRequest{OrganizationID: tt.org.ID, ActorID: tt.manager.ID},
	}, &reply)
	must.NoError(t, err)

	bad := mock.Preferences(tt.driver, tt.route.ID)
	bad.PreferredDays = []time.Weekday{12}
	err = s.Driver().UpdatePreferences(&structs.DriverPreferencesUpdateRequest{
		Preferences:  bad,
		WriteRequest: structs.WriteRequest{OrganizationID: tt.org.ID, ActorID: tt.driver.ID},
	}, &reply)
	must.ErrorContains(t, err, "invalid preferences")
}

func TestDriver_Reinstate(t *testing.T) {
	ci.Parallel(t)

	s, tt, cleanup := testServerTenant(t, nil)
	defer cleanup()

	var reply structs.GenericResponse
	err := s.Driver().Reinstate(&structs.DriverReinstateRequest{
		WriteRequest: structs.WriteRequest{OrganizationID: tt.org.ID, ActorID: tt.manager.ID},
	}, &reply)
	must.ErrorContains(t, err, "missing user ID")

	err = s.Driver().Reinstate(&structs.DriverReinstateRequest{
		UserID:       tt.driver.ID,
		WriteRequest: structs.WriteRequest{OrganizationID: tt.org.ID, ActorID: tt.driver.ID},
	}, &reply)
	must.ErrorIs(t, err, structs.ErrPermissionDenied)

	// No health record at all.
	err = s.Driver().Reinstate(&structs.DriverReinstateRequest{
		UserID:       tt.driver.ID,
		WriteRequest: structs.WriteRequest{OrganizationID: tt.org.ID, ActorID: tt.manager.ID},
	}, &reply)
	must.True(t, structs.IsErrUnknown(err))

	// Healthy drivers are not awaiting anything.
	must.NoError(t, s.State().UpsertDriverHealthState(110, mock.HealthState(tt.driver)))
	err = s.Driver().Reinstate(&structs.DriverReinstateRequest{
		UserID:       tt.driver.ID,
		WriteRequest: structs.WriteRequest{OrganizationID: tt.org.ID, ActorID: tt.manager.ID},
	}, &reply)
	mustReject(t, err, structs.ReasonWrongStatus)

	gated := mock.HealthState(tt.driver)
	gated.ApplyHardStop(time.Now().UTC())
	must.NoError(t, s.State().UpsertDriverHealthState(111, gated))

	err = s.Driver().Reinstate(&structs.DriverReinstateRequest{
		UserID:       tt.driver.ID,
		WriteRequest: structs.WriteRequest{OrganizationID: tt.org.ID, ActorID: tt.manager.ID},
	}, &reply)
	must.NoError(t, err)

	health, err := s.State().HealthStateByUser(nil, tt.driver.ID)
	must.NoError(t, err)
	must.True(t, health.PoolEligible)
	must.False(t, health.RequiresManagerIntervention)
	must.NotNil(t, health.ReinstatedAt)
	must.Eq(t, 0, health.Score)

	back := singleAudit(t, s, structs.AuditEntityDriver, tt.driver.ID, structs.AuditActionReinstate)
	must.Eq(t, tt.manager.ID, back.ActorID)
}
