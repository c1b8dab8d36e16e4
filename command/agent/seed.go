// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"fmt"
	"time"

	"github.com/parcelworks/dispatch/dispatch"
	"github.com/parcelworks/dispatch/dispatch/mock"
	"github.com/parcelworks/dispatch/dispatch/structs"
)

// DevSeed records the IDs of the demo tenant a dev mode agent starts with,
// so the banner can print ready-to-use header values.
type DevSeed struct {
	OrganizationID string
	ManagerID      string
	DriverIDs      []string
	RouteIDs       []string
	WeekStart      string
}

// seedDevData populates the store with a demo tenant: one warehouse, two
// routes, a manager and three drivers with full availability, plus the
// current week's schedule so every endpoint has data on first request.
func seedDevData(server *dispatch.Server) (*DevSeed, error) {
	store := server.State()

	org := mock.Organization()
	if err := store.UpsertOrganization(store.NextIndex(), org); err != nil {
		return nil, err
	}

	warehouse := mock.Warehouse(org.ID)
	if err := store.UpsertWarehouse(store.NextIndex(), warehouse); err != nil {
		return nil, err
	}

	manager := mock.Manager(org.ID)
	if err := store.UpsertUser(store.NextIndex(), manager); err != nil {
		return nil, err
	}

	routes := make([]*structs.Route, 2)
	for i := range routes {
		route := mock.Route(warehouse)
		route.Name = fmt.Sprintf("loop-%d", i+1)
		route.ManagerID = manager.ID
		if err := store.UpsertRoute(store.NextIndex(), route); err != nil {
			return nil, err
		}
		routes[i] = route
	}

	seed := &DevSeed{
		OrganizationID: org.ID,
		ManagerID:      manager.ID,
	}
	for i := 0; i < 3; i++ {
		driver := mock.Driver(org.ID)
		driver.Name = fmt.Sprintf("Driver %d", i+1)
		if err := store.UpsertUser(store.NextIndex(), driver); err != nil {
			return nil, err
		}
		prefs := mock.Preferences(driver, routes[i%len(routes)].ID)
		if err := store.UpsertDriverPreferences(store.NextIndex(), prefs); err != nil {
			return nil, err
		}
		seed.DriverIDs = append(seed.DriverIDs, driver.ID)
	}
	for _, route := range routes {
		seed.RouteIDs = append(seed.RouteIDs, route.ID)
	}

	// Generate the running week so assignments, windows and notifications
	// exist before the first manual request.
	gen := structs.ScheduleGenerateRequest{
		Date: time.Now().UTC().Format("2006-01-02"),
		WriteRequest: structs.WriteRequest{
			OrganizationID: org.ID,
			ActorID:        manager.ID,
		},
	}
	var genResp structs.ScheduleGenerateResponse
	if err := server.Schedule().Generate(&gen, &genResp); err != nil {
		return nil, err
	}
	seed.WeekStart = genResp.WeekStart

	return seed, nil
}
