// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package mock holds fixture constructors for tests. Every fixture carries
// real UUIDs because the store indexes IDs as UUIDs, not opaque strings.
package mock

import (
	"time"

	"github.com/parcelworks/dispatch/dispatch/structs"
	"github.com/parcelworks/dispatch/helper/uuid"
)

func Organization() *structs.Organization {
	return &structs.Organization{
		ID:       uuid.Generate(),
		Name:     "acme-logistics",
		TimeZone: "America/Toronto",
	}
}

func Driver(orgID string) *structs.User {
	return &structs.User{
		ID:             uuid.Generate(),
		OrganizationID: orgID,
		Name:           "Riley Driver",
		Role:           structs.UserRoleDriver,
		WeeklyCap:      4,
		PushToken:      "token-" + uuid.Short(),
	}
}

func Manager(orgID string) *structs.User {
	return &structs.User{
		ID:             uuid.Generate(),
		OrganizationID: orgID,
		Name:           "Morgan Manager",
		Role:           structs.UserRoleManager,
	}
}

func Warehouse(orgID string) *structs.Warehouse {
	return &structs.Warehouse{
		ID:             uuid.Generate(),
		OrganizationID: orgID,
		Name:           "depot-east",
	}
}

func Route(w *structs.Warehouse) *structs.Route {
	return &structs.Route{
		ID:             uuid.Generate(),
		WarehouseID:    w.ID,
		OrganizationID: w.OrganizationID,
		Name:           "loop-7",
		StartTime:      "09:00",
	}
}

func Preferences(u *structs.User, routeIDs ...string) *structs.DriverPreferences {
	return &structs.DriverPreferences{
		UserID:         u.ID,
		OrganizationID: u.OrganizationID,
		PreferredDays: []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday,
			time.Thursday, time.Friday, time.Saturday, time.Sunday,
		},
		PreferredRoutes: routeIDs,
	}
}

func Metrics(u *structs.User) *structs.DriverMetrics {
	return &structs.DriverMetrics{
		UserID:         u.ID,
		OrganizationID: u.OrganizationID,
		AttendanceRate: 1,
		CompletionRate: 1,
	}
}

func RouteCompletion(u *structs.User, routeID string, count int) *structs.RouteCompletion {
	return &structs.RouteCompletion{
		UserID:          u.ID,
		RouteID:         routeID,
		OrganizationID:  u.OrganizationID,
		CompletionCount: count,
		LastCompletedAt: time.Now().UTC(),
	}
}

func Assignment(r *structs.Route, userID, date string) *structs.Assignment {
	return &structs.Assignment{
		ID:             uuid.Generate(),
		OrganizationID: r.OrganizationID,
		WarehouseID:    r.WarehouseID,
		RouteID:        r.ID,
		UserID:         userID,
		ShiftDate:      date,
		Status:         structs.AssignmentStatusScheduled,
		AssignedBy:     structs.AssignedByAlgorithm,
	}
}

func UnfilledAssignment(r *structs.Route, date string) *structs.Assignment {
	return &structs.Assignment{
		ID:             uuid.Generate(),
		OrganizationID: r.OrganizationID,
		WarehouseID:    r.WarehouseID,
		RouteID:        r.ID,
		ShiftDate:      date,
		Status:         structs.AssignmentStatusUnfilled,
		AssignedBy:     structs.AssignedByAlgorithm,
	}
}

func BidWindow(a *structs.Assignment) *structs.BidWindow {
	opens := time.Now().UTC()
	return &structs.BidWindow{
		ID:             uuid.Generate(),
		OrganizationID: a.OrganizationID,
		AssignmentID:   a.ID,
		RouteID:        a.RouteID,
		ShiftDate:      a.ShiftDate,
		Mode:           structs.BidWindowModeCompetitive,
		Trigger:        structs.WindowTriggerCancellation,
		Status:         structs.BidWindowStatusOpen,
		OpensAt:        opens,
		ClosesAt:       opens.Add(24 * time.Hour),
	}
}

func Bid(w *structs.BidWindow, userID string) *structs.Bid {
	return &structs.Bid{
		ID:             uuid.Generate(),
		OrganizationID: w.OrganizationID,
		WindowID:       w.ID,
		UserID:         userID,
		Status:         structs.BidStatusPending,
	}
}

func HealthState(u *structs.User) *structs.DriverHealthState {
	h := structs.NewDriverHealthState(u.ID, u.OrganizationID, time.Now().UTC())
	h.Score = 50
	return h
}

func Notification(orgID, userID string) *structs.Notification {
	return &structs.Notification{
		ID:             uuid.Generate(),
		OrganizationID: orgID,
		UserID:         userID,
		Type:           structs.NotificationShiftReminder,
		Title:          "Shift today",
		Body:           "You are on loop-7 today at 07:00.",
	}
}
