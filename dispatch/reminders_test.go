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

func TestReminders_Sweep(t *testing.T) {
	ci.Parallel(t)

	s, tt, cleanup := testServerTenant(t, nil)
	defer cleanup()

	stale := addDriver(t, s, tt, 110)
	pending := addDriver(t, s, tt, 111)

	route2 := mock.Route(tt.warehouse)
	must.NoError(t, s.State().UpsertRoute(112, route2))
	route3 := mock.Route(tt.warehouse)
	must.NoError(t, s.State().UpsertRoute(113, route3))

	now := time.Now().UTC()

	// Three cohorts: confirmed and working today, scheduled today but
	// never confirmed, and three days out with the deadline approaching.
	working := mock.Assignment(tt.route, tt.driver.ID, tt.date(t, 0))
	must.NoError(t, s.State().UpsertAssignment(114, working))
	must.NoError(t, s.State().ConfirmAssignment(115, tt.org.ID, working.ID, now))

	idle := mock.Assignment(route2, stale.ID, tt.date(t, 0))
	must.NoError(t, s.State().UpsertAssignment(116, idle))

	ahead := mock.Assignment(route3, pending.ID, tt.date(t, 3))
	must.NoError(t, s.State().UpsertAssignment(117, ahead))

	counts, err := s.sendShiftReminders(t.Context(), now)
	must.NoError(t, err)
	must.Eq(t, 1, counts["reminded"])
	must.Eq(t, 1, counts["stale"])
	must.Eq(t, 1, counts["confirmations"])
	must.Eq(t, 0, counts["errors"])

	dayOf := inbox(t, s, tt.driver.ID)[structs.NotificationShiftReminder]
	must.Len(t, 1, dayOf)
	must.Eq(t, "09:00", dayOf[0].Data["time"])

	must.Len(t, 1, inbox(t, s, stale.ID)[structs.NotificationStaleShiftReminder])
	must.Len(t, 1, inbox(t, s, pending.ID)[structs.NotificationConfirmReminder])

	// Hourly reruns stay silent behind the per-date dedupe keys.
	counts, err = s.sendShiftReminders(t.Context(), now)
	must.NoError(t, err)
	must.Eq(t, 0, counts["reminded"])
	must.Eq(t, 0, counts["stale"])
	must.Eq(t, 0, counts["confirmations"])
}
