// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"fmt"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/parcelworks/dispatch/ci"
	"github.com/parcelworks/dispatch/dispatch/mock"
	"github.com/parcelworks/dispatch/dispatch/structs"
	"github.com/parcelworks/dispatch/helper/uuid"
)

// testTenant is the seeded fixture behind most endpoint tests: one tenant
// with a depot, a route, a manager and a driver.
type testTenant struct {
	org       *structs.Organization
	warehouse *structs.Warehouse
	route     *structs.Route
	manager   *structs.User
	driver    *structs.User
}

// testServerTenant starts a server and seeds the standard tenant. cb edits
// the organization before it is written, so tests can pin the zone.
func testServerTenant(t *testing.T, cb func(*structs.Organization)) (*Server, *testTenant, func()) {
	t.Helper()

	s, cleanup := TestServer(t, nil)
	store := s.State()

	org := mock.Organization()
	if cb != nil {
		cb(org)
	}
	must.NoError(t, store.UpsertOrganization(100, org))

	wh := mock.Warehouse(org.ID)
	must.NoError(t, store.UpsertWarehouse(101, wh))

	route := mock.Route(wh)
	must.NoError(t, store.UpsertRoute(102, route))

	manager := mock.Manager(org.ID)
	must.NoError(t, store.UpsertUser(103, manager))

	driver := mock.Driver(org.ID)
	must.NoError(t, store.UpsertUser(104, driver))

	tt := &testTenant{
		org:       org,
		warehouse: wh,
		route:     route,
		manager:   manager,
		driver:    driver,
	}
	return s, tt, cleanup
}

// date returns today in the tenant zone shifted by days. Endpoint tests run
// against the real clock, so shift dates are always picked relative to it.
func (tt *testTenant) date(t *testing.T, days int) string {
	t.Helper()

	zone, err := tt.org.Zone()
	must.NoError(t, err)
	out, err := structs.AddDays(zone.Today(time.Now().UTC()), days)
	must.NoError(t, err)
	return out
}

// zone returns the tenant's wall-clock zone.
func (tt *testTenant) zone(t *testing.T) *structs.TenantZone {
	t.Helper()

	zone, err := tt.org.Zone()
	must.NoError(t, err)
	return zone
}

// addDriver seeds one more driver in the tenant.
func addDriver(t *testing.T, s *Server, tt *testTenant, index uint64) *structs.User {
	t.Helper()

	d := mock.Driver(tt.org.ID)
	must.NoError(t, s.State().UpsertUser(index, d))
	return d
}

// zoneAtHour returns an IANA fixed-offset zone whose local clock reads the
// given hour at the instant now, give or take the minutes already elapsed.
// Tests that depend on which side of a same-day anchor the wall clock sits,
// such as the arrival flow, pin the tenant zone with it so they pass at any
// time of day. Note the Etc/GMT sign convention is inverted: Etc/GMT-5 is
// five hours ahead of UTC.
func zoneAtHour(now time.Time, hour int) string {
	offset := (hour - now.UTC().Hour() + 24) % 24
	if offset > 14 {
		offset -= 24
	}
	switch {
	case offset == 0:
		return "UTC"
	case offset > 0:
		return fmt.Sprintf("Etc/GMT-%d", offset)
	default:
		return fmt.Sprintf("Etc/GMT+%d", -offset)
	}
}

// entityAudit gathers an entity's audit rows by action. Iteration order over
// equal index keys is not insertion order, so tests assert on the set.
func entityAudit(t *testing.T, s *Server, entityType, entityID string) map[string][]*structs.AuditLog {
	t.Helper()

	iter, err := s.State().AuditLogsByEntity(nil, entityType, entityID)
	must.NoError(t, err)

	out := make(map[string][]*structs.AuditLog)
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		log := raw.(*structs.AuditLog)
		out[log.Action] = append(out[log.Action], log)
	}
	return out
}

func singleAudit(t *testing.T, s *Server, entityType, entityID, action string) *structs.AuditLog {
	t.Helper()

	logs := entityAudit(t, s, entityType, entityID)[action]
	must.Len(t, 1, logs)
	return logs[0]
}

// inbox gathers a user's notifications by type.
func inbox(t *testing.T, s *Server, userID string) map[string][]*structs.Notification {
	t.Helper()

	iter, err := s.State().NotificationsByUser(nil, userID)
	must.NoError(t, err)

	out := make(map[string][]*structs.Notification)
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		n := raw.(*structs.Notification)
		out[n.Type] = append(out[n.Type], n)
	}
	return out
}

// mustReject asserts err is a policy rejection carrying the reason.
func mustReject(t *testing.T, err error, reason string) {
	t.Helper()

	got, ok := structs.IsPolicyRejection(err)
	must.True(t, ok, must.Sprintf("expected policy rejection %q, got %v", reason, err))
	must.Eq(t, reason, got)
}

func TestServer_Shutdown(t *testing.T) {
	ci.Parallel(t)

	s, cleanup := TestServer(t, nil)
	defer cleanup()

	must.False(t, s.IsShutdown())
	must.NoError(t, s.Shutdown())
	must.True(t, s.IsShutdown())

	// A second shutdown is a quiet no-op.
	must.NoError(t, s.Shutdown())
}

func TestServer_ResolveActor(t *testing.T) {
	ci.Parallel(t)

	s, tt, cleanup := testServerTenant(t, nil)
	defer cleanup()

	_, err := s.resolveActor(tt.org.ID, "")
	must.ErrorIs(t, err, structs.ErrPermissionDenied)

	_, err = s.resolveActor(tt.org.ID, uuid.Generate())
	must.ErrorIs(t, err, structs.ErrPermissionDenied)

	// A user from another tenant does not resolve, even with a valid ID.
	other := mock.Organization()
	must.NoError(t, s.State().UpsertOrganization(110, other))
	outsider := mock.Driver(other.ID)
	must.NoError(t, s.State().UpsertUser(111, outsider))

	_, err = s.resolveActor(tt.org.ID, outsider.ID)
	must.ErrorIs(t, err, structs.ErrPermissionDenied)

	actor, err := s.resolveActor(tt.org.ID, tt.driver.ID)
	must.NoError(t, err)
	must.Eq(t, tt.driver.ID, actor.ID)
}

func TestServer_ResolveManager(t *testing.T) {
	ci.Parallel(t)

	s, tt, cleanup := testServerTenant(t, nil)
	defer cleanup()

	actor, err := s.resolveManager(tt.org.ID, tt.manager.ID)
	must.NoError(t, err)
	must.Eq(t, tt.manager.ID, actor.ID)

	_, err = s.resolveManager(tt.org.ID, tt.driver.ID)
	must.ErrorIs(t, err, structs.ErrPermissionDenied)
}

func TestServer_ResolveDriverScope(t *testing.T) {
	ci.Parallel(t)

	s, tt, cleanup := testServerTenant(t, nil)
	defer cleanup()

	other := addDriver(t, s, tt, 110)

	// A driver with no target reads their own record.
	userID, err := s.resolveDriverScope(tt.org.ID, tt.driver.ID, "")
	must.NoError(t, err)
	must.Eq(t, tt.driver.ID, userID)

	userID, err = s.resolveDriverScope(tt.org.ID, tt.driver.ID, tt.driver.ID)
	must.NoError(t, err)
	must.Eq(t, tt.driver.ID, userID)

	_, err = s.resolveDriverScope(tt.org.ID, tt.driver.ID, other.ID)
	must.ErrorIs(t, err, structs.ErrPermissionDenied)

	// Managers read any driver in the tenant.
	userID, err = s.resolveDriverScope(tt.org.ID, tt.manager.ID, other.ID)
	must.NoError(t, err)
	must.Eq(t, other.ID, userID)
}

func TestServer_PolicyCache(t *testing.T) {
	ci.Parallel(t)

	s, tt, cleanup := testServerTenant(t, nil)
	defer cleanup()

	policy, err := s.policyFor(tt.org.ID)
	must.NoError(t, err)
	must.Eq(t, 4, policy.WeeklyCapBase)
	must.Eq(t, tt.org.TimeZone, policy.TimeZone)

	// A direct settings write is invisible until the cache entry drops.
	capBase := 3
	settings := &structs.OrganizationSettings{
		OrganizationID: tt.org.ID,
		WeeklyCapBase:  &capBase,
	}
	must.NoError(t, s.State().UpsertOrganizationSettings(110, settings))

	policy, err = s.policyFor(tt.org.ID)
	must.NoError(t, err)
	must.Eq(t, 4, policy.WeeklyCapBase)

	s.invalidatePolicy(tt.org.ID)

	policy, err = s.policyFor(tt.org.ID)
	must.NoError(t, err)
	must.Eq(t, 3, policy.WeeklyCapBase)
}
