// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"testing"
	"time"

	"github.com/parcelworks/dispatch/ci"
	"github.com/parcelworks/dispatch/dispatch/mock"
	"github.com/parcelworks/dispatch/dispatch/structs"
	"github.com/shoenig/test/must"
)

func TestStateStore_UpsertNotification(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	org, _, driver := seedTenant(t, store)

	n := mock.Notification(org.ID, driver.ID)
	written, err := store.UpsertNotification(1000, n)
	must.NoError(t, err)
	must.True(t, written)

	out, err := store.NotificationByID(nil, n.ID)
	must.NoError(t, err)
	must.NotNil(t, out)
	must.Eq(t, structs.NotificationShiftReminder, out.Type)
	must.Nil(t, out.ReadAt)

	count, err := store.UnreadNotificationCount(nil, driver.ID)
	must.NoError(t, err)
	must.Eq(t, 1, count)
}

func TestStateStore_UpsertNotification_Dedupe(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	org, _, driver := seedTenant(t, store)
	other := mock.Driver(org.ID)
	must.NoError(t, store.UpsertUser(999, other))

	first := mock.Notification(org.ID, driver.ID)
	first.DedupeKey = "shift_reminder:2026-08-24"
	written, err := store.UpsertNotification(1000, first)
	must.NoError(t, err)
	must.True(t, written)

	// A re-run of the reminder sweep writes nothing for the same key.
	repeat := mock.Notification(org.ID, driver.ID)
	repeat.DedupeKey = "shift_reminder:2026-08-24"
	written, err = store.UpsertNotification(1001, repeat)
	must.NoError(t, err)
	must.False(t, written)

	// The key is scoped per user.
	theirs := mock.Notification(org.ID, other.ID)
	theirs.DedupeKey = "shift_reminder:2026-08-24"
	written, err = store.UpsertNotification(1002, theirs)
	must.NoError(t, err)
	must.True(t, written)

	iter, err := store.NotificationsByUser(nil, driver.ID)
	must.NoError(t, err)
	count := 0
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		count++
	}
	must.Eq(t, 1, count)
}

func TestStateStore_MarkNotificationRead(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	org, _, driver := seedTenant(t, store)
	other := mock.Driver(org.ID)
	must.NoError(t, store.UpsertUser(999, other))

	n := mock.Notification(org.ID, driver.ID)
	_, err := store.UpsertNotification(1000, n)
	must.NoError(t, err)

	now := time.Date(2026, 8, 24, 19, 0, 0, 0, time.UTC)

	err = store.MarkNotificationRead(1001, org.ID, "does-not-exist", driver.ID, now)
	must.True(t, structs.IsErrUnknown(err))

	// Only the recipient can read their inbox row.
	err = store.MarkNotificationRead(1002, org.ID, n.ID, other.ID, now)
	must.ErrorIs(t, err, structs.ErrPermissionDenied)

	must.NoError(t, store.MarkNotificationRead(1003, org.ID, n.ID, driver.ID, now))

	out, err := store.NotificationByID(nil, n.ID)
	must.NoError(t, err)
	must.NotNil(t, out.ReadAt)
	must.Eq(t, now, *out.ReadAt)

	count, err := store.UnreadNotificationCount(nil, driver.ID)
	must.NoError(t, err)
	must.Eq(t, 0, count)

	// Reading twice is a quiet no-op; the first read instant stands.
	must.NoError(t, store.MarkNotificationRead(1004, org.ID, n.ID, driver.ID, now.Add(time.Hour)))
	out, err = store.NotificationByID(nil, n.ID)
	must.NoError(t, err)
	must.Eq(t, now, *out.ReadAt)
}

func TestStateStore_PruneNotifications(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	org, _, driver := seedTenant(t, store)

	now := time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)

	old := mock.Notification(org.ID, driver.ID)
	old.CreateTime = now.AddDate(0, 0, -120).UnixNano()
	_, err := store.UpsertNotification(1000, old)
	must.NoError(t, err)

	fresh := mock.Notification(org.ID, driver.ID)
	fresh.CreateTime = now.AddDate(0, 0, -5).UnixNano()
	_, err = store.UpsertNotification(1001, fresh)
	must.NoError(t, err)

	cutoff := now.AddDate(0, 0, -90)
	pruned, err := store.PruneNotifications(1002, org.ID, cutoff)
	must.NoError(t, err)
	must.Eq(t, 1, pruned)

	gone, err := store.NotificationByID(nil, old.ID)
	must.NoError(t, err)
	must.Nil(t, gone)

	kept, err := store.NotificationByID(nil, fresh.ID)
	must.NoError(t, err)
	must.NotNil(t, kept)

	// Nothing left past the cutoff, so a re-run removes nothing.
	pruned, err = store.PruneNotifications(1003, org.ID, cutoff)
	must.NoError(t, err)
	must.Eq(t, 0, pruned)
}

func TestStateStore_NotificationByDedupe(t *testing.T) {
	ci.Parallel(t)
	store := testStateStore(t)

	org, _, driver := seedTenant(t, store)

	n := mock.Notification(org.ID, driver.ID)
	n.Type = structs.NotificationCorrectiveWarning
	n.DedupeKey = "corrective_warning:2026-08-24"
	written, err := store.UpsertNotification(1000, n)
	must.NoError(t, err)
	must.True(t, written)

	out, err := store.NotificationByDedupe(nil, driver.ID, "corrective_warning:2026-08-24")
	must.NoError(t, err)
	must.NotNil(t, out)
	must.Eq(t, n.ID, out.ID)

	missing, err := store.NotificationByDedupe(nil, driver.ID, "no-such-key")
	must.NoError(t, err)
	must.Nil(t, missing)
}
