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

func TestNotification_List(t *testing.T) {
	ci.Parallel(t)

	s, tt, cleanup := testServerTenant(t, nil)
	defer cleanup()

	base := time.Now().UTC().Add(-time.Hour).UnixNano()
	var ids []string
	for i := 0; i < 3; i++ {
		n := mock.Notification(tt.org.ID, tt.driver.ID)
		n.CreateTime = base + int64(i)
		_, err := s.State().UpsertNotification(uint64(110+i), n)
		must.NoError(t, err)
		ids = append(ids, n.ID)
	}
	foreign := mock.Notification(tt.org.ID, tt.manager.ID)
	_, err := s.State().UpsertNotification(113, foreign)
	must.NoError(t, err)

	// Newest first, own inbox only.
	var reply structs.NotificationListResponse
	err = s.Notification().List(&structs.NotificationListRequest{
		QueryOptions: structs.QueryOptions{OrganizationID: tt.org.ID, ActorID: tt.driver.ID},
	}, &reply)
	must.NoError(t, err)
	must.Len(t, 3, reply.Notifications)
	must.Eq(t, ids[2], reply.Notifications[0].ID)
	must.Eq(t, ids[1], reply.Notifications[1].ID)
	must.Eq(t, ids[0], reply.Notifications[2].ID)
	must.Eq(t, 3, reply.Unread)

	var ack structs.GenericResponse
	must.NoError(t, s.Notification().MarkRead(&structs.NotificationMarkReadRequest{
		NotificationID: ids[2],
		WriteRequest:   structs.WriteRequest{OrganizationID: tt.org.ID, ActorID: tt.driver.ID},
	}, &ack))

	// UnreadOnly narrows the rows; Unread still counts the whole inbox.
	err = s.Notification().List(&structs.NotificationListRequest{
		UnreadOnly:   true,
		QueryOptions: structs.QueryOptions{OrganizationID: tt.org.ID, ActorID: tt.driver.ID},
	}, &reply)
	must.NoError(t, err)
	must.Len(t, 2, reply.Notifications)
	must.Eq(t, 2, reply.Unread)

	err = s.Notification().List(&structs.NotificationListRequest{
		QueryOptions: structs.QueryOptions{OrganizationID: tt.org.ID, ActorID: tt.driver.ID},
	}, &reply)
	must.NoError(t, err)
	must.Len(t, 3, reply.Notifications)
	must.Eq(t, 2, reply.Unread)

	err = s.Notification().List(&structs.NotificationListRequest{
		QueryOptions: structs.QueryOptions{OrganizationID: tt.org.ID, ActorID: tt.manager.ID},
	}, &reply)
	must.NoError(t, err)
	must.Len(t, 1, reply.Notifications)
	must.Eq(t, foreign.ID, reply.Notifications[0].ID)
}

func TestNotification_MarkRead(t *testing.T) {
	ci.Parallel(t)

	s, tt, cleanup := testServerTenant(t, nil)
	defer cleanup()

	n := mock.Notification(tt.org.ID, tt.driver.ID)
	_, err := s.State().UpsertNotification(110, n)
	must.NoError(t, err)

	var reply structs.GenericResponse
	err = s.Notification().MarkRead(&structs.NotificationMarkReadRequest{
		WriteRequest: structs.WriteRequest{OrganizationID: tt.org.ID, ActorID: tt.driver.ID},
	}, &reply)
	must.ErrorContains(t, err, "missing notification ID")

	err = s.Notification().MarkRead(&structs.NotificationMarkReadRequest{
		NotificationID: "nope",
		WriteRequest:   structs.WriteRequest{OrganizationID: tt.org.ID, ActorID: tt.driver.ID},
	}, &reply)
	must.True(t, structs.IsErrUnknown(err))

	// Inbox rows belong to their addressee.
	err = s.Notification().MarkRead(&structs.NotificationMarkReadRequest{
		NotificationID: n.ID,
		WriteRequest:   structs.WriteRequest{OrganizationID: tt.org.ID, ActorID: tt.manager.ID},
	}, &reply)
	must.ErrorIs(t, err, structs.ErrPermissionDenied)

	err = s.Notification().MarkRead(&structs.NotificationMarkReadRequest{
		NotificationID: n.ID,
		WriteRequest:   structs.WriteRequest{OrganizationID: tt.org.ID, ActorID: tt.driver.ID},
	}, &reply)
	must.NoError(t, err)

	stored, err := s.State().NotificationByID(nil, n.ID)
	must.NoError(t, err)
	must.NotNil(t, stored.ReadAt)
	first := *stored.ReadAt

	// Re-reading is a quiet no-op.
	err = s.Notification().MarkRead(&structs.NotificationMarkReadRequest{
		NotificationID: n.ID,
		WriteRequest:   structs.WriteRequest{OrganizationID: tt.org.ID, ActorID: tt.driver.ID},
	}, &reply)
	must.NoError(t, err)

	stored, err = s.State().NotificationByID(nil, n.ID)
	must.NoError(t, err)
	must.True(t, stored.ReadAt.Equal(first))
}
