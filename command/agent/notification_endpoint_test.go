// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/parcelworks/dispatch/ci"
	"github.com/parcelworks/dispatch/dispatch/structs"
)

func TestHTTP_Notifications_List(t *testing.T) {
	ci.Parallel(t)

	s := NewTestAgent(t, nil)
	defer s.Shutdown()

	// Seeding the week posted a schedule notification to every driver who
	// holds a shift in it.
	driverID := s.Agent.DevSeed().DriverIDs[0]
	req, err := s.DevRequest(http.MethodGet, "/v1/notifications", driverID)
	must.NoError(t, err)
	resp := httptest.NewRecorder()
	s.Server.wrap(s.Server.NotificationsRequest)(resp, req)
	must.Eq(t, 200, resp.Code)

	var out structs.NotificationListResponse
	must.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	must.SliceNotEmpty(t, out.Notifications)
	must.Positive(t, out.Unread)

	found := false
	for _, notif := range out.Notifications {
		must.Eq(t, driverID, notif.UserID)
		if notif.Type == structs.NotificationScheduleLocked {
			found = true
		}
	}
	must.True(t, found)
}

func TestHTTP_Notifications_MarkRead(t *testing.T) {
	ci.Parallel(t)

	s := NewTestAgent(t, nil)
	defer s.Shutdown()

	driverID := s.Agent.DevSeed().DriverIDs[0]

	listReq, err := s.DevRequest(http.MethodGet, "/v1/notifications?unread", driverID)
	must.NoError(t, err)
	listResp := httptest.NewRecorder()
	s.Server.wrap(s.Server.NotificationsRequest)(listResp, listReq)
	must.Eq(t, 200, listResp.Code)

	var before structs.NotificationListResponse
	must.NoError(t, json.Unmarshal(listResp.Body.Bytes(), &before))
	must.SliceNotEmpty(t, before.Notifications)

	target := before.Notifications[0]
	req, err := s.DevRequest(http.MethodPut, "/v1/notification/"+target.ID+"/read", driverID)
	must.NoError(t, err)
	resp := httptest.NewRecorder()
	s.Server.wrap(s.Server.NotificationSpecificRequest)(resp, req)
	must.Eq(t, 200, resp.Code)

	// The row drops out of the unread view and the unread count.
	listReq, err = s.DevRequest(http.MethodGet, "/v1/notifications?unread", driverID)
	must.NoError(t, err)
	listResp = httptest.NewRecorder()
	s.Server.wrap(s.Server.NotificationsRequest)(listResp, listReq)

	var after structs.NotificationListResponse
	must.NoError(t, json.Unmarshal(listResp.Body.Bytes(), &after))
	must.Eq(t, before.Unread-1, after.Unread)
	for _, notif := range after.Notifications {
		must.NotEq(t, target.ID, notif.ID)
	}
}

func TestHTTP_Notifications_UnknownAction(t *testing.T) {
	ci.Parallel(t)

	s := NewTestAgent(t, nil)
	defer s.Shutdown()

	driverID := s.Agent.DevSeed().DriverIDs[0]
	req, err := s.DevRequest(http.MethodPut, "/v1/notification/abc/archive", driverID)
	must.NoError(t, err)
	resp := httptest.NewRecorder()
	s.Server.wrap(s.Server.NotificationSpecificRequest)(resp, req)
	must.Eq(t, 404, resp.Code)
	must.Eq(t, "unknown notification action", resp.Body.String())
}
