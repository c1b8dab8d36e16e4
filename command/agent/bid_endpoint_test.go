// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/parcelworks/dispatch/ci"
	"github.com/parcelworks/dispatch/dispatch/mock"
	"github.com/parcelworks/dispatch/dispatch/structs"
	"github.com/parcelworks/dispatch/helper/uuid"
)

// unfilledSeedAssignment returns one of the dev seed's unfilled slots.
func unfilledSeedAssignment(t *testing.T, s *TestAgent) *structs.Assignment {
	t.Helper()

	store := s.Agent.Server().State()
	iter, err := store.AssignmentsByOrganization(nil, s.Agent.DevSeed().OrganizationID)
	must.NoError(t, err)
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		a := raw.(*structs.Assignment)
		if a.UserID == "" {
			return a
		}
	}
	t.Fatal("dev seed has no unfilled assignment")
	return nil
}

func TestHTTP_Windows_List(t *testing.T) {
	ci.Parallel(t)

	s := NewTestAgent(t, nil)
	defer s.Shutdown()

	seed := s.Agent.DevSeed()

	// The seeded schedule fills slots without bidding, so there is nothing
	// to list until a window is opened.
	req, err := s.DevRequest(http.MethodGet, "/v1/windows", seed.ManagerID)
	must.NoError(t, err)
	resp := httptest.NewRecorder()
	s.Server.wrap(s.Server.WindowsRequest)(resp, req)
	must.Eq(t, 200, resp.Code)

	var stubs []*structs.BidWindowListStub
	must.NoError(t, json.Unmarshal(resp.Body.Bytes(), &stubs))
	must.Len(t, 0, stubs)

	store := s.Agent.Server().State()
	unfilled := unfilledSeedAssignment(t, s)
	window := mock.BidWindow(unfilled)
	must.NoError(t, store.CreateBidWindow(store.NextIndex(), window, structs.ActorTypeSystem, structs.ActorSystem, time.Now().UTC()))

	req, err = s.DevRequest(http.MethodGet, "/v1/windows?open", seed.ManagerID)
	must.NoError(t, err)
	resp = httptest.NewRecorder()
	s.Server.wrap(s.Server.WindowsRequest)(resp, req)
	must.Eq(t, 200, resp.Code)

	must.NoError(t, json.Unmarshal(resp.Body.Bytes(), &stubs))
	must.Len(t, 1, stubs)
	must.Eq(t, window.ID, stubs[0].ID)
	must.Eq(t, unfilled.ID, stubs[0].AssignmentID)
	must.Eq(t, unfilled.RouteID, stubs[0].RouteID)
	must.Eq(t, unfilled.ShiftDate, stubs[0].ShiftDate)
	must.Eq(t, structs.BidWindowStatusOpen, stubs[0].Status)
	must.Eq(t, structs.BidWindowModeCompetitive, stubs[0].Mode)
}

func TestHTTP_Window_Detail(t *testing.T) {
	ci.Parallel(t)

	s := NewTestAgent(t, nil)
	defer s.Shutdown()

	seed := s.Agent.DevSeed()
	store := s.Agent.Server().State()

	window := mock.BidWindow(unfilledSeedAssignment(t, s))
	must.NoError(t, store.CreateBidWindow(store.NextIndex(), window, structs.ActorTypeSystem, structs.ActorSystem, time.Now().UTC()))

	bid := mock.Bid(window, seed.DriverIDs[0])
	placed, err := store.PlaceBid(store.NextIndex(), bid, time.Now().UTC())
	must.NoError(t, err)
	must.True(t, placed)

	// Managers see the full slate.
	req, err := s.DevRequest(http.MethodGet, "/v1/window/"+window.ID, seed.ManagerID)
	must.NoError(t, err)
	resp := httptest.NewRecorder()
	s.Server.wrap(s.Server.WindowSpecificRequest)(resp, req)
	must.Eq(t, 200, resp.Code)

	var out structs.SingleBidWindowResponse
	must.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	must.NotNil(t, out.Window)
	must.Eq(t, window.ID, out.Window.ID)
	must.Len(t, 1, out.Bids)
	must.Eq(t, bid.ID, out.Bids[0].ID)

	// The bidder sees their own bid.
	req, err = s.DevRequest(http.MethodGet, "/v1/window/"+window.ID, seed.DriverIDs[0])
	must.NoError(t, err)
	resp = httptest.NewRecorder()
	s.Server.wrap(s.Server.WindowSpecificRequest)(resp, req)
	must.Eq(t, 200, resp.Code)

	must.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	must.Len(t, 1, out.Bids)

	// Other drivers do not.
	req, err = s.DevRequest(http.MethodGet, "/v1/window/"+window.ID, seed.DriverIDs[1])
	must.NoError(t, err)
	resp = httptest.NewRecorder()
	s.Server.wrap(s.Server.WindowSpecificRequest)(resp, req)
	must.Eq(t, 200, resp.Code)

	must.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	must.Len(t, 0, out.Bids)
}

func TestHTTP_Window_Detail_Unknown(t *testing.T) {
	ci.Parallel(t)

	s := NewTestAgent(t, nil)
	defer s.Shutdown()

	req, err := s.DevRequest(http.MethodGet, "/v1/window/"+uuid.Generate(), s.Agent.DevSeed().ManagerID)
	must.NoError(t, err)
	resp := httptest.NewRecorder()
	s.Server.wrap(s.Server.WindowSpecificRequest)(resp, req)
	must.Eq(t, 404, resp.Code)
}

func TestHTTP_Window_Bid_WrongMethod(t *testing.T) {
	ci.Parallel(t)

	s := NewTestAgent(t, nil)
	defer s.Shutdown()

	req, err := s.DevRequest(http.MethodGet, "/v1/window/"+uuid.Generate()+"/bid", s.Agent.DevSeed().DriverIDs[0])
	must.NoError(t, err)
	resp := httptest.NewRecorder()
	s.Server.wrap(s.Server.WindowSpecificRequest)(resp, req)
	must.Eq(t, 405, resp.Code)
	must.Eq(t, ErrInvalidMethod, resp.Body.String())
}
