// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// DriverSpecificRequest routes /v1/driver/<id>, its preference writes, the
// reinstate action and the health read endpoints.
func (s *HTTPServer) DriverSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	path := strings.TrimPrefix(req.URL.Path, "/v1/driver/")
	switch {
	case strings.HasSuffix(path, "/preferences"):
		return s.driverUpdatePreferences(resp, req, strings.TrimSuffix(path, "/preferences"))
	case strings.HasSuffix(path, "/reinstate"):
		return s.driverReinstate(resp, req, strings.TrimSuffix(path, "/reinstate"))
	case strings.HasSuffix(path, "/health/snapshots"):
		return s.driverHealthSnapshots(resp, req, strings.TrimSuffix(path, "/health/snapshots"))
	case strings.HasSuffix(path, "/health"):
		return s.driverHealthState(resp, req, strings.TrimSuffix(path, "/health"))
	default:
		return s.driverProfile(resp, req, path)
	}
}

func (s *HTTPServer) driverProfile(resp http.ResponseWriter, req *http.Request, userID string) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	if userID == "" {
		return nil, CodedError(400, "missing driver ID")
	}

	args := structs.DriverSpecificRequest{UserID: userID}
	if err := s.parseQuery(req, &args.QueryOptions); err != nil {
		return nil, err
	}

	var out structs.DriverProfileResponse
	if err := s.agent.Server().Driver().Profile(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out, nil
}

func (s *HTTPServer) driverUpdatePreferences(resp http.ResponseWriter, req *http.Request, userID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	var body struct {
		PreferredDays   []time.Weekday
		PreferredRoutes []string
	}
	if err := decodeBody(req, &body); err != nil {
		return nil, CodedError(400, err.Error())
	}

	args := structs.DriverPreferencesUpdateRequest{
		Preferences: &structs.DriverPreferences{
			UserID:          userID,
			PreferredDays:   body.PreferredDays,
			PreferredRoutes: body.PreferredRoutes,
		},
	}
	if err := s.parseWrite(req, &args.WriteRequest); err != nil {
		return nil, err
	}

	var out structs.GenericResponse
	if err := s.agent.Server().Driver().UpdatePreferences(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out, nil
}

func (s *HTTPServer) driverReinstate(resp http.ResponseWriter, req *http.Request, userID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	args := structs.DriverReinstateRequest{UserID: userID}
	if err := s.parseWrite(req, &args.WriteRequest); err != nil {
		return nil, err
	}

	var out structs.GenericResponse
	if err := s.agent.Server().Driver().Reinstate(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out, nil
}

func (s *HTTPServer) driverHealthState(resp http.ResponseWriter, req *http.Request, userID string) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	args := structs.HealthStateRequest{UserID: userID}
	if err := s.parseQuery(req, &args.QueryOptions); err != nil {
		return nil, err
	}

	var out structs.HealthStateResponse
	if err := s.agent.Server().Health().State(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out.Health, nil
}

func (s *HTTPServer) driverHealthSnapshots(resp http.ResponseWriter, req *http.Request, userID string) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	args := structs.HealthSnapshotsRequest{UserID: userID}
	if raw := req.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, CodedError(400, "invalid limit")
		}
		args.Limit = limit
	}
	if err := s.parseQuery(req, &args.QueryOptions); err != nil {
		return nil, err
	}

	var out structs.HealthSnapshotsResponse
	if err := s.agent.Server().Health().Snapshots(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out.Snapshots, nil
}
