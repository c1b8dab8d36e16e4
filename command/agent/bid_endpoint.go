// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"net/http"
	"strings"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// WindowsRequest lists a tenant's bid windows, optionally only open ones
// with ?open.
func (s *HTTPServer) WindowsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	args := structs.BidWindowListRequest{}
	if _, ok := req.URL.Query()["open"]; ok {
		args.OpenOnly = true
	}
	if err := s.parseQuery(req, &args.QueryOptions); err != nil {
		return nil, err
	}

	var out structs.BidWindowListResponse
	if err := s.agent.Server().BidWindow().List(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out.Windows, nil
}

// WindowSpecificRequest routes /v1/window/<id> and its bid actions.
func (s *HTTPServer) WindowSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	path := strings.TrimPrefix(req.URL.Path, "/v1/window/")
	switch {
	case strings.HasSuffix(path, "/bid"):
		return s.windowPlaceBid(resp, req, strings.TrimSuffix(path, "/bid"))
	case strings.HasSuffix(path, "/claim"):
		return s.windowInstantAssign(resp, req, strings.TrimSuffix(path, "/claim"))
	case strings.HasSuffix(path, "/resolve"):
		return s.windowResolve(resp, req, strings.TrimSuffix(path, "/resolve"))
	default:
		return s.windowDetail(resp, req, path)
	}
}

func (s *HTTPServer) windowDetail(resp http.ResponseWriter, req *http.Request, windowID string) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	if windowID == "" {
		return nil, CodedError(400, "missing window ID")
	}

	args := structs.BidWindowSpecificRequest{WindowID: windowID}
	if err := s.parseQuery(req, &args.QueryOptions); err != nil {
		return nil, err
	}

	var out structs.SingleBidWindowResponse
	if err := s.agent.Server().BidWindow().Detail(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out, nil
}

func (s *HTTPServer) windowPlaceBid(resp http.ResponseWriter, req *http.Request, windowID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	args := structs.BidPlaceRequest{WindowID: windowID}
	if err := s.parseWrite(req, &args.WriteRequest); err != nil {
		return nil, err
	}

	var out structs.BidPlaceResponse
	if err := s.agent.Server().BidWindow().PlaceBid(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out, nil
}

func (s *HTTPServer) windowInstantAssign(resp http.ResponseWriter, req *http.Request, windowID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	args := structs.InstantAssignRequest{WindowID: windowID}
	if err := s.parseWrite(req, &args.WriteRequest); err != nil {
		return nil, err
	}

	var out structs.InstantAssignResponse
	if err := s.agent.Server().BidWindow().InstantAssign(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out, nil
}

func (s *HTTPServer) windowResolve(resp http.ResponseWriter, req *http.Request, windowID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	args := structs.BidWindowResolveRequest{WindowID: windowID}
	if err := s.parseWrite(req, &args.WriteRequest); err != nil {
		return nil, err
	}

	var out structs.BidWindowResolveResponse
	if err := s.agent.Server().BidWindow().Resolve(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out, nil
}

// assignmentOpenWindow opens a bid window over an assignment's slot.
func (s *HTTPServer) assignmentOpenWindow(resp http.ResponseWriter, req *http.Request, assignmentID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	var body struct {
		Mode string
	}
	if req.ContentLength != 0 {
		if err := decodeBody(req, &body); err != nil {
			return nil, CodedError(400, err.Error())
		}
	}

	args := structs.BidWindowCreateRequest{
		AssignmentID: assignmentID,
		Mode:         body.Mode,
	}
	if err := s.parseWrite(req, &args.WriteRequest); err != nil {
		return nil, err
	}

	var out structs.BidWindowCreateResponse
	if err := s.agent.Server().BidWindow().Create(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out, nil
}

// assignmentManualAssign fills an unfilled slot with a chosen driver.
func (s *HTTPServer) assignmentManualAssign(resp http.ResponseWriter, req *http.Request, assignmentID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	var body struct {
		UserID string
	}
	if err := decodeBody(req, &body); err != nil {
		return nil, CodedError(400, err.Error())
	}
	if body.UserID == "" {
		return nil, CodedError(400, "missing user ID")
	}

	args := structs.ManualAssignRequest{
		AssignmentID: assignmentID,
		UserID:       body.UserID,
	}
	if err := s.parseWrite(req, &args.WriteRequest); err != nil {
		return nil, err
	}

	var out structs.AssignmentUpdateResponse
	if err := s.agent.Server().BidWindow().ManualAssign(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out, nil
}
