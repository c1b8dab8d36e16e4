// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"net/http"
	"strings"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// AssignmentsRequest lists a tenant's assignments, optionally filtered by
// ?user and ?date.
func (s *HTTPServer) AssignmentsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	args := structs.AssignmentListRequest{
		UserID: req.URL.Query().Get("user"),
		Date:   req.URL.Query().Get("date"),
	}
	if err := s.parseQuery(req, &args.QueryOptions); err != nil {
		return nil, err
	}

	var out structs.AssignmentListResponse
	if err := s.agent.Server().Assignment().List(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out.Assignments, nil
}

// AssignmentSpecificRequest routes /v1/assignment/<id> and its lifecycle
// actions.
func (s *HTTPServer) AssignmentSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	path := strings.TrimPrefix(req.URL.Path, "/v1/assignment/")
	switch {
	case strings.HasSuffix(path, "/confirm"):
		return s.assignmentConfirm(resp, req, strings.TrimSuffix(path, "/confirm"))
	case strings.HasSuffix(path, "/cancel"):
		return s.assignmentCancel(resp, req, strings.TrimSuffix(path, "/cancel"))
	case strings.HasSuffix(path, "/arrive"):
		return s.assignmentArrive(resp, req, strings.TrimSuffix(path, "/arrive"))
	case strings.HasSuffix(path, "/start"):
		return s.assignmentStart(resp, req, strings.TrimSuffix(path, "/start"))
	case strings.HasSuffix(path, "/complete"):
		return s.assignmentComplete(resp, req, strings.TrimSuffix(path, "/complete"))
	case strings.HasSuffix(path, "/returns"):
		return s.assignmentCorrectReturns(resp, req, strings.TrimSuffix(path, "/returns"))
	case strings.HasSuffix(path, "/window"):
		return s.assignmentOpenWindow(resp, req, strings.TrimSuffix(path, "/window"))
	case strings.HasSuffix(path, "/assign"):
		return s.assignmentManualAssign(resp, req, strings.TrimSuffix(path, "/assign"))
	default:
		return s.assignmentDetail(resp, req, path)
	}
}

func (s *HTTPServer) assignmentDetail(resp http.ResponseWriter, req *http.Request, assignmentID string) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	if assignmentID == "" {
		return nil, CodedError(400, "missing assignment ID")
	}

	args := structs.AssignmentSpecificRequest{AssignmentID: assignmentID}
	if err := s.parseQuery(req, &args.QueryOptions); err != nil {
		return nil, err
	}

	var out structs.SingleAssignmentResponse
	if err := s.agent.Server().Assignment().Detail(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out, nil
}

func (s *HTTPServer) assignmentConfirm(resp http.ResponseWriter, req *http.Request, assignmentID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	args := structs.AssignmentConfirmRequest{AssignmentID: assignmentID}
	if err := s.parseWrite(req, &args.WriteRequest); err != nil {
		return nil, err
	}

	var out structs.AssignmentUpdateResponse
	if err := s.agent.Server().Assignment().Confirm(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out, nil
}

func (s *HTTPServer) assignmentCancel(resp http.ResponseWriter, req *http.Request, assignmentID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	args := structs.AssignmentCancelRequest{AssignmentID: assignmentID}
	if err := s.parseWrite(req, &args.WriteRequest); err != nil {
		return nil, err
	}

	var out structs.AssignmentCancelResponse
	if err := s.agent.Server().Assignment().Cancel(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out, nil
}

func (s *HTTPServer) assignmentArrive(resp http.ResponseWriter, req *http.Request, assignmentID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	args := structs.AssignmentArriveRequest{AssignmentID: assignmentID}
	if err := s.parseWrite(req, &args.WriteRequest); err != nil {
		return nil, err
	}

	var out structs.AssignmentUpdateResponse
	if err := s.agent.Server().Assignment().Arrive(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out, nil
}

func (s *HTTPServer) assignmentStart(resp http.ResponseWriter, req *http.Request, assignmentID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	var body struct {
		ParcelsStart int
	}
	if req.ContentLength != 0 {
		if err := decodeBody(req, &body); err != nil {
			return nil, CodedError(400, err.Error())
		}
	}

	args := structs.AssignmentStartRequest{
		AssignmentID: assignmentID,
		ParcelsStart: body.ParcelsStart,
	}
	if err := s.parseWrite(req, &args.WriteRequest); err != nil {
		return nil, err
	}

	var out structs.AssignmentUpdateResponse
	if err := s.agent.Server().Assignment().Start(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out, nil
}

func (s *HTTPServer) assignmentComplete(resp http.ResponseWriter, req *http.Request, assignmentID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	var body struct {
		ParcelsDelivered int
		ParcelsReturned  int
		ExceptedReturns  int
		Notes            string
	}
	if err := decodeBody(req, &body); err != nil {
		return nil, CodedError(400, err.Error())
	}

	args := structs.AssignmentCompleteRequest{
		AssignmentID:     assignmentID,
		ParcelsDelivered: body.ParcelsDelivered,
		ParcelsReturned:  body.ParcelsReturned,
		ExceptedReturns:  body.ExceptedReturns,
		Notes:            body.Notes,
	}
	if err := s.parseWrite(req, &args.WriteRequest); err != nil {
		return nil, err
	}

	var out structs.AssignmentUpdateResponse
	if err := s.agent.Server().Assignment().Complete(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out, nil
}

func (s *HTTPServer) assignmentCorrectReturns(resp http.ResponseWriter, req *http.Request, assignmentID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	var body struct {
		ExceptedReturns int
		Notes           string
	}
	if err := decodeBody(req, &body); err != nil {
		return nil, CodedError(400, err.Error())
	}

	args := structs.ShiftCorrectionRequest{
		AssignmentID:    assignmentID,
		ExceptedReturns: body.ExceptedReturns,
		Notes:           body.Notes,
	}
	if err := s.parseWrite(req, &args.WriteRequest); err != nil {
		return nil, err
	}

	var out structs.AssignmentUpdateResponse
	if err := s.agent.Server().Assignment().CorrectReturns(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out, nil
}
