// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"net/http"
	"strings"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// NotificationsRequest lists the acting user's inbox, optionally unread only
// with ?unread.
func (s *HTTPServer) NotificationsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	args := structs.NotificationListRequest{}
	if _, ok := req.URL.Query()["unread"]; ok {
		args.UnreadOnly = true
	}
	if err := s.parseQuery(req, &args.QueryOptions); err != nil {
		return nil, err
	}

	var out structs.NotificationListResponse
	if err := s.agent.Server().Notification().List(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out, nil
}

// NotificationSpecificRequest routes /v1/notification/<id>/read.
func (s *HTTPServer) NotificationSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	path := strings.TrimPrefix(req.URL.Path, "/v1/notification/")
	if !strings.HasSuffix(path, "/read") {
		return nil, CodedError(404, "unknown notification action")
	}
	return s.notificationMarkRead(resp, req, strings.TrimSuffix(path, "/read"))
}

func (s *HTTPServer) notificationMarkRead(resp http.ResponseWriter, req *http.Request, notificationID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	args := structs.NotificationMarkReadRequest{NotificationID: notificationID}
	if err := s.parseWrite(req, &args.WriteRequest); err != nil {
		return nil, err
	}

	var out structs.GenericResponse
	if err := s.agent.Server().Notification().MarkRead(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out, nil
}
