// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"net/http"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// ScheduleGenerateRequest triggers weekly schedule generation for the week
// containing the date in the body.
func (s *HTTPServer) ScheduleGenerateRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	var body struct {
		Date string
	}
	if err := decodeBody(req, &body); err != nil {
		return nil, CodedError(400, err.Error())
	}
	if body.Date == "" {
		return nil, CodedError(400, "missing date")
	}

	args := structs.ScheduleGenerateRequest{Date: body.Date}
	if err := s.parseWrite(req, &args.WriteRequest); err != nil {
		return nil, err
	}

	var out structs.ScheduleGenerateResponse
	if err := s.agent.Server().Schedule().Generate(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out, nil
}
