// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"net/http"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// OrganizationRequest returns the tenant with its raw overrides and the
// merged policy they produce.
func (s *HTTPServer) OrganizationRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	args := structs.OrganizationSpecificRequest{}
	if err := s.parseQuery(req, &args.QueryOptions); err != nil {
		return nil, err
	}

	var out structs.SingleOrganizationResponse
	if err := s.agent.Server().Organization().Detail(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out, nil
}

// OrganizationSettingsRequest replaces the tenant's policy overrides. Nil
// fields in the body inherit the defaults.
func (s *HTTPServer) OrganizationSettingsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	var settings structs.OrganizationSettings
	if err := decodeBody(req, &settings); err != nil {
		return nil, CodedError(400, err.Error())
	}

	args := structs.OrganizationSettingsUpdateRequest{Settings: &settings}
	if err := s.parseWrite(req, &args.WriteRequest); err != nil {
		return nil, err
	}

	var out structs.GenericResponse
	if err := s.agent.Server().Organization().UpdateSettings(&args, &out); err != nil {
		return nil, err
	}

	setIndex(resp, out.Index)
	return out, nil
}
