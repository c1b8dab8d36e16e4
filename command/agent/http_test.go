// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/parcelworks/dispatch/ci"
	"github.com/parcelworks/dispatch/dispatch/structs"
)

func TestHTTPServer_Wrap_ErrorCodes(t *testing.T) {
	ci.Parallel(t)

	s := NewTestAgent(t, nil)
	defer s.Shutdown()

	cases := []struct {
		name       string
		err        error
		wantCode   int
		wantReason string
	}{
		{
			name:     "coded error keeps its code",
			err:      CodedError(405, ErrInvalidMethod),
			wantCode: 405,
		},
		{
			name:     "unknown entity is 404",
			err:      structs.NewErrUnknownAssignment("11111111-2222-3333-4444-555555555555"),
			wantCode: 404,
		},
		{
			name:     "permission denied is 403",
			err:      structs.ErrPermissionDenied,
			wantCode: 403,
		},
		{
			name:     "write race is 409",
			err:      structs.ErrStateChanged,
			wantCode: 409,
		},
		{
			name:       "policy rejection is 409 with reason header",
			err:        structs.NewPolicyRejection(structs.ReasonWeeklyCapReached, "weekly shift cap reached"),
			wantCode:   409,
			wantReason: structs.ReasonWeeklyCapReached,
		},
		{
			name:     "anything else is 500",
			err:      errors.New("kaboom"),
			wantCode: 500,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := func(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
				return nil, tc.err
			}

			req, err := http.NewRequest(http.MethodGet, "/v1/assignments", nil)
			must.NoError(t, err)
			resp := httptest.NewRecorder()
			s.Server.wrap(handler)(resp, req)

			must.Eq(t, tc.wantCode, resp.Code)
			must.Eq(t, tc.err.Error(), resp.Body.String())
			must.Eq(t, tc.wantReason, resp.Header().Get(headerRejectReason))
		})
	}
}

func TestHTTPServer_Wrap_Success(t *testing.T) {
	ci.Parallel(t)

	s := NewTestAgent(t, nil)
	defer s.Shutdown()

	handler := func(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
		return map[string]string{"hello": "driver"}, nil
	}

	req, err := http.NewRequest(http.MethodGet, "/v1/agent/health", nil)
	must.NoError(t, err)
	resp := httptest.NewRecorder()
	s.Server.wrap(handler)(resp, req)

	must.Eq(t, 200, resp.Code)
	must.Eq(t, "application/json", resp.Header().Get("Content-Type"))

	var out map[string]string
	must.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	must.Eq(t, map[string]string{"hello": "driver"}, out)
}

func TestHTTPServer_Wrap_NilObject(t *testing.T) {
	ci.Parallel(t)

	s := NewTestAgent(t, nil)
	defer s.Shutdown()

	handler := func(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
		return nil, nil
	}

	req, err := http.NewRequest(http.MethodGet, "/v1/agent/health", nil)
	must.NoError(t, err)
	resp := httptest.NewRecorder()
	s.Server.wrap(handler)(resp, req)

	must.Eq(t, 200, resp.Code)
	must.Eq(t, 0, resp.Body.Len())
}

func TestHTTPServer_ParseOrganization(t *testing.T) {
	ci.Parallel(t)

	t.Run("header", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, "/v1/assignments", nil)
		req.Header.Set(headerOrganization, "org-from-header")

		org, err := parseOrganization(req)
		must.NoError(t, err)
		must.Eq(t, "org-from-header", org)
	})

	t.Run("query fallback", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, "/v1/assignments?org=org-from-query", nil)

		org, err := parseOrganization(req)
		must.NoError(t, err)
		must.Eq(t, "org-from-query", org)
	})

	t.Run("header wins over query", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, "/v1/assignments?org=org-from-query", nil)
		req.Header.Set(headerOrganization, "org-from-header")

		org, err := parseOrganization(req)
		must.NoError(t, err)
		must.Eq(t, "org-from-header", org)
	})

	t.Run("missing is a 400", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, "/v1/assignments", nil)

		_, err := parseOrganization(req)
		must.Error(t, err)
		coded, ok := err.(HTTPCodedError)
		must.True(t, ok)
		must.Eq(t, 400, coded.Code())
	})
}

func TestHTTPServer_ParseActor(t *testing.T) {
	ci.Parallel(t)

	req, _ := http.NewRequest(http.MethodGet, "/v1/assignments?actor=query-actor", nil)
	must.Eq(t, "query-actor", parseActor(req))

	req.Header.Set(headerActor, "header-actor")
	must.Eq(t, "header-actor", parseActor(req))

	bare, _ := http.NewRequest(http.MethodGet, "/v1/assignments", nil)
	must.Eq(t, "", parseActor(bare))
}

func TestHTTPServer_SetIndex(t *testing.T) {
	ci.Parallel(t)

	resp := httptest.NewRecorder()
	setIndex(resp, 1000)
	must.Eq(t, "1000", resp.Header().Get("X-Dispatch-Index"))
}

func TestHTTPServer_ParseWrite(t *testing.T) {
	ci.Parallel(t)

	s := NewTestAgent(t, nil)
	defer s.Shutdown()

	req, _ := http.NewRequest(http.MethodPut, "/v1/schedule/generate", nil)
	req.Header.Set(headerOrganization, "org-1")
	req.Header.Set(headerActor, "user-1")

	var w structs.WriteRequest
	must.NoError(t, s.Server.parseWrite(req, &w))
	must.Eq(t, "org-1", w.OrganizationID)
	must.Eq(t, "user-1", w.ActorID)

	bare, _ := http.NewRequest(http.MethodPut, "/v1/schedule/generate", nil)
	var w2 structs.WriteRequest
	must.Error(t, s.Server.parseWrite(bare, &w2))
}
