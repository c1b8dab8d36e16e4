// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"
)

// cronRunResponse is the body of a successful cron trigger. Counts are
// flattened next to success so external cron monitors can alert on any
// single counter.
type cronRunResponse map[string]interface{}

// CronRequest force-runs one periodic job by name. The contract is built
// for external schedulers: GET with a bearer secret, 401 on mismatch, 200
// with the job's counters on success.
func (s *HTTPServer) CronRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	if s.agent.config.CronSecret == "" {
		return nil, CodedError(404, "cron endpoints disabled")
	}
	if !checkCronSecret(req, s.agent.config.CronSecret) {
		return nil, CodedError(401, "bad cron secret")
	}

	job := strings.TrimPrefix(req.URL.Path, "/v1/cron/")
	periodic := s.agent.Server().Periodic()
	if !slices.Contains(periodic.Jobs(), job) {
		return nil, CodedError(404, "unknown cron job")
	}

	res, err := periodic.ForceRun(req.Context(), job)
	if err != nil {
		return nil, err
	}

	out := cronRunResponse{
		"success": true,
		"job":     res.Job,
		"elapsed": res.Elapsed.String(),
	}
	for k, v := range res.Counts {
		out[k] = v
	}
	return out, nil
}

// checkCronSecret compares the bearer token in constant time.
func checkCronSecret(req *http.Request, secret string) bool {
	auth := req.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}
