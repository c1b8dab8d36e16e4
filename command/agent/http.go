// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

const (
	// ErrInvalidMethod is used if the HTTP method is not supported.
	ErrInvalidMethod = "Invalid method"

	// headerOrganization scopes a request to one tenant. Every data
	// endpoint requires it.
	headerOrganization = "X-Dispatch-Org"

	// headerActor identifies the acting user. Authentication is out of
	// scope; the header is trusted the way a reverse proxy in front of the
	// agent would populate it.
	headerActor = "X-Dispatch-Actor"

	// headerRejectReason carries the policy rejection reason code when a
	// mutation is refused, so clients can branch without parsing the
	// human-readable body.
	headerRejectReason = "X-Dispatch-Reject-Reason"
)

// HTTPServer is used to wrap an Agent and expose it over an HTTP interface.
type HTTPServer struct {
	agent      *Agent
	mux        *http.ServeMux
	listener   net.Listener
	listenerCh chan struct{}
	logger     hclog.Logger
	Addr       string
}

// NewHTTPServer starts a new HTTP server over the agent.
func NewHTTPServer(agent *Agent, config *Config) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", config.HTTPAddr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()

	srv := &HTTPServer{
		agent:      agent,
		mux:        mux,
		listener:   ln,
		listenerCh: make(chan struct{}),
		logger:     agent.logger.Named("http"),
		Addr:       ln.Addr().String(),
	}
	srv.registerHandlers(config.EnableDebug)

	// Respect X-Forwarded-* from a fronting proxy and compress responses.
	// The event stream opts out of compression per response; everything
	// else benefits.
	handler := handlers.CompressHandler(handlers.ProxyHeaders(mux))

	go func() {
		defer close(srv.listenerCh)
		http.Serve(ln, handler)
	}()

	return srv, nil
}

// Shutdown is used to shutdown the HTTP server.
func (s *HTTPServer) Shutdown() {
	if s != nil {
		s.logger.Debug("shutting down http server")
		s.listener.Close()
		<-s.listenerCh // block until http.Serve has returned.
	}
}

// registerHandlers is used to attach our handlers to the mux.
func (s *HTTPServer) registerHandlers(enableDebug bool) {
	s.mux.HandleFunc("/v1/assignments", s.wrap(s.AssignmentsRequest))
	s.mux.HandleFunc("/v1/assignment/", s.wrap(s.AssignmentSpecificRequest))

	s.mux.HandleFunc("/v1/windows", s.wrap(s.WindowsRequest))
	s.mux.HandleFunc("/v1/window/", s.wrap(s.WindowSpecificRequest))

	s.mux.HandleFunc("/v1/schedule/generate", s.wrap(s.ScheduleGenerateRequest))

	s.mux.HandleFunc("/v1/driver/", s.wrap(s.DriverSpecificRequest))

	s.mux.HandleFunc("/v1/notifications", s.wrap(s.NotificationsRequest))
	s.mux.HandleFunc("/v1/notification/", s.wrap(s.NotificationSpecificRequest))

	s.mux.HandleFunc("/v1/organization", s.wrap(s.OrganizationRequest))
	s.mux.HandleFunc("/v1/organization/settings", s.wrap(s.OrganizationSettingsRequest))

	s.mux.HandleFunc("/v1/events", s.wrap(s.EventStream))

	s.mux.HandleFunc("/v1/cron/", s.wrap(s.CronRequest))

	s.mux.HandleFunc("/v1/metrics", s.wrap(s.MetricsRequest))
	s.mux.HandleFunc("/v1/agent/health", s.wrap(s.AgentHealthRequest))

	if enableDebug {
		s.mux.HandleFunc("/debug/pprof/", pprof.Index)
		s.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		s.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		s.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		s.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
}

// HTTPCodedError is used to provide the HTTP error code.
type HTTPCodedError interface {
	error
	Code() int
}

func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string {
	return e.s
}

func (e *codedError) Code() int {
	return e.code
}

// wrap is used to wrap functions to make them more convenient. Handlers
// return an object to encode as JSON, or an error that is mapped to a
// status code by kind: typed not-found errors become 404, permission
// refusals 403, policy rejections and write races 409, anything else 500.
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) {
	f := func(resp http.ResponseWriter, req *http.Request) {
		reqURL := req.URL.String()
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method, "path", reqURL, "duration", time.Since(start))
		}()
		defer metrics.MeasureSince([]string{"dispatch", "http", "request"}, start)

		obj, err := handler(resp, req)
		if err != nil {
			code := 500
			errMsg := err.Error()

			switch {
			case isAPICodedError(err):
				code = err.(HTTPCodedError).Code()
			case structs.IsErrUnknown(err):
				code = 404
			case structs.IsErrPermissionDenied(err):
				code = 403
			case structs.IsErrStateChanged(err):
				code = 409
			default:
				if reason, ok := structs.IsPolicyRejection(err); ok {
					code = 409
					resp.Header().Set(headerRejectReason, reason)
				}
			}

			if code == 500 {
				s.logger.Error("request failed", "method", req.Method, "path", reqURL, "error", err)
			} else {
				s.logger.Debug("request refused", "method", req.Method, "path", reqURL, "code", code, "error", err)
			}

			resp.WriteHeader(code)
			resp.Write([]byte(errMsg))
			return
		}

		if obj != nil {
			buf, err := json.Marshal(obj)
			if err != nil {
				s.logger.Error("response encoding failed", "path", reqURL, "error", err)
				resp.WriteHeader(500)
				resp.Write([]byte(err.Error()))
				return
			}
			resp.Header().Set("Content-Type", "application/json")
			resp.Write(buf)
		}
	}
	return f
}

func isAPICodedError(err error) bool {
	_, ok := err.(HTTPCodedError)
	return ok
}

// decodeBody is used to decode a JSON request body.
func decodeBody(req *http.Request, out interface{}) error {
	dec := json.NewDecoder(req.Body)
	return dec.Decode(&out)
}

// setIndex is used to set the index response header.
func setIndex(resp http.ResponseWriter, index uint64) {
	resp.Header().Set("X-Dispatch-Index", strconv.FormatUint(index, 10))
}

// parseOrganization reads the tenant scope from the header or the ?org
// query parameter. Returns an error because no data endpoint can serve a
// request without one.
func parseOrganization(req *http.Request) (string, error) {
	if org := req.Header.Get(headerOrganization); org != "" {
		return org, nil
	}
	if org := req.URL.Query().Get("org"); org != "" {
		return org, nil
	}
	return "", CodedError(400, "missing organization scope")
}

// parseActor reads the acting user from the header or the ?actor query
// parameter. Empty is legal for endpoints that act as the system.
func parseActor(req *http.Request) string {
	if actor := req.Header.Get(headerActor); actor != "" {
		return actor
	}
	return req.URL.Query().Get("actor")
}

// parseQuery populates the common query options of a read request.
func (s *HTTPServer) parseQuery(req *http.Request, q *structs.QueryOptions) error {
	org, err := parseOrganization(req)
	if err != nil {
		return err
	}
	q.OrganizationID = org
	q.ActorID = parseActor(req)
	return nil
}

// parseWrite populates the common fields of a mutating request.
func (s *HTTPServer) parseWrite(req *http.Request, w *structs.WriteRequest) error {
	org, err := parseOrganization(req)
	if err != nil {
		return err
	}
	w.OrganizationID = org
	w.ActorID = parseActor(req)
	return nil
}
