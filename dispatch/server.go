// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package dispatch is the server core: it owns the state store, the
// notifier, the schedule generator and the health evaluator, and exposes
// the endpoints the HTTP agent serves. Endpoints stay thin. The store
// commits each operation's state change, audit trail and metric effects in
// one transaction and publishes events from committed changes, so the
// endpoint's own job is authorization, policy windows, error mapping and
// the best-effort notification fan-out that follows a commit.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	cache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/parcelworks/dispatch/dispatch/health"
	"github.com/parcelworks/dispatch/dispatch/notify"
	"github.com/parcelworks/dispatch/dispatch/state"
	"github.com/parcelworks/dispatch/dispatch/structs"
	"github.com/parcelworks/dispatch/scheduler"
)

// notifyTimeout bounds the push delivery attempt that follows a commit.
const notifyTimeout = 10 * time.Second

// Window resolutions carry notification fan-out, so the sweep paces them
// rather than hammering the store and pusher in one burst.
const (
	sweepRate  = rate.Limit(50)
	sweepBurst = 10
)

// Server is the dispatch server. One process runs one server; tenancy is a
// data property, not a topology one, so every organization shares the same
// server and store.
type Server struct {
	config *Config
	logger hclog.Logger

	// store holds all dispatch state.
	store *state.StateStore

	// notifier delivers inbox rows and best-effort push.
	notifier *notify.Notifier

	// weekScheduler generates weekly schedules.
	weekScheduler *scheduler.WeekScheduler

	// evaluator runs the daily and weekly driver health evaluations.
	evaluator *health.Evaluator

	// periodic drives the sweeps on cron schedules when enabled.
	periodic *PeriodicRunner

	// policyCache holds merged per-organization policies. Settings writes
	// invalidate; the TTL catches writes that did not go through the
	// endpoint.
	policyCache *cache.Cache

	// sweepLimiter paces per-window work inside the resolution sweep.
	sweepLimiter *rate.Limiter

	// endpoints holds the operation handlers the agent dispatches into.
	endpoints endpoints

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// endpoints holds the operation handlers.
type endpoints struct {
	Assignment   *Assignment
	BidWindow    *BidWindow
	Schedule     *Schedule
	Driver       *Driver
	Organization *Organization
	Notification *Notification
	Health       *Health
}

// NewServer is used to construct a new dispatch server from the
// configuration, potentially returning an error.
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = hclog.New(&hclog.LoggerOptions{Name: "dispatch"})
	}
	if config.PolicyCacheTTL <= 0 {
		config.PolicyCacheTTL = DefaultPolicyCacheTTL
	}
	logger := config.Logger

	store, err := state.NewStateStore(&state.StateStoreConfig{
		Logger:          logger,
		EnablePublisher: config.EnableEventBroker,
		EventBufferSize: config.EventBufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create state store: %v", err)
	}

	s := &Server{
		config:       config,
		logger:       logger.Named("dispatch"),
		store:        store,
		policyCache:  cache.New(config.PolicyCacheTTL, 2*config.PolicyCacheTTL),
		sweepLimiter: rate.NewLimiter(sweepRate, sweepBurst),
		shutdownCh:   make(chan struct{}),
	}

	s.notifier = notify.NewNotifier(logger, store, config.Pusher)
	s.weekScheduler = scheduler.NewWeekScheduler(logger, store)
	s.evaluator = health.NewEvaluator(logger, store, s.notifier)
	s.setupEndpoints()

	s.periodic = NewPeriodicRunner(s)
	if !config.CronDisabled {
		s.periodic.SetEnabled(true)
	}

	return s, nil
}

func (s *Server) setupEndpoints() {
	s.endpoints.Assignment = &Assignment{srv: s}
	s.endpoints.BidWindow = &BidWindow{srv: s}
	s.endpoints.Schedule = &Schedule{srv: s}
	s.endpoints.Driver = &Driver{srv: s}
	s.endpoints.Organization = &Organization{srv: s}
	s.endpoints.Notification = &Notification{srv: s}
	s.endpoints.Health = &Health{srv: s}
}

// Shutdown is used to shutdown the server.
func (s *Server) Shutdown() error {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()

	if s.shutdown {
		return nil
	}
	s.shutdown = true
	close(s.shutdownCh)

	s.periodic.SetEnabled(false)
	s.store.StopEventBroker()
	return nil
}

// IsShutdown checks if the server is shutdown.
func (s *Server) IsShutdown() bool {
	select {
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}

// State returns the underlying state store.
func (s *Server) State() *state.StateStore {
	return s.store
}

// Notifier returns the notification sender.
func (s *Server) Notifier() *notify.Notifier {
	return s.notifier
}

// HealthEvaluator returns the driver health evaluator.
func (s *Server) HealthEvaluator() *health.Evaluator {
	return s.evaluator
}

// Periodic returns the periodic runner.
func (s *Server) Periodic() *PeriodicRunner {
	return s.periodic
}

// Assignment returns the assignment endpoint.
func (s *Server) Assignment() *Assignment {
	return s.endpoints.Assignment
}

// BidWindow returns the bid market endpoint.
func (s *Server) BidWindow() *BidWindow {
	return s.endpoints.BidWindow
}

// Schedule returns the schedule endpoint.
func (s *Server) Schedule() *Schedule {
	return s.endpoints.Schedule
}

// Driver returns the driver endpoint.
func (s *Server) Driver() *Driver {
	return s.endpoints.Driver
}

// Organization returns the organization endpoint.
func (s *Server) Organization() *Organization {
	return s.endpoints.Organization
}

// Notification returns the notification endpoint.
func (s *Server) Notification() *Notification {
	return s.endpoints.Notification
}

// Health returns the health endpoint.
func (s *Server) Health() *Health {
	return s.endpoints.Health
}

// policyFor resolves the merged dispatch policy of an organization through
// the read-mostly cache.
func (s *Server) policyFor(orgID string) (*structs.DispatchPolicy, error) {
	if raw, ok := s.policyCache.Get(orgID); ok {
		return raw.(*structs.DispatchPolicy), nil
	}
	policy, err := s.store.DispatchPolicyByOrganization(nil, orgID)
	if err != nil {
		return nil, err
	}
	s.policyCache.Set(orgID, policy, cache.DefaultExpiration)
	return policy, nil
}

// invalidatePolicy drops an organization's cached policy after a settings
// write.
func (s *Server) invalidatePolicy(orgID string) {
	s.policyCache.Delete(orgID)
}

// policyAndZone resolves the merged policy together with its wall-clock
// zone, the pair nearly every deadline computation needs.
func (s *Server) policyAndZone(orgID string) (*structs.DispatchPolicy, *structs.TenantZone, error) {
	policy, err := s.policyFor(orgID)
	if err != nil {
		return nil, nil, err
	}
	zone, err := policy.Zone()
	if err != nil {
		return nil, nil, err
	}
	return policy, zone, nil
}

// resolveActor loads the acting user and enforces the tenant boundary. A
// missing actor, an unknown one or one from another organization all read
// as the same refusal so callers cannot probe for user existence.
func (s *Server) resolveActor(orgID, actorID string) (*structs.User, error) {
	if orgID == "" || actorID == "" {
		return nil, structs.ErrPermissionDenied
	}
	user, err := s.store.UserByID(nil, actorID)
	if err != nil {
		return nil, err
	}
	if user == nil || user.OrganizationID != orgID {
		return nil, structs.ErrPermissionDenied
	}
	return user, nil
}

// resolveDriverScope authorizes a read about one driver: drivers read
// themselves, managers read any driver in the organization. Returns the
// resolved target user ID, defaulting to a driver actor's own.
func (s *Server) resolveDriverScope(orgID, actorID, userID string) (string, error) {
	actor, err := s.resolveActor(orgID, actorID)
	if err != nil {
		return "", err
	}
	if actor.IsDriver() {
		if userID == "" {
			userID = actor.ID
		}
		if userID != actor.ID {
			return "", structs.ErrPermissionDenied
		}
	}
	if userID == "" {
		return "", fmt.Errorf("missing user ID")
	}
	return userID, nil
}

// resolveManager is resolveActor restricted to managers and admins.
func (s *Server) resolveManager(orgID, actorID string) (*structs.User, error) {
	user, err := s.resolveActor(orgID, actorID)
	if err != nil {
		return nil, err
	}
	if user.Role != structs.UserRoleManager && user.Role != structs.UserRoleAdmin {
		return nil, structs.ErrPermissionDenied
	}
	return user, nil
}

// canManagerAccessWarehouse reports whether the user may act on the
// warehouse: manager or admin role inside the warehouse's organization.
// Warehouses carry no manager roster of their own.
func (s *Server) canManagerAccessWarehouse(user *structs.User, warehouseID string) error {
	if user.Role != structs.UserRoleManager && user.Role != structs.UserRoleAdmin {
		return structs.ErrPermissionDenied
	}
	warehouse, err := s.store.WarehouseByID(nil, warehouseID)
	if err != nil {
		return err
	}
	if warehouse == nil {
		return structs.NewErrUnknownWarehouse(warehouseID)
	}
	if warehouse.OrganizationID != user.OrganizationID {
		return structs.ErrPermissionDenied
	}
	return nil
}

// routeManager returns the route's primary manager, or nil when the route
// does not name one or names a user who no longer qualifies. Callers fall
// back to the organization-wide manager alert.
func (s *Server) routeManager(route *structs.Route) (*structs.User, error) {
	if route == nil || route.ManagerID == "" {
		return nil, nil
	}
	user, err := s.store.UserByID(nil, route.ManagerID)
	if err != nil {
		return nil, err
	}
	if user == nil || user.OrganizationID != route.OrganizationID {
		return nil, nil
	}
	if user.Role != structs.UserRoleManager && user.Role != structs.UserRoleAdmin {
		return nil, nil
	}
	return user, nil
}

// organizationIDs lists every tenant, for the sweeps that run per
// organization.
func (s *Server) organizationIDs() ([]string, error) {
	iter, err := s.store.Organizations(nil)
	if err != nil {
		return nil, err
	}
	var out []string
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Organization).ID)
	}
	return out, nil
}

// now is the single wall-clock read for request handling. Sweeps and
// derivations take explicit instants so tests control time; request entry
// points read it here.
func (s *Server) now() time.Time {
	return time.Now().UTC()
}

// notifyUser sends one best-effort notification. Delivery failures are
// logged, never surfaced; whatever state change prompted the send already
// committed.
func (s *Server) notifyUser(orgID, userID, typ string, data map[string]string) {
	s.notifyUserKeyed(orgID, userID, typ, "", data)
}

// notifyUserKeyed is notifyUser with a dedupe key, reporting whether the
// notification actually went out. Sweeps use the result for their
// counters; a dedupe suppression is not a send.
func (s *Server) notifyUserKeyed(orgID, userID, typ, dedupeKey string, data map[string]string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	sent, err := s.notifier.Send(ctx, &structs.Notification{
		OrganizationID: orgID,
		UserID:         userID,
		Type:           typ,
		DedupeKey:      dedupeKey,
		Data:           data,
	})
	if err != nil {
		s.logger.Error("notification send failed", "type", typ, "user_id", userID, "error", err)
		return false
	}
	return sent
}

// notifyManagers raises a best-effort alert to every manager and admin of
// the organization and returns how many got it.
func (s *Server) notifyManagers(orgID, typ, dedupeKey string, data map[string]string) int {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	n, err := s.notifier.SendManagerAlert(ctx, orgID, &structs.Notification{
		OrganizationID: orgID,
		Type:           typ,
		DedupeKey:      dedupeKey,
		Data:           data,
	})
	if err != nil {
		s.logger.Error("manager alert failed", "type", typ, "org_id", orgID, "error", err)
	}
	return n
}

// routeName resolves a route's display name, falling back to the ID when
// the route is gone.
func (s *Server) routeName(routeID string) string {
	route, err := s.store.RouteByID(nil, routeID)
	if err != nil || route == nil {
		return routeID
	}
	return route.Name
}
