// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package structs holds the entity types shared by the dispatch server, the
// state store, the schedule generator and the HTTP agent. Every entity is
// scoped to an organization; no cross-organization read or write is ever
// permitted, and the store enforces that boundary on every query.
package structs

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

const (
	// DefaultTimeZone is the wall-clock zone applied to organizations that do
	// not configure one. All user-visible deadlines for a tenant are computed
	// against its zone.
	DefaultTimeZone = "America/Toronto"
)

// UserRole determines what a user may do. Drivers hold shifts; managers run
// warehouses and resolve escalations.
const (
	UserRoleDriver  = "driver"
	UserRoleManager = "manager"
	UserRoleAdmin   = "admin"
)

// ActorSystem is the actor recorded on audit entries for mutations performed
// by periodic jobs rather than a user.
const ActorSystem = "system"

const (
	ActorTypeUser   = "user"
	ActorTypeSystem = "system"
)

var (
	// validRouteStartTime matches the wall-clock "HH:MM" start times carried
	// on routes.
	validRouteStartTime = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)
)

// QueryOptions is used to specify various flags for read queries.
type QueryOptions struct {
	// OrganizationID is the tenant scope for the query. Queries with an
	// empty organization return no rows rather than leaking across tenants.
	OrganizationID string

	// ActorID is the user performing the query, when relevant for
	// authorization checks.
	ActorID string
}

// RequestOrganization returns the tenant scope of the request.
func (q QueryOptions) RequestOrganization() string {
	return q.OrganizationID
}

// WriteRequest carries the common fields of every mutating request.
type WriteRequest struct {
	// OrganizationID is the tenant scope for the write.
	OrganizationID string

	// ActorID identifies the user performing the mutation. It is left empty
	// for system-initiated work such as the periodic sweeps, and lands on
	// the audit entry either way.
	ActorID string
}

// RequestOrganization returns the tenant scope of the request.
func (w WriteRequest) RequestOrganization() string {
	return w.OrganizationID
}

// Actor returns the audit actor pair for the request.
func (w WriteRequest) Actor() (actorType, actorID string) {
	if w.ActorID == "" {
		return ActorTypeSystem, ActorSystem
	}
	return ActorTypeUser, w.ActorID
}

// WriteMeta allows a write response to include metadata about the write.
type WriteMeta struct {
	// Index is the store index at which the write was committed.
	Index uint64
}

// QueryMeta allows a query response to include metadata about the read.
type QueryMeta struct {
	// Index is the store index associated with the read.
	Index uint64
}

// GenericResponse is used to respond to a request where no specific
// response information is needed.
type GenericResponse struct {
	WriteMeta
}

// Organization is the tenant boundary. Warehouses, routes, drivers,
// assignments, bid windows and bids all belong to exactly one organization.
type Organization struct {
	ID   string
	Name string

	// TimeZone is the IANA wall-clock zone governing every user-visible
	// deadline for this tenant. Empty means DefaultTimeZone.
	TimeZone string

	CreateIndex uint64
	ModifyIndex uint64
	CreateTime  int64
}

func (o *Organization) Copy() *Organization {
	if o == nil {
		return nil
	}
	no := *o
	return &no
}

func (o *Organization) Validate() error {
	var mErr multierror.Error

	if o.ID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing organization ID"))
	}
	if o.Name == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing organization name"))
	}
	if o.TimeZone != "" {
		if _, err := time.LoadLocation(o.TimeZone); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid time zone %q: %v", o.TimeZone, err))
		}
	}

	return mErr.ErrorOrNil()
}

// Zone resolves the tenant wall-clock zone, falling back to the default.
func (o *Organization) Zone() (*TenantZone, error) {
	tz := o.TimeZone
	if tz == "" {
		tz = DefaultTimeZone
	}
	return LoadTenantZone(tz)
}

// User is a person in one organization. Drivers carry the scheduling fields;
// managers are resolved through warehouses and routes for alerts and manual
// assignment.
type User struct {
	ID             string
	OrganizationID string
	Name           string
	Role           string

	// Locale selects the rendering language for notifications sent to the
	// user. Empty means the notifier default.
	Locale string

	// PushToken is the device token for best-effort push delivery. Cleared
	// when the transport reports it invalid.
	PushToken string

	// WeeklyCap is the maximum number of non-cancelled assignments the
	// driver may hold in one Monday-anchored week. Always at least 1.
	WeeklyCap int

	// Flagged marks a driver whose attendance fell below the policy
	// threshold. Flagged drivers are excluded from schedule generation and
	// bid eligibility until the flag clears.
	Flagged bool

	// FlagWarningAt is the instant the current flag was raised, used to
	// apply the grace-period cap reduction.
	FlagWarningAt *time.Time

	CreateIndex uint64
	ModifyIndex uint64
	CreateTime  int64
}

func (u *User) Copy() *User {
	if u == nil {
		return nil
	}
	nu := *u
	nu.FlagWarningAt = copyTime(u.FlagWarningAt)
	return &nu
}

func (u *User) Validate() error {
	var mErr multierror.Error

	if u.ID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing user ID"))
	}
	if u.OrganizationID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing organization ID"))
	}
	switch u.Role {
	case UserRoleDriver, UserRoleManager, UserRoleAdmin:
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid role %q", u.Role))
	}
	if u.Role == UserRoleDriver && u.WeeklyCap < 1 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("weekly cap must be at least 1, got %d", u.WeeklyCap))
	}

	return mErr.ErrorOrNil()
}

// IsDriver returns whether the user holds the driver role.
func (u *User) IsDriver() bool {
	return u.Role == UserRoleDriver
}

// UserFlagUpdate carries a flag-state write decided by the flagging engine.
// The store records it verbatim with a before/after audit row.
type UserFlagUpdate struct {
	UserID    string
	Flagged   bool
	WarningAt *time.Time
	WeeklyCap int

	ActorType string
	ActorID   string
}

// TenureMonths returns the number of months since the user was created,
// fractional, never negative. Tenure feeds bid scoring.
func (u *User) TenureMonths(now time.Time) float64 {
	created := time.Unix(0, u.CreateTime).UTC()
	if !now.After(created) {
		return 0
	}
	const month = 30 * 24 * time.Hour
	return float64(now.Sub(created)) / float64(month)
}

// Warehouse is a physical depot. Routes hang off warehouses, and the
// organization scope of routes, assignments and bid windows derives from the
// warehouse they run out of.
type Warehouse struct {
	ID             string
	OrganizationID string
	Name           string

	CreateIndex uint64
	ModifyIndex uint64
}

func (w *Warehouse) Copy() *Warehouse {
	if w == nil {
		return nil
	}
	nw := *w
	return &nw
}

func (w *Warehouse) Validate() error {
	var mErr multierror.Error

	if w.ID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing warehouse ID"))
	}
	if w.OrganizationID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing organization ID"))
	}
	if w.Name == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing warehouse name"))
	}

	return mErr.ErrorOrNil()
}

const (
	// DefaultRouteStartTime is the wall-clock arrival deadline applied to
	// routes that do not set one.
	DefaultRouteStartTime = "09:00"
)

// Route is a fixed daily delivery loop at one warehouse.
type Route struct {
	ID          string
	WarehouseID string

	// OrganizationID is denormalized from the warehouse at insert time and
	// re-verified by the store so org-scoped route queries do not need a
	// join per row.
	OrganizationID string

	Name string

	// StartTime is the wall-clock "HH:MM" at which the route departs. A
	// driver who has not arrived by this time on the shift date is a
	// no-show.
	StartTime string

	// ManagerID optionally names the primary manager for the route,
	// receiving no-show and unfilled-route alerts.
	ManagerID string

	CreateIndex uint64
	ModifyIndex uint64
}

func (r *Route) Copy() *Route {
	if r == nil {
		return nil
	}
	nr := *r
	return &nr
}

// Canonicalize defaults the start time.
func (r *Route) Canonicalize() {
	if r.StartTime == "" {
		r.StartTime = DefaultRouteStartTime
	}
}

func (r *Route) Validate() error {
	var mErr multierror.Error

	if r.ID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing route ID"))
	}
	if r.WarehouseID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing warehouse ID"))
	}
	if r.Name == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing route name"))
	}
	if r.StartTime != "" && !validRouteStartTime.MatchString(r.StartTime) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid start time %q, expected HH:MM", r.StartTime))
	}

	return mErr.ErrorOrNil()
}

// StartTimeParts splits the route start time into wall-clock hour and
// minute. Invalid values fall back to the default start time.
func (r *Route) StartTimeParts() (hour, minute int) {
	st := r.StartTime
	if !validRouteStartTime.MatchString(st) {
		st = DefaultRouteStartTime
	}
	fmt.Sscanf(st, "%02d:%02d", &hour, &minute)
	return hour, minute
}

const (
	// MaxPreferredRoutes bounds the ordered preferred-route list a driver
	// may declare.
	MaxPreferredRoutes = 3
)

// DriverPreferences is a driver's standing weekly availability declaration:
// which days of the week they want to work, and which routes they want, in
// preference order. One row per driver, keyed by user ID.
type DriverPreferences struct {
	UserID         string
	OrganizationID string

	// PreferredDays holds days of week the driver wants to work, using Go's
	// time.Weekday numbering (0 = Sunday).
	PreferredDays []time.Weekday

	// PreferredRoutes holds up to MaxPreferredRoutes route IDs in
	// preference order.
	PreferredRoutes []string

	CreateIndex uint64
	ModifyIndex uint64
}

func (p *DriverPreferences) Copy() *DriverPreferences {
	if p == nil {
		return nil
	}
	np := *p
	np.PreferredDays = append([]time.Weekday(nil), p.PreferredDays...)
	np.PreferredRoutes = append([]string(nil), p.PreferredRoutes...)
	return &np
}

func (p *DriverPreferences) Validate() error {
	var mErr multierror.Error

	if p.UserID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing user ID"))
	}
	if len(p.PreferredRoutes) > MaxPreferredRoutes {
		mErr.Errors = append(mErr.Errors,
			fmt.Errorf("too many preferred routes: %d exceeds %d", len(p.PreferredRoutes), MaxPreferredRoutes))
	}
	for _, d := range p.PreferredDays {
		if d < time.Sunday || d > time.Saturday {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid preferred day %d", d))
		}
	}

	return mErr.ErrorOrNil()
}

// WantsDay returns whether the driver declared the given weekday.
func (p *DriverPreferences) WantsDay(d time.Weekday) bool {
	if p == nil {
		return false
	}
	for _, pd := range p.PreferredDays {
		if pd == d {
			return true
		}
	}
	return false
}

// WantsRoute returns whether the driver declared the given route.
func (p *DriverPreferences) WantsRoute(routeID string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.PreferredRoutes {
		if r == routeID {
			return true
		}
	}
	return false
}

// DriverMetrics is the per-driver reliability rollup. The rates are
// recomputed from the authoritative assignment and shift records; the pickup
// counters are incremented at the moment the event happens.
type DriverMetrics struct {
	UserID         string
	OrganizationID string

	TotalShifts     int
	CompletedShifts int
	ConfirmedShifts int

	// AttendanceRate is completed shifts over counted shifts, in [0, 1].
	// Counted shifts are completions, no-shows, late cancellations and
	// auto-drops; early cancellations do not count against the driver.
	// A driver with no counted shifts rates 1.
	AttendanceRate float64

	// CompletionRate is the aggregate delivery ratio across completed
	// shifts: parcels out minus unexcepted returns, over parcels out, in
	// [0, 1]. A driver with no completed shifts rates 1.
	CompletionRate float64

	AvgParcelsDelivered float64

	NoShows       int
	BidPickups    int
	UrgentPickups int

	CreateIndex uint64
	ModifyIndex uint64
}

func (m *DriverMetrics) Copy() *DriverMetrics {
	if m == nil {
		return nil
	}
	nm := *m
	return &nm
}

// RouteCompletion tracks how many times a driver has completed a specific
// route. The count is monotone non-decreasing and feeds both schedule
// generation (familiarity ranking) and bid scoring.
type RouteCompletion struct {
	UserID         string
	RouteID        string
	OrganizationID string

	CompletionCount int
	LastCompletedAt time.Time

	CreateIndex uint64
	ModifyIndex uint64
}

func (rc *RouteCompletion) Copy() *RouteCompletion {
	if rc == nil {
		return nil
	}
	nrc := *rc
	return &nrc
}

// ScheduleGenerateRequest triggers weekly schedule generation for the
// Monday-anchored week containing Date.
type ScheduleGenerateRequest struct {
	Date string
	WriteRequest
}

// ScheduleGenerateResponse reports what the generator did. The counts are
// per slot: every (route, day) pair lands in exactly one of them.
type ScheduleGenerateResponse struct {
	WeekStart string
	Created   int
	Skipped   int
	Unfilled  int
	Errors    []string
	Notified  int
	WriteMeta
}

// DriverSpecificRequest is used to query one driver.
type DriverSpecificRequest struct {
	UserID string
	QueryOptions
}

// DriverProfileResponse is the merged dashboard view of one driver.
type DriverProfileResponse struct {
	User             *User
	Preferences      *DriverPreferences
	Metrics          *DriverMetrics
	Health           *DriverHealthState
	RouteCompletions []*RouteCompletion
	QueryMeta
}

// DriverPreferencesUpdateRequest replaces a driver's standing weekly
// availability declaration.
type DriverPreferencesUpdateRequest struct {
	Preferences *DriverPreferences
	WriteRequest
}

// DriverReinstateRequest returns a gated driver to the bidding pool by
// manager decision.
type DriverReinstateRequest struct {
	UserID string
	WriteRequest
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	nt := *t
	return &nt
}

func copyInt(i *int) *int {
	if i == nil {
		return nil
	}
	ni := *i
	return &ni
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	nf := *f
	return &nf
}
