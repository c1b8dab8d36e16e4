// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"errors"
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

const (
	// AssignmentStatusScheduled is the initial state of a filled slot. The
	// driver may still confirm or cancel.
	AssignmentStatusScheduled = "scheduled"

	// AssignmentStatusActive means the driver arrived and the shift is in
	// motion.
	AssignmentStatusActive = "active"

	// AssignmentStatusCompleted is terminal: the shift finished and its
	// outcome is recorded.
	AssignmentStatusCompleted = "completed"

	// AssignmentStatusCancelled is terminal for the driver but the slot may
	// have been reopened through a bid window.
	AssignmentStatusCancelled = "cancelled"

	// AssignmentStatusUnfilled marks a slot no driver holds. Unfilled
	// assignments carry no user.
	AssignmentStatusUnfilled = "unfilled"
)

const (
	// CancelTypeEarly records a cancellation before the confirmation
	// deadline. No penalty.
	CancelTypeEarly = "early"

	// CancelTypeLate records a cancellation after the deadline. Counts
	// toward the rolling hard-stop.
	CancelTypeLate = "late"

	// CancelTypeAutoDrop records a system drop for missing the
	// confirmation deadline.
	CancelTypeAutoDrop = "auto_drop"
)

const (
	// AssignedByAlgorithm marks slots filled by the weekly generator.
	AssignedByAlgorithm = "algorithm"

	// AssignedByManager marks slots filled by hand.
	AssignedByManager = "manager"

	// AssignedByBid marks slots won through a bid window.
	AssignedByBid = "bid"
)

// Assignment binds a driver to a route on a date. The engine treats the
// (user, date) pair as exclusive among non-cancelled assignments and
// relies on the active-user-date uniqueness constraint to keep it that way
// under concurrent writers.
type Assignment struct {
	ID             string
	OrganizationID string
	WarehouseID    string
	RouteID        string

	// UserID is empty exactly when the status is unfilled.
	UserID string

	// ShiftDate is the tenant-local calendar date, "2006-01-02".
	ShiftDate string

	Status     string
	AssignedBy string

	// AssignedAt records when the current driver got the slot.
	AssignedAt *time.Time

	// ConfirmedAt is set by the driver confirming inside the window. A
	// scheduled assignment with ConfirmedAt unset past the deadline is
	// auto-drop material.
	ConfirmedAt *time.Time

	// CancelledAt and CancelType are set together.
	CancelledAt *time.Time
	CancelType  string

	CreateIndex uint64
	ModifyIndex uint64
	CreateTime  int64
	ModifyTime  int64
}

func (a *Assignment) Copy() *Assignment {
	if a == nil {
		return nil
	}
	na := *a
	na.AssignedAt = copyTime(a.AssignedAt)
	na.ConfirmedAt = copyTime(a.ConfirmedAt)
	na.CancelledAt = copyTime(a.CancelledAt)
	return &na
}

func (a *Assignment) Validate() error {
	var mErr multierror.Error

	if a.ID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing assignment ID"))
	}
	if a.OrganizationID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing organization ID"))
	}
	if a.WarehouseID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing warehouse ID"))
	}
	if a.RouteID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing route ID"))
	}
	if !ValidDate(a.ShiftDate) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid shift date %q", a.ShiftDate))
	}

	switch a.Status {
	case AssignmentStatusScheduled, AssignmentStatusActive,
		AssignmentStatusCompleted, AssignmentStatusCancelled:
		if a.UserID == "" {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("%s assignment requires a user", a.Status))
		}
	case AssignmentStatusUnfilled:
		if a.UserID != "" {
			mErr.Errors = append(mErr.Errors, errors.New("unfilled assignment must not carry a user"))
		}
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid assignment status %q", a.Status))
	}

	switch a.AssignedBy {
	case AssignedByAlgorithm, AssignedByManager, AssignedByBid:
	case "":
		if a.Status != AssignmentStatusUnfilled {
			mErr.Errors = append(mErr.Errors, errors.New("missing assignment source"))
		}
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid assignment source %q", a.AssignedBy))
	}

	switch a.CancelType {
	case "", CancelTypeEarly, CancelTypeLate, CancelTypeAutoDrop:
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid cancel type %q", a.CancelType))
	}
	if (a.CancelledAt == nil) != (a.CancelType == "") {
		mErr.Errors = append(mErr.Errors, errors.New("cancelled time and cancel type must be set together"))
	}

	return mErr.ErrorOrNil()
}

// Live reports whether the assignment is in motion: scheduled or active.
func (a *Assignment) Live() bool {
	return a.Status == AssignmentStatusScheduled || a.Status == AssignmentStatusActive
}

// OccupiesSlot reports whether the assignment holds its driver's (user,
// date) slot. Every non-cancelled status with a driver does, completed
// included: a driver who already worked a date cannot take a second shift
// on it.
func (a *Assignment) OccupiesSlot() bool {
	switch a.Status {
	case AssignmentStatusCancelled, AssignmentStatusUnfilled:
		return false
	default:
		return a.UserID != ""
	}
}

// TerminalStatus reports whether the assignment can no longer transition.
func (a *Assignment) TerminalStatus() bool {
	switch a.Status {
	case AssignmentStatusCompleted, AssignmentStatusCancelled, AssignmentStatusUnfilled:
		return true
	default:
		return false
	}
}

// Confirmed reports whether the driver confirmed the assignment.
func (a *Assignment) Confirmed() bool {
	return a.ConfirmedAt != nil
}

// Stub trims the assignment to the fields list views need.
func (a *Assignment) Stub() *AssignmentListStub {
	return &AssignmentListStub{
		ID:          a.ID,
		RouteID:     a.RouteID,
		UserID:      a.UserID,
		ShiftDate:   a.ShiftDate,
		Status:      a.Status,
		AssignedBy:  a.AssignedBy,
		Confirmed:   a.ConfirmedAt != nil,
		CancelType:  a.CancelType,
		ModifyIndex: a.ModifyIndex,
	}
}

// AssignmentListStub is the trimmed representation returned by list
// endpoints.
type AssignmentListStub struct {
	ID          string
	RouteID     string
	UserID      string
	ShiftDate   string
	Status      string
	AssignedBy  string
	Confirmed   bool
	CancelType  string
	ModifyIndex uint64
}

const (
	// ShiftProgressPending means the driver has not arrived yet.
	ShiftProgressPending = "pending"

	// ShiftProgressArrived means the driver checked in at the warehouse.
	ShiftProgressArrived = "arrived"

	// ShiftProgressStarted means loading finished and the route is under
	// way.
	ShiftProgressStarted = "started"

	// ShiftProgressCompleted means the route finished and counts are
	// recorded.
	ShiftProgressCompleted = "completed"
)

// Shift is the execution record of one assignment, keyed by the assignment
// ID. It is created lazily on arrival and advances strictly forward.
type Shift struct {
	AssignmentID   string
	OrganizationID string
	UserID         string

	ArrivedAt   *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	// ParcelsStart is the load count recorded at route start.
	ParcelsStart int

	// ParcelsDelivered and ParcelsReturned are recorded at completion.
	ParcelsDelivered int
	ParcelsReturned  int

	// ExceptedReturns counts returns excused by the manager; they do not
	// count against the delivery ratio. ExceptionNotes carries the
	// explanation.
	ExceptedReturns int
	ExceptionNotes  string

	CreateIndex uint64
	ModifyIndex uint64
}

func (s *Shift) Copy() *Shift {
	if s == nil {
		return nil
	}
	ns := *s
	ns.ArrivedAt = copyTime(s.ArrivedAt)
	ns.StartedAt = copyTime(s.StartedAt)
	ns.CompletedAt = copyTime(s.CompletedAt)
	return &ns
}

// Progress derives the shift progression from which timestamps are set.
func (s *Shift) Progress() string {
	switch {
	case s == nil || s.ArrivedAt == nil:
		return ShiftProgressPending
	case s.CompletedAt != nil:
		return ShiftProgressCompleted
	case s.StartedAt != nil:
		return ShiftProgressStarted
	default:
		return ShiftProgressArrived
	}
}

// DeliveryRatio returns the adjusted delivery ratio of the shift:
// (start - returned + excepted) / start, capped at 1. Excepted returns are
// excused by a manager and do not count against the driver. Returns 1 when
// no parcels were loaded.
func (s *Shift) DeliveryRatio() float64 {
	if s == nil || s.ParcelsStart <= 0 {
		return 1
	}
	adjusted := s.ParcelsStart - s.ParcelsReturned + s.ExceptedReturns
	ratio := float64(adjusted) / float64(s.ParcelsStart)
	if ratio > 1 {
		return 1
	}
	if ratio < 0 {
		return 0
	}
	return ratio
}

func (s *Shift) Validate() error {
	var mErr multierror.Error

	if s.AssignmentID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing assignment ID"))
	}
	if s.OrganizationID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing organization ID"))
	}
	if s.UserID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing user ID"))
	}
	if s.ParcelsStart < 0 || s.ParcelsDelivered < 0 || s.ParcelsReturned < 0 || s.ExceptedReturns < 0 {
		mErr.Errors = append(mErr.Errors, errors.New("parcel counts must not be negative"))
	}
	if s.ParcelsReturned > s.ParcelsStart {
		mErr.Errors = append(mErr.Errors, errors.New("returned parcels exceed starting load"))
	}
	if s.ExceptedReturns > s.ParcelsReturned {
		mErr.Errors = append(mErr.Errors, errors.New("excepted returns exceed returned parcels"))
	}
	if s.StartedAt != nil && s.ArrivedAt == nil {
		mErr.Errors = append(mErr.Errors, errors.New("shift started without arrival"))
	}
	if s.CompletedAt != nil && s.StartedAt == nil {
		mErr.Errors = append(mErr.Errors, errors.New("shift completed without start"))
	}

	return mErr.ErrorOrNil()
}

// Assignment actions drivers and managers can take. AllowedActions derives
// the set from assignment state and the clock so clients and the server
// agree on what is legal.
const (
	ActionConfirm  = "confirm"
	ActionCancel   = "cancel"
	ActionArrive   = "arrive"
	ActionStart    = "start"
	ActionComplete = "complete"
)

// ActionContext is the clock-and-policy context AllowedActions evaluates
// against. Callers resolve deadlines once and pass instants in so the
// derivation stays pure. ShiftDayStart and ShiftDayEnd bound the shift's
// calendar date in the tenant zone.
type ActionContext struct {
	Now                  time.Time
	ConfirmationOpensAt  time.Time
	ConfirmationDeadline time.Time
	ShiftDayStart        time.Time
	ShiftDayEnd          time.Time
	ArrivalDeadline      time.Time
}

// AllowedActions returns the actions legal for the assignment and shift at
// the given instant, in a fixed order. The same derivation backs both the
// API's allowedActions field and the server-side guards, so a listed action
// is one the server will accept barring a concurrent change.
//
// Cancellation is only open while the shift date is still in the future;
// once the date arrives the driver either works the shift or is swept as a
// no-show. Arrival is only open on the shift date itself, before the
// route's start time.
func AllowedActions(a *Assignment, s *Shift, actx ActionContext) []string {
	if a == nil {
		return nil
	}

	var actions []string
	switch a.Status {
	case AssignmentStatusScheduled:
		if !a.Confirmed() &&
			!actx.Now.Before(actx.ConfirmationOpensAt) &&
			actx.Now.Before(actx.ConfirmationDeadline) {
			actions = append(actions, ActionConfirm)
		}
		if actx.Now.Before(actx.ShiftDayStart) {
			actions = append(actions, ActionCancel)
		}
		if a.Confirmed() &&
			(s == nil || s.ArrivedAt == nil) &&
			!actx.Now.Before(actx.ShiftDayStart) &&
			actx.Now.Before(actx.ShiftDayEnd) &&
			actx.Now.Before(actx.ArrivalDeadline) {
			actions = append(actions, ActionArrive)
		}
	case AssignmentStatusActive:
		switch s.Progress() {
		case ShiftProgressArrived:
			actions = append(actions, ActionStart)
		case ShiftProgressStarted:
			actions = append(actions, ActionComplete)
		}
	}
	return actions
}

// AssignmentConfirmRequest is used by a driver to confirm their slot inside
// the confirmation window.
type AssignmentConfirmRequest struct {
	AssignmentID string
	WriteRequest
}

// AssignmentCancelRequest is used by the holding driver or a manager to
// cancel a scheduled assignment.
type AssignmentCancelRequest struct {
	AssignmentID string
	WriteRequest
}

// AssignmentCancelResponse reports how the cancellation was classified and
// whether a replacement bid window opened over the vacated slot.
type AssignmentCancelResponse struct {
	CancelType   string
	WindowOpened bool
	WindowID     string
	WriteMeta
}

// AssignmentArriveRequest is used by a driver checking in at the warehouse.
type AssignmentArriveRequest struct {
	AssignmentID string
	WriteRequest
}

// AssignmentStartRequest is used by a driver starting their route with the
// loaded parcel count.
type AssignmentStartRequest struct {
	AssignmentID string
	ParcelsStart int
	WriteRequest
}

// AssignmentCompleteRequest is used by a driver recording the route
// outcome.
type AssignmentCompleteRequest struct {
	AssignmentID     string
	ParcelsDelivered int
	ParcelsReturned  int
	ExceptedReturns  int
	Notes            string
	WriteRequest
}

// ShiftCorrectionRequest is used by a manager to excuse returned parcels on
// a completed shift after the fact.
type ShiftCorrectionRequest struct {
	AssignmentID    string
	ExceptedReturns int
	Notes           string
	WriteRequest
}

// AssignmentUpdateResponse is the generic response of assignment
// mutations.
type AssignmentUpdateResponse struct {
	WriteMeta
}

// AssignmentListRequest lists a tenant's assignments, optionally filtered
// by driver or by shift date.
type AssignmentListRequest struct {
	UserID string
	Date   string
	QueryOptions
}

// AssignmentListResponse is used for a list request.
type AssignmentListResponse struct {
	Assignments []*AssignmentListStub
	QueryMeta
}

// AssignmentSpecificRequest is used to query a specific assignment.
type AssignmentSpecificRequest struct {
	AssignmentID string
	QueryOptions
}

// SingleAssignmentResponse is the merged detail view of one assignment:
// the row itself, its execution record, its route, any open bid window
// over its slot and the actions legal for the caller right now.
type SingleAssignmentResponse struct {
	Assignment     *Assignment
	Shift          *Shift
	Route          *Route
	OpenWindow     *BidWindowListStub
	AllowedActions []string
	QueryMeta
}
