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
	// BidWindowModeCompetitive collects bids until the window closes, then
	// resolves them by score.
	BidWindowModeCompetitive = "competitive"

	// BidWindowModeInstant awards the slot to the first eligible bidder.
	BidWindowModeInstant = "instant"

	// BidWindowModeEmergency behaves like instant but carries a pay bonus
	// and alerts managers when it opens.
	BidWindowModeEmergency = "emergency"
)

const (
	BidWindowStatusOpen     = "open"
	BidWindowStatusResolved = "resolved"
	BidWindowStatusClosed   = "closed"
)

const (
	// WindowTriggerCancellation opens a window because a driver cancelled.
	WindowTriggerCancellation = "cancellation"

	// WindowTriggerAutoDrop opens a window because the confirmation sweep
	// dropped an unconfirmed driver.
	WindowTriggerAutoDrop = "auto_drop"

	// WindowTriggerNoShow opens a window because a confirmed driver never
	// arrived.
	WindowTriggerNoShow = "no_show"

	// WindowTriggerManager opens a window by manager request.
	WindowTriggerManager = "manager"
)

// BidWindow reopens an abandoned slot to the driver pool. At most one open
// window exists per assignment, enforced by the open-window uniqueness
// constraint rather than by cooperative callers.
type BidWindow struct {
	ID             string
	OrganizationID string

	// AssignmentID is the vacated slot the window refills.
	AssignmentID string
	RouteID      string
	ShiftDate    string

	Mode    string
	Trigger string
	Status  string

	// BonusPercent is nonzero only for emergency windows.
	BonusPercent int

	// OpensAt and ClosesAt bound bidding. ClosesAt is shift start; the
	// resolution sweep may run later without changing it.
	OpensAt  time.Time
	ClosesAt time.Time

	// WinnerID is set when the window resolves with a winner. A resolved
	// window without a winner went unfilled.
	WinnerID   string
	ResolvedAt *time.Time

	CreateIndex uint64
	ModifyIndex uint64
	CreateTime  int64
	ModifyTime  int64
}

func (w *BidWindow) Copy() *BidWindow {
	if w == nil {
		return nil
	}
	nw := *w
	nw.ResolvedAt = copyTime(w.ResolvedAt)
	return &nw
}

func (w *BidWindow) Validate() error {
	var mErr multierror.Error

	if w.ID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing bid window ID"))
	}
	if w.OrganizationID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing organization ID"))
	}
	if w.AssignmentID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing assignment ID"))
	}
	if w.RouteID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing route ID"))
	}
	if !ValidDate(w.ShiftDate) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid shift date %q", w.ShiftDate))
	}

	switch w.Mode {
	case BidWindowModeCompetitive, BidWindowModeInstant, BidWindowModeEmergency:
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid bid window mode %q", w.Mode))
	}
	switch w.Trigger {
	case WindowTriggerCancellation, WindowTriggerAutoDrop, WindowTriggerNoShow, WindowTriggerManager:
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid bid window trigger %q", w.Trigger))
	}
	switch w.Status {
	case BidWindowStatusOpen, BidWindowStatusResolved, BidWindowStatusClosed:
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid bid window status %q", w.Status))
	}
	if w.Mode == BidWindowModeEmergency && w.BonusPercent <= 0 {
		mErr.Errors = append(mErr.Errors, errors.New("emergency window requires a bonus"))
	}
	if w.Mode != BidWindowModeEmergency && w.BonusPercent != 0 {
		mErr.Errors = append(mErr.Errors, errors.New("bonus is reserved for emergency windows"))
	}
	if !w.ClosesAt.After(w.OpensAt) {
		mErr.Errors = append(mErr.Errors, errors.New("window must close after it opens"))
	}

	return mErr.ErrorOrNil()
}

// Open reports whether the window still accepts bids at the given instant.
func (w *BidWindow) Open(now time.Time) bool {
	return w.Status == BidWindowStatusOpen && now.Before(w.ClosesAt)
}

// FirstComeFirstServed reports whether bids on this window are awarded
// immediately instead of being collected for scoring.
func (w *BidWindow) FirstComeFirstServed() bool {
	return w.Mode == BidWindowModeInstant || w.Mode == BidWindowModeEmergency
}

// Stub trims the window for list views.
func (w *BidWindow) Stub() *BidWindowListStub {
	return &BidWindowListStub{
		ID:           w.ID,
		AssignmentID: w.AssignmentID,
		RouteID:      w.RouteID,
		ShiftDate:    w.ShiftDate,
		Mode:         w.Mode,
		Trigger:      w.Trigger,
		Status:       w.Status,
		BonusPercent: w.BonusPercent,
		ClosesAt:     w.ClosesAt,
		WinnerID:     w.WinnerID,
		ModifyIndex:  w.ModifyIndex,
	}
}

// BidWindowListStub is the trimmed representation returned by list
// endpoints.
type BidWindowListStub struct {
	ID           string
	AssignmentID string
	RouteID      string
	ShiftDate    string
	Mode         string
	Trigger      string
	Status       string
	BonusPercent int
	ClosesAt     time.Time
	WinnerID     string
	ModifyIndex  uint64
}

// WindowPlan is the mode and closing instant chosen for a new bid window.
type WindowPlan struct {
	Mode     string
	ClosesAt time.Time
}

// PlanBidWindow picks the mode and closing instant for a new window from
// the requested mode, what vacated the slot and how far off shift start is.
// No-show slots are always emergencies: the shift day has already begun.
// Auto-drop slots are always instant; the confirmation deadline has passed,
// so a competitive window would close within hours of opening anyway.
// Competitive windows close one cutoff ahead of shift start, leaving room
// to fall back to instant mode if nobody bids. endOfToday caps windows
// opened over a shift that already started.
func PlanBidWindow(p *DispatchPolicy, requestedMode, trigger string, allowPast bool, now, shiftStart, endOfToday time.Time) (*WindowPlan, error) {
	switch requestedMode {
	case "", BidWindowModeCompetitive, BidWindowModeInstant, BidWindowModeEmergency:
	default:
		return nil, fmt.Errorf("invalid bid window mode %q", requestedMode)
	}

	if requestedMode == BidWindowModeEmergency || trigger == WindowTriggerNoShow {
		closesAt := shiftStart
		if !shiftStart.After(now) {
			closesAt = endOfToday
		}
		return &WindowPlan{Mode: BidWindowModeEmergency, ClosesAt: closesAt}, nil
	}

	if !shiftStart.After(now) {
		if !allowPast {
			return nil, NewPolicyRejection(ReasonShiftInPast, "shift has already started")
		}
		return &WindowPlan{Mode: BidWindowModeInstant, ClosesAt: endOfToday}, nil
	}

	until := shiftStart.Sub(now)
	if requestedMode == BidWindowModeInstant || trigger == WindowTriggerAutoDrop || until <= p.InstantModeCutoff {
		return &WindowPlan{Mode: BidWindowModeInstant, ClosesAt: shiftStart}, nil
	}
	return &WindowPlan{Mode: BidWindowModeCompetitive, ClosesAt: shiftStart.Add(-p.InstantModeCutoff)}, nil
}

const (
	BidStatusPending = "pending"
	BidStatusWon     = "won"
	BidStatusLost    = "lost"
)

// Bid is one driver's claim on an open window. Pending bids are scored at
// resolution; instant-mode bids skip pending entirely and are written as
// won. CreateTime is the bid placement instant and breaks score ties.
type Bid struct {
	ID             string
	OrganizationID string
	WindowID       string
	UserID         string

	Status string

	// Score is assigned at resolution for competitive windows and stays
	// nil for first-come modes.
	Score *float64

	// ResolvedAt is stamped on every bid of a window when the window
	// resolves or closes, winner and losers alike.
	ResolvedAt *time.Time

	CreateIndex uint64
	ModifyIndex uint64
	CreateTime  int64
	ModifyTime  int64
}

func (b *Bid) Copy() *Bid {
	if b == nil {
		return nil
	}
	nb := *b
	nb.Score = copyFloat(b.Score)
	nb.ResolvedAt = copyTime(b.ResolvedAt)
	return &nb
}

func (b *Bid) Validate() error {
	var mErr multierror.Error

	if b.ID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing bid ID"))
	}
	if b.OrganizationID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing organization ID"))
	}
	if b.WindowID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing window ID"))
	}
	if b.UserID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing user ID"))
	}
	switch b.Status {
	case BidStatusPending, BidStatusWon, BidStatusLost:
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid bid status %q", b.Status))
	}

	return mErr.ErrorOrNil()
}

// Window resolution outcomes. The resolve endpoint reports one per call
// and the closing sweep tallies them.
const (
	// WindowOutcomeResolved means a winner took the slot.
	WindowOutcomeResolved = "resolved"

	// WindowOutcomeNoBids means a first-come window expired unclaimed and
	// was closed with a manager alert.
	WindowOutcomeNoBids = "no_bids"

	// WindowOutcomeTransitioned means an expired competitive window became
	// an instant one instead of closing.
	WindowOutcomeTransitioned = "transitioned_to_instant"

	// WindowOutcomeNotOpen means the window was no longer open, or its
	// shift had already started and the window was closed outright.
	WindowOutcomeNotOpen = "not_open"
)

// BidWindowCreateRequest opens a window over an assignment's slot by
// manager request. An empty mode lets policy pick against the clock.
type BidWindowCreateRequest struct {
	AssignmentID string
	Mode         string
	WriteRequest
}

// BidWindowCreateResponse is used to respond to a window create request.
// AlreadyOpen reports the idempotent case: the slot already had an open
// window and that one is returned.
type BidWindowCreateResponse struct {
	Window      *BidWindow
	AlreadyOpen bool
	Notified    int
	WriteMeta
}

// BidPlaceRequest is used by a driver claiming or bidding on an open
// window.
type BidPlaceRequest struct {
	WindowID string
	WriteRequest
}

// BidPlaceResponse reports the outcome of a bid. Won is set for first-come
// windows where placing the bid took the slot; Written reports whether a
// competitive bid row was recorded, false on an idempotent repeat.
type BidPlaceResponse struct {
	Won          bool
	Written      bool
	AssignmentID string
	ClosesAt     time.Time
	WriteMeta
}

// InstantAssignRequest is used by a driver taking a first-come window.
type InstantAssignRequest struct {
	WindowID string
	WriteRequest
}

// InstantAssignResponse is used to respond to an instant claim.
type InstantAssignResponse struct {
	AssignmentID string
	ShiftDate    string
	WriteMeta
}

// BidWindowResolveRequest asks for one window to be resolved now.
type BidWindowResolveRequest struct {
	WindowID string
	WriteRequest
}

// BidWindowResolveResponse reports how the window settled.
type BidWindowResolveResponse struct {
	Outcome  string
	WinnerID string
	WriteMeta
}

// ManualAssignRequest fills an unfilled slot with a chosen driver by
// manager decision.
type ManualAssignRequest struct {
	AssignmentID string
	UserID       string
	WriteRequest
}

// BidWindowListRequest lists a tenant's windows.
type BidWindowListRequest struct {
	OpenOnly bool
	QueryOptions
}

// BidWindowListResponse is used for a list request.
type BidWindowListResponse struct {
	Windows []*BidWindowListStub
	QueryMeta
}

// BidWindowSpecificRequest is used to query a specific window.
type BidWindowSpecificRequest struct {
	WindowID string
	QueryOptions
}

// SingleBidWindowResponse is the detail view of one window with its bids.
type SingleBidWindowResponse struct {
	Window *BidWindow
	Bids   []*Bid
	QueryMeta
}
