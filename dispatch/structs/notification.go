// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"errors"
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// Notification types. The type string doubles as the client-side template
// key, so these are wire-stable.
const (
	NotificationShiftReminder       = "shift_reminder"
	NotificationStaleShiftReminder  = "stale_shift_reminder"
	NotificationConfirmReminder     = "confirmation_reminder"
	NotificationBidOpen             = "bid_open"
	NotificationBidWon              = "bid_won"
	NotificationBidLost             = "bid_lost"
	NotificationEmergencyRoute      = "emergency_route_available"
	NotificationShiftCancelled      = "shift_cancelled"
	NotificationShiftAutoDropped    = "shift_auto_dropped"
	NotificationAssignmentConfirmed = "assignment_confirmed"
	NotificationScheduleLocked      = "schedule_locked"
	NotificationRouteUnfilled       = "route_unfilled"
	NotificationRouteCancelled      = "route_cancelled"
	NotificationDriverNoShow        = "driver_no_show"
	NotificationWarning             = "warning"
	NotificationCorrectiveWarning   = "corrective_warning"
	NotificationReturnException     = "return_exception"
	NotificationStreakAdvanced      = "streak_advanced"
	NotificationStreakReset         = "streak_reset"
	NotificationBonusEligible       = "bonus_eligible"
	NotificationManual              = "manual"
)

// Notification is the persisted read-model row behind the in-app inbox.
// Push delivery happens out of band; the row is written regardless so the
// inbox and the push channel never disagree about what was sent.
type Notification struct {
	ID             string
	OrganizationID string
	UserID         string

	Type  string
	Title string
	Body  string

	// DedupeKey suppresses duplicate sends: at most one notification per
	// key per user. Empty means no dedupe.
	DedupeKey string

	// Data carries template parameters keyed by name.
	Data map[string]string

	ReadAt *time.Time

	CreateIndex uint64
	ModifyIndex uint64
	CreateTime  int64
}

func (n *Notification) Copy() *Notification {
	if n == nil {
		return nil
	}
	nn := *n
	nn.ReadAt = copyTime(n.ReadAt)
	if n.Data != nil {
		nn.Data = make(map[string]string, len(n.Data))
		for k, v := range n.Data {
			nn.Data[k] = v
		}
	}
	return &nn
}

func (n *Notification) Validate() error {
	var mErr multierror.Error

	if n.ID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing notification ID"))
	}
	if n.OrganizationID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing organization ID"))
	}
	if n.UserID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing user ID"))
	}
	if n.Type == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing notification type"))
	}
	if n.Title == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing notification title"))
	}

	return mErr.ErrorOrNil()
}

// Audit actions recorded against assignments and drivers. The log is
// append-only; rows are never updated or deleted.
const (
	AuditActionCreate         = "create"
	AuditActionAssign         = "assign"
	AuditActionManualAssign   = "manual_assign"
	AuditActionInstantAssign  = "instant_assign"
	AuditActionConfirm        = "confirm"
	AuditActionCancel         = "cancel"
	AuditActionArrive         = "arrive"
	AuditActionStart          = "start"
	AuditActionComplete       = "complete"
	AuditActionCorrectShift   = "correct_shift"
	AuditActionUnfilled       = "unfilled"
	AuditActionAutoDrop       = "auto_drop"
	AuditActionNoShowDetected = "no_show_detected"
	AuditActionWindowOpened   = "window_opened"
	AuditActionWindowResolved = "window_resolved"
	AuditActionWindowClosed   = "window_closed"
	AuditActionWindowInstant  = "window_transitioned"
	AuditActionBidPlaced      = "bid_placed"
	AuditActionFlag           = "flag"
	AuditActionUnflag         = "unflag"
	AuditActionStreakAdvanced = "streak_advanced"
	AuditActionStreakReset    = "streak_reset"
	AuditActionWeekEvaluated  = "week_evaluated"
	AuditActionReinstate      = "reinstate"
)

// AuditLog is one append-only action record. EntityType and EntityID locate
// the subject; the actor pair records who did it, with system sweeps using
// the reserved system actor.
//
// The log is also the durable per-driver event history: assignment rows are
// recycled when a replacement window opens, so rolling-window questions
// (late cancels in 30 days, no-shows this week, contributions since a score
// reset) are answered by folding over a driver's audit rows, never by
// scanning mutable state.
type AuditLog struct {
	ID             string
	OrganizationID string

	EntityType string
	EntityID   string

	Action string

	// UserID names the driver the action concerns, when it concerns one.
	// Not necessarily the actor: a no-show sweep acts as system but the
	// row belongs to the driver who missed the shift.
	UserID string

	ActorType string
	ActorID   string

	// Detail carries action-specific context keyed by name.
	Detail map[string]string

	CreateIndex uint64
	CreateTime  int64
}

// Audit entity types.
const (
	AuditEntityAssignment = "assignment"
	AuditEntityBidWindow  = "bid_window"
	AuditEntityDriver     = "driver"
	AuditEntitySchedule   = "schedule"
)

// Detail keys shared between the audit writers and the health fold. The
// fold reads these back out of Detail, so writers must use the same names.
const (
	AuditDetailCancelType    = "cancel_type"
	AuditDetailWindowMode    = "mode"
	AuditDetailTrigger       = "trigger"
	AuditDetailDeliveryRatio = "delivery_ratio"
	AuditDetailShiftDate     = "shift_date"
	AuditDetailRouteID       = "route_id"
	AuditDetailReason        = "reason"
	AuditDetailBefore        = "before"
	AuditDetailAfter         = "after"
	AuditDetailWeekStart     = "week_start"
)

func (l *AuditLog) Copy() *AuditLog {
	if l == nil {
		return nil
	}
	nl := *l
	if l.Detail != nil {
		nl.Detail = make(map[string]string, len(l.Detail))
		for k, v := range l.Detail {
			nl.Detail[k] = v
		}
	}
	return &nl
}

// NotificationListRequest lists the acting user's inbox, newest first.
type NotificationListRequest struct {
	UnreadOnly bool
	QueryOptions
}

// NotificationListResponse is used for an inbox list request. Unread is
// the unread count across the whole inbox, not just the returned page.
type NotificationListResponse struct {
	Notifications []*Notification
	Unread        int
	QueryMeta
}

// NotificationMarkReadRequest marks one inbox row read for the acting
// user.
type NotificationMarkReadRequest struct {
	NotificationID string
	WriteRequest
}

func (l *AuditLog) Validate() error {
	var mErr multierror.Error

	if l.ID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing audit log ID"))
	}
	if l.OrganizationID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing organization ID"))
	}
	switch l.EntityType {
	case AuditEntityAssignment, AuditEntityBidWindow, AuditEntityDriver, AuditEntitySchedule:
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid audit entity type %q", l.EntityType))
	}
	if l.EntityID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing audit entity ID"))
	}
	if l.Action == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing audit action"))
	}
	switch l.ActorType {
	case ActorTypeUser, ActorTypeSystem:
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid actor type %q", l.ActorType))
	}

	return mErr.ErrorOrNil()
}
