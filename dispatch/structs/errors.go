// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"errors"
	"fmt"
	"strings"
)

const (
	errPermissionDenied = "Permission denied"
	errStateChanged     = "Record changed before update was applied"

	// Prefixes for typed not-found errors. Callers match with the IsErr*
	// helpers rather than comparing strings.
	errUnknownAssignmentPrefix   = "Unknown assignment"
	errUnknownBidWindowPrefix    = "Unknown bid window"
	errUnknownDriverPrefix       = "Unknown driver"
	errUnknownRoutePrefix        = "Unknown route"
	errUnknownWarehousePrefix    = "Unknown warehouse"
	errUnknownOrganizationPrefix = "Unknown organization"
	errUnknownNotificationPrefix = "Unknown notification"
)

var (
	// ErrPermissionDenied is returned when the actor is not allowed to act
	// on the target: wrong user, wrong organization, or a manager without
	// access to the warehouse. No state changes when it is returned.
	ErrPermissionDenied = errors.New(errPermissionDenied)

	// ErrStateChanged is returned when a guarded update affected zero rows
	// because another writer got there first. Callers surface it as a
	// user-retryable condition, not a failure.
	ErrStateChanged = errors.New(errStateChanged)
)

// Store-enforced unique constraints. They are concurrency primitives as much
// as data integrity: losing a race surfaces as a UniqueViolationError
// naming one of these, and callers translate that to a clean user response.
const (
	// ConstraintOpenWindowPerAssignment allows at most one bid window with
	// an open status per assignment.
	ConstraintOpenWindowPerAssignment = "uq_bid_windows_open_assignment"

	// ConstraintActiveUserDate allows at most one non-cancelled assignment
	// per driver per calendar date.
	ConstraintActiveUserDate = "uq_assignments_active_user_date"
)

// UniqueViolationError reports which unique constraint an insert or update
// would have violated.
type UniqueViolationError struct {
	Constraint string
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("unique constraint violated: %s", e.Constraint)
}

// NewUniqueViolationError returns a typed violation for the named
// constraint.
func NewUniqueViolationError(constraint string) error {
	return &UniqueViolationError{Constraint: constraint}
}

// IsUniqueViolation returns the violated constraint name, if err is a
// unique-constraint violation anywhere in its chain.
func IsUniqueViolation(err error) (string, bool) {
	var uv *UniqueViolationError
	if errors.As(err, &uv) {
		return uv.Constraint, true
	}
	return "", false
}

// Policy rejection reason codes. The set is closed: the HTTP layer maps each
// to a stable user-facing message and no other reasons leak out of the core.
const (
	ReasonConfirmWindowNotOpen  = "confirmation_window_not_open"
	ReasonConfirmDeadlinePassed = "confirmation_deadline_passed"
	ReasonAlreadyConfirmed      = "already_confirmed"
	ReasonDriverFlagged         = "driver_flagged"
	ReasonWeeklyCapReached      = "weekly_cap_reached"
	ReasonShiftInPast           = "shift_in_past"
	ReasonShiftNotToday         = "shift_not_today"
	ReasonArrivalDeadlinePassed = "arrival_deadline_passed"
	ReasonNotConfirmed          = "not_confirmed"
	ReasonWrongStatus           = "wrong_status"
	ReasonAlreadyAssigned       = "already_assigned"
	ReasonSameDayConflict       = "same_day_conflict"
	ReasonWindowNotOpen         = "window_not_open"
	ReasonPoolIneligible        = "pool_ineligible"
)

// PolicyRejectionError is a user-facing refusal with a reason code from the
// closed set above. It carries no store state and implies no mutation
// happened.
type PolicyRejectionError struct {
	Reason  string
	Message string
}

func (e *PolicyRejectionError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Reason
}

// NewPolicyRejection builds a rejection with a rendered message.
func NewPolicyRejection(reason, message string) error {
	return &PolicyRejectionError{Reason: reason, Message: message}
}

// IsPolicyRejection returns the rejection reason, if err is a policy
// rejection anywhere in its chain.
func IsPolicyRejection(err error) (string, bool) {
	var pr *PolicyRejectionError
	if errors.As(err, &pr) {
		return pr.Reason, true
	}
	return "", false
}

func NewErrUnknownAssignment(id string) error {
	return fmt.Errorf("%s %q", errUnknownAssignmentPrefix, id)
}

func NewErrUnknownBidWindow(id string) error {
	return fmt.Errorf("%s %q", errUnknownBidWindowPrefix, id)
}

func NewErrUnknownDriver(id string) error {
	return fmt.Errorf("%s %q", errUnknownDriverPrefix, id)
}

func NewErrUnknownRoute(id string) error {
	return fmt.Errorf("%s %q", errUnknownRoutePrefix, id)
}

func NewErrUnknownWarehouse(id string) error {
	return fmt.Errorf("%s %q", errUnknownWarehousePrefix, id)
}

func NewErrUnknownOrganization(id string) error {
	return fmt.Errorf("%s %q", errUnknownOrganizationPrefix, id)
}

func NewErrUnknownNotification(id string) error {
	return fmt.Errorf("%s %q", errUnknownNotificationPrefix, id)
}

// IsErrUnknown reports whether err is any of the typed not-found errors.
func IsErrUnknown(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, prefix := range []string{
		errUnknownAssignmentPrefix,
		errUnknownBidWindowPrefix,
		errUnknownDriverPrefix,
		errUnknownRoutePrefix,
		errUnknownWarehousePrefix,
		errUnknownOrganizationPrefix,
		errUnknownNotificationPrefix,
	} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}

// IsErrPermissionDenied reports whether err is a permission refusal.
func IsErrPermissionDenied(err error) bool {
	return err != nil && strings.Contains(err.Error(), errPermissionDenied)
}

// IsErrStateChanged reports whether err is a guarded-update race loss.
func IsErrStateChanged(err error) bool {
	return err != nil && errors.Is(err, ErrStateChanged)
}
