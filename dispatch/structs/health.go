// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"errors"
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// Hard-stop reasons recorded on snapshots.
const (
	HardStopReasonNoShow      = "no_show"
	HardStopReasonLateCancels = "late_cancels"
)

// DriverHealthState is the live health record for one driver: the additive
// score since the last reset, the star ladder, and pool eligibility. One
// row per driver.
type DriverHealthState struct {
	UserID         string
	OrganizationID string

	// Score is the additive point total accumulated since LastScoreResetAt,
	// clamped to [0, 100] and capped under a hard-stop.
	Score int

	// Stars is the weekly streak ladder, 0 through the policy maximum.
	Stars int

	// StreakWeeks counts consecutive qualifying weeks.
	StreakWeeks int

	// NextMilestoneStars is the star level the driver is working toward.
	NextMilestoneStars int

	// PoolEligible is false while the driver is excluded from scheduling
	// and bidding. Cleared by hard-stops; only a manager reinstatement
	// turns it back on.
	PoolEligible bool

	// RequiresManagerIntervention is set with a hard-stop and stays set
	// until a manager reinstates the driver.
	RequiresManagerIntervention bool

	// ReinstatedAt is the instant of the last manager reinstatement.
	ReinstatedAt *time.Time

	// LastScoreResetAt anchors the contribution window. Hard-stops move it
	// forward. The daily evaluation re-reads it before persisting and
	// retries when it moved, so a concurrent reset is never overwritten.
	LastScoreResetAt time.Time

	// LastQualifiedWeekStart is the Monday of the last qualifying week.
	LastQualifiedWeekStart string

	// LastEvaluatedDate is the last tenant-local date the daily evaluation
	// covered for this driver.
	LastEvaluatedDate string

	// LastCorrectiveAt suppresses repeat corrective warnings inside the
	// recovery window.
	LastCorrectiveAt *time.Time

	CreateIndex uint64
	ModifyIndex uint64
}

func (h *DriverHealthState) Copy() *DriverHealthState {
	if h == nil {
		return nil
	}
	nh := *h
	nh.ReinstatedAt = copyTime(h.ReinstatedAt)
	nh.LastCorrectiveAt = copyTime(h.LastCorrectiveAt)
	return &nh
}

func (h *DriverHealthState) Validate() error {
	var mErr multierror.Error

	if h.UserID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing user ID"))
	}
	if h.OrganizationID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing organization ID"))
	}
	if h.Score < 0 || h.Score > 100 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("score %d out of range", h.Score))
	}
	if h.Stars < 0 {
		mErr.Errors = append(mErr.Errors, errors.New("stars must not be negative"))
	}
	if h.StreakWeeks < 0 {
		mErr.Errors = append(mErr.Errors, errors.New("streak weeks must not be negative"))
	}
	if h.LastEvaluatedDate != "" && !ValidDate(h.LastEvaluatedDate) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid last evaluated date %q", h.LastEvaluatedDate))
	}
	if h.LastQualifiedWeekStart != "" && !ValidDate(h.LastQualifiedWeekStart) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid last qualified week %q", h.LastQualifiedWeekStart))
	}

	return mErr.ErrorOrNil()
}

// NewDriverHealthState returns the starting record for a driver entering
// the pool.
func NewDriverHealthState(userID, orgID string, now time.Time) *DriverHealthState {
	return &DriverHealthState{
		UserID:             userID,
		OrganizationID:     orgID,
		NextMilestoneStars: 1,
		PoolEligible:       true,
		LastScoreResetAt:   now,
	}
}

// ApplyHardStop resets the record the way a no-show or the late-cancel
// threshold does: the driver leaves the pool, the streak dies, and the
// contribution window restarts.
func (h *DriverHealthState) ApplyHardStop(now time.Time) {
	h.Score = 0
	h.Stars = 0
	h.StreakWeeks = 0
	h.NextMilestoneStars = 1
	h.PoolEligible = false
	h.RequiresManagerIntervention = true
	h.LastScoreResetAt = now
}

// Reinstate clears the manager-intervention gate and returns the driver to
// the pool. Score and streak stay reset.
func (h *DriverHealthState) Reinstate(now time.Time) {
	h.PoolEligible = true
	h.RequiresManagerIntervention = false
	h.ReinstatedAt = &now
}

// DriverHealthSnapshot is the immutable daily record of a driver's health,
// keyed by (user, date). Snapshots are what the profile endpoint charts and
// what the weekly evaluation reads back.
type DriverHealthSnapshot struct {
	UserID         string
	OrganizationID string

	// Date is the tenant-local date the snapshot covers.
	Date string

	// Score is the effective score at snapshot time, hard-stop cap
	// applied.
	Score int

	Stars int

	// HardStop records whether a hard-stop condition held when the
	// snapshot was taken, and Reasons names which.
	HardStop bool
	Reasons  []string

	CreateIndex uint64
	ModifyIndex uint64
}

func (s *DriverHealthSnapshot) Copy() *DriverHealthSnapshot {
	if s == nil {
		return nil
	}
	ns := *s
	ns.Reasons = append([]string(nil), s.Reasons...)
	return &ns
}

func (s *DriverHealthSnapshot) Validate() error {
	var mErr multierror.Error

	if s.UserID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing user ID"))
	}
	if s.OrganizationID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing organization ID"))
	}
	if !ValidDate(s.Date) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid snapshot date %q", s.Date))
	}

	return mErr.ErrorOrNil()
}

// DailyHealthEvaluation is the computed outcome the daily evaluator asks
// the store to persist. The evaluator runs outside any transaction, so the
// persist step re-reads the state's reset anchor and rejects the write when
// it moved; ExpectedResetAt carries the anchor the computation was based
// on.
type DailyHealthEvaluation struct {
	UserID         string
	OrganizationID string

	// Date is the tenant-local date evaluated.
	Date string

	// Score is the effective score, hard-stop ceiling already applied.
	Score int

	// HardStop records whether the hard-stop condition held, for the
	// snapshot. ApplyHardStop additionally fires the state transition; it
	// stays false when the driver is already out of the pool or was
	// reinstated after the triggering events.
	HardStop      bool
	ApplyHardStop bool
	Reasons       []string

	// ExpectedResetAt is the reset anchor the evaluation read. Zero for a
	// driver with no health state yet.
	ExpectedResetAt time.Time
}

// HealthStateRequest is used to query one driver's live health state.
type HealthStateRequest struct {
	UserID string
	QueryOptions
}

// HealthStateResponse is used to respond to a health state query.
type HealthStateResponse struct {
	Health *DriverHealthState
	QueryMeta
}

// HealthSnapshotsRequest is used to query a driver's daily snapshots,
// newest first, bounded by Limit when positive.
type HealthSnapshotsRequest struct {
	UserID string
	Limit  int
	QueryOptions
}

// HealthSnapshotsResponse is used to respond to a snapshots query.
type HealthSnapshotsResponse struct {
	Snapshots []*DriverHealthSnapshot
	QueryMeta
}

// ClampScore bounds an additive score to [0, 100].
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// EffectiveScore applies the hard-stop ceiling to a clamped score.
func EffectiveScore(p *DispatchPolicy, score int, hardStop bool) int {
	score = ClampScore(score)
	if hardStop && score > p.HardStopScoreCeiling {
		return p.HardStopScoreCeiling
	}
	return score
}
