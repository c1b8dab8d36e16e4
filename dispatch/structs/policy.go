// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"errors"
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// DispatchPolicy carries every tunable the dispatch engine consults:
// wall-clock anchors, confirmation windows, bid-market behavior, flagging
// thresholds and the health point table. A policy is resolved per
// organization by merging that tenant's settings over the defaults, and the
// merged object is immutable once handed out.
type DispatchPolicy struct {
	// TimeZone is the tenant wall-clock zone.
	TimeZone string

	// ShiftStartHour is the wall-clock hour shifts begin. Bid windows close
	// against this instant, and confirmation windows are anchored to it.
	ShiftStartHour int

	// ArrivalDeadlineHour is the fallback arrival deadline for routes
	// without a start time of their own.
	ArrivalDeadlineHour int

	// ConfirmationWindowDays is how many days before the shift the
	// confirmation window opens.
	ConfirmationWindowDays int

	// ConfirmationDeadlineHours is how long before shift start the
	// confirmation window closes. Expressed in whole days internally so the
	// deadline stays a wall-clock anchor across DST shifts.
	ConfirmationDeadlineHours int

	// InstantModeCutoff is the time-to-shift below which new bid windows
	// open in instant mode instead of competitive.
	InstantModeCutoff time.Duration

	// EmergencyBonusPercent is the pay bonus attached to emergency windows.
	EmergencyBonusPercent int

	// FlagGracePeriodDays is how long a flagged driver keeps their cap
	// before it is reduced.
	FlagGracePeriodDays int

	WeeklyCapBase   int
	WeeklyCapReward int
	WeeklyCapMin    int

	// RewardMinAttendanceRate and RewardMinShifts gate the rewarded weekly
	// cap.
	RewardMinAttendanceRate float64
	RewardMinShifts         int

	// AttendanceThresholdNew applies to drivers with fewer than
	// AttendanceShiftPivot lifetime shifts; AttendanceThresholdEstablished
	// applies at or above it.
	AttendanceThresholdNew         float64
	AttendanceThresholdEstablished float64
	AttendanceShiftPivot           int

	// Points is the additive health point table.
	Points HealthPoints

	// HighDeliveryThreshold is the adjusted delivery ratio at or above
	// which a completed shift earns the high-delivery point and a week
	// counts as qualifying.
	HighDeliveryThreshold float64

	// LateCancelRollingDays and LateCancelThreshold define the rolling
	// hard-stop window: any no-show, or at least LateCancelThreshold late
	// cancels inside the window, removes the driver from the pool.
	LateCancelRollingDays int
	LateCancelThreshold   int

	// HardStopScoreCeiling caps the health score while a hard-stop is in
	// effect.
	HardStopScoreCeiling int

	// CorrectiveCompletionThreshold is the daily completion rate below
	// which a corrective warning is sent; CorrectiveRecoveryDays suppresses
	// repeats inside the lookback.
	CorrectiveCompletionThreshold float64
	CorrectiveRecoveryDays        int

	// MaxStars bounds the weekly streak reward ladder.
	MaxStars int

	// QualifyingAttendanceRate and QualifyingCompletionRate define a
	// qualifying week, together with zero no-shows and zero late cancels.
	QualifyingAttendanceRate float64
	QualifyingCompletionRate float64

	// PerformanceCheckBatchSize bounds concurrent driver evaluations in the
	// health cron runs.
	PerformanceCheckBatchSize int

	// BidScore carries the weights of the bid scoring function.
	BidScore BidScoreWeights
}

// HealthPoints is the additive point table for driver health contributions.
// Negative values are penalties.
type HealthPoints struct {
	ConfirmedOnTime int
	ArrivedOnTime   int
	CompletedShift  int
	HighDelivery    int
	BidPickup       int
	UrgentPickup    int
	AutoDrop        int
	LateCancel      int
}

// BidScoreWeights defines the deterministic linear combination used to rank
// competitive bids. Each component saturates at its cap before weighting so
// one dimension cannot drown the rest.
type BidScoreWeights struct {
	HealthWeight float64
	HealthCap    int

	FamiliarityWeight float64
	FamiliarityCap    int

	TenurePerMonth  float64
	TenureCapMonths float64

	PreferredRouteBonus float64
}

// DefaultDispatchPolicy returns the baseline policy applied to tenants
// without overrides.
func DefaultDispatchPolicy() *DispatchPolicy {
	return &DispatchPolicy{
		TimeZone:                  DefaultTimeZone,
		ShiftStartHour:            7,
		ArrivalDeadlineHour:       9,
		ConfirmationWindowDays:    7,
		ConfirmationDeadlineHours: 48,
		InstantModeCutoff:         24 * time.Hour,
		EmergencyBonusPercent:     20,
		FlagGracePeriodDays:       7,
		WeeklyCapBase:             4,
		WeeklyCapReward:           6,
		WeeklyCapMin:              1,
		RewardMinAttendanceRate:   0.95,
		RewardMinShifts:           20,

		AttendanceThresholdNew:         0.8,
		AttendanceThresholdEstablished: 0.7,
		AttendanceShiftPivot:           10,

		Points: HealthPoints{
			ConfirmedOnTime: 1,
			ArrivedOnTime:   1,
			CompletedShift:  3,
			HighDelivery:    1,
			BidPickup:       2,
			UrgentPickup:    3,
			AutoDrop:        -10,
			LateCancel:      -20,
		},
		HighDeliveryThreshold: 0.95,

		LateCancelRollingDays: 30,
		LateCancelThreshold:   2,
		HardStopScoreCeiling:  49,

		CorrectiveCompletionThreshold: 0.98,
		CorrectiveRecoveryDays:        7,

		MaxStars:                 4,
		QualifyingAttendanceRate: 1.0,
		QualifyingCompletionRate: 0.95,

		PerformanceCheckBatchSize: 25,

		BidScore: BidScoreWeights{
			HealthWeight:        0.5,
			HealthCap:           100,
			FamiliarityWeight:   2.0,
			FamiliarityCap:      20,
			TenurePerMonth:      0.5,
			TenureCapMonths:     24,
			PreferredRouteBonus: 5.0,
		},
	}
}

func (p *DispatchPolicy) Copy() *DispatchPolicy {
	if p == nil {
		return nil
	}
	np := *p
	return &np
}

func (p *DispatchPolicy) Validate() error {
	var mErr multierror.Error

	if p.ShiftStartHour < 0 || p.ShiftStartHour > 23 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("shift start hour %d out of range", p.ShiftStartHour))
	}
	if p.ConfirmationWindowDays < 1 {
		mErr.Errors = append(mErr.Errors, errors.New("confirmation window must be at least one day"))
	}
	if p.ConfirmationDeadlineHours < 24 {
		mErr.Errors = append(mErr.Errors, errors.New("confirmation deadline must be at least 24 hours before shift start"))
	}
	if p.ConfirmationDeadlineHours/24 >= p.ConfirmationWindowDays {
		mErr.Errors = append(mErr.Errors, errors.New("confirmation deadline must fall after the window opens"))
	}
	if p.InstantModeCutoff <= 0 {
		mErr.Errors = append(mErr.Errors, errors.New("instant mode cutoff must be positive"))
	}
	if p.WeeklyCapMin < 1 || p.WeeklyCapBase < p.WeeklyCapMin || p.WeeklyCapReward < p.WeeklyCapBase {
		mErr.Errors = append(mErr.Errors, errors.New("weekly caps must satisfy min <= base <= reward with min >= 1"))
	}
	if p.MaxStars < 1 {
		mErr.Errors = append(mErr.Errors, errors.New("max stars must be at least 1"))
	}
	if p.PerformanceCheckBatchSize < 1 {
		mErr.Errors = append(mErr.Errors, errors.New("performance check batch size must be at least 1"))
	}
	if _, err := time.LoadLocation(p.TimeZone); err != nil {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid time zone %q: %v", p.TimeZone, err))
	}

	return mErr.ErrorOrNil()
}

// Zone resolves the policy's wall-clock zone.
func (p *DispatchPolicy) Zone() (*TenantZone, error) {
	return LoadTenantZone(p.TimeZone)
}

// ShiftStartAt returns the instant shifts begin on the given date.
func (p *DispatchPolicy) ShiftStartAt(z *TenantZone, date string) (time.Time, error) {
	return z.LocalDateTime(date, p.ShiftStartHour, 0)
}

// ConfirmationOpensAt returns the instant the confirmation window opens for
// a shift on the given date.
func (p *DispatchPolicy) ConfirmationOpensAt(z *TenantZone, date string) (time.Time, error) {
	opens, err := AddDays(date, -p.ConfirmationWindowDays)
	if err != nil {
		return time.Time{}, err
	}
	return z.LocalDateTime(opens, p.ShiftStartHour, 0)
}

// ConfirmationDeadline returns the instant the confirmation window closes
// for a shift on the given date. The deadline is a wall-clock anchor: the
// configured hours are converted to whole days so the deadline lands at
// shift-start hour local time even across a DST shift.
func (p *DispatchPolicy) ConfirmationDeadline(z *TenantZone, date string) (time.Time, error) {
	days := p.ConfirmationDeadlineHours / 24
	deadline, err := AddDays(date, -days)
	if err != nil {
		return time.Time{}, err
	}
	return z.LocalDateTime(deadline, p.ShiftStartHour, 0)
}

// ArrivalDeadline returns the instant by which the driver must arrive for a
// shift on the given date, honoring the route start time when set.
func (p *DispatchPolicy) ArrivalDeadline(z *TenantZone, date string, route *Route) (time.Time, error) {
	hour, minute := p.ArrivalDeadlineHour, 0
	if route != nil && route.StartTime != "" {
		hour, minute = route.StartTimeParts()
	}
	return z.LocalDateTime(date, hour, minute)
}

// AttendanceThreshold returns the flagging threshold for a driver with the
// given lifetime shift count.
func (p *DispatchPolicy) AttendanceThreshold(totalShifts int) float64 {
	if totalShifts < p.AttendanceShiftPivot {
		return p.AttendanceThresholdNew
	}
	return p.AttendanceThresholdEstablished
}

// RewardCapEligible reports whether a driver's record earns the rewarded
// weekly cap.
func (p *DispatchPolicy) RewardCapEligible(m *DriverMetrics) bool {
	return m != nil &&
		m.TotalShifts >= p.RewardMinShifts &&
		m.AttendanceRate >= p.RewardMinAttendanceRate
}

// BidScoreInput is the driver-and-route state the bid scoring function
// consumes. It is assembled by the caller so the scoring itself stays pure.
type BidScoreInput struct {
	HealthScore      int
	FamiliarityCount int
	TenureMonths     float64
	PreferredRoute   bool
}

// BidScoreParts is the scored breakdown for one bid. Parts are kept so the
// resolution audit trail can show why a bidder won.
type BidScoreParts struct {
	Health      float64
	Familiarity float64
	Tenure      float64
	Preferred   float64
	Total       float64
}

// CalculateBidScoreParts computes the deterministic score for one bid. It is
// a pure function: equal inputs always produce equal parts, which the
// resolution path relies on for replayable ordering.
func (p *DispatchPolicy) CalculateBidScoreParts(in BidScoreInput) BidScoreParts {
	w := p.BidScore

	health := float64(min(in.HealthScore, w.HealthCap))
	if health < 0 {
		health = 0
	}
	familiarity := float64(min(in.FamiliarityCount, w.FamiliarityCap))
	tenure := in.TenureMonths
	if tenure > w.TenureCapMonths {
		tenure = w.TenureCapMonths
	}
	if tenure < 0 {
		tenure = 0
	}

	parts := BidScoreParts{
		Health:      health * w.HealthWeight,
		Familiarity: familiarity * w.FamiliarityWeight,
		Tenure:      tenure * w.TenurePerMonth,
	}
	if in.PreferredRoute {
		parts.Preferred = w.PreferredRouteBonus
	}
	parts.Total = parts.Health + parts.Familiarity + parts.Tenure + parts.Preferred
	return parts
}

// OrganizationSettings carries per-tenant overrides of the dispatch policy.
// Nil fields inherit the default. One row per organization, keyed by
// organization ID.
type OrganizationSettings struct {
	OrganizationID string

	TimeZone                  *string
	ShiftStartHour            *int
	ArrivalDeadlineHour       *int
	ConfirmationWindowDays    *int
	ConfirmationDeadlineHours *int
	InstantModeCutoffHours    *int
	EmergencyBonusPercent     *int
	FlagGracePeriodDays       *int
	WeeklyCapBase             *int
	WeeklyCapReward           *int
	PerformanceCheckBatchSize *int

	CreateIndex uint64
	ModifyIndex uint64
}

func (s *OrganizationSettings) Copy() *OrganizationSettings {
	if s == nil {
		return nil
	}
	ns := *s
	ns.TimeZone = copyString(s.TimeZone)
	ns.ShiftStartHour = copyInt(s.ShiftStartHour)
	ns.ArrivalDeadlineHour = copyInt(s.ArrivalDeadlineHour)
	ns.ConfirmationWindowDays = copyInt(s.ConfirmationWindowDays)
	ns.ConfirmationDeadlineHours = copyInt(s.ConfirmationDeadlineHours)
	ns.InstantModeCutoffHours = copyInt(s.InstantModeCutoffHours)
	ns.EmergencyBonusPercent = copyInt(s.EmergencyBonusPercent)
	ns.FlagGracePeriodDays = copyInt(s.FlagGracePeriodDays)
	ns.WeeklyCapBase = copyInt(s.WeeklyCapBase)
	ns.WeeklyCapReward = copyInt(s.WeeklyCapReward)
	ns.PerformanceCheckBatchSize = copyInt(s.PerformanceCheckBatchSize)
	return &ns
}

// Merge applies the settings over a policy, returning a new policy. The
// receiver is not modified.
func (p *DispatchPolicy) Merge(s *OrganizationSettings) *DispatchPolicy {
	np := p.Copy()
	if s == nil {
		return np
	}

	if s.TimeZone != nil {
		np.TimeZone = *s.TimeZone
	}
	if s.ShiftStartHour != nil {
		np.ShiftStartHour = *s.ShiftStartHour
	}
	if s.ArrivalDeadlineHour != nil {
		np.ArrivalDeadlineHour = *s.ArrivalDeadlineHour
	}
	if s.ConfirmationWindowDays != nil {
		np.ConfirmationWindowDays = *s.ConfirmationWindowDays
	}
	if s.ConfirmationDeadlineHours != nil {
		np.ConfirmationDeadlineHours = *s.ConfirmationDeadlineHours
	}
	if s.InstantModeCutoffHours != nil {
		np.InstantModeCutoff = time.Duration(*s.InstantModeCutoffHours) * time.Hour
	}
	if s.EmergencyBonusPercent != nil {
		np.EmergencyBonusPercent = *s.EmergencyBonusPercent
	}
	if s.FlagGracePeriodDays != nil {
		np.FlagGracePeriodDays = *s.FlagGracePeriodDays
	}
	if s.WeeklyCapBase != nil {
		np.WeeklyCapBase = *s.WeeklyCapBase
	}
	if s.WeeklyCapReward != nil {
		np.WeeklyCapReward = *s.WeeklyCapReward
	}
	if s.PerformanceCheckBatchSize != nil {
		np.PerformanceCheckBatchSize = *s.PerformanceCheckBatchSize
	}
	return np
}

// OrganizationSpecificRequest is used to query one organization with its
// effective policy.
type OrganizationSpecificRequest struct {
	QueryOptions
}

// SingleOrganizationResponse carries the organization, its raw overrides
// and the merged policy those overrides produce.
type SingleOrganizationResponse struct {
	Organization *Organization
	Settings     *OrganizationSettings
	Policy       *DispatchPolicy
	QueryMeta
}

// OrganizationSettingsUpdateRequest replaces a tenant's policy overrides.
type OrganizationSettingsUpdateRequest struct {
	Settings *OrganizationSettings
	WriteRequest
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	ns := *s
	return &ns
}
