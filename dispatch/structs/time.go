// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"fmt"
	"time"
)

// DateLayout is the calendar-date format used everywhere a date crosses a
// boundary: store keys, request fields, notification payloads. Dates are
// always interpreted in the tenant zone; instants are always UTC.
const DateLayout = "2006-01-02"

// TenantZone wraps the single wall-clock zone governing all user-visible
// deadlines for a tenant. Deadlines are computed by constructing a
// (date, hour, minute) wall-clock value in the zone and converting it to a
// UTC instant; instants are never compared against bare date strings.
type TenantZone struct {
	name string
	loc  *time.Location
}

// LoadTenantZone resolves an IANA zone name.
func LoadTenantZone(name string) (*TenantZone, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load time zone %q: %v", name, err)
	}
	return &TenantZone{name: name, loc: loc}, nil
}

func (z *TenantZone) Name() string {
	return z.name
}

func (z *TenantZone) Location() *time.Location {
	return z.loc
}

// Today returns the calendar date of the given instant in the tenant zone.
func (z *TenantZone) Today(now time.Time) string {
	return now.In(z.loc).Format(DateLayout)
}

// LocalDateTime converts wall-clock hour:minute on the given calendar date
// into a UTC instant. Across DST transitions time.Date resolves skipped or
// repeated wall-clock values to a single deterministic instant, which is the
// behavior deadlines need: the same inputs always produce the same instant.
func (z *TenantZone) LocalDateTime(date string, hour, minute int) (time.Time, error) {
	d, err := ParseDate(date)
	if err != nil {
		return time.Time{}, err
	}
	local := time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, z.loc)
	return local.UTC(), nil
}

// EndOfDay returns the instant at which the given calendar date ends in the
// tenant zone: midnight at the start of the following day. A deadline of
// "end of today" stays live through 23:59:59 local.
func (z *TenantZone) EndOfDay(date string) (time.Time, error) {
	next, err := AddDays(date, 1)
	if err != nil {
		return time.Time{}, err
	}
	return z.LocalDateTime(next, 0, 0)
}

// WeekStart returns the Monday on or before the given date. Weeks are
// Monday-anchored everywhere: weekly caps, schedule generation and weekly
// health evaluation all bucket by this value.
func (z *TenantZone) WeekStart(date string) (string, error) {
	d, err := ParseDate(date)
	if err != nil {
		return "", err
	}
	// time.Weekday numbers Sunday as 0; shift so Monday is 0.
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset).Format(DateLayout), nil
}

// ParseDate parses a calendar date string. The value carries no zone; it is
// a pure Y-M-D triple.
func ParseDate(date string) (time.Time, error) {
	d, err := time.Parse(DateLayout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %v", date, err)
	}
	return d, nil
}

// ValidDate reports whether the string is a well-formed calendar date.
func ValidDate(date string) bool {
	_, err := ParseDate(date)
	return err == nil
}

// AddDays performs pure calendar arithmetic on a date string. No zone is
// involved; days are calendar days, not 24-hour spans.
func AddDays(date string, n int) (string, error) {
	d, err := ParseDate(date)
	if err != nil {
		return "", err
	}
	return d.AddDate(0, 0, n).Format(DateLayout), nil
}

// DayOfWeek returns the weekday of a calendar date using Go's numbering
// (Sunday = 0), matching the numbering drivers use to declare preferred
// days.
func DayOfWeek(date string) (time.Weekday, error) {
	d, err := ParseDate(date)
	if err != nil {
		return 0, err
	}
	return d.Weekday(), nil
}

// DaysBetween returns b minus a in calendar days, negative when b precedes
// a.
func DaysBetween(a, b string) (int, error) {
	da, err := ParseDate(a)
	if err != nil {
		return 0, err
	}
	db, err := ParseDate(b)
	if err != nil {
		return 0, err
	}
	return int(db.Sub(da).Hours() / 24), nil
}
