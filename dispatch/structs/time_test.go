// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"testing"
	"time"

	"github.com/parcelworks/dispatch/ci"
	"github.com/shoenig/test/must"
)

func TestTenantZone_LocalDateTime(t *testing.T) {
	ci.Parallel(t)

	z, err := LoadTenantZone("America/Toronto")
	must.NoError(t, err)

	// Plain winter day. Toronto is UTC-5.
	at, err := z.LocalDateTime("2026-01-15", 7, 0)
	must.NoError(t, err)
	must.Eq(t, time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC), at)

	// Summer day. UTC-4 under DST.
	at, err = z.LocalDateTime("2026-07-15", 7, 0)
	must.NoError(t, err)
	must.Eq(t, time.Date(2026, 7, 15, 11, 0, 0, 0, time.UTC), at)

	// The spring-forward date itself still resolves; 07:00 exists on that
	// morning even though 02:30 does not.
	at, err = z.LocalDateTime("2026-03-08", 7, 0)
	must.NoError(t, err)
	must.Eq(t, 7, at.In(z.Location()).Hour())

	_, err = z.LocalDateTime("not-a-date", 7, 0)
	must.Error(t, err)
}

func TestTenantZone_EndOfDay(t *testing.T) {
	ci.Parallel(t)

	z, err := LoadTenantZone("America/Toronto")
	must.NoError(t, err)

	end, err := z.EndOfDay("2026-01-15")
	must.NoError(t, err)
	must.Eq(t, time.Date(2026, 1, 16, 0, 0, 0, 0, z.Location()).UTC(), end)

	// An instant at 23:59 local is inside the day; midnight is not.
	almost, err := z.LocalDateTime("2026-01-15", 23, 59)
	must.NoError(t, err)
	must.True(t, almost.Before(end))
}

func TestTenantZone_WeekStart(t *testing.T) {
	ci.Parallel(t)

	z, err := LoadTenantZone("America/Toronto")
	must.NoError(t, err)

	cases := []struct {
		date string
		want string
	}{
		{"2026-08-24", "2026-08-24"}, // Monday maps to itself
		{"2026-08-25", "2026-08-24"}, // Tuesday
		{"2026-08-30", "2026-08-24"}, // Sunday belongs to the week behind it
		{"2026-08-31", "2026-08-31"}, // next Monday
	}
	for _, tc := range cases {
		got, err := z.WeekStart(tc.date)
		must.NoError(t, err)
		must.Eq(t, tc.want, got, must.Sprintf("week start of %s", tc.date))
	}
}

func TestAddDays(t *testing.T) {
	ci.Parallel(t)

	got, err := AddDays("2026-03-01", -2)
	must.NoError(t, err)
	must.Eq(t, "2026-02-27", got)

	// Crossing the DST boundary is pure calendar math, no 23-hour days.
	got, err = AddDays("2026-03-06", 7)
	must.NoError(t, err)
	must.Eq(t, "2026-03-13", got)

	got, err = AddDays("2025-12-31", 1)
	must.NoError(t, err)
	must.Eq(t, "2026-01-01", got)
}

func TestDaysBetween(t *testing.T) {
	ci.Parallel(t)

	n, err := DaysBetween("2026-08-01", "2026-08-25")
	must.NoError(t, err)
	must.Eq(t, 24, n)

	n, err = DaysBetween("2026-08-25", "2026-08-01")
	must.NoError(t, err)
	must.Eq(t, -24, n)
}

func TestDayOfWeek(t *testing.T) {
	ci.Parallel(t)

	d, err := DayOfWeek("2026-08-23") // Sunday
	must.NoError(t, err)
	must.Eq(t, time.Sunday, d)

	d, err = DayOfWeek("2026-08-24") // Monday
	must.NoError(t, err)
	must.Eq(t, time.Monday, d)
}

func TestValidDate(t *testing.T) {
	ci.Parallel(t)

	must.True(t, ValidDate("2026-02-28"))
	must.False(t, ValidDate("2026-02-30"))
	must.False(t, ValidDate("02/28/2026"))
	must.False(t, ValidDate(""))
}
