// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package scheduler

import (
	"sort"
	"time"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// candidate pairs a driver with the read-model rows ranking needs.
type candidate struct {
	user        *structs.User
	preferences *structs.DriverPreferences
	metrics     *structs.DriverMetrics

	// familiarity maps route ID to the driver's completion count there.
	familiarity map[string]int
}

// rates returns the candidate's completion and attendance rates, perfect
// when the driver has no metrics row yet. A new driver outranks a proven
// imperfect one at equal familiarity.
func (c *candidate) rates() (completion, attendance float64) {
	if c.metrics == nil {
		return 1, 1
	}
	return c.metrics.CompletionRate, c.metrics.AttendanceRate
}

// rankCandidates returns the drivers eligible for a slot in ranked order:
// route familiarity, then completion rate, then attendance rate, with the
// user ID as the final tiebreak so equal drivers order the same way on
// every run.
func rankCandidates(run *weekRun, route *structs.Route, day string, dow time.Weekday) []*candidate {
	var ranked []*candidate
	for _, c := range run.candidates {
		if !c.preferences.WantsDay(dow) || !c.preferences.WantsRoute(route.ID) {
			continue
		}
		if run.tally[c.user.ID] >= c.user.WeeklyCap {
			continue
		}
		if run.busy.Contains(pairKey(c.user.ID, day)) {
			continue
		}
		ranked = append(ranked, c)
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]

		if af, bf := a.familiarity[route.ID], b.familiarity[route.ID]; af != bf {
			return af > bf
		}
		ac, aa := a.rates()
		bc, ba := b.rates()
		if ac != bc {
			return ac > bc
		}
		if aa != ba {
			return aa > ba
		}
		return a.user.ID < b.user.ID
	})
	return ranked
}
