// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"flag"
	"sort"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/parcelworks/dispatch/ci"
)

func TestMeta_FlagSet(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		Flags    FlagSetFlags
		Expected []string
	}{
		{
			FlagSetNone,
			[]string{},
		},
		{
			FlagSetClient,
			[]string{
				"actor",
				"address",
				"force-color",
				"no-color",
				"org",
			},
		},
	}

	for _, tc := range cases {
		var m Meta
		fs := m.FlagSet("foo", tc.Flags)

		actual := make([]string, 0)
		fs.VisitAll(func(f *flag.Flag) {
			actual = append(actual, f.Name)
		})
		sort.Strings(actual)

		must.Eq(t, tc.Expected, actual)
	}
}

func TestMeta_ApiAddr(t *testing.T) {
	var m Meta
	m.flagAddress = "http://10.0.0.5:4656/"
	must.Eq(t, "http://10.0.0.5:4656", m.apiAddr())

	m.flagAddress = ""
	t.Setenv("DISPATCH_ADDR", "http://10.0.0.9:4656")
	must.Eq(t, "http://10.0.0.9:4656", m.apiAddr())

	t.Setenv("DISPATCH_ADDR", "")
	must.Eq(t, DefaultAddr, m.apiAddr())
}
