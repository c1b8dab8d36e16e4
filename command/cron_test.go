// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"testing"

	"github.com/hashicorp/cli"
	"github.com/shoenig/test/must"

	"github.com/parcelworks/dispatch/ci"
	"github.com/parcelworks/dispatch/command/agent"
	"github.com/parcelworks/dispatch/dispatch"
)

func TestCronCommand_implements(t *testing.T) {
	ci.Parallel(t)
	var _ cli.Command = &CronCommand{}
}

func TestCronCommand_Run(t *testing.T) {
	ci.Parallel(t)

	_, url := testServer(t, func(c *agent.Config) {
		c.CronSecret = "sekrit"
	})

	ui := cli.NewMockUi()
	cmd := &CronCommand{Meta: Meta{Ui: ui}}

	must.Zero(t, cmd.Run([]string{"-address=" + url, "-secret=sekrit", dispatch.JobCloseBidWindows}))

	out := ui.OutputWriter.String()
	must.StrContains(t, out, dispatch.JobCloseBidWindows)
	must.StrContains(t, out, "closed")
}

func TestCronCommand_BadSecret(t *testing.T) {
	ci.Parallel(t)

	_, url := testServer(t, func(c *agent.Config) {
		c.CronSecret = "sekrit"
	})

	ui := cli.NewMockUi()
	cmd := &CronCommand{Meta: Meta{Ui: ui}}

	must.One(t, cmd.Run([]string{"-address=" + url, "-secret=guess", dispatch.JobCloseBidWindows}))
	must.StrContains(t, ui.ErrorWriter.String(), "bad cron secret")
}

func TestCronCommand_UnknownJob(t *testing.T) {
	ci.Parallel(t)

	_, url := testServer(t, func(c *agent.Config) {
		c.CronSecret = "sekrit"
	})

	ui := cli.NewMockUi()
	cmd := &CronCommand{Meta: Meta{Ui: ui}}

	must.One(t, cmd.Run([]string{"-address=" + url, "-secret=sekrit", "defrag_disks"}))
	must.StrContains(t, ui.ErrorWriter.String(), "unknown cron job")
}

func TestCronCommand_Fails(t *testing.T) {
	ci.Parallel(t)

	ui := cli.NewMockUi()
	cmd := &CronCommand{Meta: Meta{Ui: ui}}

	// Fails on misuse
	must.One(t, cmd.Run([]string{}))
	must.StrContains(t, ui.ErrorWriter.String(), commandErrorText(cmd))
}
