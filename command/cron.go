// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/posener/complete"

	"github.com/parcelworks/dispatch/dispatch"
)

// cronJobs are the job names the agent's periodic runner accepts.
var cronJobs = []string{
	dispatch.JobCloseBidWindows,
	dispatch.JobDetectNoShows,
	dispatch.JobShiftReminders,
	dispatch.JobAutoDrop,
	dispatch.JobDailyHealth,
	dispatch.JobWeeklyHealth,
	dispatch.JobNotificationPrune,
	dispatch.JobOrphanOrgPrune,
}

// CronCommand force-runs one periodic job on a running agent.
type CronCommand struct {
	Meta

	secret string
}

func (c *CronCommand) Help() string {
	helpText := `
Usage: dispatch cron <job> [options]

  Force-runs one periodic job on a running agent and prints its counters.
  This is the command an external scheduler runs when the embedded runner
  is disabled with -disable-cron.

  Jobs: ` + strings.Join(cronJobs, ", ") + `

General Options:

  ` + generalOptionsUsage() + `

Cron Options:

  -secret=<secret>
    The shared secret the agent's cron endpoints authenticate against.
    Overrides the DISPATCH_CRON_SECRET environment variable if set.
`
	return strings.TrimSpace(helpText)
}

func (c *CronCommand) Synopsis() string {
	return "Force-run a periodic job on a running agent"
}

func (c *CronCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-secret": complete.PredictAnything,
		})
}

func (c *CronCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictSet(cronJobs...)
}

func (c *CronCommand) Name() string { return "cron" }

func (c *CronCommand) Run(args []string) int {
	flags := c.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&c.secret, "secret", "", "")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	if l := len(flags.Args()); l != 1 {
		c.Ui.Error("This command takes one argument: <job>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	job := flags.Args()[0]

	secret := c.secret
	if secret == "" {
		secret = os.Getenv("DISPATCH_CRON_SECRET")
	}

	req, err := c.newRequest(http.MethodGet, "/v1/cron/"+job)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error building request: %s", err))
		return 1
	}
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying agent: %s", err))
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.Ui.Error(fmt.Sprintf("Agent reported %s: %s", resp.Status, strings.TrimSpace(string(body))))
		return 1
	}

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.Ui.Error(fmt.Sprintf("Error decoding response: %s", err))
		return 1
	}

	// Run metadata first, counters after in stable order.
	meta := map[string]bool{"success": true, "job": true, "elapsed": true}
	var counters []string
	for k := range out {
		if !meta[k] {
			counters = append(counters, k)
		}
	}
	sort.Strings(counters)

	pairs := []string{
		fmt.Sprintf("Job|%v", out["job"]),
		fmt.Sprintf("Elapsed|%v", out["elapsed"]),
	}
	for _, k := range counters {
		pairs = append(pairs, fmt.Sprintf("%s|%v", k, out[k]))
	}
	c.Ui.Output(formatKV(pairs))

	return 0
}
