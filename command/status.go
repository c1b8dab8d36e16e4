// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/posener/complete"
)

// StatusCommand displays the health of a running agent.
type StatusCommand struct {
	Meta
}

func (c *StatusCommand) Help() string {
	helpText := `
Usage: dispatch status [options]

  Displays health and build information of a running agent.

General Options:

  ` + generalOptionsUsage() + `
`
	return strings.TrimSpace(helpText)
}

func (c *StatusCommand) Synopsis() string {
	return "Display the health of a running agent"
}

func (c *StatusCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetClient)
}

func (c *StatusCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *StatusCommand) Name() string { return "status" }

func (c *StatusCommand) Run(args []string) int {
	flags := c.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if len(flags.Args()) > 0 {
		c.Ui.Error("This command takes no arguments")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	if c.noColor {
		color.NoColor = true
	} else if c.forceColor {
		color.NoColor = false
	}

	req, err := c.newRequest(http.MethodGet, "/v1/agent/health")
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error building request: %s", err))
		return 1
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying agent: %s", err))
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.Ui.Error(fmt.Sprintf("Agent at %s reported %s: %s",
			c.apiAddr(), resp.Status, strings.TrimSpace(string(body))))
		return 1
	}

	var out struct {
		Ok    bool              `json:"ok"`
		Stats map[string]string `json:"stats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.Ui.Error(fmt.Sprintf("Error decoding response: %s", err))
		return 1
	}

	verdict := color.GreenString("ok")
	if !out.Ok {
		verdict = color.RedString("unhealthy")
	}
	c.Ui.Output(fmt.Sprintf("Agent at %s is %s", c.apiAddr(), verdict))
	c.Ui.Output("")

	pairs := []string{
		fmt.Sprintf("Version|%s", out.Stats["version"]),
		fmt.Sprintf("Cron|%s", out.Stats["cron"]),
	}
	if rev := out.Stats["revision"]; rev != "" {
		pairs = append(pairs, fmt.Sprintf("Revision|%s", rev))
	}
	if started, err := time.Parse(time.RFC3339, out.Stats["start_time"]); err == nil {
		pairs = append(pairs, fmt.Sprintf("Started|%s", humanize.Time(started)))
	}
	c.Ui.Output(formatKV(pairs))

	return 0
}
