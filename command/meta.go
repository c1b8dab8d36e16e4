// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"flag"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/cli"
	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
	"github.com/posener/complete"
)

// DefaultAddr is where commands reach the agent when -address and
// DISPATCH_ADDR are both unset.
const DefaultAddr = "http://127.0.0.1:4656"

// FlagSetFlags is an enum to define what flags are present in the
// default FlagSet returned by Meta.FlagSet.
type FlagSetFlags uint

const (
	FlagSetNone    FlagSetFlags = 0
	FlagSetClient  FlagSetFlags = 1 << iota
	FlagSetDefault              = FlagSetClient
)

// Meta contains the meta-options and functionality that nearly every
// dispatch command inherits.
type Meta struct {
	Ui cli.Ui

	// These are set by the command line flags.
	flagAddress string

	// Tenant scope sent as headers on API requests.
	orgID   string
	actorID string

	// Whether to not-colorize output
	noColor bool

	// Whether to force colorized output
	forceColor bool
}

// FlagSet returns a FlagSet with the common flags that every
// command implements. The exact behavior of FlagSet can be configured
// using the flags as the second parameter, for example to disable
// client settings on the commands that don't talk to the agent.
func (m *Meta) FlagSet(n string, fs FlagSetFlags) *flag.FlagSet {
	f := flag.NewFlagSet(n, flag.ContinueOnError)

	// FlagSetClient is used to enable the settings for specifying
	// agent connectivity options.
	if fs&FlagSetClient != 0 {
		f.StringVar(&m.flagAddress, "address", "", "")
		f.StringVar(&m.orgID, "org", "", "")
		f.StringVar(&m.actorID, "actor", "", "")
		f.BoolVar(&m.noColor, "no-color", false, "")
		f.BoolVar(&m.forceColor, "force-color", false, "")
	}

	f.SetOutput(&uiErrorWriter{ui: m.Ui})

	return f
}

// AutocompleteFlags returns a set of flag completions for the given flag set.
func (m *Meta) AutocompleteFlags(fs FlagSetFlags) complete.Flags {
	if fs&FlagSetClient == 0 {
		return nil
	}

	return complete.Flags{
		"-address":     complete.PredictAnything,
		"-org":         complete.PredictAnything,
		"-actor":       complete.PredictAnything,
		"-no-color":    complete.PredictNothing,
		"-force-color": complete.PredictNothing,
	}
}

// apiAddr resolves the agent address from the -address flag, the
// DISPATCH_ADDR environment variable or the default, in that order.
func (m *Meta) apiAddr() string {
	if m.flagAddress != "" {
		return strings.TrimSuffix(m.flagAddress, "/")
	}
	if addr := os.Getenv("DISPATCH_ADDR"); addr != "" {
		return strings.TrimSuffix(addr, "/")
	}
	return DefaultAddr
}

// httpClient returns the client commands use to talk to the agent.
func (m *Meta) httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// newRequest builds a request against the agent with the tenant scope
// headers filled in from the -org and -actor flags.
func (m *Meta) newRequest(method, path string) (*http.Request, error) {
	req, err := http.NewRequest(method, m.apiAddr()+path, nil)
	if err != nil {
		return nil, err
	}
	if m.orgID != "" {
		req.Header.Set("X-Dispatch-Org", m.orgID)
	}
	if m.actorID != "" {
		req.Header.Set("X-Dispatch-Actor", m.actorID)
	}
	return req, nil
}

func (m *Meta) SetupUi(args []string) {
	noColor := os.Getenv(EnvDispatchCLINoColor) != ""
	forceColor := os.Getenv(EnvDispatchCLIForceColor) != ""

	for _, arg := range args {
		// Check if color is set
		if arg == "-no-color" || arg == "--no-color" {
			noColor = true
		} else if arg == "-force-color" || arg == "--force-color" {
			forceColor = true
		}
	}

	m.Ui = &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      colorable.NewColorableStdout(),
		ErrorWriter: colorable.NewColorableStderr(),
	}

	// Only use colored UI if not disabled and stdout is a tty or colors are
	// forced.
	isTerminal := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	useColor := !noColor && (isTerminal || forceColor)
	if useColor {
		m.Ui = &cli.ColoredUi{
			ErrorColor: cli.UiColorRed,
			WarnColor:  cli.UiColorYellow,
			InfoColor:  cli.UiColorGreen,
			Ui:         m.Ui,
		}
	}
}

// generalOptionsUsage returns the help string for the global options.
func generalOptionsUsage() string {
	helpText := `
  -address=<addr>
    The address of the dispatch agent.
    Overrides the DISPATCH_ADDR environment variable if set.
    Default = http://127.0.0.1:4656

  -org=<id>
    The organization the request is scoped to, sent as the
    X-Dispatch-Org header.

  -actor=<id>
    The user the request acts as, sent as the X-Dispatch-Actor header.

  -no-color
    Disables colored command output. Alternatively, DISPATCH_CLI_NO_COLOR
    may be set. This option takes precedence over -force-color.

  -force-color
    Forces colored command output. This can be used in cases where the
    usual terminal detection fails. Alternatively, DISPATCH_CLI_FORCE_COLOR
    may be set. This option has no effect if -no-color is also used.
`
	return strings.TrimSpace(helpText)
}
