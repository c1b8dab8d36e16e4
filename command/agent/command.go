// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/cli"
	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/joho/godotenv"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/parcelworks/dispatch/version"
)

// gracefulTimeout is how long the agent waits for a clean stop on the
// second interrupt before exiting hard.
const gracefulTimeout = 5 * time.Second

// Command is a Command implementation that runs a dispatch agent. The
// command will not end unless a shutdown message is sent on the
// ShutdownCh. If two messages are sent on the ShutdownCh it will forcibly
// exit.
type Command struct {
	Ui         cli.Ui
	Version    *version.VersionInfo
	ShutdownCh <-chan struct{}

	args       []string
	agent      *Agent
	httpServer *HTTPServer
	logger     hclog.Logger
}

func (c *Command) readConfig() *Config {
	var dev bool
	cmdConfig := &Config{}

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Error(c.Help()) }

	flags.BoolVar(&dev, "dev", false, "")
	flags.StringVar(&cmdConfig.HTTPAddr, "bind", "", "")
	flags.StringVar(&cmdConfig.LogLevel, "log-level", "", "")
	flags.BoolVar(&cmdConfig.LogJson, "log-json", false, "")
	flags.StringVar(&cmdConfig.LogFile, "log-file", "", "")
	flags.StringVar(&cmdConfig.CronSecret, "cron-secret", "", "")
	flags.BoolVar(&cmdConfig.DisableCron, "disable-cron", false, "")
	flags.BoolVar(&cmdConfig.EnableDebug, "debug", false, "")

	if err := flags.Parse(c.args); err != nil {
		return nil
	}

	// A .env next to the working directory feeds the DISPATCH_* overrides
	// the same way a process manager would.
	godotenv.Load()

	config := DefaultConfig()
	if dev {
		config = DevConfig()
	}

	envConfig, err := EnvConfig()
	if err != nil {
		c.Ui.Error(err.Error())
		return nil
	}
	config = config.Merge(envConfig)
	config = config.Merge(cmdConfig)

	config.Version = c.Version.Version
	config.VersionPrerelease = c.Version.VersionPrerelease
	config.Revision = c.Version.Revision

	if err := config.Validate(); err != nil {
		c.Ui.Error(fmt.Sprintf("Invalid configuration: %s", err))
		return nil
	}

	return config
}

// setupLoggers is used to set up the logger with an optional rotated log
// file next to stderr.
func (c *Command) setupLoggers(config *Config) (hclog.Logger, io.Writer, error) {
	output := io.Writer(os.Stderr)
	if config.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		output = io.MultiWriter(os.Stderr, rotator)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "dispatch",
		Level:      hclog.LevelFromString(config.LogLevel),
		Output:     output,
		JSONFormat: config.LogJson,
	})
	return logger, output, nil
}

// setupTelemetry is used to set up the in-memory telemetry sink the
// metrics endpoint publishes.
func setupTelemetry() (*metrics.InmemSink, error) {
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)

	conf := metrics.DefaultConfig("dispatch")
	if _, err := metrics.NewGlobal(conf, inm); err != nil {
		return nil, err
	}
	return inm, nil
}

func (c *Command) Run(args []string) int {
	c.Ui = &cli.PrefixedUi{
		OutputPrefix: "==> ",
		InfoPrefix:   "    ",
		ErrorPrefix:  "==> ",
		Ui:           c.Ui,
	}

	c.args = args
	config := c.readConfig()
	if config == nil {
		return 1
	}

	logger, _, err := c.setupLoggers(config)
	if err != nil {
		c.Ui.Error(err.Error())
		return 1
	}
	c.logger = logger

	inmem, err := setupTelemetry()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing telemetry: %s", err))
		return 1
	}

	agent, err := NewAgent(config, logger, inmem)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting agent: %s", err))
		return 1
	}
	c.agent = agent
	defer agent.Shutdown()

	httpServer, err := NewHTTPServer(agent, config)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting http server: %s", err))
		return 1
	}
	c.httpServer = httpServer
	defer httpServer.Shutdown()

	c.printConfig(config)

	logger.Info("dispatch agent started", "version", c.Version.VersionNumber(), "http", httpServer.Addr)

	return c.handleSignals()
}

func (c *Command) printConfig(config *Config) {
	info := map[string]string{
		"bind addr": c.httpServer.Addr,
		"log level": config.LogLevel,
		"cron":      fmt.Sprintf("%t", !config.DisableCron),
		"version":   c.Version.VersionNumber(),
	}
	if config.DevMode {
		info["dev mode"] = "true"
	}

	padding := 0
	for k := range info {
		if len(k) > padding {
			padding = len(k)
		}
	}

	c.Ui.Output("Dispatch agent configuration:\n")
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c.Ui.Info(fmt.Sprintf("%s%s: %s", strings.Repeat(" ", padding-len(k)), k, info[k]))
	}
	c.Ui.Output("")

	if seed := c.agent.DevSeed(); seed != nil {
		c.Ui.Output("Dev tenant seeded. Example request headers:\n")
		c.Ui.Info(fmt.Sprintf("X-Dispatch-Org: %s", seed.OrganizationID))
		c.Ui.Info(fmt.Sprintf("X-Dispatch-Actor: %s (manager)", seed.ManagerID))
		for _, id := range seed.DriverIDs {
			c.Ui.Info(fmt.Sprintf("X-Dispatch-Actor: %s (driver)", id))
		}
		c.Ui.Output("")
	}

	c.Ui.Output("Dispatch agent started! Log data will stream in below:\n")
}

// handleSignals blocks until we get an exit-causing signal.
func (c *Command) handleSignals() int {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	var sig os.Signal
	select {
	case s := <-signalCh:
		sig = s
	case <-c.ShutdownCh:
		sig = os.Interrupt
	}

	c.Ui.Output(fmt.Sprintf("Caught signal: %v", sig))

	// Attempt a graceful stop, but give up if a second signal arrives or
	// the deadline passes.
	gracefulCh := make(chan struct{})
	go func() {
		c.httpServer.Shutdown()
		if err := c.agent.Shutdown(); err != nil {
			c.logger.Error("shutdown failed", "error", err)
		}
		close(gracefulCh)
	}()

	select {
	case <-signalCh:
		return 1
	case <-time.After(gracefulTimeout):
		return 1
	case <-gracefulCh:
		return 0
	}
}

func (c *Command) Synopsis() string {
	return "Runs a dispatch agent"
}

func (c *Command) Help() string {
	helpText := `
Usage: dispatch agent [options]

  Starts the dispatch agent and runs until an interrupt is received. The
  agent serves the HTTP API, runs the periodic sweeps and streams events.

Options:

  -dev
    Start the agent in development mode. A demo tenant with routes and
    drivers is seeded and debug endpoints are enabled.

  -bind=<addr>
    The host:port to bind the HTTP server to. Overrides the
    DISPATCH_HTTP_ADDR environment variable if set.
    Default = 127.0.0.1:4656

  -log-level=<level>
    The verbosity of logs: TRACE, DEBUG, INFO, WARN or ERROR. Overrides
    the DISPATCH_LOG_LEVEL environment variable if set.
    Default = INFO

  -log-json
    Output logs in JSON format.

  -log-file=<path>
    A file to write logs to in addition to stderr. The file is rotated in
    place. Overrides the DISPATCH_LOG_FILE environment variable if set.

  -cron-secret=<secret>
    The shared secret the /v1/cron endpoints authenticate against.
    Overrides the DISPATCH_CRON_SECRET environment variable if set. The
    cron endpoints stay disabled without one.

  -disable-cron
    Do not run the embedded periodic runner. Use with an external
    scheduler calling the cron endpoints.

  -debug
    Enable the pprof debug endpoints.
`
	return strings.TrimSpace(helpText)
}
