package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/manuscript/internal/config"
	"github.com/felixgeelhaar/manuscript/internal/exec"
	"github.com/felixgeelhaar/manuscript/internal/log"
	"github.com/felixgeelhaar/manuscript/internal/metrics"
	"github.com/felixgeelhaar/manuscript/internal/orchestrator"
	"github.com/felixgeelhaar/manuscript/internal/store"
	"github.com/felixgeelhaar/manuscript/internal/ux"

	"github.com/prometheus/client_golang/prometheus"
)

// CommandContext holds the persistent flags of one invocation.
type CommandContext struct {
	ConfigPath string
	DataDir    string
	LogLevel   string
	LogFormat  string
	Output     string
}

// NewCommandContext reads the persistent flags from cmd.
func NewCommandContext(cmd *cobra.Command) (*CommandContext, error) {
	flags := cmd.Flags()
	c := &CommandContext{}
	for name, dst := range map[string]*string{
		"config":     &c.ConfigPath,
		"data-dir":   &c.DataDir,
		"log-level":  &c.LogLevel,
		"log-format": &c.LogFormat,
		"output":     &c.Output,
	} {
		v, err := flags.GetString(name)
		if err != nil {
			return nil, err
		}
		*dst = v
	}
	return c, nil
}

// Config loads the config file and applies flag overrides.
func (c *CommandContext) Config() (*config.Config, error) {
	path := c.ConfigPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if c.DataDir != "" {
		cfg.DataDir = config.ExpandHome(c.DataDir)
	}
	if c.LogLevel != "" {
		cfg.Logging.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		cfg.Logging.Format = c.LogFormat
	}
	return cfg, nil
}

// Print writes v in the selected output format to the command's stdout.
func (c *CommandContext) Print(cmd *cobra.Command, v any) error {
	f, err := ux.NewFormatter(c.Output, &ux.FormatterOptions{Writer: cmd.OutOrStdout()})
	if err != nil {
		return err
	}
	return f.Format(v)
}

// app is the wired service graph for one invocation
type app struct {
	cfg      *config.Config
	logger   *log.Logger
	store    *store.FileStore
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	monitor  *exec.Monitor
	service  *orchestrator.Service
}

// newApp wires store, runners and service. background enables the
// batch poll monitor used by the server.
func newApp(cmd *cobra.Command, background bool) (*app, *CommandContext, error) {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create command context: %w", err)
	}
	cfg, err := cc.Config()
	if err != nil {
		return nil, nil, err
	}

	logger := log.New(log.FromSettings(cfg.Logging.Level, cfg.Logging.Format))
	log.SetDefaultLogger(logger)

	st, err := store.New(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}

	reg, m := metrics.NewRegistry()

	var monitor *exec.Monitor
	if background && cfg.Batch.BackgroundPoll {
		monitor = exec.NewMonitor(logger, m)
	}

	factory := exec.NewFactory(exec.Deps{
		Workspace: exec.Workspace{Root: cfg.DataDir},
		Dialer: &exec.SSHDialer{
			KnownHostsPath: cfg.SSH.KnownHosts,
			ConnectTimeout: cfg.SSH.ConnectTimeout,
			Logger:         logger,
		},
		Poll: exec.PollConfig{
			Interval:    cfg.Batch.PollInterval,
			MaxAttempts: cfg.Batch.MaxPollAttempts,
		},
		Monitor: monitor,
		Logger:  logger,
		Metrics: m,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		metrics:  m,
		registry: reg,
		monitor:  monitor,
		service:  orchestrator.New(st, factory, logger, m),
	}, cc, nil
}
