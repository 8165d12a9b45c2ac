package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"canarybox/internal/audit"
	"canarybox/internal/backup"
	"canarybox/internal/canary"
	"canarybox/internal/deployment"
	"canarybox/internal/fault"
	"canarybox/internal/health"
	"canarybox/internal/history"
	"canarybox/internal/metrics"
	"canarybox/internal/notify"
	"canarybox/internal/perf"
	"canarybox/internal/routing"
	"canarybox/internal/security"
	"canarybox/internal/site"
	"canarybox/internal/slots"
	"canarybox/pkg/fileutil"

	"github.com/logrusorgru/aurora/v3"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

const (
	LogFileName     = "canarybox.log"
	HistoryFileName = "history.db"

	pushTimeout = 10 * time.Second
)

var globals struct {
	configFile string
	siteName   string
	logLevel   string
	noColor    bool
	operator   string
}

// application holds what the root command's pre-run loads for every subcommand.
type application struct {
	config   *site.Config
	registry *site.Registry
	logger   *slog.Logger
	logFile  *os.File
	history  *history.History
	color    aurora.Aurora

	notifiers []*notify.Dispatcher
	closers   []io.Closer
	ran       bool
}

var app = &application{color: aurora.NewAurora(false)}

// setup loads the configuration and logging for every command.
func setup(cmd *cobra.Command, args []string) error {
	app.color = aurora.NewAurora(!globals.noColor && isatty.IsTerminal(os.Stdout.Fd()))

	if globals.configFile == "" {
		searchPaths := fileutil.DefaultConfigPaths("sites.yaml")
		globals.configFile = fileutil.SearchPathsOptional(searchPaths)
		if globals.configFile == "" {
			return fault.New(fault.CodePrecondition,
				"no sites.yaml found in %s; use --config to specify a location", strings.Join(searchPaths, ", "))
		}
	}

	config, sites, err := site.LoadConfig(globals.configFile)
	if err != nil {
		return fault.Wrap(fault.CodePrecondition, err, "load %s", globals.configFile)
	}
	app.config = config
	app.registry = site.NewRegistry(sites)

	level, err := parseLevel(globals.logLevel)
	if err != nil {
		return err
	}
	logger, file, err := setupLogging(filepath.Join(config.LogDir, LogFileName), level)
	if err != nil {
		return fault.Wrap(fault.CodePrecondition, err, "failed to setup logging")
	}
	app.logger = logger
	app.logFile = file
	slog.SetDefault(logger)

	// sites.yaml carries DSNs and webhook tokens
	if err := security.ValidateSecurePermissions(globals.configFile); err != nil {
		logger.Warn("Configuration file permissions are too open", "config", globals.configFile, "error", err)
	}

	logger.Debug("Configuration loaded", "config", globals.configFile, "sites", app.registry.Count())
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fault.Wrap(fault.CodePrecondition, err, "invalid --log-level")
	}
	return level, nil
}

// setupLogging configures slog for file logging
// Returns both the logger and the file handle (caller must close the file)
func setupLogging(logPath string, level slog.Level) (*slog.Logger, *os.File, error) {
	if err := security.CreateSecureDir(filepath.Dir(logPath), security.PermDirectory); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Operator output owns stdout; the operational log goes to stderr and the file
	multiWriter := io.MultiWriter(os.Stderr, file)

	handler := slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(handler), file, nil
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func defaultOperator() string {
	for _, key := range []string{"SUDO_USER", "USER"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "unknown"
}

// site resolves --site, or the only configured site.
func (a *application) site() (*site.Site, error) {
	s, err := a.registry.Resolve(globals.siteName)
	if err != nil {
		return nil, fault.Wrap(fault.CodePrecondition, err, "resolve site")
	}
	return s, nil
}

// openHistory opens the shared history database once per process.
func (a *application) openHistory(ctx context.Context) (*history.History, error) {
	if a.history != nil {
		return a.history, nil
	}
	if err := security.CreateSecureDir(a.config.StateDir, security.PermDirectory); err != nil {
		return nil, fault.Wrap(fault.CodePrecondition, err, "create state directory")
	}
	hist, err := history.NewHistory(ctx, filepath.Join(a.config.StateDir, HistoryFileName))
	if err != nil {
		return nil, err
	}
	a.history = hist
	return hist, nil
}

// stack is every component for one site, wired from its configuration.
type stack struct {
	site     *site.Site
	audit    *audit.Log
	slots    *slots.Manager
	health   *health.Engine
	perf     *perf.Tracker
	backups  *backup.Manager
	canary   *canary.Controller
	notifier *notify.Dispatcher
	orch     *deployment.Orchestrator
}

func (a *application) stack(ctx context.Context) (*stack, error) {
	s, err := a.site()
	if err != nil {
		return nil, err
	}
	a.ran = true
	logger := a.logger.With("site", s.Name)
	actor := globals.operator

	st := &stack{site: s}
	if st.audit, err = audit.Open(s.LogDir); err != nil {
		return nil, fault.Wrap(fault.CodePrecondition, err, "open audit log")
	}

	st.slots = slots.NewManager(s, slots.WithAudit(st.audit, actor), slots.WithLogger(logger))
	st.health = health.NewEngine(s, health.WithLogger(logger))
	st.perf = perf.NewTracker(s, perf.WithLogger(logger))
	st.backups, err = backup.NewManager(s, backup.WithAudit(st.audit, actor), backup.WithLogger(logger))
	if err != nil {
		return nil, fault.Wrap(fault.CodePrecondition, err, "backup configuration")
	}

	router, err := routing.New(s, logger)
	if err != nil {
		return nil, fault.Wrap(fault.CodePrecondition, err, "canary routing configuration")
	}
	if c, ok := router.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	st.canary = canary.NewController(s, st.slots, st.health, router,
		canary.WithPerf(st.perf),
		canary.WithAudit(st.audit, actor),
		canary.WithLogger(logger))

	st.notifier = notify.ForSite(s, logger)
	a.notifiers = append(a.notifiers, st.notifier)

	hist, err := a.openHistory(ctx)
	if err != nil {
		return nil, err
	}

	st.orch = deployment.New(s, actor, deployment.Deps{
		Slots:    st.slots,
		Health:   st.health,
		Backups:  st.backups,
		Canary:   st.canary,
		History:  hist,
		Audit:    st.audit,
		Notifier: st.notifier,
	}, logger)
	return st, nil
}

// close flushes notifications and metrics and releases resources. It
// runs after every command, successful or not.
func (a *application) close() {
	for _, d := range a.notifiers {
		if !d.Wait(notify.DefaultSendTimeout) && a.logger != nil {
			a.logger.Warn("Notifications still pending at exit")
		}
	}

	if a.ran && a.config != nil && a.config.Metrics.PushgatewayURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		if err := metrics.Push(ctx, a.config.Metrics.PushgatewayURL); err != nil {
			a.logger.Warn("Failed to push metrics", "url", a.config.Metrics.PushgatewayURL, "error", err)
		}
		cancel()
	}

	for _, c := range a.closers {
		c.Close()
	}
	if a.history != nil {
		a.history.Close()
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}
