// Package main implements the entry point for the smart home sensor core.
// The daemon connects the configured sensor fleet, runs the polling
// scheduler, persists readings with retention, and forwards data to the
// optional NATS bus.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/ermannoGirardo/edoxb-smart-home/automation"
	"github.com/ermannoGirardo/edoxb-smart-home/bus"
	"github.com/ermannoGirardo/edoxb-smart-home/config"
	"github.com/ermannoGirardo/edoxb-smart-home/errors"
	"github.com/ermannoGirardo/edoxb-smart-home/manager"
	"github.com/ermannoGirardo/edoxb-smart-home/metric"
	"github.com/ermannoGirardo/edoxb-smart-home/mqttsession"
	"github.com/ermannoGirardo/edoxb-smart-home/polling"
	"github.com/ermannoGirardo/edoxb-smart-home/portalloc"
	"github.com/ermannoGirardo/edoxb-smart-home/protocol"
	"github.com/ermannoGirardo/edoxb-smart-home/protocolregistry"
	"github.com/ermannoGirardo/edoxb-smart-home/store"
	"github.com/ermannoGirardo/edoxb-smart-home/types"
)

const (
	appName = "smarthomed"
	Version = "0.1.0"

	retentionSweepInterval = time.Hour
	pushFlushInterval      = 10 * time.Second
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	sensorFile := flag.String("sensors", "sensors.json", "path to the sensor declaration file")
	rulesFile := flag.String("rules", "", "optional path to the automation rules file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	settings, err := config.FromEnv()
	if err != nil {
		return err
	}
	logger.Info("starting",
		"app", appName, "version", Version,
		"broker", settings.BrokerAddr(),
		"port_range", fmt.Sprintf("%d-%d", settings.PortMin, settings.PortMax),
		"retention", settings.RetentionHorizon)

	sensors, err := config.LoadSensorFile(*sensorFile, logger)
	if err != nil {
		return err
	}

	metrics := metric.NewRegistry()

	st, err := store.Open(filepath.Join(settings.DataDir, "readings"), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("closing store failed", "error", err)
		}
	}()

	retention, err := store.NewRetention(st, settings.RetentionHorizon, settings.BackupDir, logger, metrics)
	if err != nil {
		return err
	}

	session := mqttsession.New(settings.BrokerHost, settings.BrokerPort, logger, metrics)
	defer session.Close()

	ports, err := portalloc.New(settings.PortMin, settings.PortMax)
	if err != nil {
		return err
	}

	registry := protocol.NewRegistry()
	if err := protocolregistry.Register(registry); err != nil {
		return err
	}

	busPublisher, err := bus.Connect(settings.NATSURL, logger, metrics)
	if err != nil {
		// The bus is an optional downstream; the core keeps working without it.
		logger.Warn("bus unavailable, readings will not be forwarded", "error", err)
		busPublisher = nil
	}
	defer busPublisher.Close()

	deps := protocol.Dependencies{
		Logger:  logger,
		Metrics: metrics,
		Session: session,
		Ports:   ports,
	}

	// The rule notifier executes actions through the manager, which is built
	// after the scheduler the notifier plugs into. The executor is bound late
	// to break that cycle.
	executor := &lateExecutor{}
	var notifier *automation.RuleNotifier
	if *rulesFile != "" {
		rules, err := loadRules(*rulesFile)
		if err != nil {
			return err
		}
		notifier = automation.NewRuleNotifier(rules, executor, logger)
		logger.Info("automation rules loaded", "count", len(rules), "file", *rulesFile)
	}

	var schedulerNotifier polling.Notifier
	var managerNotifier automation.Notifier
	if notifier != nil {
		schedulerNotifier = notifier
		managerNotifier = notifier
	}
	scheduler := polling.NewScheduler(retention, schedulerNotifier, busPublisher, logger, metrics)

	mgr, err := manager.New(manager.Options{
		Registry:  registry,
		Deps:      deps,
		Configs:   st,
		Retention: retention,
		Scheduler: scheduler,
		Bus:       busPublisher,
		Notifier:  managerNotifier,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}
	executor.bind(mgr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr.Load(sensors)
	mgr.ConnectAll(ctx)

	scheduler.Start(ctx, nil)
	mgr.StartPolling()
	logger.Info("sensor core running", "sensors", len(mgr.List()))

	go runTicker(ctx, retentionSweepInterval, func() {
		if err := retention.Cleanup(); err != nil {
			logger.Error("retention sweep failed", "error", err)
		}
	})
	go runTicker(ctx, pushFlushInterval, func() {
		mgr.FlushPushSensors(ctx)
	})

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mgr.Close(shutdownCtx)
	logger.Info("shutdown complete")
	return nil
}

// lateExecutor defers the manager binding so the rule notifier can be
// constructed before the manager exists. Data arrives only after bind.
type lateExecutor struct {
	mgr *manager.Manager
}

func (l *lateExecutor) bind(m *manager.Manager) { l.mgr = m }

func (l *lateExecutor) ExecuteAction(ctx context.Context, sensorName, actionName string) (types.ActionResult, error) {
	if l.mgr == nil {
		return types.ActionResult{}, errors.WrapTransient(
			errors.ErrNotStarted, "Main", "ExecuteAction", "resolve manager")
	}
	return l.mgr.ExecuteAction(ctx, sensorName, actionName)
}

func runTicker(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func loadRules(path string) ([]automation.Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Main", "loadRules", "read rules file")
	}
	var rules []automation.Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, errors.WrapInvalid(err, "Main", "loadRules", "decode rules file")
	}
	return rules, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
