// Package daemon implements the daemon lifecycle manager: PID lock,
// signal handling, and wiring of the Task Store, Scheduler, Projection
// Engine, Event Log, and Hooks registry into one supervised process,
// following a New/Start/Run/Stop/Reload method shape with ordered startup
// logging. There is no UDS command socket or message-queue command
// channel: CLI task mutation is in-process only, never network-transparent
// (see DESIGN.md).
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/firestige-labs/aof/internal/aoftask"
	"github.com/firestige-labs/aof/internal/config"
	"github.com/firestige-labs/aof/internal/eventlog"
	"github.com/firestige-labs/aof/internal/hooks"
	logpkg "github.com/firestige-labs/aof/internal/log"
	"github.com/firestige-labs/aof/internal/metrics"
	"github.com/firestige-labs/aof/internal/projection"
	"github.com/firestige-labs/aof/internal/scheduler"
	"github.com/firestige-labs/aof/internal/workflow"
)

// Daemon supervises the task fabric: one Store, one Scheduler poll loop,
// one Projection Engine, one Event Log, the metrics server, and the
// health server, all bound to a single PID-locked process.
type Daemon struct {
	config     *config.DaemonConfig
	configPath string

	store      *aoftask.Store
	events     *eventlog.Log
	hookReg    *hooks.Registry
	projEngine *projection.Engine
	workflows  map[string]*workflow.Workflow
	sched      *scheduler.Scheduler

	metricsServer *metrics.Server
	healthSrv     *healthServer

	startedAt time.Time

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal
}

// New loads configuration from configPath and constructs a Daemon. Start
// must be called before Run.
func New(configPath string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		shutdownChan: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes and starts all daemon components in order: logging,
// PID lock, store, event log, hooks/projection wiring, scheduler, metrics
// server, health server.
func (d *Daemon) Start() error {
	d.startedAt = time.Now()

	slog.Info("starting aof daemon",
		"version", "0.1.0",
		"hostname", d.config.Node.Hostname,
		"config", d.configPath,
		"data_dir", d.config.DataDir,
	)

	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	if err := acquirePIDLock(d.config.Control.PIDFile); err != nil {
		return err
	}

	store, err := aoftask.Open(d.config.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	d.store = store

	eventsDir := filepath.Join(d.config.DataDir, "events")
	events, err := eventlog.Open(eventsDir)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	d.events = events

	d.hookReg = hooks.NewRegistry()
	d.projEngine = projection.New(d.config.DataDir, d.store)
	d.hookReg.Subscribe("*", func(evt hooks.Event) error {
		return d.events.Append(eventlog.Event{
			Kind: evt.Kind, TaskID: evt.TaskID, Actor: evt.Actor, Payload: evt.Payload,
		})
	})
	d.hookReg.Subscribe("*", func(evt hooks.Event) error {
		return d.projEngine.SyncAll()
	})
	d.store.SetChangeHook(func(kind, taskID, actor string) {
		d.hookReg.Fire(hooks.Event{Kind: kind, TaskID: taskID, Actor: actor})
	})

	projectsPath := d.config.ProjectsFile
	if workflows, err := config.LoadProjects(projectsPath); err != nil {
		slog.Warn("failed to load project workflows, gate-timeout sweep disabled",
			"path", projectsPath, "error", err)
		d.workflows = map[string]*workflow.Workflow{}
	} else {
		d.workflows = workflows
	}

	pollInterval, err := time.ParseDuration(d.config.PollInterval)
	if err != nil || pollInterval <= 0 {
		slog.Warn("invalid poll_interval, defaulting to 30s", "value", d.config.PollInterval)
		pollInterval = 30 * time.Second
	}
	d.sched = scheduler.New(d.store, d.hookReg, d.events, d.workflows, pollInterval,
		scheduler.WithCascadeOnBlock(d.config.CascadeOnBlock),
		scheduler.WithDryRun(d.config.DryRun),
	)
	go d.sched.Run(d.ctx)

	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	if err := d.startHealth(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}

	slog.Info("daemon started successfully")
	return nil
}

// Stop performs graceful shutdown in a fixed order: health server,
// scheduler, metrics server, then the PID file
// (healthServer.close → scheduler.stop → unlink(pidFile)).
func (d *Daemon) Stop() {
	slog.Info("initiating graceful shutdown")

	if d.healthSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.healthSrv.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping health server", "error", err)
		}
		cancel()
	}

	d.cancel() // stops the scheduler's poll loop

	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
		cancel()
	}

	if d.events != nil {
		if err := d.events.Close(); err != nil {
			slog.Error("error closing event log", "error", err)
		}
	}

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	if err := removePIDFile(d.config.Control.PIDFile); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	logpkg.Flush()

	slog.Info("daemon stopped gracefully")
}

// Run blocks until shutdown is triggered by SIGTERM/SIGINT, a
// TriggerShutdown call, or context cancellation. SIGHUP reloads config.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil
			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				} else {
					slog.Info("configuration reloaded successfully")
				}
			}
		case <-d.shutdownChan:
			slog.Info("shutdown triggered")
			d.Stop()
			return nil
		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload reloads configuration. Log level/format changes are applied at
// once. Poll interval and cascade-on-block changes are stored in the
// daemon's config and logged under hot_reloaded, but the running scheduler
// keeps the interval and cascade setting it was started with. Node
// identity, data directory and listen addresses are logged under
// requires_restart.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	hotReloaded := []string{}

	oldLevel := d.config.Log.Level
	oldFormat := d.config.Log.Format
	oldPoll := d.config.PollInterval
	oldCascade := d.config.CascadeOnBlock
	oldConfig := d.config
	d.config = newConfig

	if err := d.initLogging(); err != nil {
		slog.Error("failed to reinitialize logging", "error", err)
	} else if newConfig.Log.Level != oldLevel || newConfig.Log.Format != oldFormat {
		hotReloaded = append(hotReloaded, "log")
	}

	if newConfig.PollInterval != oldPoll {
		hotReloaded = append(hotReloaded, "poll_interval")
	}
	if newConfig.CascadeOnBlock != oldCascade {
		hotReloaded = append(hotReloaded, "cascade_on_block")
	}

	requiresRestart := []string{}
	if newConfig.Node.Hostname != oldConfig.Node.Hostname {
		requiresRestart = append(requiresRestart, "node.hostname")
	}
	if newConfig.DataDir != oldConfig.DataDir {
		requiresRestart = append(requiresRestart, "data_dir")
	}
	if newConfig.Metrics.Listen != oldConfig.Metrics.Listen {
		requiresRestart = append(requiresRestart, "metrics.listen")
	}
	if newConfig.Health.Listen != oldConfig.Health.Listen {
		requiresRestart = append(requiresRestart, "health.listen")
	}

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)

	return nil
}

// TriggerShutdown requests graceful shutdown from an external caller (the
// CLI's "daemon stop", delivered as SIGTERM in practice — this channel
// exists for in-process callers such as tests).
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}
	slog.SetDefault(logpkg.Get())
	slog.Debug("logging initialized", "level", d.config.Log.Level, "format", d.config.Log.Format)
	return nil
}

func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}
	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		return err
	}
	slog.Info("metrics server started", "addr", d.config.Metrics.Listen, "path", d.config.Metrics.Path)
	return nil
}

func (d *Daemon) startHealth() error {
	if !d.config.Health.Enabled {
		slog.Info("health server disabled")
		return nil
	}
	d.healthSrv = newHealthServer(d.config.Health.Listen, d.startedAt, d.store, d.sched)
	if err := d.healthSrv.Start(d.ctx); err != nil {
		return err
	}
	slog.Info("health server started", "addr", d.config.Health.Listen)
	return nil
}

func removePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", path, err)
	}
	return nil
}
