// Package daemon wires the engine together: store, agent-server bootstrap,
// status poller and settings watcher.
package daemon

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/okanban/okanban/internal/config"
	"github.com/okanban/okanban/internal/opencode"
	"github.com/okanban/okanban/internal/poller"
	"github.com/okanban/okanban/internal/runtime"
	"github.com/okanban/okanban/internal/store"
	"github.com/okanban/okanban/internal/workflow"
	"github.com/okanban/okanban/pkg/panicerr"
)

// Daemon owns the long-running workers of the engine.
type Daemon struct {
	env       *config.Env
	storePath string
	rt        runtime.Runtime
	snap      *poller.Snapshot
	manager   *opencode.ServerManager
	poll      *poller.Poller
	settings  atomic.Pointer[config.Settings]
	log       *slog.Logger
}

func New(env *config.Env, log *slog.Logger) *Daemon {
	storePath := env.StorePath
	if storePath == "" {
		storePath = store.DefaultPath()
	}

	serverCfg := opencode.DefaultServerConfig()
	serverCfg.Host = env.ServerHost
	serverCfg.Port = env.ServerPort
	serverCfg.RequestTimeout = env.RequestTimeout
	serverCfg.StartupTimeout = env.StartupTimeout

	provider := opencode.NewServerStatusProvider(opencode.ProviderConfig{
		Host:           env.ServerHost,
		Port:           env.ServerPort,
		RequestTimeout: env.RequestTimeout,
	})

	rt := runtime.New()
	snap := poller.NewSnapshot()

	d := &Daemon{
		env:       env,
		storePath: storePath,
		rt:        rt,
		snap:      snap,
		manager:   opencode.NewServerManager(serverCfg),
		poll:      poller.New(storePath, provider, rt, snap, log),
		log:       log,
	}
	initial := config.DefaultSettings()
	d.settings.Store(&initial)
	d.poll.SetInterval(d.pollInterval)
	return d
}

// pollInterval reads the current settings so hot reloads reach the poller.
func (d *Daemon) pollInterval() time.Duration {
	return d.settings.Load().PollInterval()
}

// Snapshot exposes the poller's status cache for read-only consumers.
func (d *Daemon) Snapshot() *poller.Snapshot {
	return d.snap
}

// ServerState reports the agent-server bootstrap outcome.
func (d *Daemon) ServerState() (opencode.ServerState, string) {
	return d.manager.State()
}

// Run reconciles persisted state, bootstraps the agent server and runs the
// poller until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	// Startup reconciliation is best effort; the poller repairs anything it
	// could not, cycle by cycle.
	if st, err := store.Open(d.storePath); err != nil {
		d.log.Warn("failed to open task store for startup reconciliation", "error", err)
	} else if err := workflow.ReconcileStartupTasks(st, d.rt, d.log); err != nil {
		d.log.Warn("startup reconciliation failed", "error", err)
	}

	settingsPath := d.env.SettingsPath
	if settingsPath == "" {
		settingsPath = config.SettingsPath()
	}
	if settings, err := config.LoadSettings(settingsPath); err != nil {
		d.log.Warn("failed to load settings, using defaults", "error", err)
	} else {
		d.settings.Store(&settings)
	}

	var wg conc.WaitGroup

	wg.Go(func() {
		if err := panicerr.Safe(func() error {
			d.manager.Bootstrap(ctx)
			state, failure := d.manager.State()
			if state == opencode.ServerFailed {
				d.log.Warn("agent server bootstrap failed", "failure", failure)
			} else {
				d.log.Info("agent server ready", "state", state.String())
			}
			return nil
		})(); err != nil {
			d.log.Error("bootstrap worker panicked", "error", err)
		}
	})

	wg.Go(func() {
		if err := panicerr.SafeContext(d.poll.Run)(ctx); err != nil {
			d.log.Error("poller worker stopped", "error", err)
		}
	})

	wg.Go(func() {
		if err := panicerr.Safe(func() error {
			return config.WatchSettings(ctx, settingsPath, func(s config.Settings) {
				d.settings.Store(&s)
				d.log.Info("settings updated", "poll_interval_ms", s.PollIntervalMS)
			}, d.log)
		})(); err != nil {
			d.log.Warn("settings watcher stopped", "error", err)
		}
	})

	d.log.Info("okanban daemon started", "store", d.storePath)
	<-ctx.Done()
	wg.Wait()
	d.log.Info("okanban daemon stopped")
	return nil
}
