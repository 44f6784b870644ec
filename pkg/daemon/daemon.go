// Package daemon is the composition root: it builds every subsystem,
// registers all event handlers, and owns startup and ordered shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ksi-project/ksi/pkg/agent"
	"github.com/ksi-project/ksi/pkg/capability"
	"github.com/ksi-project/ksi/pkg/completion"
	"github.com/ksi-project/ksi/pkg/composition"
	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/correlation"
	"github.com/ksi-project/ksi/pkg/eventlog"
	"github.com/ksi-project/ksi/pkg/injection"
	"github.com/ksi-project/ksi/pkg/lifecycle"
	"github.com/ksi-project/ksi/pkg/monitor"
	"github.com/ksi-project/ksi/pkg/permission"
	"github.com/ksi-project/ksi/pkg/provider"
	"github.com/ksi-project/ksi/pkg/router"
	"github.com/ksi-project/ksi/pkg/sandbox"
	"github.com/ksi-project/ksi/pkg/state"
	"github.com/ksi-project/ksi/pkg/transport"
)

// Daemon holds every subsystem for the lifetime of the process.
type Daemon struct {
	cfg *config.Config
	log *slog.Logger

	events *eventlog.Log
	store  *state.Store
	traces *correlation.Store
	router *router.Router

	compIndex *composition.Index
	compWatch *composition.Watcher
	scheduler *completion.Scheduler
	agents    *agent.Manager
	retention *lifecycle.Service
	server    *transport.Server

	startedAt time.Time

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// New builds the full daemon from configuration. Nothing is listening
// or running yet; Start does that.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	if err := cfg.Paths.EnsureDirs(); err != nil {
		return nil, err
	}

	events, err := eventlog.Open(ctx, cfg.EventLog, cfg.Paths.EventLogDir, cfg.Paths.EventsDB(), responseRefPath(cfg.Paths))
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	store, err := state.Open(ctx, cfg.Paths.StateDB())
	if err != nil {
		_ = events.Close(ctx)
		return nil, fmt.Errorf("open state store: %w", err)
	}

	traces := correlation.NewStore()
	rt := router.New(events, traces, cfg.Socket.Timeout, cfg.Socket.SubscriberBuffer)

	loader := composition.NewLoader(cfg.Paths.CompositionDir)
	compIndex, err := composition.OpenIndex(ctx, cfg.Paths.CompositionIndexDB(), loader)
	if err != nil {
		_ = store.Close()
		_ = events.Close(ctx)
		return nil, fmt.Errorf("open composition index: %w", err)
	}
	resolver := composition.NewResolver(loader, compIndex)

	var compWatch *composition.Watcher
	if cfg.Composition.Watch {
		compWatch, err = composition.NewWatcher(compIndex, cfg.Composition.WatchDebounce)
		if err != nil {
			_ = compIndex.Close()
			_ = store.Close()
			_ = events.Close(ctx)
			return nil, fmt.Errorf("create composition watcher: %w", err)
		}
	}
	cleanup := func() {
		if compWatch != nil {
			compWatch.Stop()
		}
		_ = compIndex.Close()
		_ = store.Close()
		_ = events.Close(ctx)
	}

	capabilities, err := capability.LoadFile(cfg.Paths.CapabilityFile)
	if err != nil {
		cleanup()
		return nil, err
	}

	permissions := permission.NewManager()
	if err := permissions.LoadDir(cfg.Paths.PermissionDir); err != nil {
		cleanup()
		return nil, err
	}

	sandboxes, err := sandbox.NewManager(cfg.Paths.SandboxRoot)
	if err != nil {
		cleanup()
		return nil, err
	}

	breaker := completion.NewBreaker(cfg.Breaker)
	locks := completion.NewLockManager()
	prov := provider.NewSubprocess(cfg.Provider)
	scheduler := completion.NewScheduler(cfg.Completion, cfg.Paths, prov, breaker, locks, store, rt)

	injectionRouter := injection.NewRouter(cfg.Injection, scheduler, breaker, store)
	agents := agent.NewManager(resolver, capabilities, permissions, sandboxes, scheduler, store, rt)

	d := &Daemon{
		cfg:        cfg,
		log:        slog.With("component", "daemon"),
		events:     events,
		store:      store,
		traces:     traces,
		router:     rt,
		compIndex:  compIndex,
		compWatch:  compWatch,
		scheduler:  scheduler,
		agents:     agents,
		retention:  lifecycle.NewService(cfg, traces, store, events),
		server:     transport.NewServer(cfg.Socket, cfg.Paths.PidFile, rt),
		shutdownCh: make(chan struct{}),
	}

	services := []struct {
		name     string
		register func(*router.Router) error
	}{
		{"system", d.registerSystem},
		{"state", state.NewService(store).Register},
		{"composition", composition.NewService(loader, compIndex, resolver).Register},
		{"permission", permission.NewService(permissions).Register},
		{"sandbox", sandbox.NewService(sandboxes).Register},
		{"completion", completion.NewService(scheduler, store).Register},
		{"injection", injection.NewService(injectionRouter).Register},
		{"agent", agent.NewService(agents).Register},
		{"monitor", monitor.NewService(events, traces, rt, cfg.Correlation.MaxAge).Register},
	}
	for _, svc := range services {
		if err := svc.register(rt); err != nil {
			cleanup()
			return nil, fmt.Errorf("register %s handlers: %w", svc.name, err)
		}
	}
	return d, nil
}

// Start brings the daemon online: completion workers, retention loops,
// the composition watcher, then the socket so no frame arrives before
// its handlers can act. A watcher that cannot start degrades to manual
// composition:rebuild rather than failing the daemon.
func (d *Daemon) Start(ctx context.Context) error {
	d.scheduler.Start()
	d.retention.Start(ctx)
	if d.compWatch != nil {
		if err := d.compWatch.Start(ctx); err != nil {
			d.log.Warn("composition watcher disabled", "error", err)
			d.compWatch = nil
		}
	}
	if err := d.server.Start(); err != nil {
		if d.compWatch != nil {
			d.compWatch.Stop()
		}
		d.retention.Stop()
		_ = d.scheduler.Stop(ctx)
		return err
	}
	d.startedAt = time.Now()
	d.log.Info("daemon online",
		"socket", d.cfg.Socket.Path,
		"events", len(d.router.Registrations()))
	return nil
}

// ShutdownRequested is closed when a system:shutdown event asks the
// process to exit. The main loop selects on it next to OS signals.
func (d *Daemon) ShutdownRequested() <-chan struct{} { return d.shutdownCh }

// RequestShutdown marks the daemon for shutdown. Idempotent.
func (d *Daemon) RequestShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// Stop runs the ordered shutdown: stop accepting connections, cancel
// in-flight completions within the grace period, drain the event log,
// terminate agents, stop retention, then close the stores in parallel.
// Every stage runs even when an earlier one fails; the first error is
// returned.
func (d *Daemon) Stop(ctx context.Context) error {
	var firstErr error
	fail := func(stage string, err error) {
		if err == nil {
			return
		}
		d.log.Error("shutdown stage failed", "stage", stage, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", stage, err)
		}
	}

	fail("transport", d.server.Stop(ctx))
	fail("scheduler", d.scheduler.Stop(ctx))
	d.events.Flush()

	if n := d.agents.TerminateAll(ctx); n > 0 {
		d.log.Info("terminated agents", "count", n)
	}
	if d.compWatch != nil {
		d.compWatch.Stop()
	}
	d.retention.Stop()
	d.router.Close()

	var g errgroup.Group
	g.Go(func() error { return wrapErr("event log", d.events.Close(ctx)) })
	g.Go(func() error { return wrapErr("state store", d.store.Close()) })
	g.Go(func() error { return wrapErr("composition index", d.compIndex.Close()) })
	fail("stores", g.Wait())

	d.log.Info("daemon stopped")
	return firstErr
}

func wrapErr(what string, err error) error {
	if err != nil {
		return fmt.Errorf("close %s: %w", what, err)
	}
	return nil
}

// responseRefPath lets the event log externalize oversized completion
// payloads as references into the per-session response files instead
// of stripping them.
func responseRefPath(paths config.Paths) eventlog.RefPathFunc {
	return func(e *eventlog.Entry, field string) string {
		if e.SessionID == "" {
			return ""
		}
		switch field {
		case "result", "response", "content":
		default:
			return ""
		}
		path := paths.ResponseFile(e.SessionID)
		if _, err := os.Stat(path); err != nil {
			return ""
		}
		return path
	}
}
