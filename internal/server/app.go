package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/kvstream/logbackup/internal/api"
	"github.com/kvstream/logbackup/internal/core"
	"github.com/kvstream/logbackup/internal/regions"
	"github.com/kvstream/logbackup/internal/router"
	"github.com/kvstream/logbackup/internal/scheduler"
	"github.com/kvstream/logbackup/internal/subscription"
	"github.com/kvstream/logbackup/internal/tracker"
)

// regionQueueSize bounds pending region lookups.
const regionQueueSize = 1024

// App is the assembled coordinator.
type App struct {
	Config    Config
	Metadata  MetadataBackend
	Tracker   *tracker.Tracker
	Tasks     *router.Router
	Regions   *regions.Registry
	Manager   *subscription.Manager
	Scheduler *scheduler.Scheduler
	Handler   http.Handler

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewApp wires the coordinator around a metadata backend and an initial
// scanner.
func NewApp(cfg Config, meta MetadataBackend, scanner core.InitialScanner) *App {
	subs := tracker.New()
	tasks := router.New()
	registry := regions.NewRegistry(regionQueueSize)

	mgr := subscription.New(cfg.ManagerConfig(), subscription.Deps{
		Tracker:  subs,
		Regions:  registry,
		Metadata: meta,
		Router:   tasks,
		Errors:   meta.ErrorSink(tasks),
		Leaders:  regions.NewLeadershipResolver(registry, subs),
		Scanner:  scanner,
	})
	sched := scheduler.New(scheduler.Config{Interval: cfg.ResolveInterval.Duration()}, mgr, tasks, meta)

	handler := api.NewHandler(api.Deps{
		Submitter:     mgr,
		Subscriptions: subs,
		Tasks:         tasks,
		Health:        meta,
		Advancer:      sched,
		Remover:       taskRemover{meta: meta, tasks: tasks},
	})

	return &App{
		Config:    cfg,
		Metadata:  meta,
		Tracker:   subs,
		Tasks:     tasks,
		Regions:   registry,
		Manager:   mgr,
		Scheduler: sched,
		Handler:   NewRouter(handler),
	}
}

// taskRemover deletes a task from the metadata backend and stops routing it.
type taskRemover struct {
	meta  MetadataBackend
	tasks *router.Router
}

func (r taskRemover) RemoveTask(ctx context.Context, name string) error {
	if err := r.meta.RemoveTask(ctx, name); err != nil {
		return err
	}
	r.tasks.Unregister(name)
	return nil
}

// Start loads tasks and starts the background goroutines.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	a.Regions.Start()
	if err := a.Metadata.LoadTasks(ctx, a.Tasks); err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	a.Manager.Start(ctx)
	if err := a.Scheduler.Start(); err != nil {
		return err
	}
	slog.Info("coordinator started",
		"metadata_backend", a.Config.MetadataBackend,
		"tasks", len(a.Tasks.Tasks()),
		"scan_pool_size", a.Config.ScanPoolSize,
	)
	return nil
}

// Close stops the scheduler, drains the operator loop and releases the
// metadata backend. It is idempotent.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.Scheduler.Stop()
		a.Manager.Close()
		a.Regions.Stop()
		if a.cancel != nil {
			a.cancel()
		}
		err = a.Metadata.Close()
	})
	return err
}
