package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kvstream/logbackup/internal/core"
	"github.com/kvstream/logbackup/internal/metrics"
	natsbackend "github.com/kvstream/logbackup/internal/nats"
	"github.com/kvstream/logbackup/internal/router"
	"github.com/kvstream/logbackup/internal/scheduler"
	pebblestore "github.com/kvstream/logbackup/internal/storage/pebble"
)

// MetadataBackend persists tasks and checkpoints.
type MetadataBackend interface {
	core.MetadataClient
	core.HealthChecker
	scheduler.CheckpointWriter

	// LoadTasks registers running tasks into r and keeps them in sync when
	// the backend supports it.
	LoadTasks(ctx context.Context, r *router.Router) error
	// ErrorSink returns the sink failing tasks routed by r.
	ErrorSink(r *router.Router) core.ErrorSink
	// RemoveTask deletes a task and its stored checkpoints.
	RemoveTask(ctx context.Context, name string) error
	Close() error
}

type natsMetadata struct {
	*natsbackend.Backend
}

// NewNATSMetadata keeps metadata in the JetStream KV buckets of b.
func NewNATSMetadata(b *natsbackend.Backend) MetadataBackend {
	return natsMetadata{Backend: b}
}

func (m natsMetadata) LoadTasks(ctx context.Context, r *router.Router) error {
	return natsbackend.SyncTasks(ctx, m.Tasks(), r)
}

func (m natsMetadata) ErrorSink(r *router.Router) core.ErrorSink {
	return natsbackend.NewErrorSink(m.Backend, r)
}

// Close leaves the shared connection to its owner.
func (m natsMetadata) Close() error { return nil }

type pebbleMetadata struct {
	*pebblestore.Store
	db    *pebblestore.DB
	seeds []TaskConfig
}

// OpenPebbleMetadata opens the local store under cfg.DataDir and seeds the
// tasks declared in cfg that it does not know yet.
func OpenPebbleMetadata(cfg Config) (MetadataBackend, error) {
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: cfg.DataDir,
		Fsync:   pebblestore.ParseFsyncMode(cfg.Fsync),
		Metrics: metrics.StorageObserver{},
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", cfg.DataDir, err)
	}
	return &pebbleMetadata{Store: pebblestore.NewStore(db), db: db, seeds: cfg.Tasks}, nil
}

func (m *pebbleMetadata) LoadTasks(_ context.Context, r *router.Router) error {
	for _, seed := range m.seeds {
		_, err := m.Task(seed.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, &core.Error{Code: core.ErrCodeNotFound}) {
			return err
		}
		if err := m.PutTask(seed.TaskInfo()); err != nil {
			return fmt.Errorf("seed task %s: %w", seed.Name, err)
		}
		slog.Info("task seeded from config", "task", seed.Name)
	}
	n, err := pebblestore.LoadTasks(m.Store, r)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	slog.Info("tasks loaded", "backend", BackendPebble, "running", n)
	return nil
}

func (m *pebbleMetadata) ErrorSink(r *router.Router) core.ErrorSink {
	return pebblestore.NewErrorSink(m.Store, r)
}

func (m *pebbleMetadata) RemoveTask(_ context.Context, name string) error {
	return m.ClearTask(name)
}

func (m *pebbleMetadata) Close() error {
	return m.db.Close()
}
