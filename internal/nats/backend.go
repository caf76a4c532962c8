// Package nats backs the coordinator with NATS: JetStream KV for tasks and
// checkpoints, core subjects for region events and initial scans.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kvstream/logbackup/internal/core"
	"github.com/kvstream/logbackup/internal/kv"
)

// Backend holds the NATS connection and the metadata buckets. It implements
// core.MetadataClient, core.CheckpointUploader and core.HealthChecker.
type Backend struct {
	nc *nats.Conn
	js jetstream.JetStream

	checkpoints *kv.CheckpointStore
	tasks       *kv.TaskStore
}

// New connects to NATS and sets up the JetStream resources.
func New(natsURL string) (*Backend, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("logbackup-coordinator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	b, err := NewFromConn(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

// NewFromConn sets up JetStream resources on an existing connection.
func NewFromConn(nc *nats.Conn) (*Backend, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := SetupJetStream(ctx, js); err != nil {
		return nil, fmt.Errorf("setting up JetStream: %w", err)
	}

	openKV := func(name string) (*kv.Store, error) {
		bucket, err := js.KeyValue(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("opening KV bucket %s: %w", name, err)
		}
		return kv.NewStore(bucket), nil
	}

	checkpoints, err := openKV(BucketCheckpoints)
	if err != nil {
		return nil, err
	}
	tasks, err := openKV(BucketTasks)
	if err != nil {
		return nil, err
	}

	return &Backend{
		nc:          nc,
		js:          js,
		checkpoints: kv.NewCheckpointStore(checkpoints),
		tasks:       kv.NewTaskStore(tasks),
	}, nil
}

// Conn returns the underlying NATS connection for the region feed and the
// scan client.
func (b *Backend) Conn() *nats.Conn {
	return b.nc
}

// JetStream returns the JetStream context.
func (b *Backend) JetStream() jetstream.JetStream {
	return b.js
}

// Checkpoints returns the checkpoint store.
func (b *Backend) Checkpoints() *kv.CheckpointStore {
	return b.checkpoints
}

// Tasks returns the task store.
func (b *Backend) Tasks() *kv.TaskStore {
	return b.tasks
}

func (b *Backend) Close() error {
	b.nc.Close()
	return nil
}

// GetRegionCheckpoint returns where an initial scan of region should start:
// the region checkpoint if one was stored, else the task's global
// checkpoint, else the task's start ts.
func (b *Backend) GetRegionCheckpoint(ctx context.Context, task string, region core.Region) (core.Checkpoint, error) {
	ts, err := b.checkpoints.RegionCheckpoint(ctx, task, region.ID)
	if err == nil {
		return core.Checkpoint{TS: ts, Provider: core.ProviderRegion}, nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return core.Checkpoint{}, fmt.Errorf("get region checkpoint: %w", err)
	}

	ts, err = b.checkpoints.GlobalCheckpoint(ctx, task)
	if err == nil {
		return core.Checkpoint{TS: ts, Provider: core.ProviderGlobal}, nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return core.Checkpoint{}, fmt.Errorf("get global checkpoint: %w", err)
	}

	info, err := b.tasks.Get(ctx, task)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return core.Checkpoint{}, core.NewNotFoundError("Task", task)
		}
		return core.Checkpoint{}, fmt.Errorf("get task: %w", err)
	}
	return core.Checkpoint{TS: info.StartTS, Provider: core.ProviderTask}, nil
}

// UploadGlobalCheckpoint advances the task's global checkpoint and
// announces it on the event stream.
func (b *Backend) UploadGlobalCheckpoint(ctx context.Context, task string, ts core.TimeStamp) error {
	if err := b.checkpoints.UploadGlobalCheckpoint(ctx, task, ts); err != nil {
		return fmt.Errorf("upload global checkpoint: %w", err)
	}
	if _, err := b.js.Publish(ctx, CheckpointEventSubject(task), []byte(ts.String())); err != nil {
		return fmt.Errorf("publish checkpoint event: %w", err)
	}
	return nil
}

// Health returns the health status.
func (b *Backend) Health(ctx context.Context) (core.BackendHealth, error) {
	status := b.nc.Status()
	if status != nats.CONNECTED {
		return core.BackendHealth{
			Type:   "nats",
			Status: "disconnected",
			Error:  fmt.Sprintf("NATS status: %v", status),
		}, fmt.Errorf("NATS not connected")
	}

	// Measure actual NATS RTT with a KV operation
	start := time.Now()
	if err := b.checkpoints.Ping(ctx); err != nil {
		return core.BackendHealth{Type: "nats", Status: "degraded", Error: err.Error()}, err
	}
	return core.BackendHealth{
		Type:      "nats",
		Status:    "connected",
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// PutRegionCheckpoint advances a region checkpoint.
func (b *Backend) PutRegionCheckpoint(ctx context.Context, task string, regionID uint64, ts core.TimeStamp) error {
	return b.checkpoints.PutRegionCheckpoint(ctx, task, regionID, ts)
}

// RemoveTask deletes a task definition and its checkpoints. Watchers of the
// tasks bucket stop routing the task.
func (b *Backend) RemoveTask(ctx context.Context, name string) error {
	if err := b.tasks.Delete(ctx, name); err != nil {
		return fmt.Errorf("delete task %s: %w", name, err)
	}
	if err := b.checkpoints.ClearTask(ctx, name); err != nil {
		return fmt.Errorf("clear checkpoints of %s: %w", name, err)
	}
	return nil
}
