package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/kvstream/logbackup/internal/core"
)

// TaskStore keeps task definitions keyed by task name.
type TaskStore struct {
	store *Store
}

// NewTaskStore wraps the tasks bucket.
func NewTaskStore(store *Store) *TaskStore {
	return &TaskStore{store: store}
}

// Get returns the named task.
func (t *TaskStore) Get(ctx context.Context, name string) (core.TaskInfo, error) {
	var info core.TaskInfo
	if _, err := t.store.GetJSON(ctx, name, &info); err != nil {
		return core.TaskInfo{}, err
	}
	return info, nil
}

// Put stores a task definition.
func (t *TaskStore) Put(ctx context.Context, info core.TaskInfo) error {
	if err := core.ValidateTaskName(info.Name); err != nil {
		return err
	}
	if info.Status == "" {
		info.Status = core.TaskStatusRunning
	}
	_, err := t.store.PutJSON(ctx, info.Name, info)
	return err
}

// Delete removes a task definition. Removing an unknown task is not an error.
func (t *TaskStore) Delete(ctx context.Context, name string) error {
	if err := t.store.Delete(ctx, name); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// List returns every task ordered by name. Undecodable entries are skipped.
func (t *TaskStore) List(ctx context.Context) ([]core.TaskInfo, error) {
	keys, err := t.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	sort.Strings(keys)
	tasks := make([]core.TaskInfo, 0, len(keys))
	for _, k := range keys {
		info, err := t.Get(ctx, k)
		if err != nil {
			slog.Warn("skipping unreadable task", "task", k, "error", err)
			continue
		}
		tasks = append(tasks, info)
	}
	return tasks, nil
}

// MarkFailed records that a task stopped on cause.
func (t *TaskStore) MarkFailed(ctx context.Context, name string, cause error, now time.Time) error {
	return t.store.Swap(ctx, name, func(cur []byte) ([]byte, bool) {
		if cur == nil {
			return nil, false
		}
		var info core.TaskInfo
		if err := json.Unmarshal(cur, &info); err != nil {
			return nil, false
		}
		info.Status = core.TaskStatusFailed
		info.LastError = cause.Error()
		info.FailedAt = now.UTC().Format(time.RFC3339)
		next, err := json.Marshal(info)
		if err != nil {
			return nil, false
		}
		return next, true
	})
}

// DecodeTask parses a stored task definition.
func DecodeTask(data []byte) (core.TaskInfo, error) {
	var info core.TaskInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return core.TaskInfo{}, fmt.Errorf("unmarshal task: %w", err)
	}
	return info, nil
}

// Watch streams task updates. See Store.Watch.
func (t *TaskStore) Watch(ctx context.Context) (jetstream.KeyWatcher, error) {
	return t.store.Watch(ctx)
}
