package pebblestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kvstream/logbackup/internal/core"
)

const (
	taskPrefix   = "t/"
	globalPrefix = "g/"
	regionPrefix = "r/"
)

// Store keeps tasks and checkpoints. It implements core.MetadataClient,
// core.CheckpointUploader and core.HealthChecker.
type Store struct {
	db *DB
	// serializes read-modify-write of checkpoints
	mu sync.Mutex
}

// NewStore wraps db.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

func taskKey(name string) []byte   { return []byte(taskPrefix + name) }
func globalKey(task string) []byte { return []byte(globalPrefix + task) }

func regionKey(task string, regionID uint64) []byte {
	key := make([]byte, 0, len(regionPrefix)+len(task)+1+8)
	key = append(key, regionPrefix...)
	key = append(key, task...)
	key = append(key, '/')
	return binary.BigEndian.AppendUint64(key, regionID)
}

func encodeTS(ts core.TimeStamp) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(ts))
}

func decodeTS(b []byte) (core.TimeStamp, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("malformed checkpoint of %d bytes", len(b))
	}
	return core.TimeStamp(binary.BigEndian.Uint64(b)), nil
}

func (s *Store) getTS(key []byte) (core.TimeStamp, error) {
	b, err := s.db.Get(key)
	if err != nil {
		return 0, err
	}
	return decodeTS(b)
}

// PutTask stores a task definition.
func (s *Store) PutTask(info core.TaskInfo) error {
	if err := core.ValidateTaskName(info.Name); err != nil {
		return err
	}
	if info.Status == "" {
		info.Status = core.TaskStatusRunning
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return s.db.Set(taskKey(info.Name), data)
}

// Task returns the named task.
func (s *Store) Task(name string) (core.TaskInfo, error) {
	data, err := s.db.Get(taskKey(name))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return core.TaskInfo{}, core.NewNotFoundError("Task", name)
		}
		return core.TaskInfo{}, err
	}
	var info core.TaskInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return core.TaskInfo{}, fmt.Errorf("unmarshal task %s: %w", name, err)
	}
	return info, nil
}

// Tasks returns every task ordered by name.
func (s *Store) Tasks() ([]core.TaskInfo, error) {
	var tasks []core.TaskInfo
	err := s.db.ScanPrefix([]byte(taskPrefix), func(_, value []byte) error {
		var info core.TaskInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return fmt.Errorf("unmarshal task: %w", err)
		}
		tasks = append(tasks, info)
		return nil
	})
	return tasks, err
}

// MarkFailed records that a task stopped on cause.
func (s *Store) MarkFailed(name string, cause error, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := s.Task(name)
	if err != nil {
		return err
	}
	info.Status = core.TaskStatusFailed
	info.LastError = cause.Error()
	info.FailedAt = now.UTC().Format(time.RFC3339)
	return s.PutTask(info)
}

// GetRegionCheckpoint returns the region checkpoint, falling back to the
// task's global checkpoint and then to its start ts.
func (s *Store) GetRegionCheckpoint(_ context.Context, task string, region core.Region) (core.Checkpoint, error) {
	ts, err := s.getTS(regionKey(task, region.ID))
	if err == nil {
		return core.Checkpoint{TS: ts, Provider: core.ProviderRegion}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return core.Checkpoint{}, fmt.Errorf("get region checkpoint: %w", err)
	}

	ts, err = s.getTS(globalKey(task))
	if err == nil {
		return core.Checkpoint{TS: ts, Provider: core.ProviderGlobal}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return core.Checkpoint{}, fmt.Errorf("get global checkpoint: %w", err)
	}

	info, err := s.Task(task)
	if err != nil {
		return core.Checkpoint{}, err
	}
	return core.Checkpoint{TS: info.StartTS, Provider: core.ProviderTask}, nil
}

// PutRegionCheckpoint advances a region checkpoint.
func (s *Store) PutRegionCheckpoint(_ context.Context, task string, regionID uint64, ts core.TimeStamp) error {
	if err := core.ValidateTaskName(task); err != nil {
		return err
	}
	return s.advance(regionKey(task, regionID), ts)
}

// UploadGlobalCheckpoint advances a task's global checkpoint. A lower value
// than the stored one is ignored.
func (s *Store) UploadGlobalCheckpoint(_ context.Context, task string, ts core.TimeStamp) error {
	if err := core.ValidateTaskName(task); err != nil {
		return err
	}
	return s.advance(globalKey(task), ts)
}

// GlobalCheckpoint returns the stored global checkpoint of a task.
func (s *Store) GlobalCheckpoint(task string) (core.TimeStamp, error) {
	return s.getTS(globalKey(task))
}

func (s *Store) advance(key []byte, ts core.TimeStamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, err := s.getTS(key)
	switch {
	case err == nil && old >= ts:
		return nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return err
	}
	return s.db.Set(key, encodeTS(ts))
}

// ClearTask removes a task and all of its checkpoints in one batch.
func (s *Store) ClearTask(name string) error {
	if err := core.ValidateTaskName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(taskKey(name), nil); err != nil {
		return err
	}
	if err := b.Delete(globalKey(name), nil); err != nil {
		return err
	}
	prefix := []byte(regionPrefix + name + "/")
	if err := b.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
		return err
	}
	return s.db.CommitBatch(b)
}

// Health reports the store as connected when a read succeeds.
func (s *Store) Health(_ context.Context) (core.BackendHealth, error) {
	start := time.Now()
	if _, err := s.db.Get([]byte("_health_check")); err != nil && !errors.Is(err, ErrNotFound) {
		return core.BackendHealth{Type: "pebble", Status: "degraded", Error: err.Error()}, err
	}
	return core.BackendHealth{
		Type:      "pebble",
		Status:    "connected",
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
