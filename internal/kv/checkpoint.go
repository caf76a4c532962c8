package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kvstream/logbackup/internal/core"
)

// CheckpointStore keeps per-task global and per-region checkpoints as
// decimal strings.
//
//	<task>.global              -- task global checkpoint
//	<task>.region.<region_id>  -- region checkpoint
type CheckpointStore struct {
	store *Store
}

// NewCheckpointStore wraps the checkpoints bucket.
func NewCheckpointStore(store *Store) *CheckpointStore {
	return &CheckpointStore{store: store}
}

// GlobalKey returns the key of a task's global checkpoint.
func GlobalKey(task string) string {
	return task + ".global"
}

// RegionKey returns the key of a region checkpoint.
func RegionKey(task string, regionID uint64) string {
	return fmt.Sprintf("%s.region.%d", task, regionID)
}

func (c *CheckpointStore) get(ctx context.Context, key string) (core.TimeStamp, error) {
	data, _, err := c.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	ts, err := core.ParseTimeStamp(string(data))
	if err != nil {
		return 0, fmt.Errorf("parse checkpoint %s: %w", key, err)
	}
	return ts, nil
}

// RegionCheckpoint returns the stored checkpoint of a region.
func (c *CheckpointStore) RegionCheckpoint(ctx context.Context, task string, regionID uint64) (core.TimeStamp, error) {
	return c.get(ctx, RegionKey(task, regionID))
}

// GlobalCheckpoint returns the stored global checkpoint of a task.
func (c *CheckpointStore) GlobalCheckpoint(ctx context.Context, task string) (core.TimeStamp, error) {
	return c.get(ctx, GlobalKey(task))
}

// PutRegionCheckpoint advances a region checkpoint.
func (c *CheckpointStore) PutRegionCheckpoint(ctx context.Context, task string, regionID uint64, ts core.TimeStamp) error {
	return c.advance(ctx, RegionKey(task, regionID), ts)
}

// UploadGlobalCheckpoint advances a task's global checkpoint. A lower value
// than the stored one is ignored.
func (c *CheckpointStore) UploadGlobalCheckpoint(ctx context.Context, task string, ts core.TimeStamp) error {
	return c.advance(ctx, GlobalKey(task), ts)
}

func (c *CheckpointStore) advance(ctx context.Context, key string, ts core.TimeStamp) error {
	return c.store.Swap(ctx, key, func(cur []byte) ([]byte, bool) {
		if cur != nil {
			if old, err := core.ParseTimeStamp(string(cur)); err == nil && old >= ts {
				return nil, false
			}
		}
		return []byte(ts.String()), true
	})
}

// ClearRegion removes a region checkpoint.
func (c *CheckpointStore) ClearRegion(ctx context.Context, task string, regionID uint64) error {
	err := c.store.Delete(ctx, RegionKey(task, regionID))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ClearTask removes the global and region checkpoints of task.
func (c *CheckpointStore) ClearTask(ctx context.Context, task string) error {
	keys, err := c.store.Keys(ctx)
	if err != nil {
		return err
	}
	prefix := task + ".region."
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(key, prefix), 10, 64)
		if err != nil {
			continue
		}
		if err := c.ClearRegion(ctx, task, id); err != nil {
			return fmt.Errorf("clear %s: %w", key, err)
		}
	}
	if err := c.store.Delete(ctx, GlobalKey(task)); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// Ping performs a cheap read against the bucket.
func (c *CheckpointStore) Ping(ctx context.Context) error {
	_, err := c.store.Exists(ctx, "_health_check")
	return err
}
