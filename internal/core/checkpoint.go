package core

import (
	"fmt"
)

// CheckpointType says how a region's resolved checkpoint was derived.
type CheckpointType int

const (
	// CheckpointMinTs means the region had nothing outstanding and reported the
	// caller's min_ts.
	CheckpointMinTs CheckpointType = iota
	// CheckpointStartTsOfInitialScan means the region's initial scan has not
	// finished; its checkpoint is the scan's start ts and should be polled again.
	CheckpointStartTsOfInitialScan
	// CheckpointNormal is a checkpoint computed from tracked locks.
	CheckpointNormal
)

func (t CheckpointType) String() string {
	switch t {
	case CheckpointMinTs:
		return "min_ts"
	case CheckpointStartTsOfInitialScan:
		return "start_ts_of_initial_scan"
	case CheckpointNormal:
		return "normal"
	default:
		return fmt.Sprintf("checkpoint_type(%d)", int(t))
	}
}

// MarshalText renders the type by name.
func (t CheckpointType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ResolveResult is one region's resolved checkpoint.
type ResolveResult struct {
	Region     Region         `json:"region"`
	Checkpoint TimeStamp      `json:"checkpoint"`
	Type       CheckpointType `json:"checkpoint_type"`
}

// ResolvedRegions is the outcome of one checkpoint resolution round.
type ResolvedRegions struct {
	Checkpoint TimeStamp       `json:"checkpoint"`
	Items      []ResolveResult `json:"items"`
}

// NewResolvedRegions computes the global checkpoint of items: the minimum of
// their checkpoints, or minTS when items is empty.
func NewResolvedRegions(minTS TimeStamp, items []ResolveResult) ResolvedRegions {
	global := minTS
	for i, it := range items {
		if i == 0 || it.Checkpoint < global {
			global = it.Checkpoint
		}
	}
	return ResolvedRegions{Checkpoint: global, Items: items}
}

// GlobalCheckpoint returns the safe checkpoint across all regions.
func (r ResolvedRegions) GlobalCheckpoint() TimeStamp {
	return r.Checkpoint
}

// Pending reports whether any region is still running its initial scan.
func (r ResolvedRegions) Pending() bool {
	for _, it := range r.Items {
		if it.Type == CheckpointStartTsOfInitialScan {
			return true
		}
	}
	return false
}

// CheckpointProvider says where a region's last checkpoint came from.
type CheckpointProvider string

const (
	ProviderRegion CheckpointProvider = "region"
	ProviderGlobal CheckpointProvider = "global"
	ProviderTask   CheckpointProvider = "task"
)

// Checkpoint is a region's last persisted checkpoint for a task.
type Checkpoint struct {
	TS       TimeStamp          `json:"ts"`
	Provider CheckpointProvider `json:"provider"`
}
