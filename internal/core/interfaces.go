// Package core holds the data model, error taxonomy and collaborator
// interfaces shared by the coordinator packages.
package core

import (
	"context"
	"time"
)

// RegionInfoProvider looks regions up asynchronously. The callback is
// invoked at most once, with nil when the region is unknown locally.
type RegionInfoProvider interface {
	FindRegionByID(id uint64, callback func(*RegionInfo)) error
}

// MetadataClient reads persisted checkpoints.
type MetadataClient interface {
	GetRegionCheckpoint(ctx context.Context, task string, region Region) (Checkpoint, error)
}

// CheckpointUploader persists a task's global checkpoint. Implementations
// never move a stored checkpoint backwards.
type CheckpointUploader interface {
	UploadGlobalCheckpoint(ctx context.Context, task string, ts TimeStamp) error
}

// TaskRouter maps key ranges to the task that owns them.
type TaskRouter interface {
	FindTaskByRange(start, end []byte) (string, bool)
}

// ErrorSink receives errors that stop tasks from making progress.
type ErrorSink interface {
	ReportFatal(ctx context.Context, selector TaskSelector, err error)
}

// LeadershipResolver resolves checkpoints for the regions this node still
// leads, dropping the rest.
type LeadershipResolver interface {
	Resolve(ctx context.Context, regions []uint64, minTS TimeStamp) []ResolveResult
}

// ScanStats summarizes an initial scan.
type ScanStats struct {
	Entries  uint64        `json:"entries"`
	Bytes    uint64        `json:"bytes"`
	Duration time.Duration `json:"duration"`
}

// InitialScanner emits a region's change history from startTS up to now.
// Implementations should give up with an observe-canceled error once
// handle is stopped.
type InitialScanner interface {
	InitialScan(ctx context.Context, region Region, startTS TimeStamp, handle *Handle) (ScanStats, error)
}

// Submitter accepts ops for the region operator loop.
type Submitter interface {
	Request(ctx context.Context, op ObserveOp) error
}
