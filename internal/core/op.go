package core

import (
	"fmt"
)

// OpKind names an ObserveOp variant.
type OpKind string

const (
	OpStart                    OpKind = "start"
	OpStop                     OpKind = "stop"
	OpDestroy                  OpKind = "destroy"
	OpRefreshResolver          OpKind = "refresh_resolver"
	OpNotifyFailToStartObserve OpKind = "notify_fail_to_start_observe"
	OpNotifyStartObserveResult OpKind = "notify_start_observe_result"
	OpResolveRegions           OpKind = "resolve_regions"
	OpHighMemUsageWarning      OpKind = "high_mem_usage_warning"
)

// ObserveOp is a command for the region operator loop.
type ObserveOp interface {
	Kind() OpKind
}

// StartObserve begins observing a region. Handle is nil for a new attempt and
// set when the op retries an existing attempt.
type StartObserve struct {
	Region Region
	Handle *Handle
}

// StopObserve stops observing a region unconditionally.
type StopObserve struct {
	Region Region
}

// DestroyObserve stops observing a destroyed region, provided the tracked
// epoch is not newer than Region's.
type DestroyObserve struct {
	Region Region
}

// RefreshResolver reacts to a region's metadata change.
type RefreshResolver struct {
	Region Region
}

// NotifyFailToStartObserve reports that preparing an attempt failed before
// any scan ran.
type NotifyFailToStartObserve struct {
	Region    Region
	Handle    *Handle
	Err       error
	FailedFor int
}

// NotifyStartObserveResult reports the outcome of one initial scan.
type NotifyStartObserveResult struct {
	Region Region
	Handle *Handle
	Err    error
}

// HighMemUsageWarning asks the loop to shed a region whose buffered changes
// outgrew the memory quota. The region is observed again after a jittered
// backoff.
type HighMemUsageWarning struct {
	RegionID uint64
}

// ResolveRegions computes the global checkpoint and hands it to Callback
// exactly once.
type ResolveRegions struct {
	Callback func(ResolvedRegions)
	MinTS    TimeStamp
}

func (StartObserve) Kind() OpKind             { return OpStart }
func (StopObserve) Kind() OpKind              { return OpStop }
func (DestroyObserve) Kind() OpKind           { return OpDestroy }
func (RefreshResolver) Kind() OpKind          { return OpRefreshResolver }
func (NotifyFailToStartObserve) Kind() OpKind { return OpNotifyFailToStartObserve }
func (NotifyStartObserveResult) Kind() OpKind { return OpNotifyStartObserveResult }
func (ResolveRegions) Kind() OpKind           { return OpResolveRegions }
func (HighMemUsageWarning) Kind() OpKind      { return OpHighMemUsageWarning }

func (op StartObserve) String() string {
	return fmt.Sprintf("start(%d, handle=%s)", op.Region.ID, op.Handle)
}

func (op NotifyStartObserveResult) String() string {
	return fmt.Sprintf("start_result(%d, ok=%t)", op.Region.ID, op.Err == nil)
}

func (op ResolveRegions) String() string {
	return fmt.Sprintf("resolve_regions(min_ts=%d)", op.MinTS)
}

// NewRegionOp builds the region-scoped op of the given kind. Only start, stop,
// destroy, refresh_resolver and high_mem_usage_warning may be built from
// outside the operator loop.
func NewRegionOp(kind OpKind, region Region) (ObserveOp, error) {
	switch kind {
	case OpStart:
		return StartObserve{Region: region}, nil
	case OpStop:
		return StopObserve{Region: region}, nil
	case OpDestroy:
		return DestroyObserve{Region: region}, nil
	case OpRefreshResolver:
		return RefreshResolver{Region: region}, nil
	case OpHighMemUsageWarning:
		return HighMemUsageWarning{RegionID: region.ID}, nil
	default:
		return nil, NewInvalidRequestError(fmt.Sprintf("unsupported op kind %q", kind))
	}
}
