// Package tracker keeps the per-region observation records of the log-backup
// coordinator. Membership is only changed by the region operator loop; any
// goroutine may read.
package tracker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/kvstream/logbackup/internal/core"
)

// State is the lifecycle state of an observation record.
type State int

const (
	// StatePending means the initial scan has not completed.
	StatePending State = iota
	// StateObserving means the region is fully observed.
	StateObserving
)

func (s State) String() string {
	if s == StateObserving {
		return "observing"
	}
	return "pending"
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = StatePending
	case "observing":
		*s = StateObserving
	default:
		return fmt.Errorf("unknown state %q", b)
	}
	return nil
}

type subscription struct {
	mu       sync.RWMutex
	region   core.Region
	handle   *core.Handle
	state    State
	startTS  core.TimeStamp
	hasStart bool
	locks    map[string]core.TimeStamp
}

// Record is a point-in-time copy of one region's observation record.
type Record struct {
	Region     core.Region    `json:"region"`
	Handle     *core.Handle   `json:"-"`
	HandleID   string         `json:"handle"`
	State      State          `json:"state"`
	StartTS    core.TimeStamp `json:"start_ts,omitempty"`
	HasStartTS bool           `json:"-"`
	Locks      int            `json:"locks"`
}

func (s *subscription) snapshot() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Record{
		Region:     s.region.Clone(),
		Handle:     s.handle,
		HandleID:   s.handle.ID(),
		State:      s.state,
		StartTS:    s.startTS,
		HasStartTS: s.hasStart,
		Locks:      len(s.locks),
	}
}

// Tracker maps region ids to observation records.
type Tracker struct {
	subs *xsync.MapOf[uint64, *subscription]
	log  *slog.Logger
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{
		subs: xsync.NewMapOf[uint64, *subscription](),
		log:  slog.Default().With("component", "tracker"),
	}
}

// AddPending inserts a Pending record for region owned by handle, replacing
// and stopping any previous attempt.
func (t *Tracker) AddPending(region core.Region, handle *core.Handle) {
	t.put(region, handle, 0, false)
}

// Register records the checkpoint an attempt's initial scan starts from.
func (t *Tracker) Register(region core.Region, handle *core.Handle, startTS core.TimeStamp) {
	t.put(region, handle, startTS, true)
}

func (t *Tracker) put(region core.Region, handle *core.Handle, startTS core.TimeStamp, hasStart bool) {
	next := &subscription{
		region:   region.Clone(),
		handle:   handle,
		state:    StatePending,
		startTS:  startTS,
		hasStart: hasStart,
	}
	old, loaded := t.subs.LoadAndStore(region.ID, next)
	if loaded && !old.handle.Equal(handle) {
		t.log.Warn("replacing a live subscription", "region", region, "old_handle", old.handle, "new_handle", handle)
		old.handle.Stop()
	}
}

// MarkObserving moves the record of region to Observing if it still belongs
// to handle.
func (t *Tracker) MarkObserving(regionID uint64, handle *core.Handle) bool {
	sub, ok := t.subs.Load(regionID)
	if !ok {
		return false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.handle.Equal(handle) {
		return false
	}
	sub.state = StateObserving
	sub.hasStart = false
	return true
}

// Abandon stops the attempt owned by handle but keeps the record Pending, so
// the region keeps holding back the checkpoint until it is re-bootstrapped.
func (t *Tracker) Abandon(regionID uint64, handle *core.Handle) bool {
	sub, ok := t.subs.Load(regionID)
	if !ok {
		return false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.handle.Equal(handle) {
		return false
	}
	sub.state = StatePending
	sub.handle.Stop()
	return true
}

// DeregisterIf removes the record of regionID when pred accepts it, stopping
// its handle. existed reports whether a record was present at all.
func (t *Tracker) DeregisterIf(regionID uint64, pred func(Record) bool) (removed, existed bool) {
	var victim *subscription
	t.subs.Compute(regionID, func(old *subscription, loaded bool) (*subscription, bool) {
		if !loaded {
			return nil, true
		}
		existed = true
		if pred(old.snapshot()) {
			victim = old
			return nil, true
		}
		return old, false
	})
	if victim != nil {
		victim.handle.Stop()
		return true, existed
	}
	return false, existed
}

// Deregister removes the record of regionID unconditionally.
func (t *Tracker) Deregister(regionID uint64) bool {
	removed, _ := t.DeregisterIf(regionID, func(Record) bool { return true })
	return removed
}

// TryUpdateRegion merges a new epoch into an Observing record in place. It
// fails when no record exists, the record is still Pending, or the key range
// changed.
func (t *Tracker) TryUpdateRegion(region core.Region) bool {
	sub, ok := t.subs.Load(region.ID)
	if !ok {
		return false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.state != StateObserving || !sub.region.SameRange(region) {
		return false
	}
	sub.region = region.Clone()
	return true
}

// Get returns a copy of the record of regionID.
func (t *Tracker) Get(regionID uint64) (Record, bool) {
	sub, ok := t.subs.Load(regionID)
	if !ok {
		return Record{}, false
	}
	return sub.snapshot(), true
}

// IsObserving reports whether regionID is tracked with a live handle.
func (t *Tracker) IsObserving(regionID uint64) bool {
	sub, ok := t.subs.Load(regionID)
	if !ok {
		return false
	}
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	return sub.handle.IsObserving()
}

// CurrentRegions returns the ids of all tracked regions in ascending order.
func (t *Tracker) CurrentRegions() []uint64 {
	ids := make([]uint64, 0, t.subs.Size())
	t.subs.Range(func(id uint64, _ *subscription) bool {
		ids = append(ids, id)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot returns copies of all records ordered by region id.
func (t *Tracker) Snapshot() []Record {
	out := make([]Record, 0, t.subs.Size())
	t.subs.Range(func(_ uint64, sub *subscription) bool {
		out = append(out, sub.snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Region.ID < out[j].Region.ID })
	return out
}

// Len returns the number of tracked regions.
func (t *Tracker) Len() int {
	return t.subs.Size()
}

// Clear stops and removes every record.
func (t *Tracker) Clear() {
	t.subs.Range(func(id uint64, sub *subscription) bool {
		t.Deregister(id)
		return true
	})
}

// TrackLock records an in-flight lock on key of an Observing region.
func (t *Tracker) TrackLock(regionID uint64, key []byte, startTS core.TimeStamp) bool {
	sub, ok := t.subs.Load(regionID)
	if !ok {
		return false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.locks == nil {
		sub.locks = make(map[string]core.TimeStamp)
	}
	if cur, ok := sub.locks[string(key)]; !ok || startTS < cur {
		sub.locks[string(key)] = startTS
	}
	return true
}

// UntrackLock forgets the lock on key.
func (t *Tracker) UntrackLock(regionID uint64, key []byte) bool {
	sub, ok := t.subs.Load(regionID)
	if !ok {
		return false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if _, ok := sub.locks[string(key)]; !ok {
		return false
	}
	delete(sub.locks, string(key))
	return true
}

// ResolveWith computes the checkpoint of each listed region that is tracked.
// Pending records with a known start ts report it as
// CheckpointStartTsOfInitialScan; Pending records without one cannot be
// resolved and are skipped. Observing records report min(minTS, oldest lock).
func (t *Tracker) ResolveWith(minTS core.TimeStamp, regionIDs []uint64) []core.ResolveResult {
	out := make([]core.ResolveResult, 0, len(regionIDs))
	for _, id := range regionIDs {
		sub, ok := t.subs.Load(id)
		if !ok {
			continue
		}
		if res, ok := sub.resolve(minTS); ok {
			out = append(out, res)
		} else {
			t.log.Debug("skipping pending region without start ts", "region_id", id)
		}
	}
	return out
}

func (s *subscription) resolve(minTS core.TimeStamp) (core.ResolveResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := core.ResolveResult{Region: s.region.Clone()}
	if s.state == StatePending {
		if !s.hasStart {
			return res, false
		}
		res.Checkpoint = s.startTS
		res.Type = core.CheckpointStartTsOfInitialScan
		return res, true
	}
	res.Checkpoint = minTS
	res.Type = core.CheckpointMinTs
	for _, ts := range s.locks {
		if ts <= res.Checkpoint {
			res.Checkpoint = ts
			res.Type = core.CheckpointNormal
		}
	}
	return res, true
}
