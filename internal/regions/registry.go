// Package regions keeps the local view of region metadata and leadership and
// answers lookups from the region operator loop.
package regions

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/kvstream/logbackup/internal/core"
)

// DefaultQueueSize bounds pending lookups.
const DefaultQueueSize = 1024

// ErrBusy is returned when the lookup queue is full or the registry stopped.
var ErrBusy = errors.New("region info accessor busy")

// Registry tracks region snapshots and local roles. Lookups are answered by
// a single accessor goroutine, so callbacks never run on the caller's stack.
type Registry struct {
	mu      sync.RWMutex
	regions map[uint64]core.RegionInfo

	requests chan func()
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	stopOnce sync.Once
}

// NewRegistry returns an empty Registry with a lookup queue of queueSize.
func NewRegistry(queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Registry{
		regions:  make(map[uint64]core.RegionInfo),
		requests: make(chan func(), queueSize),
		done:     make(chan struct{}),
	}
}

// Start launches the accessor goroutine.
func (r *Registry) Start() {
	r.once.Do(func() {
		r.wg.Add(1)
		go r.serve()
	})
}

// Stop ends the accessor goroutine. Pending lookups are dropped. It is safe
// to call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

func (r *Registry) serve() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case fn := <-r.requests:
			fn()
		}
	}
}

// Upsert stores info unless the stored snapshot has a strictly newer epoch.
func (r *Registry) Upsert(info core.RegionInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.regions[info.Region.ID]; ok {
		if core.CompareEpoch(cur.Region.Epoch, info.Region.Epoch) == core.EpochGreater {
			slog.Debug("ignoring stale region info", "region", info.Region, "current", cur.Region)
			return false
		}
	}
	info.Region = info.Region.Clone()
	r.regions[info.Region.ID] = info
	return true
}

// SetRole changes the local role of a known region.
func (r *Registry) SetRole(id uint64, role core.PeerRole) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.regions[id]
	if !ok {
		return false
	}
	info.Role = role
	r.regions[id] = info
	return true
}

// Remove forgets a region.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.regions, id)
}

// Get returns the snapshot of a region.
func (r *Registry) Get(id uint64) (core.RegionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.regions[id]
	return info, ok
}

// Leaders returns the subset of ids led locally, in ascending order.
func (r *Registry) Leaders(ids []uint64) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if info, ok := r.regions[id]; ok && info.Role == core.RoleLeader {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of known regions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regions)
}

// FindRegionByID queues a lookup whose result is passed to callback on the
// accessor goroutine; callback gets nil for unknown regions.
func (r *Registry) FindRegionByID(id uint64, callback func(*core.RegionInfo)) error {
	fn := func() {
		info, ok := r.Get(id)
		if !ok {
			callback(nil)
			return
		}
		callback(&info)
	}
	select {
	case <-r.done:
		return ErrBusy
	default:
	}
	select {
	case r.requests <- fn:
		return nil
	default:
		return ErrBusy
	}
}

// Resolver is the tracker-side half of a LeadershipResolver.
type Resolver interface {
	ResolveWith(minTS core.TimeStamp, regionIDs []uint64) []core.ResolveResult
}

// LeadershipResolver resolves checkpoints only for regions this node leads.
type LeadershipResolver struct {
	registry *Registry
	resolver Resolver
}

// NewLeadershipResolver combines the registry's leadership view with the
// per-region checkpoints of resolver.
func NewLeadershipResolver(registry *Registry, resolver Resolver) *LeadershipResolver {
	return &LeadershipResolver{registry: registry, resolver: resolver}
}

// Resolve implements core.LeadershipResolver. It answers from local state
// and never blocks, so ctx is not consulted: an empty result must mean no
// led region, not a canceled caller.
func (l *LeadershipResolver) Resolve(_ context.Context, ids []uint64, minTS core.TimeStamp) []core.ResolveResult {
	led := l.registry.Leaders(ids)
	if dropped := len(ids) - len(led); dropped > 0 {
		slog.Debug("dropping regions no longer led locally", "dropped", dropped)
	}
	return l.resolver.ResolveWith(minTS, led)
}
