// Package subscription runs the region operator loop of the log-backup
// coordinator: it serializes every observation command, bootstraps regions
// with initial scans on a dedicated pool, retries failed starts with bounded
// backoff, and resolves the global checkpoint.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/kvstream/logbackup/internal/core"
	"github.com/kvstream/logbackup/internal/metrics"
	"github.com/kvstream/logbackup/internal/tracker"
)

// Defaults for Config.
const (
	DefaultPoolSize           = 8
	DefaultQueueSize          = 32768
	DefaultResolveWaitTimeout = 5 * time.Second
	DefaultRegionInfoTimeout  = 10 * time.Second
	DefaultOOMBackoff         = 60 * time.Second
	DefaultOOMJitter          = 60 * time.Second
)

var (
	// ErrClosed is returned by Request once the manager has shut down.
	ErrClosed = errors.New("subscription manager closed")

	errScanQueueFull     = errors.New("initial scan queue full")
	errRegionInfoTimeout = errors.New("region info lookup timed out")
)

// Config tunes the manager.
type Config struct {
	PoolSize           int
	ScanQueueSize      int
	MailboxSize        int
	Retry              core.RetryPolicy
	ResolveWaitTimeout time.Duration
	RegionInfoTimeout  time.Duration
	// OOMBackoff plus a random share of OOMJitter is how long a region shed
	// on a high memory usage warning stays unobserved.
	OOMBackoff time.Duration
	OOMJitter  time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		PoolSize:           DefaultPoolSize,
		ScanQueueSize:      DefaultQueueSize,
		MailboxSize:        DefaultQueueSize,
		Retry:              core.DefaultRetryPolicy(),
		ResolveWaitTimeout: DefaultResolveWaitTimeout,
		RegionInfoTimeout:  DefaultRegionInfoTimeout,
		OOMBackoff:         DefaultOOMBackoff,
		OOMJitter:          DefaultOOMJitter,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.ScanQueueSize <= 0 {
		c.ScanQueueSize = d.ScanQueueSize
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = d.MailboxSize
	}
	if c.ResolveWaitTimeout <= 0 {
		c.ResolveWaitTimeout = d.ResolveWaitTimeout
	}
	if c.RegionInfoTimeout <= 0 {
		c.RegionInfoTimeout = d.RegionInfoTimeout
	}
	if c.OOMBackoff <= 0 {
		c.OOMBackoff, c.OOMJitter = d.OOMBackoff, d.OOMJitter
	}
	return c
}

// Deps are the collaborators of the manager.
type Deps struct {
	Tracker  *tracker.Tracker
	Regions  core.RegionInfoProvider
	Metadata core.MetadataClient
	Router   core.TaskRouter
	Errors   core.ErrorSink
	Leaders  core.LeadershipResolver
	Scanner  core.InitialScanner
}

// Manager owns the operator loop and the initial scan pool.
type Manager struct {
	cfg      Config
	subs     *tracker.Tracker
	regions  core.RegionInfoProvider
	meta     core.MetadataClient
	router   core.TaskRouter
	errors   core.ErrorSink
	leaders  core.LeadershipResolver
	scanner  core.InitialScanner
	scans    *WaitGroup
	pool     *scanPool
	log      *slog.Logger
	mailbox  chan core.ObserveOp
	loopDone chan struct{}

	mu     sync.RWMutex
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once

	// failures counts failed attempts per region. Owned by the loop.
	failures map[uint64]int

	// onOp observes every op as the loop dequeues it.
	onOp func(core.ObserveOp)
}

// New builds a manager. Call Start to run it.
func New(cfg Config, deps Deps) *Manager {
	cfg = cfg.withDefaults()
	subs := deps.Tracker
	if subs == nil {
		subs = tracker.New()
	}
	m := &Manager{
		cfg:      cfg,
		subs:     subs,
		regions:  deps.Regions,
		meta:     deps.Metadata,
		router:   deps.Router,
		errors:   deps.Errors,
		leaders:  deps.Leaders,
		scanner:  deps.Scanner,
		scans:    NewWaitGroup(),
		log:      slog.Default().With("component", "subscription"),
		mailbox:  make(chan core.ObserveOp, cfg.MailboxSize),
		loopDone: make(chan struct{}),
		failures: make(map[uint64]int),
		ctx:      context.Background(),
	}
	m.pool = newScanPool(cfg.PoolSize, cfg.ScanQueueSize, m.execScan)
	return m
}

// Start launches the scan pool and the operator loop. Collaborator calls
// carry ctx's values but not its cancellation: only Close stops the loop,
// and their context is canceled once the loop and the pool have drained.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
		m.pool.start()
		go m.run()
	})
}

// Close stops accepting ops, lets the loop drain what is queued, then waits
// for in-flight scans. It is safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.mailbox)
		m.mu.Unlock()

		started := m.cancel != nil
		if started {
			<-m.loopDone
		}
		m.pool.close()
		if started {
			m.cancel()
		}
	})
}

// Request enqueues op. It blocks while the mailbox is full.
func (m *Manager) Request(ctx context.Context, op core.ObserveOp) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.mailbox <- op:
		return nil
	case <-m.loopDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tracker exposes the subscription records for reading.
func (m *Manager) Tracker() *tracker.Tracker {
	return m.subs
}

// Wait blocks until every dispatched initial scan has finished or timeout
// elapses, and reports whether it timed out.
func (m *Manager) Wait(timeout time.Duration) bool {
	return m.scans.WaitTimeout(timeout)
}

func (m *Manager) run() {
	defer close(m.loopDone)
	m.log.Info("region operator loop started")
	for op := range m.mailbox {
		m.handle(op)
	}
	m.log.Info("region operator loop stopped")
}

func (m *Manager) handle(op core.ObserveOp) {
	if m.onOp != nil {
		m.onOp(op)
	}
	switch op := op.(type) {
	case core.StartObserve:
		m.onStart(op)
	case core.StopObserve:
		m.onStop(op)
	case core.DestroyObserve:
		m.onDestroy(op)
	case core.RefreshResolver:
		m.onRefreshResolver(op)
	case core.NotifyFailToStartObserve:
		m.onFailToStart(op)
	case core.NotifyStartObserveResult:
		m.onStartResult(op)
	case core.ResolveRegions:
		m.onResolveRegions(op)
	case core.HighMemUsageWarning:
		m.onHighMemUsage(op)
	default:
		m.reportBug("dispatch op", fmt.Errorf("unknown op %T", op))
	}
}

func (m *Manager) onStart(op core.StartObserve) {
	id := op.Region.ID
	if op.Handle != nil {
		rec, ok := m.subs.Get(id)
		if !ok || !rec.Handle.Equal(op.Handle) || !op.Handle.IsObserving() {
			metrics.SkipRetry.WithLabelValues(metrics.SkipStaleCommand).Inc()
			m.log.Debug("skipping retry of a superseded attempt", "region", op.Region, "handle", op.Handle.ID())
			return
		}
		metrics.InitialScanReason.WithLabelValues(metrics.ReasonRetry).Inc()
		m.startObserve(op.Region, op.Handle, m.failures[id])
		return
	}
	metrics.InitialScanReason.WithLabelValues(metrics.ReasonLeaderChanged).Inc()
	delete(m.failures, id)
	m.startObserve(op.Region, core.NewHandle(), 0)
}

func (m *Manager) onStop(op core.StopObserve) {
	delete(m.failures, op.Region.ID)
	if !m.subs.Deregister(op.Region.ID) {
		m.log.Debug("trying to deregister a region not registered", "region", op.Region)
	}
}

func (m *Manager) onDestroy(op core.DestroyObserve) {
	removed, existed := m.subs.DeregisterIf(op.Region.ID, func(rec tracker.Record) bool {
		return op.Region.Epoch.Covers(rec.Region.Epoch)
	})
	if removed {
		delete(m.failures, op.Region.ID)
		return
	}
	if existed {
		m.log.Warn("check epoch and stop failed, the tracked region is newer", "region", op.Region)
	}
}

func (m *Manager) onRefreshResolver(op core.RefreshResolver) {
	region := op.Region
	if m.subs.TryUpdateRegion(region) {
		m.log.Debug("region metadata merged in place", "region", region)
		return
	}
	removed, existed := m.subs.DeregisterIf(region.ID, func(rec tracker.Record) bool {
		return region.Epoch.Covers(rec.Region.Epoch)
	})
	if !removed {
		if existed {
			m.log.Warn("refresh resolver with a stale epoch, skipping", "region", region)
		} else {
			m.log.Warn("trying to refresh a region not observed", "region", region)
		}
		return
	}
	delete(m.failures, region.ID)
	metrics.InitialScanReason.WithLabelValues(metrics.ReasonRegionChanged).Inc()
	m.startObserve(region, core.NewHandle(), 0)
}

func (m *Manager) onFailToStart(op core.NotifyFailToStartObserve) {
	if errors.Is(op.Err, core.ErrObserveCanceled) {
		m.log.Debug("observe canceled, not retrying", "region", op.Region, "error", op.Err)
		return
	}
	if err := m.retryObserve(op.Region, op.Handle, op.FailedFor); err != nil {
		m.fatal(op.Region, fmt.Errorf("retry observe region %d, origin error is %v: %w", op.Region.ID, op.Err, err))
		m.subs.DeregisterIf(op.Region.ID, func(rec tracker.Record) bool { return rec.Handle.Equal(op.Handle) })
		delete(m.failures, op.Region.ID)
	}
}

func (m *Manager) retryObserve(region core.Region, handle *core.Handle, failedFor int) error {
	if m.cfg.Retry.Exhausted(failedFor) {
		return fmt.Errorf("retry time exceeds: %w", core.ErrRetryExhausted)
	}

	info, err := m.lookupRegion(region.ID)
	if errors.Is(err, errRegionInfoTimeout) {
		m.log.Warn("region info lookup timed out, would retry", "region", region, "failed_for", failedFor)
		m.after(m.cfg.Retry.Backoff(failedFor), core.NotifyFailToStartObserve{
			Region:    region,
			Handle:    handle,
			Err:       err,
			FailedFor: failedFor + 1,
		})
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to send request to region info accessor: %w", err)
	}

	drop := func(reason string) {
		metrics.SkipRetry.WithLabelValues(reason).Inc()
		m.subs.DeregisterIf(region.ID, func(rec tracker.Record) bool { return rec.Handle.Equal(handle) })
		delete(m.failures, region.ID)
	}
	switch {
	case info == nil:
		m.log.Warn("the region has been removed, skipping retry", "region", region)
		drop(metrics.SkipRegionAbsent)
		return nil
	case !info.IsLeader():
		m.log.Info("the region is no longer led locally, skipping retry", "region", region, "role", info.Role)
		drop(metrics.SkipNotLeader)
		return nil
	}

	rec, ok := m.subs.Get(region.ID)
	if !ok || !rec.Handle.Equal(handle) {
		metrics.SkipRetry.WithLabelValues(metrics.SkipStaleCommand).Inc()
		m.log.Info("stale retry command, skipping", "region", region, "handle", handle.ID())
		return nil
	}

	metrics.InitialScanReason.WithLabelValues(metrics.ReasonRetry).Inc()
	m.startObserve(region, handle, failedFor)
	return nil
}

// lookupRegion asks the region info provider and waits for its callback, up
// to RegionInfoTimeout.
func (m *Manager) lookupRegion(id uint64) (*core.RegionInfo, error) {
	ch := make(chan *core.RegionInfo, 1)
	if err := m.regions.FindRegionByID(id, func(info *core.RegionInfo) { ch <- info }); err != nil {
		return nil, err
	}
	t := time.NewTimer(m.cfg.RegionInfoTimeout)
	defer t.Stop()
	select {
	case info := <-ch:
		return info, nil
	case <-t.C:
		return nil, errRegionInfoTimeout
	case <-m.ctx.Done():
		return nil, m.ctx.Err()
	}
}

func (m *Manager) onStartResult(op core.NotifyStartObserveResult) {
	id := op.Region.ID
	rec, ok := m.subs.Get(id)
	if !ok || !rec.Handle.Equal(op.Handle) {
		metrics.SkipRetry.WithLabelValues(metrics.SkipStaleCommand).Inc()
		m.log.Debug("dropping result of a superseded attempt", "region", op.Region, "handle", op.Handle.ID())
		return
	}

	switch {
	case op.Err == nil:
		m.subs.MarkObserving(id, op.Handle)
		delete(m.failures, id)
	case errors.Is(op.Err, core.ErrRetryExhausted):
		m.subs.DeregisterIf(id, func(rec tracker.Record) bool { return rec.Handle.Equal(op.Handle) })
		delete(m.failures, id)
	case !core.ShouldRetry(op.Err):
		m.log.Warn("observation abandoned until the region is refreshed", "region", op.Region, "error", op.Err)
		m.subs.Abandon(id, op.Handle)
		delete(m.failures, id)
	default:
		attempt := m.failures[id]
		m.failures[id] = attempt + 1
		m.after(m.cfg.Retry.Backoff(attempt), core.StartObserve{Region: op.Region, Handle: op.Handle})
	}
}

// onHighMemUsage stops observing the region and starts it afresh once the
// OOM backoff has passed. Every attempt of the old handle is dropped as stale.
func (m *Manager) onHighMemUsage(op core.HighMemUsageWarning) {
	rec, ok := m.subs.Get(op.RegionID)
	if !ok {
		m.log.Debug("high memory usage on a region not observed", "region", op.RegionID)
		return
	}
	m.subs.Deregister(op.RegionID)
	delete(m.failures, op.RegionID)

	delay := m.cfg.OOMBackoff
	if m.cfg.OOMJitter > 0 {
		delay += rand.N(m.cfg.OOMJitter)
	}
	metrics.InitialScanReason.WithLabelValues(metrics.ReasonHighMemory).Inc()
	m.log.Warn("high memory usage, pausing observation", "region", rec.Region, "resume_after", delay)
	m.after(delay, core.StartObserve{Region: rec.Region})
}

func (m *Manager) onResolveRegions(op core.ResolveRegions) {
	if m.scans.WaitTimeout(m.cfg.ResolveWaitTimeout) {
		m.log.Warn("waiting for initial scanning done timed out, forcing progress",
			"take", m.cfg.ResolveWaitTimeout,
			"outstanding", m.scans.Outstanding(),
		)
	}

	var items []core.ResolveResult
	if m.leaders != nil {
		items = m.leaders.Resolve(m.ctx, m.subs.CurrentRegions(), op.MinTS)
	}
	resolved := core.NewResolvedRegions(op.MinTS, items)
	for _, it := range items {
		if it.Checkpoint == resolved.Checkpoint && it.Type != core.CheckpointMinTs {
			m.log.Info("getting non-trivial checkpoint",
				"region", it.Region,
				"checkpoint", it.Checkpoint,
				"type", it.Type,
			)
			break
		}
	}
	metrics.ResolvedCheckpointTS.Set(float64(resolved.Checkpoint.Physical()))

	if op.Callback != nil {
		op.Callback(resolved)
	}
}

// startObserve records region as Pending under handle and dispatches its
// initial scan. Preparation failures come back as NotifyFailToStartObserve.
func (m *Manager) startObserve(region core.Region, handle *core.Handle, failedFor int) {
	if failedFor > 0 {
		m.failures[region.ID] = failedFor
	}
	m.subs.AddPending(region, handle)
	if err := m.tryStartObserve(region, handle, failedFor); err != nil {
		m.log.Warn("failed to start observe, would retry", "region", region, "error", err, "failed_for", failedFor)
		m.after(m.cfg.Retry.Backoff(failedFor), core.NotifyFailToStartObserve{
			Region:    region,
			Handle:    handle,
			Err:       err,
			FailedFor: failedFor + 1,
		})
	}
}

func (m *Manager) tryStartObserve(region core.Region, handle *core.Handle, attempt int) error {
	task, ok := m.router.FindTaskByRange(region.StartKey, region.EndKey)
	if !ok {
		m.log.Warn("no task covers the region, abandoning stale command", "region", region)
		m.subs.DeregisterIf(region.ID, func(rec tracker.Record) bool { return rec.Handle.Equal(handle) })
		delete(m.failures, region.ID)
		return nil
	}

	cp, err := m.meta.GetRegionCheckpoint(m.ctx, task, region)
	if err != nil {
		return fmt.Errorf("get checkpoint of region %d for task %s: %w", region.ID, task, err)
	}
	if cp.Provider == core.ProviderGlobal {
		metrics.StoreCheckpointTS.WithLabelValues(task).Set(float64(cp.TS.Physical()))
	}
	m.log.Debug("got last checkpoint", "region", region, "task", task, "checkpoint", cp.TS, "provider", cp.Provider)

	m.subs.Register(region, handle, cp.TS)
	work := m.scans.Work()
	cmd := scanCmd{
		region:         region,
		handle:         handle,
		lastCheckpoint: cp.TS,
		attempt:        attempt,
		work:           work,
	}
	if !m.pool.trySubmit(cmd) {
		work.Done()
		m.reportBug("dispatch initial scan", errScanQueueFull)
		return errScanQueueFull
	}
	return nil
}

// after enqueues op once d has passed, off the loop goroutine.
func (m *Manager) after(d time.Duration, op core.ObserveOp) {
	time.AfterFunc(d, func() { m.report(op) })
}

// report enqueues op from outside the loop.
func (m *Manager) report(op core.ObserveOp) {
	err := m.Request(m.ctx, op)
	switch {
	case err == nil:
	case errors.Is(err, ErrClosed), errors.Is(err, context.Canceled):
		m.log.Debug("dropping op after shutdown", "op", op.Kind())
	default:
		m.reportBug("enqueue "+string(op.Kind()), err)
	}
}

func (m *Manager) fatal(region core.Region, err error) {
	metrics.FatalErrors.Inc()
	m.log.Error("fatal error while observing region", "region", region, "error", err)
	if m.errors != nil {
		m.errors.ReportFatal(m.ctx, core.SelectByRange(region.StartKey, region.EndKey), err)
	}
}

func (m *Manager) reportBug(when string, err error) {
	metrics.InternalErrors.WithLabelValues(when).Inc()
	m.log.Error("BUG: "+when, "error", err)
}
