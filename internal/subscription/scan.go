package subscription

import (
	"fmt"
	"sync"
	"time"

	"github.com/kvstream/logbackup/internal/core"
	"github.com/kvstream/logbackup/internal/metrics"
)

// scanCmd asks an executor to run one initial scan attempt.
type scanCmd struct {
	region         core.Region
	handle         *core.Handle
	lastCheckpoint core.TimeStamp
	attempt        int
	work           *Work
}

// scanPool runs initial scans on a fixed set of goroutines fed by a bounded
// queue, so slow scans never stall the operator loop.
type scanPool struct {
	cmds chan scanCmd
	size int
	exec func(scanCmd)
	wg   sync.WaitGroup
	once sync.Once
}

func newScanPool(size, depth int, exec func(scanCmd)) *scanPool {
	if size <= 0 {
		size = 1
	}
	if depth <= 0 {
		depth = 1
	}
	return &scanPool{
		cmds: make(chan scanCmd, depth),
		size: size,
		exec: exec,
	}
}

func (p *scanPool) start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for cmd := range p.cmds {
				p.exec(cmd)
			}
		}()
	}
}

// trySubmit queues cmd without blocking. Only the operator loop submits, and
// the pool is closed after the loop exits.
func (p *scanPool) trySubmit(cmd scanCmd) bool {
	select {
	case p.cmds <- cmd:
		metrics.PendingInitialScan.WithLabelValues(metrics.StageQueuing).Inc()
		return true
	default:
		return false
	}
}

// close stops accepting commands and waits for queued ones to finish.
func (p *scanPool) close() {
	p.once.Do(func() {
		close(p.cmds)
		p.wg.Wait()
	})
}

// execScan runs one attempt and reports its outcome to the operator loop.
// The barrier token is released on every path.
func (m *Manager) execScan(cmd scanCmd) {
	defer cmd.work.Done()
	metrics.PendingInitialScan.WithLabelValues(metrics.StageQueuing).Dec()

	log := m.log.With("region", cmd.region, "handle", cmd.handle.ID(), "attempt", cmd.attempt)
	if !cmd.handle.IsObserving() {
		log.Debug("skipping initial scan of a stopped attempt")
		return
	}

	executing := metrics.PendingInitialScan.WithLabelValues(metrics.StageExecuting)
	executing.Inc()
	begin := time.Now()
	stats, err := m.scanner.InitialScan(m.ctx, cmd.region, cmd.lastCheckpoint, cmd.handle)
	executing.Dec()

	if !cmd.handle.IsObserving() {
		log.Debug("discarding initial scan result of a stopped attempt", "error", err)
		return
	}

	switch {
	case err == nil:
		takes := time.Since(begin)
		metrics.InitialScanDuration.Observe(takes.Seconds())
		log.Info("initial scanning finished",
			"takes", takes,
			"from_ts", cmd.lastCheckpoint,
			"entries", stats.Entries,
			"bytes", stats.Bytes,
		)
	case !core.ShouldRetry(err):
		log.Warn("initial scanning meet unretryable error", "error", err)
	case m.cfg.Retry.Exhausted(cmd.attempt + 1):
		m.fatal(cmd.region, fmt.Errorf("retry time exceeds for region %d: %w", cmd.region.ID, err))
		err = fmt.Errorf("%w: %v", core.ErrRetryExhausted, err)
	default:
		log.Warn("meet retryable error during initial scan, would retry",
			"error", err,
			"backoff", m.cfg.Retry.Backoff(cmd.attempt),
		)
	}

	m.report(core.NotifyStartObserveResult{Region: cmd.region, Handle: cmd.handle, Err: err})
}
