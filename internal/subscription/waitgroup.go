package subscription

import (
	"context"
	"sync"
	"time"
)

// WaitGroup counts outstanding initial scans. Unlike sync.WaitGroup it can
// be waited on with a deadline, and tokens are released through Work so a
// double release is harmless.
type WaitGroup struct {
	mu   sync.Mutex
	n    int
	zero chan struct{}
}

// NewWaitGroup returns a drained WaitGroup.
func NewWaitGroup() *WaitGroup {
	zero := make(chan struct{})
	close(zero)
	return &WaitGroup{zero: zero}
}

// Work is one outstanding token.
type Work struct {
	wg   *WaitGroup
	once sync.Once
}

// Work acquires a token.
func (wg *WaitGroup) Work() *Work {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	if wg.n == 0 {
		wg.zero = make(chan struct{})
	}
	wg.n++
	return &Work{wg: wg}
}

// Done releases the token. Later calls are no-ops.
func (w *Work) Done() {
	if w == nil {
		return
	}
	w.once.Do(w.wg.release)
}

func (wg *WaitGroup) release() {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	wg.n--
	if wg.n == 0 {
		close(wg.zero)
	}
}

// Outstanding returns the number of unreleased tokens.
func (wg *WaitGroup) Outstanding() int {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	return wg.n
}

func (wg *WaitGroup) drained() <-chan struct{} {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	return wg.zero
}

// Wait blocks until every token is released or ctx is done.
func (wg *WaitGroup) Wait(ctx context.Context) error {
	select {
	case <-wg.drained():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout blocks until every token is released or d elapses. It reports
// true when it gave up.
func (wg *WaitGroup) WaitTimeout(d time.Duration) (timedOut bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-wg.drained():
		return false
	case <-t.C:
		return true
	}
}
