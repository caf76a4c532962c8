package core

import (
	"sync"
)

// Handle identifies one observation attempt of a region. A fresh Handle is
// minted for every new attempt and shared by all retries of that attempt.
// Stopping a Handle tells in-flight scans of the attempt to give up.
type Handle struct {
	id   string
	once sync.Once
	done chan struct{}
}

// NewHandle returns a live Handle with a unique id.
func NewHandle() *Handle {
	return &Handle{
		id:   NewUUIDv7(),
		done: make(chan struct{}),
	}
}

// ID returns the attempt id.
func (h *Handle) ID() string {
	if h == nil {
		return ""
	}
	return h.id
}

// Equal reports whether h and o denote the same attempt.
func (h *Handle) Equal(o *Handle) bool {
	if h == nil || o == nil {
		return h == o
	}
	return h.id == o.id
}

// Stop ends the attempt. It is safe to call more than once.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.done) })
}

// IsObserving reports whether the attempt is still live.
func (h *Handle) IsObserving() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done is closed once the attempt is stopped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) String() string {
	if h == nil {
		return "<none>"
	}
	return h.id
}
