// Package router maps key ranges to the log-backup tasks that own them.
package router

import (
	"bytes"
	"sort"
	"sync"

	"github.com/kvstream/logbackup/internal/core"
)

type taskRange struct {
	task  string
	start []byte
	end   []byte
}

// Router is a concurrency-safe registry of task key ranges.
type Router struct {
	mu     sync.RWMutex
	tasks  map[string]core.TaskInfo
	ranges []taskRange // sorted by start key
}

// New returns an empty Router.
func New() *Router {
	return &Router{tasks: make(map[string]core.TaskInfo)}
}

// Register adds or replaces a task.
func (r *Router) Register(task core.TaskInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.Name] = task
	r.rebuild()
}

// Unregister removes a task. It reports whether the task was known.
func (r *Router) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[name]; !ok {
		return false
	}
	delete(r.tasks, name)
	r.rebuild()
	return true
}

func (r *Router) rebuild() {
	r.ranges = r.ranges[:0]
	for name, t := range r.tasks {
		for _, kr := range t.Ranges {
			r.ranges = append(r.ranges, taskRange{task: name, start: kr.Start, end: kr.End})
		}
	}
	sort.Slice(r.ranges, func(i, j int) bool {
		if c := bytes.Compare(r.ranges[i].start, r.ranges[j].start); c != 0 {
			return c < 0
		}
		return r.ranges[i].task < r.ranges[j].task
	})
}

// FindTaskByRange returns the first task, in start-key order, whose ranges
// overlap [start, end).
func (r *Router) FindTaskByRange(start, end []byte) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tr := range r.ranges {
		if len(end) > 0 && bytes.Compare(tr.start, end) >= 0 {
			break
		}
		if core.RangesOverlap(tr.start, tr.end, start, end) {
			return tr.task, true
		}
	}
	return "", false
}

// Select returns the names of all tasks matched by sel, sorted.
func (r *Router) Select(sel core.TaskSelector) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, t := range r.tasks {
		if sel.Matches(t) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Task returns the registered task with the given name.
func (r *Router) Task(name string) (core.TaskInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}

// Tasks returns every registered task name, sorted.
func (r *Router) Tasks() []string {
	return r.Select(core.SelectAll())
}
