package pebblestore

import (
	"context"
	"log/slog"
	"time"

	"github.com/kvstream/logbackup/internal/core"
)

// TaskRegistry is the in-memory view of running tasks.
type TaskRegistry interface {
	Register(task core.TaskInfo)
	Unregister(name string) bool
	Select(sel core.TaskSelector) []string
}

// LoadTasks registers every running task of s into reg.
func LoadTasks(s *Store, reg TaskRegistry) (int, error) {
	tasks, err := s.Tasks()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if t.Status != core.TaskStatusRunning {
			continue
		}
		reg.Register(t)
		n++
	}
	return n, nil
}

// ErrorSink fails the selected tasks in the local store and stops routing
// regions to them.
type ErrorSink struct {
	store *Store
	tasks TaskRegistry
	log   *slog.Logger
	now   func() time.Time
}

// NewErrorSink creates an ErrorSink.
func NewErrorSink(store *Store, tasks TaskRegistry) *ErrorSink {
	return &ErrorSink{
		store: store,
		tasks: tasks,
		log:   slog.Default().With("component", "error-sink"),
		now:   time.Now,
	}
}

// ReportFatal implements core.ErrorSink.
func (s *ErrorSink) ReportFatal(_ context.Context, sel core.TaskSelector, err error) {
	names := s.tasks.Select(sel)
	s.log.Error("fatal error, pausing tasks", "selector", sel.String(), "tasks", names, "error", err)
	for _, name := range names {
		s.tasks.Unregister(name)
		if mErr := s.store.MarkFailed(name, err, s.now()); mErr != nil {
			s.log.Error("failed to mark task failed", "task", name, "error", mErr)
		}
	}
}
