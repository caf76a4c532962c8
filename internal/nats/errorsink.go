package nats

import (
	"context"
	"encoding/json"
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

// ErrorSink fails the selected tasks: it publishes a fatal event, marks the
// tasks failed in the tasks bucket and stops routing regions to them.
type ErrorSink struct {
	backend *Backend
	tasks   TaskRegistry
	log     *slog.Logger
	now     func() time.Time
}

// NewErrorSink creates an ErrorSink.
func NewErrorSink(backend *Backend, tasks TaskRegistry) *ErrorSink {
	return &ErrorSink{
		backend: backend,
		tasks:   tasks,
		log:     slog.Default().With("component", "error-sink"),
		now:     time.Now,
	}
}

// ReportFatal implements core.ErrorSink.
func (s *ErrorSink) ReportFatal(ctx context.Context, sel core.TaskSelector, err error) {
	now := s.now()
	names := s.tasks.Select(sel)
	s.log.Error("fatal error, pausing tasks", "selector", sel.String(), "tasks", names, "error", err)

	event := core.FatalEvent{
		Selector: sel.String(),
		Tasks:    names,
		Error:    err.Error(),
		At:       now.UTC().Format(time.RFC3339),
	}
	if data, mErr := json.Marshal(event); mErr != nil {
		s.log.Error("failed to marshal fatal event", "error", mErr)
	} else if _, pErr := s.backend.js.Publish(ctx, FatalEventSubject(), data); pErr != nil {
		s.log.Error("failed to publish fatal event", "error", pErr)
	}

	for _, name := range names {
		s.tasks.Unregister(name)
		if mErr := s.backend.tasks.MarkFailed(ctx, name, err, now); mErr != nil {
			s.log.Error("failed to mark task failed", "task", name, "error", mErr)
		}
	}
}
