package core

import (
	"bytes"
	"fmt"
	"strings"
)

// KeyRange is a half-open key range. An empty End is unbounded.
type KeyRange struct {
	Start []byte `json:"start,omitempty"`
	End   []byte `json:"end,omitempty"`
}

// Contains reports whether key falls inside r.
func (r KeyRange) Contains(key []byte) bool {
	if bytes.Compare(key, r.Start) < 0 {
		return false
	}
	return len(r.End) == 0 || bytes.Compare(key, r.End) < 0
}

// Task status values.
const (
	TaskStatusRunning = "running"
	TaskStatusFailed  = "failed"
	TaskStatusPaused  = "paused"
)

// ValidateTaskName rejects names that cannot be used as a key segment. Store
// layouts separate the task from the region id with '/', so a name holding
// one would alias another task's keys.
func ValidateTaskName(name string) error {
	switch {
	case name == "":
		return NewInvalidRequestError("task name is required")
	case strings.ContainsRune(name, '/'):
		return NewInvalidRequestError(fmt.Sprintf("task name %q must not contain '/'", name))
	}
	return nil
}

// TaskInfo describes a log-backup task.
type TaskInfo struct {
	Name      string     `json:"name"`
	StartTS   TimeStamp  `json:"start_ts"`
	Ranges    []KeyRange `json:"ranges"`
	Status    string     `json:"status,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	FailedAt  string     `json:"failed_at,omitempty"`
}

// TaskSelector chooses which tasks an action applies to.
type TaskSelector struct {
	Name  string   `json:"name,omitempty"`
	Range KeyRange `json:"range,omitempty"`
	All   bool     `json:"all,omitempty"`
}

// SelectByName selects the task with the given name.
func SelectByName(name string) TaskSelector {
	return TaskSelector{Name: name}
}

// SelectByRange selects every task whose ranges overlap [start, end).
func SelectByRange(start, end []byte) TaskSelector {
	return TaskSelector{Range: KeyRange{Start: start, End: end}}
}

// SelectAll selects every task.
func SelectAll() TaskSelector {
	return TaskSelector{All: true}
}

// IsByRange reports whether s selects by key range.
func (s TaskSelector) IsByRange() bool {
	return s.Name == "" && !s.All
}

// Matches reports whether task is selected.
func (s TaskSelector) Matches(task TaskInfo) bool {
	switch {
	case s.All:
		return true
	case s.IsByRange():
		for _, r := range task.Ranges {
			if RangesOverlap(r.Start, r.End, s.Range.Start, s.Range.End) {
				return true
			}
		}
		return false
	default:
		return s.Name == task.Name
	}
}

func (s TaskSelector) String() string {
	switch {
	case s.All:
		return "all"
	case s.IsByRange():
		return fmt.Sprintf("range[%x, %x)", s.Range.Start, s.Range.End)
	default:
		return "name:" + s.Name
	}
}

// FatalEvent is published when a task can no longer make progress.
type FatalEvent struct {
	Selector string   `json:"selector"`
	Tasks    []string `json:"tasks"`
	Error    string   `json:"error"`
	At       string   `json:"at"`
}
