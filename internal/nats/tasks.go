package nats

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/kvstream/logbackup/internal/core"
	"github.com/kvstream/logbackup/internal/kv"
)

// SyncTasks mirrors running tasks from the tasks bucket into reg until ctx
// is done. It returns once the initial values are loaded; updates are
// applied in the background.
func SyncTasks(ctx context.Context, store *kv.TaskStore, reg TaskRegistry) error {
	w, err := store.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch tasks: %w", err)
	}

	log := slog.Default().With("component", "task-sync")
	loaded := make(chan struct{})
	go func() {
		defer func() { _ = w.Stop() }()
		initial := true
		for {
			select {
			case <-ctx.Done():
				if initial {
					close(loaded)
				}
				return
			case entry, ok := <-w.Updates():
				if !ok {
					if initial {
						close(loaded)
					}
					return
				}
				if entry == nil {
					if initial {
						initial = false
						close(loaded)
					}
					continue
				}
				applyTaskEntry(log, reg, entry)
			}
		}
	}()

	select {
	case <-loaded:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func applyTaskEntry(log *slog.Logger, reg TaskRegistry, entry jetstream.KeyValueEntry) {
	name := entry.Key()
	if entry.Operation() != jetstream.KeyValuePut {
		if reg.Unregister(name) {
			log.Info("task removed", "task", name)
		}
		return
	}
	info, err := kv.DecodeTask(entry.Value())
	if err != nil {
		log.Warn("skipping unreadable task", "task", name, "error", err)
		return
	}
	if info.Status != "" && info.Status != core.TaskStatusRunning {
		if reg.Unregister(name) {
			log.Info("task stopped", "task", name, "status", info.Status)
		}
		return
	}
	reg.Register(info)
	log.Info("task registered", "task", name, "start_ts", info.StartTS, "ranges", len(info.Ranges))
}
