// Package scheduler periodically resolves region checkpoints and advances
// the global checkpoint of every task.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kvstream/logbackup/internal/core"
)

// DefaultInterval is how often checkpoints are advanced.
const DefaultInterval = 5 * time.Second

// CheckpointWriter persists resolved checkpoints. Implementations never move
// a stored checkpoint backwards.
type CheckpointWriter interface {
	core.CheckpointUploader
	PutRegionCheckpoint(ctx context.Context, task string, regionID uint64, ts core.TimeStamp) error
}

// TaskSelector maps a key range to every task covering it.
type TaskSelector interface {
	Select(sel core.TaskSelector) []string
}

// Config configures the Scheduler.
type Config struct {
	Interval time.Duration
	// Timeout bounds one advance round. Zero means Interval.
	Timeout time.Duration
}

// Scheduler drives checkpoint advancement on a cron schedule.
type Scheduler struct {
	cfg       Config
	submitter core.Submitter
	tasks     TaskSelector
	writer    CheckpointWriter
	cron      *cron.Cron
	stop      chan struct{}
	now       func() time.Time
	log       *slog.Logger
}

// New creates a Scheduler.
func New(cfg Config, submitter core.Submitter, tasks TaskSelector, writer CheckpointWriter) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	return &Scheduler{
		cfg:       cfg,
		submitter: submitter,
		tasks:     tasks,
		writer:    writer,
		stop:      make(chan struct{}),
		now:       time.Now,
		log:       slog.Default().With("component", "scheduler"),
	}
}

// Start schedules advancement rounds. A round still running when the next
// is due makes the next one skip.
func (s *Scheduler) Start() error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	schedule := fmt.Sprintf("@every %s", s.cfg.Interval)
	if _, err := c.AddFunc(schedule, s.tick); err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}
	s.cron = c
	c.Start()
	s.log.Info("checkpoint advancer started", "interval", s.cfg.Interval)
	return nil
}

// Stop stops scheduling and waits for a running round. It is idempotent.
func (s *Scheduler) Stop() {
	select {
	case <-s.stop:
		return
	default:
		close(s.stop)
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := s.Advance(ctx); err != nil {
		s.log.Warn("checkpoint advance failed", "error", err)
	}
}

// Advance runs one round: it resolves the observed regions at the current
// time, persists their checkpoints and uploads each task's minimum as its
// global checkpoint. Tasks with no observed region are left untouched.
func (s *Scheduler) Advance(ctx context.Context) (map[string]core.TimeStamp, error) {
	resolved, err := s.resolve(ctx, core.TimeStampFromTime(s.now()))
	if err != nil {
		return nil, err
	}

	globals := make(map[string]core.TimeStamp)
	for _, item := range resolved.Items {
		for _, task := range s.tasks.Select(core.SelectByRange(item.Region.StartKey, item.Region.EndKey)) {
			if cur, ok := globals[task]; !ok || item.Checkpoint < cur {
				globals[task] = item.Checkpoint
			}
			if item.Type == core.CheckpointStartTsOfInitialScan {
				continue
			}
			if err := s.writer.PutRegionCheckpoint(ctx, task, item.Region.ID, item.Checkpoint); err != nil {
				s.log.Warn("failed to store region checkpoint", "task", task, "region", item.Region, "error", err)
			}
		}
	}

	for task, ts := range globals {
		if err := s.writer.UploadGlobalCheckpoint(ctx, task, ts); err != nil {
			return globals, fmt.Errorf("upload checkpoint of task %s: %w", task, err)
		}
		s.log.Debug("global checkpoint advanced", "task", task, "checkpoint", ts)
	}
	return globals, nil
}

func (s *Scheduler) resolve(ctx context.Context, minTS core.TimeStamp) (core.ResolvedRegions, error) {
	ch := make(chan core.ResolvedRegions, 1)
	op := core.ResolveRegions{
		MinTS:    minTS,
		Callback: func(r core.ResolvedRegions) { ch <- r },
	}
	if err := s.submitter.Request(ctx, op); err != nil {
		return core.ResolvedRegions{}, fmt.Errorf("request resolve: %w", err)
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return core.ResolvedRegions{}, ctx.Err()
	}
}
