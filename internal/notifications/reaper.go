package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RetentionConfig contains retention reaper configuration.
type RetentionConfig struct {
	Days     int
	Schedule string // standard 5-field cron spec or a descriptor like "@daily"
}

// DefaultRetentionConfig returns default retention configuration.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Days:     90,
		Schedule: "@daily",
	}
}

// Purger removes rows older than a cutoff.
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (entries, logs int64, err error)
}

// PurgeResult reports what one reaper run removed.
type PurgeResult struct {
	Cutoff       time.Time `json:"cutoff"`
	QueueEntries int64     `json:"queue_entries"`
	LogEntries   int64     `json:"log_entries"`
}

// Reaper periodically deletes terminal queue entries and log records
// older than the retention window.
type Reaper struct {
	config RetentionConfig
	store  Purger
	clock  Clock
	parser cron.Parser

	mu sync.Mutex
	c  *cron.Cron
}

// NewReaper creates a new Reaper.
func NewReaper(config RetentionConfig, store Purger, clock Clock) *Reaper {
	return &Reaper{
		config: config,
		store:  store,
		clock:  clock,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// RunOnce purges everything older than the retention window.
func (r *Reaper) RunOnce(ctx context.Context) (*PurgeResult, error) {
	if r.config.Days <= 0 {
		return nil, NewValidationError("retention_days", "must be positive")
	}
	cutoff := r.clock.Now().AddDate(0, 0, -r.config.Days)

	entries, logs, err := r.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("purge before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	recordPurged(entries, logs)

	slog.Info("retention purge finished",
		"cutoff", cutoff,
		"queue_entries", entries,
		"log_entries", logs,
	)
	return &PurgeResult{Cutoff: cutoff, QueueEntries: entries, LogEntries: logs}, nil
}

// Start schedules RunOnce. A zero retention disables the reaper.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil || r.config.Days <= 0 {
		return nil
	}

	schedule, err := r.parser.Parse(r.config.Schedule)
	if err != nil {
		return fmt.Errorf("parse retention schedule %q: %w", r.config.Schedule, err)
	}

	r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(time.UTC))
	r.c.Schedule(schedule, cron.FuncJob(func() {
		if _, err := r.RunOnce(ctx); err != nil {
			slog.Error("retention purge failed", "error", err)
		}
	}))
	r.c.Start()

	slog.Info("retention reaper started", "schedule", r.config.Schedule, "days", r.config.Days)
	return nil
}

// Stop stops scheduling and waits for a running purge.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c == nil {
		return
	}
	<-r.c.Stop().Done()
	r.c = nil
	slog.Info("retention reaper stopped")
}
