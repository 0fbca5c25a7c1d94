// Package scheduler produces the multi-stage concert reminder jobs. The
// sweep is idempotent: job keys are deterministic functions of the
// concert, performance time, and lead time, and the queue rejects
// duplicates, so overlapping windows across daily runs (and concurrent
// sweeps from multiple instances) create each job exactly once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/showtimehq/showtime/internal/catalog"
	"github.com/showtimehq/showtime/internal/db"
	"github.com/showtimehq/showtime/internal/metrics"
	"github.com/showtimehq/showtime/internal/queue"
)

// DefaultLeadTimes are how far before a performance each reminder fires.
var DefaultLeadTimes = []time.Duration{
	24 * time.Hour,
	3 * time.Hour,
	time.Hour,
}

// Config tunes the sweep window and lead times.
type Config struct {
	// LeadTimes, ordered longest first. Defaults to DefaultLeadTimes.
	LeadTimes []time.Duration

	// WindowOffset is how far ahead the sweep window starts. Default 48h.
	WindowOffset time.Duration

	// WindowLength is the width of the half-open window. Default 24h,
	// matching a daily sweep cadence.
	WindowLength time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.LeadTimes) == 0 {
		c.LeadTimes = DefaultLeadTimes
	}
	if c.WindowOffset == 0 {
		c.WindowOffset = 48 * time.Hour
	}
	if c.WindowLength == 0 {
		c.WindowLength = 24 * time.Hour
	}
	return c
}

// ReminderJobKey is the deterministic queue key for one reminder job.
func ReminderJobKey(concertID uuid.UUID, performance time.Time, lead time.Duration) string {
	return fmt.Sprintf("reminder:%s:%d:%dmin", concertID, performance.Unix(), int(lead.Minutes()))
}

// Generator scans the catalog window and enqueues reminder jobs.
type Generator struct {
	catalog catalog.Reader
	queue   queue.Queue
	config  Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewGenerator creates a reminder generator.
func NewGenerator(reader catalog.Reader, q queue.Queue, cfg Config, logger *zap.Logger) *Generator {
	return &Generator{
		catalog: reader,
		queue:   q,
		config:  cfg.withDefaults(),
		logger:  logger,
		now:     time.Now,
	}
}

// SweepStats are the aggregate counts of one sweep.
type SweepStats struct {
	ConcertsScanned int
	JobsEnqueued    int
	Duplicates      int
	SkippedPast     int
	ConcertErrors   int
}

// Sweep runs one pass over the catalog window. A failure handling one
// concert is logged and counted; the sweep continues with the rest.
func (g *Generator) Sweep(ctx context.Context) (SweepStats, error) {
	cfg := g.config
	now := g.now()
	from := now.Add(cfg.WindowOffset)
	to := from.Add(cfg.WindowLength)

	var stats SweepStats

	concerts, err := g.catalog.ActiveConcertsInWindow(ctx, from, to)
	if err != nil {
		return stats, fmt.Errorf("scan catalog window: %w", err)
	}

	for _, c := range concerts {
		stats.ConcertsScanned++
		if err := g.sweepConcert(ctx, c, now, &stats); err != nil {
			stats.ConcertErrors++
			g.logger.Error("failed to generate reminders for concert",
				zap.String("concert_id", c.ID.String()),
				zap.Error(err),
			)
		}
	}

	metrics.RecordReminderJobsEnqueued(stats.JobsEnqueued)
	metrics.RecordReminderJobsDeduplicated(stats.Duplicates)

	g.logger.Info("reminder sweep completed",
		zap.Time("window_from", from),
		zap.Time("window_to", to),
		zap.Int("concerts_scanned", stats.ConcertsScanned),
		zap.Int("jobs_enqueued", stats.JobsEnqueued),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("skipped_past", stats.SkippedPast),
		zap.Int("concert_errors", stats.ConcertErrors),
	)

	return stats, nil
}

func (g *Generator) sweepConcert(ctx context.Context, c *db.Concert, now time.Time, stats *SweepStats) error {
	for _, performance := range c.Performances {
		for _, lead := range g.config.LeadTimes {
			notifyAt := performance.Add(-lead)
			if !notifyAt.After(now) {
				stats.SkippedPast++
				continue
			}

			payload := queue.Payload{
				Kind:          queue.KindReminder,
				ConcertID:     c.ID.String(),
				ConcertTitle:  c.Title,
				PerformanceAt: performance,
				LeadMinutes:   int(lead.Minutes()),
			}

			key := ReminderJobKey(c.ID, performance, lead)
			err := g.queue.Enqueue(ctx, key, payload, notifyAt.Sub(now))
			if errors.Is(err, queue.ErrDuplicateJob) {
				// An earlier sweep already created this job.
				stats.Duplicates++
				continue
			}
			if err != nil {
				return fmt.Errorf("enqueue %s: %w", key, err)
			}

			stats.JobsEnqueued++
		}
	}

	return nil
}
