package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/showtimehq/showtime/internal/db"
	"github.com/showtimehq/showtime/internal/queue"
)

type fakeCatalog struct {
	concerts []*db.Concert
	err      error
}

func (f *fakeCatalog) ActiveConcertsInWindow(ctx context.Context, from, to time.Time) ([]*db.Concert, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.concerts, nil
}

type fakeQueue struct {
	jobs   map[string]queue.Payload
	delays map[string]time.Duration
	errFor map[string]error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		jobs:   make(map[string]queue.Payload),
		delays: make(map[string]time.Duration),
		errFor: make(map[string]error),
	}
}

func (f *fakeQueue) Enqueue(ctx context.Context, key string, p queue.Payload, delay time.Duration) error {
	if err, ok := f.errFor[key]; ok {
		return err
	}
	if _, exists := f.jobs[key]; exists {
		return queue.ErrDuplicateJob
	}
	f.jobs[key] = p
	f.delays[key] = delay
	return nil
}

func (f *fakeQueue) Remove(ctx context.Context, key string) error {
	delete(f.jobs, key)
	return nil
}

func newTestGenerator(cat *fakeCatalog, q *fakeQueue, now time.Time) *Generator {
	g := NewGenerator(cat, q, Config{}, zap.NewNop())
	g.now = func() time.Time { return now }
	return g
}

func TestSweep_EnqueuesAllLeadTimes(t *testing.T) {
	now := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	performance := now.Add(60 * time.Hour) // inside the [48h, 72h) window

	concert := &db.Concert{
		ID:           uuid.New(),
		Title:        "Arena Night",
		Status:       db.ConcertUpcoming,
		Performances: []time.Time{performance},
	}

	q := newFakeQueue()
	g := newTestGenerator(&fakeCatalog{concerts: []*db.Concert{concert}}, q, now)

	stats, err := g.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.JobsEnqueued != 3 {
		t.Fatalf("expected 3 jobs, got %d", stats.JobsEnqueued)
	}

	// One job per lead time, with deterministic keys.
	for _, suffix := range []string{"1440min", "180min", "60min"} {
		found := false
		for key := range q.jobs {
			if strings.HasSuffix(key, suffix) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected a job key ending in %s", suffix)
		}
	}

	// Delays land exactly at performance minus lead.
	for _, lead := range DefaultLeadTimes {
		key := ReminderJobKey(concert.ID, performance, lead)
		p, ok := q.jobs[key]
		if !ok {
			t.Fatalf("missing job %s", key)
		}
		if p.Kind != queue.KindReminder {
			t.Errorf("expected kind reminder, got %q", p.Kind)
		}
		if p.ConcertID != concert.ID.String() {
			t.Errorf("concert id mismatch in payload")
		}
		want := performance.Add(-lead).Sub(now)
		if q.delays[key] != want {
			t.Errorf("lead %s: expected delay %s, got %s", lead, want, q.delays[key])
		}
	}
}

func TestSweep_SkipsPastLeadTimes(t *testing.T) {
	now := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	// With a 30-minute horizon every default lead time is in the past.
	performance := now.Add(30 * time.Minute)

	concert := &db.Concert{
		ID:           uuid.New(),
		Title:        "Club Show",
		Status:       db.ConcertUpcoming,
		Performances: []time.Time{performance},
	}

	q := newFakeQueue()
	g := newTestGenerator(&fakeCatalog{concerts: []*db.Concert{concert}}, q, now)
	// Widen the window so the near-term performance is visible to the sweep.
	g.config.WindowOffset = time.Minute
	g.config.WindowLength = 24 * time.Hour

	stats, err := g.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.JobsEnqueued != 0 {
		t.Errorf("expected 0 jobs, got %d", stats.JobsEnqueued)
	}
	if stats.SkippedPast != 3 {
		t.Errorf("expected 3 skipped, got %d", stats.SkippedPast)
	}
}

func TestSweep_PartiallyPastLeadTimes(t *testing.T) {
	now := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	// Two hours out: the 24h and 3h reminders are already past, the 1h
	// reminder still fits.
	performance := now.Add(2 * time.Hour)

	concert := &db.Concert{
		ID:           uuid.New(),
		Title:        "Matinee",
		Status:       db.ConcertUpcoming,
		Performances: []time.Time{performance},
	}

	q := newFakeQueue()
	g := newTestGenerator(&fakeCatalog{concerts: []*db.Concert{concert}}, q, now)
	g.config.WindowOffset = time.Minute
	g.config.WindowLength = 24 * time.Hour

	stats, err := g.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.JobsEnqueued != 1 {
		t.Errorf("expected 1 job, got %d", stats.JobsEnqueued)
	}
	if stats.SkippedPast != 2 {
		t.Errorf("expected 2 skipped, got %d", stats.SkippedPast)
	}

	key := ReminderJobKey(concert.ID, performance, time.Hour)
	if _, ok := q.jobs[key]; !ok {
		t.Errorf("expected the 60min job %s", key)
	}
}

func TestSweep_IsIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	performance := now.Add(60 * time.Hour)

	concert := &db.Concert{
		ID:           uuid.New(),
		Title:        "Arena Night",
		Status:       db.ConcertUpcoming,
		Performances: []time.Time{performance},
	}

	q := newFakeQueue()
	g := newTestGenerator(&fakeCatalog{concerts: []*db.Concert{concert}}, q, now)

	if _, err := g.Sweep(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	stats, err := g.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	if stats.JobsEnqueued != 0 {
		t.Errorf("second sweep enqueued %d new jobs, want 0", stats.JobsEnqueued)
	}
	if stats.Duplicates != 3 {
		t.Errorf("expected 3 duplicates, got %d", stats.Duplicates)
	}
	if len(q.jobs) != 3 {
		t.Errorf("expected 3 total jobs, got %d", len(q.jobs))
	}
}

func TestSweep_ConcertErrorDoesNotAbort(t *testing.T) {
	now := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	performance := now.Add(60 * time.Hour)

	broken := &db.Concert{
		ID:           uuid.New(),
		Title:        "Broken",
		Status:       db.ConcertUpcoming,
		Performances: []time.Time{performance},
	}
	healthy := &db.Concert{
		ID:           uuid.New(),
		Title:        "Healthy",
		Status:       db.ConcertUpcoming,
		Performances: []time.Time{performance},
	}

	q := newFakeQueue()
	// First lead of the broken concert fails hard.
	q.errFor[ReminderJobKey(broken.ID, performance, 24*time.Hour)] = errors.New("redis down")

	g := newTestGenerator(&fakeCatalog{concerts: []*db.Concert{broken, healthy}}, q, now)

	stats, err := g.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.ConcertErrors != 1 {
		t.Errorf("expected 1 concert error, got %d", stats.ConcertErrors)
	}
	// The healthy concert still got all three reminders.
	for _, lead := range DefaultLeadTimes {
		if _, ok := q.jobs[ReminderJobKey(healthy.ID, performance, lead)]; !ok {
			t.Errorf("healthy concert missing %s reminder", lead)
		}
	}
}

func TestReminderJobKey_Format(t *testing.T) {
	id := uuid.MustParse("6e923861-0d3f-4b5b-8f3a-111111111111")
	performance := time.Date(2026, 4, 1, 20, 0, 0, 0, time.UTC)

	key := ReminderJobKey(id, performance, 3*time.Hour)
	want := fmt.Sprintf("reminder:%s:%d:180min", id, performance.Unix())
	if key != want {
		t.Errorf("expected %s, got %s", want, key)
	}
}

func TestTask_Restartable(t *testing.T) {
	now := time.Now()
	q := newFakeQueue()
	g := newTestGenerator(&fakeCatalog{}, q, now)
	task := NewTask(g, 6, zap.NewNop())

	ctx := context.Background()
	task.Start(ctx)
	task.Stop()

	// A stopped task must come back up cleanly.
	task.Start(ctx)
	task.Stop()
}

func TestTask_UntilNextSweep(t *testing.T) {
	task := NewTask(nil, 6, zap.NewNop())

	tests := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{
			name: "before sweep hour",
			now:  time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC),
			want: 2 * time.Hour,
		},
		{
			name: "after sweep hour rolls to tomorrow",
			now:  time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC),
			want: 23 * time.Hour,
		},
		{
			name: "exactly at sweep hour rolls to tomorrow",
			now:  time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC),
			want: 24 * time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := task.untilNextSweep(tt.now); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
