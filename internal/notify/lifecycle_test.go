package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/showtimehq/showtime/internal/db"
	"github.com/showtimehq/showtime/internal/queue"
)

// fakeRepo is an in-memory Repository.
type fakeRepo struct {
	notifications map[uuid.UUID]*db.ScheduledNotification
	createErr     error
	transitionErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{notifications: make(map[uuid.UUID]*db.ScheduledNotification)}
}

func (f *fakeRepo) CreateNotification(ctx context.Context, n *db.ScheduledNotification) error {
	if f.createErr != nil {
		return f.createErr
	}
	n.CreatedAt = time.Now().UTC()
	copied := *n
	f.notifications[n.ID] = &copied
	return nil
}

func (f *fakeRepo) GetNotification(ctx context.Context, id uuid.UUID) (*db.ScheduledNotification, error) {
	n, ok := f.notifications[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *n
	return &copied, nil
}

func (f *fakeRepo) ListNotificationsByOwner(ctx context.Context, ownerID uuid.UUID, status string, limit, offset int) ([]*db.ScheduledNotification, error) {
	var out []*db.ScheduledNotification
	for _, n := range f.notifications {
		if n.OwnerUserID == nil || *n.OwnerUserID != ownerID {
			continue
		}
		if status != "" && n.Status != status {
			continue
		}
		copied := *n
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeRepo) CountNotificationsByStatus(ctx context.Context, ownerID uuid.UUID) (map[string]int, error) {
	counts := make(map[string]int)
	for _, n := range f.notifications {
		if n.OwnerUserID != nil && *n.OwnerUserID == ownerID {
			counts[n.Status]++
		}
	}
	return counts, nil
}

func (f *fakeRepo) TransitionStatus(ctx context.Context, id uuid.UUID, expected, newStatus string, failureReason *string) (bool, error) {
	if f.transitionErr != nil {
		return false, f.transitionErr
	}
	n, ok := f.notifications[id]
	if !ok || n.Status != expected {
		return false, nil
	}
	n.Status = newStatus
	n.FailureReason = failureReason
	return true, nil
}

func (f *fakeRepo) ListStuckPending(ctx context.Context, olderThan time.Duration, limit int) ([]*db.ScheduledNotification, error) {
	var out []*db.ScheduledNotification
	for _, n := range f.notifications {
		if n.Status != db.StatusPending {
			continue
		}
		copied := *n
		out = append(out, &copied)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// fakeQueue records enqueued jobs and rejects duplicate keys.
type fakeQueue struct {
	jobs       map[string]queue.Payload
	delays     map[string]time.Duration
	removed    []string
	enqueueErr error
	removeErr  error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		jobs:   make(map[string]queue.Payload),
		delays: make(map[string]time.Duration),
	}
}

func (f *fakeQueue) Enqueue(ctx context.Context, key string, p queue.Payload, delay time.Duration) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	if _, exists := f.jobs[key]; exists {
		return queue.ErrDuplicateJob
	}
	f.jobs[key] = p
	f.delays[key] = delay
	return nil
}

func (f *fakeQueue) Remove(ctx context.Context, key string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.jobs, key)
	delete(f.delays, key)
	f.removed = append(f.removed, key)
	return nil
}

func newTestService(repo *fakeRepo, q *fakeQueue, now time.Time) *Service {
	s := NewService(repo, q, zap.NewNop())
	s.now = func() time.Time { return now }
	return s
}

func TestCreate_SchedulesNotification(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	q := newFakeQueue()
	s := newTestService(repo, q, now)

	owner := uuid.New()
	scheduledAt := now.Add(2 * time.Hour)

	n, err := s.Create(context.Background(), CreateParams{
		OwnerID:     owner,
		Title:       "Tickets on sale",
		Message:     "Grab yours now",
		ScheduledAt: scheduledAt,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n.Status != db.StatusScheduled {
		t.Errorf("expected status %q, got %q", db.StatusScheduled, n.Status)
	}
	if n.OwnerUserID == nil || *n.OwnerUserID != owner {
		t.Error("owner not set on notification")
	}

	key := JobKey(n.ID)
	p, ok := q.jobs[key]
	if !ok {
		t.Fatalf("expected job enqueued under %s", key)
	}
	if p.Kind != queue.KindScheduled {
		t.Errorf("expected kind %q, got %q", queue.KindScheduled, p.Kind)
	}
	if p.NotificationID != n.ID.String() {
		t.Errorf("payload notification id mismatch: %s", p.NotificationID)
	}
	if q.delays[key] != 2*time.Hour {
		t.Errorf("expected delay 2h, got %s", q.delays[key])
	}

	stored, _ := repo.GetNotification(context.Background(), n.ID)
	if stored.Status != db.StatusScheduled {
		t.Errorf("stored status should be scheduled, got %q", stored.Status)
	}
}

func TestCreate_Validation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)

	tests := []struct {
		name   string
		params CreateParams
		field  string
	}{
		{
			name:   "missing title",
			params: CreateParams{Message: "m", ScheduledAt: future},
			field:  "title",
		},
		{
			name:   "missing message",
			params: CreateParams{Title: "t", ScheduledAt: future},
			field:  "message",
		},
		{
			name:   "missing scheduled_at",
			params: CreateParams{Title: "t", Message: "m"},
			field:  "scheduled_at",
		},
		{
			name:   "scheduled_at in the past",
			params: CreateParams{Title: "t", Message: "m", ScheduledAt: now.Add(-time.Minute)},
			field:  "scheduled_at",
		},
		{
			name:   "scheduled_at exactly now",
			params: CreateParams{Title: "t", Message: "m", ScheduledAt: now},
			field:  "scheduled_at",
		},
		{
			name:   "malformed data",
			params: CreateParams{Title: "t", Message: "m", ScheduledAt: future, Data: []byte("{not json")},
			field:  "data",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			q := newFakeQueue()
			s := newTestService(repo, q, now)

			tt.params.OwnerID = uuid.New()
			_, err := s.Create(context.Background(), tt.params)

			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if validationErr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, validationErr.Field)
			}
			if len(repo.notifications) != 0 {
				t.Error("no record should be persisted on validation failure")
			}
			if len(q.jobs) != 0 {
				t.Error("no job should be enqueued on validation failure")
			}
		})
	}
}

func TestCreate_EnqueueFailureLeavesPending(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	q := newFakeQueue()
	q.enqueueErr = errors.New("redis down")
	s := newTestService(repo, q, now)

	_, err := s.Create(context.Background(), CreateParams{
		OwnerID:     uuid.New(),
		Title:       "t",
		Message:     "m",
		ScheduledAt: now.Add(time.Hour),
	})

	var depErr *DependencyError
	if !errors.As(err, &depErr) {
		t.Fatalf("expected DependencyError, got %v", err)
	}

	// The record must survive in PENDING for reconciliation.
	if len(repo.notifications) != 1 {
		t.Fatalf("expected 1 persisted record, got %d", len(repo.notifications))
	}
	for _, n := range repo.notifications {
		if n.Status != db.StatusPending {
			t.Errorf("expected pending, got %q", n.Status)
		}
	}
}

func TestCancel_Transitions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	owner := uuid.New()

	tests := []struct {
		name      string
		status    string
		wantErr   bool
		wantState string
	}{
		{name: "cancel pending", status: db.StatusPending},
		{name: "cancel scheduled", status: db.StatusScheduled},
		{name: "cancel sent", status: db.StatusSent, wantErr: true, wantState: db.StatusSent},
		{name: "cancel cancelled", status: db.StatusCancelled, wantErr: true, wantState: db.StatusCancelled},
		{name: "cancel failed", status: db.StatusFailed, wantErr: true, wantState: db.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			q := newFakeQueue()
			s := newTestService(repo, q, now)

			id := uuid.New()
			repo.notifications[id] = &db.ScheduledNotification{
				ID:          id,
				OwnerUserID: &owner,
				Title:       "t",
				Message:     "m",
				ScheduledAt: now.Add(time.Hour),
				Status:      tt.status,
			}

			n, err := s.Cancel(context.Background(), id, owner, false)

			if tt.wantErr {
				var stateErr *InvalidStateError
				if !errors.As(err, &stateErr) {
					t.Fatalf("expected InvalidStateError, got %v", err)
				}
				if stateErr.Status != tt.wantState {
					t.Errorf("expected reported status %q, got %q", tt.wantState, stateErr.Status)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if n.Status != db.StatusCancelled {
				t.Errorf("expected cancelled, got %q", n.Status)
			}
			if len(q.removed) != 1 || q.removed[0] != JobKey(id) {
				t.Errorf("expected job %s removed, got %v", JobKey(id), q.removed)
			}
		})
	}
}

func TestCancel_NotOwner(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	s := newTestService(repo, newFakeQueue(), now)

	owner := uuid.New()
	id := uuid.New()
	repo.notifications[id] = &db.ScheduledNotification{
		ID:          id,
		OwnerUserID: &owner,
		Status:      db.StatusScheduled,
	}

	_, err := s.Cancel(context.Background(), id, uuid.New(), false)

	var forbiddenErr *ForbiddenError
	if !errors.As(err, &forbiddenErr) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}

func TestCancel_PrivilegedSkipsOwnership(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	s := newTestService(repo, newFakeQueue(), now)

	owner := uuid.New()
	id := uuid.New()
	repo.notifications[id] = &db.ScheduledNotification{
		ID:          id,
		OwnerUserID: &owner,
		Status:      db.StatusScheduled,
	}

	n, err := s.Cancel(context.Background(), id, uuid.New(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Status != db.StatusCancelled {
		t.Errorf("expected cancelled, got %q", n.Status)
	}
}

func TestCancel_NotFound(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestService(newFakeRepo(), newFakeQueue(), now)

	_, err := s.Cancel(context.Background(), uuid.New(), uuid.New(), false)

	var notFoundErr *NotFoundError
	if !errors.As(err, &notFoundErr) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestCancel_QueueRemoveFailureIsNotFatal(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	q := newFakeQueue()
	q.removeErr = errors.New("redis down")
	s := newTestService(repo, q, now)

	owner := uuid.New()
	id := uuid.New()
	repo.notifications[id] = &db.ScheduledNotification{
		ID:          id,
		OwnerUserID: &owner,
		Status:      db.StatusScheduled,
	}

	n, err := s.Cancel(context.Background(), id, owner, false)
	if err != nil {
		t.Fatalf("cancel should survive a queue removal failure, got %v", err)
	}
	if n.Status != db.StatusCancelled {
		t.Errorf("expected cancelled, got %q", n.Status)
	}
}

func TestListByOwner_RejectsUnknownStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestService(newFakeRepo(), newFakeQueue(), now)

	_, err := s.ListByOwner(context.Background(), uuid.New(), "delivered", 20, 0)

	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestStats_SumsByStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	s := newTestService(repo, newFakeQueue(), now)

	owner := uuid.New()
	statuses := []string{db.StatusScheduled, db.StatusScheduled, db.StatusSent, db.StatusCancelled}
	for _, status := range statuses {
		id := uuid.New()
		repo.notifications[id] = &db.ScheduledNotification{ID: id, OwnerUserID: &owner, Status: status}
	}

	stats, err := s.Stats(context.Background(), owner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("expected total 4, got %d", stats.Total)
	}
	if stats.ByStatus[db.StatusScheduled] != 2 {
		t.Errorf("expected 2 scheduled, got %d", stats.ByStatus[db.StatusScheduled])
	}
}

func TestRecoverStuck_ReEnqueuesFutureAndFailsPast(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	q := newFakeQueue()
	s := newTestService(repo, q, now)

	owner := uuid.New()
	future := uuid.New()
	past := uuid.New()
	repo.notifications[future] = &db.ScheduledNotification{
		ID:          future,
		OwnerUserID: &owner,
		Status:      db.StatusPending,
		ScheduledAt: now.Add(3 * time.Hour),
	}
	repo.notifications[past] = &db.ScheduledNotification{
		ID:          past,
		OwnerUserID: &owner,
		Status:      db.StatusPending,
		ScheduledAt: now.Add(-10 * time.Minute),
	}

	recovered, err := s.RecoverStuck(context.Background(), 5*time.Minute, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recovered != 2 {
		t.Errorf("expected 2 recovered, got %d", recovered)
	}

	if _, ok := q.jobs[JobKey(future)]; !ok {
		t.Error("expected future notification to be re-enqueued")
	}
	if got := repo.notifications[future].Status; got != db.StatusScheduled {
		t.Errorf("expected future notification scheduled, got %q", got)
	}

	if _, ok := q.jobs[JobKey(past)]; ok {
		t.Error("past notification should not be re-enqueued")
	}
	if got := repo.notifications[past].Status; got != db.StatusFailed {
		t.Errorf("expected past notification failed, got %q", got)
	}
	if repo.notifications[past].FailureReason == nil {
		t.Error("expected failure reason on expired notification")
	}
}

func TestRecoverStuck_DuplicateJobKeyStillFlipsStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	q := newFakeQueue()
	s := newTestService(repo, q, now)

	owner := uuid.New()
	id := uuid.New()
	repo.notifications[id] = &db.ScheduledNotification{
		ID:          id,
		OwnerUserID: &owner,
		Status:      db.StatusPending,
		ScheduledAt: now.Add(time.Hour),
	}
	q.jobs[JobKey(id)] = queue.Payload{Kind: queue.KindScheduled, NotificationID: id.String()}

	recovered, err := s.RecoverStuck(context.Background(), 5*time.Minute, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recovered != 1 {
		t.Errorf("expected 1 recovered, got %d", recovered)
	}
	if got := repo.notifications[id].Status; got != db.StatusScheduled {
		t.Errorf("expected scheduled, got %q", got)
	}
}
