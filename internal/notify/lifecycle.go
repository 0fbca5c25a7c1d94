// Package notify implements the scheduled-notification lifecycle:
// create, cancel, reads, and the bulk variants. It exclusively owns
// status transitions out of PENDING and SCHEDULED on the caller path;
// terminal SENT/FAILED transitions belong to the dispatcher.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/showtimehq/showtime/internal/db"
	"github.com/showtimehq/showtime/internal/queue"
)

// Repository is the slice of the record store the lifecycle manager needs.
type Repository interface {
	CreateNotification(ctx context.Context, n *db.ScheduledNotification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*db.ScheduledNotification, error)
	ListNotificationsByOwner(ctx context.Context, ownerID uuid.UUID, status string, limit, offset int) ([]*db.ScheduledNotification, error)
	CountNotificationsByStatus(ctx context.Context, ownerID uuid.UUID) (map[string]int, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, expected, newStatus string, failureReason *string) (bool, error)
	ListStuckPending(ctx context.Context, olderThan time.Duration, limit int) ([]*db.ScheduledNotification, error)
}

// Service is the lifecycle manager.
type Service struct {
	repo   Repository
	queue  queue.Queue
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a lifecycle manager.
func NewService(repo Repository, q queue.Queue, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		queue:  q,
		logger: logger,
		now:    time.Now,
	}
}

// JobKey is the queue de-duplication key for a user-created notification.
func JobKey(id uuid.UUID) string {
	return "notification:" + id.String()
}

// CreateParams carries the input for scheduling one notification.
type CreateParams struct {
	OwnerID     uuid.UUID
	ConcertID   *uuid.UUID
	Title       string
	Message     string
	ScheduledAt time.Time
	Data        json.RawMessage
}

// Create validates the input, persists a PENDING record, enqueues the
// delivery job, and flips the record to SCHEDULED. If the enqueue fails
// the record stays PENDING (visible for operator reconciliation) and a
// DependencyError is returned.
func (s *Service) Create(ctx context.Context, p CreateParams) (*db.ScheduledNotification, error) {
	now := s.now()

	if p.Title == "" {
		return nil, &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if p.Message == "" {
		return nil, &ValidationError{Field: "message", Reason: "must not be empty"}
	}
	if p.ScheduledAt.IsZero() {
		return nil, &ValidationError{Field: "scheduled_at", Reason: "is required"}
	}
	if !p.ScheduledAt.After(now) {
		return nil, &ValidationError{Field: "scheduled_at", Reason: "must be in the future"}
	}
	if len(p.Data) > 0 && !json.Valid(p.Data) {
		return nil, &ValidationError{Field: "data", Reason: "must be valid JSON"}
	}

	ownerID := p.OwnerID
	n := &db.ScheduledNotification{
		ID:          uuid.New(),
		OwnerUserID: &ownerID,
		ConcertID:   p.ConcertID,
		Title:       p.Title,
		Message:     p.Message,
		Data:        p.Data,
		ScheduledAt: p.ScheduledAt.UTC(),
		Status:      db.StatusPending,
	}

	if err := s.repo.CreateNotification(ctx, n); err != nil {
		return nil, &DependencyError{Op: "persist notification", Err: err}
	}

	payload := queue.Payload{
		Kind:           queue.KindScheduled,
		NotificationID: n.ID.String(),
	}

	err := s.queue.Enqueue(ctx, JobKey(n.ID), payload, n.ScheduledAt.Sub(now))
	if err != nil {
		// User-created ids are unique by construction, so a duplicate key
		// is a real fault, not an idempotent re-run. Either way the record
		// stays PENDING for reconciliation.
		if errors.Is(err, queue.ErrDuplicateJob) {
			s.logger.Error("job key collision for user-created notification",
				zap.String("notification_id", n.ID.String()),
			)
		}
		return nil, &DependencyError{Op: "enqueue notification job", Err: err}
	}

	ok, err := s.repo.TransitionStatus(ctx, n.ID, db.StatusPending, db.StatusScheduled, nil)
	if err != nil {
		return nil, &DependencyError{Op: "mark notification scheduled", Err: err}
	}
	if !ok {
		s.logger.Warn("notification left pending state before scheduling flip",
			zap.String("notification_id", n.ID.String()),
		)
	} else {
		n.Status = db.StatusScheduled
	}

	s.logger.Info("notification scheduled",
		zap.String("notification_id", n.ID.String()),
		zap.String("owner_user_id", ownerID.String()),
		zap.Time("scheduled_at", n.ScheduledAt),
	)

	return n, nil
}

// Cancel transitions a PENDING or SCHEDULED notification to CANCELLED.
// The queued job is removed best-effort; a job that slips through and
// fires anyway is a no-op at the dispatcher. Privileged callers skip the
// ownership check.
func (s *Service) Cancel(ctx context.Context, id, callerID uuid.UUID, privileged bool) (*db.ScheduledNotification, error) {
	n, err := s.repo.GetNotification(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, &NotFoundError{ID: id}
		}
		return nil, &DependencyError{Op: "load notification", Err: err}
	}

	if !privileged {
		if n.OwnerUserID == nil || *n.OwnerUserID != callerID {
			return nil, &ForbiddenError{ID: id}
		}
	}

	if db.Terminal(n.Status) {
		return nil, &InvalidStateError{ID: id, Status: n.Status}
	}

	if err := s.queue.Remove(ctx, JobKey(id)); err != nil {
		// Not fatal: the dispatcher re-checks status at fire time.
		s.logger.Warn("failed to remove queued job on cancel",
			zap.String("notification_id", id.String()),
			zap.Error(err),
		)
	}

	ok, err := s.repo.TransitionStatus(ctx, id, n.Status, db.StatusCancelled, nil)
	if err != nil {
		return nil, &DependencyError{Op: "cancel notification", Err: err}
	}
	if !ok {
		// Lost the race against a concurrent fire or cancel. Re-read to
		// report the winner's state.
		current, err := s.repo.GetNotification(ctx, id)
		if err != nil {
			return nil, &DependencyError{Op: "load notification", Err: err}
		}
		s.logger.Info("cancel lost race with concurrent transition",
			zap.String("notification_id", id.String()),
			zap.String("status", current.Status),
		)
		if current.Status == db.StatusCancelled {
			return current, nil
		}
		return nil, &InvalidStateError{ID: id, Status: current.Status}
	}

	now := s.now().UTC()
	n.Status = db.StatusCancelled
	n.CancelledAt = &now

	s.logger.Info("notification cancelled",
		zap.String("notification_id", id.String()),
	)

	return n, nil
}

// GetByID reads one notification, enforcing ownership.
func (s *Service) GetByID(ctx context.Context, id, callerID uuid.UUID, privileged bool) (*db.ScheduledNotification, error) {
	n, err := s.repo.GetNotification(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, &NotFoundError{ID: id}
		}
		return nil, &DependencyError{Op: "load notification", Err: err}
	}

	if !privileged && (n.OwnerUserID == nil || *n.OwnerUserID != callerID) {
		return nil, &ForbiddenError{ID: id}
	}

	return n, nil
}

// ListByOwner reads an owner's notifications with an optional status
// filter (empty means all).
func (s *Service) ListByOwner(ctx context.Context, ownerID uuid.UUID, status string, limit, offset int) ([]*db.ScheduledNotification, error) {
	if status != "" {
		switch status {
		case db.StatusPending, db.StatusScheduled, db.StatusSent, db.StatusCancelled, db.StatusFailed:
		default:
			return nil, &ValidationError{Field: "status", Reason: "unknown status " + status}
		}
	}

	items, err := s.repo.ListNotificationsByOwner(ctx, ownerID, status, limit, offset)
	if err != nil {
		return nil, &DependencyError{Op: "list notifications", Err: err}
	}
	return items, nil
}

// RecoverStuck re-enqueues notifications that stayed PENDING past
// olderThan, the residue of a crash between the insert and the enqueue.
// Records whose schedule time already passed are marked FAILED instead.
// Returns the number of notifications moved out of PENDING.
func (s *Service) RecoverStuck(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stuck, err := s.repo.ListStuckPending(ctx, olderThan, limit)
	if err != nil {
		return 0, &DependencyError{Op: "list stuck notifications", Err: err}
	}

	recovered := 0
	for _, n := range stuck {
		now := s.now()

		if !n.ScheduledAt.After(now) {
			reason := "stuck in pending past schedule time"
			ok, err := s.repo.TransitionStatus(ctx, n.ID, db.StatusPending, db.StatusFailed, &reason)
			if err != nil {
				s.logger.Error("failed to expire stuck notification",
					zap.String("notification_id", n.ID.String()),
					zap.Error(err),
				)
				continue
			}
			if ok {
				recovered++
			}
			continue
		}

		payload := queue.Payload{
			Kind:           queue.KindScheduled,
			NotificationID: n.ID.String(),
		}
		err := s.queue.Enqueue(ctx, JobKey(n.ID), payload, n.ScheduledAt.Sub(now))
		if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
			s.logger.Error("failed to re-enqueue stuck notification",
				zap.String("notification_id", n.ID.String()),
				zap.Error(err),
			)
			continue
		}

		ok, err := s.repo.TransitionStatus(ctx, n.ID, db.StatusPending, db.StatusScheduled, nil)
		if err != nil {
			s.logger.Error("failed to mark recovered notification scheduled",
				zap.String("notification_id", n.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if ok {
			recovered++
			s.logger.Info("recovered stuck notification",
				zap.String("notification_id", n.ID.String()),
				zap.Time("scheduled_at", n.ScheduledAt),
			)
		}
	}

	return recovered, nil
}

// OwnerStats summarises one owner's notifications by status.
type OwnerStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// Stats returns per-status counts for one owner.
func (s *Service) Stats(ctx context.Context, ownerID uuid.UUID) (*OwnerStats, error) {
	counts, err := s.repo.CountNotificationsByStatus(ctx, ownerID)
	if err != nil {
		return nil, &DependencyError{Op: "count notifications", Err: err}
	}

	stats := &OwnerStats{ByStatus: counts}
	for _, c := range counts {
		stats.Total += c
	}
	return stats, nil
}
