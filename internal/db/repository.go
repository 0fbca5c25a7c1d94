package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles persistence for scheduled notifications and
// delivery history.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = pgx.ErrNoRows

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const notificationColumns = `
	id, owner_user_id, concert_id, title, message, data,
	scheduled_at, status, failure_reason, created_at, sent_at, cancelled_at
`

func scanNotification(row pgx.Row) (*ScheduledNotification, error) {
	var n ScheduledNotification
	err := row.Scan(
		&n.ID,
		&n.OwnerUserID,
		&n.ConcertID,
		&n.Title,
		&n.Message,
		&n.Data,
		&n.ScheduledAt,
		&n.Status,
		&n.FailureReason,
		&n.CreatedAt,
		&n.SentAt,
		&n.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNotification inserts a new scheduled notification.
func (r *Repository) CreateNotification(ctx context.Context, n *ScheduledNotification) error {
	query := `
		INSERT INTO scheduled_notifications (
			id, owner_user_id, concert_id, title, message, data,
			scheduled_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		n.ID,
		n.OwnerUserID,
		n.ConcertID,
		n.Title,
		n.Message,
		n.Data,
		n.ScheduledAt,
		n.Status,
	).Scan(&n.CreatedAt)

	if err != nil {
		r.logger.Error("failed to create scheduled notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert scheduled notification: %w", err)
	}

	r.logger.Info("scheduled notification created",
		zap.String("notification_id", n.ID.String()),
		zap.Time("scheduled_at", n.ScheduledAt),
	)

	return nil
}

// GetNotification retrieves a scheduled notification by ID.
// Returns ErrNotFound when no row matches.
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*ScheduledNotification, error) {
	query := `SELECT ` + notificationColumns + ` FROM scheduled_notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Error("failed to get scheduled notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("query scheduled notification: %w", err)
	}

	return n, nil
}

// ListNotificationsByOwner retrieves an owner's notifications, newest
// first, optionally filtered by status (empty status means all).
func (r *Repository) ListNotificationsByOwner(ctx context.Context, ownerID uuid.UUID, status string, limit, offset int) ([]*ScheduledNotification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM scheduled_notifications
		WHERE owner_user_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, ownerID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*ScheduledNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// CountNotificationsByStatus returns per-status counts for one owner.
func (r *Repository) CountNotificationsByStatus(ctx context.Context, ownerID uuid.UUID) (map[string]int, error) {
	query := `
		SELECT status, COUNT(*)
		FROM scheduled_notifications
		WHERE owner_user_id = $1
		GROUP BY status
	`

	rows, err := r.db.Pool().Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("count notifications: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

// TransitionStatus performs a compare-and-set status update: the row moves
// to newStatus only if it is still in expected. Returns false when the row
// was not in the expected status, which is how a cancel racing a fire (or
// a duplicate fire) resolves without a lost update.
func (r *Repository) TransitionStatus(ctx context.Context, id uuid.UUID, expected, newStatus string, failureReason *string) (bool, error) {
	now := time.Now().UTC()
	var sentAt, cancelledAt *time.Time
	switch newStatus {
	case StatusSent:
		sentAt = &now
	case StatusCancelled:
		cancelledAt = &now
	}

	query := `
		UPDATE scheduled_notifications
		SET status = $1,
		    failure_reason = COALESCE($2, failure_reason),
		    sent_at = COALESCE($3, sent_at),
		    cancelled_at = COALESCE($4, cancelled_at)
		WHERE id = $5 AND status = $6
	`

	result, err := r.db.Pool().Exec(ctx, query, newStatus, failureReason, sentAt, cancelledAt, id, expected)
	if err != nil {
		r.logger.Error("failed to transition notification status",
			zap.Error(err),
			zap.String("notification_id", id.String()),
			zap.String("to", newStatus),
		)
		return false, fmt.Errorf("transition notification status: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// ListStuckPending returns notifications that never made it past PENDING
// (the enqueue failed after the insert). Exposed as the reconciliation
// extension point; no automatic retry loop consumes it yet.
func (r *Repository) ListStuckPending(ctx context.Context, olderThan time.Duration, limit int) ([]*ScheduledNotification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM scheduled_notifications
		WHERE status = $1 AND created_at < NOW() - $2::interval
		ORDER BY created_at ASC
		LIMIT $3
	`

	interval := fmt.Sprintf("%d seconds", int(olderThan.Seconds()))
	rows, err := r.db.Pool().Query(ctx, query, StatusPending, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("query stuck pending: %w", err)
	}
	defer rows.Close()

	var notifications []*ScheduledNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

// CreateDeliveryHistory inserts the per-recipient audit row for a
// successful send.
func (r *Repository) CreateDeliveryHistory(ctx context.Context, h *DeliveryHistory) error {
	query := `
		INSERT INTO delivery_history (
			id, recipient_user_id, notification_id, title, message, data,
			is_read, sent_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		h.ID,
		h.RecipientUserID,
		h.NotificationID,
		h.Title,
		h.Message,
		h.Data,
		h.IsRead,
		h.SentAt,
		h.ExpiresAt,
	)
	if err != nil {
		r.logger.Error("failed to create delivery history",
			zap.Error(err),
			zap.String("recipient_user_id", h.RecipientUserID.String()),
		)
		return fmt.Errorf("insert delivery history: %w", err)
	}

	return nil
}

// CountUnread returns the recipient's current unread delivery count.
// The dispatcher reads this before writing the new history row, so the
// outgoing badge is unread+1.
func (r *Repository) CountUnread(ctx context.Context, recipientID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM delivery_history
		WHERE recipient_user_id = $1 AND is_read = FALSE AND expires_at > NOW()
	`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, recipientID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}

	return count, nil
}

// MarkRead flips a delivery history row to read, scoped to its recipient.
func (r *Repository) MarkRead(ctx context.Context, recipientID, historyID uuid.UUID) error {
	query := `
		UPDATE delivery_history
		SET is_read = TRUE
		WHERE id = $1 AND recipient_user_id = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, historyID, recipientID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ListDeliveryHistory returns a recipient's history, newest first.
func (r *Repository) ListDeliveryHistory(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*DeliveryHistory, error) {
	query := `
		SELECT id, recipient_user_id, notification_id, title, message, data,
		       is_read, sent_at, expires_at
		FROM delivery_history
		WHERE recipient_user_id = $1 AND expires_at > NOW()
		ORDER BY sent_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, recipientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query delivery history: %w", err)
	}
	defer rows.Close()

	var items []*DeliveryHistory
	for rows.Next() {
		var h DeliveryHistory
		err := rows.Scan(
			&h.ID,
			&h.RecipientUserID,
			&h.NotificationID,
			&h.Title,
			&h.Message,
			&h.Data,
			&h.IsRead,
			&h.SentAt,
			&h.ExpiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan delivery history: %w", err)
		}
		items = append(items, &h)
	}

	return items, rows.Err()
}

// DeleteExpiredHistory prunes delivery history rows past their expiry.
func (r *Repository) DeleteExpiredHistory(ctx context.Context) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM delivery_history WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired history: %w", err)
	}

	if n := result.RowsAffected(); n > 0 {
		r.logger.Info("expired delivery history pruned", zap.Int64("rows", n))
		return n, nil
	}
	return 0, nil
}
