// Package dispatch fans a fired job out to its recipients' devices. It
// exclusively owns DeliveryHistory creation and the terminal SENT/FAILED
// transitions of scheduled notifications.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/showtimehq/showtime/internal/db"
	"github.com/showtimehq/showtime/internal/directory"
	"github.com/showtimehq/showtime/internal/metrics"
	"github.com/showtimehq/showtime/internal/push"
	"github.com/showtimehq/showtime/internal/queue"
)

// Repository is the slice of the record store the dispatcher needs.
type Repository interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.ScheduledNotification, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, expected, newStatus string, failureReason *string) (bool, error)
	CreateDeliveryHistory(ctx context.Context, h *db.DeliveryHistory) error
	CountUnread(ctx context.Context, recipientID uuid.UUID) (int, error)
}

// Config tunes the fan-out.
type Config struct {
	// Concurrency bounds the number of recipients processed in parallel,
	// which caps concurrent sends against the push transport. Default 8.
	Concurrency int

	// HistoryTTL is how long delivery history rows live before the
	// janitor may prune them. Default 30 days.
	HistoryTTL time.Duration
}

// Dispatcher delivers one fired job to every resolved recipient.
type Dispatcher struct {
	repo      Repository
	directory directory.Directory
	sender    push.Sender
	config    Config
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a dispatcher.
func New(repo Repository, dir directory.Directory, sender push.Sender, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.HistoryTTL == 0 {
		cfg.HistoryTTL = 30 * 24 * time.Hour
	}

	return &Dispatcher{
		repo:      repo,
		directory: dir,
		sender:    sender,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Report is the outcome of one dispatch. The caller is responsible for
// handing InvalidTokens to the recipient directory's purge entry point;
// the dispatcher itself never writes to the directory.
type Report struct {
	SuccessCount  int      `json:"success_count"`
	FailureCount  int      `json:"failure_count"`
	InvalidTokens []string `json:"invalid_tokens"`

	// Skipped is set when the job fired against an already-terminal
	// record (cancelled, or a duplicate fire after SENT).
	Skipped bool `json:"skipped,omitempty"`
}

// recipient is one resolved user with at least one token.
type recipient struct {
	userID uuid.UUID
	tokens []string
}

// Dispatch resolves recipients for the payload, sends to each, records
// delivery history, and transitions the backing record when there is one.
func (d *Dispatcher) Dispatch(ctx context.Context, p queue.Payload) (*Report, error) {
	start := d.now()
	defer func() {
		metrics.RecordDispatchDuration(p.Kind, d.now().Sub(start))
	}()

	switch p.Kind {
	case queue.KindScheduled:
		return d.dispatchScheduled(ctx, p)
	case queue.KindReminder:
		return d.dispatchReminder(ctx, p)
	default:
		return nil, fmt.Errorf("unknown job kind: %q", p.Kind)
	}
}

func (d *Dispatcher) dispatchScheduled(ctx context.Context, p queue.Payload) (*Report, error) {
	id, err := uuid.Parse(p.NotificationID)
	if err != nil {
		return nil, fmt.Errorf("malformed notification id %q: %w", p.NotificationID, err)
	}

	n, err := d.repo.GetNotification(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("notification %s fired but no longer exists", id)
		}
		return nil, fmt.Errorf("load notification: %w", err)
	}

	// A cancelled record whose job slipped through, or a duplicate fire
	// of an already-delivered job, is a silent no-op.
	if db.Terminal(n.Status) {
		d.logger.Info("dispatch skipped for terminal notification",
			zap.String("notification_id", id.String()),
			zap.String("status", n.Status),
		)
		return &Report{Skipped: true}, nil
	}
	expected := n.Status

	var recipients []recipient
	if n.OwnerUserID != nil {
		recipients, err = d.resolveRecipients(ctx, []string{n.OwnerUserID.String()})
		if err != nil {
			return nil, err
		}
	}

	report := d.fanOut(ctx, recipients, push.Notification{
		Title: n.Title,
		Body:  n.Message,
		Data:  n.Data,
	}, &id)

	d.finalize(ctx, id, expected, report)
	return report, nil
}

func (d *Dispatcher) dispatchReminder(ctx context.Context, p queue.Payload) (*Report, error) {
	userIDs, err := d.directory.LikedBy(ctx, p.ConcertID)
	if err != nil {
		return nil, fmt.Errorf("resolve concert likes: %w", err)
	}

	recipients, err := d.resolveRecipients(ctx, userIDs)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(map[string]any{
		"concert_id":     p.ConcertID,
		"performance_at": p.PerformanceAt,
		"lead_minutes":   p.LeadMinutes,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal reminder data: %w", err)
	}

	report := d.fanOut(ctx, recipients, push.Notification{
		Title: p.ConcertTitle,
		Body:  reminderBody(p.ConcertTitle, p.LeadMinutes),
		Data:  data,
	}, nil)

	d.logger.Info("concert reminder dispatched",
		zap.String("concert_id", p.ConcertID),
		zap.Int("lead_minutes", p.LeadMinutes),
		zap.Int("succeeded", report.SuccessCount),
		zap.Int("failed", report.FailureCount),
		zap.Int("invalid_tokens", len(report.InvalidTokens)),
	)

	return report, nil
}

// resolveRecipients keeps only users that currently have at least one
// registered push token.
func (d *Dispatcher) resolveRecipients(ctx context.Context, userIDs []string) ([]recipient, error) {
	recipients := make([]recipient, 0, len(userIDs))
	for _, raw := range userIDs {
		userID, err := uuid.Parse(raw)
		if err != nil {
			d.logger.Warn("skipping malformed recipient id", zap.String("user_id", raw))
			continue
		}

		tokens, err := d.directory.TokensForUser(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("tokens for user %s: %w", raw, err)
		}
		if len(tokens) == 0 {
			continue
		}

		recipients = append(recipients, recipient{userID: userID, tokens: tokens})
	}
	return recipients, nil
}

// fanOut processes recipients on a bounded worker pool. Recipients are
// independent: one recipient's failure never blocks another's send, and
// each badge is computed from that recipient's own not-yet-updated
// unread count.
func (d *Dispatcher) fanOut(ctx context.Context, recipients []recipient, content push.Notification, notificationID *uuid.UUID) *Report {
	report := &Report{}
	if len(recipients) == 0 {
		return report
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, d.config.Concurrency)
	)

	for _, rcpt := range recipients {
		wg.Add(1)
		sem <- struct{}{}
		go func(rcpt recipient) {
			defer wg.Done()
			defer func() { <-sem }()

			ok, invalid := d.sendToRecipient(ctx, rcpt, content, notificationID)

			mu.Lock()
			if ok {
				report.SuccessCount++
			} else {
				report.FailureCount++
			}
			report.InvalidTokens = append(report.InvalidTokens, invalid...)
			mu.Unlock()
		}(rcpt)
	}

	wg.Wait()
	return report
}

// sendToRecipient pushes to every token of one recipient. The recipient
// counts as succeeded when at least one token accepted the send, and
// exactly one history row is written in that case.
func (d *Dispatcher) sendToRecipient(ctx context.Context, rcpt recipient, content push.Notification, notificationID *uuid.UUID) (ok bool, invalid []string) {
	unread, err := d.repo.CountUnread(ctx, rcpt.userID)
	if err != nil {
		d.logger.Error("failed to read unread count",
			zap.String("recipient_user_id", rcpt.userID.String()),
			zap.Error(err),
		)
		return false, nil
	}

	// The badge reflects state before this send: the outgoing
	// notification is the +1.
	content.Badge = unread + 1

	delivered := false
	for _, token := range rcpt.tokens {
		err := d.sender.Send(ctx, token, content)
		if err == nil {
			delivered = true
			metrics.RecordPushSend("ok")
			continue
		}
		if errors.Is(err, push.ErrInvalidToken) {
			invalid = append(invalid, token)
			metrics.RecordPushSend("invalid_token")
			continue
		}
		metrics.RecordPushSend("error")
		d.logger.Warn("push send failed",
			zap.String("recipient_user_id", rcpt.userID.String()),
			zap.Error(err),
		)
	}

	if !delivered {
		return false, invalid
	}

	now := d.now().UTC()
	history := &db.DeliveryHistory{
		ID:              uuid.New(),
		RecipientUserID: rcpt.userID,
		NotificationID:  notificationID,
		Title:           content.Title,
		Message:         content.Body,
		Data:            content.Data,
		SentAt:          now,
		ExpiresAt:       now.Add(d.config.HistoryTTL),
	}
	if err := d.repo.CreateDeliveryHistory(ctx, history); err != nil {
		// The push went out; the audit row is what failed. Count the
		// recipient as delivered but make the gap visible.
		d.logger.Error("failed to record delivery history",
			zap.String("recipient_user_id", rcpt.userID.String()),
			zap.Error(err),
		)
	}

	return true, invalid
}

// finalize transitions the record strictly after all recipient sends
// were attempted. The conditional update means a cancel that landed
// mid-dispatch wins and this fire's transition is dropped.
func (d *Dispatcher) finalize(ctx context.Context, id uuid.UUID, expected string, report *Report) {
	var (
		target string
		reason *string
	)
	if report.SuccessCount > 0 {
		target = db.StatusSent
	} else {
		target = db.StatusFailed
		msg := "all sends failed"
		if report.SuccessCount == 0 && report.FailureCount == 0 {
			msg = "no recipients resolved"
		}
		reason = &msg
	}

	ok, err := d.repo.TransitionStatus(ctx, id, expected, target, reason)
	if err != nil {
		d.logger.Error("failed to finalize notification status",
			zap.String("notification_id", id.String()),
			zap.String("target", target),
			zap.Error(err),
		)
		return
	}
	if !ok {
		d.logger.Info("dispatch lost race with concurrent transition",
			zap.String("notification_id", id.String()),
			zap.String("target", target),
		)
		return
	}
	metrics.RecordNotificationFinalized(target)
}

func reminderBody(title string, leadMinutes int) string {
	switch {
	case leadMinutes >= 1440 && leadMinutes%1440 == 0:
		days := leadMinutes / 1440
		if days == 1 {
			return fmt.Sprintf("%s starts in 1 day", title)
		}
		return fmt.Sprintf("%s starts in %d days", title, days)
	case leadMinutes >= 60 && leadMinutes%60 == 0:
		hours := leadMinutes / 60
		if hours == 1 {
			return fmt.Sprintf("%s starts in 1 hour", title)
		}
		return fmt.Sprintf("%s starts in %d hours", title, hours)
	default:
		return fmt.Sprintf("%s starts in %d minutes", title, leadMinutes)
	}
}
