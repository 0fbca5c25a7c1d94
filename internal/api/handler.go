package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/showtimehq/showtime/internal/db"
	"github.com/showtimehq/showtime/internal/dispatch"
	"github.com/showtimehq/showtime/internal/metrics"
	"github.com/showtimehq/showtime/internal/notify"
	"github.com/showtimehq/showtime/internal/queue"
)

// NotificationService is the notification lifecycle surface the API exposes.
type NotificationService interface {
	Create(ctx context.Context, p notify.CreateParams) (*db.ScheduledNotification, error)
	Cancel(ctx context.Context, id, callerID uuid.UUID, privileged bool) (*db.ScheduledNotification, error)
	GetByID(ctx context.Context, id, callerID uuid.UUID, privileged bool) (*db.ScheduledNotification, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, status string, limit, offset int) ([]*db.ScheduledNotification, error)
	Stats(ctx context.Context, ownerID uuid.UUID) (*notify.OwnerStats, error)
	BulkCreate(ctx context.Context, items []notify.CreateParams) *notify.BulkResult
	BulkCancel(ctx context.Context, ids []uuid.UUID, callerID uuid.UUID, privileged bool) *notify.BulkResult
}

// DeviceDirectory is the recipient directory surface the API exposes.
type DeviceDirectory interface {
	RegisterToken(ctx context.Context, userID, token string) error
	TokensForUser(ctx context.Context, userID string) ([]string, error)
	Like(ctx context.Context, concertID, userID string) error
	Unlike(ctx context.Context, concertID, userID string) error
	RemoveTokens(ctx context.Context, tokens []string) error
}

// HistoryRepository reads and mutates the caller's delivery history.
type HistoryRepository interface {
	ListDeliveryHistory(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*db.DeliveryHistory, error)
	MarkRead(ctx context.Context, recipientID, historyID uuid.UUID) error
	CountUnread(ctx context.Context, recipientID uuid.UUID) (int, error)
}

// JobDispatcher delivers one job immediately, bypassing the delay queue.
type JobDispatcher interface {
	Dispatch(ctx context.Context, p queue.Payload) (*dispatch.Report, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	service    NotificationService
	directory  DeviceDirectory
	history    HistoryRepository
	dispatcher JobDispatcher // nil disables the admin dispatch endpoint
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, service NotificationService, directory DeviceDirectory, history HistoryRepository, dispatcher JobDispatcher) *Handler {
	return &Handler{
		logger:     logger,
		service:    service,
		directory:  directory,
		history:    history,
		dispatcher: dispatcher,
	}
}

// NotificationRequest represents the incoming request body
type NotificationRequest struct {
	ConcertID   *string         `json:"concert_id,omitempty"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// callerID extracts the authenticated user from the X-User-ID header.
// Authentication itself happens upstream; an empty or malformed header
// means the gateway was bypassed.
func (h *Handler) callerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		h.writeError(w, http.StatusUnauthorized, "unauthenticated", "Missing identity", "X-User-ID header is required")
		return uuid.Nil, false
	}

	userID, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthenticated", "Invalid identity", "X-User-ID must be a valid UUID")
		return uuid.Nil, false
	}

	return userID, true
}

func (r NotificationRequest) toParams(owner uuid.UUID) (notify.CreateParams, error) {
	p := notify.CreateParams{
		OwnerID:     owner,
		Title:       r.Title,
		Message:     r.Message,
		ScheduledAt: r.ScheduledAt,
		Data:        r.Data,
	}
	if r.ConcertID != nil {
		concertID, err := uuid.Parse(*r.ConcertID)
		if err != nil {
			return p, &notify.ValidationError{Field: "concert_id", Reason: "must be a valid UUID"}
		}
		p.ConcertID = &concertID
	}
	return p, nil
}

// CreateNotification handles POST /v1/notifications
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	params, err := req.toParams(userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	notif, err := h.service.Create(ctx, params)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	metrics.RecordNotificationScheduled()
	h.logger.Info("notification scheduled",
		zap.String("id", notif.ID.String()),
		zap.String("owner_user_id", userID.String()),
		zap.Time("scheduled_at", notif.ScheduledAt),
	)

	h.writeJSON(w, http.StatusCreated, notif)
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	notifID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	notif, err := h.service.GetByID(ctx, notifID, userID, false)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, notif)
}

// ListNotifications handles GET /v1/notifications?status=xxx&limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	status := r.URL.Query().Get("status")
	limit, offset := pagination(r)

	notifications, err := h.service.ListByOwner(ctx, userID, status, limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// CancelNotification handles POST /v1/notifications/{id}/cancel
func (h *Handler) CancelNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	notifID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	notif, err := h.service.Cancel(ctx, notifID, userID, false)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.logger.Info("notification cancelled",
		zap.String("id", notifID.String()),
		zap.String("owner_user_id", userID.String()),
	)

	h.writeJSON(w, http.StatusOK, notif)
}

// GetStats handles GET /v1/notifications/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	stats, err := h.service.Stats(ctx, userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// BulkCreateNotifications handles POST /v1/notifications/bulk
func (h *Handler) BulkCreateNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	var req struct {
		Items []NotificationRequest `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(req.Items) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Empty batch", "items must contain at least one entry")
		return
	}

	params := make([]notify.CreateParams, 0, len(req.Items))
	for _, item := range req.Items {
		p, err := item.toParams(userID)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		params = append(params, p)
	}

	result := h.service.BulkCreate(ctx, params)

	h.logger.Info("bulk create processed",
		zap.String("owner_user_id", userID.String()),
		zap.Int("total", result.Summary.Total),
		zap.Int("succeeded", result.Summary.Succeeded),
		zap.Int("failed", result.Summary.Failed),
	)

	h.writeJSON(w, http.StatusOK, result)
}

// BulkCancelNotifications handles POST /v1/notifications/bulk/cancel
func (h *Handler) BulkCancelNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(req.IDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Empty batch", "ids must contain at least one entry")
		return
	}

	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", raw+" is not a valid UUID")
			return
		}
		ids = append(ids, id)
	}

	result := h.service.BulkCancel(ctx, ids, userID, false)
	h.writeJSON(w, http.StatusOK, result)
}

// RegisterDevice handles POST /v1/devices
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Token == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing token", "token is required")
		return
	}

	if err := h.directory.RegisterToken(ctx, userID.String(), req.Token); err != nil {
		h.logger.Error("failed to register device token",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusServiceUnavailable, "directory_error", "Failed to register device", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

// LikeConcert handles POST /v1/concerts/{id}/like
func (h *Handler) LikeConcert(w http.ResponseWriter, r *http.Request) {
	h.updateLike(w, r, true)
}

// UnlikeConcert handles DELETE /v1/concerts/{id}/like
func (h *Handler) UnlikeConcert(w http.ResponseWriter, r *http.Request) {
	h.updateLike(w, r, false)
}

func (h *Handler) updateLike(w http.ResponseWriter, r *http.Request, like bool) {
	ctx := r.Context()

	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	concertID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid concert ID", "ID must be a valid UUID")
		return
	}

	if like {
		err = h.directory.Like(ctx, concertID.String(), userID.String())
	} else {
		err = h.directory.Unlike(ctx, concertID.String(), userID.String())
	}
	if err != nil {
		h.logger.Error("failed to update concert like",
			zap.Error(err),
			zap.String("concert_id", concertID.String()),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusServiceUnavailable, "directory_error", "Failed to update like", "")
		return
	}

	status := "unliked"
	if like {
		status = "liked"
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// ListHistory handles GET /v1/history?limit=20&offset=0
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	limit, offset := pagination(r)

	items, err := h.history.ListDeliveryHistory(ctx, userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list delivery history",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list history", "")
		return
	}

	unread, err := h.history.CountUnread(ctx, userID)
	if err != nil {
		h.logger.Error("failed to count unread history",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to count unread", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   items,
		"unread": unread,
		"limit":  limit,
		"offset": offset,
		"count":  len(items),
	})
}

// MarkHistoryRead handles POST /v1/history/{id}/read
func (h *Handler) MarkHistoryRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	historyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid history ID", "ID must be a valid UUID")
		return
	}

	if err := h.history.MarkRead(ctx, userID, historyID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "History entry not found", "")
			return
		}
		h.logger.Error("failed to mark history read",
			zap.Error(err),
			zap.String("history_id", historyID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark read", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

// DispatchJob handles POST /v1/admin/dispatch. It runs a job payload
// through the dispatcher immediately and purges any tokens the push
// transport rejected.
func (h *Handler) DispatchJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.dispatcher == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Dispatch endpoint disabled", "")
		return
	}

	var payload queue.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	report, err := h.dispatcher.Dispatch(ctx, payload)
	if err != nil {
		h.logger.Error("ad-hoc dispatch failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Dispatch failed", err.Error())
		return
	}

	if len(report.InvalidTokens) > 0 {
		if err := h.directory.RemoveTokens(ctx, report.InvalidTokens); err != nil {
			h.logger.Error("failed to purge invalid tokens", zap.Error(err))
		} else {
			metrics.RecordTokensInvalidated(len(report.InvalidTokens))
		}
	}

	h.writeJSON(w, http.StatusOK, report)
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	return limit, offset
}

// writeServiceError translates the lifecycle error taxonomy to HTTP.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var (
		validationErr   *notify.ValidationError
		notFoundErr     *notify.NotFoundError
		forbiddenErr    *notify.ForbiddenError
		invalidStateErr *notify.InvalidStateError
		dependencyErr   *notify.DependencyError
	)

	switch {
	case errors.As(err, &validationErr):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Validation failed", validationErr.Error())
	case errors.As(err, &notFoundErr):
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
	case errors.As(err, &forbiddenErr):
		h.writeError(w, http.StatusForbidden, "forbidden", "Not the owner of this notification", "")
	case errors.As(err, &invalidStateErr):
		h.writeError(w, http.StatusConflict, "invalid_state", "Notification is in a terminal state", invalidStateErr.Error())
	case errors.As(err, &dependencyErr):
		h.logger.Error("dependency failure", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "dependency_error", "A backing service is unavailable", "")
	default:
		h.logger.Error("unhandled service error", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error", "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
