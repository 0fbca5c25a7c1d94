package notify

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/showtimehq/showtime/internal/db"
)

// BulkSummary aggregates a bulk operation. Total always equals the
// number of per-item results.
type BulkSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// BulkItemResult is the outcome for one item of a bulk operation.
type BulkItemResult struct {
	Notification *db.ScheduledNotification `json:"notification,omitempty"`
	Error        string                    `json:"error,omitempty"`
}

// BulkResult is the full response of a bulk operation.
type BulkResult struct {
	Results []BulkItemResult `json:"results"`
	Summary BulkSummary      `json:"summary"`
}

// BulkCreate schedules each item independently: one item's failure never
// aborts the rest.
func (s *Service) BulkCreate(ctx context.Context, items []CreateParams) *BulkResult {
	result := &BulkResult{
		Results: make([]BulkItemResult, 0, len(items)),
		Summary: BulkSummary{Total: len(items)},
	}

	for _, item := range items {
		n, err := s.Create(ctx, item)
		if err != nil {
			result.Results = append(result.Results, BulkItemResult{Error: err.Error()})
			result.Summary.Failed++
			continue
		}
		result.Results = append(result.Results, BulkItemResult{Notification: n})
		result.Summary.Succeeded++
	}

	s.logger.Info("bulk create completed",
		zap.Int("total", result.Summary.Total),
		zap.Int("succeeded", result.Summary.Succeeded),
		zap.Int("failed", result.Summary.Failed),
	)

	return result
}

// BulkCancel cancels each id independently, re-checking ownership per id.
func (s *Service) BulkCancel(ctx context.Context, ids []uuid.UUID, callerID uuid.UUID, privileged bool) *BulkResult {
	result := &BulkResult{
		Results: make([]BulkItemResult, 0, len(ids)),
		Summary: BulkSummary{Total: len(ids)},
	}

	for _, id := range ids {
		n, err := s.Cancel(ctx, id, callerID, privileged)
		if err != nil {
			result.Results = append(result.Results, BulkItemResult{Error: err.Error()})
			result.Summary.Failed++
			continue
		}
		result.Results = append(result.Results, BulkItemResult{Notification: n})
		result.Summary.Succeeded++
	}

	s.logger.Info("bulk cancel completed",
		zap.Int("total", result.Summary.Total),
		zap.Int("succeeded", result.Summary.Succeeded),
		zap.Int("failed", result.Summary.Failed),
	)

	return result
}
