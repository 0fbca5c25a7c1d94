package push

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// LogSender logs notifications instead of sending them (development mode).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, token string, n Notification) error {
	s.logger.Info("logging push notification (development mode)",
		zap.String("token", token),
		zap.String("title", n.Title),
		zap.Int("badge", n.Badge),
		zap.Any("data", json.RawMessage(n.Data)),
	)
	return nil
}
