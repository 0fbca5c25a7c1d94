package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/showtimehq/showtime/internal/push"
)

// ProtectedSender wraps a push.Sender with a CircuitBreaker. An
// invalid-token result is a verdict about the token, not the transport,
// so it counts as a success for breaker purposes.
type ProtectedSender struct {
	sender  push.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender push.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts a push through the circuit breaker. If the circuit is
// open it returns ErrCircuitOpen immediately.
func (p *ProtectedSender) Send(ctx context.Context, token string, n push.Notification) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected push",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s transport unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.sender.Send(ctx, token, n)
	if err != nil && !errors.Is(err, push.ErrInvalidToken) {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return err
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
