package lyria

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/lyeria/server/domain"
	"github.com/satriahrh/lyeria/server/domain/repositories"
)

// FallbackGenerator tries the primary generator a bounded number of times
// and opens the fallback when it cannot connect. Rooms stay available at
// reduced fidelity instead of failing.
type FallbackGenerator struct {
	primary  repositories.MusicGenerator
	fallback repositories.MusicGenerator
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
}

var _ repositories.MusicGenerator = (*FallbackGenerator)(nil)

// NewFallbackGenerator creates a new FallbackGenerator
func NewFallbackGenerator(primary, fallback repositories.MusicGenerator, attempts int, backoff time.Duration, logger *zap.Logger) *FallbackGenerator {
	if attempts < 1 {
		attempts = 1
	}
	return &FallbackGenerator{
		primary:  primary,
		fallback: fallback,
		attempts: attempts,
		backoff:  backoff,
		logger:   logger,
	}
}

// Open implements repositories.MusicGenerator
func (g *FallbackGenerator) Open(ctx context.Context) (repositories.GenerationSession, error) {
	var lastErr error
	delay := g.backoff

retry:
	for attempt := 1; attempt <= g.attempts; attempt++ {
		session, err := g.primary.Open(ctx)
		if err == nil {
			return session, nil
		}
		lastErr = err
		g.logger.Warn("Failed to open upstream session",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", g.attempts),
			zap.Error(err))

		if attempt == g.attempts {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = errors.Join(lastErr, ctx.Err())
			break retry
		case <-time.After(delay):
			delay *= 2
		}
	}

	session, err := g.fallback.Open(context.WithoutCancel(ctx))
	if err != nil {
		return nil, fmt.Errorf("fallback generator failed: %w", errors.Join(lastErr, err))
	}
	g.logger.Warn("Falling back to mock generation session", zap.Error(lastErr))
	return &fallbackSession{
		GenerationSession: session,
		cause:             fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, lastErr),
	}, nil
}

// fallbackSession marks a session that stands in for an unreachable upstream
type fallbackSession struct {
	repositories.GenerationSession
	cause error
}

func (s *fallbackSession) Fallback() error {
	return s.cause
}
