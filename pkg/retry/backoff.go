package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Config defines retry behavior for establishing backend connections.
// Scaling operations themselves are never retried.
type Config struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterEnabled bool
}

// ConnectConfig returns the settings used while dialing Temporal and Redis at startup.
func ConnectConfig() Config {
	return Config{
		MaxRetries:    6,
		InitialDelay:  time.Second,
		MaxDelay:      15 * time.Second,
		Multiplier:    2.0,
		JitterEnabled: true,
	}
}

// WithBackoff calls fn until it succeeds, cfg.MaxRetries attempts are spent, or ctx ends.
// The returned error wraps the last failure of fn.
func WithBackoff(ctx context.Context, cfg Config, logger *zap.Logger, operation string, fn func() error) error {
	attempts := max(cfg.MaxRetries, 1)
	log := logger.With(zap.String("operation", operation))

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: retry cancelled: %w", operation, err)
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Info("operation succeeded after retries", zap.Int("attempts", attempt))
			}
			return nil
		}
		if attempt == attempts {
			return fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, err)
		}

		delay := calculateBackoff(cfg, attempt)
		log.Warn("operation failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", attempts),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		if !sleep(ctx, delay) {
			return fmt.Errorf("%s: retry cancelled: %w", operation, ctx.Err())
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// calculateBackoff returns InitialDelay*Multiplier^(attempt-1), capped at MaxDelay,
// spread by +/-15% when jitter is enabled.
func calculateBackoff(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay)
	for i := 1; i < attempt && delay < float64(cfg.MaxDelay); i++ {
		delay *= cfg.Multiplier
	}
	delay = min(delay, float64(cfg.MaxDelay))
	if cfg.JitterEnabled {
		delay *= 0.85 + 0.3*rand.Float64()
	}
	return time.Duration(delay)
}
