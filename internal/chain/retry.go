package chain

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"optionpulse/config"
	"optionpulse/pkg/kite"

	"go.uber.org/zap"
)

// retryer repeats a call on transient failures with jittered exponential backoff.
type retryer struct {
	cfg    config.RetryConfig
	logger *zap.Logger
}

func (r retryer) do(ctx context.Context, what string, fn func(context.Context) error) error {
	var lastErr error
	backoff := r.cfg.InitialBackoff

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", what, err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransient(err) || attempt == r.cfg.MaxRetries {
			break
		}
		r.logger.Warn("transient error, retrying",
			zap.String("call", what),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-time.After(backoff):
			backoff = r.nextBackoff(backoff)
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", what, ctx.Err())
		}
	}
	return lastErr
}

func (r retryer) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if r.cfg.MaxBackoff > 0 && backoff > r.cfg.MaxBackoff {
		backoff = r.cfg.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		if j, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
			backoff += time.Duration(j.Int64())
		}
	}
	return backoff
}

// isTransient reports whether a failed quote-source call may succeed if repeated.
// An open circuit breaker is not transient: the breaker decides when to probe again.
func isTransient(err error) bool {
	var apiErr *kite.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
