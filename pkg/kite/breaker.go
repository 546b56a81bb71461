package kite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"optionpulse/config"
	"optionpulse/internal/market"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// QuoteSource is the REST surface the chain processor needs.
type QuoteSource interface {
	GetInstruments(ctx context.Context, exchange string) ([]market.Instrument, error)
	GetQuotes(ctx context.Context, tokens []int64) (map[int64]market.Quote, error)
	GetCandles(ctx context.Context, token int64, interval CandleInterval, from, to time.Time, oi bool) ([]Candle, error)
}

// CircuitBreakerClient fails fast while Kite keeps failing.
type CircuitBreakerClient struct {
	source  QuoteSource
	breaker *gobreaker.CircuitBreaker
}

// execCircuitBreaker runs fn through the breaker. An open breaker reports ErrExternalFailure.
func execCircuitBreaker[T any](breaker *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %w", market.ErrExternalFailure, err)
		}
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("circuit breaker: unexpected result type %T", res)
	}
	return v, nil
}

func NewCircuitBreakerClient(source QuoteSource, settings config.BreakerConfig, logger *zap.Logger) *CircuitBreakerClient {
	gbSettings := gobreaker.Settings{
		Name:        "KiteCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		// Cancelled requests say nothing about Kite's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &CircuitBreakerClient{
		source:  source,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

func (c *CircuitBreakerClient) State() gobreaker.State {
	return c.breaker.State()
}

func (c *CircuitBreakerClient) GetInstruments(ctx context.Context, exchange string) ([]market.Instrument, error) {
	return execCircuitBreaker(c.breaker, func() ([]market.Instrument, error) {
		return c.source.GetInstruments(ctx, exchange)
	})
}

func (c *CircuitBreakerClient) GetQuotes(ctx context.Context, tokens []int64) (map[int64]market.Quote, error) {
	return execCircuitBreaker(c.breaker, func() (map[int64]market.Quote, error) {
		return c.source.GetQuotes(ctx, tokens)
	})
}

func (c *CircuitBreakerClient) GetCandles(ctx context.Context, token int64, interval CandleInterval,
	from, to time.Time, oi bool) ([]Candle, error) {
	return execCircuitBreaker(c.breaker, func() ([]Candle, error) {
		return c.source.GetCandles(ctx, token, interval, from, to, oi)
	})
}
