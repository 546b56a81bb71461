package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"optionpulse/internal/chain"
	"optionpulse/internal/market"
	"optionpulse/pkg/cache"
	"optionpulse/pkg/storage/postgres"

	"go.uber.org/zap"
)

// Reader is the read side of the snapshot, record and run stores.
type Reader interface {
	LatestChain(ctx context.Context, underlying string) ([]market.ChainRow, error)
	Trend(ctx context.Context, instrumentID int64, from, to time.Time) ([]market.TrendPoint, error)
	OptionInstrumentByID(ctx context.Context, id int64) (market.Instrument, error)
	LoadRecords(ctx context.Context, underlying string) ([]market.PredictionRecord, error)
	RecentRuns(ctx context.Context, kind string, limit int) ([]postgres.PipelineRun, error)
}

// ChainRunner processes one live snapshot of the given underlyings.
type ChainRunner interface {
	RunLive(ctx context.Context, underlyings []string) (chain.Summary, error)
}

// Service answers the read queries consumed by reporting and transport layers.
type Service struct {
	Store  Reader
	Cache  *cache.ChainCache
	Runner ChainRunner
	Logger *zap.Logger
	Now    func() time.Time
}

func NewService(store Reader, chainCache *cache.ChainCache, runner ChainRunner, logger *zap.Logger) *Service {
	return &Service{Store: store, Cache: chainCache, Runner: runner, Logger: logger, Now: time.Now}
}

// TrendResult is an option's history over the requested window.
type TrendResult struct {
	Instrument market.Instrument
	From       time.Time
	To         time.Time
	Points     []market.TrendPoint
}

// LatestChain returns the most recent snapshot of every option of an underlying,
// served from the cache when present.
func (s *Service) LatestChain(ctx context.Context, underlying string) ([]market.ChainRow, error) {
	underlying = strings.ToUpper(strings.TrimSpace(underlying))
	if rows, ok := s.Cache.GetLatest(ctx, underlying); ok {
		return rows, nil
	}

	rows, err := s.Store.LatestChain(ctx, underlying)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("chain %s: %w", underlying, market.ErrDataUnavailable)
	}
	if err := s.Cache.SetLatest(ctx, underlying, rows); err != nil {
		s.Logger.Warn("failed to cache chain", zap.String("underlying", underlying), zap.Error(err))
	}
	return rows, nil
}

// Trend returns the snapshots of an option over the last days calendar days.
func (s *Service) Trend(ctx context.Context, instrumentID int64, days int) (TrendResult, error) {
	if days <= 0 {
		return TrendResult{}, fmt.Errorf("trend window must be positive, got %d days", days)
	}
	inst, err := s.Store.OptionInstrumentByID(ctx, instrumentID)
	if err != nil {
		return TrendResult{}, err
	}

	to := s.now()
	from := to.AddDate(0, 0, -days)
	points, err := s.Store.Trend(ctx, instrumentID, from, to)
	if err != nil {
		return TrendResult{}, err
	}
	return TrendResult{Instrument: inst, From: from, To: to, Points: points}, nil
}

// ProcessUnderlying takes a live snapshot of one underlying.
func (s *Service) ProcessUnderlying(ctx context.Context, underlying string) (chain.UnderlyingSummary, error) {
	underlying = strings.ToUpper(strings.TrimSpace(underlying))
	summary, err := s.Runner.RunLive(ctx, []string{underlying})
	if err != nil {
		return chain.UnderlyingSummary{}, err
	}
	if len(summary.Underlyings) == 0 {
		return chain.UnderlyingSummary{}, fmt.Errorf("no result for %s", underlying)
	}
	return summary.Underlyings[0], nil
}

// Records returns the accumulated prediction records of an underlying, oldest first.
func (s *Service) Records(ctx context.Context, underlying string) ([]market.PredictionRecord, error) {
	return s.Store.LoadRecords(ctx, strings.ToUpper(strings.TrimSpace(underlying)))
}

// Runs lists recent persisted run summaries. An empty kind lists every kind.
func (s *Service) Runs(ctx context.Context, kind string, limit int) ([]postgres.PipelineRun, error) {
	return s.Store.RecentRuns(ctx, kind, limit)
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
