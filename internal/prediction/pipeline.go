package prediction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"optionpulse/config"
	"optionpulse/internal/market"
	"optionpulse/pkg/storage/postgres"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Pipeline runs the stages over one underlying's record set, flushing each
// stage's column group before the next stage starts. Callers serialize runs per
// underlying.
type Pipeline struct {
	Records RecordStore
	Runs    RunRecorder // optional

	Predictor  Predictor
	Backtester Backtester
	Selector   Selector
	Trader     TradeBacktester

	Logger *zap.Logger
}

// NewPipeline wires every stage to data with the configured thresholds.
func NewPipeline(cfg *config.Config, session market.Session, data MarketData, records RecordStore,
	runs RunRecorder, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		Records: records,
		Runs:    runs,
		Predictor: Predictor{
			Data:      data,
			Lookback:  cfg.LookbackDays,
			Threshold: cfg.TrendThreshold,
			Logger:    logger,
		},
		Backtester: Backtester{Data: data, SignificantMove: cfg.SignificantMoveThreshold, Logger: logger},
		Selector:   Selector{Data: data, Session: session, Logger: logger},
		Trader:     TradeBacktester{Data: data, Session: session, Logger: logger},
		Logger:     logger,
	}
}

// RunSummary is the outcome of one pipeline invocation.
type RunSummary struct {
	ID         uuid.UUID
	Underlying string
	Stages     []StageSummary
}

func (p *Pipeline) stage(name market.Stage) (func(context.Context, *RecordSet) (StageSummary, error), error) {
	switch name {
	case market.StagePredict:
		return p.Predictor.Run, nil
	case market.StageBacktest:
		return p.Backtester.Run, nil
	case market.StageSelect:
		return p.Selector.Run, nil
	case market.StageTrade:
		return p.Trader.Run, nil
	}
	return nil, fmt.Errorf("unknown stage %q", name)
}

// Run executes stages in the given order, or all stages when none are given.
// A stage error stops the run; rows flushed by earlier stages stay written.
func (p *Pipeline) Run(ctx context.Context, underlying string, stages ...market.Stage) (RunSummary, error) {
	if len(stages) == 0 {
		stages = market.Stages
	}
	summary := RunSummary{ID: uuid.New(), Underlying: underlying}
	started := time.Now()

	err := p.run(ctx, underlying, stages, &summary)
	p.record(ctx, summary, started, err)
	return summary, err
}

func (p *Pipeline) run(ctx context.Context, underlying string, stages []market.Stage, summary *RunSummary) error {
	set, err := LoadRecordSet(ctx, p.Records, underlying)
	if err != nil {
		return fmt.Errorf("load records for %s: %w", underlying, err)
	}

	for _, name := range stages {
		fn, err := p.stage(name)
		if err != nil {
			return err
		}

		s, err := fn(ctx, set)
		if err != nil {
			return fmt.Errorf("stage %s: %w", name, err)
		}
		if err := set.Flush(ctx, name); err != nil {
			var batchErr *postgres.BatchError
			if !errors.As(err, &batchErr) {
				return err
			}
			// Rows outside FailedKeys were committed.
			s.Failed += len(batchErr.FailedKeys)
			s.Processed = max(0, s.Processed-len(batchErr.FailedKeys))
			p.Logger.Warn("some records were not written",
				zap.String("underlying", underlying),
				zap.String("stage", string(name)),
				zap.Strings("keys", batchErr.FailedKeys),
				zap.Error(batchErr.Err))

			// Later stages must only build on rows that were stored.
			if set, err = LoadRecordSet(ctx, p.Records, underlying); err != nil {
				return fmt.Errorf("reload records for %s: %w", underlying, err)
			}
		}

		s.log(p.Logger, underlying)
		summary.Stages = append(summary.Stages, s)
	}
	return nil
}

func (p *Pipeline) record(ctx context.Context, summary RunSummary, started time.Time, runErr error) {
	if p.Runs == nil {
		return
	}

	run := postgres.PipelineRun{
		ID:         summary.ID,
		Kind:       "pipeline",
		Underlying: summary.Underlying,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Counts:     make(map[string]map[string]int, len(summary.Stages)),
	}
	for _, s := range summary.Stages {
		run.Counts[string(s.Stage)] = s.Counts()
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}

	if err := p.Runs.SaveRun(ctx, run); err != nil {
		p.Logger.Warn("failed to persist run summary", zap.String("run_id", summary.ID.String()), zap.Error(err))
	}
}
