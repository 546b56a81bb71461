package prediction

import (
	"context"
	"time"

	"optionpulse/internal/market"
	"optionpulse/pkg/storage/postgres"
)

// MarketData is the read side of the snapshot store the stages consult.
type MarketData interface {
	DailyBars(ctx context.Context, underlying string) ([]market.DailyBar, error)
	ChainAt(ctx context.Context, underlying string, ts time.Time) ([]market.ChainRow, error)
	PriceAt(ctx context.Context, instrumentID int64, ts time.Time) (float64, bool, error)
	InstrumentByToken(ctx context.Context, token int64) (market.Instrument, error)
}

// RecordStore persists PredictionRecords one stage column group at a time.
type RecordStore interface {
	LoadRecords(ctx context.Context, underlying string) ([]market.PredictionRecord, error)
	SaveStage(ctx context.Context, stage market.Stage, records []market.PredictionRecord) error
}

// RunRecorder persists run summaries.
type RunRecorder interface {
	SaveRun(ctx context.Context, run postgres.PipelineRun) error
}
