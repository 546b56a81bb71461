package prediction

import (
	"context"
	"fmt"

	"optionpulse/internal/market"

	"go.uber.org/zap"
)

const (
	DefaultLookback       = 10
	DefaultTrendThreshold = 0.003
)

// Predictor is stage A: a rolling-window trend classifier over daily closes.
type Predictor struct {
	Data      MarketData
	Lookback  int
	Threshold float64
	Logger    *zap.Logger
}

// Decide classifies one window of closes, oldest first.
func (p Predictor) Decide(closes []float64) market.Prediction {
	if len(closes) == 0 || closes[0] == 0 {
		return market.PredictNoPosition
	}
	first, last := closes[0], closes[len(closes)-1]
	trend := (last - first) / first

	var sum float64
	for _, c := range closes {
		sum += c
	}
	mean := sum / float64(len(closes))

	switch {
	case trend > p.Threshold && last > mean:
		return market.PredictCall
	case trend < -p.Threshold && last < mean:
		return market.PredictPut
	}
	return market.PredictNoPosition
}

// Run predicts every date whose window of Lookback closes, ending at that date's
// close, is complete. Dates already in the set are left as they are.
func (p Predictor) Run(ctx context.Context, set *RecordSet) (StageSummary, error) {
	summary := StageSummary{Stage: market.StagePredict}
	lookback := p.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}

	bars, err := p.Data.DailyBars(ctx, set.Underlying)
	if err != nil {
		return summary, fmt.Errorf("load daily bars: %w", err)
	}

	var closes []float64
	for _, bar := range bars {
		if bar.Close == nil {
			continue
		}
		closes = append(closes, *bar.Close)
		if _, exists := set.Get(bar.Date); exists {
			continue
		}
		if len(closes) < lookback {
			summary.SkippedNoData++
			continue
		}

		window := closes[len(closes)-lookback:]
		decision := p.Decide(window)
		set.AddPrediction(bar.Date, decision)
		summary.Processed++

		p.Logger.Debug("predicted",
			zap.String("underlying", set.Underlying),
			zap.Time("date", bar.Date),
			zap.String("prediction", string(decision)))
	}
	return summary, nil
}
