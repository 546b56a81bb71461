package prediction

import (
	"context"
	"fmt"
	"math"
	"time"

	"optionpulse/internal/market"

	"go.uber.org/zap"
)

const DefaultSignificantMove = 0.01

// Backtester is stage B: it scores a prediction against the next session's opening gap.
type Backtester struct {
	Data            MarketData
	SignificantMove float64
	Logger          *zap.Logger
}

// Classify maps a prediction and its opening gap to an outcome.
func (b Backtester) Classify(p market.Prediction, gap float64) market.Outcome {
	switch p {
	case market.PredictCall:
		if gap > 0 {
			return market.OutcomeCorrect
		}
		return market.OutcomeIncorrect
	case market.PredictPut:
		if gap < 0 {
			return market.OutcomeCorrect
		}
		return market.OutcomeIncorrect
	}

	if math.Abs(gap) >= b.SignificantMove {
		if gap > 0 {
			return market.OutcomeMissedCall
		}
		return market.OutcomeMissedPut
	}
	return market.OutcomeOKNoTrade
}

// Run backtests records that have a prediction but no result. A record whose
// close or next session open is not stored yet stays untouched.
func (b Backtester) Run(ctx context.Context, set *RecordSet) (StageSummary, error) {
	summary := StageSummary{Stage: market.StageBacktest}

	bars, err := b.Data.DailyBars(ctx, set.Underlying)
	if err != nil {
		return summary, fmt.Errorf("load daily bars: %w", err)
	}
	index := make(map[time.Time]int, len(bars))
	for i, bar := range bars {
		index[bar.Date] = i
	}

	for _, r := range set.Records() {
		if !r.NeedsBacktest() {
			continue
		}

		i, ok := index[r.Date]
		if !ok || bars[i].Close == nil || *bars[i].Close <= 0 || i+1 >= len(bars) || bars[i+1].Open == nil {
			summary.SkippedNoData++
			continue
		}
		todayClose, next := *bars[i].Close, bars[i+1]

		gap := (*next.Open - todayClose) / todayClose
		outcome := b.Classify(r.Prediction, gap)
		if err := set.SetBacktest(r.Date, market.GapBacktest{
			TodayClose: todayClose,
			NextDate:   next.Date,
			NextOpen:   *next.Open,
			GapMovePct: gap,
			Result:     outcome,
		}); err != nil {
			summary.Failed++
			b.Logger.Warn("backtest not recorded", zap.String("underlying", set.Underlying), zap.Error(err))
			continue
		}
		summary.Processed++
	}
	return summary, nil
}
