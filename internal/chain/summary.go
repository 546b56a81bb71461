package chain

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Summary is the outcome of one processor run.
type Summary struct {
	ID          uuid.UUID
	Mode        Mode
	Timestamp   time.Time // run minute in live mode, the backfilled date in candles mode
	Underlyings []UnderlyingSummary
}

// Totals sums the per-underlying counters.
func (s Summary) Totals() UnderlyingSummary {
	var t UnderlyingSummary
	for _, u := range s.Underlyings {
		t.Snapshots += u.Snapshots
		t.Calcs += u.Calcs
		t.SkippedNoData += u.SkippedNoData
		t.SkippedPricingUnavailable += u.SkippedPricingUnavailable
		t.Failed += u.Failed
	}
	return t
}

// UnderlyingSummary counts what happened to one underlying's options at one timestamp.
// Snapshots counts stored quotes; Calcs counts stored IV/Greeks rows.
type UnderlyingSummary struct {
	Underlying                string
	Timestamp                 time.Time
	Snapshots                 int
	Calcs                     int
	SkippedNoData             int
	SkippedPricingUnavailable int
	Failed                    int
	UnderlyingStored          bool
}

func (s UnderlyingSummary) Counts() map[string]int {
	stored := 0
	if s.UnderlyingStored {
		stored = 1
	}
	return map[string]int{
		"processed":                   s.Snapshots,
		"calcs":                       s.Calcs,
		"skipped_no_data":             s.SkippedNoData,
		"skipped_pricing_unavailable": s.SkippedPricingUnavailable,
		"failed":                      s.Failed,
		"underlying_stored":           stored,
	}
}

func (s UnderlyingSummary) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("underlying", s.Underlying)
	enc.AddTime("ts", s.Timestamp)
	enc.AddInt("processed", s.Snapshots)
	enc.AddInt("calcs", s.Calcs)
	enc.AddInt("skipped_no_data", s.SkippedNoData)
	enc.AddInt("skipped_pricing_unavailable", s.SkippedPricingUnavailable)
	enc.AddInt("failed", s.Failed)
	enc.AddBool("underlying_stored", s.UnderlyingStored)
	return nil
}

func (s UnderlyingSummary) log(logger *zap.Logger) {
	logger.Info("chain processed", zap.Object("summary", s))
}
