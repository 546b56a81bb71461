package prediction

import (
	"optionpulse/internal/market"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// StageSummary counts what one stage run did.
type StageSummary struct {
	Stage                     market.Stage
	Processed                 int
	SkippedNoData             int
	SkippedPricingUnavailable int
	Failed                    int
}

func (s StageSummary) Counts() map[string]int {
	return map[string]int{
		"processed":                   s.Processed,
		"skipped_no_data":             s.SkippedNoData,
		"skipped_pricing_unavailable": s.SkippedPricingUnavailable,
		"failed":                      s.Failed,
	}
}

// MarshalLogObject lets a summary be logged with zap.Object.
func (s StageSummary) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("stage", string(s.Stage))
	enc.AddInt("processed", s.Processed)
	enc.AddInt("skipped_no_data", s.SkippedNoData)
	enc.AddInt("skipped_pricing_unavailable", s.SkippedPricingUnavailable)
	enc.AddInt("failed", s.Failed)
	return nil
}

func (s StageSummary) log(logger *zap.Logger, underlying string) {
	logger.Info("stage complete", zap.String("underlying", underlying), zap.Object("summary", s))
}
