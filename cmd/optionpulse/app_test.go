package main

import (
	"context"
	"testing"
	"time"

	"optionpulse/internal/market"
	"optionpulse/internal/memorystore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// go test -v --run TestCopyRecords
func TestCopyRecords(t *testing.T) {
	ctx := context.Background()
	day := market.Date(2025, time.January, 6)

	src := memorystore.NewRecordStore()
	require.NoError(t, src.SaveStage(ctx, market.StagePredict, []market.PredictionRecord{
		{Underlying: "NIFTY", Date: day, Prediction: market.PredictCall},
		{Underlying: "NIFTY", Date: day.AddDate(0, 0, 1), Prediction: market.PredictNoPosition},
	}))
	require.NoError(t, src.SaveStage(ctx, market.StageBacktest, []market.PredictionRecord{{
		Underlying: "NIFTY",
		Date:       day,
		Prediction: market.PredictCall,
		Backtest: &market.GapBacktest{
			TodayClose: 100, NextDate: day.AddDate(0, 0, 1), NextOpen: 101.5, GapMovePct: 0.015, Result: market.OutcomeCorrect,
		},
	}}))

	dst := memorystore.NewRecordStore()
	require.NoError(t, copyRecords(ctx, src, dst, []string{"NIFTY", "BANKNIFTY"}))

	got, err := dst.LoadRecords(ctx, "NIFTY")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.NotNil(t, got[0].Backtest)
	assert.Equal(t, market.OutcomeCorrect, got[0].Backtest.Result)
	assert.Nil(t, got[1].Backtest)

	// The copy is independent of the source.
	require.NoError(t, dst.SaveStage(ctx, market.StageSelect, []market.PredictionRecord{{
		Underlying: "NIFTY", Date: day, Selection: &market.OptionSelection{Token: 1},
	}}))
	orig, err := src.LoadRecords(ctx, "NIFTY")
	require.NoError(t, err)
	assert.Nil(t, orig[0].Selection)
}
