package postgres_test

import (
	"context"
	"testing"
	"time"

	"optionpulse/internal/market"
	"optionpulse/pkg/pricing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func predicted(date time.Time, p market.Prediction) market.PredictionRecord {
	return market.PredictionRecord{Underlying: "NIFTY", Date: date, Prediction: p}
}

// go test -v --run ^TestSaveStagePredictIsAppendOnly$
func TestSaveStagePredictIsAppendOnly(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	d1 := market.Date(2025, 1, 2)

	require.NoError(t, client.SaveStage(ctx, market.StagePredict, []market.PredictionRecord{predicted(d1, market.PredictCall)}))
	require.NoError(t, client.SaveStage(ctx, market.StagePredict, []market.PredictionRecord{
		predicted(d1, market.PredictPut),
		predicted(market.Date(2025, 1, 3), market.PredictNoPosition),
	}))

	records, err := client.LoadRecords(ctx, "NIFTY")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, market.PredictCall, records[0].Prediction)
	assert.True(t, records[0].Date.Equal(d1))
	assert.Nil(t, records[0].Backtest)
	assert.Nil(t, records[0].Selection)
	assert.Nil(t, records[0].Trade)
	assert.Equal(t, market.PredictNoPosition, records[1].Prediction)

	others, err := client.LoadRecords(ctx, "BANKNIFTY")
	require.NoError(t, err)
	assert.Empty(t, others)
}

// go test -v --run ^TestSaveStageColumnOwnership$
func TestSaveStageColumnOwnership(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	d1 := market.Date(2025, 1, 2)
	d2 := market.Date(2025, 1, 3)

	require.NoError(t, client.SaveStage(ctx, market.StagePredict, []market.PredictionRecord{predicted(d1, market.PredictCall)}))

	withBacktest := predicted(d1, market.PredictCall)
	withBacktest.Backtest = &market.GapBacktest{
		TodayClose: 23500,
		NextDate:   d2,
		NextOpen:   23600,
		GapMovePct: 0.4255,
		Result:     market.OutcomeCorrect,
	}
	require.NoError(t, client.SaveStage(ctx, market.StageBacktest, []market.PredictionRecord{withBacktest}))

	// stage C writes with a stale in-memory view: no backtest, different prediction
	stale := predicted(d1, market.PredictPut)
	stale.Selection = &market.OptionSelection{
		Token:          1001,
		TradingSymbol:  "NIFTY25JAN23500CE",
		Strike:         23500,
		Expiry:         market.Date(2025, 1, 30),
		OptionType:     pricing.Call,
		SelectionPrice: 120.5,
	}
	require.NoError(t, client.SaveStage(ctx, market.StageSelect, []market.PredictionRecord{stale}))

	records, err := client.LoadRecords(ctx, "NIFTY")
	require.NoError(t, err)
	require.Len(t, records, 1)
	r := records[0]

	assert.Equal(t, market.PredictCall, r.Prediction)
	require.NotNil(t, r.Backtest)
	assert.Equal(t, market.OutcomeCorrect, r.Backtest.Result)
	assert.True(t, r.Backtest.NextDate.Equal(d2))
	assert.InDelta(t, 23600, r.Backtest.NextOpen, 1e-9)

	require.NotNil(t, r.Selection)
	assert.EqualValues(t, 1001, r.Selection.Token)
	assert.Equal(t, pricing.Call, r.Selection.OptionType)
	assert.True(t, r.Selection.Expiry.Equal(market.Date(2025, 1, 30)))
	assert.Nil(t, r.Trade)

	assert.True(t, r.NeedsTrade())
	assert.False(t, r.NeedsSelection())
}

// go test -v --run ^TestSaveStageTrade$
func TestSaveStageTrade(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	d1 := market.Date(2025, 1, 2)
	d2 := market.Date(2025, 1, 3)

	require.NoError(t, client.SaveStage(ctx, market.StagePredict, []market.PredictionRecord{predicted(d1, market.PredictCall)}))

	pending := predicted(d1, market.PredictCall)
	pending.Trade = &market.TradeBacktest{
		Status:     market.StatusPendingNoExitPrice,
		EntryDate:  d1,
		ExitDate:   d2,
		EntryPrice: decimal.NewNullDecimal(decimal.RequireFromString("120.5")),
		LotSize:    75,
	}
	require.NoError(t, client.SaveStage(ctx, market.StageTrade, []market.PredictionRecord{pending}))

	records, err := client.LoadRecords(ctx, "NIFTY")
	require.NoError(t, err)
	require.NotNil(t, records[0].Trade)
	assert.Equal(t, market.StatusPendingNoExitPrice, records[0].Trade.Status)
	assert.Nil(t, records[0].Trade.Result)
	assert.False(t, records[0].Trade.ExitPrice.Valid)

	profit := market.TradeProfit
	done := predicted(d1, market.PredictCall)
	done.Trade = &market.TradeBacktest{
		Status:         market.StatusDone,
		EntryDate:      d1,
		ExitDate:       d2,
		EntryPrice:     decimal.NewNullDecimal(decimal.RequireFromString("120.5")),
		ExitPrice:      decimal.NewNullDecimal(decimal.RequireFromString("150")),
		LotSize:        75,
		PnLPerContract: decimal.NewNullDecimal(decimal.RequireFromString("29.5")),
		PnLPerLot:      decimal.NewNullDecimal(decimal.RequireFromString("2212.5")),
		ReturnPct:      decimal.NewNullDecimal(decimal.RequireFromString("24.48")),
		Result:         &profit,
	}
	require.NoError(t, client.SaveStage(ctx, market.StageTrade, []market.PredictionRecord{done}))

	records, err = client.LoadRecords(ctx, "NIFTY")
	require.NoError(t, err)
	tr := records[0].Trade
	require.NotNil(t, tr)
	assert.Equal(t, market.StatusDone, tr.Status)
	require.NotNil(t, tr.Result)
	assert.Equal(t, market.TradeProfit, *tr.Result)
	assert.True(t, tr.PnLPerLot.Decimal.Equal(decimal.RequireFromString("2212.5")))
	assert.Equal(t, 75, tr.LotSize)
	assert.False(t, records[0].NeedsTrade())
}

// go test -v --run ^TestSaveStageRequiresPrediction$
func TestSaveStageRequiresPrediction(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	orphan := predicted(market.Date(2025, 1, 2), market.PredictCall)
	orphan.Backtest = &market.GapBacktest{TodayClose: 1, NextDate: market.Date(2025, 1, 3), NextOpen: 1, Result: market.OutcomeIncorrect}

	err := client.SaveStage(ctx, market.StageBacktest, []market.PredictionRecord{orphan})
	assert.ErrorIs(t, err, market.ErrIntegrityViolation)

	records, err := client.LoadRecords(ctx, "NIFTY")
	require.NoError(t, err)
	assert.Empty(t, records)

	assert.Error(t, client.SaveStage(ctx, market.Stage("bogus"), []market.PredictionRecord{orphan}))
}
