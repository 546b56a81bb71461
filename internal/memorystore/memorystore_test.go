package memorystore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"optionpulse/internal/market"
	"optionpulse/internal/memorystore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = market.Date(2025, time.March, 3)

// go test -v --run TestQuoteStoreKeepsLatest
func TestQuoteStoreKeepsLatest(t *testing.T) {
	s := memorystore.NewQuoteStore()
	t0 := time.Date(2025, 3, 3, 4, 0, 0, 0, time.UTC)

	s.Add(market.Quote{Token: 1, Timestamp: t0, LastPrice: 10})
	s.Add(market.Quote{Token: 1, Timestamp: t0.Add(-time.Second), LastPrice: 9})
	s.Add(market.Quote{Token: 2, Timestamp: t0, LastPrice: 20})

	q, ok := s.Get(1)
	require.True(t, ok)
	assert.Equal(t, 10.0, q.LastPrice)

	s.Add(market.Quote{Token: 1, Timestamp: t0.Add(time.Second), LastPrice: 11})
	q, _ = s.Get(1)
	assert.Equal(t, 11.0, q.LastPrice)

	assert.Equal(t, 2, s.CountAll())
	assert.True(t, s.Covers([]int64{1, 2}))
	assert.False(t, s.Covers([]int64{1, 3}))

	snap := s.Snapshot([]int64{2, 3})
	assert.Len(t, snap, 1)
	assert.Equal(t, 20.0, snap[2].LastPrice)
}

// go test -v --run TestQuoteStoreConcurrentAdd
func TestQuoteStoreConcurrentAdd(t *testing.T) {
	s := memorystore.NewQuoteStore()
	t0 := time.Now()

	var wg sync.WaitGroup
	for token := int64(0); token < 8; token++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Add(market.Quote{Token: token, Timestamp: t0.Add(time.Duration(i) * time.Millisecond), LastPrice: float64(i)})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, s.CountAll())
	q, _ := s.Get(3)
	assert.Equal(t, 99.0, q.LastPrice)
}

// go test -v --run TestRecordStoreStageOwnership
func TestRecordStoreStageOwnership(t *testing.T) {
	ctx := context.Background()
	s := memorystore.NewRecordStore()
	base := market.PredictionRecord{Underlying: "NIFTY", Date: day, Prediction: market.PredictCall}

	t.Run("later stage without prediction", func(t *testing.T) {
		r := base
		r.Backtest = &market.GapBacktest{TodayClose: 100, NextOpen: 101, Result: market.OutcomeCorrect}
		err := s.SaveStage(ctx, market.StageBacktest, []market.PredictionRecord{r})
		assert.ErrorIs(t, err, market.ErrIntegrityViolation)
	})

	require.NoError(t, s.SaveStage(ctx, market.StagePredict, []market.PredictionRecord{base}))

	t.Run("prediction is never replaced", func(t *testing.T) {
		r := base
		r.Prediction = market.PredictPut
		require.NoError(t, s.SaveStage(ctx, market.StagePredict, []market.PredictionRecord{r}))

		rows, err := s.LoadRecords(ctx, "NIFTY")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, market.PredictCall, rows[0].Prediction)
	})

	t.Run("stages only write their group", func(t *testing.T) {
		r := base
		r.Prediction = market.PredictPut
		r.Backtest = &market.GapBacktest{TodayClose: 100, NextOpen: 101, Result: market.OutcomeCorrect}
		r.Selection = &market.OptionSelection{Token: 5}
		require.NoError(t, s.SaveStage(ctx, market.StageBacktest, []market.PredictionRecord{r}))

		rows, err := s.LoadRecords(ctx, "NIFTY")
		require.NoError(t, err)
		assert.Equal(t, market.PredictCall, rows[0].Prediction)
		require.NotNil(t, rows[0].Backtest)
		assert.Nil(t, rows[0].Selection)

		// Loaded rows are copies.
		rows[0].Backtest.NextOpen = 0
		again, _ := s.LoadRecords(ctx, "NIFTY")
		assert.Equal(t, 101.0, again[0].Backtest.NextOpen)
	})

	rows, err := s.LoadRecords(ctx, "BANKNIFTY")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// go test -v --run TestMarketStore
func TestMarketStore(t *testing.T) {
	ctx := context.Background()
	s := memorystore.NewMarketStore()

	s.AddCloses("NIFTY", day.AddDate(0, 0, 1), 101, 102)
	s.AddCloses("NIFTY", day, 100)
	bars, err := s.DailyBars(ctx, "NIFTY")
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, day, bars[0].Date)
	assert.Equal(t, 102.0, *bars[2].Close)

	ts := time.Date(2025, 3, 3, 9, 45, 0, 0, time.UTC)
	s.AddChain("NIFTY", ts.Add(200*time.Millisecond), market.ChainRow{Instrument: market.Instrument{Token: 1}})
	chain, err := s.ChainAt(ctx, "NIFTY", ts)
	require.NoError(t, err)
	assert.Len(t, chain, 1)

	s.AddPrice(7, ts, 12.5)
	p, ok, err := s.PriceAt(ctx, 7, ts)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 12.5, p)
	_, ok, _ = s.PriceAt(ctx, 7, ts.Add(time.Minute))
	assert.False(t, ok)

	s.AddInstrument(market.Instrument{ID: 7, Token: 9001, LotSize: 75})
	inst, err := s.InstrumentByToken(ctx, 9001)
	require.NoError(t, err)
	assert.Equal(t, int64(7), inst.ID)
	_, err = s.InstrumentByToken(ctx, 1)
	assert.ErrorIs(t, err, market.ErrNotFound)
}
