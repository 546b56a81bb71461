package query_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"optionpulse/config"
	"optionpulse/internal/chain"
	"optionpulse/internal/market"
	"optionpulse/internal/query"
	"optionpulse/pkg/pricing"
	"optionpulse/pkg/storage/postgres"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2025, time.January, 10, 10, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *postgres.PostgresClient {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	client, err := postgres.NewSQLiteClient(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	require.NoError(t, client.AutoMigrate())
	session, err := market.NewSession(config.MarketConfig{
		Timezone:      "Asia/Kolkata",
		OpenSnapshot:  "09:15",
		CloseSnapshot: "15:15",
		ExpiryCutoff:  "15:30",
	})
	require.NoError(t, err)
	client.Session = session
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// seedOption stores one NIFTY call and its snapshots at the given times.
func seedOption(t *testing.T, store *postgres.PostgresClient, prices map[time.Time]float64) market.Instrument {
	t.Helper()
	ctx := context.Background()
	_, err := store.UpsertOptionInstruments(ctx, []market.Instrument{{
		Token:          101,
		TradingSymbol:  "NIFTY25JAN23000CE",
		Underlying:     "NIFTY",
		Exchange:       "NFO",
		InstrumentType: "CE",
		Strike:         23000,
		Expiry:         market.Date(2025, time.January, 30),
		OptionType:     pricing.Call,
		LotSize:        75,
		FetchDate:      market.Date(2025, time.January, 1),
	}})
	require.NoError(t, err)
	inst, err := store.InstrumentByToken(ctx, 101)
	require.NoError(t, err)

	var snaps []market.Snapshot
	for ts, p := range prices {
		snaps = append(snaps, market.Snapshot{InstrumentID: inst.ID, Timestamp: ts, LastPrice: &p, Volume: 10})
	}
	require.NoError(t, store.UpsertSnapshots(ctx, snaps))
	return inst
}

type fakeRunner struct {
	got []string
	err error
}

func (f *fakeRunner) RunLive(_ context.Context, underlyings []string) (chain.Summary, error) {
	f.got = underlyings
	if f.err != nil {
		return chain.Summary{}, f.err
	}
	s := chain.Summary{Mode: chain.ModeLive, Timestamp: now}
	for _, u := range underlyings {
		s.Underlyings = append(s.Underlyings, chain.UnderlyingSummary{Underlying: u, Timestamp: now, Snapshots: 3})
	}
	return s, nil
}

// go test -v --run TestLatestChain
func TestLatestChain(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedOption(t, store, map[time.Time]float64{
		now.Add(-time.Hour): 100,
		now:                 110,
	})
	svc := query.NewService(store, nil, nil, zap.NewNop())

	rows, err := svc.LatestChain(ctx, " nifty ")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, now, rows[0].Snapshot.Timestamp)
	assert.Equal(t, 110.0, *rows[0].Snapshot.LastPrice)

	_, err = svc.LatestChain(ctx, "BANKNIFTY")
	assert.ErrorIs(t, err, market.ErrDataUnavailable)
}

// go test -v --run TestTrend
func TestTrend(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	inst := seedOption(t, store, map[time.Time]float64{
		now.AddDate(0, 0, -10): 80,
		now.AddDate(0, 0, -3):  95,
		now.AddDate(0, 0, -1):  105,
	})
	svc := query.NewService(store, nil, nil, zap.NewNop())
	svc.Now = func() time.Time { return now }

	res, err := svc.Trend(ctx, inst.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, "NIFTY25JAN23000CE", res.Instrument.TradingSymbol)
	require.Len(t, res.Points, 2)
	assert.Equal(t, 95.0, *res.Points[0].Snapshot.LastPrice)
	assert.Equal(t, market.Date(2025, time.January, 7), res.Points[0].Date)
	assert.Equal(t, 105.0, *res.Points[1].Snapshot.LastPrice)

	_, err = svc.Trend(ctx, inst.ID, 0)
	assert.Error(t, err)

	_, err = svc.Trend(ctx, inst.ID+100, 5)
	assert.ErrorIs(t, err, market.ErrNotFound)
}

// go test -v --run TestProcessUnderlying
func TestProcessUnderlying(t *testing.T) {
	runner := &fakeRunner{}
	svc := query.NewService(newStore(t), nil, runner, zap.NewNop())

	s, err := svc.ProcessUnderlying(context.Background(), "banknifty")
	require.NoError(t, err)
	assert.Equal(t, []string{"BANKNIFTY"}, runner.got)
	assert.Equal(t, "BANKNIFTY", s.Underlying)
	assert.Equal(t, 3, s.Snapshots)

	runner.err = errors.New("quote source down")
	_, err = svc.ProcessUnderlying(context.Background(), "NIFTY")
	assert.Error(t, err)
}

// go test -v --run TestRecordsAndRuns
func TestRecordsAndRuns(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.SaveStage(ctx, market.StagePredict, []market.PredictionRecord{
		{Underlying: "NIFTY", Date: market.Date(2025, time.January, 7), Prediction: market.PredictCall},
		{Underlying: "NIFTY", Date: market.Date(2025, time.January, 6), Prediction: market.PredictNoPosition},
	}))
	require.NoError(t, store.SaveRun(ctx, postgres.PipelineRun{
		Kind: "pipeline", Underlying: "NIFTY", StartedAt: now, FinishedAt: now,
		Counts: map[string]map[string]int{"predict": {"processed": 2}},
	}))
	svc := query.NewService(store, nil, nil, zap.NewNop())

	records, err := svc.Records(ctx, "nifty")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, market.Date(2025, time.January, 6), records[0].Date)
	assert.Equal(t, market.PredictCall, records[1].Prediction)

	runs, err := svc.Runs(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Counts["predict"]["processed"])
}
