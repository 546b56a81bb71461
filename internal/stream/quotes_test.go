package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"optionpulse/config"
	"optionpulse/internal/market"
	"optionpulse/internal/memorystore"
	"optionpulse/pkg/kite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2025, time.January, 6, 4, 30, 0, 0, time.UTC)

// fakeSource ticks once for every subscribed token it knows a price for.
type fakeSource struct {
	mu       sync.Mutex
	handler  func([]kite.Tick)
	prices   map[int64]float64
	stamp    time.Time
	connects [][]int64
	listens  int
	err      error
}

func (f *fakeSource) SetTickHandler(h func([]kite.Tick)) { f.handler = h }

func (f *fakeSource) Connect(_ context.Context, tokens []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.connects = append(f.connects, append([]int64(nil), tokens...))
	return nil
}

func (f *fakeSource) Listen(ctx context.Context) {
	f.mu.Lock()
	f.listens++
	tokens := f.connects[len(f.connects)-1]
	var ticks []kite.Tick
	for _, t := range tokens {
		if p, ok := f.prices[t]; ok {
			ticks = append(ticks, kite.Tick{Token: t, LastPrice: p, Timestamp: f.stamp})
		}
	}
	f.mu.Unlock()

	if len(ticks) > 0 {
		f.handler(ticks)
	}
	<-ctx.Done()
}

func (f *fakeSource) Close() error { return nil }

func newQuotes(source *fakeSource) *TickerQuotes {
	q := NewTickerQuotes(config.KiteConfig{TickerWait: 200 * time.Millisecond, TickerMaxAge: time.Minute}, source, zap.NewNop())
	q.Poll = 5 * time.Millisecond
	q.Now = func() time.Time { return fixedNow }
	return q
}

// go test -v --run TestTickHandler
func TestTickHandler(t *testing.T) {
	store := memorystore.NewQuoteStore()
	handle := MakeTickHandler(zap.NewNop(), store, func() time.Time { return fixedNow })

	exchangeTime := fixedNow.Add(-2 * time.Second)
	handle([]kite.Tick{
		{Token: 101, LastPrice: 120, Timestamp: exchangeTime, Bids: []kite.DepthItem{{Price: 119.5, Quantity: 75}}},
		{Token: 102, LastPrice: 80},
		{LastPrice: 1},
	})

	assert.Equal(t, 2, store.CountAll())
	q, ok := store.Get(101)
	require.True(t, ok)
	assert.Equal(t, exchangeTime, q.Timestamp)
	assert.Equal(t, 119.5, q.BidPrice)
	assert.Equal(t, int64(75), q.BidQty)

	q, ok = store.Get(102)
	require.True(t, ok)
	assert.Equal(t, fixedNow, q.Timestamp)
}

// go test -v --run TestTickerQuotesGetQuotes
func TestTickerQuotesGetQuotes(t *testing.T) {
	source := &fakeSource{prices: map[int64]float64{256265: 23000, 101: 125, 102: 120}, stamp: fixedNow}
	q := newQuotes(source)
	defer q.Close()

	quotes, err := q.GetQuotes(context.Background(), []int64{256265, 101})
	require.NoError(t, err)
	assert.Len(t, quotes, 2)
	assert.Equal(t, 125.0, quotes[101].LastPrice)

	// Already subscribed: no reconnect.
	_, err = q.GetQuotes(context.Background(), []int64{101})
	require.NoError(t, err)
	assert.Len(t, source.connects, 1)

	// A new token extends the subscription.
	quotes, err = q.GetQuotes(context.Background(), []int64{256265, 102})
	require.NoError(t, err)
	assert.Equal(t, 120.0, quotes[102].LastPrice)
	require.Len(t, source.connects, 2)
	assert.Equal(t, []int64{101, 102, 256265}, source.connects[1])
}

// go test -v --run TestTickerQuotesPartial
func TestTickerQuotesPartial(t *testing.T) {
	source := &fakeSource{prices: map[int64]float64{256265: 23000}, stamp: fixedNow}
	q := newQuotes(source)
	defer q.Close()

	quotes, err := q.GetQuotes(context.Background(), []int64{256265, 101})
	require.NoError(t, err)
	assert.Len(t, quotes, 1)
	assert.Contains(t, quotes, int64(256265))
}

// go test -v --run TestTickerQuotesStale
func TestTickerQuotesStale(t *testing.T) {
	source := &fakeSource{prices: map[int64]float64{101: 125}, stamp: fixedNow.Add(-5 * time.Minute)}
	q := newQuotes(source)
	defer q.Close()

	_, err := q.GetQuotes(context.Background(), []int64{101})
	assert.ErrorIs(t, err, market.ErrExternalFailure)
}

// go test -v --run TestTickerQuotesConnectFailure
func TestTickerQuotesConnectFailure(t *testing.T) {
	source := &fakeSource{err: errors.New("dial refused")}
	q := newQuotes(source)

	_, err := q.GetQuotes(context.Background(), []int64{101})
	require.Error(t, err)
	assert.Zero(t, source.listens)

	source.err = nil
	source.prices = map[int64]float64{101: 125}
	source.stamp = fixedNow
	quotes, err := q.GetQuotes(context.Background(), []int64{101})
	require.NoError(t, err)
	assert.Len(t, quotes, 1)
	require.NoError(t, q.Close())
}

// go test -v --run TestTickerQuotesCanceled
func TestTickerQuotesCanceled(t *testing.T) {
	source := &fakeSource{}
	q := newQuotes(source)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.GetQuotes(ctx, []int64{101})
	assert.ErrorIs(t, err, context.Canceled)
}
