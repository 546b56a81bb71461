package kite

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"optionpulse/internal/market"
	"optionpulse/pkg/pricing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const instrumentDump = `instrument_token,exchange_token,tradingsymbol,name,last_price,expiry,strike,tick_size,lot_size,instrument_type,segment,exchange
12345410,48224,NIFTY25JAN23500CE,"NIFTY",0,2025-01-30,23500,0.05,75,CE,NFO-OPT,NFO
12345666,48225,NIFTY25JAN23500PE,"NIFTY",0,2025-01-30,23500,0.05,75,PE,NFO-OPT,NFO
13000962,50785,NIFTY25JANFUT,"NIFTY",0,2025-01-30,0,0.05,75,FUT,NFO-FUT,NFO
not-a-token,1,BROKEN,"X",0,,0,0.05,1,EQ,NSE,NSE
`

func newTestServer(t *testing.T, h http.HandlerFunc) *RESTClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewRESTClient(srv.URL, "key", "secret", 5*time.Second)
}

// go test -v --run TestGetInstruments
func TestGetInstruments(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instruments/NFO", r.URL.Path)
		assert.Equal(t, "token key:secret", r.Header.Get("Authorization"))
		assert.Equal(t, "3", r.Header.Get("X-Kite-Version"))
		w.Header().Set("Content-Type", "text/csv")
		fmt.Fprint(w, instrumentDump)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	instruments, err := client.GetInstruments(ctx, "NFO")
	require.NoError(t, err)
	require.Len(t, instruments, 3)

	call := instruments[0]
	assert.EqualValues(t, 12345410, call.Token)
	assert.EqualValues(t, 48224, call.ExchangeToken)
	assert.Equal(t, pricing.Call, call.OptionType)
	assert.Equal(t, "NIFTY", call.Underlying)
	assert.Equal(t, 23500.0, call.Strike)
	assert.Equal(t, 75, call.LotSize)
	assert.True(t, call.Expiry.Equal(market.Date(2025, time.January, 30)))
	assert.False(t, call.FetchDate.IsZero())

	assert.Equal(t, pricing.Put, instruments[1].OptionType)
	assert.False(t, instruments[2].IsOption())
}

// go test -v --run TestGetQuotes
func TestGetQuotes(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		ids := r.URL.Query()["i"]
		sort.Strings(ids)
		assert.Equal(t, []string{"12345410", "256265"}, ids)

		fmt.Fprint(w, `{"status":"success","data":{
			"256265":{"instrument_token":256265,"timestamp":"2025-01-02 10:30:00","last_price":23550.5,
				"ohlc":{"open":23500,"high":23600,"low":23480,"close":23450}},
			"12345410":{"instrument_token":12345410,"timestamp":"2025-01-02 10:30:00","last_price":120.5,
				"volume":150000,"oi":2500000,"ohlc":{"open":110,"high":125,"low":105,"close":100},
				"depth":{"buy":[{"price":120.4,"quantity":750,"orders":3}],"sell":[{"price":120.6,"quantity":600,"orders":2}]}}
		}}`)
	})

	quotes, err := client.GetQuotes(context.Background(), []int64{12345410, 256265})
	require.NoError(t, err)
	require.Len(t, quotes, 2)

	opt := quotes[12345410]
	assert.Equal(t, 120.5, opt.LastPrice)
	assert.EqualValues(t, 150000, opt.Volume)
	assert.EqualValues(t, 2500000, opt.OI)
	assert.Equal(t, 120.4, opt.BidPrice)
	assert.EqualValues(t, 600, opt.AskQty)
	assert.True(t, opt.Timestamp.Equal(time.Date(2025, 1, 2, 5, 0, 0, 0, time.UTC)))

	idx := quotes[256265]
	assert.Equal(t, 23550.5, idx.LastPrice)
	assert.Zero(t, idx.BidPrice)

	_, err = client.GetQuotes(context.Background(), make([]int64, MaxQuoteInstruments+1))
	assert.Error(t, err)
}

// go test -v --run TestGetCandles
func TestGetCandles(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instruments/historical/12345410/5minute", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("oi"))
		assert.Equal(t, "2025-01-02 09:15:00", r.URL.Query().Get("from"))

		fmt.Fprint(w, `{"status":"success","data":{"candles":[
			["2025-01-02T09:15:00+0530",110,112,108,111.5,12000,2400000],
			["2025-01-02T09:20:00+0530",111.5,113,110,112],
			["2025-01-02T15:15:00+0530",130,131,129,130.5,9000,2500000]
		]}}`)
	})

	from := time.Date(2025, 1, 2, 3, 45, 0, 0, time.UTC)
	candles, err := client.GetCandles(context.Background(), 12345410, Interval5Minute, from, from.Add(6*time.Hour), true)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.True(t, candles[0].Time.Equal(from))
	assert.Equal(t, 111.5, candles[0].Close)
	assert.EqualValues(t, 2400000, candles[0].OI)
	assert.Equal(t, 130.5, candles[1].Close)

	_, err = client.GetCandles(context.Background(), 1, CandleInterval("2minute"), from, from, false)
	assert.Error(t, err)
}

// go test -v --run TestAPIError
func TestAPIError(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"status":"error","message":"Incorrect api_key or access_token.","error_type":"TokenException"}`)
	})

	_, err := client.GetQuotes(context.Background(), []int64{1})
	require.Error(t, err)
	assert.ErrorIs(t, err, market.ErrExternalFailure)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "TokenException", apiErr.ErrorType)
	assert.False(t, apiErr.Temporary())
	assert.True(t, strings.Contains(err.Error(), "Incorrect api_key"))

	assert.True(t, (&APIError{StatusCode: http.StatusTooManyRequests}).Temporary())
	assert.True(t, (&APIError{StatusCode: http.StatusBadGateway}).Temporary())
}

// go test -v --run TestParseCandleInterval
func TestParseCandleInterval(t *testing.T) {
	meta, err := ParseCandleInterval("5minute")
	require.NoError(t, err)
	assert.Equal(t, 5, meta.Minutes)
	assert.True(t, IntervalDay.IsValid())
	assert.False(t, CandleInterval("1h").IsValid())
}
