package pricing

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// go test -v --run TestPriceKnownValues
func TestPriceKnownValues(t *testing.T) {
	in := Input{Spot: 100, Strike: 100, TimeToExpiry: 1, RiskFreeRate: 0.05}

	in.Type = Call
	assert.InDelta(t, 10.4506, Price(in, 0.2), 1e-4)

	in.Type = Put
	assert.InDelta(t, 5.5735, Price(in, 0.2), 1e-4)
}

// go test -v --run TestImpliedVolatilityRoundTrip
func TestImpliedVolatilityRoundTrip(t *testing.T) {
	engine := NewEngine(1e-6, 100, 0)

	for _, typ := range []OptionType{Call, Put} {
		for _, strike := range []float64{80, 95, 100, 105, 120} {
			for _, sigma := range []float64{0.08, 0.2, 0.45, 1.2} {
				in := Input{Spot: 100, Strike: strike, TimeToExpiry: 30.0 / 365, RiskFreeRate: 0.07, Type: typ}
				in.MarketPrice = Price(in, sigma)
				// IV is not identifiable where the price barely moves with it
				if in.MarketPrice < 0.01 || rawVega(in, sigma) < 0.5 {
					continue
				}

				iv, err := engine.ImpliedVolatility(in)
				require.NoError(t, err, "type=%s strike=%v sigma=%v", typ, strike, sigma)
				assert.InDelta(t, sigma, iv, 1e-3, "type=%s strike=%v", typ, strike)
			}
		}
	}
}

// go test -v --run TestPriceAndGreeksSignConventions
func TestPriceAndGreeksSignConventions(t *testing.T) {
	engine := NewEngine(DefaultTolerance, DefaultMaxIterations, 0)

	for _, typ := range []OptionType{Call, Put} {
		for _, spot := range []float64{50, 99, 100, 101, 200, 22000} {
			for _, strike := range []float64{40, 100, 150, 21500, 22500} {
				for _, T := range []float64{1.0 / 365, 7.0 / 365, 0.25, 2} {
					for _, price := range []float64{0.05, 1, 5, 50, 500, 5000} {
						in := Input{Spot: spot, Strike: strike, TimeToExpiry: T, RiskFreeRate: 0.07, MarketPrice: price, Type: typ}
						res, err := engine.PriceAndGreeks(in)
						if err != nil {
							assert.True(t, errors.Is(err, ErrPricingUnavailable), "unexpected error %v", err)
							continue
						}

						require.NotNil(t, res.IV)
						for _, v := range []float64{*res.IV, res.Delta, res.Gamma, res.Theta, res.Vega} {
							assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "non-finite output for %+v", in)
						}
						if typ == Call {
							assert.True(t, res.Delta >= 0 && res.Delta <= 1, "call delta %v", res.Delta)
						} else {
							assert.True(t, res.Delta >= -1 && res.Delta <= 0, "put delta %v", res.Delta)
						}
						assert.GreaterOrEqual(t, res.Gamma, 0.0)
						assert.GreaterOrEqual(t, res.Vega, 0.0)
					}
				}
			}
		}
	}
}

// go test -v --run TestPriceAndGreeksATM
func TestPriceAndGreeksATM(t *testing.T) {
	engine := NewEngine(DefaultTolerance, DefaultMaxIterations, 0)
	in := Input{Spot: 100, Strike: 100, TimeToExpiry: 1, RiskFreeRate: 0.05, MarketPrice: 10.4506, Type: Call}

	res, err := engine.PriceAndGreeks(in)
	require.NoError(t, err)
	require.NotNil(t, res.IV)

	assert.InDelta(t, 0.2, *res.IV, 1e-3)
	assert.InDelta(t, 0.6368, res.Delta, 1e-3)
	assert.InDelta(t, 0.01876, res.Gamma, 1e-4)
	assert.InDelta(t, 0.3752, res.Vega, 1e-3)      // per vol point
	assert.InDelta(t, -6.414/365, res.Theta, 1e-4) // per day
}

// go test -v --run TestPriceAndGreeksDomainErrors
func TestPriceAndGreeksDomainErrors(t *testing.T) {
	engine := NewEngine(DefaultTolerance, DefaultMaxIterations, 0.2)
	base := Input{Spot: 100, Strike: 100, TimeToExpiry: 0.1, RiskFreeRate: 0.07, MarketPrice: 3, Type: Call}

	cases := map[string]func(*Input){
		"zero time":     func(in *Input) { in.TimeToExpiry = 0 },
		"negative time": func(in *Input) { in.TimeToExpiry = -0.01 },
		"zero price":    func(in *Input) { in.MarketPrice = 0 },
		"zero spot":     func(in *Input) { in.Spot = 0 },
		"zero strike":   func(in *Input) { in.Strike = -5 },
		"nan spot":      func(in *Input) { in.Spot = math.NaN() },
		"bad type":      func(in *Input) { in.Type = "STRADDLE" },
		"above spot":    func(in *Input) { in.MarketPrice = 150 },
		"below bound":   func(in *Input) { in.Strike = 50; in.MarketPrice = 10 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := base
			mutate(&in)
			_, err := engine.PriceAndGreeks(in)
			require.Error(t, err)

			var ue *UnavailableError
			require.True(t, errors.As(err, &ue))
			assert.Contains(t, []Reason{ReasonInvalidInput, ReasonArbitrageBound}, ue.Reason)
			assert.ErrorIs(t, err, ErrPricingUnavailable)
		})
	}
}

// go test -v --run TestFallbackVolatility
func TestFallbackVolatility(t *testing.T) {
	// One iteration cannot reach a 1e-12 tolerance.
	in := Input{Spot: 100, Strike: 110, TimeToExpiry: 0.2, RiskFreeRate: 0.07, Type: Call}
	in.MarketPrice = Price(in, 0.37)

	strict := NewEngine(1e-12, 1, 0)
	_, err := strict.PriceAndGreeks(in)
	var ue *UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, ReasonNoConvergence, ue.Reason)

	withFallback := NewEngine(1e-12, 1, 0.25)
	res, err := withFallback.PriceAndGreeks(in)
	require.NoError(t, err)
	assert.Nil(t, res.IV)

	delta, _, _, _ := Greeks(in, 0.25)
	assert.InDelta(t, delta, res.Delta, 1e-12)
}

// go test -v --run TestDeterministicConcurrent
func TestDeterministicConcurrent(t *testing.T) {
	engine := NewEngine(DefaultTolerance, DefaultMaxIterations, 0)
	in := Input{Spot: 22150, Strike: 22200, TimeToExpiry: 5.0 / 365, RiskFreeRate: 0.07, MarketPrice: 118.5, Type: Put}

	want, err := engine.PriceAndGreeks(in)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]Result, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = engine.PriceAndGreeks(in)
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		require.NotNil(t, got.IV)
		assert.Equal(t, *want.IV, *got.IV)
		assert.Equal(t, want.Delta, got.Delta)
		assert.Equal(t, want.Theta, got.Theta)
	}
}

// go test -v --run TestTimeToExpiry
func TestTimeToExpiry(t *testing.T) {
	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	expiry := time.Date(2025, 1, 30, 0, 0, 0, 0, time.UTC)
	at := time.Date(2025, 1, 29, 15, 30, 0, 0, ist)

	assert.InDelta(t, 1.0/365, TimeToExpiry(expiry, 15, 30, ist, at), 1e-12)

	sameDayAfterCutoff := time.Date(2025, 1, 30, 15, 45, 0, 0, ist)
	assert.Less(t, TimeToExpiry(expiry, 15, 30, ist, sameDayAfterCutoff), 0.0)
}

// go test -v --run TestParseOptionType
func TestParseOptionType(t *testing.T) {
	for in, want := range map[string]OptionType{"CE": Call, "pe": Put, "CALL": Call, " put ": Put} {
		got, ok := ParseOptionType(in)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := ParseOptionType("FUT")
	assert.False(t, ok)
}
