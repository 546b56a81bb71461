package chain

import (
	"context"
	"time"

	"optionpulse/internal/market"
	"optionpulse/internal/universe"
	"optionpulse/pkg/kite"

	"go.uber.org/zap"
)

// BackfillInterval is the candle width used to rebuild the open and close snapshots.
const BackfillInterval = kite.Interval5Minute

// RunCandles rebuilds the open and close snapshots of date from historical
// candles. The spot candle's close prices the options of the same bar.
func (p *Processor) RunCandles(ctx context.Context, underlyings []string, date time.Time) (Summary, error) {
	y, m, d := date.Date()
	date = market.Date(y, m, d)
	summary := newSummary(ModeCandles, date)
	started := time.Now()

	p.refreshUniverse(ctx, p.now())
	times := []time.Time{p.Session.OpenAt(date), p.Session.CloseAt(date)}
	for _, und := range underlyings {
		if ctx.Err() != nil {
			break
		}

		u, err := p.Universe.Resolve(ctx, und, date)
		if err != nil {
			p.Logger.Error("failed to resolve universe", zap.String("underlying", und), zap.Error(err))
			s := UnderlyingSummary{Underlying: und, Timestamp: times[0], Failed: 1}
			s.log(p.Logger)
			summary.Underlyings = append(summary.Underlyings, s)
			continue
		}
		for _, s := range p.candleUnderlying(ctx, u, times) {
			s.log(p.Logger)
			summary.Underlyings = append(summary.Underlyings, s)
		}
	}

	p.record(ctx, summary, started, ctx.Err())
	return summary, ctx.Err()
}

// candleSeries maps bar start time to candle.
type candleSeries map[time.Time]kite.Candle

func (p *Processor) fetchCandles(ctx context.Context, inst market.Instrument, from, to time.Time, oi bool) (candleSeries, error) {
	var candles []kite.Candle
	err := p.retryer().do(ctx, "candles", func(ctx context.Context) error {
		var err error
		candles, err = p.Candles.GetCandles(ctx, inst.Token, BackfillInterval, from, to, oi)
		return err
	})
	if err != nil {
		return nil, err
	}

	series := make(candleSeries, len(candles))
	for _, c := range candles {
		series[c.Time.UTC()] = c
	}
	return series, nil
}

func (p *Processor) candleUnderlying(ctx context.Context, u universe.Universe, times []time.Time) []UnderlyingSummary {
	meta, _ := kite.ParseCandleInterval(string(BackfillInterval))
	from := times[0]
	to := times[len(times)-1].Add(time.Duration(meta.Minutes) * time.Minute)

	out := make([]UnderlyingSummary, len(times))
	for i, ts := range times {
		out[i] = UnderlyingSummary{Underlying: u.Underlying, Timestamp: ts}
	}

	spot, err := p.fetchCandles(ctx, u.Spot, from, to, false)
	if err != nil {
		p.Logger.Warn("spot candles failed", zap.String("underlying", u.Underlying), zap.Error(err))
	}

	series := make([]candleSeries, len(u.Options))
	failed := make([]bool, len(u.Options))
	for i, inst := range u.Options {
		if err := p.pause(ctx); err != nil {
			failed[i] = true
			continue
		}
		if series[i], err = p.fetchCandles(ctx, inst, from, to, true); err != nil {
			failed[i] = true
			p.Logger.Warn("option candles failed",
				zap.String("symbol", inst.TradingSymbol), zap.Int64("token", inst.Token), zap.Error(err))
		}
	}

	for i, ts := range times {
		s := &out[i]

		var spotPrice *float64
		var under *market.UnderlyingSnapshot
		if c, ok := spot[ts]; ok && c.Close > 0 {
			px := c.Close
			spotPrice = &px
			under = &market.UnderlyingSnapshot{
				Underlying: u.Underlying, Timestamp: ts,
				Open: c.Open, High: c.High, Low: c.Low, Close: c.Close,
			}
		}

		var obs []observation
		for j, inst := range u.Options {
			if failed[j] {
				s.Failed++
				continue
			}
			c, ok := series[j][ts]
			if !ok {
				s.SkippedNoData++
				continue
			}
			obs = append(obs, observation{
				inst: inst,
				quote: market.Quote{
					Token:     inst.Token,
					Timestamp: ts,
					LastPrice: c.Close,
					Volume:    c.Volume,
					OI:        c.OI,
					Open:      c.Open,
					High:      c.High,
					Low:       c.Low,
					Close:     c.Close,
				},
				spot: spotPrice,
			})
		}
		p.store(ctx, s, ts, obs, under)
	}
	return out
}
