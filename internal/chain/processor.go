package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"optionpulse/config"
	"optionpulse/internal/market"
	"optionpulse/internal/universe"
	"optionpulse/pkg/cache"
	"optionpulse/pkg/kite"
	"optionpulse/pkg/pricing"
	"optionpulse/pkg/storage/postgres"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Mode string

const (
	ModeLive    Mode = "live"
	ModeCandles Mode = "candles"
)

type QuoteFetcher interface {
	GetQuotes(ctx context.Context, tokens []int64) (map[int64]market.Quote, error)
}

type CandleFetcher interface {
	GetCandles(ctx context.Context, token int64, interval kite.CandleInterval, from, to time.Time, oi bool) ([]kite.Candle, error)
}

type UniverseResolver interface {
	RefreshIfStale(ctx context.Context, now time.Time) (bool, error)
	Resolve(ctx context.Context, underlying string, asOf time.Time) (universe.Universe, error)
}

// Store is the write side of the snapshot store.
type Store interface {
	UpsertSnapshots(ctx context.Context, snapshots []market.Snapshot) error
	UpsertCalcs(ctx context.Context, calcs []market.SnapshotCalc) error
	UpsertUnderlyingSnapshots(ctx context.Context, snapshots []market.UnderlyingSnapshot) error
	SaveRun(ctx context.Context, run postgres.PipelineRun) error
}

// Processor turns quotes for the target underlyings into stored snapshots,
// calcs and underlying prices.
type Processor struct {
	Quotes   QuoteFetcher  // live mode
	Candles  CandleFetcher // candles mode
	Universe UniverseResolver
	Store    Store
	Cache    *cache.ChainCache

	Engine       pricing.Engine
	RiskFreeRate float64
	Session      market.Session

	ChunkSize int
	Interval  time.Duration // pause between fetches
	Retry     config.RetryConfig
	Workers   int

	Logger *zap.Logger
	Now    func() time.Time
}

func NewProcessor(cfg *config.Config, session market.Session, quotes QuoteFetcher, candles CandleFetcher,
	resolver UniverseResolver, store Store, chainCache *cache.ChainCache, logger *zap.Logger) *Processor {
	return &Processor{
		Quotes:       quotes,
		Candles:      candles,
		Universe:     resolver,
		Store:        store,
		Cache:        chainCache,
		Engine:       pricing.NewEngine(cfg.Pricing.Tolerance, cfg.Pricing.MaxIterations, cfg.Pricing.FallbackVolatility),
		RiskFreeRate: cfg.RiskFreeRate,
		Session:      session,
		ChunkSize:    cfg.Kite.QuoteChunkSize,
		Interval:     cfg.Kite.RequestInterval,
		Retry:        cfg.Kite.Retry,
		Workers:      cfg.Pricing.Workers,
		Logger:       logger,
		Now:          time.Now,
	}
}

// observation is one option quote with the spot observed alongside it.
type observation struct {
	inst  market.Instrument
	quote market.Quote
	spot  *float64
}

func (p *Processor) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p *Processor) retryer() retryer { return retryer{cfg: p.Retry, logger: p.Logger} }

// pause waits Interval between consecutive fetches.
func (p *Processor) pause(ctx context.Context) error {
	if p.Interval <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(p.Interval):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunLive snapshots every target underlying at the current minute.
func (p *Processor) RunLive(ctx context.Context, underlyings []string) (Summary, error) {
	ts := market.StoredTime(p.now()).Truncate(time.Minute)
	summary := newSummary(ModeLive, ts)
	started := time.Now()

	p.refreshUniverse(ctx, ts)
	for _, und := range underlyings {
		if ctx.Err() != nil {
			break
		}
		s := p.liveUnderlying(ctx, und, ts)
		s.log(p.Logger)
		summary.Underlyings = append(summary.Underlyings, s)
	}

	p.record(ctx, summary, started, ctx.Err())
	return summary, ctx.Err()
}

func (p *Processor) refreshUniverse(ctx context.Context, now time.Time) {
	if _, err := p.Universe.RefreshIfStale(ctx, now); err != nil {
		// Stored instruments from an earlier refresh are still usable.
		p.Logger.Warn("instrument universe refresh failed", zap.Error(err))
	}
}

func (p *Processor) liveUnderlying(ctx context.Context, und string, ts time.Time) UnderlyingSummary {
	s := UnderlyingSummary{Underlying: und, Timestamp: ts}

	u, err := p.Universe.Resolve(ctx, und, p.Session.MarketDate(ts))
	if err != nil {
		s.Failed++
		p.Logger.Error("failed to resolve universe", zap.String("underlying", und), zap.Error(err))
		return s
	}

	var obs []observation
	var spotQuote *market.Quote
	for i, chunk := range chunkOptions(u.Options, p.ChunkSize) {
		if i > 0 {
			if err := p.pause(ctx); err != nil {
				s.Failed += len(chunk)
				continue
			}
		}

		tokens := make([]int64, 0, len(chunk)+1)
		tokens = append(tokens, u.Spot.Token)
		for _, inst := range chunk {
			tokens = append(tokens, inst.Token)
		}

		var quotes map[int64]market.Quote
		err := p.retryer().do(ctx, "quotes", func(ctx context.Context) error {
			var err error
			quotes, err = p.Quotes.GetQuotes(ctx, tokens)
			return err
		})
		if err != nil {
			s.Failed += len(chunk)
			p.Logger.Warn("quote chunk failed",
				zap.String("underlying", und),
				zap.Int("chunk", i),
				zap.Int("instruments", len(chunk)),
				zap.Error(err))
			continue
		}

		// Spot comes from the same response as the options it prices.
		var spot *float64
		if q, ok := quotes[u.Spot.Token]; ok && q.LastPrice > 0 {
			price := q.LastPrice
			spot = &price
			spotQuote = &q
		}
		for _, inst := range chunk {
			q, ok := quotes[inst.Token]
			if !ok {
				s.SkippedNoData++
				continue
			}
			obs = append(obs, observation{inst: inst, quote: q, spot: spot})
		}
	}

	var under *market.UnderlyingSnapshot
	if spotQuote != nil {
		// A live quote is one price: the bar is flat at the last price.
		px := spotQuote.LastPrice
		under = &market.UnderlyingSnapshot{Underlying: und, Timestamp: ts, Open: px, High: px, Low: px, Close: px}
	}
	p.store(ctx, &s, ts, obs, under)
	return s
}

// chunkOptions splits options so each request, with the spot token added, stays
// within size tokens.
func chunkOptions(options []market.Instrument, size int) [][]market.Instrument {
	if size <= 1 || size > kite.MaxQuoteInstruments {
		size = kite.MaxQuoteInstruments
	}
	per := size - 1

	var out [][]market.Instrument
	for start := 0; start < len(options); start += per {
		out = append(out, options[start:min(start+per, len(options))])
	}
	return out
}

// price runs the pricing engine over observations with a bounded worker pool.
// Results are placed by index; a nil entry means no calc.
func (p *Processor) price(ctx context.Context, ts time.Time, obs []observation) ([]*market.SnapshotCalc, []error) {
	calcs := make([]*market.SnapshotCalc, len(obs))
	errs := make([]error, len(obs))

	g, _ := errgroup.WithContext(ctx)
	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)

	for i, o := range obs {
		if o.spot == nil || o.quote.LastPrice <= 0 {
			continue
		}
		g.Go(func() error {
			key := market.SnapshotKey{InstrumentID: o.inst.ID, Timestamp: ts}
			res, err := p.Engine.PriceAndGreeks(pricing.Input{
				Spot:         *o.spot,
				Strike:       o.inst.Strike,
				TimeToExpiry: p.Session.YearsToExpiry(o.inst.Expiry, ts),
				RiskFreeRate: p.RiskFreeRate,
				MarketPrice:  o.quote.LastPrice,
				Type:         o.inst.OptionType,
			})
			if err != nil {
				errs[i] = err
				return nil
			}
			c := market.CalcFromResult(key, *o.spot, res)
			calcs[i] = &c
			return nil
		})
	}
	_ = g.Wait()
	return calcs, errs
}

func toSnapshot(o observation, ts time.Time) market.Snapshot {
	s := market.Snapshot{
		InstrumentID:    o.inst.ID,
		Timestamp:       ts,
		UnderlyingPrice: o.spot,
		BidQty:          o.quote.BidQty,
		AskQty:          o.quote.AskQty,
		Volume:          o.quote.Volume,
		OI:              o.quote.OI,
	}
	if o.quote.LastPrice > 0 {
		s.LastPrice = &o.quote.LastPrice
	}
	if o.quote.BidPrice > 0 {
		s.BidPrice = &o.quote.BidPrice
	}
	if o.quote.AskPrice > 0 {
		s.AskPrice = &o.quote.AskPrice
	}
	return s
}

// store prices observations and writes snapshots, then calcs for stored
// snapshots, then the underlying price. Failures are counted per key.
func (p *Processor) store(ctx context.Context, s *UnderlyingSummary, ts time.Time,
	obs []observation, under *market.UnderlyingSnapshot) {
	if len(obs) == 0 && under == nil {
		return
	}
	calcs, errs := p.price(ctx, ts, obs)

	snapshots := make([]market.Snapshot, len(obs))
	for i, o := range obs {
		snapshots[i] = toSnapshot(o, ts)
	}

	failed, ok := p.write(s, "snapshots", func() error { return p.Store.UpsertSnapshots(ctx, snapshots) })
	if !ok {
		s.Failed += len(snapshots)
		snapshots = nil
	}

	var toWrite []market.SnapshotCalc
	for i, snap := range snapshots {
		switch {
		case failed[snap.Key().String()]:
			s.Failed++
			continue
		case calcs[i] != nil:
			toWrite = append(toWrite, *calcs[i])
		case errors.Is(errs[i], pricing.ErrPricingUnavailable):
			s.SkippedPricingUnavailable++
			p.Logger.Debug("pricing unavailable",
				zap.String("symbol", obs[i].inst.TradingSymbol), zap.Error(errs[i]))
		default:
			s.SkippedNoData++ // no price or no spot
		}
		s.Snapshots++
	}

	if len(toWrite) > 0 {
		calcFailed, ok := p.write(s, "calcs", func() error { return p.Store.UpsertCalcs(ctx, toWrite) })
		if ok {
			s.Failed += len(calcFailed)
			s.Calcs += len(toWrite) - len(calcFailed)
		} else {
			s.Failed += len(toWrite)
		}
	}

	if under != nil {
		if _, ok := p.write(s, "underlying", func() error {
			return p.Store.UpsertUnderlyingSnapshots(ctx, []market.UnderlyingSnapshot{*under})
		}); ok {
			s.UnderlyingStored = true
		}
	} else {
		p.Logger.Warn("no spot price", zap.String("underlying", s.Underlying), zap.Time("ts", ts))
	}

	if err := p.Cache.Invalidate(ctx, s.Underlying); err != nil {
		p.Logger.Warn("failed to invalidate chain cache", zap.String("underlying", s.Underlying), zap.Error(err))
	}
}

// write runs one store call. A BatchError yields its failed keys; any other
// error fails the whole call.
func (p *Processor) write(s *UnderlyingSummary, what string, fn func() error) (map[string]bool, bool) {
	err := fn()
	if err == nil {
		return nil, true
	}

	var batchErr *postgres.BatchError
	if errors.As(err, &batchErr) {
		failed := make(map[string]bool, len(batchErr.FailedKeys))
		for _, k := range batchErr.FailedKeys {
			failed[k] = true
		}
		p.Logger.Warn("some rows were not written",
			zap.String("underlying", s.Underlying),
			zap.String("table", what),
			zap.Strings("keys", batchErr.FailedKeys),
			zap.Error(batchErr.Err))
		return failed, true
	}

	p.Logger.Error("store write failed",
		zap.String("underlying", s.Underlying), zap.String("table", what), zap.Error(err))
	return nil, false
}

func (p *Processor) record(ctx context.Context, summary Summary, started time.Time, runErr error) {
	run := postgres.PipelineRun{
		ID:         summary.ID,
		Kind:       string(summary.Mode),
		StartedAt:  started,
		FinishedAt: time.Now(),
		Counts:     make(map[string]map[string]int, len(summary.Underlyings)),
	}
	for _, s := range summary.Underlyings {
		run.Counts[fmt.Sprintf("%s@%s", s.Underlying, s.Timestamp.Format(time.RFC3339))] = s.Counts()
	}
	if len(summary.Underlyings) == 1 {
		run.Underlying = summary.Underlyings[0].Underlying
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := p.Store.SaveRun(ctx, run); err != nil {
		p.Logger.Warn("failed to persist run summary", zap.String("run_id", summary.ID.String()), zap.Error(err))
	}
}

func newSummary(mode Mode, ts time.Time) Summary {
	return Summary{ID: uuid.New(), Mode: mode, Timestamp: ts}
}
