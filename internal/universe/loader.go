package universe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"optionpulse/config"
	"optionpulse/internal/market"
	"optionpulse/pkg/storage/postgres"

	"go.uber.org/zap"
)

// RunKind tags universe refreshes in the run log.
const RunKind = "universe"

type InstrumentSource interface {
	GetInstruments(ctx context.Context, exchange string) ([]market.Instrument, error)
}

// Store is the instrument side of the snapshot store.
type Store interface {
	UpsertOptionInstruments(ctx context.Context, instruments []market.Instrument) (int64, error)
	UpsertStockInstruments(ctx context.Context, instruments []market.Instrument) (int64, error)
	OptionInstruments(ctx context.Context, underlying string, asOf time.Time) ([]market.Instrument, error)
	SpotInstrument(ctx context.Context, exchange, tradingSymbol string) (market.Instrument, error)
	LastRun(ctx context.Context, kind string) (*postgres.PipelineRun, error)
	SaveRun(ctx context.Context, run postgres.PipelineRun) error
}

// Universe is what one underlying's snapshot needs: its spot instrument and live options.
type Universe struct {
	Underlying string
	Spot       market.Instrument
	Options    []market.Instrument
}

// Tokens lists the spot token followed by every option token.
func (u Universe) Tokens() []int64 {
	out := make([]int64, 0, len(u.Options)+1)
	out = append(out, u.Spot.Token)
	for _, o := range u.Options {
		out = append(out, o.Token)
	}
	return out
}

// Loader keeps the instrument master current and resolves per-underlying universes.
type Loader struct {
	Source  InstrumentSource
	Store   Store
	Market  config.MarketConfig
	Targets []string
	Session market.Session
	Timeout time.Duration
	Logger  *zap.Logger
}

// RefreshCounts reports how many instruments a refresh appended.
type RefreshCounts struct {
	Options int64
	Stocks  int64
}

// Refresh downloads the options and underlying exchange masters and appends new
// instruments: options of the target underlyings, and equities and indices.
func (l *Loader) Refresh(ctx context.Context) (RefreshCounts, error) {
	var counts RefreshCounts
	started := time.Now()

	err := l.refresh(ctx, &counts)
	run := postgres.PipelineRun{
		Kind:       RunKind,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Counts: map[string]map[string]int{
			"instruments": {"options": int(counts.Options), "stocks": int(counts.Stocks)},
		},
	}
	if err != nil {
		run.Error = err.Error()
	}
	if saveErr := l.Store.SaveRun(ctx, run); saveErr != nil {
		l.Logger.Warn("failed to persist universe run", zap.Error(saveErr))
	}
	return counts, err
}

func (l *Loader) refresh(ctx context.Context, counts *RefreshCounts) error {
	targets := make(map[string]bool, len(l.Targets))
	for _, t := range l.Targets {
		targets[strings.ToUpper(t)] = true
	}

	options, err := l.fetch(ctx, l.Market.OptionsExchange)
	if err != nil {
		return err
	}
	var wanted []market.Instrument
	for _, inst := range options {
		if inst.IsOption() && targets[inst.UnderlyingName()] {
			wanted = append(wanted, inst)
		}
	}
	if counts.Options, err = l.Store.UpsertOptionInstruments(ctx, wanted); err != nil {
		return fmt.Errorf("store options: %w", err)
	}

	stocks, err := l.fetch(ctx, l.Market.UnderlyingExchange)
	if err != nil {
		return err
	}
	var spots []market.Instrument
	for _, inst := range stocks {
		if inst.InstrumentType != "EQ" && inst.Segment != "INDICES" {
			continue
		}
		inst.Underlying = market.NormalizeUnderlying(inst.TradingSymbol, l.Market.IndexSymbols)
		spots = append(spots, inst)
	}
	if counts.Stocks, err = l.Store.UpsertStockInstruments(ctx, spots); err != nil {
		return fmt.Errorf("store stocks: %w", err)
	}

	l.Logger.Info("instrument universe refreshed",
		zap.Int("options_seen", len(wanted)),
		zap.Int64("options_added", counts.Options),
		zap.Int("stocks_seen", len(spots)),
		zap.Int64("stocks_added", counts.Stocks))
	return nil
}

func (l *Loader) fetch(ctx context.Context, exchange string) ([]market.Instrument, error) {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	instruments, err := l.Source.GetInstruments(ctx, exchange)
	if err != nil {
		l.Logger.Error("failed to load instrument master", zap.String("exchange", exchange), zap.Error(err))
		return nil, fmt.Errorf("instruments %s: %w", exchange, err)
	}
	l.Logger.Info("loaded instruments", zap.String("exchange", exchange), zap.Int("count", len(instruments)))
	return instruments, nil
}

// RefreshIfStale refreshes at most once per market date. It reports whether a refresh ran.
func (l *Loader) RefreshIfStale(ctx context.Context, now time.Time) (bool, error) {
	last, err := l.Store.LastRun(ctx, RunKind)
	if err != nil {
		return false, fmt.Errorf("last universe run: %w", err)
	}
	if last != nil && l.Session.MarketDate(last.StartedAt).Equal(l.Session.MarketDate(now)) {
		l.Logger.Debug("instrument universe is current", zap.Time("refreshed_at", last.StartedAt))
		return false, nil
	}

	if _, err := l.Refresh(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// SpotSymbol is the underlying exchange trading symbol quoting an underlying's spot.
func (l *Loader) SpotSymbol(underlying string) string {
	if display, ok := l.Market.IndexSymbols[underlying]; ok {
		return display
	}
	return underlying
}

// Resolve returns the spot instrument and the options expiring on or after asOf.
func (l *Loader) Resolve(ctx context.Context, underlying string, asOf time.Time) (Universe, error) {
	spot, err := l.Store.SpotInstrument(ctx, l.Market.UnderlyingExchange, l.SpotSymbol(underlying))
	if err != nil {
		return Universe{}, fmt.Errorf("spot for %s: %w", underlying, err)
	}
	options, err := l.Store.OptionInstruments(ctx, underlying, asOf)
	if err != nil {
		return Universe{}, fmt.Errorf("options for %s: %w", underlying, err)
	}
	if len(options) == 0 {
		return Universe{}, fmt.Errorf("no live options for %s: %w", underlying, market.ErrDataUnavailable)
	}
	return Universe{Underlying: underlying, Spot: spot, Options: options}, nil
}
