package prediction

import (
	"context"
	"math"
	"sort"
	"strings"

	"optionpulse/internal/market"
	"optionpulse/pkg/pricing"

	"go.uber.org/zap"
)

// Selector is stage C: it picks one option contract to express a directional prediction.
type Selector struct {
	Data    MarketData
	Session market.Session
	Logger  *zap.Logger
}

// candidate is a chain row that passed the side, expiry and price filters.
type candidate struct {
	row   market.ChainRow
	price float64
	dist  float64
}

// optionSide classifies a chain row by its option type, then its trading-symbol
// suffix, then the sign of its delta.
func optionSide(row market.ChainRow) (pricing.OptionType, bool) {
	if row.Instrument.OptionType != "" {
		return row.Instrument.OptionType, true
	}
	sym := strings.ToUpper(row.Instrument.TradingSymbol)
	switch {
	case strings.HasSuffix(sym, "CE"):
		return pricing.Call, true
	case strings.HasSuffix(sym, "PE"):
		return pricing.Put, true
	}
	if row.Calc != nil && row.Calc.Delta != nil && *row.Calc.Delta != 0 {
		if *row.Calc.Delta > 0 {
			return pricing.Call, true
		}
		return pricing.Put, true
	}
	return "", false
}

// Pick applies the selection order to a chain observed on record date r.Date:
// matching side, expiry after the date, positive price, nearest expiry, strike
// nearest the reference price, highest volume, highest open interest, then lowest
// strike and lowest token.
func (s Selector) Pick(r market.PredictionRecord, chain []market.ChainRow) (market.OptionSelection, bool) {
	side, ok := r.Prediction.Side()
	if !ok {
		return market.OptionSelection{}, false
	}

	var ref float64
	if r.Backtest != nil {
		ref = r.Backtest.TodayClose
	}

	var cands []candidate
	for _, row := range chain {
		if got, ok := optionSide(row); !ok || got != side {
			continue
		}
		if !row.Instrument.Expiry.After(r.Date) {
			continue
		}
		price, ok := row.Snapshot.Price()
		if !ok {
			continue
		}

		spot := ref
		if spot <= 0 && row.Snapshot.UnderlyingPrice != nil {
			spot = *row.Snapshot.UnderlyingPrice
		}
		cands = append(cands, candidate{row: row, price: price, dist: math.Abs(row.Instrument.Strike - spot)})
	}
	if len(cands) == 0 {
		return market.OptionSelection{}, false
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if !a.row.Instrument.Expiry.Equal(b.row.Instrument.Expiry) {
			return a.row.Instrument.Expiry.Before(b.row.Instrument.Expiry)
		}
		if a.dist != b.dist {
			return a.dist < b.dist
		}
		if a.row.Snapshot.Volume != b.row.Snapshot.Volume {
			return a.row.Snapshot.Volume > b.row.Snapshot.Volume
		}
		if a.row.Snapshot.OI != b.row.Snapshot.OI {
			return a.row.Snapshot.OI > b.row.Snapshot.OI
		}
		if a.row.Instrument.Strike != b.row.Instrument.Strike {
			return a.row.Instrument.Strike < b.row.Instrument.Strike
		}
		return a.row.Instrument.Token < b.row.Instrument.Token
	})

	best := cands[0]
	return market.OptionSelection{
		Token:          best.row.Instrument.Token,
		TradingSymbol:  best.row.Instrument.TradingSymbol,
		Strike:         best.row.Instrument.Strike,
		Expiry:         best.row.Instrument.Expiry,
		OptionType:     side,
		SelectionPrice: best.price,
	}, true
}

// Run selects contracts for CALL/PUT records that are backtested and unselected,
// using the chain stored at the close snapshot of the prediction date.
func (s Selector) Run(ctx context.Context, set *RecordSet) (StageSummary, error) {
	summary := StageSummary{Stage: market.StageSelect}

	for _, r := range set.Records() {
		if !r.NeedsSelection() {
			continue
		}

		chain, err := s.Data.ChainAt(ctx, set.Underlying, s.Session.CloseAt(r.Date))
		if err != nil {
			summary.Failed++
			s.Logger.Warn("failed to load chain",
				zap.String("underlying", set.Underlying), zap.Time("date", r.Date), zap.Error(err))
			continue
		}

		sel, ok := s.Pick(r, chain)
		if !ok {
			summary.SkippedNoData++
			s.Logger.Info("no selectable option",
				zap.String("underlying", set.Underlying),
				zap.Time("date", r.Date),
				zap.Int("chain_size", len(chain)))
			continue
		}
		if err := set.SetSelection(r.Date, sel); err != nil {
			summary.Failed++
			s.Logger.Warn("selection not recorded", zap.String("underlying", set.Underlying), zap.Error(err))
			continue
		}
		summary.Processed++
	}
	return summary, nil
}
