package prediction

import (
	"context"
	"errors"
	"fmt"

	"optionpulse/internal/market"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TradeBacktester is stage D: buy the selected option at the next session's open
// snapshot and sell it at that session's close snapshot.
type TradeBacktester struct {
	Data    MarketData
	Session market.Session
	Logger  *zap.Logger
}

// Evaluate computes P&L for one contract traded from entry to exit.
func Evaluate(entry, exit decimal.Decimal, lotSize int) market.TradeBacktest {
	pnl := exit.Sub(entry)
	t := market.TradeBacktest{
		Status:         market.StatusDone,
		EntryPrice:     decimal.NewNullDecimal(entry),
		ExitPrice:      decimal.NewNullDecimal(exit),
		LotSize:        lotSize,
		PnLPerContract: decimal.NewNullDecimal(pnl),
		PnLPerLot:      decimal.NewNullDecimal(pnl.Mul(decimal.NewFromInt(int64(lotSize)))),
	}
	if !entry.IsZero() {
		t.ReturnPct = decimal.NewNullDecimal(pnl.Div(entry))
	}

	result := market.TradeBreakeven
	switch pnl.Sign() {
	case 1:
		result = market.TradeProfit
	case -1:
		result = market.TradeLoss
	}
	t.Result = &result
	return t
}

// Run backtests every record with a selection and no trade result. Records whose
// entry or exit price is missing are written as pending and retried later.
func (b TradeBacktester) Run(ctx context.Context, set *RecordSet) (StageSummary, error) {
	summary := StageSummary{Stage: market.StageTrade}

	for _, r := range set.Records() {
		if !r.NeedsTrade() {
			continue
		}
		if r.Backtest == nil {
			summary.SkippedNoData++
			continue
		}

		trade, err := b.trade(ctx, r)
		switch {
		case errors.Is(err, market.ErrNotFound):
			summary.SkippedNoData++
			b.Logger.Warn("selected option not in instrument master",
				zap.String("underlying", set.Underlying),
				zap.Int64("token", r.Selection.Token))
			continue
		case err != nil:
			summary.Failed++
			b.Logger.Warn("trade backtest failed",
				zap.String("underlying", set.Underlying), zap.Time("date", r.Date), zap.Error(err))
			continue
		}

		// A pending row already stored with the same status carries nothing new.
		if r.Trade != nil && trade.Result == nil && r.Trade.Status == trade.Status {
			summary.SkippedNoData++
			continue
		}
		if err := set.SetTrade(r.Date, trade); err != nil {
			summary.Failed++
			b.Logger.Warn("trade not recorded", zap.String("underlying", set.Underlying), zap.Error(err))
			continue
		}
		if trade.Result == nil {
			summary.SkippedNoData++
			continue
		}
		summary.Processed++
	}
	return summary, nil
}

func (b TradeBacktester) trade(ctx context.Context, r market.PredictionRecord) (market.TradeBacktest, error) {
	inst, err := b.Data.InstrumentByToken(ctx, r.Selection.Token)
	if err != nil {
		return market.TradeBacktest{}, err
	}

	day := r.Backtest.NextDate
	pending := market.TradeBacktest{EntryDate: day, ExitDate: day, LotSize: inst.LotSize}

	entry, ok, err := b.Data.PriceAt(ctx, inst.ID, b.Session.OpenAt(day))
	if err != nil {
		return market.TradeBacktest{}, fmt.Errorf("entry price: %w", err)
	}
	if !ok || entry <= 0 {
		pending.Status = market.StatusPendingNoEntryPrice
		return pending, nil
	}
	pending.EntryPrice = decimal.NewNullDecimal(decimal.NewFromFloat(entry))

	exit, ok, err := b.Data.PriceAt(ctx, inst.ID, b.Session.CloseAt(day))
	if err != nil {
		return market.TradeBacktest{}, fmt.Errorf("exit price: %w", err)
	}
	if !ok || exit <= 0 {
		pending.Status = market.StatusPendingNoExitPrice
		return pending, nil
	}

	t := Evaluate(decimal.NewFromFloat(entry), decimal.NewFromFloat(exit), inst.LotSize)
	t.EntryDate, t.ExitDate = day, day
	return t, nil
}
