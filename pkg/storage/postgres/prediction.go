package postgres

import (
	"context"
	"fmt"

	"optionpulse/internal/market"
	"optionpulse/pkg/pricing"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// stageColumns lists the columns each stage owns. SaveStage never writes outside them.
var stageColumns = map[market.Stage][]string{
	market.StagePredict:  {"prediction"},
	market.StageBacktest: {"today_close", "next_date", "next_open", "gap_move_pct", "result"},
	market.StageSelect:   {"option_token", "option_symbol", "option_strike", "option_expiry", "option_type", "selection_price"},
	market.StageTrade: {
		"entry_date", "exit_date", "entry_price", "exit_price", "lot_size",
		"pnl_per_contract", "pnl_per_lot", "return_pct", "trade_result", "backtest_status",
	},
}

func ptr[T any](v T) *T { return &v }

func datePtr(d datatypes.Date) *datatypes.Date { return &d }

func toPredictionRow(r market.PredictionRecord) PredictionRecordRow {
	row := PredictionRecordRow{
		Underlying: r.Underlying,
		Date:       datatypes.Date(r.Date),
		Prediction: string(r.Prediction),
	}
	if b := r.Backtest; b != nil {
		row.TodayClose = ptr(b.TodayClose)
		row.NextDate = datePtr(datatypes.Date(b.NextDate))
		row.NextOpen = ptr(b.NextOpen)
		row.GapMovePct = ptr(b.GapMovePct)
		row.Result = ptr(string(b.Result))
	}
	if s := r.Selection; s != nil {
		row.OptionToken = ptr(s.Token)
		row.OptionSymbol = ptr(s.TradingSymbol)
		row.OptionStrike = ptr(s.Strike)
		row.OptionExpiry = datePtr(datatypes.Date(s.Expiry))
		row.OptionType = ptr(string(s.OptionType))
		row.SelectionPrice = ptr(s.SelectionPrice)
	}
	if t := r.Trade; t != nil {
		row.EntryDate = datePtr(datatypes.Date(t.EntryDate))
		row.ExitDate = datePtr(datatypes.Date(t.ExitDate))
		row.EntryPrice = t.EntryPrice
		row.ExitPrice = t.ExitPrice
		row.LotSize = ptr(t.LotSize)
		row.PnLPerContract = t.PnLPerContract
		row.PnLPerLot = t.PnLPerLot
		row.ReturnPct = t.ReturnPct
		row.BacktestStatus = ptr(string(t.Status))
		if t.Result != nil {
			row.TradeResult = ptr(string(*t.Result))
		}
	}
	return row
}

func (row PredictionRecordRow) toMarket() market.PredictionRecord {
	r := market.PredictionRecord{
		Underlying: row.Underlying,
		Date:       dateOf(row.Date),
		Prediction: market.Prediction(row.Prediction),
	}
	if row.Result != nil && row.TodayClose != nil && row.NextOpen != nil && row.NextDate != nil {
		b := &market.GapBacktest{
			TodayClose: *row.TodayClose,
			NextDate:   dateOf(*row.NextDate),
			NextOpen:   *row.NextOpen,
			Result:     market.Outcome(*row.Result),
		}
		if row.GapMovePct != nil {
			b.GapMovePct = *row.GapMovePct
		}
		r.Backtest = b
	}
	if row.OptionToken != nil {
		s := &market.OptionSelection{Token: *row.OptionToken}
		if row.OptionSymbol != nil {
			s.TradingSymbol = *row.OptionSymbol
		}
		if row.OptionStrike != nil {
			s.Strike = *row.OptionStrike
		}
		if row.OptionExpiry != nil {
			s.Expiry = dateOf(*row.OptionExpiry)
		}
		if row.OptionType != nil {
			s.OptionType = pricing.OptionType(*row.OptionType)
		}
		if row.SelectionPrice != nil {
			s.SelectionPrice = *row.SelectionPrice
		}
		r.Selection = s
	}
	if row.BacktestStatus != nil {
		t := &market.TradeBacktest{
			Status:         market.BacktestStatus(*row.BacktestStatus),
			EntryPrice:     row.EntryPrice,
			ExitPrice:      row.ExitPrice,
			PnLPerContract: row.PnLPerContract,
			PnLPerLot:      row.PnLPerLot,
			ReturnPct:      row.ReturnPct,
		}
		if row.EntryDate != nil {
			t.EntryDate = dateOf(*row.EntryDate)
		}
		if row.ExitDate != nil {
			t.ExitDate = dateOf(*row.ExitDate)
		}
		if row.LotSize != nil {
			t.LotSize = *row.LotSize
		}
		if row.TradeResult != nil {
			res := market.TradeResult(*row.TradeResult)
			t.Result = &res
		}
		r.Trade = t
	}
	return r
}

// LoadRecords returns an underlying's accumulated records, oldest first.
func (p *PostgresClient) LoadRecords(ctx context.Context, underlying string) ([]market.PredictionRecord, error) {
	var rows []PredictionRecordRow
	err := p.DB.WithContext(ctx).
		Where("underlying = ?", underlying).
		Order("date").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load records %s: %w", underlying, err)
	}

	out := make([]market.PredictionRecord, len(rows))
	for i, row := range rows {
		out[i] = row.toMarket()
	}
	return out, nil
}

// SaveStage writes one stage's column group for the given records. Stage A inserts
// new rows and leaves existing predictions untouched; later stages update only
// their own columns on rows that already exist.
func (p *PostgresClient) SaveStage(ctx context.Context, stage market.Stage, records []market.PredictionRecord) error {
	cols, ok := stageColumns[stage]
	if !ok {
		return fmt.Errorf("unknown stage %q", stage)
	}
	if len(records) == 0 {
		return nil
	}

	rows := make([]PredictionRecordRow, len(records))
	for i, r := range records {
		rows[i] = toPredictionRow(r)
	}

	conflict := clause.OnConflict{Columns: []clause.Column{{Name: "underlying"}, {Name: "date"}}}
	if stage == market.StagePredict {
		conflict.DoNothing = true
	} else {
		conflict.DoUpdates = clause.AssignmentColumns(append(append([]string{}, cols...), "updated_at"))
	}

	return writeBatches(ctx, p.DB, rows, p.BatchSize,
		func(r PredictionRecordRow) string {
			return market.UnderlyingKey(r.Underlying, dateOf(r.Date))
		},
		func(tx *gorm.DB, batch []PredictionRecordRow) error {
			if stage != market.StagePredict {
				if err := requireRecords(tx, batch); err != nil {
					return err
				}
			}
			return tx.Clauses(conflict).Create(&batch).Error
		})
}

// requireRecords stops later stages from creating rows that stage A never wrote.
func requireRecords(tx *gorm.DB, batch []PredictionRecordRow) error {
	for _, r := range batch {
		var n int64
		err := tx.Model(&PredictionRecordRow{}).
			Where("underlying = ? AND date = ?", r.Underlying, r.Date).
			Count(&n).Error
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: no prediction for %s", market.ErrIntegrityViolation,
				market.UnderlyingKey(r.Underlying, dateOf(r.Date)))
		}
	}
	return nil
}
