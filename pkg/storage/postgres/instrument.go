package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"optionpulse/internal/market"
	"optionpulse/pkg/pricing"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func toOptionInstrumentRecord(i market.Instrument) OptionInstrumentRecord {
	return OptionInstrumentRecord{
		InstrumentToken: i.Token,
		ExchangeToken:   i.ExchangeToken,
		TradingSymbol:   i.TradingSymbol,
		Underlying:      i.UnderlyingName(),
		Exchange:        i.Exchange,
		Segment:         i.Segment,
		InstrumentType:  i.InstrumentType,
		OptionType:      string(i.OptionType),
		Strike:          i.Strike,
		Expiry:          datatypes.Date(i.Expiry),
		LotSize:         i.LotSize,
		TickSize:        i.TickSize,
		FetchDate:       datatypes.Date(i.FetchDate),
	}
}

func (r OptionInstrumentRecord) toMarket() market.Instrument {
	return market.Instrument{
		ID:             r.ID,
		Token:          r.InstrumentToken,
		ExchangeToken:  r.ExchangeToken,
		TradingSymbol:  r.TradingSymbol,
		Name:           r.Underlying,
		Underlying:     r.Underlying,
		Exchange:       r.Exchange,
		Segment:        r.Segment,
		InstrumentType: r.InstrumentType,
		Strike:         r.Strike,
		Expiry:         dateOf(r.Expiry),
		OptionType:     pricing.OptionType(r.OptionType),
		LotSize:        r.LotSize,
		TickSize:       r.TickSize,
		FetchDate:      dateOf(r.FetchDate),
	}
}

func (r StockInstrumentRecord) toMarket() market.Instrument {
	return market.Instrument{
		ID:             r.ID,
		Token:          r.InstrumentToken,
		ExchangeToken:  r.ExchangeToken,
		TradingSymbol:  r.TradingSymbol,
		Name:           r.Name,
		Underlying:     r.Underlying,
		Exchange:       r.Exchange,
		Segment:        r.Segment,
		InstrumentType: r.InstrumentType,
		LotSize:        r.LotSize,
		TickSize:       r.TickSize,
		FetchDate:      dateOf(r.FetchDate),
	}
}

// dateOf re-anchors a scanned date at UTC midnight.
func dateOf(d datatypes.Date) time.Time {
	y, m, day := time.Time(d).Date()
	return market.Date(y, m, day)
}

// UpsertOptionInstruments appends instruments whose token is new. Existing rows are never modified.
// It returns the number of rows inserted.
func (p *PostgresClient) UpsertOptionInstruments(ctx context.Context, instruments []market.Instrument) (int64, error) {
	seen := make(map[int64]bool, len(instruments))
	records := make([]OptionInstrumentRecord, 0, len(instruments))
	for _, i := range instruments {
		if !i.IsOption() || seen[i.Token] {
			continue
		}
		seen[i.Token] = true
		records = append(records, toOptionInstrumentRecord(i))
	}
	return appendOnly(ctx, p.DB, records, p.BatchSize)
}

// UpsertStockInstruments appends equity/index instruments whose token is new.
func (p *PostgresClient) UpsertStockInstruments(ctx context.Context, instruments []market.Instrument) (int64, error) {
	seen := make(map[int64]bool, len(instruments))
	records := make([]StockInstrumentRecord, 0, len(instruments))
	for _, i := range instruments {
		if seen[i.Token] {
			continue
		}
		seen[i.Token] = true
		lot := i.LotSize
		if lot <= 0 {
			lot = 1
		}
		records = append(records, StockInstrumentRecord{
			InstrumentToken: i.Token,
			ExchangeToken:   i.ExchangeToken,
			TradingSymbol:   i.TradingSymbol,
			Name:            i.Name,
			Underlying:      i.UnderlyingName(),
			Exchange:        i.Exchange,
			Segment:         i.Segment,
			InstrumentType:  i.InstrumentType,
			LotSize:         lot,
			TickSize:        i.TickSize,
			FetchDate:       datatypes.Date(i.FetchDate),
		})
	}
	return appendOnly(ctx, p.DB, records, p.BatchSize)
}

func appendOnly[T any](ctx context.Context, db *gorm.DB, records []T, size int) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if size <= 0 {
		size = DefaultBatchSize
	}

	var inserted int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for start := 0; start < len(records); start += size {
			batch := records[start:min(start+size, len(records))]
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "instrument_token"}},
				DoNothing: true,
			}).Create(&batch)
			if res.Error != nil {
				return res.Error
			}
			inserted += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("append instruments: %w", err)
	}
	return inserted, nil
}

// InstrumentByToken looks up an option first, then a stock/index instrument.
func (p *PostgresClient) InstrumentByToken(ctx context.Context, token int64) (market.Instrument, error) {
	var opt OptionInstrumentRecord
	err := p.DB.WithContext(ctx).Where("instrument_token = ?", token).First(&opt).Error
	if err == nil {
		return opt.toMarket(), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return market.Instrument{}, err
	}

	var stock StockInstrumentRecord
	err = p.DB.WithContext(ctx).Where("instrument_token = ?", token).First(&stock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return market.Instrument{}, fmt.Errorf("instrument token %d: %w", token, market.ErrNotFound)
	}
	if err != nil {
		return market.Instrument{}, err
	}
	return stock.toMarket(), nil
}

func (p *PostgresClient) OptionInstrumentByID(ctx context.Context, id int64) (market.Instrument, error) {
	var rec OptionInstrumentRecord
	err := p.DB.WithContext(ctx).First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return market.Instrument{}, fmt.Errorf("option instrument %d: %w", id, market.ErrNotFound)
	}
	if err != nil {
		return market.Instrument{}, err
	}
	return rec.toMarket(), nil
}

// OptionInstruments lists the options of an underlying expiring on or after asOf.
func (p *PostgresClient) OptionInstruments(ctx context.Context, underlying string, asOf time.Time) ([]market.Instrument, error) {
	var records []OptionInstrumentRecord
	err := p.DB.WithContext(ctx).
		Where("underlying = ? AND expiry >= ?", underlying, datatypes.Date(asOf)).
		Order("expiry, strike, option_type, instrument_token").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	out := make([]market.Instrument, len(records))
	for i, r := range records {
		out[i] = r.toMarket()
	}
	return out, nil
}

// SpotInstrument finds the NSE instrument quoting an underlying's spot price.
func (p *PostgresClient) SpotInstrument(ctx context.Context, exchange, tradingSymbol string) (market.Instrument, error) {
	var rec StockInstrumentRecord
	err := p.DB.WithContext(ctx).
		Where("exchange = ? AND trading_symbol = ?", exchange, tradingSymbol).
		Order("id DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return market.Instrument{}, fmt.Errorf("spot instrument %s:%s: %w", exchange, tradingSymbol, market.ErrNotFound)
	}
	if err != nil {
		return market.Instrument{}, err
	}
	return rec.toMarket(), nil
}

// SearchStocks matches trading symbols or names by prefix.
func (p *PostgresClient) SearchStocks(ctx context.Context, query string, limit int) ([]market.Instrument, error) {
	if limit <= 0 {
		limit = 20
	}
	like := query + "%"
	var records []StockInstrumentRecord
	err := p.DB.WithContext(ctx).
		Where("UPPER(trading_symbol) LIKE UPPER(?) OR UPPER(name) LIKE UPPER(?)", like, like).
		Order("trading_symbol").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	out := make([]market.Instrument, len(records))
	for i, r := range records {
		out[i] = r.toMarket()
	}
	return out, nil
}
