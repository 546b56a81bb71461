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

var snapshotKeyColumns = []clause.Column{{Name: "instrument_id"}, {Name: "snapshot_time"}}

func toSnapshotRecord(s market.Snapshot) OptionSnapshotRecord {
	return OptionSnapshotRecord{
		InstrumentID:    s.InstrumentID,
		SnapshotTime:    market.StoredTime(s.Timestamp),
		UnderlyingPrice: s.UnderlyingPrice,
		LastPrice:       s.LastPrice,
		BidPrice:        s.BidPrice,
		BidQty:          s.BidQty,
		AskPrice:        s.AskPrice,
		AskQty:          s.AskQty,
		Volume:          s.Volume,
		OpenInterest:    s.OI,
	}
}

func toCalcRecord(c market.SnapshotCalc) OptionSnapshotCalcRecord {
	return OptionSnapshotCalcRecord{
		InstrumentID:      c.InstrumentID,
		SnapshotTime:      market.StoredTime(c.Timestamp),
		SpotPrice:         c.Spot,
		ImpliedVolatility: c.IV,
		Delta:             c.Delta,
		Gamma:             c.Gamma,
		Theta:             c.Theta,
		Vega:              c.Vega,
	}
}

func snapshotRecordKey(r OptionSnapshotRecord) string {
	return market.SnapshotKey{InstrumentID: r.InstrumentID, Timestamp: r.SnapshotTime}.String()
}

func calcRecordKey(r OptionSnapshotCalcRecord) string {
	return market.SnapshotKey{InstrumentID: r.InstrumentID, Timestamp: r.SnapshotTime}.String()
}

// UpsertSnapshots writes raw quotes idempotently on (instrument_id, snapshot_time).
// A repeated key replaces the stored values. Failed keys come back in a *BatchError.
func (p *PostgresClient) UpsertSnapshots(ctx context.Context, snapshots []market.Snapshot) error {
	records := make([]OptionSnapshotRecord, len(snapshots))
	for i, s := range snapshots {
		records[i] = toSnapshotRecord(s)
	}

	return writeBatches(ctx, p.DB, records, p.BatchSize, snapshotRecordKey,
		func(tx *gorm.DB, batch []OptionSnapshotRecord) error {
			return tx.Clauses(clause.OnConflict{
				Columns: snapshotKeyColumns,
				DoUpdates: clause.AssignmentColumns([]string{
					"underlying_price", "last_price", "bid_price", "bid_qty",
					"ask_price", "ask_qty", "volume", "open_interest",
				}),
			}).Create(&batch).Error
		})
}

// UpsertCalcs writes IV/Greeks idempotently. A calc whose snapshot is not stored
// fails with market.ErrIntegrityViolation; the check runs inside the write transaction.
func (p *PostgresClient) UpsertCalcs(ctx context.Context, calcs []market.SnapshotCalc) error {
	records := make([]OptionSnapshotCalcRecord, len(calcs))
	for i, c := range calcs {
		if err := checkGreeks(c); err != nil {
			return err
		}
		records[i] = toCalcRecord(c)
	}

	return writeBatches(ctx, p.DB, records, p.BatchSize, calcRecordKey,
		func(tx *gorm.DB, batch []OptionSnapshotCalcRecord) error {
			if err := requireSnapshots(tx, batch); err != nil {
				return err
			}
			return tx.Clauses(clause.OnConflict{
				Columns: snapshotKeyColumns,
				DoUpdates: clause.AssignmentColumns([]string{
					"spot_price", "implied_volatility", "delta", "gamma", "theta", "vega", "updated_at",
				}),
			}).Create(&batch).Error
		})
}

func checkGreeks(c market.SnapshotCalc) error {
	set := 0
	for _, g := range []*float64{c.Delta, c.Gamma, c.Theta, c.Vega} {
		if g != nil {
			set++
		}
	}
	if set != 0 && set != 4 {
		return fmt.Errorf("%w: partial greeks for %s", market.ErrIntegrityViolation, c.Key())
	}
	return nil
}

func requireSnapshots(tx *gorm.DB, batch []OptionSnapshotCalcRecord) error {
	ids := make([]int64, 0, len(batch))
	times := make([]time.Time, 0, len(batch))
	for _, r := range batch {
		ids = append(ids, r.InstrumentID)
		times = append(times, r.SnapshotTime)
	}

	var existing []OptionSnapshotRecord
	err := tx.Select("instrument_id", "snapshot_time").
		Where("instrument_id IN ? AND snapshot_time IN ?", ids, times).
		Find(&existing).Error
	if err != nil {
		return err
	}

	stored := make(map[string]bool, len(existing))
	for _, r := range existing {
		stored[snapshotRecordKey(r)] = true
	}
	for _, r := range batch {
		if !stored[calcRecordKey(r)] {
			return fmt.Errorf("%w: no snapshot for calc %s", market.ErrIntegrityViolation, calcRecordKey(r))
		}
	}
	return nil
}

// PriceAt returns the stored last price of an instrument at ts. ok is false when
// no snapshot exists or its price was missing.
func (p *PostgresClient) PriceAt(ctx context.Context, instrumentID int64, ts time.Time) (price float64, ok bool, err error) {
	var rec OptionSnapshotRecord
	err = p.DB.WithContext(ctx).
		Where("instrument_id = ? AND snapshot_time = ?", instrumentID, market.StoredTime(ts)).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if rec.LastPrice == nil {
		return 0, false, nil
	}
	return *rec.LastPrice, true, nil
}

// chainScan is one joined instrument/snapshot/calc row.
type chainScan struct {
	InstrumentID    int64          `gorm:"column:instrument_id"`
	InstrumentToken int64          `gorm:"column:instrument_token"`
	TradingSymbol   string         `gorm:"column:trading_symbol"`
	Underlying      string         `gorm:"column:underlying"`
	Exchange        string         `gorm:"column:exchange"`
	InstrumentType  string         `gorm:"column:instrument_type"`
	OptionType      string         `gorm:"column:option_type"`
	Strike          float64        `gorm:"column:strike"`
	Expiry          datatypes.Date `gorm:"column:expiry"`
	LotSize         int            `gorm:"column:lot_size"`

	SnapshotTime    time.Time `gorm:"column:snapshot_time"`
	UnderlyingPrice *float64  `gorm:"column:underlying_price"`
	LastPrice       *float64  `gorm:"column:last_price"`
	BidPrice        *float64  `gorm:"column:bid_price"`
	BidQty          int64     `gorm:"column:bid_qty"`
	AskPrice        *float64  `gorm:"column:ask_price"`
	AskQty          int64     `gorm:"column:ask_qty"`
	Volume          int64     `gorm:"column:volume"`
	OpenInterest    int64     `gorm:"column:open_interest"`

	SpotPrice         *float64 `gorm:"column:spot_price"`
	ImpliedVolatility *float64 `gorm:"column:implied_volatility"`
	Delta             *float64 `gorm:"column:delta"`
	Gamma             *float64 `gorm:"column:gamma"`
	Theta             *float64 `gorm:"column:theta"`
	Vega              *float64 `gorm:"column:vega"`
}

const chainColumns = `i.id AS instrument_id, i.instrument_token, i.trading_symbol, i.underlying, i.exchange,
	i.instrument_type, i.option_type, i.strike, i.expiry, i.lot_size,
	s.snapshot_time, s.underlying_price, s.last_price, s.bid_price, s.bid_qty, s.ask_price, s.ask_qty,
	s.volume, s.open_interest,
	c.spot_price, c.implied_volatility, c.delta, c.gamma, c.theta, c.vega`

func (p *PostgresClient) chainQuery(ctx context.Context) *gorm.DB {
	return p.DB.WithContext(ctx).
		Table("option_snapshots AS s").
		Select(chainColumns).
		Joins("JOIN option_instruments AS i ON i.id = s.instrument_id").
		Joins("LEFT JOIN option_snapshot_calcs AS c ON c.instrument_id = s.instrument_id AND c.snapshot_time = s.snapshot_time")
}

func (r chainScan) toMarket() market.ChainRow {
	row := market.ChainRow{
		Instrument: market.Instrument{
			ID:             r.InstrumentID,
			Token:          r.InstrumentToken,
			TradingSymbol:  r.TradingSymbol,
			Name:           r.Underlying,
			Underlying:     r.Underlying,
			Exchange:       r.Exchange,
			InstrumentType: r.InstrumentType,
			OptionType:     pricing.OptionType(r.OptionType),
			Strike:         r.Strike,
			Expiry:         dateOf(r.Expiry),
			LotSize:        r.LotSize,
		},
		Snapshot: market.Snapshot{
			InstrumentID:    r.InstrumentID,
			Timestamp:       r.SnapshotTime.UTC(),
			UnderlyingPrice: r.UnderlyingPrice,
			LastPrice:       r.LastPrice,
			BidPrice:        r.BidPrice,
			BidQty:          r.BidQty,
			AskPrice:        r.AskPrice,
			AskQty:          r.AskQty,
			Volume:          r.Volume,
			OI:              r.OpenInterest,
		},
	}
	if r.SpotPrice != nil {
		row.Calc = &market.SnapshotCalc{
			InstrumentID: r.InstrumentID,
			Timestamp:    r.SnapshotTime.UTC(),
			Spot:         *r.SpotPrice,
			IV:           r.ImpliedVolatility,
			Delta:        r.Delta,
			Gamma:        r.Gamma,
			Theta:        r.Theta,
			Vega:         r.Vega,
		}
	}
	return row
}

func toChainRows(scans []chainScan) []market.ChainRow {
	out := make([]market.ChainRow, len(scans))
	for i, s := range scans {
		out[i] = s.toMarket()
	}
	return out
}

// ChainAt returns every option of an underlying that has a snapshot at exactly ts.
func (p *PostgresClient) ChainAt(ctx context.Context, underlying string, ts time.Time) ([]market.ChainRow, error) {
	var scans []chainScan
	err := p.chainQuery(ctx).
		Where("i.underlying = ? AND s.snapshot_time = ?", underlying, market.StoredTime(ts)).
		Order("i.expiry, i.strike, i.option_type, i.instrument_token").
		Scan(&scans).Error
	if err != nil {
		return nil, fmt.Errorf("chain %s at %s: %w", underlying, ts.Format(time.RFC3339), err)
	}
	return toChainRows(scans), nil
}

// LatestChain returns each option of an underlying with its most recent snapshot
// and calc, ordered by expiry, strike and type.
func (p *PostgresClient) LatestChain(ctx context.Context, underlying string) ([]market.ChainRow, error) {
	latest := p.DB.Model(&OptionSnapshotRecord{}).
		Select("instrument_id, MAX(snapshot_time) AS latest_time").
		Group("instrument_id")

	var scans []chainScan
	err := p.chainQuery(ctx).
		Joins("JOIN (?) AS l ON l.instrument_id = s.instrument_id AND l.latest_time = s.snapshot_time", latest).
		Where("i.underlying = ?", underlying).
		Order("i.expiry, i.strike, i.option_type, i.instrument_token").
		Scan(&scans).Error
	if err != nil {
		return nil, fmt.Errorf("latest chain %s: %w", underlying, err)
	}
	return toChainRows(scans), nil
}

// Trend returns an option's snapshots in [from, to], oldest first.
func (p *PostgresClient) Trend(ctx context.Context, instrumentID int64, from, to time.Time) ([]market.TrendPoint, error) {
	var scans []chainScan
	err := p.chainQuery(ctx).
		Where("s.instrument_id = ? AND s.snapshot_time >= ? AND s.snapshot_time <= ?",
			instrumentID, market.StoredTime(from), market.StoredTime(to)).
		Order("s.snapshot_time").
		Scan(&scans).Error
	if err != nil {
		return nil, fmt.Errorf("trend %d: %w", instrumentID, err)
	}

	points := make([]market.TrendPoint, len(scans))
	for i, s := range scans {
		row := s.toMarket()
		points[i] = market.TrendPoint{
			Date:     p.Session.MarketDate(row.Snapshot.Timestamp),
			Snapshot: row.Snapshot,
			Calc:     row.Calc,
		}
	}
	return points, nil
}
