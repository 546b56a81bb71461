package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"optionpulse/internal/market"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func underlyingRecordKey(r UnderlyingSnapshotRecord) string {
	return market.UnderlyingKey(r.Underlying, r.SnapshotTime)
}

// UpsertUnderlyingSnapshots writes index/stock prices idempotently on (underlying, snapshot_time).
func (p *PostgresClient) UpsertUnderlyingSnapshots(ctx context.Context, snapshots []market.UnderlyingSnapshot) error {
	records := make([]UnderlyingSnapshotRecord, len(snapshots))
	for i, s := range snapshots {
		records[i] = UnderlyingSnapshotRecord{
			Underlying:   s.Underlying,
			SnapshotTime: market.StoredTime(s.Timestamp),
			Open:         s.Open,
			High:         s.High,
			Low:          s.Low,
			Close:        s.Close,
		}
	}

	return writeBatches(ctx, p.DB, records, p.BatchSize, underlyingRecordKey,
		func(tx *gorm.DB, batch []UnderlyingSnapshotRecord) error {
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "underlying"}, {Name: "snapshot_time"}},
				DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close"}),
			}).Create(&batch).Error
		})
}

// UnderlyingAt returns the stored underlying snapshot at ts.
func (p *PostgresClient) UnderlyingAt(ctx context.Context, underlying string, ts time.Time) (market.UnderlyingSnapshot, error) {
	var rec UnderlyingSnapshotRecord
	err := p.DB.WithContext(ctx).
		Where("underlying = ? AND snapshot_time = ?", underlying, market.StoredTime(ts)).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return market.UnderlyingSnapshot{}, fmt.Errorf("%s at %s: %w", underlying, ts.Format(time.RFC3339), market.ErrDataUnavailable)
	}
	if err != nil {
		return market.UnderlyingSnapshot{}, err
	}
	return market.UnderlyingSnapshot{
		Underlying: rec.Underlying,
		Timestamp:  rec.SnapshotTime.UTC(),
		Open:       rec.Open,
		High:       rec.High,
		Low:        rec.Low,
		Close:      rec.Close,
	}, nil
}

// DailyBars folds the underlying's stored snapshots into one bar per market date:
// Open from the open snapshot, Close from the close snapshot. Other timestamps are ignored.
func (p *PostgresClient) DailyBars(ctx context.Context, underlying string) ([]market.DailyBar, error) {
	var records []UnderlyingSnapshotRecord
	err := p.DB.WithContext(ctx).
		Where("underlying = ?", underlying).
		Order("snapshot_time").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("daily bars %s: %w", underlying, err)
	}

	bars := make(map[time.Time]*market.DailyBar)
	for _, r := range records {
		ts := r.SnapshotTime.UTC()
		date := p.Session.MarketDate(ts)

		bar, ok := bars[date]
		if !ok {
			bar = &market.DailyBar{Date: date}
			bars[date] = bar
		}
		switch {
		case p.Session.IsOpenSnapshot(ts):
			open := r.Open
			bar.Open = &open
		case p.Session.IsCloseSnapshot(ts):
			closePrice := r.Close
			bar.Close = &closePrice
		}
	}

	out := make([]market.DailyBar, 0, len(bars))
	for _, b := range bars {
		if b.Open != nil || b.Close != nil {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}
