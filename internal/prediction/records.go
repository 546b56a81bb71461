package prediction

import (
	"context"
	"fmt"
	"sort"
	"time"

	"optionpulse/internal/market"
)

// RecordSet is the in-memory view of one underlying's accumulated records.
// Setters only fill groups that are still empty; Flush persists the rows a
// stage changed.
type RecordSet struct {
	Underlying string

	store   RecordStore
	records map[time.Time]*market.PredictionRecord
	dirty   map[market.Stage]map[time.Time]bool
}

// LoadRecordSet reads every stored record of underlying.
func LoadRecordSet(ctx context.Context, store RecordStore, underlying string) (*RecordSet, error) {
	rows, err := store.LoadRecords(ctx, underlying)
	if err != nil {
		return nil, err
	}

	s := &RecordSet{
		Underlying: underlying,
		store:      store,
		records:    make(map[time.Time]*market.PredictionRecord, len(rows)),
		dirty:      make(map[market.Stage]map[time.Time]bool),
	}
	for i := range rows {
		r := rows[i]
		s.records[r.Date] = &r
	}
	return s, nil
}

func (s *RecordSet) Len() int { return len(s.records) }

func (s *RecordSet) Get(date time.Time) (market.PredictionRecord, bool) {
	r, ok := s.records[date]
	if !ok {
		return market.PredictionRecord{}, false
	}
	return *r, true
}

// Records returns copies of all records, oldest first.
func (s *RecordSet) Records() []market.PredictionRecord {
	out := make([]market.PredictionRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func (s *RecordSet) markDirty(stage market.Stage, date time.Time) {
	if s.dirty[stage] == nil {
		s.dirty[stage] = make(map[time.Time]bool)
	}
	s.dirty[stage][date] = true
}

// AddPrediction creates the record for date. An existing record is never altered
// and AddPrediction reports false.
func (s *RecordSet) AddPrediction(date time.Time, p market.Prediction) bool {
	if _, ok := s.records[date]; ok {
		return false
	}
	s.records[date] = &market.PredictionRecord{Underlying: s.Underlying, Date: date, Prediction: p}
	s.markDirty(market.StagePredict, date)
	return true
}

func (s *RecordSet) SetBacktest(date time.Time, b market.GapBacktest) error {
	r, ok := s.records[date]
	if !ok || r.Prediction == "" {
		return fmt.Errorf("%w: backtest for %s without prediction", market.ErrIntegrityViolation, date.Format(time.DateOnly))
	}
	if r.Backtest != nil {
		return fmt.Errorf("%w: backtest for %s already set", market.ErrIntegrityViolation, date.Format(time.DateOnly))
	}
	r.Backtest = &b
	s.markDirty(market.StageBacktest, date)
	return nil
}

func (s *RecordSet) SetSelection(date time.Time, sel market.OptionSelection) error {
	r, ok := s.records[date]
	if !ok || !r.NeedsSelection() {
		return fmt.Errorf("%w: record %s is not eligible for selection", market.ErrIntegrityViolation, date.Format(time.DateOnly))
	}
	r.Selection = &sel
	s.markDirty(market.StageSelect, date)
	return nil
}

// SetTrade writes a trade backtest. A pending trade may be replaced; a completed one may not.
func (s *RecordSet) SetTrade(date time.Time, t market.TradeBacktest) error {
	r, ok := s.records[date]
	if !ok || !r.NeedsTrade() {
		return fmt.Errorf("%w: record %s is not eligible for a trade backtest", market.ErrIntegrityViolation, date.Format(time.DateOnly))
	}
	r.Trade = &t
	s.markDirty(market.StageTrade, date)
	return nil
}

// Pending returns the number of rows a stage changed since its last flush.
func (s *RecordSet) Pending(stage market.Stage) int { return len(s.dirty[stage]) }

// Flush writes the rows changed by stage.
func (s *RecordSet) Flush(ctx context.Context, stage market.Stage) error {
	dates := s.dirty[stage]
	if len(dates) == 0 {
		return nil
	}

	rows := make([]market.PredictionRecord, 0, len(dates))
	for d := range dates {
		rows = append(rows, *s.records[d])
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Date.Before(rows[j].Date) })

	if err := s.store.SaveStage(ctx, stage, rows); err != nil {
		return fmt.Errorf("flush %s for %s: %w", stage, s.Underlying, err)
	}
	delete(s.dirty, stage)
	return nil
}
