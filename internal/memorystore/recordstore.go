package memorystore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"optionpulse/internal/market"
)

// MemoryRecordStore holds prediction records in memory with the same stage
// ownership rules as the database table. Used for dry runs and tests.
type MemoryRecordStore struct {
	globalMu sync.RWMutex
	data     map[string]*underlyingRecords
}

type underlyingRecords struct {
	mu      sync.Mutex
	records map[time.Time]market.PredictionRecord
}

func NewRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		data: make(map[string]*underlyingRecords),
	}
}

func (s *MemoryRecordStore) underlying(name string) *underlyingRecords {
	// Fast path: lock per-underlying store only
	s.globalMu.RLock()
	store, ok := s.data[name]
	s.globalMu.RUnlock()
	if ok {
		return store
	}

	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	if store, ok = s.data[name]; !ok {
		store = &underlyingRecords{records: make(map[time.Time]market.PredictionRecord)}
		s.data[name] = store
	}
	return store
}

func (s *MemoryRecordStore) LoadRecords(_ context.Context, underlying string) ([]market.PredictionRecord, error) {
	store := s.underlying(underlying)
	store.mu.Lock()
	defer store.mu.Unlock()

	out := make([]market.PredictionRecord, 0, len(store.records))
	for _, r := range store.records {
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// SaveStage copies only the stage's group into stored rows. Stage predict never
// replaces an existing row; later stages require one.
func (s *MemoryRecordStore) SaveStage(_ context.Context, stage market.Stage, records []market.PredictionRecord) error {
	for _, r := range records {
		r = clone(r)
		store := s.underlying(r.Underlying)
		store.mu.Lock()
		stored, exists := store.records[r.Date]

		switch {
		case stage == market.StagePredict:
			if !exists {
				store.records[r.Date] = market.PredictionRecord{Underlying: r.Underlying, Date: r.Date, Prediction: r.Prediction}
			}
		case !exists:
			store.mu.Unlock()
			return fmt.Errorf("%w: no prediction for %s", market.ErrIntegrityViolation, market.UnderlyingKey(r.Underlying, r.Date))
		case stage == market.StageBacktest:
			stored.Backtest = r.Backtest
		case stage == market.StageSelect:
			stored.Selection = r.Selection
		case stage == market.StageTrade:
			stored.Trade = r.Trade
		default:
			store.mu.Unlock()
			return fmt.Errorf("unknown stage %q", stage)
		}
		if exists {
			store.records[r.Date] = stored
		}
		store.mu.Unlock()
	}
	return nil
}

// clone copies the nested groups so callers never share them with the store.
func clone(r market.PredictionRecord) market.PredictionRecord {
	if r.Backtest != nil {
		b := *r.Backtest
		r.Backtest = &b
	}
	if r.Selection != nil {
		sel := *r.Selection
		r.Selection = &sel
	}
	if r.Trade != nil {
		t := *r.Trade
		if t.Result != nil {
			res := *t.Result
			t.Result = &res
		}
		r.Trade = &t
	}
	return r
}
