package memorystore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"optionpulse/internal/market"
)

// MemoryMarketStore serves stored market data from memory.
type MemoryMarketStore struct {
	mu          sync.RWMutex
	bars        map[string][]market.DailyBar
	chains      map[string]map[time.Time][]market.ChainRow
	prices      map[int64]map[time.Time]float64
	instruments map[int64]market.Instrument
}

func NewMarketStore() *MemoryMarketStore {
	return &MemoryMarketStore{
		bars:        make(map[string][]market.DailyBar),
		chains:      make(map[string]map[time.Time][]market.ChainRow),
		prices:      make(map[int64]map[time.Time]float64),
		instruments: make(map[int64]market.Instrument),
	}
}

// AddBars appends daily bars and keeps them ordered by date.
func (s *MemoryMarketStore) AddBars(underlying string, bars ...market.DailyBar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append(s.bars[underlying], bars...)
	sort.Slice(all, func(i, j int) bool { return all[i].Date.Before(all[j].Date) })
	s.bars[underlying] = all
}

// AddCloses adds one bar per consecutive calendar day starting at start, with
// open and close both set to the given price.
func (s *MemoryMarketStore) AddCloses(underlying string, start time.Time, closes ...float64) {
	bars := make([]market.DailyBar, len(closes))
	for i, c := range closes {
		price := c
		bars[i] = market.DailyBar{Date: start.AddDate(0, 0, i), Open: &price, Close: &price}
	}
	s.AddBars(underlying, bars...)
}

func (s *MemoryMarketStore) AddChain(underlying string, ts time.Time, rows ...market.ChainRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chains[underlying] == nil {
		s.chains[underlying] = make(map[time.Time][]market.ChainRow)
	}
	key := market.StoredTime(ts)
	s.chains[underlying][key] = append(s.chains[underlying][key], rows...)
}

func (s *MemoryMarketStore) AddInstrument(i market.Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruments[i.Token] = i
}

func (s *MemoryMarketStore) AddPrice(instrumentID int64, ts time.Time, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prices[instrumentID] == nil {
		s.prices[instrumentID] = make(map[time.Time]float64)
	}
	s.prices[instrumentID][market.StoredTime(ts)] = price
}

func (s *MemoryMarketStore) DailyBars(_ context.Context, underlying string) ([]market.DailyBar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]market.DailyBar, len(s.bars[underlying]))
	copy(out, s.bars[underlying])
	return out, nil
}

func (s *MemoryMarketStore) ChainAt(_ context.Context, underlying string, ts time.Time) ([]market.ChainRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.chains[underlying][market.StoredTime(ts)]
	out := make([]market.ChainRow, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *MemoryMarketStore) PriceAt(_ context.Context, instrumentID int64, ts time.Time) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[instrumentID][market.StoredTime(ts)]
	return p, ok, nil
}

func (s *MemoryMarketStore) InstrumentByToken(_ context.Context, token int64) (market.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.instruments[token]
	if !ok {
		return market.Instrument{}, fmt.Errorf("instrument token %d: %w", token, market.ErrNotFound)
	}
	return i, nil
}
