package memorystore

import (
	"sync"

	"optionpulse/internal/market"
)

// MemoryQuoteStore keeps the latest quote per instrument token.
type MemoryQuoteStore struct {
	mu     sync.RWMutex
	quotes map[int64]market.Quote
}

func NewQuoteStore() *MemoryQuoteStore {
	return &MemoryQuoteStore{
		quotes: make(map[int64]market.Quote),
	}
}

// Add replaces the stored quote unless it is newer than q.
func (s *MemoryQuoteStore) Add(q market.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.quotes[q.Token]; ok && old.Timestamp.After(q.Timestamp) {
		return
	}
	s.quotes[q.Token] = q
}

func (s *MemoryQuoteStore) Get(token int64) (market.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[token]
	return q, ok
}

// Snapshot copies the quotes of the given tokens. Tokens without a quote are absent.
func (s *MemoryQuoteStore) Snapshot(tokens []int64) map[int64]market.Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]market.Quote, len(tokens))
	for _, t := range tokens {
		if q, ok := s.quotes[t]; ok {
			out[t] = q
		}
	}
	return out
}

// Covers reports whether every token has a quote.
func (s *MemoryQuoteStore) Covers(tokens []int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range tokens {
		if _, ok := s.quotes[t]; !ok {
			return false
		}
	}
	return true
}

// CountAll returns the number of instruments with a quote.
func (s *MemoryQuoteStore) CountAll() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.quotes)
}
