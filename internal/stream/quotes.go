package stream

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"optionpulse/config"
	"optionpulse/internal/market"
	"optionpulse/internal/memorystore"
	"optionpulse/pkg/kite"

	"go.uber.org/zap"
)

// TickSource is the streaming side of the quote source. *kite.Ticker implements it.
type TickSource interface {
	SetTickHandler(h func([]kite.Tick))
	Connect(ctx context.Context, tokens []int64) error
	Listen(ctx context.Context)
	Close() error
}

// TickerQuotes answers quote requests from the ticker stream. Requested tokens
// are added to the subscription; a request waits until every token has ticked
// or Wait has passed and returns whatever is fresh.
type TickerQuotes struct {
	Source TickSource
	Store  *memorystore.MemoryQuoteStore
	Wait   time.Duration
	MaxAge time.Duration
	Poll   time.Duration
	Logger *zap.Logger
	Now    func() time.Time

	mu         sync.Mutex
	subscribed map[int64]bool
	stop       context.CancelFunc
	done       chan struct{}
}

func NewTickerQuotes(cfg config.KiteConfig, source TickSource, logger *zap.Logger) *TickerQuotes {
	q := &TickerQuotes{
		Source:     source,
		Store:      memorystore.NewQuoteStore(),
		Wait:       cfg.TickerWait,
		MaxAge:     cfg.TickerMaxAge,
		Poll:       50 * time.Millisecond,
		Logger:     logger,
		Now:        time.Now,
		subscribed: make(map[int64]bool),
	}
	source.SetTickHandler(MakeTickHandler(logger, q.Store, q.now))
	return q
}

func (q *TickerQuotes) now() time.Time {
	if q.Now == nil {
		return time.Now()
	}
	return q.Now()
}

// GetQuotes returns the latest fresh tick of each token. Tokens that never
// ticked within Wait are absent. An empty result is an error.
func (q *TickerQuotes) GetQuotes(ctx context.Context, tokens []int64) (map[int64]market.Quote, error) {
	if err := q.subscribe(ctx, tokens); err != nil {
		return nil, err
	}
	if err := q.waitFor(ctx, tokens); err != nil {
		return nil, err
	}

	quotes := q.Store.Snapshot(tokens)
	if q.MaxAge > 0 {
		cutoff := q.now().Add(-q.MaxAge)
		for token, quote := range quotes {
			if quote.Timestamp.Before(cutoff) {
				delete(quotes, token)
			}
		}
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("%w: no ticks for %d tokens within %s", market.ErrExternalFailure, len(tokens), q.Wait)
	}
	if len(quotes) < len(tokens) {
		q.Logger.Debug("partial tick coverage", zap.Int("requested", len(tokens)), zap.Int("received", len(quotes)))
	}
	return quotes, nil
}

func (q *TickerQuotes) waitFor(ctx context.Context, tokens []int64) error {
	if q.Store.Covers(tokens) {
		return nil
	}
	deadline := time.NewTimer(q.Wait)
	defer deadline.Stop()
	poll := time.NewTicker(q.Poll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-poll.C:
			if q.Store.Covers(tokens) {
				return nil
			}
		}
	}
}

// subscribe extends the subscription to tokens. The listener is restarted on
// a fresh connection carrying every token subscribed so far.
func (q *TickerQuotes) subscribe(ctx context.Context, tokens []int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.subscribed == nil {
		q.subscribed = make(map[int64]bool)
	}

	missing := false
	for _, t := range tokens {
		if !q.subscribed[t] {
			missing = true
			break
		}
	}
	if !missing {
		return nil
	}

	q.stopListener()
	all := make([]int64, 0, len(q.subscribed)+len(tokens))
	for t := range q.subscribed {
		all = append(all, t)
	}
	for _, t := range tokens {
		if !q.subscribed[t] {
			all = append(all, t)
		}
	}
	slices.Sort(all)
	all = slices.Compact(all)

	if err := q.Source.Connect(ctx, all); err != nil {
		return fmt.Errorf("ticker subscribe: %w", err)
	}
	for _, t := range all {
		q.subscribed[t] = true
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Source.Listen(listenCtx)
	}()
	q.stop, q.done = cancel, done
	q.Logger.Info("ticker subscription updated", zap.Int("tokens", len(all)))
	return nil
}

// stopListener must be called with mu held.
func (q *TickerQuotes) stopListener() {
	if q.stop == nil {
		return
	}
	q.stop()
	<-q.done
	q.stop, q.done = nil, nil
}

// Close stops the listener and closes the connection.
func (q *TickerQuotes) Close() error {
	q.mu.Lock()
	q.stopListener()
	q.mu.Unlock()
	return q.Source.Close()
}
