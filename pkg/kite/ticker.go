package kite

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"optionpulse/internal/market"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Ticker streams binary quote packets from the Kite WebSocket.
type Ticker struct {
	url    string
	mode   string
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	tokens  []int64
	handler func([]Tick)

	// ReconnectDelay is the wait between reconnect attempts.
	ReconnectDelay time.Duration
}

// NewTicker creates a ticker for wsURL authenticated with the API key and access token.
func NewTicker(wsURL, apiKey, accessToken string, logger *zap.Logger) (*Ticker, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ticker url %q: %w", wsURL, err)
	}
	q := u.Query()
	q.Set("api_key", apiKey)
	q.Set("access_token", accessToken)
	u.RawQuery = q.Encode()

	return &Ticker{
		url:            u.String(),
		mode:           ModeFull,
		logger:         logger,
		ReconnectDelay: 3 * time.Second,
	}, nil
}

// SetTickHandler sets the function to handle decoded ticks.
func (t *Ticker) SetTickHandler(h func([]Tick)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Connect dials the ticker and subscribes to tokens in full mode.
// It does not start the listener.
func (t *Ticker) Connect(ctx context.Context, tokens []int64) error {
	t.mu.Lock()
	t.tokens = append([]int64(nil), tokens...)
	t.mu.Unlock()

	if err := t.dialAndSubscribe(ctx); err != nil {
		t.logger.Error("Failed to connect to ticker", zap.Error(err))
		return err
	}
	t.logger.Info("Ticker connected", zap.Int("tokens", len(tokens)))
	return nil
}

func (t *Ticker) dialAndSubscribe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("%w: ticker dial: %w", market.ErrExternalFailure, err)
	}

	t.mu.Lock()
	tokens := t.tokens
	t.mu.Unlock()

	// Subscribe first, then switch the same tokens to the requested mode
	if err := conn.WriteJSON(map[string]interface{}{"a": "subscribe", "v": tokens}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("ticker subscribe failed: %w", err)
	}
	if err := conn.WriteJSON(map[string]interface{}{"a": "mode", "v": []interface{}{t.mode, tokens}}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("ticker mode failed: %w", err)
	}

	t.mu.Lock()
	old := t.conn
	t.conn = conn
	t.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Listen reads messages until ctx is done, reconnecting and resubscribing on read errors.
func (t *Ticker) Listen(ctx context.Context) {
	// Unblock ReadMessage when the caller is done
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	for ctx.Err() == nil {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		kind, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Error("Ticker read error", zap.Error(err))
			t.reconnect(ctx)
			continue
		}
		if kind != websocket.BinaryMessage {
			// text frames carry order updates and error notices
			t.logger.Debug("ticker text message", zap.ByteString("msg", msg))
			continue
		}

		ticks, err := ParseBinary(msg)
		if err != nil {
			t.logger.Warn("failed to parse ticker packet", zap.Error(err))
		}
		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil && len(ticks) > 0 {
			h(ticks)
		}
	}
}

// reconnect retries until it succeeds or ctx is done.
func (t *Ticker) reconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.ReconnectDelay):
		}
		if err := t.dialAndSubscribe(ctx); err != nil {
			t.logger.Warn("Retrying ticker reconnect...", zap.Error(err))
			continue
		}
		t.logger.Info("Ticker reconnected successfully")
		return
	}
}

func (t *Ticker) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Quote converts a tick into a quote stamped with at.
func (tk Tick) Quote(at time.Time) market.Quote {
	q := market.Quote{
		Token:     tk.Token,
		Timestamp: at,
		LastPrice: tk.LastPrice,
		Volume:    tk.Volume,
		OI:        tk.OI,
		Open:      tk.Open,
		High:      tk.High,
		Low:       tk.Low,
		Close:     tk.Close,
	}
	if len(tk.Bids) > 0 {
		q.BidPrice, q.BidQty = tk.Bids[0].Price, tk.Bids[0].Quantity
	}
	if len(tk.Asks) > 0 {
		q.AskPrice, q.AskQty = tk.Asks[0].Price, tk.Asks[0].Quantity
	}
	return q
}
