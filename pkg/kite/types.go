package kite

import (
	"encoding/json"
	"time"
)

// Response is the envelope every Kite Connect v3 JSON endpoint returns.
type Response struct {
	Status    string          `json:"status"`     // "success" or "error"
	Data      json.RawMessage `json:"data"`       // Delay decoding
	Message   string          `json:"message"`    // set on errors
	ErrorType string          `json:"error_type"` // e.g. TokenException, InputException
}

// QuoteData is one instrument entry of GET /quote.
type QuoteData struct {
	InstrumentToken int64   `json:"instrument_token"`
	Timestamp       string  `json:"timestamp"`
	LastTradeTime   string  `json:"last_trade_time"`
	LastPrice       float64 `json:"last_price"`
	LastQuantity    int64   `json:"last_quantity"`
	Volume          int64   `json:"volume"`
	BuyQuantity     int64   `json:"buy_quantity"`
	SellQuantity    int64   `json:"sell_quantity"`
	OI              float64 `json:"oi"`
	OHLC            struct {
		Open  float64 `json:"open"`
		High  float64 `json:"high"`
		Low   float64 `json:"low"`
		Close float64 `json:"close"`
	} `json:"ohlc"`
	Depth struct {
		Buy  []DepthItem `json:"buy"`
		Sell []DepthItem `json:"sell"`
	} `json:"depth"`
}

type DepthItem struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int     `json:"orders"`
}

// HistoricalResponse is the data object of the historical candles endpoint.
// Each candle is [timestamp, open, high, low, close, volume, oi?].
type HistoricalResponse struct {
	Candles [][]json.RawMessage `json:"candles"`
}

// Candle is one parsed historical bar.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
	OI     int64
}

// Tick is one decoded ticker packet. Depth fields are set in full mode only.
type Tick struct {
	Token             int64
	Mode              string
	IsIndex           bool
	LastPrice         float64
	LastQuantity      int64
	AveragePrice      float64
	Volume            int64
	TotalBuyQuantity  int64
	TotalSellQuantity int64
	Open              float64
	High              float64
	Low               float64
	Close             float64
	LastTradeTime     time.Time
	OI                int64
	OIDayHigh         int64
	OIDayLow          int64
	Timestamp         time.Time
	Bids              []DepthItem
	Asks              []DepthItem
}
