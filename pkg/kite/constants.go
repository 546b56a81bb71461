package kite

import "fmt"

// CandleInterval is the interval segment of the historical candles endpoint.
type CandleInterval string

// CandleIntervalMeta holds the API value and bar width of a candle interval.
type CandleIntervalMeta struct {
	APIValue string
	Minutes  int
}

const (
	IntervalMinute   CandleInterval = "minute"
	Interval3Minute  CandleInterval = "3minute"
	Interval5Minute  CandleInterval = "5minute"
	Interval10Minute CandleInterval = "10minute"
	Interval15Minute CandleInterval = "15minute"
	Interval30Minute CandleInterval = "30minute"
	Interval60Minute CandleInterval = "60minute"
	IntervalDay      CandleInterval = "day"
)

var validCandleIntervals = map[CandleInterval]CandleIntervalMeta{
	IntervalMinute:   {APIValue: "minute", Minutes: 1},
	Interval3Minute:  {APIValue: "3minute", Minutes: 3},
	Interval5Minute:  {APIValue: "5minute", Minutes: 5},
	Interval10Minute: {APIValue: "10minute", Minutes: 10},
	Interval15Minute: {APIValue: "15minute", Minutes: 15},
	Interval30Minute: {APIValue: "30minute", Minutes: 30},
	Interval60Minute: {APIValue: "60minute", Minutes: 60},
	IntervalDay:      {APIValue: "day", Minutes: 375}, // one NSE session
}

// IsValid checks if the CandleInterval is a valid predefined interval
func (k CandleInterval) IsValid() bool {
	_, ok := validCandleIntervals[k]
	return ok
}

// ParseCandleInterval parses a string into a valid CandleIntervalMeta
func ParseCandleInterval(s string) (CandleIntervalMeta, error) {
	meta, ok := validCandleIntervals[CandleInterval(s)]
	if !ok {
		return CandleIntervalMeta{}, fmt.Errorf("invalid candle interval: %s", s)
	}
	return meta, nil
}

// Ticker streaming modes.
const (
	ModeLTP   = "ltp"
	ModeQuote = "quote"
	ModeFull  = "full"
)

// Exchange segments encoded in the low byte of an instrument token.
const (
	segmentNSECM   = 1
	segmentNSEFO   = 2
	segmentNSECD   = 3
	segmentBSECM   = 4
	segmentBSEFO   = 5
	segmentBSECD   = 6
	segmentMCXFO   = 7
	segmentMCXSX   = 8
	segmentIndices = 9
)

const (
	apiVersion = "3"

	// MaxQuoteInstruments is the most instruments one /quote call accepts.
	MaxQuoteInstruments = 500

	// kiteTimeLayout is the layout of candle timestamps, e.g. 2025-01-02T09:15:00+0530.
	kiteTimeLayout = "2006-01-02T15:04:05-0700"

	// quoteTimeLayout is the zone-less layout of quote timestamps in exchange time.
	quoteTimeLayout = "2006-01-02 15:04:05"
)
