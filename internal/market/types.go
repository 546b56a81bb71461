package market

import (
	"fmt"
	"strings"
	"time"

	"optionpulse/pkg/pricing"
)

// Instrument is one row of the exchange instrument master.
// Dates are UTC midnight of the market calendar date.
// ID is the store's row id; snapshots reference it. Token is the exchange token.
type Instrument struct {
	ID             int64
	Token          int64
	ExchangeToken  int64
	TradingSymbol  string
	Name           string // master "name": underlying for derivatives, company for equities
	Underlying     string // normalized underlying this instrument belongs to
	Exchange       string
	Segment        string
	InstrumentType string // CE, PE, FUT, EQ, INDEX ...
	Strike         float64
	Expiry         time.Time
	OptionType     pricing.OptionType // empty for non-options
	LotSize        int
	TickSize       float64
	FetchDate      time.Time
}

func (i Instrument) IsOption() bool { return i.OptionType != "" }

func (i Instrument) UnderlyingName() string {
	if i.Underlying != "" {
		return i.Underlying
	}
	return i.Name
}

// Quote is a point-in-time market observation from the quote source.
type Quote struct {
	Token     int64
	Timestamp time.Time
	LastPrice float64
	Volume    int64
	OI        int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	BidPrice  float64
	BidQty    int64
	AskPrice  float64
	AskQty    int64
}

// SnapshotKey identifies one observation of one instrument.
type SnapshotKey struct {
	InstrumentID int64
	Timestamp    time.Time
}

func (k SnapshotKey) String() string {
	return fmt.Sprintf("%d@%s", k.InstrumentID, k.Timestamp.UTC().Format(time.RFC3339))
}

// UnderlyingKey is the string key used for UnderlyingSnapshot rows.
func UnderlyingKey(underlying string, ts time.Time) string {
	return fmt.Sprintf("%s@%s", underlying, ts.UTC().Format(time.RFC3339))
}

// Snapshot is a raw option quote. Nil prices were missing at the source.
type Snapshot struct {
	InstrumentID    int64
	Timestamp       time.Time
	UnderlyingPrice *float64
	LastPrice       *float64
	BidPrice        *float64
	BidQty          int64
	AskPrice        *float64
	AskQty          int64
	Volume          int64
	OI              int64
}

func (s Snapshot) Key() SnapshotKey { return SnapshotKey{InstrumentID: s.InstrumentID, Timestamp: s.Timestamp} }

// Price returns the last price when it is present and positive.
func (s Snapshot) Price() (float64, bool) {
	if s.LastPrice == nil || *s.LastPrice <= 0 {
		return 0, false
	}
	return *s.LastPrice, true
}

// SnapshotCalc holds derived analytics. The Greeks are all set or all nil.
type SnapshotCalc struct {
	InstrumentID int64
	Timestamp    time.Time
	Spot         float64
	IV           *float64
	Delta        *float64
	Gamma        *float64
	Theta        *float64
	Vega         *float64
}

func (c SnapshotCalc) Key() SnapshotKey { return SnapshotKey{InstrumentID: c.InstrumentID, Timestamp: c.Timestamp} }

// CalcFromResult builds the calc row for a successful pricing result.
func CalcFromResult(key SnapshotKey, spot float64, r pricing.Result) SnapshotCalc {
	delta, gamma, theta, vega := r.Delta, r.Gamma, r.Theta, r.Vega
	return SnapshotCalc{
		InstrumentID: key.InstrumentID,
		Timestamp:    key.Timestamp,
		Spot:         spot,
		IV:           r.IV,
		Delta:        &delta,
		Gamma:        &gamma,
		Theta:        &theta,
		Vega:         &vega,
	}
}

type UnderlyingSnapshot struct {
	Underlying string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
}

// ChainRow is one option with its snapshot and calc at a common timestamp.
type ChainRow struct {
	Instrument Instrument
	Snapshot   Snapshot
	Calc       *SnapshotCalc
}

// TrendPoint is one observation in an option's history.
type TrendPoint struct {
	Date     time.Time
	Snapshot Snapshot
	Calc     *SnapshotCalc
}

// DailyBar carries the session open (open snapshot) and close (close snapshot) of one market date.
type DailyBar struct {
	Date  time.Time
	Open  *float64
	Close *float64
}

// Date returns UTC midnight for a calendar date.
func Date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses YYYY-MM-DD into a calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// NormalizeUnderlying maps exchange display names to the short underlying names
// used in the derivatives master.
func NormalizeUnderlying(name string, indexSymbols map[string]string) string {
	n := strings.ToUpper(strings.TrimSpace(name))
	for short, display := range indexSymbols {
		if strings.EqualFold(display, n) {
			return short
		}
	}
	return n
}
