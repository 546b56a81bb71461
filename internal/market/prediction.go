package market

import (
	"time"

	"optionpulse/pkg/pricing"

	"github.com/shopspring/decimal"
)

type Prediction string

const (
	PredictCall       Prediction = "CALL"
	PredictPut        Prediction = "PUT"
	PredictNoPosition Prediction = "NO_POSITION"
)

// Side maps a directional prediction to the option side that expresses it.
func (p Prediction) Side() (pricing.OptionType, bool) {
	switch p {
	case PredictCall:
		return pricing.Call, true
	case PredictPut:
		return pricing.Put, true
	}
	return "", false
}

type Outcome string

const (
	OutcomeCorrect    Outcome = "CORRECT"
	OutcomeIncorrect  Outcome = "INCORRECT"
	OutcomeMissedCall Outcome = "MISSED_CALL"
	OutcomeMissedPut  Outcome = "MISSED_PUT"
	OutcomeOKNoTrade  Outcome = "OK_NO_TRADE"
)

type TradeResult string

const (
	TradeProfit    TradeResult = "PROFIT"
	TradeLoss      TradeResult = "LOSS"
	TradeBreakeven TradeResult = "BREAKEVEN"
)

type BacktestStatus string

const (
	StatusDone                BacktestStatus = "DONE"
	StatusPendingNoEntryPrice BacktestStatus = "PENDING_NO_ENTRY_PRICE"
	StatusPendingNoExitPrice  BacktestStatus = "PENDING_NO_EXIT_PRICE"
)

// Stage names one column group of a PredictionRecord.
type Stage string

const (
	StagePredict  Stage = "predict"
	StageBacktest Stage = "backtest"
	StageSelect   Stage = "select"
	StageTrade    Stage = "trade"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StagePredict, StageBacktest, StageSelect, StageTrade}

// PredictionRecord is one (underlying, date) row. Each stage fills exactly one of
// the nested groups; a nil group has not been produced yet.
type PredictionRecord struct {
	Underlying string
	Date       time.Time
	Prediction Prediction

	Backtest  *GapBacktest
	Selection *OptionSelection
	Trade     *TradeBacktest
}

type GapBacktest struct {
	TodayClose float64
	NextDate   time.Time
	NextOpen   float64
	GapMovePct float64
	Result     Outcome
}

type OptionSelection struct {
	Token          int64
	TradingSymbol  string
	Strike         float64
	Expiry         time.Time
	OptionType     pricing.OptionType
	SelectionPrice float64
}

// TradeBacktest is complete once Result is set; pending rows keep Result nil.
type TradeBacktest struct {
	Status         BacktestStatus
	EntryDate      time.Time
	ExitDate       time.Time
	EntryPrice     decimal.NullDecimal
	ExitPrice      decimal.NullDecimal
	LotSize        int
	PnLPerContract decimal.NullDecimal
	PnLPerLot      decimal.NullDecimal
	ReturnPct      decimal.NullDecimal
	Result         *TradeResult
}

func (r PredictionRecord) NeedsBacktest() bool { return r.Prediction != "" && r.Backtest == nil }

func (r PredictionRecord) NeedsSelection() bool {
	_, directional := r.Prediction.Side()
	return directional && r.Backtest != nil && r.Selection == nil
}

func (r PredictionRecord) NeedsTrade() bool {
	return r.Selection != nil && (r.Trade == nil || r.Trade.Result == nil)
}
