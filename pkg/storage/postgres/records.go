package postgres

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// OptionInstrumentRecord is an NFO option from the instrument master. Append-only.
type OptionInstrumentRecord struct {
	ID int64 `gorm:"primaryKey"`

	InstrumentToken int64          `gorm:"not null;uniqueIndex:idx_option_instrument_token"`
	ExchangeToken   int64          `gorm:"not null"`
	TradingSymbol   string         `gorm:"type:varchar(64);not null;index:idx_option_instrument_symbol"`
	Underlying      string         `gorm:"type:varchar(32);not null;index:idx_option_instrument_underlying_expiry"`
	Exchange        string         `gorm:"type:varchar(16);not null"`
	Segment         string         `gorm:"type:varchar(16)"`
	InstrumentType  string         `gorm:"type:varchar(8);not null"`
	OptionType      string         `gorm:"type:varchar(8);not null"`
	Strike          float64        `gorm:"type:numeric;not null"`
	Expiry          datatypes.Date `gorm:"not null;index:idx_option_instrument_underlying_expiry"`
	LotSize         int            `gorm:"not null"`
	TickSize        float64        `gorm:"type:numeric"`
	FetchDate       datatypes.Date `gorm:"not null"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (OptionInstrumentRecord) TableName() string {
	return "option_instruments"
}

// StockInstrumentRecord is an NSE equity or index from the instrument master. Append-only.
type StockInstrumentRecord struct {
	ID int64 `gorm:"primaryKey"`

	InstrumentToken int64   `gorm:"not null;uniqueIndex:idx_stock_instrument_token"`
	ExchangeToken   int64   `gorm:"not null"`
	TradingSymbol   string  `gorm:"type:varchar(64);not null;index:idx_stock_instrument_symbol"`
	Name            string  `gorm:"type:text"`
	Underlying      string  `gorm:"type:varchar(32);not null;index:idx_stock_instrument_underlying"`
	Exchange        string  `gorm:"type:varchar(16);not null"`
	Segment         string  `gorm:"type:varchar(16)"`
	InstrumentType  string  `gorm:"type:varchar(8)"`
	LotSize         int     `gorm:"not null;default:1"`
	TickSize        float64 `gorm:"type:numeric"`

	FetchDate datatypes.Date `gorm:"not null"`
	CreatedAt time.Time      `gorm:"autoCreateTime"`
}

func (StockInstrumentRecord) TableName() string {
	return "stock_instruments"
}

// OptionSnapshotRecord is one raw quote. Unique on (instrument_id, snapshot_time).
type OptionSnapshotRecord struct {
	ID int64 `gorm:"primaryKey"`

	InstrumentID int64     `gorm:"not null;index:idx_option_snapshot_instrument_time,unique"`
	SnapshotTime time.Time `gorm:"not null;index:idx_option_snapshot_instrument_time,unique;index:idx_option_snapshot_time"`

	UnderlyingPrice *float64 `gorm:"type:numeric"`
	LastPrice       *float64 `gorm:"type:numeric"`
	BidPrice        *float64 `gorm:"type:numeric"`
	BidQty          int64
	AskPrice        *float64 `gorm:"type:numeric"`
	AskQty          int64
	Volume          int64
	OpenInterest    int64

	RecordedAt time.Time `gorm:"autoCreateTime"`
}

func (OptionSnapshotRecord) TableName() string {
	return "option_snapshots"
}

// OptionSnapshotCalcRecord holds IV and Greeks for a stored snapshot.
type OptionSnapshotCalcRecord struct {
	ID int64 `gorm:"primaryKey"`

	InstrumentID int64     `gorm:"not null;index:idx_option_calc_instrument_time,unique"`
	SnapshotTime time.Time `gorm:"not null;index:idx_option_calc_instrument_time,unique"`

	SpotPrice         float64  `gorm:"type:numeric;not null"`
	ImpliedVolatility *float64 `gorm:"type:numeric"`
	Delta             *float64 `gorm:"type:numeric"`
	Gamma             *float64 `gorm:"type:numeric"`
	Theta             *float64 `gorm:"type:numeric"`
	Vega              *float64 `gorm:"type:numeric"`

	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (OptionSnapshotCalcRecord) TableName() string {
	return "option_snapshot_calcs"
}

// UnderlyingSnapshotRecord is an index/stock price keyed by (underlying, snapshot_time).
type UnderlyingSnapshotRecord struct {
	ID int64 `gorm:"primaryKey"`

	Underlying   string    `gorm:"type:varchar(32);not null;index:idx_underlying_snapshot_time,unique"`
	SnapshotTime time.Time `gorm:"not null;index:idx_underlying_snapshot_time,unique"`

	Open  float64 `gorm:"type:numeric;not null"`
	High  float64 `gorm:"type:numeric;not null"`
	Low   float64 `gorm:"type:numeric;not null"`
	Close float64 `gorm:"type:numeric;not null"`

	RecordedAt time.Time `gorm:"autoCreateTime"`
}

func (UnderlyingSnapshotRecord) TableName() string {
	return "underlying_snapshots"
}

// PredictionRecordRow is the accumulating per-(underlying, date) pipeline row.
// Column groups: stage A prediction, stage B gap backtest, stage C selection, stage D trade.
type PredictionRecordRow struct {
	ID int64 `gorm:"primaryKey"`

	Underlying string         `gorm:"type:varchar(32);not null;index:idx_prediction_underlying_date,unique"`
	Date       datatypes.Date `gorm:"not null;index:idx_prediction_underlying_date,unique"`
	Prediction string         `gorm:"type:varchar(16);not null"`

	TodayClose *float64        `gorm:"type:numeric"`
	NextDate   *datatypes.Date `gorm:"type:date"`
	NextOpen   *float64        `gorm:"type:numeric"`
	GapMovePct *float64        `gorm:"type:numeric"`
	Result     *string         `gorm:"type:varchar(16)"`

	OptionToken    *int64          `gorm:"type:bigint"`
	OptionSymbol   *string         `gorm:"type:varchar(64)"`
	OptionStrike   *float64        `gorm:"type:numeric"`
	OptionExpiry   *datatypes.Date `gorm:"type:date"`
	OptionType     *string         `gorm:"type:varchar(8)"`
	SelectionPrice *float64        `gorm:"type:numeric"`

	EntryDate      *datatypes.Date     `gorm:"type:date"`
	ExitDate       *datatypes.Date     `gorm:"type:date"`
	EntryPrice     decimal.NullDecimal `gorm:"type:numeric"`
	ExitPrice      decimal.NullDecimal `gorm:"type:numeric"`
	LotSize        *int                `gorm:"type:integer"`
	PnLPerContract decimal.NullDecimal `gorm:"column:pnl_per_contract;type:numeric"`
	PnLPerLot      decimal.NullDecimal `gorm:"column:pnl_per_lot;type:numeric"`
	ReturnPct      decimal.NullDecimal `gorm:"type:numeric"`
	TradeResult    *string             `gorm:"type:varchar(16)"`
	BacktestStatus *string             `gorm:"type:varchar(32)"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (PredictionRecordRow) TableName() string {
	return "prediction_records"
}

// PipelineRunRecord persists one run summary.
type PipelineRunRecord struct {
	ID         uuid.UUID      `gorm:"type:varchar(36);primaryKey"`
	Kind       string         `gorm:"type:varchar(32);not null;index:idx_pipeline_run_kind"`
	Underlying string         `gorm:"type:varchar(32)"`
	StartedAt  time.Time      `gorm:"not null;index:idx_pipeline_run_started"`
	FinishedAt time.Time      `gorm:"not null"`
	Counts     datatypes.JSON `gorm:"not null"`
	Error      string         `gorm:"column:error_message;type:text"`
}

func (PipelineRunRecord) TableName() string {
	return "pipeline_runs"
}

func allModels() []any {
	return []any{
		&OptionInstrumentRecord{},
		&StockInstrumentRecord{},
		&OptionSnapshotRecord{},
		&OptionSnapshotCalcRecord{},
		&UnderlyingSnapshotRecord{},
		&PredictionRecordRow{},
		&PipelineRunRecord{},
	}
}
