package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// BacktestMetrics is the concrete shape behind BacktestRun.metrics_json,
// so the summary numbers a reviewer expects from a sleeve run (return,
// Sharpe, drawdown, turnover) are typed rather than buried in a bare map.
type BacktestMetrics struct {
	CumulativeReturn float64            `json:"cumulative_return"`
	AnnualizedSharpe float64            `json:"annualized_sharpe"`
	MaxDrawdown      float64            `json:"max_drawdown"`
	Turnover         float64            `json:"turnover"`
	ExposureMean     float64            `json:"exposure_mean"`
	RegimeBuckets    map[string]float64 `json:"regime_buckets,omitempty"`
	RiskScoreBuckets map[string]float64 `json:"risk_score_buckets,omitempty"`
}

// BacktestRun is one full sleeve replay over [start_date, end_date].
type BacktestRun struct {
	RunID      string          `json:"run_id"`
	StrategyID string          `json:"strategy_id"`
	SleeveID   string          `json:"sleeve_id"`
	Config     JSONBlob        `json:"config_json"`
	StartDate  string          `json:"start_date"`
	EndDate    string          `json:"end_date"`
	Metrics    BacktestMetrics `json:"metrics_json"`
}

// BacktestDailyEquity is one point on the sleeve's equity curve.
type BacktestDailyEquity struct {
	RunID     string             `json:"run_id"`
	Date      string             `json:"date"`
	Equity    decimal.Decimal    `json:"equity"`
	Drawdown  float64            `json:"drawdown"`
	Exposures map[string]float64 `json:"exposures,omitempty"`
}

// BacktestTrade is one fill recorded against a sleeve run.
type BacktestTrade struct {
	RunID              string          `json:"run_id"`
	TradeID            string          `json:"trade_id"`
	Date               string          `json:"date"`
	InstrumentID       string          `json:"instrument_id"`
	Side               OrderSide       `json:"side"`
	Quantity           decimal.Decimal `json:"quantity"`
	Price              decimal.Decimal `json:"price"`
	DecisionMetadata   JSONBlob        `json:"decision_metadata,omitempty"`
}

// EngineDecision is an audit row for a decision-bearing engine invocation
// (e.g. the backtest runner or meta-orchestrator).
type EngineDecision struct {
	DecisionID string    `json:"decision_id"`
	EngineName string    `json:"engine_name"`
	StrategyID string    `json:"strategy_id"`
	CreatedAt  time.Time `json:"created_at"`
	Inputs     JSONBlob  `json:"inputs"`
	Outputs    JSONBlob  `json:"outputs"`
}

// DecisionOutcome records post-hoc evaluation of an EngineDecision.
type DecisionOutcome struct {
	DecisionID string    `json:"decision_id"`
	Metrics    JSONBlob  `json:"metrics"`
	ReviewedAt time.Time `json:"reviewed_at"`
}
