package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RegimeLabel enumerates the regime classes the regime engine can
// assign. Tie-breaks across labels fall back to lexical order.
type RegimeLabel string

const (
	RegimeNeutral          RegimeLabel = "NEUTRAL"
	RegimeCarry            RegimeLabel = "CARRY"
	RegimeCrisis           RegimeLabel = "CRISIS"
	RegimeRecovery         RegimeLabel = "RECOVERY"
	RegimeRiskOnLowVol     RegimeLabel = "RISK_ON_LOW_VOL"
	RegimeRiskOnHighVol    RegimeLabel = "RISK_ON_HIGH_VOL"
	RegimeTransitionLabel  RegimeLabel = "TRANSITION"
	RegimeRiskOffGrinding  RegimeLabel = "RISK_OFF_GRINDING"
	RegimeRiskOffPanic     RegimeLabel = "RISK_OFF_PANIC"
	RegimePolicyRecovery   RegimeLabel = "POLICY_RECOVERY"
	RegimeUnknown          RegimeLabel = "UNKNOWN"
)

// RegimeState is the one-row-per-(region,as_of_date) classification output.
type RegimeState struct {
	Region     string      `json:"region"`
	AsOfDate   string      `json:"as_of_date"`
	Label      RegimeLabel `json:"regime_label"`
	Confidence float64     `json:"confidence"`
	Embedding  Vector      `json:"embedding"`
	Metadata   JSONBlob    `json:"metadata,omitempty"`
}

// RegimeTransition records a confirmed (post-hysteresis) regime change.
type RegimeTransition struct {
	Region    string      `json:"region"`
	FromLabel RegimeLabel `json:"from_label"`
	ToLabel   RegimeLabel `json:"to_label"`
	At        time.Time   `json:"at"`
}

// SoftTargetClass is the fragility classification bucket.
type SoftTargetClass string

const (
	ClassStable    SoftTargetClass = "Stable"
	ClassWatch     SoftTargetClass = "Watch"
	ClassFragile   SoftTargetClass = "Fragile"
	ClassTargetable SoftTargetClass = "Targetable"
	ClassBreaker   SoftTargetClass = "Breaker"
)

// AlertLevel is the operator-facing severity mapped from SoftTargetClass.
type AlertLevel string

const (
	AlertGreen  AlertLevel = "GREEN"
	AlertYellow AlertLevel = "YELLOW"
	AlertOrange AlertLevel = "ORANGE"
	AlertRed    AlertLevel = "RED"
)

// StabilityVector holds the four sub-scores and composite STI for one
// entity on one as_of_date.
type StabilityVector struct {
	EntityType       string   `json:"entity_type"`
	EntityID         string   `json:"entity_id"`
	AsOfDate         string   `json:"as_of_date"`
	Financial        float64  `json:"financial"`
	Political        float64  `json:"political"`
	Operational      float64  `json:"operational"`
	AttackSurface    float64  `json:"attack_surface"`
	SoftTargetIndex  float64  `json:"soft_target_index"`
	Confidence       float64  `json:"confidence"`
	Breakdown        JSONBlob `json:"breakdown,omitempty"`
}

// SoftTargetClassRow is the persisted classification for an entity/date,
// including how many consecutive runs it has held at or above its class.
type SoftTargetClassRow struct {
	EntityID        string          `json:"entity_id"`
	AsOfDate        string          `json:"as_of_date"`
	Class           SoftTargetClass `json:"class"`
	AlertLevel      AlertLevel      `json:"alert_level"`
	PersistenceDays int             `json:"persistence_days"`
}

// StateChangeRisk is the multi-step Markov forecast of fragility worsening.
type StateChangeRisk struct {
	EntityID                  string  `json:"entity_id"`
	AsOfDate                  string  `json:"as_of_date"`
	HorizonSteps              int     `json:"horizon_steps"`
	PWorsenAny                float64 `json:"p_worsen_any"`
	PToTargetableOrBreaker    float64 `json:"p_to_targetable_or_breaker"`
	RiskScore                 float64 `json:"risk_score"`
}

// FragilityMeasure is the affine combination of STI and state-change risk.
type FragilityMeasure struct {
	EntityID string          `json:"entity_id"`
	AsOfDate string          `json:"as_of_date"`
	Alpha    float64         `json:"alpha"`
	Class    SoftTargetClass `json:"class"`
}

// SignalLabel is the assessment engine's trade-direction hint.
type SignalLabel string

const (
	SignalBuy  SignalLabel = "BUY"
	SignalSell SignalLabel = "SELL"
	SignalHold SignalLabel = "HOLD"
	SignalSkip SignalLabel = "SKIP"
)

// InstrumentScore is the per-instrument assessment output.
type InstrumentScore struct {
	StrategyID      string          `json:"strategy_id"`
	MarketID        string          `json:"market_id"`
	InstrumentID    string          `json:"instrument_id"`
	AsOfDate        string          `json:"as_of_date"`
	HorizonDays     int             `json:"horizon_days"`
	ModelID         string          `json:"model_id"`
	Score           float64         `json:"score"`
	ExpectedReturn  float64         `json:"expected_return"`
	Confidence      float64         `json:"confidence"`
	SignalLabel     SignalLabel     `json:"signal_label"`
	Metadata        JSONBlob        `json:"metadata,omitempty"`
}

// UniverseMember is one row of a universe snapshot.
type UniverseMember struct {
	UniverseID   string   `json:"universe_id"`
	InstrumentID string   `json:"instrument_id"`
	AsOfDate     string   `json:"as_of_date"`
	InUniverse   bool     `json:"in_universe"`
	Rank         int      `json:"rank"`
	Scores       JSONBlob `json:"scores,omitempty"`
	Reasons      JSONBlob `json:"reasons,omitempty"`
}

// TargetPortfolio is the portfolio engine's weight output.
type TargetPortfolio struct {
	PortfolioID     string                     `json:"portfolio_id"`
	AsOfDate        string                     `json:"as_of_date"`
	TargetPositions map[string]decimal.Decimal `json:"target_positions"`
	Metadata        JSONBlob                   `json:"metadata,omitempty"`
}

// RiskMetrics mirrors PortfolioRiskReport.risk_metrics with a concrete
// shape instead of a bare map.
type RiskMetrics struct {
	Mean  float64 `json:"mean"`
	VaR95 float64 `json:"var_95"`
	ES95  float64 `json:"es_95"`
}

// PortfolioRiskReport is the per-date risk summary attached to a book.
type PortfolioRiskReport struct {
	PortfolioID       string             `json:"portfolio_id"`
	AsOfDate          string             `json:"as_of_date"`
	RiskMetrics       RiskMetrics        `json:"risk_metrics"`
	ExposuresBySector map[string]float64 `json:"exposures_by_sector,omitempty"`
	ExposuresByFactor map[string]float64 `json:"exposures_by_factor,omitempty"`
}

// RiskActionType is the outcome of one risk-service or execution-time
// intervention.
type RiskActionType string

const (
	RiskActionOK             RiskActionType = "OK"
	RiskActionCapped         RiskActionType = "CAPPED"
	RiskActionRejected       RiskActionType = "REJECTED"
	RiskActionScaled         RiskActionType = "SCALED"
	RiskActionExecutionReject RiskActionType = "EXECUTION_REJECT"
)

// RiskAction is an audit row for every risk intervention, pure-function
// logged by the risk service or the execution bridge.
type RiskAction struct {
	StrategyID      string          `json:"strategy_id"`
	InstrumentID    string          `json:"instrument_id"`
	DecisionID      string          `json:"decision_id,omitempty"`
	ActionType      RiskActionType  `json:"action_type"`
	OriginalWeight  decimal.Decimal `json:"original_weight"`
	AdjustedWeight  decimal.Decimal `json:"adjusted_weight"`
	Reason          string          `json:"reason"`
	CreatedAt       time.Time       `json:"created_at"`
}
