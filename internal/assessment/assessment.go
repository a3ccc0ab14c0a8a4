// Package assessment implements the assessment engine: two backends
// sharing one contract, producing per-instrument InstrumentScore rows.
package assessment

import (
	"context"
	"fmt"
	"math"

	"github.com/prometheus-v2/daily-engine/internal/config"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"go.uber.org/zap"
)

// Backend is the shared contract both assessment strategies implement.
type Backend interface {
	ModelID() string
	Score(ctx context.Context, req Request) ([]types.InstrumentScore, error)
}

// Request is the Assessment Engine's input contract.
type Request struct {
	StrategyID    string
	MarketID      string
	InstrumentIDs []string
	AsOfDate      string
	HorizonDays   int
}

// InstrumentInputs bundles the per-instrument features the Basic backend
// needs, assembled by the caller from price and stability-score reads.
type InstrumentInputs struct {
	InstrumentID    string
	TrailingReturn  float64 // realized return over horizon_days
	TrailingVol     float64 // realized volatility over horizon_days
	DataCoverage    float64 // fraction of expected bars actually present, in [0,1]
	FragilityClass  types.SoftTargetClass
	FragilityRisk   float64 // state_change_risk.risk_score, in [0,1]
}

// Engine wires the two backends and selects one per AssessmentConfig.Backend.
type Engine struct {
	logger *zap.Logger
	cfg    config.AssessmentConfig
	basic  Backend
	ctx    Backend
}

func New(logger *zap.Logger, cfg config.AssessmentConfig, basic, contextBackend Backend) *Engine {
	return &Engine{logger: logger, cfg: cfg, basic: basic, ctx: contextBackend}
}

// Score dispatches to the configured backend, falling back to Basic when
// the context backend reports a missing embedding and strict=false.
func (e *Engine) Score(ctx context.Context, req Request) ([]types.InstrumentScore, error) {
	if e.cfg.Backend != "context" {
		return e.basic.Score(ctx, req)
	}
	scores, err := e.ctx.Score(ctx, req)
	if err == nil {
		return scores, nil
	}
	me, ok := err.(*MissingEmbeddingError)
	if !ok {
		return nil, err
	}
	if e.cfg.Strict {
		return nil, fmt.Errorf("assessment: context backend strict mode: %w", me)
	}
	e.logger.Warn("assessment: context embedding missing, falling back to basic", zap.String("as_of_date", req.AsOfDate))
	return e.basic.Score(ctx, req)
}

// MissingEmbeddingError signals the context backend could not find its
// required joint embedding; the Engine treats this specially for fallback.
type MissingEmbeddingError struct {
	JointType string
}

func (e *MissingEmbeddingError) Error() string {
	return fmt.Sprintf("assessment: missing joint embedding %q", e.JointType)
}

func clip(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
