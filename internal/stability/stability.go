// Package stability implements the stability engine: four bounded
// sub-scores, the Soft Target Index, a persistence/confirmation-gated
// classifier, and a Markov-based state-change risk forecast.
package stability

import (
	"context"
	"fmt"
	"math"

	"github.com/prometheus-v2/daily-engine/internal/config"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"go.uber.org/zap"
)

// Profile is an entity's static STAB inputs: feature maps per sub-score
// plus the criticality/resilience pair the STI formula requires.
type Profile struct {
	EntityType    string
	EntityID      string
	Financial     float64 // already reduced to [0,1] by the caller's feature map
	Political     float64
	Operational   float64
	AttackSurface float64
	Criticality   float64
	Resilience    float64
}

// runtimeStore is the subset of *store.RuntimeStore this engine needs.
type runtimeStore interface {
	UpsertStabilityVector(ctx context.Context, v types.StabilityVector) error
	GetLatestSoftTargetClass(ctx context.Context, entityID, beforeDate string) (types.SoftTargetClassRow, bool, error)
	UpsertSoftTargetClass(ctx context.Context, c types.SoftTargetClassRow) error
	UpsertStateChangeRisk(ctx context.Context, r types.StateChangeRisk) error
	UpsertFragilityMeasure(ctx context.Context, f types.FragilityMeasure) error
}

const epsilon = 1e-9

var alertByClass = map[types.SoftTargetClass]types.AlertLevel{
	types.ClassStable:     types.AlertGreen,
	types.ClassWatch:      types.AlertGreen,
	types.ClassFragile:    types.AlertYellow,
	types.ClassTargetable: types.AlertOrange,
	types.ClassBreaker:    types.AlertRed,
}

// Engine is the Stability Engine.
type Engine struct {
	logger  *zap.Logger
	cfg     config.StabilityConfig
	runtime runtimeStore
	markov  *MarkovModel
}

func New(logger *zap.Logger, cfg config.StabilityConfig, runtime runtimeStore, markov *MarkovModel) *Engine {
	return &Engine{logger: logger, cfg: cfg, runtime: runtime, markov: markov}
}

// Result bundles every stability output for one (entity, as_of_date) run.
type Result struct {
	Vector   types.StabilityVector
	Class    types.SoftTargetClassRow
	Risk     types.StateChangeRisk
	Fragility types.FragilityMeasure
}

// Score runs the full stability pipeline for one entity on one date.
func (e *Engine) Score(ctx context.Context, p Profile, asOfDate string) (Result, error) {
	sti := softTargetIndex(p)
	vector := types.StabilityVector{
		EntityType: p.EntityType, EntityID: p.EntityID, AsOfDate: asOfDate,
		Financial: p.Financial, Political: p.Political, Operational: p.Operational,
		AttackSurface: p.AttackSurface, SoftTargetIndex: sti, Confidence: dataCoverage(p),
		Breakdown: types.JSONBlob{
			"criticality": p.Criticality, "resilience": p.Resilience,
		},
	}
	if err := e.runtime.UpsertStabilityVector(ctx, vector); err != nil {
		return Result{}, fmt.Errorf("persist stability vector: %w", err)
	}

	rawClass := classify(sti, e.cfg.STIThresholds)

	prevRow, havePrev, err := e.runtime.GetLatestSoftTargetClass(ctx, p.EntityID, asOfDate)
	if err != nil {
		return Result{}, fmt.Errorf("read prior soft target class: %w", err)
	}
	prevStreak := 0
	if havePrev {
		prevStreak = prevRow.PersistenceDays
	}

	finalClass, streak := e.applyGates(rawClass, p, prevStreak)

	classRow := types.SoftTargetClassRow{
		EntityID: p.EntityID, AsOfDate: asOfDate, Class: finalClass,
		AlertLevel: alertByClass[finalClass], PersistenceDays: streak,
	}
	if err := e.runtime.UpsertSoftTargetClass(ctx, classRow); err != nil {
		return Result{}, fmt.Errorf("persist soft target class: %w", err)
	}

	risk := e.markov.Forecast(p.EntityType, finalClass, e.cfg.ForecastHorizonSteps)
	risk.EntityID = p.EntityID
	risk.AsOfDate = asOfDate
	if err := e.runtime.UpsertStateChangeRisk(ctx, risk); err != nil {
		return Result{}, fmt.Errorf("persist state change risk: %w", err)
	}

	fragility := fragilityMeasure(p.EntityID, asOfDate, sti, risk.RiskScore)
	if err := e.runtime.UpsertFragilityMeasure(ctx, fragility); err != nil {
		return Result{}, fmt.Errorf("persist fragility measure: %w", err)
	}

	return Result{Vector: vector, Class: classRow, Risk: risk, Fragility: fragility}, nil
}

// softTargetIndex computes the soft-target index, clipped to [0,100].
func softTargetIndex(p Profile) float64 {
	vulnMean := (p.Financial + p.Political + p.Operational) / 3.0
	resilience := p.Resilience
	if resilience < epsilon {
		resilience = epsilon
	}
	sti := 100 * (p.Criticality * vulnMean * p.AttackSurface) / resilience
	return clip(sti, 0, 100)
}

// dataCoverage is a simple proxy for how many sub-scores are non-zero,
// standing in for the real feature-map coverage ratio upstream systems
// would supply.
func dataCoverage(p Profile) float64 {
	present := 0
	total := 4.0
	for _, v := range []float64{p.Financial, p.Political, p.Operational, p.AttackSurface} {
		if v > 0 {
			present++
		}
	}
	return float64(present) / total
}

// classify maps an STI value to its raw class bucket per the configured
// thresholds (Watch, Fragile, Targetable, Breaker lower bounds).
func classify(sti float64, thresholds [4]float64) types.SoftTargetClass {
	switch {
	case sti >= thresholds[3]:
		return types.ClassBreaker
	case sti >= thresholds[2]:
		return types.ClassTargetable
	case sti >= thresholds[1]:
		return types.ClassFragile
	case sti >= thresholds[0]:
		return types.ClassWatch
	default:
		return types.ClassStable
	}
}

// applyGates combines the confirmation and persistence gates into one pass.
// Stable/Watch/Fragile are assigned immediately from the raw STI bucket —
// only entry into Targetable/Breaker is gated. Confirmation (≥ N sub-scores
// above their dimension threshold) must hold, and must have held for
// `persistence_days` consecutive runs, before the higher class takes
// effect; until then the entity is held at Fragile. Downgrades bypass both
// gates by construction, since the raw class is recomputed fresh from the
// current STI every run with no dependency on the previous class.
//
// The per-dimension threshold (0.5) is a starting shape, not a calibrated
// value: thresholds/weights are left to configuration in a full
// deployment and fixed here as a reasonable default.
func (e *Engine) applyGates(rawClass types.SoftTargetClass, p Profile, prevStreak int) (types.SoftTargetClass, int) {
	const dimThreshold = 0.5
	above := 0
	for _, v := range []float64{p.Financial, p.Political, p.Operational, p.AttackSurface} {
		if v >= dimThreshold {
			above++
		}
	}
	minDims := e.cfg.ConfirmationMinDims
	if minDims <= 0 {
		minDims = 2
	}
	confirmationHolds := above >= minDims

	streak := 0
	if confirmationHolds {
		streak = prevStreak + 1
	}

	if rawClass != types.ClassTargetable && rawClass != types.ClassBreaker {
		return rawClass, streak
	}

	required := e.cfg.PersistenceDays[string(rawClass)]
	if required <= 0 {
		required = 1
	}
	if confirmationHolds && streak >= required {
		return rawClass, streak
	}
	return types.ClassFragile, streak
}

func fragilityMeasure(entityID, asOfDate string, sti, riskScore float64) types.FragilityMeasure {
	// Affine combination of the normalized STI (0..1) and the state-change
	// risk score, weighted evenly; bucketed with the same STI thresholds
	// scaled to the [0,1] alpha range.
	alpha := 0.5*(sti/100) + 0.5*riskScore
	var class types.SoftTargetClass
	switch {
	case alpha >= 0.75:
		class = types.ClassBreaker
	case alpha >= 0.60:
		class = types.ClassTargetable
	case alpha >= 0.45:
		class = types.ClassFragile
	case alpha >= 0.30:
		class = types.ClassWatch
	default:
		class = types.ClassStable
	}
	return types.FragilityMeasure{EntityID: entityID, AsOfDate: asOfDate, Alpha: alpha, Class: class}
}

func clip(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
