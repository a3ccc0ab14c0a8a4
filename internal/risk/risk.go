// Package risk implements the risk service: a pure per-name and
// gross-level weight cap enforcement function plus an optional correlation
// group guard, logging every intervention as a RiskAction.
package risk

import (
	"sort"
	"time"

	"github.com/prometheus-v2/daily-engine/internal/config"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// Clock is injected so RiskAction timestamps are deterministic in tests.
type Clock interface{ Now() time.Time }

// Engine is the Risk Service. It is stateless and pure: ApplyRisk's output
// depends only on its inputs.
type Engine struct {
	clock Clock
}

func New(clock Clock) *Engine {
	return &Engine{clock: clock}
}

// Result bundles the adjusted weights and the audit trail from one ApplyRisk
// call.
type Result struct {
	AdjustedWeights map[string]decimal.Decimal
	Actions         []types.RiskAction
}

// ApplyRisk resolves per-name caps and bans, then a gross-cap proportional
// scale-down, then the optional correlation-group guard. It is a pure
// function of its arguments: same inputs always produce the same adjusted
// weights and the same action log.
func (e *Engine) ApplyRisk(strategyID string, targetWeights map[string]decimal.Decimal, cfg config.StrategyRiskConfig, sectorOf map[string]string, bannedCategory map[string]string) Result {
	now := e.clock.Now()
	adjusted := make(map[string]decimal.Decimal, len(targetWeights))
	var actions []types.RiskAction

	perNameCap := cfg.PerNameCap
	for _, id := range sortedKeys(targetWeights) {
		w := targetWeights[id]
		cap := perNameCap
		if sectorCap, ok := cfg.SectorCaps[sectorOf[id]]; ok && sectorCap.LessThan(cap) {
			cap = sectorCap
		}

		abs := w.Abs()
		switch {
		case cap.IsZero() || cfg.BannedCategories[bannedCategory[id]]:
			adjusted[id] = decimal.Zero
			actions = append(actions, action(strategyID, id, types.RiskActionRejected, w, decimal.Zero, "cap is zero or category banned", now))
		case abs.GreaterThan(cap):
			signed := cap
			if w.IsNegative() {
				signed = cap.Neg()
			}
			adjusted[id] = signed
			actions = append(actions, action(strategyID, id, types.RiskActionCapped, w, signed, "exceeds per-name cap", now))
		default:
			adjusted[id] = w
			actions = append(actions, action(strategyID, id, types.RiskActionOK, w, w, "within limits", now))
		}
	}

	applyGrossCap(strategyID, adjusted, cfg.GrossCap, now, &actions)
	applyCorrelationGuard(strategyID, adjusted, cfg, cfg.CorrelationGroups, now, &actions)

	return Result{AdjustedWeights: adjusted, Actions: actions}
}

func applyGrossCap(strategyID string, adjusted map[string]decimal.Decimal, grossCap decimal.Decimal, now time.Time, actions *[]types.RiskAction) {
	if grossCap.IsZero() {
		return
	}
	var gross decimal.Decimal
	for _, w := range adjusted {
		gross = gross.Add(w.Abs())
	}
	if gross.LessThanOrEqual(grossCap) {
		return
	}
	scale := grossCap.Div(gross)
	for _, id := range sortedKeys(adjusted) {
		w := adjusted[id]
		scaled := w.Mul(scale)
		if !scaled.Equal(w) {
			*actions = append(*actions, action(strategyID, id, types.RiskActionScaled, w, scaled, "gross exposure exceeds gross_cap", now))
		}
		adjusted[id] = scaled
	}
}

// applyCorrelationGuard scales down any correlation group whose aggregate
// absolute exposure exceeds MaxCorrelatedExposure, proportionally across
// its members, emitting SCALED actions. A no-op when CorrelationGroups is
// unset.
func applyCorrelationGuard(strategyID string, adjusted map[string]decimal.Decimal, cfg config.StrategyRiskConfig, groups map[string][]string, now time.Time, actions *[]types.RiskAction) {
	if len(groups) == 0 || cfg.MaxCorrelatedExposure.IsZero() {
		return
	}
	for _, groupName := range sortedKeys(groups) {
		members := groups[groupName]
		var total decimal.Decimal
		for _, id := range members {
			total = total.Add(adjusted[id].Abs())
		}
		if total.LessThanOrEqual(cfg.MaxCorrelatedExposure) || total.IsZero() {
			continue
		}
		scale := cfg.MaxCorrelatedExposure.Div(total)
		for _, id := range members {
			w, ok := adjusted[id]
			if !ok {
				continue
			}
			scaled := w.Mul(scale)
			*actions = append(*actions, action(strategyID, id, types.RiskActionScaled, w, scaled, "correlation group "+groupName+" exceeds max_correlated_exposure", now))
			adjusted[id] = scaled
		}
	}
}

// sortedKeys returns m's keys in ascending order, so every loop above
// visits names and groups in the same order on every call.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func action(strategyID, instrumentID string, t types.RiskActionType, original, adjusted decimal.Decimal, reason string, at time.Time) types.RiskAction {
	return types.RiskAction{
		StrategyID: strategyID, InstrumentID: instrumentID, ActionType: t,
		OriginalWeight: original, AdjustedWeight: adjusted, Reason: reason, CreatedAt: at,
	}
}
