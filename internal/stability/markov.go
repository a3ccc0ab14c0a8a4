package stability

import (
	"math"

	"github.com/prometheus-v2/daily-engine/pkg/types"
)

var orderedClasses = []types.SoftTargetClass{
	types.ClassStable, types.ClassWatch, types.ClassFragile, types.ClassTargetable, types.ClassBreaker,
}

// MarkovModel is a per-(entity_type, class) empirical transition matrix
// over SoftTargetClass, learned from observed transitions, used to forecast
// multi-step state-change risk.
type MarkovModel struct {
	// counts[entityType][fromClass][toClass] = observation count.
	counts map[string]map[types.SoftTargetClass]map[types.SoftTargetClass]int
}

func NewMarkovModel() *MarkovModel {
	return &MarkovModel{counts: map[string]map[types.SoftTargetClass]map[types.SoftTargetClass]int{}}
}

// Observe records one transition (from -> to) for entityType, growing the
// empirical matrix. Call this as classification history accumulates.
func (m *MarkovModel) Observe(entityType string, from, to types.SoftTargetClass) {
	byFrom, ok := m.counts[entityType]
	if !ok {
		byFrom = map[types.SoftTargetClass]map[types.SoftTargetClass]int{}
		m.counts[entityType] = byFrom
	}
	byTo, ok := byFrom[from]
	if !ok {
		byTo = map[types.SoftTargetClass]int{}
		byFrom[from] = byTo
	}
	byTo[to]++
}

// transitionRow returns the empirical probability distribution over next
// classes from `from`, falling back to an identity distribution (stay put
// with probability 1) when no observations exist yet for this pair.
func (m *MarkovModel) transitionRow(entityType string, from types.SoftTargetClass) map[types.SoftTargetClass]float64 {
	byFrom, ok := m.counts[entityType]
	row := map[types.SoftTargetClass]float64{}
	if !ok {
		row[from] = 1.0
		return row
	}
	byTo, ok := byFrom[from]
	if !ok || len(byTo) == 0 {
		row[from] = 1.0
		return row
	}
	total := 0
	for _, c := range byTo {
		total += c
	}
	for to, c := range byTo {
		row[to] = float64(c) / float64(total)
	}
	return row
}

// Forecast computes p_worsen_any, p_to_targetable_or_breaker, and a
// monotone risk_score over horizons 1..H.
func (m *MarkovModel) Forecast(entityType string, currentClass types.SoftTargetClass, horizonSteps int) types.StateChangeRisk {
	if horizonSteps <= 0 {
		horizonSteps = 1
	}
	// dist[class] = probability mass at the current step; starts as a
	// point mass on the current class.
	dist := map[types.SoftTargetClass]float64{currentClass: 1.0}
	currentRank := rank(currentClass)

	var pWorsenAny, pTargetableOrBreaker, riskScore float64

	for step := 1; step <= horizonSteps; step++ {
		next := map[types.SoftTargetClass]float64{}
		for from, mass := range dist {
			if mass <= 0 {
				continue
			}
			for to, p := range m.transitionRow(entityType, from) {
				next[to] += mass * p
			}
		}
		dist = next

		stepWorsen := 0.0
		stepTargetableOrBreaker := 0.0
		for class, mass := range dist {
			if rank(class) > currentRank {
				stepWorsen += mass
			}
			if class == types.ClassTargetable || class == types.ClassBreaker {
				stepTargetableOrBreaker += mass
			}
		}
		pWorsenAny = math.Max(pWorsenAny, stepWorsen)
		pTargetableOrBreaker = math.Max(pTargetableOrBreaker, stepTargetableOrBreaker)
		riskScore = math.Max(riskScore, math.Max(stepWorsen, stepTargetableOrBreaker))
	}

	return types.StateChangeRisk{
		HorizonSteps: horizonSteps, PWorsenAny: pWorsenAny,
		PToTargetableOrBreaker: pTargetableOrBreaker, RiskScore: clip(riskScore, 0, 1),
	}
}

func rank(c types.SoftTargetClass) int {
	for i, v := range orderedClasses {
		if v == c {
			return i
		}
	}
	return 0
}
