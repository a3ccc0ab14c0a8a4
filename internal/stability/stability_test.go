package stability_test

import (
	"context"
	"testing"

	"github.com/prometheus-v2/daily-engine/internal/config"
	"github.com/prometheus-v2/daily-engine/internal/stability"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRuntime struct {
	vectors map[string]types.StabilityVector
	classes map[string]types.SoftTargetClassRow
	risks   map[string]types.StateChangeRisk
	frags   map[string]types.FragilityMeasure
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		vectors: map[string]types.StabilityVector{},
		classes: map[string]types.SoftTargetClassRow{},
		risks:   map[string]types.StateChangeRisk{},
		frags:   map[string]types.FragilityMeasure{},
	}
}

func (s *fakeRuntime) UpsertStabilityVector(_ context.Context, v types.StabilityVector) error {
	s.vectors[v.EntityID] = v
	return nil
}

func (s *fakeRuntime) GetLatestSoftTargetClass(_ context.Context, entityID, _ string) (types.SoftTargetClassRow, bool, error) {
	row, ok := s.classes[entityID]
	return row, ok, nil
}

func (s *fakeRuntime) UpsertSoftTargetClass(_ context.Context, c types.SoftTargetClassRow) error {
	s.classes[c.EntityID] = c
	return nil
}

func (s *fakeRuntime) UpsertStateChangeRisk(_ context.Context, r types.StateChangeRisk) error {
	s.risks[r.EntityID] = r
	return nil
}

func (s *fakeRuntime) UpsertFragilityMeasure(_ context.Context, f types.FragilityMeasure) error {
	s.frags[f.EntityID] = f
	return nil
}

func defaultConfig() config.StabilityConfig {
	return config.StabilityConfig{
		PersistenceDays:      map[string]int{"TARGETABLE": 2, "BREAKER": 2},
		ConfirmationMinDims:  2,
		STIThresholds:        [4]float64{20, 40, 60, 80},
		ForecastHorizonSteps: 3,
	}
}

func TestScore_LowRiskProfileClassifiesStable(t *testing.T) {
	runtime := newFakeRuntime()
	eng := stability.New(zap.NewNop(), defaultConfig(), runtime, stability.NewMarkovModel())

	result, err := eng.Score(context.Background(), stability.Profile{
		EntityType: "instrument", EntityID: "AAA",
		Financial: 0.1, Political: 0.1, Operational: 0.1, AttackSurface: 0.1,
		Criticality: 0.2, Resilience: 0.9,
	}, "2026-01-15")

	require.NoError(t, err)
	assert.Equal(t, types.ClassStable, result.Class.Class)
	assert.Equal(t, types.AlertGreen, result.Class.AlertLevel)
	assert.Equal(t, 1.0, result.Vector.Confidence)
}

func TestScore_HighRiskProfileGatedAtFragileUntilPersisted(t *testing.T) {
	runtime := newFakeRuntime()
	eng := stability.New(zap.NewNop(), defaultConfig(), runtime, stability.NewMarkovModel())
	profile := stability.Profile{
		EntityType: "instrument", EntityID: "BBB",
		Financial: 0.95, Political: 0.95, Operational: 0.95, AttackSurface: 0.95,
		Criticality: 0.95, Resilience: 0.1,
	}

	first, err := eng.Score(context.Background(), profile, "2026-01-15")
	require.NoError(t, err)
	assert.Equal(t, types.ClassFragile, first.Class.Class, "first confirming run held at Fragile pending persistence")

	second, err := eng.Score(context.Background(), profile, "2026-01-16")
	require.NoError(t, err)
	assert.Equal(t, types.ClassBreaker, second.Class.Class, "second confirming run satisfies persistence_days=2")
	assert.Equal(t, types.AlertRed, second.Class.AlertLevel)
}

func TestScore_PersistsFragilityMeasure(t *testing.T) {
	runtime := newFakeRuntime()
	eng := stability.New(zap.NewNop(), defaultConfig(), runtime, stability.NewMarkovModel())

	_, err := eng.Score(context.Background(), stability.Profile{
		EntityType: "instrument", EntityID: "CCC",
		Financial: 0.5, Political: 0.5, Operational: 0.5, AttackSurface: 0.5,
		Criticality: 0.5, Resilience: 0.5,
	}, "2026-01-15")
	require.NoError(t, err)

	frag, ok := runtime.frags["CCC"]
	require.True(t, ok)
	assert.GreaterOrEqual(t, frag.Alpha, 0.0)
	assert.LessOrEqual(t, frag.Alpha, 1.0)
}

func TestMarkovModel_ForecastWithNoObservationsHoldsCurrentClass(t *testing.T) {
	m := stability.NewMarkovModel()
	risk := m.Forecast("instrument", types.ClassStable, 3)
	assert.Equal(t, 0.0, risk.PWorsenAny)
	assert.Equal(t, 0.0, risk.PToTargetableOrBreaker)
}

func TestMarkovModel_ForecastReflectsObservedTransitions(t *testing.T) {
	m := stability.NewMarkovModel()
	m.Observe("instrument", types.ClassFragile, types.ClassTargetable)
	m.Observe("instrument", types.ClassFragile, types.ClassTargetable)
	m.Observe("instrument", types.ClassFragile, types.ClassStable)

	risk := m.Forecast("instrument", types.ClassFragile, 1)
	assert.InDelta(t, 2.0/3.0, risk.PToTargetableOrBreaker, 1e-9)
	assert.Greater(t, risk.RiskScore, 0.0)
}
