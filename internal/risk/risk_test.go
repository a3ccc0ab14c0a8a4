package risk_test

import (
	"testing"
	"time"

	"github.com/prometheus-v2/daily-engine/internal/config"
	"github.com/prometheus-v2/daily-engine/internal/risk"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newClock() fixedClock {
	return fixedClock{t: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)}
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestApplyRisk_WithinLimitsIsUnchanged(t *testing.T) {
	e := risk.New(newClock())
	cfg := config.StrategyRiskConfig{PerNameCap: d("0.10"), GrossCap: d("1.0")}

	res := e.ApplyRisk("strat-1", map[string]decimal.Decimal{"AAA": d("0.05")}, cfg, nil, nil)

	assert.True(t, res.AdjustedWeights["AAA"].Equal(d("0.05")))
	require.Len(t, res.Actions, 1)
	assert.Equal(t, types.RiskActionOK, res.Actions[0].ActionType)
}

func TestApplyRisk_CapsOversizedName(t *testing.T) {
	e := risk.New(newClock())
	cfg := config.StrategyRiskConfig{PerNameCap: d("0.05"), GrossCap: d("1.0")}

	res := e.ApplyRisk("strat-1", map[string]decimal.Decimal{"AAA": d("0.20")}, cfg, nil, nil)

	assert.True(t, res.AdjustedWeights["AAA"].Equal(d("0.05")))
	require.Len(t, res.Actions, 1)
	assert.Equal(t, types.RiskActionCapped, res.Actions[0].ActionType)
}

func TestApplyRisk_NegativeWeightCapsWithSign(t *testing.T) {
	e := risk.New(newClock())
	cfg := config.StrategyRiskConfig{PerNameCap: d("0.05"), GrossCap: d("1.0")}

	res := e.ApplyRisk("strat-1", map[string]decimal.Decimal{"AAA": d("-0.20")}, cfg, nil, nil)

	assert.True(t, res.AdjustedWeights["AAA"].Equal(d("-0.05")))
}

func TestApplyRisk_BannedCategoryRejected(t *testing.T) {
	e := risk.New(newClock())
	cfg := config.StrategyRiskConfig{
		PerNameCap:       d("0.10"),
		GrossCap:         d("1.0"),
		BannedCategories: map[string]bool{"sanctioned": true},
	}

	res := e.ApplyRisk("strat-1", map[string]decimal.Decimal{"AAA": d("0.05")}, cfg, nil, map[string]string{"AAA": "sanctioned"})

	assert.True(t, res.AdjustedWeights["AAA"].IsZero())
	require.Len(t, res.Actions, 1)
	assert.Equal(t, types.RiskActionRejected, res.Actions[0].ActionType)
}

func TestApplyRisk_ZeroCapRejected(t *testing.T) {
	e := risk.New(newClock())
	cfg := config.StrategyRiskConfig{
		PerNameCap: d("0.10"),
		GrossCap:   d("1.0"),
		SectorCaps: map[string]decimal.Decimal{"halted": decimal.Zero},
	}

	res := e.ApplyRisk("strat-1", map[string]decimal.Decimal{"AAA": d("0.05")}, cfg, map[string]string{"AAA": "halted"}, nil)

	assert.True(t, res.AdjustedWeights["AAA"].IsZero())
	assert.Equal(t, types.RiskActionRejected, res.Actions[0].ActionType)
}

func TestApplyRisk_GrossCapScalesProportionally(t *testing.T) {
	e := risk.New(newClock())
	cfg := config.StrategyRiskConfig{PerNameCap: d("1.0"), GrossCap: d("0.5")}

	weights := map[string]decimal.Decimal{"AAA": d("0.40"), "BBB": d("0.40")}
	res := e.ApplyRisk("strat-1", weights, cfg, nil, nil)

	var gross decimal.Decimal
	for _, w := range res.AdjustedWeights {
		gross = gross.Add(w.Abs())
	}
	assert.True(t, gross.Sub(d("0.5")).Abs().LessThan(d("0.0000001")))

	var scaledCount int
	for _, a := range res.Actions {
		if a.ActionType == types.RiskActionScaled {
			scaledCount++
		}
	}
	assert.Equal(t, 2, scaledCount)
}

func TestApplyRisk_CorrelationGroupGuardScalesDown(t *testing.T) {
	e := risk.New(newClock())
	cfg := config.StrategyRiskConfig{
		PerNameCap:             d("1.0"),
		GrossCap:               d("1.0"),
		CorrelationGroups:      map[string][]string{"oil_majors": {"AAA", "BBB"}},
		MaxCorrelatedExposure: d("0.3"),
	}

	weights := map[string]decimal.Decimal{"AAA": d("0.20"), "BBB": d("0.20")}
	res := e.ApplyRisk("strat-1", weights, cfg, nil, nil)

	total := res.AdjustedWeights["AAA"].Add(res.AdjustedWeights["BBB"])
	assert.True(t, total.Sub(d("0.3")).Abs().LessThan(d("0.0000001")))

	var scaled int
	for _, a := range res.Actions {
		if a.ActionType == types.RiskActionScaled {
			scaled++
		}
	}
	assert.Equal(t, 2, scaled)
}

func TestApplyRisk_CorrelationGroupGuardNoopWhenUnset(t *testing.T) {
	e := risk.New(newClock())
	cfg := config.StrategyRiskConfig{PerNameCap: d("1.0"), GrossCap: d("1.0")}

	weights := map[string]decimal.Decimal{"AAA": d("0.40")}
	res := e.ApplyRisk("strat-1", weights, cfg, nil, nil)

	assert.True(t, res.AdjustedWeights["AAA"].Equal(d("0.40")))
}

func TestApplyRisk_IsPure(t *testing.T) {
	e := risk.New(newClock())
	cfg := config.StrategyRiskConfig{PerNameCap: d("0.05"), GrossCap: d("1.0")}
	weights := map[string]decimal.Decimal{"AAA": d("0.20"), "BBB": d("0.01")}

	res1 := e.ApplyRisk("strat-1", weights, cfg, nil, nil)
	res2 := e.ApplyRisk("strat-1", weights, cfg, nil, nil)

	assert.Equal(t, res1.AdjustedWeights, res2.AdjustedWeights)
	require.Equal(t, len(res1.Actions), len(res2.Actions))
	for i := range res1.Actions {
		assert.Equal(t, res1.Actions[i].ActionType, res2.Actions[i].ActionType)
		assert.True(t, res1.Actions[i].AdjustedWeight.Equal(res2.Actions[i].AdjustedWeight))
	}
}
