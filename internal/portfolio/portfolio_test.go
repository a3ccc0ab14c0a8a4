package portfolio_test

import (
	"testing"

	"github.com/prometheus-v2/daily-engine/internal/config"
	"github.com/prometheus-v2/daily-engine/internal/portfolio"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() config.PortfolioConfig {
	return config.PortfolioConfig{
		CapName:      decimal.NewFromFloat(0.4),
		GrossCap:     decimal.NewFromFloat(1.0),
		Gamma:        1.0,
		BookNotional: decimal.NewFromInt(1000000),
	}
}

func TestBuildTargets_EmptyUniverseYieldsEmptyPortfolio(t *testing.T) {
	eng := portfolio.New(zap.NewNop(), testConfig())
	tp := eng.BuildTargets("book-1", "2026-01-15", nil)
	assert.Empty(t, tp.TargetPositions)
}

func TestBuildTargets_ExcludesSellAndSkipSignals(t *testing.T) {
	eng := portfolio.New(zap.NewNop(), testConfig())
	candidates := []portfolio.Candidate{
		{InstrumentID: "AAA", InUniverse: true, Score: 0.8, SignalLabel: types.SignalBuy},
		{InstrumentID: "BBB", InUniverse: true, Score: 0.8, SignalLabel: types.SignalSell},
		{InstrumentID: "CCC", InUniverse: false, Score: 0.8, SignalLabel: types.SignalBuy},
		{InstrumentID: "DDD", InUniverse: true, Score: 0.8, SignalLabel: types.SignalSkip},
	}

	tp := eng.BuildTargets("book-1", "2026-01-15", candidates)
	require.Len(t, tp.TargetPositions, 1)
	_, ok := tp.TargetPositions["AAA"]
	assert.True(t, ok)
}

func TestBuildTargets_WeightsProportionalToScoreAndSumToOne(t *testing.T) {
	cfg := testConfig()
	cfg.CapName = decimal.NewFromFloat(1.0) // a non-binding cap, so the raw proportions survive
	eng := portfolio.New(zap.NewNop(), cfg)
	candidates := []portfolio.Candidate{
		{InstrumentID: "AAA", InUniverse: true, Score: 0.6, SignalLabel: types.SignalBuy},
		{InstrumentID: "BBB", InUniverse: true, Score: 0.3, SignalLabel: types.SignalHold},
	}

	tp := eng.BuildTargets("book-1", "2026-01-15", candidates)
	wAAA, _ := tp.TargetPositions["AAA"].Float64()
	wBBB, _ := tp.TargetPositions["BBB"].Float64()
	assert.InDelta(t, 1.0, wAAA+wBBB, 1e-9)
	assert.Greater(t, wAAA, wBBB)
}

func TestBuildTargets_CapNameClipsAndRedistributesExcess(t *testing.T) {
	cfg := testConfig()
	cfg.CapName = decimal.NewFromFloat(0.3)
	eng := portfolio.New(zap.NewNop(), cfg)
	candidates := []portfolio.Candidate{
		{InstrumentID: "AAA", InUniverse: true, Score: 0.9, SignalLabel: types.SignalBuy},
		{InstrumentID: "BBB", InUniverse: true, Score: 0.05, SignalLabel: types.SignalBuy},
		{InstrumentID: "CCC", InUniverse: true, Score: 0.05, SignalLabel: types.SignalBuy},
	}

	tp := eng.BuildTargets("book-1", "2026-01-15", candidates)
	wAAA, _ := tp.TargetPositions["AAA"].Float64()
	assert.LessOrEqual(t, wAAA, 0.3+1e-9)

	var sum float64
	for _, w := range tp.TargetPositions {
		f, _ := w.Float64()
		sum += f
	}
	// Every name ends at the 0.3 cap, so the book cannot reach 1.0.
	assert.InDelta(t, 0.9, sum, 1e-9)
}

func TestRiskReport_EmptyScenariosReturnsZeroedReport(t *testing.T) {
	eng := portfolio.New(zap.NewNop(), testConfig())
	report, err := eng.RiskReport("book-1", "2026-01-15", types.TargetPortfolio{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, report.RiskMetrics.Mean)
}

func TestRiskReport_ComputesMeanAndTailMetrics(t *testing.T) {
	eng := portfolio.New(zap.NewNop(), testConfig())
	tp := types.TargetPortfolio{
		TargetPositions: map[string]decimal.Decimal{"AAA": decimal.NewFromFloat(1.0)},
	}
	scenarios := []portfolio.ScenarioPath{
		{ScenarioID: "s1", Returns: map[string]float64{"AAA": 0.05}},
		{ScenarioID: "s2", Returns: map[string]float64{"AAA": -0.10}},
		{ScenarioID: "s3", Returns: map[string]float64{"AAA": 0.02}},
	}

	report, err := eng.RiskReport("book-1", "2026-01-15", tp, scenarios)
	require.NoError(t, err)
	assert.InDelta(t, -0.01, report.RiskMetrics.Mean, 1e-9)
	assert.LessOrEqual(t, report.RiskMetrics.VaR95, report.RiskMetrics.Mean)
}
