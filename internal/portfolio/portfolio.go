// Package portfolio implements the portfolio engine: long-only target
// weight construction plus scenario-based risk summaries.
package portfolio

import (
	"fmt"
	"math"
	"sort"

	"github.com/prometheus-v2/daily-engine/internal/config"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Candidate is one in-universe, scored instrument eligible for book
// construction.
type Candidate struct {
	InstrumentID string
	InUniverse   bool
	Score        float64
	SignalLabel  types.SignalLabel
}

// ScenarioPath is one scenario's per-instrument return path, used for the
// optional scenario P&L risk report.
type ScenarioPath struct {
	ScenarioID string
	Returns    map[string]float64 // instrument_id -> scenario return
}

// Engine is the Portfolio Engine.
type Engine struct {
	logger *zap.Logger
	cfg    config.PortfolioConfig
}

func New(logger *zap.Logger, cfg config.PortfolioConfig) *Engine {
	return &Engine{logger: logger, cfg: cfg}
}

// BuildTargets constructs target weights from scored, in-universe
// candidates. An empty universe or all-zero scores yields an empty
// (valid, not erroneous) TargetPortfolio.
func (e *Engine) BuildTargets(portfolioID, asOfDate string, candidates []Candidate) types.TargetPortfolio {
	gamma := e.cfg.Gamma
	if gamma == 0 {
		gamma = 1.0
	}

	type raw struct {
		id     string
		weight float64
	}
	var eligible []raw
	var total float64
	for _, c := range candidates {
		if !c.InUniverse {
			continue
		}
		if c.SignalLabel != types.SignalBuy && c.SignalLabel != types.SignalHold {
			continue
		}
		s := math.Max(c.Score, 0)
		if s <= 0 {
			continue
		}
		w := math.Pow(s, gamma)
		eligible = append(eligible, raw{id: c.InstrumentID, weight: w})
		total += w
	}

	positions := map[string]decimal.Decimal{}
	if total <= 0 {
		return types.TargetPortfolio{PortfolioID: portfolioID, AsOfDate: asOfDate, TargetPositions: positions}
	}

	sort.Slice(eligible, func(i, j int) bool { return eligible[i].id < eligible[j].id })

	capName, _ := e.cfg.CapName.Float64()
	if capName <= 0 {
		capName = 1.0
	}
	grossCap, _ := e.cfg.GrossCap.Float64()
	if grossCap <= 0 {
		grossCap = 1.0
	}

	normalized := make(map[string]float64, len(eligible))
	for _, r := range eligible {
		normalized[r.id] = r.weight / total
	}
	applyCapAndRenormalize(normalized, capName)

	sumW := 0.0
	for _, w := range normalized {
		sumW += w
	}
	if sumW > grossCap {
		scale := grossCap / sumW
		for id, w := range normalized {
			normalized[id] = w * scale
		}
	}

	for id, w := range normalized {
		positions[id] = decimal.NewFromFloat(w)
	}

	return types.TargetPortfolio{
		PortfolioID: portfolioID, AsOfDate: asOfDate, TargetPositions: positions,
		Metadata: types.JSONBlob{"gamma": gamma, "cap_name": capName, "gross_cap": grossCap},
	}
}

// applyCapAndRenormalize clips every weight to capName and redistributes the
// clipped excess across the remaining uncapped names proportionally,
// repeating until no weight exceeds the cap or nothing remains to absorb it.
func applyCapAndRenormalize(weights map[string]float64, capName float64) {
	capped := map[string]bool{}
	for i := 0; i < len(weights)+1; i++ {
		var excess float64
		uncapped := map[string]float64{}
		for id, w := range weights {
			if capped[id] {
				continue
			}
			if w > capName {
				excess += w - capName
				weights[id] = capName
				capped[id] = true
			} else {
				uncapped[id] = w
			}
		}
		if excess <= 1e-12 || len(uncapped) == 0 {
			return
		}
		uncappedTotal := 0.0
		for _, w := range uncapped {
			uncappedTotal += w
		}
		if uncappedTotal <= 0 {
			return
		}
		for id, w := range uncapped {
			weights[id] = w + excess*(w/uncappedTotal)
		}
	}
}

// RiskReport computes scenario P&L (mean, VaR95, ES95) from target weights
// over a set of scenario paths.
func (e *Engine) RiskReport(portfolioID, asOfDate string, tp types.TargetPortfolio, scenarios []ScenarioPath) (types.PortfolioRiskReport, error) {
	if len(scenarios) == 0 {
		return types.PortfolioRiskReport{PortfolioID: portfolioID, AsOfDate: asOfDate}, nil
	}

	pnls := make([]float64, 0, len(scenarios))
	for _, sc := range scenarios {
		var pnl float64
		for id, w := range tp.TargetPositions {
			weightF, _ := w.Float64()
			pnl += weightF * sc.Returns[id]
		}
		pnls = append(pnls, pnl)
	}
	sort.Float64s(pnls)

	mean := meanOf(pnls)
	var95 := percentile(pnls, 0.05)
	es95 := expectedShortfall(pnls, 0.05)

	if math.IsNaN(mean) || math.IsNaN(var95) || math.IsNaN(es95) {
		return types.PortfolioRiskReport{}, fmt.Errorf("portfolio risk report: non-finite metric")
	}

	return types.PortfolioRiskReport{
		PortfolioID: portfolioID, AsOfDate: asOfDate,
		RiskMetrics: types.RiskMetrics{Mean: mean, VaR95: var95, ES95: es95},
	}, nil
}

func meanOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// percentile returns the value at quantile q (0..1) of a pre-sorted series.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

// expectedShortfall averages the tail at or below the q-quantile.
func expectedShortfall(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	cutoff := int(math.Ceil(q * float64(len(sorted))))
	if cutoff <= 0 {
		cutoff = 1
	}
	return meanOf(sorted[:cutoff])
}
