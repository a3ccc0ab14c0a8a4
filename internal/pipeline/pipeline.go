// Package pipeline is the daily orchestration glue: it assembles the
// per-instrument inputs each scoring and allocation engine expects from
// the historical store's raw price and reference data, and wires their
// outputs together into the three PhaseTasks the Engine-Run state machine
// dispatches. It holds no domain logic of its own; every score, class, and
// weight is computed by the engine it delegates to.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus-v2/daily-engine/internal/assessment"
	"github.com/prometheus-v2/daily-engine/internal/config"
	"github.com/prometheus-v2/daily-engine/internal/executionbridge"
	"github.com/prometheus-v2/daily-engine/internal/portfolio"
	"github.com/prometheus-v2/daily-engine/internal/regimeengine"
	"github.com/prometheus-v2/daily-engine/internal/risk"
	"github.com/prometheus-v2/daily-engine/internal/stability"
	"github.com/prometheus-v2/daily-engine/internal/universe"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// historicalStore is the subset of *store.HistoricalStore Pipeline needs.
type historicalStore interface {
	ListInstruments(ctx context.Context, marketID, activeOn string) ([]types.Instrument, error)
	ReadPrices(ctx context.Context, instrumentIDs []string, start, end string) ([]types.PriceDaily, error)
	AverageDollarVolume(ctx context.Context, instrumentID, asOf string, n int) (decimal.Decimal, error)
}

// runtimeStore is the subset of *store.RuntimeStore Pipeline needs.
type runtimeStore interface {
	GetLatestRegimeState(ctx context.Context, region, asOf string) (types.RegimeState, bool, error)
	UpsertInstrumentScore(ctx context.Context, sc types.InstrumentScore) error
	ReadLatestScore(ctx context.Context, strategyID, instrumentID, asOf string) (types.InstrumentScore, bool, error)
	GetLatestSoftTargetClass(ctx context.Context, entityID, beforeDate string) (types.SoftTargetClassRow, bool, error)
	GetLatestStateChangeRisk(ctx context.Context, entityID, beforeDate string) (types.StateChangeRisk, bool, error)
	UpsertUniverseMembers(ctx context.Context, universeID, asOf string, members []types.UniverseMember) error
	UpsertTargetPortfolio(ctx context.Context, tp types.TargetPortfolio) error
	InsertRiskAction(ctx context.Context, a types.RiskAction) error
	GetLatestPositionSnapshot(ctx context.Context, portfolioID, instrumentID, asOf string) (types.PositionSnapshot, bool, error)
}

// Pipeline wires one strategy/portfolio's daily run across every engine.
// Cluster lambda-uplift scores (Universe's and Meta's) and several STAB
// feature dimensions (political/operational/attack-surface) have no
// upstream data source in this deployment; Pipeline reports neutral
// defaults for them until a real feature-ingestion path exists, the way
// the Basic assessment backend already tolerates missing inputs.
type Pipeline struct {
	logger *zap.Logger
	cfg    *config.Config

	historical historicalStore
	runtime    runtimeStore

	regime     *regimeengine.Engine
	stability  *stability.Engine
	assessment *assessment.Engine
	universe   *universe.Engine
	portfolio  *portfolio.Engine
	risk       *risk.Engine
	execution  *executionbridge.Engine

	strategyID  string
	portfolioID string

	// lastWeights/lastTraded/lastAvgRisk cache RunBooks' output for the
	// BacktestDayRunner adapter to fold into one DayResult; safe because a
	// Pipeline only ever drives one (region, as_of_date) run at a time,
	// the same single-flight guarantee the Redis advisory lock enforces
	// for live runs.
	lastWeights map[string]decimal.Decimal
	lastTraded  []string
	lastAvgRisk float64

	// lastFragilityRisk caches each instrument's STAB risk_score from the
	// RunSignals pass so RunBooks can average it over the names it actually
	// traded, without re-scoring Stability a second time.
	lastFragilityRisk map[string]float64
}

// New constructs a Pipeline. assessment and universe are set afterward via
// SetAssessment and SetUniverse once their own constructors have been given
// this Pipeline as a collaborator (InputProvider and ClusterScoreProvider
// respectively), since each is mutually dependent on Pipeline at wiring time.
func New(logger *zap.Logger, cfg *config.Config, historical historicalStore, runtime runtimeStore, regime *regimeengine.Engine, stab *stability.Engine, pf *portfolio.Engine, r *risk.Engine, exec *executionbridge.Engine, strategyID, portfolioID string) *Pipeline {
	return &Pipeline{
		logger: logger, cfg: cfg,
		historical: historical, runtime: runtime,
		regime: regime, stability: stab, portfolio: pf, risk: r, execution: exec,
		strategyID: strategyID, portfolioID: portfolioID,
	}
}

// SetAssessment completes the wiring cycle described in New's doc comment.
func (p *Pipeline) SetAssessment(e *assessment.Engine) { p.assessment = e }

// SetUniverse completes the wiring cycle described in New's doc comment.
func (p *Pipeline) SetUniverse(u *universe.Engine) { p.universe = u }

// LambdaScore satisfies both universe.ClusterScoreProvider and
// meta.LambdaScoreProvider. It returns a neutral 0 (no uplift, no penalty)
// since no clustering model feeds this deployment yet.
func (p *Pipeline) LambdaScore(_ context.Context, _ string) (float64, error) { return 0, nil }

func (p *Pipeline) marketsForRegion(region string) []string {
	return p.cfg.Region2Market[region]
}

// instrumentUniverse lists every active instrument across the region's
// configured markets, as of asOfDate.
func (p *Pipeline) instrumentUniverse(ctx context.Context, region, asOfDate string) ([]types.Instrument, error) {
	var out []types.Instrument
	for _, marketID := range p.marketsForRegion(region) {
		instruments, err := p.historical.ListInstruments(ctx, marketID, asOfDate)
		if err != nil {
			return nil, fmt.Errorf("list instruments for market %s: %w", marketID, err)
		}
		out = append(out, instruments...)
	}
	return out, nil
}

// trailingWindow reads roughly windowDays trading days of price history
// ending at asOfDate, over-fetching by a calendar-day margin to absorb
// weekends, and returns at most the last windowDays bars.
func (p *Pipeline) trailingWindow(ctx context.Context, instrumentID, asOfDate string, windowDays int) ([]types.PriceDaily, error) {
	end, err := time.Parse("2006-01-02", asOfDate)
	if err != nil {
		return nil, fmt.Errorf("parse as_of_date %q: %w", asOfDate, err)
	}
	start := end.AddDate(0, 0, -windowDays*2-5)
	prices, err := p.historical.ReadPrices(ctx, []string{instrumentID}, start.Format("2006-01-02"), asOfDate)
	if err != nil {
		return nil, fmt.Errorf("read prices for %s: %w", instrumentID, err)
	}
	if len(prices) > windowDays {
		prices = prices[len(prices)-windowDays:]
	}
	return prices, nil
}

// dailyReturns converts a price series into close-to-close returns.
func dailyReturns(prices []types.PriceDaily) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev, _ := prices[i-1].Close.Float64()
		cur, _ := prices[i].Close.Float64()
		if prev == 0 {
			continue
		}
		out = append(out, (cur-prev)/prev)
	}
	return out
}

// averageRisk returns the mean cached STAB risk_score across instrumentIDs,
// or 0 if none have a cached score (e.g. the book traded nothing).
func (p *Pipeline) averageRisk(instrumentIDs []string) float64 {
	if len(instrumentIDs) == 0 || len(p.lastFragilityRisk) == 0 {
		return 0
	}
	var sum float64
	var n int
	for _, id := range instrumentIDs {
		if risk, ok := p.lastFragilityRisk[id]; ok {
			sum += risk
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func meanStdev(xs []float64) (mean, stdev float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))
	var sumSq float64
	for _, x := range xs {
		sumSq += (x - mean) * (x - mean)
	}
	if len(xs) > 1 {
		stdev = math.Sqrt(sumSq / float64(len(xs)-1))
	}
	return mean, stdev
}
