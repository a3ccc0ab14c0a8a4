// Package backtestrunner implements the backtest runner: replays a
// sleeve across a trading calendar through the scoring and execution pipeline, one
// day-runner call per trading date, recording an equity curve, trade
// ledger, and summary metrics.
package backtestrunner

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/prometheus-v2/daily-engine/internal/calendar"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Clock is injected for deterministic EngineDecision timestamps.
type Clock interface{ Now() time.Time }

// runtimeStore is the slice of internal/store.RuntimeStore the runner needs.
type runtimeStore interface {
	UpsertBacktestRun(ctx context.Context, r types.BacktestRun) error
	GetBacktestRun(ctx context.Context, runID string) (types.BacktestRun, bool, error)
	ListBacktestRuns(ctx context.Context, sleeveID string) ([]types.BacktestRun, error)
	InsertBacktestDailyEquity(ctx context.Context, e types.BacktestDailyEquity) error
	InsertBacktestTrade(ctx context.Context, t types.BacktestTrade) error
	InsertEngineDecision(ctx context.Context, d types.EngineDecision) error
}

// DayResult is what one trading day's replay produces, assembled by
// the caller from the pipeline's own engines so this package stays free of
// their dependencies.
type DayResult struct {
	Equity    decimal.Decimal
	Exposures map[string]float64
	RiskScore float64 // representative state_change_risk.risk_score for the bucket stat
	RegimeLabel types.RegimeLabel
	Trades    []types.BacktestTrade
}

// DayRunner executes one trading day's full pipeline for a sleeve and
// returns its result.
type DayRunner func(ctx context.Context, date calendar.Date) (DayResult, error)

// SleeveConfig is the full set of parameters that must match for two sleeve
// runs to be considered identical for reuse-or-run-inline purposes.
type SleeveConfig struct {
	StrategyID string
	SleeveID   string
	Region     string
	StartDate  calendar.Date
	EndDate    calendar.Date
	Params     types.JSONBlob // strategy/risk/universe parameters, hashed for the config key
}

// Engine is the Backtest Runner.
type Engine struct {
	logger *zap.Logger
	store  runtimeStore
	cal    calendar.TradingCalendar
	clock  Clock
}

func New(logger *zap.Logger, store runtimeStore, cal calendar.TradingCalendar, clock Clock) *Engine {
	return &Engine{logger: logger, store: store, cal: cal, clock: clock}
}

// ConfigHash derives a stable identifier for a SleeveConfig's parameters,
// used both as the reuse key and recorded in the EngineDecision audit row.
func ConfigHash(cfg SleeveConfig) string {
	h := xxhash.New()
	_, _ = h.WriteString(cfg.StrategyID)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(cfg.SleeveID)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(cfg.Region)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(cfg.StartDate.String())
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(cfg.EndDate.String())
	if raw, err := cfg.Params.Bytes(); err == nil {
		_, _ = h.Write(raw)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// RunSleeve replays cfg's date range through run, one trading date at a
// time, unless an identical run (by ConfigHash) already exists, in which
// case it is returned unchanged. Determinism: identical cfg and identical
// run behavior always produce a byte-identical metrics summary except for
// wall-clock fields recorded outside BacktestRun itself.
func (e *Engine) RunSleeve(ctx context.Context, cfg SleeveConfig, run DayRunner) (types.BacktestRun, error) {
	hash := ConfigHash(cfg)
	runID := "bt-" + hash

	if existing, found, err := e.store.GetBacktestRun(ctx, runID); err != nil {
		return types.BacktestRun{}, fmt.Errorf("check existing backtest run: %w", err)
	} else if found {
		e.logger.Info("reusing existing backtest run", zap.String("run_id", runID))
		return existing, nil
	}

	dates, err := calendar.TradingDatesInRange(ctx, e.cal, cfg.Region, cfg.StartDate, cfg.EndDate)
	if err != nil {
		return types.BacktestRun{}, fmt.Errorf("enumerate trading dates: %w", err)
	}

	var equityCurve []types.BacktestDailyEquity
	var peak, startEquity decimal.Decimal
	var turnoverSum float64
	regimeBuckets := map[string]float64{}
	riskBuckets := map[string]int{"low": 0, "mid": 0, "high": 0}
	var exposureSum, exposureCount float64

	for i, date := range dates {
		result, err := run(ctx, date)
		if err != nil {
			return types.BacktestRun{}, fmt.Errorf("run day %s: %w", date.String(), err)
		}

		if i == 0 {
			startEquity = result.Equity
			peak = result.Equity
		}
		if result.Equity.GreaterThan(peak) {
			peak = result.Equity
		}
		drawdown := 0.0
		if !peak.IsZero() {
			dd, _ := peak.Sub(result.Equity).Div(peak).Float64()
			drawdown = dd
		}

		equityCurve = append(equityCurve, types.BacktestDailyEquity{
			RunID: runID, Date: date.String(), Equity: result.Equity,
			Drawdown: drawdown, Exposures: result.Exposures,
		})

		regimeBuckets[string(result.RegimeLabel)]++
		riskBuckets[riskBucketOf(result.RiskScore)]++
		for _, v := range result.Exposures {
			exposureSum += math.Abs(v)
			exposureCount++
		}

		for _, trade := range result.Trades {
			trade.RunID = runID
			if trade.TradeID == "" {
				trade.TradeID = uuid.NewString()
			}
			if err := e.store.InsertBacktestTrade(ctx, trade); err != nil {
				return types.BacktestRun{}, fmt.Errorf("insert backtest trade: %w", err)
			}
			notional, _ := trade.Quantity.Abs().Mul(trade.Price).Float64()
			turnoverSum += notional
		}
	}

	for _, eq := range equityCurve {
		if err := e.store.InsertBacktestDailyEquity(ctx, eq); err != nil {
			return types.BacktestRun{}, fmt.Errorf("insert daily equity: %w", err)
		}
	}

	metrics := computeMetrics(equityCurve, startEquity, turnoverSum, exposureSum, exposureCount, normalizeBuckets(regimeBuckets), normalizeIntBuckets(riskBuckets))

	bcfg, _ := types.ParseJSONBlob([]byte(fmt.Sprintf(`{"config_hash":%q}`, hash)))
	backtestRun := types.BacktestRun{
		RunID: runID, StrategyID: cfg.StrategyID, SleeveID: cfg.SleeveID,
		Config: bcfg, StartDate: cfg.StartDate.String(), EndDate: cfg.EndDate.String(),
		Metrics: metrics,
	}
	if err := e.store.UpsertBacktestRun(ctx, backtestRun); err != nil {
		return types.BacktestRun{}, fmt.Errorf("upsert backtest run: %w", err)
	}

	decision := types.EngineDecision{
		DecisionID: uuid.NewString(), EngineName: "BACKTEST_SLEEVE_RUNNER", StrategyID: cfg.StrategyID,
		CreatedAt: e.clock.Now(),
		Inputs:    types.JSONBlob{"config_hash": hash, "start_date": cfg.StartDate.String(), "end_date": cfg.EndDate.String()},
		Outputs:   types.JSONBlob{"run_id": runID, "metrics": metrics},
	}
	if err := e.store.InsertEngineDecision(ctx, decision); err != nil {
		return types.BacktestRun{}, fmt.Errorf("insert engine decision: %w", err)
	}

	return backtestRun, nil
}

func riskBucketOf(risk float64) string {
	switch {
	case risk < 0.33:
		return "low"
	case risk < 0.66:
		return "mid"
	default:
		return "high"
	}
}

func normalizeBuckets(m map[string]float64) map[string]float64 {
	var total float64
	for _, v := range m {
		total += v
	}
	if total == 0 {
		return m
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v / total
	}
	return out
}

func normalizeIntBuckets(m map[string]int) map[string]float64 {
	var total float64
	for _, v := range m {
		total += float64(v)
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		if total > 0 {
			out[k] = float64(v) / total
		}
	}
	return out
}

func computeMetrics(curve []types.BacktestDailyEquity, startEquity decimal.Decimal, turnoverSum, exposureSum, exposureCount float64, regimeBuckets, riskBuckets map[string]float64) types.BacktestMetrics {
	if len(curve) == 0 {
		return types.BacktestMetrics{}
	}
	last := curve[len(curve)-1].Equity
	cumulativeReturn := 0.0
	if !startEquity.IsZero() {
		cr, _ := last.Sub(startEquity).Div(startEquity).Float64()
		cumulativeReturn = cr
	}

	returns := make([]float64, 0, len(curve))
	prev := startEquity
	for _, pt := range curve {
		if !prev.IsZero() {
			r, _ := pt.Equity.Sub(prev).Div(prev).Float64()
			returns = append(returns, r)
		}
		prev = pt.Equity
	}
	sharpe := annualizedSharpe(returns)

	maxDD := 0.0
	for _, pt := range curve {
		if pt.Drawdown > maxDD {
			maxDD = pt.Drawdown
		}
	}

	exposureMean := 0.0
	if exposureCount > 0 {
		exposureMean = exposureSum / exposureCount
	}

	avgEquity, _ := last.Float64()
	turnover := 0.0
	if avgEquity != 0 {
		turnover = turnoverSum / math.Abs(avgEquity)
	}

	return types.BacktestMetrics{
		CumulativeReturn: cumulativeReturn, AnnualizedSharpe: sharpe, MaxDrawdown: maxDD,
		Turnover: turnover, ExposureMean: exposureMean,
		RegimeBuckets: regimeBuckets, RiskScoreBuckets: riskBuckets,
	}
}

func annualizedSharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var sumSq float64
	for _, r := range returns {
		sumSq += (r - mean) * (r - mean)
	}
	stdev := math.Sqrt(sumSq / float64(len(returns)-1))
	if stdev == 0 {
		return 0
	}
	return mean / stdev * math.Sqrt(252)
}
