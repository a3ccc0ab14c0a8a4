// Package meta implements the meta orchestrator: selection policies
// over persisted BacktestRun rows that pick which sleeves feed the live
// blended book, recording the choice as an EngineDecision audit row.
package meta

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"go.uber.org/zap"
)

// Clock is injected for deterministic EngineDecision timestamps.
type Clock interface{ Now() time.Time }

// runtimeStore is the slice of internal/store.RuntimeStore the orchestrator
// needs.
type runtimeStore interface {
	ListBacktestRuns(ctx context.Context, sleeveID string) ([]types.BacktestRun, error)
	InsertEngineDecision(ctx context.Context, d types.EngineDecision) error
}

// Engine is the Meta-Orchestrator.
type Engine struct {
	logger *zap.Logger
	store  runtimeStore
	clock  Clock
}

func New(logger *zap.Logger, store runtimeStore, clock Clock) *Engine {
	return &Engine{logger: logger, store: store, clock: clock}
}

// Policy names one selection strategy over a sleeve's BacktestRun history.
type Policy string

const (
	PolicyTopKSharpe        Policy = "TOP_K_SHARPE"
	PolicyTopKLambdaUplift  Policy = "TOP_K_LAMBDA_UPLIFT"
	PolicyTopKLambdaRobust  Policy = "TOP_K_LAMBDA_ROBUST"
)

// LambdaScoreProvider supplies the cluster-uplift score a run's sleeve
// belongs to, consumed by the lambda-based policies.
type LambdaScoreProvider interface {
	LambdaScore(ctx context.Context, sleeveID string) (float64, error)
}

// Select runs policy over sleeveID's BacktestRun history and returns the top
// k run ids, recording the decision as a META_ORCHESTRATOR EngineDecision.
func (e *Engine) Select(ctx context.Context, strategyID, sleeveID string, policy Policy, k int, lambda LambdaScoreProvider) ([]string, error) {
	runs, err := e.store.ListBacktestRuns(ctx, sleeveID)
	if err != nil {
		return nil, fmt.Errorf("list backtest runs: %w", err)
	}
	if len(runs) == 0 {
		return nil, nil
	}

	var selected []string
	switch policy {
	case PolicyTopKSharpe:
		selected = selectTopKSharpe(runs, k)
	case PolicyTopKLambdaUplift:
		selected, err = e.selectTopKLambdaUplift(ctx, runs, k, lambda)
	case PolicyTopKLambdaRobust:
		selected, err = e.selectTopKLambdaRobust(ctx, runs, k, lambda)
	default:
		return nil, fmt.Errorf("unknown selection policy %q", policy)
	}
	if err != nil {
		return nil, err
	}

	decision := types.EngineDecision{
		DecisionID: uuid.NewString(), EngineName: "META_ORCHESTRATOR", StrategyID: strategyID,
		CreatedAt: e.clock.Now(),
		Inputs:    types.JSONBlob{"sleeve_id": sleeveID, "policy": string(policy), "k": k},
		Outputs:   types.JSONBlob{"selected_run_ids": selected},
	}
	if err := e.store.InsertEngineDecision(ctx, decision); err != nil {
		return nil, fmt.Errorf("insert engine decision: %w", err)
	}
	return selected, nil
}

// selectTopKSharpe ranks runs by annualized Sharpe, descending, tie-broken
// by lexicographic run_id for determinism.
func selectTopKSharpe(runs []types.BacktestRun, k int) []string {
	sorted := append([]types.BacktestRun(nil), runs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Metrics.AnnualizedSharpe != sorted[j].Metrics.AnnualizedSharpe {
			return sorted[i].Metrics.AnnualizedSharpe > sorted[j].Metrics.AnnualizedSharpe
		}
		return sorted[i].RunID < sorted[j].RunID
	})
	return topRunIDs(sorted, k)
}

// selectTopKLambdaUplift ranks runs by Sharpe uplifted by the sleeve's
// cluster lambda score, rewarding sleeves whose cluster is independently
// strong.
func (e *Engine) selectTopKLambdaUplift(ctx context.Context, runs []types.BacktestRun, k int, lambda LambdaScoreProvider) ([]string, error) {
	sorted := append([]types.BacktestRun(nil), runs...)
	scores := make(map[string]float64, len(sorted))
	for _, r := range sorted {
		l, err := lambda.LambdaScore(ctx, r.SleeveID)
		if err != nil {
			return nil, fmt.Errorf("lambda score for %s: %w", r.SleeveID, err)
		}
		scores[r.RunID] = r.Metrics.AnnualizedSharpe * (1 + l)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if scores[sorted[i].RunID] != scores[sorted[j].RunID] {
			return scores[sorted[i].RunID] > scores[sorted[j].RunID]
		}
		return sorted[i].RunID < sorted[j].RunID
	})
	return topRunIDs(sorted, k), nil
}

// selectTopKLambdaRobust is the lambda-uplift policy with an added
// drawdown penalty, preferring sleeves whose lambda-adjusted return does not
// come with outsized drawdown risk.
func (e *Engine) selectTopKLambdaRobust(ctx context.Context, runs []types.BacktestRun, k int, lambda LambdaScoreProvider) ([]string, error) {
	sorted := append([]types.BacktestRun(nil), runs...)
	scores := make(map[string]float64, len(sorted))
	for _, r := range sorted {
		l, err := lambda.LambdaScore(ctx, r.SleeveID)
		if err != nil {
			return nil, fmt.Errorf("lambda score for %s: %w", r.SleeveID, err)
		}
		upliftedSharpe := r.Metrics.AnnualizedSharpe * (1 + l)
		drawdownPenalty := math.Max(r.Metrics.MaxDrawdown, 0)
		scores[r.RunID] = upliftedSharpe - drawdownPenalty
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if scores[sorted[i].RunID] != scores[sorted[j].RunID] {
			return scores[sorted[i].RunID] > scores[sorted[j].RunID]
		}
		return sorted[i].RunID < sorted[j].RunID
	})
	return topRunIDs(sorted, k), nil
}

func topRunIDs(sorted []types.BacktestRun, k int) []string {
	if k <= 0 || k > len(sorted) {
		k = len(sorted)
	}
	out := make([]string, 0, k)
	for _, r := range sorted[:k] {
		out = append(out, r.RunID)
	}
	return out
}
