// Package universe implements the universe engine: a ranked/filtered
// pool builder with structural filters, STAB adjustments, an optional
// cluster-uplift bonus, sector/total caps, and a deterministic tie-break.
package universe

import (
	"context"
	"fmt"
	"sort"

	"github.com/prometheus-v2/daily-engine/internal/config"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Candidate is one base-pool instrument with every input the engine needs
// to filter and rank it, assembled by the caller from price, stability, and assessment reads.
type Candidate struct {
	InstrumentID string
	Sector       string
	Price        decimal.Decimal
	ADV          decimal.Decimal
	Status       types.InstrumentStatus
	STABClass    types.SoftTargetClass
	RiskScore    float64 // state_change_risk.risk_score, in [0,1]
	WeakProfile  bool    // e.g. low criticality/resilience context for a borderline Fragile entity
	BaseScore    float64 // composite rank input (e.g. from InstrumentScore)
	ClusterID    string
}

// ClusterScoreProvider supplies the optional λ̂ cluster-uplift bonus.
type ClusterScoreProvider interface {
	LambdaScore(ctx context.Context, clusterID string) (float64, error)
}

// Engine is the Universe Engine.
type Engine struct {
	logger  *zap.Logger
	cfg     config.UniverseConfig
	cluster ClusterScoreProvider // may be nil to disable the bonus
}

func New(logger *zap.Logger, cfg config.UniverseConfig, cluster ClusterScoreProvider) *Engine {
	return &Engine{logger: logger, cfg: cfg, cluster: cluster}
}

type scored struct {
	Candidate
	rankScore float64
	reasons   types.JSONBlob
	dropped   bool
}

// Build runs the full universe-selection pipeline and returns one
// UniverseMember per base-pool candidate.
func (e *Engine) Build(ctx context.Context, universeID, asOfDate string, candidates []Candidate) ([]types.UniverseMember, error) {
	rows := make([]*scored, 0, len(candidates))
	for _, c := range candidates {
		rows = append(rows, &scored{Candidate: c, rankScore: c.BaseScore, reasons: types.JSONBlob{}})
	}

	e.applyStructuralFilters(rows)
	e.applyStabStaticFilter(rows)
	e.applyStabDynamicPenalty(rows)
	if err := e.applyClusterBonus(ctx, rows); err != nil {
		return nil, err
	}

	survivors := make([]*scored, 0, len(rows))
	for _, r := range rows {
		if !r.dropped {
			survivors = append(survivors, r)
		}
	}
	sortByRankThenID(survivors)

	e.applySectorCap(survivors)
	e.applyTotalCap(survivors)

	out := make([]types.UniverseMember, 0, len(rows))
	rankOf := map[string]int{}
	for i, r := range survivors {
		if r.InUniverseRank() {
			rankOf[r.InstrumentID] = i + 1
		}
	}
	for _, r := range rows {
		rank, inUniverse := rankOf[r.InstrumentID]
		scoresBlob := types.JSONBlob{"rank_score": r.rankScore, "base_score": r.BaseScore}
		out = append(out, types.UniverseMember{
			UniverseID: universeID, InstrumentID: r.InstrumentID, AsOfDate: asOfDate,
			InUniverse: inUniverse, Rank: rank, Scores: scoresBlob, Reasons: r.reasons,
		})
	}
	return out, nil
}

// InUniverseRank reports whether this row survived every filter and cap.
func (r *scored) InUniverseRank() bool { return !r.dropped }

func (e *Engine) applyStructuralFilters(rows []*scored) {
	for _, r := range rows {
		if r.Status != types.InstrumentActive {
			r.dropped = true
			r.reasons["structural"] = fmt.Sprintf("status=%s", r.Status)
			continue
		}
		if !e.cfg.MinPrice.IsZero() && r.Price.LessThan(e.cfg.MinPrice) {
			r.dropped = true
			r.reasons["structural"] = "below min_price"
			continue
		}
		if !e.cfg.MinLiquidityADV.IsZero() && r.ADV.LessThan(e.cfg.MinLiquidityADV) {
			r.dropped = true
			r.reasons["structural"] = "below min_liquidity_adv"
		}
	}
}

func (e *Engine) applyStabStaticFilter(rows []*scored) {
	for _, r := range rows {
		if r.dropped {
			continue
		}
		if e.cfg.DropBreaker && r.STABClass == types.ClassBreaker {
			r.dropped = true
			r.reasons["stab_static"] = "BREAKER"
			continue
		}
		if e.cfg.DropWeakFragile && r.STABClass == types.ClassFragile && r.WeakProfile {
			r.dropped = true
			r.reasons["stab_static"] = "FRAGILE_weak_profile"
		}
	}
}

func (e *Engine) applyStabDynamicPenalty(rows []*scored) {
	for _, r := range rows {
		if r.dropped {
			continue
		}
		penalty := 1 - e.cfg.WStab*r.RiskScore
		r.rankScore *= penalty
		r.reasons["stab_dynamic_penalty"] = penalty
	}
}

func (e *Engine) applyClusterBonus(ctx context.Context, rows []*scored) error {
	if e.cluster == nil || e.cfg.WLambda == 0 {
		return nil
	}
	cache := map[string]float64{}
	for _, r := range rows {
		if r.dropped || r.ClusterID == "" {
			continue
		}
		lambda, ok := cache[r.ClusterID]
		if !ok {
			var err error
			lambda, err = e.cluster.LambdaScore(ctx, r.ClusterID)
			if err != nil {
				return fmt.Errorf("lambda score for cluster %s: %w", r.ClusterID, err)
			}
			cache[r.ClusterID] = lambda
		}
		bonus := e.cfg.WLambda * lambda
		r.rankScore += bonus
		r.reasons["lambda_bonus"] = bonus
	}
	return nil
}

func (e *Engine) applySectorCap(survivors []*scored) {
	if e.cfg.MaxNamesPerSector <= 0 {
		return
	}
	perSector := map[string]int{}
	for _, r := range survivors {
		if r.dropped {
			continue
		}
		perSector[r.Sector]++
		if perSector[r.Sector] > e.cfg.MaxNamesPerSector {
			r.dropped = true
			r.reasons["sector_cap"] = fmt.Sprintf("exceeds max_names_per_sector=%d", e.cfg.MaxNamesPerSector)
		}
	}
}

func (e *Engine) applyTotalCap(survivors []*scored) {
	if e.cfg.MaxUniverseSize <= 0 {
		return
	}
	kept := 0
	for _, r := range survivors {
		if r.dropped {
			continue
		}
		kept++
		if kept > e.cfg.MaxUniverseSize {
			r.dropped = true
			r.reasons["total_cap"] = fmt.Sprintf("exceeds max_universe_size=%d", e.cfg.MaxUniverseSize)
		}
	}
}

// sortByRankThenID applies the deterministic tie-break: higher composite
// score first, then lexicographic instrument_id.
func sortByRankThenID(rows []*scored) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].rankScore != rows[j].rankScore {
			return rows[i].rankScore > rows[j].rankScore
		}
		return rows[i].InstrumentID < rows[j].InstrumentID
	})
}
