package pipeline

import (
	"context"
	"fmt"

	"github.com/prometheus-v2/daily-engine/internal/assessment"
	"github.com/prometheus-v2/daily-engine/internal/enginerun"
	"github.com/prometheus-v2/daily-engine/internal/executionbridge"
	"github.com/prometheus-v2/daily-engine/internal/portfolio"
	"github.com/prometheus-v2/daily-engine/internal/stability"
	"github.com/prometheus-v2/daily-engine/internal/universe"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Inputs implements assessment.InputProvider: for each requested
// instrument it scores stability fresh (so assessment always sees the
// current fragility read) and folds the trailing-return/volatility
// features the basic backend needs in from historical prices.
func (p *Pipeline) Inputs(ctx context.Context, req assessment.Request) ([]assessment.InstrumentInputs, error) {
	out := make([]assessment.InstrumentInputs, 0, len(req.InstrumentIDs))
	for _, id := range req.InstrumentIDs {
		prices, err := p.trailingWindow(ctx, id, req.AsOfDate, req.HorizonDays)
		if err != nil {
			return nil, err
		}
		returns := dailyReturns(prices)
		mean, stdev := meanStdev(returns)
		coverage := 0.0
		if req.HorizonDays > 0 {
			coverage = float64(len(prices)) / float64(req.HorizonDays)
			if coverage > 1 {
				coverage = 1
			}
		}

		result, err := p.stability.Score(ctx, stability.Profile{
			EntityType: "instrument", EntityID: id,
			Financial: clip(0.5+stdev*10, 0, 1), // higher recent return volatility reads as more financially stressed
			Political: 0.5, Operational: 0.5, AttackSurface: 0.5,
			Criticality: 0.5, Resilience: 0.5,
		}, req.AsOfDate)
		if err != nil {
			return nil, fmt.Errorf("stability score for %s: %w", id, err)
		}

		out = append(out, assessment.InstrumentInputs{
			InstrumentID: id, TrailingReturn: mean * float64(len(returns)), TrailingVol: stdev,
			DataCoverage: coverage, FragilityClass: result.Class.Class, FragilityRisk: result.Risk.RiskScore,
		})
	}
	return out, nil
}

// classifyRegion runs regime classification for the region's configured
// proxy instrument, a no-op if none is configured.
func (p *Pipeline) classifyRegion(ctx context.Context, run types.EngineRun) error {
	proxy, ok := p.cfg.Regime.ProxyInstrumentPerRegion[run.Region]
	if !ok || proxy == "" {
		p.logger.Warn("no proxy instrument configured for region, skipping regime classification", zap.String("region", run.Region))
		return nil
	}
	prices, err := p.trailingWindow(ctx, proxy, run.AsOfDate, p.cfg.Regime.WindowDays)
	if err != nil {
		return fmt.Errorf("read regime proxy window: %w", err)
	}
	samples := dailyReturns(prices)
	if _, err := p.regime.Classify(ctx, run.Region, run.AsOfDate, samples, false); err != nil {
		return fmt.Errorf("classify regime: %w", err)
	}
	return nil
}

func clip(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// RunSignals is the SIGNALS_RUNNING PhaseTask body: classify
// the region's regime and score every in-scope instrument through
// Assessment (which internally drives Stability via Inputs above)
// concurrently, since neither reads the other's output, then persists the
// resulting InstrumentScore rows for Universe to read next.
func (p *Pipeline) RunSignals(ctx context.Context, run types.EngineRun) (types.RunPhase, error) {
	instruments, err := p.instrumentUniverse(ctx, run.Region, run.AsOfDate)
	if err != nil {
		return "", err
	}
	if len(instruments) == 0 {
		if err := p.classifyRegion(ctx, run); err != nil {
			return "", err
		}
		return types.PhaseSignalsDone, nil
	}

	ids := make([]string, len(instruments))
	for i, inst := range instruments {
		ids[i] = inst.InstrumentID
	}

	var scores []types.InstrumentScore
	err = enginerun.RunSignalsConcurrently(ctx,
		func(ctx context.Context) error { return p.classifyRegion(ctx, run) },
		func(ctx context.Context) error {
			var scoreErr error
			scores, scoreErr = p.assessment.Score(ctx, assessment.Request{
				StrategyID: p.strategyID, MarketID: instruments[0].MarketID, InstrumentIDs: ids,
				AsOfDate: run.AsOfDate, HorizonDays: p.cfg.Assessment.HorizonDays,
			})
			return scoreErr
		},
	)
	if err != nil {
		return "", err
	}
	fragilityRisk := make(map[string]float64, len(scores))
	for _, sc := range scores {
		if err := p.runtime.UpsertInstrumentScore(ctx, sc); err != nil {
			return "", fmt.Errorf("persist instrument score: %w", err)
		}
		if risk, ok := sc.Metadata["fragility_risk"].(float64); ok {
			fragilityRisk[sc.InstrumentID] = risk
		}
	}
	p.lastFragilityRisk = fragilityRisk
	return types.PhaseSignalsDone, nil
}

// RunUniverse is the UNIVERSES_RUNNING PhaseTask body: build the day's
// universe from the scores RunSignals just persisted plus structural
// filters, snapshotting the members.
func (p *Pipeline) RunUniverse(ctx context.Context, run types.EngineRun) (types.RunPhase, error) {
	instruments, err := p.instrumentUniverse(ctx, run.Region, run.AsOfDate)
	if err != nil {
		return "", err
	}

	candidates := make([]universe.Candidate, 0, len(instruments))
	for _, inst := range instruments {
		adv, err := p.historical.AverageDollarVolume(ctx, inst.InstrumentID, run.AsOfDate, 21)
		if err != nil {
			return "", fmt.Errorf("average dollar volume for %s: %w", inst.InstrumentID, err)
		}
		score, found, err := p.runtime.ReadLatestScore(ctx, p.strategyID, inst.InstrumentID, run.AsOfDate)
		if err != nil {
			return "", fmt.Errorf("read latest score for %s: %w", inst.InstrumentID, err)
		}
		baseScore := 0.0
		if found {
			baseScore = score.Score
		}

		prices, err := p.trailingWindow(ctx, inst.InstrumentID, run.AsOfDate, 1)
		if err != nil {
			return "", fmt.Errorf("read price for %s: %w", inst.InstrumentID, err)
		}
		price := decimal.Zero
		if len(prices) > 0 {
			price = prices[len(prices)-1].Close
		}

		var stabClass types.SoftTargetClass
		if row, found, err := p.runtime.GetLatestSoftTargetClass(ctx, inst.InstrumentID, run.AsOfDate); err != nil {
			return "", fmt.Errorf("read latest STAB class for %s: %w", inst.InstrumentID, err)
		} else if found {
			stabClass = row.Class
		}
		var riskScore float64
		if row, found, err := p.runtime.GetLatestStateChangeRisk(ctx, inst.InstrumentID, run.AsOfDate); err != nil {
			return "", fmt.Errorf("read latest state-change risk for %s: %w", inst.InstrumentID, err)
		} else if found {
			riskScore = row.RiskScore
		}

		candidates = append(candidates, universe.Candidate{
			InstrumentID: inst.InstrumentID, Sector: inst.IssuerID, Price: price, ADV: adv,
			Status: inst.Status, BaseScore: baseScore,
			STABClass: stabClass, RiskScore: riskScore,
			WeakProfile: stabClass == types.ClassFragile && riskScore > p.cfg.Universe.WeakFragileRiskThreshold,
		})
	}

	universeID := fmt.Sprintf("%s-%s-%s", p.strategyID, run.Region, run.AsOfDate)
	members, err := p.universe.Build(ctx, universeID, run.AsOfDate, candidates)
	if err != nil {
		return "", fmt.Errorf("build universe: %w", err)
	}
	if err := p.runtime.UpsertUniverseMembers(ctx, universeID, run.AsOfDate, members); err != nil {
		return "", fmt.Errorf("persist universe members: %w", err)
	}
	return types.PhaseUniversesDone, nil
}

// RunBooks is the BOOKS_RUNNING PhaseTask body: turn the universe into
// target weights, apply risk limits, and submit the resulting orders to
// the execution bridge.
func (p *Pipeline) RunBooks(ctx context.Context, run types.EngineRun) (types.RunPhase, error) {
	instruments, err := p.instrumentUniverse(ctx, run.Region, run.AsOfDate)
	if err != nil {
		return "", err
	}

	candidates := make([]portfolio.Candidate, 0, len(instruments))
	for _, inst := range instruments {
		score, found, err := p.runtime.ReadLatestScore(ctx, p.strategyID, inst.InstrumentID, run.AsOfDate)
		if !found || err != nil {
			continue
		}
		candidates = append(candidates, portfolio.Candidate{
			InstrumentID: inst.InstrumentID, InUniverse: true,
			Score: score.Score, SignalLabel: score.SignalLabel,
		})
	}

	target := p.portfolio.BuildTargets(p.portfolioID, run.AsOfDate, candidates)
	if err := p.runtime.UpsertTargetPortfolio(ctx, target); err != nil {
		return "", fmt.Errorf("persist target portfolio: %w", err)
	}

	result := p.risk.ApplyRisk(p.strategyID, target.TargetPositions, p.cfg.Risk, nil, nil)
	for _, action := range result.Actions {
		if err := p.runtime.InsertRiskAction(ctx, action); err != nil {
			return "", fmt.Errorf("persist risk action: %w", err)
		}
	}
	p.lastWeights = result.AdjustedWeights
	traded := make([]string, 0, len(result.AdjustedWeights))
	for instrumentID, weight := range result.AdjustedWeights {
		if !weight.IsZero() {
			traded = append(traded, instrumentID)
		}
	}
	p.lastTraded = traded
	p.lastAvgRisk = p.averageRisk(traded)

	for instrumentID, weight := range result.AdjustedWeights {
		prices, err := p.trailingWindow(ctx, instrumentID, run.AsOfDate, 1)
		if err != nil || len(prices) == 0 {
			p.logger.Warn("no reference price for order, skipping", zap.String("instrument_id", instrumentID))
			continue
		}
		reference := prices[len(prices)-1].Close
		if !reference.IsPositive() {
			p.logger.Warn("non-positive reference price, skipping order", zap.String("instrument_id", instrumentID))
			continue
		}

		targetShares := weight.Mul(p.cfg.Portfolio.BookNotional).Div(reference)
		currentShares := decimal.Zero
		if snap, found, err := p.runtime.GetLatestPositionSnapshot(ctx, p.portfolioID, instrumentID, run.AsOfDate); err != nil {
			return "", fmt.Errorf("read current position for %s: %w", instrumentID, err)
		} else if found {
			currentShares = snap.Quantity
		}

		delta := targetShares.Sub(currentShares)
		if delta.IsZero() {
			continue
		}

		side := types.OrderSideBuy
		if delta.IsNegative() {
			side = types.OrderSideSell
		}
		orderType := types.OrderTypeOpenLong
		switch {
		case targetShares.IsZero():
			orderType = types.OrderTypeClose
		case targetShares.IsNegative():
			orderType = types.OrderTypeOpenShort
		}

		order := executionbridge.PlannedOrder{
			PortfolioID: p.portfolioID, InstrumentID: instrumentID, AsOfDate: run.AsOfDate,
			Side: side, OrderType: orderType, Quantity: delta.Abs(), ReferencePrice: reference,
		}
		mode := types.ExecutionMode(p.cfg.Execution.Mode)
		if _, err := p.execution.Submit(ctx, mode, order); err != nil {
			p.logger.Warn("order submission rejected", zap.String("instrument_id", instrumentID), zap.Error(err))
		}
	}

	return types.PhaseBooksDone, nil
}
