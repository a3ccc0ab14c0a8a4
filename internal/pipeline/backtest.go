package pipeline

import (
	"context"

	"github.com/prometheus-v2/daily-engine/internal/backtestrunner"
	"github.com/prometheus-v2/daily-engine/internal/calendar"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// BacktestDayRunner adapts Pipeline into a backtestrunner.DayRunner for the
// given region: each call drives the same Signals -> Universe -> Books
// sequence the live Engine-Run state machine dispatches, then folds the
// resulting positions into one DayResult. Equity is approximated as the sum
// of the traded instruments' latest PositionSnapshot.MarketValue, since
// Pipeline has no separate ledger of its own.
func (p *Pipeline) BacktestDayRunner(region string) backtestrunner.DayRunner {
	return func(ctx context.Context, date calendar.Date) (backtestrunner.DayResult, error) {
		asOfDate := date.String()
		run := types.EngineRun{AsOfDate: asOfDate, Region: region}

		if _, err := p.RunSignals(ctx, run); err != nil {
			return backtestrunner.DayResult{}, err
		}
		if _, err := p.RunUniverse(ctx, run); err != nil {
			return backtestrunner.DayResult{}, err
		}
		if _, err := p.RunBooks(ctx, run); err != nil {
			return backtestrunner.DayResult{}, err
		}

		var regimeLabel types.RegimeLabel
		if state, found, err := p.runtime.GetLatestRegimeState(ctx, region, asOfDate); err == nil && found {
			regimeLabel = state.Label
		}

		exposures := make(map[string]float64, len(p.lastWeights))
		equity := decimal.Zero
		for instrumentID, weight := range p.lastWeights {
			w, _ := weight.Float64()
			exposures[instrumentID] = w

			snap, found, err := p.runtime.GetLatestPositionSnapshot(ctx, p.portfolioID, instrumentID, asOfDate)
			if err != nil || !found {
				continue
			}
			equity = equity.Add(snap.MarketValue)
		}

		trades := make([]types.BacktestTrade, 0, len(p.lastTraded))
		for _, instrumentID := range p.lastTraded {
			weight := p.lastWeights[instrumentID]
			side := types.OrderSideBuy
			if weight.IsNegative() {
				side = types.OrderSideSell
			}
			snap, found, err := p.runtime.GetLatestPositionSnapshot(ctx, p.portfolioID, instrumentID, asOfDate)
			if err != nil || !found {
				continue
			}
			trades = append(trades, types.BacktestTrade{
				Date: asOfDate, InstrumentID: instrumentID, Side: side,
				Quantity: snap.Quantity, Price: snap.AvgCost,
			})
		}

		return backtestrunner.DayResult{
			Equity: equity, Exposures: exposures, RiskScore: p.lastAvgRisk,
			RegimeLabel: regimeLabel, Trades: trades,
		}, nil
	}
}
