package assessment

import (
	"context"
	"fmt"
	"math"

	"github.com/prometheus-v2/daily-engine/internal/config"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"go.uber.org/zap"
)

// InputProvider supplies the per-instrument features BasicBackend needs;
// implemented by the caller from price and stability-score reads so this package
// stays free of store dependencies.
type InputProvider interface {
	Inputs(ctx context.Context, req Request) ([]InstrumentInputs, error)
}

// BasicBackend scores instruments from trailing return and volatility,
// downweighted by fragility class.
type BasicBackend struct {
	logger   *zap.Logger
	cfg      config.AssessmentConfig
	provider InputProvider
}

func NewBasicBackend(logger *zap.Logger, cfg config.AssessmentConfig, provider InputProvider) *BasicBackend {
	return &BasicBackend{logger: logger, cfg: cfg, provider: provider}
}

func (b *BasicBackend) ModelID() string { return "assessment-basic-v1" }

func (b *BasicBackend) Score(ctx context.Context, req Request) ([]types.InstrumentScore, error) {
	inputs, err := b.provider.Inputs(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("basic backend inputs: %w", err)
	}

	out := make([]types.InstrumentScore, 0, len(inputs))
	for _, in := range inputs {
		penaltyMult := b.cfg.FragilityPenalty[string(in.FragilityClass)]
		if penaltyMult == 0 && in.FragilityClass == "" {
			penaltyMult = 1.0
		}
		lambda := 1.0 // volatility penalty coefficient; spec fixes the formula, not this weight
		beta := 1.0   // fragility penalty coefficient
		fragilityPenalty := (1 - penaltyMult) * in.FragilityRisk

		expectedReturn := in.TrailingReturn - lambda*in.TrailingVol - beta*fragilityPenalty

		score := 0.0
		if in.TrailingVol > 0 {
			score = math.Tanh(expectedReturn / in.TrailingVol)
		}

		confidence := clip(in.DataCoverage*(1-in.FragilityRisk), 0, 1)

		label := types.SignalHold
		switch {
		case in.DataCoverage < 0.5:
			label = types.SignalSkip
		case score > b.cfg.TauBuy:
			label = types.SignalBuy
		case score < -b.cfg.TauSell:
			label = types.SignalSell
		}

		out = append(out, types.InstrumentScore{
			StrategyID: req.StrategyID, MarketID: req.MarketID, InstrumentID: in.InstrumentID,
			AsOfDate: req.AsOfDate, HorizonDays: req.HorizonDays, ModelID: b.ModelID(),
			Score: score, ExpectedReturn: expectedReturn, Confidence: confidence, SignalLabel: label,
			Metadata: types.JSONBlob{
				"trailing_return": in.TrailingReturn, "trailing_vol": in.TrailingVol,
				"fragility_class": string(in.FragilityClass), "fragility_risk": in.FragilityRisk,
			},
		})
	}
	return out, nil
}
