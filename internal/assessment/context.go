package assessment

import (
	"context"
	"fmt"
	"math"

	"github.com/prometheus-v2/daily-engine/internal/config"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"go.uber.org/zap"
)

// JointEmbeddingProvider resolves the ASSESSMENT_CTX_V0 joint embedding for
// an instrument, returning (nil, false, nil) when absent so ContextBackend
// can signal a MissingEmbeddingError for the Engine's fallback logic.
type JointEmbeddingProvider interface {
	ContextEmbedding(ctx context.Context, instrumentID, asOfDate string) (types.Vector, bool, error)
}

// ReferenceDirection is the fixed unit vector ContextBackend projects a
// joint embedding onto to derive a scalar score.
type ReferenceDirection types.Vector

// ContextBackend implements the joint-embedding-based assessment model.
type ContextBackend struct {
	logger    *zap.Logger
	cfg       config.AssessmentConfig
	provider  JointEmbeddingProvider
	reference ReferenceDirection
	// affine map from (l2 norm, projection) to (score, expected_return, confidence)
	scoreScale, erScale, confBase float64
}

func NewContextBackend(logger *zap.Logger, cfg config.AssessmentConfig, provider JointEmbeddingProvider, reference ReferenceDirection) *ContextBackend {
	return &ContextBackend{
		logger: logger, cfg: cfg, provider: provider, reference: reference,
		scoreScale: 1.0, erScale: 0.1, confBase: 0.5,
	}
}

func (b *ContextBackend) ModelID() string { return "assessment-context-v1" }

func (b *ContextBackend) Score(ctx context.Context, req Request) ([]types.InstrumentScore, error) {
	out := make([]types.InstrumentScore, 0, len(req.InstrumentIDs))
	for _, instrumentID := range req.InstrumentIDs {
		vec, found, err := b.provider.ContextEmbedding(ctx, instrumentID, req.AsOfDate)
		if err != nil {
			return nil, fmt.Errorf("context embedding for %s: %w", instrumentID, err)
		}
		if !found {
			return nil, &MissingEmbeddingError{JointType: "ASSESSMENT_CTX_V0"}
		}

		norm := l2Norm(vec)
		proj := projection(vec, types.Vector(b.reference))
		score := math.Tanh(b.scoreScale * proj)
		expectedReturn := b.erScale * proj
		confidence := clip(b.confBase+0.5*clip(norm, 0, 1), 0, 1)

		label := types.SignalHold
		switch {
		case score > b.cfg.TauBuy:
			label = types.SignalBuy
		case score < -b.cfg.TauSell:
			label = types.SignalSell
		}

		out = append(out, types.InstrumentScore{
			StrategyID: req.StrategyID, MarketID: req.MarketID, InstrumentID: instrumentID,
			AsOfDate: req.AsOfDate, HorizonDays: req.HorizonDays, ModelID: b.ModelID(),
			Score: score, ExpectedReturn: expectedReturn, Confidence: confidence, SignalLabel: label,
			Metadata: types.JSONBlob{"l2_norm": norm, "projection": proj},
		})
	}
	return out, nil
}

func l2Norm(v types.Vector) float64 {
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	return math.Sqrt(sumSq)
}

func projection(v, ref types.Vector) float64 {
	if len(ref) != len(v) || len(ref) == 0 {
		return 0
	}
	var dot float64
	for i := range v {
		dot += float64(v[i]) * float64(ref[i])
	}
	refNorm := l2Norm(ref)
	if refNorm == 0 {
		return 0
	}
	return dot / refNorm
}
