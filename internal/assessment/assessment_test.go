package assessment_test

import (
	"context"
	"testing"

	"github.com/prometheus-v2/daily-engine/internal/assessment"
	"github.com/prometheus-v2/daily-engine/internal/config"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProvider struct {
	inputs []assessment.InstrumentInputs
	err    error
}

func (p fakeProvider) Inputs(_ context.Context, _ assessment.Request) ([]assessment.InstrumentInputs, error) {
	return p.inputs, p.err
}

func testConfig() config.AssessmentConfig {
	return config.AssessmentConfig{
		Backend: "basic", HorizonDays: 21, TauBuy: 0.2, TauSell: 0.2,
		FragilityPenalty: map[string]float64{
			"Stable": 1.0, "Watch": 1.0, "Fragile": 0.7, "Targetable": 0.3, "Breaker": 0.0,
		},
	}
}

func TestBasicBackend_StrongPositiveReturnSignalsBuy(t *testing.T) {
	provider := fakeProvider{inputs: []assessment.InstrumentInputs{
		{InstrumentID: "AAA", TrailingReturn: 0.10, TrailingVol: 0.02, DataCoverage: 1.0},
	}}
	backend := assessment.NewBasicBackend(zap.NewNop(), testConfig(), provider)

	scores, err := backend.Score(context.Background(), assessment.Request{InstrumentIDs: []string{"AAA"}, AsOfDate: "2026-01-15"})
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, types.SignalBuy, scores[0].SignalLabel)
	assert.Greater(t, scores[0].Score, 0.0)
}

func TestBasicBackend_LowCoverageAlwaysSkips(t *testing.T) {
	provider := fakeProvider{inputs: []assessment.InstrumentInputs{
		{InstrumentID: "AAA", TrailingReturn: 0.50, TrailingVol: 0.01, DataCoverage: 0.2},
	}}
	backend := assessment.NewBasicBackend(zap.NewNop(), testConfig(), provider)

	scores, err := backend.Score(context.Background(), assessment.Request{InstrumentIDs: []string{"AAA"}, AsOfDate: "2026-01-15"})
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, types.SignalSkip, scores[0].SignalLabel)
}

func TestBasicBackend_FragilityDampensScore(t *testing.T) {
	stable := assessment.InstrumentInputs{
		InstrumentID: "AAA", TrailingReturn: 0.05, TrailingVol: 0.02, DataCoverage: 1.0,
		FragilityClass: types.ClassStable, FragilityRisk: 0.8,
	}
	breaker := stable
	breaker.InstrumentID = "BBB"
	breaker.FragilityClass = types.ClassBreaker

	cfg := testConfig()
	backendStable := assessment.NewBasicBackend(zap.NewNop(), cfg, fakeProvider{inputs: []assessment.InstrumentInputs{stable}})
	backendBreaker := assessment.NewBasicBackend(zap.NewNop(), cfg, fakeProvider{inputs: []assessment.InstrumentInputs{breaker}})

	scoresStable, err := backendStable.Score(context.Background(), assessment.Request{AsOfDate: "2026-01-15"})
	require.NoError(t, err)
	scoresBreaker, err := backendBreaker.Score(context.Background(), assessment.Request{AsOfDate: "2026-01-15"})
	require.NoError(t, err)

	assert.Greater(t, scoresStable[0].Score, scoresBreaker[0].Score,
		"a BREAKER-class instrument absorbs the full fragility penalty; a STABLE one is fully exempt")
}

func TestEngine_ContextBackendFallsBackOnMissingEmbedding(t *testing.T) {
	basic := assessment.NewBasicBackend(zap.NewNop(), testConfig(), fakeProvider{inputs: []assessment.InstrumentInputs{
		{InstrumentID: "AAA", TrailingReturn: 0.01, TrailingVol: 0.01, DataCoverage: 1.0},
	}})
	ctxBackend := failingBackend{err: &assessment.MissingEmbeddingError{JointType: "profile-scenario"}}

	cfg := testConfig()
	cfg.Backend = "context"
	cfg.Strict = false
	eng := assessment.New(zap.NewNop(), cfg, basic, ctxBackend)

	scores, err := eng.Score(context.Background(), assessment.Request{InstrumentIDs: []string{"AAA"}, AsOfDate: "2026-01-15"})
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, "assessment-basic-v1", scores[0].ModelID)
}

func TestEngine_ContextBackendStrictModePropagatesError(t *testing.T) {
	basic := assessment.NewBasicBackend(zap.NewNop(), testConfig(), fakeProvider{})
	ctxBackend := failingBackend{err: &assessment.MissingEmbeddingError{JointType: "profile-scenario"}}

	cfg := testConfig()
	cfg.Backend = "context"
	cfg.Strict = true
	eng := assessment.New(zap.NewNop(), cfg, basic, ctxBackend)

	_, err := eng.Score(context.Background(), assessment.Request{AsOfDate: "2026-01-15"})
	assert.Error(t, err)
}

type failingBackend struct{ err error }

func (b failingBackend) ModelID() string { return "assessment-context-v1" }
func (b failingBackend) Score(_ context.Context, _ assessment.Request) ([]types.InstrumentScore, error) {
	return nil, b.err
}
