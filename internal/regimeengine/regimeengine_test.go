package regimeengine_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus-v2/daily-engine/internal/config"
	"github.com/prometheus-v2/daily-engine/internal/encoder"
	"github.com/prometheus-v2/daily-engine/internal/regimeengine"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// identityEncoder echoes its samples back as the vector, padded/truncated to
// the requested dimension, so classification distances are exact and
// deterministic instead of depending on the numeric encoder's random
// projection.
type identityEncoder struct{ dim int }

func (e identityEncoder) ModelID() string { return "identity-v1" }

func (e identityEncoder) Encode(_ context.Context, w encoder.Window) (types.Vector, error) {
	out := make(types.Vector, e.dim)
	for i := 0; i < e.dim && i < len(w.Samples); i++ {
		out[i] = float32(w.Samples[i])
	}
	return out, nil
}

type fakeHistorical struct{}

func (fakeHistorical) ReadEmbedding(_ context.Context, _, _, _, _ string) (types.Vector, bool, error) {
	return nil, false, nil
}
func (fakeHistorical) UpsertNumericEmbedding(_ context.Context, _ types.NumericWindowEmbedding) error {
	return nil
}
func (fakeHistorical) UpsertTextEmbedding(_ context.Context, _ types.TextEmbedding) error { return nil }
func (fakeHistorical) UpsertJointEmbedding(_ context.Context, _ types.JointEmbedding) error {
	return nil
}

type fakeRuntime struct {
	states      map[string]types.RegimeState
	transitions []types.RegimeTransition
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{states: map[string]types.RegimeState{}}
}

func (s *fakeRuntime) GetLatestRegimeState(_ context.Context, region, _ string) (types.RegimeState, bool, error) {
	rs, ok := s.states[region]
	return rs, ok, nil
}

func (s *fakeRuntime) UpsertRegimeState(_ context.Context, rs types.RegimeState) error {
	s.states[rs.Region] = rs
	return nil
}

func (s *fakeRuntime) InsertRegimeTransition(_ context.Context, t types.RegimeTransition) error {
	s.transitions = append(s.transitions, t)
	return nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newEngine(t *testing.T, cfg config.RegimeConfig, runtime *fakeRuntime) *regimeengine.Engine {
	t.Helper()
	prototypes := map[string][]float32{
		"RISK_ON":        {1, 1, 1},
		"RISK_OFF_PANIC": {-1, -1, -1},
	}
	cache := encoder.NewCache(zap.NewNop(), fakeHistorical{}, nil, time.Hour)
	return regimeengine.New(zap.NewNop(), cfg, prototypes, identityEncoder{dim: 3}, cache, runtime, fixedClock{t: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)})
}

func TestClassify_InsufficientBarsReturnsUnknown(t *testing.T) {
	runtime := newFakeRuntime()
	eng := newEngine(t, config.RegimeConfig{WindowDays: 5, Temperature: 1, HysteresisDays: 1}, runtime)

	rs, err := eng.Classify(context.Background(), "US", "2026-01-15", []float64{0.1, 0.2}, false)
	require.NoError(t, err)
	assert.Equal(t, types.RegimeUnknown, rs.Label)
	assert.Equal(t, 0.0, rs.Confidence)
}

func TestClassify_NoPriorStateAdoptsCandidateImmediately(t *testing.T) {
	runtime := newFakeRuntime()
	eng := newEngine(t, config.RegimeConfig{WindowDays: 2, Temperature: 1, HysteresisDays: 3}, runtime)

	rs, err := eng.Classify(context.Background(), "US", "2026-01-15", []float64{1, 1}, false)
	require.NoError(t, err)
	assert.Equal(t, types.RegimeLabel("RISK_ON"), rs.Label)
	assert.Empty(t, runtime.transitions)
}

func TestClassify_CrisisOverrideBypassesHysteresis(t *testing.T) {
	runtime := newFakeRuntime()
	runtime.states["US"] = types.RegimeState{Region: "US", Label: "RISK_ON"}
	eng := newEngine(t, config.RegimeConfig{WindowDays: 2, Temperature: 1, HysteresisDays: 5}, runtime)

	rs, err := eng.Classify(context.Background(), "US", "2026-01-15", []float64{1, 1}, true)
	require.NoError(t, err)
	assert.Equal(t, types.RegimeRiskOffPanic, rs.Label)
	assert.Equal(t, 1.0, rs.Confidence)
	require.Len(t, runtime.transitions, 1)
	assert.Equal(t, types.RegimeLabel("RISK_ON"), runtime.transitions[0].FromLabel)
	assert.Equal(t, types.RegimeRiskOffPanic, runtime.transitions[0].ToLabel)
}

func TestClassify_LabelChangeHeldUntilHysteresisSatisfied(t *testing.T) {
	runtime := newFakeRuntime()
	runtime.states["US"] = types.RegimeState{Region: "US", Label: "RISK_OFF_PANIC"}
	eng := newEngine(t, config.RegimeConfig{WindowDays: 2, Temperature: 1, HysteresisDays: 2}, runtime)

	// First confirming run: pending, label holds.
	rs, err := eng.Classify(context.Background(), "US", "2026-01-15", []float64{1, 1}, false)
	require.NoError(t, err)
	assert.Equal(t, types.RegimeRiskOffPanic, rs.Label)
	assert.Equal(t, "RISK_ON", rs.Metadata["hysteresis_pending_label"])

	// Second confirming run: hysteresis satisfied, transition commits.
	rs, err = eng.Classify(context.Background(), "US", "2026-01-16", []float64{1, 1}, false)
	require.NoError(t, err)
	assert.Equal(t, types.RegimeLabel("RISK_ON"), rs.Label)
	require.Len(t, runtime.transitions, 1)
}
