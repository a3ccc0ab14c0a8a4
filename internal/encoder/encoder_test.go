package encoder_test

import (
	"context"
	"testing"

	"github.com/prometheus-v2/daily-engine/internal/encoder"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNumericEncoder_OutputIsFixedDimAndFinite(t *testing.T) {
	enc := encoder.NewNumericEncoder("num-regime-core-v1")
	vec, err := enc.Encode(context.Background(), encoder.Window{
		EntityType: "region", EntityID: "US", AsOfDate: "2026-01-15",
		Samples: []float64{0.01, -0.02, 0.03, 0.005, -0.01},
	})
	require.NoError(t, err)
	assert.Len(t, vec, encoder.Dim)
}

func TestNumericEncoder_DeterministicForSameInputs(t *testing.T) {
	enc := encoder.NewNumericEncoder("num-regime-core-v1")
	w := encoder.Window{EntityType: "region", EntityID: "US", AsOfDate: "2026-01-15", Samples: []float64{0.01, -0.02, 0.03}}

	first, err := enc.Encode(context.Background(), w)
	require.NoError(t, err)
	second, err := enc.Encode(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestNumericEncoder_DifferentEntitiesYieldDifferentVectors(t *testing.T) {
	enc := encoder.NewNumericEncoder("num-regime-core-v1")
	w := encoder.Window{AsOfDate: "2026-01-15", Samples: []float64{0.01, -0.02, 0.03}}

	us, err := enc.Encode(context.Background(), encoder.Window{EntityID: "US", AsOfDate: w.AsOfDate, Samples: w.Samples})
	require.NoError(t, err)
	eu, err := enc.Encode(context.Background(), encoder.Window{EntityID: "EU", AsOfDate: w.AsOfDate, Samples: w.Samples})
	require.NoError(t, err)
	assert.NotEqual(t, us, eu)
}

type fakeHistoricalStore struct {
	embeddings map[string]types.Vector
	numericPersisted int
}

func (s *fakeHistoricalStore) ReadEmbedding(_ context.Context, _, entityID, asOf, modelID string) (types.Vector, bool, error) {
	vec, ok := s.embeddings[entityID+"|"+asOf+"|"+modelID]
	return vec, ok, nil
}

func (s *fakeHistoricalStore) UpsertNumericEmbedding(_ context.Context, e types.NumericWindowEmbedding) error {
	s.numericPersisted++
	if s.embeddings == nil {
		s.embeddings = map[string]types.Vector{}
	}
	s.embeddings[e.EntityID+"|"+e.AsOfDate+"|"+e.ModelID] = e.Vector
	return nil
}

func (s *fakeHistoricalStore) UpsertTextEmbedding(_ context.Context, _ types.TextEmbedding) error { return nil }
func (s *fakeHistoricalStore) UpsertJointEmbedding(_ context.Context, _ types.JointEmbedding) error {
	return nil
}

func TestCache_EncodesOnceThenReadsFromStore(t *testing.T) {
	store := &fakeHistoricalStore{embeddings: map[string]types.Vector{}}
	cache := encoder.NewCache(zap.NewNop(), store, nil, 0)
	enc := encoder.NewNumericEncoder("num-regime-core-v1")
	w := encoder.Window{EntityType: "region", EntityID: "US", AsOfDate: "2026-01-15", Samples: []float64{0.01, -0.02}}

	first, err := cache.GetOrEncode(context.Background(), enc, "region", "US", "2026-01-15", w, false)
	require.NoError(t, err)
	assert.Equal(t, 1, store.numericPersisted)

	second, err := cache.GetOrEncode(context.Background(), enc, "region", "US", "2026-01-15", w, false)
	require.NoError(t, err)
	assert.Equal(t, 1, store.numericPersisted, "a cache hit must not re-encode or re-persist")
	assert.Equal(t, first, second)
}

func TestCache_ForceSkipsCacheAndReEncodes(t *testing.T) {
	store := &fakeHistoricalStore{embeddings: map[string]types.Vector{}}
	cache := encoder.NewCache(zap.NewNop(), store, nil, 0)
	enc := encoder.NewNumericEncoder("num-regime-core-v1")
	w := encoder.Window{EntityType: "region", EntityID: "US", AsOfDate: "2026-01-15", Samples: []float64{0.01, -0.02}}

	_, err := cache.GetOrEncode(context.Background(), enc, "region", "US", "2026-01-15", w, false)
	require.NoError(t, err)
	_, err = cache.GetOrEncode(context.Background(), enc, "region", "US", "2026-01-15", w, true)
	require.NoError(t, err)
	assert.Equal(t, 2, store.numericPersisted)
}
