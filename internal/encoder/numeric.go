package encoder

import (
	"context"
	"math"
	"math/rand"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus-v2/daily-engine/pkg/types"
)

// NumericEncoder turns a numeric window (e.g. a trailing price/return
// series) into a fixed-dim vector: a handful of deterministic summary
// features, then a deterministic random projection up to Dim so the
// contract stays size-stable regardless of window length. The projection
// is seeded from (model_id, entity_id, as_of_date), so the same triple
// always yields the same projection.
type NumericEncoder struct {
	modelID string
	dim     int
}

func NewNumericEncoder(modelID string) *NumericEncoder {
	return &NumericEncoder{modelID: modelID, dim: Dim}
}

func (e *NumericEncoder) ModelID() string { return e.modelID }

func (e *NumericEncoder) Encode(ctx context.Context, w Window) (types.Vector, error) {
	features := summarize(w.Samples)
	vec := project(features, e.dim, seedFor(e.modelID, w.EntityID, w.AsOfDate))
	if err := validate(vec, e.dim); err != nil {
		return nil, err
	}
	return vec, nil
}

// summarize derives a small, deterministic feature set from a raw sample
// window: level, dispersion, and simple momentum statistics.
func summarize(samples []float64) []float64 {
	n := len(samples)
	if n == 0 {
		return []float64{0, 0, 0, 0, 0}
	}
	var sum, sumSq float64
	for _, s := range samples {
		sum += s
		sumSq += s * s
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	stdev := math.Sqrt(variance)
	first, last := samples[0], samples[n-1]
	momentum := 0.0
	if first != 0 {
		momentum = (last - first) / math.Abs(first)
	}
	minV, maxV := samples[0], samples[0]
	for _, s := range samples {
		if s < minV {
			minV = s
		}
		if s > maxV {
			maxV = s
		}
	}
	return []float64{mean, stdev, momentum, minV, maxV}
}

// seedFor derives a deterministic projection seed from (model_id, entity_id,
// as_of_date), so the same inputs always encode to the same vector.
func seedFor(modelID, entityID, asOfDate string) int64 {
	h := xxhash.New()
	_, _ = h.WriteString(modelID)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(entityID)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(asOfDate)
	return int64(h.Sum64())
}

// project expands a small feature vector into dim entries via a
// deterministically-seeded random projection; every one of the dim entries
// is a random linear combination of all the features.
func project(features []float64, dim int, seed int64) types.Vector {
	rng := rand.New(rand.NewSource(seed))
	out := make(types.Vector, dim)
	for i := 0; i < dim; i++ {
		var acc float64
		for _, f := range features {
			acc += f * (rng.Float64()*2 - 1)
		}
		out[i] = float32(acc)
	}
	return out
}
