package encoder

import (
	"context"
	"math"

	"github.com/prometheus-v2/daily-engine/pkg/types"
)

// TextEncoder turns a bag of token-weight-like samples (already reduced to
// floats by the caller's window builder — raw text tokenization is the
// caller's concern) into a fixed-dim vector via the same deterministic
// projection as NumericEncoder, under a text-*-v1 model id.
type TextEncoder struct {
	modelID string
	dim     int
}

func NewTextEncoder(modelID string) *TextEncoder {
	return &TextEncoder{modelID: modelID, dim: Dim}
}

func (e *TextEncoder) ModelID() string { return e.modelID }

func (e *TextEncoder) Encode(ctx context.Context, w Window) (types.Vector, error) {
	features := summarize(w.Samples)
	// Text windows additionally carry a length signal distinct from a
	// numeric price window, so the projection input is not identical even
	// for coincidentally equal sample values.
	features = append(features, math.Log1p(float64(len(w.Samples))))
	vec := project(features, e.dim, seedFor(e.modelID, w.EntityID, w.AsOfDate))
	if err := validate(vec, e.dim); err != nil {
		return nil, err
	}
	return vec, nil
}
