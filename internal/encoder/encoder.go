// Package encoder is the embedding layer: deterministic window-to-vector
// encoding, paired with a write-once cache over the historical store and an
// optional Redis read-through layer.
package encoder

import (
	"context"
	"fmt"
	"math"

	"github.com/prometheus-v2/daily-engine/pkg/types"
)

// Dim is the fixed output dimension for every v0 model id (num-regime-core-v1,
// num-stab-core-v1, num-profile-core-v1, num-scenario-core-v1,
// num-portfolio-core-v1, text-*-v1, joint-*-v1).
const Dim = 384

// Window is the deterministic feature payload an encoder consumes. It is a
// plain slice of float64 samples assembled by the caller from historical reads;
// encoders never perform their own I/O.
type Window struct {
	EntityType string
	EntityID   string
	AsOfDate   string
	Samples    []float64
}

// Encoder is the pure encode(window) -> vector contract every model id implements.
type Encoder interface {
	ModelID() string
	Encode(ctx context.Context, w Window) (types.Vector, error)
}

// validate rejects NaN/Inf and enforces the fixed dimension so callers
// never write a malformed embedding row, per "any encoder producing NaN or
// wrong-dim vectors must raise".
func validate(v types.Vector, dim int) error {
	if len(v) != dim {
		return fmt.Errorf("encoder: output dim %d, want %d", len(v), dim)
	}
	for _, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return fmt.Errorf("encoder: non-finite value in output vector")
		}
	}
	return nil
}

// padTruncate pads with zeros or truncates a raw feature vector to exactly
// dim entries, so the encoder's contract stays size-stable across history
// regardless of how many samples the window builder supplied.
func padTruncate(raw []float64, dim int) types.Vector {
	out := make(types.Vector, dim)
	for i := 0; i < dim && i < len(raw); i++ {
		out[i] = float32(raw[i])
	}
	return out
}
