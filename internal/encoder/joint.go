package encoder

import (
	"context"
	"fmt"

	"github.com/prometheus-v2/daily-engine/pkg/types"
)

// Branch is one named input to a JointEncoder: a vector plus its combination
// weight. A branch with a nil Vector is treated as missing and dropped;
// remaining weights are renormalized.
type Branch struct {
	Name   string
	Vector types.Vector
	Weight float64
}

// JointEncoder combines branch vectors into one vector of the same Dim via
// weighted average, used for e.g. ASSESSMENT_CTX_V0.
type JointEncoder struct {
	modelID string
	dim     int
}

func NewJointEncoder(modelID string) *JointEncoder {
	return &JointEncoder{modelID: modelID, dim: Dim}
}

func (e *JointEncoder) ModelID() string { return e.modelID }

// Combine performs the weighted average over present branches, renormalizing
// weights so they still sum to 1 once missing branches are dropped. An
// identity projection is used when exactly one branch survives.
func (e *JointEncoder) Combine(branches []Branch) (types.Vector, error) {
	var present []Branch
	var weightSum float64
	for _, b := range branches {
		if b.Vector == nil {
			continue
		}
		if len(b.Vector) != e.dim {
			return nil, fmt.Errorf("joint encoder %s: branch %q has dim %d, want %d", e.modelID, b.Name, len(b.Vector), e.dim)
		}
		present = append(present, b)
		weightSum += b.Weight
	}
	if len(present) == 0 {
		return nil, fmt.Errorf("joint encoder %s: no branches present", e.modelID)
	}
	if weightSum <= 0 {
		return nil, fmt.Errorf("joint encoder %s: non-positive total branch weight", e.modelID)
	}

	out := make(types.Vector, e.dim)
	for _, b := range present {
		w := float32(b.Weight / weightSum)
		for i, f := range b.Vector {
			out[i] += f * w
		}
	}
	if err := validate(out, e.dim); err != nil {
		return nil, err
	}
	return out, nil
}

// Encode satisfies the Encoder interface by projecting the summary features
// of w.Samples, seeded like NumericEncoder; it does not combine branches
// (Combine is the entry point for multi-branch callers).
func (e *JointEncoder) Encode(ctx context.Context, w Window) (types.Vector, error) {
	vec := project(summarize(w.Samples), e.dim, seedFor(e.modelID, w.EntityID, w.AsOfDate))
	if err := validate(vec, e.dim); err != nil {
		return nil, err
	}
	return vec, nil
}
