// Package regimeengine implements the regime engine: a prototype-
// centroid softmin classifier over a region's proxy-instrument window, with
// hysteresis-gated transitions and a crisis override.
package regimeengine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/prometheus-v2/daily-engine/internal/config"
	"github.com/prometheus-v2/daily-engine/internal/encoder"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"go.uber.org/zap"
)

// Clock is injected so transition timestamps are deterministic in tests.
type Clock interface{ Now() time.Time }

// runtimeStore is the subset of *store.RuntimeStore this engine needs.
type runtimeStore interface {
	GetLatestRegimeState(ctx context.Context, region, asOf string) (types.RegimeState, bool, error)
	UpsertRegimeState(ctx context.Context, rs types.RegimeState) error
	InsertRegimeTransition(ctx context.Context, t types.RegimeTransition) error
}

// Engine is the Regime Engine.
type Engine struct {
	logger     *zap.Logger
	cfg        config.RegimeConfig
	prototypes map[types.RegimeLabel][]float32
	enc        encoder.Encoder
	cache      *encoder.Cache
	runtime    runtimeStore
	clock      Clock
}

// New constructs an Engine. prototypes maps a regime label to its centroid.
func New(logger *zap.Logger, cfg config.RegimeConfig, prototypes map[string][]float32, enc encoder.Encoder, cache *encoder.Cache, runtime runtimeStore, clock Clock) *Engine {
	typed := make(map[types.RegimeLabel][]float32, len(prototypes))
	for label, vec := range prototypes {
		typed[types.RegimeLabel(label)] = vec
	}
	return &Engine{logger: logger, cfg: cfg, prototypes: typed, enc: enc, cache: cache, runtime: runtime, clock: clock}
}

// Classify runs the full classification algorithm for one (region, as_of_date): build
// and encode the proxy window, softmin-classify against prototypes, apply
// the crisis override if triggered, gate any label change behind hysteresis,
// and persist the result.
func (e *Engine) Classify(ctx context.Context, region, asOfDate string, windowSamples []float64, crisisTriggered bool) (types.RegimeState, error) {
	if len(windowSamples) < e.cfg.WindowDays {
		rs := types.RegimeState{
			Region: region, AsOfDate: asOfDate, Label: types.RegimeUnknown, Confidence: 0,
			Metadata: types.JSONBlob{"reason": fmt.Sprintf("insufficient bars: have %d, need %d", len(windowSamples), e.cfg.WindowDays)},
		}
		if err := e.runtime.UpsertRegimeState(ctx, rs); err != nil {
			return types.RegimeState{}, fmt.Errorf("persist unknown regime state: %w", err)
		}
		return rs, nil
	}

	prevState, havePrev := types.RegimeState{}, false
	prev, found, err := e.runtime.GetLatestRegimeState(ctx, region, asOfDate)
	if err != nil {
		return types.RegimeState{}, fmt.Errorf("read prior regime state: %w", err)
	}
	prevState, havePrev = prev, found

	var candidateLabel types.RegimeLabel
	var confidence float64
	var embedding types.Vector
	override := false

	if crisisTriggered {
		candidateLabel = types.RegimeRiskOffPanic
		confidence = 1.0
		override = true
	} else {
		vec, err := e.cache.GetOrEncode(ctx, e.enc, "region", region, asOfDate, encoder.Window{
			EntityType: "region", EntityID: region, AsOfDate: asOfDate, Samples: windowSamples,
		}, false)
		if err != nil {
			return types.RegimeState{}, fmt.Errorf("encode regime window: %w", err)
		}
		embedding = vec
		candidateLabel, confidence, err = e.softminClassify(vec)
		if err != nil {
			return types.RegimeState{}, err
		}
	}

	finalLabel, pendingLabel, pendingCount, transitioned := e.resolveHysteresis(havePrev, prevState, candidateLabel, override)

	metadata := types.JSONBlob{}
	if override {
		metadata["override"] = true
	}
	if pendingCount > 0 {
		metadata["hysteresis_pending_label"] = string(pendingLabel)
		metadata["hysteresis_pending_count"] = pendingCount
	}

	rs := types.RegimeState{
		Region: region, AsOfDate: asOfDate, Label: finalLabel, Confidence: confidence,
		Embedding: embedding, Metadata: metadata,
	}
	if err := e.runtime.UpsertRegimeState(ctx, rs); err != nil {
		return types.RegimeState{}, fmt.Errorf("persist regime state: %w", err)
	}

	if transitioned && havePrev && prevState.Label != finalLabel {
		if err := e.runtime.InsertRegimeTransition(ctx, types.RegimeTransition{
			Region: region, FromLabel: prevState.Label, ToLabel: finalLabel, At: e.clock.Now(),
		}); err != nil {
			return types.RegimeState{}, fmt.Errorf("persist regime transition: %w", err)
		}
	}
	return rs, nil
}

// softminClassify computes distances to every prototype, softmin
// probabilities at temperature τ, and returns the argmax label (lexical
// tie-break on exact probability ties) with its confidence.
func (e *Engine) softminClassify(z types.Vector) (types.RegimeLabel, float64, error) {
	if len(e.prototypes) == 0 {
		return "", 0, fmt.Errorf("regime engine: no prototypes configured")
	}
	labels := make([]types.RegimeLabel, 0, len(e.prototypes))
	for label := range e.prototypes {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })

	tau := e.cfg.Temperature
	if tau <= 0 {
		tau = 1.0
	}
	weights := make([]float64, len(labels))
	var denom float64
	for i, label := range labels {
		centroid := e.prototypes[label]
		if len(centroid) != len(z) {
			return "", 0, fmt.Errorf("regime engine: prototype %q dim %d != embedding dim %d", label, len(centroid), len(z))
		}
		var sumSq float64
		for j := range z {
			diff := float64(z[j]) - float64(centroid[j])
			sumSq += diff * diff
		}
		d := math.Sqrt(sumSq)
		w := math.Exp(-d / tau)
		weights[i] = w
		denom += w
	}

	bestIdx := 0
	for i := 1; i < len(labels); i++ {
		if weights[i] > weights[bestIdx] {
			bestIdx = i
		}
	}
	if denom <= 0 {
		return labels[0], 0, nil
	}
	return labels[bestIdx], weights[bestIdx] / denom, nil
}

// resolveHysteresis gates a candidate label change behind H consecutive
// confirming runs. It returns the label to actually persist, the pending
// label/count to carry into next run's metadata, and whether a transition
// row should be written this run.
//
// A crisis override bypasses hysteresis entirely: the panic label takes
// effect immediately, regardless of how far the streak counters have moved.
func (e *Engine) resolveHysteresis(havePrev bool, prevState types.RegimeState, candidate types.RegimeLabel, override bool) (final, pendingLabel types.RegimeLabel, pendingCount int, transitioned bool) {
	if !havePrev {
		return candidate, "", 0, false
	}
	if override {
		return candidate, "", 0, true
	}
	if candidate == prevState.Label {
		return candidate, "", 0, false
	}

	prevPendingLabel, prevPendingCount := readPending(prevState.Metadata)
	count := 1
	if prevPendingLabel == candidate {
		count = prevPendingCount + 1
	}

	hysteresisDays := e.cfg.HysteresisDays
	if hysteresisDays <= 0 {
		hysteresisDays = 1
	}
	if count >= hysteresisDays {
		return candidate, "", 0, true
	}
	return prevState.Label, candidate, count, false
}

func readPending(meta types.JSONBlob) (types.RegimeLabel, int) {
	if meta == nil {
		return "", 0
	}
	label, _ := meta["hysteresis_pending_label"].(string)
	count := 0
	switch v := meta["hysteresis_pending_count"].(type) {
	case int:
		count = v
	case float64:
		count = int(v)
	}
	return types.RegimeLabel(label), count
}
