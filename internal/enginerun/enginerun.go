// Package enginerun implements the engine-run state machine: the
// single mutable control-plane entity that drives one (as_of_date, region)
// through SIGNALS -> UNIVERSES -> BOOKS, guarded by a Redis advisory lock so
// at most one advance runs per run at a time.
package enginerun

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus-v2/daily-engine/internal/config"
	"github.com/prometheus-v2/daily-engine/internal/engerr"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Clock is injected so run timestamps are deterministic in tests.
type Clock interface{ Now() time.Time }

// runtimeStore is the slice of internal/store.RuntimeStore the state
// machine needs.
type runtimeStore interface {
	UpsertEngineRun(ctx context.Context, r types.EngineRun) error
	GetEngineRun(ctx context.Context, asOf, region string) (types.EngineRun, bool, error)
	ListActiveEngineRuns(ctx context.Context) ([]types.EngineRun, error)
}

// PhaseTask runs the work for one phase and returns the next phase on
// success, or an error for the state machine to translate via engerr.
type PhaseTask func(ctx context.Context, run types.EngineRun) (types.RunPhase, error)

// Metrics holds the Prometheus instrumentation for the state machine.
type Metrics struct {
	PhaseDuration *prometheus.HistogramVec
	PhaseFailures *prometheus.CounterVec
	ActiveRuns    prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prom2_enginerun_phase_duration_seconds",
			Help:    "Duration of each engine-run phase transition.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		PhaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prom2_enginerun_phase_failures_total",
			Help: "Count of phase failures by phase and error kind.",
		}, []string{"phase", "kind"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prom2_enginerun_active_runs",
			Help: "Number of engine runs not yet in a terminal phase.",
		}),
	}
	reg.MustRegister(m.PhaseDuration, m.PhaseFailures, m.ActiveRuns)
	return m
}

// Machine owns phase dispatch and the Redis advisory lock.
type Machine struct {
	logger  *zap.Logger
	cfg     config.StateMachineConfig
	store   runtimeStore
	clock   Clock
	redis   *redis.Client
	metrics *Metrics
	tasks   map[types.RunPhase]PhaseTask
}

func New(logger *zap.Logger, cfg config.StateMachineConfig, store runtimeStore, clock Clock, redisClient *redis.Client, metrics *Metrics, tasks map[types.RunPhase]PhaseTask) *Machine {
	return &Machine{logger: logger, cfg: cfg, store: store, clock: clock, redis: redisClient, metrics: metrics, tasks: tasks}
}

// EnsureRun returns the existing run for (asOfDate, region) or creates a
// fresh one in WAITING_FOR_DATA.
func (m *Machine) EnsureRun(ctx context.Context, asOfDate, region string) (types.EngineRun, error) {
	existing, found, err := m.store.GetEngineRun(ctx, asOfDate, region)
	if err != nil {
		return types.EngineRun{}, fmt.Errorf("get engine run: %w", err)
	}
	if found {
		return existing, nil
	}
	run := types.EngineRun{
		RunID: uuid.NewString(), AsOfDate: asOfDate, Region: region,
		Phase: types.PhaseWaitingForData, UpdatedAt: m.clock.Now(),
	}
	if err := m.store.UpsertEngineRun(ctx, run); err != nil {
		return types.EngineRun{}, fmt.Errorf("create engine run: %w", err)
	}
	return run, nil
}

// MarkDataReady transitions a WAITING_FOR_DATA run to DATA_READY once upstream data
// ingestion confirms inputs are present; a no-op if the run is already past
// that phase.
func (m *Machine) MarkDataReady(ctx context.Context, asOfDate, region string) error {
	run, found, err := m.store.GetEngineRun(ctx, asOfDate, region)
	if err != nil {
		return fmt.Errorf("get engine run: %w", err)
	}
	if !found || run.Phase != types.PhaseWaitingForData {
		return nil
	}
	run.Phase = types.PhaseDataReady
	return m.store.UpsertEngineRun(ctx, run)
}

// lockKey is the Redis advisory lock guarding concurrent AdvanceRun calls
// for the same run.
func lockKey(asOfDate, region string) string {
	return fmt.Sprintf("enginerun:lock:%s:%s", asOfDate, region)
}

// AdvanceRun dispatches the PhaseTask for the run's current phase under a
// Redis SET NX PX advisory lock, so at most one advance proceeds per
// (as_of_date, region) at a time; a held lock is reported as InputNotReady
// so the caller can retry later rather than treat it as a failure.
func (m *Machine) AdvanceRun(ctx context.Context, asOfDate, region string) (types.EngineRun, error) {
	run, found, err := m.store.GetEngineRun(ctx, asOfDate, region)
	if err != nil {
		return types.EngineRun{}, fmt.Errorf("get engine run: %w", err)
	}
	if !found {
		return types.EngineRun{}, engerr.InputNotReady("no run for "+asOfDate+"/"+region, nil)
	}
	if run.IsTerminal() {
		return run, nil
	}

	timeout := m.phaseTimeout(run.Phase)
	if run.IsStuck(m.clock.Now(), timeout) {
		run.LastError = engerr.PhaseFailure(string(run.Phase), engerr.Timeout("phase exceeded staleness window", nil))
		run.Phase = types.PhaseFailed
		_ = m.store.UpsertEngineRun(ctx, run)
		return run, nil
	}

	if m.redis != nil {
		acquired, err := m.redis.SetNX(ctx, lockKey(asOfDate, region), run.RunID, timeout).Result()
		if err != nil {
			return types.EngineRun{}, fmt.Errorf("acquire advance lock: %w", err)
		}
		if !acquired {
			return run, engerr.InputNotReady("advance already in flight", nil)
		}
		defer m.redis.Del(context.Background(), lockKey(asOfDate, region))
	}

	task, ok := m.tasks[run.Phase]
	if !ok {
		return run, nil
	}

	start := m.clock.Now()
	nextPhase, taskErr := task(ctx, run)
	if m.metrics != nil {
		m.metrics.PhaseDuration.WithLabelValues(string(run.Phase)).Observe(m.clock.Now().Sub(start).Seconds())
	}

	run.Attempts++
	if taskErr != nil {
		failedPhase := run.Phase
		run.LastError = engerr.PhaseFailure(string(failedPhase), taskErr)
		if engerr.IsKind(taskErr, engerr.KindInputNotReady) {
			run.Phase = types.PhaseWaitingForData
		} else {
			run.Phase = types.PhaseFailed
		}
		if m.metrics != nil {
			m.metrics.PhaseFailures.WithLabelValues(string(failedPhase), string(kindOf(taskErr))).Inc()
		}
	} else {
		run.Phase = nextPhase
		run.LastError = ""
	}
	run.UpdatedAt = m.clock.Now()

	if err := m.store.UpsertEngineRun(ctx, run); err != nil {
		return types.EngineRun{}, fmt.Errorf("persist advanced run: %w", err)
	}
	return run, taskErr
}

func kindOf(err error) engerr.Kind {
	for _, k := range []engerr.Kind{
		engerr.KindInputNotReady, engerr.KindDataIntegrity, engerr.KindContractViolation,
		engerr.KindBrokerTransient, engerr.KindRiskLimitExceeded, engerr.KindTimeout,
	} {
		if engerr.IsKind(err, k) {
			return k
		}
	}
	return "Unknown"
}

func (m *Machine) phaseTimeout(phase types.RunPhase) time.Duration {
	seconds := m.cfg.PhaseTimeoutSeconds[string(phase)]
	if seconds <= 0 {
		seconds = 300
	}
	return time.Duration(seconds) * time.Second
}

// ListActiveRuns returns every non-terminal run, updating the ActiveRuns
// gauge as a side effect for the watchdog heartbeat.
func (m *Machine) ListActiveRuns(ctx context.Context) ([]types.EngineRun, error) {
	runs, err := m.store.ListActiveEngineRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active engine runs: %w", err)
	}
	if m.metrics != nil {
		m.metrics.ActiveRuns.Set(float64(len(runs)))
	}
	return runs, nil
}

// RunSignalsConcurrently runs the four SIGNALS-phase sub-tasks (Regime,
// Stability, Fragility, Assessment) concurrently via an errgroup, returning
// the first error encountered and cancelling the others' context.
func RunSignalsConcurrently(ctx context.Context, tasks ...func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		t := t
		g.Go(func() error { return t(gctx) })
	}
	return g.Wait()
}
