package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"go.uber.org/zap"
)

// RuntimeStore is the mutable half of the persistence layer: every engine
// output plus the control-plane EngineRun. Most writers are idempotent
// upserts keyed on each entity's natural key, so re-running a phase after a
// transient failure does not duplicate those rows. InsertRegimeTransition
// and InsertRiskAction are plain appends with no conflict key, so a re-run
// adds their rows again.
type RuntimeStore struct {
	logger *zap.Logger
	pool   *pgxpool.Pool
	clock  Clock
}

func NewRuntimeStore(logger *zap.Logger, pool *pgxpool.Pool, clock Clock) *RuntimeStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &RuntimeStore{logger: logger, pool: pool, clock: clock}
}

// -- Regime engine ------------------------------------------------

func (s *RuntimeStore) UpsertRegimeState(ctx context.Context, rs types.RegimeState) error {
	metaBytes, err := rs.Metadata.Bytes()
	if err != nil {
		return fmt.Errorf("marshal regime metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO regime_state (region, as_of_date, regime_label, confidence, embedding, metadata)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (region, as_of_date) DO UPDATE SET
			regime_label=EXCLUDED.regime_label, confidence=EXCLUDED.confidence,
			embedding=EXCLUDED.embedding, metadata=EXCLUDED.metadata`,
		rs.Region, rs.AsOfDate, rs.Label, rs.Confidence, EncodeVector(rs.Embedding), metaBytes)
	if err != nil {
		return fmt.Errorf("upsert regime state: %w", err)
	}
	return nil
}

func (s *RuntimeStore) GetLatestRegimeState(ctx context.Context, region, asOf string) (types.RegimeState, bool, error) {
	var rs types.RegimeState
	var embRaw, metaRaw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT region, as_of_date, regime_label, confidence, embedding, metadata
		FROM regime_state WHERE region = $1 AND as_of_date <= $2
		ORDER BY as_of_date DESC LIMIT 1`, region, asOf,
	).Scan(&rs.Region, &rs.AsOfDate, &rs.Label, &rs.Confidence, &embRaw, &metaRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.RegimeState{}, false, nil
	}
	if err != nil {
		return types.RegimeState{}, false, fmt.Errorf("get latest regime state: %w", err)
	}
	if rs.Embedding, err = DecodeVector(embRaw); err != nil {
		return types.RegimeState{}, false, err
	}
	if rs.Metadata, err = types.ParseJSONBlob(metaRaw); err != nil {
		return types.RegimeState{}, false, err
	}
	return rs, true, nil
}

func (s *RuntimeStore) InsertRegimeTransition(ctx context.Context, t types.RegimeTransition) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO regime_transition (region, from_label, to_label, at)
		VALUES ($1,$2,$3,$4)`, t.Region, t.FromLabel, t.ToLabel, t.At)
	if err != nil {
		return fmt.Errorf("insert regime transition: %w", err)
	}
	return nil
}

// -- Stability engine ----------------------------------------------

func (s *RuntimeStore) UpsertStabilityVector(ctx context.Context, v types.StabilityVector) error {
	breakdownBytes, err := v.Breakdown.Bytes()
	if err != nil {
		return fmt.Errorf("marshal stability breakdown: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO stability_vector
			(entity_type, entity_id, as_of_date, financial, political, operational,
			 attack_surface, soft_target_index, confidence, breakdown)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (entity_type, entity_id, as_of_date) DO UPDATE SET
			financial=EXCLUDED.financial, political=EXCLUDED.political,
			operational=EXCLUDED.operational, attack_surface=EXCLUDED.attack_surface,
			soft_target_index=EXCLUDED.soft_target_index, confidence=EXCLUDED.confidence,
			breakdown=EXCLUDED.breakdown`,
		v.EntityType, v.EntityID, v.AsOfDate, v.Financial, v.Political, v.Operational,
		v.AttackSurface, v.SoftTargetIndex, v.Confidence, breakdownBytes)
	if err != nil {
		return fmt.Errorf("upsert stability vector: %w", err)
	}
	return nil
}

func (s *RuntimeStore) UpsertSoftTargetClass(ctx context.Context, c types.SoftTargetClassRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO soft_target_class (entity_id, as_of_date, class, alert_level, persistence_days)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (entity_id, as_of_date) DO UPDATE SET
			class=EXCLUDED.class, alert_level=EXCLUDED.alert_level,
			persistence_days=EXCLUDED.persistence_days`,
		c.EntityID, c.AsOfDate, c.Class, c.AlertLevel, c.PersistenceDays)
	if err != nil {
		return fmt.Errorf("upsert soft target class: %w", err)
	}
	return nil
}

// GetLatestSoftTargetClass supports the persistence-day confirmation gate:
// the Stability Engine needs yesterday's class and run-length to decide
// whether today's candidate class confirms.
func (s *RuntimeStore) GetLatestSoftTargetClass(ctx context.Context, entityID, beforeDate string) (types.SoftTargetClassRow, bool, error) {
	var c types.SoftTargetClassRow
	err := s.pool.QueryRow(ctx, `
		SELECT entity_id, as_of_date, class, alert_level, persistence_days
		FROM soft_target_class WHERE entity_id = $1 AND as_of_date < $2
		ORDER BY as_of_date DESC LIMIT 1`, entityID, beforeDate,
	).Scan(&c.EntityID, &c.AsOfDate, &c.Class, &c.AlertLevel, &c.PersistenceDays)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.SoftTargetClassRow{}, false, nil
	}
	if err != nil {
		return types.SoftTargetClassRow{}, false, fmt.Errorf("get latest soft target class: %w", err)
	}
	return c, true, nil
}

// GetLatestStateChangeRisk backs the Universe Engine's STAB dynamic penalty:
// it needs the most recent forecast risk_score to discount a candidate's
// rank score, independent of the confirmed class GetLatestSoftTargetClass
// returns.
func (s *RuntimeStore) GetLatestStateChangeRisk(ctx context.Context, entityID, beforeDate string) (types.StateChangeRisk, bool, error) {
	var r types.StateChangeRisk
	err := s.pool.QueryRow(ctx, `
		SELECT entity_id, as_of_date, horizon_steps, p_worsen_any, p_to_targetable_or_breaker, risk_score
		FROM state_change_risk WHERE entity_id = $1 AND as_of_date <= $2
		ORDER BY as_of_date DESC LIMIT 1`, entityID, beforeDate,
	).Scan(&r.EntityID, &r.AsOfDate, &r.HorizonSteps, &r.PWorsenAny, &r.PToTargetableOrBreaker, &r.RiskScore)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.StateChangeRisk{}, false, nil
	}
	if err != nil {
		return types.StateChangeRisk{}, false, fmt.Errorf("get latest state change risk: %w", err)
	}
	return r, true, nil
}

func (s *RuntimeStore) UpsertStateChangeRisk(ctx context.Context, r types.StateChangeRisk) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO state_change_risk
			(entity_id, as_of_date, horizon_steps, p_worsen_any, p_to_targetable_or_breaker, risk_score)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (entity_id, as_of_date) DO UPDATE SET
			horizon_steps=EXCLUDED.horizon_steps, p_worsen_any=EXCLUDED.p_worsen_any,
			p_to_targetable_or_breaker=EXCLUDED.p_to_targetable_or_breaker, risk_score=EXCLUDED.risk_score`,
		r.EntityID, r.AsOfDate, r.HorizonSteps, r.PWorsenAny, r.PToTargetableOrBreaker, r.RiskScore)
	if err != nil {
		return fmt.Errorf("upsert state change risk: %w", err)
	}
	return nil
}

func (s *RuntimeStore) UpsertFragilityMeasure(ctx context.Context, f types.FragilityMeasure) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fragility_measure (entity_id, as_of_date, alpha, class)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (entity_id, as_of_date) DO UPDATE SET alpha=EXCLUDED.alpha, class=EXCLUDED.class`,
		f.EntityID, f.AsOfDate, f.Alpha, f.Class)
	if err != nil {
		return fmt.Errorf("upsert fragility measure: %w", err)
	}
	return nil
}

// -- Assessment engine ----------------------------------------------

func (s *RuntimeStore) UpsertInstrumentScore(ctx context.Context, sc types.InstrumentScore) error {
	metaBytes, err := sc.Metadata.Bytes()
	if err != nil {
		return fmt.Errorf("marshal score metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO instrument_score
			(strategy_id, market_id, instrument_id, as_of_date, horizon_days, model_id,
			 score, expected_return, confidence, signal_label, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (strategy_id, instrument_id, as_of_date, horizon_days, model_id) DO UPDATE SET
			score=EXCLUDED.score, expected_return=EXCLUDED.expected_return,
			confidence=EXCLUDED.confidence, signal_label=EXCLUDED.signal_label,
			metadata=EXCLUDED.metadata`,
		sc.StrategyID, sc.MarketID, sc.InstrumentID, sc.AsOfDate, sc.HorizonDays, sc.ModelID,
		sc.Score, sc.ExpectedReturn, sc.Confidence, sc.SignalLabel, metaBytes)
	if err != nil {
		return fmt.Errorf("upsert instrument score: %w", err)
	}
	return nil
}

// ReadLatestScore backs the Universe Engine's λ̂ uplift bonus lookup.
func (s *RuntimeStore) ReadLatestScore(ctx context.Context, strategyID, instrumentID, asOf string) (types.InstrumentScore, bool, error) {
	var sc types.InstrumentScore
	var metaRaw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT strategy_id, market_id, instrument_id, as_of_date, horizon_days, model_id,
		       score, expected_return, confidence, signal_label, metadata
		FROM instrument_score
		WHERE strategy_id = $1 AND instrument_id = $2 AND as_of_date <= $3
		ORDER BY as_of_date DESC LIMIT 1`, strategyID, instrumentID, asOf,
	).Scan(&sc.StrategyID, &sc.MarketID, &sc.InstrumentID, &sc.AsOfDate, &sc.HorizonDays, &sc.ModelID,
		&sc.Score, &sc.ExpectedReturn, &sc.Confidence, &sc.SignalLabel, &metaRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.InstrumentScore{}, false, nil
	}
	if err != nil {
		return types.InstrumentScore{}, false, fmt.Errorf("read latest score: %w", err)
	}
	if sc.Metadata, err = types.ParseJSONBlob(metaRaw); err != nil {
		return types.InstrumentScore{}, false, err
	}
	return sc, true, nil
}

// -- Universe engine ------------------------------------------------

// UpsertUniverseMembers batches one snapshot's worth of rows inside a
// transaction so a crash mid-write never leaves a partial universe.
func (s *RuntimeStore) UpsertUniverseMembers(ctx context.Context, universeID, asOf string, members []types.UniverseMember) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin universe tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM universe_member WHERE universe_id = $1 AND as_of_date = $2`, universeID, asOf); err != nil {
		return fmt.Errorf("clear universe snapshot: %w", err)
	}
	for _, m := range members {
		scoresBytes, err := m.Scores.Bytes()
		if err != nil {
			return fmt.Errorf("marshal universe scores: %w", err)
		}
		reasonsBytes, err := m.Reasons.Bytes()
		if err != nil {
			return fmt.Errorf("marshal universe reasons: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO universe_member (universe_id, instrument_id, as_of_date, in_universe, rank, scores, reasons)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			universeID, m.InstrumentID, asOf, m.InUniverse, m.Rank, scoresBytes, reasonsBytes); err != nil {
			return fmt.Errorf("insert universe member: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit universe tx: %w", err)
	}
	return nil
}

// -- Portfolio engine ------------------------------------------------

func (s *RuntimeStore) UpsertTargetPortfolio(ctx context.Context, tp types.TargetPortfolio) error {
	posBytes, err := encodeWeights(tp.TargetPositions)
	if err != nil {
		return fmt.Errorf("marshal target positions: %w", err)
	}
	metaBytes, err := tp.Metadata.Bytes()
	if err != nil {
		return fmt.Errorf("marshal portfolio metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO target_portfolio (portfolio_id, as_of_date, target_positions, metadata)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (portfolio_id, as_of_date) DO UPDATE SET
			target_positions=EXCLUDED.target_positions, metadata=EXCLUDED.metadata`,
		tp.PortfolioID, tp.AsOfDate, posBytes, metaBytes)
	if err != nil {
		return fmt.Errorf("upsert target portfolio: %w", err)
	}
	return nil
}

func (s *RuntimeStore) UpsertPortfolioRiskReport(ctx context.Context, r types.PortfolioRiskReport) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO portfolio_risk_report
			(portfolio_id, as_of_date, risk_mean, risk_var_95, risk_es_95, exposures_by_sector, exposures_by_factor)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (portfolio_id, as_of_date) DO UPDATE SET
			risk_mean=EXCLUDED.risk_mean, risk_var_95=EXCLUDED.risk_var_95, risk_es_95=EXCLUDED.risk_es_95,
			exposures_by_sector=EXCLUDED.exposures_by_sector, exposures_by_factor=EXCLUDED.exposures_by_factor`,
		r.PortfolioID, r.AsOfDate, r.RiskMetrics.Mean, r.RiskMetrics.VaR95, r.RiskMetrics.ES95,
		encodeFloatMap(r.ExposuresBySector), encodeFloatMap(r.ExposuresByFactor))
	if err != nil {
		return fmt.Errorf("upsert portfolio risk report: %w", err)
	}
	return nil
}

// -- Risk service ----------------------------------------------------

func (s *RuntimeStore) InsertRiskAction(ctx context.Context, a types.RiskAction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO risk_action
			(strategy_id, instrument_id, decision_id, action_type, original_weight, adjusted_weight, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.StrategyID, a.InstrumentID, nullIfEmpty(a.DecisionID), a.ActionType,
		a.OriginalWeight, a.AdjustedWeight, a.Reason, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert risk action: %w", err)
	}
	return nil
}

// -- Execution bridge ------------------------------------------------

func (s *RuntimeStore) UpsertOrder(ctx context.Context, o types.Order) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO "order" (order_id, portfolio_id, instrument_id, side, order_type, quantity, status, mode, timestamp, broker_ref)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (order_id) DO UPDATE SET status=EXCLUDED.status, broker_ref=EXCLUDED.broker_ref`,
		o.OrderID, o.PortfolioID, o.InstrumentID, o.Side, o.OrderType, o.Quantity,
		o.Status, o.Mode, o.Timestamp, nullIfEmpty(o.BrokerRef))
	if err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	return nil
}

func (s *RuntimeStore) GetOrder(ctx context.Context, orderID string) (types.Order, bool, error) {
	var o types.Order
	err := s.pool.QueryRow(ctx, `
		SELECT order_id, portfolio_id, instrument_id, side, order_type, quantity, status, mode, timestamp, COALESCE(broker_ref, '')
		FROM "order" WHERE order_id = $1`, orderID,
	).Scan(&o.OrderID, &o.PortfolioID, &o.InstrumentID, &o.Side, &o.OrderType, &o.Quantity,
		&o.Status, &o.Mode, &o.Timestamp, &o.BrokerRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Order{}, false, nil
	}
	if err != nil {
		return types.Order{}, false, fmt.Errorf("get order: %w", err)
	}
	return o, true, nil
}

func (s *RuntimeStore) InsertFill(ctx context.Context, f types.Fill) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fill (fill_id, order_id, instrument_id, side, quantity, price, timestamp, mode)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (fill_id) DO NOTHING`,
		f.FillID, f.OrderID, f.InstrumentID, f.Side, f.Quantity, f.Price, f.Timestamp, f.Mode)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

func (s *RuntimeStore) GetFillsForOrder(ctx context.Context, orderID string) ([]types.Fill, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT fill_id, order_id, instrument_id, side, quantity, price, timestamp, mode
		FROM fill WHERE order_id = $1 ORDER BY timestamp`, orderID)
	if err != nil {
		return nil, fmt.Errorf("get fills for order: %w", err)
	}
	defer rows.Close()

	var out []types.Fill
	for rows.Next() {
		var f types.Fill
		if err := rows.Scan(&f.FillID, &f.OrderID, &f.InstrumentID, &f.Side, &f.Quantity, &f.Price, &f.Timestamp, &f.Mode); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *RuntimeStore) UpsertPositionSnapshot(ctx context.Context, p types.PositionSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO position_snapshot (portfolio_id, instrument_id, as_of_date, quantity, avg_cost, market_value, unrealized_pnl, mode)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (portfolio_id, instrument_id, as_of_date) DO UPDATE SET
			quantity=EXCLUDED.quantity, avg_cost=EXCLUDED.avg_cost,
			market_value=EXCLUDED.market_value, unrealized_pnl=EXCLUDED.unrealized_pnl`,
		p.PortfolioID, p.InstrumentID, p.AsOfDate, p.Quantity, p.AvgCost, p.MarketValue, p.UnrealizedPnL, p.Mode)
	if err != nil {
		return fmt.Errorf("upsert position snapshot: %w", err)
	}
	return nil
}

func (s *RuntimeStore) GetLatestPositionSnapshot(ctx context.Context, portfolioID, instrumentID, asOf string) (types.PositionSnapshot, bool, error) {
	var p types.PositionSnapshot
	err := s.pool.QueryRow(ctx, `
		SELECT portfolio_id, instrument_id, as_of_date, quantity, avg_cost, market_value, unrealized_pnl, mode
		FROM position_snapshot
		WHERE portfolio_id = $1 AND instrument_id = $2 AND as_of_date <= $3
		ORDER BY as_of_date DESC LIMIT 1`, portfolioID, instrumentID, asOf,
	).Scan(&p.PortfolioID, &p.InstrumentID, &p.AsOfDate, &p.Quantity, &p.AvgCost, &p.MarketValue, &p.UnrealizedPnL, &p.Mode)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.PositionSnapshot{}, false, nil
	}
	if err != nil {
		return types.PositionSnapshot{}, false, fmt.Errorf("get latest position snapshot: %w", err)
	}
	return p, true, nil
}

// -- Control plane --------------------------------------------------

// UpsertEngineRun writes or advances a run row, stamping updated_at from
// the injected clock so phase-staleness checks stay deterministic in tests.
func (s *RuntimeStore) UpsertEngineRun(ctx context.Context, r types.EngineRun) error {
	r.UpdatedAt = s.clock.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO engine_run (run_id, as_of_date, region, phase, attempts, last_error, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (as_of_date, region) DO UPDATE SET
			phase=EXCLUDED.phase, attempts=EXCLUDED.attempts,
			last_error=EXCLUDED.last_error, updated_at=EXCLUDED.updated_at`,
		r.RunID, r.AsOfDate, r.Region, r.Phase, r.Attempts, nullIfEmpty(r.LastError), r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert engine run: %w", err)
	}
	return nil
}

func (s *RuntimeStore) GetEngineRun(ctx context.Context, asOf, region string) (types.EngineRun, bool, error) {
	var r types.EngineRun
	err := s.pool.QueryRow(ctx, `
		SELECT run_id, as_of_date, region, phase, attempts, COALESCE(last_error, ''), updated_at
		FROM engine_run WHERE as_of_date = $1 AND region = $2`, asOf, region,
	).Scan(&r.RunID, &r.AsOfDate, &r.Region, &r.Phase, &r.Attempts, &r.LastError, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.EngineRun{}, false, nil
	}
	if err != nil {
		return types.EngineRun{}, false, fmt.Errorf("get engine run: %w", err)
	}
	return r, true, nil
}

// ListActiveEngineRuns returns every run not yet in a terminal phase, used
// by the watchdog heartbeat to find stuck runs.
func (s *RuntimeStore) ListActiveEngineRuns(ctx context.Context) ([]types.EngineRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, as_of_date, region, phase, attempts, COALESCE(last_error, ''), updated_at
		FROM engine_run WHERE phase NOT IN ($1, $2)`, types.PhaseCompleted, types.PhaseFailed)
	if err != nil {
		return nil, fmt.Errorf("list active engine runs: %w", err)
	}
	defer rows.Close()

	var out []types.EngineRun
	for rows.Next() {
		var r types.EngineRun
		if err := rows.Scan(&r.RunID, &r.AsOfDate, &r.Region, &r.Phase, &r.Attempts, &r.LastError, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan engine run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// -- Backtest runner ------------------------------------------------

func (s *RuntimeStore) UpsertBacktestRun(ctx context.Context, r types.BacktestRun) error {
	cfgBytes, err := r.Config.Bytes()
	if err != nil {
		return fmt.Errorf("marshal backtest config: %w", err)
	}
	metricsBytes, err := marshalJSON(r.Metrics)
	if err != nil {
		return fmt.Errorf("marshal backtest metrics: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO backtest_run (run_id, strategy_id, sleeve_id, config_json, start_date, end_date, metrics_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (run_id) DO UPDATE SET metrics_json=EXCLUDED.metrics_json`,
		r.RunID, r.StrategyID, r.SleeveID, cfgBytes, r.StartDate, r.EndDate, metricsBytes)
	if err != nil {
		return fmt.Errorf("upsert backtest run: %w", err)
	}
	return nil
}

// GetBacktestRun backs "reuse-or-run-inline": a backtest runner checks
// whether a run already covers a sleeve/date range before replaying it.
func (s *RuntimeStore) GetBacktestRun(ctx context.Context, runID string) (types.BacktestRun, bool, error) {
	var r types.BacktestRun
	var cfgRaw, metricsRaw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT run_id, strategy_id, sleeve_id, config_json, start_date, end_date, metrics_json
		FROM backtest_run WHERE run_id = $1`, runID,
	).Scan(&r.RunID, &r.StrategyID, &r.SleeveID, &cfgRaw, &r.StartDate, &r.EndDate, &metricsRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.BacktestRun{}, false, nil
	}
	if err != nil {
		return types.BacktestRun{}, false, fmt.Errorf("get backtest run: %w", err)
	}
	if r.Config, err = types.ParseJSONBlob(cfgRaw); err != nil {
		return types.BacktestRun{}, false, err
	}
	if err := unmarshalJSON(metricsRaw, &r.Metrics); err != nil {
		return types.BacktestRun{}, false, err
	}
	return r, true, nil
}

func (s *RuntimeStore) ListBacktestRuns(ctx context.Context, sleeveID string) ([]types.BacktestRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, strategy_id, sleeve_id, config_json, start_date, end_date, metrics_json
		FROM backtest_run WHERE sleeve_id = $1 ORDER BY start_date`, sleeveID)
	if err != nil {
		return nil, fmt.Errorf("list backtest runs: %w", err)
	}
	defer rows.Close()

	var out []types.BacktestRun
	for rows.Next() {
		var r types.BacktestRun
		var cfgRaw, metricsRaw []byte
		if err := rows.Scan(&r.RunID, &r.StrategyID, &r.SleeveID, &cfgRaw, &r.StartDate, &r.EndDate, &metricsRaw); err != nil {
			return nil, fmt.Errorf("scan backtest run: %w", err)
		}
		if r.Config, err = types.ParseJSONBlob(cfgRaw); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(metricsRaw, &r.Metrics); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *RuntimeStore) InsertBacktestDailyEquity(ctx context.Context, e types.BacktestDailyEquity) error {
	expBytes := encodeFloatMap(e.Exposures)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO backtest_daily_equity (run_id, date, equity, drawdown, exposures)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (run_id, date) DO UPDATE SET equity=EXCLUDED.equity, drawdown=EXCLUDED.drawdown, exposures=EXCLUDED.exposures`,
		e.RunID, e.Date, e.Equity, e.Drawdown, expBytes)
	if err != nil {
		return fmt.Errorf("insert backtest daily equity: %w", err)
	}
	return nil
}

func (s *RuntimeStore) InsertBacktestTrade(ctx context.Context, t types.BacktestTrade) error {
	metaBytes, err := t.DecisionMetadata.Bytes()
	if err != nil {
		return fmt.Errorf("marshal trade metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO backtest_trade (run_id, trade_id, date, instrument_id, side, quantity, price, decision_metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (run_id, trade_id) DO NOTHING`,
		t.RunID, t.TradeID, t.Date, t.InstrumentID, t.Side, t.Quantity, t.Price, metaBytes)
	if err != nil {
		return fmt.Errorf("insert backtest trade: %w", err)
	}
	return nil
}

// -- Meta-orchestrator audit trail -----------------------------------

func (s *RuntimeStore) InsertEngineDecision(ctx context.Context, d types.EngineDecision) error {
	inBytes, err := d.Inputs.Bytes()
	if err != nil {
		return fmt.Errorf("marshal decision inputs: %w", err)
	}
	outBytes, err := d.Outputs.Bytes()
	if err != nil {
		return fmt.Errorf("marshal decision outputs: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO engine_decision (decision_id, engine_name, strategy_id, created_at, inputs, outputs)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (decision_id) DO NOTHING`,
		d.DecisionID, d.EngineName, d.StrategyID, d.CreatedAt, inBytes, outBytes)
	if err != nil {
		return fmt.Errorf("insert engine decision: %w", err)
	}
	return nil
}

func (s *RuntimeStore) InsertDecisionOutcome(ctx context.Context, o types.DecisionOutcome) error {
	metricsBytes, err := o.Metrics.Bytes()
	if err != nil {
		return fmt.Errorf("marshal decision outcome metrics: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO decision_outcome (decision_id, metrics, reviewed_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (decision_id) DO UPDATE SET metrics=EXCLUDED.metrics, reviewed_at=EXCLUDED.reviewed_at`,
		o.DecisionID, metricsBytes, o.ReviewedAt)
	if err != nil {
		return fmt.Errorf("insert decision outcome: %w", err)
	}
	return nil
}

// -- small helpers shared by the upserts above ----------------------------

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
