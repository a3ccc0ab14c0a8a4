// Package executionbridge implements the execution bridge: a
// broker-agnostic order submission path with a software risk wrapper, a
// circuit breaker plus rate limiter over transient broker errors, and
// per-mode settlement.
package executionbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus-v2/daily-engine/internal/config"
	"github.com/prometheus-v2/daily-engine/internal/engerr"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Clock is injected for deterministic order/fill timestamps in tests and
// backtests.
type Clock interface{ Now() time.Time }

// runtimeStore is the slice of internal/store.RuntimeStore the bridge needs.
type runtimeStore interface {
	UpsertOrder(ctx context.Context, o types.Order) error
	GetOrder(ctx context.Context, orderID string) (types.Order, bool, error)
	InsertFill(ctx context.Context, f types.Fill) error
	GetFillsForOrder(ctx context.Context, orderID string) ([]types.Fill, error)
	UpsertPositionSnapshot(ctx context.Context, p types.PositionSnapshot) error
	GetLatestPositionSnapshot(ctx context.Context, portfolioID, instrumentID, asOf string) (types.PositionSnapshot, bool, error)
	InsertRiskAction(ctx context.Context, a types.RiskAction) error
}

// PlannedOrder is one desired order the state machine hands to the bridge,
// derived from a target-vs-current position delta.
type PlannedOrder struct {
	PortfolioID    string
	InstrumentID   string
	AsOfDate       string
	Side           types.OrderSide
	OrderType      types.OrderType
	Quantity       decimal.Decimal
	ReferencePrice decimal.Decimal // last close, used for notional checks and backtest settlement
}

// Engine is the Execution Bridge.
type Engine struct {
	logger  *zap.Logger
	cfg     config.ExecutionConfig
	store   runtimeStore
	clock   Clock
	brokers map[types.ExecutionMode]Broker
	guard   *transientGuard
}

func New(logger *zap.Logger, cfg config.ExecutionConfig, store runtimeStore, clock Clock, brokers map[types.ExecutionMode]Broker) *Engine {
	return &Engine{
		logger: logger, cfg: cfg, store: store, clock: clock, brokers: brokers,
		guard: newTransientGuard(cfg.RetryAttempts, cfg.RetryBaseDelay),
	}
}

// Submit runs the software risk wrapper, persists the order PENDING so a
// crash between submission and broker acknowledgement leaves a recoverable
// trail, then dispatches to the configured broker through the circuit
// breaker and upserts the resulting status. A RiskLimitExceeded rejection is
// logged as an EXECUTION_REJECT RiskAction and returns before any broker
// call.
func (e *Engine) Submit(ctx context.Context, mode types.ExecutionMode, po PlannedOrder) (types.Order, error) {
	if e.cfg.ExecRiskEnabled {
		if err := e.checkSoftwareRisk(ctx, po); err != nil {
			return types.Order{}, err
		}
	}

	broker, ok := e.brokers[mode]
	if !ok {
		return types.Order{}, fmt.Errorf("no broker configured for mode %s", mode)
	}

	order := types.Order{
		OrderID: orderID(mode, po), PortfolioID: po.PortfolioID, InstrumentID: po.InstrumentID,
		Side: po.Side, OrderType: po.OrderType, Quantity: po.Quantity,
		Status: types.OrderStatusPending, Mode: mode, Timestamp: e.clock.Now(),
	}
	if err := e.store.UpsertOrder(ctx, order); err != nil {
		return types.Order{}, fmt.Errorf("persist pending order: %w", err)
	}

	submitted, err := e.guard.do(ctx, func() (types.Order, error) {
		return broker.Submit(ctx, order, po.ReferencePrice)
	})
	if err != nil {
		order.Status = types.OrderStatusRejected
		if storeErr := e.store.UpsertOrder(ctx, order); storeErr != nil {
			e.logger.Error("persist rejected order", zap.Error(storeErr))
		}
		return types.Order{}, err
	}

	if err := e.store.UpsertOrder(ctx, submitted); err != nil {
		return types.Order{}, fmt.Errorf("persist order: %w", err)
	}

	if settler, ok := broker.(*BacktestBroker); ok {
		fillPrice := settler.SettlementPrice(submitted.Side, submitted.Quantity, po.ReferencePrice)
		if err := e.Settle(ctx, submitted, fillPrice, po.ReferencePrice, po.AsOfDate); err != nil {
			return types.Order{}, fmt.Errorf("settle backtest fill: %w", err)
		}
	}

	return submitted, nil
}

// checkSoftwareRisk enforces max_order_notional and max_position_notional
// ahead of any broker call; an instrument with no prior position snapshot
// counts as flat. max_leverage is not checked here.
func (e *Engine) checkSoftwareRisk(ctx context.Context, po PlannedOrder) error {
	notional := po.Quantity.Abs().Mul(po.ReferencePrice)

	if !e.cfg.MaxOrderNotional.IsZero() && notional.GreaterThan(e.cfg.MaxOrderNotional) {
		return e.reject(ctx, po, "order notional exceeds max_order_notional")
	}

	prior, found, err := e.store.GetLatestPositionSnapshot(ctx, po.PortfolioID, po.InstrumentID, po.AsOfDate)
	if err == nil {
		signed := decimal.Zero
		if found {
			signed = prior.Quantity
		}
		if po.Side == types.OrderSideSell {
			signed = signed.Sub(po.Quantity)
		} else {
			signed = signed.Add(po.Quantity)
		}
		projectedNotional := signed.Abs().Mul(po.ReferencePrice)
		if !e.cfg.MaxPositionNotional.IsZero() && projectedNotional.GreaterThan(e.cfg.MaxPositionNotional) {
			return e.reject(ctx, po, "projected position notional exceeds max_position_notional")
		}
	}
	return nil
}

// orderID derives the order's primary key. BACKTEST orders use a
// deterministic hash of (portfolio, instrument, side, as_of_date) so
// replaying the same day never creates a duplicate row; PAPER/LIVE orders
// get a fresh uuid per submission.
func orderID(mode types.ExecutionMode, po PlannedOrder) string {
	if mode == types.ModeBacktest {
		return deterministicBacktestID(types.Order{PortfolioID: po.PortfolioID, InstrumentID: po.InstrumentID, Side: po.Side}, po.AsOfDate)
	}
	return uuid.NewString()
}

func (e *Engine) reject(ctx context.Context, po PlannedOrder, reason string) error {
	action := types.RiskAction{
		StrategyID: po.PortfolioID, InstrumentID: po.InstrumentID,
		ActionType: types.RiskActionExecutionReject,
		OriginalWeight: po.Quantity, AdjustedWeight: decimal.Zero,
		Reason: reason, CreatedAt: e.clock.Now(),
	}
	if err := e.store.InsertRiskAction(ctx, action); err != nil {
		e.logger.Error("persist execution reject action", zap.Error(err))
	}
	return engerr.RiskLimitExceeded(reason, nil)
}

// transientGuard wraps broker calls with retry/backoff over
// engerr.BrokerTransient errors. Circuit-breaking is layered on in broker.go
// via gobreaker; this guard adds the rate-limited retry loop around it.
type transientGuard struct {
	limiter  *rate.Limiter
	attempts int
}

func newTransientGuard(attempts int, baseDelay time.Duration) *transientGuard {
	if attempts <= 0 {
		attempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	return &transientGuard{
		limiter:  rate.NewLimiter(rate.Every(baseDelay), 1),
		attempts: attempts,
	}
}

func (g *transientGuard) do(ctx context.Context, fn func() (types.Order, error)) (types.Order, error) {
	var lastErr error
	for i := 0; i < g.attempts; i++ {
		if i > 0 {
			if err := g.limiter.Wait(ctx); err != nil {
				return types.Order{}, err
			}
		}
		order, err := fn()
		if err == nil {
			return order, nil
		}
		lastErr = err
		if !engerr.IsKind(err, engerr.KindBrokerTransient) {
			return types.Order{}, err
		}
	}
	return types.Order{}, lastErr
}
