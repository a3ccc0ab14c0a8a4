package executionbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus-v2/daily-engine/internal/engerr"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Broker submits one order and carries it through its lifecycle.
// Implementations do not persist; the Engine owns storage.
type Broker interface {
	Submit(ctx context.Context, order types.Order, referencePrice decimal.Decimal) (types.Order, error)
	// Cancel requests cancellation of a previously submitted order; the bool
	// reports whether the venue actually cancelled it (false if it had
	// already filled).
	Cancel(ctx context.Context, brokerRef string) (bool, error)
	// PollFills returns venue fills reported since the given time, for
	// brokers that settle asynchronously.
	PollFills(ctx context.Context, since time.Time) ([]types.Fill, error)
	// ProcessFills reconciles the venue's fills for asOfDate, the
	// end-of-day counterpart to PollFills used by the daily settlement
	// pass rather than continuous polling.
	ProcessFills(ctx context.Context, asOfDate string) ([]types.Fill, error)
	// GetPositions returns the broker's view of current positions, used to
	// reconcile against the runtime store's snapshots.
	GetPositions(ctx context.Context) ([]types.PositionSnapshot, error)
}

// circuitBroker wraps any Broker with a gobreaker.CircuitBreaker so repeated
// BrokerTransient failures trip open and fail fast rather than retrying
// against a broker that is already down.
type circuitBroker struct {
	inner   Broker
	breaker *gobreaker.CircuitBreaker
}

func WithCircuitBreaker(name string, inner Broker) Broker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &circuitBroker{inner: inner, breaker: cb}
}

func (b *circuitBroker) Submit(ctx context.Context, order types.Order, referencePrice decimal.Decimal) (types.Order, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		return b.inner.Submit(ctx, order, referencePrice)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return types.Order{}, engerr.BrokerTransient("circuit breaker open", err)
		}
		return types.Order{}, err
	}
	return result.(types.Order), nil
}

func (b *circuitBroker) Cancel(ctx context.Context, brokerRef string) (bool, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		return b.inner.Cancel(ctx, brokerRef)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return false, engerr.BrokerTransient("circuit breaker open", err)
		}
		return false, err
	}
	return result.(bool), nil
}

func (b *circuitBroker) PollFills(ctx context.Context, since time.Time) ([]types.Fill, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		return b.inner.PollFills(ctx, since)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, engerr.BrokerTransient("circuit breaker open", err)
		}
		return nil, err
	}
	return result.([]types.Fill), nil
}

func (b *circuitBroker) ProcessFills(ctx context.Context, asOfDate string) ([]types.Fill, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		return b.inner.ProcessFills(ctx, asOfDate)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, engerr.BrokerTransient("circuit breaker open", err)
		}
		return nil, err
	}
	return result.([]types.Fill), nil
}

func (b *circuitBroker) GetPositions(ctx context.Context) ([]types.PositionSnapshot, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		return b.inner.GetPositions(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, engerr.BrokerTransient("circuit breaker open", err)
		}
		return nil, err
	}
	return result.([]types.PositionSnapshot), nil
}

// SlippageModel computes the execution-price adjustment for one order,
// applied symmetrically against the reference close.
type SlippageModel interface {
	Slippage(side types.OrderSide, quantity decimal.Decimal) decimal.Decimal
}

// LinearSlippage charges BaseBps plus BpsPerUnit basis points per unit of
// order quantity, so larger orders slip further from the resting close.
type LinearSlippage struct {
	BaseBps     decimal.Decimal
	BpsPerUnit  decimal.Decimal
}

func (m LinearSlippage) Slippage(side types.OrderSide, quantity decimal.Decimal) decimal.Decimal {
	bps := m.BaseBps.Add(m.BpsPerUnit.Mul(quantity.Abs()))
	frac := bps.Div(decimal.NewFromInt(10000))
	if side == types.OrderSideSell {
		return frac.Neg()
	}
	return frac
}

// BacktestBroker settles instantly at close adjusted by a slippage model,
// producing a deterministic order id so repeated backtest replays of the
// same (portfolio, instrument, date) order are idempotent.
type BacktestBroker struct {
	logger    *zap.Logger
	slippage  SlippageModel
	clock     Clock
	asOfDate  string
}

func NewBacktestBroker(logger *zap.Logger, slippage SlippageModel, clock Clock, asOfDate string) *BacktestBroker {
	return &BacktestBroker{logger: logger, slippage: slippage, clock: clock, asOfDate: asOfDate}
}

func (b *BacktestBroker) Submit(ctx context.Context, order types.Order, referencePrice decimal.Decimal) (types.Order, error) {
	order.Status = types.OrderStatusFilled
	order.Mode = types.ModeBacktest
	order.BrokerRef = order.OrderID
	order.Timestamp = b.clock.Now()
	return order, nil
}

// Cancel is a no-op: BacktestBroker fills synchronously in Submit, so there
// is never an open order left to cancel.
func (b *BacktestBroker) Cancel(ctx context.Context, brokerRef string) (bool, error) {
	return false, nil
}

// PollFills is a no-op: backtest fills are recorded inline by Settle, not
// discovered by polling a venue.
func (b *BacktestBroker) PollFills(ctx context.Context, since time.Time) ([]types.Fill, error) {
	return nil, nil
}

// ProcessFills is a no-op for the same reason as PollFills.
func (b *BacktestBroker) ProcessFills(ctx context.Context, asOfDate string) ([]types.Fill, error) {
	return nil, nil
}

// GetPositions is a no-op: BacktestBroker holds no position state of its
// own, the runtime store's snapshots are authoritative.
func (b *BacktestBroker) GetPositions(ctx context.Context) ([]types.PositionSnapshot, error) {
	return nil, nil
}

// SettlementPrice returns the fill price BACKTEST settlement uses:
// close x (1 + slippage(side, size)).
func (b *BacktestBroker) SettlementPrice(side types.OrderSide, quantity, referencePrice decimal.Decimal) decimal.Decimal {
	slip := b.slippage.Slippage(side, quantity)
	return referencePrice.Mul(decimal.NewFromInt(1).Add(slip))
}

// deterministicBacktestID derives a stable order id from
// (portfolio_id, instrument_id, side, as_of_date) so replaying the same
// backtest day never creates duplicate orders.
func deterministicBacktestID(o types.Order, asOfDate string) string {
	h := xxhash.New()
	_, _ = h.WriteString(o.PortfolioID)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(o.InstrumentID)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(string(o.Side))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(asOfDate)
	return "bt-" + decimal.NewFromInt(int64(h.Sum64())).String()
}

// PaperBroker submits to a simulated venue that fills asynchronously; this
// adapter polls the venue client for fill status rather than settling
// synchronously like BacktestBroker.
type PaperBroker struct {
	logger *zap.Logger
	venue  VenueClient
}

// VenueClient is the minimal surface PaperBroker and LiveBroker need from a
// real or simulated trading venue connection.
type VenueClient interface {
	PlaceOrder(ctx context.Context, order types.Order) (brokerRef string, err error)
	PollStatus(ctx context.Context, brokerRef string) (types.OrderStatus, error)
	CancelOrder(ctx context.Context, brokerRef string) (bool, error)
	PollFills(ctx context.Context, since time.Time) ([]types.Fill, error)
	GetPositions(ctx context.Context) ([]types.PositionSnapshot, error)
}

func NewPaperBroker(logger *zap.Logger, venue VenueClient) *PaperBroker {
	return &PaperBroker{logger: logger, venue: venue}
}

func (b *PaperBroker) Submit(ctx context.Context, order types.Order, _ decimal.Decimal) (types.Order, error) {
	ref, err := b.venue.PlaceOrder(ctx, order)
	if err != nil {
		return types.Order{}, engerr.BrokerTransient("paper venue place order", err)
	}
	order.Status = types.OrderStatusSubmitted
	order.Mode = types.ModePaper
	order.BrokerRef = ref
	return order, nil
}

func (b *PaperBroker) Cancel(ctx context.Context, brokerRef string) (bool, error) {
	return b.venue.CancelOrder(ctx, brokerRef)
}

func (b *PaperBroker) PollFills(ctx context.Context, since time.Time) ([]types.Fill, error) {
	return b.venue.PollFills(ctx, since)
}

func (b *PaperBroker) ProcessFills(ctx context.Context, asOfDate string) ([]types.Fill, error) {
	since, err := time.Parse("2006-01-02", asOfDate)
	if err != nil {
		return nil, fmt.Errorf("parse as_of_date %q: %w", asOfDate, err)
	}
	return b.venue.PollFills(ctx, since)
}

func (b *PaperBroker) GetPositions(ctx context.Context) ([]types.PositionSnapshot, error) {
	return b.venue.GetPositions(ctx)
}

// LiveBroker submits to the real venue. Identical wiring to PaperBroker;
// kept as a distinct type so the mode→broker map in main can point live
// traffic at a separately configured VenueClient without touching paper.
type LiveBroker struct {
	logger *zap.Logger
	venue  VenueClient
}

func NewLiveBroker(logger *zap.Logger, venue VenueClient) *LiveBroker {
	return &LiveBroker{logger: logger, venue: venue}
}

func (b *LiveBroker) Submit(ctx context.Context, order types.Order, _ decimal.Decimal) (types.Order, error) {
	ref, err := b.venue.PlaceOrder(ctx, order)
	if err != nil {
		return types.Order{}, engerr.BrokerTransient("live venue place order", err)
	}
	order.Status = types.OrderStatusSubmitted
	order.Mode = types.ModeLive
	order.BrokerRef = ref
	return order, nil
}

func (b *LiveBroker) Cancel(ctx context.Context, brokerRef string) (bool, error) {
	return b.venue.CancelOrder(ctx, brokerRef)
}

func (b *LiveBroker) PollFills(ctx context.Context, since time.Time) ([]types.Fill, error) {
	return b.venue.PollFills(ctx, since)
}

func (b *LiveBroker) ProcessFills(ctx context.Context, asOfDate string) ([]types.Fill, error) {
	since, err := time.Parse("2006-01-02", asOfDate)
	if err != nil {
		return nil, fmt.Errorf("parse as_of_date %q: %w", asOfDate, err)
	}
	return b.venue.PollFills(ctx, since)
}

func (b *LiveBroker) GetPositions(ctx context.Context) ([]types.PositionSnapshot, error) {
	return b.venue.GetPositions(ctx)
}
