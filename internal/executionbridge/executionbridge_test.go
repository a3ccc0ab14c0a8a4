package executionbridge_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus-v2/daily-engine/internal/config"
	"github.com/prometheus-v2/daily-engine/internal/engerr"
	"github.com/prometheus-v2/daily-engine/internal/executionbridge"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	orders    map[string]types.Order
	fills     []types.Fill
	snapshots map[string]types.PositionSnapshot
	actions   []types.RiskAction
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:    map[string]types.Order{},
		snapshots: map[string]types.PositionSnapshot{},
	}
}

func (s *fakeStore) UpsertOrder(_ context.Context, o types.Order) error {
	s.orders[o.OrderID] = o
	return nil
}

func (s *fakeStore) GetOrder(_ context.Context, orderID string) (types.Order, bool, error) {
	o, ok := s.orders[orderID]
	return o, ok, nil
}

func (s *fakeStore) InsertFill(_ context.Context, f types.Fill) error {
	s.fills = append(s.fills, f)
	return nil
}

func (s *fakeStore) GetFillsForOrder(_ context.Context, orderID string) ([]types.Fill, error) {
	var out []types.Fill
	for _, f := range s.fills {
		if f.OrderID == orderID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertPositionSnapshot(_ context.Context, p types.PositionSnapshot) error {
	s.snapshots[p.PortfolioID+"|"+p.InstrumentID] = p
	return nil
}

func (s *fakeStore) GetLatestPositionSnapshot(_ context.Context, portfolioID, instrumentID, _ string) (types.PositionSnapshot, bool, error) {
	p, ok := s.snapshots[portfolioID+"|"+instrumentID]
	return p, ok, nil
}

func (s *fakeStore) InsertRiskAction(_ context.Context, a types.RiskAction) error {
	s.actions = append(s.actions, a)
	return nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newClock() fixedClock {
	return fixedClock{t: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)}
}

func TestSubmit_BacktestSettlesInline(t *testing.T) {
	logger := zap.NewNop()
	store := newFakeStore()
	clock := newClock()
	broker := executionbridge.NewBacktestBroker(logger, executionbridge.LinearSlippage{BaseBps: decimal.NewFromInt(10)}, clock, "2026-01-15")

	e := executionbridge.New(logger, config.ExecutionConfig{Mode: "BACKTEST"}, store, clock, map[types.ExecutionMode]executionbridge.Broker{
		types.ModeBacktest: broker,
	})

	po := executionbridge.PlannedOrder{
		PortfolioID: "pf-1", InstrumentID: "AAA", AsOfDate: "2026-01-15",
		Side: types.OrderSideBuy, OrderType: types.OrderTypeOpenLong,
		Quantity: decimal.NewFromInt(10), ReferencePrice: decimal.NewFromInt(100),
	}

	order, err := e.Submit(context.Background(), types.ModeBacktest, po)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, order.Status)
	require.Len(t, store.fills, 1)
	assert.True(t, store.fills[0].Price.GreaterThan(decimal.NewFromInt(100)))

	snap, ok := store.snapshots["pf-1|AAA"]
	require.True(t, ok)
	assert.True(t, snap.Quantity.Equal(decimal.NewFromInt(10)))
}

func TestSubmit_BacktestIsIdempotentAcrossReplays(t *testing.T) {
	logger := zap.NewNop()
	clock := newClock()
	po := executionbridge.PlannedOrder{
		PortfolioID: "pf-1", InstrumentID: "AAA", AsOfDate: "2026-01-15",
		Side: types.OrderSideBuy, OrderType: types.OrderTypeOpenLong,
		Quantity: decimal.NewFromInt(10), ReferencePrice: decimal.NewFromInt(100),
	}

	run := func() types.Order {
		store := newFakeStore()
		broker := executionbridge.NewBacktestBroker(logger, executionbridge.LinearSlippage{}, clock, "2026-01-15")
		e := executionbridge.New(logger, config.ExecutionConfig{Mode: "BACKTEST"}, store, clock, map[types.ExecutionMode]executionbridge.Broker{
			types.ModeBacktest: broker,
		})
		order, err := e.Submit(context.Background(), types.ModeBacktest, po)
		require.NoError(t, err)
		return order
	}

	first := run()
	second := run()
	assert.Equal(t, first.OrderID, second.OrderID)
}

func TestSubmit_SettlementIsIdempotentAgainstSameStore(t *testing.T) {
	logger := zap.NewNop()
	store := newFakeStore()
	clock := newClock()
	broker := executionbridge.NewBacktestBroker(logger, executionbridge.LinearSlippage{}, clock, "2026-01-15")

	e := executionbridge.New(logger, config.ExecutionConfig{Mode: "BACKTEST"}, store, clock, map[types.ExecutionMode]executionbridge.Broker{
		types.ModeBacktest: broker,
	})

	po := executionbridge.PlannedOrder{
		PortfolioID: "pf-1", InstrumentID: "AAA", AsOfDate: "2026-01-15",
		Side: types.OrderSideBuy, OrderType: types.OrderTypeOpenLong,
		Quantity: decimal.NewFromInt(10), ReferencePrice: decimal.NewFromInt(100),
	}

	first, err := e.Submit(context.Background(), types.ModeBacktest, po)
	require.NoError(t, err)
	second, err := e.Submit(context.Background(), types.ModeBacktest, po)
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	require.Len(t, store.fills, 1, "replaying the same order must not mint a second fill")

	snap, ok := store.snapshots["pf-1|AAA"]
	require.True(t, ok)
	assert.True(t, snap.Quantity.Equal(decimal.NewFromInt(10)), "position must not double after replay")
}

func TestSubmit_RejectsOverMaxOrderNotional(t *testing.T) {
	logger := zap.NewNop()
	store := newFakeStore()
	clock := newClock()
	broker := executionbridge.NewBacktestBroker(logger, executionbridge.LinearSlippage{}, clock, "2026-01-15")

	e := executionbridge.New(logger, config.ExecutionConfig{
		Mode: "BACKTEST", ExecRiskEnabled: true, MaxOrderNotional: decimal.NewFromInt(500),
	}, store, clock, map[types.ExecutionMode]executionbridge.Broker{
		types.ModeBacktest: broker,
	})

	po := executionbridge.PlannedOrder{
		PortfolioID: "pf-1", InstrumentID: "AAA", AsOfDate: "2026-01-15",
		Side: types.OrderSideBuy, OrderType: types.OrderTypeOpenLong,
		Quantity: decimal.NewFromInt(10), ReferencePrice: decimal.NewFromInt(100),
	}

	_, err := e.Submit(context.Background(), types.ModeBacktest, po)
	require.Error(t, err)
	assert.True(t, engerr.IsKind(err, engerr.KindRiskLimitExceeded))
	require.Len(t, store.actions, 1)
	assert.Equal(t, types.RiskActionExecutionReject, store.actions[0].ActionType)
	assert.Empty(t, store.fills)
}

type flakyVenue struct {
	failures int
	calls    int
}

func (v *flakyVenue) PlaceOrder(_ context.Context, _ types.Order) (string, error) {
	v.calls++
	if v.calls <= v.failures {
		return "", engerr.BrokerTransient("simulated outage", errors.New("timeout"))
	}
	return "venue-ref-1", nil
}

func (v *flakyVenue) PollStatus(_ context.Context, _ string) (types.OrderStatus, error) {
	return types.OrderStatusFilled, nil
}

func (v *flakyVenue) CancelOrder(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (v *flakyVenue) PollFills(_ context.Context, _ time.Time) ([]types.Fill, error) {
	return nil, nil
}

func (v *flakyVenue) GetPositions(_ context.Context) ([]types.PositionSnapshot, error) {
	return nil, nil
}

func TestBacktestBroker_LifecycleMethodsAreNoOps(t *testing.T) {
	logger := zap.NewNop()
	clock := newClock()
	broker := executionbridge.NewBacktestBroker(logger, executionbridge.LinearSlippage{}, clock, "2026-01-15")

	cancelled, err := broker.Cancel(context.Background(), "bt-1")
	require.NoError(t, err)
	assert.False(t, cancelled)

	fills, err := broker.PollFills(context.Background(), clock.Now())
	require.NoError(t, err)
	assert.Empty(t, fills)

	fills, err = broker.ProcessFills(context.Background(), "2026-01-15")
	require.NoError(t, err)
	assert.Empty(t, fills)

	positions, err := broker.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPaperBroker_LifecycleMethodsDelegateToVenue(t *testing.T) {
	logger := zap.NewNop()
	venue := &flakyVenue{}
	broker := executionbridge.NewPaperBroker(logger, venue)

	_, err := broker.Cancel(context.Background(), "venue-ref-1")
	require.NoError(t, err)

	_, err = broker.PollFills(context.Background(), time.Now())
	require.NoError(t, err)

	_, err = broker.ProcessFills(context.Background(), "2026-01-15")
	require.NoError(t, err)

	_, err = broker.GetPositions(context.Background())
	require.NoError(t, err)
}

func TestSubmit_PaperRetriesTransientFailures(t *testing.T) {
	logger := zap.NewNop()
	store := newFakeStore()
	clock := newClock()
	venue := &flakyVenue{failures: 2}
	broker := executionbridge.NewPaperBroker(logger, venue)

	e := executionbridge.New(logger, config.ExecutionConfig{
		Mode: "PAPER", RetryAttempts: 3, RetryBaseDelay: time.Millisecond,
	}, store, clock, map[types.ExecutionMode]executionbridge.Broker{
		types.ModePaper: broker,
	})

	po := executionbridge.PlannedOrder{
		PortfolioID: "pf-1", InstrumentID: "AAA", AsOfDate: "2026-01-15",
		Side: types.OrderSideBuy, OrderType: types.OrderTypeOpenLong,
		Quantity: decimal.NewFromInt(10), ReferencePrice: decimal.NewFromInt(100),
	}

	order, err := e.Submit(context.Background(), types.ModePaper, po)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusSubmitted, order.Status)
	assert.Equal(t, 3, venue.calls)
}
