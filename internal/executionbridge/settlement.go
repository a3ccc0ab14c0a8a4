package executionbridge

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// Settle records one fill against a submitted order and refreshes the
// portfolio's position snapshot for that instrument. BACKTEST orders settle
// synchronously at submission time using the broker's slippage-adjusted
// close; PAPER/LIVE orders settle once PollSettlement observes a fill.
//
// Settle is idempotent per order: it checks for an existing fill before
// inserting, and derives the fill id deterministically from the order id and
// fill sequence rather than minting a fresh uuid, so a replayed Submit or a
// duplicate PollSettlement call never double-books a position.
func (e *Engine) Settle(ctx context.Context, order types.Order, fillPrice, marketPrice decimal.Decimal, asOfDate string) error {
	existing, err := e.store.GetFillsForOrder(ctx, order.OrderID)
	if err != nil {
		return fmt.Errorf("get fills for order: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	fill := types.Fill{
		FillID: deterministicFillID(order.OrderID, len(existing)), OrderID: order.OrderID, InstrumentID: order.InstrumentID,
		Side: order.Side, Quantity: order.Quantity, Price: fillPrice,
		Timestamp: order.Timestamp, Mode: order.Mode,
	}
	if err := e.store.InsertFill(ctx, fill); err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}

	prior, found, err := e.store.GetLatestPositionSnapshot(ctx, order.PortfolioID, order.InstrumentID, asOfDate)
	if err != nil {
		return fmt.Errorf("read prior position: %w", err)
	}

	signedQty := fill.Quantity
	if fill.Side == types.OrderSideSell {
		signedQty = signedQty.Neg()
	}

	newQty := signedQty
	newAvgCost := fillPrice
	if found {
		newQty = prior.Quantity.Add(signedQty)
		newAvgCost = blendAvgCost(prior.Quantity, prior.AvgCost, signedQty, fillPrice)
	}

	marketValue := newQty.Mul(marketPrice)
	unrealizedPnL := newQty.Mul(marketPrice.Sub(newAvgCost))

	snapshot := types.PositionSnapshot{
		PortfolioID: order.PortfolioID, InstrumentID: order.InstrumentID, AsOfDate: asOfDate,
		Quantity: newQty, AvgCost: newAvgCost, MarketValue: marketValue,
		UnrealizedPnL: unrealizedPnL, Mode: order.Mode,
	}
	if err := e.store.UpsertPositionSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("upsert position snapshot: %w", err)
	}
	return nil
}

// deterministicFillID derives a stable fill id from an order id and its
// sequence number among that order's fills, mirroring broker.go's
// deterministicBacktestID so a replayed settlement never mints a distinct
// fill row for the same (order, sequence) pair.
func deterministicFillID(orderID string, sequence int) string {
	h := xxhash.New()
	_, _ = h.WriteString(orderID)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.Itoa(sequence))
	return "fill-" + decimal.NewFromInt(int64(h.Sum64())).String()
}

// blendAvgCost computes the weighted-average cost basis after adding a
// signed fill quantity to a prior signed position; a position-reducing fill
// (same-sign net reduction) leaves the average cost unchanged, matching
// standard average-cost accounting.
func blendAvgCost(priorQty, priorAvgCost, fillQty, fillPrice decimal.Decimal) decimal.Decimal {
	newQty := priorQty.Add(fillQty)
	if newQty.IsZero() {
		return decimal.Zero
	}
	samesSign := priorQty.Sign() == 0 || priorQty.Sign() == fillQty.Sign()
	if !samesSign {
		return priorAvgCost
	}
	numerator := priorQty.Abs().Mul(priorAvgCost).Add(fillQty.Abs().Mul(fillPrice))
	denominator := priorQty.Abs().Add(fillQty.Abs())
	if denominator.IsZero() {
		return priorAvgCost
	}
	return numerator.Div(denominator)
}

// PollSettlement checks a PAPER/LIVE order's broker status and settles it
// if the venue reports a fill; a no-op for BACKTEST orders, which settle
// inline in Submit.
func (e *Engine) PollSettlement(ctx context.Context, venue VenueClient, orderID string, marketPrice decimal.Decimal, asOfDate string) error {
	order, found, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("get order: %w", err)
	}
	if !found || order.Mode == types.ModeBacktest {
		return nil
	}

	status, err := venue.PollStatus(ctx, order.BrokerRef)
	if err != nil {
		return fmt.Errorf("poll venue status: %w", err)
	}
	if status != types.OrderStatusFilled {
		order.Status = status
		return e.store.UpsertOrder(ctx, order)
	}

	order.Status = types.OrderStatusFilled
	if err := e.store.UpsertOrder(ctx, order); err != nil {
		return fmt.Errorf("upsert filled order: %w", err)
	}
	return e.Settle(ctx, order, marketPrice, marketPrice, asOfDate)
}
