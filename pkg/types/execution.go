package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType distinguishes the planned order's structural intent, matching
// the Execution Bridge's PlannedOrder kinds (§4.9).
type OrderType string

const (
	OrderTypeOpenLong  OrderType = "OPEN_LONG"
	OrderTypeOpenShort OrderType = "OPEN_SHORT"
	OrderTypeClose     OrderType = "CLOSE"
)

// OrderStatus tracks an order through submission and settlement.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
)

// ExecutionMode selects which broker family an order runs against.
type ExecutionMode string

const (
	ModeBacktest ExecutionMode = "BACKTEST"
	ModePaper    ExecutionMode = "PAPER"
	ModeLive     ExecutionMode = "LIVE"
)

// Order is a single planned/submitted order.
type Order struct {
	OrderID      string          `json:"order_id"`
	PortfolioID  string          `json:"portfolio_id"`
	InstrumentID string          `json:"instrument_id"`
	Side         OrderSide       `json:"side"`
	OrderType    OrderType       `json:"order_type"`
	Quantity     decimal.Decimal `json:"quantity"`
	Status       OrderStatus     `json:"status"`
	Mode         ExecutionMode   `json:"mode"`
	Timestamp    time.Time       `json:"timestamp"`
	BrokerRef    string          `json:"broker_ref,omitempty"`
}

// Fill is one execution against an order. Sum of fills.quantity per order
// must never exceed order.quantity.
type Fill struct {
	FillID       string          `json:"fill_id"`
	OrderID      string          `json:"order_id"`
	InstrumentID string          `json:"instrument_id"`
	Side         OrderSide       `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Timestamp    time.Time       `json:"timestamp"`
	Mode         ExecutionMode   `json:"mode"`
}

// PositionSnapshot is the end-of-date position record for a portfolio leg.
type PositionSnapshot struct {
	PortfolioID    string          `json:"portfolio_id"`
	InstrumentID   string          `json:"instrument_id"`
	AsOfDate       string          `json:"as_of_date"`
	Quantity       decimal.Decimal `json:"quantity"`
	AvgCost        decimal.Decimal `json:"avg_cost"`
	MarketValue    decimal.Decimal `json:"market_value"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	Mode           ExecutionMode   `json:"mode"`
}
