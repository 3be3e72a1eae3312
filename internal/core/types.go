// Package core holds the data model shared by every component: the event
// and entity shapes that flow from market data ingress through strategy
// evaluation, risk gating, order egress, and accounting.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is an opaque exchange instrument identifier, e.g. "BTCUSDT".
type Symbol string

// Side is the direction of an order, fill, or signal.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType enumerates the supported order types.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// TimeInForce is the order persistence policy.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
)

// OrderStatus is a state in the order lifecycle state machine (see
// OrderManager in package order for the transition table).
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// PositionSide classifies a Position's directional exposure.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionFlat  PositionSide = "FLAT"
)

// AggressorSide reports which side crossed the spread for a trade print.
type AggressorSide string

const (
	AggressorBuy     AggressorSide = "BUY"
	AggressorSell    AggressorSide = "SELL"
	AggressorUnknown AggressorSide = ""
)

// MarketData is a single trade/ticker print on the event stream.
type MarketData struct {
	Symbol        Symbol
	Timestamp     time.Time
	Price         decimal.Decimal
	Volume        decimal.Decimal
	AggressorSide AggressorSide
}

// PriceLevel is one rung of an order book side.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// OrderBook is a maintained top-of-book snapshot for a symbol. Bids are
// ordered by price descending, asks by price ascending.
type OrderBook struct {
	Symbol        Symbol
	Timestamp     time.Time
	Bids          []PriceLevel
	Asks          []PriceLevel
	LastUpdateID  int64
	Stale         bool
}

// BestBid returns the top bid, or a zero level if the book is empty.
func (ob *OrderBook) BestBid() PriceLevel {
	if len(ob.Bids) == 0 {
		return PriceLevel{}
	}
	return ob.Bids[0]
}

// BestAsk returns the top ask, or a zero level if the book is empty.
func (ob *OrderBook) BestAsk() PriceLevel {
	if len(ob.Asks) == 0 {
		return PriceLevel{}
	}
	return ob.Asks[0]
}

// Mid returns (bestBid+bestAsk)/2, or zero if either side is empty.
func (ob *OrderBook) Mid() decimal.Decimal {
	bb, ba := ob.BestBid(), ob.BestAsk()
	if bb.Price.IsZero() || ba.Price.IsZero() {
		return decimal.Zero
	}
	return bb.Price.Add(ba.Price).Div(decimal.NewFromInt(2))
}

// Kline is an OHLCV candlestick over [OpenTime, CloseTime).
type Kline struct {
	Symbol      Symbol
	Interval    string
	OpenTime    time.Time
	CloseTime   time.Time
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	TradeCount  int64
	IsClosed    bool
}

// Order is a local record of an order submitted to (or reconciled from)
// the exchange.
type Order struct {
	Symbol      Symbol
	ExchangeID  int64
	ClientID    string
	Side        Side
	Type        OrderType
	Qty         decimal.Decimal
	Price       decimal.Decimal
	StopPrice   decimal.Decimal
	TIF         TimeInForce
	Status      OrderStatus
	ExecutedQty decimal.Decimal
	CumQuote    decimal.Decimal
	AvgPrice    decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Remaining returns Qty-ExecutedQty, floored at zero.
func (o *Order) Remaining() decimal.Decimal {
	r := o.Qty.Sub(o.ExecutedQty)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Fill is an immutable trade execution against an Order.
type Fill struct {
	Symbol      Symbol
	OrderID     int64
	ClientID    string
	TradeID     int64
	Side        Side
	Qty         decimal.Decimal
	Price       decimal.Decimal
	Fee         decimal.Decimal
	FeeAsset    string
	Timestamp   time.Time
	IsMaker     bool
}

// Position is the accounting-owned exposure snapshot for a symbol.
type Position struct {
	Symbol         Symbol
	Side           PositionSide
	Size           decimal.Decimal // signed: positive=long, negative=short
	AvgEntryPrice  decimal.Decimal
	MarkPrice      decimal.Decimal
	UnrealizedPnl  decimal.Decimal
	RealizedPnl    decimal.Decimal
	Leverage       decimal.Decimal
	UpdatedAt      time.Time
}

// Flat reports whether the position carries no exposure.
func (p *Position) Flat() bool {
	return p.Size.IsZero()
}

// RecomputeSide sets Side from Size's sign, matching the size=0 iff
// side=FLAT invariant.
func (p *Position) RecomputeSide() {
	switch {
	case p.Size.IsZero():
		p.Side = PositionFlat
	case p.Size.IsPositive():
		p.Side = PositionLong
	default:
		p.Side = PositionShort
	}
}

// Signal is a transient, single-use trade intent emitted by a Strategy.
type Signal struct {
	Symbol       Symbol
	Side         Side
	Qty          decimal.Decimal
	Price        decimal.Decimal
	Type         OrderType
	TIF          TimeInForce
	StopPrice    decimal.Decimal
	StrategyName string
	Confidence   float64
	Metadata     map[string]string
}

// Severity classifies a RiskEvent.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// RiskEvent is an advisory or breach notification routed by the Engine.
type RiskEvent struct {
	Kind      string
	Symbol    Symbol
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]string
}

// RateQuota is the six paired (requests, weight) x (second, minute, day)
// limits advertised by the exchange for a given API key / endpoint group.
type RateQuota struct {
	RequestsPerSecond int
	RequestsPerMinute int
	RequestsPerDay    int
	WeightPerSecond   int
	WeightPerMinute   int
	WeightPerDay      int
}
