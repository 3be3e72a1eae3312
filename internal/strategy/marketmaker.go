package strategy

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"tradecore/internal/core"
	"tradecore/internal/logging"
)

// MarketMakerConfig parameterizes the MarketMaker variant.
type MarketMakerConfig struct {
	InventoryBias decimal.Decimal // lambda
	MaxInventory  decimal.Decimal
	BasePct       decimal.Decimal // basePct in spread = basePct * fairPrice * ...
	OrderSize     decimal.Decimal
	VolWindow     int
}

type mmSymbolState struct {
	mu      sync.Mutex
	prices  *RollingWindow
	quoting bool
}

// MarketMaker continuously re-quotes a symmetric two-sided market around
// a fair price skewed by inventory, re-quoting on a timer and on fills.
type MarketMaker struct {
	base
	cfg       MarketMakerConfig
	symbols   []core.Symbol
	positions PositionView
	obooks    map[core.Symbol]*core.OrderBook
	obooksMu  sync.RWMutex
	states    map[core.Symbol]*mmSymbolState
	statesMu  sync.RWMutex
}

// NewMarketMaker builds a MarketMaker over the given symbols.
func NewMarketMaker(cfg MarketMakerConfig, symbols []core.Symbol, positions PositionView, logger logging.Logger, signals chan<- core.Signal) *MarketMaker {
	return &MarketMaker{
		base:      newBase("market_maker", logger, signals),
		cfg:       cfg,
		symbols:   symbols,
		positions: positions,
		obooks:    make(map[core.Symbol]*core.OrderBook),
		states:    make(map[core.Symbol]*mmSymbolState),
	}
}

func (m *MarketMaker) Initialize(ctx context.Context) error {
	for _, sym := range m.symbols {
		m.states[sym] = &mmSymbolState{prices: NewRollingWindow(m.cfg.VolWindow)}
	}
	return nil
}

func (m *MarketMaker) symbolState(sym core.Symbol) *mmSymbolState {
	m.statesMu.RLock()
	st, ok := m.states[sym]
	m.statesMu.RUnlock()
	if ok {
		return st
	}
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	if st, ok = m.states[sym]; ok {
		return st
	}
	st = &mmSymbolState{prices: NewRollingWindow(m.cfg.VolWindow)}
	m.states[sym] = st
	return st
}

func (m *MarketMaker) OnMarketData(ctx context.Context, md core.MarketData) {
	if !m.Enabled() {
		return
	}
	price, _ := md.Price.Float64()
	st := m.symbolState(md.Symbol)
	st.mu.Lock()
	st.prices.Push(price)
	st.mu.Unlock()
}

func (m *MarketMaker) OnOrderBook(ctx context.Context, ob *core.OrderBook) {
	if !m.Enabled() || ob == nil {
		return
	}
	m.obooksMu.Lock()
	m.obooks[ob.Symbol] = ob
	m.obooksMu.Unlock()
}

func (m *MarketMaker) OnKline(ctx context.Context, k core.Kline) {}

// OnFill triggers an immediate re-quote since inventory changed.
func (m *MarketMaker) OnFill(ctx context.Context, f core.Fill) {
	if !m.Enabled() {
		return
	}
	m.requote(ctx, f.Symbol)
}

// OnTimer re-quotes every symbol on the configured refresh interval; the
// Engine is responsible for invoking OnTimer at that cadence.
func (m *MarketMaker) OnTimer(ctx context.Context) {
	if !m.Enabled() {
		return
	}
	for _, sym := range m.symbols {
		m.requote(ctx, sym)
	}
}

// Quote is a computed two-sided quote, exported for tests.
type Quote struct {
	FairPrice decimal.Decimal
	Spread    decimal.Decimal
	BidPrice  decimal.Decimal
	AskPrice  decimal.Decimal
	BidSize   decimal.Decimal
	AskSize   decimal.Decimal
}

// ComputeQuote implements the MarketMaker pricing formula:
// fairPrice = mid + lambda*inventory; spread = basePct*fairPrice*(1+2*sigma)*(1+|inventory|/maxInventory*0.5), floored at 1bp.
func (m *MarketMaker) ComputeQuote(mid, inventory decimal.Decimal, sigma float64) Quote {
	fair := mid.Add(m.cfg.InventoryBias.Mul(inventory))

	sigmaD := decimal.NewFromFloat(sigma)
	volFactor := decimal.NewFromInt(1).Add(decimal.NewFromInt(2).Mul(sigmaD))

	var invRatio decimal.Decimal
	if !m.cfg.MaxInventory.IsZero() {
		invRatio = inventory.Abs().Div(m.cfg.MaxInventory)
	}
	invFactor := decimal.NewFromInt(1).Add(invRatio.Mul(decimal.NewFromFloat(0.5)))

	spread := m.cfg.BasePct.Mul(fair).Mul(volFactor).Mul(invFactor)
	floor := fair.Mul(decimal.NewFromFloat(0.0001)) // 1 bp
	if spread.LessThan(floor) {
		spread = floor
	}

	half := spread.Div(decimal.NewFromInt(2))
	bidPrice := fair.Sub(half)
	askPrice := fair.Add(half)

	bidSize := m.cfg.OrderSize
	if room := m.cfg.MaxInventory.Sub(inventory); room.LessThan(bidSize) {
		bidSize = room
	}
	askSize := m.cfg.OrderSize
	if room := m.cfg.MaxInventory.Add(inventory); room.LessThan(askSize) {
		askSize = room
	}
	if bidSize.IsNegative() {
		bidSize = decimal.Zero
	}
	if askSize.IsNegative() {
		askSize = decimal.Zero
	}

	return Quote{FairPrice: fair, Spread: spread, BidPrice: bidPrice, AskPrice: askPrice, BidSize: bidSize, AskSize: askSize}
}

func (m *MarketMaker) requote(ctx context.Context, sym core.Symbol) {
	m.obooksMu.RLock()
	ob := m.obooks[sym]
	m.obooksMu.RUnlock()
	if ob == nil {
		return
	}
	mid := ob.Mid()
	if mid.IsZero() {
		return
	}

	st := m.symbolState(sym)
	st.mu.Lock()
	prices := append([]float64(nil), st.prices.Values()...)
	st.mu.Unlock()
	sigma := LogReturnVolatility(prices)

	pos := m.positions.Position(sym)
	quote := m.ComputeQuote(mid, pos.Size, sigma)

	// replace=true tells the Engine to cancel this strategy's resting
	// quote on the symbol/side before placing the new one, so requotes
	// never leave two live orders on the same side.
	replaceMeta := map[string]string{"replace": "true"}
	if quote.BidSize.IsPositive() {
		m.emit(ctx, core.Signal{Symbol: sym, Side: core.SideBuy, Qty: quote.BidSize, Price: quote.BidPrice, Type: core.OrderTypeLimit, TIF: core.TIFGTC, Metadata: replaceMeta})
	}
	if quote.AskSize.IsPositive() {
		m.emit(ctx, core.Signal{Symbol: sym, Side: core.SideSell, Qty: quote.AskSize, Price: quote.AskPrice, Type: core.OrderTypeLimit, TIF: core.TIFGTC, Metadata: replaceMeta})
	}
}

func (m *MarketMaker) Stats() Stats { return m.stats() }
