package strategy

import (
	"context"
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"tradecore/internal/core"
	"tradecore/internal/logging"
)

// PairsArbitrageConfig parameterizes the PairsArbitrage variant.
type PairsArbitrageConfig struct {
	SymbolA          core.Symbol
	SymbolB          core.Symbol
	WindowSize       int
	ThetaEnter       float64
	BaseSize         decimal.Decimal
	KellyFraction    decimal.Decimal
	MaxPositionRatio decimal.Decimal
}

type pairState struct {
	mu           sync.Mutex
	window       *RollingWindow
	lastPriceA   decimal.Decimal
	lastPriceB   decimal.Decimal
	entered      bool
	pendingHedge bool // set when one leg filled and the other was rejected
}

// PairsArbitrage trades mean-reversion in the log price ratio of a fixed
// ordered pair (A,B), approximating an Ornstein-Uhlenbeck process by
// sample mean/variance over a rolling window.
type PairsArbitrage struct {
	base
	cfg       PairsArbitrageConfig
	positions PositionView
	state     pairState
}

// NewPairsArbitrage builds a PairsArbitrage over the configured pair.
func NewPairsArbitrage(cfg PairsArbitrageConfig, positions PositionView, logger logging.Logger, signals chan<- core.Signal) *PairsArbitrage {
	return &PairsArbitrage{
		base:      newBase("pairs_arbitrage", logger, signals),
		cfg:       cfg,
		positions: positions,
		state:     pairState{window: NewRollingWindow(cfg.WindowSize)},
	}
}

func (p *PairsArbitrage) Initialize(ctx context.Context) error { return nil }

func (p *PairsArbitrage) OnMarketData(ctx context.Context, md core.MarketData) {
	if !p.Enabled() {
		return
	}
	p.state.mu.Lock()
	switch md.Symbol {
	case p.cfg.SymbolA:
		p.state.lastPriceA = md.Price
	case p.cfg.SymbolB:
		p.state.lastPriceB = md.Price
	default:
		p.state.mu.Unlock()
		return
	}
	a, b := p.state.lastPriceA, p.state.lastPriceB
	if a.IsZero() || b.IsZero() {
		p.state.mu.Unlock()
		return
	}
	af, _ := a.Float64()
	bf, _ := b.Float64()
	logRatio := math.Log(af / bf)
	p.state.window.Push(logRatio)
	full := p.state.window.Full()
	pendingHedge := p.state.pendingHedge
	p.state.mu.Unlock()

	if !full || pendingHedge {
		return
	}
	p.evaluate(ctx, logRatio, a, b)
}

func (p *PairsArbitrage) evaluate(ctx context.Context, logRatio float64, priceA, priceB decimal.Decimal) {
	p.state.mu.Lock()
	mu, sigma := p.state.window.MeanStdev()
	entered := p.state.entered
	p.state.mu.Unlock()

	z := ZScore(logRatio, mu, sigma)

	switch {
	case !entered && math.Abs(z) > p.cfg.ThetaEnter:
		p.enter(ctx, z, priceA, priceB)
	case entered && math.Abs(z) < p.cfg.ThetaEnter/2:
		p.closeLegs(ctx, priceA, priceB)
	}
}

func (p *PairsArbitrage) enter(ctx context.Context, z float64, priceA, priceB decimal.Decimal) {
	sizeA := p.legSize()
	hedgeRatio := decimal.NewFromInt(1)
	if !priceB.IsZero() {
		hedgeRatio = priceA.Div(priceB)
	}
	sizeB := sizeA.Mul(hedgeRatio)

	sideA, sideB := core.SideSell, core.SideBuy
	if z < 0 {
		sideA, sideB = core.SideBuy, core.SideSell
	}

	p.state.mu.Lock()
	p.state.entered = true
	p.state.mu.Unlock()

	p.emit(ctx, core.Signal{Symbol: p.cfg.SymbolA, Side: sideA, Qty: sizeA, Type: core.OrderTypeMarket, TIF: core.TIFIOC})
	p.emit(ctx, core.Signal{Symbol: p.cfg.SymbolB, Side: sideB, Qty: sizeB, Type: core.OrderTypeMarket, TIF: core.TIFIOC})
}

func (p *PairsArbitrage) closeLegs(ctx context.Context, priceA, priceB decimal.Decimal) {
	posA := p.positions.Position(p.cfg.SymbolA)
	posB := p.positions.Position(p.cfg.SymbolB)

	p.state.mu.Lock()
	p.state.entered = false
	p.state.mu.Unlock()

	if !posA.Flat() {
		side := core.SideSell
		if posA.Size.IsNegative() {
			side = core.SideBuy
		}
		p.emit(ctx, core.Signal{Symbol: p.cfg.SymbolA, Side: side, Qty: posA.Size.Abs(), Type: core.OrderTypeMarket, TIF: core.TIFIOC})
	}
	if !posB.Flat() {
		side := core.SideSell
		if posB.Size.IsNegative() {
			side = core.SideBuy
		}
		p.emit(ctx, core.Signal{Symbol: p.cfg.SymbolB, Side: side, Qty: posB.Size.Abs(), Type: core.OrderTypeMarket, TIF: core.TIFIOC})
	}
}

func (p *PairsArbitrage) legSize() decimal.Decimal {
	size := p.cfg.BaseSize.Mul(p.cfg.KellyFraction)
	cap := p.cfg.BaseSize.Mul(p.cfg.MaxPositionRatio)
	if size.GreaterThan(cap) {
		size = cap
	}
	return size
}

// NotifyLegRejected implements the not-atomic, eventually consistent
// pair-leg handling: when one leg fills and the other is rejected, it
// emits a corrective market order for the filled leg immediately and
// marks the pair as not entered. The pending-hedge flag blocks entries
// only while that order is being emitted; whether it fills is not tracked.
func (p *PairsArbitrage) NotifyLegRejected(ctx context.Context, filledSymbol core.Symbol, filledSide core.Side, qty decimal.Decimal) {
	p.state.mu.Lock()
	p.state.pendingHedge = true
	p.state.mu.Unlock()

	p.emit(ctx, core.Signal{Symbol: filledSymbol, Side: filledSide.Opposite(), Qty: qty, Type: core.OrderTypeMarket, TIF: core.TIFIOC})

	p.state.mu.Lock()
	p.state.pendingHedge = false
	p.state.entered = false
	p.state.mu.Unlock()
}

func (p *PairsArbitrage) OnOrderBook(ctx context.Context, ob *core.OrderBook) {}
func (p *PairsArbitrage) OnKline(ctx context.Context, k core.Kline)          {}
func (p *PairsArbitrage) OnFill(ctx context.Context, f core.Fill)            {}
func (p *PairsArbitrage) OnTimer(ctx context.Context)                        {}
func (p *PairsArbitrage) Stats() Stats                                      { return p.stats() }
