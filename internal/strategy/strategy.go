// Package strategy holds the polymorphic Strategy interface and its
// concrete variants (Scalper, MarketMaker, PairsArbitrage). Shared
// indicator math lives in indicators.go, not in the interface, per the
// separation the base-class-inheritance source conflated.
package strategy

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"tradecore/internal/core"
	"tradecore/internal/logging"
)

// Stats is a strategy's point-in-time introspection snapshot.
type Stats struct {
	Name           string
	SignalsEmitted int64
	Enabled        bool
}

// Strategy is the capability set every concrete variant implements.
// The Engine calls these from several goroutines (stream events, the
// timer loop, fills from the signal loop), so two callbacks on the same
// instance can run concurrently; each variant guards its own state.
type Strategy interface {
	Name() string
	Initialize(ctx context.Context) error
	Enable()
	Disable()
	Enabled() bool
	OnMarketData(ctx context.Context, md core.MarketData)
	OnOrderBook(ctx context.Context, ob *core.OrderBook)
	OnKline(ctx context.Context, k core.Kline)
	OnFill(ctx context.Context, f core.Fill)
	OnTimer(ctx context.Context)
	Stats() Stats
}

// PositionView is the read-only shadow of accounting a strategy consults
// to size/gate its own signals. Strategies never mutate positions.
type PositionView interface {
	Position(symbol core.Symbol) core.Position
	Equity() decimal.Decimal
}

// base holds the fields shared by every concrete strategy: lifecycle
// state, the outbound signal channel, and a logger. It is embedded, not
// inherited from, by each variant.
type base struct {
	name     string
	logger   logging.Logger
	signals  chan<- core.Signal
	mu       sync.RWMutex
	enabled  bool
	emitted  int64
}

func newBase(name string, logger logging.Logger, signals chan<- core.Signal) base {
	return base{name: name, logger: logger.WithField("strategy", name), signals: signals}
}

func (b *base) Name() string { return b.name }

func (b *base) Enable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = true
}

func (b *base) Disable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = false
}

func (b *base) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

func (b *base) emit(ctx context.Context, sig core.Signal) {
	if !b.Enabled() {
		return
	}
	sig.StrategyName = b.name
	select {
	case b.signals <- sig:
		b.mu.Lock()
		b.emitted++
		b.mu.Unlock()
	case <-ctx.Done():
	}
}

func (b *base) stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{Name: b.name, SignalsEmitted: b.emitted, Enabled: b.enabled}
}
