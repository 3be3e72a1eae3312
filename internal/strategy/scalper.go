package strategy

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"tradecore/internal/core"
	"tradecore/internal/logging"
)

// ScalperConfig parameterizes the Scalper variant.
type ScalperConfig struct {
	OBIThreshold  float64
	EMAShortN     int
	EMALongN      int
	SlipOffsetBps decimal.Decimal
	RiskFraction  decimal.Decimal
	StopDistance  decimal.Decimal // fraction of price, e.g. 0.01 = 1%
}

type scalperSymbolState struct {
	mu       sync.Mutex
	emaShort *EMA
	emaLong  *EMA
	lastPx   decimal.Decimal
	lastOBI  float64
	haveOBI  bool
}

// Scalper trades orderbook-imbalance-confirmed momentum with a
// stop/take-profit timer sweep.
type Scalper struct {
	base
	cfg      ScalperConfig
	symbols  []core.Symbol
	positions PositionView
	states   map[core.Symbol]*scalperSymbolState
	statesMu sync.RWMutex
}

// NewScalper builds a Scalper over the given symbols.
func NewScalper(cfg ScalperConfig, symbols []core.Symbol, positions PositionView, logger logging.Logger, signals chan<- core.Signal) *Scalper {
	return &Scalper{
		base:      newBase("scalper", logger, signals),
		cfg:       cfg,
		symbols:   symbols,
		positions: positions,
		states:    make(map[core.Symbol]*scalperSymbolState),
	}
}

func (s *Scalper) Initialize(ctx context.Context) error {
	for _, sym := range s.symbols {
		s.states[sym] = &scalperSymbolState{
			emaShort: NewEMA(s.cfg.EMAShortN),
			emaLong:  NewEMA(s.cfg.EMALongN),
		}
	}
	return nil
}

func (s *Scalper) symbolState(sym core.Symbol) *scalperSymbolState {
	s.statesMu.RLock()
	st, ok := s.states[sym]
	s.statesMu.RUnlock()
	if ok {
		return st
	}
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	if st, ok = s.states[sym]; ok {
		return st
	}
	st = &scalperSymbolState{emaShort: NewEMA(s.cfg.EMAShortN), emaLong: NewEMA(s.cfg.EMALongN)}
	s.states[sym] = st
	return st
}

func (s *Scalper) OnMarketData(ctx context.Context, md core.MarketData) {
	if !s.Enabled() {
		return
	}
	st := s.symbolState(md.Symbol)
	price, _ := md.Price.Float64()

	st.mu.Lock()
	st.emaShort.Update(price)
	st.emaLong.Update(price)
	st.lastPx = md.Price
	st.mu.Unlock()

	s.evaluate(ctx, md.Symbol)
}

// evaluate applies the full entry rule — OBI confirmation AND EMA
// crossover AND a flat-or-opposing current position — using whichever
// order book and trade state is freshest for the symbol.
func (s *Scalper) evaluate(ctx context.Context, sym core.Symbol) {
	st := s.symbolState(sym)
	st.mu.Lock()
	emaS, emaL, seeded := st.emaShort.Value(), st.emaLong.Value(), st.emaLong.Seeded()
	last, obi, haveOBI := st.lastPx, st.lastOBI, st.haveOBI
	st.mu.Unlock()
	if !seeded || !haveOBI || last.IsZero() {
		return
	}

	pos := s.positions.Position(sym)
	qty := s.sizePosition(last, pos)
	if qty.IsZero() {
		return
	}

	switch {
	case obi > s.cfg.OBIThreshold && emaS > emaL && !pos.Size.IsPositive():
		s.emitScalp(ctx, sym, core.SideBuy, last, qty)
	case obi < -s.cfg.OBIThreshold && emaS < emaL && !pos.Size.IsNegative():
		s.emitScalp(ctx, sym, core.SideSell, last, qty)
	}
}

func (s *Scalper) emitScalp(ctx context.Context, sym core.Symbol, side core.Side, price, qty decimal.Decimal) {
	offset := decimal.NewFromInt(1)
	bps := s.cfg.SlipOffsetBps.Div(decimal.NewFromInt(10000))
	if side == core.SideBuy {
		offset = offset.Sub(bps)
	} else {
		offset = offset.Add(bps)
	}
	s.emit(ctx, core.Signal{
		Symbol: sym,
		Side:   side,
		Qty:    qty,
		Price:  price.Mul(offset),
		Type:   core.OrderTypeLimit,
		TIF:    core.TIFIOC,
	})
}

func (s *Scalper) sizePosition(price decimal.Decimal, pos core.Position) decimal.Decimal {
	if price.IsZero() || s.cfg.StopDistance.IsZero() {
		return decimal.Zero
	}
	equity := s.positions.Equity()
	denom := price.Mul(s.cfg.StopDistance)
	if denom.IsZero() {
		return decimal.Zero
	}
	size := equity.Mul(s.cfg.RiskFraction).Div(denom)
	cap := equity.Mul(decimal.NewFromFloat(0.10)).Div(price)
	if size.GreaterThan(cap) {
		size = cap
	}
	return size
}

func (s *Scalper) OnOrderBook(ctx context.Context, ob *core.OrderBook) {
	if !s.Enabled() || ob == nil {
		return
	}
	bidQ := make([]decimal.Decimal, 0, 5)
	askQ := make([]decimal.Decimal, 0, 5)
	for i := 0; i < 5 && i < len(ob.Bids); i++ {
		bidQ = append(bidQ, ob.Bids[i].Qty)
	}
	for i := 0; i < 5 && i < len(ob.Asks); i++ {
		askQ = append(askQ, ob.Asks[i].Qty)
	}
	obi := OrderbookImbalance(bidQ, askQ, 5)
	st := s.symbolState(ob.Symbol)
	st.mu.Lock()
	st.lastOBI = obi
	st.haveOBI = true
	st.mu.Unlock()

	s.evaluate(ctx, ob.Symbol)
}

func (s *Scalper) OnKline(ctx context.Context, k core.Kline) {}

func (s *Scalper) OnFill(ctx context.Context, f core.Fill) {}

// OnTimer checks every open position for stop-loss / take-profit against
// the stop distance and closes at market when breached.
func (s *Scalper) OnTimer(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	for _, sym := range s.symbols {
		pos := s.positions.Position(sym)
		if pos.Flat() || pos.MarkPrice.IsZero() {
			continue
		}
		pnlFrac := unrealizedPnlFraction(pos)
		stop := s.cfg.StopDistance
		switch {
		case pnlFrac.LessThanOrEqual(stop.Neg()):
			s.closeAtMarket(ctx, pos)
		case pnlFrac.GreaterThanOrEqual(stop.Mul(decimal.NewFromInt(2))):
			s.closeAtMarket(ctx, pos)
		}
	}
}

func unrealizedPnlFraction(pos core.Position) decimal.Decimal {
	if pos.AvgEntryPrice.IsZero() {
		return decimal.Zero
	}
	diff := pos.MarkPrice.Sub(pos.AvgEntryPrice).Div(pos.AvgEntryPrice)
	if pos.Size.IsNegative() {
		diff = diff.Neg()
	}
	return diff
}

func (s *Scalper) closeAtMarket(ctx context.Context, pos core.Position) {
	side := core.SideSell
	if pos.Size.IsNegative() {
		side = core.SideBuy
	}
	s.emit(ctx, core.Signal{
		Symbol: pos.Symbol,
		Side:   side,
		Qty:    pos.Size.Abs(),
		Type:   core.OrderTypeMarket,
		TIF:    core.TIFIOC,
	})
}

func (s *Scalper) Stats() Stats { return s.stats() }
