// Package accounting is the sole authoritative writer of Position state
// in live trading. Its closed-form position math (ApplyFill) is shared
// with RiskManager's shadow position book so both converge on the same
// arithmetic from the same Fill stream.
package accounting

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/core"
)

// TradeStore is the abstract persistence contract Accounting depends on.
// Concrete implementations (a database, a file, a no-op) are pluggable
// and out of scope here; the contract is that writes are durable by the
// time the call returns.
type TradeStore interface {
	RecordFill(f core.Fill) error
	UpsertPosition(p core.Position) error
	UpsertDailyPnl(date, symbol string, delta decimal.Decimal) error
	LoadRecentFills(limit int) ([]core.Fill, error)
	LoadPositions() ([]core.Position, error)
}

// ApplyFill mutates pos in place per the position math for a Fill:
// same-sign fills extend the position with a size-weighted average
// entry price; opposite-sign fills reduce (realizing P&L on the closed
// segment) or, if the fill overshoots the existing size, reverse it
// (opening a fresh position at the fill price for the residual). It
// returns the realized P&L recognized by this fill (zero unless a
// reduction or reversal occurred).
func ApplyFill(pos *core.Position, f core.Fill) decimal.Decimal {
	delta := f.Qty
	if f.Side == core.SideSell {
		delta = delta.Neg()
	}

	if pos.Size.IsZero() || sameSign(pos.Size, delta) {
		newSize := pos.Size.Add(delta)
		if !newSize.IsZero() {
			pos.AvgEntryPrice = pos.AvgEntryPrice.Mul(pos.Size).Add(f.Price.Mul(delta)).Div(newSize)
		}
		pos.Size = newSize
		pos.RecomputeSide()
		pos.UpdatedAt = f.Timestamp
		return decimal.Zero
	}

	// Opposite sign: reduction, possibly a reversal.
	reduceAmt := decimalMin(pos.Size.Abs(), delta.Abs())
	sign := decimal.NewFromInt(1)
	if pos.Size.IsNegative() {
		sign = decimal.NewFromInt(-1)
	}
	realized := f.Price.Sub(pos.AvgEntryPrice).Mul(reduceAmt).Mul(sign).Sub(f.Fee)
	pos.RealizedPnl = pos.RealizedPnl.Add(realized)

	remaining := pos.Size.Abs().Sub(reduceAmt)
	if remaining.IsPositive() {
		// Position shrinks; entry price preserved.
		if pos.Size.IsNegative() {
			pos.Size = remaining.Neg()
		} else {
			pos.Size = remaining
		}
	} else if delta.Abs().GreaterThan(pos.Size.Abs()) {
		// Reversal: open a fresh position in the new direction for the
		// unconsumed residual of the fill, at the fill price.
		residual := delta.Abs().Sub(pos.Size.Abs())
		newSize := residual
		if delta.IsNegative() {
			newSize = residual.Neg()
		}
		pos.Size = newSize
		pos.AvgEntryPrice = f.Price
	} else {
		// Exact close.
		pos.Size = decimal.Zero
		pos.AvgEntryPrice = decimal.Zero
	}
	pos.RecomputeSide()
	pos.UpdatedAt = f.Timestamp
	return realized
}

// RefreshMark updates a position's mark price and recomputed unrealized
// P&L from it.
func RefreshMark(pos *core.Position, markPrice decimal.Decimal) {
	pos.MarkPrice = markPrice
	if pos.Size.IsZero() || pos.AvgEntryPrice.IsZero() {
		pos.UnrealizedPnl = decimal.Zero
		return
	}
	pos.UnrealizedPnl = markPrice.Sub(pos.AvgEntryPrice).Mul(pos.Size)
}

func sameSign(a, b decimal.Decimal) bool {
	return (a.IsPositive() && b.IsPositive()) || (a.IsNegative() && b.IsNegative())
}

func decimalMin(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Manager is the live authoritative position/P&L book. All writes are
// sequenced through the single mutex below; readers receive copies.
type Manager struct {
	mu         sync.RWMutex
	positions  map[core.Symbol]*core.Position
	dailyPnl   map[string]decimal.Decimal // keyed by "date|symbol"
	totalPnl   decimal.Decimal
	totalFees  map[string]decimal.Decimal // keyed by fee asset
	store      TradeStore
	sessionKey func(time.Time) string
}

// New builds an accounting Manager. store may be nil, in which case
// writes are kept only in memory.
func New(store TradeStore) *Manager {
	return &Manager{
		positions:  make(map[core.Symbol]*core.Position),
		dailyPnl:   make(map[string]decimal.Decimal),
		totalFees:  make(map[string]decimal.Decimal),
		store:      store,
		sessionKey: func(t time.Time) string { return t.UTC().Format("2006-01-02") },
	}
}

// RecordFill applies a Fill to the owned position, rolls the realized
// P&L into the daily bucket, and persists both.
func (m *Manager) RecordFill(f core.Fill) error {
	_, err := m.RecordFillWithPnl(f)
	return err
}

// RecordFillWithPnl does exactly what RecordFill does, additionally
// returning the realized P&L this fill recognized (zero unless it closed
// or reversed an existing position). The backtester uses this to
// classify closed segments as wins or losses by sign, per the §9 Open
// Question resolution, rather than by order side.
func (m *Manager) RecordFillWithPnl(f core.Fill) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := m.positions[f.Symbol]
	if pos == nil {
		pos = &core.Position{Symbol: f.Symbol, Side: core.PositionFlat, Leverage: decimal.NewFromInt(1)}
		m.positions[f.Symbol] = pos
	}
	realized := ApplyFill(pos, f)
	m.totalPnl = m.totalPnl.Add(realized)
	m.totalFees[f.FeeAsset] = m.totalFees[f.FeeAsset].Add(f.Fee)

	dateKey := m.sessionKey(f.Timestamp)
	key := dateKey + "|" + string(f.Symbol)
	m.dailyPnl[key] = m.dailyPnl[key].Add(realized)

	if m.store != nil {
		if err := m.store.RecordFill(f); err != nil {
			return realized, err
		}
		if err := m.store.UpsertPosition(*pos); err != nil {
			return realized, err
		}
		if err := m.store.UpsertDailyPnl(dateKey, string(f.Symbol), realized); err != nil {
			return realized, err
		}
	}
	return realized, nil
}

// UpdateMark refreshes a position's mark price / unrealized P&L from a
// MarketData tick.
func (m *Manager) UpdateMark(sym core.Symbol, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := m.positions[sym]
	if pos == nil {
		return
	}
	RefreshMark(pos, price)
}

// Position returns a copy of the current position for a symbol.
func (m *Manager) Position(sym core.Symbol) core.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if pos := m.positions[sym]; pos != nil {
		return *pos
	}
	return core.Position{Symbol: sym, Side: core.PositionFlat}
}

// Positions returns a copy of every tracked position.
func (m *Manager) Positions() []core.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// DailyPnl returns the realized P&L rollup for a session date/symbol.
func (m *Manager) DailyPnl(date string, sym core.Symbol) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dailyPnl[date+"|"+string(sym)]
}

// TotalPnl returns the running total realized P&L across all symbols.
func (m *Manager) TotalPnl() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalPnl
}

// Equity returns initialCapital + totalPnl; strategies use this through
// the PositionView interface for position sizing.
func (m *Manager) Equity(initialCapital decimal.Decimal) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return initialCapital.Add(m.totalPnl)
}
