// Package risk implements the pre-trade risk gate: an ordered checklist
// invoked synchronously for every Signal, backed by a shadow position
// book updated the same way Accounting updates its authoritative one
// (see internal/accounting), and a kill-switch breach flag that only an
// explicit ResetBreach can clear.
//
// Grounded in the teacher's circuit-breaker trip/cooldown shape
// (consecutive-loss counter, drawdown trip) generalized to the five
// ordered checks this gate runs.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/accounting"
	"tradecore/internal/core"
	"tradecore/internal/logging"
)

// RejectReason names why CheckSignal failed.
type RejectReason string

const (
	ReasonNone              RejectReason = ""
	ReasonBreach            RejectReason = "BREACH"
	ReasonPositionLimit     RejectReason = "POSITION_LIMIT"
	ReasonDailyDrawdown     RejectReason = "DAILY_DRAWDOWN"
	ReasonConsecutiveLosses RejectReason = "CONSECUTIVE_LOSSES"
	ReasonLeverage          RejectReason = "LEVERAGE"
)

// Config parameterizes the gate.
type Config struct {
	MaxPositionSize      decimal.Decimal
	PositionRatios       map[core.Symbol]decimal.Decimal // per-symbol multiplier on MaxPositionSize
	MaxDailyDrawdown     decimal.Decimal                 // positive number; breached when dailyPnl < -MaxDailyDrawdown
	MaxConsecutiveLosses int
	MaxLeverage          decimal.Decimal
	ConfiguredLeverage   decimal.Decimal
	SessionBoundary      func(time.Time) string // maps a timestamp to its session-local date key; defaults to UTC date
}

func (c *Config) sessionKey(t time.Time) string {
	if c.SessionBoundary != nil {
		return c.SessionBoundary(t)
	}
	return t.UTC().Format("2006-01-02")
}

// Manager is the pre-trade risk gate.
type Manager struct {
	cfg    Config
	logger logging.Logger
	events chan<- core.RiskEvent

	mu                sync.Mutex
	shadowPositions   map[core.Symbol]*core.Position
	dailyPnl          map[string]decimal.Decimal // keyed by session date
	consecutiveLosses map[core.Symbol]int
	breach            bool
	breachReason      RejectReason
	lastRejectEmitted map[string]bool // de-dupes repeated RiskEvents for Risk idempotence
}

// New builds a risk Manager.
func New(cfg Config, logger logging.Logger, events chan<- core.RiskEvent) *Manager {
	return &Manager{
		cfg:               cfg,
		logger:            logger.WithField("component", "risk"),
		events:            events,
		shadowPositions:   make(map[core.Symbol]*core.Position),
		dailyPnl:          make(map[string]decimal.Decimal),
		consecutiveLosses: make(map[core.Symbol]int),
		lastRejectEmitted: make(map[string]bool),
	}
}

// CheckSignal runs the ordered checklist, short-circuiting on the first
// failing check. It is idempotent: calling it twice with an identical
// Signal produces the same verdict and emits at most one RiskEvent per
// distinct rejection.
func (m *Manager) CheckSignal(sig core.Signal) (bool, RejectReason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.breach {
		m.emitOnce("breach:"+string(sig.Symbol), core.RiskEvent{Kind: string(ReasonBreach), Symbol: sig.Symbol, Message: "breach flag set, signal rejected", Severity: core.SeverityWarning, Timestamp: time.Now()})
		return false, ReasonBreach
	}

	if ok, reason := m.checkPositionLimit(sig); !ok {
		return false, reason
	}

	if ok, reason := m.checkDailyDrawdown(); !ok {
		return false, reason
	}

	if ok, reason := m.checkConsecutiveLosses(sig.Symbol); !ok {
		return false, reason
	}

	if ok, reason := m.checkLeverage(); !ok {
		return false, reason
	}

	return true, ReasonNone
}

func (m *Manager) checkPositionLimit(sig core.Signal) (bool, RejectReason) {
	pos := m.shadowPositions[sig.Symbol]
	var current decimal.Decimal
	if pos != nil {
		current = pos.Size
	}
	delta := sig.Qty
	if sig.Side == core.SideSell {
		delta = delta.Neg()
	}
	projected := current.Add(delta).Abs()

	limit := m.cfg.MaxPositionSize
	if ratio, ok := m.cfg.PositionRatios[sig.Symbol]; ok {
		scaled := m.cfg.MaxPositionSize.Mul(ratio)
		if scaled.LessThan(limit) {
			limit = scaled
		}
	}
	if projected.GreaterThan(limit) {
		m.emitOnce("poslimit:"+string(sig.Symbol), core.RiskEvent{Kind: string(ReasonPositionLimit), Symbol: sig.Symbol, Message: "projected position exceeds limit", Severity: core.SeverityWarning, Timestamp: time.Now()})
		return false, ReasonPositionLimit
	}
	return true, ReasonNone
}

func (m *Manager) checkDailyDrawdown() (bool, RejectReason) {
	key := m.cfg.sessionKey(time.Now())
	pnl := m.dailyPnl[key]
	if pnl.LessThan(m.cfg.MaxDailyDrawdown.Neg()) {
		if !m.breach {
			m.breach = true
			m.breachReason = ReasonDailyDrawdown
			m.emitOnce("breach-trip", core.RiskEvent{Kind: string(ReasonDailyDrawdown), Message: "daily drawdown limit breached", Severity: core.SeverityCritical, Timestamp: time.Now()})
		}
		return false, ReasonDailyDrawdown
	}
	return true, ReasonNone
}

func (m *Manager) checkConsecutiveLosses(sym core.Symbol) (bool, RejectReason) {
	if m.consecutiveLosses[sym] >= m.cfg.MaxConsecutiveLosses {
		m.emitOnce("consecutive:"+string(sym), core.RiskEvent{Kind: string(ReasonConsecutiveLosses), Symbol: sym, Message: "consecutive loss limit reached", Severity: core.SeverityWarning, Timestamp: time.Now()})
		return false, ReasonConsecutiveLosses
	}
	return true, ReasonNone
}

func (m *Manager) checkLeverage() (bool, RejectReason) {
	if m.cfg.ConfiguredLeverage.GreaterThan(m.cfg.MaxLeverage) {
		m.emitOnce("leverage", core.RiskEvent{Kind: string(ReasonLeverage), Message: "configured leverage exceeds max", Severity: core.SeverityWarning, Timestamp: time.Now()})
		return false, ReasonLeverage
	}
	return true, ReasonNone
}

func (m *Manager) emitOnce(key string, ev core.RiskEvent) {
	if m.lastRejectEmitted[key] {
		return
	}
	m.lastRejectEmitted[key] = true
	if m.events == nil {
		return
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("risk event channel full, dropping", "kind", ev.Kind)
	}
}

// OnFill updates the shadow position exactly as Accounting does, and
// tracks the consecutive-loss counter from the closed-segment realized
// P&L sign.
func (m *Manager) OnFill(f core.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := m.shadowPositions[f.Symbol]
	if pos == nil {
		pos = &core.Position{Symbol: f.Symbol}
		m.shadowPositions[f.Symbol] = pos
	}
	realized := accounting.ApplyFill(pos, f)

	key := m.cfg.sessionKey(f.Timestamp)
	m.dailyPnl[key] = m.dailyPnl[key].Add(realized).Sub(f.Fee)

	if !realized.IsZero() {
		if realized.IsNegative() {
			m.consecutiveLosses[f.Symbol]++
		} else {
			m.consecutiveLosses[f.Symbol] = 0
		}
	}
}

// OnMarketData refreshes the shadow mark price and unrealized P&L.
func (m *Manager) OnMarketData(md core.MarketData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := m.shadowPositions[md.Symbol]
	if pos == nil {
		return
	}
	accounting.RefreshMark(pos, md.Price)
}

// ResetBreach clears the kill-switch together with the daily P&L rollup
// it was tripped on; only an explicit external call may do this.
func (m *Manager) ResetBreach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breach = false
	m.breachReason = ReasonNone
	for k := range m.lastRejectEmitted {
		delete(m.lastRejectEmitted, k)
	}
	for k := range m.dailyPnl {
		delete(m.dailyPnl, k)
	}
}

// Breached reports the current kill-switch state.
func (m *Manager) Breached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breach
}

// ShadowPosition returns a copy of the shadow position for a symbol.
func (m *Manager) ShadowPosition(sym core.Symbol) core.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos := m.shadowPositions[sym]; pos != nil {
		return *pos
	}
	return core.Position{Symbol: sym, Side: core.PositionFlat}
}
