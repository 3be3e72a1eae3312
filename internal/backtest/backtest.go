// Package backtest is the deterministic, seed-driven event-time replay
// harness (C10): it drives the same Strategy and RiskManager contracts
// used in live trading against historical klines, synthesizing the fill
// stream a live ExchangeClient would otherwise produce.
//
// The teacher's own internal/trading/backtest/{runner,exchange}.go is a
// two-file, price-only stub with no latency/slippage/fee model and no
// Monte Carlo mode; this package supplements it fully per the replay
// algorithm, built on the accounting and risk packages already shared
// with live trading rather than reimplementing their math.
package backtest

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/accounting"
	"tradecore/internal/core"
	"tradecore/internal/logging"
	"tradecore/internal/risk"
	"tradecore/internal/strategy"
)

// Config parameterizes a single deterministic replay. Same Config +
// StrategyFactory + Seed always produces an identical Result.
type Config struct {
	Symbols        []core.Symbol
	Klines         map[core.Symbol][]core.Kline
	InitialCapital decimal.Decimal
	CommissionBps  decimal.Decimal
	SlippageBps    decimal.Decimal
	LatencyMeanMs  float64
	LatencyStdMs   float64
	Seed           int64
	Risk           risk.Config
}

// StrategyFactory builds a fresh strategy instance wired to signals/view.
// Monte Carlo mode calls this once per run so each replay starts from
// clean indicator state.
type StrategyFactory func(signals chan<- core.Signal, view strategy.PositionView) strategy.Strategy

// Result is the outcome of one replay.
type Result struct {
	InitialCapital decimal.Decimal
	FinalCapital   decimal.Decimal
	TotalReturn    decimal.Decimal
	MaxDrawdown    decimal.Decimal
	Sharpe         float64
	WinRate        float64
	TotalTrades    int
	WinningTrades  int
	LosingTrades   int
	ProfitFactor   float64
	Fills          []core.Fill
	DailyReturns   []float64
}

// equityView adapts accounting.Manager onto strategy.PositionView, the
// same shape internal/engine uses for live trading.
type equityView struct {
	acct           *accounting.Manager
	initialCapital decimal.Decimal
}

func (v *equityView) Position(sym core.Symbol) core.Position { return v.acct.Position(sym) }
func (v *equityView) Equity() decimal.Decimal                { return v.acct.Equity(v.initialCapital) }

type klineEvent struct {
	symbol core.Symbol
	k      core.Kline
}

// mergeKlines merges every symbol's kline series into a single
// time-ordered stream by OpenTime, breaking ties by symbol name so the
// merge order — and therefore the whole replay — is deterministic.
func mergeKlines(symbols []core.Symbol, klines map[core.Symbol][]core.Kline) []klineEvent {
	var events []klineEvent
	for _, sym := range symbols {
		for _, k := range klines[sym] {
			events = append(events, klineEvent{symbol: sym, k: k})
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].k.OpenTime.Equal(events[j].k.OpenTime) {
			return events[i].k.OpenTime.Before(events[j].k.OpenTime)
		}
		return events[i].symbol < events[j].symbol
	})
	return events
}

type pendingOrder struct {
	sig        core.Signal
	clientID   string
	enqueuedAt time.Time
	executeAt  time.Time
}

// Run executes one deterministic replay of cfg against a strategy built
// by factory, gating every emitted Signal through the same RiskManager
// contract live trading uses.
func Run(ctx context.Context, cfg Config, factory StrategyFactory, logger logging.Logger) (*Result, error) {
	logger = logger.WithField("component", "backtest")

	signals := make(chan core.Signal, 1024)
	riskEvents := make(chan core.RiskEvent, 256)
	acct := accounting.New(nil)
	view := &equityView{acct: acct, initialCapital: cfg.InitialCapital}
	strat := factory(signals, view)

	if err := strat.Initialize(ctx); err != nil {
		return nil, core.NewError(core.KindFatal, "backtest strategy initialize failed", err)
	}
	strat.Enable()

	r := &runner{
		cfg:           cfg,
		logger:        logger,
		rng:           rand.New(rand.NewSource(cfg.Seed)),
		acct:          acct,
		risk:          risk.New(cfg.Risk, logger, riskEvents),
		strategy:      strat,
		signals:       signals,
		currentPrices: make(map[core.Symbol]decimal.Decimal),
	}
	return r.run(ctx, mergeKlines(cfg.Symbols, cfg.Klines))
}

// runner carries the mutable state of one replay in progress.
type runner struct {
	cfg      Config
	logger   logging.Logger
	rng      *rand.Rand
	acct     *accounting.Manager
	risk     *risk.Manager
	strategy strategy.Strategy
	signals  chan core.Signal

	currentPrices map[core.Symbol]decimal.Decimal
	pending       []*pendingOrder
	seq           int64

	peakEquity  decimal.Decimal
	maxDrawdown decimal.Decimal

	dayKey         string
	dayStartEquity decimal.Decimal
	dailyReturns   []float64

	fills                  []core.Fill
	winningTrades          int
	losingTrades           int
	grossProfit, grossLoss decimal.Decimal
}

func (r *runner) run(ctx context.Context, events []klineEvent) (*Result, error) {
	r.peakEquity = r.cfg.InitialCapital
	r.dayStartEquity = r.cfg.InitialCapital

	for _, ev := range events {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		r.advance(ctx, ev)
	}
	r.closeSession()
	return r.finalize(), nil
}

func (r *runner) advance(ctx context.Context, ev klineEvent) {
	now := ev.k.CloseTime
	r.currentPrices[ev.symbol] = ev.k.Close
	r.rollSession(now)

	r.strategy.OnKline(ctx, ev.k)
	md := core.MarketData{Symbol: ev.symbol, Timestamp: now, Price: ev.k.Close, Volume: ev.k.Volume}
	r.strategy.OnMarketData(ctx, md)
	r.acct.UpdateMark(ev.symbol, ev.k.Close)
	r.risk.OnMarketData(md)

	r.drainSignals(now)
	r.processPending(now)
	r.markEquity()
}

// rollSession records the prior session's return and resets the
// start-of-day equity watermark whenever the UTC date advances.
func (r *runner) rollSession(now time.Time) {
	key := now.UTC().Format("2006-01-02")
	if r.dayKey == "" {
		r.dayKey = key
		return
	}
	if key == r.dayKey {
		return
	}
	r.recordDailyReturn()
	r.dayKey = key
	r.dayStartEquity = r.acct.Equity(r.cfg.InitialCapital)
}

func (r *runner) closeSession() {
	if r.dayKey != "" {
		r.recordDailyReturn()
	}
}

func (r *runner) recordDailyReturn() {
	equity := r.acct.Equity(r.cfg.InitialCapital)
	if r.dayStartEquity.IsZero() {
		return
	}
	ret, _ := equity.Sub(r.dayStartEquity).Div(r.dayStartEquity).Float64()
	r.dailyReturns = append(r.dailyReturns, ret)
}

func (r *runner) drainSignals(now time.Time) {
	for {
		select {
		case sig := <-r.signals:
			r.enqueueSignal(sig, now)
		default:
			return
		}
	}
}

// enqueueSignal applies the same local preconditions OrderManager would
// (ValidationFailure never reaches the exchange), then gates through
// RiskManager before admitting the order to the pending book with a
// sampled execution latency.
func (r *runner) enqueueSignal(sig core.Signal, now time.Time) {
	if !sig.Qty.IsPositive() {
		return
	}
	if sig.Type == core.OrderTypeLimit && !sig.Price.IsPositive() {
		r.logger.Warn("validation failure: limit signal missing price", "symbol", sig.Symbol)
		return
	}

	ok, reason := r.risk.CheckSignal(sig)
	if !ok {
		r.logger.Debug("signal rejected by risk gate", "symbol", sig.Symbol, "reason", reason)
		return
	}

	r.seq++
	r.pending = append(r.pending, &pendingOrder{
		sig:        sig,
		clientID:   fmt.Sprintf("%s_%d", sig.StrategyName, r.seq),
		enqueuedAt: now,
		executeAt:  now.Add(r.sampleLatency()),
	})
}

// sampleLatency draws l ~ max(0, Normal(mean, std)) from the runner's
// seeded generator so two runs of the same seed sample identical
// latencies in identical order.
func (r *runner) sampleLatency() time.Duration {
	ms := r.cfg.LatencyMeanMs + r.rng.NormFloat64()*r.cfg.LatencyStdMs
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// processPending executes every order whose sampled latency has elapsed
// against the current bar's price. IOC orders that can't fill this bar
// are canceled; GTC orders remain pending for a future bar.
func (r *runner) processPending(now time.Time) {
	remaining := r.pending[:0]
	for _, p := range r.pending {
		if p.executeAt.After(now) {
			remaining = append(remaining, p)
			continue
		}
		price, ok := r.currentPrices[p.sig.Symbol]
		if !ok {
			remaining = append(remaining, p)
			continue
		}
		if filled, execPrice := r.tryFill(p.sig, price); filled {
			r.recordFill(p, execPrice, now)
			continue
		}
		if p.sig.TIF == core.TIFGTC {
			remaining = append(remaining, p)
		}
		// IOC/FOK: unfilled residual is canceled, not retried.
	}
	r.pending = remaining
}

func (r *runner) tryFill(sig core.Signal, currentPrice decimal.Decimal) (bool, decimal.Decimal) {
	bps := r.cfg.SlippageBps.Div(decimal.NewFromInt(10000))
	switch sig.Type {
	case core.OrderTypeMarket:
		if sig.Side == core.SideBuy {
			return true, currentPrice.Mul(decimal.NewFromInt(1).Add(bps))
		}
		return true, currentPrice.Mul(decimal.NewFromInt(1).Sub(bps))
	case core.OrderTypeLimit, core.OrderTypeStopLimit:
		if sig.Side == core.SideBuy && currentPrice.LessThanOrEqual(sig.Price) {
			return true, sig.Price
		}
		if sig.Side == core.SideSell && currentPrice.GreaterThanOrEqual(sig.Price) {
			return true, sig.Price
		}
		return false, decimal.Decimal{}
	default:
		return false, decimal.Decimal{}
	}
}

func (r *runner) recordFill(p *pendingOrder, execPrice decimal.Decimal, now time.Time) {
	notional := execPrice.Mul(p.sig.Qty)
	fee := notional.Mul(r.cfg.CommissionBps.Div(decimal.NewFromInt(10000)))

	r.seq++
	f := core.Fill{
		Symbol:    p.sig.Symbol,
		OrderID:   r.seq,
		ClientID:  p.clientID,
		TradeID:   r.seq,
		Side:      p.sig.Side,
		Qty:       p.sig.Qty,
		Price:     execPrice,
		Fee:       fee,
		FeeAsset:  "USDT",
		Timestamp: now,
		IsMaker:   p.sig.Type != core.OrderTypeMarket,
	}

	realized, err := r.acct.RecordFillWithPnl(f)
	if err != nil {
		r.logger.Warn("backtest accounting record fill failed", "error", err)
	}
	r.risk.OnFill(f)
	r.strategy.OnFill(context.Background(), f)
	r.fills = append(r.fills, f)

	// Win/loss classification follows the closed-segment realized P&L
	// sign (the §9 Open Question resolution), never order side.
	if !realized.IsZero() {
		if realized.IsPositive() {
			r.winningTrades++
			r.grossProfit = r.grossProfit.Add(realized)
		} else {
			r.losingTrades++
			r.grossLoss = r.grossLoss.Add(realized.Abs())
		}
	}
}

func (r *runner) markEquity() {
	equity := r.acct.Equity(r.cfg.InitialCapital)
	if equity.GreaterThan(r.peakEquity) {
		r.peakEquity = equity
	}
	if r.peakEquity.IsPositive() {
		dd := r.peakEquity.Sub(equity).Div(r.peakEquity)
		if dd.GreaterThan(r.maxDrawdown) {
			r.maxDrawdown = dd
		}
	}
}

func (r *runner) finalize() *Result {
	finalCapital := r.acct.Equity(r.cfg.InitialCapital)
	var totalReturn decimal.Decimal
	if r.cfg.InitialCapital.IsPositive() {
		totalReturn = finalCapital.Sub(r.cfg.InitialCapital).Div(r.cfg.InitialCapital)
	}

	totalTrades := r.winningTrades + r.losingTrades
	var winRate float64
	if totalTrades > 0 {
		winRate = float64(r.winningTrades) / float64(totalTrades)
	}

	profitFactor := math.Inf(1)
	if !r.grossLoss.IsZero() {
		pf, _ := r.grossProfit.Div(r.grossLoss).Float64()
		profitFactor = pf
	} else if r.grossProfit.IsZero() {
		profitFactor = 0
	}

	return &Result{
		InitialCapital: r.cfg.InitialCapital,
		FinalCapital:   finalCapital,
		TotalReturn:    totalReturn,
		MaxDrawdown:    r.maxDrawdown,
		Sharpe:         sharpe(r.dailyReturns),
		WinRate:        winRate,
		TotalTrades:    totalTrades,
		WinningTrades:  r.winningTrades,
		LosingTrades:   r.losingTrades,
		ProfitFactor:   profitFactor,
		Fills:          r.fills,
		DailyReturns:   r.dailyReturns,
	}
}

// sharpe computes mean(dailyReturn)/stdev(dailyReturn) with a risk-free
// rate of zero, per spec. Returns 0 when there's fewer than two days or
// the series has no variance.
func sharpe(daily []float64) float64 {
	n := len(daily)
	if n < 2 {
		return 0
	}
	var mean float64
	for _, v := range daily {
		mean += v
	}
	mean /= float64(n)

	var variance float64
	for _, v := range daily {
		d := v - mean
		variance += d * d
	}
	variance /= float64(n)
	stdev := math.Sqrt(variance)
	if stdev == 0 {
		return 0
	}
	return mean / stdev
}
