// Package engine owns every component instance, wires the event paths
// between them, and runs the ordered six-step shutdown protocol.
//
// Grounded in internal/bootstrap/app.go's signal.NotifyContext +
// golang.org/x/sync/errgroup lifecycle, generalized from that file's flat
// run/stop into the spec's ordered shutdown with per-step deadlines.
package engine

import (
	"context"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tradecore/internal/accounting"
	"tradecore/internal/config"
	"tradecore/internal/core"
	"tradecore/internal/exchange"
	"tradecore/internal/ingest"
	"tradecore/internal/logging"
	"tradecore/internal/order"
	"tradecore/internal/ratelimit"
	"tradecore/internal/risk"
	"tradecore/internal/stream"
	"tradecore/internal/strategy"
)

// equityView adapts accounting.Manager onto strategy.PositionView,
// pairing its initialCapital-parameterized Equity with the fixed capital
// a running engine was started with.
type equityView struct {
	acc            *accounting.Manager
	initialCapital decimal.Decimal
}

func (e *equityView) Position(sym core.Symbol) core.Position { return e.acc.Position(sym) }
func (e *equityView) Equity() decimal.Decimal                { return e.acc.Equity(e.initialCapital) }

// Engine wires and runs every live-trading component.
type Engine struct {
	cfg    *config.Config
	logger logging.Logger

	rl       *ratelimit.RateLimiter
	exch     exchange.Client
	streamer *stream.Client
	ingester *ingest.Ingester
	orders   *order.Manager
	acct     *accounting.Manager
	risk     *risk.Manager

	strategies []strategy.Strategy

	signals    chan core.Signal
	riskEvents chan core.RiskEvent

	mu       sync.Mutex
	accept   bool
	cancel   context.CancelFunc
	shutdown sync.Once
}

// New builds an Engine from configuration. store may be nil for an
// in-memory-only accounting book (paper mode).
func New(cfg *config.Config, store accounting.TradeStore, logger logging.Logger) *Engine {
	rl := ratelimit.New(core.RateQuota{RequestsPerSecond: 50, RequestsPerMinute: 1200, WeightPerSecond: 50, WeightPerMinute: 6000})
	exch := exchange.NewBinanceClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.BaseURL, rl, logger)
	riskEvents := make(chan core.RiskEvent, 256)
	signals := make(chan core.Signal, 256)
	acct := accounting.New(store)

	e := &Engine{
		cfg:        cfg,
		logger:     logger.WithField("component", "engine"),
		rl:         rl,
		exch:       exch,
		ingester:   ingest.New(exch, ingest.Config{}, logger),
		acct:       acct,
		signals:    signals,
		riskEvents: riskEvents,
	}
	e.orders = order.New(exch, e.onFill, logger)
	e.risk = risk.New(riskConfigFrom(cfg), logger, riskEvents)

	view := &equityView{acc: acct, initialCapital: decimal.NewFromFloat(cfg.Backtest.InitialCapital)}
	e.strategies = buildStrategies(cfg, view, logger, signals)

	e.streamer = stream.New(cfg.Exchange.WSBaseURL, stream.Handlers{
		OnMarketData: e.onMarketData,
		OnOrderBook:  e.onOrderBookRaw,
		OnKline:      e.onKline,
		OnError:      e.onRiskEvent,
	}, logger)

	return e
}

// RiskConfigFrom translates the configuration's trading/risk sections
// into a risk.Config. Exported so cmd/tradecore's backtest harness gates
// through the identical risk contract live trading uses, per the
// purpose statement that strategy and risk code is portable between
// modes.
func RiskConfigFrom(cfg *config.Config) risk.Config {
	return riskConfigFrom(cfg)
}

func riskConfigFrom(cfg *config.Config) risk.Config {
	ratios := make(map[core.Symbol]decimal.Decimal, len(cfg.Risk.PositionLimits))
	for sym, ratio := range cfg.Risk.PositionLimits {
		ratios[core.Symbol(sym)] = decimal.NewFromFloat(ratio)
	}
	return risk.Config{
		MaxPositionSize:      decimal.NewFromFloat(cfg.Trading.MaxPositionSize),
		PositionRatios:       ratios,
		MaxDailyDrawdown:     decimal.NewFromFloat(cfg.Trading.MaxDailyDrawdown),
		MaxConsecutiveLosses: cfg.Trading.MaxConsecutiveLosses,
		MaxLeverage:          decimal.NewFromFloat(cfg.Risk.MaxLeverage),
		ConfiguredLeverage:   decimal.NewFromFloat(cfg.Risk.MaxLeverage),
	}
}

func buildStrategies(cfg *config.Config, view strategy.PositionView, logger logging.Logger, signals chan<- core.Signal) []strategy.Strategy {
	symbols := make([]core.Symbol, 0, len(cfg.Trading.Symbols))
	for _, s := range cfg.Trading.Symbols {
		symbols = append(symbols, core.Symbol(s))
	}

	var out []strategy.Strategy
	sc := cfg.Strategies.Scalper
	out = append(out, strategy.NewScalper(strategy.ScalperConfig{
		OBIThreshold:  sc.OBIThreshold,
		EMAShortN:     sc.EMAShort,
		EMALongN:      sc.EMALong,
		SlipOffsetBps: decimal.NewFromFloat(sc.SlipOffsetBps),
		RiskFraction:  decimal.NewFromFloat(sc.RiskFraction),
		StopDistance:  decimal.NewFromFloat(sc.StopDistance),
	}, symbols, view, logger, signals))

	mc := cfg.Strategies.MarketMaker
	out = append(out, strategy.NewMarketMaker(strategy.MarketMakerConfig{
		InventoryBias: decimal.NewFromFloat(mc.InventoryBias),
		MaxInventory:  decimal.NewFromFloat(mc.MaxInventory),
		BasePct:       decimal.NewFromFloat(mc.BasePct),
		OrderSize:     decimal.NewFromFloat(mc.OrderSize),
		VolWindow:     mc.VolWindow,
	}, symbols, view, logger, signals))

	pc := cfg.Strategies.PairsArbitrage
	if pc.PairA != "" && pc.PairB != "" {
		out = append(out, strategy.NewPairsArbitrage(strategy.PairsArbitrageConfig{
			SymbolA:          core.Symbol(pc.PairA),
			SymbolB:          core.Symbol(pc.PairB),
			WindowSize:       pc.WindowSize,
			ThetaEnter:       pc.ThetaEnter,
			BaseSize:         decimal.NewFromFloat(pc.BaseSize),
			KellyFraction:    decimal.NewFromFloat(pc.KellyFraction),
			MaxPositionRatio: decimal.NewFromFloat(pc.MaxPositionRatio),
		}, view, logger, signals))
	}
	return out
}

// SingleStrategyFactory builds the named strategy variant's constructor
// closure from cfg's parameter tables, for callers — cmd/tradecore's
// backtest harness — that replay exactly one strategy instance against
// historical data rather than the Engine's full live roster. Its return
// type is structurally a backtest.StrategyFactory; callers assign it
// directly without this package importing internal/backtest.
func SingleStrategyFactory(name string, cfg *config.Config, logger logging.Logger) (func(signals chan<- core.Signal, view strategy.PositionView) strategy.Strategy, error) {
	symbols := make([]core.Symbol, 0, len(cfg.Trading.Symbols))
	for _, s := range cfg.Trading.Symbols {
		symbols = append(symbols, core.Symbol(s))
	}

	switch name {
	case "scalper":
		sc := cfg.Strategies.Scalper
		return func(signals chan<- core.Signal, view strategy.PositionView) strategy.Strategy {
			return strategy.NewScalper(strategy.ScalperConfig{
				OBIThreshold:  sc.OBIThreshold,
				EMAShortN:     sc.EMAShort,
				EMALongN:      sc.EMALong,
				SlipOffsetBps: decimal.NewFromFloat(sc.SlipOffsetBps),
				RiskFraction:  decimal.NewFromFloat(sc.RiskFraction),
				StopDistance:  decimal.NewFromFloat(sc.StopDistance),
			}, symbols, view, logger, signals)
		}, nil
	case "marketmaker":
		mc := cfg.Strategies.MarketMaker
		return func(signals chan<- core.Signal, view strategy.PositionView) strategy.Strategy {
			return strategy.NewMarketMaker(strategy.MarketMakerConfig{
				InventoryBias: decimal.NewFromFloat(mc.InventoryBias),
				MaxInventory:  decimal.NewFromFloat(mc.MaxInventory),
				BasePct:       decimal.NewFromFloat(mc.BasePct),
				OrderSize:     decimal.NewFromFloat(mc.OrderSize),
				VolWindow:     mc.VolWindow,
			}, symbols, view, logger, signals)
		}, nil
	case "pairsarbitrage":
		pc := cfg.Strategies.PairsArbitrage
		if pc.PairA == "" || pc.PairB == "" {
			return nil, core.NewError(core.KindValidationFailed, "pairsArbitrage requires pairA and pairB configured", nil)
		}
		return func(signals chan<- core.Signal, view strategy.PositionView) strategy.Strategy {
			return strategy.NewPairsArbitrage(strategy.PairsArbitrageConfig{
				SymbolA:          core.Symbol(pc.PairA),
				SymbolB:          core.Symbol(pc.PairB),
				WindowSize:       pc.WindowSize,
				ThetaEnter:       pc.ThetaEnter,
				BaseSize:         decimal.NewFromFloat(pc.BaseSize),
				KellyFraction:    decimal.NewFromFloat(pc.KellyFraction),
				MaxPositionRatio: decimal.NewFromFloat(pc.MaxPositionRatio),
			}, view, logger, signals)
		}, nil
	default:
		return nil, core.NewError(core.KindValidationFailed, "unknown strategy name: "+name, nil)
	}
}

// Initialize prepares every strategy and primes the rate limiter from the
// exchange's published quota.
func (e *Engine) Initialize(ctx context.Context) error {
	if info, err := e.exch.GetExchangeInfo(ctx); err == nil {
		e.rl.UpdateQuota(info.Quota)
	} else {
		e.logger.Warn("exchange info fetch failed, keeping default rate quota", "error", err)
	}
	for _, s := range e.strategies {
		if err := s.Initialize(ctx); err != nil {
			return core.NewError(core.KindFatal, "strategy initialize failed", err)
		}
		s.Enable()
	}
	e.mu.Lock()
	e.accept = true
	e.mu.Unlock()
	return nil
}

// Run starts the stream client, the strategy timer loop, and the signal
// pipeline, blocking until ctx is canceled or an OS interrupt arrives.
func (e *Engine) Run(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { e.streamer.Run(gctx); return nil })
	g.Go(func() error { return e.signalLoop(gctx) })
	g.Go(func() error { return e.timerLoop(gctx) })

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	e.Shutdown(shutdownCtx)

	_ = g.Wait()
	return nil
}

func (e *Engine) timerLoop(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, s := range e.strategies {
				s.OnTimer(ctx)
			}
		}
	}
}

func (e *Engine) signalLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-e.signals:
			if !ok {
				return nil
			}
			e.handleSignal(ctx, sig)
		}
	}
}

func (e *Engine) handleSignal(ctx context.Context, sig core.Signal) {
	e.mu.Lock()
	accepting := e.accept
	e.mu.Unlock()
	if !accepting {
		return
	}

	ok, reason := e.risk.CheckSignal(sig)
	if !ok {
		e.logger.Warn("signal rejected by risk gate", "symbol", sig.Symbol, "reason", reason)
		return
	}

	if sig.Metadata["replace"] == "true" {
		e.cancelRestingQuotes(ctx, sig)
	}

	if _, err := e.orders.SubmitSignal(ctx, sig); err != nil {
		e.logger.Error("order submission failed", "symbol", sig.Symbol, "error", err)
	}
}

// cancelRestingQuotes cancels this strategy's prior resting order(s) on
// the same symbol/side before a requote is placed, so MarketMaker never
// leaves two live quotes on one side.
func (e *Engine) cancelRestingQuotes(ctx context.Context, sig core.Signal) {
	for _, ord := range e.orders.OpenOrders() {
		if ord.Symbol == sig.Symbol && ord.Side == sig.Side && strings.HasPrefix(ord.ClientID, sig.StrategyName+"_") {
			_ = e.orders.Cancel(ctx, ord.ClientID)
		}
	}
}

func (e *Engine) onFill(f core.Fill) {
	if err := e.acct.RecordFill(f); err != nil {
		e.logger.Error("accounting record fill failed", "symbol", f.Symbol, "error", err)
	}
	e.risk.OnFill(f)
	for _, s := range e.strategies {
		s.OnFill(context.Background(), f)
	}
}

func (e *Engine) onMarketData(md core.MarketData) {
	e.ingester.OnMarketData(md)
	e.acct.UpdateMark(md.Symbol, md.Price)
	e.risk.OnMarketData(md)
	for _, s := range e.strategies {
		s.OnMarketData(context.Background(), md)
	}
}

func (e *Engine) onOrderBookRaw(ob core.OrderBook) {
	e.ingester.OnOrderBook(context.Background(), ob)
}

func (e *Engine) onKline(k core.Kline) {
	e.ingester.OnKline(k)
	for _, s := range e.strategies {
		s.OnKline(context.Background(), k)
	}
}

func (e *Engine) onRiskEvent(ev core.RiskEvent) {
	select {
	case e.riskEvents <- ev:
	default:
		e.logger.Warn("risk event channel full, dropping", "kind", ev.Kind)
	}
}

// RiskEvents exposes the advisory/breach event stream for external
// consumers (alerting, CLI status output).
func (e *Engine) RiskEvents() <-chan core.RiskEvent { return e.riskEvents }

// Shutdown runs the ordered six-step protocol exactly once. Each step is
// bounded; a step timeout logs a warning and moves on rather than
// blocking the remaining steps.
func (e *Engine) Shutdown(ctx context.Context) {
	e.shutdown.Do(func() {
		e.logger.Info("shutdown: step 1/6 disabling strategies")
		e.mu.Lock()
		e.accept = false
		e.mu.Unlock()
		for _, s := range e.strategies {
			s.Disable()
		}

		e.logger.Info("shutdown: step 2/6 canceling all open orders")
		cancelCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		result := e.orders.CancelAll(cancelCtx, nil)
		cancel()
		if len(result.Failed) > 0 {
			e.logger.Warn("shutdown: some cancels failed", "failed", len(result.Failed), "succeeded", result.Succeeded)
		}

		e.logger.Info("shutdown: step 3/6 waiting for pending reconciliations")
		e.waitForReconciliation(ctx, 5*time.Second)

		e.logger.Info("shutdown: step 4/6 stopping stream client")
		stopDone := make(chan struct{})
		go func() { e.streamer.Stop(); close(stopDone) }()
		select {
		case <-stopDone:
		case <-time.After(5 * time.Second):
			e.logger.Warn("shutdown: stream client stop timed out")
		}

		e.logger.Info("shutdown: step 5/6 flushing accounting writes")
		// accounting.Manager persists each fill synchronously in RecordFill,
		// so there is no buffered accounting write to flush; this step
		// drains and stops the order manager's cancel worker pool.
		e.orders.Stop()

		e.logger.Info("shutdown: step 6/6 closing exchange client")
		e.exch.Close()

		if e.cancel != nil {
			e.cancel()
		}
	})
}

func (e *Engine) waitForReconciliation(ctx context.Context, deadline time.Duration) {
	reconcileCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	for _, ord := range e.orders.OpenOrders() {
		if err := e.orders.Reconcile(reconcileCtx, ord.ClientID); err != nil {
			e.logger.Warn("reconciliation failed during shutdown", "clientId", ord.ClientID, "error", err)
		}
	}
}
