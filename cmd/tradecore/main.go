package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shopspring/decimal"

	"tradecore/internal/accounting"
	"tradecore/internal/backtest"
	"tradecore/internal/config"
	"tradecore/internal/core"
	"tradecore/internal/engine"
	"tradecore/internal/exchange"
	"tradecore/internal/logging"
	"tradecore/internal/ratelimit"
	"tradecore/pkg/cli"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run holds the whole program body so tests (and main) both get a plain
// exit code back instead of a direct os.Exit call.
func run(args []string) int {
	fs := flag.NewFlagSet("tradecore", flag.ContinueOnError)
	mode := fs.String("mode", "", "Trading mode: paper, live, or backtest (overrides config)")
	configPath := fs.String("config", "configs/tradecore.yaml", "Path to configuration file")
	symbolsFlag := fs.String("symbols", "", "Comma-separated symbol override, e.g. BTCUSDT,ETHUSDT")
	strategyFlag := fs.String("strategy", "scalper", "Strategy to run in backtest mode: scalper, marketmaker, pairsarbitrage")
	verbose := fs.Bool("verbose", false, "Enable debug-level logging")
	showVersion := fs.Bool("version", false, "Show version and exit")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *showVersion {
		fmt.Printf("tradecore version %s (built %s)\n", version, buildTime)
		return 0
	}

	if err := cli.ValidatePath(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "invalid --config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	if *mode != "" {
		cfg.Trading.Mode = *mode
	}
	if *symbolsFlag != "" {
		symbols := strings.Split(*symbolsFlag, ",")
		if err := cli.ValidateSymbols(symbols); err != nil {
			fmt.Fprintf(os.Stderr, "invalid --symbols: %v\n", err)
			return 1
		}
		cfg.Trading.Symbols = symbols
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "config error: %v\n", e)
		}
		return 1
	}

	level := cfg.Logging.Level
	if *verbose {
		level = "debug"
	}
	logger, err := logging.NewFromString(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("starting tradecore", "version", version, "mode", cfg.Trading.Mode, "symbols", cfg.Trading.Symbols)

	switch cfg.Trading.Mode {
	case "backtest":
		return runBacktest(cfg, logger, *strategyFlag)
	case "paper", "live":
		return runLive(cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown trading mode %q\n", cfg.Trading.Mode)
		return 1
	}
}

// runLive drives the Engine in either paper or live mode. Both modes share
// the same Engine wiring and submit orders through the exchange client
// built from cfg.Exchange; the Engine does not read cfg.Trading.Mode.
func runLive(cfg *config.Config, logger logging.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store accounting.TradeStore
	eng := engine.New(cfg, store, logger)

	if err := eng.Initialize(ctx); err != nil {
		logger.Error("engine initialization failed", "error", err)
		return 1
	}

	if err := eng.Run(ctx); err != nil {
		logger.Error("engine run failed", "error", err)
		return 1
	}

	logger.Info("tradecore stopped")
	if ctx.Err() != nil {
		return 130
	}
	return 0
}

// runBacktest fetches historical klines for every configured symbol via
// the same ExchangeClient live trading uses, then replays them through
// the deterministic backtester. When cfg.Backtest.MonteCarloRuns is set,
// it runs the Monte Carlo batch instead of a single replay.
func runBacktest(cfg *config.Config, logger logging.Logger, strategyName string) int {
	ctx := context.Background()

	rl := ratelimit.New(core.RateQuota{RequestsPerSecond: 20, RequestsPerMinute: 1200})
	exch := exchange.NewBinanceClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.BaseURL, rl, logger)
	defer exch.Close()

	klines, err := loadHistoricalKlines(ctx, exch, cfg)
	if err != nil {
		logger.Error("failed to load historical klines", "error", err)
		return 1
	}

	factory, err := engine.SingleStrategyFactory(strategyName, cfg, logger)
	if err != nil {
		logger.Error("failed to build strategy", "error", err)
		return 1
	}

	symbols := make([]core.Symbol, 0, len(cfg.Trading.Symbols))
	for _, s := range cfg.Trading.Symbols {
		symbols = append(symbols, core.Symbol(s))
	}

	btCfg := backtest.Config{
		Symbols:        symbols,
		Klines:         klines,
		InitialCapital: decimal.NewFromFloat(cfg.Backtest.InitialCapital),
		CommissionBps:  decimal.NewFromFloat(cfg.Backtest.CommissionBps),
		SlippageBps:    decimal.NewFromFloat(cfg.Backtest.SlippageBps),
		LatencyMeanMs:  cfg.Backtest.LatencyMeanMs,
		LatencyStdMs:   cfg.Backtest.LatencyStdMs,
		Seed:           cfg.Backtest.Seed,
		Risk:           engine.RiskConfigFrom(cfg),
	}

	if cfg.Backtest.MonteCarloRuns > 1 {
		mc, err := backtest.RunMonteCarlo(ctx, btCfg, factory, logger, cfg.Backtest.MonteCarloRuns)
		if err != nil {
			logger.Error("monte carlo backtest failed", "error", err)
			return 1
		}
		printMonteCarloResult(mc)
		return 0
	}

	result, err := backtest.Run(ctx, btCfg, factory, logger)
	if err != nil {
		logger.Error("backtest failed", "error", err)
		return 1
	}
	printResult(result)
	return 0
}

// loadHistoricalKlines fetches a fixed-size window of 1m klines per
// configured symbol. A production deployment would page through the
// configured start/end date range; this module's purpose is the replay
// engine itself, so a single bounded GetKlines call per symbol stands in
// for that paging loop.
func loadHistoricalKlines(ctx context.Context, exch exchange.Client, cfg *config.Config) (map[core.Symbol][]core.Kline, error) {
	const window = 1000
	out := make(map[core.Symbol][]core.Kline, len(cfg.Trading.Symbols))
	for _, s := range cfg.Trading.Symbols {
		sym := core.Symbol(s)
		ks, err := exch.GetKlines(ctx, sym, "1m", window)
		if err != nil {
			return nil, fmt.Errorf("klines for %s: %w", s, err)
		}
		out[sym] = ks
	}
	return out, nil
}

func printResult(r *backtest.Result) {
	fmt.Printf("initial capital:  %s\n", r.InitialCapital.StringFixed(2))
	fmt.Printf("final capital:    %s\n", r.FinalCapital.StringFixed(2))
	fmt.Printf("total return:     %s%%\n", r.TotalReturn.Mul(decimal.NewFromInt(100)).StringFixed(2))
	fmt.Printf("max drawdown:     %s%%\n", r.MaxDrawdown.Mul(decimal.NewFromInt(100)).StringFixed(2))
	fmt.Printf("sharpe:           %.3f\n", r.Sharpe)
	fmt.Printf("trades:           %d (win rate %.1f%%)\n", r.TotalTrades, r.WinRate*100)
	fmt.Printf("profit factor:    %.3f\n", r.ProfitFactor)
	fmt.Printf("fills:            %d\n", len(r.Fills))
}

func printMonteCarloResult(mc *backtest.MonteCarloResult) {
	fmt.Printf("runs:              %d\n", len(mc.Runs))
	fmt.Printf("mean return:       %.4f\n", mc.MeanTotalReturn)
	fmt.Printf("stdev return:      %.4f\n", mc.StdTotalReturn)
	fmt.Printf("mean max drawdown: %.4f\n", mc.MeanMaxDrawdown)
	fmt.Printf("worst drawdown:    %.4f\n", mc.WorstDrawdown)
	fmt.Printf("mean sharpe:       %.3f\n", mc.MeanSharpe)
	fmt.Printf("prob profit:       %.1f%%\n", mc.ProbProfit*100)
}
