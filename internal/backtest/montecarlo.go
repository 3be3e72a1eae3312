package backtest

import (
	"context"
	"math"

	"tradecore/internal/logging"
)

// MonteCarloResult aggregates distributional statistics across N
// independent replays of the same Config, each seeded with seed+i so the
// whole batch remains reproducible.
type MonteCarloResult struct {
	Runs            []*Result
	MeanTotalReturn float64
	StdTotalReturn  float64
	MeanMaxDrawdown float64
	WorstDrawdown   float64
	MeanSharpe      float64
	ProbProfit      float64 // fraction of runs with a positive total return
}

// RunMonteCarlo runs n independent replays of cfg, varying only the seed
// (seed+i for i in [0,n)), building a fresh strategy instance per run via
// factory so indicator state never leaks between runs.
func RunMonteCarlo(ctx context.Context, cfg Config, factory StrategyFactory, logger logging.Logger, n int) (*MonteCarloResult, error) {
	mc := &MonteCarloResult{Runs: make([]*Result, 0, n)}
	returns := make([]float64, 0, n)
	drawdowns := make([]float64, 0, n)
	sharpes := make([]float64, 0, n)
	profitable := 0

	for i := 0; i < n; i++ {
		runCfg := cfg
		runCfg.Seed = cfg.Seed + int64(i)
		result, err := Run(ctx, runCfg, factory, logger)
		if err != nil {
			return nil, err
		}
		mc.Runs = append(mc.Runs, result)

		ret, _ := result.TotalReturn.Float64()
		returns = append(returns, ret)
		dd, _ := result.MaxDrawdown.Float64()
		drawdowns = append(drawdowns, dd)
		sharpes = append(sharpes, result.Sharpe)
		if dd > mc.WorstDrawdown {
			mc.WorstDrawdown = dd
		}
		if ret > 0 {
			profitable++
		}
	}

	mc.MeanTotalReturn = mean(returns)
	mc.StdTotalReturn = stdev(returns, mc.MeanTotalReturn)
	mc.MeanMaxDrawdown = mean(drawdowns)
	mc.MeanSharpe = mean(sharpes)
	if n > 0 {
		mc.ProbProfit = float64(profitable) / float64(n)
	}
	return mc, nil
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdev(xs []float64, m float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}
