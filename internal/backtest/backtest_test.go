package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/core"
	"tradecore/internal/logging"
	"tradecore/internal/risk"
	"tradecore/internal/strategy"
)

// barTrader is a minimal Strategy fake: it buys on the first bar it sees
// and sells on the third, so tests can assert on a known, deterministic
// fill sequence without depending on any concrete strategy variant.
type barTrader struct {
	signals chan<- core.Signal
	enabled bool
	bar     int
}

func newBarTrader(signals chan<- core.Signal, _ strategy.PositionView) strategy.Strategy {
	return &barTrader{signals: signals}
}

func (b *barTrader) Name() string                        { return "bar_trader" }
func (b *barTrader) Initialize(ctx context.Context) error { return nil }
func (b *barTrader) Enable()                              { b.enabled = true }
func (b *barTrader) Disable()                             { b.enabled = false }
func (b *barTrader) Enabled() bool                        { return b.enabled }
func (b *barTrader) OnOrderBook(ctx context.Context, ob *core.OrderBook) {}
func (b *barTrader) OnKline(ctx context.Context, k core.Kline)           {}
func (b *barTrader) OnFill(ctx context.Context, f core.Fill)             {}
func (b *barTrader) OnTimer(ctx context.Context)                         {}
func (b *barTrader) Stats() strategy.Stats                               { return strategy.Stats{Name: b.Name(), Enabled: b.enabled} }

func (b *barTrader) OnMarketData(ctx context.Context, md core.MarketData) {
	if !b.enabled {
		return
	}
	b.bar++
	switch b.bar {
	case 1:
		b.signals <- core.Signal{Symbol: md.Symbol, Side: core.SideBuy, Qty: decimal.NewFromInt(1), Type: core.OrderTypeMarket, TIF: core.TIFIOC, StrategyName: b.Name()}
	case 3:
		b.signals <- core.Signal{Symbol: md.Symbol, Side: core.SideSell, Qty: decimal.NewFromInt(1), Type: core.OrderTypeMarket, TIF: core.TIFIOC, StrategyName: b.Name()}
	}
}

func syntheticKlines(symbol core.Symbol, closes []float64, start time.Time) []core.Kline {
	out := make([]core.Kline, 0, len(closes))
	for i, c := range closes {
		open := start.Add(time.Duration(i) * time.Minute)
		close := open.Add(time.Minute)
		px := decimal.NewFromFloat(c)
		out = append(out, core.Kline{
			Symbol: symbol, Interval: "1m",
			OpenTime: open, CloseTime: close,
			Open: px, High: px, Low: px, Close: px,
			Volume: decimal.NewFromInt(10), IsClosed: true,
		})
	}
	return out
}

func permissiveRiskConfig() risk.Config {
	return risk.Config{
		MaxPositionSize:      decimal.NewFromInt(1000),
		MaxDailyDrawdown:     decimal.NewFromInt(1000000),
		MaxConsecutiveLosses: 1000,
		MaxLeverage:          decimal.NewFromInt(100),
		ConfiguredLeverage:   decimal.NewFromInt(1),
	}
}

func baseConfig(symbol core.Symbol, closes []float64) Config {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return Config{
		Symbols:        []core.Symbol{symbol},
		Klines:         map[core.Symbol][]core.Kline{symbol: syntheticKlines(symbol, closes, start)},
		InitialCapital: decimal.NewFromInt(10000),
		CommissionBps:  decimal.NewFromInt(10), // 0.10%
		SlippageBps:    decimal.NewFromInt(5),  // 0.05%
		LatencyMeanMs:  0,
		LatencyStdMs:   0,
		Seed:           42,
		Risk:           permissiveRiskConfig(),
	}
}

func TestRunMarketOrdersFillWithSlippageAndFee(t *testing.T) {
	cfg := baseConfig("BTCUSDT", []float64{100, 101, 102, 103, 104})
	result, err := Run(context.Background(), cfg, newBarTrader, logging.NewNop())
	require.NoError(t, err)

	require.Len(t, result.Fills, 2)
	buy, sell := result.Fills[0], result.Fills[1]

	wantBuyPx := decimal.NewFromInt(100).Mul(decimal.NewFromFloat(1.0005))
	assert.True(t, buy.Price.Equal(wantBuyPx), "buy price: got %s want %s", buy.Price, wantBuyPx)

	wantSellPx := decimal.NewFromInt(102).Mul(decimal.NewFromFloat(0.9995))
	assert.True(t, sell.Price.Equal(wantSellPx), "sell price: got %s want %s", sell.Price, wantSellPx)

	assert.Equal(t, 1, result.TotalTrades)
	assert.Equal(t, 1, result.WinningTrades)
	assert.Equal(t, 0, result.LosingTrades)
	assert.True(t, result.FinalCapital.GreaterThan(cfg.InitialCapital), "a profitable round trip should grow capital")
}

func TestRunDeterministicSameSeedProducesIdenticalResult(t *testing.T) {
	closes := []float64{100, 99, 101, 98, 103, 97, 105, 96, 107, 95}
	cfg := baseConfig("ETHUSDT", closes)
	cfg.LatencyMeanMs = 50
	cfg.LatencyStdMs = 20

	r1, err := Run(context.Background(), cfg, newBarTrader, logging.NewNop())
	require.NoError(t, err)
	r2, err := Run(context.Background(), cfg, newBarTrader, logging.NewNop())
	require.NoError(t, err)

	assert.Equal(t, r1.FinalCapital.String(), r2.FinalCapital.String())
	assert.Equal(t, len(r1.Fills), len(r2.Fills))
	for i := range r1.Fills {
		assert.True(t, r1.Fills[i].Price.Equal(r2.Fills[i].Price))
		assert.True(t, r1.Fills[i].Timestamp.Equal(r2.Fills[i].Timestamp))
	}
}

func TestRunIOCLimitOrderCancelsWhenUnfilled(t *testing.T) {
	symbol := core.Symbol("BTCUSDT")
	cfg := baseConfig(symbol, []float64{100, 100, 100})
	factory := func(signals chan<- core.Signal, _ strategy.PositionView) strategy.Strategy {
		return &iocLimitTrader{signals: signals}
	}
	result, err := Run(context.Background(), cfg, factory, logging.NewNop())
	require.NoError(t, err)
	assert.Len(t, result.Fills, 0, "an IOC limit priced below the market never crosses and is canceled, not filled")
}

// iocLimitTrader emits one IOC limit buy priced far below market on the
// first bar, which can never cross, to exercise the IOC-cancels path.
type iocLimitTrader struct {
	signals chan<- core.Signal
	enabled bool
	bar     int
}

func (t *iocLimitTrader) Name() string                        { return "ioc_limit_trader" }
func (t *iocLimitTrader) Initialize(ctx context.Context) error { return nil }
func (t *iocLimitTrader) Enable()                              { t.enabled = true }
func (t *iocLimitTrader) Disable()                              { t.enabled = false }
func (t *iocLimitTrader) Enabled() bool                         { return t.enabled }
func (t *iocLimitTrader) OnOrderBook(ctx context.Context, ob *core.OrderBook) {}
func (t *iocLimitTrader) OnKline(ctx context.Context, k core.Kline)           {}
func (t *iocLimitTrader) OnFill(ctx context.Context, f core.Fill)             {}
func (t *iocLimitTrader) OnTimer(ctx context.Context)                         {}
func (t *iocLimitTrader) Stats() strategy.Stats                               { return strategy.Stats{Name: t.Name(), Enabled: t.enabled} }

func (t *iocLimitTrader) OnMarketData(ctx context.Context, md core.MarketData) {
	if !t.enabled {
		return
	}
	t.bar++
	if t.bar == 1 {
		t.signals <- core.Signal{
			Symbol: md.Symbol, Side: core.SideBuy, Qty: decimal.NewFromInt(1),
			Price: decimal.NewFromInt(1), Type: core.OrderTypeLimit, TIF: core.TIFIOC, StrategyName: t.Name(),
		}
	}
}

func TestRunGTCLimitOrderRestsUntilPriceCrosses(t *testing.T) {
	symbol := core.Symbol("BTCUSDT")
	cfg := baseConfig(symbol, []float64{100, 100, 95})
	factory := func(signals chan<- core.Signal, _ strategy.PositionView) strategy.Strategy {
		return &gtcLimitTrader{signals: signals}
	}
	result, err := Run(context.Background(), cfg, factory, logging.NewNop())
	require.NoError(t, err)

	require.Len(t, result.Fills, 1, "the resting GTC order only fills once price trades through it")
	assert.True(t, result.Fills[0].Price.Equal(decimal.NewFromInt(96)))
}

// gtcLimitTrader emits one GTC limit buy priced between the flat opening
// bars and the third bar's lower close, so it rests unfilled for two
// bars before finally crossing.
type gtcLimitTrader struct {
	signals chan<- core.Signal
	enabled bool
	bar     int
}

func (t *gtcLimitTrader) Name() string                        { return "gtc_limit_trader" }
func (t *gtcLimitTrader) Initialize(ctx context.Context) error { return nil }
func (t *gtcLimitTrader) Enable()                              { t.enabled = true }
func (t *gtcLimitTrader) Disable()                             { t.enabled = false }
func (t *gtcLimitTrader) Enabled() bool                        { return t.enabled }
func (t *gtcLimitTrader) OnOrderBook(ctx context.Context, ob *core.OrderBook) {}
func (t *gtcLimitTrader) OnKline(ctx context.Context, k core.Kline)           {}
func (t *gtcLimitTrader) OnFill(ctx context.Context, f core.Fill)             {}
func (t *gtcLimitTrader) OnTimer(ctx context.Context)                         {}
func (t *gtcLimitTrader) Stats() strategy.Stats                               { return strategy.Stats{Name: t.Name(), Enabled: t.enabled} }

func (t *gtcLimitTrader) OnMarketData(ctx context.Context, md core.MarketData) {
	if !t.enabled {
		return
	}
	t.bar++
	if t.bar == 1 {
		t.signals <- core.Signal{
			Symbol: md.Symbol, Side: core.SideBuy, Qty: decimal.NewFromInt(1),
			Price: decimal.NewFromInt(96), Type: core.OrderTypeLimit, TIF: core.TIFGTC, StrategyName: t.Name(),
		}
	}
}
