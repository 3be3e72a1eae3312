package strategy

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/core"
	"tradecore/internal/logging"
)

type fakePositionView struct {
	positions map[core.Symbol]core.Position
	equity    decimal.Decimal
}

func (f *fakePositionView) Position(sym core.Symbol) core.Position {
	if p, ok := f.positions[sym]; ok {
		return p
	}
	return core.Position{Symbol: sym, Side: core.PositionFlat}
}
func (f *fakePositionView) Equity() decimal.Decimal { return f.equity }

func newScalperForTest(cfg ScalperConfig, view *fakePositionView) (*Scalper, chan core.Signal) {
	signals := make(chan core.Signal, 16)
	s := NewScalper(cfg, []core.Symbol{"BTCUSDT"}, view, logging.NewNop(), signals)
	_ = s.Initialize(context.Background())
	s.Enable()
	return s, signals
}

func TestScalperEmitsBuyOnOBIAndEMAConfirmation(t *testing.T) {
	cfg := ScalperConfig{
		OBIThreshold: 0.2, EMAShortN: 2, EMALongN: 5,
		SlipOffsetBps: decimal.NewFromInt(5), RiskFraction: decimal.NewFromFloat(0.01), StopDistance: decimal.NewFromFloat(0.01),
	}
	view := &fakePositionView{equity: decimal.NewFromInt(10000), positions: map[core.Symbol]core.Position{}}
	s, signals := newScalperForTest(cfg, view)
	ctx := context.Background()

	// Seed the short EMA above the long EMA with a rising price series.
	for _, px := range []float64{100, 101, 102, 103, 104, 105} {
		s.OnMarketData(ctx, core.MarketData{Symbol: "BTCUSDT", Price: decimal.NewFromFloat(px)})
	}

	ob := &core.OrderBook{
		Symbol: "BTCUSDT",
		Bids:   []core.PriceLevel{{Price: decimal.NewFromInt(104), Qty: decimal.NewFromInt(100)}},
		Asks:   []core.PriceLevel{{Price: decimal.NewFromInt(105), Qty: decimal.NewFromInt(10)}},
	}
	s.OnOrderBook(ctx, ob)

	select {
	case sig := <-signals:
		assert.Equal(t, core.SideBuy, sig.Side)
		assert.Equal(t, core.TIFIOC, sig.TIF)
		assert.Equal(t, core.OrderTypeLimit, sig.Type)
	default:
		t.Fatal("expected a BUY signal from OBI+EMA confirmation")
	}
}

func TestScalperDoesNotEmitWhenAlreadyLongOnBuySignal(t *testing.T) {
	cfg := ScalperConfig{
		OBIThreshold: 0.2, EMAShortN: 2, EMALongN: 5,
		SlipOffsetBps: decimal.NewFromInt(5), RiskFraction: decimal.NewFromFloat(0.01), StopDistance: decimal.NewFromFloat(0.01),
	}
	view := &fakePositionView{equity: decimal.NewFromInt(10000), positions: map[core.Symbol]core.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Size: decimal.NewFromFloat(1), Side: core.PositionLong},
	}}
	s, signals := newScalperForTest(cfg, view)
	ctx := context.Background()

	for _, px := range []float64{100, 101, 102, 103, 104, 105} {
		s.OnMarketData(ctx, core.MarketData{Symbol: "BTCUSDT", Price: decimal.NewFromFloat(px)})
	}
	ob := &core.OrderBook{
		Symbol: "BTCUSDT",
		Bids:   []core.PriceLevel{{Price: decimal.NewFromInt(104), Qty: decimal.NewFromInt(100)}},
		Asks:   []core.PriceLevel{{Price: decimal.NewFromInt(105), Qty: decimal.NewFromInt(10)}},
	}
	s.OnOrderBook(ctx, ob)

	select {
	case sig := <-signals:
		t.Fatalf("expected no signal while already long, got %+v", sig)
	default:
	}
}

func TestScalperDisabledDropsEvents(t *testing.T) {
	cfg := ScalperConfig{OBIThreshold: 0.2, EMAShortN: 2, EMALongN: 5, RiskFraction: decimal.NewFromFloat(0.01), StopDistance: decimal.NewFromFloat(0.01)}
	view := &fakePositionView{equity: decimal.NewFromInt(10000)}
	s, signals := newScalperForTest(cfg, view)
	s.Disable()

	s.OnMarketData(context.Background(), core.MarketData{Symbol: "BTCUSDT", Price: decimal.NewFromInt(100)})
	select {
	case sig := <-signals:
		t.Fatalf("disabled strategy must not emit, got %+v", sig)
	default:
	}
}

func TestScalperOnTimerClosesAtStopLoss(t *testing.T) {
	cfg := ScalperConfig{StopDistance: decimal.NewFromFloat(0.01)}
	view := &fakePositionView{equity: decimal.NewFromInt(10000), positions: map[core.Symbol]core.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Size: decimal.NewFromFloat(1), AvgEntryPrice: decimal.NewFromInt(100), MarkPrice: decimal.NewFromInt(98)},
	}}
	s, signals := newScalperForTest(cfg, view)
	s.OnTimer(context.Background())

	select {
	case sig := <-signals:
		assert.Equal(t, core.SideSell, sig.Side)
		assert.Equal(t, core.OrderTypeMarket, sig.Type)
	default:
		t.Fatal("expected a stop-loss close signal")
	}
}

func TestScalperOnTimerClosesAtTakeProfit(t *testing.T) {
	cfg := ScalperConfig{StopDistance: decimal.NewFromFloat(0.01)}
	view := &fakePositionView{equity: decimal.NewFromInt(10000), positions: map[core.Symbol]core.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Size: decimal.NewFromFloat(1), AvgEntryPrice: decimal.NewFromInt(100), MarkPrice: decimal.NewFromInt(102)},
	}}
	s, signals := newScalperForTest(cfg, view)
	s.OnTimer(context.Background())

	select {
	case sig := <-signals:
		assert.Equal(t, core.SideSell, sig.Side)
	default:
		t.Fatal("expected a take-profit close signal")
	}
}

func TestScalperOnTimerDoesNothingWithinBand(t *testing.T) {
	cfg := ScalperConfig{StopDistance: decimal.NewFromFloat(0.01)}
	view := &fakePositionView{equity: decimal.NewFromInt(10000), positions: map[core.Symbol]core.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Size: decimal.NewFromFloat(1), AvgEntryPrice: decimal.NewFromInt(100), MarkPrice: decimal.NewFromFloat(100.5)},
	}}
	s, signals := newScalperForTest(cfg, view)
	s.OnTimer(context.Background())

	select {
	case sig := <-signals:
		t.Fatalf("expected no close signal within stop/take band, got %+v", sig)
	default:
	}
}

func TestScalperStatsReportsName(t *testing.T) {
	cfg := ScalperConfig{StopDistance: decimal.NewFromFloat(0.01)}
	view := &fakePositionView{equity: decimal.NewFromInt(10000)}
	s, _ := newScalperForTest(cfg, view)
	require.Equal(t, "scalper", s.Stats().Name)
	assert.True(t, s.Stats().Enabled)
}
