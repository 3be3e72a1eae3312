package order

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/core"
	"tradecore/internal/exchange"
	"tradecore/internal/logging"
)

type fakeClient struct {
	placeFn  func(ctx context.Context, req exchange.OrderRequest) (*core.Order, error)
	cancelFn func(ctx context.Context, symbol core.Symbol, clientID string) (*core.Order, error)
	getFn    func(ctx context.Context, symbol core.Symbol, clientID string) (*core.Order, error)
}

func (f *fakeClient) GetExchangeInfo(ctx context.Context) (*exchange.ExchangeInfo, error) { return nil, nil }
func (f *fakeClient) GetAccount(ctx context.Context) (*exchange.Account, error)           { return nil, nil }
func (f *fakeClient) GetServerTime(ctx context.Context) (time.Time, error)                { return time.Time{}, nil }
func (f *fakeClient) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*core.Order, error) {
	return f.placeFn(ctx, req)
}
func (f *fakeClient) CancelOrder(ctx context.Context, symbol core.Symbol, clientID string) (*core.Order, error) {
	return f.cancelFn(ctx, symbol, clientID)
}
func (f *fakeClient) GetOrder(ctx context.Context, symbol core.Symbol, clientID string) (*core.Order, error) {
	return f.getFn(ctx, symbol, clientID)
}
func (f *fakeClient) GetOpenOrders(ctx context.Context, symbol core.Symbol) ([]core.Order, error) {
	return nil, nil
}
func (f *fakeClient) Get24hTicker(ctx context.Context, symbol core.Symbol) (*core.MarketData, error) {
	return nil, nil
}
func (f *fakeClient) GetOrderBook(ctx context.Context, symbol core.Symbol, limit int) (*core.OrderBook, error) {
	return nil, nil
}
func (f *fakeClient) GetKlines(ctx context.Context, symbol core.Symbol, interval string, limit int) ([]core.Kline, error) {
	return nil, nil
}
func (f *fakeClient) Close() {}

func TestSubmitSignalRecordsOrderByClientID(t *testing.T) {
	client := &fakeClient{
		placeFn: func(ctx context.Context, req exchange.OrderRequest) (*core.Order, error) {
			return &core.Order{Symbol: req.Symbol, ClientID: req.ClientID, Qty: req.Qty, Status: core.OrderStatusNew}, nil
		},
	}
	m := New(client, nil, logging.NewNop())

	ord, err := m.SubmitSignal(context.Background(), core.Signal{Symbol: "BTCUSDT", Side: core.SideBuy, Qty: decimal.NewFromInt(1), Type: core.OrderTypeMarket, StrategyName: "scalper"})
	require.NoError(t, err)

	got, ok := m.Order(ord.ClientID)
	require.True(t, ok)
	assert.Equal(t, core.OrderStatusNew, got.Status)
}

func TestCancelIsIdempotentOnTerminalOrder(t *testing.T) {
	calls := 0
	client := &fakeClient{
		cancelFn: func(ctx context.Context, symbol core.Symbol, clientID string) (*core.Order, error) {
			calls++
			return nil, nil
		},
	}
	m := New(client, nil, logging.NewNop())
	m.orders["c1"] = &core.Order{ClientID: "c1", Status: core.OrderStatusFilled}

	err := m.Cancel(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, calls, "terminal order cancel must not hit the network")
}

func TestCancelAllSurvivesPartialFailure(t *testing.T) {
	client := &fakeClient{
		cancelFn: func(ctx context.Context, symbol core.Symbol, clientID string) (*core.Order, error) {
			if clientID == "bad" {
				return nil, core.NewExchangeRejected("-2011", "unknown order")
			}
			return &core.Order{ClientID: clientID, Symbol: symbol, Status: core.OrderStatusCanceled}, nil
		},
	}
	m := New(client, nil, logging.NewNop())
	m.orders["good1"] = &core.Order{ClientID: "good1", Symbol: "BTCUSDT", Status: core.OrderStatusNew}
	m.orders["good2"] = &core.Order{ClientID: "good2", Symbol: "BTCUSDT", Status: core.OrderStatusNew}
	m.orders["bad"] = &core.Order{ClientID: "bad", Symbol: "BTCUSDT", Status: core.OrderStatusNew}

	result := m.CancelAll(context.Background(), nil)

	assert.Equal(t, 2, result.Succeeded)
	require.Len(t, result.Failed, 1)
	_, ok := result.Failed["bad"]
	assert.True(t, ok)
}

func TestReconcileEmitsDeltaFillAtAveragePrice(t *testing.T) {
	var gotFill core.Fill
	client := &fakeClient{
		getFn: func(ctx context.Context, symbol core.Symbol, clientID string) (*core.Order, error) {
			return &core.Order{
				Symbol: symbol, ClientID: clientID, Side: core.SideBuy,
				Qty: decimal.NewFromInt(1), ExecutedQty: decimal.NewFromFloat(0.6),
				CumQuote: decimal.NewFromFloat(60), AvgPrice: decimal.NewFromInt(100),
				Status: core.OrderStatusPartiallyFilled, UpdatedAt: time.Now(),
			}, nil
		},
	}
	m := New(client, func(f core.Fill) { gotFill = f }, logging.NewNop())
	m.orders["c1"] = &core.Order{ClientID: "c1", Symbol: "BTCUSDT", ExecutedQty: decimal.NewFromFloat(0.2), UpdatedAt: time.Now().Add(-time.Minute)}

	require.NoError(t, m.Reconcile(context.Background(), "c1"))

	assert.True(t, gotFill.Qty.Equal(decimal.NewFromFloat(0.4)), "delta qty: %s", gotFill.Qty)
	assert.True(t, gotFill.Price.Equal(decimal.NewFromInt(100)))
}

func TestNewClientIDIsUniqueUnderRapidCalls(t *testing.T) {
	m := New(&fakeClient{}, nil, logging.NewNop())
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := m.NewClientID("scalper")
		assert.False(t, ids[id], "clientId must be unique: %s", id)
		ids[id] = true
	}
}
