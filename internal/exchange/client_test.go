package exchange

import (
	"context"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/core"
	"tradecore/internal/logging"
	"tradecore/internal/ratelimit"
)

func newTestClient(t *testing.T) *BinanceClient {
	t.Helper()
	rl := ratelimit.New(core.RateQuota{
		RequestsPerSecond: 100, RequestsPerMinute: 1000, RequestsPerDay: 10000,
		WeightPerSecond: 100, WeightPerMinute: 1000, WeightPerDay: 10000,
	})
	return NewBinanceClient("key", "secret", "", rl, logging.NewNop())
}

func TestTranslateErrMapsRateLimitCodes(t *testing.T) {
	err := translateErr(&common.APIError{Code: -1003, Message: "too many requests"})
	assert.True(t, core.IsKind(err, core.KindRateLimited))

	err = translateErr(&common.APIError{Code: -1015, Message: "too many orders"})
	assert.True(t, core.IsKind(err, core.KindRateLimited))
}

func TestTranslateErrMapsServerSideRangeToTransient(t *testing.T) {
	err := translateErr(&common.APIError{Code: -1001, Message: "internal error"})
	assert.True(t, core.IsKind(err, core.KindTransientNetwork))
}

func TestTranslateErrMapsOtherCodesToExchangeRejected(t *testing.T) {
	err := translateErr(&common.APIError{Code: -2010, Message: "insufficient balance"})
	assert.True(t, core.IsKind(err, core.KindExchangeRejected))
	var te *core.TradingError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "-2010", te.Code)
}

func TestTranslateErrNilIsNil(t *testing.T) {
	assert.NoError(t, translateErr(nil))
}

func TestTranslateErrNonAPIErrorIsTransient(t *testing.T) {
	err := translateErr(context.DeadlineExceeded)
	assert.True(t, core.IsKind(err, core.KindTransientNetwork))
}

func TestPlaceOrderRejectsMissingLimitPrice(t *testing.T) {
	c := newTestClient(t)
	_, err := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeLimit, Qty: decimal.NewFromInt(1),
	})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidationFailed))
}

func TestPlaceOrderRejectsNonPositiveQty(t *testing.T) {
	c := newTestClient(t)
	_, err := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.OrderTypeMarket, Qty: decimal.Zero,
	})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidationFailed))
}

func TestMapOrderTypeAndTIF(t *testing.T) {
	assert.Equal(t, "MARKET", string(mapOrderType(core.OrderTypeMarket)))
	assert.Equal(t, "STOP_LOSS_LIMIT", string(mapOrderType(core.OrderTypeStopLimit)))
	assert.Equal(t, "LIMIT", string(mapOrderType(core.OrderTypeLimit)))

	assert.Equal(t, "IOC", string(mapTIF(core.TIFIOC)))
	assert.Equal(t, "FOK", string(mapTIF(core.TIFFOK)))
	assert.Equal(t, "GTC", string(mapTIF(core.TIFGTC)))
}
