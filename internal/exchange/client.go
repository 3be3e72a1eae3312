// Package exchange is the typed REST surface (C2): order placement,
// account/exchange info, and book/kline snapshots, wrapping
// github.com/adshao/go-binance/v2's spot client and translating its
// types and errors onto the core data model and error taxonomy.
//
// Grounded in internal/exchange/binance/binance.go's error-code mapping
// and the HMAC-SHA256 canonical-query signing contract in its
// SignRequest, both of which are handled internally by the go-binance
// SDK for us; what this package adds on top is per-call rate-limiter
// acquisition, the 5xx retry/backoff policy, the 429/418
// Retry-After/single-retry contract (transport.go), and translation to
// core.Order / core.MarketData / core.OrderBook / core.Kline.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"

	"tradecore/internal/core"
	"tradecore/internal/logging"
	"tradecore/internal/ratelimit"
	"tradecore/pkg/retry"
)

// Endpoint request weights, mirroring Binance's published weight table
// (GET /exchangeInfo = 10, orders = 1, account = 10, depth <=100 = 1,
// depth >100 = 5, klines = 1, ticker/24hr single symbol = 1).
const (
	weightExchangeInfo = 10
	weightAccount      = 10
	weightOrder        = 1
	weightOpenOrders   = 3
	weightDepth        = 1
	weightKlines       = 1
	weightTicker24h    = 1
	weightServerTime   = 1
)

// Client is the typed REST surface OrderManager and DataIngester depend
// on.
type Client interface {
	GetExchangeInfo(ctx context.Context) (*ExchangeInfo, error)
	GetAccount(ctx context.Context) (*Account, error)
	GetServerTime(ctx context.Context) (time.Time, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*core.Order, error)
	CancelOrder(ctx context.Context, symbol core.Symbol, clientID string) (*core.Order, error)
	GetOrder(ctx context.Context, symbol core.Symbol, clientID string) (*core.Order, error)
	GetOpenOrders(ctx context.Context, symbol core.Symbol) ([]core.Order, error)
	Get24hTicker(ctx context.Context, symbol core.Symbol) (*core.MarketData, error)
	GetOrderBook(ctx context.Context, symbol core.Symbol, limit int) (*core.OrderBook, error)
	GetKlines(ctx context.Context, symbol core.Symbol, interval string, limit int) ([]core.Kline, error)
	Close()
}

// OrderRequest is the normalized placement request.
type OrderRequest struct {
	Symbol    core.Symbol
	ClientID  string
	Side      core.Side
	Type      core.OrderType
	Qty       decimal.Decimal
	Price     decimal.Decimal
	StopPrice decimal.Decimal
	TIF       core.TimeInForce
}

// ExchangeInfo holds the parsed rate limits pushed into RateLimiter on
// refresh, plus per-symbol precision.
type ExchangeInfo struct {
	FetchedAt     time.Time
	Quota         core.RateQuota
	PriceDecimals map[core.Symbol]int32
	QtyDecimals   map[core.Symbol]int32
}

// Account is the simplified account snapshot this core needs.
type Account struct {
	Balances map[string]decimal.Decimal // asset -> free balance
}

// BinanceClient implements Client against a Binance-compatible spot REST
// surface.
type BinanceClient struct {
	sdk    *binance.Client
	rl     *ratelimit.RateLimiter
	logger logging.Logger

	infoTTL  time.Duration
	cachedAt time.Time
	cached   *ExchangeInfo
}

// NewBinanceClient builds a BinanceClient. rl is shared with every other
// caller of the exchange so quota is enforced process-wide.
func NewBinanceClient(apiKey, apiSecret, baseURL string, rl *ratelimit.RateLimiter, logger logging.Logger) *BinanceClient {
	l := logger.WithField("component", "exchange_client")
	sdk := binance.NewClient(apiKey, apiSecret)
	if baseURL != "" {
		sdk.BaseURL = baseURL
	}
	sdk.HTTPClient = &http.Client{Transport: newRateLimitRetryTransport(http.DefaultTransport, l)}
	return &BinanceClient{sdk: sdk, rl: rl, logger: l, infoTTL: time.Hour}
}

// acquire debits the rate limiter before a call, waiting under the
// caller's context; the 30s/10s timeouts are applied by withRetry.
func (c *BinanceClient) acquire(ctx context.Context, weight int) error {
	return c.rl.Acquire(ctx, weight)
}

// withRetry wraps a REST call with the 5xx exponential backoff policy,
// bounding the whole call to 30s and each attempt to 10s; non-retryable
// errors (4xx other than 429/418, already classified by translateErr)
// pass through untouched.
func (c *BinanceClient) withRetry(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	policy := retry.ServerErrorPolicy()
	return retry.Do(ctx, policy, isTransient, func(ctx context.Context) error {
		attemptCtx, cancelAttempt := context.WithTimeout(ctx, 10*time.Second)
		defer cancelAttempt()
		return fn(attemptCtx)
	})
}

func isTransient(err error) bool {
	return core.IsKind(err, core.KindTransientNetwork)
}

func (c *BinanceClient) GetExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	if c.cached != nil && time.Since(c.cachedAt) < c.infoTTL {
		return c.cached, nil
	}
	if err := c.acquire(ctx, weightExchangeInfo); err != nil {
		return nil, err
	}
	var res *binance.ExchangeInfo
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var e error
		res, e = c.sdk.NewExchangeInfoService().Do(ctx)
		return translateErr(e)
	})
	if err != nil {
		return nil, err
	}

	info := &ExchangeInfo{FetchedAt: time.Now(), PriceDecimals: map[core.Symbol]int32{}, QtyDecimals: map[core.Symbol]int32{}}
	for _, s := range res.Symbols {
		info.PriceDecimals[core.Symbol(s.Symbol)] = int32(s.QuotePrecision)
		info.QtyDecimals[core.Symbol(s.Symbol)] = int32(s.BaseAssetPrecision)
	}
	for _, rl := range res.RateLimits {
		applyRateLimit(&info.Quota, rl)
	}
	c.cached = info
	c.cachedAt = info.FetchedAt
	return info, nil
}

func applyRateLimit(q *core.RateQuota, rl binance.RateLimit) {
	switch rl.RateLimitType {
	case "REQUEST_WEIGHT":
		switch rl.Interval {
		case "SECOND":
			q.WeightPerSecond = rl.Limit
		case "MINUTE":
			q.WeightPerMinute = rl.Limit
		case "DAY":
			q.WeightPerDay = rl.Limit
		}
	case "ORDERS":
		switch rl.Interval {
		case "SECOND":
			q.RequestsPerSecond = rl.Limit
		case "MINUTE":
			q.RequestsPerMinute = rl.Limit
		case "DAY":
			q.RequestsPerDay = rl.Limit
		}
	}
}

func (c *BinanceClient) GetAccount(ctx context.Context) (*Account, error) {
	if err := c.acquire(ctx, weightAccount); err != nil {
		return nil, err
	}
	var res *binance.Account
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var e error
		res, e = c.sdk.NewGetAccountService().Do(ctx)
		return translateErr(e)
	})
	if err != nil {
		return nil, err
	}
	acct := &Account{Balances: make(map[string]decimal.Decimal)}
	for _, b := range res.Balances {
		free, _ := decimal.NewFromString(b.Free)
		acct.Balances[b.Asset] = free
	}
	return acct, nil
}

func (c *BinanceClient) GetServerTime(ctx context.Context) (time.Time, error) {
	if err := c.acquire(ctx, weightServerTime); err != nil {
		return time.Time{}, err
	}
	var ms int64
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var e error
		ms, e = c.sdk.NewServerTimeService().Do(ctx)
		return translateErr(e)
	})
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func (c *BinanceClient) PlaceOrder(ctx context.Context, req OrderRequest) (*core.Order, error) {
	if req.Type == core.OrderTypeLimit && req.Price.IsZero() {
		return nil, core.NewError(core.KindValidationFailed, "limit order requires a price", nil)
	}
	if !req.Qty.IsPositive() {
		return nil, core.NewError(core.KindValidationFailed, "order quantity must be positive", nil)
	}
	if err := c.acquire(ctx, weightOrder); err != nil {
		return nil, err
	}

	svc := c.sdk.NewCreateOrderService().
		Symbol(string(req.Symbol)).
		Side(binance.SideType(req.Side)).
		Type(mapOrderType(req.Type)).
		Quantity(req.Qty.String()).
		NewClientOrderID(req.ClientID)
	if req.Type == core.OrderTypeLimit || req.Type == core.OrderTypeStopLimit {
		svc = svc.Price(req.Price.String()).TimeInForce(mapTIF(req.TIF))
	}
	if req.Type == core.OrderTypeStopLimit {
		svc = svc.StopPrice(req.StopPrice.String())
	}

	var res *binance.CreateOrderResponse
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var e error
		res, e = svc.Do(ctx)
		return translateErr(e)
	})
	if err != nil {
		if te, ok := err.(*core.TradingError); ok && te.Kind == core.KindExchangeRejected {
			return &core.Order{Symbol: req.Symbol, ClientID: req.ClientID, Side: req.Side, Type: req.Type, Qty: req.Qty, Price: req.Price, Status: core.OrderStatusRejected, CreatedAt: time.Now(), UpdatedAt: time.Now()}, err
		}
		return nil, err
	}
	return orderFromCreateResponse(res), nil
}

func (c *BinanceClient) CancelOrder(ctx context.Context, symbol core.Symbol, clientID string) (*core.Order, error) {
	if err := c.acquire(ctx, weightOrder); err != nil {
		return nil, err
	}
	var res *binance.CancelOrderResponse
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var e error
		res, e = c.sdk.NewCancelOrderService().Symbol(string(symbol)).OrigClientOrderID(clientID).Do(ctx)
		return translateErr(e)
	})
	if err != nil {
		return nil, err
	}
	return orderFromCancelResponse(res), nil
}

func (c *BinanceClient) GetOrder(ctx context.Context, symbol core.Symbol, clientID string) (*core.Order, error) {
	if err := c.acquire(ctx, weightOrder); err != nil {
		return nil, err
	}
	var res *binance.Order
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var e error
		res, e = c.sdk.NewGetOrderService().Symbol(string(symbol)).OrigClientOrderID(clientID).Do(ctx)
		return translateErr(e)
	})
	if err != nil {
		return nil, err
	}
	return orderFromQuery(res), nil
}

func (c *BinanceClient) GetOpenOrders(ctx context.Context, symbol core.Symbol) ([]core.Order, error) {
	if err := c.acquire(ctx, weightOpenOrders); err != nil {
		return nil, err
	}
	var res []*binance.Order
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var e error
		res, e = c.sdk.NewListOpenOrdersService().Symbol(string(symbol)).Do(ctx)
		return translateErr(e)
	})
	if err != nil {
		return nil, err
	}
	out := make([]core.Order, 0, len(res))
	for _, o := range res {
		out = append(out, *orderFromQuery(o))
	}
	return out, nil
}

func (c *BinanceClient) Get24hTicker(ctx context.Context, symbol core.Symbol) (*core.MarketData, error) {
	if err := c.acquire(ctx, weightTicker24h); err != nil {
		return nil, err
	}
	var res []*binance.PriceChangeStats
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var e error
		res, e = c.sdk.NewListPriceChangeStatsService().Symbol(string(symbol)).Do(ctx)
		return translateErr(e)
	})
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, core.NewError(core.KindExchangeRejected, "empty ticker response", nil)
	}
	s := res[0]
	price, _ := decimal.NewFromString(s.LastPrice)
	vol, _ := decimal.NewFromString(s.Volume)
	aggressor := core.AggressorBuy
	if ch, _ := decimal.NewFromString(s.PriceChange); ch.IsNegative() {
		aggressor = core.AggressorSell
	}
	return &core.MarketData{Symbol: symbol, Timestamp: time.Now(), Price: price, Volume: vol, AggressorSide: aggressor}, nil
}

func (c *BinanceClient) GetOrderBook(ctx context.Context, symbol core.Symbol, limit int) (*core.OrderBook, error) {
	weight := weightDepth
	if limit > 100 {
		weight = 5
	}
	if err := c.acquire(ctx, weight); err != nil {
		return nil, err
	}
	var res *binance.DepthResponse
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var e error
		res, e = c.sdk.NewDepthService().Symbol(string(symbol)).Limit(limit).Do(ctx)
		return translateErr(e)
	})
	if err != nil {
		return nil, err
	}
	ob := &core.OrderBook{Symbol: symbol, Timestamp: time.Now(), LastUpdateID: res.LastUpdateID}
	for _, b := range res.Bids {
		p, _ := decimal.NewFromString(b.Price)
		q, _ := decimal.NewFromString(b.Quantity)
		ob.Bids = append(ob.Bids, core.PriceLevel{Price: p, Qty: q})
	}
	for _, a := range res.Asks {
		p, _ := decimal.NewFromString(a.Price)
		q, _ := decimal.NewFromString(a.Quantity)
		ob.Asks = append(ob.Asks, core.PriceLevel{Price: p, Qty: q})
	}
	return ob, nil
}

func (c *BinanceClient) GetKlines(ctx context.Context, symbol core.Symbol, interval string, limit int) ([]core.Kline, error) {
	if err := c.acquire(ctx, weightKlines); err != nil {
		return nil, err
	}
	var res []*binance.Kline
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var e error
		res, e = c.sdk.NewKlinesService().Symbol(string(symbol)).Interval(interval).Limit(limit).Do(ctx)
		return translateErr(e)
	})
	if err != nil {
		return nil, err
	}
	out := make([]core.Kline, 0, len(res))
	for _, k := range res {
		out = append(out, klineFromSDK(symbol, interval, k))
	}
	return out, nil
}

// Close releases the client's idle HTTP connections. Called as the final
// step of Engine.Shutdown.
func (c *BinanceClient) Close() {
	if c.sdk != nil && c.sdk.HTTPClient != nil {
		c.sdk.HTTPClient.CloseIdleConnections()
	}
}

func klineFromSDK(symbol core.Symbol, interval string, k *binance.Kline) core.Kline {
	open, _ := decimal.NewFromString(k.Open)
	high, _ := decimal.NewFromString(k.High)
	low, _ := decimal.NewFromString(k.Low)
	cls, _ := decimal.NewFromString(k.Close)
	vol, _ := decimal.NewFromString(k.Volume)
	return core.Kline{
		Symbol:     symbol,
		Interval:   interval,
		OpenTime:   time.UnixMilli(k.OpenTime),
		CloseTime:  time.UnixMilli(k.CloseTime),
		Open:       open,
		High:       high,
		Low:        low,
		Close:      cls,
		Volume:     vol,
		TradeCount: k.TradeNum,
		IsClosed:   true,
	}
}

func mapOrderType(t core.OrderType) binance.OrderType {
	switch t {
	case core.OrderTypeMarket:
		return binance.OrderTypeMarket
	case core.OrderTypeStopLimit:
		return binance.OrderTypeStopLossLimit
	default:
		return binance.OrderTypeLimit
	}
}

func mapTIF(t core.TimeInForce) binance.TimeInForceType {
	switch t {
	case core.TIFIOC:
		return binance.TimeInForceTypeIOC
	case core.TIFFOK:
		return binance.TimeInForceTypeFOK
	default:
		return binance.TimeInForceTypeGTC
	}
}

func mapOrderStatus(s binance.OrderStatusType) core.OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew:
		return core.OrderStatusNew
	case binance.OrderStatusTypePartiallyFilled:
		return core.OrderStatusPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return core.OrderStatusFilled
	case binance.OrderStatusTypeCanceled:
		return core.OrderStatusCanceled
	case binance.OrderStatusTypeRejected:
		return core.OrderStatusRejected
	case binance.OrderStatusTypeExpired:
		return core.OrderStatusExpired
	default:
		return core.OrderStatusNew
	}
}

func orderFromCreateResponse(r *binance.CreateOrderResponse) *core.Order {
	qty, _ := decimal.NewFromString(r.OrigQuantity)
	price, _ := decimal.NewFromString(r.Price)
	executed, _ := decimal.NewFromString(r.ExecutedQuantity)
	cumQuote, _ := decimal.NewFromString(r.CummulativeQuoteQuantity)
	return &core.Order{
		Symbol:      core.Symbol(r.Symbol),
		ExchangeID:  r.OrderID,
		ClientID:    r.ClientOrderID,
		Side:        core.Side(r.Side),
		Type:        core.OrderType(r.Type),
		Qty:         qty,
		Price:       price,
		TIF:         core.TimeInForce(r.TimeInForce),
		Status:      mapOrderStatus(r.Status),
		ExecutedQty: executed,
		CumQuote:    cumQuote,
		CreatedAt:   time.UnixMilli(r.TransactTime),
		UpdatedAt:   time.UnixMilli(r.TransactTime),
	}
}

func orderFromCancelResponse(r *binance.CancelOrderResponse) *core.Order {
	qty, _ := decimal.NewFromString(r.OrigQuantity)
	price, _ := decimal.NewFromString(r.Price)
	executed, _ := decimal.NewFromString(r.ExecutedQuantity)
	return &core.Order{
		Symbol:      core.Symbol(r.Symbol),
		ExchangeID:  r.OrderID,
		ClientID:    r.ClientOrderID,
		Side:        core.Side(r.Side),
		Type:        core.OrderType(r.Type),
		Qty:         qty,
		Price:       price,
		Status:      mapOrderStatus(r.Status),
		ExecutedQty: executed,
		UpdatedAt:   time.Now(),
	}
}

func orderFromQuery(r *binance.Order) *core.Order {
	qty, _ := decimal.NewFromString(r.OrigQuantity)
	price, _ := decimal.NewFromString(r.Price)
	executed, _ := decimal.NewFromString(r.ExecutedQuantity)
	cumQuote, _ := decimal.NewFromString(r.CummulativeQuoteQuantity)
	var avgPrice decimal.Decimal
	if !executed.IsZero() {
		avgPrice = cumQuote.Div(executed)
	}
	return &core.Order{
		Symbol:      core.Symbol(r.Symbol),
		ExchangeID:  r.OrderID,
		ClientID:    r.ClientOrderID,
		Side:        core.Side(r.Side),
		Type:        core.OrderType(r.Type),
		Qty:         qty,
		Price:       price,
		TIF:         core.TimeInForce(r.TimeInForce),
		Status:      mapOrderStatus(r.Status),
		ExecutedQty: executed,
		CumQuote:    cumQuote,
		AvgPrice:    avgPrice,
		CreatedAt:   time.UnixMilli(r.Time),
		UpdatedAt:   time.UnixMilli(r.UpdateTime),
	}
}

// translateErr classifies an SDK error into the kind-tagged taxonomy.
// go-binance/v2 surfaces non-2xx responses as *common.APIError carrying
// the exchange's own {code, msg}; everything else (connection reset,
// context deadline) is treated as transient network. A second
// consecutive 429/418 — already retried once by rateLimitRetryTransport
// after sleeping for Retry-After — arrives as *rateLimitExceededErr and
// is tagged RateLimitExceeded rather than retried further.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var rle *rateLimitExceededErr
	if errors.As(err, &rle) {
		return core.NewError(core.KindRateLimitExceeded, "rate limited again after Retry-After wait and one retry", err)
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == -1003 || apiErr.Code == -1015:
			return core.NewError(core.KindRateLimited, apiErr.Message, err)
		case apiErr.Code >= -1999 && apiErr.Code <= -1000:
			// -1xxx is the generic/server-side range in Binance's error
			// taxonomy; treat as a transient network condition worth
			// the 5xx retry policy.
			return core.NewError(core.KindTransientNetwork, apiErr.Message, err)
		default:
			return core.NewExchangeRejected(fmt.Sprintf("%d", apiErr.Code), apiErr.Message)
		}
	}
	return core.NewError(core.KindTransientNetwork, "exchange request failed", err)
}
