// Package stream is the WebSocket ingress (C3): one persistent
// multiplexed connection, reconnect/backoff state machine, and
// stream-suffix dispatch into the core data model.
//
// Grounded in pkg/websocket/client.go's connect/readLoop/heartbeat
// shape, generalized from that client's single reconnectWait into the
// explicit DISCONNECTED/CONNECTING/CONNECTED/BACKOFF/FAILED states with
// a 5s-doubling-to-60s-cap schedule and a 10-attempt ceiling, and from
// its bare MessageHandler into the stream-suffix dispatch rules.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"tradecore/internal/core"
	"tradecore/internal/logging"
)

// State is a node of the connection state machine.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateBackoff      State = "BACKOFF"
	StateFailed       State = "FAILED"
)

const (
	initialBackoff = 5 * time.Second
	maxBackoff     = 60 * time.Second
	maxAttempts    = 10
	pingInterval   = 20 * time.Second
	pongWait       = 10 * time.Second
)

// Handlers receives the parsed, dispatched events.
type Handlers struct {
	OnMarketData func(core.MarketData)
	OnOrderBook  func(core.OrderBook)
	OnKline      func(core.Kline)
	OnError      func(core.RiskEvent)
}

// Client is the resilient multiplexed WebSocket ingress.
type Client struct {
	baseURL  string
	handlers Handlers
	logger   logging.Logger
	dialer   *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	streams map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a stream Client against baseURL (a wss:// combined-stream
// endpoint).
func New(baseURL string, handlers Handlers, logger logging.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		handlers: handlers,
		logger:   logger.WithField("component", "stream_client"),
		dialer:   websocket.DefaultDialer,
		state:    StateDisconnected,
		streams:  make(map[string]struct{}),
	}
}

// Subscribe adds streams to the live set, re-issuing the combined-stream
// subscription immediately if connected.
func (c *Client) Subscribe(streams []string) {
	c.mu.Lock()
	for _, s := range streams {
		c.streams[s] = struct{}{}
	}
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.sendSubscription(conn, streams, "SUBSCRIBE")
	}
}

// Unsubscribe removes streams from the live set.
func (c *Client) Unsubscribe(streams []string) {
	c.mu.Lock()
	for _, s := range streams {
		delete(c.streams, s)
	}
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.sendSubscription(conn, streams, "UNSUBSCRIBE")
	}
}

func (c *Client) sendSubscription(conn *websocket.Conn, streams []string, method string) {
	msg := map[string]any{"method": method, "params": streams, "id": time.Now().UnixNano()}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		c.logger.Warn("subscription write failed", "error", err)
	}
}

// Run blocks until Stop is called or FAILED is reached, driving the
// connect/backoff loop.
func (c *Client) Run(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	attempts := 0
	backoff := initialBackoff

	for {
		select {
		case <-c.ctx.Done():
			c.setState(StateDisconnected)
			return
		default:
		}

		c.setState(StateConnecting)
		conn, err := c.connect()
		if err != nil {
			attempts++
			c.logger.Warn("stream connect failed", "attempt", attempts, "error", err)
			if attempts >= maxAttempts {
				c.setState(StateFailed)
				c.emitError("stream client exhausted reconnect attempts")
				return
			}
			c.setState(StateBackoff)
			if !c.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		attempts = 0
		backoff = initialBackoff
		c.setState(StateConnected)
		c.resubscribe(conn)

		c.wg.Add(1)
		heartbeatCtx, heartbeatCancel := context.WithCancel(c.ctx)
		go c.heartbeat(heartbeatCtx, conn)

		c.readLoop(conn)
		heartbeatCancel()

		select {
		case <-c.ctx.Done():
			c.setState(StateDisconnected)
			return
		default:
			c.setState(StateBackoff)
		}
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func (c *Client) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) emitError(msg string) {
	if c.handlers.OnError == nil {
		return
	}
	c.handlers.OnError(core.RiskEvent{Kind: "STREAM_FAILED", Message: msg, Severity: core.SeverityCritical, Timestamp: time.Now()})
}

func (c *Client) connect() (*websocket.Conn, error) {
	conn, _, err := c.dialer.Dial(c.baseURL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		return nil
	})
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) resubscribe(conn *websocket.Conn) {
	c.mu.Lock()
	streams := make([]string, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()
	if len(streams) == 0 {
		return
	}
	c.sendSubscription(conn, streams, "SUBSCRIBE")
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.dispatch(message)
	}
}

// Stop terminates the run loop and closes the connection.
func (c *Client) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("stream client stop: goroutines did not exit within timeout")
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Result json.RawMessage `json:"result"`
	ID     json.RawMessage `json:"id"`
	Error  json.RawMessage `json:"error"`
}

func (c *Client) dispatch(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("stream frame decode failed", "error", err)
		return
	}
	if env.Error != nil {
		c.logger.Warn("stream control error frame", "error", string(env.Error))
		return
	}
	if env.Stream == "" {
		// Control frame (subscribe/unsubscribe ack): result+id, nothing to
		// dispatch.
		return
	}

	switch {
	case strings.Contains(env.Stream, "@ticker"):
		c.dispatchTicker(env.Stream, env.Data)
	case strings.Contains(env.Stream, "@depth"):
		c.dispatchDepth(env.Stream, env.Data)
	case strings.Contains(env.Stream, "@kline_"):
		c.dispatchKline(env.Stream, env.Data)
	case strings.Contains(env.Stream, "@aggTrade"):
		c.dispatchAggTrade(env.Stream, env.Data)
	default:
		c.logger.Debug("unrecognized stream suffix", "stream", env.Stream)
	}
}

func symbolFromStream(stream string) core.Symbol {
	idx := strings.Index(stream, "@")
	if idx < 0 {
		return core.Symbol(strings.ToUpper(stream))
	}
	return core.Symbol(strings.ToUpper(stream[:idx]))
}

type tickerFrame struct {
	LastPrice   string `json:"c"`
	Volume      string `json:"v"`
	PriceChange string `json:"p"`
	EventTime   int64  `json:"E"`
}

func (c *Client) dispatchTicker(stream string, data json.RawMessage) {
	if c.handlers.OnMarketData == nil {
		return
	}
	var f tickerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("ticker frame decode failed", "error", err)
		return
	}
	price, _ := decimal.NewFromString(f.LastPrice)
	vol, _ := decimal.NewFromString(f.Volume)
	aggressor := core.AggressorBuy
	if change, _ := decimal.NewFromString(f.PriceChange); change.IsNegative() {
		aggressor = core.AggressorSell
	}
	c.handlers.OnMarketData(core.MarketData{
		Symbol:        symbolFromStream(stream),
		Timestamp:     timeFromMillis(f.EventTime),
		Price:         price,
		Volume:        vol,
		AggressorSide: aggressor,
	})
}

type depthFrame struct {
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
	EventTime     int64      `json:"E"`
}

func (c *Client) dispatchDepth(stream string, data json.RawMessage) {
	if c.handlers.OnOrderBook == nil {
		return
	}
	var f depthFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("depth frame decode failed", "error", err)
		return
	}
	ob := core.OrderBook{Symbol: symbolFromStream(stream), Timestamp: timeFromMillis(f.EventTime), LastUpdateID: f.FinalUpdateID}
	ob.Bids = levelsFromPairs(f.Bids)
	ob.Asks = levelsFromPairs(f.Asks)
	c.handlers.OnOrderBook(ob)
}

func levelsFromPairs(pairs [][]string) []core.PriceLevel {
	out := make([]core.PriceLevel, 0, len(pairs))
	for _, p := range pairs {
		if len(p) != 2 {
			continue
		}
		price, _ := decimal.NewFromString(p[0])
		qty, _ := decimal.NewFromString(p[1])
		out = append(out, core.PriceLevel{Price: price, Qty: qty})
	}
	return out
}

type klineFrame struct {
	K struct {
		OpenTime   int64  `json:"t"`
		CloseTime  int64  `json:"T"`
		Interval   string `json:"i"`
		Open       string `json:"o"`
		High       string `json:"h"`
		Low        string `json:"l"`
		Close      string `json:"c"`
		Volume     string `json:"v"`
		TradeCount int64  `json:"n"`
		IsClosed   bool   `json:"x"`
	} `json:"k"`
}

func (c *Client) dispatchKline(stream string, data json.RawMessage) {
	if c.handlers.OnKline == nil {
		return
	}
	var f klineFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("kline frame decode failed", "error", err)
		return
	}
	open, _ := decimal.NewFromString(f.K.Open)
	high, _ := decimal.NewFromString(f.K.High)
	low, _ := decimal.NewFromString(f.K.Low)
	cls, _ := decimal.NewFromString(f.K.Close)
	vol, _ := decimal.NewFromString(f.K.Volume)
	c.handlers.OnKline(core.Kline{
		Symbol:     symbolFromStream(stream),
		Interval:   f.K.Interval,
		OpenTime:   timeFromMillis(f.K.OpenTime),
		CloseTime:  timeFromMillis(f.K.CloseTime),
		Open:       open,
		High:       high,
		Low:        low,
		Close:      cls,
		Volume:     vol,
		TradeCount: f.K.TradeCount,
		IsClosed:   f.K.IsClosed,
	})
}

type aggTradeFrame struct {
	Price     string `json:"p"`
	Qty       string `json:"q"`
	EventTime int64  `json:"E"`
	IsMaker   bool   `json:"m"`
}

func (c *Client) dispatchAggTrade(stream string, data json.RawMessage) {
	if c.handlers.OnMarketData == nil {
		return
	}
	var f aggTradeFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("aggTrade frame decode failed", "error", err)
		return
	}
	price, _ := decimal.NewFromString(f.Price)
	qty, _ := decimal.NewFromString(f.Qty)
	aggressor := core.AggressorBuy
	if f.IsMaker {
		aggressor = core.AggressorSell
	}
	c.handlers.OnMarketData(core.MarketData{
		Symbol:        symbolFromStream(stream),
		Timestamp:     timeFromMillis(f.EventTime),
		Price:         price,
		Volume:        qty,
		AggressorSide: aggressor,
	})
}

func timeFromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

// StreamKey builds the lowercase "<symbol><suffix>" stream name Binance's
// combined-stream endpoint expects, e.g. StreamKey("BTCUSDT", "@ticker").
func StreamKey(symbol core.Symbol, suffix string) string {
	return fmt.Sprintf("%s%s", strings.ToLower(string(symbol)), suffix)
}
