// Package ingest is the normalization and fan-out layer (C4): it
// maintains per-symbol order books with gap detection/resync, a 1m
// kline ring buffer aggregated into higher intervals, and VWAP
// accumulators, then republishes onto bounded per-topic queues the
// Engine fans out from.
//
// New relative to the teacher (whose strategies read price directly off
// the exchange without maintaining a book), built in its idiom:
// per-symbol state behind a sync.RWMutex, decimal math throughout, and
// bounded channels modeled on the fixed-worker-count shape of
// pkg/concurrency/pool.go.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/core"
	"tradecore/internal/exchange"
	"tradecore/internal/logging"
)

const klineRingCapacity = 1000

// Ingester normalizes raw stream events and republishes derived state.
type Ingester struct {
	client exchange.Client
	logger logging.Logger

	marketDataQueue chan core.MarketData
	orderBookQueue  chan core.OrderBook
	klineQueue      chan core.Kline

	mu         sync.RWMutex
	books      map[core.Symbol]*bookState
	klines     map[core.Symbol]*klineRing
	vwap       map[core.Symbol]*vwapAccumulator
	sessionKey func(time.Time) string
}

type bookState struct {
	book    core.OrderBook
	resyncs int
}

// Config parameterizes queue depths; defaults apply when zero.
type Config struct {
	MarketDataQueueDepth int
	OrderBookQueueDepth  int
	KlineQueueDepth      int
}

// New builds an Ingester. client is used to request REST snapshot
// resyncs when a book goes STALE.
func New(client exchange.Client, cfg Config, logger logging.Logger) *Ingester {
	if cfg.MarketDataQueueDepth <= 0 {
		cfg.MarketDataQueueDepth = 1024
	}
	if cfg.OrderBookQueueDepth <= 0 {
		cfg.OrderBookQueueDepth = 1024
	}
	if cfg.KlineQueueDepth <= 0 {
		cfg.KlineQueueDepth = 1024
	}
	return &Ingester{
		client:          client,
		logger:          logger.WithField("component", "ingest"),
		marketDataQueue: make(chan core.MarketData, cfg.MarketDataQueueDepth),
		orderBookQueue:  make(chan core.OrderBook, cfg.OrderBookQueueDepth),
		klineQueue:      make(chan core.Kline, cfg.KlineQueueDepth),
		books:           make(map[core.Symbol]*bookState),
		klines:          make(map[core.Symbol]*klineRing),
		vwap:            make(map[core.Symbol]*vwapAccumulator),
		sessionKey:      func(t time.Time) string { return t.UTC().Format("2006-01-02") },
	}
}

// MarketDataCh is the downstream fan-out source for trade prints.
func (ig *Ingester) MarketDataCh() <-chan core.MarketData { return ig.marketDataQueue }

// OrderBookCh is the downstream fan-out source for book updates.
func (ig *Ingester) OrderBookCh() <-chan core.OrderBook { return ig.orderBookQueue }

// KlineCh is the downstream fan-out source for closed/open klines at
// every aggregated interval.
func (ig *Ingester) KlineCh() <-chan core.Kline { return ig.klineQueue }

// OnMarketData normalizes a trade print: rolls it into the VWAP
// accumulator and publishes it, oldest-dropping the queue is full.
func (ig *Ingester) OnMarketData(md core.MarketData) {
	ig.mu.Lock()
	acc := ig.vwap[md.Symbol]
	if acc == nil {
		acc = &vwapAccumulator{sessionStart: ig.sessionKey(md.Timestamp)}
		ig.vwap[md.Symbol] = acc
	}
	acc.add(md, ig.sessionKey)
	ig.mu.Unlock()

	select {
	case ig.marketDataQueue <- md:
	default:
		select {
		case <-ig.marketDataQueue:
		default:
		}
		select {
		case ig.marketDataQueue <- md:
		default:
		}
	}
}

// VWAP returns the current session VWAP for a symbol, or zero if no
// volume has accumulated.
func (ig *Ingester) VWAP(sym core.Symbol) decimal.Decimal {
	ig.mu.RLock()
	defer ig.mu.RUnlock()
	acc := ig.vwap[sym]
	if acc == nil || acc.volumeSum.IsZero() {
		return decimal.Zero
	}
	return acc.priceVolumeSum.Div(acc.volumeSum)
}

type vwapAccumulator struct {
	priceVolumeSum decimal.Decimal
	volumeSum      decimal.Decimal
	sessionStart   string
}

func (a *vwapAccumulator) add(md core.MarketData, sessionKey func(time.Time) string) {
	key := sessionKey(md.Timestamp)
	if key != a.sessionStart {
		a.priceVolumeSum = decimal.Zero
		a.volumeSum = decimal.Zero
		a.sessionStart = key
	}
	a.priceVolumeSum = a.priceVolumeSum.Add(md.Price.Mul(md.Volume))
	a.volumeSum = a.volumeSum.Add(md.Volume)
}

// OnOrderBook applies an incremental depth update with gap detection:
// stale-or-earlier updates are dropped, the expected next update is
// applied, and a detected gap marks the book STALE and triggers a REST
// resync before further updates are accepted. Publication blocks (with
// a STALE republish on drop) rather than discarding book updates.
func (ig *Ingester) OnOrderBook(ctx context.Context, update core.OrderBook) {
	ig.mu.Lock()
	st := ig.books[update.Symbol]
	if st == nil {
		st = &bookState{book: update}
		ig.books[update.Symbol] = st
		ig.mu.Unlock()
		ig.publishBook(st.book)
		return
	}

	switch {
	case update.LastUpdateID <= st.book.LastUpdateID:
		ig.mu.Unlock()
		return
	case update.LastUpdateID == st.book.LastUpdateID+1:
		st.book = update
		st.book.Stale = false
	default:
		st.book.Stale = true
		ig.mu.Unlock()
		ig.logger.Warn("order book gap detected, resyncing", "symbol", update.Symbol, "have", st.book.LastUpdateID, "got", update.LastUpdateID)
		ig.resync(ctx, update.Symbol)
		return
	}
	book := st.book
	ig.mu.Unlock()
	ig.publishBook(book)
}

func (ig *Ingester) resync(ctx context.Context, sym core.Symbol) {
	snapshot, err := ig.client.GetOrderBook(ctx, sym, 1000)
	if err != nil {
		ig.logger.Error("order book resync failed", "symbol", sym, "error", err)
		return
	}
	ig.mu.Lock()
	st := ig.books[sym]
	if st == nil {
		st = &bookState{}
		ig.books[sym] = st
	}
	st.book = *snapshot
	st.resyncs++
	ig.mu.Unlock()
	ig.publishBook(*snapshot)
}

func (ig *Ingester) publishBook(book core.OrderBook) {
	select {
	case ig.orderBookQueue <- book:
	default:
		book.Stale = true
		ig.orderBookQueue <- book
	}
}

// OnKline feeds a closed 1m bar into the ring buffer and re-aggregates
// every derived interval, publishing each that crosses its window
// boundary.
func (ig *Ingester) OnKline(k core.Kline) {
	if k.Interval != "1m" || !k.IsClosed {
		return
	}
	ig.mu.Lock()
	ring := ig.klines[k.Symbol]
	if ring == nil {
		ring = newKlineRing(klineRingCapacity)
		ig.klines[k.Symbol] = ring
	}
	ring.push(k)
	derived := ring.aggregateBoundaries(k.Symbol)
	ig.mu.Unlock()

	select {
	case ig.klineQueue <- k:
	default:
	}
	for _, d := range derived {
		select {
		case ig.klineQueue <- d:
		default:
		}
	}
}

// klineRing is a fixed-capacity ring buffer of closed 1-minute bars.
type klineRing struct {
	buf      []core.Kline
	head     int
	size     int
	capacity int
}

func newKlineRing(capacity int) *klineRing {
	return &klineRing{buf: make([]core.Kline, capacity), capacity: capacity}
}

func (r *klineRing) push(k core.Kline) {
	idx := (r.head + r.size) % r.capacity
	r.buf[idx] = k
	if r.size < r.capacity {
		r.size++
	} else {
		r.head = (r.head + 1) % r.capacity
	}
}

func (r *klineRing) bars() []core.Kline {
	out := make([]core.Kline, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%r.capacity]
	}
	return out
}

var derivedIntervals = []struct {
	name    string
	minutes int
}{
	{"5m", 5},
	{"15m", 15},
	{"1h", 60},
	{"4h", 240},
	{"1d", 1440},
}

// aggregateBoundaries recomputes every derived interval whose window has
// just closed, based on the most recently pushed 1m bar.
func (r *klineRing) aggregateBoundaries(sym core.Symbol) []core.Kline {
	bars := r.bars()
	if len(bars) == 0 {
		return nil
	}
	last := bars[len(bars)-1]
	var out []core.Kline
	for _, iv := range derivedIntervals {
		windowStart := alignedWindowStart(last.OpenTime, iv.minutes)
		windowEnd := windowStart.Add(time.Duration(iv.minutes) * time.Minute)
		if !last.OpenTime.Add(time.Minute).Equal(windowEnd) {
			continue
		}
		var inWindow []core.Kline
		for _, b := range bars {
			if !b.OpenTime.Before(windowStart) && !b.CloseTime.After(windowEnd) {
				inWindow = append(inWindow, b)
			}
		}
		if len(inWindow) == 0 {
			continue
		}
		out = append(out, aggregate(sym, iv.name, inWindow, windowStart, windowEnd))
	}
	return out
}

func alignedWindowStart(t time.Time, minutes int) time.Time {
	epoch := t.UTC().Unix() / 60
	windowMinutes := int64(minutes)
	alignedMinute := (epoch / windowMinutes) * windowMinutes
	return time.Unix(alignedMinute*60, 0).UTC()
}

func aggregate(sym core.Symbol, interval string, bars []core.Kline, start, end time.Time) core.Kline {
	k := core.Kline{
		Symbol:    sym,
		Interval:  interval,
		OpenTime:  start,
		CloseTime: end,
		Open:      bars[0].Open,
		Close:     bars[len(bars)-1].Close,
		High:      bars[0].High,
		Low:       bars[0].Low,
		IsClosed:  true,
	}
	for _, b := range bars {
		if b.High.GreaterThan(k.High) {
			k.High = b.High
		}
		if b.Low.LessThan(k.Low) {
			k.Low = b.Low
		}
		k.Volume = k.Volume.Add(b.Volume)
		k.TradeCount += b.TradeCount
	}
	return k
}
