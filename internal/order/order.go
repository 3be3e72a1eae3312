// Package order implements the order lifecycle state machine (C7):
// submission, cancellation (single and fan-out), and reconciliation
// against exchange-reported fills.
//
// Grounded in internal/trading/order/executor.go's rate-limited,
// retrying placement/cancellation shape and internal/risk/reconciler.go's
// local-vs-exchange state comparison, generalized to the spot order
// lifecycle and clientId scheme this core targets. CancelAll fans out
// concurrently through the alitto/pond wrapper in pkg/concurrency,
// mirroring pkg/concurrency/pool.go's bounded worker pool.
package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecore/internal/core"
	"tradecore/internal/exchange"
	"tradecore/internal/logging"
	"tradecore/pkg/concurrency"
)

// FillHandler is notified of every derived Fill during SubmitSignal's
// immediate response and Reconcile's delta computation.
type FillHandler func(core.Fill)

// Manager owns the local order book: the clientId-keyed mirror of every
// order this process has submitted or reconciled.
type Manager struct {
	client   exchange.Client
	logger   logging.Logger
	onFill   FillHandler
	pool     *concurrency.WorkerPool
	monoMu   sync.Mutex
	lastMono int64

	mu     sync.RWMutex
	orders map[string]*core.Order
}

// New builds an order Manager.
func New(client exchange.Client, onFill FillHandler, logger logging.Logger) *Manager {
	l := logger.WithField("component", "order_manager")
	return &Manager{
		client: client,
		logger: l,
		onFill: onFill,
		pool:   concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "cancel_all", MaxWorkers: 8, MaxCapacity: 256}, l),
		orders: make(map[string]*core.Order),
	}
}

// NewClientID generates a unique clientId of the form
// "{strategy}_{monotonicMillis}_{rand64}".
func (m *Manager) NewClientID(strategy string) string {
	m.monoMu.Lock()
	now := time.Now().UnixMilli()
	if now <= m.lastMono {
		now = m.lastMono + 1
	}
	m.lastMono = now
	m.monoMu.Unlock()
	return fmt.Sprintf("%s_%d_%s", strategy, now, uuid.New().String()[:16])
}

// SubmitSignal places an order derived from a Signal and records it
// locally keyed by its generated clientId.
func (m *Manager) SubmitSignal(ctx context.Context, sig core.Signal) (*core.Order, error) {
	clientID := m.NewClientID(sig.StrategyName)
	req := exchange.OrderRequest{
		Symbol:    sig.Symbol,
		ClientID:  clientID,
		Side:      sig.Side,
		Type:      sig.Type,
		Qty:       sig.Qty,
		Price:     sig.Price,
		StopPrice: sig.StopPrice,
		TIF:       sig.TIF,
	}
	ord, err := m.client.PlaceOrder(ctx, req)
	if ord != nil {
		m.mu.Lock()
		m.orders[clientID] = ord
		m.mu.Unlock()
	}
	if err != nil {
		return ord, err
	}
	if ord != nil && ord.ExecutedQty.IsPositive() && m.onFill != nil {
		price := ord.AvgPrice
		if price.IsZero() {
			price = ord.CumQuote.Div(ord.ExecutedQty)
		}
		m.onFill(core.Fill{Symbol: ord.Symbol, OrderID: ord.ExchangeID, ClientID: clientID, Side: ord.Side, Qty: ord.ExecutedQty, Price: price, Timestamp: ord.UpdatedAt})
	}
	return ord, nil
}

// Cancel cancels a local order by clientId. Canceling an already-terminal
// order is a no-op success (idempotent, no network call). A transient
// failure is retried once before surfacing to the caller.
func (m *Manager) Cancel(ctx context.Context, clientID string) error {
	m.mu.RLock()
	ord := m.orders[clientID]
	m.mu.RUnlock()
	if ord == nil {
		return core.NewError(core.KindValidationFailed, "unknown clientId", nil)
	}
	if ord.Status.Terminal() {
		return nil
	}

	updated, err := m.client.CancelOrder(ctx, ord.Symbol, clientID)
	if err != nil && core.IsKind(err, core.KindTransientNetwork) {
		updated, err = m.client.CancelOrder(ctx, ord.Symbol, clientID)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.orders[clientID] = updated
	m.mu.Unlock()
	return nil
}

// CancelResult is the outcome of a CancelAll fan-out.
type CancelResult struct {
	Succeeded int
	Failed    map[string]error
}

// CancelAll cancels every non-terminal order, optionally scoped to a
// symbol, concurrently. It survives partial failure: the failed set is
// returned alongside the success count rather than aborting the batch.
func (m *Manager) CancelAll(ctx context.Context, symbol *core.Symbol) CancelResult {
	m.mu.RLock()
	var targets []string
	for id, ord := range m.orders {
		if ord.Status.Terminal() {
			continue
		}
		if symbol != nil && ord.Symbol != *symbol {
			continue
		}
		targets = append(targets, id)
	}
	m.mu.RUnlock()

	result := CancelResult{Failed: make(map[string]error)}
	var resMu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range targets {
		id := id
		wg.Add(1)
		err := m.pool.Submit(func() {
			defer wg.Done()
			cancelErr := m.Cancel(ctx, id)
			resMu.Lock()
			defer resMu.Unlock()
			if cancelErr != nil {
				result.Failed[id] = cancelErr
			} else {
				result.Succeeded++
			}
		})
		if err != nil {
			wg.Done()
			resMu.Lock()
			result.Failed[id] = err
			resMu.Unlock()
		}
	}
	wg.Wait()
	return result
}

// Reconcile fetches current exchange state for a local order and emits
// any Fills implied by the delta between the locally known and the
// exchange-reported executed quantity. Fill timestamps are forced
// monotonic relative to the order's last known update.
func (m *Manager) Reconcile(ctx context.Context, clientID string) error {
	m.mu.RLock()
	local := m.orders[clientID]
	m.mu.RUnlock()
	if local == nil {
		return core.NewError(core.KindValidationFailed, "unknown clientId", nil)
	}

	remote, err := m.client.GetOrder(ctx, local.Symbol, clientID)
	if err != nil {
		return err
	}

	deltaQty := remote.ExecutedQty.Sub(local.ExecutedQty)
	if deltaQty.IsNegative() {
		deltaQty = decimal.Zero
	}

	if deltaQty.IsPositive() {
		avgPrice := remote.AvgPrice
		if avgPrice.IsZero() && !remote.ExecutedQty.IsZero() {
			avgPrice = remote.CumQuote.Div(remote.ExecutedQty)
		}
		ts := remote.UpdatedAt
		if !ts.After(local.UpdatedAt) {
			ts = local.UpdatedAt.Add(time.Millisecond)
		}
		fill := core.Fill{
			Symbol:    remote.Symbol,
			OrderID:   remote.ExchangeID,
			ClientID:  clientID,
			Side:      remote.Side,
			Qty:       deltaQty,
			Price:     avgPrice,
			Timestamp: ts,
		}
		if m.onFill != nil {
			m.onFill(fill)
		}
	}

	m.mu.Lock()
	m.orders[clientID] = remote
	m.mu.Unlock()
	return nil
}

// Order returns a copy of the locally known order state.
func (m *Manager) Order(clientID string) (core.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ord := m.orders[clientID]
	if ord == nil {
		return core.Order{}, false
	}
	return *ord, true
}

// OpenOrders returns every locally tracked non-terminal order.
func (m *Manager) OpenOrders() []core.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Order, 0)
	for _, ord := range m.orders {
		if !ord.Status.Terminal() {
			out = append(out, *ord)
		}
	}
	return out
}

// Stop drains the cancel worker pool.
func (m *Manager) Stop() {
	m.pool.Stop()
}
