package strategy

import (
	"math"

	"github.com/shopspring/decimal"
)

// EMA is an exponential moving average accumulator seeded by its first
// observation.
type EMA struct {
	period int
	alpha  float64
	value  float64
	seeded bool
}

// NewEMA builds an EMA over the given period.
func NewEMA(period int) *EMA {
	return &EMA{period: period, alpha: 2.0 / (float64(period) + 1.0)}
}

// Update feeds one observation and returns the updated value.
func (e *EMA) Update(price float64) float64 {
	if !e.seeded {
		e.value = price
		e.seeded = true
		return e.value
	}
	e.value = e.alpha*price + (1-e.alpha)*e.value
	return e.value
}

// Value returns the current EMA value.
func (e *EMA) Value() float64 { return e.value }

// Seeded reports whether Update has been called at least once.
func (e *EMA) Seeded() bool { return e.seeded }

// RollingWindow keeps the last N float64 observations.
type RollingWindow struct {
	capacity int
	values   []float64
}

// NewRollingWindow builds a window with the given capacity.
func NewRollingWindow(capacity int) *RollingWindow {
	return &RollingWindow{capacity: capacity, values: make([]float64, 0, capacity)}
}

// Push appends a value, dropping the oldest once at capacity.
func (w *RollingWindow) Push(v float64) {
	w.values = append(w.values, v)
	if len(w.values) > w.capacity {
		w.values = w.values[len(w.values)-w.capacity:]
	}
}

// Full reports whether the window has reached capacity.
func (w *RollingWindow) Full() bool { return len(w.values) >= w.capacity }

// Values returns the underlying slice, oldest first.
func (w *RollingWindow) Values() []float64 { return w.values }

// MeanStdev returns the sample mean and standard deviation of the window.
func (w *RollingWindow) MeanStdev() (mean, stdev float64) {
	n := len(w.values)
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range w.values {
		sum += v
	}
	mean = sum / float64(n)
	if n < 2 {
		return mean, 0
	}
	var sumSq float64
	for _, v := range w.values {
		d := v - mean
		sumSq += d * d
	}
	stdev = math.Sqrt(sumSq / float64(n-1))
	return mean, stdev
}

// LogReturnVolatility computes the stdev of log returns over the window.
func LogReturnVolatility(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(prices[i]/prices[i-1]))
	}
	if len(returns) < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))
	var sumSq float64
	for _, r := range returns {
		d := r - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(returns)-1))
}

// OrderbookImbalance computes OBI over the top n levels:
// (sum(bidQty) - sum(askQty)) / sum(total).
func OrderbookImbalance(bidQty, askQty []decimal.Decimal, n int) float64 {
	var bidSum, askSum decimal.Decimal
	for i := 0; i < n && i < len(bidQty); i++ {
		bidSum = bidSum.Add(bidQty[i])
	}
	for i := 0; i < n && i < len(askQty); i++ {
		askSum = askSum.Add(askQty[i])
	}
	total := bidSum.Add(askSum)
	if total.IsZero() {
		return 0
	}
	obi := bidSum.Sub(askSum).Div(total)
	f, _ := obi.Float64()
	return f
}

// ZScore computes (x-mu)/sigma, returning 0 when sigma is zero.
func ZScore(x, mu, sigma float64) float64 {
	if sigma == 0 {
		return 0
	}
	return (x - mu) / sigma
}
