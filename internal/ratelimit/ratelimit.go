// Package ratelimit enforces the exchange's per-key request and weight
// quotas across second/minute/day windows. It composes six independent
// token buckets, each implemented as a golang.org/x/time/rate.Limiter
// configured with Burst = capacity and Limit = capacity/period, which
// gives the continuous-refill semantics the contract requires.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradecore/internal/core"
)

const (
	perSecond = 1
	perMinute = 60
	perDay    = 86400
)

// RateLimiter enforces six paired (requests, weight) x (second, minute,
// day) buckets. Acquire blocks fairly (FIFO, inherited from each
// underlying rate.Limiter's reservation queue); TryAcquire probes all six
// atomically, debiting none of them on failure.
type RateLimiter struct {
	mu      sync.RWMutex
	reqSec  *rate.Limiter
	reqMin  *rate.Limiter
	reqDay  *rate.Limiter
	wSec    *rate.Limiter
	wMin    *rate.Limiter
	wDay    *rate.Limiter
}

// New builds a RateLimiter from an initial quota.
func New(quota core.RateQuota) *RateLimiter {
	rl := &RateLimiter{}
	rl.setBuckets(quota)
	return rl
}

func bucket(capacity, periodSeconds int) *rate.Limiter {
	if capacity <= 0 {
		// An unconfigured bucket never blocks.
		return rate.NewLimiter(rate.Inf, 1)
	}
	limit := rate.Limit(float64(capacity) / float64(periodSeconds))
	return rate.NewLimiter(limit, capacity)
}

func (rl *RateLimiter) setBuckets(q core.RateQuota) {
	rl.reqSec = bucket(q.RequestsPerSecond, perSecond)
	rl.reqMin = bucket(q.RequestsPerMinute, perMinute)
	rl.reqDay = bucket(q.RequestsPerDay, perDay)
	rl.wSec = bucket(q.WeightPerSecond, perSecond)
	rl.wMin = bucket(q.WeightPerMinute, perMinute)
	rl.wDay = bucket(q.WeightPerDay, perDay)
}

func (rl *RateLimiter) snapshot() [6]*rate.Limiter {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return [6]*rate.Limiter{rl.reqSec, rl.reqMin, rl.reqDay, rl.wSec, rl.wMin, rl.wDay}
}

// Acquire blocks until every bucket can admit one request of the given
// weight, then debits all six. Each underlying limiter's WaitN already
// queues fairly; composing six of them sequentially preserves FIFO order
// for a single caller relative to itself, and approximates fairness
// across callers since no limiter is skipped ahead of another.
func (rl *RateLimiter) Acquire(ctx context.Context, weight int) error {
	if weight <= 0 {
		weight = 1
	}
	buckets := rl.snapshot()
	ns := []int{1, 1, 1, weight, weight, weight}
	for i, b := range buckets {
		if err := b.WaitN(ctx, ns[i]); err != nil {
			return core.NewError(core.KindRateLimited, "rate limiter wait canceled", err)
		}
	}
	return nil
}

// TryAcquire attempts to admit one request of the given weight without
// blocking. On success all six buckets are debited; on failure none are
// (reservations for buckets already probed are canceled).
func (rl *RateLimiter) TryAcquire(weight int) bool {
	if weight <= 0 {
		weight = 1
	}
	buckets := rl.snapshot()
	ns := []int{1, 1, 1, weight, weight, weight}

	reservations := make([]*rate.Reservation, 0, len(buckets))
	now := time.Now()
	for i, b := range buckets {
		res := b.ReserveN(now, ns[i])
		if !res.OK() || res.DelayFrom(now) > 0 {
			if res.OK() {
				res.CancelAt(now)
			}
			for _, r := range reservations {
				r.CancelAt(now)
			}
			return false
		}
		reservations = append(reservations, res)
	}
	return true
}

// UpdateQuota atomically swaps all six buckets for a new quota. In-flight
// Acquire/TryAcquire calls observe either the old or new buckets
// depending on when they read the snapshot; they converge to the new
// quota on their next call.
func (rl *RateLimiter) UpdateQuota(quota core.RateQuota) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.setBuckets(quota)
}
