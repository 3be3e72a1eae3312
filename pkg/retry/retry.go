// Package retry provides the exponential-backoff retry policy shared by
// ExchangeClient's REST calls, built on failsafe-go's retry policy rather
// than a hand-rolled loop.
package retry

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// ServerErrorPolicy is the 5xx schedule from the exchange client contract:
// base 200ms, factor 2, cap 4s, at most 3 attempts.
func ServerErrorPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 4 * time.Second}
}

// IsTransientFunc classifies an error as worth retrying.
type IsTransientFunc func(error) bool

// Do runs fn under the given policy, retrying only errors accepted by
// isTransient. It returns the last error once attempts are exhausted.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func(context.Context) error) error {
	builder := retrypolicy.Builder[any]().
		WithMaxAttempts(policy.MaxAttempts).
		WithBackoff(policy.BaseDelay, policy.MaxDelay).
		HandleIf(func(_ any, err error) bool {
			return err != nil && isTransient(err)
		})
	executor := failsafe.NewExecutor[any](builder.Build())

	_, err := executor.GetWithExecution(func(exec failsafe.Execution[any]) (any, error) {
		return nil, fn(ctx)
	})
	return err
}
