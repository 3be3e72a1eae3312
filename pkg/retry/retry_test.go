package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errPermanent = errors.New("permanent")

func isTransient(err error) bool {
	return errors.Is(err, errTransient)
}

func TestDoRetriesUntilSuccessWithinMaxAttempts(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: 0, MaxDelay: 0}
	attempts := 0

	err := Do(context.Background(), policy, isTransient, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoSurfacesErrorAfterExhaustingAttempts(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: 0, MaxDelay: 0}
	attempts := 0

	err := Do(context.Background(), policy, isTransient, func(context.Context) error {
		attempts++
		return errTransient
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoDoesNotRetryNonTransientErrors(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: 0, MaxDelay: 0}
	attempts := 0

	err := Do(context.Background(), policy, isTransient, func(context.Context) error {
		attempts++
		return errPermanent
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestServerErrorPolicyMatchesContract(t *testing.T) {
	p := ServerErrorPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
}
