package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTradingErrorStringFormatsByAvailableFields(t *testing.T) {
	withCode := NewExchangeRejected("-2010", "insufficient balance")
	assert.Equal(t, "EXCHANGE_REJECTED: insufficient balance (code=-2010)", withCode.Error())

	cause := errors.New("dial tcp: connection refused")
	withCause := NewError(KindTransientNetwork, "request failed", cause)
	assert.Equal(t, "TRANSIENT_NETWORK: request failed: dial tcp: connection refused", withCause.Error())

	bare := NewError(KindValidationFailed, "qty must be positive", nil)
	assert.Equal(t, "VALIDATION_FAILURE: qty must be positive", bare.Error())
}

func TestTradingErrorUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	wrapped := NewError(KindFatal, "unrecoverable", cause)
	assert.Same(t, cause, errors.Unwrap(wrapped))
	assert.True(t, errors.Is(wrapped, cause))
}

func TestIsKindMatchesTradingErrorKind(t *testing.T) {
	err := NewExchangeRejected("-1013", "filter failure")
	assert.True(t, IsKind(err, KindExchangeRejected))
	assert.False(t, IsKind(err, KindRateLimited))
	assert.False(t, IsKind(errors.New("plain error"), KindFatal))
}
