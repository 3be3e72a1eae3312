package core

import "fmt"

// ErrorKind tags a TradingError with the taxonomy category that determines
// how the Engine propagates it (see the error handling design).
type ErrorKind string

const (
	KindTransientNetwork  ErrorKind = "TRANSIENT_NETWORK"
	KindRateLimited       ErrorKind = "RATE_LIMITED"
	KindRateLimitExceeded ErrorKind = "RATE_LIMIT_EXCEEDED"
	KindExchangeRejected  ErrorKind = "EXCHANGE_REJECTED"
	KindValidationFailed  ErrorKind = "VALIDATION_FAILURE"
	KindRiskRejection     ErrorKind = "RISK_REJECTION"
	KindStaleState        ErrorKind = "STALE_STATE"
	KindFatal             ErrorKind = "FATAL"
)

// TradingError is the kind-tagged error every component surfaces across a
// component boundary. It wraps an optional cause and an exchange error
// code where applicable (ExchangeRejected).
type TradingError struct {
	Kind    ErrorKind
	Message string
	Code    string
	Cause   error
}

func (e *TradingError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code=%s)", e.Kind, e.Message, e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TradingError) Unwrap() error {
	return e.Cause
}

// NewError builds a TradingError of the given kind.
func NewError(kind ErrorKind, message string, cause error) *TradingError {
	return &TradingError{Kind: kind, Message: message, Cause: cause}
}

// NewExchangeRejected builds an ExchangeRejected error carrying the
// exchange's own error code.
func NewExchangeRejected(code, message string) *TradingError {
	return &TradingError{Kind: KindExchangeRejected, Message: message, Code: code}
}

// IsKind reports whether err is a *TradingError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	te, ok := err.(*TradingError)
	return ok && te.Kind == kind
}
