package exchange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"tradecore/internal/logging"
)

// rateLimitExceededErr is what rateLimitRetryTransport returns when a
// second consecutive 429/418 follows the Retry-After sleep. translateErr
// maps it onto core.KindRateLimitExceeded.
type rateLimitExceededErr struct {
	statusCode int
}

func (e *rateLimitExceededErr) Error() string {
	return fmt.Sprintf("rate limited again after Retry-After sleep and one retry (status %d)", e.statusCode)
}

// rateLimitRetryTransport implements the exchange client contract's
// 429/418 handling at the HTTP transport layer: go-binance/v2's callAPI
// unmarshals any non-2xx body straight into *common.APIError and
// discards the *http.Response, so the status code and Retry-After header
// the contract needs are never visible above this layer. Wrapping the
// SDK's http.Client.Transport is the only point that information still
// exists.
type rateLimitRetryTransport struct {
	base   http.RoundTripper
	logger logging.Logger
	sleep  func(ctx context.Context, d time.Duration)
}

func newRateLimitRetryTransport(base http.RoundTripper, logger logging.Logger) *rateLimitRetryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &rateLimitRetryTransport{base: base, logger: logger, sleep: ctxSleep}
}

func ctxSleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func isRateLimitStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == 418
}

// RoundTrip sends req once; on a 429/418 response it reads Retry-After,
// sleeps exactly that duration, and retries exactly once. A second
// 429/418 is surfaced as rateLimitExceededErr rather than retried again.
func (t *rateLimitRetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	bodyBytes, err := drainBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := t.base.RoundTrip(cloneRequestWithBody(req, bodyBytes))
	if err != nil || !isRateLimitStatus(resp.StatusCode) {
		return resp, err
	}

	wait := retryAfterDuration(resp.Header.Get("Retry-After"))
	resp.Body.Close()
	t.logger.Warn("rate limited, sleeping for Retry-After before single retry", "wait", wait.String(), "status", resp.StatusCode)
	t.sleep(req.Context(), wait)

	resp2, err := t.base.RoundTrip(cloneRequestWithBody(req, bodyBytes))
	if err != nil {
		return resp2, err
	}
	if isRateLimitStatus(resp2.StatusCode) {
		resp2.Body.Close()
		return nil, &rateLimitExceededErr{statusCode: resp2.StatusCode}
	}
	return resp2, nil
}

// drainBody reads and closes req.Body so it can be replayed across the
// two attempts a rate-limited request may need; RoundTrip is permitted to
// consume and close the request body it is given.
func drainBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	b, err := io.ReadAll(req.Body)
	req.Body.Close()
	return b, err
}

func cloneRequestWithBody(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.ContentLength = int64(len(body))
	}
	return clone
}

// retryAfterDuration parses the Retry-After header. Binance always sends
// an integer count of seconds; the HTTP-date form from RFC 7231 §7.1.3 is
// accepted too for any Binance-compatible venue that uses it. An absent
// or unparsable header falls back to 1s rather than not waiting at all.
func retryAfterDuration(v string) time.Duration {
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return time.Second
}
