package exchange

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/core"
	"tradecore/internal/logging"
)

// fakeRoundTripper replays a canned sequence of responses, one per call,
// and records the requests it was handed so tests can assert the body
// survived a retry.
type fakeRoundTripper struct {
	responses []*http.Response
	calls     int
	gotBodies []string
}

func (f *fakeRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		body = string(b)
	}
	f.gotBodies = append(f.gotBodies, body)
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

func jsonResponse(status int, headers map[string]string, body string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newRequestWithBody(t *testing.T, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://example.test/api/v3/order", strings.NewReader(body))
	require.NoError(t, err)
	return req
}

func TestRateLimitRetryTransportSleepsRetryAfterThenSucceeds(t *testing.T) {
	base := &fakeRoundTripper{responses: []*http.Response{
		jsonResponse(http.StatusTooManyRequests, map[string]string{"Retry-After": "3"}, `{"code":-1003,"msg":"too many requests"}`),
		jsonResponse(http.StatusOK, nil, `{"orderId":1}`),
	}}
	var slept time.Duration
	tr := newRateLimitRetryTransport(base, logging.NewNop())
	tr.sleep = func(ctx context.Context, d time.Duration) { slept = d }

	req := newRequestWithBody(t, "symbol=BTCUSDT")
	resp, err := tr.RoundTrip(req)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3*time.Second, slept)
	assert.Equal(t, 2, base.calls)
	assert.Equal(t, []string{"symbol=BTCUSDT", "symbol=BTCUSDT"}, base.gotBodies, "retry must replay the original request body")
}

func TestRateLimitRetryTransportSecondRateLimitSurfacesExceededErr(t *testing.T) {
	base := &fakeRoundTripper{responses: []*http.Response{
		jsonResponse(http.StatusTooManyRequests, map[string]string{"Retry-After": "1"}, `{"code":-1003,"msg":"too many requests"}`),
		jsonResponse(http.StatusTooManyRequests, map[string]string{"Retry-After": "1"}, `{"code":-1003,"msg":"too many requests"}`),
	}}
	tr := newRateLimitRetryTransport(base, logging.NewNop())
	tr.sleep = func(ctx context.Context, d time.Duration) {}

	req := newRequestWithBody(t, "symbol=BTCUSDT")
	resp, err := tr.RoundTrip(req)

	assert.Nil(t, resp)
	require.Error(t, err)
	var rle *rateLimitExceededErr
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 2, base.calls, "must retry exactly once, never loop")
}

func TestRateLimitRetryTransportPassesThroughNonRateLimitedResponses(t *testing.T) {
	base := &fakeRoundTripper{responses: []*http.Response{
		jsonResponse(http.StatusOK, nil, `{"orderId":1}`),
	}}
	tr := newRateLimitRetryTransport(base, logging.NewNop())

	resp, err := tr.RoundTrip(newRequestWithBody(t, "symbol=BTCUSDT"))

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, base.calls)
}

func TestRetryAfterDurationParsesSecondsAndFallsBack(t *testing.T) {
	assert.Equal(t, 5*time.Second, retryAfterDuration("5"))
	assert.Equal(t, time.Second, retryAfterDuration(""))
	assert.Equal(t, time.Second, retryAfterDuration("not-a-duration"))
}

func TestTranslateErrMapsRateLimitExceeded(t *testing.T) {
	err := translateErr(&rateLimitExceededErr{statusCode: http.StatusTooManyRequests})
	assert.True(t, core.IsKind(err, core.KindRateLimitExceeded))
}
