package request

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calder-labs/unicex/exchanges/errs"
)

func newTestRequester(tb testing.TB, opts ...RequesterOption) *Requester {
	tb.Helper()
	return New("test", &http.Client{Timeout: time.Second * 5}, opts...)
}

func TestSendPayloadInvalidInput(t *testing.T) {
	t.Parallel()

	var nilRequester *Requester
	err := nilRequester.SendPayload(context.Background(), Unset, func() (*Item, error) { return nil, nil }, UnauthenticatedRequest)
	require.ErrorIs(t, err, ErrRequestSystemIsNil)

	r := newTestRequester(t)
	err = r.SendPayload(context.Background(), Unset, nil, UnauthenticatedRequest)
	require.ErrorIs(t, err, errRequestFunctionIsNil)

	err = r.SendPayload(context.Background(), Unset, func() (*Item, error) { return nil, nil }, UnauthenticatedRequest)
	require.ErrorIs(t, err, errRequestItemNil)

	err = r.SendPayload(context.Background(), Unset, func() (*Item, error) { return &Item{}, nil }, UnauthenticatedRequest)
	require.ErrorIs(t, err, errInvalidPath)
}

func TestSendPayloadDecodesResult(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "unicex-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price":"42000.5","qty":2}`))
	}))
	defer srv.Close()

	r := newTestRequester(t, WithUserAgent("unicex-test"))
	var result struct {
		Price string  `json:"price"`
		Qty   float64 `json:"qty"`
	}
	err := r.SendPayload(context.Background(), Unset, func() (*Item, error) {
		return &Item{Method: http.MethodGet, Path: srv.URL, Result: &result}, nil
	}, UnauthenticatedRequest)
	require.NoError(t, err)
	assert.Equal(t, "42000.5", result.Price)
	assert.Equal(t, 2.0, result.Qty)
}

func TestSendPayloadStatusClassification(t *testing.T) {
	t.Parallel()

	for status, kind := range map[int]error{
		http.StatusTooManyRequests:     errs.ErrRateLimitExceeded,
		http.StatusTeapot:              errs.ErrRateLimitExceeded,
		http.StatusUnauthorized:        errs.ErrAuthentication,
		http.StatusForbidden:           errs.ErrAuthentication,
		http.StatusBadRequest:          errs.ErrBadRequest,
		http.StatusInternalServerError: errs.ErrExchangeNotAvailable,
		http.StatusBadGateway:          errs.ErrExchangeNotAvailable,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"msg":"nope"}`))
		}))

		r := newTestRequester(t)
		err := r.SendPayload(context.Background(), Unset, func() (*Item, error) {
			return &Item{Method: http.MethodGet, Path: srv.URL}, nil
		}, UnauthenticatedRequest)
		require.ErrorIsf(t, err, kind, "status %d", status)
		require.ErrorIsf(t, err, errs.ErrExchange, "status %d", status)
		srv.Close()
	}
}

func TestSendPayloadTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	r := newTestRequester(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.SendPayload(ctx, Unset, func() (*Item, error) {
		return &Item{Method: http.MethodGet, Path: srv.URL}, nil
	}, UnauthenticatedRequest)
	require.ErrorIs(t, err, errs.ErrRequestTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendPayloadNetworkFailure(t *testing.T) {
	t.Parallel()

	r := newTestRequester(t)
	err := r.SendPayload(context.Background(), Unset, func() (*Item, error) {
		return &Item{Method: http.MethodGet, Path: "http://127.0.0.1:1"}, nil
	}, UnauthenticatedRequest)
	require.ErrorIs(t, err, errs.ErrNetwork)
}

func TestSendPayloadHandleResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Custom", "yes")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"1234"}`))
	}))
	defer srv.Close()

	var captured *Response
	r := newTestRequester(t)
	err := r.SendPayload(context.Background(), Unset, func() (*Item, error) {
		return &Item{
			Method: http.MethodGet,
			Path:   srv.URL,
			HandleResponse: func(resp *Response) error {
				captured = resp
				return nil
			},
		}, nil
	}, UnauthenticatedRequest)
	require.NoError(t, err, "hook decides the outcome, not the status code")
	require.NotNil(t, captured)
	assert.Equal(t, http.StatusConflict, captured.StatusCode)
	assert.Equal(t, "yes", captured.Headers.Get("X-Custom"))
	assert.JSONEq(t, `{"code":"1234"}`, string(captured.Body))
}

func TestSendPayloadHeaderResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Mbx-Used-Weight-1m", "250")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	r := newTestRequester(t)
	headers := http.Header{}
	err := r.SendPayload(context.Background(), Unset, func() (*Item, error) {
		return &Item{Method: http.MethodGet, Path: srv.URL, HeaderResponse: &headers}, nil
	}, UnauthenticatedRequest)
	require.NoError(t, err)
	assert.Equal(t, "250", headers.Get("X-Mbx-Used-Weight-1m"))

	var nilHeaders http.Header
	err = r.SendPayload(context.Background(), Unset, func() (*Item, error) {
		return &Item{Method: http.MethodGet, Path: srv.URL, HeaderResponse: &nilHeaders}, nil
	}, UnauthenticatedRequest)
	require.ErrorIs(t, err, errHeaderResponseNil)
}

func TestSendPayloadThrottles(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	r := newTestRequester(t, WithLimiter(RateLimitDefinitions{
		Unset: NewRateLimitWithWeight(time.Second, 2, 1),
	}))

	start := time.Now()
	for range 3 {
		err := r.SendPayload(context.Background(), Unset, func() (*Item, error) {
			return &Item{Method: http.MethodGet, Path: srv.URL}, nil
		}, UnauthenticatedRequest)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond, "third call must wait for refill")
	assert.Equal(t, 3, calls)
}

func TestSendPayloadRateLimiterNotFound(t *testing.T) {
	t.Parallel()

	r := newTestRequester(t, WithLimiter(RateLimitDefinitions{
		Auth: NewRateLimitWithWeight(time.Second, 1, 1),
	}))
	err := r.SendPayload(context.Background(), EndpointLimit(999), func() (*Item, error) {
		return &Item{Method: http.MethodGet, Path: "http://localhost"}, nil
	}, UnauthenticatedRequest)
	require.ErrorIs(t, err, ErrRateLimiterNotFound)
}

func TestSendPayloadDelayNotAllowed(t *testing.T) {
	t.Parallel()

	r := newTestRequester(t, WithLimiter(RateLimitDefinitions{
		Unset: NewRateLimitWithWeight(time.Hour, 1, 1),
	}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx := WithDelayNotAllowed(context.Background())
	gen := func() (*Item, error) {
		return &Item{Method: http.MethodGet, Path: srv.URL}, nil
	}
	require.NoError(t, r.SendPayload(ctx, Unset, gen, UnauthenticatedRequest))
	err := r.SendPayload(ctx, Unset, gen, UnauthenticatedRequest)
	require.ErrorIs(t, err, errs.ErrRateLimitExceeded)
}

func TestDisableEnableRateLimiter(t *testing.T) {
	t.Parallel()

	r := newTestRequester(t, WithLimiter(RateLimitDefinitions{
		Unset: NewRateLimitWithWeight(time.Hour, 1, 1),
	}))
	require.NoError(t, r.DisableRateLimiter())
	require.Error(t, r.DisableRateLimiter())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	// With limiting disabled the one-per-hour bucket must not block
	start := time.Now()
	for range 5 {
		err := r.SendPayload(context.Background(), Unset, func() (*Item, error) {
			return &Item{Method: http.MethodGet, Path: srv.URL}, nil
		}, UnauthenticatedRequest)
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), time.Second)

	require.NoError(t, r.EnableRateLimiter())
	require.Error(t, r.EnableRateLimiter())
}

func TestGetNonceMonotonic(t *testing.T) {
	t.Parallel()

	r := newTestRequester(t)
	first := r.GetNonce(true)
	r.timedLock.UnlockIfLocked()
	second := r.GetNonce(true)
	r.timedLock.UnlockIfLocked()
	assert.Greater(t, int64(second), int64(first))

	milli := newTestRequester(t)
	a := milli.GetNonceMilli()
	milli.timedLock.UnlockIfLocked()
	b := milli.GetNonceMilli()
	milli.timedLock.UnlockIfLocked()
	assert.Greater(t, int64(b), int64(a))
}

type trackingReporter struct {
	mu        sync.Mutex
	latencies []string
	waits     int
}

func (tr *trackingReporter) Latency(venue, method, path string, _ int, _ bool, _ time.Duration) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.latencies = append(tr.latencies, strings.Join([]string{venue, method, path}, " "))
}

func (tr *trackingReporter) ThrottleWait(string, time.Duration) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.waits++
}

func TestReporterObservesRequests(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	rep := &trackingReporter{}
	r := newTestRequester(t,
		WithReporter(rep),
		WithLimiter(RateLimitDefinitions{Unset: NewRateLimitWithWeight(time.Second, 10, 1)}),
	)
	err := r.SendPayload(context.Background(), Unset, func() (*Item, error) {
		return &Item{Method: http.MethodGet, Path: srv.URL + "/api/v1/ticker?symbol=BTCUSDT&signature=abc"}, nil
	}, UnauthenticatedRequest)
	require.NoError(t, err)

	rep.mu.Lock()
	defer rep.mu.Unlock()
	require.Len(t, rep.latencies, 1)
	assert.Equal(t, "test GET /api/v1/ticker", rep.latencies[0], "query string must be stripped from reported path")
	assert.Equal(t, 1, rep.waits)
}

func TestRateLimiterStatusAndHeaderResync(t *testing.T) {
	t.Parallel()

	r := newTestRequester(t, WithLimiter(RateLimitDefinitions{
		Unset: NewRateLimitWithWeight(time.Hour, 100, 1),
	}))

	st, err := r.RateLimiterStatus(Unset)
	require.NoError(t, err)
	assert.Equal(t, 100, st.Capacity)

	require.NoError(t, r.UpdateRateLimitFromHeader(Unset, 75))
	st, err = r.RateLimiterStatus(Unset)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, st.Available, 1.0)

	_, err = r.RateLimiterStatus(EndpointLimit(999))
	require.ErrorIs(t, err, ErrRateLimiterNotFound)
	require.ErrorIs(t, r.UpdateRateLimitFromHeader(EndpointLimit(999), 1), ErrRateLimiterNotFound)
}
