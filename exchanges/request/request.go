// Package request provides the shared HTTP dispatch pipeline used by every
// venue implementation. Requests pass through the venue's rate limiter, are
// generated fresh after capacity is granted so signed timestamps do not go
// stale, and responses flow back through per-request hooks for envelope
// handling.
package request

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/calder-labs/unicex/common/timedmutex"
	"github.com/calder-labs/unicex/exchanges/errs"
	"github.com/calder-labs/unicex/exchanges/nonce"
)

const (
	userAgentHeader = "User-Agent"
	// DefaultTimeout is the HTTP client timeout applied when no client is
	// supplied
	DefaultTimeout = 15 * time.Second
	// DefaultMutexLockTimeout is the deadline on the nonce serialization lock
	DefaultMutexLockTimeout = 50 * time.Millisecond
	// MaxRequestJobs limits concurrent in-flight requests per venue
	MaxRequestJobs int32 = 50
)

var (
	// ErrRequestSystemIsNil is returned when the requester has not been set up
	ErrRequestSystemIsNil = errors.New("request system is nil")
	// ErrRateLimiterNotFound is returned when an endpoint has no bucket in
	// the venue's rate limit definitions
	ErrRateLimiterNotFound = errors.New("no rate limiter found for endpoint")

	errMaxRequestJobs       = errors.New("max request jobs reached")
	errRequestFunctionIsNil = errors.New("request function is nil")
	errRequestItemNil       = errors.New("request item is nil")
	errInvalidPath          = errors.New("invalid path")
	errHeaderResponseNil    = errors.New("header response map is nil")
)

// AuthType marks whether a request carries credentials, for serialization
// and reporting purposes
type AuthType uint8

const (
	// UnauthenticatedRequest is a public endpoint request
	UnauthenticatedRequest AuthType = iota
	// AuthenticatedRequest is a signed private endpoint request
	AuthenticatedRequest
)

// Reporter receives request measurements. Implementations must be safe for
// concurrent use.
type Reporter interface {
	Latency(venue, method, path string, status int, authenticated bool, elapsed time.Duration)
	ThrottleWait(venue string, waited time.Duration)
}

// Generate is a closure that yields a new request item. It runs after the
// rate limiter grants capacity, so timestamps and signatures are produced as
// late as possible.
type Generate func() (*Item, error)

// Item is a single outbound request
type Item struct {
	Method        string
	Path          string
	Headers       map[string]string
	Body          io.Reader
	Result        any
	Verbose       bool
	HTTPDebugging bool

	// HeaderResponse receives a clone of the response headers when non-nil
	HeaderResponse *http.Header

	// HandleResponse takes over response processing when non-nil. Status
	// classification, envelope unwrapping and decoding become the hook's
	// responsibility.
	HandleResponse func(*Response) error
}

// Response is the decoded-agnostic view of an HTTP response handed to
// response hooks
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Requester dispatches rate limited HTTP requests for one venue
type Requester struct {
	HTTPClient *http.Client
	Name       string
	UserAgent  string
	Nonce      nonce.Nonce

	limiter            RateLimitDefinitions
	reporter           Reporter
	log                zerolog.Logger
	timedLock          *timedmutex.TimedMutex
	jobs               int32
	disableRateLimiter int32
}

// RequesterOption configures a Requester
type RequesterOption func(*Requester)

// WithLimiter sets the venue's endpoint rate limit definitions
func WithLimiter(l RateLimitDefinitions) RequesterOption {
	return func(r *Requester) { r.limiter = l }
}

// WithReporter sets a measurement sink
func WithReporter(rep Reporter) RequesterOption {
	return func(r *Requester) { r.reporter = rep }
}

// WithLogger sets the requester logger
func WithLogger(l zerolog.Logger) RequesterOption {
	return func(r *Requester) { r.log = l }
}

// WithUserAgent sets the User-Agent header applied to requests that do not
// carry their own
func WithUserAgent(ua string) RequesterOption {
	return func(r *Requester) { r.UserAgent = ua }
}

// New returns a Requester for a venue. A nil client gets a default with
// DefaultTimeout.
func New(name string, httpClient *http.Client, opts ...RequesterOption) *Requester {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	r := &Requester{
		HTTPClient: httpClient,
		Name:       name,
		log:        zerolog.Nop(),
		timedLock:  timedmutex.New(DefaultMutexLockTimeout),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SendPayload throttles, generates and dispatches a request
func (r *Requester) SendPayload(ctx context.Context, ep EndpointLimit, newRequest Generate, requestType AuthType) error {
	if r == nil {
		return ErrRequestSystemIsNil
	}
	if newRequest == nil {
		return errRequestFunctionIsNil
	}

	if atomic.LoadInt32(&r.jobs) >= MaxRequestJobs {
		r.timedLock.UnlockIfLocked()
		return errMaxRequestJobs
	}

	atomic.AddInt32(&r.jobs, 1)
	err := r.drive(ctx, ep, newRequest, requestType)
	atomic.AddInt32(&r.jobs, -1)
	r.timedLock.UnlockIfLocked()
	return err
}

func (r *Requester) drive(ctx context.Context, ep EndpointLimit, newRequest Generate, requestType AuthType) error {
	if err := r.InitiateRateLimit(ctx, ep); err != nil {
		return err
	}
	item, err := newRequest()
	if err != nil {
		return err
	}
	return r.doRequest(ctx, item, requestType)
}

// InitiateRateLimit consumes the endpoint's weight from its bucket, blocking
// until capacity is available or ctx is done. When the context forbids
// delay, tokens are taken only if immediately available.
func (r *Requester) InitiateRateLimit(ctx context.Context, e EndpointLimit) error {
	if r == nil {
		return ErrRequestSystemIsNil
	}
	if atomic.LoadInt32(&r.disableRateLimiter) == 1 || r.limiter == nil {
		return nil
	}

	rl, ok := r.limiter[e]
	if !ok || rl == nil {
		return fmt.Errorf("%s %w: %d", r.Name, ErrRateLimiterNotFound, e)
	}

	if hasDelayNotAllowed(ctx) {
		if !rl.TryConsume(int(rl.Weight)) {
			return errs.New(r.Name, errs.ErrRateLimitExceeded, "tokens unavailable without delay")
		}
		return nil
	}

	start := time.Now()
	if err := rl.Consume(ctx, int(rl.Weight)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%s rate limit: %w", r.Name, err)
	}
	if r.reporter != nil {
		r.reporter.ThrottleWait(r.Name, time.Since(start))
	}
	return nil
}

// validateRequest validates the requester item fields
func (i *Item) validateRequest(ctx context.Context, r *Requester) (*http.Request, error) {
	if i == nil {
		return nil, errRequestItemNil
	}
	if i.Path == "" {
		return nil, errInvalidPath
	}
	if i.HeaderResponse != nil && *i.HeaderResponse == nil {
		return nil, errHeaderResponseNil
	}

	req, err := http.NewRequestWithContext(ctx, i.Method, i.Path, i.Body)
	if err != nil {
		return nil, err
	}

	for k, v := range i.Headers {
		req.Header.Add(k, v)
	}
	if r.UserAgent != "" && req.Header.Get(userAgentHeader) == "" {
		req.Header.Add(userAgentHeader, r.UserAgent)
	}
	return req, nil
}

func (r *Requester) doRequest(ctx context.Context, item *Item, requestType AuthType) error {
	req, err := item.validateRequest(ctx, r)
	if err != nil {
		return err
	}

	verbose := IsVerbose(ctx, item.Verbose)
	if item.HTTPDebugging {
		if dump, derr := httputil.DumpRequestOut(req, true); derr == nil {
			r.log.Debug().Str("venue", r.Name).Msgf("request dump:\n%s", dump)
		}
	} else if verbose {
		r.log.Debug().
			Str("venue", r.Name).
			Str("method", item.Method).
			Str("path", item.Path).
			Msg("sending request")
	}

	start := time.Now()
	resp, err := r.HTTPClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		kind := errs.ErrNetwork
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			kind = errs.ErrRequestTimeout
		}
		return errs.New(r.Name, kind, "request failed").WithCause(err)
	}
	defer resp.Body.Close()

	contents, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.New(r.Name, errs.ErrNetwork, "failed to read response body").WithCause(err)
	}

	if r.reporter != nil {
		r.reporter.Latency(r.Name, item.Method, requestPath(item.Path), resp.StatusCode, requestType == AuthenticatedRequest, elapsed)
	}

	if item.HeaderResponse != nil {
		*item.HeaderResponse = resp.Header.Clone()
	}

	if item.HTTPDebugging {
		r.log.Debug().Str("venue", r.Name).Msgf("response dump (%d):\n%s", resp.StatusCode, contents)
	} else if verbose {
		r.log.Debug().
			Str("venue", r.Name).
			Int("status", resp.StatusCode).
			Msgf("raw response: %s", contents)
	}

	if item.HandleResponse != nil {
		return item.HandleResponse(&Response{
			StatusCode: resp.StatusCode,
			Headers:    resp.Header,
			Body:       contents,
		})
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return errs.New(r.Name, errs.KindFromHTTPStatus(resp.StatusCode), string(contents)).
			WithHTTP(resp.StatusCode)
	}

	if item.Result != nil {
		if err := json.Unmarshal(contents, item.Result); err != nil {
			return fmt.Errorf("%s failed to decode response: %w", r.Name, err)
		}
	}
	return nil
}

// requestPath strips the query string so reporters do not explode label
// cardinality with signed parameters
func requestPath(full string) string {
	u, err := url.Parse(full)
	if err != nil {
		return full
	}
	return u.Path
}

// GetNonce returns a strictly increasing nonce seeded at nanosecond or
// second resolution. Takes the nonce lock so issue order matches dispatch
// order; SendPayload releases it.
func (r *Requester) GetNonce(isNano bool) nonce.Value {
	r.timedLock.LockForDuration()
	if isNano {
		return r.Nonce.GetInc(nonce.UnixNano)
	}
	return r.Nonce.GetInc(nonce.Unix)
}

// GetNonceMilli behaves as GetNonce at millisecond resolution
func (r *Requester) GetNonceMilli() nonce.Value {
	r.timedLock.LockForDuration()
	return r.Nonce.GetInc(nonce.UnixMilli)
}

// DisableRateLimiter disables the rate limiting system for the exchange
func (r *Requester) DisableRateLimiter() error {
	if !atomic.CompareAndSwapInt32(&r.disableRateLimiter, 0, 1) {
		return fmt.Errorf("%s rate limiter already disabled", r.Name)
	}
	return nil
}

// EnableRateLimiter enables the rate limiting system for the exchange
func (r *Requester) EnableRateLimiter() error {
	if !atomic.CompareAndSwapInt32(&r.disableRateLimiter, 1, 0) {
		return fmt.Errorf("%s rate limiter already enabled", r.Name)
	}
	return nil
}

// SetProxy sets a proxy address on the client transport
func (r *Requester) SetProxy(p *url.URL) error {
	if p == nil || p.String() == "" {
		return errors.New("no proxy URL supplied")
	}
	if r.HTTPClient.Transport == nil {
		r.HTTPClient.Transport = &http.Transport{Proxy: http.ProxyURL(p)}
		return nil
	}
	t, ok := r.HTTPClient.Transport.(*http.Transport)
	if !ok {
		return errors.New("cannot set proxy on custom transport")
	}
	t.Proxy = http.ProxyURL(p)
	return nil
}

// SetHTTPClientTimeout sets the dispatch deadline on the transport client
func (r *Requester) SetHTTPClientTimeout(d time.Duration) {
	if d > 0 {
		r.HTTPClient.Timeout = d
	}
}

// SetReporter replaces the measurement sink
func (r *Requester) SetReporter(rep Reporter) {
	r.reporter = rep
}

// SetLogger replaces the requester logger
func (r *Requester) SetLogger(l zerolog.Logger) {
	r.log = l
}

// RateLimiterStatus reports the bucket backing an endpoint, for callers that
// surface throttle state
func (r *Requester) RateLimiterStatus(e EndpointLimit) (LimiterStatus, error) {
	if r == nil {
		return LimiterStatus{}, ErrRequestSystemIsNil
	}
	rl, ok := r.limiter[e]
	if !ok || rl == nil {
		return LimiterStatus{}, fmt.Errorf("%s %w: %d", r.Name, ErrRateLimiterNotFound, e)
	}
	return rl.Status(), nil
}

// UpdateRateLimitFromHeader resynchronises an endpoint's bucket from a venue
// usage header value
func (r *Requester) UpdateRateLimitFromHeader(e EndpointLimit, used int) error {
	if r == nil {
		return ErrRequestSystemIsNil
	}
	rl, ok := r.limiter[e]
	if !ok || rl == nil {
		return fmt.Errorf("%s %w: %d", r.Name, ErrRateLimiterNotFound, e)
	}
	rl.UpdateFromHeader(used)
	return nil
}
