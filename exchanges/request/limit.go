package request

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Const here define individual functionality sub types for rate limiting
const (
	Unset EndpointLimit = iota
	Auth
	UnAuth
)

// EndpointLimit defines individual endpoint rate limit buckets keyed in a
// venue's RateLimitDefinitions
type EndpointLimit int

var errConsumeExceedsCapacity = errors.New("consume weight exceeds bucket capacity")

// RateLimiter is a weighted token bucket. A bucket holding capacity tokens
// refills at a constant rate; a request consumes its endpoint weight in
// tokens and blocks until they are available. Waiters are served in arrival
// order.
type RateLimiter struct {
	mu       sync.Mutex
	bucket   *rate.Limiter
	capacity int
}

// NewRateLimit creates a bucket allowing actions per interval, with burst
// capacity equal to actions. Non-positive arguments yield an unrestricted
// bucket.
func NewRateLimit(interval time.Duration, actions int) *RateLimiter {
	if actions <= 0 || interval <= 0 {
		return &RateLimiter{bucket: rate.NewLimiter(rate.Inf, 1), capacity: 1}
	}
	rps := float64(actions) / interval.Seconds()
	return &RateLimiter{bucket: rate.NewLimiter(rate.Limit(rps), actions), capacity: actions}
}

// Consume blocks until n tokens are available or ctx is done
func (r *RateLimiter) Consume(ctx context.Context, n int) error {
	if n <= 0 {
		n = 1
	}
	r.mu.Lock()
	bucket := r.bucket
	capacity := r.capacity
	r.mu.Unlock()
	if bucket.Limit() != rate.Inf && n > capacity {
		return fmt.Errorf("%w: %d > %d", errConsumeExceedsCapacity, n, capacity)
	}
	return bucket.WaitN(ctx, n)
}

// TryConsume takes n tokens only if they are immediately available
func (r *RateLimiter) TryConsume(n int) bool {
	if n <= 0 {
		n = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bucket.AllowN(time.Now(), n)
}

// LimiterStatus is a point in time view of a bucket
type LimiterStatus struct {
	Capacity        int
	Available       float64
	RefillPerSecond float64
}

// Status reports bucket capacity, currently available tokens and refill rate
func (r *RateLimiter) Status() LimiterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	available := r.bucket.TokensAt(time.Now())
	if available < 0 {
		available = 0
	}
	if c := float64(r.capacity); available > c {
		available = c
	}
	return LimiterStatus{
		Capacity:        r.capacity,
		Available:       available,
		RefillPerSecond: float64(r.bucket.Limit()),
	}
}

// UpdateFromHeader resynchronises the bucket against the venue's reported
// usage so local accounting tracks what the venue has actually counted.
// Available tokens become capacity minus used, floored at zero. Requests
// already waiting keep their existing reservations.
func (r *RateLimiter) UpdateFromHeader(used int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bucket.Limit() == rate.Inf {
		return
	}
	target := r.capacity - used
	if target < 0 {
		target = 0
	}
	now := time.Now()
	current := int(r.bucket.TokensAt(now))
	switch {
	case target < current:
		// Burn the surplus. Tokens are available so this cannot delay.
		r.bucket.ReserveN(now, current-target)
	case target > current:
		// x/time/rate cannot add tokens, so swap in a fresh bucket burned
		// down to the target.
		fresh := rate.NewLimiter(r.bucket.Limit(), r.capacity)
		if burn := r.capacity - target; burn > 0 {
			fresh.ReserveN(now, burn)
		}
		r.bucket = fresh
	}
}

// Weight is the token cost of a single endpoint invocation
type Weight int

// RateLimiterWithWeight couples a shared bucket with the weight an endpoint
// consumes per call
type RateLimiterWithWeight struct {
	*RateLimiter
	Weight Weight
}

// GetRateLimiterWithWeight pairs a bucket with an endpoint weight
func GetRateLimiterWithWeight(l *RateLimiter, weight Weight) *RateLimiterWithWeight {
	return &RateLimiterWithWeight{RateLimiter: l, Weight: weight}
}

// NewRateLimitWithWeight creates a bucket and pairs it with a weight
func NewRateLimitWithWeight(interval time.Duration, actions int, weight Weight) *RateLimiterWithWeight {
	return GetRateLimiterWithWeight(NewRateLimit(interval, actions), weight)
}

// NewWeightedRateLimitByDuration creates a weight 1 bucket allowing one
// action per duration
func NewWeightedRateLimitByDuration(interval time.Duration) *RateLimiterWithWeight {
	return NewRateLimitWithWeight(interval, 1, 1)
}

// RateLimitDefinitions is a venue's endpoint to bucket-and-weight mapping.
// Multiple endpoints may share one underlying bucket with differing weights.
type RateLimitDefinitions map[EndpointLimit]*RateLimiterWithWeight

// RateLimit consumes the weighted limiter, blocking until the tokens are
// available or ctx is done. A nil limiter is a no-op.
func RateLimit(ctx context.Context, rl *RateLimiterWithWeight) error {
	if rl == nil || rl.RateLimiter == nil {
		return nil
	}
	return rl.Consume(ctx, int(rl.Weight))
}
