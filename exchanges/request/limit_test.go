package request

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestNewRateLimit(t *testing.T) {
	t.Parallel()

	unrestricted := NewRateLimit(0, 0)
	require.Equal(t, rate.Inf, rate.Limit(unrestricted.Status().RefillPerSecond))

	half := NewRateLimit(time.Second*2, 1)
	assert.Equal(t, 0.5, half.Status().RefillPerSecond)
	assert.Equal(t, 1, half.Status().Capacity)

	ten := NewRateLimit(time.Second, 10)
	assert.Equal(t, 10.0, ten.Status().RefillPerSecond)
	assert.Equal(t, 10, ten.Status().Capacity)
}

func TestConsumeBlocksOnEmptyBucket(t *testing.T) {
	t.Parallel()

	l := NewRateLimit(time.Second, 10)
	ctx := context.Background()

	start := time.Now()
	for range 10 {
		require.NoError(t, l.Consume(ctx, 1))
	}
	require.Less(t, time.Since(start), 90*time.Millisecond, "first ten should not wait")

	start = time.Now()
	require.NoError(t, l.Consume(ctx, 1))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond, "eleventh must wait a refill period")
}

func TestConsumeWeighted(t *testing.T) {
	t.Parallel()

	l := NewRateLimit(time.Second, 10)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Consume(ctx, 4))
	require.NoError(t, l.Consume(ctx, 4))
	require.Less(t, time.Since(start), 90*time.Millisecond)

	// Two tokens remain; a weight 4 consume must wait for two more
	start = time.Now()
	require.NoError(t, l.Consume(ctx, 4))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestConsumeExceedsCapacity(t *testing.T) {
	t.Parallel()

	l := NewRateLimit(time.Second, 5)
	err := l.Consume(context.Background(), 6)
	require.ErrorIs(t, err, errConsumeExceedsCapacity)

	// Unrestricted buckets place no bound on weight
	require.NoError(t, NewRateLimit(0, 0).Consume(context.Background(), 50))
}

func TestConsumeContextDeadline(t *testing.T) {
	t.Parallel()

	l := NewRateLimit(time.Hour, 1)
	require.NoError(t, l.Consume(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Consume(ctx, 1), "waiting beyond the deadline must fail")
}

func TestTryConsume(t *testing.T) {
	t.Parallel()

	l := NewRateLimit(time.Hour, 2)
	assert.True(t, l.TryConsume(1))
	assert.True(t, l.TryConsume(1))
	assert.False(t, l.TryConsume(1), "empty bucket must not grant tokens")
}

func TestStatus(t *testing.T) {
	t.Parallel()

	l := NewRateLimit(time.Second, 10)
	st := l.Status()
	assert.Equal(t, 10, st.Capacity)
	assert.InDelta(t, 10.0, st.Available, 0.5)
	assert.Equal(t, 10.0, st.RefillPerSecond)

	require.NoError(t, l.Consume(context.Background(), 4))
	assert.InDelta(t, 6.0, l.Status().Available, 0.5)
}

func TestUpdateFromHeader(t *testing.T) {
	t.Parallel()

	l := NewRateLimit(time.Hour, 100)

	// Venue reports more usage than accounted locally
	l.UpdateFromHeader(70)
	assert.InDelta(t, 30.0, l.Status().Available, 1.0)

	// Venue reports usage beyond capacity
	l.UpdateFromHeader(150)
	assert.InDelta(t, 0.0, l.Status().Available, 1.0)

	// Venue reports less usage than accounted locally
	l.UpdateFromHeader(10)
	assert.InDelta(t, 90.0, l.Status().Available, 1.0)

	// Resynced bucket must still grant and deny correctly
	assert.True(t, l.TryConsume(90))
	assert.False(t, l.TryConsume(1))
}

func TestRateLimitDefinitionsShareBuckets(t *testing.T) {
	t.Parallel()

	shared := NewRateLimit(time.Hour, 10)
	defs := RateLimitDefinitions{
		Unset:  GetRateLimiterWithWeight(shared, 1),
		Auth:   GetRateLimiterWithWeight(shared, 9),
		UnAuth: NewRateLimitWithWeight(time.Hour, 1, 1),
	}

	require.NoError(t, defs[Auth].Consume(context.Background(), int(defs[Auth].Weight)))
	assert.True(t, defs[Unset].TryConsume(int(defs[Unset].Weight)))
	assert.False(t, defs[Unset].TryConsume(int(defs[Unset].Weight)), "shared bucket should be exhausted")
	assert.True(t, defs[UnAuth].TryConsume(int(defs[UnAuth].Weight)), "independent bucket unaffected")
}

func TestNewWeightedRateLimitByDuration(t *testing.T) {
	t.Parallel()

	r := NewWeightedRateLimitByDuration(time.Second * 2)
	assert.Equal(t, 0.5, r.Status().RefillPerSecond)
	assert.Equal(t, Weight(1), r.Weight)
}
