package gateio

import (
	"time"

	"github.com/calder-labs/unicex/exchanges/request"
)

// Endpoint keys for the venue's documented per endpoint buckets
const (
	publicRate request.EndpointLimit = iota
	placeOrderRate
	amendOrderRate
	cancelOrderRate
	cancelAllRate
	privateQueryRate
	walletRate
)

// rateLimits builds the venue's throttle table. Gate meters public market
// data per IP at 200 requests every ten seconds per endpoint and meters
// order placement per account at ten requests a second, so trading keeps
// its own buckets away from market polling.
func rateLimits() request.RateLimitDefinitions {
	return request.RateLimitDefinitions{
		publicRate:       request.NewRateLimitWithWeight(10*time.Second, 200, 1),
		placeOrderRate:   request.NewRateLimitWithWeight(time.Second, 10, 1),
		amendOrderRate:   request.NewRateLimitWithWeight(time.Second, 10, 1),
		cancelOrderRate:  request.NewRateLimitWithWeight(time.Second, 200, 1),
		cancelAllRate:    request.NewRateLimitWithWeight(time.Second, 20, 1),
		privateQueryRate: request.NewRateLimitWithWeight(10*time.Second, 150, 1),
		walletRate:       request.NewRateLimitWithWeight(10*time.Second, 80, 1),
	}
}
