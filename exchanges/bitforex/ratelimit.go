package bitforex

import (
	"time"

	"github.com/calder-labs/unicex/exchanges/request"
)

// Endpoint rate limit keys. The venue throttles every endpoint separately
// to six calls a second.
const (
	symbolsRate request.EndpointLimit = iota
	tickerRate
	depthRate
	tradesRate
	klineRate
	fundRate
	placeOrderRate
	cancelOrderRate
	cancelAllRate
	orderInfoRate
	orderInfosRate
)

func rateLimits() request.RateLimitDefinitions {
	return request.RateLimitDefinitions{
		symbolsRate:     request.NewRateLimitWithWeight(time.Second, 6, 1),
		tickerRate:      request.NewRateLimitWithWeight(time.Second, 6, 1),
		depthRate:       request.NewRateLimitWithWeight(time.Second, 6, 1),
		tradesRate:      request.NewRateLimitWithWeight(time.Second, 6, 1),
		klineRate:       request.NewRateLimitWithWeight(time.Second, 6, 1),
		fundRate:        request.NewRateLimitWithWeight(time.Second, 6, 1),
		placeOrderRate:  request.NewRateLimitWithWeight(time.Second, 6, 1),
		cancelOrderRate: request.NewRateLimitWithWeight(time.Second, 6, 1),
		cancelAllRate:   request.NewRateLimitWithWeight(time.Second, 6, 1),
		orderInfoRate:   request.NewRateLimitWithWeight(time.Second, 6, 1),
		orderInfosRate:  request.NewRateLimitWithWeight(time.Second, 6, 1),
	}
}
