package phemex

import (
	"time"

	"github.com/calder-labs/unicex/exchanges/request"
)

// Endpoint keys for the venue's documented per group buckets
const (
	timeRate request.EndpointLimit = iota
	productsRate
	tickerRate
	tickerBatchRate
	bookRate
	tradeRate
	klineRate
	orderRate
	orderQueryRate
	historyRate
	walletRate
)

// rateLimits builds the venue's throttle table. The venue meters market data
// and trading in separate per minute groups; each route keeps its own bucket
// inside its group's ceiling so order flow is never starved by polling.
func rateLimits() request.RateLimitDefinitions {
	window := time.Minute
	return request.RateLimitDefinitions{
		timeRate:        request.NewRateLimitWithWeight(window, 100, 1),
		productsRate:    request.NewRateLimitWithWeight(window, 100, 1),
		tickerRate:      request.NewRateLimitWithWeight(window, 100, 1),
		tickerBatchRate: request.NewRateLimitWithWeight(window, 100, 10),
		bookRate:        request.NewRateLimitWithWeight(window, 100, 1),
		tradeRate:       request.NewRateLimitWithWeight(window, 100, 1),
		klineRate:       request.NewRateLimitWithWeight(window, 100, 1),
		orderRate:       request.NewRateLimitWithWeight(window, 500, 1),
		orderQueryRate:  request.NewRateLimitWithWeight(window, 500, 1),
		historyRate:     request.NewRateLimitWithWeight(window, 500, 5),
		walletRate:      request.NewRateLimitWithWeight(window, 500, 1),
	}
}
