package bitfinex

import (
	"time"

	"github.com/calder-labs/unicex/exchanges/request"
)

// Endpoint keys for the venue's documented per endpoint buckets
const (
	platformRate request.EndpointLimit = iota
	confRate
	tickerBatchRate
	tickerRate
	tradeRate
	bookRate
	candleRate
	walletRate
	orderRate
	orderQueryRate
	tradeHistoryRate
	summaryRate
)

// rateLimits builds the venue's throttle table. Bitfinex publishes per route
// request ceilings over one minute windows; each route keeps its own bucket so
// order flow is never starved by market polling.
func rateLimits() request.RateLimitDefinitions {
	window := time.Minute
	return request.RateLimitDefinitions{
		platformRate:     request.NewRateLimitWithWeight(window, 15, 1),
		confRate:         request.NewRateLimitWithWeight(window, 15, 1),
		tickerBatchRate:  request.NewRateLimitWithWeight(window, 30, 1),
		tickerRate:       request.NewRateLimitWithWeight(window, 30, 1),
		tradeRate:        request.NewRateLimitWithWeight(window, 30, 1),
		bookRate:         request.NewRateLimitWithWeight(window, 30, 1),
		candleRate:       request.NewRateLimitWithWeight(window, 60, 1),
		walletRate:       request.NewRateLimitWithWeight(window, 45, 1),
		orderRate:        request.NewRateLimitWithWeight(window, 45, 1),
		orderQueryRate:   request.NewRateLimitWithWeight(window, 45, 1),
		tradeHistoryRate: request.NewRateLimitWithWeight(window, 45, 1),
		summaryRate:      request.NewRateLimitWithWeight(window, 45, 1),
	}
}
