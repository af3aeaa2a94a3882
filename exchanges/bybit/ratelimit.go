package bybit

import (
	"time"

	"github.com/calder-labs/unicex/exchanges/request"
)

// Endpoint keys for the venue's documented per endpoint buckets
const (
	timeRate request.EndpointLimit = iota
	instrumentsRate
	tickersRate
	orderBookRate
	klinesRate
	tradesRate
	createOrderRate
	amendOrderRate
	cancelOrderRate
	cancelAllRate
	openOrdersRate
	orderHistoryRate
	executionsRate
	walletRate
	accountFeeRate
)

// rateLimits builds the venue's throttle table. Bybit meters market data per
// IP and trading per account over one second windows; each endpoint keeps its
// own bucket so order flow is never starved by market polling.
func rateLimits() request.RateLimitDefinitions {
	window := time.Second
	return request.RateLimitDefinitions{
		timeRate:         request.NewRateLimitWithWeight(window, 50, 1),
		instrumentsRate:  request.NewRateLimitWithWeight(window, 10, 1),
		tickersRate:      request.NewRateLimitWithWeight(window, 20, 1),
		orderBookRate:    request.NewRateLimitWithWeight(window, 50, 1),
		klinesRate:       request.NewRateLimitWithWeight(window, 20, 1),
		tradesRate:       request.NewRateLimitWithWeight(window, 20, 1),
		createOrderRate:  request.NewRateLimitWithWeight(window, 20, 1),
		amendOrderRate:   request.NewRateLimitWithWeight(window, 10, 1),
		cancelOrderRate:  request.NewRateLimitWithWeight(window, 20, 1),
		cancelAllRate:    request.NewRateLimitWithWeight(window, 2, 1),
		openOrdersRate:   request.NewRateLimitWithWeight(window, 50, 1),
		orderHistoryRate: request.NewRateLimitWithWeight(window, 50, 1),
		executionsRate:   request.NewRateLimitWithWeight(window, 50, 1),
		walletRate:       request.NewRateLimitWithWeight(window, 50, 1),
		accountFeeRate:   request.NewRateLimitWithWeight(window, 10, 1),
	}
}
