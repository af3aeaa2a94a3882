package okx

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
	candlesRate
	tradesRate
	placeOrderRate
	amendOrderRate
	cancelOrderRate
	cancelBatchRate
	orderDetailRate
	pendingOrdersRate
	orderHistoryRate
	fillsRate
	accountBalanceRate
	tradeFeeRate
)

// rateLimits builds the venue's throttle table. OKX meters every endpoint
// independently over two second windows, so nothing here shares a bucket.
func rateLimits() request.RateLimitDefinitions {
	window := 2 * time.Second
	return request.RateLimitDefinitions{
		timeRate:           request.NewRateLimitWithWeight(window, 10, 1),
		instrumentsRate:    request.NewRateLimitWithWeight(window, 20, 1),
		tickersRate:        request.NewRateLimitWithWeight(window, 20, 1),
		orderBookRate:      request.NewRateLimitWithWeight(window, 40, 1),
		candlesRate:        request.NewRateLimitWithWeight(window, 40, 1),
		tradesRate:         request.NewRateLimitWithWeight(window, 100, 1),
		placeOrderRate:     request.NewRateLimitWithWeight(window, 60, 1),
		amendOrderRate:     request.NewRateLimitWithWeight(window, 60, 1),
		cancelOrderRate:    request.NewRateLimitWithWeight(window, 60, 1),
		cancelBatchRate:    request.NewRateLimitWithWeight(window, 300, 1),
		orderDetailRate:    request.NewRateLimitWithWeight(window, 60, 1),
		pendingOrdersRate:  request.NewRateLimitWithWeight(window, 60, 1),
		orderHistoryRate:   request.NewRateLimitWithWeight(window, 40, 1),
		fillsRate:          request.NewRateLimitWithWeight(window, 60, 1),
		accountBalanceRate: request.NewRateLimitWithWeight(window, 10, 1),
		tradeFeeRate:       request.NewRateLimitWithWeight(window, 5, 1),
	}
}
