package binance

import (
	"time"

	"github.com/calder-labs/unicex/exchanges/request"
)

const (
	// The request weight window allows 6000 weight per minute per IP. Order
	// placement is additionally capped at 100 orders per 10 seconds, tracked
	// in its own bucket.
	spotInterval    = time.Minute
	spotRequestRate = 6000

	spotOrderInterval    = 10 * time.Second
	spotOrderRequestRate = 100
)

// Rate limit buckets keyed per endpoint group
const (
	spotDefaultRate request.EndpointLimit = iota
	spotExchangeInfoRate
	spotOrderbookDepth100Rate
	spotOrderbookDepth500Rate
	spotOrderbookDepth1000Rate
	spotOrderbookDepth5000Rate
	spotTickerAllRate
	spotTickerRate
	spotAggTradesRate
	spotKlineRate
	spotOrderRate
	spotOrderQueryRate
	spotOpenOrdersRate
	spotAllOrdersRate
	spotMyTradesRate
	spotAccountRate
	spotTradeFeeRate
	listenKeyRate
)

// rateLimits builds the weighted buckets. Most endpoints draw from the
// shared request weight window at their documented cost; order placement
// draws from the order bucket.
func rateLimits() request.RateLimitDefinitions {
	spotLimiter := request.NewRateLimit(spotInterval, spotRequestRate)
	orderLimiter := request.NewRateLimit(spotOrderInterval, spotOrderRequestRate)
	return request.RateLimitDefinitions{
		spotDefaultRate:            request.GetRateLimiterWithWeight(spotLimiter, 1),
		spotExchangeInfoRate:       request.GetRateLimiterWithWeight(spotLimiter, 20),
		spotOrderbookDepth100Rate:  request.GetRateLimiterWithWeight(spotLimiter, 5),
		spotOrderbookDepth500Rate:  request.GetRateLimiterWithWeight(spotLimiter, 25),
		spotOrderbookDepth1000Rate: request.GetRateLimiterWithWeight(spotLimiter, 50),
		spotOrderbookDepth5000Rate: request.GetRateLimiterWithWeight(spotLimiter, 250),
		spotTickerAllRate:          request.GetRateLimiterWithWeight(spotLimiter, 80),
		spotTickerRate:             request.GetRateLimiterWithWeight(spotLimiter, 2),
		spotAggTradesRate:          request.GetRateLimiterWithWeight(spotLimiter, 2),
		spotKlineRate:              request.GetRateLimiterWithWeight(spotLimiter, 2),
		spotOrderRate:              request.GetRateLimiterWithWeight(orderLimiter, 1),
		spotOrderQueryRate:         request.GetRateLimiterWithWeight(spotLimiter, 4),
		spotOpenOrdersRate:         request.GetRateLimiterWithWeight(spotLimiter, 6),
		spotAllOrdersRate:          request.GetRateLimiterWithWeight(spotLimiter, 20),
		spotMyTradesRate:           request.GetRateLimiterWithWeight(spotLimiter, 20),
		spotAccountRate:            request.GetRateLimiterWithWeight(spotLimiter, 20),
		spotTradeFeeRate:           request.GetRateLimiterWithWeight(spotLimiter, 1),
		listenKeyRate:              request.GetRateLimiterWithWeight(spotLimiter, 2),
	}
}

// orderbookDepthRate maps a requested depth to its weighted bucket
func orderbookDepthRate(limit int) request.EndpointLimit {
	switch {
	case limit <= 100:
		return spotOrderbookDepth100Rate
	case limit <= 500:
		return spotOrderbookDepth500Rate
	case limit <= 1000:
		return spotOrderbookDepth1000Rate
	default:
		return spotOrderbookDepth5000Rate
	}
}
