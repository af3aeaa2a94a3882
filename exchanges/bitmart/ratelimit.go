package bitmart

import (
	"time"

	"github.com/calder-labs/unicex/exchanges/request"
)

// Endpoint keys for the venue's documented per endpoint buckets
const (
	timeRate request.EndpointLimit = iota
	symbolsRate
	currenciesRate
	tickerRate
	tickersRate
	booksRate
	tradesRate
	klinesRate
	submitOrderRate
	cancelOrderRate
	cancelAllRate
	queryOrderRate
	openOrdersRate
	historyOrdersRate
	accountTradesRate
	walletRate
	tradeFeeRate
	userFeeRate
)

// rateLimits builds the venue's throttle table. BitMart meters every
// endpoint over two second windows; the bulk tickers call weighs double its
// single symbol sibling.
func rateLimits() request.RateLimitDefinitions {
	window := 2 * time.Second
	return request.RateLimitDefinitions{
		timeRate:          request.NewRateLimitWithWeight(window, 10, 1),
		symbolsRate:       request.NewRateLimitWithWeight(window, 12, 1),
		currenciesRate:    request.NewRateLimitWithWeight(window, 12, 1),
		tickerRate:        request.NewRateLimitWithWeight(window, 25, 1),
		tickersRate:       request.NewRateLimitWithWeight(window, 25, 2),
		booksRate:         request.NewRateLimitWithWeight(window, 25, 1),
		tradesRate:        request.NewRateLimitWithWeight(window, 25, 1),
		klinesRate:        request.NewRateLimitWithWeight(window, 25, 1),
		submitOrderRate:   request.NewRateLimitWithWeight(window, 60, 1),
		cancelOrderRate:   request.NewRateLimitWithWeight(window, 60, 1),
		cancelAllRate:     request.NewRateLimitWithWeight(window, 1, 1),
		queryOrderRate:    request.NewRateLimitWithWeight(window, 50, 1),
		openOrdersRate:    request.NewRateLimitWithWeight(window, 50, 1),
		historyOrdersRate: request.NewRateLimitWithWeight(window, 50, 1),
		accountTradesRate: request.NewRateLimitWithWeight(window, 50, 1),
		walletRate:        request.NewRateLimitWithWeight(window, 12, 1),
		tradeFeeRate:      request.NewRateLimitWithWeight(window, 2, 1),
		userFeeRate:       request.NewRateLimitWithWeight(window, 2, 1),
	}
}
