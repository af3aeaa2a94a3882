// Package ticker defines the unified 24h market statistics snapshot
package ticker

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/calder-labs/unicex/currency"
)

// Price holds the unified statistics for one market over the trailing 24h
// window. Venues publish different subsets so zero values mark fields the
// venue omitted; Derive fills what can be computed from the rest.
type Price struct {
	ExchangeName string
	Pair         currency.Pair
	Last         float64
	Bid          float64
	BidVolume    float64
	Ask          float64
	AskVolume    float64
	High         float64
	Low          float64
	Open         float64
	Close        float64
	BaseVolume   float64
	QuoteVolume  float64
	Change       float64
	Percentage   float64
	VWAP         float64
	Timestamp    time.Time
	Info         json.RawMessage
}

// Derive fills omitted fields computable from the ones a venue did publish.
// Close mirrors Last, Open and Change derive from each other against Last,
// Percentage follows Change over Open and VWAP follows the volume ratio.
func (p *Price) Derive() {
	if p.Close == 0 && p.Last != 0 {
		p.Close = p.Last
	}
	if p.Last == 0 && p.Close != 0 {
		p.Last = p.Close
	}
	if p.Open == 0 && p.Last != 0 && p.Change != 0 {
		p.Open = p.Last - p.Change
	}
	if p.Change == 0 && p.Open != 0 && p.Last != 0 {
		p.Change = p.Last - p.Open
	}
	if p.Percentage == 0 && p.Change != 0 && p.Open != 0 {
		p.Percentage = p.Change / p.Open * 100
	}
	if p.VWAP == 0 && p.BaseVolume > 0 && p.QuoteVolume > 0 {
		p.VWAP = p.QuoteVolume / p.BaseVolume
	}
}
