package exchange

import "strings"

// Exchanges stores a list of supported exchanges
var Exchanges = []string{
	"binance",
	"bitfinex",
	"bitforex",
	"bitmart",
	"bybit",
	"gateio",
	"okx",
	"phemex",
}

// IsSupported returns whether or not a specific exchange is supported
func IsSupported(name string) bool {
	for x := range Exchanges {
		if strings.EqualFold(name, Exchanges[x]) {
			return true
		}
	}
	return false
}
