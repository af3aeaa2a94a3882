package currency

import (
	"errors"
	"strings"
)

var (
	// ErrCurrencyCodeEmpty defines an error if the currency code is empty
	ErrCurrencyCodeEmpty = errors.New("currency code is empty")
	// ErrCurrencyPairEmpty defines an error if the currency pair is empty
	ErrCurrencyPairEmpty = errors.New("currency pair is empty")
	// ErrCurrencyPairMalformed is returned when a pair string cannot be split
	// into a base and quote code
	ErrCurrencyPairMalformed = errors.New("currency pair is malformed")
)

// EMPTYCODE is an empty currency code
var EMPTYCODE = Code("")

// EMPTYPAIR is an empty currency pair
var EMPTYPAIR = Pair{}

// Code is an upper-cased currency identifier e.g. BTC or USDT
type Code string

// NewCode returns a Code from the supplied string, upper-casing it
func NewCode(c string) Code {
	return Code(strings.ToUpper(c))
}

// String implements the stringer interface
func (c Code) String() string {
	return string(c)
}

// Lower returns the lower-cased string representation
func (c Code) Lower() string {
	return strings.ToLower(string(c))
}

// IsEmpty returns true if the code is unset
func (c Code) IsEmpty() bool {
	return c == ""
}

// Equal reports whether two codes match case-insensitively
func (c Code) Equal(o Code) bool {
	return strings.EqualFold(string(c), string(o))
}

// Common currency codes used across venue implementations
var (
	BTC  = NewCode("BTC")
	ETH  = NewCode("ETH")
	SOL  = NewCode("SOL")
	XRP  = NewCode("XRP")
	LTC  = NewCode("LTC")
	DOGE = NewCode("DOGE")
	USD  = NewCode("USD")
	USDT = NewCode("USDT")
	USDC = NewCode("USDC")
	EUR  = NewCode("EUR")
	EURT = NewCode("EURT")
	UST  = NewCode("UST")
	EUT  = NewCode("EUT")
)
