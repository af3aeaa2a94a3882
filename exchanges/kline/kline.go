// Package kline provides the unified candlestick representation and the
// timeframe notation shared across venues
package kline

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Interval type for kline Interval usage
type Interval time.Duration

// Consts here define basic time intervals
const (
	OneSecond  = Interval(time.Second)
	OneMin     = Interval(time.Minute)
	ThreeMin   = 3 * OneMin
	FiveMin    = 5 * OneMin
	FifteenMin = 15 * OneMin
	ThirtyMin  = 30 * OneMin
	OneHour    = Interval(time.Hour)
	TwoHour    = 2 * OneHour
	FourHour   = 4 * OneHour
	SixHour    = 6 * OneHour
	EightHour  = 8 * OneHour
	TwelveHour = 12 * OneHour
	OneDay     = 24 * OneHour
	ThreeDay   = 3 * OneDay
	OneWeek    = 7 * OneDay
	OneMonth   = 31 * OneDay
)

var (
	// ErrInvalidInterval defines when an interval is zero or negative
	ErrInvalidInterval = errors.New("invalid interval")
	// ErrUnsupportedInterval returned when an interval has no unified notation
	ErrUnsupportedInterval = errors.New("interval unsupported")
	// ErrInsufficientCandleData returned when a candle payload cannot be parsed
	ErrInsufficientCandleData = errors.New("insufficient candle data")
)

// Candle holds historic rate information
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Duration returns interval casted as time.Duration for compatibility
func (i Interval) Duration() time.Duration {
	return time.Duration(i)
}

// String returns the unified timeframe notation for the interval, seconds
// through days use lowercase suffixes while a month is an uppercase M to
// disambiguate from minutes
func (i Interval) String() string {
	switch {
	case i <= 0:
		return ""
	case i == OneMonth:
		return "1M"
	case i >= OneWeek && i%OneWeek == 0:
		return fmt.Sprintf("%dw", i/OneWeek)
	case i >= OneDay && i%OneDay == 0:
		return fmt.Sprintf("%dd", i/OneDay)
	case i >= OneHour && i%OneHour == 0:
		return fmt.Sprintf("%dh", i/OneHour)
	case i >= OneMin && i%OneMin == 0:
		return fmt.Sprintf("%dm", i/OneMin)
	case i%OneSecond == 0:
		return fmt.Sprintf("%ds", i/OneSecond)
	default:
		return i.Duration().String()
	}
}

// IntervalFromString converts unified timeframe notation into an Interval
func IntervalFromString(s string) (Interval, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedInterval, s)
	}
	var unit Interval
	switch s[len(s)-1] {
	case 's':
		unit = OneSecond
	case 'm':
		unit = OneMin
	case 'h':
		unit = OneHour
	case 'd':
		unit = OneDay
	case 'w':
		unit = OneWeek
	case 'M':
		unit = OneMonth
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedInterval, s)
	}
	var n int
	for _, c := range s[:len(s)-1] {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q", ErrUnsupportedInterval, s)
		}
		n = n*10 + int(c-'0')
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedInterval, s)
	}
	return Interval(n) * unit, nil
}

// SortCandlesByTimestamp sorts candles ascending by open time
func SortCandlesByTimestamp(candles []Candle) {
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})
}

// RemoveDuplicateCandles keeps the first candle seen for each open time,
// preserving ascending order
func RemoveDuplicateCandles(candles []Candle) []Candle {
	if len(candles) < 2 {
		return candles
	}
	out := candles[:1]
	for i := 1; i < len(candles); i++ {
		if candles[i].Timestamp.Equal(out[len(out)-1].Timestamp) {
			continue
		}
		out = append(out, candles[i])
	}
	return out
}
