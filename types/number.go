package types

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Number is a float64 that unmarshals from either a JSON number or a quoted
// numeric string. Venues are inconsistent about which they emit, frequently
// within the same payload. An empty string decodes to zero.
type Number float64

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w for empty input", strconv.ErrSyntax)
	}

	s := string(data)
	if s[0] == '"' {
		if len(s) < 2 || s[len(s)-1] != '"' {
			return fmt.Errorf("%w for %q", strconv.ErrSyntax, s)
		}
		s = s[1 : len(s)-1]
		if s == "" || s == "null" {
			*n = 0
			return nil
		}
	} else if s == "null" {
		*n = 0
		return nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

// MarshalJSON implements json.Marshaler, emitting a bare number.
func (n Number) MarshalJSON() ([]byte, error) {
	return []byte(n.String()), nil
}

// Float64 returns the value as a float64.
func (n Number) Float64() float64 { return float64(n) }

// Int64 returns the value truncated to an int64.
func (n Number) Int64() int64 { return int64(n) }

// Decimal returns the value as a decimal.Decimal.
func (n Number) Decimal() decimal.Decimal { return decimal.NewFromFloat(float64(n)) }

// String implements fmt.Stringer with the shortest exact representation.
func (n Number) String() string { return strconv.FormatFloat(float64(n), 'f', -1, 64) }
