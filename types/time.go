package types

import (
	"fmt"
	"strconv"
	"time"
)

// Time is a time.Time that unmarshals from epoch timestamps of varying
// precision. Venues deliver seconds, milliseconds, microseconds and
// nanoseconds interchangeably, quoted or bare, sometimes with a fractional
// component. Precision is inferred from digit count. RFC 3339 strings are not
// handled here; decode those into a time.Time directly.
type Time time.Time

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	s := string(data)

	switch s {
	case "null", "0", `""`, `"0"`, `"0.000"`:
		*t = Time(time.Time{})
		return nil
	}

	if len(s) > 1 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	// Fold any fractional component into the digit string so precision
	// detection can treat 1726104395.5 as 11 digits of millisecond data.
	dot := -1
	for i, r := range s {
		if r == '.' {
			if dot != -1 {
				return fmt.Errorf("%w for %q", strconv.ErrSyntax, string(data))
			}
			dot = i
			continue
		}
		if r < '0' || r > '9' {
			return fmt.Errorf("%w for %q", strconv.ErrSyntax, string(data))
		}
	}
	if dot != -1 {
		s = s[:dot] + s[dot+1:]
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}

	switch len(s) {
	case 10:
		*t = Time(time.Unix(v, 0))
	case 11:
		*t = Time(time.UnixMilli(v * 100))
	case 12:
		*t = Time(time.UnixMilli(v * 10))
	case 13:
		*t = Time(time.UnixMilli(v))
	case 14:
		*t = Time(time.UnixMicro(v * 100))
	case 16:
		*t = Time(time.UnixMicro(v))
	case 17:
		*t = Time(time.Unix(0, v*100))
	case 19:
		*t = Time(time.Unix(0, v))
	default:
		return fmt.Errorf("cannot unmarshal %s into Time", string(data))
	}
	return nil
}

// MarshalJSON implements json.Marshaler using RFC 3339 format.
func (t Time) MarshalJSON() ([]byte, error) {
	return t.Time().MarshalJSON()
}

// Time returns the underlying time.Time.
func (t Time) Time() time.Time { return time.Time(t) }

// UnixMilli returns the epoch millisecond representation.
func (t Time) UnixMilli() int64 { return t.Time().UnixMilli() }

// String implements fmt.Stringer.
func (t Time) String() string { return t.Time().String() }
