package currency

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Pair holds a base and quote currency with the delimiter used to join them
// when formatting. The canonical form is upper-case with a "/" delimiter,
// e.g. BTC/USDT. Venue packages reformat pairs into whatever their wire
// format expects.
type Pair struct {
	Delimiter string `json:"delimiter,omitempty"`
	Base      Code   `json:"base"`
	Quote     Code   `json:"quote"`
}

// NewPair returns a pair with the canonical "/" delimiter
func NewPair(base, quote Code) Pair {
	return Pair{Base: base, Quote: quote, Delimiter: "/"}
}

// NewPairWithDelimiter returns a pair joined by the supplied delimiter
func NewPairWithDelimiter(base, quote, delimiter string) Pair {
	return Pair{Base: NewCode(base), Quote: NewCode(quote), Delimiter: delimiter}
}

// NewPairDelimiter splits the supplied string at delimiter and returns a pair
func NewPairDelimiter(pair, delimiter string) (Pair, error) {
	parts := strings.Split(pair, delimiter)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return EMPTYPAIR, fmt.Errorf("%w: %q with delimiter %q", ErrCurrencyPairMalformed, pair, delimiter)
	}
	return Pair{Base: NewCode(parts[0]), Quote: NewCode(parts[1]), Delimiter: delimiter}, nil
}

// NewPairFromString converts a delimited currency string into a pair. The
// canonical "/" form is expected, but "-", "_" and ":" delimited strings are
// accepted as well.
func NewPairFromString(pair string) (Pair, error) {
	if pair == "" {
		return EMPTYPAIR, ErrCurrencyPairEmpty
	}
	for _, d := range []string{"/", "-", "_", ":"} {
		if strings.Contains(pair, d) {
			return NewPairDelimiter(pair, d)
		}
	}
	return EMPTYPAIR, fmt.Errorf("%w: %q has no delimiter", ErrCurrencyPairMalformed, pair)
}

// String implements the stringer interface
func (p Pair) String() string {
	if p.IsEmpty() {
		return ""
	}
	return p.Base.String() + p.Delimiter + p.Quote.String()
}

// Format returns a copy of the pair joined by delimiter, lower-cased when
// uppercase is false
func (p Pair) Format(delimiter string, uppercase bool) string {
	if uppercase {
		return p.Base.String() + delimiter + p.Quote.String()
	}
	return p.Base.Lower() + delimiter + p.Quote.Lower()
}

// Equal reports whether two pairs hold the same base and quote regardless of
// delimiter or case
func (p Pair) Equal(o Pair) bool {
	return p.Base.Equal(o.Base) && p.Quote.Equal(o.Quote)
}

// Swap returns the pair with base and quote exchanged
func (p Pair) Swap() Pair {
	return Pair{Base: p.Quote, Quote: p.Base, Delimiter: p.Delimiter}
}

// IsEmpty returns true if both codes are unset
func (p Pair) IsEmpty() bool {
	return p.Base.IsEmpty() && p.Quote.IsEmpty()
}

// MarshalJSON emits the canonical BASE/QUOTE string
func (p Pair) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Base.String() + "/" + p.Quote.String())
}

// UnmarshalJSON parses a delimited pair string
func (p *Pair) UnmarshalJSON(d []byte) error {
	var s string
	if err := json.Unmarshal(d, &s); err != nil {
		return err
	}
	if s == "" {
		*p = EMPTYPAIR
		return nil
	}
	pair, err := NewPairFromString(s)
	if err != nil {
		return err
	}
	*p = pair
	return nil
}

// Pairs is a list of currency pairs
type Pairs []Pair

// Strings returns the canonical string form of every pair
func (p Pairs) Strings() []string {
	out := make([]string, len(p))
	for i := range p {
		out[i] = p[i].String()
	}
	return out
}

// Contains reports whether the list holds an equal pair
func (p Pairs) Contains(pair Pair) bool {
	for i := range p {
		if p[i].Equal(pair) {
			return true
		}
	}
	return false
}

// Join returns a comma delimited string of all pairs
func (p Pairs) Join() string {
	return strings.Join(p.Strings(), ",")
}

// Add appends the pair if an equal one is not already present
func (p Pairs) Add(pair Pair) Pairs {
	if p.Contains(pair) {
		return p
	}
	return append(p, pair)
}
