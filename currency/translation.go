package currency

// Translations maps a venue-specific currency code to its common
// representation, e.g. Bitfinex UST to USDT.
type Translations map[Code]Code

// NewTranslations returns a translation map. Keys are the venue
// representation and values the common representation.
func NewTranslations(t map[Code]Code) Translations {
	lookup := make(Translations, len(t))
	for k, v := range t {
		lookup[NewCode(k.String())] = v
	}
	return lookup
}

// Translate returns the common code for a venue code, or the original code
// when no translation exists
func (t Translations) Translate(incoming Code) Code {
	val, ok := t[incoming]
	if !ok {
		return incoming
	}
	return val
}

// Reverse returns the inverse mapping, for converting common codes back to
// the venue representation
func (t Translations) Reverse() Translations {
	out := make(Translations, len(t))
	for k, v := range t {
		out[v] = k
	}
	return out
}

// TranslatePair translates both sides of a pair
func (t Translations) TranslatePair(p Pair) Pair {
	return Pair{Base: t.Translate(p.Base), Quote: t.Translate(p.Quote), Delimiter: p.Delimiter}
}
