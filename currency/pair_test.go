package currency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goccy/go-json"
)

func TestNewPairFromString(t *testing.T) {
	t.Parallel()

	p, err := NewPairFromString("BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, BTC, p.Base)
	assert.Equal(t, USDT, p.Quote)
	assert.Equal(t, "/", p.Delimiter)

	p, err = NewPairFromString("eth_usdt")
	require.NoError(t, err)
	assert.Equal(t, ETH, p.Base)
	assert.Equal(t, USDT, p.Quote)
	assert.Equal(t, "_", p.Delimiter)

	p, err = NewPairFromString("SOL-USDC")
	require.NoError(t, err)
	assert.Equal(t, SOL, p.Base)
	assert.Equal(t, USDC, p.Quote)

	_, err = NewPairFromString("")
	require.ErrorIs(t, err, ErrCurrencyPairEmpty)

	_, err = NewPairFromString("BTCUSDT")
	require.ErrorIs(t, err, ErrCurrencyPairMalformed)

	_, err = NewPairFromString("BTC/")
	require.ErrorIs(t, err, ErrCurrencyPairMalformed)
}

func TestPairString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "BTC/USDT", NewPair(BTC, USDT).String())
	assert.Equal(t, "ETH_USD", NewPairWithDelimiter("eth", "usd", "_").String())
	assert.Empty(t, EMPTYPAIR.String())
}

func TestPairFormat(t *testing.T) {
	t.Parallel()

	p := NewPair(BTC, USDT)
	assert.Equal(t, "BTCUSDT", p.Format("", true))
	assert.Equal(t, "btc_usdt", p.Format("_", false))
	assert.Equal(t, "BTC-USDT", p.Format("-", true))
}

func TestPairEqualAndSwap(t *testing.T) {
	t.Parallel()

	p := NewPair(BTC, USDT)
	assert.True(t, p.Equal(NewPairWithDelimiter("btc", "usdt", "-")))
	assert.False(t, p.Equal(NewPair(ETH, USDT)))
	assert.True(t, p.Swap().Equal(NewPair(USDT, BTC)))
}

func TestPairJSON(t *testing.T) {
	t.Parallel()

	out, err := json.Marshal(NewPair(BTC, USDT))
	require.NoError(t, err)
	assert.Equal(t, `"BTC/USDT"`, string(out))

	var p Pair
	require.NoError(t, json.Unmarshal([]byte(`"ETH/USD"`), &p))
	assert.True(t, p.Equal(NewPair(ETH, USD)))

	require.NoError(t, json.Unmarshal([]byte(`""`), &p))
	assert.True(t, p.IsEmpty())

	assert.Error(t, json.Unmarshal([]byte(`"nodelimiter"`), &p))
}

func TestPairsHelpers(t *testing.T) {
	t.Parallel()

	pairs := Pairs{NewPair(BTC, USDT), NewPair(ETH, USDT)}
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, pairs.Strings())
	assert.True(t, pairs.Contains(NewPairWithDelimiter("btc", "usdt", "_")))
	assert.False(t, pairs.Contains(NewPair(SOL, USDT)))
}

func TestTranslations(t *testing.T) {
	t.Parallel()

	tr := NewTranslations(map[Code]Code{UST: USDT, EUT: EURT})
	assert.Equal(t, USDT, tr.Translate(UST))
	assert.Equal(t, BTC, tr.Translate(BTC))

	rev := tr.Reverse()
	assert.Equal(t, UST, rev.Translate(USDT))

	p := tr.TranslatePair(NewPair(BTC, UST))
	assert.True(t, p.Equal(NewPair(BTC, USDT)))
}

func TestCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "BTC", NewCode("btc").String())
	assert.Equal(t, "btc", BTC.Lower())
	assert.True(t, EMPTYCODE.IsEmpty())
	assert.True(t, BTC.Equal(NewCode("Btc")))
}
