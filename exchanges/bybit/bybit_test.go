package bybit

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calder-labs/unicex/common/crypto"
	"github.com/calder-labs/unicex/currency"
	exchange "github.com/calder-labs/unicex/exchanges"
	"github.com/calder-labs/unicex/exchanges/errs"
	"github.com/calder-labs/unicex/exchanges/kline"
	"github.com/calder-labs/unicex/exchanges/market"
	"github.com/calder-labs/unicex/exchanges/order"
	"github.com/calder-labs/unicex/exchanges/request"
	"github.com/calder-labs/unicex/internal/testing/mockvenue"
)

const (
	testKey    = "testkey"
	testSecret = "testsecret"

	// fixedMilli pins the clock so signature assertions are deterministic
	fixedMilli int64 = 1700000000000

	fixedTS = "1700000000000"

	// seedOrderBody is the canonical order body byte for byte: field order
	// follows the struct declaration and empty optionals are omitted
	seedOrderBody = `{"category":"spot","symbol":"BTCUSDT","side":"Buy","orderType":"Limit","qty":"0.001","price":"30000","timeInForce":"GTC"}`

	instrumentsDoc = `{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[
		{"symbol":"BTCUSDT","baseCoin":"BTC","quoteCoin":"USDT","status":"Trading",
		 "lotSizeFilter":{"basePrecision":"0.000001","minOrderQty":"0.000048","maxOrderQty":"71.73","minOrderAmt":"1"},
		 "priceFilter":{"tickSize":"0.01"}},
		{"symbol":"ETHBTC","baseCoin":"ETH","quoteCoin":"BTC","status":"Closed",
		 "lotSizeFilter":{"basePrecision":"0.00001","minOrderQty":"0.001","minOrderAmt":"0.0002"},
		 "priceFilter":{"tickSize":"0.000001"}}
	]},"retExtInfo":{},"time":1700000000000}`

	emptyOrdersDoc = `{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[]}}`
)

func testVenue(tb testing.TB, restURL string) *Bybit {
	tb.Helper()
	b := &Bybit{}
	b.SetDefaults()
	require.NoError(tb, b.Setup(&exchange.Config{
		APIKey: testKey,
		Secret: testSecret,
	}), "Setup must not error")
	if restURL != "" {
		b.API.Endpoints.SetRunning(exchange.RestSpot, restURL)
	}
	b.Now = func() time.Time { return time.UnixMilli(fixedMilli) }
	return b
}

func loadTestMarkets(tb testing.TB, b *Bybit) {
	tb.Helper()
	require.NoError(tb, b.Markets.Load([]*market.Market{
		{
			ID:              "BTCUSDT",
			Pair:            currency.NewPair(currency.BTC, currency.NewCode("USDT")),
			Active:          true,
			PricePrecision:  2,
			AmountPrecision: 6,
			TickSize:        0.01,
			StepSize:        0.000001,
		},
		{
			ID:   "ETHBTC",
			Pair: currency.NewPair(currency.ETH, currency.BTC),
		},
	}), "Load must not error")
}

func signHex(tb testing.TB, payload string) string {
	tb.Helper()
	mac, err := crypto.GetHMAC(crypto.HashSHA256, []byte(payload), []byte(testSecret))
	require.NoError(tb, err, "GetHMAC must not error")
	return crypto.HexEncodeToString(mac)
}

func TestSignComposition(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")

	s, err := b.Sign(http.MethodPost, createOrderPath, nil, []byte(seedOrderBody))
	require.NoError(t, err, "Sign must not error")
	require.NotNil(t, s)

	assert.Empty(t, s.Path, "the path is never rewritten; auth rides in headers")
	assert.Nil(t, s.Params)
	assert.Equal(t, testKey, s.Headers["X-BAPI-API-KEY"])
	assert.Equal(t, fixedTS, s.Headers["X-BAPI-TIMESTAMP"])
	assert.Equal(t, "2", s.Headers["X-BAPI-SIGN-TYPE"])
	assert.Equal(t, recvWindow, s.Headers["X-BAPI-RECV-WINDOW"])
	assert.Equal(t, signHex(t, fixedTS+testKey+recvWindow+seedOrderBody), s.Headers["X-BAPI-SIGN"],
		"a POST signs timestamp, key, receive window and body")
}

func TestSignCoversQueryString(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")

	params := url.Values{}
	params.Set("category", "spot")
	params.Set("symbol", "BTCUSDT")
	s, err := b.Sign(http.MethodGet, openOrdersPath, params, nil)
	require.NoError(t, err, "Sign must not error")

	assert.Equal(t, params, s.Params, "parameters pass through so the wire query matches the signed string")
	assert.Empty(t, s.Path)
	assert.Equal(t, signHex(t, fixedTS+testKey+recvWindow+"category=spot&symbol=BTCUSDT"), s.Headers["X-BAPI-SIGN"],
		"a GET signs the sorted encoded query")
}

func TestSignWithoutCredentials(t *testing.T) {
	t.Parallel()
	b := &Bybit{}
	b.SetDefaults()
	require.NoError(t, b.Setup(&exchange.Config{}))
	_, err := b.Sign(http.MethodGet, walletBalancePath, nil, nil)
	assert.ErrorIs(t, err, errs.ErrAuthentication)
}

func TestSignedRequestWire(t *testing.T) {
	t.Parallel()
	srv := mockvenue.New(t)
	var gotSign, gotTS, gotQuery atomic.Value
	srv.Handle(http.MethodGet, walletBalancePath, func(w http.ResponseWriter, r *http.Request) {
		gotSign.Store(r.Header.Get("X-BAPI-SIGN"))
		gotTS.Store(r.Header.Get("X-BAPI-TIMESTAMP"))
		gotQuery.Store(r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{"accountType":"UNIFIED","totalEquity":"0","coin":[]}]}}`))
	})
	b := testVenue(t, srv.URL)

	_, err := b.GetWalletBalance(context.Background())
	require.NoError(t, err, "GetWalletBalance must not error")

	assert.Equal(t, "accountType=UNIFIED", gotQuery.Load())
	assert.Equal(t, fixedTS, gotTS.Load())
	assert.Equal(t, signHex(t, fixedTS+testKey+recvWindow+"accountType=UNIFIED"), gotSign.Load(),
		"the signature on the wire must match the signed bytes")
}

func TestSetupSandbox(t *testing.T) {
	t.Parallel()
	b := &Bybit{}
	b.SetDefaults()
	require.NoError(t, b.Setup(&exchange.Config{
		APIKey:  testKey,
		Secret:  testSecret,
		Sandbox: true,
	}))

	assert.Equal(t, testnetAPIURL, b.EndpointURL(exchange.RestSpot), "the testnet swaps every host")
	assert.Equal(t, testnetPublicWebsocketURL, b.EndpointURL(exchange.WebsocketSpot))
	assert.Equal(t, testnetPrivateWebsocketURL, b.EndpointURL(exchange.WebsocketPrivate))
}

func TestUnwrapEnvelope(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")

	out, err := b.Unwrap([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]},"retExtInfo":{},"time":1700000000000}`))
	require.NoError(t, err, "Unwrap must not error")
	assert.JSONEq(t, `{"list":[]}`, string(out))

	out2, err := b.Unwrap(out)
	require.NoError(t, err, "Unwrap must stay clean on repeat")
	assert.Equal(t, out, out2)

	bad := []byte(`{"retCode":170131,"retMsg":"Insufficient balance"}`)
	_, err = b.Unwrap(bad)
	require.ErrorIs(t, err, errs.ErrInsufficientFunds)
	_, err2 := b.Unwrap(bad)
	assert.Equal(t, err.Error(), err2.Error(), "classification must be deterministic")

	naked := []byte(`{"retCode":0,"retMsg":"OK"}`)
	out, err = b.Unwrap(naked)
	require.NoError(t, err, "a success without a result passes through")
	assert.Equal(t, naked, out)
}

func TestOnHTTPErrorFallsBackToStatus(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	assert.NoError(t, b.OnHTTPError(http.StatusBadGateway, []byte("<html>bad gateway</html>")),
		"unclassifiable bodies defer to the pipeline's status classification")
	assert.NoError(t, b.OnHTTPError(http.StatusInternalServerError, []byte(`{"retCode":0,"retMsg":"OK"}`)),
		"a success envelope on an error status defers to the status")

	err := b.OnHTTPError(http.StatusUnauthorized, []byte(`{"retCode":10003,"retMsg":"API key is invalid"}`))
	assert.ErrorIs(t, err, errs.ErrAuthentication)
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		code string
		want error
	}{
		{"10001", errs.ErrBadRequest},
		{"10003", errs.ErrAuthentication},
		{"10006", errs.ErrRateLimitExceeded},
		{"10016", errs.ErrExchangeNotAvailable},
		{"170001", errs.ErrExchange},
		{"170121", errs.ErrBadSymbol},
		{"170124", errs.ErrInvalidOrder},
		{"170131", errs.ErrInsufficientFunds},
		{"170213", errs.ErrOrderNotFound},
		{"99999", errs.ErrExchange},
	} {
		t.Run(tc.code, func(t *testing.T) {
			t.Parallel()
			b := testVenue(t, "")
			err := b.OnHTTPError(http.StatusBadRequest, []byte(`{"retCode":`+tc.code+`,"retMsg":"oops"}`))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			var ve *errs.Error
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.code, ve.VenueCode)
			assert.Equal(t, http.StatusBadRequest, ve.HTTPStatus)
		})
	}
}

func TestCandleDataUnmarshal(t *testing.T) {
	t.Parallel()
	var c CandleData
	doc := `["1700000000000","30000","30500","29900","30250","12.5","375000"]`
	require.NoError(t, json.Unmarshal([]byte(doc), &c))
	assert.Equal(t, time.UnixMilli(1700000000000), c.StartTime.Time())
	assert.Equal(t, 30000.0, c.Open)
	assert.Equal(t, 30500.0, c.High)
	assert.Equal(t, 29900.0, c.Low)
	assert.Equal(t, 30250.0, c.Close)
	assert.Equal(t, 12.5, c.Volume)
	assert.Equal(t, 375000.0, c.Turnover)

	require.NoError(t, json.Unmarshal([]byte(`["1700000000000","30000","30500","29900","30250","12.5"]`), &c),
		"turnover is optional")
	assert.Equal(t, 0.0, c.Turnover)

	assert.Error(t, json.Unmarshal([]byte(`["1","2","3"]`), &c), "short arrays must not parse")
}

func TestDecimalsFromStep(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 2, decimalsFromStep("0.01"))
	assert.Equal(t, 6, decimalsFromStep("0.000001"))
	assert.Equal(t, 0, decimalsFromStep("1"))
	assert.Equal(t, 1, decimalsFromStep("0.100"), "trailing zeros do not add precision")
}

func TestLoadMarkets(t *testing.T) {
	t.Parallel()
	srv := mockvenue.New(t)
	srv.JSON(http.MethodGet, instrumentsPath, http.StatusOK, instrumentsDoc)
	b := testVenue(t, srv.URL)

	markets, err := b.LoadMarkets(context.Background(), false)
	require.NoError(t, err, "LoadMarkets must not error")
	require.Len(t, markets, 2)

	m, err := b.Markets.BySymbol("BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", m.ID)
	assert.True(t, m.Active)
	assert.Equal(t, 2, m.PricePrecision, "price precision reads off the tick size decimals")
	assert.Equal(t, 6, m.AmountPrecision)
	assert.Equal(t, 0.01, m.TickSize)
	assert.Equal(t, 0.000001, m.StepSize)
	assert.Equal(t, 0.000048, m.Limits.MinAmount)
	assert.Equal(t, 71.73, m.Limits.MaxAmount)
	assert.Equal(t, 1.0, m.Limits.MinCost, "spot listings gate on minimum notional")

	eth, err := b.Markets.ByID("ETHBTC")
	require.NoError(t, err)
	assert.False(t, eth.Active, "a closed listing is inactive")
	assert.Equal(t, 6, eth.PricePrecision)

	hits := srv.Hits()
	_, err = b.LoadMarkets(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, hits, srv.Hits(), "a warm cache must not refetch")

	_, err = b.LoadMarkets(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, hits+1, srv.Hits(), "reload must refetch")
}

func TestFetchTime(t *testing.T) {
	t.Parallel()
	srv := mockvenue.New(t)
	srv.JSON(http.MethodGet, serverTimePath, http.StatusOK,
		`{"retCode":0,"retMsg":"OK","result":{"timeSecond":"1700000000","timeNano":"1700000000123456789"}}`)
	b := testVenue(t, srv.URL)

	ts, err := b.FetchTime(context.Background())
	require.NoError(t, err, "FetchTime must not error")
	assert.Equal(t, time.Unix(0, 1700000000123456789), ts, "the nanosecond field carries the full precision")

	srv2 := mockvenue.New(t)
	srv2.JSON(http.MethodGet, serverTimePath, http.StatusOK,
		`{"retCode":0,"retMsg":"OK","result":{"timeSecond":"soon","timeNano":"soon"}}`)
	b2 := testVenue(t, srv2.URL)
	_, err = b2.FetchTime(context.Background())
	assert.ErrorIs(t, err, errs.ErrExchange, "an undecodable clock classifies as a venue fault")
}

func TestFetchTicker(t *testing.T) {
	t.Parallel()
	srv := mockvenue.New(t)
	srv.JSON(http.MethodGet, instrumentsPath, http.StatusOK, instrumentsDoc)
	srv.Handle(http.MethodGet, tickersPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "spot", r.URL.Query().Get("category"))
		if r.URL.Query().Get("symbol") == "ETHBTC" {
			_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[]}}`))
			return
		}
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[{
			"symbol":"BTCUSDT","lastPrice":"30250.5","bid1Price":"30250.0","bid1Size":"2.5",
			"ask1Price":"30251.0","ask1Size":"1.1","highPrice24h":"30500.0","lowPrice24h":"29900.0",
			"prevPrice24h":"30000.0","volume24h":"1234.5","turnover24h":"37500000","price24hPcnt":"0.00835"
		}]}}`))
	})
	b := testVenue(t, srv.URL)

	p, err := b.FetchTicker(context.Background(), "BTC/USDT")
	require.NoError(t, err, "FetchTicker must not error")
	assert.Equal(t, "bybit", p.ExchangeName)
	assert.Equal(t, "BTC/USDT", p.Pair.Format("/", true))
	assert.Equal(t, 30250.5, p.Last)
	assert.Equal(t, 30250.0, p.Bid)
	assert.Equal(t, 30251.0, p.Ask)
	assert.Equal(t, 30000.0, p.Open, "open comes from the 24h previous price")
	assert.Equal(t, 30250.5, p.Close, "close derives from last")
	assert.Equal(t, 250.5, p.Change, "change derives from last minus open")
	assert.InDelta(t, 0.835, p.Percentage, 1e-9, "the venue ratio scales to percent")
	assert.Equal(t, 1234.5, p.BaseVolume)
	assert.Equal(t, 37500000.0, p.QuoteVolume)
	assert.Equal(t, time.UnixMilli(fixedMilli), p.Timestamp, "ticker rows carry no timestamp; the local clock stands in")

	_, err = b.FetchTicker(context.Background(), "XXX/YYY")
	assert.ErrorIs(t, err, errs.ErrBadSymbol)

	_, err = b.FetchTicker(context.Background(), "ETH/BTC")
	assert.ErrorIs(t, err, errs.ErrBadSymbol, "a delisted instrument returns no rows")
}

func TestFetchTickers(t *testing.T) {
	t.Parallel()
	srv := mockvenue.New(t)
	srv.JSON(http.MethodGet, instrumentsPath, http.StatusOK, instrumentsDoc)
	srv.JSON(http.MethodGet, tickersPath, http.StatusOK, `{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[
		{"symbol":"BTCUSDT","lastPrice":"30250.5"},
		{"symbol":"ETHBTC","lastPrice":"0.052"},
		{"symbol":"BROKEN","lastPrice":"1.0"}
	]}}`)
	b := testVenue(t, srv.URL)

	all, err := b.FetchTickers(context.Background())
	require.NoError(t, err, "FetchTickers must not error")
	assert.Len(t, all, 2, "ids without a known quote suffix are dropped")

	one, err := b.FetchTickers(context.Background(), "BTC/USDT")
	require.NoError(t, err, "FetchTickers must not error")
	require.Len(t, one, 1)
	assert.Equal(t, 30250.5, one[0].Last)

	_, err = b.FetchTickers(context.Background(), "XXX/YYY")
	assert.ErrorIs(t, err, errs.ErrBadSymbol)
}

func TestFetchOrderBook(t *testing.T) {
	t.Parallel()
	srv := mockvenue.New(t)
	srv.JSON(http.MethodGet, instrumentsPath, http.StatusOK, instrumentsDoc)
	srv.Handle(http.MethodGet, orderBookPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "spot", r.URL.Query().Get("category"))
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{
			"s":"BTCUSDT",
			"b":[["29999.0","1.0"],["30000.0","2.0"]],
			"a":[["30001.5","0.5"],["30001.0","0.7"]],
			"ts":1700000000000,"u":8888,"seq":42
		}}`))
	})
	b := testVenue(t, srv.URL)

	book, err := b.FetchOrderBook(context.Background(), "BTC/USDT", 50)
	require.NoError(t, err, "FetchOrderBook must not error")
	require.Len(t, book.Bids, 2)
	require.Len(t, book.Asks, 2)
	assert.Equal(t, 30000.0, book.Bids[0].Price, "bids sort descending")
	assert.Equal(t, 30001.0, book.Asks[0].Price, "asks sort ascending")
	assert.Equal(t, int64(8888), book.LastUpdateID)
	assert.Equal(t, time.UnixMilli(1700000000000), book.Timestamp)
}

func TestFetchTrades(t *testing.T) {
	t.Parallel()
	srv := mockvenue.New(t)
	srv.JSON(http.MethodGet, instrumentsPath, http.StatusOK, instrumentsDoc)
	srv.JSON(http.MethodGet, recentTradesPath, http.StatusOK, `{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[
		{"execId":"2","symbol":"BTCUSDT","price":"30001","size":"0.25","side":"Sell","time":"1700000001000"},
		{"execId":"1","symbol":"BTCUSDT","price":"30000","size":"0.5","side":"Buy","time":"1700000000000"}
	]}}`)
	b := testVenue(t, srv.URL)

	trades, err := b.FetchTrades(context.Background(), "BTC/USDT", time.Time{}, 0)
	require.NoError(t, err, "FetchTrades must not error")
	require.Len(t, trades, 2)
	assert.Equal(t, "1", trades[0].ID, "the venue serves newest first, callers get oldest first")
	assert.Equal(t, order.Buy, trades[0].Side)
	assert.Equal(t, order.Sell, trades[1].Side)
	assert.Equal(t, 30000.0*0.5, trades[0].Cost, "cost derives from price and amount")

	recent, err := b.FetchTrades(context.Background(), "BTC/USDT", time.UnixMilli(1700000000500), 0)
	require.NoError(t, err)
	require.Len(t, recent, 1, "since trims client side")
	assert.Equal(t, "2", recent[0].ID)
}

func TestFetchOHLCV(t *testing.T) {
	t.Parallel()
	srv := mockvenue.New(t)
	srv.JSON(http.MethodGet, instrumentsPath, http.StatusOK, instrumentsDoc)
	srv.Handle(http.MethodGet, klinesPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "60", r.URL.Query().Get("interval"))
		assert.Equal(t, "1700000000000", r.URL.Query().Get("start"),
			"the venue start is inclusive so since passes through unshifted")
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"category":"spot","symbol":"BTCUSDT","list":[
			["1700003600000","30250","30300","30200","30280","5.0","151250"],
			["1700000000000","30000","30500","29900","30250","12.5","375000"]
		]}}`))
	})
	b := testVenue(t, srv.URL)

	candles, err := b.FetchOHLCV(context.Background(), "BTC/USDT", kline.OneHour, time.UnixMilli(1700000000000), 0)
	require.NoError(t, err, "FetchOHLCV must not error")
	require.Len(t, candles, 2)
	assert.Equal(t, time.UnixMilli(1700000000000), candles[0].Timestamp, "candles reverse to oldest first")
	assert.Equal(t, 30000.0, candles[0].Open)
	assert.Equal(t, 30280.0, candles[1].Close)

	_, err = b.FetchOHLCV(context.Background(), "BTC/USDT", kline.Interval(7*time.Hour), time.Time{}, 0)
	assert.ErrorIs(t, err, errs.ErrBadRequest, "an unmapped interval must fail before the request")
}

func TestCreateOrder(t *testing.T) {
	t.Parallel()
	srv := mockvenue.New(t)
	srv.JSON(http.MethodGet, instrumentsPath, http.StatusOK, instrumentsDoc)
	var gotBody, gotContentType atomic.Value
	srv.Handle(http.MethodPost, createOrderPath, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(string(body))
		gotContentType.Store(r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"1321","orderLinkId":""}}`))
	})
	b := testVenue(t, srv.URL)

	d, err := b.CreateOrder(context.Background(), &order.Submit{
		Pair:   currency.NewPair(currency.BTC, currency.NewCode("USDT")),
		Type:   order.Limit,
		Side:   order.Buy,
		Amount: 0.001,
		Price:  30000,
	})
	require.NoError(t, err, "CreateOrder must not error")

	assert.Equal(t, seedOrderBody, gotBody.Load(), "the order body must reach the wire byte for byte")
	assert.Equal(t, "application/json", gotContentType.Load())

	assert.Equal(t, "1321", d.OrderID)
	assert.Equal(t, order.New, d.Status, "the venue acknowledges with ids only")
	assert.Equal(t, 0.001, d.Amount)
	assert.Equal(t, 0.001, d.Remaining)
	assert.Equal(t, 30000.0, d.Price)
}

func TestCreateOrderRejected(t *testing.T) {
	t.Parallel()
	srv := mockvenue.New(t)
	srv.JSON(http.MethodGet, instrumentsPath, http.StatusOK, instrumentsDoc)
	srv.JSON(http.MethodPost, createOrderPath, http.StatusOK,
		`{"retCode":170131,"retMsg":"Insufficient balance","result":{}}`)
	b := testVenue(t, srv.URL)

	_, err := b.CreateOrder(context.Background(), &order.Submit{
		Pair:   currency.NewPair(currency.BTC, currency.NewCode("USDT")),
		Type:   order.Limit,
		Side:   order.Buy,
		Amount: 0.001,
		Price:  30000,
	})
	require.ErrorIs(t, err, errs.ErrInsufficientFunds)
	var ve *errs.Error
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "170131", ve.VenueCode)
	assert.Equal(t, "bybit", ve.Venue)
}

func TestCreateOrderValidation(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	_, err := b.CreateOrder(context.Background(), &order.Submit{
		Pair: currency.NewPair(currency.BTC, currency.NewCode("USDT")),
		Type: order.Limit,
		Side: order.Buy,
	})
	assert.ErrorIs(t, err, order.ErrAmountIsInvalid)
}

func TestBuildOrderRequestMapping(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	m := &market.Market{ID: "BTCUSDT", Pair: currency.NewPair(currency.BTC, currency.NewCode("USDT"))}

	req, err := b.buildOrderRequest(m, &order.Submit{
		Pair: m.Pair, Type: order.Market, Side: order.Sell, Amount: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "spot", req.Category)
	assert.Equal(t, "Market", req.OrderType)
	assert.Equal(t, "Sell", req.Side)
	assert.Equal(t, "baseCoin", req.MarketUnit, "market sizes stay in base units")
	assert.Empty(t, req.Price)
	assert.Empty(t, req.TimeInForce, "market orders carry no time in force")

	req, err = b.buildOrderRequest(m, &order.Submit{
		Pair: m.Pair, Type: order.Limit, Side: order.Buy, Amount: 1, Price: 100,
		TimeInForce: order.PostOnly,
	})
	require.NoError(t, err)
	assert.Equal(t, "PostOnly", req.TimeInForce, "the venue spells time in force in camel case")

	req, err = b.buildOrderRequest(m, &order.Submit{
		Pair: m.Pair, Type: order.Limit, Side: order.Buy, Amount: 1, Price: 100,
		TimeInForce: order.ImmediateOrCancel,
	})
	require.NoError(t, err)
	assert.Equal(t, "IOC", req.TimeInForce)

	req, err = b.buildOrderRequest(m, &order.Submit{
		Pair: m.Pair, Type: order.FOK, Side: order.Buy, Amount: 1, Price: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, "Limit", req.OrderType, "fill or kill folds into time in force")
	assert.Equal(t, "FOK", req.TimeInForce)

	req, err = b.buildOrderRequest(m, &order.Submit{
		Pair: m.Pair, Type: order.LimitMaker, Side: order.Buy, Amount: 1, Price: 100,
		ClientOrderID: "my-id",
	})
	require.NoError(t, err)
	assert.Equal(t, "PostOnly", req.TimeInForce)
	assert.Equal(t, "my-id", req.OrderLinkID)

	_, err = b.buildOrderRequest(m, &order.Submit{
		Pair: m.Pair, Type: order.TrailingStop, Side: order.Sell, Amount: 1, TriggerPrice: 90,
	})
	assert.ErrorIs(t, err, errs.ErrInvalidOrder, "the spot surface has no trailing order type")
}

func TestAmendOrder(t *testing.T) {
	t.Parallel()
	srv := mockvenue.New(t)
	srv.JSON(http.MethodGet, instrumentsPath, http.StatusOK, instrumentsDoc)
	srv.Handle(http.MethodPost, amendOrderPath, func(w http.ResponseWriter, r *http.Request) {
		var req AmendOrderRequest
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "spot", req.Category)
		assert.Equal(t, "BTCUSDT", req.Symbol)
		assert.Equal(t, "1321", req.OrderID)
		assert.Equal(t, "0.2", req.Qty)
		assert.Equal(t, "31000", req.Price)
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"1321","orderLinkId":""}}`))
	})
	srv.JSON(http.MethodGet, openOrdersPath, http.StatusOK, `{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[
		{"orderId":"1321","orderLinkId":"","symbol":"BTCUSDT","price":"31000","qty":"0.2","side":"Buy",
		 "orderStatus":"New","orderType":"Limit","timeInForce":"GTC","avgPrice":"","cumExecQty":"0",
		 "cumExecValue":"0","cumExecFee":"0","createdTime":"1699990000000","updatedTime":"1700000000000"}
	]}}`)
	b := testVenue(t, srv.URL)

	d, err := b.AmendOrder(context.Background(), "1321", &order.Submit{
		Pair:   currency.NewPair(currency.BTC, currency.NewCode("USDT")),
		Type:   order.Limit,
		Side:   order.Buy,
		Amount: 0.2,
		Price:  31000,
	})
	require.NoError(t, err, "AmendOrder must not error")
	assert.Equal(t, "1321", d.OrderID)
	assert.Equal(t, order.New, d.Status, "a resting order is open")
	assert.Equal(t, 31000.0, d.Price)
	assert.Equal(t, 0.2, d.Amount)
}

func TestCancelOrder(t *testing.T) {
	t.Parallel()
	srv := mockvenue.New(t)
	srv.JSON(http.MethodGet, instrumentsPath, http.StatusOK, instrumentsDoc)
	srv.Handle(http.MethodPost, cancelOrderPath, func(w http.ResponseWriter, r *http.Request) {
		var req CancelOrderRequest
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "spot", req.Category)
		assert.Equal(t, "BTCUSDT", req.Symbol)
		assert.Equal(t, "1321", req.OrderID)
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"1321","orderLinkId":""}}`))
	})
	b := testVenue(t, srv.URL)

	require.NoError(t, b.CancelOrder(context.Background(), "1321", "BTC/USDT"))
	assert.ErrorIs(t, b.CancelOrder(context.Background(), "1321", ""), errs.ErrBadRequest,
		"the venue cannot cancel without a symbol")
}

func TestCancelAllOrders(t *testing.T) {
	t.Parallel()
	srv := mockvenue.New(t)
	var bodies atomic.Value
	bodies.Store([]string{})
	srv.Handle(http.MethodPost, cancelAllPath, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got, _ := bodies.Load().([]string)
		bodies.Store(append(got, string(body)))
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{"orderId":"1"},{"orderId":"2"}],"success":"1"}}`))
	})
	b := testVenue(t, srv.URL)
	loadTestMarkets(t, b)

	require.NoError(t, b.CancelAllOrders(context.Background(), ""), "a venue wide sweep is one call")
	require.NoError(t, b.CancelAllOrders(context.Background(), "BTC/USDT"))
	assert.Equal(t, []string{
		`{"category":"spot"}`,
		`{"category":"spot","symbol":"BTCUSDT"}`,
	}, bodies.Load(), "the sweep narrows by symbol only when one is given")
}

func TestFetchOrderFallsBackToHistory(t *testing.T) {
	t.Parallel()
	srv := mockvenue.New(t)
	srv.JSON(http.MethodGet, openOrdersPath, http.StatusOK, emptyOrdersDoc)
	srv.Handle(http.MethodGet, orderHistoryPath, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("orderId") != "7777" {
			_, _ = w.Write([]byte(emptyOrdersDoc))
			return
		}
		assert.Empty(t, r.URL.Query().Get("symbol"), "an id lookup needs no symbol")
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[
			{"orderId":"7777","orderLinkId":"my-id","symbol":"BTCUSDT","price":"30000","qty":"0.1","side":"Buy",
			 "orderStatus":"Filled","orderType":"Limit","timeInForce":"GTC","avgPrice":"30000","cumExecQty":"0.1",
			 "cumExecValue":"3000","cumExecFee":"0.0001","createdTime":"1699990000000","updatedTime":"1700000000000"}
		]}}`))
	})
	b := testVenue(t, srv.URL)

	d, err := b.FetchOrder(context.Background(), "7777", "")
	require.NoError(t, err, "a completed order must resolve through history")
	assert.Equal(t, order.Filled, d.Status)
	assert.Equal(t, "my-id", d.ClientOrderID)
	assert.Equal(t, "BTC/USDT", d.Pair.Format("/", true))
	assert.Equal(t, 30000.0, d.Average)
	assert.Equal(t, 0.1, d.Filled)
	assert.Equal(t, 3000.0, d.Cost, "cost comes from the cumulative executed value")
	assert.Equal(t, 0.0001, d.Fee.Cost, "fees arrive positive as charged")
	assert.Equal(t, currency.BTC, d.Fee.Currency, "a spot buy charges its fee in the received base")
	assert.Equal(t, order.GoodTillCancel, d.TimeInForce)
	assert.Equal(t, time.UnixMilli(1699990000000), d.Timestamp)
	assert.Equal(t, time.UnixMilli(1700000000000), d.LastUpdated)

	_, err = b.FetchOrder(context.Background(), "8888", "")
	assert.ErrorIs(t, err, errs.ErrOrderNotFound)
}

func TestFetchOpenOrders(t *testing.T) {
	t.Parallel()
	srv := mockvenue.New(t)
	srv.JSON(http.MethodGet, instrumentsPath, http.StatusOK, instrumentsDoc)
	srv.JSON(http.MethodGet, openOrdersPath, http.StatusOK, `{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[
		{"orderId":"1","symbol":"BTCUSDT","price":"31000","qty":"0.5","side":"Sell","orderStatus":"New",
		 "orderType":"Limit","timeInForce":"GTC","cumExecQty":"0","createdTime":"1699990000000","updatedTime":"1700000000000"},
		{"orderId":"2","symbol":"ETHBTC","price":"0.05","qty":"2","side":"Buy","orderStatus":"New",
		 "orderType":"Limit","timeInForce":"GTC","cumExecQty":"0","createdTime":"1699990000000","updatedTime":"1700000000000"}
	]}}`)
	b := testVenue(t, srv.URL)

	open, err := b.FetchOpenOrders(context.Background(), "")
	require.NoError(t, err, "FetchOpenOrders must not error")
	require.Len(t, open, 2)
	assert.Equal(t, "BTC/USDT", open[0].Pair.Format("/", true))
	assert.Equal(t, "ETH/BTC", open[1].Pair.Format("/", true))
	assert.Equal(t, order.New, open[0].Status)
	assert.Equal(t, order.Sell, open[0].Side)
	assert.Equal(t, 0.5, open[0].Remaining, "an unfilled order has its full size remaining")
}

func TestFetchClosedOrdersFiltersOpen(t *testing.T) {
	t.Parallel()
	srv := mockvenue.New(t)
	srv.JSON(http.MethodGet, instrumentsPath, http.StatusOK, instrumentsDoc)
	srv.JSON(http.MethodGet, orderHistoryPath, http.StatusOK, `{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[
		{"orderId":"3","symbol":"BTCUSDT","qty":"1","side":"Sell","orderStatus":"Cancelled","orderType":"Limit","cumExecQty":"0","updatedTime":"1700000002000"},
		{"orderId":"2","symbol":"BTCUSDT","qty":"1","side":"Buy","orderStatus":"New","orderType":"Limit","cumExecQty":"0","updatedTime":"1700000001000"},
		{"orderId":"1","symbol":"BTCUSDT","qty":"1","side":"Buy","orderStatus":"Filled","orderType":"Limit","cumExecQty":"1","updatedTime":"1700000000000"}
	]}}`)
	b := testVenue(t, srv.URL)

	closed, err := b.FetchClosedOrders(context.Background(), "BTC/USDT", time.Time{}, 0)
	require.NoError(t, err, "FetchClosedOrders must not error")
	require.Len(t, closed, 2, "resting orders are not closed")
	assert.Equal(t, "1", closed[0].OrderID, "newest first reverses to oldest first")
	assert.Equal(t, "3", closed[1].OrderID)
	assert.Equal(t, order.Cancelled, closed[1].Status)
}

func TestParseOrderStatuses(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	pair := currency.NewPair(currency.BTC, currency.NewCode("USDT"))
	for _, tc := range []struct {
		in   string
		want order.Status
	}{
		{"New", order.New},
		{"PartiallyFilled", order.PartiallyFilled},
		{"Filled", order.Filled},
		{"Cancelled", order.Cancelled},
		{"PartiallyFilledCanceled", order.Cancelled},
		{"Rejected", order.Rejected},
	} {
		d := b.parseOrder(&OrderData{OrderID: "1", OrderStatus: tc.in}, pair)
		assert.Equal(t, tc.want, d.Status, tc.in)
	}
}

func TestFetchMyTrades(t *testing.T) {
	t.Parallel()
	srv := mockvenue.New(t)
	srv.JSON(http.MethodGet, instrumentsPath, http.StatusOK, instrumentsDoc)
	srv.JSON(http.MethodGet, executionsPath, http.StatusOK, `{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[
		{"execId":"99","orderId":"7777","symbol":"BTCUSDT","side":"Buy","execPrice":"30000","execQty":"0.1",
		 "execValue":"3000","execFee":"0.0001","feeCurrency":"","isMaker":true,"execTime":"1700000001000"},
		{"execId":"98","orderId":"7776","symbol":"BTCUSDT","side":"Sell","execPrice":"29999","execQty":"0.2",
		 "execValue":"5999.8","execFee":"0.006","feeCurrency":"USDT","isMaker":false,"execTime":"1700000000000"}
	]}}`)
	b := testVenue(t, srv.URL)

	fills, err := b.FetchMyTrades(context.Background(), "BTC/USDT", time.Time{}, 0)
	require.NoError(t, err, "FetchMyTrades must not error")
	require.Len(t, fills, 2)
	assert.Equal(t, "98", fills[0].ID, "newest first reverses to oldest first")
	assert.False(t, fills[0].IsMaker)
	assert.True(t, fills[1].IsMaker)
	assert.Equal(t, 5999.8, fills[0].Cost, "cost comes from the executed value")
	assert.Equal(t, currency.NewCode("USDT"), fills[0].Fee.Currency, "an explicit fee currency wins")
	assert.Equal(t, 0.0001, fills[1].Fee.Cost, "fees arrive positive as charged")
	assert.Equal(t, currency.BTC, fills[1].Fee.Currency, "a buy with no fee currency charges in base")
}

func TestFetchBalance(t *testing.T) {
	t.Parallel()
	srv := mockvenue.New(t)
	srv.Handle(http.MethodGet, walletBalancePath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "UNIFIED", r.URL.Query().Get("accountType"))
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{
			"accountType":"UNIFIED","totalEquity":"35000",
			"coin":[
				{"coin":"BTC","equity":"2.0","walletBalance":"2.0","locked":"0.5","availableToWithdraw":"1.5"},
				{"coin":"USDT","equity":"1000","walletBalance":"1000","locked":"0","availableToWithdraw":""},
				{"coin":"DUST","equity":"0","walletBalance":"0","locked":"0","availableToWithdraw":"0"}
			]
		}]}}`))
	})
	b := testVenue(t, srv.URL)

	h, err := b.FetchBalance(context.Background())
	require.NoError(t, err, "FetchBalance must not error")
	require.Len(t, h.Balances, 2, "all zero rows are dropped")
	btc := h.Balances[currency.BTC]
	assert.Equal(t, 1.5, btc.Free)
	assert.Equal(t, 0.5, btc.Used)
	assert.Equal(t, 2.0, btc.Total)
	usdt := h.Balances[currency.NewCode("USDT")]
	assert.Equal(t, 1000.0, usdt.Free, "free falls back to wallet minus locked")
	assert.Equal(t, time.UnixMilli(fixedMilli), h.Timestamp, "the wallet carries no timestamp; the local clock stands in")
}

func TestFetchTradingFees(t *testing.T) {
	t.Parallel()
	srv := mockvenue.New(t)
	srv.JSON(http.MethodGet, instrumentsPath, http.StatusOK, instrumentsDoc)
	srv.Handle(http.MethodGet, feeRatePath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "spot", r.URL.Query().Get("category"))
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"BTCUSDT","takerFeeRate":"0.001","makerFeeRate":"0.0006"}
		]}}`))
	})
	b := testVenue(t, srv.URL)

	fees, err := b.FetchTradingFees(context.Background(), "BTC/USDT")
	require.NoError(t, err, "FetchTradingFees must not error")
	require.Len(t, fees, 1)
	assert.Equal(t, "BTC/USDT", fees[0].Symbol)
	assert.Equal(t, 0.0006, fees[0].Maker, "rates arrive positive, no sign folding")
	assert.Equal(t, 0.001, fees[0].Taker)
}

func TestPairFromSymbol(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	loadTestMarkets(t, b)

	p, err := b.pairFromSymbol("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT", p.Format("/", true))

	p, err = b.pairFromSymbol("SOLEUR")
	require.NoError(t, err, "unknown listings fall back to quote suffix splitting")
	assert.Equal(t, "SOL/EUR", p.Format("/", true))

	_, err = b.pairFromSymbol("USDT")
	assert.ErrorIs(t, err, errs.ErrBadSymbol, "a bare quote asset is not a pair")

	_, err = b.pairFromSymbol("BROKEN")
	assert.ErrorIs(t, err, errs.ErrBadSymbol)
}

func TestRateLimitBuckets(t *testing.T) {
	t.Parallel()
	defs := rateLimits()
	for _, epl := range []request.EndpointLimit{
		timeRate, instrumentsRate, tickersRate, orderBookRate, klinesRate, tradesRate,
		createOrderRate, amendOrderRate, cancelOrderRate, cancelAllRate,
		openOrdersRate, orderHistoryRate, executionsRate, walletRate, accountFeeRate,
	} {
		require.NotNil(t, defs[epl])
	}
	assert.NotSame(t, defs[timeRate].RateLimiter, defs[tickersRate].RateLimiter,
		"every endpoint meters independently")
	assert.NotSame(t, defs[createOrderRate].RateLimiter, defs[cancelOrderRate].RateLimiter)
}

func TestIntervalCoverage(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	native, err := b.Timeframe(kline.OneHour)
	require.NoError(t, err)
	assert.Equal(t, "60", native, "intraday intervals count minutes")
	native, err = b.Timeframe(kline.OneDay)
	require.NoError(t, err)
	assert.Equal(t, "D", native, "daily and above use letters")
	for _, iv := range []kline.Interval{
		kline.OneMin, kline.ThreeMin, kline.FiveMin, kline.FifteenMin, kline.ThirtyMin,
		kline.OneHour, kline.TwoHour, kline.FourHour, kline.SixHour, kline.TwelveHour,
		kline.OneDay, kline.OneWeek, kline.OneMonth,
	} {
		native, err := b.Timeframe(iv)
		require.NoError(t, err, "interval %s must map", iv)
		assert.NotEmpty(t, native)
	}
	_, err = b.Timeframe(kline.OneSecond)
	assert.ErrorIs(t, err, errs.ErrBadRequest, "the venue serves no second bars")
}

func TestNotSupportedSurface(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	assert.True(t, b.Has(exchange.OpCreateOrder))
	assert.True(t, b.Has(exchange.OpWatchOrders))
	assert.False(t, b.Has("withdraw"))
}
