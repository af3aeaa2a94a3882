package stream

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calder-labs/unicex/exchanges/request"
	"github.com/calder-labs/unicex/internal/testing/wsmock"
)

type testWsRequest struct {
	Event     string `json:"event"`
	RequestID int64  `json:"reqid,omitempty"`
}

func newTestServer(tb testing.TB, fn wsmock.HandlerFunc) *httptest.Server {
	tb.Helper()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { wsmock.Upgrader(tb, w, r, fn) }))
	tb.Cleanup(s.Close)
	return s
}

func newTestConnection(url string) *WebsocketConnection {
	return &WebsocketConnection{
		ExchangeName:      "test",
		URL:               url,
		ResponseMaxLimit:  time.Second * 5,
		Match:             NewMatch(),
		Wg:                &sync.WaitGroup{},
		ShutdownC:         make(chan struct{}),
		Traffic:           make(chan struct{}, 1),
		readMessageErrors: make(chan error, 1),
		log:               zerolog.Nop(),
	}
}

// readMessages routes matched request IDs back through Match until the
// connection closes
func readMessages(wc *WebsocketConnection) {
	for {
		resp := wc.ReadMessage()
		if resp.Raw == nil {
			return
		}
		var incoming testWsRequest
		if err := json.Unmarshal(resp.Raw, &incoming); err != nil {
			continue
		}
		if incoming.RequestID > 0 {
			wc.Match.IncomingWithData(incoming.RequestID, resp.Raw)
		}
	}
}

func TestDial(t *testing.T) {
	t.Parallel()
	mock := newTestServer(t, wsmock.EchoHandler)

	wc := newTestConnection("ws" + mock.URL[len("http"):])
	wc.ProxyURL = "://"
	err := wc.Dial(context.Background(), &gws.Dialer{}, http.Header{})
	assert.Error(t, err, "Dial should error on an unparseable proxy URL")

	wc.ProxyURL = ""
	require.NoError(t, wc.Dial(context.Background(), &gws.Dialer{}, http.Header{}), "Dial must not error")
	assert.True(t, wc.IsConnected(), "connection should be flagged connected after Dial")
	assert.Len(t, wc.Traffic, 1, "Dial should prime the traffic signal")
	require.NoError(t, wc.Shutdown())

	dead := newTestConnection("ws://127.0.0.1:1")
	err = dead.Dial(context.Background(), &gws.Dialer{}, http.Header{})
	assert.ErrorContains(t, err, "websocket connection", "Dial should wrap the dialer error")
	assert.False(t, dead.IsConnected())
}

func TestSendMessages(t *testing.T) {
	t.Parallel()
	mock := newTestServer(t, wsmock.EchoHandler)

	wc := newTestConnection("ws" + mock.URL[len("http"):])
	err := wc.SendJSONMessage(context.Background(), request.Unset, testWsRequest{Event: "ping"})
	assert.ErrorIs(t, err, errWebsocketIsDisconnected, "SendJSONMessage should error before Dial")

	require.NoError(t, wc.Dial(context.Background(), &gws.Dialer{}, http.Header{}))
	require.NoError(t, wc.SendJSONMessage(context.Background(), request.Unset, testWsRequest{Event: "ping"}))
	require.NoError(t, wc.SendRawMessage(context.Background(), request.Unset, gws.TextMessage, []byte("ping")))

	resp := wc.ReadMessage()
	require.NotNil(t, resp.Raw, "echoed message must be read back")
	assert.JSONEq(t, `{"event":"ping"}`, string(resp.Raw))
	resp = wc.ReadMessage()
	assert.Equal(t, "ping", string(resp.Raw))
}

func TestWriteToConnRateLimits(t *testing.T) {
	t.Parallel()
	mock := newTestServer(t, wsmock.EchoHandler)

	wc := newTestConnection("ws" + mock.URL[len("http"):])
	require.NoError(t, wc.Dial(context.Background(), &gws.Dialer{}, http.Header{}))

	wc.RateLimitDefinitions = request.RateLimitDefinitions{
		request.Auth: request.NewRateLimitWithWeight(time.Second, 100, 1),
	}
	err := wc.SendRawMessage(context.Background(), request.Unset, gws.TextMessage, []byte("ping"))
	assert.ErrorIs(t, err, errRateLimitNotFound, "send should error when no definition covers the endpoint and no fallback is set")

	require.NoError(t, wc.SendRawMessage(context.Background(), request.Auth, gws.TextMessage, []byte("ping")),
		"send must pass through a defined endpoint limit")

	wc.RateLimit = request.NewRateLimitWithWeight(time.Second, 100, 1)
	require.NoError(t, wc.SendRawMessage(context.Background(), request.Unset, gws.TextMessage, []byte("ping")),
		"send must fall back to the connection rate limit")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = wc.SendRawMessage(ctx, request.Auth, gws.TextMessage, []byte("ping"))
	assert.ErrorIs(t, err, context.Canceled, "send should surface rate limit context cancellation")
}

func TestSendMessageReturnResponse(t *testing.T) {
	t.Parallel()
	mock := newTestServer(t, wsmock.EchoHandler)

	wc := newTestConnection("ws" + mock.URL[len("http"):])
	rep := &reporter{}
	wc.Reporter = rep
	require.NoError(t, wc.Dial(context.Background(), &gws.Dialer{}, http.Header{}))

	go readMessages(wc)

	req := testWsRequest{Event: "subscribe", RequestID: 12345}
	resp, err := wc.SendMessageReturnResponse(context.Background(), request.Unset, req.RequestID, req)
	require.NoError(t, err, "SendMessageReturnResponse must not error")
	assert.JSONEq(t, `{"event":"subscribe","reqid":12345}`, string(resp))
	assert.Equal(t, "test", rep.name, "reporter should capture the latency sample")
	assert.Positive(t, rep.t)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = wc.SendMessageReturnResponse(cancelled, request.Unset, int64(123), req)
	assert.ErrorIs(t, err, context.Canceled)

	wc.ResponseMaxLimit = time.Millisecond
	_, err = wc.SendMessageReturnResponse(context.Background(), request.Unset, int64(123), req)
	assert.ErrorIs(t, err, ErrSignatureTimeout, "SendMessageReturnResponse should time out when the request ID is never matched")
}

func TestSendMessageReturnResponses(t *testing.T) {
	t.Parallel()
	mock := newTestServer(t, wsmock.EchoHandler)

	wc := newTestConnection("ws" + mock.URL[len("http"):])
	wc.ResponseMaxLimit = time.Millisecond * 200
	require.NoError(t, wc.Dial(context.Background(), &gws.Dialer{}, http.Header{}))

	go readMessages(wc)

	// The mock echoes one response per request, the second expected response
	// never arrives
	req := testWsRequest{Event: "subscribe", RequestID: 777}
	resps, err := wc.SendMessageReturnResponses(context.Background(), request.Unset, req.RequestID, req, 2)
	assert.ErrorIs(t, err, ErrSignatureTimeout)
	require.Len(t, resps, 1, "the matched response must still be returned alongside the timeout")
	assert.JSONEq(t, `{"event":"subscribe","reqid":777}`, string(resps[0]))

	_, err = wc.SendMessageReturnResponses(context.Background(), request.Unset, req.RequestID, func() {}, 1)
	assert.ErrorContains(t, err, "error marshaling json", "unmarshalable payloads should error before sending")
}

func TestReadMessageDisconnectRelay(t *testing.T) {
	t.Parallel()
	mock := newTestServer(t, func(_ int, _ []byte, _ *gws.Conn) error {
		return errors.New("closing")
	})

	wc := newTestConnection("ws" + mock.URL[len("http"):])
	require.NoError(t, wc.Dial(context.Background(), &gws.Dialer{}, http.Header{}))
	require.NoError(t, wc.SendRawMessage(context.Background(), request.Unset, gws.TextMessage, []byte("bye")))

	resp := wc.ReadMessage()
	assert.Nil(t, resp.Raw, "ReadMessage should return an empty response when the server closes")
	assert.False(t, wc.IsConnected())

	select {
	case err := <-wc.readMessageErrors:
		assert.ErrorIs(t, err, errConnectionFault, "external closures must be relayed for reconnection")
	case <-time.After(time.Second):
		t.Fatal("expected a relayed read error")
	}
}

func TestReadMessageQuietAfterShutdown(t *testing.T) {
	t.Parallel()
	mock := newTestServer(t, wsmock.EchoHandler)

	wc := newTestConnection("ws" + mock.URL[len("http"):])
	require.NoError(t, wc.Dial(context.Background(), &gws.Dialer{}, http.Header{}))
	require.NoError(t, wc.Shutdown())

	resp := wc.ReadMessage()
	assert.Nil(t, resp.Raw)
	assert.Empty(t, wc.readMessageErrors, "intentional shutdown must not relay a disconnection error")
}

func TestSetupPingHandler(t *testing.T) {
	t.Parallel()
	mock := newTestServer(t, wsmock.EchoHandler)

	wc := newTestConnection("ws" + mock.URL[len("http"):])
	require.NoError(t, wc.Dial(context.Background(), &gws.Dialer{}, http.Header{}))

	wc.SetupPingHandler(request.Unset, PingHandler{
		UseGorillaHandler: true,
		MessageType:       gws.PongMessage,
		Delay:             time.Second,
	})
	require.NoError(t, wc.Connection.Close())

	wc = newTestConnection("ws" + mock.URL[len("http"):])
	require.NoError(t, wc.Dial(context.Background(), &gws.Dialer{}, http.Header{}))
	wc.SetupPingHandler(request.Unset, PingHandler{
		MessageType: gws.TextMessage,
		Message:     []byte("ping"),
		Delay:       time.Millisecond * 10,
	})
	time.Sleep(time.Millisecond * 50)
	close(wc.ShutdownC)
	wc.Wg.Wait()
}

func TestParseBinaryResponse(t *testing.T) {
	t.Parallel()
	wc := newTestConnection("ws://localhost")

	var b bytes.Buffer
	g := gzip.NewWriter(&b)
	_, err := g.Write([]byte("hello"))
	require.NoError(t, err, "gzip.Write must not error")
	require.NoError(t, g.Close())
	resp, err := wc.parseBinaryResponse(b.Bytes())
	assert.NoError(t, err, "parseBinaryResponse should not error parsing gzip")
	assert.EqualValues(t, "hello", resp)

	b.Reset()
	z := zlib.NewWriter(&b)
	_, err = z.Write([]byte("world"))
	require.NoError(t, err, "zlib.Write must not error")
	require.NoError(t, z.Close())
	resp, err = wc.parseBinaryResponse(b.Bytes())
	assert.NoError(t, err, "parseBinaryResponse should not error parsing zlib")
	assert.EqualValues(t, "world", resp)

	b.Reset()
	f, err := flate.NewWriter(&b, 1)
	require.NoError(t, err, "flate.NewWriter must not error")
	_, err = f.Write([]byte("goodbye"))
	require.NoError(t, err, "flate.Write must not error")
	require.NoError(t, f.Close())
	resp, err = wc.parseBinaryResponse(b.Bytes())
	assert.NoError(t, err, "parseBinaryResponse should not error parsing deflate")
	assert.EqualValues(t, "goodbye", resp)

	_, err = wc.parseBinaryResponse([]byte{})
	assert.ErrorContains(t, err, "unexpected EOF", "parseBinaryResponse should error on empty input")
}

func TestGenerateMessageID(t *testing.T) {
	t.Parallel()
	wc := &WebsocketConnection{}
	for i := 0; i < 10; i++ {
		id := wc.GenerateMessageID(false)
		assert.GreaterOrEqual(t, id, int64(1e8))
		assert.LessOrEqual(t, id, int64(2e8))

		id = wc.GenerateMessageID(true)
		assert.GreaterOrEqual(t, id, int64(1e12))
		assert.LessOrEqual(t, id, int64(2e12))
	}

	wc.bespokeGenerateMessageID = func(bool) int64 { return 42 }
	assert.EqualValues(t, 42, wc.GenerateMessageID(false), "bespoke generator should take precedence")
}

func TestConnectionShutdown(t *testing.T) {
	t.Parallel()
	var nilConn *WebsocketConnection
	require.NoError(t, nilConn.Shutdown(), "Shutdown must be nil safe")
	require.NoError(t, (&WebsocketConnection{}).Shutdown(), "Shutdown must tolerate an undialed connection")

	mock := newTestServer(t, wsmock.EchoHandler)
	wc := newTestConnection("ws" + mock.URL[len("http"):])
	require.NoError(t, wc.Dial(context.Background(), &gws.Dialer{}, http.Header{}))
	require.True(t, wc.IsConnected())
	require.NoError(t, wc.Shutdown())
	assert.False(t, wc.IsConnected())
}

func TestIsDisconnectionError(t *testing.T) {
	t.Parallel()
	assert.False(t, IsDisconnectionError(nil))
	assert.False(t, IsDisconnectionError(errors.New("hello")))
	assert.True(t, IsDisconnectionError(&gws.CloseError{Code: gws.CloseAbnormalClosure, Text: "SpectacularExplosion"}))
	assert.True(t, IsDisconnectionError(&net.OpError{Op: "read", Err: errors.New("atomic mushroom")}))
	assert.True(t, IsDisconnectionError(net.ErrClosed))
	assert.True(t, IsDisconnectionError(&net.OpError{Err: net.ErrClosed}))
}

func TestRemoveURLQueryString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "wss://a.b/ws", removeURLQueryString("wss://a.b/ws?token=deadbeef&ts=1"))
	assert.Equal(t, "wss://a.b/ws", removeURLQueryString("wss://a.b/ws"))
	assert.Empty(t, removeURLQueryString(""))
}

type reporter struct {
	name string
	msg  []byte
	t    time.Duration
}

func (r *reporter) Latency(name string, message []byte, t time.Duration) {
	r.name = name
	r.msg = message
	r.t = t
}
