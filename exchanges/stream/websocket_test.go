package stream

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calder-labs/unicex/common"
	"github.com/calder-labs/unicex/exchanges/subscription"
	"github.com/calder-labs/unicex/internal/testing/wsmock"
)

func newTestWebsocket(tb testing.TB) *Websocket {
	tb.Helper()
	w := NewWebsocket()
	require.NoError(tb, w.Setup(&WebsocketSetup{
		ExchangeName: "test",
		Logger:       zerolog.Nop(),
		Connector:    func(context.Context) error { return nil },
		Subscriber:   func(context.Context, subscription.List) error { return nil },
		Unsubscriber: func(context.Context, subscription.List) error { return nil },
	}), "Setup must not error")
	return w
}

// dialingConnector dials the public connection and spawns its read pump with
// a no-op handler
func dialingConnector(w *Websocket) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := w.Conn.Dial(ctx, &gws.Dialer{}, http.Header{}); err != nil {
			return err
		}
		w.Wg.Add(1)
		go w.Reader(ctx, w.Conn, func(context.Context, []byte) error { return nil })
		return nil
	}
}

func TestWebsocketSetup(t *testing.T) {
	t.Parallel()
	var nilWs *Websocket
	assert.ErrorIs(t, nilWs.Setup(nil), common.ErrNilPointer)

	w := NewWebsocket()
	assert.ErrorIs(t, w.Setup(nil), common.ErrNilPointer)

	s := &WebsocketSetup{}
	assert.ErrorIs(t, w.Setup(s), errExchangeNameUnset)

	s.ExchangeName = "test"
	assert.ErrorIs(t, w.Setup(s), errNoConnectFunc)

	s.Connector = func(context.Context) error { return nil }
	assert.ErrorIs(t, w.Setup(s), errWebsocketSubscriberUnset)

	s.Subscriber = func(context.Context, subscription.List) error { return nil }
	assert.ErrorIs(t, w.Setup(s), errWebsocketUnsubscriberUnset)

	s.Unsubscriber = func(context.Context, subscription.List) error { return nil }
	require.NoError(t, w.Setup(s), "Setup must not error with everything set")

	assert.Equal(t, DefaultTrafficTimeout, w.trafficTimeout, "traffic timeout should default")
	assert.Equal(t, DefaultConnectionMonitorDelay, w.connectionMonitorDelay, "connection monitor delay should default")
	assert.Equal(t, DefaultResponseMaxLimit, w.responseMaxLimit, "response max limit should default")
	assert.True(t, w.IsEnabled(), "websocket should be enabled after setup")
	assert.False(t, w.IsConnected())
	assert.False(t, w.IsConnecting())
	assert.Equal(t, "test", w.GetName())

	assert.ErrorIs(t, w.Setup(s), errAlreadySetup, "Setup should reject a second call")
}

func TestSetupNewConnection(t *testing.T) {
	t.Parallel()
	fresh := NewWebsocket()
	_, err := fresh.SetupNewConnection(&ConnectionSetup{URL: "wss://localhost"})
	assert.ErrorIs(t, err, errNotSetup, "SetupNewConnection should require Setup first")

	w := newTestWebsocket(t)
	_, err = w.SetupNewConnection(nil)
	assert.ErrorIs(t, err, common.ErrNilPointer)

	_, err = w.SetupNewConnection(&ConnectionSetup{URL: "http://localhost"})
	assert.ErrorIs(t, err, errInvalidWebsocketURL)

	pub, err := w.SetupNewConnection(&ConnectionSetup{URL: "wss://localhost"})
	require.NoError(t, err)
	assert.Same(t, pub, w.Conn, "public connections should be assigned to Conn")
	assert.Equal(t, "test", pub.ExchangeName)
	assert.Equal(t, DefaultResponseMaxLimit, pub.ResponseMaxLimit, "response max limit should inherit the session default")
	assert.False(t, pub.Authenticated)

	auth, err := w.SetupNewConnection(&ConnectionSetup{URL: "wss://localhost/private", Authenticated: true, ResponseMaxLimit: time.Second})
	require.NoError(t, err)
	assert.Same(t, auth, w.AuthConn, "authenticated connections should be assigned to AuthConn")
	assert.Equal(t, time.Second, auth.ResponseMaxLimit)
	assert.True(t, auth.Authenticated)
}

func TestConnectLifecycle(t *testing.T) {
	t.Parallel()
	mock := newTestServer(t, wsmock.EchoHandler)

	notSetup := NewWebsocket()
	assert.ErrorIs(t, notSetup.Connect(context.Background()), ErrWebsocketNotEnabled, "Connect should error when not enabled")
	notSetup.enabled.Store(true)
	assert.ErrorIs(t, notSetup.Connect(context.Background()), errNotSetup, "Connect should error when not setup")

	w := NewWebsocket()
	require.NoError(t, w.Setup(&WebsocketSetup{
		ExchangeName:           "test",
		Logger:                 zerolog.Nop(),
		Connector:              dialingConnector(w),
		Subscriber:             func(context.Context, subscription.List) error { return nil },
		Unsubscriber:           func(context.Context, subscription.List) error { return nil },
		ConnectionMonitorDelay: time.Minute,
	}))
	_, err := w.SetupNewConnection(&ConnectionSetup{URL: "ws" + mock.URL[len("http"):]})
	require.NoError(t, err)

	require.NoError(t, w.Connect(context.Background()), "Connect must not error")
	assert.True(t, w.IsConnected())
	assert.ErrorIs(t, w.Connect(context.Background()), ErrAlreadyConnected)

	require.NoError(t, w.Shutdown(), "Shutdown must not error")
	assert.False(t, w.IsConnected())
	assert.ErrorIs(t, w.Shutdown(), ErrNotConnected, "second Shutdown should error")

	require.NoError(t, w.Connect(context.Background()), "Connect must work again after Shutdown")

	require.NoError(t, w.Disable(), "Disable must not error")
	assert.False(t, w.IsConnected(), "Disable should disconnect")
	assert.ErrorIs(t, w.Disable(), ErrWebsocketNotEnabled, "second Disable should error")
	assert.ErrorIs(t, w.Connect(context.Background()), ErrWebsocketNotEnabled)

	require.NoError(t, w.Enable(context.Background()), "Enable must reconnect")
	assert.True(t, w.IsConnected())
	assert.ErrorIs(t, w.Enable(context.Background()), errAlreadyEnabled)
	require.NoError(t, w.Disable())
}

func TestConnectFailure(t *testing.T) {
	t.Parallel()
	w := NewWebsocket()
	require.NoError(t, w.Setup(&WebsocketSetup{
		ExchangeName:           "test",
		Logger:                 zerolog.Nop(),
		Connector:              func(context.Context) error { return errors.New("venue down") },
		Subscriber:             func(context.Context, subscription.List) error { return nil },
		Unsubscriber:           func(context.Context, subscription.List) error { return nil },
		ConnectionMonitorDelay: time.Minute,
	}))
	err := w.Connect(context.Background())
	assert.ErrorContains(t, err, "venue down")
	assert.False(t, w.IsConnected(), "failed connect should return to disconnected")
	assert.False(t, w.IsConnecting())
}

func TestSubscriptionTracking(t *testing.T) {
	t.Parallel()
	w := newTestWebsocket(t)

	s := &subscription.Subscription{Channel: subscription.TickerChannel}
	require.NoError(t, w.AddSubscriptions(s))
	assert.Equal(t, subscription.SubscribingState, s.State(), "AddSubscriptions should mark Subscribing")
	assert.NotNil(t, w.GetSubscription(s), "subscription should be tracked")
	assert.ErrorIs(t, w.AddSubscriptions(s), subscription.ErrDuplicate)

	s2 := &subscription.Subscription{Channel: subscription.CandlesChannel}
	require.NoError(t, w.AddSuccessfulSubscriptions(s2))
	assert.Equal(t, subscription.SubscribedState, s2.State())
	assert.ErrorIs(t, w.AddSuccessfulSubscriptions(s2), subscription.ErrInStateAlready)

	assert.Len(t, w.GetSubscriptions(), 2)

	require.NoError(t, w.RemoveSubscriptions(s2))
	assert.Equal(t, subscription.UnsubscribedState, s2.State())
	assert.Nil(t, w.GetSubscription(s2))
	assert.ErrorIs(t, w.RemoveSubscriptions(s2), subscription.ErrNotFound)

	assert.Nil(t, w.GetSubscription(nil), "nil keys should return nil")
	assert.Nil(t, w.GetSubscription(testNoMatchKey{}), "unknown keys should return nil")
}

type testNoMatchKey struct{}

func TestSubscribeToChannels(t *testing.T) {
	t.Parallel()
	w := newTestWebsocket(t)
	var calls atomic.Int32
	w.Subscriber = func(_ context.Context, subs subscription.List) error {
		calls.Add(1)
		return w.AddSuccessfulSubscriptions(subs...)
	}

	assert.ErrorIs(t, w.SubscribeToChannels(context.Background(), nil), errNoSubscriptionsSupplied)
	assert.ErrorIs(t, w.SubscribeToChannels(context.Background(), subscription.List{nil}), common.ErrNilPointer)

	s := &subscription.Subscription{Channel: subscription.TickerChannel}
	require.NoError(t, w.SubscribeToChannels(context.Background(), subscription.List{s}))
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, subscription.SubscribedState, s.State())

	assert.ErrorIs(t, w.SubscribeToChannels(context.Background(), subscription.List{s}), errAlreadySubscribed)

	w.Subscriber = func(context.Context, subscription.List) error { return errors.New("venue says no") }
	s2 := &subscription.Subscription{Channel: subscription.OrderbookChannel}
	assert.ErrorIs(t, w.SubscribeToChannels(context.Background(), subscription.List{s2}), ErrSubscriptionFailure)
	assert.Nil(t, w.GetSubscription(s2), "failed subscriptions must not be tracked")
}

func TestUnsubscribeChannels(t *testing.T) {
	t.Parallel()
	w := newTestWebsocket(t)
	w.Subscriber = func(_ context.Context, subs subscription.List) error {
		return w.AddSuccessfulSubscriptions(subs...)
	}
	w.Unsubscriber = func(_ context.Context, subs subscription.List) error {
		return w.RemoveSubscriptions(subs...)
	}

	require.NoError(t, w.UnsubscribeChannels(context.Background(), nil), "no subscriptions to remove is not an error")

	s := &subscription.Subscription{Channel: subscription.TickerChannel}
	assert.ErrorIs(t, w.UnsubscribeChannels(context.Background(), subscription.List{s}), subscription.ErrNotFound)

	require.NoError(t, w.SubscribeToChannels(context.Background(), subscription.List{s}))
	require.NoError(t, w.UnsubscribeChannels(context.Background(), subscription.List{s}))
	assert.Equal(t, subscription.UnsubscribedState, s.State())
	assert.Nil(t, w.GetSubscription(s))

	s2 := &subscription.Subscription{Channel: subscription.CandlesChannel}
	require.NoError(t, w.SubscribeToChannels(context.Background(), subscription.List{s2}))
	w.Unsubscriber = func(context.Context, subscription.List) error { return errors.New("venue says no") }
	assert.ErrorIs(t, w.UnsubscribeChannels(context.Background(), subscription.List{s2}), ErrUnsubscribeFailure)
}

func TestResubscribeToChannel(t *testing.T) {
	t.Parallel()
	w := newTestWebsocket(t)
	w.Subscriber = func(_ context.Context, subs subscription.List) error {
		return w.AddSuccessfulSubscriptions(subs...)
	}
	w.Unsubscriber = func(_ context.Context, subs subscription.List) error {
		return w.RemoveSubscriptions(subs...)
	}

	s := &subscription.Subscription{Channel: subscription.OrderbookChannel}
	require.NoError(t, w.SubscribeToChannels(context.Background(), subscription.List{s}))

	require.NoError(t, w.ResubscribeToChannel(context.Background(), s), "ResubscribeToChannel must not error")
	assert.Equal(t, subscription.SubscribedState, s.State())
	assert.NotNil(t, w.GetSubscription(s), "resubscribed channel should remain tracked")

	orphan := &subscription.Subscription{Channel: subscription.TickerChannel}
	assert.ErrorIs(t, w.ResubscribeToChannel(context.Background(), orphan), subscription.ErrNotFound, "untracked subscriptions cannot be resubscribed")
}

func TestDispatchRoutes(t *testing.T) {
	t.Parallel()
	fresh := NewWebsocket()
	assert.ErrorIs(t, fresh.AddDispatch("k", func(any) {}), errNotSetup)
	assert.ErrorIs(t, fresh.Dispatch("k", 1), errNotSetup)
	assert.ErrorIs(t, fresh.RemoveDispatch("k"), errNotSetup)

	w := newTestWebsocket(t)
	got := make(chan any, 4)
	require.NoError(t, w.AddDispatch("k", func(v any) { got <- v }))
	require.NoError(t, w.Dispatch("k", 7))
	select {
	case v := <-got:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("expected dispatched payload")
	}

	require.NoError(t, w.RemoveDispatch("k"))
	assert.ErrorIs(t, w.Dispatch("k", 8), ErrRequestRouteNotFound)
}

func TestRelayError(t *testing.T) {
	t.Parallel()
	w := newTestWebsocket(t)
	w.RelayError(nil)
	assert.Empty(t, w.DataHandler, "nil errors must not be relayed")

	sentinel := errors.New("boom")
	w.RelayError(sentinel)
	select {
	case v := <-w.DataHandler:
		assert.ErrorIs(t, v.(error), sentinel)
	case <-time.After(time.Second):
		t.Fatal("expected relayed error")
	}
}

func TestReconnectsAndResubscribes(t *testing.T) {
	t.Parallel()
	mock := newTestServer(t, wsmock.EchoHandler)

	w := NewWebsocket()
	var subscriberCalls atomic.Int32
	require.NoError(t, w.Setup(&WebsocketSetup{
		ExchangeName: "test",
		Logger:       zerolog.Nop(),
		Connector:    dialingConnector(w),
		Subscriber: func(_ context.Context, subs subscription.List) error {
			subscriberCalls.Add(1)
			return w.AddSuccessfulSubscriptions(subs...)
		},
		Unsubscriber:           func(context.Context, subscription.List) error { return nil },
		TrafficTimeout:         time.Minute,
		ConnectionMonitorDelay: time.Millisecond * 10,
	}))
	_, err := w.SetupNewConnection(&ConnectionSetup{URL: "ws" + mock.URL[len("http"):]})
	require.NoError(t, err)
	require.NoError(t, w.Connect(context.Background()))

	s := &subscription.Subscription{Channel: subscription.TickerChannel}
	require.NoError(t, w.SubscribeToChannels(context.Background(), subscription.List{s}))
	require.EqualValues(t, 1, subscriberCalls.Load())

	// Sever every client connection; the monitor should recycle the session
	// and reissue the tracked subscription
	mock.CloseClientConnections()

	require.Eventually(t, func() bool {
		return w.IsConnected() && subscriberCalls.Load() >= 2 && s.State() == subscription.SubscribedState
	}, time.Second*5, time.Millisecond*10, "session must reconnect and resubscribe")

	assert.NotNil(t, w.GetSubscription(s), "subscription must survive the reconnect")
	require.NoError(t, w.Disable())
}

func TestTrafficTimeoutRecycles(t *testing.T) {
	t.Parallel()
	mock := newTestServer(t, wsmock.EchoHandler)

	w := NewWebsocket()
	require.NoError(t, w.Setup(&WebsocketSetup{
		ExchangeName:           "test",
		Logger:                 zerolog.Nop(),
		Connector:              dialingConnector(w),
		Subscriber:             func(context.Context, subscription.List) error { return nil },
		Unsubscriber:           func(context.Context, subscription.List) error { return nil },
		TrafficTimeout:         time.Millisecond * 50,
		ConnectionMonitorDelay: time.Minute,
	}))
	_, err := w.SetupNewConnection(&ConnectionSetup{URL: "ws" + mock.URL[len("http"):]})
	require.NoError(t, err)
	require.NoError(t, w.Connect(context.Background()))

	require.Eventually(t, func() bool { return !w.IsConnected() },
		time.Second*5, time.Millisecond*10, "silent connection must be torn down by the traffic monitor")
	require.NoError(t, w.Disable())
}
