package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/calder-labs/unicex/common"
	"github.com/calder-labs/unicex/exchanges/request"
	"github.com/calder-labs/unicex/exchanges/subscription"
)

// defaultEventBufferSize is the capacity of the out-of-band event channel
// carrying errors and warnings to the consumer
const defaultEventBufferSize = 128

// Websocket defines a venue websocket session over one public and one
// optional authenticated connection. It owns keep-alive, the connection
// monitor which redials with backoff while enabled, the tracked subscription
// set reissued after a reconnect and the fan-out of parsed payloads to
// per-subscription delivery routes.
type Websocket struct {
	enabled                      atomic.Bool
	state                        atomic.Uint32
	connectionMonitorRunning     atomic.Bool
	canUseAuthenticatedEndpoints atomic.Bool

	verbose      bool
	exchangeName string

	connector func(ctx context.Context) error

	// Subscriber and Unsubscriber transcribe subscriptions into venue wire
	// messages and report tracking back via AddSuccessfulSubscriptions and
	// RemoveSubscriptions
	Subscriber   func(ctx context.Context, subs subscription.List) error
	Unsubscriber func(ctx context.Context, subs subscription.List) error

	// Conn is the public market data connection, AuthConn carries private
	// account streams
	Conn     *WebsocketConnection
	AuthConn *WebsocketConnection

	subscriptions *subscription.Store
	dispatch      *dispatcher

	trafficTimeout         time.Duration
	connectionMonitorDelay time.Duration
	responseMaxLimit       time.Duration

	// m protects connect and shutdown transitions
	m  sync.Mutex
	Wg sync.WaitGroup

	ShutdownC chan struct{}

	// DataHandler carries errors, unhandled payload warnings and dropped
	// message reports out of the session
	DataHandler chan any

	TrafficAlert      chan struct{}
	ReadMessageErrors chan error

	log zerolog.Logger
}

// WebsocketSetup defines variables for setting up a websocket session
type WebsocketSetup struct {
	ExchangeName string
	Verbose      bool
	Logger       zerolog.Logger

	Connector    func(ctx context.Context) error
	Subscriber   func(ctx context.Context, subs subscription.List) error
	Unsubscriber func(ctx context.Context, subs subscription.List) error

	TrafficTimeout         time.Duration
	ConnectionMonitorDelay time.Duration

	// ResponseMaxLimit is the default request and response matching wait
	// applied to connections which do not set their own
	ResponseMaxLimit time.Duration

	DispatchQueueSize int
}

// ConnectionSetup defines variables for an individual connection
type ConnectionSetup struct {
	URL           string
	ProxyURL      string
	Authenticated bool

	ResponseMaxLimit     time.Duration
	RateLimit            *request.RateLimiterWithWeight
	RateLimitDefinitions request.RateLimitDefinitions
	Reporter             Reporter

	// GenerateMessageID overrides the default random message ID source
	GenerateMessageID func(highPrecision bool) int64
}

// NewWebsocket initialises and returns a new websocket session manager
func NewWebsocket() *Websocket {
	return &Websocket{
		DataHandler:       make(chan any, defaultEventBufferSize),
		TrafficAlert:      make(chan struct{}, 1),
		ReadMessageErrors: make(chan error, 1),
		subscriptions:     subscription.NewStore(),
	}
}

// Setup sets the main websocket session variables
func (w *Websocket) Setup(s *WebsocketSetup) error {
	if w == nil || s == nil {
		return fmt.Errorf("websocket setup: %w", common.ErrNilPointer)
	}
	if w.state.Load() != uninitialisedState {
		return fmt.Errorf("%v %w", s.ExchangeName, errAlreadySetup)
	}
	if s.ExchangeName == "" {
		return errExchangeNameUnset
	}
	if s.Connector == nil {
		return fmt.Errorf("%v %w", s.ExchangeName, errNoConnectFunc)
	}
	if s.Subscriber == nil {
		return fmt.Errorf("%v %w", s.ExchangeName, errWebsocketSubscriberUnset)
	}
	if s.Unsubscriber == nil {
		return fmt.Errorf("%v %w", s.ExchangeName, errWebsocketUnsubscriberUnset)
	}

	w.exchangeName = s.ExchangeName
	w.verbose = s.Verbose
	w.log = s.Logger
	w.connector = s.Connector
	w.Subscriber = s.Subscriber
	w.Unsubscriber = s.Unsubscriber

	w.trafficTimeout = s.TrafficTimeout
	if w.trafficTimeout <= 0 {
		w.trafficTimeout = DefaultTrafficTimeout
	}
	w.connectionMonitorDelay = s.ConnectionMonitorDelay
	if w.connectionMonitorDelay <= 0 {
		w.connectionMonitorDelay = DefaultConnectionMonitorDelay
	}
	w.responseMaxLimit = s.ResponseMaxLimit
	if w.responseMaxLimit <= 0 {
		w.responseMaxLimit = DefaultResponseMaxLimit
	}

	w.dispatch = newDispatcher(s.DispatchQueueSize, w.DataHandler, w.log)
	w.enabled.Store(true)
	w.state.Store(disconnectedState)
	return nil
}

// SetupNewConnection registers a connection against the session. The
// authenticated flag routes it to AuthConn, otherwise Conn.
func (w *Websocket) SetupNewConnection(c *ConnectionSetup) (*WebsocketConnection, error) {
	if w == nil || c == nil {
		return nil, fmt.Errorf("connection setup: %w", common.ErrNilPointer)
	}
	if w.state.Load() == uninitialisedState {
		return nil, fmt.Errorf("cannot setup new connection: %w", errNotSetup)
	}
	if !strings.HasPrefix(c.URL, "ws") {
		return nil, fmt.Errorf("%w: %q", errInvalidWebsocketURL, c.URL)
	}
	if c.ResponseMaxLimit <= 0 {
		c.ResponseMaxLimit = w.responseMaxLimit
	}

	conn := &WebsocketConnection{
		ExchangeName:             w.exchangeName,
		URL:                      c.URL,
		ProxyURL:                 c.ProxyURL,
		Authenticated:            c.Authenticated,
		Verbose:                  w.verbose,
		ResponseMaxLimit:         c.ResponseMaxLimit,
		RateLimit:                c.RateLimit,
		RateLimitDefinitions:     c.RateLimitDefinitions,
		Reporter:                 c.Reporter,
		Traffic:                  w.TrafficAlert,
		readMessageErrors:        w.ReadMessageErrors,
		ShutdownC:                w.ShutdownC,
		Wg:                       &w.Wg,
		Match:                    NewMatch(),
		bespokeGenerateMessageID: c.GenerateMessageID,
		log:                      w.log,
	}
	if c.Authenticated {
		w.AuthConn = conn
	} else {
		w.Conn = conn
	}
	return conn, nil
}

// Connect initiates a websocket connection by using a package defined
// connection function
func (w *Websocket) Connect(ctx context.Context) error {
	w.m.Lock()
	defer w.m.Unlock()
	return w.connect(ctx)
}

func (w *Websocket) connect(ctx context.Context) error {
	if !w.IsEnabled() {
		return fmt.Errorf("%v %w", w.exchangeName, ErrWebsocketNotEnabled)
	}
	switch w.state.Load() {
	case uninitialisedState:
		return fmt.Errorf("%v %w", w.exchangeName, errNotSetup)
	case connectedState:
		return fmt.Errorf("%v %w", w.exchangeName, ErrAlreadyConnected)
	case connectingState:
		return fmt.Errorf("%v %w", w.exchangeName, errAlreadyReconnecting)
	}
	w.state.Store(connectingState)

	// Recycle session comms so stale shutdown signals cannot leak into the
	// new connection's goroutines
	w.ShutdownC = make(chan struct{})
	if w.Conn != nil {
		w.Conn.ShutdownC = w.ShutdownC
	}
	if w.AuthConn != nil {
		w.AuthConn.ShutdownC = w.ShutdownC
	}

	if err := w.connector(ctx); err != nil {
		w.state.Store(disconnectedState)
		return fmt.Errorf("%v error connecting: %w", w.exchangeName, err)
	}
	w.state.Store(connectedState)

	w.Wg.Add(1)
	go w.monitorFrame(&w.Wg, w.monitorTraffic)
	if err := w.connectionMonitor(); err != nil && w.verbose {
		w.log.Debug().Err(err).Msg("connection monitor")
	}

	if err := w.resubscribeAll(ctx); err != nil {
		// Recycle the connection so the monitor retries the full cycle
		// rather than leaving a half subscribed session up
		w.log.Error().Err(err).Msg("resubscribe after reconnect failed")
		return common.AppendError(err, w.shutdown())
	}
	return nil
}

// Shutdown attempts to shut down a websocket connection and associated
// goroutines. While the websocket is enabled the connection monitor will
// redial; use Disable for a terminal stop.
func (w *Websocket) Shutdown() error {
	w.m.Lock()
	defer w.m.Unlock()
	return w.shutdown()
}

func (w *Websocket) shutdown() error {
	if w.state.Load() != connectedState {
		return fmt.Errorf("%v %w", w.exchangeName, ErrNotConnected)
	}

	if w.verbose {
		w.log.Debug().Msg("shutting down websocket")
	}

	close(w.ShutdownC)

	var errs error
	if w.Conn != nil {
		if err := w.Conn.Shutdown(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = common.AppendError(errs, err)
		}
	}
	if w.AuthConn != nil {
		if err := w.AuthConn.Shutdown(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = common.AppendError(errs, err)
		}
	}

	// Readers, ping tickers and the traffic monitor exit on connection close
	// or the shutdown signal
	w.Wg.Wait()

	drainSignal(w.TrafficAlert)
	drainErrors(w.ReadMessageErrors)

	w.state.Store(disconnectedState)
	return errs
}

// Enable turns the websocket back on, connects and restarts the connection
// monitor
func (w *Websocket) Enable(ctx context.Context) error {
	if !w.enabled.CompareAndSwap(false, true) {
		return fmt.Errorf("%v %w", w.exchangeName, errAlreadyEnabled)
	}
	return w.Connect(ctx)
}

// Disable disconnects, drops every tracked subscription and stops delivery
// routes. A disabled websocket keeps its setup and can be re-enabled.
func (w *Websocket) Disable() error {
	if !w.enabled.CompareAndSwap(true, false) {
		return fmt.Errorf("%v %w", w.exchangeName, ErrWebsocketNotEnabled)
	}
	var errs error
	if w.IsConnected() {
		errs = w.Shutdown()
	}
	if w.dispatch != nil {
		w.dispatch.stop()
	}
	for _, s := range w.subscriptions.Clear() {
		if s.State() != subscription.UnsubscribedState {
			_ = s.SetState(subscription.UnsubscribedState)
		}
	}
	return errs
}

// Reader reads and handles data from a specific connection, exiting when the
// connection is closed
func (w *Websocket) Reader(ctx context.Context, conn *WebsocketConnection, handler func(ctx context.Context, message []byte) error) {
	defer w.Wg.Done()
	for {
		resp := conn.ReadMessage()
		if resp.Raw == nil {
			return
		}
		if err := handler(ctx, resp.Raw); err != nil {
			w.RelayError(err)
		}
	}
}

// RelayError pushes an error to the data handler, logging when the consumer
// is not keeping up
func (w *Websocket) RelayError(err error) {
	if err == nil {
		return
	}
	select {
	case w.DataHandler <- err:
	default:
		w.log.Error().Err(err).Msg("data handler full, dropping error")
	}
}

// connectionMonitor starts the monitor which redials while the websocket is
// enabled. Only one monitor runs per session.
func (w *Websocket) connectionMonitor() error {
	if !w.connectionMonitorRunning.CompareAndSwap(false, true) {
		return errMonitorAlreadyRunning
	}
	go w.monitorFrame(nil, w.monitorConnection)
	return nil
}

// monitorFrame runs checker functions which monitor a part of the websocket
// until they signal completion
func (w *Websocket) monitorFrame(wg *sync.WaitGroup, fn func() func() bool) {
	if wg != nil {
		defer wg.Done()
	}
	checker := fn()
	for {
		if checker() {
			return
		}
	}
}

func (w *Websocket) monitorConnection() func() bool {
	timer := time.NewTimer(w.connectionMonitorDelay)
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = defaultMaxReconnectInterval
	return func() bool { return w.observeConnection(timer, bo) }
}

// observeConnection reacts to relayed read errors by recycling the session
// and redials on a backoff schedule while disconnected. Returns true when
// the monitor should exit.
func (w *Websocket) observeConnection(t *time.Timer, bo *backoff.ExponentialBackOff) bool {
	if !w.IsEnabled() {
		w.connectionMonitorRunning.Store(false)
		// Enable may race the exit decision; reclaim the monitor when it does
		// so a session is never left without one
		if w.IsEnabled() && w.connectionMonitorRunning.CompareAndSwap(false, true) {
			return false
		}
		t.Stop()
		if w.verbose {
			w.log.Debug().Msg("connection monitor stopping")
		}
		return true
	}
	select {
	case err := <-w.ReadMessageErrors:
		if errors.Is(err, errConnectionFault) {
			w.log.Warn().Err(err).Msg("websocket disconnected")
			if w.IsConnected() {
				go func() {
					if err := w.Shutdown(); err != nil {
						w.log.Error().Err(err).Msg("shutdown after disconnection")
					}
				}()
			}
		}
		w.RelayError(err)
	case <-t.C:
		if !w.IsConnected() && !w.IsConnecting() {
			if err := w.Connect(context.Background()); err != nil {
				next := bo.NextBackOff()
				w.log.Error().Err(err).Dur("retry_in", next).Msg("reconnect failed")
				t.Reset(next)
				return false
			}
			bo.Reset()
		}
		t.Reset(w.connectionMonitorDelay)
	}
	return false
}

func (w *Websocket) monitorTraffic() func() bool {
	timer := time.NewTimer(w.trafficTimeout)
	shutdownC := w.ShutdownC
	return func() bool { return w.observeTraffic(shutdownC, timer) }
}

// observeTraffic tears the connection down when nothing has been read for
// the traffic timeout. The connection monitor handles the redial. Returns
// true when the monitor should exit.
func (w *Websocket) observeTraffic(shutdownC chan struct{}, t *time.Timer) bool {
	select {
	case <-shutdownC:
		t.Stop()
	case <-t.C:
		if w.IsConnecting() || signalReceived(w.TrafficAlert) {
			t.Reset(w.trafficTimeout)
			return false
		}
		if w.IsConnected() {
			w.log.Warn().Dur("timeout", w.trafficTimeout).Msg("websocket traffic timeout, recycling connection")
			// Shutdown waits on this very goroutine's wait group entry, so
			// it cannot be called inline
			go func() {
				if err := w.Shutdown(); err != nil {
					w.log.Error().Err(err).Msg("shutdown after traffic timeout")
				}
			}()
		}
	}
	return true
}

// SubscribeToChannels subscribes to websocket channels using the
// venue-specific Subscriber method. Errors are returned for duplicates.
func (w *Websocket) SubscribeToChannels(ctx context.Context, subs subscription.List) error {
	if len(subs) == 0 {
		return fmt.Errorf("%v %w", w.exchangeName, errNoSubscriptionsSupplied)
	}
	if w.Subscriber == nil {
		return fmt.Errorf("%v %w", w.exchangeName, errWebsocketSubscriberUnset)
	}
	for _, s := range subs {
		if s == nil {
			return fmt.Errorf("%v %w: nil subscription", w.exchangeName, common.ErrNilPointer)
		}
		if s.State() == subscription.ResubscribingState {
			continue
		}
		if found := w.subscriptions.Get(s); found != nil {
			return fmt.Errorf("%v %w: %s", w.exchangeName, errAlreadySubscribed, s)
		}
	}
	if err := w.Subscriber(ctx, subs); err != nil {
		return fmt.Errorf("%v %w: %w", w.exchangeName, ErrSubscriptionFailure, err)
	}
	return nil
}

// UnsubscribeChannels unsubscribes from a list of websocket channels using
// the venue-specific Unsubscriber method
func (w *Websocket) UnsubscribeChannels(ctx context.Context, subs subscription.List) error {
	if len(subs) == 0 {
		return nil // No channels to unsubscribe from is not an error
	}
	if w.Unsubscriber == nil {
		return fmt.Errorf("%v %w", w.exchangeName, errWebsocketUnsubscriberUnset)
	}
	for _, s := range subs {
		if w.subscriptions.Get(s) == nil {
			return fmt.Errorf("%v %w: %s", w.exchangeName, subscription.ErrNotFound, s)
		}
	}
	if err := w.Unsubscriber(ctx, subs); err != nil {
		return fmt.Errorf("%v %w: %w", w.exchangeName, ErrUnsubscribeFailure, err)
	}
	return nil
}

// ResubscribeToChannel resubscribes to a channel. The subscription is set to
// Resubscribing so venues holding a reference can respect the state and not
// discard associated caches.
func (w *Websocket) ResubscribeToChannel(ctx context.Context, s *subscription.Subscription) error {
	if err := s.SetState(subscription.ResubscribingState); err != nil {
		return fmt.Errorf("%w: %s", err, s)
	}
	l := subscription.List{s}
	if err := w.UnsubscribeChannels(ctx, l); err != nil {
		return err
	}
	return w.SubscribeToChannels(ctx, l)
}

// resubscribeAll reissues every tracked subscription after a reconnect
func (w *Websocket) resubscribeAll(ctx context.Context) error {
	subs := w.subscriptions.List()
	if len(subs) == 0 {
		return nil
	}
	if w.verbose {
		w.log.Debug().Int("count", len(subs)).Msg("resubscribing after reconnect")
	}
	for _, s := range subs {
		if err := s.SetState(subscription.ResubscribingState); err != nil && !errors.Is(err, subscription.ErrInStateAlready) {
			w.log.Warn().Err(err).Str("subscription", s.String()).Msg("resubscribe state")
		}
	}
	if err := w.Subscriber(ctx, subs); err != nil {
		return fmt.Errorf("%v %w: %w", w.exchangeName, ErrSubscriptionFailure, err)
	}
	return nil
}

// AddSubscriptions adds subscriptions to the tracked set and marks them
// Subscribing unless the state is already set
func (w *Websocket) AddSubscriptions(subs ...*subscription.Subscription) error {
	var errs error
	for _, s := range subs {
		if s.State() == subscription.InactiveState {
			if err := s.SetState(subscription.SubscribingState); err != nil {
				errs = common.AppendError(errs, fmt.Errorf("%w: %s", err, s))
			}
		}
		if err := w.subscriptions.Add(s); err != nil {
			errs = common.AppendError(errs, err)
		}
	}
	return errs
}

// AddSuccessfulSubscriptions marks subscriptions as Subscribed and ensures
// they are tracked. Already tracked subscriptions, such as those being
// reissued after a reconnect, are left in place.
func (w *Websocket) AddSuccessfulSubscriptions(subs ...*subscription.Subscription) error {
	var errs error
	for _, s := range subs {
		if err := s.SetState(subscription.SubscribedState); err != nil {
			errs = common.AppendError(errs, fmt.Errorf("%w: %s", err, s))
		}
		if w.subscriptions.Get(s) == nil {
			if err := w.subscriptions.Add(s); err != nil {
				errs = common.AppendError(errs, err)
			}
		}
	}
	return errs
}

// RemoveSubscriptions removes subscriptions from the tracked set and marks
// them Unsubscribed
func (w *Websocket) RemoveSubscriptions(subs ...*subscription.Subscription) error {
	var errs error
	for _, s := range subs {
		if err := s.SetState(subscription.UnsubscribedState); err != nil {
			errs = common.AppendError(errs, fmt.Errorf("%w: %s", err, s))
		}
		if err := w.subscriptions.Remove(s); err != nil {
			errs = common.AppendError(errs, err)
		}
	}
	return errs
}

// GetSubscription returns the tracked subscription at the key provided, or
// nil if none exists
func (w *Websocket) GetSubscription(key any) *subscription.Subscription {
	if w == nil || key == nil || w.subscriptions == nil {
		return nil
	}
	return w.subscriptions.Get(key)
}

// GetSubscriptions returns a new slice of the tracked subscriptions
func (w *Websocket) GetSubscriptions() subscription.List {
	if w == nil || w.subscriptions == nil {
		return nil
	}
	return w.subscriptions.List()
}

// AddDispatch registers a delivery callback for the subscription key. The
// callback runs on a dedicated goroutine and should return promptly once its
// route is removed.
func (w *Websocket) AddDispatch(key any, fn func(any)) error {
	if w.dispatch == nil {
		return fmt.Errorf("%v %w", w.exchangeName, errNotSetup)
	}
	return w.dispatch.add(key, fn)
}

// Dispatch routes a parsed payload to the delivery callback registered at
// key, dropping the oldest queued payload when the consumer falls behind
func (w *Websocket) Dispatch(key, data any) error {
	if w.dispatch == nil {
		return fmt.Errorf("%v %w", w.exchangeName, errNotSetup)
	}
	return w.dispatch.deliver(key, data)
}

// RemoveDispatch drops the delivery route at key
func (w *Websocket) RemoveDispatch(key any) error {
	if w.dispatch == nil {
		return fmt.Errorf("%v %w", w.exchangeName, errNotSetup)
	}
	return w.dispatch.remove(key)
}

// GetName returns the exchange name the session was set up with
func (w *Websocket) GetName() string {
	return w.exchangeName
}

// IsEnabled returns whether the websocket is enabled
func (w *Websocket) IsEnabled() bool {
	return w != nil && w.enabled.Load()
}

// IsConnected returns whether the websocket is connected
func (w *Websocket) IsConnected() bool {
	return w != nil && w.state.Load() == connectedState
}

// IsConnecting returns whether the websocket is connecting
func (w *Websocket) IsConnecting() bool {
	return w != nil && w.state.Load() == connectingState
}

// CanUseAuthenticatedEndpoints returns whether the authenticated connection
// is usable
func (w *Websocket) CanUseAuthenticatedEndpoints() bool {
	return w != nil && w.canUseAuthenticatedEndpoints.Load()
}

// SetCanUseAuthenticatedEndpoints sets whether the authenticated connection
// is usable
func (w *Websocket) SetCanUseAuthenticatedEndpoints(b bool) {
	w.canUseAuthenticatedEndpoints.Store(b)
}

// signalReceived checks if a signal has been received, which also clears
// the signal
func signalReceived(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func drainSignal(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func drainErrors(ch chan error) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
