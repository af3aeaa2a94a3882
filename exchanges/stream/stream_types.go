// Package stream manages venue websocket connections: dialing, keep-alive,
// request and response matching, reconnection and fan-out of parsed payloads
// to subscription callbacks
package stream

import (
	"errors"
	"time"
)

// Websocket state consts
const (
	uninitialisedState uint32 = iota
	disconnectedState
	connectingState
	connectedState
)

// Defaults for venue websocket behaviour
const (
	// DefaultResponseMaxLimit is how long a request and response matched call
	// waits for a reply on the connection
	DefaultResponseMaxLimit = 7 * time.Second
	// DefaultTrafficTimeout is how long a connection tolerates silence before
	// it is torn down and redialed
	DefaultTrafficTimeout = time.Minute
	// DefaultConnectionMonitorDelay is the period between connection checks
	DefaultConnectionMonitorDelay = 2 * time.Second
	// DefaultDispatchQueueSize bounds each subscription callback queue
	DefaultDispatchQueueSize = 64
	// defaultMaxReconnectInterval caps the reconnect backoff growth
	defaultMaxReconnectInterval = 30 * time.Second
)

// Public errors
var (
	ErrWebsocketNotEnabled  = errors.New("websocket not enabled")
	ErrNotConnected         = errors.New("websocket is not connected")
	ErrAlreadyConnected     = errors.New("websocket already connected")
	ErrSignatureTimeout     = errors.New("websocket timeout waiting for response with signature")
	ErrSubscriptionFailure  = errors.New("subscription failure")
	ErrUnsubscribeFailure   = errors.New("unsubscribe failure")
	ErrRequestRouteNotFound = errors.New("request route not found")
)

var (
	errWebsocketIsDisconnected    = errors.New("websocket connection is disconnected")
	errRateLimitNotFound          = errors.New("rate limit definition not found")
	errConnectionFault            = errors.New("connection fault")
	errExchangeNameUnset          = errors.New("exchange name unset")
	errNoConnectFunc              = errors.New("websocket connect func not set")
	errWebsocketSubscriberUnset   = errors.New("websocket subscriber function needs to be set")
	errWebsocketUnsubscriberUnset = errors.New("websocket unsubscriber function needs to be set")
	errAlreadySetup               = errors.New("websocket already setup")
	errAlreadyEnabled             = errors.New("websocket already enabled")
	errAlreadyReconnecting        = errors.New("websocket in the process of reconnection")
	errMonitorAlreadyRunning      = errors.New("connection monitor is already running")
	errNoSubscriptionsSupplied    = errors.New("no subscriptions supplied")
	errAlreadySubscribed          = errors.New("already subscribed")
	errInvalidWebsocketURL        = errors.New("invalid websocket url")
	errNotSetup                   = errors.New("websocket not setup")
)

// Response defines generalised data from the stream connection
type Response struct {
	Type int
	Raw  []byte
}

// PingHandler container for ping handler settings
type PingHandler struct {
	UseGorillaHandler bool
	MessageType       int
	Message           []byte
	Delay             time.Duration
}

// Reporter interface groups observability functionality over
// websocket request latency
type Reporter interface {
	Latency(name string, message []byte, t time.Duration)
}

// UnhandledMessageWarning defines a container for unhandled message warnings,
// surfaced through the data handler so callers can spot venue payloads the
// adapter does not route
type UnhandledMessageWarning struct {
	Message string
}

// DroppedMessageWarning reports a slow subscription consumer whose queue
// overflowed. Dropped counts payloads discarded during the saturation episode
// which ends when delivery succeeds again.
type DroppedMessageWarning struct {
	Key     any
	Dropped int
}
