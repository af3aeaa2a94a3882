package stream

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/calder-labs/unicex/exchanges/request"
)

// WebsocketConnection contains all the data needed to send a message to a WS
// connection
type WebsocketConnection struct {
	Verbose   bool
	connected int32

	// writeControl is a rolling gate to prevent concurrent writes panicking
	// the underlying connection
	writeControl sync.Mutex

	RateLimit            *request.RateLimiterWithWeight
	RateLimitDefinitions request.RateLimitDefinitions

	ExchangeName      string
	URL               string
	ProxyURL          string
	Authenticated     bool
	Connection        *websocket.Conn
	ShutdownC         chan struct{}
	Wg                *sync.WaitGroup
	Match             *Match
	Traffic           chan struct{}
	readMessageErrors chan error
	ResponseMaxLimit  time.Duration
	Reporter          Reporter

	bespokeGenerateMessageID func(highPrecision bool) int64
	log                      zerolog.Logger
}

// Dial sets proxy urls and then connects to the websocket
func (w *WebsocketConnection) Dial(ctx context.Context, dialer *websocket.Dialer, headers http.Header) error {
	if w.ProxyURL != "" {
		proxy, err := url.Parse(w.ProxyURL)
		if err != nil {
			return errors.Wrap(err, "websocket proxy url")
		}
		dialer.Proxy = http.ProxyURL(proxy)
	}

	var conStatus *http.Response
	var err error
	w.Connection, conStatus, err = dialer.DialContext(ctx, w.URL, headers)
	if err != nil {
		if conStatus != nil {
			_ = conStatus.Body.Close()
			return errors.Wrapf(err, "%s websocket connection: %v %v", w.ExchangeName, w.URL, conStatus.StatusCode)
		}
		return errors.Wrapf(err, "%s websocket connection: %v", w.ExchangeName, w.URL)
	}

	if w.Verbose {
		w.log.Debug().Str("url", w.URL).Msg("websocket connected")
	}
	select {
	case w.Traffic <- struct{}{}:
	default:
	}
	w.setConnectedStatus(true)
	return nil
}

// SendJSONMessage sends a JSON encoded message over the connection
func (w *WebsocketConnection) SendJSONMessage(ctx context.Context, epl request.EndpointLimit, data any) error {
	return w.writeToConn(ctx, epl, func() error {
		if request.IsVerbose(ctx, w.Verbose) {
			if msg, err := json.Marshal(data); err == nil { // WriteJSON will error for us anyway
				w.log.Debug().Str("url", removeURLQueryString(w.URL)).RawJSON("message", msg).Msg("sending websocket message")
			}
		}
		return w.Connection.WriteJSON(data)
	})
}

// SendRawMessage sends a message over the connection without JSON encoding it
func (w *WebsocketConnection) SendRawMessage(ctx context.Context, epl request.EndpointLimit, messageType int, message []byte) error {
	return w.writeToConn(ctx, epl, func() error {
		if request.IsVerbose(ctx, w.Verbose) {
			w.log.Debug().Str("url", removeURLQueryString(w.URL)).Bytes("message", message).Msg("sending websocket message")
		}
		return w.Connection.WriteMessage(messageType, message)
	})
}

func (w *WebsocketConnection) writeToConn(ctx context.Context, epl request.EndpointLimit, writeConn func() error) error {
	if !w.IsConnected() {
		return fmt.Errorf("%v websocket connection: cannot send message %w", w.ExchangeName, errWebsocketIsDisconnected)
	}

	var rl *request.RateLimiterWithWeight
	if w.RateLimitDefinitions != nil {
		var ok bool
		if rl, ok = w.RateLimitDefinitions[epl]; !ok && w.RateLimit == nil {
			// Endpoint specific limits are preferred when a definition table
			// is supplied, missing entries fall back to the connection limit
			return fmt.Errorf("%s websocket connection: %w for %v", w.ExchangeName, errRateLimitNotFound, epl)
		}
	}
	if rl == nil {
		rl = w.RateLimit
	}
	if rl != nil {
		if err := request.RateLimit(ctx, rl); err != nil {
			return fmt.Errorf("%s websocket connection: rate limit error: %w", w.ExchangeName, err)
		}
	}

	// Acquire after the rate limit wait so a slow bucket does not hold the
	// write gate
	w.writeControl.Lock()
	defer w.writeControl.Unlock()
	return writeConn()
}

// SetupPingHandler will automatically send ping or pong messages based on
// PingHandler configuration
func (w *WebsocketConnection) SetupPingHandler(epl request.EndpointLimit, handler PingHandler) {
	if handler.UseGorillaHandler {
		w.Connection.SetPingHandler(func(msg string) error {
			err := w.Connection.WriteControl(handler.MessageType, []byte(msg), time.Now().Add(handler.Delay))
			if err == websocket.ErrCloseSent {
				return nil
			} else if e, ok := err.(net.Error); ok && e.Timeout() {
				return nil
			}
			return err
		})
		return
	}
	w.Wg.Add(1)
	go func() {
		defer w.Wg.Done()
		ticker := time.NewTicker(handler.Delay)
		defer ticker.Stop()
		for {
			select {
			case <-w.ShutdownC:
				return
			case <-ticker.C:
				err := w.SendRawMessage(context.TODO(), epl, handler.MessageType, handler.Message)
				if err != nil {
					w.log.Error().Err(err).Bytes("message", handler.Message).Msg("ping handler failed to send message")
					return
				}
			}
		}
	}()
}

// setConnectedStatus sets connection status, if changed it will return true
func (w *WebsocketConnection) setConnectedStatus(b bool) bool {
	if b {
		return atomic.SwapInt32(&w.connected, 1) == 0
	}
	return atomic.SwapInt32(&w.connected, 0) == 1
}

// IsConnected exposes websocket connection status
func (w *WebsocketConnection) IsConnected() bool {
	return atomic.LoadInt32(&w.connected) == 1
}

// ReadMessage reads messages, can handle text, gzip and binary
func (w *WebsocketConnection) ReadMessage() Response {
	mType, resp, err := w.Connection.ReadMessage()
	if err != nil {
		if IsDisconnectionError(err) && w.setConnectedStatus(false) {
			// The connection was closed externally, relay for reconnection.
			// When Shutdown flipped the status first there is no receiver and
			// nothing to do.
			select {
			case w.readMessageErrors <- fmt.Errorf("%w: %w", errConnectionFault, err):
			default:
				w.log.Warn().Err(err).Msg("failed to relay read message error")
			}
		}
		return Response{}
	}

	select {
	case w.Traffic <- struct{}{}:
	default: // Non-blocking write ensures 1 buffered signal per interval to avoid flooding
	}

	var standardMessage []byte
	switch mType {
	case websocket.TextMessage:
		standardMessage = resp
	case websocket.BinaryMessage:
		standardMessage, err = w.parseBinaryResponse(resp)
		if err != nil {
			w.log.Error().Err(err).Str("url", removeURLQueryString(w.URL)).Msg("parse binary response error")
			return Response{Type: mType}
		}
	}
	if w.Verbose {
		w.log.Debug().Str("url", removeURLQueryString(w.URL)).Bytes("message", standardMessage).Msg("websocket message received")
	}
	return Response{Raw: standardMessage, Type: mType}
}

// parseBinaryResponse parses a websocket binary response into a usable byte
// array. Gzip and zlib are sniffed by header, anything else is treated as a
// raw deflate stream.
func (w *WebsocketConnection) parseBinaryResponse(resp []byte) ([]byte, error) {
	var reader io.ReadCloser
	var err error
	switch {
	case len(resp) >= 2 && resp[0] == 31 && resp[1] == 139:
		reader, err = gzip.NewReader(bytes.NewReader(resp))
	case len(resp) >= 2 && resp[0] == 0x78:
		reader, err = zlib.NewReader(bytes.NewReader(resp))
	default:
		reader = flate.NewReader(bytes.NewReader(resp))
	}
	if err != nil {
		return nil, err
	}
	standardMessage, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return standardMessage, reader.Close()
}

// GenerateMessageID generates a message ID for the individual connection.
// If a bespoke function is set (by using SetupNewConnection) it will use
// that, otherwise it will use the defaultGenerateMessageID function.
func (w *WebsocketConnection) GenerateMessageID(highPrec bool) int64 {
	if w.bespokeGenerateMessageID != nil {
		return w.bespokeGenerateMessageID(highPrec)
	}
	return w.defaultGenerateMessageID(highPrec)
}

// defaultGenerateMessageID generates the default message ID
func (w *WebsocketConnection) defaultGenerateMessageID(highPrec bool) int64 {
	var minValue int64 = 1e8
	var maxValue int64 = 2e8
	if highPrec {
		maxValue = 2e12
		minValue = 1e12
	}
	// Hard coded positive numbers and the default crypto/rand io.Reader mean
	// the error path is unreachable
	randomNumber, err := rand.Int(rand.Reader, big.NewInt(maxValue-minValue+1))
	if err != nil {
		panic(err)
	}
	return randomNumber.Int64() + minValue
}

// Shutdown shuts down and closes specific connection
func (w *WebsocketConnection) Shutdown() error {
	if w == nil || w.Connection == nil {
		return nil
	}
	w.setConnectedStatus(false)
	w.writeControl.Lock()
	defer w.writeControl.Unlock()
	return w.Connection.UnderlyingConn().Close()
}

// SetURL sets connection URL
func (w *WebsocketConnection) SetURL(url string) {
	w.URL = url
}

// GetURL returns the connection URL
func (w *WebsocketConnection) GetURL() string {
	return w.URL
}

// SendMessageReturnResponse will send a WS message to the connection and wait
// for response
func (w *WebsocketConnection) SendMessageReturnResponse(ctx context.Context, epl request.EndpointLimit, signature, payload any) ([]byte, error) {
	resps, err := w.SendMessageReturnResponses(ctx, epl, signature, payload, 1)
	if err != nil {
		return nil, err
	}
	return resps[0], nil
}

// SendMessageReturnResponses will send a WS message to the connection and
// wait for N responses. An error of ErrSignatureTimeout can be ignored if
// individual responses are being otherwise tracked.
func (w *WebsocketConnection) SendMessageReturnResponses(ctx context.Context, epl request.EndpointLimit, signature, payload any, expected int) ([][]byte, error) {
	outbound, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("error marshaling json for %v: %w", signature, err)
	}

	mtr, err := w.Match.Set(signature, expected)
	if err != nil {
		return nil, err
	}
	defer mtr.Cleanup()

	start := time.Now()
	if err := w.SendRawMessage(ctx, epl, websocket.TextMessage, outbound); err != nil {
		return nil, err
	}

	timeout := time.NewTimer(w.ResponseMaxLimit * time.Duration(expected))
	defer timeout.Stop()

	resps := make([][]byte, 0, expected)
	for len(resps) < expected {
		select {
		case resp := <-mtr.C:
			resps = append(resps, resp)
		case <-timeout.C:
			return resps, fmt.Errorf("%s %w %v", w.ExchangeName, ErrSignatureTimeout, signature)
		case <-ctx.Done():
			return resps, ctx.Err()
		}
	}

	if w.Reporter != nil {
		w.Reporter.Latency(w.ExchangeName, outbound, time.Since(start))
	}

	// Only check context verbosity, if the exchange is verbose responses are
	// already logged by ReadMessage
	if request.IsVerbose(ctx, false) {
		for i := range resps {
			w.log.Debug().Str("url", removeURLQueryString(w.URL)).Int("response", i+1).Int("expected", expected).Bytes("message", resps[i]).Msg("received websocket response")
		}
	}
	return resps, nil
}

// IsDisconnectionError Determines if the error sent over chan ReadMessageErrors is a disconnection error
func IsDisconnectionError(err error) bool {
	if websocket.IsUnexpectedCloseError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

func removeURLQueryString(url string) string {
	if index := strings.Index(url, "?"); index != -1 {
		return url[:index]
	}
	return url
}
