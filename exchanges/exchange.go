// Package exchange provides the shared venue framework. A venue embeds Base
// for the canonical surface defaults and the request, market, credential and
// event plumbing, then overrides the operations it supports and the pipeline
// hooks its wire format needs.
package exchange

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/calder-labs/unicex/common"
	"github.com/calder-labs/unicex/currency"
	"github.com/calder-labs/unicex/exchanges/errs"
	"github.com/calder-labs/unicex/exchanges/kline"
	"github.com/calder-labs/unicex/exchanges/market"
	"github.com/calder-labs/unicex/exchanges/request"
	"github.com/calder-labs/unicex/exchanges/stream"
)

const (
	// DefaultHTTPTimeout is the overall request deadline applied when the
	// config does not set one
	DefaultHTTPTimeout = 30 * time.Second

	// eventBufferSize bounds the adapter event channel; events beyond it are
	// dropped rather than blocking the pipeline
	eventBufferSize = 32

	// rateLimitWarnFraction is the venue usage share that triggers a
	// RateLimitWarning event
	rateLimitWarnFraction = 0.8
)

var (
	errNameUnset      = errors.New("venue name unset, SetDefaults must run before Setup")
	errHooksUnset     = errors.New("venue hooks unset")
	errRequesterUnset = errors.New("venue requester unset")
	errEndpointUnset  = errors.New("endpoint URL unset")
	errNoSandbox      = errors.New("venue defines no sandbox endpoints")
	errPartialCreds   = errors.New("api key and secret must be supplied together")
)

// Config parameterizes a venue at construction. The zero value of every
// field selects the documented default, so callers set only what they need.
type Config struct {
	APIKey     string
	Secret     string
	Passphrase string // doubles as the account memo on venues that sign with one

	// Timeout is the overall REST deadline, DefaultHTTPTimeout when zero
	Timeout time.Duration
	// DisableRateLimit turns off client side throttling. Leave unset to keep
	// the venue's rate limits enforced locally.
	DisableRateLimit bool
	Verbose          bool
	// Sandbox routes traffic to the venue's test endpoints where defined
	Sandbox      bool
	ProxyAddress string

	// HTTPClient replaces the default transport client when non-nil
	HTTPClient *http.Client
	// Logger receives structured adapter logs; silent when nil
	Logger *zerolog.Logger
	// Reporter receives REST latency and throttle measurements
	Reporter request.Reporter
	// StreamReporter receives websocket round trip measurements
	StreamReporter stream.Reporter

	// Options is an opaque bag of venue specific toggles
	Options map[string]any
}

// Credentials holds the authentication material for private endpoints
type Credentials struct {
	Key        string
	Secret     string
	Passphrase string
}

// CredentialsValidator declares what authentication material a venue needs
// beyond the key and secret every private endpoint requires
type CredentialsValidator struct {
	RequiresPassphrase bool
}

// API binds credential handling and endpoint management for a venue
type API struct {
	AuthenticatedSupport          bool
	AuthenticatedWebsocketSupport bool
	CredentialsValidator          CredentialsValidator
	Endpoints                     *Endpoints

	credentials Credentials
}

// URL designates one endpoint role a venue exposes
type URL uint8

// Endpoint roles
const (
	RestSpot URL = iota
	WebsocketSpot
	WebsocketPrivate
)

// Endpoints maps endpoint roles to running URLs, with a sandbox variant set
// swapped in when the venue is constructed against its testnet
type Endpoints struct {
	mu      sync.RWMutex
	running map[URL]string
	sandbox map[URL]string
}

// NewEndpoints returns an empty endpoint set
func NewEndpoints() *Endpoints {
	return &Endpoints{
		running: make(map[URL]string),
		sandbox: make(map[URL]string),
	}
}

// SetDefaults registers the venue's production endpoints
func (e *Endpoints) SetDefaults(m map[URL]string) {
	e.mu.Lock()
	for k, v := range m {
		e.running[k] = v
	}
	e.mu.Unlock()
}

// SetSandbox registers the venue's test endpoints
func (e *Endpoints) SetSandbox(m map[URL]string) {
	e.mu.Lock()
	for k, v := range m {
		e.sandbox[k] = v
	}
	e.mu.Unlock()
}

// SetRunning overrides a single running endpoint
func (e *Endpoints) SetRunning(u URL, v string) {
	e.mu.Lock()
	e.running[u] = v
	e.mu.Unlock()
}

// GetURL returns the running URL for an endpoint role
func (e *Endpoints) GetURL(u URL) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.running[u]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: role %d", errEndpointUnset, u)
	}
	return v, nil
}

// UseSandbox swaps the running endpoints for the sandbox set. Roles without
// a sandbox variant are removed so requests against them fail loudly instead
// of reaching production.
func (e *Endpoints) UseSandbox() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sandbox) == 0 {
		return errNoSandbox
	}
	e.running = make(map[URL]string, len(e.sandbox))
	for k, v := range e.sandbox {
		e.running[k] = v
	}
	return nil
}

// Features maps canonical operation names to venue support. Keys are the Op
// constants; a missing key means unsupported.
type Features map[string]bool

// Has reports whether the named canonical operation is supported
func (f Features) Has(op string) bool {
	return f[op]
}

// Canonical operation names used as capability keys and by callers probing
// venue support before dispatch
const (
	OpFetchTime         = "fetchTime"
	OpLoadMarkets       = "loadMarkets"
	OpFetchTicker       = "fetchTicker"
	OpFetchTickers      = "fetchTickers"
	OpFetchOrderBook    = "fetchOrderBook"
	OpFetchTrades       = "fetchTrades"
	OpFetchOHLCV        = "fetchOHLCV"
	OpCreateOrder       = "createOrder"
	OpAmendOrder        = "amendOrder"
	OpCancelOrder       = "cancelOrder"
	OpCancelAllOrders   = "cancelAllOrders"
	OpFetchOrder        = "fetchOrder"
	OpFetchOpenOrders   = "fetchOpenOrders"
	OpFetchClosedOrders = "fetchClosedOrders"
	OpFetchMyTrades     = "fetchMyTrades"
	OpFetchBalance      = "fetchBalance"
	OpFetchTradingFees  = "fetchTradingFees"
	OpWatchTicker       = "watchTicker"
	OpWatchOrderBook    = "watchOrderBook"
	OpWatchTrades       = "watchTrades"
	OpWatchKlines       = "watchKlines"
	OpWatchBalance      = "watchBalance"
	OpWatchOrders       = "watchOrders"
)

// TradingFee is a maker and taker rate for one market, or the venue wide
// default when Symbol is empty
type TradingFee struct {
	Symbol string
	Maker  float64
	Taker  float64
}

// RateLimitWarning reports venue side usage pressure against a weighted
// request window
type RateLimitWarning struct {
	Used      int
	Limit     int
	Remaining int
	Reset     time.Time
}

// ErrorEvent carries an asynchronous adapter failure that had no caller to
// return to, such as a stream parse fault
type ErrorEvent struct {
	Cause error
}

// Description is a static snapshot of a venue's declared identity and
// capabilities
type Description struct {
	Name       string
	Has        Features
	URLs       map[URL]string
	Timeframes map[kline.Interval]string
	Fees       TradingFee
}

// Base carries the state shared by every venue implementation. Venues embed
// it, populate the declarative fields in SetDefaults and wire the runtime
// pieces in Setup.
type Base struct {
	Name    string
	Verbose bool

	API      API
	Features Features
	// Timeframes maps supported intervals to the venue's native notation
	Timeframes map[kline.Interval]string
	// Fees is the venue's default maker and taker schedule
	Fees TradingFee
	// Encoding fixes how request parameters travel on POST and PUT
	Encoding BodyEncoding

	// Hooks is the venue's pipeline contract. SetDefaults assigns the outer
	// venue value so overridden hook methods dispatch correctly.
	Hooks Hooks

	Requester *request.Requester
	Markets   *market.Store
	Websocket *stream.Websocket

	// Now supplies the clock used for signing timestamps and nonces
	Now func() time.Time

	config *Config
	events chan any
	log    zerolog.Logger
}

// Setup applies a construction config to a venue whose SetDefaults has run
func (b *Base) Setup(cfg *Config) error {
	if b == nil || cfg == nil {
		return fmt.Errorf("exchange setup: %w", common.ErrNilPointer)
	}
	if b.Name == "" {
		return errNameUnset
	}
	if b.Hooks == nil {
		return fmt.Errorf("%s: %w", b.Name, errHooksUnset)
	}
	if b.Requester == nil {
		return fmt.Errorf("%s: %w", b.Name, errRequesterUnset)
	}
	if (cfg.APIKey == "") != (cfg.Secret == "") {
		return errs.New(b.Name, errs.ErrAuthentication, errPartialCreds.Error())
	}

	c := *cfg
	if c.Timeout <= 0 {
		c.Timeout = DefaultHTTPTimeout
	}

	b.Verbose = c.Verbose
	if c.Logger != nil {
		b.log = c.Logger.With().Str("exchange", b.Name).Logger()
	} else {
		b.log = zerolog.Nop()
	}
	if b.Verbose {
		b.log = b.log.Level(zerolog.DebugLevel)
	}

	b.SetCredentials(c.APIKey, c.Secret, c.Passphrase)
	if c.APIKey != "" {
		if _, err := b.GetCredentials(); err != nil {
			return err
		}
	}

	if c.HTTPClient != nil {
		b.Requester.HTTPClient = c.HTTPClient
	}
	b.Requester.SetHTTPClientTimeout(c.Timeout)
	b.Requester.SetLogger(b.log)
	if c.Reporter != nil {
		b.Requester.SetReporter(c.Reporter)
	}
	if c.DisableRateLimit {
		if err := b.Requester.DisableRateLimiter(); err != nil {
			return err
		}
	}
	if c.ProxyAddress != "" {
		u, err := url.Parse(c.ProxyAddress)
		if err != nil {
			return fmt.Errorf("%s invalid proxy address: %w", b.Name, err)
		}
		if err := b.Requester.SetProxy(u); err != nil {
			return err
		}
	}

	if c.Sandbox {
		if b.API.Endpoints == nil {
			return fmt.Errorf("%s: %w", b.Name, errNoSandbox)
		}
		if err := b.API.Endpoints.UseSandbox(); err != nil {
			return fmt.Errorf("%s: %w", b.Name, err)
		}
	}

	if b.Markets == nil {
		b.Markets = market.NewStore()
	}
	if b.Now == nil {
		b.Now = time.Now
	}
	b.events = make(chan any, eventBufferSize)
	b.config = &c
	return nil
}

// GetName returns the venue name
func (b *Base) GetName() string {
	return b.Name
}

// Config returns the applied construction config
func (b *Base) Config() *Config {
	return b.config
}

// Option returns a venue specific toggle from the config options bag
func (b *Base) Option(key string) (any, bool) {
	if b.config == nil || b.config.Options == nil {
		return nil, false
	}
	v, ok := b.config.Options[key]
	return v, ok
}

// Log exposes the venue logger to adapter internals
func (b *Base) Log() *zerolog.Logger {
	return &b.log
}

// SetCredentials stores authentication material for private endpoints
func (b *Base) SetCredentials(key, secret, passphrase string) {
	b.API.credentials = Credentials{Key: key, Secret: secret, Passphrase: passphrase}
}

// GetCredentials returns the venue credentials, failing before any network
// traffic when required material is missing
func (b *Base) GetCredentials() (*Credentials, error) {
	c := b.API.credentials
	if c.Key == "" || c.Secret == "" {
		return nil, errs.New(b.Name, errs.ErrAuthentication, "credentials not set")
	}
	if b.API.CredentialsValidator.RequiresPassphrase && c.Passphrase == "" {
		return nil, errs.New(b.Name, errs.ErrAuthentication, "passphrase not set")
	}
	return &c, nil
}

// Has reports whether the venue supports the named canonical operation
func (b *Base) Has(op string) bool {
	return b.Features.Has(op)
}

// Describe returns the venue's declarative descriptor
func (b *Base) Describe() *Description {
	d := &Description{
		Name:       b.Name,
		Has:        make(Features, len(b.Features)),
		Timeframes: make(map[kline.Interval]string, len(b.Timeframes)),
		Fees:       b.Fees,
	}
	for k, v := range b.Features {
		d.Has[k] = v
	}
	for k, v := range b.Timeframes {
		d.Timeframes[k] = v
	}
	if b.API.Endpoints != nil {
		b.API.Endpoints.mu.RLock()
		d.URLs = make(map[URL]string, len(b.API.Endpoints.running))
		for k, v := range b.API.Endpoints.running {
			d.URLs[k] = v
		}
		b.API.Endpoints.mu.RUnlock()
	}
	return d
}

// EndpointURL returns the running URL for a role, empty when unset. The
// request pipeline validates the final URL so an unset role fails there.
func (b *Base) EndpointURL(u URL) string {
	if b.API.Endpoints == nil {
		return ""
	}
	v, err := b.API.Endpoints.GetURL(u)
	if err != nil {
		return ""
	}
	return v
}

// Timeframe translates an interval to the venue's notation, rejecting
// intervals the venue does not list before any network traffic
func (b *Base) Timeframe(i kline.Interval) (string, error) {
	tf, ok := b.Timeframes[i]
	if !ok {
		return "", errs.New(b.Name, errs.ErrBadRequest, "unsupported timeframe "+i.String())
	}
	return tf, nil
}

// NotSupported returns the classified fault for an operation the venue does
// not implement
func (b *Base) NotSupported(op string) error {
	return errs.New(b.Name, errs.ErrNotSupported, op)
}

// Events returns the adapter event stream carrying RateLimitWarning and
// ErrorEvent values. The channel is never closed.
func (b *Base) Events() <-chan any {
	return b.events
}

// EmitError publishes an asynchronous failure to the event stream without
// blocking
func (b *Base) EmitError(err error) {
	if err == nil {
		return
	}
	b.emit(ErrorEvent{Cause: err})
}

// ReportRateLimitUsage publishes a RateLimitWarning when used weight crosses
// the warning fraction of the window limit. Venues call it from OnHeaders
// with their usage counters.
func (b *Base) ReportRateLimitUsage(used, limit int, reset time.Time) {
	if limit <= 0 || float64(used) < rateLimitWarnFraction*float64(limit) {
		return
	}
	b.emit(RateLimitWarning{Used: used, Limit: limit, Remaining: limit - used, Reset: reset})
}

func (b *Base) emit(ev any) {
	if b.events == nil {
		return
	}
	select {
	case b.events <- ev:
	default:
		b.log.Debug().Msgf("event channel full, dropping %T", ev)
	}
}

// MarketBySymbol resolves a canonical symbol against the loaded market
// cache, classifying unknown or unloaded symbols as bad symbol faults
func (b *Base) MarketBySymbol(symbol string) (*market.Market, error) {
	m, err := b.Markets.BySymbol(symbol)
	if err != nil {
		return nil, errs.New(b.Name, errs.ErrBadSymbol, symbol).WithCause(err)
	}
	return m, nil
}

// MarketByID resolves a venue native instrument id against the loaded
// market cache
func (b *Base) MarketByID(id string) (*market.Market, error) {
	m, err := b.Markets.ByID(id)
	if err != nil {
		return nil, errs.New(b.Name, errs.ErrBadSymbol, id).WithCause(err)
	}
	return m, nil
}

// CloseAllWs tears down the venue's streaming state: connections, keep
// alive timers, dispatch routes, tracked subscriptions and the private auth
// flag. Venues holding venue side session resources such as listen keys
// override this and release them first.
func (b *Base) CloseAllWs() error {
	if b.Websocket == nil {
		return nil
	}
	b.Websocket.SetCanUseAuthenticatedEndpoints(false)
	if err := b.Websocket.Disable(); err != nil && !errors.Is(err, stream.ErrWebsocketNotEnabled) {
		return err
	}
	return nil
}

// SplitVenueSymbol splits a joined venue instrument id such as "BTCUSDT" on
// a known quote currency suffix. Longer suffixes are tried first so "USDT"
// wins over "USD" deterministically. Resolving against loaded markets is
// always preferred; this is the fallback for ids the cache has not indexed.
func SplitVenueSymbol(id string, quotes []string) (currency.Pair, error) {
	up := strings.ToUpper(id)
	ordered := make([]string, len(quotes))
	copy(ordered, quotes)
	sort.SliceStable(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })
	for _, q := range ordered {
		q = strings.ToUpper(q)
		if len(up) > len(q) && strings.HasSuffix(up, q) {
			return currency.NewPair(currency.NewCode(up[:len(up)-len(q)]), currency.NewCode(q)), nil
		}
	}
	return currency.EMPTYPAIR, fmt.Errorf("%w: %q", errs.ErrBadSymbol, id)
}
