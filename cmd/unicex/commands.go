package main

import (
	"context"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	exchange "github.com/calder-labs/unicex/exchanges"
	"github.com/calder-labs/unicex/exchanges/kline"
)

var venueFlag = &cli.StringFlag{
	Name:    "exchange",
	Aliases: []string{"e"},
	Usage:   "the venue to query",
}

var pairFlag = &cli.StringFlag{
	Name:  "pair",
	Usage: "currency pair, BASE/QUOTE",
}

// symbolFromArgs reads the pair flag or the positional argument at position
// and folds common delimiters into the canonical BASE/QUOTE form
func symbolFromArgs(c *cli.Context, position int) string {
	var s string
	if c.IsSet("pair") {
		s = c.String("pair")
	} else {
		s = c.Args().Get(position)
	}
	s = strings.ToUpper(s)
	s = strings.ReplaceAll(s, "-", "/")
	s = strings.ReplaceAll(s, "_", "/")
	return s
}

func sinceFromFlag(c *cli.Context) (time.Time, error) {
	s := c.String("since")
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

var venuesCommand = &cli.Command{
	Name:   "venues",
	Usage:  "list the supported venues",
	Action: listVenues,
}

func listVenues(_ *cli.Context) error {
	jsonOutput(supportedVenues())
	return nil
}

var marketsCommand = &cli.Command{
	Name:      "markets",
	Usage:     "list the tradable markets on a venue",
	ArgsUsage: "<venue>",
	Flags: []cli.Flag{
		venueFlag,
		&cli.StringFlag{
			Name:  "match",
			Usage: "only markets whose symbol contains this substring",
		},
	},
	Action: getMarkets,
}

type marketRow struct {
	Symbol    string  `json:"symbol"`
	VenueID   string  `json:"venueId"`
	Active    bool    `json:"active"`
	TickSize  float64 `json:"tickSize,omitempty"`
	StepSize  float64 `json:"stepSize,omitempty"`
	MinAmount float64 `json:"minAmount,omitempty"`
}

func getMarkets(c *cli.Context) error {
	if c.NArg() == 0 && c.NumFlags() == 0 {
		return cli.ShowSubcommandHelp(c)
	}
	v, err := newVenue(c)
	if err != nil {
		return err
	}
	ctx, cancel := timeoutContext(c)
	defer cancel()

	markets, err := v.LoadMarkets(ctx, false)
	if err != nil {
		return err
	}
	match := strings.ToUpper(c.String("match"))
	rows := make([]marketRow, 0, len(markets))
	for _, m := range markets {
		sym := m.Symbol()
		if match != "" && !strings.Contains(sym, match) {
			continue
		}
		rows = append(rows, marketRow{
			Symbol:    sym,
			VenueID:   m.ID,
			Active:    m.Active,
			TickSize:  m.TickSize,
			StepSize:  m.StepSize,
			MinAmount: m.Limits.MinAmount,
		})
	}
	jsonOutput(rows)
	return nil
}

var tickerCommand = &cli.Command{
	Name:      "ticker",
	Usage:     "get the 24h statistics snapshot for a pair",
	ArgsUsage: "<venue> <pair>",
	Flags:     []cli.Flag{venueFlag, pairFlag},
	Action:    getTicker,
}

func getTicker(c *cli.Context) error {
	if c.NArg() == 0 && c.NumFlags() == 0 {
		return cli.ShowSubcommandHelp(c)
	}
	v, err := newVenue(c)
	if err != nil {
		return err
	}
	ctx, cancel := timeoutContext(c)
	defer cancel()

	t, err := v.FetchTicker(ctx, symbolFromArgs(c, 1))
	if err != nil {
		return err
	}
	jsonOutput(t)
	return nil
}

var bookCommand = &cli.Command{
	Name:      "book",
	Usage:     "get the current order book for a pair",
	ArgsUsage: "<venue> <pair>",
	Flags: []cli.Flag{
		venueFlag,
		pairFlag,
		&cli.IntFlag{
			Name:  "depth",
			Value: 20,
			Usage: "levels a side",
		},
	},
	Action: getBook,
}

func getBook(c *cli.Context) error {
	if c.NArg() == 0 && c.NumFlags() == 0 {
		return cli.ShowSubcommandHelp(c)
	}
	v, err := newVenue(c)
	if err != nil {
		return err
	}
	ctx, cancel := timeoutContext(c)
	defer cancel()

	b, err := v.FetchOrderBook(ctx, symbolFromArgs(c, 1), c.Int("depth"))
	if err != nil {
		return err
	}
	jsonOutput(b)
	return nil
}

var tradesCommand = &cli.Command{
	Name:      "trades",
	Usage:     "get recent public trades for a pair",
	ArgsUsage: "<venue> <pair>",
	Flags: []cli.Flag{
		venueFlag,
		pairFlag,
		&cli.IntFlag{
			Name:  "limit",
			Value: 50,
			Usage: "maximum rows to return",
		},
		&cli.StringFlag{
			Name:  "since",
			Usage: "only trades from this RFC3339 time onward",
		},
	},
	Action: getTrades,
}

func getTrades(c *cli.Context) error {
	if c.NArg() == 0 && c.NumFlags() == 0 {
		return cli.ShowSubcommandHelp(c)
	}
	v, err := newVenue(c)
	if err != nil {
		return err
	}
	since, err := sinceFromFlag(c)
	if err != nil {
		return err
	}
	ctx, cancel := timeoutContext(c)
	defer cancel()

	trades, err := v.FetchTrades(ctx, symbolFromArgs(c, 1), since, c.Int("limit"))
	if err != nil {
		return err
	}
	jsonOutput(trades)
	return nil
}

var candlesCommand = &cli.Command{
	Name:      "candles",
	Usage:     "get historic candles for a pair",
	ArgsUsage: "<venue> <pair>",
	Flags: []cli.Flag{
		venueFlag,
		pairFlag,
		&cli.StringFlag{
			Name:  "interval",
			Value: "1h",
			Usage: "candle timeframe in unified notation, eg 1m 15m 4h 1d",
		},
		&cli.IntFlag{
			Name:  "limit",
			Value: 100,
			Usage: "maximum rows to return",
		},
		&cli.StringFlag{
			Name:  "since",
			Usage: "only candles from this RFC3339 time onward",
		},
	},
	Action: getCandles,
}

func getCandles(c *cli.Context) error {
	if c.NArg() == 0 && c.NumFlags() == 0 {
		return cli.ShowSubcommandHelp(c)
	}
	v, err := newVenue(c)
	if err != nil {
		return err
	}
	interval, err := kline.IntervalFromString(c.String("interval"))
	if err != nil {
		return err
	}
	since, err := sinceFromFlag(c)
	if err != nil {
		return err
	}
	ctx, cancel := timeoutContext(c)
	defer cancel()

	candles, err := v.FetchOHLCV(ctx, symbolFromArgs(c, 1), interval, since, c.Int("limit"))
	if err != nil {
		return err
	}
	jsonOutput(candles)
	return nil
}

var balanceCommand = &cli.Command{
	Name:      "balance",
	Usage:     "get the account balance snapshot, requires credentials",
	ArgsUsage: "<venue>",
	Flags:     []cli.Flag{venueFlag},
	Action:    getBalance,
}

func getBalance(c *cli.Context) error {
	if c.NArg() == 0 && c.NumFlags() == 0 {
		return cli.ShowSubcommandHelp(c)
	}
	v, err := newVenue(c)
	if err != nil {
		return err
	}
	ctx, cancel := timeoutContext(c)
	defer cancel()

	h, err := v.FetchBalance(ctx)
	if err != nil {
		return err
	}
	jsonOutput(h)
	return nil
}

var healthCommand = &cli.Command{
	Name:      "health",
	Usage:     "check venue reachability and round trip time",
	ArgsUsage: "<venue>",
	Flags:     []cli.Flag{venueFlag},
	Action:    getHealth,
}

// pinger is satisfied by venues exposing a dedicated reachability endpoint
type pinger interface {
	Ping(ctx context.Context) error
}

type healthRow struct {
	Venue   string `json:"venue"`
	Status  string `json:"status"`
	Latency string `json:"latency"`
}

func getHealth(c *cli.Context) error {
	if c.NArg() == 0 && c.NumFlags() == 0 {
		return cli.ShowSubcommandHelp(c)
	}
	v, err := newVenue(c)
	if err != nil {
		return err
	}
	ctx, cancel := timeoutContext(c)
	defer cancel()

	start := time.Now()
	switch {
	case hasPing(v):
		err = v.(pinger).Ping(ctx)
	case v.Has(exchange.OpFetchTime):
		_, err = v.FetchTime(ctx)
	default:
		_, err = v.LoadMarkets(ctx, true)
	}
	if err != nil {
		return err
	}
	jsonOutput(healthRow{
		Venue:   v.GetName(),
		Status:  "ok",
		Latency: time.Since(start).String(),
	})
	return nil
}

func hasPing(v exchange.Venue) bool {
	_, ok := v.(pinger)
	return ok
}
