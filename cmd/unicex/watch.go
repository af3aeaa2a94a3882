package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	exchange "github.com/calder-labs/unicex/exchanges"
	"github.com/calder-labs/unicex/exchanges/kline"
	"github.com/calder-labs/unicex/exchanges/orderbook"
	"github.com/calder-labs/unicex/exchanges/ticker"
	"github.com/calder-labs/unicex/exchanges/trade"
	"github.com/calder-labs/unicex/signaler"
)

var watchCommand = &cli.Command{
	Name:      "watch",
	Usage:     "stream live data until interrupted",
	ArgsUsage: "<command> <args>",
	Subcommands: []*cli.Command{
		{
			Name:      "ticker",
			Usage:     "stream ticker updates",
			ArgsUsage: "<venue> <pair>",
			Flags:     []cli.Flag{venueFlag, pairFlag},
			Action:    watchTicker,
		},
		{
			Name:      "book",
			Usage:     "stream order book changes",
			ArgsUsage: "<venue> <pair>",
			Flags: []cli.Flag{
				venueFlag,
				pairFlag,
				&cli.IntFlag{
					Name:  "depth",
					Value: 20,
					Usage: "levels a side where the venue offers a choice",
				},
			},
			Action: watchBook,
		},
		{
			Name:      "trades",
			Usage:     "stream public trades",
			ArgsUsage: "<venue> <pair>",
			Flags:     []cli.Flag{venueFlag, pairFlag},
			Action:    watchTrades,
		},
		{
			Name:      "candles",
			Usage:     "stream candle updates",
			ArgsUsage: "<venue> <pair>",
			Flags: []cli.Flag{
				venueFlag,
				pairFlag,
				&cli.StringFlag{
					Name:  "interval",
					Value: "1m",
					Usage: "candle timeframe in unified notation",
				},
			},
			Action: watchCandles,
		},
	},
}

// runWatch constructs the venue, starts the stream and blocks until the
// process is interrupted
func runWatch(c *cli.Context, start func(ctx context.Context, v venue) error) error {
	if c.NArg() == 0 && c.NumFlags() == 0 {
		return cli.ShowSubcommandHelp(c)
	}
	v, err := newVenue(c)
	if err != nil {
		return err
	}
	defer func() {
		if err := v.CloseAllWs(); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}()

	go drainEvents(v)
	if err := start(c.Context, v); err != nil {
		return err
	}

	<-signaler.WaitForInterrupt()
	return nil
}

// drainEvents surfaces stream faults while the watch blocks
func drainEvents(v exchange.Venue) {
	for ev := range v.Events() {
		if e, ok := ev.(exchange.ErrorEvent); ok {
			fmt.Fprintln(os.Stderr, e.Cause)
		}
	}
}

func watchTicker(c *cli.Context) error {
	return runWatch(c, func(ctx context.Context, v venue) error {
		_, err := v.WatchTicker(ctx, symbolFromArgs(c, 1), func(p *ticker.Price) {
			jsonOutput(p)
		})
		return err
	})
}

func watchBook(c *cli.Context) error {
	return runWatch(c, func(ctx context.Context, v venue) error {
		_, err := v.WatchOrderBook(ctx, symbolFromArgs(c, 1), func(u *orderbook.Update) {
			jsonOutput(u)
		}, c.Int("depth"))
		return err
	})
}

func watchTrades(c *cli.Context) error {
	return runWatch(c, func(ctx context.Context, v venue) error {
		_, err := v.WatchTrades(ctx, symbolFromArgs(c, 1), func(rows []trade.Data) {
			jsonOutput(rows)
		})
		return err
	})
}

func watchCandles(c *cli.Context) error {
	return runWatch(c, func(ctx context.Context, v venue) error {
		interval, err := kline.IntervalFromString(c.String("interval"))
		if err != nil {
			return err
		}
		_, err = v.WatchKlines(ctx, symbolFromArgs(c, 1), interval, func(k *kline.Candle) {
			jsonOutput(k)
		})
		return err
	})
}
