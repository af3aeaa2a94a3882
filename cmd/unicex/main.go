package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	exchange "github.com/calder-labs/unicex/exchanges"
	"github.com/calder-labs/unicex/exchanges/binance"
	"github.com/calder-labs/unicex/exchanges/bitfinex"
	"github.com/calder-labs/unicex/exchanges/bitforex"
	"github.com/calder-labs/unicex/exchanges/bitmart"
	"github.com/calder-labs/unicex/exchanges/bybit"
	"github.com/calder-labs/unicex/exchanges/gateio"
	"github.com/calder-labs/unicex/exchanges/okx"
	"github.com/calder-labs/unicex/exchanges/phemex"
)

var (
	apiKey     string
	apiSecret  string
	passphrase string
	timeout    time.Duration
	verbose    bool
	sandbox    bool
	proxy      string
)

const defaultTimeout = 30 * time.Second

// venue extends the canonical surface with the construction step the
// interface itself does not carry
type venue interface {
	exchange.Venue
	Setup(*exchange.Config) error
}

var venueBuilders = map[string]func() venue{
	"binance":  func() venue { v := new(binance.Binance); v.SetDefaults(); return v },
	"bybit":    func() venue { v := new(bybit.Bybit); v.SetDefaults(); return v },
	"okx":      func() venue { v := new(okx.Okx); v.SetDefaults(); return v },
	"gateio":   func() venue { v := new(gateio.Gateio); v.SetDefaults(); return v },
	"bitfinex": func() venue { v := new(bitfinex.Bitfinex); v.SetDefaults(); return v },
	"phemex":   func() venue { v := new(phemex.Phemex); v.SetDefaults(); return v },
	"bitmart":  func() venue { v := new(bitmart.Bitmart); v.SetDefaults(); return v },
	"bitforex": func() venue { v := new(bitforex.Bitforex); v.SetDefaults(); return v },
}

func supportedVenues() []string {
	names := make([]string, 0, len(venueBuilders))
	for name := range venueBuilders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// newVenue constructs the venue named by the exchange flag or the first
// positional argument
func newVenue(c *cli.Context) (venue, error) {
	var name string
	if c.IsSet("exchange") {
		name = c.String("exchange")
	} else {
		name = c.Args().First()
	}
	build, ok := venueBuilders[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown venue %q, pick one of: %s",
			name, strings.Join(supportedVenues(), ", "))
	}
	v := build()
	cfg := &exchange.Config{
		APIKey:       apiKey,
		Secret:       apiSecret,
		Passphrase:   passphrase,
		Timeout:      timeout,
		Verbose:      verbose,
		Sandbox:      sandbox,
		ProxyAddress: proxy,
	}
	if verbose {
		l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		cfg.Logger = &l
	}
	if err := v.Setup(cfg); err != nil {
		return nil, err
	}
	return v, nil
}

// timeoutContext bounds one REST call with the global timeout flag
func timeoutContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context, timeout)
}

func jsonOutput(in any) {
	j, err := json.MarshalIndent(in, "", " ")
	if err != nil {
		return
	}
	fmt.Println(string(j))
}

func main() {
	app := cli.NewApp()
	app.Name = "unicex"
	app.Version = "0.1.0"
	app.EnableBashCompletion = true
	app.Usage = "command line interface for querying supported trading venues"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "apikey",
			Usage:       "API key for private endpoints",
			EnvVars:     []string{"UNICEX_APIKEY"},
			Destination: &apiKey,
		},
		&cli.StringFlag{
			Name:        "apisecret",
			Usage:       "API secret for private endpoints",
			EnvVars:     []string{"UNICEX_APISECRET"},
			Destination: &apiSecret,
		},
		&cli.StringFlag{
			Name:        "passphrase",
			Usage:       "API passphrase or account memo, for venues that sign with one",
			EnvVars:     []string{"UNICEX_PASSPHRASE"},
			Destination: &passphrase,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Value:       defaultTimeout,
			Usage:       "the context timeout value for requests",
			Destination: &timeout,
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Usage:       "log requests and stream traffic",
			Destination: &verbose,
		},
		&cli.BoolFlag{
			Name:        "sandbox",
			Usage:       "route requests to the venue's test endpoints where defined",
			Destination: &sandbox,
		},
		&cli.StringFlag{
			Name:        "proxy",
			Usage:       "proxy address for REST and websocket traffic",
			Destination: &proxy,
		},
	}
	app.Commands = []*cli.Command{
		venuesCommand,
		marketsCommand,
		tickerCommand,
		bookCommand,
		tradesCommand,
		candlesCommand,
		balanceCommand,
		healthCommand,
		watchCommand,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
