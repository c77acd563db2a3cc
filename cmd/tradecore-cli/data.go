package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/urfave/cli"

	"tradecore/internal/feed"
	"tradecore/internal/gather"
	"tradecore/internal/store"
)

var symbolsCMD = cli.Command{
	Name:  "symbols",
	Usage: "list symbols with stored bars",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "market", Value: "us", Usage: "market to list"},
	},
	Action: symbolsAction,
}

var fetchCMD = cli.Command{
	Name:      "fetch",
	Usage:     "download bars from Alpaca into the bar store",
	ArgsUsage: "SYMBOL...",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "market", Value: "us", Usage: "market to store the bars under"},
		cli.StringFlag{Name: "since", Usage: "first day to fetch, YYYY-MM-DD (default one year ago)"},
		cli.IntFlag{Name: "workers, w", Value: 4, Usage: "parallel symbol downloads"},
	},
	Action: fetchAction,
}

var runsCMD = cli.Command{
	Name:  "runs",
	Usage: "list recorded backtest runs",
	Flags: []cli.Flag{
		cli.IntFlag{Name: "limit, n", Value: 20, Usage: "number of runs to show; 0 shows all"},
	},
	Action: runsAction,
}

func symbolsAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	syms, err := e.bars().ListSymbols(context.Background(), c.String("market"))
	if err != nil {
		return err
	}
	for _, s := range syms {
		fmt.Println(s)
	}
	return nil
}

func fetchAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	symbols := []string(c.Args())
	if len(symbols) == 0 {
		return errors.New("at least one symbol is required")
	}
	if e.cfg.Alpaca.APIKey == "" || e.cfg.Alpaca.APISecret == "" {
		return errors.New("alpaca credentials are required to fetch bars")
	}
	since := time.Now().UTC().AddDate(-1, 0, 0).Truncate(24 * time.Hour)
	if s := c.String("since"); s != "" {
		if since, err = time.Parse(time.DateOnly, s); err != nil {
			return fmt.Errorf("parsing --since: %w", err)
		}
	}
	tf, err := feed.ParseTimeFrame(e.cfg.Storage.Timeframe)
	if err != nil {
		return err
	}

	client := feed.NewAlpacaClient(e.cfg.Alpaca.APIKey, e.cfg.Alpaca.APISecret, e.cfg.Alpaca.DataURL)
	fetcher := feed.NewAlpacaFetcher(client, tf, marketdata.Feed(e.cfg.Alpaca.Feed), e.cfg.Alpaca.RateLimitPerMin)

	ctx, cancel := signalContext()
	defer cancel()
	g := gather.NewBarBackfill(fetcher, e.bars(), c.String("market"), symbols, since, c.Int("workers"), e.log)
	return g.Run(ctx)
}

func runsAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	runs, err := store.NewSQLiteStore(e.cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer runs.Close()

	list, err := runs.ListRuns(context.Background(), c.Int("limit"))
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "id\tcreated\tstrategy\tsymbol\tparams\treturn\ttrades")
	for _, r := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.2f%%\t%d\n",
			r.ID, r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Strategy, r.Symbol,
			formatParams(r.Params), r.TotalReturn*100, r.TotalTrades)
	}
	return nil
}
