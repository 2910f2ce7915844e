package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/backtesting-org/pikerd/internal/monitor"
	"github.com/backtesting-org/pikerd/internal/watchlists"
	"github.com/backtesting-org/pikerd/pkg/client"
	"github.com/backtesting-org/pikerd/pkg/data"
)

func newQuoteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "quote <symbol>...",
		Short: "Print the latest quote of each symbol",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.client()
			quotes := make(data.Quotes, len(args))
			for _, sym := range args {
				f, err := c.OpenFeed(cmd.Context(), a.cfg.Feed.DefaultBroker, sym, client.FeedOptions{})
				if err != nil {
					return fmt.Errorf("quote %s: %w", sym, err)
				}
				for k, q := range f.FirstQuotes() {
					quotes[k] = q
				}
				_ = f.Close()
			}
			return printJSON(cmd.OutOrStdout(), quotes)
		},
	}
}

func newSearchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "search <pattern>",
		Short: "Search symbols on the broker, or every broker with --broker all",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := a.client().Search(cmd.Context(), a.cfg.Feed.DefaultBroker, args[0])
			if err != nil {
				return err
			}
			if len(results) == 0 {
				a.logger.Warn("No matches in symbology cache for %s", args[0])
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}
}

func newBarsCmd(a *app) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "bars <symbol>",
		Short: "Print the bar history of a running feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bars, err := a.client().Bars(cmd.Context(), a.cfg.Feed.DefaultBroker, args[0], count)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), bars)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Newest bars to print, 0 for all")
	return cmd
}

func newMonitorCmd(a *app) *cobra.Command {
	var (
		rate  float64
		test  string
		dhost string
	)
	cmd := &cobra.Command{
		Use:   "monitor <watchlist>",
		Short: "Start a real-time watchlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			path, err := a.watchlistsPath()
			if err != nil {
				return err
			}
			fromFile, err := watchlists.Ensure(path)
			if err != nil {
				return err
			}
			tickers := watchlists.Merge(fromFile, watchlists.Builtins)[name]
			if len(tickers) == 0 {
				return fmt.Errorf("no symbols found for watchlist %q", name)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var src monitor.Source
			if test != "" {
				fsrc, err := monitor.StreamFromFile(test, rate)
				if err != nil {
					return err
				}
				src = fsrc
			} else {
				if dhost != "" {
					a.url = fmt.Sprintf("http://%s:%d", dhost, a.cfg.Server.Port)
				}
				feeds, err := openFeeds(ctx, a, tickers)
				if err != nil {
					return err
				}
				defer func() {
					for _, f := range feeds {
						_ = f.Close()
					}
				}()
				srcs := make([]monitor.Source, len(feeds))
				for i, f := range feeds {
					srcs[i] = f
				}
				src = monitor.Fanin(ctx, srcs...)
			}

			return monitor.Run(ctx, src, monitor.Options{
				Name:   name,
				Rate:   rate,
				Out:    cmd.OutOrStdout(),
				Logger: a.logger,
			})
		},
	}
	cmd.Flags().Float64VarP(&rate, "rate", "r", 3, "Quote rate limit")
	cmd.Flags().StringVarP(&test, "test", "t", "", "Test quote stream file")
	cmd.Flags().StringVar(&dhost, "dhost", "", "Daemon host address to connect to")
	return cmd
}

// openFeeds opens one remote feed per ticker. Tickers the broker doesn't
// know are skipped with a warning.
func openFeeds(ctx context.Context, a *app, tickers []string) ([]*client.RemoteFeed, error) {
	c, broker := a.client(), a.cfg.Feed.DefaultBroker
	var feeds []*client.RemoteFeed
	for _, t := range tickers {
		f, err := c.OpenFeed(ctx, broker, strings.ToLower(t), client.FeedOptions{})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			a.logger.Warn("Skipping %s: %v", t, err)
			continue
		}
		feeds = append(feeds, f)
	}
	if len(feeds) == 0 {
		return nil, fmt.Errorf("no feeds could be opened on %s for %s", broker, strings.Join(tickers, ", "))
	}
	return feeds, nil
}
