package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/backtesting-org/pikerd/internal/config"
	"github.com/backtesting-org/pikerd/internal/infrastructure"
	"github.com/backtesting-org/pikerd/pkg/client"
	"github.com/backtesting-org/pikerd/pkg/logging"
)

// app carries the global flags and what PersistentPreRunE builds from
// them.
type app struct {
	loglevel  string
	broker    string
	configDir string
	url       string

	cfg    *config.Config
	zap    *zap.Logger
	logger logging.ApplicationLogger
}

func (a *app) setup() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	switch a.loglevel {
	case "":
	case "debug", "info", "warn", "error":
		cfg.Logging.Level = a.loglevel
	default:
		return fmt.Errorf("invalid loglevel %q", a.loglevel)
	}
	if a.broker != "" {
		cfg.Feed.DefaultBroker = a.broker
	}
	if a.configDir != "" {
		cfg.Brokers.ConfigDir = a.configDir
	}
	a.cfg = cfg

	a.zap, err = infrastructure.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = infrastructure.NewApplicationLogger(a.zap)
	return nil
}

func (a *app) daemonURL() string {
	if a.url != "" {
		return a.url
	}
	return a.cfg.Server.URL()
}

func (a *app) client() *client.Client {
	return client.New(a.daemonURL(), client.Options{Logger: a.logger})
}

func (a *app) watchlistsPath() (string, error) {
	dir, err := config.ResolveConfigDir(a.cfg.Brokers.ConfigDir)
	if err != nil {
		return "", err
	}
	return config.WatchlistsPath(dir), nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// NewRootCmd creates the piker command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "piker",
		Short:         "Realtime market data and trading from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.zap != nil {
				_ = a.zap.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.loglevel, "loglevel", "l", "", "Logging level (debug, info, warn, error)")
	flags.StringVarP(&a.broker, "broker", "b", "", "Broker backend, defaults to feed.default_broker")
	flags.StringVarP(&a.configDir, "config", "c", "", "Config directory holding brokers.toml and watchlists.json")
	flags.StringVar(&a.url, "url", "", "pikerd base url, defaults to the configured server address")

	root.AddCommand(
		newPikerdCmd(a),
		newQuoteCmd(a),
		newSearchCmd(a),
		newBarsCmd(a),
		newMonitorCmd(a),
		newWatchlistsCmd(a),
	)
	return root
}

// Execute runs the piker CLI and exits non zero on failure.
func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
