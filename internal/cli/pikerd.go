package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newPikerdCmd(a *app) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "pikerd",
		Short: "Run the market data daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if host != "" {
				a.cfg.Server.Host = host
			}
			if port != 0 {
				a.cfg.Server.Port = port
			}

			daemon := NewDaemon(a.cfg)
			if err := daemon.Err(); err != nil {
				return err
			}

			startCtx, cancel := context.WithTimeout(cmd.Context(), fx.DefaultTimeout)
			defer cancel()
			if err := daemon.Start(startCtx); err != nil {
				return fmt.Errorf("failed to start pikerd: %w", err)
			}
			a.logger.Info("pikerd serving on %s", a.cfg.Server.URL())

			select {
			case sig := <-daemon.Done():
				a.logger.Info("Received %s, shutting down", sig)
			case <-cmd.Context().Done():
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), fx.DefaultTimeout)
			defer cancel()
			return daemon.Stop(stopCtx)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Listen host, overrides server.host")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port, overrides server.port")
	return cmd
}
