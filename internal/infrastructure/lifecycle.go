package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"

	"github.com/backtesting-org/pikerd/pkg/feed"
	"github.com/backtesting-org/pikerd/pkg/logging"
)

const shutdownTimeout = 30 * time.Second

// RegisterLifecycle sets up daemon startup and shutdown hooks. The
// listener is bound in OnStart so a taken port fails startup.
func RegisterLifecycle(
	lc fx.Lifecycle,
	server *http.Server,
	svc *feed.Service,
	logger logging.ApplicationLogger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", server.Addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", server.Addr, err)
			}
			logger.Info("pikerd listening on %s", ln.Addr())

			go func() {
				if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Server stopped unexpectedly: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down pikerd...")

			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			// hijacked websocket conns are not tracked by Shutdown, closing
			// the feed service ends their streams
			if err := svc.Close(); err != nil {
				logger.Error("Failed to close feed service: %v", err)
			}
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("Server forced to shutdown: %v", err)
			}

			logger.Info("pikerd stopped")
			return nil
		},
	})
}
