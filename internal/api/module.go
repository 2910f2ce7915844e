package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/backtesting-org/pikerd/internal/api/handlers"
	"github.com/backtesting-org/pikerd/internal/api/websocket"
	"github.com/backtesting-org/pikerd/internal/config"
	"github.com/backtesting-org/pikerd/pkg/temporal"
)

// Module provides HTTP API components (handlers, routes, server)
var Module = fx.Module("api",
	fx.Provide(
		handlers.NewMarketHandler,
		websocket.NewHandler,
		NewRouter,
		NewHTTPServer,
	),
)

// NewRouter builds the router from injected handlers.
func NewRouter(
	marketHandler *handlers.MarketHandler,
	wsHandler *websocket.Handler,
	logger *zap.Logger,
	cfg *config.Config,
	tp temporal.TimeProvider,
	registry *prometheus.Registry,
) *gin.Engine {
	return SetupRouter(marketHandler, wsHandler, logger.Named("api"), cfg.Server.CORSAllowOrigin, tp, registry)
}
