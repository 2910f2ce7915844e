package cli

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/backtesting-org/pikerd/internal/api"
	"github.com/backtesting-org/pikerd/internal/config"
	"github.com/backtesting-org/pikerd/internal/database"
	"github.com/backtesting-org/pikerd/internal/infrastructure"
	"github.com/backtesting-org/pikerd/internal/services"
)

// DaemonOptions wires the pikerd daemon around cfg.
func DaemonOptions(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		infrastructure.Module,
		database.Module,
		services.Module,
		api.Module,
		infrastructure.Lifecycle,
	)
}

// NewDaemon creates the pikerd application.
func NewDaemon(cfg *config.Config, opts ...fx.Option) *fx.App {
	return fx.New(append([]fx.Option{DaemonOptions(cfg)}, opts...)...)
}
