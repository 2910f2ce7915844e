package infrastructure

import (
	"go.uber.org/fx"

	"github.com/backtesting-org/pikerd/pkg/temporal"
)

// Module provides infrastructure components (logging, clock, metrics)
var Module = fx.Module("infrastructure",
	fx.Provide(
		NewLogger,
		NewApplicationLogger,
		temporal.NewLiveTimeProvider,
		NewMetricsRegistry,
		NewMetrics,
	),
)

// Lifecycle starts and stops the daemon's http server and feed service.
var Lifecycle = fx.Invoke(RegisterLifecycle)
