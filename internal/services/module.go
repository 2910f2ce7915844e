package services

import (
	"go.uber.org/fx"
)

// Module provides the broker registry and the feed service
var Module = fx.Module("services",
	fx.Provide(
		NewBrokerConfig,
		NewBrokerRegistry,
		NewFeedService,
	),
)
