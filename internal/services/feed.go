package services

import (
	"go.uber.org/fx"

	"github.com/backtesting-org/pikerd/internal/config"
	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/feed"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/metrics"
	"github.com/backtesting-org/pikerd/pkg/temporal"
)

// FeedParams wires the feed service. History is nil without a database.
type FeedParams struct {
	fx.In

	Config  *config.Config
	Brokers *brokers.Registry
	History feed.HistoryStore `optional:"true"`
	Metrics *metrics.Metrics  `optional:"true"`
	Time    temporal.TimeProvider
	Logger  logging.ApplicationLogger
}

// NewFeedService creates the daemon's feed service
func NewFeedService(p FeedParams) *feed.Service {
	return feed.NewService(feed.Params{
		Brokers:    p.Brokers,
		History:    p.History,
		Metrics:    p.Metrics,
		Time:       p.Time,
		Logger:     p.Logger,
		BufferSize: p.Config.Feed.BufferSize,
	})
}
