package services

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/fx"

	"github.com/backtesting-org/pikerd/internal/config"
	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/brokers/deribit"
	"github.com/backtesting-org/pikerd/pkg/brokers/kraken"
	"github.com/backtesting-org/pikerd/pkg/brokers/questrade"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/metrics"
	"github.com/backtesting-org/pikerd/pkg/pp"
	"github.com/backtesting-org/pikerd/pkg/temporal"
)

const brokerHTTPTimeout = 30 * time.Second

// Backends maps every broker this build supports to its factory.
var Backends = map[string]brokers.Factory{
	kraken.Name:    kraken.New,
	deribit.Name:   deribit.New,
	questrade.Name: questrade.New,
}

// BrokerParams are the dependencies handed to every backend.
type BrokerParams struct {
	fx.In

	Config  *config.Config
	Creds   *config.BrokerConfig
	Ledger  pp.LedgerStore
	Logger  logging.ApplicationLogger
	Time    temporal.TimeProvider
	Metrics *metrics.Metrics `optional:"true"`
}

// NewBrokerConfig opens brokers.toml in the configured directory.
func NewBrokerConfig(cfg *config.Config) (*config.BrokerConfig, error) {
	dir, err := config.ResolveConfigDir(cfg.Brokers.ConfigDir)
	if err != nil {
		return nil, err
	}
	return config.NewBrokerConfig(dir)
}

// NewBrokerRegistry registers the enabled backends. Backends are built on
// first use, so nothing here touches the network.
func NewBrokerRegistry(p BrokerParams) (*brokers.Registry, error) {
	reg := brokers.NewRegistry(brokers.Deps{
		Config:     p.Creds,
		Ledger:     p.Ledger,
		Logger:     p.Logger,
		Time:       p.Time,
		Metrics:    p.Metrics,
		HTTPClient: &http.Client{Timeout: brokerHTTPTimeout},
	})
	for _, name := range p.Config.Brokers.Enabled {
		factory, ok := Backends[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", brokers.ErrUnknownBroker, name)
		}
		reg.Register(name, factory)
	}
	p.Logger.Info("Enabled brokers: %v", reg.Names())
	return reg, nil
}
