package database

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"

	"github.com/backtesting-org/pikerd/internal/config"
	"github.com/backtesting-org/pikerd/pkg/feed"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/pp"
)

const migrateTimeout = 30 * time.Second

// Module provides bar history and ledger storage
var Module = fx.Module("database",
	fx.Provide(ProvideStores),
)

// Stores are the persistence backends. History is nil when no database is
// configured, in which case every feed backfills from its broker.
type Stores struct {
	fx.Out

	History feed.HistoryStore
	Ledger  pp.LedgerStore
}

// ProvideStores connects and migrates the database when one is configured
func ProvideStores(lc fx.Lifecycle, cfg *config.Config, logger logging.ApplicationLogger) (Stores, error) {
	if !cfg.Database.Enabled() {
		logger.Info("No database configured, ledgers are kept in memory")
		return Stores{Ledger: pp.NewMemoryLedger()}, nil
	}

	logger.Info("Connecting to database...")
	repo, err := NewRepository(cfg.Database)
	if err != nil {
		return Stores{}, err
	}

	logger.Info("Running database migrations...")
	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()
	if err := repo.RunMigrations(ctx); err != nil {
		_ = repo.Close()
		return Stores{}, fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("Migrations completed successfully")

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return repo.Close()
		},
	})
	return Stores{History: repo, Ledger: repo}, nil
}
