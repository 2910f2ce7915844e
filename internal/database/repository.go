package database

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/backtesting-org/pikerd/internal/config"
	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/feed"
	"github.com/backtesting-org/pikerd/pkg/pp"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	_ feed.HistoryStore = (*Repository)(nil)
	_ pp.LedgerStore    = (*Repository)(nil)
)

// Repository stores bar history, ledgers and positions in postgres
type Repository struct {
	db *sqlx.DB
}

// withSimpleProtocol disables server side prepared statements, which
// break behind pgbouncer style poolers.
func withSimpleProtocol(dsn string) string {
	if dsn == "" || strings.Contains(dsn, "prefer_simple_protocol=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "prefer_simple_protocol=true"
}

// NewRepository creates a new database repository
func NewRepository(cfg config.DatabaseConfig) (*Repository, error) {
	db, err := sqlx.Connect("pgx", withSimpleProtocol(cfg.ConnectionString))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	return &Repository{db: db}, nil
}

// NewRepositoryFromDB wraps an existing connection pool
func NewRepositoryFromDB(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping verifies the database connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// RunMigrations applies every embedded migration in file name order.
func (r *Repository) RunMigrations(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		stmt, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, string(stmt)); err != nil {
			return fmt.Errorf("failed to run migration %s: %w", name, err)
		}
	}
	return nil
}

// === Bar history ===

// LoadBars returns the newest limit bars for fqsn, oldest first.
func (r *Repository) LoadBars(ctx context.Context, fqsn string, limit int) ([]data.Bar, error) {
	query := `
		SELECT time, open, high, low, close, volume, bar_wap
		FROM ohlcv WHERE fqsn = $1
		ORDER BY time DESC
		LIMIT $2
	`
	var bars []data.Bar
	if err := r.db.SelectContext(ctx, &bars, query, fqsn, limit); err != nil {
		return nil, fmt.Errorf("failed to load bars for %s: %w", fqsn, err)
	}
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// WriteBars upserts bars sampled at periodS.
func (r *Repository) WriteBars(ctx context.Context, fqsn string, periodS int64, bars []data.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	query := `
		INSERT INTO ohlcv (fqsn, period_s, time, open, high, low, close, volume, bar_wap)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (fqsn, time) DO UPDATE SET
			open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
			close = EXCLUDED.close, volume = EXCLUDED.volume, bar_wap = EXCLUDED.bar_wap
	`
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, b := range bars {
		if _, err := tx.ExecContext(ctx, query,
			fqsn, periodS, b.Time, b.Open, b.High, b.Low, b.Close, b.Volume, b.BarWAP,
		); err != nil {
			return fmt.Errorf("failed to write bar for %s: %w", fqsn, err)
		}
	}
	return tx.Commit()
}

// === Ledger ===

func (r *Repository) UpdateLedger(ctx context.Context, broker, account string, entries map[string]json.RawMessage) error {
	if len(entries) == 0 {
		return nil
	}
	query := `
		INSERT INTO ledger_entries (broker, account, tid, record)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (broker, account, tid) DO UPDATE SET record = EXCLUDED.record
	`
	tids := make([]string, 0, len(entries))
	for tid := range entries {
		tids = append(tids, tid)
	}
	sort.Strings(tids)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, tid := range tids {
		if _, err := tx.ExecContext(ctx, query, broker, account, tid, []byte(entries[tid])); err != nil {
			return fmt.Errorf("failed to write ledger entry %s: %w", tid, err)
		}
	}
	return tx.Commit()
}

func (r *Repository) LoadLedger(ctx context.Context, broker, account string) (map[string]json.RawMessage, error) {
	var rows []ledgerRow
	query := `SELECT tid, record FROM ledger_entries WHERE broker = $1 AND account = $2`
	if err := r.db.SelectContext(ctx, &rows, query, broker, account); err != nil {
		return nil, fmt.Errorf("failed to load ledger for %s.%s: %w", broker, account, err)
	}
	out := make(map[string]json.RawMessage, len(rows))
	for _, row := range rows {
		out[row.Tid] = row.Record
	}
	return out, nil
}

// === Positions ===

// SavePositions replaces the account's stored positions with pps.
func (r *Repository) SavePositions(ctx context.Context, broker, account string, pps map[string]*pp.Position) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM positions WHERE broker = $1 AND account = $2`, broker, account,
	); err != nil {
		return fmt.Errorf("failed to clear positions: %w", err)
	}

	bsuids := make([]string, 0, len(pps))
	for bsuid := range pps {
		bsuids = append(bsuids, bsuid)
	}
	sort.Strings(bsuids)

	query := `
		INSERT INTO positions (broker, account, bsuid, symbol, size, be_price, clears)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, bsuid := range bsuids {
		p := pps[bsuid]
		if _, err := tx.ExecContext(ctx, query,
			broker, account, bsuid, p.Symbol, p.Size, p.BePrice, Clears(p.Clears),
		); err != nil {
			return fmt.Errorf("failed to save position %s: %w", bsuid, err)
		}
	}
	return tx.Commit()
}

func (r *Repository) LoadPositions(ctx context.Context, broker, account string) (map[string]*pp.Position, error) {
	var rows []positionRow
	query := `
		SELECT bsuid, symbol, size, be_price, clears
		FROM positions WHERE broker = $1 AND account = $2
	`
	if err := r.db.SelectContext(ctx, &rows, query, broker, account); err != nil {
		return nil, fmt.Errorf("failed to load positions for %s.%s: %w", broker, account, err)
	}
	out := make(map[string]*pp.Position, len(rows))
	for _, row := range rows {
		out[row.Bsuid] = row.position()
	}
	return out, nil
}
