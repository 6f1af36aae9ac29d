// Package store is the Postgres persistence layer: cohort catalog, cycle
// ledger, learned signal weights, per-trade signal attribution, regime and
// market snapshots, and coin discovery telemetry.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"cohort-grid-bot/internal/logging"
)

// Postgres wraps the connection pool and hands out repositories.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *logging.Logger
}

// New connects, pings, and runs migrations.
func New(ctx context.Context, databaseURL string, logger *logging.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	p := &Postgres{pool: pool, logger: logger.WithComponent("store")}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrating: %w", err)
	}
	return p, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Repositories. Each borrows the shared pool.

func (p *Postgres) Cohorts() *CohortRepo     { return &CohortRepo{p} }
func (p *Postgres) Cycles() *CycleRepo       { return &CycleRepo{p} }
func (p *Postgres) Weights() *WeightsRepo    { return &WeightsRepo{p} }
func (p *Postgres) Trades() *TradeRepo       { return &TradeRepo{p} }
func (p *Postgres) Snapshots() *SnapshotRepo { return &SnapshotRepo{p} }
func (p *Postgres) Discovery() *DiscoveryRepo {
	return &DiscoveryRepo{p}
}
