package store

import (
	"context"
	"fmt"
)

// migrations run in order exactly once; applied versions are tracked in
// schema_migrations. Statements must stay append-only.
var migrations = []string{
	// 1: cohort catalog
	`CREATE TABLE IF NOT EXISTS cohorts (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL UNIQUE,
		description      TEXT NOT NULL DEFAULT '',
		config           JSONB NOT NULL,
		starting_capital DOUBLE PRECISION NOT NULL,
		current_capital  DOUBLE PRECISION NOT NULL,
		is_active        BOOLEAN NOT NULL DEFAULT TRUE,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// 2: cycle ledger
	`CREATE TABLE IF NOT EXISTS trading_cycles (
		id               TEXT PRIMARY KEY,
		cohort_id        TEXT NOT NULL REFERENCES cohorts(id),
		cycle_number     INTEGER NOT NULL,
		start_date       TIMESTAMPTZ NOT NULL,
		end_date         TIMESTAMPTZ,
		status           TEXT NOT NULL,
		starting_capital DOUBLE PRECISION NOT NULL,
		ending_capital   DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_trades     INTEGER NOT NULL DEFAULT 0,
		winning_trades   INTEGER NOT NULL DEFAULT 0,
		losing_trades    INTEGER NOT NULL DEFAULT 0,
		total_pnl        DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_pnl_pct    DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_drawdown     DOUBLE PRECISION NOT NULL DEFAULT 0,
		win_rate         DOUBLE PRECISION NOT NULL DEFAULT 0,
		risk_metrics     JSONB NOT NULL DEFAULT '{}',
		avg_fear_greed   DOUBLE PRECISION NOT NULL DEFAULT 0,
		dominant_regime  TEXT NOT NULL DEFAULT '',
		best_patterns    TEXT[] NOT NULL DEFAULT '{}',
		worst_patterns   TEXT[] NOT NULL DEFAULT '{}',
		playbook_version TEXT NOT NULL DEFAULT '',
		UNIQUE (cohort_id, cycle_number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cycles_cohort_status
		ON trading_cycles (cohort_id, status)`,

	// 3: learned signal weights, one active row per (cohort, regime) key
	`CREATE TABLE IF NOT EXISTS signal_weights (
		id          BIGSERIAL PRIMARY KEY,
		cohort_id   TEXT NOT NULL DEFAULT '',
		regime      TEXT NOT NULL DEFAULT '',
		weights     JSONB NOT NULL,
		alpha       JSONB NOT NULL,
		confidence  DOUBLE PRECISION NOT NULL,
		sample_size INTEGER NOT NULL,
		is_active   BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_weights_active
		ON signal_weights (cohort_id, regime) WHERE is_active`,

	// 4: per-trade per-signal attribution feeding the weight learner
	`CREATE TABLE IF NOT EXISTS signal_components (
		id          BIGSERIAL PRIMARY KEY,
		trade_id    TEXT NOT NULL,
		cohort_id   TEXT NOT NULL,
		regime      TEXT NOT NULL DEFAULT '',
		signal_name TEXT NOT NULL,
		score       DOUBLE PRECISION NOT NULL,
		weight      DOUBLE PRECISION NOT NULL,
		pnl_usd     DOUBLE PRECISION NOT NULL,
		correct     BOOLEAN NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_components_cohort
		ON signal_components (cohort_id, regime, signal_name)`,

	// 5: open lots and completed round trips
	`CREATE TABLE IF NOT EXISTS open_lots (
		id         BIGSERIAL PRIMARY KEY,
		cohort_id  TEXT NOT NULL,
		symbol     TEXT NOT NULL,
		quantity   DOUBLE PRECISION NOT NULL,
		price      DOUBLE PRECISION NOT NULL,
		opened_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS trade_pairs (
		id          TEXT PRIMARY KEY,
		cohort_id   TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		quantity    DOUBLE PRECISION NOT NULL,
		buy_price   DOUBLE PRECISION NOT NULL,
		sell_price  DOUBLE PRECISION NOT NULL,
		pnl_usd     DOUBLE PRECISION NOT NULL,
		return_pct  DOUBLE PRECISION NOT NULL,
		regime      TEXT NOT NULL DEFAULT '',
		fear_greed  DOUBLE PRECISION NOT NULL DEFAULT 0,
		pattern     TEXT NOT NULL DEFAULT '',
		opened_at   TIMESTAMPTZ NOT NULL,
		closed_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pairs_cohort_closed
		ON trade_pairs (cohort_id, closed_at)`,

	// 6: regime and market telemetry
	`CREATE TABLE IF NOT EXISTS regime_history (
		id          BIGSERIAL PRIMARY KEY,
		regime      TEXT NOT NULL,
		probability DOUBLE PRECISION NOT NULL,
		duration_days DOUBLE PRECISION NOT NULL,
		features    JSONB NOT NULL,
		detected_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS market_snapshots (
		id         BIGSERIAL PRIMARY KEY,
		symbol     TEXT NOT NULL,
		features   JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS calculation_snapshots (
		id         BIGSERIAL PRIMARY KEY,
		cohort_id  TEXT NOT NULL,
		symbol     TEXT NOT NULL,
		breakdown  JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// 7: coin discovery telemetry
	`CREATE TABLE IF NOT EXISTS coin_discoveries (
		id             BIGSERIAL PRIMARY KEY,
		symbol         TEXT NOT NULL,
		run_at         TIMESTAMPTZ NOT NULL,
		approved       BOOLEAN NOT NULL DEFAULT FALSE,
		added          BOOLEAN NOT NULL DEFAULT FALSE,
		first_trade_at TIMESTAMPTZ
	)`,

	// 8: cross-cohort comparison view
	`CREATE OR REPLACE VIEW v_cohort_comparison AS
	 SELECT c.id                                          AS cohort_id,
	        c.name                                        AS name,
	        c.starting_capital                            AS starting_capital,
	        c.current_capital                             AS current_capital,
	        CASE WHEN c.starting_capital > 0
	             THEN (c.current_capital - c.starting_capital) / c.starting_capital * 100
	             ELSE 0 END                               AS return_pct,
	        COALESCE(cy.completed, 0)                     AS completed_cycles,
	        COALESCE(tp.total, 0)                         AS total_trades,
	        COALESCE(tp.win_rate, 0)                      AS win_rate
	 FROM cohorts c
	 LEFT JOIN (
	     SELECT cohort_id, COUNT(*) AS completed
	     FROM trading_cycles WHERE status = 'completed' GROUP BY cohort_id
	 ) cy ON cy.cohort_id = c.id
	 LEFT JOIN (
	     SELECT cohort_id,
	            COUNT(*) AS total,
	            AVG(CASE WHEN pnl_usd > 0 THEN 1.0 ELSE 0.0 END) AS win_rate
	     FROM trade_pairs GROUP BY cohort_id
	 ) tp ON tp.cohort_id = c.id`,
}

// migrate applies every pending migration inside one transaction each.
func (p *Postgres) migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	var current int
	if err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("reading migration version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := p.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", version, err)
		}
		if _, err := tx.Exec(ctx, migrations[i]); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
		p.logger.Info("migration applied", "version", version)
	}
	return nil
}
