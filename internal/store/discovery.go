package store

import (
	"context"
	"fmt"
	"time"
)

// DiscoveryRepo records coin discovery runs and implements the monitor's
// discovery health source.
type DiscoveryRepo struct {
	p *Postgres
}

// RecordCandidate stores one evaluated symbol from a discovery run.
func (r *DiscoveryRepo) RecordCandidate(ctx context.Context, symbol string, runAt time.Time, approved, added bool) error {
	_, err := r.p.pool.Exec(ctx, `
		INSERT INTO coin_discoveries (symbol, run_at, approved, added)
		VALUES ($1, $2, $3, $4)`, symbol, runAt, approved, added)
	if err != nil {
		return fmt.Errorf("recording discovery candidate %s: %w", symbol, err)
	}
	return nil
}

// MarkTraded stamps the first trade time for an added coin.
func (r *DiscoveryRepo) MarkTraded(ctx context.Context, symbol string, at time.Time) error {
	_, err := r.p.pool.Exec(ctx, `
		UPDATE coin_discoveries SET first_trade_at = $2
		WHERE symbol = $1 AND added AND first_trade_at IS NULL`, symbol, at)
	if err != nil {
		return fmt.Errorf("marking %s traded: %w", symbol, err)
	}
	return nil
}

// LastRun is the completion time of the most recent discovery pass. The zero
// time means no run has ever completed.
func (r *DiscoveryRepo) LastRun(ctx context.Context) (time.Time, error) {
	var t *time.Time
	err := r.p.pool.QueryRow(ctx,
		`SELECT MAX(run_at) FROM coin_discoveries`).Scan(&t)
	if err != nil {
		return time.Time{}, fmt.Errorf("reading last discovery run: %w", err)
	}
	if t == nil {
		return time.Time{}, nil
	}
	return *t, nil
}

// ApprovalStats returns evaluated and approved counts over the last 30 days.
func (r *DiscoveryRepo) ApprovalStats(ctx context.Context) (total, approved int, err error) {
	err = r.p.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE approved)
		FROM coin_discoveries
		WHERE run_at >= now() - INTERVAL '30 days'`).Scan(&total, &approved)
	if err != nil {
		return 0, 0, fmt.Errorf("reading approval stats: %w", err)
	}
	return total, approved, nil
}

// IdleAdditions lists coins added before the cutoff that never traded.
func (r *DiscoveryRepo) IdleAdditions(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.p.pool.Query(ctx, `
		SELECT DISTINCT symbol FROM coin_discoveries
		WHERE added AND first_trade_at IS NULL AND run_at < $1
		ORDER BY symbol`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing idle additions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
