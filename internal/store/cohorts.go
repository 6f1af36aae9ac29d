package store

import (
	"context"
	"encoding/json"
	"fmt"

	"cohort-grid-bot/internal/cohort"
)

// CohortRepo implements cohort.Store.
type CohortRepo struct {
	p *Postgres
}

func (r *CohortRepo) LoadCohorts(ctx context.Context) ([]cohort.Cohort, error) {
	rows, err := r.p.pool.Query(ctx, `
		SELECT id, name, description, config, starting_capital, current_capital,
		       is_active, created_at
		FROM cohorts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("loading cohorts: %w", err)
	}
	defer rows.Close()

	var out []cohort.Cohort
	for rows.Next() {
		var c cohort.Cohort
		var cfg []byte
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &cfg,
			&c.StartingCapital, &c.CurrentCapital, &c.IsActive, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning cohort: %w", err)
		}
		if err := json.Unmarshal(cfg, &c.Config); err != nil {
			return nil, fmt.Errorf("decoding config for %s: %w", c.Name, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *CohortRepo) SaveCohort(ctx context.Context, c *cohort.Cohort) error {
	cfg, err := json.Marshal(c.Config)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	_, err = r.p.pool.Exec(ctx, `
		INSERT INTO cohorts (id, name, description, config, starting_capital,
		                     current_capital, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			description = EXCLUDED.description,
			config      = EXCLUDED.config,
			is_active   = EXCLUDED.is_active`,
		c.ID, c.Name, c.Description, cfg,
		c.StartingCapital, c.CurrentCapital, c.IsActive, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving cohort %s: %w", c.Name, err)
	}
	return nil
}

func (r *CohortRepo) UpdateCapital(ctx context.Context, cohortID string, capital float64) error {
	tag, err := r.p.pool.Exec(ctx, `
		UPDATE cohorts SET current_capital = $2 WHERE id = $1`, cohortID, capital)
	if err != nil {
		return fmt.Errorf("updating capital for %s: %w", cohortID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cohort %s not found", cohortID)
	}
	return nil
}

func (r *CohortRepo) CohortComparison(ctx context.Context) ([]cohort.ComparisonRow, error) {
	rows, err := r.p.pool.Query(ctx, `
		SELECT cohort_id, name, starting_capital, current_capital, return_pct,
		       completed_cycles, total_trades, win_rate
		FROM v_cohort_comparison ORDER BY return_pct DESC`)
	if err != nil {
		return nil, fmt.Errorf("loading comparison: %w", err)
	}
	defer rows.Close()

	var out []cohort.ComparisonRow
	for rows.Next() {
		var row cohort.ComparisonRow
		if err := rows.Scan(&row.CohortID, &row.Name, &row.StartingCapital,
			&row.CurrentCapital, &row.ReturnPct, &row.CompletedCycles,
			&row.TotalTrades, &row.WinRate); err != nil {
			return nil, fmt.Errorf("scanning comparison row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
