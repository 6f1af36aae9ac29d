package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"cohort-grid-bot/internal/bayes"
)

// WeightsRepo implements bayes.Store and bayes.PerformanceSource.
type WeightsRepo struct {
	p *Postgres
}

// SaveWeights deactivates the previous active row for the same key and
// inserts the new one in a single transaction.
func (r *WeightsRepo) SaveWeights(ctx context.Context, w *bayes.Weights) error {
	values, err := json.Marshal(w.Values)
	if err != nil {
		return fmt.Errorf("encoding weights: %w", err)
	}
	alpha, err := json.Marshal(w.Alpha)
	if err != nil {
		return fmt.Errorf("encoding alpha: %w", err)
	}

	tx, err := r.p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning weights tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE signal_weights SET is_active = FALSE
		WHERE cohort_id = $1 AND regime = $2 AND is_active`,
		w.CohortID, w.Regime); err != nil {
		return fmt.Errorf("deactivating previous weights: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO signal_weights
			(cohort_id, regime, weights, alpha, confidence, sample_size, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)`,
		w.CohortID, w.Regime, values, alpha, w.Confidence, w.SampleSize, w.UpdatedAt); err != nil {
		return fmt.Errorf("inserting weights: %w", err)
	}
	return tx.Commit(ctx)
}

// LoadActiveWeights returns the active vector for the key, or nil when none
// has been learned yet.
func (r *WeightsRepo) LoadActiveWeights(ctx context.Context, cohortID, regime string) (*bayes.Weights, error) {
	var w bayes.Weights
	var values, alpha []byte
	err := r.p.pool.QueryRow(ctx, `
		SELECT cohort_id, regime, weights, alpha, confidence, sample_size, updated_at
		FROM signal_weights
		WHERE cohort_id = $1 AND regime = $2 AND is_active`,
		cohortID, regime).Scan(&w.CohortID, &w.Regime, &values, &alpha,
		&w.Confidence, &w.SampleSize, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading weights (%q, %q): %w", cohortID, regime, err)
	}
	if err := json.Unmarshal(values, &w.Values); err != nil {
		return nil, fmt.Errorf("decoding weights: %w", err)
	}
	if err := json.Unmarshal(alpha, &w.Alpha); err != nil {
		return nil, fmt.Errorf("decoding alpha: %w", err)
	}
	return &w, nil
}

// SignalPerformance aggregates attribution rows into per-signal outcome
// stats. Empty cohortID or regime widens the key to global along that axis.
func (r *WeightsRepo) SignalPerformance(ctx context.Context, cohortID, regime string) (map[string]bayes.SignalPerformance, int, error) {
	rows, err := r.p.pool.Query(ctx, `
		SELECT signal_name,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE correct),
		       COALESCE(corr(score, pnl_usd), 0)
		FROM signal_components
		WHERE ($1 = '' OR cohort_id = $1)
		  AND ($2 = '' OR regime = $2)
		GROUP BY signal_name`, cohortID, regime)
	if err != nil {
		return nil, 0, fmt.Errorf("aggregating signal performance: %w", err)
	}
	defer rows.Close()

	perf := make(map[string]bayes.SignalPerformance)
	for rows.Next() {
		var name string
		var total, correct int
		var corr float64
		if err := rows.Scan(&name, &total, &correct, &corr); err != nil {
			return nil, 0, fmt.Errorf("scanning signal performance: %w", err)
		}
		sp := bayes.SignalPerformance{
			Total:              total,
			Correct:            correct,
			CorrelationWithPnL: corr,
		}
		if total > 0 {
			sp.Accuracy = float64(correct) / float64(total)
		}
		perf[name] = sp
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var trades int
	err = r.p.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT trade_id) FROM signal_components
		WHERE ($1 = '' OR cohort_id = $1)
		  AND ($2 = '' OR regime = $2)`, cohortID, regime).Scan(&trades)
	if err != nil {
		return nil, 0, fmt.Errorf("counting attributed trades: %w", err)
	}
	return perf, trades, nil
}

// ActiveCohortIDs lists cohorts eligible for per-cohort weight vectors.
func (r *WeightsRepo) ActiveCohortIDs(ctx context.Context) ([]string, error) {
	rows, err := r.p.pool.Query(ctx, `SELECT id FROM cohorts WHERE is_active ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing active cohorts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
