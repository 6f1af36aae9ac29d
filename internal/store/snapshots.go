package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cohort-grid-bot/internal/regime"
	"cohort-grid-bot/internal/signal"
)

// SnapshotRepo persists decision-time telemetry: regime transitions, raw
// market features, and full scoring breakdowns for later audit.
type SnapshotRepo struct {
	p *Postgres
}

// RecordRegime appends one regime observation.
func (r *SnapshotRepo) RecordRegime(ctx context.Context, st *regime.State) error {
	features, err := json.Marshal(st.Features)
	if err != nil {
		return fmt.Errorf("encoding regime features: %w", err)
	}
	_, err = r.p.pool.Exec(ctx, `
		INSERT INTO regime_history (regime, probability, duration_days, features, detected_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(st.Current), st.Probability, st.DurationDays, features, st.DetectedAt)
	if err != nil {
		return fmt.Errorf("recording regime: %w", err)
	}
	return nil
}

// RecentRegimes returns the last n observations, newest first.
func (r *SnapshotRepo) RecentRegimes(ctx context.Context, n int) ([]regime.State, error) {
	rows, err := r.p.pool.Query(ctx, `
		SELECT regime, probability, duration_days, features, detected_at
		FROM regime_history ORDER BY detected_at DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("loading regime history: %w", err)
	}
	defer rows.Close()

	var out []regime.State
	for rows.Next() {
		var st regime.State
		var reg string
		var features []byte
		if err := rows.Scan(&reg, &st.Probability, &st.DurationDays, &features, &st.DetectedAt); err != nil {
			return nil, fmt.Errorf("scanning regime row: %w", err)
		}
		st.Current = regime.Regime(reg)
		if err := json.Unmarshal(features, &st.Features); err != nil {
			return nil, fmt.Errorf("decoding regime features: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// RecordMarketSnapshot stores one raw feature bundle.
func (r *SnapshotRepo) RecordMarketSnapshot(ctx context.Context, f *signal.MarketFeatures) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding market features: %w", err)
	}
	_, err = r.p.pool.Exec(ctx, `
		INSERT INTO market_snapshots (symbol, features) VALUES ($1, $2)`,
		f.Symbol, raw)
	if err != nil {
		return fmt.Errorf("recording market snapshot: %w", err)
	}
	return nil
}

// RecordCalculation stores one scored breakdown for audit.
func (r *SnapshotRepo) RecordCalculation(ctx context.Context, cohortID string, b *signal.Breakdown) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encoding breakdown: %w", err)
	}
	_, err = r.p.pool.Exec(ctx, `
		INSERT INTO calculation_snapshots (cohort_id, symbol, breakdown)
		VALUES ($1, $2, $3)`, cohortID, b.Symbol, raw)
	if err != nil {
		return fmt.Errorf("recording calculation: %w", err)
	}
	return nil
}

// Prune deletes telemetry older than the retention window.
func (r *SnapshotRepo) Prune(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	for _, q := range []string{
		`DELETE FROM market_snapshots WHERE created_at < $1`,
		`DELETE FROM calculation_snapshots WHERE created_at < $1`,
		`DELETE FROM regime_history WHERE detected_at < $1`,
	} {
		if _, err := r.p.pool.Exec(ctx, q, cutoff); err != nil {
			return fmt.Errorf("pruning telemetry: %w", err)
		}
	}
	return nil
}
