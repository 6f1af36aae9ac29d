package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"cohort-grid-bot/internal/cycle"
	"cohort-grid-bot/internal/regime"
	"cohort-grid-bot/internal/signal"
	"cohort-grid-bot/internal/venue"
)

// TradeRepo records fills, pairs them FIFO into round trips, and implements
// cycle.TradeSource over the resulting ledger.
type TradeRepo struct {
	p *Postgres
}

// FillContext carries the market context attached to a completed round trip.
type FillContext struct {
	Regime    regime.Regime
	FearGreed float64
	Pattern   string
	Breakdown *signal.Breakdown
}

// RecordFill ingests one execution report. Buys open a lot; sells consume the
// oldest open lots and write one trade_pairs row per round trip. The whole
// pairing runs in one transaction so a crash cannot half-consume a lot.
func (r *TradeRepo) RecordFill(ctx context.Context, cohortID string, f venue.Fill, fc FillContext) error {
	if f.Side == venue.Buy {
		_, err := r.p.pool.Exec(ctx, `
			INSERT INTO open_lots (cohort_id, symbol, quantity, price, opened_at)
			VALUES ($1, $2, $3, $4, $5)`,
			cohortID, f.Symbol, f.Quantity, f.Price, f.FilledAt)
		if err != nil {
			return fmt.Errorf("recording buy lot: %w", err)
		}
		return nil
	}

	tx, err := r.p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning pairing tx: %w", err)
	}
	defer tx.Rollback(ctx)

	remaining := f.Quantity
	for remaining > 1e-12 {
		var lotID int64
		var lotQty, lotPrice float64
		var openedAt time.Time
		err := tx.QueryRow(ctx, `
			SELECT id, quantity, price, opened_at FROM open_lots
			WHERE cohort_id = $1 AND symbol = $2
			ORDER BY opened_at LIMIT 1
			FOR UPDATE`, cohortID, f.Symbol).Scan(&lotID, &lotQty, &lotPrice, &openedAt)
		if err != nil {
			// No open lot left: the sell has no recorded cost basis, which
			// happens for positions opened before the ledger existed. Stop
			// pairing and keep what we matched.
			break
		}

		matched := remaining
		if lotQty < matched {
			matched = lotQty
		}

		if lotQty-matched > 1e-12 {
			if _, err := tx.Exec(ctx, `
				UPDATE open_lots SET quantity = quantity - $2 WHERE id = $1`,
				lotID, matched); err != nil {
				return fmt.Errorf("shrinking lot: %w", err)
			}
		} else {
			if _, err := tx.Exec(ctx, `DELETE FROM open_lots WHERE id = $1`, lotID); err != nil {
				return fmt.Errorf("consuming lot: %w", err)
			}
		}

		pnl := (f.Price - lotPrice) * matched
		var retPct float64
		if lotPrice > 0 {
			retPct = (f.Price - lotPrice) / lotPrice
		}
		pairID := uuid.NewString()
		if _, err := tx.Exec(ctx, `
			INSERT INTO trade_pairs (id, cohort_id, symbol, quantity, buy_price,
				sell_price, pnl_usd, return_pct, regime, fear_greed, pattern,
				opened_at, closed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			pairID, cohortID, f.Symbol, matched, lotPrice, f.Price, pnl, retPct,
			string(fc.Regime), fc.FearGreed, fc.Pattern, openedAt, f.FilledAt); err != nil {
			return fmt.Errorf("recording trade pair: %w", err)
		}

		if fc.Breakdown != nil {
			if err := r.recordComponents(ctx, tx, pairID, cohortID, fc, pnl); err != nil {
				return err
			}
		}
		remaining -= matched
	}

	return tx.Commit(ctx)
}

// recordComponents attributes the round trip's pnl to each signal's score at
// decision time. A signal is correct when its sign matches the outcome.
func (r *TradeRepo) recordComponents(ctx context.Context, tx pgx.Tx, pairID, cohortID string, fc FillContext, pnl float64) error {
	weights := fc.Breakdown.WeightsApplied
	for name, score := range fc.Breakdown.Scores() {
		correct := (score > 0 && pnl > 0) || (score < 0 && pnl < 0)
		if _, err := tx.Exec(ctx, `
			INSERT INTO signal_components (trade_id, cohort_id, regime,
				signal_name, score, weight, pnl_usd, correct)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			pairID, cohortID, string(fc.Regime), name, score, weights[name],
			pnl, correct); err != nil {
			return fmt.Errorf("recording %s component: %w", name, err)
		}
	}
	return nil
}

// CycleTrades lists round trips closed since the cycle start.
func (r *TradeRepo) CycleTrades(ctx context.Context, cohortID string, since time.Time) ([]cycle.Trade, error) {
	rows, err := r.p.pool.Query(ctx, `
		SELECT return_pct, pnl_usd, regime, fear_greed, pattern, closed_at
		FROM trade_pairs
		WHERE cohort_id = $1 AND closed_at >= $2
		ORDER BY closed_at`, cohortID, since)
	if err != nil {
		return nil, fmt.Errorf("loading cycle trades for %s: %w", cohortID, err)
	}
	defer rows.Close()

	var out []cycle.Trade
	for rows.Next() {
		var t cycle.Trade
		var reg string
		if err := rows.Scan(&t.ReturnPct, &t.PnLUSD, &reg, &t.FearGreed,
			&t.Pattern, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		t.Regime = regime.Regime(reg)
		out = append(out, t)
	}
	return out, rows.Err()
}

// CycleSignalSummary aggregates signal_components over round trips closed
// since the cycle start: fire count, sign-correct count, accuracy, and the
// pnl of the trades each signal participated in.
func (r *TradeRepo) CycleSignalSummary(ctx context.Context, cohortID string, since time.Time) (map[string]cycle.SignalStat, error) {
	rows, err := r.p.pool.Query(ctx, `
		SELECT sc.signal_name,
			COUNT(*),
			COUNT(*) FILTER (WHERE sc.correct),
			COALESCE(SUM(sc.pnl_usd), 0)
		FROM signal_components sc
		JOIN trade_pairs tp ON tp.id = sc.trade_id
		WHERE sc.cohort_id = $1 AND tp.closed_at >= $2
		GROUP BY sc.signal_name`, cohortID, since)
	if err != nil {
		return nil, fmt.Errorf("loading signal summary for %s: %w", cohortID, err)
	}
	defer rows.Close()

	out := make(map[string]cycle.SignalStat)
	for rows.Next() {
		var name string
		var s cycle.SignalStat
		if err := rows.Scan(&name, &s.Trades, &s.Correct, &s.PnLUSD); err != nil {
			return nil, fmt.Errorf("scanning signal summary: %w", err)
		}
		if s.Trades > 0 {
			s.Accuracy = float64(s.Correct) / float64(s.Trades)
		}
		out[name] = s
	}
	return out, rows.Err()
}

// TradesLast24h counts a cohort's round trips closed in the last day.
func (r *TradeRepo) TradesLast24h(ctx context.Context, cohortID string) (int, error) {
	var n int
	err := r.p.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM trade_pairs
		WHERE cohort_id = $1 AND closed_at >= now() - INTERVAL '24 hours'`,
		cohortID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting recent trades for %s: %w", cohortID, err)
	}
	return n, nil
}
