package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"cohort-grid-bot/internal/cycle"
	"cohort-grid-bot/internal/metrics"
	"cohort-grid-bot/internal/regime"
)

// CycleRepo implements cycle.Store.
type CycleRepo struct {
	p *Postgres
}

// cycleMetrics is the JSONB payload for the optional-valued metrics and the
// per-signal attribution snapshot taken at closure.
type cycleMetrics struct {
	Sharpe            metrics.Value               `json:"sharpe"`
	Sortino           metrics.Value               `json:"sortino"`
	Calmar            metrics.Value               `json:"calmar"`
	VaR95             metrics.Value               `json:"var_95"`
	CVaR95            metrics.Value               `json:"cvar_95"`
	Kelly             metrics.Value               `json:"kelly_fraction"`
	ProfitFactor      metrics.Value               `json:"profit_factor"`
	BTCPerformancePct metrics.Value               `json:"btc_performance_pct"`
	SignalSummary     map[string]cycle.SignalStat `json:"signal_summary,omitempty"`
}

func packMetrics(c *cycle.TradingCycle) ([]byte, error) {
	return json.Marshal(cycleMetrics{
		Sharpe:            c.Sharpe,
		Sortino:           c.Sortino,
		Calmar:            c.Calmar,
		VaR95:             c.VaR95,
		CVaR95:            c.CVaR95,
		Kelly:             c.Kelly,
		ProfitFactor:      c.ProfitFactor,
		BTCPerformancePct: c.BTCPerformancePct,
		SignalSummary:     c.SignalSummary,
	})
}

func unpackMetrics(raw []byte, c *cycle.TradingCycle) error {
	var m cycleMetrics
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	c.Sharpe = m.Sharpe
	c.Sortino = m.Sortino
	c.Calmar = m.Calmar
	c.VaR95 = m.VaR95
	c.CVaR95 = m.CVaR95
	c.Kelly = m.Kelly
	c.ProfitFactor = m.ProfitFactor
	c.BTCPerformancePct = m.BTCPerformancePct
	c.SignalSummary = m.SignalSummary
	return nil
}

const cycleColumns = `
	id, cohort_id, cycle_number, start_date, end_date, status,
	starting_capital, ending_capital, total_trades, winning_trades,
	losing_trades, total_pnl, total_pnl_pct, max_drawdown, win_rate,
	risk_metrics, avg_fear_greed, dominant_regime, best_patterns,
	worst_patterns, playbook_version`

func scanCycle(row pgx.Row) (*cycle.TradingCycle, error) {
	var c cycle.TradingCycle
	var endDate *time.Time
	var status, dominant string
	var raw []byte
	if err := row.Scan(&c.ID, &c.CohortID, &c.CycleNumber, &c.StartDate,
		&endDate, &status, &c.StartingCapital, &c.EndingCapital,
		&c.TotalTrades, &c.WinningTrades, &c.LosingTrades, &c.TotalPnL,
		&c.TotalPnLPct, &c.MaxDrawdown, &c.WinRate, &raw, &c.AvgFearGreed,
		&dominant, &c.BestPatterns, &c.WorstPatterns, &c.PlaybookVersion); err != nil {
		return nil, err
	}
	c.EndDate = endDate
	c.Status = cycle.Status(status)
	c.DominantRegime = regime.Regime(dominant)
	if err := unpackMetrics(raw, &c); err != nil {
		return nil, fmt.Errorf("decoding cycle metrics: %w", err)
	}
	return &c, nil
}

func (r *CycleRepo) ActiveCycle(ctx context.Context, cohortID string) (*cycle.TradingCycle, error) {
	row := r.p.pool.QueryRow(ctx, `
		SELECT `+cycleColumns+`
		FROM trading_cycles
		WHERE cohort_id = $1 AND status = 'active'
		ORDER BY cycle_number DESC LIMIT 1`, cohortID)
	c, err := scanCycle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading active cycle for %s: %w", cohortID, err)
	}
	return c, nil
}

func (r *CycleRepo) MaxCycleNumber(ctx context.Context, cohortID string) (int, error) {
	var n int
	err := r.p.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(cycle_number), 0) FROM trading_cycles
		WHERE cohort_id = $1`, cohortID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("reading max cycle number for %s: %w", cohortID, err)
	}
	return n, nil
}

func (r *CycleRepo) InsertCycle(ctx context.Context, c *cycle.TradingCycle) error {
	raw, err := packMetrics(c)
	if err != nil {
		return fmt.Errorf("encoding cycle metrics: %w", err)
	}
	_, err = r.p.pool.Exec(ctx, `
		INSERT INTO trading_cycles (
			id, cohort_id, cycle_number, start_date, end_date, status,
			starting_capital, ending_capital, total_trades, winning_trades,
			losing_trades, total_pnl, total_pnl_pct, max_drawdown, win_rate,
			risk_metrics, avg_fear_greed, dominant_regime, best_patterns,
			worst_patterns, playbook_version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		c.ID, c.CohortID, c.CycleNumber, c.StartDate, c.EndDate, string(c.Status),
		c.StartingCapital, c.EndingCapital, c.TotalTrades, c.WinningTrades,
		c.LosingTrades, c.TotalPnL, c.TotalPnLPct, c.MaxDrawdown, c.WinRate,
		raw, c.AvgFearGreed, string(c.DominantRegime), c.BestPatterns,
		c.WorstPatterns, c.PlaybookVersion)
	if err != nil {
		return fmt.Errorf("inserting cycle %d for %s: %w", c.CycleNumber, c.CohortID, err)
	}
	return nil
}

func (r *CycleRepo) CompleteCycle(ctx context.Context, c *cycle.TradingCycle) error {
	raw, err := packMetrics(c)
	if err != nil {
		return fmt.Errorf("encoding cycle metrics: %w", err)
	}
	tag, err := r.p.pool.Exec(ctx, `
		UPDATE trading_cycles SET
			end_date = $2, status = $3, ending_capital = $4, total_trades = $5,
			winning_trades = $6, losing_trades = $7, total_pnl = $8,
			total_pnl_pct = $9, max_drawdown = $10, win_rate = $11,
			risk_metrics = $12, avg_fear_greed = $13, dominant_regime = $14,
			best_patterns = $15, worst_patterns = $16
		WHERE id = $1`,
		c.ID, c.EndDate, string(c.Status), c.EndingCapital, c.TotalTrades,
		c.WinningTrades, c.LosingTrades, c.TotalPnL, c.TotalPnLPct,
		c.MaxDrawdown, c.WinRate, raw, c.AvgFearGreed, string(c.DominantRegime),
		c.BestPatterns, c.WorstPatterns)
	if err != nil {
		return fmt.Errorf("completing cycle %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cycle %s not found", c.ID)
	}
	return nil
}

func (r *CycleRepo) CompletedCycles(ctx context.Context, cohortID string, n int) ([]cycle.TradingCycle, error) {
	rows, err := r.p.pool.Query(ctx, `
		SELECT `+cycleColumns+`
		FROM trading_cycles
		WHERE cohort_id = $1 AND status = 'completed'
		ORDER BY cycle_number DESC LIMIT $2`, cohortID, n)
	if err != nil {
		return nil, fmt.Errorf("loading completed cycles for %s: %w", cohortID, err)
	}
	defer rows.Close()

	var out []cycle.TradingCycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cycle: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
