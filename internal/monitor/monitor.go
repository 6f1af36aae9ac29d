// Package monitor runs scheduled health checks over the live orchestrators
// and the venue: order reconciliation, staleness and timeout detection,
// portfolio plausibility, and optional tier and discovery checks. Findings go
// to the operator channel; the monitor never places or cancels orders itself.
package monitor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"cohort-grid-bot/internal/cohort"
	"cohort-grid-bot/internal/hybrid"
	"cohort-grid-bot/internal/venue"
)

// Instance is the slice of an orchestrator the monitor inspects.
type Instance interface {
	Cohort() cohort.Cohort
	Grids() []hybrid.GridState
	StateSnapshot() hybrid.State
}

const (
	orderTimeout       = 24 * time.Hour
	staleAfter         = 30 * time.Minute
	tierDriftPct       = 5.0
	tierCashFloorPct   = 3.0
	discoveryStaleAge  = 48 * time.Hour
	approvalMinSample  = 10
	additionGracePeriod = 7 * 24 * time.Hour
)

// TierStatus is one cohort tier's health snapshot.
type TierStatus struct {
	Name                string
	TargetAllocationPct float64
	ActualAllocationPct float64
	CashPct             float64
	TradesLast24h       int
}

// TierSource supplies tier snapshots for the opt-in tier health check.
type TierSource interface {
	TierStatus(ctx context.Context) ([]TierStatus, error)
}

// DiscoverySource supplies coin discovery telemetry.
type DiscoverySource interface {
	// LastRun is the completion time of the most recent discovery pass.
	LastRun(ctx context.Context) (time.Time, error)
	// ApprovalStats returns evaluated and approved candidate counts.
	ApprovalStats(ctx context.Context) (total, approved int, err error)
	// IdleAdditions lists coins added before the cutoff that have never traded.
	IdleAdditions(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Options configures the monitor. Tier and discovery checks only run when
// their sources are set; the tier check additionally requires the opt-in.
type Options struct {
	EnableTierHealth bool
	Tiers            TierSource
	Discovery        DiscoverySource
}

// Monitor owns the cron schedule and the per-task in-flight locks.
type Monitor struct {
	instances func() []Instance
	venue     venue.Client
	notifier  hybrid.Notifier
	opts      Options
	cron      *cron.Cron
	log       zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	running map[string]bool
}

// New builds a monitor over the supervisor's live instances.
func New(instances func() []Instance, client venue.Client, notifier hybrid.Notifier, opts Options) *Monitor {
	return &Monitor{
		instances: instances,
		venue:     client,
		notifier:  notifier,
		opts:      opts,
		cron:      cron.New(),
		log:       zerolog.New(os.Stdout).With().Timestamp().Str("component", "monitor").Logger(),
		now:       time.Now,
		running:   make(map[string]bool),
	}
}

// Start registers every task and starts the scheduler.
func (m *Monitor) Start(ctx context.Context) error {
	tasks := []struct {
		name     string
		schedule string
		fn       func(context.Context) error
	}{
		{"reconcile_orders", "@every 30m", m.ReconcileOrders},
		{"order_timeout_check", "@every 1h", m.OrderTimeoutCheck},
		{"portfolio_plausibility", "@every 2h", m.PortfolioPlausibility},
		{"grid_health_summary", "@every 4h", m.GridHealthSummary},
		{"stale_detection", "@every 30m", m.StaleDetection},
		{"tier_health_check", "@every 2h", m.TierHealthCheck},
		{"discovery_health_check", "@every 12h", m.DiscoveryHealthCheck},
	}
	for _, t := range tasks {
		t := t
		if _, err := m.cron.AddFunc(t.schedule, func() { m.runTask(ctx, t.name, t.fn) }); err != nil {
			return fmt.Errorf("scheduling %s: %w", t.name, err)
		}
	}
	m.cron.Start()
	m.log.Info().Int("tasks", len(tasks)).Msg("monitor started")
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
	m.log.Info().Msg("monitor stopped")
}

// runTask executes one task unless a previous run is still in flight.
func (m *Monitor) runTask(ctx context.Context, name string, fn func(context.Context) error) {
	m.mu.Lock()
	if m.running[name] {
		m.mu.Unlock()
		m.log.Warn().Str("task", name).Msg("previous run still in flight, skipping")
		return
	}
	m.running[name] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running[name] = false
		m.mu.Unlock()
	}()

	start := m.now()
	err := fn(ctx)
	ev := m.log.Info()
	if err != nil {
		ev = m.log.Error().Err(err)
	}
	ev.Str("task", name).Dur("elapsed", m.now().Sub(start)).Msg("task finished")
}

// alert pushes one finding to the operator channel, bypassing dedup.
func (m *Monitor) alert(format string, args ...interface{}) {
	m.notifier.Send(fmt.Sprintf(format, args...), true)
}

// ReconcileOrders compares every grid's resting orders against the venue.
// Venue orders missing from state are flagged ORPHAN; state orders the venue
// no longer lists are flagged UNKNOWN for the tick loop's fill fallback to
// resolve.
func (m *Monitor) ReconcileOrders(ctx context.Context) error {
	var findings []string
	for _, inst := range m.instances() {
		for _, g := range inst.Grids() {
			open, err := m.venue.GetOpenOrders(ctx, g.Symbol)
			if err != nil {
				return fmt.Errorf("open orders for %s: %w", g.Symbol, err)
			}
			openIDs := make(map[string]bool, len(open))
			for _, o := range open {
				openIDs[o.OrderID] = true
				if _, tracked := g.ActiveOrders[o.OrderID]; !tracked {
					findings = append(findings, fmt.Sprintf(
						"ORPHAN %s %s order %s at %.4f", inst.Cohort().Name, g.Symbol, o.OrderID, o.Price))
				}
			}
			for id := range g.ActiveOrders {
				if !openIDs[id] {
					findings = append(findings, fmt.Sprintf(
						"UNKNOWN %s %s order %s not on venue", inst.Cohort().Name, g.Symbol, id))
				}
			}
		}
	}
	if len(findings) > 0 {
		m.alert("Order reconciliation found %d discrepancies:\n%s",
			len(findings), strings.Join(findings, "\n"))
	}
	return nil
}

// OrderTimeoutCheck flags resting orders older than 24 hours.
func (m *Monitor) OrderTimeoutCheck(ctx context.Context) error {
	cutoff := m.now().Add(-orderTimeout)
	var findings []string
	for _, inst := range m.instances() {
		for _, g := range inst.Grids() {
			for id, o := range g.ActiveOrders {
				if o.CreatedAt.Before(cutoff) {
					findings = append(findings, fmt.Sprintf(
						"%s %s %s order %s resting since %s",
						inst.Cohort().Name, g.Symbol, o.Type, id, o.CreatedAt.Format(time.RFC3339)))
				}
			}
		}
	}
	if len(findings) > 0 {
		m.alert("%d orders resting beyond %s:\n%s",
			len(findings), orderTimeout, strings.Join(findings, "\n"))
	}
	return nil
}

// PortfolioPlausibility sanity-checks allocations and the quote balance.
func (m *Monitor) PortfolioPlausibility(ctx context.Context) error {
	var findings []string
	for _, inst := range m.instances() {
		st := inst.StateSnapshot()
		for symbol, ss := range st.Symbols {
			if ss.AllocationUSD < 0 {
				findings = append(findings, fmt.Sprintf(
					"%s %s negative allocation %.2f USD", inst.Cohort().Name, symbol, ss.AllocationUSD))
			}
		}
	}
	usdt, err := m.venue.GetAccountBalance(ctx, "USDT")
	if err != nil {
		return fmt.Errorf("usdt balance: %w", err)
	}
	if usdt <= 0 {
		findings = append(findings, fmt.Sprintf("USDT balance implausible: %.2f", usdt))
	}
	if len(findings) > 0 {
		m.alert("Portfolio plausibility check failed:\n%s", strings.Join(findings, "\n"))
	}
	return nil
}

// GridHealthSummary reports levels whose follow-up order could not be placed.
func (m *Monitor) GridHealthSummary(ctx context.Context) error {
	var findings []string
	grids, orders := 0, 0
	for _, inst := range m.instances() {
		for _, g := range inst.Grids() {
			grids++
			orders += len(g.ActiveOrders)
			for id, o := range g.ActiveOrders {
				if o.FailedFollowup {
					findings = append(findings, fmt.Sprintf(
						"%s %s order %s filled but follow-up failed", inst.Cohort().Name, g.Symbol, id))
				}
			}
		}
	}
	m.log.Info().Int("grids", grids).Int("orders", orders).
		Int("failed_followups", len(findings)).Msg("grid health summary")
	if len(findings) > 0 {
		m.alert("%d grid levels need a manual follow-up:\n%s",
			len(findings), strings.Join(findings, "\n"))
	}
	return nil
}

// StaleDetection flags grids whose newest order and last fill are both older
// than the staleness window.
func (m *Monitor) StaleDetection(ctx context.Context) error {
	cutoff := m.now().Add(-staleAfter)
	var findings []string
	for _, inst := range m.instances() {
		for _, g := range inst.Grids() {
			if len(g.ActiveOrders) == 0 {
				continue
			}
			newest := g.LastFill
			for _, o := range g.ActiveOrders {
				if o.CreatedAt.After(newest) {
					newest = o.CreatedAt
				}
			}
			if newest.Before(cutoff) {
				findings = append(findings, fmt.Sprintf(
					"%s %s no grid activity since %s",
					inst.Cohort().Name, g.Symbol, newest.Format(time.RFC3339)))
			}
		}
	}
	if len(findings) > 0 {
		m.alert("Stale grids detected:\n%s", strings.Join(findings, "\n"))
	}
	return nil
}

// TierHealthCheck is opt-in: allocation drift beyond 5 percentage points,
// cash reserve under 3 percent, or a tier with no trades in 24 hours.
func (m *Monitor) TierHealthCheck(ctx context.Context) error {
	if !m.opts.EnableTierHealth || m.opts.Tiers == nil {
		return nil
	}
	tiers, err := m.opts.Tiers.TierStatus(ctx)
	if err != nil {
		return fmt.Errorf("tier status: %w", err)
	}
	var findings []string
	for _, t := range tiers {
		drift := t.ActualAllocationPct - t.TargetAllocationPct
		if drift < 0 {
			drift = -drift
		}
		if drift > tierDriftPct {
			findings = append(findings, fmt.Sprintf(
				"tier %s allocation drifted %.1fpp from target", t.Name, drift))
		}
		if t.CashPct < tierCashFloorPct {
			findings = append(findings, fmt.Sprintf(
				"tier %s cash reserve at %.1f%%", t.Name, t.CashPct))
		}
		if t.TradesLast24h == 0 {
			findings = append(findings, fmt.Sprintf("tier %s had no trades in 24h", t.Name))
		}
	}
	if len(findings) > 0 {
		m.alert("Tier health check:\n%s", strings.Join(findings, "\n"))
	}
	return nil
}

// DiscoveryHealthCheck watches the coin discovery pipeline: a run overdue by
// 48 hours, a degenerate approval rate over a meaningful sample, or added
// coins that never traded through their first week.
func (m *Monitor) DiscoveryHealthCheck(ctx context.Context) error {
	if m.opts.Discovery == nil {
		return nil
	}
	var findings []string

	last, err := m.opts.Discovery.LastRun(ctx)
	if err != nil {
		return fmt.Errorf("discovery last run: %w", err)
	}
	if last.IsZero() || m.now().Sub(last) > discoveryStaleAge {
		findings = append(findings, fmt.Sprintf(
			"discovery has not completed since %s", last.Format(time.RFC3339)))
	}

	total, approved, err := m.opts.Discovery.ApprovalStats(ctx)
	if err != nil {
		return fmt.Errorf("discovery approval stats: %w", err)
	}
	if total >= approvalMinSample && (approved == 0 || approved == total) {
		findings = append(findings, fmt.Sprintf(
			"discovery approval rate degenerate: %d/%d approved", approved, total))
	}

	idle, err := m.opts.Discovery.IdleAdditions(ctx, m.now().Add(-additionGracePeriod))
	if err != nil {
		return fmt.Errorf("discovery idle additions: %w", err)
	}
	if len(idle) > 0 {
		findings = append(findings, fmt.Sprintf(
			"coins added over a week ago with zero trades: %s", strings.Join(idle, ", ")))
	}

	if len(findings) > 0 {
		m.alert("Discovery health check:\n%s", strings.Join(findings, "\n"))
	}
	return nil
}
