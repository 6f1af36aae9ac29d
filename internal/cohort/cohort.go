// Package cohort holds the cohort catalog: parallel strategy configurations
// compared against each other, including a frozen baseline.
package cohort

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cohort-grid-bot/internal/logging"
)

// RiskTolerance buckets a cohort's appetite.
type RiskTolerance string

const (
	RiskLow    RiskTolerance = "low"
	RiskMedium RiskTolerance = "medium"
	RiskHigh   RiskTolerance = "high"
)

// Config is a cohort's strategy parameters.
type Config struct {
	GridRangePct  float64       `json:"grid_range_pct"` // 1..30
	MinConfidence float64       `json:"min_confidence"` // 0..1
	MinFearGreed  int           `json:"min_fear_greed"` // 0..100
	MaxFearGreed  int           `json:"max_fear_greed"` // 0..100
	UsePlaybook   bool          `json:"use_playbook"`
	RiskTolerance RiskTolerance `json:"risk_tolerance"`
	Frozen        bool          `json:"frozen"`
}

// Validate checks the config ranges.
func (c *Config) Validate() error {
	if c.GridRangePct < 1 || c.GridRangePct > 30 {
		return fmt.Errorf("grid_range_pct %f outside [1, 30]", c.GridRangePct)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min_confidence %f outside [0, 1]", c.MinConfidence)
	}
	if c.MinFearGreed < 0 || c.MaxFearGreed > 100 || c.MinFearGreed > c.MaxFearGreed {
		return fmt.Errorf("fear/greed window [%d, %d] invalid", c.MinFearGreed, c.MaxFearGreed)
	}
	return nil
}

// Cohort is one strategy cohort.
type Cohort struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Config          Config    `json:"config"`
	StartingCapital float64   `json:"starting_capital"`
	CurrentCapital  float64   `json:"current_capital"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
}

// ShouldTrade is the sole trade gate: the cohort is active, confidence clears
// the floor, and fear/greed sits inside the cohort's window.
func (c *Cohort) ShouldTrade(confidence float64, fearGreed int) bool {
	return c.IsActive &&
		confidence >= c.Config.MinConfidence &&
		fearGreed >= c.Config.MinFearGreed &&
		fearGreed <= c.Config.MaxFearGreed
}

// ComparisonRow is one line of the cross-cohort comparison.
type ComparisonRow struct {
	CohortID        string  `json:"cohort_id"`
	Name            string  `json:"name"`
	StartingCapital float64 `json:"starting_capital"`
	CurrentCapital  float64 `json:"current_capital"`
	ReturnPct       float64 `json:"return_pct"`
	CompletedCycles int     `json:"completed_cycles"`
	TotalTrades     int     `json:"total_trades"`
	WinRate         float64 `json:"win_rate"`
}

// Store is the cohort persistence surface. UpdateCapital must be
// transactional.
type Store interface {
	LoadCohorts(ctx context.Context) ([]Cohort, error)
	SaveCohort(ctx context.Context, c *Cohort) error
	UpdateCapital(ctx context.Context, cohortID string, capital float64) error
	CohortComparison(ctx context.Context) ([]ComparisonRow, error)
}

// Manager caches the catalog in memory and writes through to the store. With
// no reachable store it serves the default catalog.
type Manager struct {
	mu      sync.RWMutex
	store   Store
	cohorts map[string]*Cohort
	logger  *logging.Logger
}

// NewManager loads the catalog, falling back to the defaults when the store
// is missing or empty.
func NewManager(ctx context.Context, store Store, logger *logging.Logger) *Manager {
	m := &Manager{
		store:   store,
		cohorts: make(map[string]*Cohort),
		logger:  logger.WithComponent("cohort"),
	}

	var loaded []Cohort
	if store != nil {
		var err error
		loaded, err = store.LoadCohorts(ctx)
		if err != nil {
			m.logger.Warn("cohort load failed, using default catalog", "error", err)
		}
	}
	if len(loaded) == 0 {
		loaded = DefaultCohorts()
		if store != nil {
			for i := range loaded {
				if err := store.SaveCohort(ctx, &loaded[i]); err != nil {
					m.logger.Warn("seeding default cohort failed", "cohort", loaded[i].Name, "error", err)
				}
			}
		}
	}
	for i := range loaded {
		c := loaded[i]
		m.cohorts[c.ID] = &c
	}
	m.logger.Info("cohort catalog loaded", "count", len(m.cohorts))
	return m
}

// DefaultCohorts is the built-in catalog: three live strategies plus the
// frozen baseline.
func DefaultCohorts() []Cohort {
	now := time.Now().UTC()
	mk := func(name, desc string, cfg Config) Cohort {
		return Cohort{
			ID:              uuid.NewString(),
			Name:            name,
			Description:     desc,
			Config:          cfg,
			StartingCapital: 1000,
			CurrentCapital:  1000,
			IsActive:        true,
			CreatedAt:       now,
		}
	}
	return []Cohort{
		mk("conservative", "tight grid, high conviction only", Config{
			GridRangePct: 2, MinConfidence: 0.7, MinFearGreed: 0, MaxFearGreed: 100,
			RiskTolerance: RiskLow,
		}),
		mk("balanced", "mid grid with playbook guidance", Config{
			GridRangePct: 5, MinConfidence: 0.5, MinFearGreed: 0, MaxFearGreed: 100,
			UsePlaybook: true, RiskTolerance: RiskMedium,
		}),
		mk("aggressive", "wide grid, low conviction floor", Config{
			GridRangePct: 8, MinConfidence: 0.3, MinFearGreed: 0, MaxFearGreed: 100,
			RiskTolerance: RiskHigh,
		}),
		mk("baseline", "frozen control group", Config{
			GridRangePct: 5, MinConfidence: 0.5, MinFearGreed: 0, MaxFearGreed: 100,
			RiskTolerance: RiskMedium, Frozen: true,
		}),
	}
}

// Get returns one cohort by id.
func (m *Manager) Get(id string) (*Cohort, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cohorts[id]
	if !ok {
		return nil, false
	}
	cc := *c
	return &cc, true
}

// ByName returns one cohort by name.
func (m *Manager) ByName(name string) (*Cohort, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.cohorts {
		if c.Name == name {
			cc := *c
			return &cc, true
		}
	}
	return nil, false
}

// Active lists active cohorts, name-sorted for stable iteration.
func (m *Manager) Active() []Cohort {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Cohort
	for _, c := range m.cohorts {
		if c.IsActive {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UpdateCapital writes a cohort's current capital through to the store.
// Frozen cohorts reject mutation.
func (m *Manager) UpdateCapital(ctx context.Context, cohortID string, capital float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cohorts[cohortID]
	if !ok {
		return fmt.Errorf("unknown cohort %s", cohortID)
	}
	if c.Config.Frozen {
		return fmt.Errorf("cohort %s is frozen", c.Name)
	}
	if m.store != nil {
		if err := m.store.UpdateCapital(ctx, cohortID, capital); err != nil {
			return fmt.Errorf("persisting capital: %w", err)
		}
	}
	c.CurrentCapital = capital
	return nil
}

// Comparison builds the cross-cohort view. With a store it reads the
// comparison view; otherwise it derives rows from the in-memory catalog.
func (m *Manager) Comparison(ctx context.Context) ([]ComparisonRow, error) {
	if m.store != nil {
		rows, err := m.store.CohortComparison(ctx)
		if err == nil {
			return rows, nil
		}
		m.logger.Warn("comparison view unavailable, deriving locally", "error", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []ComparisonRow
	for _, c := range m.cohorts {
		ret := 0.0
		if c.StartingCapital > 0 {
			ret = (c.CurrentCapital - c.StartingCapital) / c.StartingCapital * 100
		}
		rows = append(rows, ComparisonRow{
			CohortID:        c.ID,
			Name:            c.Name,
			StartingCapital: c.StartingCapital,
			CurrentCapital:  c.CurrentCapital,
			ReturnPct:       ret,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ReturnPct > rows[j].ReturnPct })
	return rows, nil
}
