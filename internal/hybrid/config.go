package hybrid

import "fmt"

// Defaults for the mode machine and grid engine.
const (
	DefaultMinRegimeProbability  = 0.75
	DefaultMinRegimeDurationDays = 2.0
	DefaultModeCooldownHours     = 24.0
	DefaultHoldTrailingStopPct   = 0.07
	DefaultCashExitTimeoutHours  = 72.0
	DefaultMinPositionUSD        = 10.0
	DefaultNumGrids              = 10
	DefaultMaxSymbols            = 3

	// MinNotionalUSD is the exchange floor per grid level.
	MinNotionalUSD = 5.0
)

// Config tunes one cohort's orchestrator.
type Config struct {
	InitialMode           Mode    `json:"initial_mode"`
	EnableModeSwitching   bool    `json:"enable_mode_switching"`
	MinRegimeProbability  float64 `json:"min_regime_probability"`
	MinRegimeDurationDays float64 `json:"min_regime_duration_days"`
	ModeCooldownHours     float64 `json:"mode_cooldown_hours"`
	HoldTrailingStopPct   float64 `json:"hold_trailing_stop_pct"`
	CashExitTimeoutHours  float64 `json:"cash_exit_timeout_hours"`
	TotalInvestment       float64 `json:"total_investment"`
	MaxSymbols            int     `json:"max_symbols"`
	MinPositionUSD        float64 `json:"min_position_usd"`
	NumGrids              int     `json:"num_grids"`
	StateDir              string  `json:"state_dir"`
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if c.InitialMode == "" {
		c.InitialMode = ModeGrid
	}
	if c.MinRegimeProbability == 0 {
		c.MinRegimeProbability = DefaultMinRegimeProbability
	}
	if c.MinRegimeDurationDays == 0 {
		c.MinRegimeDurationDays = DefaultMinRegimeDurationDays
	}
	if c.ModeCooldownHours == 0 {
		c.ModeCooldownHours = DefaultModeCooldownHours
	}
	if c.HoldTrailingStopPct == 0 {
		c.HoldTrailingStopPct = DefaultHoldTrailingStopPct
	}
	if c.CashExitTimeoutHours == 0 {
		c.CashExitTimeoutHours = DefaultCashExitTimeoutHours
	}
	if c.MaxSymbols == 0 {
		c.MaxSymbols = DefaultMaxSymbols
	}
	if c.MinPositionUSD == 0 {
		c.MinPositionUSD = DefaultMinPositionUSD
	}
	if c.NumGrids == 0 {
		c.NumGrids = DefaultNumGrids
	}
	if c.StateDir == "" {
		c.StateDir = "."
	}
	return c
}

// Validate rejects configs the orchestrator cannot run with.
func (c Config) Validate() error {
	switch c.InitialMode {
	case ModeHold, ModeGrid, ModeCash, "":
	default:
		return fmt.Errorf("initial_mode %q invalid", c.InitialMode)
	}
	if c.MinRegimeProbability < 0 || c.MinRegimeProbability > 1 {
		return fmt.Errorf("min_regime_probability %f outside [0, 1]", c.MinRegimeProbability)
	}
	if c.TotalInvestment <= 0 {
		return fmt.Errorf("total_investment must be positive, got %f", c.TotalInvestment)
	}
	if c.MaxSymbols < 0 {
		return fmt.Errorf("max_symbols must be non-negative, got %d", c.MaxSymbols)
	}
	if c.NumGrids < 0 || c.NumGrids%2 != 0 {
		if c.NumGrids != 0 {
			return fmt.Errorf("num_grids must be even, got %d", c.NumGrids)
		}
	}
	if c.HoldTrailingStopPct < 0 || c.HoldTrailingStopPct > 1 {
		return fmt.Errorf("hold_trailing_stop_pct %f outside [0, 1]", c.HoldTrailingStopPct)
	}
	return nil
}
