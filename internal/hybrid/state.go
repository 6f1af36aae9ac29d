package hybrid

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Mode is the orchestrator's operating mode.
type Mode string

const (
	ModeHold Mode = "HOLD"
	ModeGrid Mode = "GRID"
	ModeCash Mode = "CASH"
)

// SymbolState is the per-symbol allocation record inside HybridState.
type SymbolState struct {
	AllocationUSD float64 `json:"allocation_usd"`
	Mode          Mode    `json:"mode"`
	HighWaterMark float64 `json:"hwm,omitempty"`
	EntryPrice    float64 `json:"entry_price,omitempty"`
}

// State is the persisted per-cohort orchestrator state.
type State struct {
	Mode          Mode                    `json:"mode"`
	ModeEnteredAt time.Time               `json:"mode_entered_at"`
	Symbols       map[string]*SymbolState `json:"symbols"`
	LastRegime    string                  `json:"last_regime,omitempty"`
}

// GridOrder is one resting grid level.
type GridOrder struct {
	Type           string    `json:"type"` // BUY or SELL
	Price          float64   `json:"price"`
	Quantity       float64   `json:"quantity"`
	CreatedAt      time.Time `json:"created_at"`
	FailedFollowup bool      `json:"failed_followup,omitempty"`
}

// GridBounds is the price range the grid covers.
type GridBounds struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// GridState is the persisted per-symbol grid.
type GridState struct {
	Symbol       string               `json:"symbol"`
	Timestamp    time.Time            `json:"timestamp"`
	ActiveOrders map[string]GridOrder `json:"active_orders"`
	Bounds       GridBounds           `json:"bounds"`
	LastFill     time.Time            `json:"last_fill,omitempty"`
}

func hybridStatePath(dir, cohortName string) string {
	return filepath.Join(dir, fmt.Sprintf("hybrid_state_%s.json", cohortName))
}

func gridStatePath(dir, symbol, cohortName string) string {
	return filepath.Join(dir, fmt.Sprintf("grid_state_%s_%s.json", symbol, cohortName))
}

// writeFileAtomic persists via write-and-rename so a crash never leaves a
// torn state file.
func writeFileAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming state: %w", err)
	}
	return nil
}

func readFileJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// SaveHybridState persists the orchestrator state for one cohort.
func SaveHybridState(dir, cohortName string, s *State) error {
	return writeFileAtomic(hybridStatePath(dir, cohortName), s)
}

// LoadHybridState loads a cohort's orchestrator state. A missing file returns
// (nil, nil).
func LoadHybridState(dir, cohortName string) (*State, error) {
	var s State
	if err := readFileJSON(hybridStatePath(dir, cohortName), &s); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if s.Symbols == nil {
		s.Symbols = make(map[string]*SymbolState)
	}
	return &s, nil
}

// SaveGridState persists one symbol's grid for one cohort.
func SaveGridState(dir, cohortName string, g *GridState) error {
	return writeFileAtomic(gridStatePath(dir, g.Symbol, cohortName), g)
}

// LoadGridState loads one symbol's grid. A missing file returns (nil, nil).
func LoadGridState(dir, symbol, cohortName string) (*GridState, error) {
	var g GridState
	if err := readFileJSON(gridStatePath(dir, symbol, cohortName), &g); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if g.ActiveOrders == nil {
		g.ActiveOrders = make(map[string]GridOrder)
	}
	return &g, nil
}

// ListGridStates loads every grid state for a cohort from the state dir.
func ListGridStates(dir, cohortName string) ([]*GridState, error) {
	pattern := filepath.Join(dir, fmt.Sprintf("grid_state_*_%s.json", cohortName))
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	var out []*GridState
	for _, p := range paths {
		var g GridState
		if err := readFileJSON(p, &g); err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		if g.ActiveOrders == nil {
			g.ActiveOrders = make(map[string]GridOrder)
		}
		out = append(out, &g)
	}
	return out, nil
}
