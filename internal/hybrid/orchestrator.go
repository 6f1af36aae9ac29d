// Package hybrid runs one cohort's trading: a HOLD/GRID/CASH mode machine
// with hysteresis, a per-symbol grid engine, and trailing-stop holds. State
// survives restarts through per-cohort JSON files.
package hybrid

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"cohort-grid-bot/internal/cohort"
	"cohort-grid-bot/internal/logging"
	"cohort-grid-bot/internal/regime"
	"cohort-grid-bot/internal/signal"
	"cohort-grid-bot/internal/sizing"
	"cohort-grid-bot/internal/venue"
)

// FeatureSource supplies fresh feature bundles for signal and regime
// computation, and the candidate universe for allocation.
type FeatureSource interface {
	MarketFeatures(ctx context.Context, symbol string) (*signal.MarketFeatures, error)
	RegimeFeatures(ctx context.Context) (regime.Features, error)
	Candidates(ctx context.Context) ([]string, error)
}

// SignalSource scores a feature bundle. *signal.Analyzer satisfies this.
type SignalSource interface {
	Analyze(ctx context.Context, f *signal.MarketFeatures, cohortID, regime string) *signal.Breakdown
}

// RegimeSource classifies regime features. *regime.Detector satisfies this.
type RegimeSource interface {
	Detect(f regime.Features) *regime.State
}

// Notifier dispatches operator alerts.
type Notifier interface {
	Send(text string, force bool)
}

// Orchestrator is one cohort's trading loop body. A single mutex serializes
// ticks and fill handling; cross-cohort ordering is unconstrained.
type Orchestrator struct {
	mu       sync.Mutex
	cohort   cohort.Cohort
	cfg      Config
	venue    venue.Client
	features FeatureSource
	signals  SignalSource
	regimes  RegimeSource
	sizer    *sizing.Sizer
	notifier Notifier
	state    *State
	grids    map[string]*GridState
	logger   *logging.Logger
	now      func() time.Time
}

// NewOrchestrator builds one instance and restores any persisted state.
func NewOrchestrator(
	c cohort.Cohort,
	cfg Config,
	client venue.Client,
	features FeatureSource,
	signals SignalSource,
	regimes RegimeSource,
	sizer *sizing.Sizer,
	notifier Notifier,
	logger *logging.Logger,
) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("hybrid config for cohort %s: %w", c.Name, err)
	}

	o := &Orchestrator{
		cohort:   c,
		cfg:      cfg,
		venue:    client,
		features: features,
		signals:  signals,
		regimes:  regimes,
		sizer:    sizer,
		notifier: notifier,
		grids:    make(map[string]*GridState),
		logger:   logger.WithComponent("hybrid").WithField("cohort", c.Name),
		now:      time.Now,
	}

	st, err := LoadHybridState(cfg.StateDir, c.Name)
	if err != nil {
		return nil, fmt.Errorf("loading hybrid state: %w", err)
	}
	if st == nil {
		st = &State{
			Mode:          cfg.InitialMode,
			ModeEnteredAt: o.now(),
			Symbols:       make(map[string]*SymbolState),
		}
	}
	o.state = st

	grids, err := ListGridStates(cfg.StateDir, c.Name)
	if err != nil {
		return nil, fmt.Errorf("loading grid states: %w", err)
	}
	for _, g := range grids {
		o.grids[g.Symbol] = g
	}
	return o, nil
}

// Cohort returns the cohort this instance trades.
func (o *Orchestrator) Cohort() cohort.Cohort { return o.cohort }

// Mode returns the current operating mode.
func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Mode
}

// Tick runs one full cycle: regime, mode transition, fills, signals, sizing,
// grid and hold maintenance, persistence.
func (o *Orchestrator) Tick(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	rf, err := o.features.RegimeFeatures(ctx)
	if err != nil {
		return fmt.Errorf("regime features: %w", err)
	}
	st := o.regimes.Detect(rf)
	o.state.LastRegime = string(st.Current)

	o.pollFills(ctx)

	if next, ok := o.evaluateTransition(st); ok {
		o.transition(ctx, next, st)
	}

	if err := o.maintainSymbols(ctx, st); err != nil {
		o.logger.Warn("symbol maintenance incomplete", "error", err)
	}

	return o.persist()
}

// evaluateTransition applies the mode table under the hysteresis predicate:
// regime probability, regime duration, and mode cooldown must all clear, and
// switching must be enabled.
func (o *Orchestrator) evaluateTransition(st *regime.State) (Mode, bool) {
	if !o.cfg.EnableModeSwitching {
		return "", false
	}
	confirmed := st.Probability >= o.cfg.MinRegimeProbability &&
		st.DurationDays >= o.cfg.MinRegimeDurationDays
	inMode := o.now().Sub(o.state.ModeEnteredAt)
	cooled := inMode >= time.Duration(o.cfg.ModeCooldownHours*float64(time.Hour))

	var next Mode
	switch o.state.Mode {
	case ModeHold:
		if confirmed && st.Current == regime.Bear {
			next = ModeCash
		} else if confirmed && (st.Current == regime.Bull || st.Current == regime.Sideways) {
			next = ModeGrid
		}
	case ModeGrid:
		if confirmed && st.Current == regime.Bear {
			next = ModeCash
		} else if o.gridsEmpty() && confirmed && st.Current == regime.Bull {
			// All fills closed and an extended uptrend: ride it.
			next = ModeHold
		}
	case ModeCash:
		if confirmed && (st.Current == regime.Bull || st.Current == regime.Sideways) {
			next = ModeGrid
		} else if inMode >= time.Duration(o.cfg.CashExitTimeoutHours*float64(time.Hour)) {
			next = ModeHold
		}
	}

	if next == "" || next == o.state.Mode || !cooled {
		return "", false
	}
	return next, true
}

// transition executes mode-change side effects and restamps the cooldown
// clock.
func (o *Orchestrator) transition(ctx context.Context, next Mode, st *regime.State) {
	prev := o.state.Mode
	o.logger.Info("mode transition",
		"from", string(prev), "to", string(next),
		"regime", string(st.Current), "probability", st.Probability,
		"regime_days", st.DurationDays)

	switch next {
	case ModeCash:
		for _, g := range o.grids {
			o.closeGrid(ctx, g)
		}
		for _, ss := range o.state.Symbols {
			ss.Mode = ModeCash
			ss.HighWaterMark = 0
		}
	case ModeGrid:
		if len(o.state.Symbols) == 0 {
			if err := o.scanAndAllocateLocked(ctx); err != nil {
				o.logger.Warn("allocation on grid entry failed", "error", err)
			}
		}
		for symbol, ss := range o.state.Symbols {
			ss.Mode = ModeGrid
			ss.HighWaterMark = 0
			o.ensureGrid(ctx, symbol, ss)
		}
	case ModeHold:
		for symbol, ss := range o.state.Symbols {
			ss.Mode = ModeHold
			if price, err := o.venue.GetCurrentPrice(ctx, symbol); err == nil {
				ss.HighWaterMark = price
				ss.EntryPrice = price
			}
		}
	}

	o.state.Mode = next
	o.state.ModeEnteredAt = o.now()
	o.notifier.Send(fmt.Sprintf("[%s] mode %s -> %s (regime %s p=%.2f)",
		o.cohort.Name, prev, next, st.Current, st.Probability), true)
}

// maintainSymbols runs the per-symbol loop: signal, trade gate, sizing with
// correlation damping, then grid or hold maintenance. Failures on one symbol
// do not stop the others.
func (o *Orchestrator) maintainSymbols(ctx context.Context, st *regime.State) error {
	symbols := o.allocatedSymbols()
	var firstErr error
	for _, symbol := range symbols {
		ss := o.state.Symbols[symbol]
		if err := o.maintainSymbol(ctx, symbol, ss, st); err != nil {
			o.logger.Warn("symbol tick failed", "symbol", symbol, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (o *Orchestrator) maintainSymbol(ctx context.Context, symbol string, ss *SymbolState, st *regime.State) error {
	mf, err := o.features.MarketFeatures(ctx, symbol)
	if err != nil {
		return fmt.Errorf("features for %s: %w", symbol, err)
	}
	b := o.signals.Analyze(ctx, mf, o.cohort.ID, string(st.Current))

	confidence := math.Abs(b.FinalScore)
	if !o.cohort.ShouldTrade(confidence, mf.FearGreed) {
		o.logger.Debug("trade gate closed",
			"symbol", symbol, "confidence", confidence, "fear_greed", mf.FearGreed)
		return nil
	}

	result := o.sizer.Size(ctx, symbol, o.cfg.TotalInvestment, confidence, st.Current)
	size := o.sizer.AdjustForCorrelation(result.RecommendedSize, symbol, o.otherSymbols(symbol))
	if size < o.cfg.MinPositionUSD {
		o.logger.Info("position below floor, deallocating",
			"symbol", symbol, "size", size, "floor", o.cfg.MinPositionUSD)
		o.deallocate(ctx, symbol)
		return nil
	}
	if size < ss.AllocationUSD {
		ss.AllocationUSD = size
	}

	switch o.state.Mode {
	case ModeGrid:
		o.ensureGrid(ctx, symbol, ss)
	case ModeHold:
		return o.maintainHold(ctx, symbol, ss)
	}
	return nil
}

// ensureGrid opens the symbol's grid when none is resting.
func (o *Orchestrator) ensureGrid(ctx context.Context, symbol string, ss *SymbolState) {
	if g, ok := o.grids[symbol]; ok && len(g.ActiveOrders) > 0 {
		return
	}
	price, err := o.venue.GetCurrentPrice(ctx, symbol)
	if err != nil {
		o.logger.Warn("anchor price unavailable", "symbol", symbol, "error", err)
		return
	}
	g, err := o.openGrid(ctx, symbol, ss.AllocationUSD, price)
	if err != nil {
		o.logger.Warn("grid open failed", "symbol", symbol, "error", err)
		return
	}
	o.grids[symbol] = g
	ss.Mode = ModeGrid
}

// maintainHold tracks the high-water mark and exits on the trailing stop.
func (o *Orchestrator) maintainHold(ctx context.Context, symbol string, ss *SymbolState) error {
	price, err := o.venue.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("price for %s: %w", symbol, err)
	}
	if price > ss.HighWaterMark {
		ss.HighWaterMark = price
		return nil
	}
	if ss.HighWaterMark == 0 {
		ss.HighWaterMark = price
		return nil
	}
	drawdown := (ss.HighWaterMark - price) / ss.HighWaterMark
	if drawdown >= o.cfg.HoldTrailingStopPct {
		o.logger.Info("trailing stop hit",
			"symbol", symbol, "hwm", ss.HighWaterMark,
			"price", price, "drawdown", drawdown)
		o.notifier.Send(fmt.Sprintf("[%s] trailing stop exit %s at %.2f (%.1f%% off peak)",
			o.cohort.Name, symbol, price, drawdown*100), true)
		o.deallocate(ctx, symbol)
	}
	return nil
}

// deallocate closes the symbol's grid and removes it from the allocation.
func (o *Orchestrator) deallocate(ctx context.Context, symbol string) {
	if g, ok := o.grids[symbol]; ok {
		o.closeGrid(ctx, g)
		if err := SaveGridState(o.cfg.StateDir, o.cohort.Name, g); err != nil {
			o.logger.Error("grid state persist failed", "symbol", symbol, "error", err)
		}
		delete(o.grids, symbol)
	}
	delete(o.state.Symbols, symbol)
}

// ScanAndAllocate ranks candidates by composite signal and partitions the
// total investment greedily up to MaxSymbols. Runs at startup and on mode
// changes.
func (o *Orchestrator) ScanAndAllocate(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.scanAndAllocateLocked(ctx); err != nil {
		return err
	}
	return o.persist()
}

func (o *Orchestrator) scanAndAllocateLocked(ctx context.Context) error {
	candidates, err := o.features.Candidates(ctx)
	if err != nil {
		return fmt.Errorf("listing candidates: %w", err)
	}

	type scored struct {
		symbol string
		score  float64
	}
	var ranked []scored
	for _, symbol := range candidates {
		mf, err := o.features.MarketFeatures(ctx, symbol)
		if err != nil {
			o.logger.Warn("candidate skipped", "symbol", symbol, "error", err)
			continue
		}
		b := o.signals.Analyze(ctx, mf, o.cohort.ID, o.state.LastRegime)
		if b.FinalScore <= 0 {
			continue
		}
		ranked = append(ranked, scored{symbol, b.FinalScore})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	n := len(ranked)
	if n > o.cfg.MaxSymbols {
		n = o.cfg.MaxSymbols
	}
	if n == 0 {
		o.logger.Info("no candidates cleared the scan")
		return nil
	}

	perSymbol := o.cfg.TotalInvestment / float64(n)
	for perSymbol < o.cfg.MinPositionUSD && n > 1 {
		n--
		perSymbol = o.cfg.TotalInvestment / float64(n)
	}

	o.state.Symbols = make(map[string]*SymbolState, n)
	for _, s := range ranked[:n] {
		o.state.Symbols[s.symbol] = &SymbolState{
			AllocationUSD: perSymbol,
			Mode:          o.state.Mode,
		}
	}
	o.logger.Info("allocation complete",
		"symbols", n, "per_symbol_usd", perSymbol)
	return nil
}

// SaveState persists the hybrid state and every grid. Used at shutdown.
func (o *Orchestrator) SaveState() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.persist()
}

// persist writes the hybrid state plus all grids via write-and-rename.
// Callers hold o.mu.
func (o *Orchestrator) persist() error {
	if err := SaveHybridState(o.cfg.StateDir, o.cohort.Name, o.state); err != nil {
		return fmt.Errorf("persisting hybrid state: %w", err)
	}
	for _, g := range o.grids {
		if err := SaveGridState(o.cfg.StateDir, o.cohort.Name, g); err != nil {
			return fmt.Errorf("persisting grid %s: %w", g.Symbol, err)
		}
	}
	return nil
}

// allocatedSymbols returns a stable-ordered symbol list.
func (o *Orchestrator) allocatedSymbols() []string {
	out := make([]string, 0, len(o.state.Symbols))
	for s := range o.state.Symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (o *Orchestrator) otherSymbols(symbol string) []string {
	var out []string
	for s := range o.state.Symbols {
		if s != symbol {
			out = append(out, s)
		}
	}
	return out
}

// Grids exposes a snapshot of the grid map for monitoring.
func (o *Orchestrator) Grids() []GridState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]GridState, 0, len(o.grids))
	for _, g := range o.grids {
		out = append(out, *g)
	}
	return out
}

// StateSnapshot returns a copy of the hybrid state for monitoring.
func (o *Orchestrator) StateSnapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := State{
		Mode:          o.state.Mode,
		ModeEnteredAt: o.state.ModeEnteredAt,
		LastRegime:    o.state.LastRegime,
		Symbols:       make(map[string]*SymbolState, len(o.state.Symbols)),
	}
	for s, ss := range o.state.Symbols {
		cp := *ss
		snap.Symbols[s] = &cp
	}
	return snap
}
