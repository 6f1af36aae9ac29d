package main

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"cohort-grid-bot/internal/api"
	"cohort-grid-bot/internal/bayes"
	"cohort-grid-bot/internal/cohort"
	"cohort-grid-bot/internal/cycle"
	"cohort-grid-bot/internal/hybrid"
	"cohort-grid-bot/internal/logging"
	"cohort-grid-bot/internal/market"
	"cohort-grid-bot/internal/monitor"
	"cohort-grid-bot/internal/regime"
	"cohort-grid-bot/internal/signal"
	"cohort-grid-bot/internal/store"
	"cohort-grid-bot/internal/supervisor"
	"cohort-grid-bot/internal/venue"
)

// telemetryRetention bounds the regime, market, and calculation snapshot
// tables.
const telemetryRetention = 90 * 24 * time.Hour

type analyzerWeights = signal.WeightSource

// newAnalyzer keeps the scoring import out of main, whose signal identifier
// is os/signal.
func newAnalyzer(weights analyzerWeights, logger *logging.Logger) *signal.Analyzer {
	return signal.NewAnalyzer(weights, logger)
}

// uniformWeights serves the prior vector when no database is configured, so
// signal scoring works identically in store-less runs.
type uniformWeights struct{}

func (uniformWeights) Weights(ctx context.Context, cohortID, reg string) *bayes.Weights {
	return bayes.UniformPrior(cohortID, reg)
}

// teeFills forwards every execution report unchanged while writing it to the
// trade ledger. Attribution scans each cohort's resting orders before the
// orchestrators consume the fill.
func teeFills(ctx context.Context, in <-chan venue.Fill, pg *store.Postgres, sup *supervisor.Supervisor, fearGreed *market.FearGreedClient) <-chan venue.Fill {
	out := make(chan venue.Fill, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case fill, ok := <-in:
				if !ok {
					return
				}
				if pg != nil {
					recordFill(ctx, pg, sup, fearGreed, fill)
				}
				select {
				case out <- fill:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func recordFill(ctx context.Context, pg *store.Postgres, sup *supervisor.Supervisor, fearGreed *market.FearGreedClient, fill venue.Fill) {
	for _, inst := range sup.Instances() {
		if !ownsOrder(inst.Grids(), fill.OrderID) {
			continue
		}
		fc := store.FillContext{
			Regime:    regime.Regime(inst.StateSnapshot().LastRegime),
			FearGreed: float64(fearGreed.Current(ctx)),
		}
		if err := pg.Trades().RecordFill(ctx, inst.Cohort().ID, fill, fc); err != nil {
			logging.Error("fill ledger write failed",
				"cohort", inst.Cohort().Name, "order_id", fill.OrderID, "error", err)
		}
		return
	}
	logging.Warn("fill without owning cohort", "order_id", fill.OrderID)
}

func ownsOrder(grids []hybrid.GridState, orderID string) bool {
	for _, g := range grids {
		if _, ok := g.ActiveOrders[orderID]; ok {
			return true
		}
	}
	return false
}

// scheduleJobs registers the persistence-backed background work: daily cycle
// rollover and telemetry pruning, weekly weight learning and regime refits.
func scheduleJobs(ctx context.Context, sched *cron.Cron, cohorts *cohort.Manager, cycles *cycle.Manager, learner *bayes.Learner, detectors map[string]*regime.Detector, pg *store.Postgres, logger *logging.Logger) {
	sched.AddFunc("5 0 * * *", func() {
		rolloverCycles(ctx, cohorts, cycles, logger)
		if err := pg.Snapshots().Prune(ctx, telemetryRetention); err != nil {
			logger.Error("telemetry prune failed", "error", err)
		}
	})
	sched.AddFunc("15 0 * * 1", func() {
		regimes := make([]string, 0, len(regime.Regimes))
		for _, r := range regime.Regimes {
			regimes = append(regimes, string(r))
		}
		learner.WeeklyBatch(ctx, regimes)
		for id, det := range detectors {
			det.WeeklyUpdate()
			logger.Info("regime model refreshed", "cohort_id", id)
		}
	})
}

// rolloverCycles closes any cycle that has run its length and opens the next
// one at the cohort's current capital. A close failure keeps the cycle open
// for the next pass instead of opening a second one on top of it.
func rolloverCycles(ctx context.Context, cohorts *cohort.Manager, cycles *cycle.Manager, logger *logging.Logger) {
	for _, c := range cohorts.Active() {
		due, err := cycles.ShouldStartNewCycle(ctx, c.ID)
		if err != nil {
			logger.Error("cycle rollover check failed", "cohort", c.Name, "error", err)
			continue
		}
		if !due {
			continue
		}

		closed, err := cycles.CloseCycle(ctx, c.ID)
		switch {
		case errors.Is(err, cycle.ErrNoActiveCycle):
			// First rollover for this cohort; nothing to close.
		case err != nil:
			logger.Error("cycle close failed", "cohort", c.Name, "error", err)
			continue
		case c.Config.Frozen:
			// Frozen cohorts keep their catalog capital.
		default:
			if uerr := cohorts.UpdateCapital(ctx, c.ID, closed.EndingCapital); uerr != nil {
				logger.Error("capital update failed", "cohort", c.Name, "error", uerr)
			}
		}

		cur, _ := cohorts.Get(c.ID)
		capital := c.CurrentCapital
		if cur != nil {
			capital = cur.CurrentCapital
		}
		if _, err := cycles.StartCycle(ctx, c.ID, capital); err != nil {
			logger.Error("cycle start failed", "cohort", c.Name, "error", err)
		}
	}
}

func monitorInstances(sup *supervisor.Supervisor) func() []monitor.Instance {
	return func() []monitor.Instance {
		insts := sup.Instances()
		out := make([]monitor.Instance, len(insts))
		for i, inst := range insts {
			out[i] = inst
		}
		return out
	}
}

func apiInstances(sup *supervisor.Supervisor) func() []api.Instance {
	return func() []api.Instance {
		insts := sup.Instances()
		out := make([]api.Instance, len(insts))
		for i, inst := range insts {
			out[i] = inst
		}
		return out
	}
}
