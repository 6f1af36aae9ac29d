// Package supervisor runs the top-level loop: one hybrid orchestrator per
// active cohort, ticked on a fixed interval with an error budget, a liveness
// heartbeat, and state persistence on shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"cohort-grid-bot/internal/cohort"
	"cohort-grid-bot/internal/hybrid"
	"cohort-grid-bot/internal/logging"
	"cohort-grid-bot/internal/venue"
)

const (
	// TickInterval is the supervisor loop period.
	TickInterval = 30 * time.Second

	// MaxConsecutiveErrors trips the supervisor.
	MaxConsecutiveErrors = 5

	// errorBackoffUnit scales the post-error sleep: 30s times the current
	// consecutive error count.
	errorBackoffUnit = 30 * time.Second
)

// ErrTooManyFailures is returned by Run when the error budget is exhausted.
// The process should exit with status 2.
var ErrTooManyFailures = errors.New("supervisor exceeded consecutive error budget")

var (
	tickCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supervisor_ticks_total",
		Help: "Completed supervisor ticks.",
	})
	tickErrorCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supervisor_tick_errors_total",
		Help: "Supervisor-level tick failures.",
	})
	cohortErrorCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supervisor_cohort_errors_total",
		Help: "Per-cohort tick failures.",
	}, []string{"cohort"})
	heartbeatGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "supervisor_heartbeat_timestamp_seconds",
		Help: "Unix time of the last completed tick.",
	})
)

// Factory builds one hybrid orchestrator for a cohort.
type Factory func(c cohort.Cohort) (*hybrid.Orchestrator, error)

// Supervisor owns N orchestrators and the main loop.
type Supervisor struct {
	cohorts       *cohort.Manager
	factory       Factory
	instances     []*hybrid.Orchestrator
	heartbeatPath string
	tickInterval  time.Duration
	backoffUnit   time.Duration
	logger        *logging.Logger
	now           func() time.Time
}

// New creates a supervisor. heartbeatPath is touched on every tick.
func New(cohorts *cohort.Manager, factory Factory, heartbeatPath string, logger *logging.Logger) *Supervisor {
	return &Supervisor{
		cohorts:       cohorts,
		factory:       factory,
		heartbeatPath: heartbeatPath,
		tickInterval:  TickInterval,
		backoffUnit:   errorBackoffUnit,
		logger:        logger.WithComponent("supervisor"),
		now:           time.Now,
	}
}

// Initialize builds one orchestrator per active cohort. At least one must
// come up.
func (s *Supervisor) Initialize(ctx context.Context) error {
	active := s.cohorts.Active()
	for _, c := range active {
		inst, err := s.factory(c)
		if err != nil {
			s.logger.Error("cohort initialization failed", "cohort", c.Name, "error", err)
			continue
		}
		s.instances = append(s.instances, inst)
	}
	if len(s.instances) == 0 {
		return fmt.Errorf("no cohort initialized out of %d active", len(active))
	}
	s.logger.Info("supervisor initialized",
		"cohorts", len(s.instances), "active", len(active))
	return nil
}

// InitialAllocation runs the startup symbol scan on every instance.
func (s *Supervisor) InitialAllocation(ctx context.Context) {
	for _, inst := range s.instances {
		if err := inst.ScanAndAllocate(ctx); err != nil {
			s.logger.Warn("initial allocation failed",
				"cohort", inst.Cohort().Name, "error", err)
		}
	}
}

// Tick fans out to every instance sequentially. Per-cohort failures are
// isolated; the tick itself fails only when every cohort failed.
func (s *Supervisor) Tick(ctx context.Context) error {
	failures := 0
	for _, inst := range s.instances {
		if err := inst.Tick(ctx); err != nil {
			failures++
			cohortErrorCounter.WithLabelValues(inst.Cohort().Name).Inc()
			s.logger.Error("cohort tick failed",
				"cohort", inst.Cohort().Name, "error", err)
		}
	}
	s.touchHeartbeat()
	tickCounter.Inc()
	heartbeatGauge.Set(float64(s.now().Unix()))

	if failures > 0 && failures == len(s.instances) {
		return fmt.Errorf("all %d cohorts failed this tick", failures)
	}
	return nil
}

// Run is the main loop. It drains the current tick on cancellation, persists
// all state, and returns nil for a clean shutdown or ErrTooManyFailures when
// the error budget is exhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	consecutive := 0
	for {
		if err := s.Tick(ctx); err != nil {
			consecutive++
			tickErrorCounter.Inc()
			s.logger.Error("supervisor tick failed",
				"consecutive_errors", consecutive, "error", err)
			if consecutive >= MaxConsecutiveErrors {
				s.SaveAll()
				return ErrTooManyFailures
			}
			if !s.sleep(ctx, time.Duration(consecutive)*s.backoffUnit) {
				s.SaveAll()
				return nil
			}
			continue
		}
		consecutive = 0
		if !s.sleep(ctx, s.tickInterval) {
			s.SaveAll()
			return nil
		}
	}
}

// RunFillPump dispatches execution reports to every instance; orchestrators
// ignore fills for orders they do not own.
func (s *Supervisor) RunFillPump(ctx context.Context, fills <-chan venue.Fill) {
	for {
		select {
		case <-ctx.Done():
			return
		case fill, ok := <-fills:
			if !ok {
				return
			}
			for _, inst := range s.instances {
				inst.OnFill(ctx, fill)
			}
		}
	}
}

// SaveAll persists every instance's state.
func (s *Supervisor) SaveAll() {
	for _, inst := range s.instances {
		if err := inst.SaveState(); err != nil {
			s.logger.Error("state persist failed",
				"cohort", inst.Cohort().Name, "error", err)
		}
	}
	s.logger.Info("all cohort state persisted", "cohorts", len(s.instances))
}

// Instances exposes the orchestrators for the status API and monitoring.
func (s *Supervisor) Instances() []*hybrid.Orchestrator {
	return s.instances
}

// sleep waits for d or cancellation; false means cancelled.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// touchHeartbeat updates the liveness file's mtime, creating it on first
// touch.
func (s *Supervisor) touchHeartbeat() {
	if s.heartbeatPath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.heartbeatPath), 0o755); err != nil {
		s.logger.Warn("heartbeat dir create failed", "error", err)
		return
	}
	now := s.now()
	if err := os.Chtimes(s.heartbeatPath, now, now); err != nil {
		if f, cerr := os.Create(s.heartbeatPath); cerr == nil {
			f.Close()
		} else {
			s.logger.Warn("heartbeat touch failed", "error", cerr)
		}
	}
}
