package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cohort-grid-bot/internal/cohort"
	"cohort-grid-bot/internal/hybrid"
	"cohort-grid-bot/internal/logging"
	"cohort-grid-bot/internal/regime"
	"cohort-grid-bot/internal/signal"
	"cohort-grid-bot/internal/sizing"
	"cohort-grid-bot/internal/venue"
)

// ==================== FAKES ====================

type fakeFeatures struct {
	regimeErr error
}

func (f *fakeFeatures) MarketFeatures(ctx context.Context, symbol string) (*signal.MarketFeatures, error) {
	return &signal.MarketFeatures{Symbol: symbol, FearGreed: 50}, nil
}

func (f *fakeFeatures) RegimeFeatures(ctx context.Context) (regime.Features, error) {
	return regime.Features{}, f.regimeErr
}

func (f *fakeFeatures) Candidates(ctx context.Context) ([]string, error) {
	return []string{"BTCUSDT"}, nil
}

type fakeSignals struct{}

func (f *fakeSignals) Analyze(ctx context.Context, mf *signal.MarketFeatures, cohortID, reg string) *signal.Breakdown {
	return &signal.Breakdown{Symbol: mf.Symbol, FinalScore: 0.6}
}

type fakeRegimes struct{}

func (f *fakeRegimes) Detect(rf regime.Features) *regime.State {
	return &regime.State{Current: regime.Sideways, Probability: 0.8, DurationDays: 5}
}

type fakeNotifier struct{}

func (f *fakeNotifier) Send(text string, force bool) {}

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
}

func testFactory(t *testing.T, features hybrid.FeatureSource) Factory {
	t.Helper()
	stateDir := t.TempDir()
	mock := venue.NewMockClient()
	mock.SetPrice("BTCUSDT", 50000)
	sizer := sizing.NewSizer(mock, nil, sizing.Config{}, testLogger())
	return func(c cohort.Cohort) (*hybrid.Orchestrator, error) {
		return hybrid.NewOrchestrator(c, hybrid.Config{
			TotalInvestment: 1000,
			StateDir:        stateDir,
		}, mock, features, &fakeSignals{}, &fakeRegimes{}, sizer, &fakeNotifier{}, testLogger())
	}
}

func newSupervisor(t *testing.T, features hybrid.FeatureSource) *Supervisor {
	t.Helper()
	cohorts := cohort.NewManager(context.Background(), nil, testLogger())
	hb := filepath.Join(t.TempDir(), "data", "heartbeat")
	s := New(cohorts, testFactory(t, features), hb, testLogger())
	s.tickInterval = time.Millisecond
	s.backoffUnit = time.Millisecond
	return s
}

// ==================== TESTS ====================

func TestInitializeBuildsAllCohorts(t *testing.T) {
	s := newSupervisor(t, &fakeFeatures{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(s.Instances()); got != 4 {
		t.Errorf("instances = %d, want 4 default cohorts", got)
	}
}

func TestInitializeFailsWithNoCohorts(t *testing.T) {
	cohorts := cohort.NewManager(context.Background(), nil, testLogger())
	s := New(cohorts, func(c cohort.Cohort) (*hybrid.Orchestrator, error) {
		return nil, errors.New("boom")
	}, "", testLogger())
	if err := s.Initialize(context.Background()); err == nil {
		t.Fatal("initialize should fail when every cohort fails to build")
	}
}

func TestTickTouchesHeartbeat(t *testing.T) {
	s := newSupervisor(t, &fakeFeatures{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(s.heartbeatPath)
	if err != nil {
		t.Fatalf("heartbeat file missing: %v", err)
	}
	first := info.ModTime()

	s.now = func() time.Time { return first.Add(time.Minute) }
	if err := s.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	info, _ = os.Stat(s.heartbeatPath)
	if !info.ModTime().After(first) {
		t.Error("heartbeat mtime not advanced on second tick")
	}
}

func TestTickIsolatesPartialFailures(t *testing.T) {
	s := newSupervisor(t, &fakeFeatures{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Per-cohort failures surface as a tick error only when all fail; with
	// healthy instances the tick succeeds.
	if err := s.Tick(context.Background()); err != nil {
		t.Errorf("healthy tick failed: %v", err)
	}
}

func TestTickFailsWhenAllCohortsFail(t *testing.T) {
	s := newSupervisor(t, &fakeFeatures{regimeErr: errors.New("feed down")})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Tick(context.Background()); err == nil {
		t.Fatal("tick should fail when every cohort fails")
	}
}

func TestRunTripsAfterErrorBudget(t *testing.T) {
	s := newSupervisor(t, &fakeFeatures{regimeErr: errors.New("feed down")})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrTooManyFailures) {
			t.Errorf("run returned %v, want ErrTooManyFailures", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not trip within the deadline")
	}
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	s := newSupervisor(t, &fakeFeatures{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("clean shutdown returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop on cancellation")
	}
}

func TestFillPumpDispatches(t *testing.T) {
	s := newSupervisor(t, &fakeFeatures{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	fills := make(chan venue.Fill)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunFillPump(ctx, fills)
		close(done)
	}()

	// Unknown fills are ignored without panicking.
	fills <- venue.Fill{OrderID: "nope", Symbol: "BTCUSDT"}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fill pump did not stop on cancellation")
	}
}
