// Package api serves the read-only status surface: health, cohort
// comparison, per-cohort hybrid state, cycle history, and Prometheus
// metrics. It never mutates trading state.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cohort-grid-bot/internal/cohort"
	"cohort-grid-bot/internal/cycle"
	"cohort-grid-bot/internal/hybrid"
	"cohort-grid-bot/internal/logging"
)

// Instance is the orchestrator surface the API reads.
type Instance interface {
	Cohort() cohort.Cohort
	StateSnapshot() hybrid.State
	Grids() []hybrid.GridState
}

// Deps are the read sources behind the endpoints. Cycles may be nil when the
// bot runs without a database; the cycle endpoints then return 503.
type Deps struct {
	Cohorts   *cohort.Manager
	Cycles    cycle.Store
	Instances func() []Instance
}

// Server is the HTTP status server.
type Server struct {
	deps    Deps
	logger  *logging.Logger
	started time.Time
	http    *http.Server
}

// NewServer builds the server on the given port.
func NewServer(port int, deps Deps, logger *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		deps:    deps,
		logger:  logger.WithComponent("api"),
		started: time.Now(),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/cohorts", s.handleCohorts)
		v1.GET("/cohorts/:name/state", s.handleCohortState)
		v1.GET("/cohorts/:name/grids", s.handleCohortGrids)
		v1.GET("/cohorts/:name/cycles", s.handleCycles)
	}

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleCohorts(c *gin.Context) {
	rows, err := s.deps.Cohorts.Comparison(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cohorts": rows})
}

// findInstance resolves a cohort name to its live orchestrator.
func (s *Server) findInstance(name string) (Instance, bool) {
	if s.deps.Instances == nil {
		return nil, false
	}
	for _, inst := range s.deps.Instances() {
		if inst.Cohort().Name == name {
			return inst, true
		}
	}
	return nil, false
}

func (s *Server) handleCohortState(c *gin.Context) {
	inst, ok := s.findInstance(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown cohort"})
		return
	}
	c.JSON(http.StatusOK, inst.StateSnapshot())
}

func (s *Server) handleCohortGrids(c *gin.Context) {
	inst, ok := s.findInstance(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown cohort"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"grids": inst.Grids()})
}

func (s *Server) handleCycles(c *gin.Context) {
	if s.deps.Cycles == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cycle ledger unavailable"})
		return
	}
	inst, ok := s.findInstance(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown cohort"})
		return
	}
	cycles, err := s.deps.Cycles.CompletedCycles(c.Request.Context(), inst.Cohort().ID, 20)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": cycles})
}
