// Package web exposes the read-only operations surface: health checks
// and scheduler introspection over HTTP. There is no management API, the
// job registry is owned by code.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"dsched/internal/history"
	"dsched/internal/scheduler"
	"dsched/internal/shared"
)

const (
	healthCheckTimeout = 2 * time.Second
	defaultRunsLimit   = 20
	maxRunsLimit       = 200
	defaultStatsWindow = 24 * time.Hour
)

// Scheduler is the read-only slice of the core the endpoints need.
type Scheduler interface {
	State() scheduler.State
	Jobs() []scheduler.JobInfo
	Job(id string) (scheduler.JobInfo, error)
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HistoryStore serves the run-journal endpoints. history.Store satisfies
// it.
type HistoryStore interface {
	Recent(ctx context.Context, jobID string, limit int) ([]history.Record, error)
	CountsSince(ctx context.Context, since time.Time) (map[string]history.Counts, error)
	Ping(ctx context.Context) error
}

// Options wire the server to the rest of the process. LockStore and
// History are optional: a nil LockStore drops its health check, a nil
// History drops the journal endpoints entirely.
type Options struct {
	Addr      string
	Scheduler Scheduler
	LockStore Pinger
	History   HistoryStore
}

// Server is the ops HTTP server.
type Server struct {
	logger *slog.Logger
	sched  Scheduler
	lock   Pinger
	hist   HistoryStore

	engine *gin.Engine
	srv    *http.Server
}

// New builds the server and its route tree.
func New(logger *slog.Logger, opts Options) *Server {
	s := &Server{
		logger: logger.With("component", "web"),
		sched:  opts.Scheduler,
		lock:   opts.LockStore,
		hist:   opts.History,
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/jobs", s.handleJobs)
	r.GET("/jobs/:id", s.handleJob)
	if s.hist != nil {
		r.GET("/jobs/:id/runs", s.handleJobRuns)
		r.GET("/stats", s.handleStats)
	}

	s.engine = r
	s.srv = &http.Server{Addr: opts.Addr, Handler: r}
	return s
}

// Handler returns the route tree. Tests serve it directly.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until Shutdown. A closed-server error is not reported.
func (s *Server) Start() error {
	s.logger.Info("ops server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}

	if s.lock != nil {
		if err := s.lock.Ping(ctx); err != nil {
			checks["lock_store"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks["lock_store"] = "ok"
		}
	}
	if s.hist != nil {
		if err := s.hist.Ping(ctx); err != nil {
			checks["history"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks["history"] = "ok"
		}
	}

	state := s.sched.State()
	if state != scheduler.StateRunning {
		status = http.StatusServiceUnavailable
	}

	body := gin.H{
		"status":    "ok",
		"scheduler": state.String(),
		"checks":    checks,
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

func (s *Server) handleJobs(c *gin.Context) {
	infos := s.sched.Jobs()
	views := make([]jobView, 0, len(infos))
	for _, info := range infos {
		views = append(views, newJobView(info))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": views, "count": len(views)})
}

func (s *Server) handleJob(c *gin.Context) {
	info, err := s.sched.Job(c.Param("id"))
	if err != nil {
		if shared.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, newJobView(info))
}

func (s *Server) handleJobRuns(c *gin.Context) {
	limit := defaultRunsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > maxRunsLimit {
		limit = maxRunsLimit
	}

	jobID := c.Param("id")
	recs, err := s.hist.Recent(c.Request.Context(), jobID, limit)
	if err != nil {
		s.logger.Error("history read failed", "job", jobID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history read failed"})
		return
	}

	views := make([]runView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, newRunView(rec))
	}
	c.JSON(http.StatusOK, gin.H{"job": jobID, "runs": views, "count": len(views)})
}

func (s *Server) handleStats(c *gin.Context) {
	window := defaultStatsWindow
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window must be a positive duration"})
			return
		}
		window = d
	}

	since := time.Now().UTC().Add(-window)
	counts, err := s.hist.CountsSince(c.Request.Context(), since)
	if err != nil {
		s.logger.Error("history stats failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history read failed"})
		return
	}

	jobs := make(map[string]gin.H, len(counts))
	for jobID, cnt := range counts {
		jobs[jobID] = gin.H{
			"success": cnt.Success,
			"error":   cnt.Error,
			"skipped": cnt.Skipped,
			"total":   cnt.Total(),
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"window": window.String(),
		"since":  since,
		"jobs":   jobs,
	})
}

// jobView is the wire form of a registry snapshot entry.
type jobView struct {
	ID           string     `json:"id"`
	Schedule     string     `json:"schedule"`
	Distributed  bool       `json:"distributed"`
	Paused       bool       `json:"paused"`
	Running      int        `json:"running"`
	NextFire     *time.Time `json:"next_fire,omitempty"`
	LockTTL      string     `json:"lock_ttl,omitempty"`
	Coalesce     bool       `json:"coalesce"`
	MaxInstances int        `json:"max_instances"`
	MisfireGrace string     `json:"misfire_grace"`
}

func newJobView(info scheduler.JobInfo) jobView {
	v := jobView{
		ID:           info.ID,
		Schedule:     info.Schedule,
		Distributed:  info.Distributed,
		Paused:       info.Paused,
		Running:      info.Running,
		Coalesce:     info.Policy.Coalesce,
		MaxInstances: info.Policy.MaxInstances,
		MisfireGrace: info.Policy.MisfireGrace.String(),
	}
	if !info.NextFire.IsZero() {
		t := info.NextFire
		v.NextFire = &t
	}
	if info.Distributed {
		v.LockTTL = info.LockTTL.String()
	}
	return v
}

// runView is the wire form of a journal record.
type runView struct {
	EventID     string     `json:"event_id"`
	Outcome     string     `json:"outcome"`
	Error       string     `json:"error,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`
	RecordedAt  time.Time  `json:"recorded_at"`
}

func newRunView(rec history.Record) runView {
	v := runView{
		EventID:     rec.EventID,
		Outcome:     rec.Outcome,
		Error:       rec.Error,
		ScheduledAt: rec.ScheduledAt,
		RecordedAt:  rec.RecordedAt,
	}
	if !rec.StartedAt.IsZero() {
		t := rec.StartedAt
		v.StartedAt = &t
		v.Duration = rec.Duration.String()
	}
	return v
}
