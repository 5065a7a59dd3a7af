package fakebackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/abelbrown/ddwatch/internal/api"
	"github.com/abelbrown/ddwatch/internal/clock"
	"github.com/abelbrown/ddwatch/internal/pipeline"
)

// Config configures a Server.
type Config struct {
	BasePath    string // route prefix, e.g. "/api/dd"
	Token       string // required bearer token; empty disables auth
	StepPercent int    // pass progress added per Step; default 25
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Server is the simulated backend.
type Server struct {
	cfg    Config
	state  *state
	broker *broker
	engine *gin.Engine
	log    *slog.Logger
}

// New creates a Server with no projects.
func New(cfg Config) *Server {
	if cfg.StepPercent <= 0 {
		cfg.StepPercent = 25
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		cfg:    cfg,
		state:  newState(cfg.Clock),
		broker: newBroker(),
		log:    cfg.Logger,
	}
	s.engine = s.router()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Seed adds a project with n organised documents, the first unreadable of
// which failed the readability check.
func (s *Server) Seed(ddID string, n, unreadable int) {
	s.state.seed(ddID, n, unreadable)
}

// Step advances every processing run once.
func (s *Server) Step() {
	s.state.step(s.cfg.StepPercent, s.broker)
}

// Run calls Step every interval until ctx is done.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Step()
		}
	}
}

// Fail marks a run failed with msg.
func (s *Server) Fail(runID, msg string) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	r := s.state.runs[runID]
	if r == nil {
		return fmt.Errorf("run %s not found", runID)
	}
	r.status = pipeline.StatusFailed
	r.lastError = msg
	r.lastUpdated = s.state.clock.Now()
	return nil
}

// Stall stops a processing run from advancing without changing its
// status, so it reads as stuck once last_updated ages.
func (s *Server) Stall(runID string) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	r := s.state.runs[runID]
	if r == nil {
		return fmt.Errorf("run %s not found", runID)
	}
	r.stalled = true
	return nil
}

// Subscribers reports how many stream clients are connected for ddID.
func (s *Server) Subscribers(ddID string) int {
	return s.broker.subscribers(ddID)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("fake backend listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog(), s.auth())

	g := r.Group(s.cfg.BasePath)
	g.GET("/progress", s.handleProgress)
	g.GET("/organisation-progress", s.handleOrganisation)
	g.GET("/documents", s.handleDocuments)
	g.GET("/findings-stream", s.handleStream)
	g.POST("/runs", s.handleCreateRun)
	g.POST("/process-start", s.handleStart)
	g.POST("/process-pause", s.handlePause)
	g.POST("/process-cancel", s.handleCancel)
	g.POST("/process-restart", s.handleRestart)
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"query", c.Request.URL.RawQuery,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Token == "" {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if got != s.cfg.Token {
			fail(c, http.StatusUnauthorized, "Not authenticated")
			return
		}
		c.Next()
	}
}

// fail writes a FastAPI-style error body.
func fail(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

func (s *Server) handleProgress(c *gin.Context) {
	runID, ddID := c.Query("run_id"), c.Query("dd_id")
	if runID == "" && ddID == "" {
		fail(c, http.StatusBadRequest, "run_id or dd_id is required")
		return
	}
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	r := s.state.lookup(runID, ddID)
	if r == nil {
		fail(c, http.StatusNotFound, "No processing run found")
		return
	}
	c.JSON(http.StatusOK, s.state.wireProgress(r))
}

func (s *Server) handleOrganisation(c *gin.Context) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	p := s.state.projects[c.Query("dd_id")]
	if p == nil {
		fail(c, http.StatusNotFound, "Project not found")
		return
	}
	c.JSON(http.StatusOK, p.org)
}

func (s *Server) handleDocuments(c *gin.Context) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	p := s.state.projects[c.Query("dd_id")]
	if p == nil {
		fail(c, http.StatusNotFound, "Project not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": p.docs})
}

type createRunBody struct {
	DDID                string   `json:"dd_id"`
	SelectedDocumentIDs []string `json:"selected_document_ids"`
}

func (s *Server) handleCreateRun(c *gin.Context) {
	var body createRunBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	p := s.state.projects[body.DDID]
	if p == nil {
		fail(c, http.StatusNotFound, "Project not found")
		return
	}
	if len(body.SelectedDocumentIDs) == 0 {
		fail(c, http.StatusBadRequest, "No documents selected")
		return
	}
	s.state.nextRun++
	r := &run{
		id:     uuid.NewString(),
		name:   fmt.Sprintf("Run %d", s.state.nextRun),
		ddID:   p.ddID,
		docIDs: append([]string(nil), body.SelectedDocumentIDs...),
		status: pipeline.StatusPending,
	}
	s.state.runs[r.id] = r
	p.lastRun = r.id
	c.JSON(http.StatusCreated, api.RunRef{ID: r.id, Name: r.name})
}

func (s *Server) handleStart(c *gin.Context) {
	var req api.StartRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	r := s.state.runs[c.Query("run_id")]
	if r == nil {
		fail(c, http.StatusNotFound, "Run not found")
		return
	}
	if busy := s.state.busyRun(r.ddID); busy != nil {
		fail(c, http.StatusConflict, "A processing run is already active for this project")
		return
	}
	if r.status != pipeline.StatusPending {
		fail(c, http.StatusConflict, "Run has already been started")
		return
	}
	now := s.state.clock.Now()
	r.status = pipeline.StatusProcessing
	r.started = now
	r.lastUpdated = now
	r.checkpoint = "ckpt-" + r.id[:8]
	s.state.projects[r.ddID].activeRun = r.id
	s.log.Info("run started", "run_id", r.id, "model_tier", req.ModelTier, "include_tier3", req.IncludeTier3)

	c.JSON(http.StatusOK, api.StartResult{
		Status:         "started",
		RunID:          r.id,
		CheckpointID:   r.checkpoint,
		TotalDocuments: len(r.docIDs),
	})
}

func (s *Server) handlePause(c *gin.Context) {
	action := c.Query("action")
	if action != "pause" && action != "resume" {
		fail(c, http.StatusBadRequest, "action must be pause or resume")
		return
	}
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	r := s.state.runs[c.Query("run_id")]
	if r == nil {
		fail(c, http.StatusNotFound, "Run not found")
		return
	}
	from, to := pipeline.StatusProcessing, pipeline.StatusPaused
	if action == "resume" {
		from, to = to, from
	}
	if r.status != from {
		fail(c, http.StatusConflict, fmt.Sprintf("Cannot %s a run that is %s", action, r.status))
		return
	}
	r.status = to
	r.lastUpdated = s.state.clock.Now()
	c.JSON(http.StatusOK, gin.H{"status": string(to), "run_id": r.id})
}

func (s *Server) handleCancel(c *gin.Context) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	r := s.state.lookup(c.Query("run_id"), c.Query("dd_id"))
	if r == nil {
		fail(c, http.StatusNotFound, "No processing run found")
		return
	}
	if r.status.Terminal() {
		fail(c, http.StatusConflict, fmt.Sprintf("Run is already %s", r.status))
		return
	}
	r.status = pipeline.StatusCancelled
	r.lastError = "Cancelled by user"
	r.lastUpdated = s.state.clock.Now()
	c.JSON(http.StatusOK, gin.H{"status": string(r.status), "run_id": r.id})
}

func (s *Server) handleRestart(c *gin.Context) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	r := s.state.runs[c.Query("run_id")]
	if r == nil || r.checkpoint == "" {
		fail(c, http.StatusNotFound, "No checkpoint found for this run")
		return
	}
	if r.status == pipeline.StatusCompleted || r.status == pipeline.StatusCancelled {
		fail(c, http.StatusConflict, fmt.Sprintf("Run is already %s", r.status))
		return
	}
	r.status = pipeline.StatusProcessing
	r.stalled = false
	r.lastError = ""
	r.retries++
	r.lastUpdated = s.state.clock.Now()

	done := len(r.docIDs) * r.progress / 100
	c.JSON(http.StatusOK, gin.H{
		"status": "restarted",
		"progress": gin.H{
			"current_pass":        string(pipeline.Passes[r.pass]),
			"documents_processed": done,
			"total_documents":     len(r.docIDs),
		},
	})
}
