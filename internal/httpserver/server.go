// Package httpserver serves the subset of the SFD REST and event-stream API
// that sfdwatch consumes, backed by the local detection archive.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinytelemetry/sfdwatch/internal/metrics"
	"github.com/tinytelemetry/sfdwatch/internal/model"
)

const (
	defaultAddr           = "127.0.0.1:8089"
	defaultReplayInterval = time.Second
	defaultRecentLimit    = 500
)

// Archive is the narrow store contract required by the replay server.
type Archive interface {
	RecordsUpTo(day time.Time, limit int) ([]model.DetectionRecord, error)
	Oldest(limit int) ([]model.DetectionRecord, error)
	Get(id int64) (model.DetectionRecord, bool, error)
	Count() (int64, error)
}

// Config configures a Server.
type Config struct {
	Addr string
	// ReplayInterval is the pause between replayed stream events.
	ReplayInterval time.Duration
	// Event is the SSE event name used for replayed detections.
	Event string
	// RecentLimit caps the /records/recent response.
	RecentLimit int
	// Location interprets the date query parameter. Nil means time.Local.
	Location *time.Location
}

// Server replays archived detections over HTTP.
type Server struct {
	cfg       Config
	archive   Archive
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	streams atomic.Int64

	mu     sync.Mutex
	tokens map[string]string // refresh -> access
}

// NewServer creates a replay server over archive.
func NewServer(cfg Config, archive Archive) *Server {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.ReplayInterval <= 0 {
		cfg.ReplayInterval = defaultReplayInterval
	}
	if cfg.Event == "" {
		cfg.Event = model.DefaultStreamEvent
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = defaultRecentLimit
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		archive:   archive,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		tokens:    make(map[string]string),
	}
}

// Handler returns the routed gin engine.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/auth/login", s.handleLogin)
	r.POST("/auth/refresh", s.handleRefresh)
	r.GET("/user/info", s.handleUserInfo)

	r.GET("/records/recent", s.handleRecent)
	r.GET("/defectAllData", s.handleDefectAllData)
	r.GET("/getImg/:id", s.handleImage)
	r.GET("/session/connect", s.handleConnect)
	r.GET("/session/disconnect", s.handleDisconnect)

	r.GET("/api/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// Addr returns the bound listen address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Stop ends open streams and gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}
	c.JSON(http.StatusOK, s.issueTokens())
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refreshToken" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refreshToken is required"})
		return
	}

	s.mu.Lock()
	_, ok := s.tokens[req.RefreshToken]
	if ok {
		delete(s.tokens, req.RefreshToken)
	}
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown refresh token"})
		return
	}
	c.JSON(http.StatusOK, s.issueTokens())
}

func (s *Server) issueTokens() gin.H {
	access, refresh := uuid.NewString(), uuid.NewString()
	s.mu.Lock()
	s.tokens[refresh] = access
	s.mu.Unlock()
	return gin.H{"accessToken": access, "refreshToken": refresh}
}

func (s *Server) handleUserInfo(c *gin.Context) {
	c.JSON(http.StatusOK, model.User{
		Email:    "replay@sfdwatch.local",
		Name:     "Replay",
		Nickname: "replay",
		Domain:   "replay",
	})
}

func (s *Server) handleRecent(c *gin.Context) {
	day := time.Now().In(s.cfg.Location)
	if q := c.Query("date"); q != "" {
		parsed, err := time.ParseInLocation("2006-01-02", q, s.cfg.Location)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		day = parsed
	}

	records, err := s.archive.RecordsUpTo(day, s.cfg.RecentLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read archive"})
		return
	}

	out := make([]currentRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, toCurrent(rec))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleDefectAllData(c *gin.Context) {
	records, err := s.archive.Oldest(s.cfg.RecentLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read archive"})
		return
	}

	out := make([]legacyRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, toLegacy(rec))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleImage(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	rec, ok, err := s.archive.Get(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read archive"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such detection"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"object_url":   rec.ImageURL,
		"completed_at": rec.DetectedAt.Format(time.RFC3339),
	})
}

// handleConnect replays the archive oldest first, one event per interval,
// then holds the stream open until the client or the server goes away.
func (s *Server) handleConnect(c *gin.Context) {
	records, err := s.archive.Oldest(0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read archive"})
		return
	}

	s.streams.Add(1)
	defer s.streams.Add(-1)

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	ticker := time.NewTicker(s.cfg.ReplayInterval)
	defer ticker.Stop()

	for _, rec := range records {
		payload, err := encodeCurrent(rec)
		if err != nil {
			continue
		}
		err = sse.Encode(c.Writer, sse.Event{
			Id:    strconv.FormatInt(rec.ID, 10),
			Event: s.cfg.Event,
			Data:  string(payload),
		})
		if err != nil {
			return
		}
		c.Writer.Flush()
		metrics.ReplayEvents.Inc()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}

	<-ctx.Done()
}

func (s *Server) handleDisconnect(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

func (s *Server) handleHealth(c *gin.Context) {
	count, err := s.archive.Count()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read health metrics"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"uptime":       time.Since(s.startTime).String(),
		"record_count": count,
		"streams":      s.streams.Load(),
	})
}
