// Package api serves the engine status, Prometheus metrics and the remote
// stop/restart commands over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"gridbot/internal/control"
	"gridbot/internal/database"
	"gridbot/internal/grid"
	"gridbot/internal/status"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultFillsLimit = 50
	maxFillsLimit     = 500
)

// Engine is the part of the grid engine the server needs
type Engine interface {
	Status() status.Payload
	Submit(cmd control.Command) error
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Host           string
	Port           int
	ProductionMode bool
	AllowOrigins   []string
	JWTSecret      string
	// ControlRate is the number of control requests allowed per minute
	ControlRate int
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig
	engine     Engine
	journal    database.Journal
	instanceID string
	metrics    http.Handler
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// Deps are the optional collaborators of the server
type Deps struct {
	Engine     Engine
	Journal    database.Journal
	Metrics    http.Handler
	InstanceID string
	Logger     zerolog.Logger
}

// NewServer creates the router and registers the routes
func NewServer(config ServerConfig, deps Deps) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	perMinute := config.ControlRate
	if perMinute <= 0 {
		perMinute = 10
	}

	s := &Server{
		router:     router,
		config:     config,
		engine:     deps.Engine,
		journal:    deps.Journal,
		instanceID: deps.InstanceID,
		metrics:    deps.Metrics,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		logger:     deps.Logger.With().Str("component", "api").Logger(),
	}
	router.Use(s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/fills", s.handleFills)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}

	ctl := s.router.Group("/control")
	if s.config.JWTSecret != "" {
		ctl.Use(JWTMiddleware([]byte(s.config.JWTSecret)))
	} else {
		s.logger.Warn().Msg("api.jwt_secret is empty, control endpoints are unauthenticated")
	}
	ctl.Use(s.rateLimitMiddleware())
	ctl.POST("/stop", s.handleCommand(control.CommandStop))
	ctl.POST("/restart", s.handleCommand(control.CommandRestart))
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			errorResponse(c, http.StatusTooManyRequests, "too many control requests")
			c.Abort()
			return
		}
		c.Next()
	}
}

// Start listens until Shutdown is called
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleHealth reports 200 while the engine trades or waits, 503 once it
// halted or is on its way out
func (s *Server) handleHealth(c *gin.Context) {
	if s.engine == nil {
		errorResponse(c, http.StatusServiceUnavailable, "engine not attached")
		return
	}
	p := s.engine.Status()
	code := http.StatusOK
	switch p.Health.State {
	case status.StateHalted, status.StateExiting, status.StateStopped:
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":       p.Health.State,
		"instance_id":  p.InstanceID,
		"stream_ready": p.Health.StreamReady,
		"timestamp":    time.Now().UTC(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.engine == nil {
		errorResponse(c, http.StatusServiceUnavailable, "engine not attached")
		return
	}
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) handleFills(c *gin.Context) {
	if s.journal == nil {
		errorResponse(c, http.StatusNotFound, "journal disabled")
		return
	}
	limit := defaultFillsLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errorResponse(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxFillsLimit)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	fills, err := s.journal.RecentFills(ctx, s.instanceID, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read fills")
		errorResponse(c, http.StatusInternalServerError, "failed to read fills")
		return
	}
	successResponse(c, fills)
}

func (s *Server) handleCommand(cmd control.Command) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.engine == nil {
			errorResponse(c, http.StatusServiceUnavailable, "engine not attached")
			return
		}
		if err := s.engine.Submit(cmd); err != nil {
			if errors.Is(err, grid.ErrCommandQueueFull) {
				errorResponse(c, http.StatusServiceUnavailable, err.Error())
				return
			}
			errorResponse(c, http.StatusInternalServerError, err.Error())
			return
		}
		s.logger.Info().
			Str("command", string(cmd)).
			Str("subject", c.GetString(ContextKeySubject)).
			Msg("Remote command accepted")
		c.JSON(http.StatusAccepted, gin.H{
			"success": true,
			"command": string(cmd),
		})
	}
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
