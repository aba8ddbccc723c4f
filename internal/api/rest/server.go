package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenTestStand/internal/api/websocket"
	"github.com/KevinKickass/OpenTestStand/internal/auth"
	"github.com/KevinKickass/OpenTestStand/internal/config"
	"github.com/KevinKickass/OpenTestStand/internal/interfaces"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
	metrics     http.Handler
}

// NewServer builds the router. metricsHandler may be nil.
func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService, metricsHandler http.Handler) *Server {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
		metrics:     metricsHandler,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server fails or is shut down. A regular
// shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("rest server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH ENDPOINTS (PUBLIC) ====================
		v1.POST("/auth/login", s.login)

		authed := v1.Group("")
		authed.Use(s.authService.AuthMiddleware())

		authed.GET("/auth/me", s.getCurrentUser)

		// ==================== SYSTEM ====================
		system := authed.Group("/system")
		{
			system.GET("/status", auth.RequirePermission(auth.PermView), s.getSystemStatus)
			system.POST("/shutdown", auth.RequirePermission(auth.PermAdmin), s.shutdown)
		}

		// ==================== STAND STATE (OBSERVER+) ====================
		view := authed.Group("")
		view.Use(auth.RequirePermission(auth.PermView))
		{
			view.GET("/snapshot", s.getSnapshot)
			view.GET("/telemetry/history", s.getHistory)
			view.GET("/log", s.getLog)
			view.GET("/valves", s.listValves)
			view.GET("/motors", s.listMotors)
			view.GET("/sequences", s.listSequences)
			view.GET("/recording", s.getRecording)
			view.GET("/connection", s.getConnection)
			view.GET("/ports", s.listPorts)
			view.GET("/archive/runs", s.listArchivedRuns)
			view.GET("/archive/commands", s.listArchivedCommands)
		}

		// ==================== STAND CONTROL (OPERATOR+) ====================
		control := authed.Group("")
		control.Use(auth.RequirePermission(auth.PermCommand))
		{
			control.PUT("/valves/:id", s.setValve)
			control.PUT("/motors/:name", s.setMotorAngle)
			control.POST("/commands", s.sendCommand)
			control.POST("/sequences/:name/start", s.startSequence)
			control.POST("/estop", s.emergencyStop)
			control.POST("/recording/start", s.startRecording)
			control.POST("/recording/stop", s.stopRecording)
			control.POST("/connection/connect", s.connect)
			control.POST("/connection/disconnect", s.disconnect)
		}

		// ==================== WEBSOCKET (PUBLIC - Auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.authService.AuthMiddleware(), auth.RequirePermission(auth.PermView), s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"connected": s.lm.Engine().Connected(),
		"timestamp": time.Now().Unix(),
	})
}
