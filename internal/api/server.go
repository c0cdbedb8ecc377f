// Package api exposes the operational surface: agent status snapshots,
// transition and strategy-change history, manual transition requests,
// and a WebSocket stream of notifier events.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"trading-agent-scheduler/config"
	"trading-agent-scheduler/internal/auth"
	"trading-agent-scheduler/internal/cache"
	"trading-agent-scheduler/internal/controller"
	"trading-agent-scheduler/internal/events"
	"trading-agent-scheduler/internal/ledger"
	"trading-agent-scheduler/internal/lifecycle"
	"trading-agent-scheduler/internal/runner"
)

// TransitionLog serves persisted transition history: stopped agents,
// and events older than the controller's in-memory ring.
type TransitionLog interface {
	Transitions(ctx context.Context, agentID string, limit int) ([]controller.TransitionEvent, error)
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	runner      *runner.Runner
	manager     *lifecycle.Manager
	ledger      ledger.Ledger
	transitions TransitionLog
	snapshots   *cache.SnapshotCache
	hub         *WSHub
	hubCancel   context.CancelFunc
	jwtManager  *auth.JWTManager
	cfg         config.ServerConfig
	logger      zerolog.Logger
}

// NewServer wires the API over the running scheduler. transitions,
// snapshots, and jwtManager may be nil (no persisted history, no cache
// fallback, no auth).
func NewServer(cfg config.ServerConfig, r *runner.Runner, m *lifecycle.Manager, lg ledger.Ledger,
	transitions TransitionLog, snapshots *cache.SnapshotCache, jwtManager *auth.JWTManager,
	bus *events.Bus, logger zerolog.Logger) *Server {

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		runner:      r,
		manager:     m,
		ledger:      lg,
		transitions: transitions,
		snapshots:   snapshots,
		hub:         NewWSHub(logger),
		jwtManager:  jwtManager,
		cfg:         cfg,
		logger:      logger.With().Str("component", "api").Logger(),
	}

	s.router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	s.router.Use(cors.New(corsConfig))

	// UI subscribers receive mode and strategy changes over the hub.
	bus.SubscribeAll(s.hub.BroadcastEvent)

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.hub.HandleWebSocket)

	api := s.router.Group("/api")
	if s.jwtManager != nil {
		api.Use(auth.Middleware(s.jwtManager))
	}

	api.GET("/agents", s.handleListAgents)
	api.GET("/agents/:id/status", s.handleAgentStatus)
	api.GET("/agents/:id/transitions", s.handleAgentTransitions)
	api.GET("/agents/:id/strategy-changes", s.handleStrategyChanges)
	api.POST("/agents/:id/transition", s.handleManualTransition)
	api.GET("/scopes", s.handleActiveScopes)
}

// Start runs the hub and the HTTP server. Non-blocking.
func (s *Server) Start() error {
	hubCtx, cancel := context.WithCancel(context.Background())
	s.hubCancel = cancel
	go s.hub.Run(hubCtx)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http server error")
		}
	}()

	s.logger.Info().Int("port", s.cfg.Port).Msg("API server started")
	return nil
}

// Shutdown stops the hub and the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hubCancel != nil {
		s.hubCancel()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
