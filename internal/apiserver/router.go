// Package apiserver is the gin-based inspection REST API: read-only views
// over the Manager's Registry/Dispatcher/StreamProxy, plus the few
// administrative actions (eviction, cancellation) the core itself leaves to
// an outside policy layer.
package apiserver

import (
	"net/http"

	"github.com/artemis/device-manager/internal/config"
	"github.com/artemis/device-manager/internal/manager"
	"github.com/artemis/device-manager/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Server is the HTTP inspection API. It holds references into the Manager's
// components but never mutates their state beyond the administrative
// endpoints named in the design notes.
type Server struct {
	mgr    *manager.Manager
	health *observability.HealthChecker
	logger *observability.Logger
	cfg    *config.Config
	router *gin.Engine
}

// NewServer builds the router and registers every route.
func NewServer(cfg *config.Config, mgr *manager.Manager, health *observability.HealthChecker, logger *observability.Logger) *Server {
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{mgr: mgr, health: health, logger: logger, cfg: cfg}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())

	r.GET("/health", s.health.HealthHandler())
	r.GET("/ready", s.health.ReadyHandler())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.Use(s.adminAuthMiddleware())
	{
		api.GET("/workers", s.ListWorkers)
		api.GET("/workers/:id", s.GetWorker)
		api.DELETE("/workers/:id", s.EvictWorker)

		api.GET("/jobs", s.ListJobs)
		api.GET("/jobs/:id", s.GetJob)
		api.POST("/jobs/:id/cancel", s.CancelJob)

		api.GET("/streams", s.ListStreams)
		api.GET("/streams/:deviceId", s.GetStream)
	}

	s.router = r
}

// adminAuthMiddleware gates /api under a bearer-compared, bcrypt-hashed admin
// token when cfg.AdminTokenHash is set; an empty hash disables admin auth
// entirely, matching the config table's "empty disables admin auth" rule.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminTokenHash == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token := auth[len(prefix):]

		if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminTokenHash), []byte(token)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/ready" || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		c.Next()
		s.logger.InfoRedacted("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
		)
	}
}

// Start runs the router on cfg.HTTPAddr. Blocks until the server exits.
func (s *Server) Start() error {
	s.logger.Info("starting inspection api", zap.String("addr", s.cfg.HTTPAddr))
	return s.router.Run(s.cfg.HTTPAddr)
}

// GetRouter returns the gin engine, for tests that want to drive it directly.
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
