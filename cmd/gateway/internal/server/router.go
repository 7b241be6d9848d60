// Package server exposes the gateway over HTTP: the WebSocket upgrade plus
// health and stats endpoints.
package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/gateway"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/hub"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/repository"
)

const healthTimeout = 2 * time.Second

type Config struct {
	AllowedOrigins []string
	Client         gateway.Options
}

type Server struct {
	hub      *hub.Hub
	checkers map[string]repository.HealthChecker
	cfg      Config
	logger   *zap.Logger
}

func New(h *hub.Hub, checkers map[string]repository.HealthChecker, cfg Config, logger *zap.Logger) *Server {
	if checkers == nil {
		checkers = map[string]repository.HealthChecker{}
	}
	return &Server{hub: h, checkers: checkers, cfg: cfg, logger: logger}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	_ = r.SetTrustedProxies(nil)

	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     s.cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Upgrade", "Connection"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           24 * time.Hour,
		}))
	}

	r.GET("/ws", s.handleWS)
	r.GET("/healthz", s.handleHealth)
	r.GET("/stats", s.handleStats)
	return r
}

func (s *Server) handleWS(c *gin.Context) {
	conn, _, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
	if err != nil {
		s.logger.Debug("Upgrade failed", zap.String("remote", c.ClientIP()), zap.Error(err))
		return
	}

	client := gateway.NewClient(conn, s.hub, s.logger, s.cfg.Client)
	client.Start()
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checkers))
	for name := range s.checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := make(gin.H, len(names))
	for _, name := range names {
		if err := s.checkers[name].Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	select {
	case <-s.hub.Done():
		status = http.StatusServiceUnavailable
		checks["hub"] = "stopped"
	default:
		checks["hub"] = "ok"
	}

	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.hub.Stats()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
