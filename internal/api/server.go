// Package api exposes the read-side HTTP surface: portfolio reports,
// on-demand PnL, health, metrics, and the websocket feed.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/portfolio-analytics/internal/backpressure"
	"github.com/Aidin1998/portfolio-analytics/internal/pnl"
	"github.com/Aidin1998/portfolio-analytics/internal/reporting"
	"github.com/Aidin1998/portfolio-analytics/internal/ws"
)

type Server struct {
	logger    *zap.Logger
	reports   *reporting.Service
	pnl       *pnl.Engine
	hub       *ws.Hub
	guard     *backpressure.Guard
	db        *gorm.DB
	redis     *redis.Client
	httpServe *http.Server
}

func NewServer(addr string, logger *zap.Logger, reports *reporting.Service, pnlEngine *pnl.Engine, hub *ws.Hub, guard *backpressure.Guard, db *gorm.DB, redisClient *redis.Client) *Server {
	s := &Server{
		logger:  logger,
		reports: reports,
		pnl:     pnlEngine,
		hub:     hub,
		guard:   guard,
		db:      db,
		redis:   redisClient,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.Default())

	s.routes(router)

	s.httpServe = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) routes(router *gin.Engine) {
	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", gin.WrapH(s.hub))

	v1 := router.Group("/api/v1")
	{
		portfolios := v1.Group("/portfolios/:id")
		portfolios.GET("/positions", s.positions)
		portfolios.GET("/valuations", s.valuations)
		portfolios.GET("/unrealized-pnl", s.unrealizedPnl)
		portfolios.GET("/sectors", s.sectors)
		portfolios.GET("/dead-letters", s.deadLetters)
	}
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServe.Addr))
	if err := s.httpServe.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServe.Shutdown(ctx)
}
