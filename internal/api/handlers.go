package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func portfolioID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid portfolio id"})
		return uuid.Nil, false
	}
	return id, true
}

func limitParam(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return fallback
	}
	return limit
}

// health reports degraded (503) while ingestion is paused or a backing store
// is unreachable, so the load balancer stops routing here.
func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	checks := gin.H{
		"ingestion":  "running",
		"database":   "ok",
		"redis":      "ok",
		"ws_clients": s.hub.ClientCount(),
	}

	if s.guard.Paused() {
		checks["ingestion"] = "paused"
		status = http.StatusServiceUnavailable
	}
	if err := s.db.WithContext(c.Request.Context()).Exec("SELECT 1").Error; err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.redis.Ping(c.Request.Context()).Err(); err != nil {
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, checks)
}

func (s *Server) positions(c *gin.Context) {
	id, ok := portfolioID(c)
	if !ok {
		return
	}
	out, err := s.reports.Positions(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) valuations(c *gin.Context) {
	id, ok := portfolioID(c)
	if !ok {
		return
	}
	out, err := s.reports.Valuations(c.Request.Context(), id, limitParam(c, 0))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) unrealizedPnl(c *gin.Context) {
	id, ok := portfolioID(c)
	if !ok {
		return
	}
	out, err := s.pnl.Compute(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) sectors(c *gin.Context) {
	id, ok := portfolioID(c)
	if !ok {
		return
	}
	out, err := s.reports.SectorAllocations(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) deadLetters(c *gin.Context) {
	id, ok := portfolioID(c)
	if !ok {
		return
	}
	out, err := s.reports.DeadLetters(c.Request.Context(), id, limitParam(c, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}
