package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lamim/chapterforge/internal/apperror"
	"github.com/lamim/chapterforge/internal/cache"
	"github.com/lamim/chapterforge/internal/orchestrator"
	"github.com/lamim/chapterforge/pkg/models"
)

func (s *Server) registerRoutes() {
	r := s.router

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		gen := api.Group("/projects/:projectId/chapters/:chapterId/generate")
		gen.POST("", s.handleGenerate)
		gen.GET("/stream", s.handleStream)
		gen.POST("/stream", s.handleStream)

		api.POST("/chapters/:chapterId/cancel", s.handleCancel)

		api.GET("/cache/stats", s.handleCacheStats)
		api.POST("/cache/evict", s.handleCacheEvict)

		api.POST("/summaries/:scope/:targetId", s.handleSummarize)
		api.GET("/summaries/failed", s.handleFailedSummaries)
	}

	r.GET("/ws/projects/:projectId/chapters/:chapterId/generate", s.handleWebSocket)
}

func requestFrom(c *gin.Context) orchestrator.Request {
	return orchestrator.Request{
		ProjectID: c.Param("projectId"),
		ChapterID: c.Param("chapterId"),
	}
}

// writeError renders err as the API error body with its mapped status
func writeError(c *gin.Context, err error) {
	ae := apperror.Classify(err)
	c.AbortWithStatusJSON(apperror.HTTPStatus(ae.Kind), ae.ToPayload())
}

func (s *Server) handleGenerate(c *gin.Context) {
	req := requestFrom(c)
	result, err := s.gen.Generate(c.Request.Context(), req)
	if err != nil {
		s.logger.Warn("Generation failed", "chapter_id", req.ChapterID, "error", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleCancel(c *gin.Context) {
	chapterID := c.Param("chapterId")
	if !s.gen.Cancel(chapterID) {
		writeError(c, apperror.NotFound("generation session for chapter", chapterID))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"chapterId": chapterID, "cancelled": true})
}

func (s *Server) handleCacheStats(c *gin.Context) {
	if s.cache == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "stats": cache.Stats{}})
		return
	}
	stats, err := s.cache.Stats(c.Request.Context())
	if err != nil {
		writeError(c, apperror.New(apperror.KindServer, "cache stats unavailable", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "stats": stats})
}

func (s *Server) handleCacheEvict(c *gin.Context) {
	if s.cache == nil {
		c.JSON(http.StatusOK, gin.H{"evicted": 0})
		return
	}
	n, err := s.cache.Evict(c.Request.Context())
	if err != nil {
		writeError(c, apperror.New(apperror.KindServer, "cache eviction failed", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"evicted": n})
}

func (s *Server) handleSummarize(c *gin.Context) {
	if s.summaries == nil {
		writeError(c, apperror.New(apperror.KindServer, "summaries are not enabled", nil))
		return
	}
	scope := models.SummaryScope(c.Param("scope"))
	if !scope.Valid() {
		writeError(c, apperror.Validation("scope must be chapter, volume or project", nil))
		return
	}
	job, err := s.summaries.Enqueue(c.Request.Context(), scope, c.Param("targetId"))
	if err != nil {
		writeError(c, apperror.New(apperror.KindServer, "enqueue summary job", err))
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) handleFailedSummaries(c *gin.Context) {
	if s.summaries == nil {
		c.JSON(http.StatusOK, gin.H{"pending": 0, "failed": []models.FailedSummaryJob{}})
		return
	}
	ctx := c.Request.Context()
	failed, err := s.summaries.Failed(ctx)
	if err != nil {
		writeError(c, apperror.New(apperror.KindServer, "list failed summary jobs", err))
		return
	}
	pending, err := s.summaries.Pending(ctx)
	if err != nil {
		writeError(c, apperror.New(apperror.KindServer, "count pending summary jobs", err))
		return
	}
	if failed == nil {
		failed = []models.FailedSummaryJob{}
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending, "failed": failed})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "activeSessions": s.gen.ActiveSessions()})
}
