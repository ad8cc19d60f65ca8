// Package httpapi is the engine's control surface: job CRUD and schedule
// management, manual trigger/stop/pause/resume, batch reprocessing, and the
// websocket event feed.
package httpapi

import (
	"net/http"

	"etl-engine/pkg/config"
	"etl-engine/pkg/health"
	"etl-engine/pkg/middleware"
	"etl-engine/services/events"
	"etl-engine/services/orchestrator"
	"etl-engine/services/pipeline"
	"etl-engine/services/registry"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type Handler struct {
	registry     *registry.Service
	orchestrator *orchestrator.Service
	pipeline     *pipeline.Service
	hub          *events.Hub
	health       health.HealthService
}

func NewHandler(
	reg *registry.Service,
	orch *orchestrator.Service,
	pipe *pipeline.Service,
	hub *events.Hub,
	hc health.HealthService,
) *Handler {
	return &Handler{
		registry:     reg,
		orchestrator: orch,
		pipeline:     pipe,
		hub:          hub,
		health:       hc,
	}
}

// ProvideRouter assembles the gin engine with all routes mounted.
func ProvideRouter(cfg *config.Config, h *Handler) http.Handler {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.Error())

	r.GET("/healthz", h.health.Liveness)
	r.GET("/readyz", h.health.Readiness)
	r.GET("/ws", h.hub.ServeWS)

	jobs := r.Group("/jobs")
	{
		jobs.POST("", h.createJob)
		jobs.GET("", h.listJobs)
		jobs.GET("/:id", h.getJob)
		jobs.PUT("/:id/schedule", h.updateSchedule)
		jobs.POST("/:id/trigger", h.triggerJob)
		jobs.POST("/:id/stop", h.stopJob)
		jobs.POST("/:id/pause", h.pauseJob)
		jobs.POST("/:id/resume", h.resumeJob)
		jobs.POST("/:id/activate", h.activateJob)
		jobs.POST("/:id/deactivate", h.deactivateJob)
	}

	r.POST("/batches/reprocess", h.reprocessBatches)

	return r
}

type createJobRequest struct {
	Name                    string `json:"name" binding:"required"`
	JobType                 string `json:"job_type" binding:"required"`
	TenantID                string `json:"tenant_id" binding:"required"`
	IntegrationID           string `json:"integration_id"`
	ScheduleIntervalMinutes int    `json:"schedule_interval_minutes" binding:"required"`
	RetryIntervalMinutes    int    `json:"retry_interval_minutes" binding:"required"`
}

func (h *Handler) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job := &registry.Job{
		Name:                    req.Name,
		JobType:                 req.JobType,
		TenantID:                req.TenantID,
		IntegrationID:           req.IntegrationID,
		ScheduleIntervalMinutes: req.ScheduleIntervalMinutes,
		RetryIntervalMinutes:    req.RetryIntervalMinutes,
	}
	if err := h.registry.Create(c.Request.Context(), job); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (h *Handler) listJobs(c *gin.Context) {
	jobs, err := h.registry.List(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (h *Handler) getJob(c *gin.Context) {
	job, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type updateScheduleRequest struct {
	ScheduleIntervalMinutes int `json:"schedule_interval_minutes" binding:"required"`
	RetryIntervalMinutes    int `json:"retry_interval_minutes" binding:"required"`
}

func (h *Handler) updateSchedule(c *gin.Context) {
	var req updateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.registry.UpdateSchedule(c.Request.Context(), c.Param("id"), req.ScheduleIntervalMinutes, req.RetryIntervalMinutes)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (h *Handler) triggerJob(c *gin.Context) {
	if err := h.orchestrator.TriggerNow(c.Request.Context(), c.Param("id")); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
}

func (h *Handler) stopJob(c *gin.Context) {
	h.orchestrator.StopJob(c.Param("id"))
	c.JSON(http.StatusAccepted, gin.H{"status": "stop requested"})
}

func (h *Handler) pauseJob(c *gin.Context) {
	if err := h.registry.Pause(c.Request.Context(), c.Param("id")); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (h *Handler) resumeJob(c *gin.Context) {
	if err := h.registry.Resume(c.Request.Context(), c.Param("id")); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func (h *Handler) activateJob(c *gin.Context) {
	if err := h.registry.SetActive(c.Request.Context(), c.Param("id"), true); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "activated"})
}

func (h *Handler) deactivateJob(c *gin.Context) {
	if err := h.registry.SetActive(c.Request.Context(), c.Param("id"), false); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

func (h *Handler) reprocessBatches(c *gin.Context) {
	count, err := h.pipeline.ReprocessFailed(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reprocessed": count})
}

var Module = fx.Module("httpapi",
	fx.Provide(NewHandler, ProvideRouter),
)
