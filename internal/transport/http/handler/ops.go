package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
	"github.com/ErlanBelekov/market-scanner/internal/fetch"
	"github.com/ErlanBelekov/market-scanner/internal/health"
	"github.com/ErlanBelekov/market-scanner/internal/maintenance"
	"github.com/ErlanBelekov/market-scanner/internal/repository"
)

// OpsHandler exposes maintenance, cache, valuation, and health surfaces.
type OpsHandler struct {
	maint      *maintenance.Supervisor
	client     *fetch.Client
	cache      repository.CacheRepository
	valuations repository.ValuationRepository
	checker    *health.Checker
	logger     *slog.Logger
}

func NewOpsHandler(maint *maintenance.Supervisor, client *fetch.Client, cache repository.CacheRepository, valuations repository.ValuationRepository, checker *health.Checker, logger *slog.Logger) *OpsHandler {
	return &OpsHandler{
		maint:      maint,
		client:     client,
		cache:      cache,
		valuations: valuations,
		checker:    checker,
		logger:     logger.With("component", "ops_handler"),
	}
}

func (h *OpsHandler) MaintenanceReport(ctx *gin.Context) {
	report, err := h.maint.Health(ctx.Request.Context())
	if err != nil {
		h.logger.ErrorContext(ctx.Request.Context(), "maintenance report", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, report)
}

// SweepNow triggers both maintenance passes out of schedule.
func (h *OpsHandler) SweepNow(ctx *gin.Context) {
	cacheReport, err := h.maint.SweepCache(ctx.Request.Context())
	if err != nil {
		h.logger.ErrorContext(ctx.Request.Context(), "cache sweep", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	jobReport, err := h.maint.SweepJobs(ctx.Request.Context())
	if err != nil {
		h.logger.ErrorContext(ctx.Request.Context(), "job sweep", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"cache": cacheReport, "jobs": jobReport})
}

func (h *OpsHandler) CacheStats(ctx *gin.Context) {
	persistent, err := h.cache.Stats(ctx.Request.Context())
	if err != nil {
		h.logger.ErrorContext(ctx.Request.Context(), "cache stats", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"client":     h.client.Stats().Snapshot(),
		"queueDepth": h.client.QueueDepth(),
		"persistent": persistent,
	})
}

// TopValuations lists priced symbols ranked by upside.
func (h *OpsHandler) TopValuations(ctx *gin.Context) {
	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := h.valuations.ListTopUpside(ctx.Request.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(ctx.Request.Context(), "list valuations", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"valuations": rows})
}

func (h *OpsHandler) GetValuation(ctx *gin.Context) {
	v, err := h.valuations.GetBySymbol(ctx.Request.Context(), ctx.Param("symbol"))
	if errors.Is(err, domain.ErrValuationNotFound) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "valuation not found"})
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx.Request.Context(), "get valuation", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, v)
}

func (h *OpsHandler) Liveness(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, h.checker.Liveness(ctx.Request.Context()))
}

func (h *OpsHandler) Readiness(ctx *gin.Context) {
	result := h.checker.Readiness(ctx.Request.Context())
	status := http.StatusOK
	if result.Status != "up" {
		status = http.StatusServiceUnavailable
	}
	ctx.JSON(status, result)
}
