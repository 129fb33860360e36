package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ErlanBelekov/market-scanner/internal/cycled"
)

// ScannerHandler exposes the cycled workflow orchestrator to operators.
// baseCtx is the process lifetime: a restarted session must outlive the
// HTTP request that asked for it.
type ScannerHandler struct {
	baseCtx context.Context
	orc     *cycled.Orchestrator
	logger  *slog.Logger
}

func NewScannerHandler(ctx context.Context, orc *cycled.Orchestrator, logger *slog.Logger) *ScannerHandler {
	return &ScannerHandler{baseCtx: ctx, orc: orc, logger: logger.With("component", "scanner_handler")}
}

type reasonRequest struct {
	Reason string `json:"reason" binding:"required,max=256"`
}

func (h *ScannerHandler) Status(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, h.orc.Status())
}

func (h *ScannerHandler) Pause(ctx *gin.Context) {
	var req reasonRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.orc.PauseManually(req.Reason)
	h.logger.InfoContext(ctx.Request.Context(), "scan paused by operator", "reason", req.Reason)
	ctx.JSON(http.StatusOK, h.orc.Status())
}

func (h *ScannerHandler) Resume(ctx *gin.Context) {
	h.orc.ResumeManually(h.baseCtx)
	h.logger.InfoContext(ctx.Request.Context(), "scan resumed by operator")
	ctx.JSON(http.StatusOK, h.orc.Status())
}

func (h *ScannerHandler) Stop(ctx *gin.Context) {
	var req reasonRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.orc.Stop(req.Reason)
	h.logger.InfoContext(ctx.Request.Context(), "scan stopped by operator", "reason", req.Reason)
	ctx.JSON(http.StatusOK, h.orc.Status())
}

func (h *ScannerHandler) Restart(ctx *gin.Context) {
	if err := h.orc.Restart(h.baseCtx); err != nil {
		ctx.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, h.orc.Status())
}
