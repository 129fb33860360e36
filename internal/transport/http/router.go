package httptransport

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/ErlanBelekov/market-scanner/internal/transport/http/handler"
	"github.com/ErlanBelekov/market-scanner/internal/transport/http/middleware"
)

func NewRouter(logger *slog.Logger, jobs *handler.JobHandler, scanner *handler.ScannerHandler, ops *handler.OpsHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(sloggin.New(logger))
	r.Use(middleware.Metrics())

	r.GET("/healthz", ops.Liveness)
	r.GET("/readyz", ops.Readiness)

	jobRoutes := r.Group("/jobs")
	jobRoutes.GET("", jobs.List)
	jobRoutes.GET("/:id", jobs.GetByID)

	scan := r.Group("/scanner")
	scan.GET("/status", scanner.Status)
	scan.POST("/pause", scanner.Pause)
	scan.POST("/resume", scanner.Resume)
	scan.POST("/stop", scanner.Stop)
	scan.POST("/restart", scanner.Restart)

	maint := r.Group("/maintenance")
	maint.GET("/report", ops.MaintenanceReport)
	maint.POST("/sweep", ops.SweepNow)

	r.GET("/cache/stats", ops.CacheStats)

	valuations := r.Group("/valuations")
	valuations.GET("", ops.TopValuations)
	valuations.GET("/:symbol", ops.GetValuation)

	return r
}
