// Package v1 provides HTTP API version 1.
package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"markhub/internal/core/apperror"
	"markhub/internal/infrastructure/http/v1/dto"
	"markhub/internal/infrastructure/http/v1/handlers"
	"markhub/internal/infrastructure/http/v1/middleware"
	"markhub/pkg/logger"
)

// RouterConfig holds router dependencies.
type RouterConfig struct {
	Logger *logger.Logger

	Codes    handlers.CodeService
	Reissuer handlers.Reissuer

	// HealthChecks are probed by /health/ready.
	HealthChecks map[string]handlers.Pinger
	Version      string

	// Requests observes served requests; optional.
	Requests middleware.RequestObserver
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	if cfg.Requests != nil {
		router.Use(middleware.Metrics(cfg.Requests))
	}
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())

	healthHandler := handlers.NewHealthHandler(cfg.Version, cfg.HealthChecks)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/info", healthHandler.Info)
	}

	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Actor())
	{
		base := handlers.NewBaseHandler()
		registerCodeRoutes(v1, handlers.NewCodeHandler(base, cfg.Codes))
		if cfg.Reissuer != nil {
			orders := handlers.NewOrderHandler(base, cfg.Reissuer)
			v1.POST("/orders/:id/reissue", orders.Reissue)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Code: apperror.CodeNotFound, Message: "route not found"})
	})

	return router
}

func registerCodeRoutes(rg *gin.RouterGroup, h *handlers.CodeHandler) {
	rg.GET("/orders/:id/codes", h.ListByOrder)

	parts := rg.Group("/parts")
	{
		parts.GET("/:id/codes", h.ListByPart)
		parts.POST("/:id/cancel", h.CancelPart)
	}

	lots := rg.Group("/lots")
	{
		lots.POST("", h.CreateLot)
		lots.DELETE("/:id", h.DeleteLot)
	}

	codes := rg.Group("/codes")
	{
		codes.GET("/:id", h.Get)
		codes.GET("/:id/status", h.Status)
		codes.GET("/:id/history", h.History)
		codes.POST("/:id/decommission", h.Decommission)
		codes.POST("/:id/restore", h.Restore)
		codes.POST("/:id/return", h.Return)
	}
}
