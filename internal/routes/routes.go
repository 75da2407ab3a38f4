// internal/routes/routes.go
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerfiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"feeder-gateway/internal/config"
	"feeder-gateway/internal/database"
	"feeder-gateway/internal/handler"
	"feeder-gateway/internal/middleware"
	"feeder-gateway/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config    *config.Config
	logger    *zap.Logger
	db        *database.DB
	gateway   handler.Gateway
	gatherer  prometheus.Gatherer
	websocket *handler.WebSocketHandler
}

// NewRouter creates a new router instance. db may be nil when mirroring is disabled.
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	db *database.DB,
	gateway handler.Gateway,
	gatherer prometheus.Gatherer,
	eventBus *handler.EventBus,
) *Router {
	commandTimeout := config.Gateway.AckTimeout + config.Gateway.FeedRunTime + config.Server.WriteTimeout
	return &Router{
		config:    config,
		logger:    logger,
		db:        db,
		gateway:   gateway,
		gatherer:  gatherer,
		websocket: handler.NewWebSocketHandler(gateway, eventBus, &config.Security, commandTimeout, logger),
	}
}

// WebSocket returns the websocket handler so its broadcaster can be started
func (r *Router) WebSocket() *handler.WebSocketHandler {
	return r.websocket
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	r.addMiddleware(router)
	r.addRoutes(router)

	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	router.Use(middleware.CORSMiddleware(&r.config.Security))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.gateway, r.db, r.config, r.logger)
	telemetryHandler := handler.NewTelemetryHandler(r.gateway, r.logger)
	commandHandler := handler.NewCommandHandler(r.gateway, r.logger)

	// Health check routes
	healthHandler.RegisterRoutes(router.Group(""))

	// API v1 routes
	apiV1 := router.Group("/api/v1")
	telemetryHandler.RegisterRoutes(apiV1)
	commandHandler.RegisterRoutes(apiV1)

	// WebSocket routes
	r.websocket.RegisterRoutes(router.Group("/ws"))

	// Prometheus scrape endpoint
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})))

	r.addDocumentationRoutes(router)

	r.logger.Info("All routes configured successfully")
}

// addDocumentationRoutes sets up documentation routes
func (r *Router) addDocumentationRoutes(router *gin.Engine) {
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))

	router.GET("/docs", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/swagger/index.html")
	})
}
