// internal/handler/health_handler.go
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"feeder-gateway/internal/config"
	"feeder-gateway/internal/database"
	"feeder-gateway/internal/utils"
)

const dbCheckTimeout = 2 * time.Second

// HealthHandler handles health check requests
type HealthHandler struct {
	gateway   Gateway
	db        *database.DB
	config    *config.Config
	logger    *utils.ServiceLogger
	startedAt time.Time
}

// NewHealthHandler creates a new health handler. db is nil when the mirror runs without a database.
func NewHealthHandler(gateway Gateway, db *database.DB, config *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		gateway:   gateway,
		db:        db,
		config:    config,
		logger:    utils.NewServiceLogger(logger, "health-handler"),
		startedAt: time.Now(),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/health", h.HealthCheck)
	router.GET("/health/db", h.DatabaseHealthCheck)
	router.GET("/ready", h.ReadinessCheck)
	router.GET("/live", h.LivenessCheck)
}

// HealthCheck reports the gateway process health.
// A disconnected device degrades the status but does not fail it.
// @Summary Health check
// @Description Get overall service health including device link and mirror database
// @Tags Health
// @Produce json
// @Success 200 {object} HealthResponse "Service is healthy or degraded"
// @Failure 503 {object} HealthResponse "Mirror database is unreachable"
// @Router /health [get]
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Checks:    make(map[string]CheckResult),
	}

	status := h.gateway.Status()
	link := CheckResult{
		Status: "healthy",
		Data: map[string]interface{}{
			"state":       status.Connection.State,
			"queue_depth": status.QueueDepth,
			"subscribers": status.Subscribers,
		},
	}
	if status.Connection.Candidate != nil {
		link.Data["port"] = status.Connection.Candidate.Path
	}
	if !status.Connection.Connected() {
		link.Status = "degraded"
		link.Message = status.Connection.LastError
		health.Status = "degraded"
	}
	health.Checks["device"] = link

	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), dbCheckTimeout)
		defer cancel()

		if err := h.db.HealthCheck(ctx); err != nil {
			health.Status = "unhealthy"
			health.Checks["database"] = CheckResult{Status: "unhealthy", Message: err.Error()}
		} else {
			stats := h.db.GetStats()
			health.Checks["database"] = CheckResult{
				Status:  "healthy",
				Message: "Database connection OK",
				Data: map[string]interface{}{
					"open_connections": stats.OpenConnections,
					"in_use":           stats.InUse,
					"idle":             stats.Idle,
				},
			}
		}
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, health)
}

// DatabaseHealthCheck checks mirror database connectivity
// @Summary Database health check
// @Description Check mirror database connectivity and pool statistics
// @Tags Health
// @Produce json
// @Success 200 {object} utils.APIResponse "Database is healthy"
// @Failure 404 {object} utils.APIResponse "Mirror database is not configured"
// @Failure 503 {object} utils.APIResponse "Database is unhealthy"
// @Router /health/db [get]
func (h *HealthHandler) DatabaseHealthCheck(c *gin.Context) {
	if h.db == nil {
		utils.ErrorResponse(c, http.StatusNotFound, "Mirror database not configured", nil)
		return
	}

	startTime := time.Now()
	ctx, cancel := context.WithTimeout(c.Request.Context(), dbCheckTimeout)
	defer cancel()

	if err := h.db.HealthCheck(ctx); err != nil {
		h.logger.Error("Database health check failed", zap.Error(err))
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Database unhealthy", err)
		return
	}

	stats := h.db.GetStats()
	response := gin.H{
		"status":           "healthy",
		"response_time_ms": time.Since(startTime).Milliseconds(),
		"stats": gin.H{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
			"wait_count":       stats.WaitCount,
			"wait_duration":    stats.WaitDuration,
		},
	}

	utils.SuccessResponse(c, http.StatusOK, "Database is healthy", response)
}

// ReadinessCheck reports ready only while the feeder controller is connected
// @Summary Readiness check
// @Description Ready when the gateway holds a live link to the feeder controller
// @Tags Health
// @Produce json
// @Success 200 {object} object{status=string,port=string} "Gateway is ready"
// @Failure 503 {object} object{status=string,state=string,reason=string} "Device not connected"
// @Router /ready [get]
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	conn := h.gateway.Status().Connection
	if !conn.Connected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"state":  conn.State,
			"reason": conn.LastError,
		})
		return
	}

	port := ""
	if conn.Candidate != nil {
		port = conn.Candidate.Path
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"port":      port,
		"timestamp": time.Now(),
	})
}

// LivenessCheck for Kubernetes liveness probe
// @Summary Liveness check
// @Description Check if service is alive
// @Tags Health
// @Produce json
// @Success 200 {object} object{status=string,timestamp=string} "Service is alive"
// @Router /live [get]
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
