// internal/handler/telemetry_handler.go
package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"feeder-gateway/internal/utils"
)

// TelemetryHandler serves gateway status, the latest snapshot and port scans
type TelemetryHandler struct {
	gateway Gateway
	logger  *utils.ServiceLogger
}

// NewTelemetryHandler creates a new telemetry handler
func NewTelemetryHandler(gateway Gateway, logger *zap.Logger) *TelemetryHandler {
	return &TelemetryHandler{
		gateway: gateway,
		logger:  utils.NewServiceLogger(logger, "telemetry-handler"),
	}
}

// RegisterRoutes registers status and telemetry routes
func (h *TelemetryHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/status", h.GetStatus)
	router.GET("/telemetry", h.GetTelemetry)
	router.GET("/ports", h.ListPorts)
}

// GetStatus returns the gateway's operational summary
// @Summary Gateway status
// @Description Connection state, command queue depth and subscriber count
// @Tags Gateway
// @Produce json
// @Success 200 {object} utils.APIResponse{data=model.GatewayStatus} "Gateway status"
// @Router /status [get]
func (h *TelemetryHandler) GetStatus(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Gateway status retrieved", h.gateway.Status())
}

// GetTelemetry returns the latest snapshot
// @Summary Latest telemetry snapshot
// @Description Every canonical sensor channel with value, unit and validity
// @Tags Telemetry
// @Produce json
// @Success 200 {object} utils.APIResponse{data=model.Snapshot} "Latest snapshot"
// @Failure 404 {object} utils.APIResponse "No telemetry received yet"
// @Router /telemetry [get]
func (h *TelemetryHandler) GetTelemetry(c *gin.Context) {
	snapshot, ok := h.gateway.Latest()
	if !ok {
		utils.ErrorResponse(c, http.StatusNotFound, "No telemetry received yet", nil)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Telemetry retrieved", snapshot)
}

// ListPorts ranks the visible serial ports
// @Summary Scan serial ports
// @Description Rank serial ports by how likely they host the feeder controller
// @Tags Ports
// @Produce json
// @Param probe query bool false "Open each plausible port and run the handshake" default(false)
// @Success 200 {object} utils.APIResponse{data=[]model.Candidate} "Ranked candidates"
// @Failure 400 {object} utils.APIResponse "Invalid probe flag"
// @Router /ports [get]
func (h *TelemetryHandler) ListPorts(c *gin.Context) {
	probe := false
	if raw := c.Query("probe"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid probe flag", err)
			return
		}
		probe = parsed
	}

	candidates := h.gateway.ScanPorts(c.Request.Context(), probe)
	h.logger.Debug("Port scan served", zap.Int("candidates", len(candidates)), zap.Bool("probe", probe))
	utils.SuccessResponse(c, http.StatusOK, "Ports scanned", candidates)
}
