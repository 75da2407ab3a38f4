// internal/handler/command_handler.go
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"feeder-gateway/internal/model"
	"feeder-gateway/internal/service"
	"feeder-gateway/internal/utils"
)

const sourceHTTP = "http"

// CommandHandler accepts control requests over HTTP
type CommandHandler struct {
	gateway Gateway
	logger  *utils.ServiceLogger
}

// RawCommandRequest carries one device line, e.g. "B:128"
type RawCommandRequest struct {
	Line          string `json:"line" binding:"required"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// FeedRequest starts a feeding cycle, optionally reprogramming the cycle timing first
type FeedRequest struct {
	Amount        float64        `json:"amount" binding:"required,gt=0"`
	Timing        *TimingRequest `json:"timing,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// TimingRequest holds the phase durations of a feeding cycle in seconds
type TimingRequest struct {
	ActuatorUp   float64 `json:"actuator_up"`
	ActuatorDown float64 `json:"actuator_down"`
	Auger        float64 `json:"auger"`
	Blower       float64 `json:"blower"`
}

// FeedResponse reports both steps of a feed request
type FeedResponse struct {
	Timing *model.Outcome `json:"timing,omitempty"`
	Feed   *model.Outcome `json:"feed,omitempty"`
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(gateway Gateway, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{
		gateway: gateway,
		logger:  utils.NewServiceLogger(logger, "command-handler"),
	}
}

// RegisterRoutes registers command routes
func (h *CommandHandler) RegisterRoutes(router *gin.RouterGroup) {
	commands := router.Group("/commands")
	{
		commands.POST("", h.SubmitCommand)
		commands.POST("/raw", h.SubmitRawCommand)
	}
	router.POST("/feed", h.Feed)
}

// SubmitCommand sends a structured control request and waits for the device
// @Summary Submit a control request
// @Description Validate, queue and dispatch one command; responds once the device acknowledges or the request fails
// @Tags Commands
// @Accept json
// @Produce json
// @Param request body model.ControlRequest true "Control request"
// @Success 200 {object} utils.APIResponse{data=model.Outcome} "Command acknowledged"
// @Failure 400 {object} utils.APIResponse{data=model.Outcome} "Invalid request"
// @Failure 409 {object} utils.APIResponse{data=model.Outcome} "Same action already in progress"
// @Failure 429 {object} utils.APIResponse{data=model.Outcome} "Command queue full"
// @Failure 502 {object} utils.APIResponse{data=model.Outcome} "Device reported failure"
// @Failure 503 {object} utils.APIResponse{data=model.Outcome} "Device not connected"
// @Failure 504 {object} utils.APIResponse{data=model.Outcome} "Device did not acknowledge"
// @Router /commands [post]
func (h *CommandHandler) SubmitCommand(c *gin.Context) {
	var req model.ControlRequest
	if !bindJSON(c, &req) {
		return
	}
	req.CorrelationID = h.correlationID(c, req.CorrelationID)
	req.Source = sourceHTTP

	outcome, err := h.gateway.Submit(c.Request.Context(), req)
	h.respond(c, outcome, err)
}

// SubmitRawCommand sends one device line after checking it against the command grammar
// @Summary Submit a raw device line
// @Description Parse a firmware command line, then dispatch it like a structured request
// @Tags Commands
// @Accept json
// @Produce json
// @Param request body RawCommandRequest true "Raw command"
// @Success 200 {object} utils.APIResponse{data=model.Outcome} "Command acknowledged"
// @Failure 400 {object} utils.APIResponse{data=model.Outcome} "Unknown or malformed line"
// @Failure 503 {object} utils.APIResponse{data=model.Outcome} "Device not connected"
// @Failure 504 {object} utils.APIResponse{data=model.Outcome} "Device did not acknowledge"
// @Router /commands/raw [post]
func (h *CommandHandler) SubmitRawCommand(c *gin.Context) {
	var req RawCommandRequest
	if !bindJSON(c, &req) {
		return
	}

	outcome, err := h.gateway.SubmitLine(c.Request.Context(), req.Line, h.correlationID(c, req.CorrelationID), sourceHTTP)
	h.respond(c, outcome, err)
}

// Feed runs a feeding cycle
// @Summary Feed
// @Description Dispense an amount of feed in grams. When timing is supplied it is sent first and the feed is skipped if the device rejects it.
// @Tags Commands
// @Accept json
// @Produce json
// @Param request body FeedRequest true "Feed request"
// @Success 200 {object} utils.APIResponse{data=FeedResponse} "Feeding started"
// @Failure 400 {object} utils.APIResponse{data=FeedResponse} "Invalid request"
// @Failure 409 {object} utils.APIResponse{data=FeedResponse} "A feeding cycle is already running"
// @Failure 503 {object} utils.APIResponse{data=FeedResponse} "Device not connected"
// @Router /feed [post]
func (h *CommandHandler) Feed(c *gin.Context) {
	var req FeedRequest
	if !bindJSON(c, &req) {
		return
	}
	correlationID := h.correlationID(c, req.CorrelationID)
	ctx := c.Request.Context()
	response := FeedResponse{}

	if req.Timing != nil {
		timing, err := h.gateway.Submit(ctx, model.ControlRequest{
			CorrelationID: correlationID + "-timing",
			Target:        "feeder",
			Action:        "timing",
			Params: map[string]float64{
				"actuator_up":   req.Timing.ActuatorUp,
				"actuator_down": req.Timing.ActuatorDown,
				"auger":         req.Timing.Auger,
				"blower":        req.Timing.Blower,
			},
			Source: sourceHTTP,
		})
		response.Timing = &timing
		if err != nil {
			h.fail(c, timing, err, response)
			return
		}
	}

	feed, err := h.gateway.Submit(ctx, model.ControlRequest{
		CorrelationID: correlationID,
		Target:        "feeder",
		Action:        "feed",
		Params:        map[string]float64{"amount": req.Amount},
		Source:        sourceHTTP,
	})
	response.Feed = &feed
	if err != nil {
		h.fail(c, feed, err, response)
		return
	}

	h.logger.Info("Feeding started",
		zap.String("correlation_id", correlationID),
		zap.Float64("amount", req.Amount),
	)
	utils.SuccessResponse(c, http.StatusOK, "Feeding started", response)
}

// bindJSON decodes the body, answering 400 with per-field messages when validation fails
func bindJSON(c *gin.Context, req interface{}) bool {
	err := c.ShouldBindJSON(req)
	if err == nil {
		return true
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string, len(validationErrors))
		for _, fe := range validationErrors {
			fields[fe.Field()] = fmt.Sprintf("failed on %s", fe.Tag())
		}
		utils.ValidationErrorResponse(c, fields)
		return false
	}

	utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
	return false
}

// correlationID prefers the caller's id and falls back to the request id
func (h *CommandHandler) correlationID(c *gin.Context, supplied string) string {
	if supplied != "" {
		return supplied
	}
	return c.GetString(utils.RequestIDKey)
}

func (h *CommandHandler) respond(c *gin.Context, outcome model.Outcome, err error) {
	if err != nil {
		h.fail(c, outcome, err, outcome)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Command acknowledged", outcome)
}

func (h *CommandHandler) fail(c *gin.Context, outcome model.Outcome, err error, data interface{}) {
	status := OutcomeHTTPStatus(outcome, err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("Command failed",
			zap.String("correlation_id", outcome.CorrelationID),
			zap.String("status", string(outcome.Status)),
			zap.Error(err),
		)
	}
	utils.ErrorResponseWithData(c, status, outcomeMessage(outcome), err, data)
}

// OutcomeHTTPStatus maps an outcome to the HTTP status returned to callers
func OutcomeHTTPStatus(outcome model.Outcome, err error) int {
	switch outcome.Status {
	case model.OutcomeSuccess:
		return http.StatusOK
	case model.OutcomeRejected:
		return http.StatusBadRequest
	case model.OutcomeAlreadyInProgress:
		return http.StatusConflict
	case model.OutcomeNotConnected:
		return http.StatusServiceUnavailable
	case model.OutcomeTimedOut:
		return http.StatusGatewayTimeout
	}

	switch {
	case errors.Is(err, service.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.Is(err, service.ErrNotConnected):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func outcomeMessage(outcome model.Outcome) string {
	switch outcome.Status {
	case model.OutcomeRejected:
		return "Command rejected"
	case model.OutcomeAlreadyInProgress:
		return "Command already in progress"
	case model.OutcomeNotConnected:
		return "Device not connected"
	case model.OutcomeTimedOut:
		return "Device did not acknowledge"
	}
	return "Command failed"
}
