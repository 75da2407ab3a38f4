// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"feeder-gateway/internal/config"
	"feeder-gateway/internal/model"
	"feeder-gateway/internal/service"
	"feeder-gateway/internal/utils"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 54 * time.Second
	sendBuffer      = 256
	sourceWebSocket = "websocket"
)

// WebSocketHandler streams snapshots and gateway events to live subscribers
// and accepts commands over the same connection
type WebSocketHandler struct {
	upgrader       websocket.Upgrader
	connections    *ConnectionManager
	gateway        Gateway
	events         <-chan model.GatewayEvent
	commandTimeout time.Duration
	logger         *utils.ServiceLogger
}

// RawCommandMessage is the payload of a raw_command message
type RawCommandMessage struct {
	Line          string `json:"line"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// CommandResult is the payload of a command_result message
type CommandResult struct {
	Success bool          `json:"success"`
	Outcome model.Outcome `json:"outcome"`
	Error   string        `json:"error,omitempty"`
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	gateway Gateway,
	bus *EventBus,
	security *config.SecurityConfig,
	commandTimeout time.Duration,
	logger *zap.Logger,
) *WebSocketHandler {
	allowed := make(map[string]bool, len(security.AllowedOrigins))
	for _, origin := range security.AllowedOrigins {
		allowed[origin] = true
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
				return true
			}
			return allowed[origin]
		},
	}

	return &WebSocketHandler{
		upgrader:       upgrader,
		connections:    NewConnectionManager(),
		gateway:        gateway,
		events:         bus.Subscribe(),
		commandTimeout: commandTimeout,
		logger:         utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/telemetry", h.HandleTelemetryConnection)
	router.GET("/events", h.HandleEventConnection)
	router.GET("/stats", h.GetStats)
}

// Run broadcasts gateway events until ctx is cancelled, then disconnects every client
func (h *WebSocketHandler) Run(ctx context.Context) error {
	defer h.connections.CloseAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-h.events:
			h.broadcast(TopicEvents, &WebSocketMessage{
				Type:      "event",
				Data:      event,
				Timestamp: event.Timestamp,
			})
		}
	}
}

// HandleTelemetryConnection streams every snapshot plus gateway events
// @Summary Live telemetry stream
// @Description WebSocket: pushes snapshot and event messages; accepts command, raw_command, subscribe, unsubscribe and ping
// @Tags WebSocket
// @Router /ws/telemetry [get]
func (h *WebSocketHandler) HandleTelemetryConnection(c *gin.Context) {
	client := h.accept(c, "telemetry", TopicSnapshots, TopicEvents)
	if client == nil {
		return
	}

	sub := h.gateway.Subscribe("ws:" + client.ID)
	go h.streamSnapshots(client, sub)
	go h.handleClientRead(client, sub)
	go h.handleClientWrite(client)
}

// HandleEventConnection streams gateway events only
// @Summary Live event stream
// @Description WebSocket: pushes link and command events; accepts command messages and ping
// @Tags WebSocket
// @Router /ws/events [get]
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	client := h.accept(c, "events", TopicEvents)
	if client == nil {
		return
	}

	go h.handleClientRead(client, nil)
	go h.handleClientWrite(client)
}

func (h *WebSocketHandler) accept(c *gin.Context, clientType string, topics ...string) *Client {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return nil
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, sendBuffer),
		Type:        clientType,
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}
	for _, topic := range topics {
		client.Subscribe(topic)
	}

	h.connections.Register(client)
	h.logger.Info("WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("type", clientType),
		zap.String("remote_addr", client.RemoteAddr),
	)

	h.sendMessage(client, &WebSocketMessage{
		Type:      "status",
		Data:      h.gateway.Status(),
		Timestamp: time.Now(),
	})
	return client
}

// streamSnapshots forwards the client's publisher subscription until it is closed
func (h *WebSocketHandler) streamSnapshots(client *Client, sub *service.Subscription) {
	for snapshot := range sub.C() {
		if !client.Subscribed(TopicSnapshots) {
			continue
		}
		h.sendMessage(client, &WebSocketMessage{
			Type:      "snapshot",
			Data:      snapshot,
			Timestamp: snapshot.Timestamp,
		})
	}
}

// handleClientRead handles reading messages from WebSocket client
func (h *WebSocketHandler) handleClientRead(client *Client, sub *service.Subscription) {
	defer func() {
		if sub != nil {
			sub.Close()
		}
		h.connections.Unregister(client)
		client.Connection.Close()
		h.logger.Info("WebSocket client disconnected", zap.String("client_id", client.ID))
	}()

	client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	client.Connection.SetPongHandler(func(string) error {
		return client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			return
		}

		var message inboundMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.sendError(client, "", "invalid message: "+err.Error())
			continue
		}

		h.handleClientMessage(client, &message)
	}
}

// handleClientWrite handles writing messages to WebSocket client
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientMessage handles incoming client messages
func (h *WebSocketHandler) handleClientMessage(client *Client, message *inboundMessage) {
	switch message.Type {
	case "ping":
		h.sendMessage(client, &WebSocketMessage{
			Type:      "pong",
			Timestamp: time.Now(),
			RequestID: message.RequestID,
		})
	case "subscribe", "unsubscribe":
		h.handleSubscription(client, message)
	case "command":
		var req model.ControlRequest
		if err := json.Unmarshal(message.Data, &req); err != nil {
			h.sendError(client, message.RequestID, "invalid command: "+err.Error())
			return
		}
		if req.CorrelationID == "" {
			req.CorrelationID = message.RequestID
		}
		req.Source = sourceWebSocket
		go h.executeCommand(client, message.RequestID, func(ctx context.Context) (model.Outcome, error) {
			return h.gateway.Submit(ctx, req)
		})
	case "raw_command":
		var raw RawCommandMessage
		if err := json.Unmarshal(message.Data, &raw); err != nil || raw.Line == "" {
			h.sendError(client, message.RequestID, "raw_command requires a line")
			return
		}
		if raw.CorrelationID == "" {
			raw.CorrelationID = message.RequestID
		}
		go h.executeCommand(client, message.RequestID, func(ctx context.Context) (model.Outcome, error) {
			return h.gateway.SubmitLine(ctx, raw.Line, raw.CorrelationID, sourceWebSocket)
		})
	default:
		h.sendError(client, message.RequestID, "unknown message type: "+message.Type)
	}
}

// handleSubscription toggles a topic for the client
func (h *WebSocketHandler) handleSubscription(client *Client, message *inboundMessage) {
	var data struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(message.Data, &data); err != nil || (data.Topic != TopicSnapshots && data.Topic != TopicEvents) {
		h.sendError(client, message.RequestID, "topic must be snapshots or events")
		return
	}

	confirmation := "subscription_confirmed"
	if message.Type == "subscribe" {
		client.Subscribe(data.Topic)
	} else {
		client.Unsubscribe(data.Topic)
		confirmation = "unsubscription_confirmed"
	}

	h.sendMessage(client, &WebSocketMessage{
		Type:      confirmation,
		Data:      map[string]interface{}{"topic": data.Topic},
		Timestamp: time.Now(),
		RequestID: message.RequestID,
	})
}

// executeCommand runs one submission and replies with its outcome
func (h *WebSocketHandler) executeCommand(client *Client, requestID string, submit func(context.Context) (model.Outcome, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), h.commandTimeout)
	defer cancel()

	outcome, err := submit(ctx)
	result := CommandResult{Success: err == nil, Outcome: outcome}
	if err != nil {
		result.Error = err.Error()
	}

	h.sendMessage(client, &WebSocketMessage{
		Type:      "command_result",
		Data:      result,
		Timestamp: time.Now(),
		RequestID: requestID,
	})
}

// sendMessage sends a message to a client
func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	if !h.connections.Send(client, messageBytes) {
		h.logger.Debug("WebSocket message not queued",
			zap.String("client_id", client.ID),
			zap.String("type", message.Type),
		)
	}
}

// sendError sends an error message to a client
func (h *WebSocketHandler) sendError(client *Client, requestID, errorMsg string) {
	h.sendMessage(client, &WebSocketMessage{
		Type:      "error",
		Data:      map[string]interface{}{"error": errorMsg},
		Timestamp: time.Now(),
		RequestID: requestID,
	})
}

// broadcast sends a message to every client following topic
func (h *WebSocketHandler) broadcast(topic string, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	if skipped := h.connections.Broadcast(topic, messageBytes); skipped > 0 {
		h.logger.Warn("Client send channel full during broadcast", zap.Int("skipped", skipped))
	}
}

// GetConnectionStats returns connection statistics
func (h *WebSocketHandler) GetConnectionStats() *ConnectionStats {
	return h.connections.GetStats()
}

// GetStats reports connected websocket clients
// @Summary WebSocket connection statistics
// @Tags WebSocket
// @Produce json
// @Success 200 {object} utils.APIResponse{data=ConnectionStats} "Connection statistics"
// @Router /ws/stats [get]
func (h *WebSocketHandler) GetStats(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "WebSocket statistics retrieved", h.GetConnectionStats())
}
