package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"feeder-gateway/internal/config"
	"feeder-gateway/internal/database"
	"feeder-gateway/internal/middleware"
	"feeder-gateway/internal/model"
	"feeder-gateway/internal/service"
	"feeder-gateway/internal/utils"
)

// fakeGateway records submissions and serves snapshots from a real publisher
type fakeGateway struct {
	publisher *service.Publisher

	mu         sync.Mutex
	status     model.GatewayStatus
	requests   []model.ControlRequest
	lines      []string
	probes     []bool
	candidates []model.Candidate
	answer     func(req model.ControlRequest) (model.Outcome, error)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		publisher: service.NewPublisher(4, nil, zap.NewNop()),
		status: model.GatewayStatus{
			Connection: model.ConnectionState{State: model.LinkStateDisconnected, LastError: "device absent"},
		},
	}
}

func (f *fakeGateway) connect(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.Connection = model.ConnectionState{
		State:     model.LinkStateConnected,
		Candidate: &model.Candidate{Path: path, Confidence: 95},
		Since:     time.Now(),
	}
}

func (f *fakeGateway) Status() model.GatewayStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.status
	status.Subscribers = f.publisher.Count()
	return status
}

func (f *fakeGateway) Latest() (model.Snapshot, bool) {
	return f.publisher.Latest()
}

func (f *fakeGateway) Subscribe(name string) *service.Subscription {
	return f.publisher.Subscribe(name)
}

func (f *fakeGateway) Submit(_ context.Context, req model.ControlRequest) (model.Outcome, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	answer := f.answer
	f.mu.Unlock()

	if answer != nil {
		return answer(req)
	}
	return succeeded(req), nil
}

func (f *fakeGateway) SubmitLine(_ context.Context, line, correlationID, source string) (model.Outcome, error) {
	f.mu.Lock()
	f.lines = append(f.lines, line)
	f.mu.Unlock()

	return model.Outcome{
		CorrelationID: correlationID,
		Line:          line,
		Status:        model.OutcomeSuccess,
		Source:        source,
	}, nil
}

func (f *fakeGateway) ScanPorts(_ context.Context, probe bool) []model.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes = append(f.probes, probe)
	return f.candidates
}

func (f *fakeGateway) submitted() []model.ControlRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ControlRequest(nil), f.requests...)
}

func succeeded(req model.ControlRequest) model.Outcome {
	now := time.Now()
	return model.Outcome{
		CorrelationID: req.CorrelationID,
		Target:        req.Target,
		Action:        req.Action,
		Status:        model.OutcomeSuccess,
		Source:        req.Source,
		SubmittedAt:   now,
		ResolvedAt:    now,
	}
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Name: "feeder-gateway", Version: "test", Environment: "test"},
		Gateway: config.GatewayConfig{
			AckTimeout:  200 * time.Millisecond,
			FeedRunTime: 100 * time.Millisecond,
		},
	}
}

// newTestEngine mounts the REST handlers the way the router does
func newTestEngine(gw Gateway, db *database.DB) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(middleware.RequestIDMiddleware())

	logger := zap.NewNop()
	NewHealthHandler(gw, db, testConfig(), logger).RegisterRoutes(engine.Group(""))
	api := engine.Group("/api/v1")
	NewTelemetryHandler(gw, logger).RegisterRoutes(api)
	NewCommandHandler(gw, logger).RegisterRoutes(api)
	return engine
}

func perform(engine *gin.Engine, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

// envelope mirrors utils.APIResponse with a typed payload
type envelope[T any] struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Data      T               `json:"data"`
	Error     *utils.APIError `json:"error"`
	RequestID string          `json:"request_id"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) envelope[T] {
	t.Helper()
	var out envelope[T]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func jsonBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}
