// internal/handler/interfaces.go
package handler

import (
	"context"

	"feeder-gateway/internal/model"
	"feeder-gateway/internal/service"
)

// Gateway is the device-facing surface the handlers depend on
type Gateway interface {
	Status() model.GatewayStatus
	Latest() (model.Snapshot, bool)
	Subscribe(name string) *service.Subscription
	Submit(ctx context.Context, req model.ControlRequest) (model.Outcome, error)
	SubmitLine(ctx context.Context, line, correlationID, source string) (model.Outcome, error)
	ScanPorts(ctx context.Context, probe bool) []model.Candidate
}
