// internal/handler/event_bus.go
package handler

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"feeder-gateway/internal/model"
)

const subscriberBuffer = 100

// EventBus fans gateway events out to in-process subscribers
type EventBus struct {
	subscribers map[model.EventType][]chan model.GatewayEvent
	all         []chan model.GatewayEvent
	mutex       sync.RWMutex
	logger      *zap.Logger
}

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[model.EventType][]chan model.GatewayEvent),
		logger:      logger.With(zap.String("component", "event-bus")),
	}
}

// Run distributes events from source until ctx is cancelled or source closes
func (eb *EventBus) Run(ctx context.Context, source <-chan model.GatewayEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-source:
			if !ok {
				return nil
			}
			eb.Publish(event)
		}
	}
}

// Publish delivers an event to every matching subscriber without blocking
func (eb *EventBus) Publish(event model.GatewayEvent) {
	eb.mutex.RLock()
	targets := make([]chan model.GatewayEvent, 0, len(eb.all)+len(eb.subscribers[event.Type]))
	targets = append(targets, eb.all...)
	targets = append(targets, eb.subscribers[event.Type]...)
	eb.mutex.RUnlock()

	for _, subscriber := range targets {
		select {
		case subscriber <- event:
		default:
			eb.logger.Warn("Event subscriber slow, dropping event",
				zap.String("event_type", string(event.Type)),
			)
		}
	}
}

// Subscribe returns a channel receiving the given event types, or every event when none are given
func (eb *EventBus) Subscribe(eventTypes ...model.EventType) <-chan model.GatewayEvent {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	subscriber := make(chan model.GatewayEvent, subscriberBuffer)
	if len(eventTypes) == 0 {
		eb.all = append(eb.all, subscriber)
		return subscriber
	}
	for _, t := range eventTypes {
		eb.subscribers[t] = append(eb.subscribers[t], subscriber)
	}
	return subscriber
}
