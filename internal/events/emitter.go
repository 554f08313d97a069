package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajfrai/agent-queue/internal/common/logger"
	"github.com/ajfrai/agent-queue/internal/events/bus"
	"github.com/ajfrai/agent-queue/internal/task/models"
	"github.com/ajfrai/agent-queue/internal/task/repository"
)

// Emitter appends every event to the store's event log and then
// publishes it on the bus. The log is authoritative; a store failure is
// logged and the publish still goes out so live subscribers stay fresh.
type Emitter struct {
	store  *repository.Store
	bus    bus.EventBus
	logger *logger.Logger
	source string
}

// NewEmitter creates an Emitter. Source tags published events with the
// producing component.
func NewEmitter(store *repository.Store, eventBus bus.EventBus, log *logger.Logger, source string) *Emitter {
	return &Emitter{store: store, bus: eventBus, logger: log, source: source}
}

// Emit records and publishes one event. The bus subject is the event type.
func (e *Emitter) Emit(ctx context.Context, eventType, entityType, entityID string, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}

	record := &models.Event{
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
	}
	if _, err := e.store.AppendEvent(ctx, record); err != nil {
		e.logger.Error("Failed to append event to store",
			zap.String("event_type", eventType),
			zap.Error(err))
	}

	data := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		data[k] = v
	}
	data["entity_type"] = entityType
	data["entity_id"] = entityID
	event := bus.NewEvent(eventType, e.source, data)

	if err := e.bus.Publish(ctx, eventType, event); err != nil {
		e.logger.Error("Failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
