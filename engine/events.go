package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/caseflow/model"
	"github.com/GoCodeAlone/modular/modules/eventbus/v2"
)

// Event topics emitted by the engine. Emission happens after the
// transition commits, success paths only.
const (
	TopicStarted      = "workflow.started"
	TopicStateChanged = "workflow.state_changed"
	TopicCompleted    = "workflow.completed"
	TopicFailed       = "workflow.failed"
	TopicOverdue      = "workflow.overdue"
	TopicTaskAssigned = "workflow.task.assigned"
	TopicNotification = "workflow.notification"
)

// Publisher is the narrow event emission contract. Delivery is
// at-least-once and fire-and-forget from the engine's perspective.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any) error
}

// BusPublisher publishes engine events on the event bus. A nil bus makes
// every Publish a no-op, so wiring is optional.
type BusPublisher struct {
	bus    *eventbus.EventBusModule
	logger *slog.Logger
}

// NewBusPublisher wraps an event bus module. Both arguments may be nil.
func NewBusPublisher(bus *eventbus.EventBusModule, logger *slog.Logger) *BusPublisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &BusPublisher{bus: bus, logger: logger}
}

// Publish emits the event. Bus errors are logged and swallowed; the engine
// never fails a committed transition over delivery.
func (p *BusPublisher) Publish(ctx context.Context, eventType string, payload map[string]any) error {
	if p == nil || p.bus == nil {
		return nil
	}
	if err := p.bus.Publish(ctx, eventType, payload); err != nil {
		p.logger.Warn("event publish failed", "topic", eventType, "error", err)
	}
	return nil
}

// instanceEvent builds the common event payload for an instance.
func instanceEvent(inst *model.WorkflowInstance, actorID string) map[string]any {
	return map[string]any{
		"instanceId":        inst.ID,
		"definitionKey":     inst.DefinitionKey,
		"definitionVersion": inst.DefinitionVersion,
		"organizationId":    inst.OrganizationID,
		"state":             inst.CurrentState,
		"status":            string(inst.Status),
		"actorId":           actorID,
		"at":                time.Now().UTC().Format(time.RFC3339Nano),
	}
}
