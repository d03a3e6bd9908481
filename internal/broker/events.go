package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pos-sync/internal/models"
	"pos-sync/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes checkouts and cart snapshots to the backend
type EventPublisher struct {
	checkouts *Producer
	carts     *Producer
}

// NewEventPublisher creates a new event publisher. carts may be nil.
func NewEventPublisher(checkouts, carts *Producer) *EventPublisher {
	return &EventPublisher{checkouts: checkouts, carts: carts}
}

// SubmitCheckout publishes a checkout payload keyed by its checkout code,
// so retries of one checkout land on one partition in order.
func (ep *EventPublisher) SubmitCheckout(ctx context.Context, payload json.RawMessage) error {
	var head struct {
		CheckoutCode string `json:"checkout_code"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return fmt.Errorf("failed to read checkout code: %w", err)
	}

	event := &models.CheckoutSubmittedEvent{
		BaseEvent:    newBaseEvent(models.EventTypeCheckoutSubmitted),
		CheckoutCode: head.CheckoutCode,
		Payload:      payload,
	}
	return ep.checkouts.PublishEvent(ctx, head.CheckoutCode, event)
}

// PushCart publishes the cart snapshot keyed by session
func (ep *EventPublisher) PushCart(ctx context.Context, snapshot models.CartSnapshot) error {
	if ep.carts == nil {
		return nil
	}
	event := &models.CartUpdatedEvent{
		BaseEvent: newBaseEvent(models.EventTypeCartUpdated),
		SessionID: snapshot.Session.SessionID,
		Cart:      snapshot,
	}
	return ep.carts.PublishEvent(ctx, snapshot.Session.SessionID, event)
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// EventHandler handles incoming backend events
type EventHandler struct {
	onCatalogUpdated func(context.Context, *models.CatalogUpdatedEvent) error
	onPromoUpdated   func(context.Context, *models.PromoUpdatedEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnCatalogUpdated registers a handler for CatalogUpdated events
func (eh *EventHandler) OnCatalogUpdated(handler func(context.Context, *models.CatalogUpdatedEvent) error) {
	eh.onCatalogUpdated = handler
}

// OnPromoUpdated registers a handler for PromoUpdated events
func (eh *EventHandler) OnPromoUpdated(handler func(context.Context, *models.PromoUpdatedEvent) error) {
	eh.onPromoUpdated = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeCatalogUpdated:
		if eh.onCatalogUpdated != nil {
			var event models.CatalogUpdatedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal CatalogUpdated event: %w", err)
			}
			return eh.onCatalogUpdated(ctx, &event)
		}

	case models.EventTypePromoUpdated:
		if eh.onPromoUpdated != nil {
			var event models.PromoUpdatedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PromoUpdated event: %w", err)
			}
			return eh.onPromoUpdated(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
