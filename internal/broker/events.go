package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"rental-service/internal/models"
	"rental-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID string) string {
	return "order-" + orderID
}

// PublishOrderEvent publishes an order lifecycle event
func (ep *EventPublisher) PublishOrderEvent(ctx context.Context, event *models.OrderEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

// PublishPaymentEvent publishes a payment outcome event
func (ep *EventPublisher) PublishPaymentEvent(ctx context.Context, event *models.PaymentStatusEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

// ForwardedCallback is a provider notification relayed by an edge receiver.
// Headers and Body are exactly what the provider sent.
type ForwardedCallback struct {
	Provider   string      `json:"provider"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	ReceivedAt time.Time   `json:"received_at"`
}

// CallbackHandler routes forwarded provider callbacks
type CallbackHandler struct {
	onCallback func(context.Context, *ForwardedCallback) error
	logger     *zap.Logger
}

// NewCallbackHandler creates a new callback handler
func NewCallbackHandler() *CallbackHandler {
	return &CallbackHandler{logger: util.GetLogger()}
}

// OnCallback registers the handler for forwarded callbacks
func (h *CallbackHandler) OnCallback(handler func(context.Context, *ForwardedCallback) error) {
	h.onCallback = handler
}

// HandleMessage decodes a message and hands it to the registered handler.
func (h *CallbackHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var cb ForwardedCallback
	if err := json.Unmarshal(msg.Value, &cb); err != nil {
		return Permanent(fmt.Errorf("failed to unmarshal forwarded callback: %w", err))
	}
	if cb.Provider == "" {
		return Permanent(fmt.Errorf("forwarded callback at offset %d names no provider", msg.Offset))
	}

	h.logger.Debug("Handling forwarded callback",
		zap.String("provider", cb.Provider),
		zap.Int64("offset", msg.Offset))

	if h.onCallback == nil {
		h.logger.Warn("No callback handler registered", zap.String("provider", cb.Provider))
		return nil
	}
	return h.onCallback(ctx, &cb)
}
