package models

import (
	"time"

	"github.com/google/uuid"
)

// Event types published to the order events topic
const (
	EventTypeOrderCreated     = "order.created"
	EventTypeOrderConfirmed   = "order.confirmed"
	EventTypeOrderActivated   = "order.activated"
	EventTypeOrderCancelled   = "order.cancelled"
	EventTypeOrderCompleted   = "order.completed"
	EventTypeOrderDisputed    = "order.disputed"
	EventTypePaymentSucceeded = "payment.succeeded"
	EventTypePaymentFailed    = "payment.failed"
	EventTypePaymentRefunded  = "payment.refunded"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

func newBaseEvent(eventType string, at time.Time) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: at,
	}
}

// OrderEvent is published after an order is created or changes status.
type OrderEvent struct {
	BaseEvent
	OrderID    string      `json:"order_id"`
	ResourceID string      `json:"resource_id"`
	RenterID   string      `json:"renter_id"`
	OwnerID    string      `json:"owner_id"`
	Status     OrderStatus `json:"status"`
	ActorID    string      `json:"actor_id"`
	Reason     string      `json:"reason,omitempty"`
}

// PaymentStatusEvent is published after a payment settles, fails or is refunded.
type PaymentStatusEvent struct {
	BaseEvent
	PaymentID string        `json:"payment_id"`
	OrderID   string        `json:"order_id"`
	Provider  string        `json:"provider"`
	TradeNo   string        `json:"trade_no,omitempty"`
	Amount    int64         `json:"amount"`
	Status    PaymentStatus `json:"status"`
}

var orderEventTypes = map[OrderStatus]string{
	OrderPending:   EventTypeOrderCreated,
	OrderConfirmed: EventTypeOrderConfirmed,
	OrderActive:    EventTypeOrderActivated,
	OrderCancelled: EventTypeOrderCancelled,
	OrderCompleted: EventTypeOrderCompleted,
	OrderDisputed:  EventTypeOrderDisputed,
}

// NewOrderEvent builds the event describing o's current status.
func NewOrderEvent(o *Order, actorID, reason string, at time.Time) *OrderEvent {
	return &OrderEvent{
		BaseEvent:  newBaseEvent(orderEventTypes[o.Status], at),
		OrderID:    o.ID,
		ResourceID: o.ResourceID,
		RenterID:   o.RenterID,
		OwnerID:    o.OwnerID,
		Status:     o.Status,
		ActorID:    actorID,
		Reason:     reason,
	}
}

var paymentEventTypes = map[PaymentStatus]string{
	PaymentSuccess:  EventTypePaymentSucceeded,
	PaymentFailed:   EventTypePaymentFailed,
	PaymentRefunded: EventTypePaymentRefunded,
}

// NewPaymentStatusEvent returns nil for statuses that are not announced.
func NewPaymentStatusEvent(p *Payment, at time.Time) *PaymentStatusEvent {
	eventType, ok := paymentEventTypes[p.Status]
	if !ok {
		return nil
	}
	return &PaymentStatusEvent{
		BaseEvent: newBaseEvent(eventType, at),
		PaymentID: p.ID,
		OrderID:   p.OrderID,
		Provider:  p.Provider,
		TradeNo:   p.TradeNo,
		Amount:    p.Amount,
		Status:    p.Status,
	}
}
