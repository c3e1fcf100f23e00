package models

type ResourceStatus string

const (
	ResourceAvailable   ResourceStatus = "AVAILABLE"
	ResourceRented      ResourceStatus = "RENTED"
	ResourceMaintenance ResourceStatus = "MAINTENANCE"
	ResourceUnavailable ResourceStatus = "UNAVAILABLE"
)

// Rentable reports whether new bookings may be taken. RENTED stays rentable
// because conflicts are decided by the order windows, not by this flag.
func (s ResourceStatus) Rentable() bool {
	return s == ResourceAvailable || s == ResourceRented
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderActive    OrderStatus = "ACTIVE"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderDisputed  OrderStatus = "DISPUTED"
)

// ActiveOrderStatuses hold the resource and take part in conflict checks.
var ActiveOrderStatuses = []OrderStatus{OrderPending, OrderConfirmed, OrderActive}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:   {OrderConfirmed, OrderCancelled},
	OrderConfirmed: {OrderActive, OrderCancelled},
	OrderActive:    {OrderCompleted, OrderCancelled},
	OrderDisputed:  {OrderCompleted, OrderCancelled},
}

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderConfirmed, OrderActive, OrderCompleted, OrderCancelled, OrderDisputed:
		return true
	}
	return false
}

// Holding reports whether an order in this status occupies its window.
func (s OrderStatus) Holding() bool {
	for _, a := range ActiveOrderStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

// CanTransitionTo checks the closed order transition table.
func (s OrderStatus) CanTransitionTo(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ReleasesResource reports whether entering s frees the resource.
func (s OrderStatus) ReleasesResource() bool {
	return s.Terminal()
}

type OrderPaymentStatus string

const (
	OrderPaymentPending  OrderPaymentStatus = "PENDING"
	OrderPaymentPaid     OrderPaymentStatus = "PAID"
	OrderPaymentFailed   OrderPaymentStatus = "FAILED"
	OrderPaymentRefunded OrderPaymentStatus = "REFUNDED"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentSuccess    PaymentStatus = "SUCCESS"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentCancelled  PaymentStatus = "CANCELLED"
	PaymentRefunding  PaymentStatus = "REFUNDING"
	PaymentRefunded   PaymentStatus = "REFUNDED"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:    {PaymentProcessing, PaymentSuccess, PaymentFailed, PaymentCancelled},
	PaymentProcessing: {PaymentSuccess, PaymentFailed},
	PaymentSuccess:    {PaymentRefunding},
	PaymentRefunding:  {PaymentRefunded, PaymentSuccess},
}

// CanTransitionTo checks the closed payment transition table.
func (s PaymentStatus) CanTransitionTo(to PaymentStatus) bool {
	for _, next := range paymentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Settled reports whether money has been captured for this payment at some point.
func (s PaymentStatus) Settled() bool {
	return s == PaymentSuccess || s == PaymentRefunding || s == PaymentRefunded
}

// Open reports whether the provider may still change the outcome.
func (s PaymentStatus) Open() bool {
	return s == PaymentPending || s == PaymentProcessing
}
