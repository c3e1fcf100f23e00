package models

import (
	"math"
	"time"
)

// SystemActor is the caller id used by webhook, sweeper and admin flows.
const SystemActor = "system"

// Resource is a rentable item. The catalog owns everything except Status.
type Resource struct {
	ID            string         `db:"id" json:"id"`
	OwnerID       string         `db:"owner_id" json:"owner_id"`
	Price         int64          `db:"price" json:"price"`
	DepositAmount int64          `db:"deposit_amount" json:"deposit_amount"`
	Status        ResourceStatus `db:"status" json:"status"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// Order is a renter's booking of a resource for a date window.
type Order struct {
	ID              string             `db:"id" json:"id"`
	ResourceID      string             `db:"resource_id" json:"resource_id"`
	RenterID        string             `db:"renter_id" json:"renter_id"`
	OwnerID         string             `db:"owner_id" json:"owner_id"`
	StartDate       time.Time          `db:"start_date" json:"start_date"`
	EndDate         time.Time          `db:"end_date" json:"end_date"`
	TotalPrice      int64              `db:"total_price" json:"total_price"`
	Deposit         int64              `db:"deposit" json:"deposit"`
	DeliveryMethod  DeliveryMethod     `db:"delivery_method" json:"delivery_method"`
	DeliveryAddress string             `db:"delivery_address" json:"delivery_address,omitempty"`
	DeliveryFee     int64              `db:"delivery_fee" json:"delivery_fee"`
	Notes           string             `db:"notes" json:"notes,omitempty"`
	Status          OrderStatus        `db:"status" json:"status"`
	PaymentStatus   OrderPaymentStatus `db:"payment_status" json:"payment_status"`
	Version         int64              `db:"version" json:"-"`
	CreatedAt       time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time          `db:"updated_at" json:"updated_at"`
}

// IsParty reports whether userID is the renter or the owner.
func (o *Order) IsParty(userID string) bool {
	return userID != "" && (userID == o.RenterID || userID == o.OwnerID)
}

// Window returns the booked interval.
func (o *Order) Window() Window {
	return Window{Start: o.StartDate, End: o.EndDate}
}

// Payment is a provider-backed transaction for one order. Amounts are in minor units.
type Payment struct {
	ID             string        `db:"id" json:"id"`
	OrderID        string        `db:"order_id" json:"order_id"`
	UserID         string        `db:"user_id" json:"user_id"`
	Provider       string        `db:"provider" json:"provider"`
	Method         string        `db:"method" json:"method"`
	Amount         int64         `db:"amount" json:"amount"`
	Status         PaymentStatus `db:"status" json:"status"`
	TradeNo        string        `db:"trade_no" json:"trade_no,omitempty"`
	PaymentURL     string        `db:"payment_url" json:"payment_url,omitempty"`
	QRCode         string        `db:"qr_code" json:"qr_code,omitempty"`
	PaidAmount     int64         `db:"paid_amount" json:"paid_amount"`
	RefundedAmount int64         `db:"refunded_amount" json:"refunded_amount"`
	Version        int64         `db:"version" json:"-"`
	PaidAt         *time.Time    `db:"paid_at" json:"paid_at,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

// PaymentEvent is one immutable entry of a payment's history.
type PaymentEvent struct {
	ID        int64            `db:"id" json:"id"`
	PaymentID string           `db:"payment_id" json:"payment_id"`
	EventType PaymentEventType `db:"event_type" json:"event_type"`
	Payload   string           `db:"payload" json:"payload"`
	CreatedAt time.Time        `db:"created_at" json:"timestamp"`
}

type PaymentEventType string

const (
	PaymentEventCreated          PaymentEventType = "CREATED"
	PaymentEventStatusChanged    PaymentEventType = "STATUS_CHANGED"
	PaymentEventRefundRequested  PaymentEventType = "REFUND_REQUESTED"
	PaymentEventRefundCompleted  PaymentEventType = "REFUND_COMPLETED"
	PaymentEventRefundFailed     PaymentEventType = "REFUND_FAILED"
	PaymentEventRefundPending    PaymentEventType = "REFUND_PENDING"
	PaymentEventLateSuccess      PaymentEventType = "LATE_SUCCESS"
	PaymentEventDuplicateSuccess PaymentEventType = "DUPLICATE_SUCCESS"
)

// CallbackFailure is a verified provider callback whose side effects could not be applied.
type CallbackFailure struct {
	ID            string                `db:"id" json:"id"`
	Provider      string                `db:"provider" json:"provider"`
	PaymentID     string                `db:"payment_id" json:"payment_id"`
	TradeNo       string                `db:"trade_no" json:"trade_no"`
	Payload       string                `db:"payload" json:"payload"`
	Status        CallbackFailureStatus `db:"status" json:"status"`
	Attempts      int                   `db:"attempts" json:"attempts"`
	LastError     string                `db:"last_error" json:"last_error"`
	NextAttemptAt time.Time             `db:"next_attempt_at" json:"next_attempt_at"`
	CreatedAt     time.Time             `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time             `db:"updated_at" json:"updated_at"`
}

type CallbackFailureStatus string

const (
	CallbackFailurePending  CallbackFailureStatus = "pending"
	CallbackFailureResolved CallbackFailureStatus = "resolved"
	CallbackFailureDead     CallbackFailureStatus = "dead"
)

type DeliveryMethod string

const (
	DeliveryPickup   DeliveryMethod = "PICKUP"
	DeliveryDelivery DeliveryMethod = "DELIVERY"
)

// Valid reports whether m is a known delivery method.
func (m DeliveryMethod) Valid() bool {
	return m == DeliveryPickup || m == DeliveryDelivery
}

// Window is a booking interval. Bounds are compared inclusively.
type Window struct {
	Start time.Time
	End   time.Time
}

// Overlaps uses s1 <= e2 && s2 <= e1, so a window ending at D conflicts
// with one starting at D.
func (w Window) Overlaps(other Window) bool {
	return !w.Start.After(other.End) && !other.Start.After(w.End)
}

// RentalDays rounds the window up to whole days, with a minimum of one.
func (w Window) RentalDays() int64 {
	days := int64(math.Ceil(w.End.Sub(w.Start).Hours() / 24))
	if days < 1 {
		days = 1
	}
	return days
}

// Quote is the price breakdown of a booking.
type Quote struct {
	Days        int64
	DeliveryFee int64
	TotalPrice  int64
	Deposit     int64
}

// PriceBooking computes price x ceil(days) plus the flat delivery surcharge.
func PriceBooking(r *Resource, w Window, method DeliveryMethod, deliveryFee int64) Quote {
	q := Quote{
		Days:    w.RentalDays(),
		Deposit: r.DepositAmount,
	}
	if method == DeliveryDelivery {
		q.DeliveryFee = deliveryFee
	}
	q.TotalPrice = r.Price*q.Days + q.DeliveryFee
	return q
}
