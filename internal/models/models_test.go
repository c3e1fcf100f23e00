package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func day(d int) time.Time {
	return time.Date(2030, 1, d, 0, 0, 0, 0, time.UTC)
}

func TestOrderTransitions(t *testing.T) {
	tests := []struct {
		from OrderStatus
		to   OrderStatus
		want bool
	}{
		{OrderPending, OrderConfirmed, true},
		{OrderPending, OrderCancelled, true},
		{OrderPending, OrderActive, false},
		{OrderPending, OrderCompleted, false},
		{OrderConfirmed, OrderActive, true},
		{OrderConfirmed, OrderCancelled, true},
		{OrderConfirmed, OrderCompleted, false},
		{OrderActive, OrderCompleted, true},
		{OrderActive, OrderCancelled, true},
		{OrderDisputed, OrderCompleted, true},
		{OrderDisputed, OrderCancelled, true},
		{OrderCompleted, OrderCancelled, false},
		{OrderCancelled, OrderPending, false},
		{OrderActive, OrderDisputed, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestPaymentTransitions(t *testing.T) {
	assert.True(t, PaymentPending.CanTransitionTo(PaymentSuccess))
	assert.True(t, PaymentPending.CanTransitionTo(PaymentCancelled))
	assert.True(t, PaymentProcessing.CanTransitionTo(PaymentFailed))
	assert.True(t, PaymentSuccess.CanTransitionTo(PaymentRefunding))
	assert.True(t, PaymentRefunding.CanTransitionTo(PaymentSuccess))
	assert.True(t, PaymentRefunding.CanTransitionTo(PaymentRefunded))

	assert.False(t, PaymentProcessing.CanTransitionTo(PaymentCancelled))
	assert.False(t, PaymentFailed.CanTransitionTo(PaymentSuccess))
	assert.False(t, PaymentSuccess.CanTransitionTo(PaymentFailed))
	assert.False(t, PaymentRefunded.CanTransitionTo(PaymentSuccess))
}

func TestWindowOverlapsIsInclusive(t *testing.T) {
	w := Window{Start: day(1), End: day(3)}

	assert.True(t, w.Overlaps(Window{Start: day(2), End: day(4)}))
	assert.True(t, w.Overlaps(Window{Start: day(3), End: day(5)}), "same-day turnover conflicts")
	assert.True(t, w.Overlaps(Window{Start: day(0), End: day(1)}))
	assert.True(t, w.Overlaps(Window{Start: day(1), End: day(2)}))
	assert.False(t, w.Overlaps(Window{Start: day(4), End: day(6)}))
	assert.False(t, Window{Start: day(4), End: day(6)}.Overlaps(w))
}

func TestPriceBooking(t *testing.T) {
	r := &Resource{Price: 5000, DepositAmount: 20000}

	q := PriceBooking(r, Window{Start: day(1), End: day(3)}, DeliveryPickup, 1500)
	assert.Equal(t, int64(2), q.Days)
	assert.Equal(t, int64(10000), q.TotalPrice)
	assert.Equal(t, int64(0), q.DeliveryFee)
	assert.Equal(t, int64(20000), q.Deposit)

	partial := Window{Start: day(1), End: day(3).Add(2 * time.Hour)}
	q = PriceBooking(r, partial, DeliveryDelivery, 1500)
	assert.Equal(t, int64(3), q.Days)
	assert.Equal(t, int64(3*5000+1500), q.TotalPrice)

	short := Window{Start: day(1), End: day(1).Add(3 * time.Hour)}
	assert.Equal(t, int64(1), short.RentalDays())
}

func TestOrderIsParty(t *testing.T) {
	o := &Order{RenterID: "renter", OwnerID: "owner"}

	assert.True(t, o.IsParty("renter"))
	assert.True(t, o.IsParty("owner"))
	assert.False(t, o.IsParty("stranger"))
	assert.False(t, o.IsParty(""))
}

func TestNewPaymentStatusEvent(t *testing.T) {
	p := &Payment{ID: "p1", OrderID: "o1", Status: PaymentSuccess, Amount: 100}
	ev := NewPaymentStatusEvent(p, day(1))
	if assert.NotNil(t, ev) {
		assert.Equal(t, EventTypePaymentSucceeded, ev.EventType)
		assert.NotEmpty(t, ev.EventID)
	}

	p.Status = PaymentProcessing
	assert.Nil(t, NewPaymentStatusEvent(p, day(1)))
}
