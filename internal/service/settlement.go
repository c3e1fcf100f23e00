package service

import (
	"context"
	"encoding/json"
	"time"

	"rental-service/internal/apperr"
	"rental-service/internal/models"
	"rental-service/internal/payment"
	"rental-service/internal/store"
	"rental-service/internal/util"

	"go.uber.org/zap"
)

// Outcome describes what applying a provider report did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeLate      Outcome = "late"
)

// Settlement applies a provider-reported payment status to the payment and
// its order. Webhooks, status queries and simulated callbacks all go
// through Apply, so a trade number is settled at most once.
type Settlement struct {
	store     *store.Store
	cache     PaymentCache
	publisher EventPublisher
	now       func() time.Time
	logger    *zap.Logger
}

// NewSettlement creates the shared settlement handler
func NewSettlement(store *store.Store, cache PaymentCache, publisher EventPublisher) *Settlement {
	return &Settlement{
		store:     store,
		cache:     orNoopCache(cache),
		publisher: orNoopPublisher(publisher),
		now:       utcNow,
		logger:    util.GetLogger(),
	}
}

// SetClock replaces the time source.
func (s *Settlement) SetClock(now func() time.Time) {
	s.now = now
}

// settleEffects collects what to announce once the transaction commits.
type settleEffects struct {
	outcome   Outcome
	payment   *models.Payment
	order     *models.Order
	orderEv   bool
	paymentEv bool
}

// Apply records cb against the stored payment in one transaction.
func (s *Settlement) Apply(ctx context.Context, cb *payment.Callback) (Outcome, error) {
	ctx, span := util.StartSpan(ctx, "Settlement.Apply",
		"payment_id", cb.PaymentID, "status", string(cb.Status))
	var err error
	defer func() { util.EndSpan(span, err) }()

	if cb.PaymentID == "" {
		err = apperr.Validation("callback carries no payment id")
		return "", err
	}

	var fx settleEffects
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		// order row first, then payment, the same order CreatePayment locks in
		head, err := tx.GetPayment(ctx, cb.PaymentID)
		if err != nil {
			return lookupErr(err, apperr.ErrPaymentNotFound, cb.PaymentID)
		}
		order, err := tx.GetOrderForUpdate(ctx, head.OrderID)
		if err != nil {
			return lookupErr(err, apperr.ErrOrderNotFound, head.OrderID)
		}
		p, err := tx.GetPaymentForUpdate(ctx, cb.PaymentID)
		if err != nil {
			return lookupErr(err, apperr.ErrPaymentNotFound, cb.PaymentID)
		}
		if cb.OrderID != "" && cb.OrderID != p.OrderID {
			return apperr.Validation("callback order %s does not match payment order %s", cb.OrderID, p.OrderID)
		}
		if cb.Provider != "" && string(cb.Provider) != p.Provider {
			return apperr.Validation("callback from %s for a %s payment", cb.Provider, p.Provider)
		}
		fx.payment = p

		switch cb.Status {
		case models.PaymentSuccess:
			return s.applySuccess(ctx, tx, p, order, cb, &fx)
		case models.PaymentFailed, models.PaymentCancelled:
			return s.applyStatus(ctx, tx, p, cb, models.PaymentFailed, &fx)
		case models.PaymentProcessing:
			return s.applyStatus(ctx, tx, p, cb, models.PaymentProcessing, &fx)
		case models.PaymentRefunded:
			if p.Status == models.PaymentRefunded {
				fx.outcome = OutcomeDuplicate
				return nil
			}
			if p.Status != models.PaymentRefunding {
				fx.outcome = OutcomeIgnored
				return nil
			}
			order, err := completeRefund(ctx, tx, p, cb.TradeNo)
			if err != nil {
				return err
			}
			fx.outcome, fx.order, fx.paymentEv = OutcomeApplied, order, true
			return nil
		default:
			fx.outcome = OutcomeIgnored
			return nil
		}
	})
	if err != nil {
		err = writeErr(err, "payment "+cb.PaymentID)
		util.PaymentSettlementsTotal.WithLabelValues(string(cb.Status), "error").Inc()
		return "", err
	}

	util.PaymentSettlementsTotal.WithLabelValues(string(cb.Status), string(fx.outcome)).Inc()
	if fx.outcome == OutcomeApplied || fx.outcome == OutcomeLate {
		if err := s.cache.Invalidate(ctx, fx.payment.ID); err != nil {
			s.logger.Warn("Failed to invalidate cached payment", zap.String("payment_id", fx.payment.ID), zap.Error(err))
		}
	}

	s.logger.Info("Payment report applied",
		zap.String("payment_id", fx.payment.ID),
		zap.String("trade_no", cb.TradeNo),
		zap.String("reported", string(cb.Status)),
		zap.String("status", string(fx.payment.Status)),
		zap.String("outcome", string(fx.outcome)))

	if fx.paymentEv {
		publishPaymentEvent(ctx, s.publisher, s.logger, models.NewPaymentStatusEvent(fx.payment, s.now()))
	}
	if fx.orderEv && fx.order != nil {
		publishOrderEvent(ctx, s.publisher, s.logger, models.NewOrderEvent(fx.order, models.SystemActor, "payment received", s.now()))
	}
	return fx.outcome, nil
}

func (s *Settlement) applySuccess(ctx context.Context, tx *store.Tx, p *models.Payment, order *models.Order, cb *payment.Callback, fx *settleEffects) error {
	if cb.TradeNo == "" {
		return apperr.Validation("success callback carries no trade number")
	}

	processed, err := tx.IsCallbackProcessed(ctx, cb.TradeNo)
	if err != nil {
		return err
	}
	if processed || (p.Status.Settled() && p.TradeNo == cb.TradeNo) {
		fx.outcome = OutcomeDuplicate
		return nil
	}
	if cb.Amount > 0 && cb.Amount != p.Amount {
		return apperr.Validation("callback amount %d does not match payment amount %d", cb.Amount, p.Amount)
	}

	if !p.Status.CanTransitionTo(models.PaymentSuccess) {
		// FAILED, CANCELLED, or settled under another trade number
		if _, err := tx.AppendPaymentEvent(ctx, p.ID, models.PaymentEventLateSuccess, callbackPayload(cb, p.Status)); err != nil {
			return err
		}
		if err := tx.MarkCallbackProcessed(ctx, cb.TradeNo, p.Provider, p.ID); err != nil {
			return err
		}
		s.logger.Warn("Success reported for a payment that cannot settle",
			zap.String("payment_id", p.ID),
			zap.String("status", string(p.Status)),
			zap.String("trade_no", cb.TradeNo))
		fx.outcome = OutcomeLate
		return nil
	}

	if order.PaymentStatus == models.OrderPaymentPaid || order.PaymentStatus == models.OrderPaymentRefunded {
		// another payment already settled this order; the money goes back by hand
		payload := mustJSON(map[string]interface{}{
			"trade_no":             cb.TradeNo,
			"amount":               cb.Amount,
			"order_payment_status": order.PaymentStatus,
		})
		if _, err := tx.AppendPaymentEvent(ctx, p.ID, models.PaymentEventDuplicateSuccess, payload); err != nil {
			return err
		}
		if err := tx.MarkCallbackProcessed(ctx, cb.TradeNo, p.Provider, p.ID); err != nil {
			return err
		}
		s.logger.Warn("Success reported for an order paid by another payment",
			zap.String("payment_id", p.ID),
			zap.String("order_id", order.ID),
			zap.String("trade_no", cb.TradeNo))
		fx.outcome = OutcomeLate
		return nil
	}

	from := p.Status
	paidAt := s.now()
	if !cb.Timestamp.IsZero() {
		paidAt = cb.Timestamp.UTC()
	}
	p.Status = models.PaymentSuccess
	p.TradeNo = cb.TradeNo
	p.PaidAmount = p.Amount
	p.PaidAt = &paidAt
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return err
	}
	if _, err := tx.AppendPaymentEvent(ctx, p.ID, models.PaymentEventStatusChanged, callbackPayload(cb, from)); err != nil {
		return err
	}
	if err := tx.MarkCallbackProcessed(ctx, cb.TradeNo, p.Provider, p.ID); err != nil {
		return err
	}

	order.PaymentStatus = models.OrderPaymentPaid
	if order.Status == models.OrderPending {
		if _, err := applyOrderTransition(ctx, tx, order, models.OrderConfirmed, ""); err != nil {
			return err
		}
		fx.orderEv = true
	} else {
		if order.Status.Terminal() {
			s.logger.Warn("Payment settled for a closed order",
				zap.String("order_id", order.ID),
				zap.String("order_status", string(order.Status)),
				zap.String("payment_id", p.ID))
		}
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
	}

	fx.outcome, fx.order, fx.paymentEv = OutcomeApplied, order, true
	return nil
}

// applyStatus handles reports that only move the payment itself.
func (s *Settlement) applyStatus(ctx context.Context, tx *store.Tx, p *models.Payment, cb *payment.Callback, to models.PaymentStatus, fx *settleEffects) error {
	if p.Status == to {
		fx.outcome = OutcomeDuplicate
		return nil
	}
	if !p.Status.CanTransitionTo(to) {
		fx.outcome = OutcomeIgnored
		return nil
	}

	from := p.Status
	p.Status = to
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return err
	}
	if _, err := tx.AppendPaymentEvent(ctx, p.ID, models.PaymentEventStatusChanged, callbackPayload(cb, from)); err != nil {
		return err
	}
	fx.outcome = OutcomeApplied
	fx.paymentEv = to == models.PaymentFailed
	return nil
}

// completeRefund finishes REFUNDING -> REFUNDED and marks the order refunded.
func completeRefund(ctx context.Context, tx *store.Tx, p *models.Payment, refundID string) (*models.Order, error) {
	if !p.Status.CanTransitionTo(models.PaymentRefunded) {
		return nil, apperr.InvalidTransition(string(p.Status), string(models.PaymentRefunded))
	}
	p.Status = models.PaymentRefunded
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return nil, err
	}
	payload := mustJSON(map[string]interface{}{"refund_id": refundID, "amount": p.RefundedAmount})
	if _, err := tx.AppendPaymentEvent(ctx, p.ID, models.PaymentEventRefundCompleted, payload); err != nil {
		return nil, err
	}

	order, err := tx.GetOrderForUpdate(ctx, p.OrderID)
	if err != nil {
		return nil, lookupErr(err, apperr.ErrOrderNotFound, p.OrderID)
	}
	order.PaymentStatus = models.OrderPaymentRefunded
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func callbackPayload(cb *payment.Callback, from models.PaymentStatus) string {
	return mustJSON(map[string]interface{}{
		"from":      from,
		"to":        cb.Status,
		"provider":  cb.Provider,
		"trade_no":  cb.TradeNo,
		"amount":    cb.Amount,
		"timestamp": cb.Timestamp,
	})
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
