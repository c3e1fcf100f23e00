package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"rental-service/internal/apperr"
	"rental-service/internal/models"
	"rental-service/internal/payment"
	"rental-service/internal/store"
	"rental-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentService opens, tracks and refunds provider-backed payments
type PaymentService struct {
	store      *store.Store
	registry   *payment.Registry
	settlement *Settlement
	cache      PaymentCache
	publisher  EventPublisher
	now        func() time.Time
	logger     *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	store *store.Store,
	registry *payment.Registry,
	settlement *Settlement,
	cache PaymentCache,
	publisher EventPublisher,
) *PaymentService {
	return &PaymentService{
		store:      store,
		registry:   registry,
		settlement: settlement,
		cache:      orNoopCache(cache),
		publisher:  orNoopPublisher(publisher),
		now:        utcNow,
		logger:     util.GetLogger(),
	}
}

// CreatePaymentRequest represents a checkout request
type CreatePaymentRequest struct {
	OrderID     string `json:"order_id"`
	UserID      string `json:"-"`
	Amount      int64  `json:"amount"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Method      string `json:"method"`
	ReturnURL   string `json:"return_url"`
	Provider    string `json:"provider"`
}

func (r *CreatePaymentRequest) validate() error {
	var missing []string
	if r.OrderID == "" {
		missing = append(missing, "order_id")
	}
	if strings.TrimSpace(r.Title) == "" {
		missing = append(missing, "title")
	}
	if r.UserID == "" {
		missing = append(missing, "user id")
	}
	if len(missing) > 0 {
		return apperr.Validation("missing required fields: %s", strings.Join(missing, ", "))
	}
	if r.Amount <= 0 || r.Amount > payment.MaxAmount {
		return apperr.Validation("amount must be between 1 and %d", payment.MaxAmount)
	}
	return nil
}

// CreatePayment opens a payment with the selected provider and records it
// as PENDING. Nothing is stored when the provider call fails.
func (s *PaymentService) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*payment.PaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CreatePayment", "order_id", req.OrderID)
	var err error
	defer func() { util.EndSpan(span, err) }()

	if err = req.validate(); err != nil {
		return nil, err
	}

	order, lerr := s.store.GetOrder(ctx, req.OrderID)
	if lerr != nil {
		err = lookupErr(lerr, apperr.ErrOrderNotFound, req.OrderID)
		return nil, err
	}
	if req.UserID != order.RenterID {
		err = apperr.New(apperr.ErrForbidden, "only the renter may pay for this order")
		return nil, err
	}
	if err = checkPayable(order); err != nil {
		return nil, err
	}
	existing, lerr := s.store.ListPaymentsByOrder(ctx, order.ID)
	if lerr != nil {
		err = apperr.Internal(lerr, "list payments of order %s", order.ID)
		return nil, err
	}
	if err = checkNoPaymentInFlight(order.ID, existing); err != nil {
		return nil, err
	}

	provider, err := s.registry.Select(payment.ProviderID(req.Provider))
	if err != nil {
		return nil, err
	}

	info := payment.OrderInfo{
		PaymentID:   uuid.New().String(),
		OrderID:     order.ID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		Title:       req.Title,
		Description: req.Description,
		ReturnURL:   req.ReturnURL,
	}

	var result *payment.PaymentResult
	err = observeProvider(provider.Name(), "create", func() error {
		var perr error
		result, perr = provider.CreatePayment(ctx, info)
		return perr
	})
	if err != nil {
		s.logger.Error("Provider rejected payment",
			zap.String("provider", string(provider.Name())),
			zap.String("order_id", order.ID),
			zap.Error(err))
		return nil, err
	}

	p := &models.Payment{
		ID:         info.PaymentID,
		OrderID:    order.ID,
		UserID:     req.UserID,
		Provider:   string(provider.Name()),
		Method:     req.Method,
		Amount:     req.Amount,
		Status:     models.PaymentPending,
		PaymentURL: result.PaymentURL,
		QRCode:     result.QRCode,
	}
	if p.Method == "" {
		p.Method = string(provider.Name())
	}

	// the order may have been paid or given another checkout while the provider was called
	var superseded []string
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		locked, err := tx.GetOrderForUpdate(ctx, order.ID)
		if err != nil {
			return lookupErr(err, apperr.ErrOrderNotFound, order.ID)
		}
		if err := checkPayable(locked); err != nil {
			return err
		}
		current, err := tx.ListPaymentsByOrder(ctx, locked.ID)
		if err != nil {
			return err
		}
		if err := checkNoPaymentInFlight(locked.ID, current); err != nil {
			return err
		}
		if superseded, err = supersedePending(ctx, tx, current, p.ID, req.UserID); err != nil {
			return err
		}

		if err := tx.CreatePayment(ctx, p); err != nil {
			return err
		}
		payload := mustJSON(map[string]interface{}{
			"provider": p.Provider,
			"amount":   p.Amount,
			"title":    req.Title,
		})
		_, err = tx.AppendPaymentEvent(ctx, p.ID, models.PaymentEventCreated, payload)
		return err
	})
	if err != nil {
		s.logger.Warn("Provider checkout opened but payment not recorded",
			zap.String("payment_id", p.ID),
			zap.String("order_id", order.ID),
			zap.String("provider", p.Provider),
			zap.Error(err))
		err = writeErr(err, "payment "+p.ID)
		return nil, err
	}
	for _, id := range superseded {
		s.invalidate(ctx, id)
	}

	util.PaymentsCreatedTotal.WithLabelValues(p.Provider).Inc()
	s.logger.Info("Payment created",
		zap.String("payment_id", p.ID),
		zap.String("order_id", p.OrderID),
		zap.String("provider", p.Provider),
		zap.Int64("amount", p.Amount))

	result.PaymentID = p.ID
	result.Provider = p.Provider
	return result, nil
}

func checkPayable(o *models.Order) error {
	if o.PaymentStatus == models.OrderPaymentPaid || o.PaymentStatus == models.OrderPaymentRefunded {
		return apperr.Validation("order %s is already paid", o.ID)
	}
	if o.Status.Terminal() {
		return apperr.Validation("order %s is %s", o.ID, o.Status)
	}
	return nil
}

// checkNoPaymentInFlight rejects a new checkout while another payment of the
// order is processing or settled. PENDING payments do not block; they are
// superseded.
func checkNoPaymentInFlight(orderID string, payments []models.Payment) error {
	for _, p := range payments {
		if p.Status == models.PaymentProcessing || p.Status.Settled() {
			return apperr.New(apperr.ErrInvalidTransition,
				"order %s already has payment %s in status %s", orderID, p.ID, p.Status)
		}
	}
	return nil
}

// supersedePending cancels the order's PENDING payments in favour of newID
// and returns the ids it cancelled. A late success on one of them is kept as
// LATE_SUCCESS and never settles the order twice.
func supersedePending(ctx context.Context, tx *store.Tx, payments []models.Payment, newID, actorID string) ([]string, error) {
	var cancelled []string
	for _, old := range payments {
		if old.Status != models.PaymentPending {
			continue
		}
		locked, err := tx.GetPaymentForUpdate(ctx, old.ID)
		if err != nil {
			return nil, err
		}
		if locked.Status != models.PaymentPending {
			continue
		}
		locked.Status = models.PaymentCancelled
		if err := tx.UpdatePayment(ctx, locked); err != nil {
			return nil, err
		}
		payload := mustJSON(map[string]interface{}{
			"from":          models.PaymentPending,
			"to":            models.PaymentCancelled,
			"actor":         actorID,
			"superseded_by": newID,
		})
		if _, err := tx.AppendPaymentEvent(ctx, locked.ID, models.PaymentEventStatusChanged, payload); err != nil {
			return nil, err
		}
		cancelled = append(cancelled, locked.ID)
	}
	return cancelled, nil
}

// QueryPaymentStatus returns the payment, asking the provider for news while
// the outcome is still open. A provider report that differs from the stored
// status is applied through the settlement path.
func (s *PaymentService) QueryPaymentStatus(ctx context.Context, paymentID, callerID string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.QueryPaymentStatus", "payment_id", paymentID)
	var err error
	defer func() { util.EndSpan(span, err) }()

	p, err := s.loadPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err = s.authorize(ctx, p, callerID); err != nil {
		return nil, err
	}
	if !p.Status.Open() && p.Status != models.PaymentRefunding {
		return p, nil
	}

	provider, ok := s.registry.Get(payment.ProviderID(p.Provider))
	if !ok || !provider.IsConfigured() {
		return p, nil
	}

	var res *payment.QueryResult
	qerr := observeProvider(provider.Name(), "query", func() error {
		var perr error
		res, perr = provider.QueryPayment(ctx, p.ID)
		return perr
	})
	if qerr != nil {
		s.logger.Warn("Payment status query failed", zap.String("payment_id", p.ID), zap.Error(qerr))
		return p, nil
	}
	if res.Status == p.Status || res.Status == models.PaymentPending {
		return p, nil
	}

	cb := &payment.Callback{
		Provider:  provider.Name(),
		PaymentID: p.ID,
		OrderID:   p.OrderID,
		TradeNo:   res.TradeNo,
		Amount:    res.PaidAmount,
		Status:    res.Status,
		Timestamp: s.now(),
	}
	if _, aerr := s.settlement.Apply(ctx, cb); aerr != nil {
		s.logger.Warn("Failed to apply queried payment status",
			zap.String("payment_id", p.ID),
			zap.String("reported", string(res.Status)),
			zap.Error(aerr))
		return p, nil
	}

	fresh, lerr := s.store.GetPayment(ctx, p.ID)
	if lerr != nil {
		err = lookupErr(lerr, apperr.ErrPaymentNotFound, p.ID)
		return nil, err
	}
	s.cachePayment(ctx, fresh)
	return fresh, nil
}

// RefundRequest asks for part or all of a settled payment back.
type RefundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// RefundPayment moves a SUCCESS payment to REFUNDING and asks the provider
// to refund. A provider rejection returns the payment to SUCCESS. When the
// provider cannot be reached the outcome is unknown, so the payment stays
// REFUNDING until a callback or query settles it, and the same refund may be
// re-sent under its original refund id.
func (s *PaymentService) RefundPayment(ctx context.Context, paymentID, callerID string, req RefundRequest) (*payment.RefundResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.RefundPayment", "payment_id", paymentID)
	var err error
	defer func() { util.EndSpan(span, err) }()

	if req.Amount <= 0 {
		err = apperr.Validation("refund amount must be positive")
		return nil, err
	}

	current, err := s.loadStoredPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err = s.authorize(ctx, current, callerID); err != nil {
		return nil, err
	}
	provider, ok := s.registry.Get(payment.ProviderID(current.Provider))
	if !ok || !provider.IsConfigured() {
		err = apperr.New(apperr.ErrProviderNotConfigured, "payment provider %q is not configured", current.Provider)
		return nil, err
	}

	refundID := uuid.New().String()
	var resend bool
	var p *models.Payment
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		locked, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return lookupErr(err, apperr.ErrPaymentNotFound, paymentID)
		}

		switch locked.Status {
		case models.PaymentSuccess:
			if req.Amount > locked.PaidAmount {
				return apperr.Validation("refund amount %d exceeds paid amount %d", req.Amount, locked.PaidAmount)
			}
			locked.Status = models.PaymentRefunding
			locked.RefundedAmount = req.Amount
			if err := tx.UpdatePayment(ctx, locked); err != nil {
				return err
			}
		case models.PaymentRefunding:
			pendingID, err := pendingRefundID(ctx, tx, locked.ID)
			if err != nil {
				return err
			}
			if pendingID == "" {
				return apperr.New(apperr.ErrInvalidTransition, "payment %s already has a refund in progress", locked.ID)
			}
			if req.Amount != locked.RefundedAmount {
				return apperr.Validation("refund %s is pending for amount %d", pendingID, locked.RefundedAmount)
			}
			refundID, resend = pendingID, true
		default:
			return apperr.InvalidTransition(string(locked.Status), string(models.PaymentRefunding))
		}

		payload := mustJSON(map[string]interface{}{
			"refund_id": refundID,
			"amount":    req.Amount,
			"reason":    req.Reason,
			"resend":    resend,
		})
		if _, err := tx.AppendPaymentEvent(ctx, locked.ID, models.PaymentEventRefundRequested, payload); err != nil {
			return err
		}
		p = locked
		return nil
	})
	if err != nil {
		err = writeErr(err, "payment "+paymentID)
		return nil, err
	}
	s.invalidate(ctx, paymentID)

	var result *payment.RefundResult
	perr := observeProvider(provider.Name(), "refund", func() error {
		var e error
		result, e = provider.Refund(ctx, payment.RefundInfo{
			PaymentID:   p.ID,
			TradeNo:     p.TradeNo,
			RefundID:    refundID,
			Amount:      req.Amount,
			TotalAmount: p.PaidAmount,
			Reason:      req.Reason,
		})
		return e
	})
	if perr != nil && apperr.KindOf(perr) == apperr.KindProviderUnavailable {
		util.RefundsTotal.WithLabelValues(p.Provider, "unknown").Inc()
		s.logger.Warn("Refund outcome unknown, payment stays REFUNDING",
			zap.String("payment_id", p.ID),
			zap.String("refund_id", refundID),
			zap.Error(perr))
		if merr := s.markRefundPending(ctx, p.ID, refundID, perr); merr != nil {
			s.logger.Error("Failed to record pending refund", zap.String("payment_id", p.ID), zap.Error(merr))
		}
		err = perr
		return nil, err
	}
	if perr != nil {
		util.RefundsTotal.WithLabelValues(p.Provider, "failed").Inc()
		s.logger.Error("Provider rejected refund",
			zap.String("payment_id", p.ID),
			zap.String("refund_id", refundID),
			zap.Error(perr))
		if rerr := s.revertRefund(ctx, p.ID, refundID, perr); rerr != nil {
			s.logger.Error("Failed to revert refund", zap.String("payment_id", p.ID), zap.Error(rerr))
		}
		err = perr
		return nil, err
	}

	if !result.Completed {
		util.RefundsTotal.WithLabelValues(p.Provider, "accepted").Inc()
		return result, nil
	}

	var order *models.Order
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		locked, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return lookupErr(err, apperr.ErrPaymentNotFound, paymentID)
		}
		if locked.Status != models.PaymentRefunding {
			// completed concurrently by a callback or query
			p = locked
			return nil
		}
		order, err = completeRefund(ctx, tx, locked, result.RefundID)
		p = locked
		return err
	})
	if err != nil {
		err = writeErr(err, "payment "+paymentID)
		return nil, err
	}
	s.invalidate(ctx, paymentID)

	util.RefundsTotal.WithLabelValues(p.Provider, "completed").Inc()
	s.logger.Info("Payment refunded",
		zap.String("payment_id", p.ID),
		zap.String("refund_id", result.RefundID),
		zap.Int64("amount", result.RefundAmount))
	if order != nil {
		publishPaymentEvent(ctx, s.publisher, s.logger, models.NewPaymentStatusEvent(p, s.now()))
	}
	return result, nil
}

// markRefundPending records that refundID was sent but not answered.
func (s *PaymentService) markRefundPending(ctx context.Context, paymentID, refundID string, cause error) error {
	payload := mustJSON(map[string]interface{}{
		"refund_id": refundID,
		"error":     apperr.PublicMessage(cause),
	})
	_, err := s.store.AppendPaymentEvent(context.WithoutCancel(ctx), paymentID, models.PaymentEventRefundPending, payload)
	s.invalidate(ctx, paymentID)
	return err
}

// pendingRefundID returns the refund id of an unanswered refund, or "" when
// the latest refund activity is anything other than REFUND_PENDING.
func pendingRefundID(ctx context.Context, tx *store.Tx, paymentID string) (string, error) {
	events, err := tx.ListPaymentEvents(ctx, paymentID)
	if err != nil {
		return "", err
	}
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i].EventType {
		case models.PaymentEventRefundPending:
			var payload struct {
				RefundID string `json:"refund_id"`
			}
			if err := json.Unmarshal([]byte(events[i].Payload), &payload); err != nil {
				return "", apperr.Internal(err, "decode refund event %d", events[i].ID)
			}
			return payload.RefundID, nil
		case models.PaymentEventRefundRequested, models.PaymentEventRefundCompleted, models.PaymentEventRefundFailed:
			return "", nil
		}
	}
	return "", nil
}

// revertRefund applies the REFUNDING -> SUCCESS fallback.
func (s *PaymentService) revertRefund(ctx context.Context, paymentID, refundID string, cause error) error {
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		p, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status != models.PaymentRefunding {
			return nil
		}
		p.Status = models.PaymentSuccess
		p.RefundedAmount = 0
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		payload := mustJSON(map[string]interface{}{
			"refund_id": refundID,
			"error":     apperr.PublicMessage(cause),
		})
		_, err = tx.AppendPaymentEvent(ctx, p.ID, models.PaymentEventRefundFailed, payload)
		return err
	})
	s.invalidate(ctx, paymentID)
	return err
}

// CancelPayment abandons a PENDING payment.
func (s *PaymentService) CancelPayment(ctx context.Context, paymentID, callerID string) (*models.Payment, error) {
	var p *models.Payment
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		locked, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return lookupErr(err, apperr.ErrPaymentNotFound, paymentID)
		}
		if callerID != locked.UserID && callerID != models.SystemActor {
			return apperr.New(apperr.ErrForbidden, "only the payer may cancel this payment")
		}
		if locked.Status != models.PaymentPending {
			return apperr.InvalidTransition(string(locked.Status), string(models.PaymentCancelled))
		}

		locked.Status = models.PaymentCancelled
		if err := tx.UpdatePayment(ctx, locked); err != nil {
			return err
		}
		payload := mustJSON(map[string]interface{}{
			"from":  models.PaymentPending,
			"to":    models.PaymentCancelled,
			"actor": callerID,
		})
		if _, err := tx.AppendPaymentEvent(ctx, locked.ID, models.PaymentEventStatusChanged, payload); err != nil {
			return err
		}
		p = locked
		return nil
	})
	if err != nil {
		return nil, writeErr(err, "payment "+paymentID)
	}
	s.invalidate(ctx, paymentID)

	s.logger.Info("Payment cancelled", zap.String("payment_id", p.ID), zap.String("actor_id", callerID))
	return p, nil
}

// ListPaymentEvents returns the append-only history of a payment.
func (s *PaymentService) ListPaymentEvents(ctx context.Context, paymentID, callerID string) ([]models.PaymentEvent, error) {
	p, err := s.loadStoredPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, callerID); err != nil {
		return nil, err
	}
	events, err := s.store.ListPaymentEvents(ctx, paymentID)
	if err != nil {
		return nil, apperr.Internal(err, "list payment events")
	}
	return events, nil
}

// authorize admits the payer, the order's owner and the system actor.
func (s *PaymentService) authorize(ctx context.Context, p *models.Payment, callerID string) error {
	if callerID == "" {
		return apperr.Validation("caller id is required")
	}
	if callerID == p.UserID || callerID == models.SystemActor {
		return nil
	}
	order, err := s.store.GetOrder(ctx, p.OrderID)
	if err != nil {
		return lookupErr(err, apperr.ErrOrderNotFound, p.OrderID)
	}
	if !order.IsParty(callerID) {
		return apperr.New(apperr.ErrForbidden, "caller is not a party to this payment")
	}
	return nil
}

// loadPayment reads through the cache.
func (s *PaymentService) loadPayment(ctx context.Context, id string) (*models.Payment, error) {
	cached, err := s.cache.Get(ctx, id)
	if err != nil {
		s.logger.Warn("Payment cache read failed", zap.String("payment_id", id), zap.Error(err))
	}
	if cached != nil {
		util.CacheLookupsTotal.WithLabelValues("hit").Inc()
		return cached, nil
	}
	util.CacheLookupsTotal.WithLabelValues("miss").Inc()

	p, err := s.loadStoredPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cachePayment(ctx, p)
	return p, nil
}

func (s *PaymentService) loadStoredPayment(ctx context.Context, id string) (*models.Payment, error) {
	if id == "" {
		return nil, apperr.Validation("payment id is required")
	}
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return nil, lookupErr(err, apperr.ErrPaymentNotFound, id)
	}
	return p, nil
}

func (s *PaymentService) cachePayment(ctx context.Context, p *models.Payment) {
	if err := s.cache.Set(ctx, p); err != nil {
		s.logger.Warn("Failed to cache payment", zap.String("payment_id", p.ID), zap.Error(err))
	}
}

func (s *PaymentService) invalidate(ctx context.Context, id string) {
	if err := s.cache.Invalidate(ctx, id); err != nil {
		s.logger.Warn("Failed to invalidate cached payment", zap.String("payment_id", id), zap.Error(err))
	}
}

func observeProvider(provider payment.ProviderID, op string, call func() error) error {
	start := time.Now()
	err := call()
	util.ProviderRequestLatency.WithLabelValues(string(provider), op).Observe(time.Since(start).Seconds())
	return err
}
