package service

import (
	"context"
	"strings"
	"time"

	"rental-service/internal/apperr"
	"rental-service/internal/models"
	"rental-service/internal/store"
	"rental-service/internal/util"

	"go.uber.org/zap"
)

// OrderService handles order lifecycle transitions
type OrderService struct {
	store     *store.Store
	publisher EventPublisher
	now       func() time.Time
	logger    *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(store *store.Store, publisher EventPublisher) *OrderService {
	return &OrderService{
		store:     store,
		publisher: orNoopPublisher(publisher),
		now:       utcNow,
		logger:    util.GetLogger(),
	}
}

// SetClock replaces the time source.
func (s *OrderService) SetClock(now func() time.Time) {
	s.now = now
}

// applyOrderTransition moves o to status `to` inside tx, releasing the
// resource when the new status is terminal. o must have been read in tx.
func applyOrderTransition(ctx context.Context, tx *store.Tx, o *models.Order, to models.OrderStatus, note string) (bool, error) {
	from := o.Status
	if !from.CanTransitionTo(to) {
		return false, apperr.InvalidTransition(string(from), string(to))
	}

	o.Status = to
	if note != "" {
		o.Notes = appendNote(o.Notes, note)
	}
	if err := tx.UpdateOrder(ctx, o); err != nil {
		o.Status = from
		return false, writeErr(err, "order "+o.ID)
	}
	util.OrderTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()

	if !to.ReleasesResource() {
		return false, nil
	}
	released, err := releaseResource(ctx, tx, o.ResourceID, o.ID)
	if err != nil {
		return false, err
	}
	return released, nil
}

func appendNote(notes, note string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return notes
	}
	if notes == "" {
		return note
	}
	return notes + "\n" + note
}

// authorizer decides whether callerID may move the order to its target status.
type authorizer func(o *models.Order, callerID string) error

func ownerOnly(o *models.Order, callerID string) error {
	if callerID == o.OwnerID || callerID == models.SystemActor {
		return nil
	}
	return apperr.New(apperr.ErrForbidden, "only the owner may perform this action")
}

func partyOnly(o *models.Order, callerID string) error {
	if o.IsParty(callerID) || callerID == models.SystemActor {
		return nil
	}
	return apperr.ErrForbidden
}

// transition is the single path that writes Order.status outside booking.
func (s *OrderService) transition(ctx context.Context, orderID, callerID string, to models.OrderStatus, note string, allow authorizer, precheck func(o *models.Order) error) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Transition", "order_id", orderID, "to", string(to))
	var err error
	defer func() { util.EndSpan(span, err) }()

	if orderID == "" || callerID == "" {
		err = apperr.Validation("order id and caller id are required")
		return nil, err
	}

	var order *models.Order
	var from models.OrderStatus
	var released bool
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return lookupErr(err, apperr.ErrOrderNotFound, orderID)
		}
		if err := allow(o, callerID); err != nil {
			return err
		}
		if !o.Status.CanTransitionTo(to) {
			return apperr.InvalidTransition(string(o.Status), string(to))
		}
		if precheck != nil {
			if err := precheck(o); err != nil {
				return err
			}
		}

		from = o.Status
		released, err = applyOrderTransition(ctx, tx, o, to, note)
		if err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		err = writeErr(err, "order "+orderID)
		return nil, err
	}

	if released {
		util.ResourcesReleasedTotal.WithLabelValues("order").Inc()
	}
	s.logger.Info("Order status changed",
		zap.String("order_id", order.ID),
		zap.String("from", string(from)),
		zap.String("to", string(order.Status)),
		zap.String("actor_id", callerID),
		zap.Bool("resource_released", released))

	publishOrderEvent(ctx, s.publisher, s.logger, models.NewOrderEvent(order, callerID, note, s.now()))
	return order, nil
}

// ConfirmOrder accepts a PENDING order. Only the owner may confirm.
func (s *OrderService) ConfirmOrder(ctx context.Context, orderID, callerID string) (*models.Order, error) {
	return s.transition(ctx, orderID, callerID, models.OrderConfirmed, "", ownerOnly, nil)
}

// CancelOrder cancels a non-terminal order and frees its resource.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, callerID, reason string) (*models.Order, error) {
	return s.transition(ctx, orderID, callerID, models.OrderCancelled, reason, partyOnly, nil)
}

// CompleteOrder closes an ACTIVE order once its end date has passed.
// Disputed orders are settled through UpdateOrderStatus instead.
func (s *OrderService) CompleteOrder(ctx context.Context, orderID, callerID string) (*models.Order, error) {
	return s.transition(ctx, orderID, callerID, models.OrderCompleted, "", partyOnly, s.requireActiveAndDue)
}

func (s *OrderService) requireActiveAndDue(o *models.Order) error {
	if o.Status != models.OrderActive {
		return apperr.InvalidTransition(string(o.Status), string(models.OrderCompleted))
	}
	return s.requireDue(o)
}

func (s *OrderService) requireDue(o *models.Order) error {
	if s.now().Before(o.EndDate) {
		return apperr.New(apperr.ErrOrderNotYetDue, "order %s ends at %s", o.ID, o.EndDate.Format(time.RFC3339))
	}
	return nil
}

// UpdateOrderStatus is the generic entry point used by admin and webhook
// flows. The same table and caller rules as the dedicated operations apply.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, orderID, callerID string, status models.OrderStatus, notes string) (*models.Order, error) {
	if !status.Valid() {
		return nil, apperr.Validation("unknown order status %q", status)
	}

	switch status {
	case models.OrderConfirmed, models.OrderActive:
		return s.transition(ctx, orderID, callerID, status, notes, ownerOnly, nil)
	case models.OrderCompleted:
		return s.transition(ctx, orderID, callerID, status, notes, partyOnly, s.requireDue)
	default:
		return s.transition(ctx, orderID, callerID, status, notes, partyOnly, nil)
	}
}

// GetOrder returns an order to one of its parties.
func (s *OrderService) GetOrder(ctx context.Context, orderID, callerID string) (*models.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, lookupErr(err, apperr.ErrOrderNotFound, orderID)
	}
	if err := partyOnly(o, callerID); err != nil {
		return nil, err
	}
	return o, nil
}

// Order list roles
const (
	RoleRenter = "renter"
	RoleOwner  = "owner"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
)

// OrderPage is one page of a party's orders.
type OrderPage struct {
	Orders     []models.Order `json:"orders"`
	Total      int            `json:"total"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	TotalPages int            `json:"total_pages"`
}

// ListOrders pages through the orders where userID has the given role.
func (s *OrderService) ListOrders(ctx context.Context, userID, role string, page, limit int, status models.OrderStatus) (*OrderPage, error) {
	if userID == "" {
		return nil, apperr.Validation("user id is required")
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if status != "" && !status.Valid() {
		return nil, apperr.Validation("unknown order status %q", status)
	}

	filter := store.OrderFilter{Status: status, Limit: limit, Offset: (page - 1) * limit}
	switch role {
	case "", RoleRenter:
		filter.RenterID = userID
	case RoleOwner:
		filter.OwnerID = userID
	default:
		return nil, apperr.Validation("role must be %s or %s", RoleRenter, RoleOwner)
	}

	orders, total, err := s.store.ListOrders(ctx, filter)
	if err != nil {
		return nil, apperr.Internal(err, "list orders")
	}
	return &OrderPage{
		Orders:     orders,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}, nil
}
