package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/quickbite/api/internal/domain"
	"github.com/quickbite/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"

	orderIDPrefix   = "ord_"
	paymentIDPrefix = "pay_"
	eventIDPrefix   = "evt_"

	cancelReasonPaymentRejected = "payment_rejected"

	conflictRetryAttempts = 2
)

// orderStateTransitions lists the allowed forward transitions per status.
// Cancellation is handled separately: any non-terminal status may cancel.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:       {domain.OrderStatusReceived, domain.OrderStatusCancelled},
	domain.OrderStatusReceived:      {domain.OrderStatusInPreparation, domain.OrderStatusCancelled},
	domain.OrderStatusInPreparation: {domain.OrderStatusReady, domain.OrderStatusCancelled},
	domain.OrderStatusReady:         {domain.OrderStatusFinalized, domain.OrderStatusCancelled},
}

func canTransition(from, to domain.OrderStatus) bool {
	for _, allowed := range orderStateTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// LineItemInput is a caller-supplied order line.
type LineItemInput struct {
	ProductRef   string
	Quantity     int64
	UnitPrice    int64
	UnitDiscount int64
}

// CreateOrderCommand captures the payload for placing a new order.
type CreateOrderCommand struct {
	AttendanceToken string
	CustomerID      *string
	Items           []LineItemInput
}

// UpdateOrderCommand replaces the mutable fields of an order still awaiting payment.
type UpdateOrderCommand struct {
	OrderID         string
	AttendanceToken string
	CustomerID      *string
	Items           []LineItemInput
}

// CancelOrderCommand cancels an order with an optional reason.
type CancelOrderCommand struct {
	OrderID string
	Reason  string
}

// ApplyPaymentResultCommand carries a translated payment outcome to apply to an order.
type ApplyPaymentResultCommand struct {
	OrderID           string
	Outcome           domain.PaymentOutcome
	PaymentID         string
	Method            string
	Amount            int64
	AuthorizationCode string
	OccurredAt        time.Time
}

// PaymentApplication reports what applying a payment outcome did. Applied is
// false for benign no-ops (duplicate events, non-pending orders, no_change
// outcomes); Reason explains why.
type PaymentApplication struct {
	Order   domain.Order
	Applied bool
	Reason  string
}

// OrderService exposes the order fulfilment lifecycle.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error)
	UpdateDraft(ctx context.Context, cmd UpdateOrderCommand) (domain.Order, error)
	Get(ctx context.Context, orderID string) (domain.Order, error)
	ListActive(ctx context.Context) ([]domain.Order, error)
	ApplyPaymentResult(ctx context.Context, cmd ApplyPaymentResultCommand) (PaymentApplication, error)
	StartPreparation(ctx context.Context, orderID string) (domain.Order, error)
	FinishPreparation(ctx context.Context, orderID string) (domain.Order, error)
	Finish(ctx context.Context, orderID string) (domain.Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error)
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Random      io.Reader
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	random     io.Reader
	events     OrderEventPublisher
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = repositories.NoopUnitOfWork()
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	random := deps.Random
	if random == nil {
		random = rand.Reader
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		random: random,
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	token := strings.TrimSpace(cmd.AttendanceToken)
	if token == "" {
		return domain.Order{}, fmt.Errorf("%w: attendance token is required", ErrOrderInvalidInput)
	}
	items, err := buildLineItems(cmd.Items)
	if err != nil {
		return domain.Order{}, err
	}

	code, err := GeneratePickupCode(token, s.random)
	if err != nil {
		return domain.Order{}, err
	}

	now := s.now()
	order := domain.Order{
		ID:              orderIDPrefix + s.newID(),
		AttendanceToken: token,
		CustomerID:      trimOptional(cmd.CustomerID),
		Status:          domain.OrderStatusPending,
		PickupCode:      code,
		Items:           items,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	order.Subtotal, order.Discount, order.Total = computeTotals(items)

	var stored domain.Order
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		inserted, insertErr := s.orders.Insert(txCtx, order)
		if insertErr != nil {
			return s.mapRepositoryError(insertErr)
		}
		stored = inserted
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.publishEvent(ctx, orderEventCreated, stored, "")
	return stored, nil
}

func (s *orderService) UpdateDraft(ctx context.Context, cmd UpdateOrderCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	token := strings.TrimSpace(cmd.AttendanceToken)
	if token == "" {
		return domain.Order{}, fmt.Errorf("%w: attendance token is required", ErrOrderInvalidInput)
	}
	items, err := buildLineItems(cmd.Items)
	if err != nil {
		return domain.Order{}, err
	}

	var updated domain.Order
	err = s.withConflictRetry(ctx, orderID, func(order domain.Order) (domain.Order, error) {
		if order.Status != domain.OrderStatusPending {
			return domain.Order{}, fmt.Errorf("%w: order %s must be %s to be edited, current status is %s", ErrOrderInvalidState, order.ID, domain.OrderStatusPending, order.Status)
		}
		order.AttendanceToken = token
		order.CustomerID = trimOptional(cmd.CustomerID)
		order.Items = items
		order.Subtotal, order.Discount, order.Total = computeTotals(items)
		order.UpdatedAt = s.now()
		return order, nil
	}, &updated)
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

func (s *orderService) Get(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListActive(ctx context.Context) ([]domain.Order, error) {
	orders, err := s.orders.ListActive(ctx)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return orders, nil
}

func (s *orderService) ApplyPaymentResult(ctx context.Context, cmd ApplyPaymentResultCommand) (PaymentApplication, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return PaymentApplication{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	switch cmd.Outcome {
	case domain.OutcomeApproved, domain.OutcomeRejected:
	case domain.OutcomeNoChange:
		return PaymentApplication{Reason: "no_change"}, nil
	default:
		return PaymentApplication{}, fmt.Errorf("%w: unknown payment outcome %q", ErrOrderInvalidInput, cmd.Outcome)
	}

	for attempt := 0; attempt < conflictRetryAttempts; attempt++ {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			if repositories.IsNotFound(err) {
				s.logger(ctx, "order.payment.unknown_order", map[string]any{
					"order":   orderID,
					"payment": cmd.PaymentID,
				})
				return PaymentApplication{Reason: "order_unknown"}, nil
			}
			return PaymentApplication{}, s.mapRepositoryError(err)
		}

		if paymentAlreadyRecorded(order, cmd.PaymentID) {
			return PaymentApplication{Order: order, Reason: "duplicate_event"}, nil
		}
		if order.Status != domain.OrderStatusPending {
			return PaymentApplication{Order: order, Reason: "order_not_pending"}, nil
		}

		now := s.now()
		prev := order.Status

		paymentID := strings.TrimSpace(cmd.PaymentID)
		if paymentID == "" {
			paymentID = paymentIDPrefix + s.newID()
		}
		occurred := cmd.OccurredAt
		if occurred.IsZero() {
			occurred = now
		}
		order.Payments = append(order.Payments, domain.PaymentAttempt{
			ID:                paymentID,
			Type:              strings.TrimSpace(cmd.Method),
			Value:             cmd.Amount,
			Status:            cmd.Outcome,
			AuthorizationCode: strings.TrimSpace(cmd.AuthorizationCode),
			CreatedAt:         occurred.UTC(),
		})

		if cmd.Outcome == domain.OutcomeApproved {
			code, codeErr := GeneratePickupCode(order.AttendanceToken, s.random)
			if codeErr != nil {
				return PaymentApplication{}, codeErr
			}
			order.PickupCode = code
			order.Status = domain.OrderStatusReceived
		} else {
			order.Status = domain.OrderStatusCancelled
			order.CancelledAt = &now
			reason := cancelReasonPaymentRejected
			order.CancelReason = &reason
		}
		order.UpdatedAt = now

		updated, err := s.updateWithRevision(ctx, order)
		if err != nil {
			if errors.Is(err, ErrOrderConflict) && attempt+1 < conflictRetryAttempts {
				continue
			}
			return PaymentApplication{}, err
		}

		s.publishEvent(ctx, orderEventStatusChanged, updated, prev)
		return PaymentApplication{Order: updated, Applied: true}, nil
	}

	return PaymentApplication{}, fmt.Errorf("%w: order %s", ErrOrderConflict, orderID)
}

func (s *orderService) StartPreparation(ctx context.Context, orderID string) (domain.Order, error) {
	return s.transition(ctx, orderID, domain.OrderStatusInPreparation)
}

func (s *orderService) FinishPreparation(ctx context.Context, orderID string) (domain.Order, error) {
	return s.transition(ctx, orderID, domain.OrderStatusReady)
}

func (s *orderService) Finish(ctx context.Context, orderID string) (domain.Order, error) {
	return s.transition(ctx, orderID, domain.OrderStatusFinalized)
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	reason := strings.TrimSpace(cmd.Reason)

	var updated domain.Order
	var prev domain.OrderStatus
	var alreadyCancelled bool
	err := s.withConflictRetry(ctx, orderID, func(order domain.Order) (domain.Order, error) {
		if order.Status == domain.OrderStatusCancelled {
			alreadyCancelled = true
			return order, nil
		}
		if order.Status == domain.OrderStatusFinalized {
			return domain.Order{}, fmt.Errorf("%w: order %s cannot move from %s to %s", ErrOrderInvalidState, order.ID, order.Status, domain.OrderStatusCancelled)
		}
		prev = order.Status
		now := s.now()
		order.Status = domain.OrderStatusCancelled
		order.CancelledAt = &now
		if reason != "" {
			order.CancelReason = &reason
		}
		order.UpdatedAt = now
		return order, nil
	}, &updated)
	if err != nil {
		return domain.Order{}, err
	}

	if !alreadyCancelled {
		s.publishEvent(ctx, orderEventStatusChanged, updated, prev)
	}
	return updated, nil
}

// transition moves the order to target following the lifecycle table.
func (s *orderService) transition(ctx context.Context, orderID string, target domain.OrderStatus) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var updated domain.Order
	var prev domain.OrderStatus
	err := s.withConflictRetry(ctx, orderID, func(order domain.Order) (domain.Order, error) {
		if !canTransition(order.Status, target) {
			return domain.Order{}, fmt.Errorf("%w: order %s cannot move from %s to %s", ErrOrderInvalidState, order.ID, order.Status, target)
		}
		prev = order.Status
		order.Status = target
		order.UpdatedAt = s.now()
		return order, nil
	}, &updated)
	if err != nil {
		return domain.Order{}, err
	}

	s.publishEvent(ctx, orderEventStatusChanged, updated, prev)
	return updated, nil
}

// withConflictRetry loads the order, applies mutate, and persists it guarded by
// the loaded revision. A single reload is attempted on conflict.
func (s *orderService) withConflictRetry(ctx context.Context, orderID string, mutate func(domain.Order) (domain.Order, error), out *domain.Order) error {
	for attempt := 0; attempt < conflictRetryAttempts; attempt++ {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}

		loadedAt := order.UpdatedAt
		mutated, err := mutate(order)
		if err != nil {
			return err
		}
		if mutated.UpdatedAt.Equal(loadedAt) && mutated.Status == order.Status {
			// Mutation was a no-op; nothing to persist.
			*out = mutated
			return nil
		}

		var updated domain.Order
		err = s.runInTx(ctx, func(txCtx context.Context) error {
			result, updateErr := s.orders.Update(txCtx, mutated, &loadedAt)
			if updateErr != nil {
				return s.mapRepositoryError(updateErr)
			}
			updated = result
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrOrderConflict) && attempt+1 < conflictRetryAttempts {
				continue
			}
			return err
		}

		*out = updated
		return nil
	}
	return fmt.Errorf("%w: order %s", ErrOrderConflict, orderID)
}

func (s *orderService) updateWithRevision(ctx context.Context, order domain.Order) (domain.Order, error) {
	var updated domain.Order
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		current, findErr := s.orders.FindByID(txCtx, order.ID)
		if findErr != nil {
			return s.mapRepositoryError(findErr)
		}
		if current.Status != domain.OrderStatusPending {
			return fmt.Errorf("%w: order %s changed to %s", ErrOrderConflict, order.ID, current.Status)
		}
		loadedAt := current.UpdatedAt
		result, updateErr := s.orders.Update(txCtx, order, &loadedAt)
		if updateErr != nil {
			return s.mapRepositoryError(updateErr)
		}
		updated = result
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
		}
	}
	return err
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishEvent(ctx context.Context, eventType string, order domain.Order, prev domain.OrderStatus) {
	if s.events == nil {
		return
	}
	message := OrderEventMessage{
		EventID:        eventIDPrefix + s.newID(),
		OrderID:        order.ID,
		Type:           eventType,
		Status:         order.Status,
		PreviousStatus: prev,
		OccurredAt:     s.now(),
	}
	if _, err := s.events.PublishOrderEvent(ctx, message); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   eventType,
			"order":  order.ID,
			"status": string(order.Status),
			"error":  err.Error(),
		})
	}
}

// buildLineItems validates and normalises caller-supplied lines. An empty list
// is allowed; such orders simply carry zero totals until edited.
func buildLineItems(inputs []LineItemInput) ([]domain.LineItem, error) {
	items := make([]domain.LineItem, 0, len(inputs))
	for i, input := range inputs {
		ref := strings.TrimSpace(input.ProductRef)
		if ref == "" {
			return nil, fmt.Errorf("%w: item %d product reference is required", ErrOrderInvalidInput, i)
		}
		if input.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item %d quantity must be positive", ErrOrderInvalidInput, i)
		}
		if input.UnitPrice < 0 {
			return nil, fmt.Errorf("%w: item %d unit price cannot be negative", ErrOrderInvalidInput, i)
		}
		if input.UnitDiscount < 0 || input.UnitDiscount > input.UnitPrice {
			return nil, fmt.Errorf("%w: item %d unit discount must be between zero and the unit price", ErrOrderInvalidInput, i)
		}
		items = append(items, domain.LineItem{
			ProductRef:   ref,
			Quantity:     input.Quantity,
			UnitPrice:    input.UnitPrice,
			UnitDiscount: input.UnitDiscount,
		})
	}
	return items, nil
}

func computeTotals(items []domain.LineItem) (subtotal, discount, total int64) {
	for _, item := range items {
		subtotal += item.Quantity * item.UnitPrice
		discount += item.Quantity * item.UnitDiscount
	}
	return subtotal, discount, subtotal - discount
}

func paymentAlreadyRecorded(order domain.Order, paymentID string) bool {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return false
	}
	for _, attempt := range order.Payments {
		if attempt.ID == paymentID {
			return true
		}
	}
	return false
}

func trimOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
