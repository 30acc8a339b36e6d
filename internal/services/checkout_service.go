package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quickbite/api/internal/domain"
	"github.com/quickbite/api/internal/payments"
)

// CheckoutService opens payment orders with the payment provider for orders
// still awaiting payment.
type CheckoutService interface {
	OpenPayment(ctx context.Context, orderID string) (payments.CheckoutSession, error)
}

// CheckoutServiceDeps bundles collaborators for the checkout service.
type CheckoutServiceDeps struct {
	Orders  OrderService
	Gateway payments.Gateway
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	orders  OrderService
	gateway payments.Gateway
	logger  func(context.Context, string, map[string]any)
}

// NewCheckoutService wires dependencies into a concrete CheckoutService.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order service is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("checkout service: payment gateway is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &checkoutService{
		orders:  deps.Orders,
		gateway: deps.Gateway,
		logger:  logger,
	}, nil
}

func (s *checkoutService) OpenPayment(ctx context.Context, orderID string) (payments.CheckoutSession, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return payments.CheckoutSession{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return payments.CheckoutSession{}, err
	}
	if order.Status != domain.OrderStatusPending {
		return payments.CheckoutSession{}, fmt.Errorf("%w: order %s is %s and cannot open a payment", ErrOrderInvalidState, order.ID, order.Status)
	}
	if order.Total <= 0 {
		return payments.CheckoutSession{}, fmt.Errorf("%w: order total must be positive", ErrOrderInvalidInput)
	}

	req := payments.CheckoutSessionRequest{
		OrderID:        order.ID,
		Amount:         order.Total,
		IdempotencyKey: "checkout-" + order.ID,
	}
	for _, item := range order.Items {
		req.Items = append(req.Items, payments.CheckoutLineItem{
			Name:      item.ProductRef,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice - item.UnitDiscount,
		})
	}

	session, err := s.gateway.OpenPaymentOrder(ctx, req)
	if err != nil {
		s.logger(ctx, "checkout.open.failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
		return payments.CheckoutSession{}, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}

	s.logger(ctx, "checkout.opened", map[string]any{
		"order":   order.ID,
		"session": session.ID,
	})
	return session, nil
}
