package services

import (
	"context"
	"errors"
	"testing"

	"github.com/quickbite/api/internal/domain"
	"github.com/quickbite/api/internal/payments"
)

type stubGateway struct {
	open func(ctx context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
}

func (s *stubGateway) OpenPaymentOrder(ctx context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	if s.open == nil {
		return payments.CheckoutSession{}, errors.New("unexpected OpenPaymentOrder call")
	}
	return s.open(ctx, req)
}

type stubOrderGetter struct {
	OrderService
	get func(ctx context.Context, orderID string) (domain.Order, error)
}

func (s *stubOrderGetter) Get(ctx context.Context, orderID string) (domain.Order, error) {
	return s.get(ctx, orderID)
}

func TestOpenPaymentBuildsSessionFromOrder(t *testing.T) {
	order := pendingOrder()
	orders := &stubOrderGetter{get: func(_ context.Context, _ string) (domain.Order, error) { return order, nil }}

	var gotReq payments.CheckoutSessionRequest
	gateway := &stubGateway{open: func(_ context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
		gotReq = req
		return payments.CheckoutSession{ID: "cs_1", Provider: "stripe", RedirectURL: "https://pay.example/cs_1"}, nil
	}}

	svc, err := NewCheckoutService(CheckoutServiceDeps{Orders: orders, Gateway: gateway})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	session, err := svc.OpenPayment(context.Background(), "ord_A")
	if err != nil {
		t.Fatalf("OpenPayment: %v", err)
	}

	if session.ID != "cs_1" {
		t.Errorf("session id = %q", session.ID)
	}
	if gotReq.Amount != order.Total {
		t.Errorf("amount = %d, want %d", gotReq.Amount, order.Total)
	}
	if len(gotReq.Items) != 1 || gotReq.Items[0].UnitPrice != 1400 {
		t.Errorf("line items = %+v", gotReq.Items)
	}
	if gotReq.IdempotencyKey == "" {
		t.Error("idempotency key not set")
	}
}

func TestOpenPaymentRequiresPendingOrder(t *testing.T) {
	order := pendingOrder()
	order.Status = domain.OrderStatusReceived
	orders := &stubOrderGetter{get: func(_ context.Context, _ string) (domain.Order, error) { return order, nil }}
	gateway := &stubGateway{}

	svc, _ := NewCheckoutService(CheckoutServiceDeps{Orders: orders, Gateway: gateway})

	if _, err := svc.OpenPayment(context.Background(), "ord_A"); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}

func TestOpenPaymentWrapsGatewayFailure(t *testing.T) {
	orders := &stubOrderGetter{get: func(_ context.Context, _ string) (domain.Order, error) { return pendingOrder(), nil }}
	gateway := &stubGateway{open: func(context.Context, payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
		return payments.CheckoutSession{}, errors.New("psp timeout")
	}}

	svc, _ := NewCheckoutService(CheckoutServiceDeps{Orders: orders, Gateway: gateway})

	if _, err := svc.OpenPayment(context.Background(), "ord_A"); !errors.Is(err, ErrDependencyUnavailable) {
		t.Fatalf("expected ErrDependencyUnavailable, got %v", err)
	}
}
