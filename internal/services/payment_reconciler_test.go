package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quickbite/api/internal/domain"
	"github.com/quickbite/api/internal/payments"
)

type stubVerifier struct {
	event payments.Event
	err   error
}

func (s *stubVerifier) VerifyEvent(_ []byte, _ string) (payments.Event, error) {
	if s.err != nil {
		return payments.Event{}, s.err
	}
	return s.event, nil
}

type stubOrderService struct {
	OrderService
	applyPaymentResult func(ctx context.Context, cmd ApplyPaymentResultCommand) (PaymentApplication, error)
}

func (s *stubOrderService) ApplyPaymentResult(ctx context.Context, cmd ApplyPaymentResultCommand) (PaymentApplication, error) {
	if s.applyPaymentResult == nil {
		return PaymentApplication{}, errors.New("unexpected ApplyPaymentResult call")
	}
	return s.applyPaymentResult(ctx, cmd)
}

func newReconciler(t *testing.T, verifier payments.EventVerifier, orders OrderService) PaymentReconciler {
	t.Helper()
	reconciler, err := NewPaymentReconciler(PaymentReconcilerDeps{
		Verifier: verifier,
		Orders:   orders,
	})
	if err != nil {
		t.Fatalf("NewPaymentReconciler: %v", err)
	}
	return reconciler
}

func TestHandleEventAppliesApprovedPayment(t *testing.T) {
	verifier := &stubVerifier{event: payments.Event{
		ID:         "evt_1",
		Type:       "checkout.session.completed",
		OrderID:    "ord_A",
		PaymentID:  "pay_1",
		Status:     "paid",
		Amount:     2800,
		OccurredAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}}

	var gotCmd ApplyPaymentResultCommand
	orders := &stubOrderService{
		applyPaymentResult: func(_ context.Context, cmd ApplyPaymentResultCommand) (PaymentApplication, error) {
			gotCmd = cmd
			return PaymentApplication{Applied: true, Order: domain.Order{ID: cmd.OrderID, Status: domain.OrderStatusReceived}}, nil
		},
	}
	reconciler := newReconciler(t, verifier, orders)

	result, err := reconciler.HandleEvent(context.Background(), []byte(`{}`), "sig")
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if !result.Applied {
		t.Fatalf("expected applied result, got %+v", result)
	}
	if result.Outcome != domain.OutcomeApproved {
		t.Errorf("outcome = %q, want approved", result.Outcome)
	}
	if gotCmd.OrderID != "ord_A" || gotCmd.PaymentID != "pay_1" || gotCmd.Amount != 2800 {
		t.Errorf("unexpected command %+v", gotCmd)
	}
}

func TestHandleEventRejectsUnverifiedPayload(t *testing.T) {
	verifier := &stubVerifier{err: payments.ErrInvalidSignature}
	orders := &stubOrderService{}
	reconciler := newReconciler(t, verifier, orders)

	_, err := reconciler.HandleEvent(context.Background(), []byte(`{}`), "bad-sig")
	if !errors.Is(err, ErrUnverifiedEvent) {
		t.Fatalf("expected ErrUnverifiedEvent, got %v", err)
	}
}

func TestHandleEventNoChangeSkipsOrderService(t *testing.T) {
	verifier := &stubVerifier{event: payments.Event{
		ID:      "evt_2",
		Type:    "payment_intent.created",
		OrderID: "ord_A",
		Status:  "pending",
	}}
	orders := &stubOrderService{}
	reconciler := newReconciler(t, verifier, orders)

	result, err := reconciler.HandleEvent(context.Background(), []byte(`{}`), "sig")
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if result.Applied || result.Reason != "no_change" {
		t.Fatalf("expected no_change no-op, got %+v", result)
	}
}

func TestHandleEventMissingOrderReferenceIsBenign(t *testing.T) {
	verifier := &stubVerifier{event: payments.Event{
		ID:     "evt_3",
		Type:   "payment_intent.succeeded",
		Status: "paid",
	}}
	orders := &stubOrderService{}
	reconciler := newReconciler(t, verifier, orders)

	result, err := reconciler.HandleEvent(context.Background(), []byte(`{}`), "sig")
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if result.Applied || result.Reason != "missing_order_reference" {
		t.Fatalf("expected missing_order_reference no-op, got %+v", result)
	}
}

func TestConfirmAppliesTranslatedOutcome(t *testing.T) {
	var gotCmd ApplyPaymentResultCommand
	orders := &stubOrderService{
		applyPaymentResult: func(_ context.Context, cmd ApplyPaymentResultCommand) (PaymentApplication, error) {
			gotCmd = cmd
			return PaymentApplication{Applied: true, Order: domain.Order{ID: cmd.OrderID, Status: domain.OrderStatusReceived}}, nil
		},
	}
	reconciler := newReconciler(t, &stubVerifier{}, orders)

	result, err := reconciler.Confirm(context.Background(), PaymentConfirmation{
		OrderID:   "ord_A",
		RawStatus: "approved",
		PaymentID: "pay_9",
		Method:    "credit_card",
		Amount:    2800,
	})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	if !result.Applied || result.Outcome != domain.OutcomeApproved {
		t.Fatalf("expected applied approved result, got %+v", result)
	}
	if gotCmd.OrderID != "ord_A" || gotCmd.Outcome != domain.OutcomeApproved || gotCmd.PaymentID != "pay_9" {
		t.Errorf("unexpected command %+v", gotCmd)
	}
}

func TestConfirmPendingStatusIsNoOp(t *testing.T) {
	orders := &stubOrderService{}
	reconciler := newReconciler(t, &stubVerifier{}, orders)

	result, err := reconciler.Confirm(context.Background(), PaymentConfirmation{
		OrderID:   "ord_A",
		RawStatus: "pending",
	})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if result.Applied || result.Reason != "no_change" {
		t.Fatalf("expected no_change no-op, got %+v", result)
	}
}

func TestConfirmRequiresOrderID(t *testing.T) {
	reconciler := newReconciler(t, &stubVerifier{}, &stubOrderService{})

	_, err := reconciler.Confirm(context.Background(), PaymentConfirmation{RawStatus: "paid"})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestHandleEventPropagatesInfrastructureFailures(t *testing.T) {
	verifier := &stubVerifier{event: payments.Event{
		ID:        "evt_4",
		Type:      "payment_intent.succeeded",
		OrderID:   "ord_A",
		PaymentID: "pay_1",
		Status:    "paid",
	}}
	orders := &stubOrderService{
		applyPaymentResult: func(context.Context, ApplyPaymentResultCommand) (PaymentApplication, error) {
			return PaymentApplication{}, ErrDependencyUnavailable
		},
	}
	reconciler := newReconciler(t, verifier, orders)

	_, err := reconciler.HandleEvent(context.Background(), []byte(`{}`), "sig")
	if !errors.Is(err, ErrDependencyUnavailable) {
		t.Fatalf("expected ErrDependencyUnavailable, got %v", err)
	}
}
