package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quickbite/api/internal/domain"
	"github.com/quickbite/api/internal/payments"
)

// ReconcileResult summarises the handling of one payment provider event.
type ReconcileResult struct {
	EventID string
	OrderID string
	Outcome domain.PaymentOutcome
	Applied bool
	Reason  string
}

// PaymentConfirmation carries a provider response reported synchronously by a
// caller that just completed a payment, rather than through a webhook.
type PaymentConfirmation struct {
	OrderID           string
	RawStatus         string
	PaymentID         string
	Method            string
	Amount            int64
	AuthorizationCode string
	OccurredAt        time.Time
}

// PaymentReconciler applies payment provider results to orders. Events arrive
// through two entry points: signed webhook notifications and synchronous
// confirmations from the pay flow. Both feed the same lifecycle call.
type PaymentReconciler interface {
	HandleEvent(ctx context.Context, payload []byte, signatureHeader string) (ReconcileResult, error)
	Confirm(ctx context.Context, confirmation PaymentConfirmation) (ReconcileResult, error)
}

// PaymentReconcilerDeps bundles collaborators for the reconciler.
type PaymentReconcilerDeps struct {
	Verifier payments.EventVerifier
	Orders   OrderService
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type paymentReconciler struct {
	verifier payments.EventVerifier
	orders   OrderService
	logger   func(context.Context, string, map[string]any)
}

// NewPaymentReconciler wires dependencies into a concrete PaymentReconciler.
func NewPaymentReconciler(deps PaymentReconcilerDeps) (PaymentReconciler, error) {
	if deps.Verifier == nil {
		return nil, errors.New("payment reconciler: event verifier is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("payment reconciler: order service is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &paymentReconciler{
		verifier: deps.Verifier,
		orders:   deps.Orders,
		logger:   logger,
	}, nil
}

// HandleEvent verifies the payload, translates the provider status, and applies
// the outcome to the referenced order. Verification failures return
// ErrUnverifiedEvent; events that require no action report Applied=false with
// a reason and no error so callers can acknowledge them.
func (r *paymentReconciler) HandleEvent(ctx context.Context, payload []byte, signatureHeader string) (ReconcileResult, error) {
	event, err := r.verifier.VerifyEvent(payload, signatureHeader)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("%w: %v", ErrUnverifiedEvent, err)
	}

	outcome := payments.TranslateStatus(event.Status)
	result := ReconcileResult{
		EventID: event.ID,
		OrderID: event.OrderID,
		Outcome: outcome,
	}

	if outcome == domain.OutcomeNoChange {
		result.Reason = "no_change"
		return result, nil
	}

	if event.OrderID == "" {
		r.logger(ctx, "payment.event.missing_order", map[string]any{
			"event":  event.ID,
			"type":   event.Type,
			"status": event.Status,
		})
		result.Reason = "missing_order_reference"
		return result, nil
	}

	application, err := r.orders.ApplyPaymentResult(ctx, ApplyPaymentResultCommand{
		OrderID:           event.OrderID,
		Outcome:           outcome,
		PaymentID:         event.PaymentID,
		Method:            event.Type,
		Amount:            event.Amount,
		AuthorizationCode: event.AuthorizationCode,
		OccurredAt:        event.OccurredAt,
	})
	if err != nil {
		return ReconcileResult{}, err
	}

	result.Applied = application.Applied
	result.Reason = application.Reason

	r.logger(ctx, "payment.event.reconciled", map[string]any{
		"event":   event.ID,
		"order":   event.OrderID,
		"outcome": string(outcome),
		"applied": application.Applied,
		"reason":  application.Reason,
	})
	return result, nil
}

// Confirm applies a synchronously reported provider result. The caller already
// authenticated itself at the transport layer, so the raw status goes straight
// through the translator into the lifecycle.
func (r *paymentReconciler) Confirm(ctx context.Context, confirmation PaymentConfirmation) (ReconcileResult, error) {
	orderID := strings.TrimSpace(confirmation.OrderID)
	if orderID == "" {
		return ReconcileResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	outcome := payments.TranslateStatus(confirmation.RawStatus)
	result := ReconcileResult{
		OrderID: orderID,
		Outcome: outcome,
	}

	if outcome == domain.OutcomeNoChange {
		result.Reason = "no_change"
		return result, nil
	}

	application, err := r.orders.ApplyPaymentResult(ctx, ApplyPaymentResultCommand{
		OrderID:           orderID,
		Outcome:           outcome,
		PaymentID:         confirmation.PaymentID,
		Method:            confirmation.Method,
		Amount:            confirmation.Amount,
		AuthorizationCode: confirmation.AuthorizationCode,
		OccurredAt:        confirmation.OccurredAt,
	})
	if err != nil {
		return ReconcileResult{}, err
	}

	result.Applied = application.Applied
	result.Reason = application.Reason

	r.logger(ctx, "payment.confirmation.reconciled", map[string]any{
		"order":   orderID,
		"outcome": string(outcome),
		"applied": application.Applied,
		"reason":  application.Reason,
	})
	return result, nil
}
