package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/quickbite/api/internal/domain"
	"github.com/quickbite/api/internal/services"
)

type stubReconciler struct {
	handleEvent func(ctx context.Context, payload []byte, signatureHeader string) (services.ReconcileResult, error)
	confirm     func(ctx context.Context, confirmation services.PaymentConfirmation) (services.ReconcileResult, error)
}

func (s *stubReconciler) HandleEvent(ctx context.Context, payload []byte, signatureHeader string) (services.ReconcileResult, error) {
	if s.handleEvent == nil {
		return services.ReconcileResult{}, errors.New("unexpected HandleEvent call")
	}
	return s.handleEvent(ctx, payload, signatureHeader)
}

func (s *stubReconciler) Confirm(ctx context.Context, confirmation services.PaymentConfirmation) (services.ReconcileResult, error) {
	if s.confirm == nil {
		return services.ReconcileResult{}, errors.New("unexpected Confirm call")
	}
	return s.confirm(ctx, confirmation)
}

var _ services.PaymentReconciler = (*stubReconciler)(nil)

func newWebhookRouter(reconciler services.PaymentReconciler) chi.Router {
	r := chi.NewRouter()
	NewWebhookHandlers(reconciler).Routes(r)
	return r
}

func TestPaymentWebhookAcknowledgesAppliedEvent(t *testing.T) {
	var gotSignature string
	reconciler := &stubReconciler{
		handleEvent: func(_ context.Context, _ []byte, signatureHeader string) (services.ReconcileResult, error) {
			gotSignature = signatureHeader
			return services.ReconcileResult{
				EventID: "evt_1",
				OrderID: "ord_A",
				Outcome: domain.OutcomeApproved,
				Applied: true,
			}, nil
		},
	}
	router := newWebhookRouter(reconciler)

	req := httptest.NewRequest(http.MethodPost, "/payments", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if gotSignature != "t=1,v1=abc" {
		t.Errorf("signature header = %q", gotSignature)
	}

	var resp struct {
		Received bool `json:"received"`
		Applied  bool `json:"applied"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !resp.Received || !resp.Applied {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestPaymentWebhookAcknowledgesBenignNoOp(t *testing.T) {
	reconciler := &stubReconciler{
		handleEvent: func(context.Context, []byte, string) (services.ReconcileResult, error) {
			return services.ReconcileResult{EventID: "evt_2", Reason: "order_unknown"}, nil
		},
	}
	router := newWebhookRouter(reconciler)

	req := httptest.NewRequest(http.MethodPost, "/payments", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 ack for benign no-op", rr.Code)
	}

	var resp struct {
		Applied bool   `json:"applied"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Applied || resp.Reason != "order_unknown" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestPaymentWebhookRejectsUnverifiedEvent(t *testing.T) {
	reconciler := &stubReconciler{
		handleEvent: func(context.Context, []byte, string) (services.ReconcileResult, error) {
			return services.ReconcileResult{}, fmt.Errorf("%w: signature mismatch", services.ErrUnverifiedEvent)
		},
	}
	router := newWebhookRouter(reconciler)

	req := httptest.NewRequest(http.MethodPost, "/payments", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=bogus")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestPaymentWebhookRetriesOnInfrastructureFailure(t *testing.T) {
	reconciler := &stubReconciler{
		handleEvent: func(context.Context, []byte, string) (services.ReconcileResult, error) {
			return services.ReconcileResult{}, fmt.Errorf("%w: firestore down", services.ErrDependencyUnavailable)
		},
	}
	router := newWebhookRouter(reconciler)

	req := httptest.NewRequest(http.MethodPost, "/payments", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 so the provider redelivers", rr.Code)
	}
}
