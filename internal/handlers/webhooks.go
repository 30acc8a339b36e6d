package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/quickbite/api/internal/platform/httpx"
	"github.com/quickbite/api/internal/services"
)

const (
	maxWebhookBodySize    = 256 * 1024
	stripeSignatureHeader = "Stripe-Signature"
)

// WebhookHandlers receives asynchronous payment provider notifications.
type WebhookHandlers struct {
	reconciler services.PaymentReconciler
	logger     *zap.Logger
}

// WebhookOption customises the webhook handlers.
type WebhookOption func(*WebhookHandlers)

// WithWebhookLogger attaches a structured logger.
func WithWebhookLogger(logger *zap.Logger) WebhookOption {
	return func(h *WebhookHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(reconciler services.PaymentReconciler, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{
		reconciler: reconciler,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments", h.handlePaymentEvent)
}

// handlePaymentEvent acknowledges provider events with 200 whenever the event
// was verified, even if it required no action; the provider retries anything
// else. Unverifiable payloads get 401 and infrastructure failures 503 so the
// provider redelivers once the backend recovers.
func (h *WebhookHandlers) handlePaymentEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "payment reconciler unavailable", http.StatusServiceUnavailable))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to read request body", http.StatusBadRequest))
		return
	}
	if int64(len(payload)) > maxWebhookBodySize {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}

	result, err := h.reconciler.HandleEvent(ctx, payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrUnverifiedEvent):
			h.logger.Warn("webhook signature rejected", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("unverified_event", "event signature could not be verified", http.StatusUnauthorized))
		case errors.Is(err, services.ErrDependencyUnavailable), errors.Is(err, services.ErrOrderConflict):
			h.logger.Error("webhook processing unavailable", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("dependency_unavailable", "event could not be processed, retry later", http.StatusServiceUnavailable))
		default:
			h.logger.Error("webhook processing failed", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process event", http.StatusInternalServerError))
		}
		return
	}

	h.logger.Info("webhook event acknowledged",
		zap.String("event_id", result.EventID),
		zap.String("order_id", result.OrderID),
		zap.Bool("applied", result.Applied),
		zap.String("reason", result.Reason),
	)

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"received": true,
		"applied":  result.Applied,
		"reason":   result.Reason,
	})
}
