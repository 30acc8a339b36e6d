package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quickbite/api/internal/domain"
	"github.com/quickbite/api/internal/platform/httpx"
	"github.com/quickbite/api/internal/services"
)

const maxOrderBodySize = 64 * 1024

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

type lineItemRequest struct {
	ProductRef   string `json:"product_ref"`
	Quantity     int64  `json:"quantity"`
	UnitPrice    int64  `json:"unit_price"`
	UnitDiscount int64  `json:"unit_discount"`
}

type createOrderRequest struct {
	AttendanceToken string            `json:"attendance_token"`
	CustomerID      *string           `json:"customer_id"`
	Items           []lineItemRequest `json:"items"`
}

type updateOrderRequest struct {
	AttendanceToken string            `json:"attendance_token"`
	CustomerID      *string           `json:"customer_id"`
	Items           []lineItemRequest `json:"items"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type confirmPaymentRequest struct {
	Status            string `json:"status"`
	PaymentID         string `json:"payment_id"`
	Method            string `json:"method"`
	Amount            int64  `json:"amount"`
	AuthorizationCode string `json:"authorization_code"`
}

// OrderHandlers exposes the order lifecycle endpoints.
type OrderHandlers struct {
	orders     services.OrderService
	checkout   services.CheckoutService
	reconciler services.PaymentReconciler
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService, checkout services.CheckoutService, reconciler services.PaymentReconciler) *OrderHandlers {
	return &OrderHandlers{
		orders:     orders,
		checkout:   checkout,
		reconciler: reconciler,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Put("/{orderID}", h.updateOrder)
	r.Post("/{orderID}:pay", h.payOrder)
	r.Post("/{orderID}:confirm-payment", h.confirmPayment)
	r.Post("/{orderID}:start-preparation", h.startPreparation)
	r.Post("/{orderID}:finish-preparation", h.finishPreparation)
	r.Post("/{orderID}:finish", h.finishOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(ctx, w, r, &req) {
		return
	}

	cmd := services.CreateOrderCommand{
		AttendanceToken: strings.TrimSpace(req.AttendanceToken),
		CustomerID:      req.CustomerID,
		Items:           toLineItemInputs(req.Items),
	}

	order, err := h.orders.Create(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	orders, err := h.orders.ListActive(ctx)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderPayload, 0, len(orders))
	for _, order := range orders {
		items = append(items, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{Items: items})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}

	order, err := h.orders.Get(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) updateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}

	var req updateOrderRequest
	if !decodeJSONBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.UpdateDraft(ctx, services.UpdateOrderCommand{
		OrderID:         orderID,
		AttendanceToken: strings.TrimSpace(req.AttendanceToken),
		CustomerID:      req.CustomerID,
		Items:           toLineItemInputs(req.Items),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) payOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}

	session, err := h.checkout.OpenPayment(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, checkoutSessionResponse{
		SessionID:   session.ID,
		Provider:    session.Provider,
		RedirectURL: session.RedirectURL,
		ExpiresAt:   formatTime(session.ExpiresAt),
	})
}

func (h *OrderHandlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}

	var req confirmPaymentRequest
	if !decodeJSONBody(ctx, w, r, &req) {
		return
	}

	result, err := h.reconciler.Confirm(ctx, services.PaymentConfirmation{
		OrderID:           orderID,
		RawStatus:         strings.TrimSpace(req.Status),
		PaymentID:         strings.TrimSpace(req.PaymentID),
		Method:            strings.TrimSpace(req.Method),
		Amount:            req.Amount,
		AuthorizationCode: strings.TrimSpace(req.AuthorizationCode),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, paymentConfirmationResponse{
		OrderID: result.OrderID,
		Outcome: string(result.Outcome),
		Applied: result.Applied,
		Reason:  result.Reason,
	})
}

func (h *OrderHandlers) startPreparation(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, orderID string) (domain.Order, error) {
		return h.orders.StartPreparation(ctx, orderID)
	})
}

func (h *OrderHandlers) finishPreparation(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, orderID string) (domain.Order, error) {
		return h.orders.FinishPreparation(ctx, orderID)
	})
}

func (h *OrderHandlers) finishOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, orderID string) (domain.Order, error) {
		return h.orders.Finish(ctx, orderID)
	})
}

func (h *OrderHandlers) transition(w http.ResponseWriter, r *http.Request, apply func(context.Context, string) (domain.Order, error)) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}

	order, err := apply(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}

	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxOrderBodySize)
	switch {
	case errors.Is(err, errEmptyBody):
		// cancellation reason is optional
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	default:
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type orderListResponse struct {
	Items []orderPayload `json:"items"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type paymentConfirmationResponse struct {
	OrderID string `json:"order_id"`
	Outcome string `json:"outcome"`
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
}

type checkoutSessionResponse struct {
	SessionID   string `json:"session_id"`
	Provider    string `json:"provider"`
	RedirectURL string `json:"redirect_url"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

type orderPayload struct {
	ID              string                `json:"id"`
	AttendanceToken string                `json:"attendance_token"`
	CustomerID      *string               `json:"customer_id,omitempty"`
	Status          string                `json:"status"`
	PickupCode      string                `json:"pickup_code,omitempty"`
	Totals          orderTotalsPayload    `json:"totals"`
	Items           []orderItemPayload    `json:"items"`
	Payments        []orderPaymentPayload `json:"payments,omitempty"`
	CreatedAt       string                `json:"created_at"`
	UpdatedAt       string                `json:"updated_at,omitempty"`
	CancelledAt     string                `json:"cancelled_at,omitempty"`
	CancelReason    *string               `json:"cancel_reason,omitempty"`
}

type orderTotalsPayload struct {
	Subtotal int64 `json:"subtotal"`
	Discount int64 `json:"discount"`
	Total    int64 `json:"total"`
}

type orderItemPayload struct {
	ProductRef   string `json:"product_ref"`
	Quantity     int64  `json:"quantity"`
	UnitPrice    int64  `json:"unit_price"`
	UnitDiscount int64  `json:"unit_discount,omitempty"`
}

type orderPaymentPayload struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	Value             int64  `json:"value"`
	Status            string `json:"status"`
	AuthorizationCode string `json:"authorization_code,omitempty"`
	CreatedAt         string `json:"created_at"`
}

func buildOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:              order.ID,
		AttendanceToken: order.AttendanceToken,
		CustomerID:      order.CustomerID,
		Status:          string(order.Status),
		PickupCode:      order.PickupCode,
		Totals: orderTotalsPayload{
			Subtotal: order.Subtotal,
			Discount: order.Discount,
			Total:    order.Total,
		},
		Items:        make([]orderItemPayload, 0, len(order.Items)),
		CreatedAt:    formatTime(order.CreatedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
		CancelReason: order.CancelReason,
	}
	if order.CancelledAt != nil {
		payload.CancelledAt = formatTime(*order.CancelledAt)
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductRef:   item.ProductRef,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
			UnitDiscount: item.UnitDiscount,
		})
	}
	for _, attempt := range order.Payments {
		payload.Payments = append(payload.Payments, orderPaymentPayload{
			ID:                attempt.ID,
			Type:              attempt.Type,
			Value:             attempt.Value,
			Status:            string(attempt.Status),
			AuthorizationCode: attempt.AuthorizationCode,
			CreatedAt:         formatTime(attempt.CreatedAt),
		})
	}
	return payload
}

func toLineItemInputs(items []lineItemRequest) []services.LineItemInput {
	if len(items) == 0 {
		return nil
	}
	out := make([]services.LineItemInput, 0, len(items))
	for _, item := range items {
		out = append(out, services.LineItemInput{
			ProductRef:   strings.TrimSpace(item.ProductRef),
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
			UnitDiscount: item.UnitDiscount,
		})
	}
	return out
}

func orderIDParam(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dest any) bool {
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dest); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = maxOrderBodySize
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrDependencyUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("dependency_unavailable", "a downstream dependency is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func writeServiceUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
