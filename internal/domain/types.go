// Package domain defines the shared entity and value types exchanged between
// repositories, services, and handlers.
package domain

import "time"

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order awaits payment confirmation.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusReceived indicates payment succeeded and the kitchen may start.
	OrderStatusReceived OrderStatus = "received"
	// OrderStatusInPreparation indicates kitchen staff are preparing the order.
	OrderStatusInPreparation OrderStatus = "in_preparation"
	// OrderStatusReady indicates the order is ready for pickup.
	OrderStatusReady OrderStatus = "ready"
	// OrderStatusFinalized indicates the order was handed over and closed out.
	OrderStatusFinalized OrderStatus = "finalized"
	// OrderStatusCancelled indicates the order was cancelled.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// PaymentOutcome is the canonical three-valued result produced by the payment
// status translator. Provider vocabulary never crosses this boundary.
type PaymentOutcome string

const (
	// OutcomeApproved indicates the provider confirmed the payment.
	OutcomeApproved PaymentOutcome = "approved"
	// OutcomeRejected indicates the payment failed, was cancelled, or refunded.
	OutcomeRejected PaymentOutcome = "rejected"
	// OutcomeNoChange indicates the notification carries no actionable state.
	OutcomeNoChange PaymentOutcome = "no_change"
)

// Order is the aggregate root tracked by the fulfillment core. Mutations go
// exclusively through the order service; handlers only read it.
type Order struct {
	ID              string
	AttendanceToken string
	CustomerID      *string
	Status          OrderStatus
	PickupCode      string
	Subtotal        int64
	Discount        int64
	Total           int64
	Items           []LineItem
	Payments        []PaymentAttempt
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CancelledAt     *time.Time
	CancelReason    *string
}

// LineItem describes a single order line. Amounts are minor currency units.
type LineItem struct {
	ProductRef   string
	Quantity     int64
	UnitPrice    int64
	UnitDiscount int64
}

// PaymentAttempt records one confirmation or rejection event reported by the
// payment provider. Attempts are append-only and never mutated after insert.
type PaymentAttempt struct {
	ID                string
	Type              string
	Value             int64
	Change            int64
	Status            PaymentOutcome
	AuthorizationCode string
	CreatedAt         time.Time
}
