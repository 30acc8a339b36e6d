// Package services implements the order fulfilment business logic: order
// lifecycle transitions, pickup code issuance, and asynchronous payment
// reconciliation.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/quickbite/api/internal/domain"
)

// Service errors surfaced to transport adapters.
var (
	// ErrOrderInvalidInput marks validation failures on caller-supplied data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound marks lookups for unknown orders.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState marks lifecycle transitions not allowed from the current status.
	ErrOrderInvalidState = errors.New("order: invalid state transition")
	// ErrOrderConflict marks concurrent modification conflicts.
	ErrOrderConflict = errors.New("order: concurrent modification")
	// ErrUnverifiedEvent marks payment events whose authenticity could not be established.
	ErrUnverifiedEvent = errors.New("payment event: verification failed")
	// ErrDependencyUnavailable marks transient infrastructure failures.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

// OrderEventMessage is the payload published on order lifecycle changes.
type OrderEventMessage struct {
	EventID        string             `json:"eventId"`
	OrderID        string             `json:"orderId"`
	Type           string             `json:"type"`
	Status         domain.OrderStatus `json:"status"`
	PreviousStatus domain.OrderStatus `json:"previousStatus,omitempty"`
	OccurredAt     time.Time          `json:"occurredAt"`
}

// OrderEventPublisher emits order lifecycle events to interested consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, message OrderEventMessage) (string, error)
}
