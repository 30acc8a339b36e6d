// Package memory provides in-process repository implementations used by tests
// and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/quickbite/api/internal/domain"
)

type repositoryError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *repositoryError) Error() string       { return e.msg }
func (e *repositoryError) IsNotFound() bool    { return e.notFound }
func (e *repositoryError) IsConflict() bool    { return e.conflict }
func (e *repositoryError) IsUnavailable() bool { return e.unavailable }

func notFoundError(id string) error {
	return &repositoryError{msg: fmt.Sprintf("order %s not found", id), notFound: true}
}

func conflictError(id string) error {
	return &repositoryError{msg: fmt.Sprintf("order %s was modified concurrently", id), conflict: true}
}

// OrderRepository stores orders in process memory.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

// NewOrderRepository constructs an empty repository.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[string]domain.Order)}
}

// Insert stores a new order, assigning an identifier when absent, and returns
// the stored copy.
func (r *OrderRepository) Insert(_ context.Context, order domain.Order) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.TrimSpace(order.ID) == "" {
		order.ID = "ord_" + ulid.Make().String()
	}
	if _, exists := r.orders[order.ID]; exists {
		return domain.Order{}, &repositoryError{msg: fmt.Sprintf("order %s already exists", order.ID), conflict: true}
	}

	r.orders[order.ID] = cloneOrder(order)
	return cloneOrder(order), nil
}

// Update replaces the stored order, enforcing the optimistic revision check
// when expectedUpdatedAt is provided.
func (r *OrderRepository) Update(_ context.Context, order domain.Order, expectedUpdatedAt *time.Time) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.orders[order.ID]
	if !ok {
		return domain.Order{}, notFoundError(order.ID)
	}
	if expectedUpdatedAt != nil && !current.UpdatedAt.Equal(*expectedUpdatedAt) {
		return domain.Order{}, conflictError(order.ID)
	}

	r.orders[order.ID] = cloneOrder(order)
	return cloneOrder(order), nil
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(_ context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[id]
	if !ok {
		return domain.Order{}, notFoundError(id)
	}
	return cloneOrder(order), nil
}

// ListActive returns non-finalized orders grouped by status, newest first
// within each group.
func (r *OrderRepository) ListActive(_ context.Context) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if order.Status == domain.OrderStatusFinalized {
			continue
		}
		out = append(out, cloneOrder(order))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status < out[j].Status
		}
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func cloneOrder(order domain.Order) domain.Order {
	cloned := order
	if order.Items != nil {
		cloned.Items = append([]domain.LineItem(nil), order.Items...)
	}
	if order.Payments != nil {
		cloned.Payments = append([]domain.PaymentAttempt(nil), order.Payments...)
	}
	if order.CustomerID != nil {
		v := *order.CustomerID
		cloned.CustomerID = &v
	}
	if order.CancelledAt != nil {
		v := *order.CancelledAt
		cloned.CancelledAt = &v
	}
	if order.CancelReason != nil {
		v := *order.CancelReason
		cloned.CancelReason = &v
	}
	return cloned
}
