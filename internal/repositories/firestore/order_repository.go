// Package firestore provides Firestore-backed repository implementations.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"
	"google.golang.org/api/iterator"

	"github.com/quickbite/api/internal/domain"
	pfirestore "github.com/quickbite/api/internal/platform/firestore"
	"github.com/quickbite/api/internal/repositories"
)

const orderCollection = "orders"

// OrderRepository persists orders within Firestore.
type OrderRepository struct {
	provider   *pfirestore.Provider
	collection string
}

// OrderRepositoryOption customises the repository.
type OrderRepositoryOption func(*OrderRepository)

// WithCollection overrides the collection name, mainly for tests.
func WithCollection(name string) OrderRepositoryOption {
	return func(r *OrderRepository) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			r.collection = trimmed
		}
	}
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider, opts ...OrderRepositoryOption) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	repo := &OrderRepository{provider: provider, collection: orderCollection}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

// Insert creates the order document, assigning an identifier when absent.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.insert", err)
	}

	if strings.TrimSpace(order.ID) == "" {
		order.ID = "ord_" + ulid.Make().String()
	}

	ref := client.Collection(r.collection).Doc(order.ID)
	if _, err := ref.Create(ctx, toOrderDocument(order)); err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.insert", err)
	}
	return order, nil
}

// Update replaces the order document inside a transaction, enforcing the
// optimistic revision check when expectedUpdatedAt is provided.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expectedUpdatedAt *time.Time) (domain.Order, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.update", err)
	}

	ref := client.Collection(r.collection).Doc(order.ID)
	err = pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		if expectedUpdatedAt != nil {
			var current orderDocument
			if err := snap.DataTo(&current); err != nil {
				return err
			}
			if !current.UpdatedAt.Equal(expectedUpdatedAt.UTC()) {
				return pfirestore.NewConflictError("orders.update", fmt.Errorf("order %s was modified concurrently", order.ID))
			}
		}
		return tx.Set(ref, toOrderDocument(order))
	})
	if err != nil {
		var pfErr *pfirestore.Error
		if errors.As(err, &pfErr) {
			return domain.Order{}, err
		}
		return domain.Order{}, pfirestore.WrapError("orders.update", err)
	}
	return order, nil
}

// FindByID loads a single order document.
func (r *OrderRepository) FindByID(ctx context.Context, id string) (domain.Order, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.get", err)
	}

	snap, err := client.Collection(r.collection).Doc(id).Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.get", err)
	}

	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.get", err)
	}
	return fromOrderDocument(snap.Ref.ID, doc), nil
}

// ListActive returns non-finalized orders grouped by status, newest first
// within each group. The inequality filter forces status as the leading sort
// key, which matches the required ordering.
func (r *OrderRepository) ListActive(ctx context.Context) ([]domain.Order, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("orders.list", err)
	}

	query := client.Collection(r.collection).
		Where("status", "!=", string(domain.OrderStatusFinalized)).
		OrderBy("status", firestore.Asc).
		OrderBy("createdAt", firestore.Desc)

	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, pfirestore.WrapError("orders.list", err)
		}
		out = append(out, fromOrderDocument(snap.Ref.ID, doc))
	}
	return out, nil
}

type orderDocument struct {
	AttendanceToken string                    `firestore:"attendanceToken"`
	CustomerID      string                    `firestore:"customerId,omitempty"`
	Status          string                    `firestore:"status"`
	PickupCode      string                    `firestore:"pickupCode,omitempty"`
	Subtotal        int64                     `firestore:"subtotal"`
	Discount        int64                     `firestore:"discount"`
	Total           int64                     `firestore:"total"`
	Items           []orderItemDocument       `firestore:"items"`
	Payments        []paymentAttemptDocument  `firestore:"payments,omitempty"`
	CreatedAt       time.Time                 `firestore:"createdAt"`
	UpdatedAt       time.Time                 `firestore:"updatedAt"`
	CancelledAt     *time.Time                `firestore:"cancelledAt,omitempty"`
	CancelReason    string                    `firestore:"cancelReason,omitempty"`
}

type orderItemDocument struct {
	ProductRef   string `firestore:"productRef"`
	Quantity     int64  `firestore:"quantity"`
	UnitPrice    int64  `firestore:"unitPrice"`
	UnitDiscount int64  `firestore:"unitDiscount,omitempty"`
}

type paymentAttemptDocument struct {
	ID                string    `firestore:"id"`
	Type              string    `firestore:"type"`
	Value             int64     `firestore:"value"`
	Change            int64     `firestore:"change,omitempty"`
	Status            string    `firestore:"status"`
	AuthorizationCode string    `firestore:"authorizationCode,omitempty"`
	CreatedAt         time.Time `firestore:"createdAt"`
}

func toOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		AttendanceToken: order.AttendanceToken,
		Status:          string(order.Status),
		PickupCode:      order.PickupCode,
		Subtotal:        order.Subtotal,
		Discount:        order.Discount,
		Total:           order.Total,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
	}
	if order.CustomerID != nil {
		doc.CustomerID = *order.CustomerID
	}
	if order.CancelledAt != nil {
		at := order.CancelledAt.UTC()
		doc.CancelledAt = &at
	}
	if order.CancelReason != nil {
		doc.CancelReason = *order.CancelReason
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDocument{
			ProductRef:   item.ProductRef,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
			UnitDiscount: item.UnitDiscount,
		})
	}
	for _, attempt := range order.Payments {
		doc.Payments = append(doc.Payments, paymentAttemptDocument{
			ID:                attempt.ID,
			Type:              attempt.Type,
			Value:             attempt.Value,
			Change:            attempt.Change,
			Status:            string(attempt.Status),
			AuthorizationCode: attempt.AuthorizationCode,
			CreatedAt:         attempt.CreatedAt.UTC(),
		})
	}
	return doc
}

func fromOrderDocument(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:              id,
		AttendanceToken: doc.AttendanceToken,
		Status:          domain.OrderStatus(doc.Status),
		PickupCode:      doc.PickupCode,
		Subtotal:        doc.Subtotal,
		Discount:        doc.Discount,
		Total:           doc.Total,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
		CancelledAt:     doc.CancelledAt,
	}
	if doc.CustomerID != "" {
		v := doc.CustomerID
		order.CustomerID = &v
	}
	if doc.CancelReason != "" {
		v := doc.CancelReason
		order.CancelReason = &v
	}
	for _, item := range doc.Items {
		order.Items = append(order.Items, domain.LineItem{
			ProductRef:   item.ProductRef,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
			UnitDiscount: item.UnitDiscount,
		})
	}
	for _, attempt := range doc.Payments {
		order.Payments = append(order.Payments, domain.PaymentAttempt{
			ID:                attempt.ID,
			Type:              attempt.Type,
			Value:             attempt.Value,
			Change:            attempt.Change,
			Status:            domain.PaymentOutcome(attempt.Status),
			AuthorizationCode: attempt.AuthorizationCode,
			CreatedAt:         attempt.CreatedAt,
		})
	}
	return order
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
