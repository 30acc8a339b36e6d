package memory

import (
	"context"
	"testing"
	"time"

	"github.com/quickbite/api/internal/domain"
	"github.com/quickbite/api/internal/repositories"
)

func sampleOrder(id string, createdAt time.Time) domain.Order {
	return domain.Order{
		ID:              id,
		AttendanceToken: "attend-123",
		Status:          domain.OrderStatusPending,
		Items:           []domain.LineItem{{ProductRef: "products/burger", Quantity: 1, UnitPrice: 1500}},
		Subtotal:        1500,
		Total:           1500,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
}

func TestInsertAssignsIDWhenAbsent(t *testing.T) {
	repo := NewOrderRepository()

	order := sampleOrder("", time.Now().UTC())
	stored, err := repo.Insert(context.Background(), order)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if stored.ID == "" {
		t.Fatal("expected assigned id")
	}

	found, err := repo.FindByID(context.Background(), stored.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if found.AttendanceToken != order.AttendanceToken {
		t.Errorf("stored order differs: %+v", found)
	}
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	repo := NewOrderRepository()
	ctx := context.Background()

	if _, err := repo.Insert(ctx, sampleOrder("ord_A", time.Now().UTC())); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_, err := repo.Insert(ctx, sampleOrder("ord_A", time.Now().UTC()))
	if !repositories.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestUpdateEnforcesRevision(t *testing.T) {
	repo := NewOrderRepository()
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)

	stored, err := repo.Insert(ctx, sampleOrder("ord_A", created))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	stale := created.Add(-time.Minute)
	modified := stored
	modified.Status = domain.OrderStatusReceived
	modified.UpdatedAt = created.Add(time.Minute)

	if _, err := repo.Update(ctx, modified, &stale); !repositories.IsConflict(err) {
		t.Fatalf("expected conflict on stale revision, got %v", err)
	}

	updated, err := repo.Update(ctx, modified, &stored.UpdatedAt)
	if err != nil {
		t.Fatalf("Update with matching revision: %v", err)
	}
	if updated.Status != domain.OrderStatusReceived {
		t.Errorf("status = %q", updated.Status)
	}
}

func TestUpdateUnknownOrder(t *testing.T) {
	repo := NewOrderRepository()
	_, err := repo.Update(context.Background(), sampleOrder("ord_missing", time.Now().UTC()), nil)
	if !repositories.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListActiveGroupsByStatusNewestFirst(t *testing.T) {
	repo := NewOrderRepository()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)

	second := sampleOrder("ord_B", base.Add(time.Minute))
	first := sampleOrder("ord_A", base)
	done := sampleOrder("ord_C", base.Add(2*time.Minute))
	done.Status = domain.OrderStatusFinalized
	cancelled := sampleOrder("ord_D", base.Add(3*time.Minute))
	cancelled.Status = domain.OrderStatusCancelled

	for _, order := range []domain.Order{second, first, done, cancelled} {
		if _, err := repo.Insert(ctx, order); err != nil {
			t.Fatalf("Insert %s: %v", order.ID, err)
		}
	}

	active, err := repo.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}

	if len(active) != 3 {
		t.Fatalf("len = %d, want 3 (finalized excluded, cancelled kept)", len(active))
	}
	// Statuses sort ahead of creation time; within the pending group the most
	// recently created order comes first.
	if active[0].ID != "ord_D" || active[1].ID != "ord_B" || active[2].ID != "ord_A" {
		t.Errorf("order: %s, %s, %s", active[0].ID, active[1].ID, active[2].ID)
	}
}

func TestClonesProtectInternalState(t *testing.T) {
	repo := NewOrderRepository()
	ctx := context.Background()

	stored, err := repo.Insert(ctx, sampleOrder("ord_A", time.Now().UTC()))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	stored.Items[0].Quantity = 99

	found, err := repo.FindByID(ctx, "ord_A")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if found.Items[0].Quantity != 1 {
		t.Errorf("mutation leaked into repository: quantity = %d", found.Items[0].Quantity)
	}
}
