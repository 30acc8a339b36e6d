// Package repositories defines persistence contracts shared by the service layer.
package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/quickbite/api/internal/domain"
)

// RepositoryError exposes classification helpers that backends attach to failures.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// IsNotFound reports whether err represents a missing record.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err represents a conflicting write.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err represents a transient backend outage.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// OrderRepository persists customer orders.
type OrderRepository interface {
	// Insert stores a new order and returns the stored copy with its assigned identifier.
	Insert(ctx context.Context, order domain.Order) (domain.Order, error)
	// Update replaces the order document. When expectedUpdatedAt is non-nil the
	// write fails with a conflict unless the stored revision matches.
	Update(ctx context.Context, order domain.Order, expectedUpdatedAt *time.Time) (domain.Order, error)
	// FindByID loads a single order.
	FindByID(ctx context.Context, id string) (domain.Order, error)
	// ListActive returns orders that have not reached the finalized state,
	// ordered by status and then by creation time, newest first.
	ListActive(ctx context.Context) ([]domain.Order, error)
}

// UnitOfWork coordinates multi-write operations within a backend transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type noopUnitOfWork struct{}

// RunInTx executes fn without transactional guarantees.
func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// NoopUnitOfWork returns a UnitOfWork that simply invokes the callback. Useful
// for backends without transactions and for tests.
func NoopUnitOfWork() UnitOfWork {
	return noopUnitOfWork{}
}
