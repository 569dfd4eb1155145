package tenant

import (
	"context"
	"errors"
)

var (
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrDuplicateTenant = errors.New("tenant already exists")
	ErrImmutableField  = errors.New("field is immutable")
	ErrInvalidTenant   = errors.New("invalid tenant configuration")
)

// Repository defines the interface for tenant storage
type Repository interface {
	// Create fails with ErrDuplicateTenant when the id was ever registered.
	Create(ctx context.Context, tenant *Tenant) error
	GetByID(ctx context.Context, id string) (*Tenant, error)
	Update(ctx context.Context, tenant *Tenant) error
	// List is ordered by creation time, then id.
	List(ctx context.Context, limit, offset int) ([]*Tenant, error)
	Count(ctx context.Context) (int, error)
}
