// Package cases defines the narrow contract the engine uses to create and
// look up grievances and appointments. The full case-management API lives
// elsewhere; the engine only ever needs these calls.
package cases

import (
	"context"
	"errors"
	"time"
)

// Kind discriminates the case record types the engine can create.
type Kind string

const (
	KindGrievance   Kind = "grievance"
	KindAppointment Kind = "appointment"
)

// ErrNotFound reports that a lookup matched nothing.
var ErrNotFound = errors.New("case not found")

// Department is a routable unit inside a tenant.
type Department struct {
	ID          string
	Name        string
	Description string
}

// Status is the citizen-visible state of a case.
type Status struct {
	Reference  string
	Kind       Kind
	State      string
	Summary    string
	AssignedTo string
	UpdatedAt  time.Time
}

// IsNotFound reports whether err means the lookup matched nothing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Service is the case-management collaborator consumed by the engine. All
// calls are synchronous and fallible; the engine catches failures at the
// step boundary.
type Service interface {
	// CreateCase persists a new case and returns its citizen-facing
	// reference (e.g. GRV-4F2A9C).
	CreateCase(ctx context.Context, kind Kind, tenantID string, fields map[string]any) (string, error)
	// FindDepartmentByCategory resolves a department by category name,
	// nil when none matches.
	FindDepartmentByCategory(ctx context.Context, tenantID, category string) (*Department, error)
	// ListDepartments pages through a tenant's departments for dynamic
	// list prompts. The second return is the total count.
	ListDepartments(ctx context.Context, tenantID string, offset, limit int) ([]Department, int, error)
	// LookupCase returns the status of a case by reference, ErrNotFound
	// when unknown.
	LookupCase(ctx context.Context, tenantID, reference string) (*Status, error)
}
