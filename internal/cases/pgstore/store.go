// Package pgstore is the Postgres implementation of the case-management
// contract.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sevak/internal/cases"
	"sevak/internal/logging"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	caseTable       = "sevak_cases"
	departmentTable = "sevak_departments"
)

// Store implements cases.Service on a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// New constructs the store.
func New(pool *pgxpool.Pool, logger logging.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("case store requires a connection pool")
	}
	return &Store{
		pool:   pool,
		logger: logging.OrNop(logger),
	}, nil
}

// EnsureSchema creates the case and department tables if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    reference TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'open',
    fields JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sevak_cases_tenant ON %s (tenant_id, created_at DESC);
CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    position INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sevak_departments_tenant ON %s (tenant_id, position);
`, caseTable, caseTable, departmentTable, departmentTable)

	_, err := s.pool.Exec(ctx, query)
	return err
}

// CreateCase implements cases.Service.
func (s *Store) CreateCase(ctx context.Context, kind cases.Kind, tenantID string, fields map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode case fields: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (reference, tenant_id, kind, state, fields, created_at, updated_at)
VALUES ($1, $2, $3, 'open', $4::jsonb, $5, $5)
`, caseTable)

	for attempt := 0; attempt < 3; attempt++ {
		reference := NewReference(kind)
		now := time.Now()
		if _, err := s.pool.Exec(ctx, query, reference, tenantID, string(kind), payload, now); err != nil {
			if isUniqueViolation(err) {
				continue
			}
			s.logger.Error("Case insert for tenant %s failed: %v", tenantID, err)
			return "", err
		}
		s.logger.Info("Created %s case %s for tenant %s", kind, reference, tenantID)
		return reference, nil
	}
	return "", fmt.Errorf("failed to allocate unique case reference")
}

// FindDepartmentByCategory implements cases.Service.
func (s *Store) FindDepartmentByCategory(ctx context.Context, tenantID, category string) (*cases.Department, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
SELECT id, name, description
FROM %s
WHERE tenant_id = $1 AND LOWER(name) = LOWER($2)
LIMIT 1
`, departmentTable)

	var dept cases.Department
	err := s.pool.QueryRow(ctx, query, tenantID, strings.TrimSpace(category)).Scan(
		&dept.ID, &dept.Name, &dept.Description,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("department lookup for %s: %w", tenantID, err)
	}
	return &dept, nil
}

// ListDepartments implements cases.Service.
func (s *Store) ListDepartments(ctx context.Context, tenantID string, offset, limit int) ([]cases.Department, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 9
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE tenant_id = $1`, departmentTable)
	if err := s.pool.QueryRow(ctx, countQuery, tenantID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("department count for %s: %w", tenantID, err)
	}

	query := fmt.Sprintf(`
SELECT id, name, description
FROM %s
WHERE tenant_id = $1
ORDER BY position, name
OFFSET $2 LIMIT $3
`, departmentTable)

	rows, err := s.pool.Query(ctx, query, tenantID, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("department list for %s: %w", tenantID, err)
	}
	defer rows.Close()

	var depts []cases.Department
	for rows.Next() {
		var dept cases.Department
		if err := rows.Scan(&dept.ID, &dept.Name, &dept.Description); err != nil {
			return nil, 0, err
		}
		depts = append(depts, dept)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return depts, total, nil
}

// LookupCase implements cases.Service.
func (s *Store) LookupCase(ctx context.Context, tenantID, reference string) (*cases.Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
SELECT reference, kind, state, fields, updated_at
FROM %s
WHERE tenant_id = $1 AND UPPER(reference) = UPPER($2)
`, caseTable)

	var (
		status     cases.Status
		kind       string
		fieldsJSON []byte
	)
	err := s.pool.QueryRow(ctx, query, tenantID, strings.TrimSpace(reference)).Scan(
		&status.Reference, &kind, &status.State, &fieldsJSON, &status.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cases.ErrNotFound
		}
		return nil, fmt.Errorf("case lookup %s: %w", reference, err)
	}
	status.Kind = cases.Kind(kind)

	var fields map[string]any
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &fields); err == nil {
			if summary, ok := fields["description"].(string); ok {
				status.Summary = summary
			}
			if assignee, ok := fields["assignedTo"].(string); ok {
				status.AssignedTo = assignee
			}
		}
	}
	return &status, nil
}

// NewReference builds a citizen-facing case reference: a kind prefix plus a
// short uppercase token derived from a fresh UUID.
func NewReference(kind cases.Kind) string {
	prefix := "CSE"
	switch kind {
	case cases.KindGrievance:
		prefix = "GRV"
	case cases.KindAppointment:
		prefix = "APT"
	}
	token := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:6]
	return prefix + "-" + token
}

func isUniqueViolation(err error) bool {
	// pgconn.PgError code 23505.
	type coder interface{ SQLState() string }
	var pgErr coder
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
