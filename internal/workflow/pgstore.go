package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/approvalflow/model"
)

// Schema creates the workflow_definitions table. Steps, with their
// conditions, are stored as one JSONB document so a save is a single row
// write.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	id          TEXT        NOT NULL,
	tenant_id   TEXT        NOT NULL,
	name        TEXT        NOT NULL,
	description TEXT        NOT NULL DEFAULT '',
	status      TEXT        NOT NULL,
	steps       JSONB       NOT NULL,
	version     INTEGER     NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, id)
);
CREATE INDEX IF NOT EXISTS workflow_definitions_tenant_updated
	ON workflow_definitions (tenant_id, updated_at DESC);
`

// PgWorkflowStore is a PostgreSQL-backed WorkflowStore using pgx/v5.
type PgWorkflowStore struct {
	pool *pgxpool.Pool
}

// NewPgWorkflowStore creates a new PostgreSQL workflow store.
func NewPgWorkflowStore(pool *pgxpool.Pool) *PgWorkflowStore {
	return &PgWorkflowStore{pool: pool}
}

// EnsureSchema creates the table if it does not exist.
func (s *PgWorkflowStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create workflow schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PgWorkflowStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Save inserts a new workflow or updates an existing one with optimistic
// locking.
func (s *PgWorkflowStore) Save(ctx context.Context, wf model.Workflow) (model.Workflow, error) {
	stepsJSON, err := json.Marshal(wf.Steps)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("marshal steps: %w", err)
	}
	now := time.Now().UTC()

	if wf.Version == 0 {
		if wf.CreatedAt.IsZero() {
			wf.CreatedAt = now
		}
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO workflow_definitions (
				id, tenant_id, name, description, status, steps,
				version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)
			ON CONFLICT (tenant_id, id) DO NOTHING`,
			wf.ID, wf.TenantID, wf.Name, wf.Description, wf.Status, stepsJSON,
			wf.CreatedAt, now,
		)
		if err != nil {
			return model.Workflow{}, fmt.Errorf("insert workflow: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.Workflow{}, model.NewConflictError(
				fmt.Sprintf("workflow %q already exists", wf.ID),
			)
		}
		wf.Version = 1
		wf.UpdatedAt = now
		return wf, nil
	}

	var createdAt time.Time
	err = s.pool.QueryRow(ctx, `
		UPDATE workflow_definitions SET
			name = $1,
			description = $2,
			status = $3,
			steps = $4,
			version = version + 1,
			updated_at = $5
		WHERE tenant_id = $6 AND id = $7 AND version = $8
		RETURNING created_at`,
		wf.Name, wf.Description, wf.Status, stepsJSON, now,
		wf.TenantID, wf.ID, wf.Version,
	).Scan(&createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Workflow{}, model.NewConflictError(
			fmt.Sprintf("workflow %q version conflict (expected %d)", wf.ID, wf.Version),
		)
	}
	if err != nil {
		return model.Workflow{}, fmt.Errorf("update workflow: %w", err)
	}

	wf.Version++
	wf.CreatedAt = createdAt
	wf.UpdatedAt = now
	return wf, nil
}

// Load retrieves a workflow by ID, scoped to tenant.
func (s *PgWorkflowStore) Load(ctx context.Context, tenantID, workflowID string) (model.Workflow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, description, status, steps,
		       version, created_at, updated_at
		FROM workflow_definitions
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, workflowID,
	)
	wf, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Workflow{}, model.NewWorkflowNotFoundError(workflowID)
	}
	if err != nil {
		return model.Workflow{}, fmt.Errorf("query workflow: %w", err)
	}
	return wf, nil
}

// List returns a tenant's workflows ordered by updated_at descending.
func (s *PgWorkflowStore) List(ctx context.Context, tenantID string, filters model.WorkflowFilters) ([]model.Workflow, error) {
	query := `SELECT id, tenant_id, name, description, status, steps,
	                 version, created_at, updated_at
	          FROM workflow_definitions
	          WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY updated_at DESC, id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	workflows := []model.Workflow{}
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// Delete removes a workflow.
func (s *PgWorkflowStore) Delete(ctx context.Context, tenantID, workflowID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM workflow_definitions
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, workflowID,
	)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewWorkflowNotFoundError(workflowID)
	}
	return nil
}

func scanWorkflow(row pgx.Row) (model.Workflow, error) {
	var wf model.Workflow
	var stepsJSON []byte
	if err := row.Scan(
		&wf.ID, &wf.TenantID, &wf.Name, &wf.Description, &wf.Status, &stepsJSON,
		&wf.Version, &wf.CreatedAt, &wf.UpdatedAt,
	); err != nil {
		return model.Workflow{}, err
	}
	wf.Steps = []model.Step{}
	if stepsJSON != nil {
		if err := json.Unmarshal(stepsJSON, &wf.Steps); err != nil {
			return model.Workflow{}, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	return wf, nil
}
